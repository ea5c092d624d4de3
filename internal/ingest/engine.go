package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	jobmetrics "github.com/odyssey-erp/ordersettle/internal/jobs"
	"github.com/odyssey-erp/ordersettle/internal/orders"
	"github.com/odyssey-erp/ordersettle/internal/shard"
)

// MaxErrorSamples bounds the per-import error list.
const MaxErrorSamples = 50

// Item is one record handed to the engine. Invalid marks a record that failed
// validation upstream; it is stored as abnormal with Reason.
type Item struct {
	Order   orders.Order
	Invalid bool
	Reason  string
}

// ItemsFrom merges a validation result back into engine input.
func ItemsFrom(res ValidationResult) []Item {
	items := make([]Item, 0, len(res.Valid)+len(res.Invalid))
	for _, o := range res.Valid {
		items = append(items, Item{Order: o})
	}
	for _, inv := range res.Invalid {
		items = append(items, Item{Order: inv.Order, Invalid: true, Reason: inv.Reason})
	}
	return items
}

// Sink persists classified records.
type Sink interface {
	UpsertOrders(ctx context.Context, id shard.ID, batch []orders.Order) (int64, error)
	InsertAbnormal(ctx context.Context, batch []orders.AbnormalOrder) (int64, error)
	UpsertMappings(ctx context.Context, mappings []orders.SKUMapping) (int64, error)
}

// Summary accounts for every input record. Routable+Abnormal always equals
// Total; Failed counts records of either class whose write failed.
type Summary struct {
	Total             int      `json:"total"`
	Routable          int      `json:"routable"`
	Abnormal          int      `json:"abnormal"`
	InsertedOrUpdated int      `json:"inserted_or_updated"`
	Changed           int64    `json:"changed"`
	Duplicates        int      `json:"duplicates"`
	Failed            int      `json:"failed"`
	MappingsUpserted  int64    `json:"mappings_upserted"`
	ErrorCount        int      `json:"error_count"`
	Errors            []string `json:"errors,omitempty"`
}

func (s *Summary) addError(msg string) {
	s.ErrorCount++
	if len(s.Errors) < MaxErrorSamples {
		s.Errors = append(s.Errors, msg)
	}
}

// Progress is a coarse phase marker. Percent never decreases within a run.
type Progress struct {
	Phase   string `json:"phase"`
	Percent int    `json:"percent"`
	Shard   *int   `json:"shard,omitempty"`
}

// ProgressFunc receives progress markers; it may be nil.
type ProgressFunc func(Progress)

// BatchSize picks the upsert batch size for an import of total records.
func BatchSize(total int) int {
	switch {
	case total <= 1000:
		return 500
	case total <= 10000:
		return 300
	case total <= 50000:
		return 200
	default:
		return 100
	}
}

// Engine routes records to shards and writes them in bounded batches.
type Engine struct {
	sink    Sink
	router  *shard.Router
	logger  *slog.Logger
	metrics *jobmetrics.Metrics
}

// NewEngine constructs an Engine. logger and metrics may be nil.
func NewEngine(sink Sink, router *shard.Router, logger *slog.Logger, metrics *jobmetrics.Metrics) *Engine {
	return &Engine{sink: sink, router: router, logger: logger, metrics: metrics}
}

func (e *Engine) log() *slog.Logger {
	if e.logger != nil {
		return e.logger
	}
	return slog.Default()
}

type orderKey struct {
	externalID string
	sku        string
}

type reporter struct {
	fn   ProgressFunc
	last int
}

func (r *reporter) emit(phase string, percent int, id *shard.ID) {
	if r.fn == nil {
		return
	}
	if percent < r.last {
		percent = r.last
	}
	if percent > 100 {
		percent = 100
	}
	r.last = percent
	p := Progress{Phase: phase, Percent: percent}
	if id != nil {
		n := int(*id)
		p.Shard = &n
	}
	r.fn(p)
}

// Ingest classifies, routes and writes items. Shards are processed in order and
// each shard's batches run sequentially; a failed batch is recorded and the run
// continues. Only context cancellation aborts the run.
func (e *Engine) Ingest(ctx context.Context, items []Item, progress ProgressFunc) (Summary, error) {
	rep := &reporter{fn: progress}
	summary := Summary{Total: len(items)}
	rep.emit("grouping", 5, nil)

	var abnormal []orders.AbnormalOrder
	abnormalAt := make(map[orderKey]int)
	grouped := make(map[shard.ID][]orders.Order)
	position := make(map[orderKey]int)
	for _, item := range items {
		o := item.Order
		key := orderKey{externalID: o.ExternalOrderID, sku: o.SKU}
		clientID, seqID, err := orders.ParseCompoundID(o.ExternalOrderID)
		if item.Invalid || err != nil {
			reason := item.Reason
			if reason == "" && err != nil {
				reason = err.Error()
			}
			summary.Abnormal++
			entry := orders.AbnormalOrder{Order: o, ParseError: reason}
			if o.ExternalOrderID == "" {
				// no identity to collapse on
				abnormal = append(abnormal, entry)
				continue
			}
			if idx, seen := abnormalAt[key]; seen {
				abnormal[idx] = entry
				summary.Duplicates++
				continue
			}
			abnormalAt[key] = len(abnormal)
			abnormal = append(abnormal, entry)
			continue
		}
		summary.Routable++
		o.ClientID, o.SequenceID = clientID, seqID
		if o.SettlementStatus == "" {
			o.SettlementStatus = orders.StatusWaiting
		}
		id := e.router.ShardOf(clientID)
		if idx, seen := position[key]; seen {
			grouped[id][idx] = o
			summary.Duplicates++
			continue
		}
		position[key] = len(grouped[id])
		grouped[id] = append(grouped[id], o)
	}

	size := BatchSize(len(items))
	for start := 0; start < len(abnormal); start += size {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		end := min(start+size, len(abnormal))
		if _, err := e.sink.InsertAbnormal(ctx, abnormal[start:end]); err != nil {
			summary.Failed += end - start
			summary.addError(fmt.Sprintf("abnormal rows %d-%d: %v", start+1, end, err))
			e.log().Error("abnormal insert failed", slog.Int("rows", end-start), slog.Any("error", err))
		}
	}
	rep.emit("abnormal", 10, nil)

	ids := make([]shard.ID, 0, len(grouped))
	for id := range grouped {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	written := 0
	pending := len(position)
	var mappings []orders.SKUMapping
	for _, id := range ids {
		rows := grouped[id]
		for start := 0; start < len(rows); start += size {
			if err := ctx.Err(); err != nil {
				return summary, err
			}
			end := min(start+size, len(rows))
			batch := rows[start:end]
			changed, err := e.sink.UpsertOrders(ctx, id, batch)
			if err != nil {
				summary.Failed += len(batch)
				summary.addError(fmt.Sprintf("shard %d rows %d-%d: %v", id, start+1, end, err))
				e.log().Error("order batch upsert failed",
					slog.Int("shard", int(id)), slog.Int("rows", len(batch)), slog.Any("error", err))
			} else {
				summary.InsertedOrUpdated += len(batch)
				summary.Changed += changed
				for _, o := range batch {
					if m, ok := orders.MappingFromOrder(o); ok {
						mappings = append(mappings, m)
					}
				}
			}
			written += len(batch)
			shardID := id
			rep.emit("shard", 10+80*written/max(pending, 1), &shardID)
		}
	}

	if len(mappings) > 0 {
		n, err := e.sink.UpsertMappings(ctx, mappings)
		if err != nil {
			summary.addError(fmt.Sprintf("sku mappings: %v", err))
			e.log().Warn("sku mapping upsert failed", slog.Any("error", err))
		}
		summary.MappingsUpserted = n
	}
	rep.emit("done", 100, nil)

	if e.metrics != nil {
		e.metrics.AddIngested("stored", summary.InsertedOrUpdated)
		e.metrics.AddIngested("abnormal", summary.Abnormal)
		e.metrics.AddIngested("failed", summary.Failed)
	}
	e.log().Info("orders ingested",
		slog.Int("total", summary.Total),
		slog.Int("routable", summary.Routable),
		slog.Int("abnormal", summary.Abnormal),
		slog.Int("failed", summary.Failed),
		slog.Int("batch_size", size))
	return summary, nil
}
