package ingest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/ordersettle/internal/orders"
	"github.com/odyssey-erp/ordersettle/internal/shard"
)

type orderKeyed struct {
	shard shard.ID
	key   string
}

type memorySink struct {
	rows      map[orderKeyed]orders.Order
	abnormal  []orders.AbnormalOrder
	mappings  map[string]string
	failShard map[shard.ID]bool
	batches   map[shard.ID][]int
}

func newMemorySink() *memorySink {
	return &memorySink{
		rows:      make(map[orderKeyed]orders.Order),
		mappings:  make(map[string]string),
		failShard: make(map[shard.ID]bool),
		batches:   make(map[shard.ID][]int),
	}
}

func (s *memorySink) UpsertOrders(_ context.Context, id shard.ID, batch []orders.Order) (int64, error) {
	s.batches[id] = append(s.batches[id], len(batch))
	if s.failShard[id] {
		return 0, errors.New("connection reset")
	}
	var changed int64
	for _, o := range batch {
		k := orderKeyed{shard: id, key: o.ExternalOrderID + "|" + o.SKU}
		prev, ok := s.rows[k]
		if ok {
			// settlement-owned fields survive re-imports
			o.SettlementStatus = prev.SettlementStatus
			o.SettlementAmount = prev.SettlementAmount
			o.DiscountRate = prev.DiscountRate
			if prev.BuyerName == o.BuyerName && prev.Qty() == o.Qty() && prev.OrderStatus == o.OrderStatus {
				continue
			}
		}
		s.rows[k] = o
		changed++
	}
	return changed, nil
}

func (s *memorySink) InsertAbnormal(_ context.Context, batch []orders.AbnormalOrder) (int64, error) {
	s.abnormal = append(s.abnormal, batch...)
	return int64(len(batch)), nil
}

func (s *memorySink) UpsertMappings(_ context.Context, mappings []orders.SKUMapping) (int64, error) {
	for _, m := range mappings {
		s.mappings[m.SKU] = m.SPU
	}
	return int64(len(mappings)), nil
}

func item(id, sku string) Item {
	o := completeOrder(id)
	o.SKU = sku
	return Item{Order: o}
}

func TestBatchSizeShrinksWithVolume(t *testing.T) {
	require.Equal(t, 500, BatchSize(10))
	require.Equal(t, 500, BatchSize(1000))
	require.Equal(t, 300, BatchSize(1001))
	require.Equal(t, 200, BatchSize(50000))
	require.Equal(t, 100, BatchSize(50001))
}

func TestIngestAccountsForEveryRecord(t *testing.T) {
	sink := newMemorySink()
	engine := NewEngine(sink, shard.MustRouter(10), nil, nil)
	flagged := item("3-1", "B")
	flagged.Invalid = true
	flagged.Reason = "buyer name is required"

	items := []Item{item("42-1", "A"), item("43-1", "A"), item("junk", "A"), flagged}
	summary, err := engine.Ingest(context.Background(), items, nil)
	require.NoError(t, err)
	require.Equal(t, 4, summary.Total)
	require.Equal(t, 2, summary.Routable)
	require.Equal(t, 2, summary.Abnormal)
	require.Equal(t, summary.Total, summary.Routable+summary.Abnormal)
	require.Equal(t, 2, summary.InsertedOrUpdated)
	require.Zero(t, summary.Failed)

	require.Contains(t, sink.rows, orderKeyed{shard: 2, key: "42-1|A"})
	require.Contains(t, sink.rows, orderKeyed{shard: 3, key: "43-1|A"})
	require.Len(t, sink.abnormal, 2)
	require.Equal(t, orders.ErrMalformedOrderID.Error(), sink.abnormal[0].ParseError)
	require.Equal(t, "buyer name is required", sink.abnormal[1].ParseError)
}

func TestIngestAccountsForEveryParsedRow(t *testing.T) {
	rows := [][]string{
		{"订单号", "订单状态", "国家二字码", "产品总数"},
		{"", "refunded", "US", "1"},
		{"7-1", "shipped", "US", "1"},
		{"", "shipped", "US", "2"},
	}
	parsed, err := NewParser(time.UTC, 0).ParseRows(rows)
	require.NoError(t, err)
	require.Equal(t, 3, parsed.DataRows)

	sink := newMemorySink()
	engine := NewEngine(sink, shard.MustRouter(10), nil, nil)
	summary, err := engine.Ingest(context.Background(), ItemsFrom(NewValidator().ValidateOrders(parsed.Records)), nil)
	require.NoError(t, err)
	require.Equal(t, parsed.DataRows, summary.Total)
	require.Equal(t, parsed.DataRows, summary.Routable+summary.Abnormal)
	require.Equal(t, 3, summary.Abnormal)
	require.Zero(t, summary.Duplicates)
	require.Len(t, sink.abnormal, 3)
}

func TestIngestIsIdempotent(t *testing.T) {
	sink := newMemorySink()
	engine := NewEngine(sink, shard.MustRouter(10), nil, nil)
	items := []Item{item("42-1", "A"), item("42-1", "B"), item("42-2", "A")}

	first, err := engine.Ingest(context.Background(), items, nil)
	require.NoError(t, err)
	require.Equal(t, int64(3), first.Changed)
	snapshot := make(map[orderKeyed]orders.Order, len(sink.rows))
	for k, v := range sink.rows {
		snapshot[k] = v
	}

	second, err := engine.Ingest(context.Background(), items, nil)
	require.NoError(t, err)
	require.Zero(t, second.Changed)
	require.Equal(t, 3, second.InsertedOrUpdated)
	require.Equal(t, snapshot, sink.rows)
}

func TestIngestCollapsesDuplicateKeys(t *testing.T) {
	sink := newMemorySink()
	engine := NewEngine(sink, shard.MustRouter(10), nil, nil)
	later := item("42-1", "A")
	later.Order.BuyerName = "Bob"

	summary, err := engine.Ingest(context.Background(), []Item{item("42-1", "A"), later}, nil)
	require.NoError(t, err)
	require.Equal(t, 2, summary.Routable)
	require.Equal(t, 1, summary.Duplicates)
	require.Equal(t, []int{1}, sink.batches[2])
	require.Equal(t, "Bob", sink.rows[orderKeyed{shard: 2, key: "42-1|A"}].BuyerName)
}

func TestIngestIsolatesShardFailures(t *testing.T) {
	sink := newMemorySink()
	sink.failShard[2] = true
	engine := NewEngine(sink, shard.MustRouter(10), nil, nil)

	var items []Item
	for i := 0; i < 3; i++ {
		items = append(items, item(fmt.Sprintf("42-%d", i), "A"))
		items = append(items, item(fmt.Sprintf("43-%d", i), "A"))
	}
	summary, err := engine.Ingest(context.Background(), items, nil)
	require.NoError(t, err)
	require.Equal(t, 3, summary.Failed)
	require.Equal(t, 3, summary.InsertedOrUpdated)
	require.Equal(t, 1, summary.ErrorCount)
	require.Contains(t, summary.Errors[0], "shard 2")
	require.Len(t, sink.rows, 3)
}

func TestIngestBatchesWithinShard(t *testing.T) {
	sink := newMemorySink()
	engine := NewEngine(sink, shard.MustRouter(10), nil, nil)
	items := make([]Item, 0, 1200)
	for i := 0; i < 1200; i++ {
		items = append(items, item(fmt.Sprintf("42-%d", i), "A"))
	}
	_, err := engine.Ingest(context.Background(), items, nil)
	require.NoError(t, err)
	require.Equal(t, []int{300, 300, 300, 300}, sink.batches[2])
}

func TestIngestBackfillsMappings(t *testing.T) {
	sink := newMemorySink()
	engine := NewEngine(sink, shard.MustRouter(10), nil, nil)
	plain := item("42-1", "MUG-RED")
	plain.Order.SPU = "MUG"
	replaced := item("42-2", "MUG-BLUE")
	replaced.Order.SPU = "MUG"
	replaced.Order.ParentSPU = "MUG-X"
	upsell := item("42-3", orders.UpsellSKU)
	upsell.Order.SPU = "GIFT"

	summary, err := engine.Ingest(context.Background(), []Item{plain, replaced, upsell}, nil)
	require.NoError(t, err)
	require.Equal(t, int64(2), summary.MappingsUpserted)
	require.Equal(t, map[string]string{"MUG-RED": "MUG", "MUG-BLUE": "MUG-X"}, sink.mappings)
}

func TestIngestProgressIsMonotonic(t *testing.T) {
	engine := NewEngine(newMemorySink(), shard.MustRouter(4), nil, nil)
	var items []Item
	for i := 0; i < 40; i++ {
		items = append(items, item(fmt.Sprintf("%d-1", i), "A"))
	}
	var seen []Progress
	_, err := engine.Ingest(context.Background(), items, func(p Progress) { seen = append(seen, p) })
	require.NoError(t, err)
	require.NotEmpty(t, seen)
	for i := 1; i < len(seen); i++ {
		require.GreaterOrEqual(t, seen[i].Percent, seen[i-1].Percent)
	}
	require.Equal(t, "done", seen[len(seen)-1].Phase)
	require.Equal(t, 100, seen[len(seen)-1].Percent)
}

func TestIngestStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	engine := NewEngine(newMemorySink(), shard.MustRouter(10), nil, nil)
	_, err := engine.Ingest(ctx, []Item{item("1-1", "A")}, nil)
	require.ErrorIs(t, err, context.Canceled)
}
