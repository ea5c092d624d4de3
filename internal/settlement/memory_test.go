package settlement

import (
	"context"
	"errors"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/ordersettle/internal/orders"
	"github.com/odyssey-erp/ordersettle/internal/shared"
)

type memoryCatalog struct {
	mappings  map[string]string
	rules     map[int64][]DiscountRule
	prices    map[PriceKey]decimal.Decimal
	priceKeys []PriceKey
	failWith  error
}

func newMemoryCatalog() *memoryCatalog {
	return &memoryCatalog{
		mappings: make(map[string]string),
		rules:    make(map[int64][]DiscountRule),
		prices:   make(map[PriceKey]decimal.Decimal),
	}
}

func (c *memoryCatalog) ResolveSPUs(_ context.Context, skus []string) (map[string]string, error) {
	out := make(map[string]string)
	for _, sku := range skus {
		if spu, ok := c.mappings[sku]; ok {
			out[sku] = spu
		}
	}
	return out, nil
}

func (c *memoryCatalog) DiscountRules(_ context.Context, clientIDs []int64) (map[int64][]DiscountRule, error) {
	out := make(map[int64][]DiscountRule)
	for _, id := range clientIDs {
		out[id] = c.rules[id]
	}
	return out, nil
}

func (c *memoryCatalog) Prices(_ context.Context, keys []PriceKey) (map[PriceKey]decimal.Decimal, error) {
	if c.failWith != nil {
		return nil, c.failWith
	}
	c.priceKeys = append(c.priceKeys, keys...)
	out := make(map[PriceKey]decimal.Decimal)
	for _, k := range keys {
		if p, ok := c.prices[k]; ok {
			out[k] = p
		}
	}
	return out, nil
}

type memoryRepo struct {
	*memoryCatalog
	orders   map[int64]orders.Order
	records  []Record
	failSave bool
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{memoryCatalog: newMemoryCatalog(), orders: make(map[int64]orders.Order)}
}

func (r *memoryRepo) add(o orders.Order) {
	if o.SettlementStatus == "" {
		o.SettlementStatus = orders.StatusWaiting
	}
	o.ID = int64(len(r.orders) + 1)
	r.orders[o.ID] = o
}

func (r *memoryRepo) get(externalID, sku string) orders.Order {
	for _, o := range r.orders {
		if o.ExternalOrderID == externalID && o.SKU == sku {
			return o
		}
	}
	return orders.Order{}
}

type memoryTx struct {
	repo    *memoryRepo
	orders  map[int64]orders.Order
	records []Record
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx := &memoryTx{repo: r, orders: make(map[int64]orders.Order, len(r.orders)), records: append([]Record(nil), r.records...)}
	for id, o := range r.orders {
		tx.orders[id] = o
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	r.orders = tx.orders
	r.records = tx.records
	return nil
}

func (r *memoryRepo) ListRecords(_ context.Context, clientID int64, page shared.Page) ([]Record, error) {
	var out []Record
	for i := len(r.records) - 1; i >= 0; i-- {
		if r.records[i].ClientID == clientID {
			out = append(out, r.records[i])
		}
	}
	if page.Offset >= len(out) {
		return nil, nil
	}
	out = out[page.Offset:]
	if len(out) > page.Limit {
		out = out[:page.Limit]
	}
	return out, nil
}

func (r *memoryRepo) StatusSummary(_ context.Context, w orders.Window, clientID *int64) (map[orders.SettlementStatus]int, error) {
	counts := make(map[orders.SettlementStatus]int)
	for _, o := range r.orders {
		if inWindow(o, w, clientID) {
			counts[o.SettlementStatus]++
		}
	}
	return counts, nil
}

func inWindow(o orders.Order, w orders.Window, clientID *int64) bool {
	if !w.Contains(o.SettlementTime()) {
		return false
	}
	return clientID == nil || o.ClientID == *clientID
}

func (t *memoryTx) ResolveSPUs(ctx context.Context, skus []string) (map[string]string, error) {
	return t.repo.ResolveSPUs(ctx, skus)
}

func (t *memoryTx) DiscountRules(ctx context.Context, clientIDs []int64) (map[int64][]DiscountRule, error) {
	return t.repo.DiscountRules(ctx, clientIDs)
}

func (t *memoryTx) Prices(ctx context.Context, keys []PriceKey) (map[PriceKey]decimal.Decimal, error) {
	return t.repo.Prices(ctx, keys)
}

func (t *memoryTx) ListWaiting(_ context.Context, w orders.Window, clientID *int64) ([]orders.Order, error) {
	var out []orders.Order
	for _, o := range t.orders {
		if o.SettlementStatus == orders.StatusWaiting && inWindow(o, w, clientID) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memoryTx) SaveOrder(_ context.Context, o orders.Order) error {
	if t.repo.failSave {
		return errors.New("disk full")
	}
	if _, ok := t.orders[o.ID]; !ok {
		return orders.ErrNotFound
	}
	t.orders[o.ID] = o
	return nil
}

func (t *memoryTx) CountByStatus(_ context.Context, w orders.Window, clientID *int64) (map[orders.SettlementStatus]int, error) {
	counts := make(map[orders.SettlementStatus]int)
	for _, o := range t.orders {
		if inWindow(o, w, clientID) {
			counts[o.SettlementStatus]++
		}
	}
	return counts, nil
}

func (t *memoryTx) SumCalculated(_ context.Context, w orders.Window, clientID int64) (decimal.Decimal, int, error) {
	total := decimal.Zero
	n := 0
	for _, o := range t.orders {
		if o.SettlementStatus == orders.StatusCalculated && inWindow(o, w, &clientID) {
			total = total.Add(o.SettlementAmount.Decimal)
			n++
		}
	}
	return total, n, nil
}

func (t *memoryTx) InsertRecord(_ context.Context, rec Record) error {
	t.records = append(t.records, rec)
	return nil
}

func (t *memoryTx) MarkSettled(_ context.Context, w orders.Window, clientID int64, recordID string) (int64, error) {
	var n int64
	for id, o := range t.orders {
		if o.SettlementStatus == orders.StatusCalculated && inWindow(o, w, &clientID) {
			o.SettlementStatus = orders.StatusSettled
			o.SettlementRecordID = recordID
			t.orders[id] = o
			n++
		}
	}
	return n, nil
}

func (t *memoryTx) ResetForResettle(_ context.Context, externalIDs []string, note string) (int64, error) {
	var n int64
	for id, o := range t.orders {
		if !contains(externalIDs, o.ExternalOrderID) {
			continue
		}
		o.SettlementStatus = orders.StatusWaiting
		o.SettlementNote = note
		o.UnitPrice = decimal.NullDecimal{}
		o.MultiUnitTotalPrice = decimal.NullDecimal{}
		o.DiscountRate = decimal.NullDecimal{}
		o.SettlementAmount = decimal.NullDecimal{}
		o.SettlementRecordID = ""
		t.orders[id] = o
		n++
	}
	return n, nil
}

func (t *memoryTx) Cancel(_ context.Context, externalIDs []string, reason string) (int64, error) {
	var n int64
	for id, o := range t.orders {
		if !contains(externalIDs, o.ExternalOrderID) {
			continue
		}
		if o.SettlementStatus != orders.StatusWaiting && o.SettlementStatus != orders.StatusSettled {
			continue
		}
		o.SettlementStatus = orders.StatusCancel
		o.SettlementNote = reason
		t.orders[id] = o
		n++
	}
	return n, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
