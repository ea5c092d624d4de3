package settlement

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/ordersettle/internal/orders"
)

// Catalog resolves the reference data the pipeline prices against. Missing
// entries are simply absent from the returned maps.
type Catalog interface {
	ResolveSPUs(ctx context.Context, skus []string) (map[string]string, error)
	DiscountRules(ctx context.Context, clientIDs []int64) (map[int64][]DiscountRule, error)
	Prices(ctx context.Context, keys []PriceKey) (map[PriceKey]decimal.Decimal, error)
}

// NoteRefunded is the cancellation note of refunded orders.
const NoteRefunded = "refunded"

var one = decimal.NewFromInt(1)

// Pipeline runs the five settlement stages over one batch of waiting orders.
type Pipeline struct{}

// NewPipeline constructs a Pipeline.
func NewPipeline() *Pipeline {
	return &Pipeline{}
}

type candidate struct {
	order   orders.Order
	settled bool // left the pipeline: cancelled, skipped or failed
}

type buyerKey struct {
	clientID int64
	buyer    string
}

// Run prices candidates in stage order: cancellation, SKU→SPU resolution,
// discount tiers, price lookup, final amount. It returns every candidate with
// its new state. Catalog failures abort the run; per-order problems are
// recorded in Stats.
func (p *Pipeline) Run(ctx context.Context, catalog Catalog, in []orders.Order) ([]orders.Order, Stats, error) {
	stats := Stats{Processed: len(in)}
	work := make([]*candidate, len(in))
	for i, o := range in {
		work[i] = &candidate{order: o}
	}

	p.cancel(work, &stats)
	if err := p.resolveSPUs(ctx, catalog, work); err != nil {
		return nil, stats, err
	}
	if err := p.applyDiscounts(ctx, catalog, work); err != nil {
		return nil, stats, err
	}
	if err := p.lookupPrices(ctx, catalog, work, &stats); err != nil {
		return nil, stats, err
	}
	p.finalize(work, &stats)

	out := make([]orders.Order, len(work))
	for i, c := range work {
		out[i] = c.order
	}
	return out, stats, nil
}

func alive(work []*candidate) []*candidate {
	out := make([]*candidate, 0, len(work))
	for _, c := range work {
		if !c.settled {
			out = append(out, c)
		}
	}
	return out
}

func cancelReason(o orders.Order) string {
	if o.IsRefunded() {
		return NoteRefunded
	}
	if field, ok := o.DoNotSettleIn(); ok {
		return "do not settle: marked in " + field
	}
	if o.IsUpsell() {
		return "upsell line"
	}
	return ""
}

func (p *Pipeline) cancel(work []*candidate, stats *Stats) {
	for _, c := range work {
		reason := cancelReason(c.order)
		if reason == "" {
			continue
		}
		c.order.SettlementStatus = orders.StatusCancel
		c.order.SettlementNote = reason
		c.settled = true
		stats.Cancelled++
	}
}

func (p *Pipeline) resolveSPUs(ctx context.Context, catalog Catalog, work []*candidate) error {
	seen := make(map[string]struct{})
	var skus []string
	for _, c := range alive(work) {
		if c.order.SPU != "" || c.order.SKU == "" {
			continue
		}
		if _, ok := seen[c.order.SKU]; ok {
			continue
		}
		seen[c.order.SKU] = struct{}{}
		skus = append(skus, c.order.SKU)
	}
	if len(skus) == 0 {
		return nil
	}
	resolved, err := catalog.ResolveSPUs(ctx, skus)
	if err != nil {
		return fmt.Errorf("settlement: resolve spu: %w", err)
	}
	for _, c := range alive(work) {
		if c.order.SPU == "" {
			c.order.SPU = resolved[c.order.SKU]
		}
	}
	return nil
}

// TierRate picks the rate of the qualifying rule with the largest MinQuantity,
// or 1 when no rule contains qty.
func TierRate(rules []DiscountRule, qty int) decimal.Decimal {
	best := -1
	for i, r := range rules {
		if !r.Contains(qty) {
			continue
		}
		if best < 0 || r.MinQuantity > rules[best].MinQuantity {
			best = i
		}
	}
	if best < 0 {
		return one
	}
	return rules[best].Rate
}

func (p *Pipeline) applyDiscounts(ctx context.Context, catalog Catalog, work []*candidate) error {
	survivors := alive(work)
	if len(survivors) == 0 {
		return nil
	}
	totals := make(map[buyerKey]int)
	clientSet := make(map[int64]struct{})
	for _, c := range survivors {
		totals[buyerKey{c.order.ClientID, c.order.BuyerName}] += c.order.Qty()
		clientSet[c.order.ClientID] = struct{}{}
	}
	clients := make([]int64, 0, len(clientSet))
	for id := range clientSet {
		clients = append(clients, id)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })

	rules, err := catalog.DiscountRules(ctx, clients)
	if err != nil {
		return fmt.Errorf("settlement: discount rules: %w", err)
	}
	rates := make(map[buyerKey]decimal.Decimal, len(totals))
	for key, qty := range totals {
		rates[key] = TierRate(rules[key.clientID], qty)
	}
	for _, c := range survivors {
		rate := rates[buyerKey{c.order.ClientID, c.order.BuyerName}]
		c.order.DiscountRate = decimal.NewNullDecimal(rate)
	}
	return nil
}

func (p *Pipeline) lookupPrices(ctx context.Context, catalog Catalog, work []*candidate, stats *Stats) error {
	var keys []PriceKey
	keyOf := make(map[*candidate]PriceKey)
	for _, c := range alive(work) {
		c.order.UnitPrice = decimal.NullDecimal{}
		c.order.MultiUnitTotalPrice = decimal.NullDecimal{}
		o := c.order
		switch {
		case o.SPU == "":
			p.skip(c, stats, fmt.Sprintf("no spu mapping for sku %q", o.SKU))
			continue
		case o.CountryCode == "":
			p.skip(c, stats, "country code missing")
			continue
		case o.Qty() < 1:
			p.skip(c, stats, "quantity missing")
			continue
		}
		key := PriceKey{ClientID: o.ClientID, SPU: o.SPU, CountryCode: o.CountryCode, Quantity: o.Qty()}
		keyOf[c] = key
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return nil
	}
	prices, err := catalog.Prices(ctx, keys)
	if err != nil {
		return fmt.Errorf("settlement: price lookup: %w", err)
	}
	for _, c := range alive(work) {
		key, ok := keyOf[c]
		if !ok {
			continue
		}
		price, found := prices[key]
		if !found {
			p.skip(c, stats, fmt.Sprintf("no price for spu %s country %s quantity %d", key.SPU, key.CountryCode, key.Quantity))
			continue
		}
		if price.IsNegative() {
			c.order.SettlementNote = fmt.Sprintf("invalid price %s", price.String())
			c.settled = true
			stats.addError(fmt.Sprintf("%s/%s: negative price %s for %+v", c.order.ExternalOrderID, c.order.SKU, price.String(), key))
			continue
		}
		if key.Quantity == 1 {
			c.order.UnitPrice = decimal.NewNullDecimal(price)
		} else {
			c.order.MultiUnitTotalPrice = decimal.NewNullDecimal(price)
		}
	}
	return nil
}

func (p *Pipeline) skip(c *candidate, stats *Stats, note string) {
	c.order.SettlementStatus = orders.StatusWaiting
	c.order.SettlementNote = note
	c.settled = true
	stats.Skipped++
}

func (p *Pipeline) finalize(work []*candidate, stats *Stats) {
	for _, c := range alive(work) {
		o := &c.order
		switch {
		case o.MultiUnitTotalPrice.Valid && o.MultiUnitTotalPrice.Decimal.IsPositive():
			o.SettlementAmount = decimal.NewNullDecimal(o.MultiUnitTotalPrice.Decimal)
			o.SettlementNote = "multi-unit total price " + o.MultiUnitTotalPrice.Decimal.String()
		case o.UnitPrice.Valid && o.UnitPrice.Decimal.IsPositive() && o.DiscountRate.Valid:
			amount := o.UnitPrice.Decimal.Mul(o.DiscountRate.Decimal).Round(4)
			o.SettlementAmount = decimal.NewNullDecimal(amount)
			o.SettlementNote = fmt.Sprintf("unit price %s x discount %s = %s",
				o.UnitPrice.Decimal.String(), o.DiscountRate.Decimal.String(), amount.String())
		default:
			p.skip(c, stats, "no usable price or discount")
			continue
		}
		o.SettlementStatus = orders.StatusCalculated
		stats.Calculated++
	}
}
