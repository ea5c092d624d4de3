package settlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/ordersettle/internal/orders"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var paidAt = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

func lineItem(externalID, buyer, sku, country string, qty int) orders.Order {
	clientID, seqID, _ := orders.ParseCompoundID(externalID)
	q := qty
	paid := paidAt
	return orders.Order{
		ExternalOrderID:  externalID,
		ClientID:         clientID,
		SequenceID:       seqID,
		BuyerName:        buyer,
		SKU:              sku,
		CountryCode:      country,
		Quantity:         &q,
		PaymentTime:      &paid,
		OrderStatus:      "shipped",
		SettlementStatus: orders.StatusWaiting,
	}
}

func scenarioCatalog() *memoryCatalog {
	c := newMemoryCatalog()
	c.mappings["X-RED"] = "X"
	c.rules[42] = []DiscountRule{{ClientID: 42, MinQuantity: 4, MaxQuantity: 8, Rate: dec("0.90")}}
	c.prices[PriceKey{42, "X", "US", 2}] = dec("20")
	c.prices[PriceKey{42, "X", "US", 3}] = dec("28")
	return c
}

func TestPipelineMultiUnitScenario(t *testing.T) {
	in := []orders.Order{
		lineItem("42-1", "Alice", "X-RED", "US", 2),
		lineItem("42-2", "Alice", "X-RED", "US", 3),
	}
	out, stats, err := NewPipeline().Run(context.Background(), scenarioCatalog(), in)
	require.NoError(t, err)
	require.Equal(t, Stats{Processed: 2, Calculated: 2}, stats)

	first, second := out[0], out[1]
	require.Equal(t, "X", first.SPU)
	require.Equal(t, orders.StatusCalculated, first.SettlementStatus)
	require.False(t, first.UnitPrice.Valid)
	require.True(t, first.MultiUnitTotalPrice.Decimal.Equal(dec("20")))
	require.True(t, first.SettlementAmount.Decimal.Equal(dec("20")))
	require.True(t, first.DiscountRate.Decimal.Equal(dec("0.9")))
	require.Contains(t, first.SettlementNote, "multi-unit total price")

	require.True(t, second.MultiUnitTotalPrice.Decimal.Equal(dec("28")))
	require.True(t, second.SettlementAmount.Decimal.Equal(dec("28")))
	require.True(t, second.DiscountRate.Decimal.Equal(dec("0.9")))
}

func TestPipelineRefundedCancelsBeforePricing(t *testing.T) {
	catalog := scenarioCatalog()
	refunded := orders.Order{
		ExternalOrderID:  "42-9",
		ClientID:         42,
		SKU:              "X-RED",
		OrderStatus:      "refunded",
		SettlementStatus: orders.StatusWaiting,
	}
	out, stats, err := NewPipeline().Run(context.Background(), catalog, []orders.Order{refunded})
	require.NoError(t, err)
	require.Equal(t, 1, stats.Cancelled)
	require.Equal(t, orders.StatusCancel, out[0].SettlementStatus)
	require.Equal(t, NoteRefunded, out[0].SettlementNote)
	require.Empty(t, out[0].SPU)
	require.Empty(t, catalog.priceKeys)
}

func TestPipelineUpsellCancelWinsOverPrice(t *testing.T) {
	catalog := scenarioCatalog()
	catalog.mappings[orders.UpsellSKU] = "X"
	upsell := lineItem("42-3", "Bob", orders.UpsellSKU, "US", 2)

	out, stats, err := NewPipeline().Run(context.Background(), catalog, []orders.Order{upsell})
	require.NoError(t, err)
	require.Equal(t, orders.StatusCancel, out[0].SettlementStatus)
	require.Equal(t, 1, stats.Cancelled)
	require.Zero(t, stats.Calculated)
	require.Empty(t, catalog.priceKeys)
}

func TestPipelineDoNotSettleRemark(t *testing.T) {
	o := lineItem("42-4", "Bob", "X-RED", "US", 2)
	o.Remarks = orders.NewRemarks("", "客户要求不结算", "")
	out, _, err := NewPipeline().Run(context.Background(), scenarioCatalog(), []orders.Order{o})
	require.NoError(t, err)
	require.Equal(t, orders.StatusCancel, out[0].SettlementStatus)
	require.Contains(t, out[0].SettlementNote, "picking remark")
}

func TestPipelineCancelledOrdersDoNotCountTowardsTiers(t *testing.T) {
	catalog := scenarioCatalog()
	catalog.prices[PriceKey{42, "X", "US", 1}] = dec("10")
	kept := lineItem("42-5", "Carol", "X-RED", "US", 1)
	refunded := lineItem("42-6", "Carol", "X-RED", "US", 5)
	refunded.OrderStatus = "Refunded"

	out, _, err := NewPipeline().Run(context.Background(), catalog, []orders.Order{kept, refunded})
	require.NoError(t, err)
	require.True(t, out[0].DiscountRate.Decimal.Equal(dec("1")))
	require.True(t, out[0].SettlementAmount.Decimal.Equal(dec("10")))
}

func TestTierRateBoundary(t *testing.T) {
	rules := []DiscountRule{
		{MinQuantity: 1, MaxQuantity: 5, Rate: dec("0.95")},
		{MinQuantity: 6, MaxQuantity: 10, Rate: dec("0.90")},
	}
	require.True(t, TierRate(rules, 5).Equal(dec("0.95")))
	require.True(t, TierRate(rules, 6).Equal(dec("0.90")))
	require.True(t, TierRate(rules, 11).Equal(dec("1")))
	require.True(t, TierRate(nil, 3).Equal(dec("1")))
}

func TestTierRatePrefersTightestOverlap(t *testing.T) {
	rules := []DiscountRule{
		{MinQuantity: 1, MaxQuantity: 10, Rate: dec("0.95")},
		{MinQuantity: 4, MaxQuantity: 8, Rate: dec("0.90")},
	}
	require.True(t, TierRate(rules, 5).Equal(dec("0.90")))
	require.True(t, TierRate(rules, 9).Equal(dec("0.95")))
}

func TestPipelineGroupQuantityDrivesRate(t *testing.T) {
	catalog := scenarioCatalog()
	catalog.prices[PriceKey{42, "X", "US", 1}] = dec("20")
	in := []orders.Order{
		lineItem("42-7", "Dave", "X-RED", "US", 1),
		lineItem("42-8", "Dave", "X-RED", "US", 3),
		lineItem("42-9", "Erin", "X-RED", "US", 1),
	}
	out, stats, err := NewPipeline().Run(context.Background(), catalog, in)
	require.NoError(t, err)
	require.Equal(t, 3, stats.Calculated)

	require.True(t, out[0].UnitPrice.Decimal.Equal(dec("20")))
	require.False(t, out[0].MultiUnitTotalPrice.Valid)
	require.True(t, out[0].SettlementAmount.Decimal.Equal(dec("18")))
	require.Contains(t, out[0].SettlementNote, "unit price 20 x discount 0.9")

	require.True(t, out[1].MultiUnitTotalPrice.Decimal.Equal(dec("28")))
	require.False(t, out[1].UnitPrice.Valid)

	require.True(t, out[2].DiscountRate.Decimal.Equal(dec("1")))
	require.True(t, out[2].SettlementAmount.Decimal.Equal(dec("20")))
}

func TestPipelineMissingDataStaysWaiting(t *testing.T) {
	unmapped := lineItem("42-10", "Fay", "UNKNOWN", "US", 2)
	noCountry := lineItem("42-11", "Fay", "X-RED", "", 2)
	noPrice := lineItem("42-12", "Fay", "X-RED", "DE", 2)

	out, stats, err := NewPipeline().Run(context.Background(), scenarioCatalog(), []orders.Order{unmapped, noCountry, noPrice})
	require.NoError(t, err)
	require.Equal(t, 3, stats.Skipped)
	require.Zero(t, stats.ErrorCount)
	for _, o := range out {
		require.Equal(t, orders.StatusWaiting, o.SettlementStatus)
		require.False(t, o.SettlementAmount.Valid)
	}
	require.Contains(t, out[0].SettlementNote, "no spu mapping")
	require.Equal(t, "country code missing", out[1].SettlementNote)
	require.Contains(t, out[2].SettlementNote, "no price for spu X country DE quantity 2")
}

func TestPipelineZeroPriceCannotSettle(t *testing.T) {
	catalog := scenarioCatalog()
	catalog.prices[PriceKey{42, "X", "US", 1}] = decimal.Zero
	out, stats, err := NewPipeline().Run(context.Background(), catalog, []orders.Order{lineItem("42-13", "Gus", "X-RED", "US", 1)})
	require.NoError(t, err)
	require.Equal(t, 1, stats.Skipped)
	require.Equal(t, "no usable price or discount", out[0].SettlementNote)
}

func TestPipelineNegativePriceIsRecorded(t *testing.T) {
	catalog := scenarioCatalog()
	catalog.prices[PriceKey{42, "X", "US", 1}] = dec("-1")
	in := []orders.Order{lineItem("42-14", "Hal", "X-RED", "US", 1), lineItem("42-15", "Ivy", "X-RED", "US", 2)}
	out, stats, err := NewPipeline().Run(context.Background(), catalog, in)
	require.NoError(t, err)
	require.Equal(t, 1, stats.ErrorCount)
	require.Equal(t, orders.StatusWaiting, out[0].SettlementStatus)
	require.Equal(t, orders.StatusCalculated, out[1].SettlementStatus)
}

func TestPipelineCatalogFailureAborts(t *testing.T) {
	catalog := scenarioCatalog()
	catalog.failWith = errors.New("connection refused")
	_, _, err := NewPipeline().Run(context.Background(), catalog, []orders.Order{lineItem("42-1", "A", "X-RED", "US", 2)})
	require.ErrorContains(t, err, "connection refused")
}
