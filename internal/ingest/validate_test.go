package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/ordersettle/internal/orders"
)

func completeOrder(id string) orders.Order {
	qty := 1
	paid := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	return orders.Order{
		ExternalOrderID: id,
		CountryCode:     "US",
		Quantity:        &qty,
		BuyerName:       "Alice",
		PaymentTime:     &paid,
		OrderStatus:     "shipped",
		SKU:             "SKU-1",
	}
}

func TestValidateOrdersSplitsRecords(t *testing.T) {
	missing := completeOrder("1-2")
	missing.CountryCode = ""
	missing.PaymentTime = nil

	zero := completeOrder("1-3")
	q := 0
	zero.Quantity = &q

	res := NewValidator().ValidateOrders([]orders.Order{completeOrder("1-1"), missing, completeOrder("bad"), zero})
	require.Len(t, res.Valid, 1)
	require.Equal(t, "1-1", res.Valid[0].ExternalOrderID)
	require.Len(t, res.Invalid, 3)
	require.Contains(t, res.Invalid[0].Reason, "country code is required")
	require.Contains(t, res.Invalid[0].Reason, "payment time is required")
	require.Contains(t, res.Invalid[1].Reason, "<client>-<sequence>")
	require.Contains(t, res.Invalid[2].Reason, "quantity must be at least 1")
}

func TestValidateRefundedOnlyNeedsIDAndStatus(t *testing.T) {
	refunded := orders.Order{ExternalOrderID: "42-9", OrderStatus: "Refunded"}
	res := NewValidator().ValidateOrders([]orders.Order{refunded})
	require.Len(t, res.Valid, 1)
	require.Empty(t, res.Invalid)

	chinese := orders.Order{ExternalOrderID: "42-10", OrderStatus: "已退款"}
	require.Len(t, NewValidator().ValidateOrders([]orders.Order{chinese}).Valid, 1)
}

func TestItemsFromFlagsInvalid(t *testing.T) {
	res := ValidationResult{
		Valid:   []orders.Order{completeOrder("1-1")},
		Invalid: []InvalidOrder{{Order: completeOrder("1-2"), Reason: "buyer name is required"}},
	}
	items := ItemsFrom(res)
	require.Len(t, items, 2)
	require.False(t, items[0].Invalid)
	require.True(t, items[1].Invalid)
	require.Equal(t, "buyer name is required", items[1].Reason)
}
