package orders

import (
	"context"
	"fmt"
	"strings"
)

// AbnormalStore persists orders that could not be routed to a partition.
type AbnormalStore struct {
	db DBTX
}

// NewAbnormalStore constructs the overflow store.
func NewAbnormalStore(db DBTX) *AbnormalStore {
	return &AbnormalStore{db: db}
}

const abnormalColumns = 16

// Insert writes abnormal orders, refreshing rows already diverted for the same
// raw order id and SKU.
func (s *AbnormalStore) Insert(ctx context.Context, batch []AbnormalOrder) (int64, error) {
	if len(batch) == 0 {
		return 0, nil
	}
	values := make([]string, 0, len(batch))
	args := make([]any, 0, len(batch)*abnormalColumns)
	for i, a := range batch {
		base := i * abnormalColumns
		ph := make([]string, abnormalColumns)
		for j := range ph {
			ph[j] = fmt.Sprintf("$%d", base+j+1)
		}
		values = append(values, "("+strings.Join(ph, ", ")+")")

		var clientID, sequenceID *int64
		if c, q, err := ParseCompoundID(a.Order.ExternalOrderID); err == nil {
			clientID, sequenceID = &c, &q
		}
		remarks := a.Order.Remarks
		if remarks == nil {
			remarks = &Remarks{}
		}
		args = append(args,
			a.Order.ExternalOrderID, clientID, sequenceID, a.Order.CountryCode, a.Order.Quantity,
			a.Order.BuyerName, a.Order.ProductName, a.Order.PaymentTime, a.Order.WaybillNumber,
			a.Order.SKU, nullIfEmpty(a.Order.SPU), a.Order.OrderStatus,
			remarks.Customer, remarks.Picking, remarks.Order, a.ParseError,
		)
	}
	query := `
		INSERT INTO orders_abnormal (
			raw_order_id, client_id, sequence_id, country_code, quantity,
			buyer_name, product_name, payment_time, waybill_number,
			sku, spu, order_status,
			remark_customer, remark_picking, remark_order, parse_error
		) VALUES ` + strings.Join(values, ", ") + `
		ON CONFLICT (raw_order_id, sku) DO UPDATE SET
			country_code = EXCLUDED.country_code,
			quantity = EXCLUDED.quantity,
			buyer_name = EXCLUDED.buyer_name,
			product_name = EXCLUDED.product_name,
			payment_time = EXCLUDED.payment_time,
			waybill_number = EXCLUDED.waybill_number,
			order_status = EXCLUDED.order_status,
			remark_customer = EXCLUDED.remark_customer,
			remark_picking = EXCLUDED.remark_picking,
			remark_order = EXCLUDED.remark_order,
			parse_error = EXCLUDED.parse_error,
			updated_at = NOW()`
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("orders: insert abnormal: %w", err)
	}
	return tag.RowsAffected(), nil
}
