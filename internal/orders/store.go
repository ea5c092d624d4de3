package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/ordersettle/internal/shard"
)

// ErrNotFound indicates a missing order.
var ErrNotFound = errors.New("orders: not found")

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the data access surface of one order partition.
type Store interface {
	Shard() shard.ID
	Upsert(ctx context.Context, batch []Order) (int64, error)
	ListByWindow(ctx context.Context, w Window, clientID *int64, status SettlementStatus) ([]Order, error)
	ListByExternalIDs(ctx context.Context, externalIDs []string) ([]Order, error)
	UpdateSettlement(ctx context.Context, o Order) error
	CountByStatus(ctx context.Context, w Window, clientID *int64) (map[SettlementStatus]int, error)
	SumCalculated(ctx context.Context, w Window, clientID int64) (decimal.Decimal, int, error)
	MarkSettled(ctx context.Context, w Window, clientID int64, recordID string) (int64, error)
	ResetForResettle(ctx context.Context, externalIDs []string, note string) (int64, error)
	Cancel(ctx context.Context, externalIDs []string, reason string) (int64, error)
}

// TableName returns the physical table of a partition.
func TableName(id shard.ID) string {
	return fmt.Sprintf("orders_%d", id)
}

// Shards is the array of N partition stores bound to one executor.
type Shards struct {
	router *shard.Router
	stores []Store
}

// NewShards binds a pgx store per partition to db.
func NewShards(router *shard.Router, db DBTX) *Shards {
	stores := make([]Store, router.Count())
	for _, id := range router.AllShards() {
		stores[id] = &pgStore{id: id, table: pgx.Identifier{TableName(id)}.Sanitize(), db: db}
	}
	return &Shards{router: router, stores: stores}
}

// NewShardsFrom wraps prebuilt stores, indexed by shard id.
func NewShardsFrom(router *shard.Router, stores []Store) *Shards {
	return &Shards{router: router, stores: stores}
}

// Router exposes the routing function.
func (s *Shards) Router() *shard.Router {
	return s.router
}

// At returns the store of a partition.
func (s *Shards) At(id shard.ID) Store {
	return s.stores[id]
}

// For returns the store owning clientID.
func (s *Shards) For(clientID int64) Store {
	return s.stores[s.router.ShardOf(clientID)]
}

// Targets returns the stores a scan must visit.
func (s *Shards) Targets(clientID *int64) []Store {
	ids := s.router.Targets(clientID)
	out := make([]Store, len(ids))
	for i, id := range ids {
		out[i] = s.stores[id]
	}
	return out
}

type pgStore struct {
	id    shard.ID
	table string
	db    DBTX
}

func (s *pgStore) Shard() shard.ID {
	return s.id
}

const upsertColumns = 17

// Upsert inserts or refreshes a batch keyed by (external_order_id, sku). Unchanged
// rows are left untouched, and settlement-owned columns are never overwritten.
// Callers must not pass two orders with the same key in one batch.
func (s *pgStore) Upsert(ctx context.Context, batch []Order) (int64, error) {
	if len(batch) == 0 {
		return 0, nil
	}
	values := make([]string, 0, len(batch))
	args := make([]any, 0, len(batch)*upsertColumns)
	for i, o := range batch {
		base := i * upsertColumns
		ph := make([]string, upsertColumns)
		for j := range ph {
			ph[j] = fmt.Sprintf("$%d", base+j+1)
		}
		values = append(values, "("+strings.Join(ph, ", ")+")")
		remarks := o.Remarks
		if remarks == nil {
			remarks = &Remarks{}
		}
		args = append(args,
			o.ExternalOrderID, o.ClientID, o.SequenceID, o.CountryCode, o.Quantity,
			o.BuyerName, o.ProductName, o.PaymentTime, o.WaybillNumber, o.SKU,
			nullIfEmpty(o.SPU), o.ParentSPU, o.DiscountRate, o.OrderStatus,
			remarks.Customer, remarks.Picking, remarks.Order,
		)
	}
	query := `
		INSERT INTO ` + s.table + ` AS t (
			external_order_id, client_id, sequence_id, country_code, quantity,
			buyer_name, product_name, payment_time, waybill_number, sku,
			spu, parent_spu, discount_rate, order_status,
			remark_customer, remark_picking, remark_order
		) VALUES ` + strings.Join(values, ", ") + `
		ON CONFLICT (external_order_id, sku) DO UPDATE SET
			order_status = EXCLUDED.order_status,
			country_code = EXCLUDED.country_code,
			quantity = EXCLUDED.quantity,
			buyer_name = EXCLUDED.buyer_name,
			product_name = EXCLUDED.product_name,
			waybill_number = EXCLUDED.waybill_number,
			sku = EXCLUDED.sku,
			remark_customer = EXCLUDED.remark_customer,
			remark_picking = EXCLUDED.remark_picking,
			remark_order = EXCLUDED.remark_order,
			updated_at = NOW()
		WHERE (t.order_status, t.country_code, t.quantity, t.buyer_name, t.product_name,
		       t.waybill_number, t.remark_customer, t.remark_picking, t.remark_order)
		IS DISTINCT FROM (EXCLUDED.order_status, EXCLUDED.country_code, EXCLUDED.quantity,
		       EXCLUDED.buyer_name, EXCLUDED.product_name, EXCLUDED.waybill_number,
		       EXCLUDED.remark_customer, EXCLUDED.remark_picking, EXCLUDED.remark_order)`
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("orders: upsert %s: %w", s.table, err)
	}
	return tag.RowsAffected(), nil
}

// settleTime mirrors Order.SettlementTime.
const settleTime = `COALESCE(payment_time, created_at)`

const selectColumns = `
	id, external_order_id, client_id, sequence_id, country_code, quantity,
	buyer_name, product_name, payment_time, waybill_number, sku, spu, parent_spu,
	unit_price, multi_unit_total_price, discount_rate, settlement_amount,
	order_status, remark_customer, remark_picking, remark_order,
	settlement_status, settlement_note, settlement_record_id, created_at, updated_at`

func (s *pgStore) ListByWindow(ctx context.Context, w Window, clientID *int64, status SettlementStatus) ([]Order, error) {
	query := `SELECT ` + selectColumns + ` FROM ` + s.table + `
		WHERE ` + settleTime + ` >= $1 AND ` + settleTime + ` < $2
		  AND settlement_status = $3
		  AND ($4::bigint IS NULL OR client_id = $4)
		ORDER BY client_id, buyer_name, id`
	rows, err := s.db.Query(ctx, query, w.From, w.To, string(status), clientID)
	if err != nil {
		return nil, fmt.Errorf("orders: list %s: %w", s.table, err)
	}
	return scanOrders(rows)
}

func (s *pgStore) ListByExternalIDs(ctx context.Context, externalIDs []string) ([]Order, error) {
	if len(externalIDs) == 0 {
		return nil, nil
	}
	query := `SELECT ` + selectColumns + ` FROM ` + s.table + `
		WHERE external_order_id = ANY($1)
		ORDER BY id`
	rows, err := s.db.Query(ctx, query, externalIDs)
	if err != nil {
		return nil, fmt.Errorf("orders: list by ids %s: %w", s.table, err)
	}
	return scanOrders(rows)
}

func (s *pgStore) UpdateSettlement(ctx context.Context, o Order) error {
	query := `UPDATE ` + s.table + ` SET
			spu = $1, unit_price = $2, multi_unit_total_price = $3, discount_rate = $4,
			settlement_amount = $5, settlement_status = $6, settlement_note = $7,
			updated_at = $8
		WHERE id = $9`
	tag, err := s.db.Exec(ctx, query,
		nullIfEmpty(o.SPU), o.UnitPrice, o.MultiUnitTotalPrice, o.DiscountRate,
		o.SettlementAmount, string(o.SettlementStatus), o.SettlementNote, time.Now(), o.ID,
	)
	if err != nil {
		return fmt.Errorf("orders: update settlement %s#%d: %w", s.table, o.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgStore) CountByStatus(ctx context.Context, w Window, clientID *int64) (map[SettlementStatus]int, error) {
	query := `SELECT settlement_status, COUNT(*) FROM ` + s.table + `
		WHERE ` + settleTime + ` >= $1 AND ` + settleTime + ` < $2
		  AND ($3::bigint IS NULL OR client_id = $3)
		GROUP BY settlement_status`
	rows, err := s.db.Query(ctx, query, w.From, w.To, clientID)
	if err != nil {
		return nil, fmt.Errorf("orders: count %s: %w", s.table, err)
	}
	defer rows.Close()
	counts := make(map[SettlementStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[SettlementStatus(status)] = n
	}
	return counts, rows.Err()
}

func (s *pgStore) SumCalculated(ctx context.Context, w Window, clientID int64) (decimal.Decimal, int, error) {
	query := `SELECT COALESCE(SUM(settlement_amount), 0), COUNT(*) FROM ` + s.table + `
		WHERE ` + settleTime + ` >= $1 AND ` + settleTime + ` < $2
		  AND client_id = $3 AND settlement_status = $4`
	var total decimal.Decimal
	var n int
	if err := s.db.QueryRow(ctx, query, w.From, w.To, clientID, string(StatusCalculated)).Scan(&total, &n); err != nil {
		return decimal.Zero, 0, fmt.Errorf("orders: sum %s: %w", s.table, err)
	}
	return total, n, nil
}

func (s *pgStore) MarkSettled(ctx context.Context, w Window, clientID int64, recordID string) (int64, error) {
	query := `UPDATE ` + s.table + ` SET
			settlement_status = $1, settlement_record_id = $2,
			settlement_note = 'settled in ' || $2, updated_at = NOW()
		WHERE ` + settleTime + ` >= $3 AND ` + settleTime + ` < $4
		  AND client_id = $5 AND settlement_status = $6`
	tag, err := s.db.Exec(ctx, query, string(StatusSettled), recordID, w.From, w.To, clientID, string(StatusCalculated))
	if err != nil {
		return 0, fmt.Errorf("orders: mark settled %s: %w", s.table, err)
	}
	return tag.RowsAffected(), nil
}

func (s *pgStore) ResetForResettle(ctx context.Context, externalIDs []string, note string) (int64, error) {
	if len(externalIDs) == 0 {
		return 0, nil
	}
	query := `UPDATE ` + s.table + ` SET
			settlement_status = $1, settlement_note = $2,
			unit_price = NULL, multi_unit_total_price = NULL, discount_rate = NULL,
			settlement_amount = NULL, settlement_record_id = NULL, updated_at = NOW()
		WHERE external_order_id = ANY($3)`
	tag, err := s.db.Exec(ctx, query, string(StatusWaiting), note, externalIDs)
	if err != nil {
		return 0, fmt.Errorf("orders: reset %s: %w", s.table, err)
	}
	return tag.RowsAffected(), nil
}

func (s *pgStore) Cancel(ctx context.Context, externalIDs []string, reason string) (int64, error) {
	if len(externalIDs) == 0 {
		return 0, nil
	}
	query := `UPDATE ` + s.table + ` SET
			settlement_status = $1, settlement_note = $2, updated_at = NOW()
		WHERE external_order_id = ANY($3) AND settlement_status = ANY($4)`
	cancellable := []string{string(StatusWaiting), string(StatusSettled)}
	tag, err := s.db.Exec(ctx, query, string(StatusCancel), reason, externalIDs, cancellable)
	if err != nil {
		return 0, fmt.Errorf("orders: cancel %s: %w", s.table, err)
	}
	return tag.RowsAffected(), nil
}

func scanOrders(rows pgx.Rows) ([]Order, error) {
	defer rows.Close()
	var out []Order
	for rows.Next() {
		var (
			o        Order
			spu      *string
			recordID *string
			status   string
			remarks  Remarks
		)
		err := rows.Scan(
			&o.ID, &o.ExternalOrderID, &o.ClientID, &o.SequenceID, &o.CountryCode, &o.Quantity,
			&o.BuyerName, &o.ProductName, &o.PaymentTime, &o.WaybillNumber, &o.SKU, &spu, &o.ParentSPU,
			&o.UnitPrice, &o.MultiUnitTotalPrice, &o.DiscountRate, &o.SettlementAmount,
			&o.OrderStatus, &remarks.Customer, &remarks.Picking, &remarks.Order,
			&status, &o.SettlementNote, &recordID, &o.CreatedAt, &o.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		o.SettlementStatus = SettlementStatus(status)
		if spu != nil {
			o.SPU = *spu
		}
		if recordID != nil {
			o.SettlementRecordID = *recordID
		}
		o.Remarks = NewRemarks(remarks.Customer, remarks.Picking, remarks.Order)
		out = append(out, o)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
