package settlement

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/ordersettle/internal/orders"
	"github.com/odyssey-erp/ordersettle/internal/shard"
	"github.com/odyssey-erp/ordersettle/internal/shared"
)

// PGRepository implements Repository on PostgreSQL.
type PGRepository struct {
	pool   *pgxpool.Pool
	orders *orders.Repository
}

// NewRepository constructs a PostgreSQL backed repository.
func NewRepository(pool *pgxpool.Pool, ordersRepo *orders.Repository) *PGRepository {
	return &PGRepository{pool: pool, orders: ordersRepo}
}

// WithTx implements Repository.
func (r *PGRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return r.orders.WithTx(ctx, func(ctx context.Context, scope orders.Scope) error {
		return fn(ctx, &pgTx{scope: scope})
	})
}

// ListRecords implements Repository.
func (r *PGRepository) ListRecords(ctx context.Context, clientID int64, page shared.Page) ([]Record, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, client_id, start_date, end_date, total_amount, order_count, status, created_by, created_at
		FROM settlement_records
		WHERE client_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`, clientID, page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("settlement: list records: %w", err)
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.ClientID, &rec.StartDate, &rec.EndDate, &rec.TotalAmount,
			&rec.OrderCount, &rec.Status, &rec.CreatedBy, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// StatusSummary implements Repository; shards are counted concurrently.
func (r *PGRepository) StatusSummary(ctx context.Context, w orders.Window, clientID *int64) (map[orders.SettlementStatus]int, error) {
	return orders.StatusSummary(ctx, r.orders.Shards(), w, clientID)
}

type pgTx struct {
	scope orders.Scope
}

func (t *pgTx) ListWaiting(ctx context.Context, w orders.Window, clientID *int64) ([]orders.Order, error) {
	var out []orders.Order
	for _, store := range t.scope.Shards.Targets(clientID) {
		batch, err := store.ListByWindow(ctx, w, clientID, orders.StatusWaiting)
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
	}
	return out, nil
}

func (t *pgTx) SaveOrder(ctx context.Context, o orders.Order) error {
	return t.scope.Shards.For(o.ClientID).UpdateSettlement(ctx, o)
}

func (t *pgTx) CountByStatus(ctx context.Context, w orders.Window, clientID *int64) (map[orders.SettlementStatus]int, error) {
	total := make(map[orders.SettlementStatus]int)
	for _, store := range t.scope.Shards.Targets(clientID) {
		counts, err := store.CountByStatus(ctx, w, clientID)
		if err != nil {
			return nil, err
		}
		for status, n := range counts {
			total[status] += n
		}
	}
	return total, nil
}

func (t *pgTx) SumCalculated(ctx context.Context, w orders.Window, clientID int64) (decimal.Decimal, int, error) {
	return t.scope.Shards.For(clientID).SumCalculated(ctx, w, clientID)
}

func (t *pgTx) MarkSettled(ctx context.Context, w orders.Window, clientID int64, recordID string) (int64, error) {
	return t.scope.Shards.For(clientID).MarkSettled(ctx, w, clientID, recordID)
}

func (t *pgTx) InsertRecord(ctx context.Context, rec Record) error {
	_, err := t.scope.Tx.Exec(ctx, `
		INSERT INTO settlement_records (id, client_id, start_date, end_date, total_amount, order_count, status, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID, rec.ClientID, rec.StartDate.Format(dateLayout), rec.EndDate.Format(dateLayout),
		rec.TotalAmount, rec.OrderCount, rec.Status, rec.CreatedBy, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("settlement: insert record %s: %w", rec.ID, err)
	}
	return nil
}

// byShard groups validated external ids by owning partition.
func (t *pgTx) byShard(externalIDs []string) map[shard.ID][]string {
	router := t.scope.Shards.Router()
	out := make(map[shard.ID][]string)
	for _, id := range externalIDs {
		clientID, _, err := orders.ParseCompoundID(id)
		if err != nil {
			continue
		}
		sid := router.ShardOf(clientID)
		out[sid] = append(out[sid], id)
	}
	return out
}

func (t *pgTx) ResetForResettle(ctx context.Context, externalIDs []string, note string) (int64, error) {
	var total int64
	for sid, ids := range t.byShard(externalIDs) {
		n, err := t.scope.Shards.At(sid).ResetForResettle(ctx, ids, note)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

func (t *pgTx) Cancel(ctx context.Context, externalIDs []string, reason string) (int64, error) {
	var total int64
	for sid, ids := range t.byShard(externalIDs) {
		n, err := t.scope.Shards.At(sid).Cancel(ctx, ids, reason)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

func (t *pgTx) ResolveSPUs(ctx context.Context, skus []string) (map[string]string, error) {
	return t.scope.Mappings.LookupMany(ctx, skus)
}

func (t *pgTx) DiscountRules(ctx context.Context, clientIDs []int64) (map[int64][]DiscountRule, error) {
	out := make(map[int64][]DiscountRule)
	if len(clientIDs) == 0 {
		return out, nil
	}
	rows, err := t.scope.Tx.Query(ctx, `
		SELECT client_id, min_quantity, max_quantity, rate
		FROM discount_rules
		WHERE client_id = ANY($1)
		ORDER BY client_id, min_quantity`, clientIDs)
	if err != nil {
		return nil, fmt.Errorf("settlement: discount rules: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var d DiscountRule
		if err := rows.Scan(&d.ClientID, &d.MinQuantity, &d.MaxQuantity, &d.Rate); err != nil {
			return nil, err
		}
		out[d.ClientID] = append(out[d.ClientID], d)
	}
	return out, rows.Err()
}

func (t *pgTx) Prices(ctx context.Context, keys []PriceKey) (map[PriceKey]decimal.Decimal, error) {
	out := make(map[PriceKey]decimal.Decimal)
	if len(keys) == 0 {
		return out, nil
	}
	clients := make([]int64, len(keys))
	spus := make([]string, len(keys))
	countries := make([]string, len(keys))
	quantities := make([]int32, len(keys))
	for i, k := range keys {
		clients[i], spus[i], countries[i], quantities[i] = k.ClientID, k.SPU, k.CountryCode, int32(k.Quantity)
	}
	rows, err := t.scope.Tx.Query(ctx, `
		SELECT p.client_id, p.spu, p.country_code, p.quantity, p.price
		FROM price_entries p
		JOIN (
			SELECT DISTINCT * FROM UNNEST($1::bigint[], $2::text[], $3::text[], $4::int[])
				AS k(client_id, spu, country_code, quantity)
		) k USING (client_id, spu, country_code, quantity)`,
		clients, spus, countries, quantities)
	if err != nil {
		return nil, fmt.Errorf("settlement: prices: %w", err)
	}
	return collectPrices(rows, out)
}

func collectPrices(rows pgx.Rows, out map[PriceKey]decimal.Decimal) (map[PriceKey]decimal.Decimal, error) {
	defer rows.Close()
	for rows.Next() {
		var (
			k     PriceKey
			price decimal.Decimal
		)
		if err := rows.Scan(&k.ClientID, &k.SPU, &k.CountryCode, &k.Quantity, &price); err != nil {
			return nil, err
		}
		out[k] = price
	}
	return out, rows.Err()
}
