package orders

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/ordersettle/internal/shard"
)

const sharedSchema = `
CREATE TABLE IF NOT EXISTS system_config (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS orders_abnormal (
	id               BIGSERIAL PRIMARY KEY,
	raw_order_id     TEXT NOT NULL DEFAULT '',
	client_id        BIGINT,
	sequence_id      BIGINT,
	country_code     TEXT NOT NULL DEFAULT '',
	quantity         INTEGER,
	buyer_name       TEXT NOT NULL DEFAULT '',
	product_name     TEXT NOT NULL DEFAULT '',
	payment_time     TIMESTAMPTZ,
	waybill_number   TEXT NOT NULL DEFAULT '',
	sku              TEXT NOT NULL DEFAULT '',
	spu              TEXT,
	order_status     TEXT NOT NULL DEFAULT '',
	remark_customer  TEXT NOT NULL DEFAULT '',
	remark_picking   TEXT NOT NULL DEFAULT '',
	remark_order     TEXT NOT NULL DEFAULT '',
	parse_error      TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (raw_order_id, sku)
);

CREATE TABLE IF NOT EXISTS sku_spu_mappings (
	sku        TEXT PRIMARY KEY,
	spu        TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS price_entries (
	client_id    BIGINT NOT NULL,
	spu          TEXT NOT NULL,
	country_code TEXT NOT NULL,
	quantity     INTEGER NOT NULL CHECK (quantity >= 1),
	price        NUMERIC(14,4) NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (client_id, spu, country_code, quantity)
);

CREATE TABLE IF NOT EXISTS discount_rules (
	id           BIGSERIAL PRIMARY KEY,
	client_id    BIGINT NOT NULL,
	min_quantity INTEGER NOT NULL,
	max_quantity INTEGER NOT NULL,
	rate         NUMERIC(6,4) NOT NULL CHECK (rate > 0 AND rate <= 1),
	CHECK (min_quantity <= max_quantity)
);
CREATE INDEX IF NOT EXISTS discount_rules_client_idx ON discount_rules (client_id);

CREATE TABLE IF NOT EXISTS settlement_records (
	id           TEXT PRIMARY KEY,
	client_id    BIGINT NOT NULL,
	start_date   DATE NOT NULL,
	end_date     DATE NOT NULL,
	total_amount NUMERIC(16,4) NOT NULL,
	order_count  INTEGER NOT NULL,
	status       TEXT NOT NULL,
	created_by   TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS settlement_records_client_idx ON settlement_records (client_id, created_at DESC);

CREATE TABLE IF NOT EXISTS audit_logs (
	id          BIGSERIAL PRIMARY KEY,
	actor       TEXT NOT NULL,
	action      TEXT NOT NULL,
	entity      TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	meta        JSONB NOT NULL DEFAULT '{}'::jsonb,
	occurred_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS idempotency_keys (
	key        TEXT PRIMARY KEY,
	module     TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

const shardSchema = `
CREATE TABLE IF NOT EXISTS %[1]s (
	id                     BIGSERIAL PRIMARY KEY,
	external_order_id      TEXT NOT NULL,
	client_id              BIGINT NOT NULL,
	sequence_id            BIGINT NOT NULL,
	country_code           TEXT NOT NULL DEFAULT '',
	quantity               INTEGER,
	buyer_name             TEXT NOT NULL DEFAULT '',
	product_name           TEXT NOT NULL DEFAULT '',
	payment_time           TIMESTAMPTZ,
	waybill_number         TEXT NOT NULL DEFAULT '',
	sku                    TEXT NOT NULL DEFAULT '',
	spu                    TEXT,
	parent_spu             TEXT NOT NULL DEFAULT '',
	unit_price             NUMERIC(14,4),
	multi_unit_total_price NUMERIC(14,4),
	discount_rate          NUMERIC(6,4),
	settlement_amount      NUMERIC(14,4),
	order_status           TEXT NOT NULL DEFAULT '',
	remark_customer        TEXT NOT NULL DEFAULT '',
	remark_picking         TEXT NOT NULL DEFAULT '',
	remark_order           TEXT NOT NULL DEFAULT '',
	settlement_status      TEXT NOT NULL DEFAULT 'waiting',
	settlement_note        TEXT NOT NULL DEFAULT '',
	settlement_record_id   TEXT,
	created_at             TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at             TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (external_order_id, sku)
);
CREATE INDEX IF NOT EXISTS %[2]s ON %[1]s ((COALESCE(payment_time, created_at)), settlement_status);
CREATE INDEX IF NOT EXISTS %[3]s ON %[1]s (client_id);
`

// ShardDDL renders the DDL of one partition table.
func ShardDDL(id shard.ID) string {
	name := TableName(id)
	return fmt.Sprintf(shardSchema,
		pgx.Identifier{name}.Sanitize(),
		pgx.Identifier{name + "_settle_status_idx"}.Sanitize(),
		pgx.Identifier{name + "_client_idx"}.Sanitize(),
	)
}

// EnsureSchema creates the shared tables and every partition table, and persists
// the partition count when none has been stored yet.
func EnsureSchema(ctx context.Context, db DBTX, router *shard.Router) error {
	if _, err := db.Exec(ctx, sharedSchema); err != nil {
		return fmt.Errorf("orders: shared schema: %w", err)
	}
	for _, id := range router.AllShards() {
		if _, err := db.Exec(ctx, ShardDDL(id)); err != nil {
			return fmt.Errorf("orders: shard %d schema: %w", id, err)
		}
	}
	_, err := db.Exec(ctx, `INSERT INTO system_config (key, value) VALUES ($1, $2) ON CONFLICT (key) DO NOTHING`,
		shard.CountConfigKey, fmt.Sprintf("%d", router.Count()))
	if err != nil {
		return fmt.Errorf("orders: persist shard count: %w", err)
	}
	return nil
}
