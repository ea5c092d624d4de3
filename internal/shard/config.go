package shard

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
)

// CountConfigKey is the system_config key holding the persisted partition count.
const CountConfigKey = "order_shard_count"

// RowQuerier is satisfied by *pgxpool.Pool and pgx.Tx.
type RowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// LoadCount reads the persisted partition count, returning fallback when no
// value has been stored. Stored values that are not positive integers are rejected.
func LoadCount(ctx context.Context, db RowQuerier, fallback int) (int, error) {
	var raw string
	err := db.QueryRow(ctx, `SELECT value FROM system_config WHERE key = $1`, CountConfigKey).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		if fallback <= 0 {
			return 0, fmt.Errorf("%w: fallback %d", ErrInvalidCount, fallback)
		}
		return fallback, nil
	}
	if err != nil {
		return 0, fmt.Errorf("shard: load count: %w", err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("shard: parse %s=%q: %w", CountConfigKey, raw, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%w: %s=%d", ErrInvalidCount, CountConfigKey, n)
	}
	return n, nil
}

// Load reads the persisted count and builds the router in one step.
func Load(ctx context.Context, db RowQuerier, fallback int) (*Router, error) {
	n, err := LoadCount(ctx, db, fallback)
	if err != nil {
		return nil, err
	}
	return NewRouter(n)
}
