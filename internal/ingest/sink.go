package ingest

import (
	"context"

	"github.com/odyssey-erp/ordersettle/internal/orders"
	"github.com/odyssey-erp/ordersettle/internal/shard"
)

// RepositorySink writes through the order repository. Each batch is a single
// statement, so a failed batch leaves no partial rows behind.
type RepositorySink struct {
	repo *orders.Repository
}

// NewRepositorySink constructs a Sink backed by PostgreSQL.
func NewRepositorySink(repo *orders.Repository) *RepositorySink {
	return &RepositorySink{repo: repo}
}

// UpsertOrders implements Sink.
func (s *RepositorySink) UpsertOrders(ctx context.Context, id shard.ID, batch []orders.Order) (int64, error) {
	return s.repo.Shards().At(id).Upsert(ctx, batch)
}

// InsertAbnormal implements Sink.
func (s *RepositorySink) InsertAbnormal(ctx context.Context, batch []orders.AbnormalOrder) (int64, error) {
	return s.repo.Abnormal().Insert(ctx, batch)
}

// UpsertMappings implements Sink.
func (s *RepositorySink) UpsertMappings(ctx context.Context, mappings []orders.SKUMapping) (int64, error) {
	return s.repo.Mappings().Upsert(ctx, mappings)
}
