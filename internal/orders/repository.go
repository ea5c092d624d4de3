package orders

import (
	"context"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/ordersettle/internal/platform/db"
	"github.com/odyssey-erp/ordersettle/internal/shard"
)

// Repository provides PostgreSQL backed access to every order partition.
type Repository struct {
	pool   *pgxpool.Pool
	router *shard.Router
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool, router *shard.Router) *Repository {
	return &Repository{pool: pool, router: router}
}

// Router exposes the partition router.
func (r *Repository) Router() *shard.Router {
	return r.router
}

// Shards returns partition stores bound to the pool.
func (r *Repository) Shards() *Shards {
	return NewShards(r.router, r.pool)
}

// Abnormal returns the overflow store bound to the pool.
func (r *Repository) Abnormal() *AbnormalStore {
	return NewAbnormalStore(r.pool)
}

// Mappings returns the SKU→SPU store bound to the pool.
func (r *Repository) Mappings() *MappingStore {
	return NewMappingStore(r.pool)
}

// Scope groups stores bound to one transaction.
type Scope struct {
	Tx       pgx.Tx
	Shards   *Shards
	Abnormal *AbnormalStore
	Mappings *MappingStore
}

// WithTx wraps callback in one transaction spanning every partition.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, Scope) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, Scope{
			Tx:       tx,
			Shards:   NewShards(r.router, tx),
			Abnormal: NewAbnormalStore(tx),
			Mappings: NewMappingStore(tx),
		})
	})
}

// StatusSummary counts orders per settlement status across the targeted partitions.
// Partitions are queried concurrently; the pool is safe for concurrent use.
func StatusSummary(ctx context.Context, shards *Shards, w Window, clientID *int64) (map[SettlementStatus]int, error) {
	stores := shards.Targets(clientID)
	partial := make([]map[SettlementStatus]int, len(stores))
	g, gctx := errgroup.WithContext(ctx)
	for i, store := range stores {
		g.Go(func() error {
			counts, err := store.CountByStatus(gctx, w, clientID)
			if err != nil {
				return err
			}
			partial[i] = counts
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	total := make(map[SettlementStatus]int)
	for _, counts := range partial {
		for status, n := range counts {
			total[status] += n
		}
	}
	return total, nil
}

// FindByExternalIDs loads the lines of the given compound ids, visiting only
// the partitions that own them. Results are ordered by external id then SKU.
func FindByExternalIDs(ctx context.Context, shards *Shards, externalIDs []string) ([]Order, error) {
	grouped := make(map[shard.ID][]string)
	for _, id := range externalIDs {
		clientID, _, err := ParseCompoundID(id)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", id, err)
		}
		sid := shards.Router().ShardOf(clientID)
		grouped[sid] = append(grouped[sid], id)
	}
	var out []Order
	for _, sid := range shards.Router().AllShards() {
		ids, ok := grouped[sid]
		if !ok {
			continue
		}
		found, err := shards.At(sid).ListByExternalIDs(ctx, ids)
		if err != nil {
			return nil, err
		}
		out = append(out, found...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ExternalOrderID != out[j].ExternalOrderID {
			return out[i].ExternalOrderID < out[j].ExternalOrderID
		}
		return out[i].SKU < out[j].SKU
	})
	return out, nil
}
