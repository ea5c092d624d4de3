package orders

import (
	"context"
	"fmt"
	"strings"
)

// SKUMapping links a physical variant to its pricing unit.
type SKUMapping struct {
	SKU string
	SPU string
}

// MappingFromOrder derives the SKU→SPU mapping an imported row carries. A
// replacement SPU takes precedence over the plain SPU column.
func MappingFromOrder(o Order) (SKUMapping, bool) {
	sku := strings.TrimSpace(o.SKU)
	spu := strings.TrimSpace(o.ParentSPU)
	if spu == "" {
		spu = strings.TrimSpace(o.SPU)
	}
	if sku == "" || spu == "" || sku == UpsellSKU {
		return SKUMapping{}, false
	}
	return SKUMapping{SKU: sku, SPU: spu}, true
}

// MappingStore reads and back-fills the SKU→SPU relation.
type MappingStore struct {
	db DBTX
}

// NewMappingStore constructs the store.
func NewMappingStore(db DBTX) *MappingStore {
	return &MappingStore{db: db}
}

// LookupMany resolves several SKUs at once; unmapped SKUs are absent from the result.
func (s *MappingStore) LookupMany(ctx context.Context, skus []string) (map[string]string, error) {
	out := make(map[string]string, len(skus))
	if len(skus) == 0 {
		return out, nil
	}
	rows, err := s.db.Query(ctx, `SELECT sku, spu FROM sku_spu_mappings WHERE sku = ANY($1)`, skus)
	if err != nil {
		return nil, fmt.Errorf("orders: lookup spus: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var sku, spu string
		if err := rows.Scan(&sku, &spu); err != nil {
			return nil, err
		}
		out[sku] = spu
	}
	return out, rows.Err()
}

// Upsert back-fills mappings; the last mapping for a SKU wins.
func (s *MappingStore) Upsert(ctx context.Context, mappings []SKUMapping) (int64, error) {
	if len(mappings) == 0 {
		return 0, nil
	}
	latest := make(map[string]string, len(mappings))
	order := make([]string, 0, len(mappings))
	for _, m := range mappings {
		if _, seen := latest[m.SKU]; !seen {
			order = append(order, m.SKU)
		}
		latest[m.SKU] = m.SPU
	}
	skus := make([]string, len(order))
	spus := make([]string, len(order))
	for i, sku := range order {
		skus[i] = sku
		spus[i] = latest[sku]
	}
	tag, err := s.db.Exec(ctx, `
		INSERT INTO sku_spu_mappings (sku, spu)
		SELECT * FROM UNNEST($1::text[], $2::text[])
		ON CONFLICT (sku) DO UPDATE SET spu = EXCLUDED.spu, updated_at = NOW()
		WHERE sku_spu_mappings.spu IS DISTINCT FROM EXCLUDED.spu`, skus, spus)
	if err != nil {
		return 0, fmt.Errorf("orders: upsert sku mappings: %w", err)
	}
	return tag.RowsAffected(), nil
}
