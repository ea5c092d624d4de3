// Package shard maps DXM client identifiers onto the physical order partitions.
package shard

import (
	"errors"
	"fmt"
)

// DefaultCount is the partition count used when none has been persisted.
const DefaultCount = 10

// ID identifies one physical order partition.
type ID int

// ErrInvalidCount indicates a non-positive partition count.
var ErrInvalidCount = errors.New("shard: count must be positive")

// Router resolves the partition for a client. It is immutable after construction.
type Router struct {
	n int
}

// NewRouter constructs a router over n partitions.
func NewRouter(n int) (*Router, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCount, n)
	}
	return &Router{n: n}, nil
}

// MustRouter is NewRouter for static configuration; it panics on invalid input.
func MustRouter(n int) *Router {
	r, err := NewRouter(n)
	if err != nil {
		panic(err)
	}
	return r
}

// Count reports the number of partitions.
func (r *Router) Count() int {
	return r.n
}

// ShardOf returns clientID mod N, normalised into [0, N) for negative ids.
func (r *Router) ShardOf(clientID int64) ID {
	m := clientID % int64(r.n)
	if m < 0 {
		m += int64(r.n)
	}
	return ID(m)
}

// AllShards enumerates every partition in ascending order for fan-out scans.
func (r *Router) AllShards() []ID {
	ids := make([]ID, r.n)
	for i := range ids {
		ids[i] = ID(i)
	}
	return ids
}

// Targets returns the partitions a scan must visit: the client's own shard when
// clientID is set, every shard otherwise.
func (r *Router) Targets(clientID *int64) []ID {
	if clientID != nil {
		return []ID{r.ShardOf(*clientID)}
	}
	return r.AllShards()
}
