package shared

const (
	// DefaultPageLimit applies when a caller omits the limit.
	DefaultPageLimit = 20
	// MaxPageLimit caps any listing.
	MaxPageLimit = 100
)

// Page is a clamped limit/offset pair.
type Page struct {
	Limit  int
	Offset int
}

// NewPage clamps limit into [1, MaxPageLimit] and offset to >= 0. A zero limit
// selects DefaultPageLimit.
func NewPage(limit, offset int) Page {
	switch {
	case limit == 0:
		limit = DefaultPageLimit
	case limit < 1:
		limit = 1
	case limit > MaxPageLimit:
		limit = MaxPageLimit
	}
	if offset < 0 {
		offset = 0
	}
	return Page{Limit: limit, Offset: offset}
}
