// Package settlement prices waiting orders and rolls calculated orders into
// immutable settlement records.
package settlement

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/ordersettle/internal/shared"
)

const dateLayout = "2006-01-02"

var (
	// ErrInvalidRange indicates a malformed or inverted date range.
	ErrInvalidRange = errors.New("settlement: invalid date range")
	// ErrSameDaySettlement indicates the range reaches today or later.
	ErrSameDaySettlement = errors.New("settlement: end date must be before today")
	// ErrRangeTooLong indicates the range exceeds the configured span.
	ErrRangeTooLong = errors.New("settlement: date range too long")
	// ErrWaitingOrders indicates execution was refused because orders are still waiting.
	ErrWaitingOrders = errors.New("settlement: orders still waiting in range")
	// ErrNothingToSettle indicates no calculated orders exist in range.
	ErrNothingToSettle = errors.New("settlement: no calculated orders in range")
	// ErrInvalidOrderIDs indicates an empty or malformed external order id list.
	ErrInvalidOrderIDs = errors.New("settlement: invalid order ids")
	// ErrReasonRequired indicates a cancellation without reason.
	ErrReasonRequired = errors.New("settlement: cancellation reason required")
	// ErrLocked indicates another run holds a date lock.
	ErrLocked = shared.ErrLocked
)

// Range is an inclusive span of calendar dates.
type Range struct {
	Start time.Time
	End   time.Time
}

// ParseRange reads two YYYY-MM-DD dates in loc.
func ParseRange(start, end string, loc *time.Location) (Range, error) {
	s, err := time.ParseInLocation(dateLayout, strings.TrimSpace(start), loc)
	if err != nil {
		return Range{}, fmt.Errorf("%w: start %q", ErrInvalidRange, start)
	}
	e, err := time.ParseInLocation(dateLayout, strings.TrimSpace(end), loc)
	if err != nil {
		return Range{}, fmt.Errorf("%w: end %q", ErrInvalidRange, end)
	}
	return Range{Start: s, End: e}, nil
}

// SingleDay returns the range covering only date.
func SingleDay(date time.Time) Range {
	return Range{Start: date, End: date}
}

// Days counts calendar days in the range, inclusive.
func (r Range) Days() int {
	s := civil(r.Start)
	e := civil(r.End)
	return int(e.Sub(s).Hours()/24) + 1
}

// Dates lists each calendar date of the range at midnight in loc.
func (r Range) Dates(loc *time.Location) []time.Time {
	n := r.Days()
	if n <= 0 {
		return nil
	}
	out := make([]time.Time, 0, n)
	first := time.Date(r.Start.Year(), r.Start.Month(), r.Start.Day(), 0, 0, 0, 0, loc)
	for i := 0; i < n; i++ {
		out = append(out, first.AddDate(0, 0, i))
	}
	return out
}

func (r Range) String() string {
	return r.Start.Format(dateLayout) + ".." + r.End.Format(dateLayout)
}

// civil projects t onto a UTC midnight so day arithmetic ignores zone offsets.
func civil(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// ValidateTrigger checks a settlement trigger against today (in the same
// location as the range): start <= end < today and at most maxSpan days.
func ValidateTrigger(r Range, today time.Time, maxSpan int) error {
	if r.Start.IsZero() || r.End.IsZero() {
		return fmt.Errorf("%w: dates required", ErrInvalidRange)
	}
	if civil(r.Start).After(civil(r.End)) {
		return fmt.Errorf("%w: start %s after end %s", ErrInvalidRange, r.Start.Format(dateLayout), r.End.Format(dateLayout))
	}
	if !civil(r.End).Before(civil(today)) {
		return fmt.Errorf("%w: end %s", ErrSameDaySettlement, r.End.Format(dateLayout))
	}
	if maxSpan > 0 && r.Days() > maxSpan {
		return fmt.Errorf("%w: %d days exceeds %d", ErrRangeTooLong, r.Days(), maxSpan)
	}
	return nil
}

// DiscountRule is one quantity tier of a client's discount table.
type DiscountRule struct {
	ClientID    int64
	MinQuantity int
	MaxQuantity int
	Rate        decimal.Decimal
}

// Contains reports whether qty falls inside the inclusive tier bounds.
func (d DiscountRule) Contains(qty int) bool {
	return qty >= d.MinQuantity && qty <= d.MaxQuantity
}

// PriceKey addresses one price table entry.
type PriceKey struct {
	ClientID    int64
	SPU         string
	CountryCode string
	Quantity    int
}

// RecordStatusSettled is the status of a freshly executed settlement record.
const RecordStatusSettled = "settled"

// Record is an immutable ledger row.
type Record struct {
	ID          string          `json:"id"`
	ClientID    int64           `json:"client_id"`
	StartDate   time.Time       `json:"start_date"`
	EndDate     time.Time       `json:"end_date"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	OrderCount  int             `json:"order_count"`
	Status      string          `json:"status"`
	CreatedBy   string          `json:"created_by"`
	CreatedAt   time.Time       `json:"created_at"`
}

// NewRecordID mints "ST" + end date + 8 random upper-case hex characters.
func NewRecordID(end time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return "ST" + end.Format("20060102") + suffix
}

// MaxErrorSamples bounds the per-run error list.
const MaxErrorSamples = 100

// Stats aggregates one settlement run.
type Stats struct {
	Processed  int      `json:"processed"`
	Cancelled  int      `json:"cancelled"`
	Calculated int      `json:"calculated"`
	Skipped    int      `json:"skipped"`
	ErrorCount int      `json:"error_count"`
	Errors     []string `json:"errors,omitempty"`
}

func (s *Stats) addError(msg string) {
	s.ErrorCount++
	if len(s.Errors) < MaxErrorSamples {
		s.Errors = append(s.Errors, msg)
	}
}

// Merge folds other into s.
func (s *Stats) Merge(other Stats) {
	s.Processed += other.Processed
	s.Cancelled += other.Cancelled
	s.Calculated += other.Calculated
	s.Skipped += other.Skipped
	s.ErrorCount += other.ErrorCount - len(other.Errors)
	for _, e := range other.Errors {
		s.addError(e)
	}
}
