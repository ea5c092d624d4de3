package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	jobmetrics "github.com/odyssey-erp/ordersettle/internal/jobs"
	"github.com/odyssey-erp/ordersettle/internal/orders"
	"github.com/odyssey-erp/ordersettle/internal/shared"
)

// TxRepository is the transactional surface of one settlement unit of work.
type TxRepository interface {
	Catalog
	ListWaiting(ctx context.Context, w orders.Window, clientID *int64) ([]orders.Order, error)
	SaveOrder(ctx context.Context, o orders.Order) error
	CountByStatus(ctx context.Context, w orders.Window, clientID *int64) (map[orders.SettlementStatus]int, error)
	SumCalculated(ctx context.Context, w orders.Window, clientID int64) (decimal.Decimal, int, error)
	InsertRecord(ctx context.Context, rec Record) error
	MarkSettled(ctx context.Context, w orders.Window, clientID int64, recordID string) (int64, error)
	ResetForResettle(ctx context.Context, externalIDs []string, note string) (int64, error)
	Cancel(ctx context.Context, externalIDs []string, reason string) (int64, error)
}

// Repository opens settlement transactions and serves read-only queries.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	ListRecords(ctx context.Context, clientID int64, page shared.Page) ([]Record, error)
	StatusSummary(ctx context.Context, w orders.Window, clientID *int64) (map[orders.SettlementStatus]int, error)
}

// Locker serialises runs touching the same key. Release must be called once.
type Locker interface {
	Acquire(ctx context.Context, key string) (func(context.Context) error, error)
}

// Notifier is told about committed settlement records.
type Notifier interface {
	SettlementCreated(ctx context.Context, rec Record) error
}

// Auditor records administrative actions.
type Auditor interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Config tunes the service.
type Config struct {
	Location    *time.Location
	MaxSpanDays int
}

// Service coordinates settlement runs and ledger operations.
type Service struct {
	repo     Repository
	pipeline *Pipeline
	locker   Locker
	notifier Notifier
	auditor  Auditor
	cfg      Config
	logger   *slog.Logger
	metrics  *jobmetrics.Metrics
	clock    func() time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithLocker guards every settled date with locker.
func WithLocker(l Locker) Option { return func(s *Service) { s.locker = l } }

// WithNotifier sets the post-commit record notifier.
func WithNotifier(n Notifier) Option { return func(s *Service) { s.notifier = n } }

// WithAuditor sets the audit trail writer.
func WithAuditor(a Auditor) Option { return func(s *Service) { s.auditor = a } }

// WithMetrics sets the metrics sink.
func WithMetrics(m *jobmetrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithClock overrides the wall clock.
func WithClock(clock func() time.Time) Option { return func(s *Service) { s.clock = clock } }

// NewService constructs the settlement service.
func NewService(repo Repository, cfg Config, logger *slog.Logger, opts ...Option) *Service {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	s := &Service{repo: repo, pipeline: NewPipeline(), cfg: cfg, logger: logger, clock: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) log() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return slog.Default()
}

// Today returns the current calendar date in the settlement location.
func (s *Service) Today() time.Time {
	now := s.clock().In(s.cfg.Location)
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.cfg.Location)
}

// Yesterday returns the most recent settleable date.
func (s *Service) Yesterday() time.Time {
	return s.Today().AddDate(0, 0, -1)
}

// Location is the zone day boundaries are computed in.
func (s *Service) Location() *time.Location {
	return s.cfg.Location
}

func (s *Service) lock(ctx context.Context, date time.Time) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}
	release, err := s.locker.Acquire(ctx, shared.SettlementDateLockKey(date))
	if err != nil {
		return nil, err
	}
	return func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.log().Warn("release settlement lock", slog.String("date", date.Format(dateLayout)), slog.Any("error", err))
		}
	}, nil
}

// Settle runs the pipeline over every date of r, one transaction per date.
// Dates committed before a failing date stay committed.
func (s *Service) Settle(ctx context.Context, r Range, clientID *int64) (Stats, error) {
	if err := ValidateTrigger(r, s.Today(), s.cfg.MaxSpanDays); err != nil {
		return Stats{}, err
	}
	var total Stats
	for _, date := range r.Dates(s.cfg.Location) {
		stats, err := s.settleDate(ctx, date, clientID, nil)
		total.Merge(stats)
		if err != nil {
			return total, fmt.Errorf("settle %s: %w", date.Format(dateLayout), err)
		}
	}
	return total, nil
}

// prepare runs inside the date transaction before candidates are read.
type prepare func(context.Context, TxRepository) error

func (s *Service) settleDate(ctx context.Context, date time.Time, clientID *int64, before prepare) (Stats, error) {
	unlock, err := s.lock(ctx, date)
	if err != nil {
		return Stats{}, err
	}
	defer unlock()

	logger := s.log().With(slog.String("date", date.Format(dateLayout)))
	if clientID != nil {
		logger = logger.With(slog.Int64("client_id", *clientID))
	}
	w := orders.DayWindow(date, date, s.cfg.Location)

	var stats Stats
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if before != nil {
			if err := before(ctx, tx); err != nil {
				return err
			}
		}
		candidates, err := tx.ListWaiting(ctx, w, clientID)
		if err != nil {
			return err
		}
		priced, runStats, err := s.pipeline.Run(ctx, tx, candidates)
		if err != nil {
			return err
		}
		for _, o := range priced {
			if err := tx.SaveOrder(ctx, o); err != nil {
				return fmt.Errorf("save %s/%s: %w", o.ExternalOrderID, o.SKU, err)
			}
		}
		stats = runStats
		return nil
	})
	if err != nil {
		logger.Error("settlement run rolled back", slog.Any("error", err))
		return Stats{}, err
	}
	if s.metrics != nil {
		s.metrics.AddSettled("cancelled", stats.Cancelled)
		s.metrics.AddSettled("calculated", stats.Calculated)
		s.metrics.AddSettled("skipped", stats.Skipped)
	}
	logger.Info("settlement run committed",
		slog.Int("processed", stats.Processed),
		slog.Int("cancelled", stats.Cancelled),
		slog.Int("calculated", stats.Calculated),
		slog.Int("skipped", stats.Skipped),
		slog.Int("errors", stats.ErrorCount))
	return stats, nil
}

// Execute rolls every calculated order of clientID in r into one new record.
// Any waiting order in range refuses the whole operation.
func (s *Service) Execute(ctx context.Context, r Range, clientID int64) (Record, error) {
	if err := ValidateTrigger(r, s.Today(), s.cfg.MaxSpanDays); err != nil {
		return Record{}, err
	}
	for _, date := range r.Dates(s.cfg.Location) {
		unlock, err := s.lock(ctx, date)
		if err != nil {
			return Record{}, err
		}
		defer unlock()
	}

	w := orders.DayWindow(r.Start, r.End, s.cfg.Location)
	rec := Record{
		ID:        NewRecordID(r.End),
		ClientID:  clientID,
		StartDate: r.Start,
		EndDate:   r.End,
		Status:    RecordStatusSettled,
		CreatedBy: shared.ActorFromContext(ctx),
		CreatedAt: s.clock().UTC(),
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		counts, err := tx.CountByStatus(ctx, w, &clientID)
		if err != nil {
			return err
		}
		if waiting := counts[orders.StatusWaiting]; waiting > 0 {
			return fmt.Errorf("%w: %d orders", ErrWaitingOrders, waiting)
		}
		total, n, err := tx.SumCalculated(ctx, w, clientID)
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNothingToSettle
		}
		rec.TotalAmount = total
		rec.OrderCount = n
		if err := tx.InsertRecord(ctx, rec); err != nil {
			return err
		}
		marked, err := tx.MarkSettled(ctx, w, clientID, rec.ID)
		if err != nil {
			return err
		}
		if marked != int64(n) {
			return fmt.Errorf("settlement: marked %d orders, expected %d", marked, n)
		}
		return nil
	})
	if err != nil {
		return Record{}, err
	}

	if s.metrics != nil {
		s.metrics.AddSettled("settled", rec.OrderCount)
	}
	s.log().Info("settlement record created",
		slog.String("record_id", rec.ID),
		slog.Int64("client_id", clientID),
		slog.String("range", r.String()),
		slog.String("total", rec.TotalAmount.String()),
		slog.Int("orders", rec.OrderCount))
	s.audit(ctx, "settlement.execute", rec.ID, map[string]any{
		"client_id": clientID, "range": r.String(), "total": rec.TotalAmount.String(), "orders": rec.OrderCount,
	})
	if s.notifier != nil {
		if err := s.notifier.SettlementCreated(ctx, rec); err != nil {
			s.log().Warn("commission notification failed", slog.String("record_id", rec.ID), slog.Any("error", err))
		}
	}
	return rec, nil
}

func normalizeIDs(externalIDs []string) ([]string, error) {
	seen := make(map[string]struct{}, len(externalIDs))
	out := make([]string, 0, len(externalIDs))
	for _, id := range externalIDs {
		id = strings.TrimSpace(id)
		if !orders.ValidCompoundID(id) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidOrderIDs, id)
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: none given", ErrInvalidOrderIDs)
	}
	return out, nil
}

// ReSettle resets the named orders to waiting and reruns the whole pipeline
// for date in the same transaction.
func (s *Service) ReSettle(ctx context.Context, externalIDs []string, date time.Time) (Stats, int64, error) {
	ids, err := normalizeIDs(externalIDs)
	if err != nil {
		return Stats{}, 0, err
	}
	if err := ValidateTrigger(SingleDay(date), s.Today(), 0); err != nil {
		return Stats{}, 0, err
	}
	actor := shared.ActorFromContext(ctx)
	var reset int64
	stats, err := s.settleDate(ctx, date, nil, func(ctx context.Context, tx TxRepository) error {
		n, err := tx.ResetForResettle(ctx, ids, "reset for re-settlement by "+actor)
		reset = n
		return err
	})
	if err != nil {
		return Stats{}, 0, err
	}
	s.audit(ctx, "settlement.resettle", date.Format(dateLayout), map[string]any{"orders": ids, "reset": reset})
	return stats, reset, nil
}

// Cancel forces waiting or settled orders to cancel. Downstream accounting is
// not reversed.
func (s *Service) Cancel(ctx context.Context, externalIDs []string, reason string) (int64, error) {
	ids, err := normalizeIDs(externalIDs)
	if err != nil {
		return 0, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return 0, ErrReasonRequired
	}
	var n int64
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		n, err = tx.Cancel(ctx, ids, reason)
		return err
	})
	if err != nil {
		return 0, err
	}
	s.audit(ctx, "settlement.cancel", strings.Join(ids, ","), map[string]any{"reason": reason, "cancelled": n})
	return n, nil
}

// ListRecords pages through a client's settlement records, newest first.
func (s *Service) ListRecords(ctx context.Context, clientID int64, limit, offset int) ([]Record, error) {
	return s.repo.ListRecords(ctx, clientID, shared.NewPage(limit, offset))
}

// Summary counts orders per status for r across every targeted shard.
func (s *Service) Summary(ctx context.Context, r Range, clientID *int64) (map[orders.SettlementStatus]int, error) {
	if civil(r.Start).After(civil(r.End)) {
		return nil, fmt.Errorf("%w: start after end", ErrInvalidRange)
	}
	return s.repo.StatusSummary(ctx, orders.DayWindow(r.Start, r.End, s.cfg.Location), clientID)
}

func (s *Service) audit(ctx context.Context, action, entityID string, meta map[string]any) {
	if s.auditor == nil {
		return
	}
	err := s.auditor.Record(ctx, shared.AuditLog{
		Actor:    shared.ActorFromContext(ctx),
		Action:   action,
		Entity:   "settlement",
		EntityID: entityID,
		Meta:     meta,
	})
	if err != nil {
		s.log().Warn("audit log failed", slog.String("action", action), slog.Any("error", err))
	}
}

// IsValidation reports whether err is a caller mistake rather than a failure.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidRange) ||
		errors.Is(err, ErrSameDaySettlement) ||
		errors.Is(err, ErrRangeTooLong) ||
		errors.Is(err, ErrInvalidOrderIDs) ||
		errors.Is(err, ErrReasonRequired)
}

// IsConflict reports whether err stems from current order or lock state.
func IsConflict(err error) bool {
	return errors.Is(err, ErrWaitingOrders) ||
		errors.Is(err, ErrNothingToSettle) ||
		errors.Is(err, ErrLocked)
}
