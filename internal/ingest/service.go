package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	jobmetrics "github.com/odyssey-erp/ordersettle/internal/jobs"
	"github.com/odyssey-erp/ordersettle/internal/shared"
)

// ErrFileTooLarge indicates the upload exceeds the configured size.
var ErrFileTooLarge = errors.New("ingest: file too large")

// Limits bound a single import.
type Limits struct {
	MaxRows      int
	MaxFileBytes int64
}

// ImportRequest is one uploaded export.
type ImportRequest struct {
	Filename string
	Data     []byte
}

// ImportResult reports the outcome of an import. Parse errors are rows that
// never became records; Summary accounts for every record that did.
type ImportResult struct {
	ImportID        string     `json:"import_id"`
	Filename        string     `json:"filename"`
	Actor           string     `json:"actor"`
	DataRows        int        `json:"data_rows"`
	Invalid         int        `json:"invalid"`
	ParseErrorCount int        `json:"parse_error_count"`
	ParseErrors     []RowError `json:"parse_errors,omitempty"`
	Summary         Summary    `json:"summary"`
}

// Service runs parse, validate and ingest for one file.
type Service struct {
	parser    *Parser
	validator *Validator
	engine    *Engine
	limits    Limits
	logger    *slog.Logger
	metrics   *jobmetrics.Metrics
}

// NewService constructs the import service.
func NewService(parser *Parser, validator *Validator, engine *Engine, limits Limits, logger *slog.Logger, metrics *jobmetrics.Metrics) *Service {
	return &Service{parser: parser, validator: validator, engine: engine, limits: limits, logger: logger, metrics: metrics}
}

func (s *Service) log() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return slog.Default()
}

// Import processes one file. Structural problems reject the whole file; row
// problems are reported in the result.
func (s *Service) Import(ctx context.Context, req ImportRequest, progress ProgressFunc) (result ImportResult, err error) {
	tracker := s.metrics.Track("orders_import")
	defer func() {
		err = tracker.End(err)
	}()

	result = ImportResult{
		ImportID: uuid.NewString(),
		Filename: req.Filename,
		Actor:    shared.ActorFromContext(ctx),
	}
	if s.limits.MaxFileBytes > 0 && int64(len(req.Data)) > s.limits.MaxFileBytes {
		return result, fmt.Errorf("%w: %d bytes exceeds %d", ErrFileTooLarge, len(req.Data), s.limits.MaxFileBytes)
	}
	logger := s.log().With(slog.String("import_id", result.ImportID), slog.String("actor", result.Actor))

	parsed, err := s.parser.Parse(req.Data)
	if err != nil {
		logger.Warn("import rejected", slog.String("filename", req.Filename), slog.Any("error", err))
		return result, err
	}
	result.DataRows = parsed.DataRows
	result.ParseErrorCount = len(parsed.Errors)
	if len(parsed.Errors) > MaxErrorSamples {
		result.ParseErrors = parsed.Errors[:MaxErrorSamples]
	} else {
		result.ParseErrors = parsed.Errors
	}

	validated := s.validator.ValidateOrders(parsed.Records)
	result.Invalid = len(validated.Invalid)

	summary, err := s.engine.Ingest(ctx, ItemsFrom(validated), progress)
	result.Summary = summary
	if err != nil {
		return result, fmt.Errorf("ingest: %w", err)
	}
	logger.Info("import finished",
		slog.String("filename", req.Filename),
		slog.Int("rows", result.DataRows),
		slog.Int("parse_errors", result.ParseErrorCount),
		slog.Int("invalid", result.Invalid))
	return result, nil
}

// IsStructural reports whether err rejected the file as a whole.
func IsStructural(err error) bool {
	return errors.Is(err, ErrEmptyWorkbook) ||
		errors.Is(err, ErrMissingRequiredColumn) ||
		errors.Is(err, ErrTooManyRows) ||
		errors.Is(err, ErrUnreadableFile)
}
