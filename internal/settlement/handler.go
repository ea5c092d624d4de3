package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/ordersettle/internal/orders"
	"github.com/odyssey-erp/ordersettle/internal/platform/httpx"
	"github.com/odyssey-erp/ordersettle/internal/shared"
)

// IdempotencyGuard rejects replayed ledger requests.
type IdempotencyGuard interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// Handler wires HTTP endpoints for settlement.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	guard     IdempotencyGuard
	validator *validator.Validate
	summaries singleflight.Group
}

// NewHandler constructs the settlement handler. guard may be nil.
func NewHandler(logger *slog.Logger, service *Service, guard IdempotencyGuard) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, guard: guard, validator: validator.New()}
}

// MountRoutes registers settlement routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/run", h.handleRun)
	r.Post("/execute", h.handleExecute)
	r.Post("/resettle", h.handleResettle)
	r.Post("/cancel", h.handleCancel)
	r.Get("/records", h.handleRecords)
	r.Get("/summary", h.handleSummary)
}

type runRequest struct {
	Start    string `json:"start" validate:"required,datetime=2006-01-02"`
	End      string `json:"end" validate:"required,datetime=2006-01-02"`
	ClientID *int64 `json:"client_id" validate:"omitempty,min=0"`
}

type executeRequest struct {
	Start    string `json:"start" validate:"required,datetime=2006-01-02"`
	End      string `json:"end" validate:"required,datetime=2006-01-02"`
	ClientID *int64 `json:"client_id" validate:"required,min=0"`
}

type resettleRequest struct {
	OrderIDs []string `json:"order_ids" validate:"required,min=1,dive,required"`
	Date     string   `json:"date" validate:"required,datetime=2006-01-02"`
}

type cancelRequest struct {
	OrderIDs []string `json:"order_ids" validate:"required,min=1,dive,required"`
	Reason   string   `json:"reason" validate:"required"`
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := httpx.DecodeJSON(r, dst); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return false
	}
	if err := h.validator.Struct(dst); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, fmt.Sprintf("%s: %s", strings.ToLower(fe.Field()), fe.Tag()))
			}
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", strings.Join(msgs, "; "))
			return false
		}
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	switch {
	case IsValidation(err):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case IsConflict(err), errors.Is(err, shared.ErrIdempotencyConflict):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	default:
		h.logger.Error("settlement request failed", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}

func (h *Handler) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if !h.decode(w, r, &req) {
		return
	}
	rng, err := ParseRange(req.Start, req.End, h.service.Location())
	if err != nil {
		h.fail(w, err)
		return
	}
	stats, err := h.service.Settle(r.Context(), rng, req.ClientID)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, stats)
}

func (h *Handler) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if !h.decode(w, r, &req) {
		return
	}
	rng, err := ParseRange(req.Start, req.End, h.service.Location())
	if err != nil {
		h.fail(w, err)
		return
	}
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key != "" && h.guard != nil {
		if err := h.guard.CheckAndInsert(r.Context(), key, "settlement.execute"); err != nil {
			h.fail(w, err)
			return
		}
	}
	rec, err := h.service.Execute(r.Context(), rng, *req.ClientID)
	if err != nil {
		if key != "" && h.guard != nil {
			if derr := h.guard.Delete(context.WithoutCancel(r.Context()), key); derr != nil {
				h.logger.Warn("release idempotency key", slog.Any("error", derr))
			}
		}
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, rec)
}

func (h *Handler) handleResettle(w http.ResponseWriter, r *http.Request) {
	var req resettleRequest
	if !h.decode(w, r, &req) {
		return
	}
	rng, err := ParseRange(req.Date, req.Date, h.service.Location())
	if err != nil {
		h.fail(w, err)
		return
	}
	stats, reset, err := h.service.ReSettle(r.Context(), req.OrderIDs, rng.Start)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"reset": reset, "stats": stats})
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if !h.decode(w, r, &req) {
		return
	}
	n, err := h.service.Cancel(r.Context(), req.OrderIDs, req.Reason)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"cancelled": n})
}

func queryInt(q string, fallback int) (int, error) {
	if q == "" {
		return fallback, nil
	}
	return strconv.Atoi(q)
}

func (h *Handler) handleRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	clientID, err := strconv.ParseInt(q.Get("client_id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "client_id is required")
		return
	}
	limit, err := queryInt(q.Get("limit"), 0)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "limit must be an integer")
		return
	}
	offset, err := queryInt(q.Get("offset"), 0)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "offset must be an integer")
		return
	}
	records, err := h.service.ListRecords(r.Context(), clientID, limit, offset)
	if err != nil {
		h.fail(w, err)
		return
	}
	if records == nil {
		records = []Record{}
	}
	httpx.JSON(w, http.StatusOK, records)
}

func (h *Handler) handleSummary(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rng, err := ParseRange(q.Get("start"), q.Get("end"), h.service.Location())
	if err != nil {
		h.fail(w, err)
		return
	}
	var clientID *int64
	if raw := q.Get("client_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "client_id must be an integer")
			return
		}
		clientID = &id
	}
	key := rng.String() + "|" + q.Get("client_id")
	v, err, _ := h.summaries.Do(key, func() (any, error) {
		return h.service.Summary(r.Context(), rng, clientID)
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	counts := v.(map[orders.SettlementStatus]int)
	httpx.JSON(w, http.StatusOK, map[string]any{
		"start":  q.Get("start"),
		"end":    q.Get("end"),
		"counts": counts,
	})
}
