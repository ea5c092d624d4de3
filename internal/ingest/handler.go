package ingest

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/odyssey-erp/ordersettle/internal/platform/httpx"
)

// Handler exposes the import endpoint.
type Handler struct {
	logger  *slog.Logger
	service *Service
	maxBody int64
}

// NewHandler constructs the handler; maxBody bounds the multipart request.
func NewHandler(logger *slog.Logger, service *Service, maxBody int64) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, maxBody: maxBody}
}

// MountRoutes registers import routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.With(httprate.LimitByIP(6, time.Minute)).Post("/import", h.handleImport)
}

func (h *Handler) handleImport(w http.ResponseWriter, r *http.Request) {
	if h.maxBody > 0 {
		// multipart framing on top of the file itself
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBody+1<<20)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpx.Problem(w, http.StatusRequestEntityTooLarge, "File Too Large", err.Error())
			return
		}
		httpx.Problem(w, http.StatusBadRequest, "Invalid Upload", "multipart field \"file\" is required")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Upload", err.Error())
		return
	}

	result, err := h.service.Import(r.Context(), ImportRequest{Filename: header.Filename, Data: data}, nil)
	switch {
	case err == nil:
		httpx.JSON(w, http.StatusOK, result)
	case errors.Is(err, ErrFileTooLarge):
		httpx.Problem(w, http.StatusRequestEntityTooLarge, "File Too Large", err.Error())
	case IsStructural(err):
		httpx.Problem(w, http.StatusBadRequest, "Invalid File", err.Error())
	default:
		h.logger.Error("import failed", slog.String("import_id", result.ImportID), slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
