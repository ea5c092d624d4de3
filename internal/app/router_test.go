package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/ordersettle/internal/observability"
	"github.com/odyssey-erp/ordersettle/internal/shared"
)

func TestRouterProbes(t *testing.T) {
	ready := errors.New("postgres down")
	handler := NewRouter(RouterParams{
		Config:  &Config{},
		Metrics: observability.NewMetrics(),
		Ready:   func(ctx context.Context) error { return ready },
	})

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
	require.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)

	ready = nil
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `ordersettle_http_requests_total{code="200",route="/healthz"} 1`)
}

func TestRequireAdmin(t *testing.T) {
	var actor string
	handler := RequireAdmin(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor = shared.ActorFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/settlement/run", nil))
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	require.Empty(t, actor)

	req := httptest.NewRequest(http.MethodPost, "/settlement/run", nil)
	req.Header.Set(AdminHeader, " admin-7 ")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Equal(t, "admin-7", actor)
}
