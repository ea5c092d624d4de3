package httpx

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProblemUsesProblemJSON(t *testing.T) {
	rr := httptest.NewRecorder()
	Problem(rr, http.StatusConflict, "Locked", "settlement for 2024-05-10 is running")

	require.Equal(t, http.StatusConflict, rr.Code)
	require.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
	var body ProblemDetail
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, ProblemDetail{Type: "about:blank", Title: "Locked", Status: http.StatusConflict, Detail: "settlement for 2024-05-10 is running"}, body)
}

func TestDecodeJSON(t *testing.T) {
	decode := func(body string) (map[string]string, error) {
		var out map[string]string
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
		return out, DecodeJSON(req, &out)
	}

	out, err := decode(`{"start":"2024-05-10"}`)
	require.NoError(t, err)
	require.Equal(t, "2024-05-10", out["start"])

	_, err = decode("")
	require.EqualError(t, err, "request body is empty")

	_, err = decode(`{"start":"a"} {"start":"b"}`)
	require.EqualError(t, err, "request body has trailing data")

	_, err = decode(`{"start":"` + strings.Repeat("x", MaxJSONBody) + `"}`)
	require.ErrorContains(t, err, "exceeds")
}
