// Package httpx provides HTTP response utilities following RFC7807 problem details.
package httpx

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// MaxJSONBody caps request bodies accepted by DecodeJSON.
const MaxJSONBody = 1 << 20

// ProblemDetail represents RFC7807 problem details.
type ProblemDetail struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// JSON sends a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, data any) {
	write(w, "application/json", status, data)
}

// Problem sends an application/problem+json response.
func Problem(w http.ResponseWriter, status int, title, detail string) {
	write(w, "application/problem+json", status, ProblemDetail{
		Type:   "about:blank",
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

func write(w http.ResponseWriter, contentType string, status int, data any) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// DecodeJSON decodes exactly one JSON value of at most MaxJSONBody bytes.
func DecodeJSON(r *http.Request, target any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, MaxJSONBody+1))
	if err != nil {
		return err
	}
	if len(data) > MaxJSONBody {
		return fmt.Errorf("request body exceeds %d bytes", MaxJSONBody)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return errors.New("request body is empty")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(target); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("request body has trailing data")
	}
	return nil
}
