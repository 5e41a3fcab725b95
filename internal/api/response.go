package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
)

// envelope is the standard API response wrapper.
// All JSON responses use this format: { "data": ..., "error": ... }
type envelope struct {
	Data  any    `json:"data"`
	Error string `json:"error,omitempty"`
}

// writeJSON writes a JSON response with the given status code and data payload.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Data: data}); err != nil {
		slog.Error("failed to encode json response", "error", err)
	}
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Error: msg}); err != nil {
		slog.Error("failed to encode json error response", "error", err)
	}
}

// maxBodyBytes caps request bodies for JSON endpoints.
const maxBodyBytes = 1 << 20

// readJSON decodes a single JSON object from the request body into dst.
// Returns an error message suitable for the client, or "" on success.
func readJSON(r *http.Request, dst any) string {
	r.Body = http.MaxBytesReader(nil, r.Body, maxBodyBytes)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		switch {
		case errors.Is(err, io.EOF):
			return "request body must not be empty"
		case errors.As(err, new(*json.SyntaxError)):
			return "request body contains malformed json"
		case errors.As(err, new(*json.UnmarshalTypeError)):
			return "request body contains an invalid value type"
		default:
			return "request body could not be parsed"
		}
	}

	// A second decode must hit EOF or there was trailing content.
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return "request body must contain a single json object"
	}

	return ""
}

// defaultLimit is the page size used when the client does not specify one.
const defaultLimit = 20

// maxLimit caps the page size regardless of what the client asks for.
const maxLimit = 100

// pagination holds parsed limit/offset query parameters.
type pagination struct {
	Limit  int
	Offset int
}

// PaginatedResponse wraps list results with paging metadata.
type PaginatedResponse struct {
	Items  any `json:"items"`
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// parsePagination reads limit/offset query params, applying defaults and
// clamping limit to maxLimit. Returns an error message or "" on success.
func parsePagination(r *http.Request) (pagination, string) {
	pg := pagination{Limit: defaultLimit}
	q := r.URL.Query()

	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return pg, "limit must be a positive integer"
		}
		if n > maxLimit {
			n = maxLimit
		}
		pg.Limit = n
	}

	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return pg, "offset must be a non-negative integer"
		}
		pg.Offset = n
	}

	return pg, ""
}
