package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

// captureLog points the default logger at a buffer and restores it afterwards.
func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func logLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("parse log line: %v", err)
	}
	return entry
}

func TestStructuredLoggerFields(t *testing.T) {
	buf := captureLog(t)
	h := StructuredLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":"ok"}`))
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/state", nil))

	entry := logLine(t, buf)
	if entry["method"] != "GET" || entry["path"] != "/api/v1/state" {
		t.Errorf("method/path = %v %v", entry["method"], entry["path"])
	}
	if entry["status"] != float64(200) {
		t.Errorf("status = %v, want 200 for implicit WriteHeader", entry["status"])
	}
	if entry["bytes"] != float64(len(`{"data":"ok"}`)) {
		t.Errorf("bytes = %v", entry["bytes"])
	}
	if _, ok := entry["duration_ms"]; !ok {
		t.Error("duration_ms missing")
	}
}

func TestStructuredLoggerLevelByStatus(t *testing.T) {
	tests := []struct {
		status int
		level  string
	}{
		{http.StatusOK, "INFO"},
		{http.StatusBadRequest, "WARN"},
		{http.StatusUnauthorized, "WARN"},
		{http.StatusInternalServerError, "ERROR"},
		{http.StatusBadGateway, "ERROR"},
	}
	for _, tt := range tests {
		buf := captureLog(t)
		h := StructuredLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/calls/dial", nil))

		entry := logLine(t, buf)
		if entry["status"] != float64(tt.status) {
			t.Errorf("status = %v, want %d", entry["status"], tt.status)
		}
		if entry["level"] != tt.level {
			t.Errorf("status %d logged at %v, want %s", tt.status, entry["level"], tt.level)
		}
	}
}

func TestStatusRecorderFirstHeaderWins(t *testing.T) {
	buf := captureLog(t)
	h := StructuredLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	if entry := logLine(t, buf); entry["status"] != float64(201) {
		t.Errorf("status = %v, want the first WriteHeader (201)", entry["status"])
	}
}

func TestStatusRecorderHijackSupport(t *testing.T) {
	// The websocket upgrade type-asserts http.Hijacker on whatever writer it
	// is handed, so the recorder must expose it.
	var _ http.Hijacker = &statusRecorder{}

	rec := &statusRecorder{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rec.Hijack(); err == nil {
		t.Error("Hijack over a plain recorder should report unsupported")
	}
}
