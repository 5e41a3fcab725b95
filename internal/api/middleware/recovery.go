package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime/debug"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// Recoverer turns handler panics into logged 500 responses so one bad call
// command cannot take the whole control API down. http.ErrAbortHandler is
// re-raised untouched: net/http uses it to abort a response (the WebSocket
// handler panics with it when a client vanishes mid-write) and it must not
// be reported as a fault.
func Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler { //nolint:errorlint
				panic(rec)
			}

			slog.Error("panic recovered",
				"request_id", chimw.GetReqID(r.Context()),
				"panic", rec,
				"method", r.Method,
				"path", r.URL.Path,
				"stack", string(debug.Stack()),
			)

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(errEnvelope{Error: "internal server error"}) //nolint:errcheck
		}()

		next.ServeHTTP(w, r)
	})
}
