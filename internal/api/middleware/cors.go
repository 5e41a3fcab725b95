package middleware

import (
	"net/http"
	"strings"
)

// corsPolicy is the resolved origin allow-list. The softphone UI is normally
// served from the same origin as the API, so the default (empty) policy sends
// no CORS headers at all; operators hosting the UI elsewhere list its origins
// in config.
type corsPolicy struct {
	wildcard bool
	origins  map[string]struct{}
}

func (p corsPolicy) allows(origin string) bool {
	if p.wildcard {
		return true
	}
	_, ok := p.origins[origin]
	return ok
}

// CORS returns middleware applying the given origin allow-list. "*" permits
// any origin (development only). The allowed methods and headers cover
// exactly what the control API uses: JSON bodies over GET/POST with a bearer
// token. Preflights are answered with 204 without reaching the router.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	policy := corsPolicy{origins: make(map[string]struct{}, len(allowedOrigins))}
	for _, o := range allowedOrigins {
		if o = strings.TrimSpace(o); o == "" {
			continue
		}
		if o == "*" {
			policy.wildcard = true
			continue
		}
		policy.origins[o] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && policy.allows(origin) {
				h := w.Header()
				if policy.wildcard {
					h.Set("Access-Control-Allow-Origin", "*")
				} else {
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
				h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type")
				h.Set("Access-Control-Allow-Credentials", "true")
				h.Set("Access-Control-Max-Age", "300")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ParseCORSOrigins splits the comma-separated origins config value.
// Blank input yields nil, which disables CORS.
func ParseCORSOrigins(raw string) []string {
	var origins []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			origins = append(origins, p)
		}
	}
	return origins
}
