package api

import (
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/thoscut/ocrflow/internal/config"
)

// AuthMiddleware validates requests using either an API key (Bearer token,
// X-API-Key header, or api_key query parameter for WebSocket clients) or
// HTTP basic auth checked against a bcrypt hash.
func AuthMiddleware(cfg config.AuthConfig) func(http.Handler) http.Handler {
	keySet := make(map[string]bool, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		keySet[k] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Check Bearer token
			auth := r.Header.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				token := strings.TrimPrefix(auth, "Bearer ")
				if keySet[token] {
					next.ServeHTTP(w, r)
					return
				}
			}

			// Check X-API-Key header
			apiKey := r.Header.Get("X-API-Key")
			if keySet[apiKey] {
				next.ServeHTTP(w, r)
				return
			}

			// Check query parameter (for WebSocket connections)
			if key := r.URL.Query().Get("api_key"); keySet[key] {
				next.ServeHTTP(w, r)
				return
			}

			// Basic auth against the configured bcrypt hash
			if cfg.BasicAuthUser != "" && cfg.BasicAuthPassHash != "" {
				if user, pass, ok := r.BasicAuth(); ok && user == cfg.BasicAuthUser {
					if bcrypt.CompareHashAndPassword([]byte(cfg.BasicAuthPassHash), []byte(pass)) == nil {
						next.ServeHTTP(w, r)
						return
					}
				}
			}

			http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		})
	}
}

// CORSMiddleware adds CORS headers for cross-origin requests.
func CORSMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-API-Key")
			w.Header().Set("Access-Control-Max-Age", "3600")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// statusWriter captures the response status for the metrics middleware.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.metrics.RecordRequest()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		if sw.status >= http.StatusInternalServerError {
			s.metrics.RecordError()
		}
	})
}
