package api

import (
	"bufio"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jamfoundry/jamcore/pkg/config"
	"github.com/jamfoundry/jamcore/pkg/logger"
)

// Middleware wraps an http.Handler with extra behavior
type Middleware func(http.Handler) http.Handler

// chain applies middlewares so the first listed runs outermost
func chain(h http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// CORSMiddleware enforces the configured origin policy. Strict mode rejects
// unlisted origins with 403; outside strict mode the development origins are
// additionally allowed.
type CORSMiddleware struct {
	cfg config.CORSConfig
	log logger.Logger
}

// NewCORSMiddleware builds the middleware from config
func NewCORSMiddleware(cfg config.CORSConfig, log logger.Logger) *CORSMiddleware {
	return &CORSMiddleware{cfg: cfg, log: log}
}

// Allowed reports whether origin passes the configured policy. An empty
// origin (same-origin or non-browser client) always passes.
func (m *CORSMiddleware) Allowed(origin string) bool {
	if origin == "" {
		return true
	}
	for _, allowed := range m.cfg.Origin {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	if !m.cfg.StrictMode {
		for _, allowed := range m.cfg.DevelopmentOrigins {
			if allowed == origin {
				return true
			}
		}
	}
	return false
}

// Handle applies the origin policy and answers preflight requests
func (m *CORSMiddleware) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if !m.Allowed(origin) {
			m.log.Warn("Rejected cross-origin request",
				logger.String("origin", origin),
				logger.String("path", r.URL.Path),
			)
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}

		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Range")
			if m.cfg.Credentials {
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response code for request logging
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

// Hijack forwards to the wrapped writer so websocket upgrades work through
// the logging middleware
func (rec *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rec.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return hj.Hijack()
}

// LoggingMiddleware logs each request at the HTTP log level
func LoggingMiddleware(log logger.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			log.HTTP("Request handled",
				logger.String("method", r.Method),
				logger.String("path", r.URL.Path),
				logger.Int("status", rec.status),
				logger.Int64("duration_ms", time.Since(start).Milliseconds()),
				logger.String("client_ip", clientIP(r)),
			)
		})
	}
}

// clientIP resolves the requester address behind proxies
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return real
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
