package router

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-ebook-go/internal/account"
	"github.com/ovaphlow/pitchfork/service-ebook-go/internal/account/entity"
	"github.com/ovaphlow/pitchfork/service-ebook-go/internal/auth"
	"github.com/ovaphlow/pitchfork/service-ebook-go/internal/metrics"
)

// Config holds the HTTP surface settings.
type Config struct {
	Prefix         string  `env:"API_PREFIX" envDefault:"/api"`
	AuthRatePerSec float64 `env:"AUTH_RATE_PER_SEC" envDefault:"5"`
	AuthRateBurst  int     `env:"AUTH_RATE_BURST" envDefault:"10"`

	// TrustForwardedFor rate limits on X-Forwarded-For; set only behind a reverse proxy.
	TrustForwardedFor bool `env:"AUTH_TRUST_FORWARDED_FOR" envDefault:"false"`
}

func ConfigFromEnv() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, fmt.Errorf("router config: %w", err)
	}
	c.Prefix = "/" + strings.Trim(c.Prefix, "/")
	if c.Prefix == "/" {
		c.Prefix = ""
	}
	return c, nil
}

// Deps are the collaborators mounted by RegisterRoutes.
type Deps struct {
	Config   Config
	Accounts *account.Handler
	Gate     *auth.Gate
	Metrics  *metrics.Metrics
	Logger   *zap.SugaredLogger
}

// loggingResponseWriter wraps http.ResponseWriter to capture status and size.
type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	size   int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.status = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	if lrw.status == 0 {
		lrw.status = http.StatusOK
	}
	n, err := lrw.ResponseWriter.Write(b)
	lrw.size += n
	return n, err
}

func (lrw *loggingResponseWriter) statusCode() int {
	if lrw.status == 0 {
		return http.StatusOK
	}
	return lrw.status
}

type requestIDKey struct{}

// RequestIDFrom returns the id assigned by RequestIDMiddleware.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// RequestIDMiddleware keeps a sane incoming X-Request-ID or assigns a new one.
func RequestIDMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-ID")
			if _, err := uuid.Parse(id); err != nil {
				id = uuid.NewString()
			}
			w.Header().Set("X-Request-ID", id)
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
		})
	}
}

// LoggingMiddleware returns a middleware that logs requests at debug level using the provided sugared logger.
func LoggingMiddleware(logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			lrw := &loggingResponseWriter{ResponseWriter: w}
			next.ServeHTTP(lrw, r)
			dur := time.Since(start)
			logger.Debugw("http request",
				"request_id", RequestIDFrom(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"remote", r.RemoteAddr,
				"status", lrw.statusCode(),
				"duration_ms", float64(dur.Microseconds())/1000.0,
				"size", lrw.size,
			)
		})
	}
}

// MetricsMiddleware records request counts and latency per route pattern.
// It must wrap the mux directly so that r.Pattern is visible afterwards.
func MetricsMiddleware(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			lrw := &loggingResponseWriter{ResponseWriter: w}
			next.ServeHTTP(lrw, r)
			route := r.Pattern
			if route == "" {
				route = "unmatched"
			}
			m.ObserveHTTP(r.Method, route, lrw.statusCode(), time.Since(start))
		})
	}
}

// SecurityHeadersMiddleware returns a middleware that sets common HTTP security headers.
func SecurityHeadersMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "no-referrer-when-downgrade")
			w.Header().Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			if w.Header().Get("Content-Security-Policy") == "" {
				w.Header().Set("Content-Security-Policy", "default-src 'self'; object-src 'none'; base-uri 'self';")
			}
			// tokens travel in headers; keep responses out of shared caches
			w.Header().Set("Cache-Control", "no-store")
			if r.TLS != nil {
				w.Header().Set("Strict-Transport-Security", "max-age=2592000; includeSubDomains")
			}
			next.ServeHTTP(w, r)
		})
	}
}

func chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// RegisterRoutes mounts HTTP handlers using the standard library's http.ServeMux.
func RegisterRoutes(d Deps) http.Handler {
	mux := http.NewServeMux()
	p := d.Config.Prefix
	h := d.Accounts
	authn := d.Gate.Authenticate
	admin := auth.RequireRole(entity.RoleAdmin)
	selfOrAdmin := auth.SelfOrRole("id", entity.RoleAdmin)
	limited := NewRateLimiter(d.Config.AuthRatePerSec, d.Config.AuthRateBurst).
		TrustForwardedFor(d.Config.TrustForwardedFor).
		Middleware

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", d.Metrics.Handler())

	mux.Handle("POST "+p+"/auth/register", limited(http.HandlerFunc(h.Register)))
	mux.Handle("POST "+p+"/auth/login", limited(http.HandlerFunc(h.Login)))

	mux.Handle("GET "+p+"/users/profile", authn(http.HandlerFunc(h.GetProfile)))
	mux.Handle("PUT "+p+"/users/profile", authn(http.HandlerFunc(h.UpdateProfile)))
	mux.Handle("DELETE "+p+"/users/profile", authn(http.HandlerFunc(h.DeleteProfile)))

	mux.Handle("GET "+p+"/users", chain(http.HandlerFunc(h.List), authn, admin))
	mux.Handle("GET "+p+"/users/{id}", chain(http.HandlerFunc(h.Get), authn, selfOrAdmin))
	mux.Handle("PUT "+p+"/users/{id}", chain(http.HandlerFunc(h.Update), authn, selfOrAdmin))
	mux.Handle("DELETE "+p+"/users/{id}", chain(http.HandlerFunc(h.Delete), authn, admin))
	mux.Handle("DELETE "+p+"/users/{id}/permanent", chain(http.HandlerFunc(h.HardDelete), authn, admin))

	return chain(mux,
		RequestIDMiddleware(),
		LoggingMiddleware(d.Logger),
		SecurityHeadersMiddleware(),
		MetricsMiddleware(d.Metrics),
	)
}
