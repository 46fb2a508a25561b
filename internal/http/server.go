// Package http exposes the guardian-facing JSON API: creating and
// resolving transactions, managing limit calendars, and inspecting
// counters.
package http

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"allowance/internal/cache"
	"allowance/internal/core"
	"allowance/internal/ledger"
	"allowance/internal/limits"
	applog "allowance/internal/log"
	"allowance/internal/middleware/ratelimit"
	"allowance/internal/middleware/security"
	"allowance/internal/middleware/trace"
	"allowance/internal/settlement"
)

// DependentAdmin covers account provisioning, separate from the spending
// path so tests can fake it without a database.
type DependentAdmin interface {
	CreateDependent(ctx context.Context, dep core.Dependent) error
	UpdateCaps(ctx context.Context, id string, daily, weekly, monthly core.Money) error
	CreditBalance(ctx context.Context, id string, amount core.Money) error
}

type Server struct {
	http.Server
	ledger     *ledger.Ledger
	store      *limits.Store
	reconciler *settlement.Reconciler
	admin      DependentAdmin

	rateLimiter *ratelimit.Limiter
	headers     *security.HeadersMiddleware
	trace       *trace.Middleware

	// Limit calendars change rarely; reads are cached and invalidated on
	// every upsert.
	calendarCache *cache.LRUCache[core.LimitCalendar]
	cacheManager  *cache.Manager

	shutdownOnce sync.Once
}

// NewServer configures routes and middleware, returning a ready-to-run
// http.Server.
func NewServer(addr string, l *ledger.Ledger, store *limits.Store, reconciler *settlement.Reconciler, admin DependentAdmin, rateLimitPerMinute int) *Server {
	mux := http.NewServeMux()

	s := &Server{
		Server: http.Server{
			Addr:    addr,
			Handler: mux,
		},
		ledger:        l,
		store:         store,
		reconciler:    reconciler,
		admin:         admin,
		rateLimiter:   ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: rateLimitPerMinute}),
		headers:       security.NewHeadersMiddleware(security.DefaultHeadersConfig()),
		trace:         trace.NewMiddleware(clientIP),
		calendarCache: cache.NewLRUCache[core.LimitCalendar](500, 5*time.Minute),
		cacheManager:  cache.NewManager(),
	}

	s.cacheManager.Register(s.calendarCache)
	s.cacheManager.StartCleanup(10 * time.Minute)

	mux.HandleFunc("/healthz", handleHealth)
	mux.HandleFunc("/readyz", handleReady)
	mux.HandleFunc("/api/transactions", s.withMiddleware(s.handleTransactions))
	mux.HandleFunc("/api/transactions/", s.withMiddleware(s.handleTransactionByID))
	mux.HandleFunc("/api/limits/", s.withMiddleware(s.handleLimits))
	mux.HandleFunc("/api/dependents", s.withMiddleware(s.handleCreateDependent))
	mux.HandleFunc("/api/dependents/", s.withMiddleware(s.handleDependentByID))

	return s
}

// withMiddleware adds security headers, rate limiting, and request
// tracing to a handler.
func (s *Server) withMiddleware(next http.HandlerFunc) http.HandlerFunc {
	traced := s.trace.Middleware(s.headers.Middleware(next))
	return func(w http.ResponseWriter, r *http.Request) {
		// Mutating requests count against the per-client budget.
		if r.Method != http.MethodGet && !s.rateLimiter.Allow(clientIP(r)) {
			fields := applog.NewFields().
				WithComponent(applog.ComponentRateLimit).
				WithClientIP(clientIP(r))
			fields[applog.FieldMethod] = r.Method
			fields[applog.FieldPath] = r.URL.Path
			slog.WarnContext(r.Context(), "Rate limit exceeded", fields.ToSlice()...)
			w.Header().Set("Retry-After", "60")
			http.Error(w, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
			return
		}

		traced.ServeHTTP(w, r)
	}
}

// clientIP extracts the client address, considering proxies.
func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return ip
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	return r.RemoteAddr
}

// Shutdown gracefully shuts down the server and cleanup routines.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error

	s.shutdownOnce.Do(func() {
		s.cacheManager.Stop()
		if s.rateLimiter != nil {
			s.rateLimiter.Stop()
		}
		shutdownErr = s.Server.Shutdown(ctx)
	})

	return shutdownErr
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func handleReady(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
