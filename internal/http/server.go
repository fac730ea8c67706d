package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"saldo/internal/core"
	"saldo/internal/log"
	"saldo/internal/middleware/ratelimit"
	"saldo/internal/middleware/security"
	"saldo/internal/middleware/trace"
	"saldo/internal/services"
)

// Ports the handlers depend on. The services package implements all of them.
type (
	TransactionWriter interface {
		Create(ctx context.Context, in core.TransactionInput) (core.Transaction, error)
		Update(ctx context.Context, id int64, patch core.TransactionPatch) (core.Transaction, error)
		Delete(ctx context.Context, id int64) (core.Transaction, error)
	}

	BulkImporter interface {
		Load(ctx context.Context, inputs []core.TransactionInput) (int, error)
	}

	LedgerReader interface {
		ListTransactions(ctx context.Context, cursor *int64, limit int) (services.TransactionPage, error)
		GetTransaction(ctx context.Context, id int64) (core.Transaction, error)
		ListInvalid(ctx context.Context) ([]core.InvalidTransaction, error)
		Stats(ctx context.Context) (core.Stats, error)
		DailySummaries(ctx context.Context, from, to core.Date) ([]core.DailySummary, error)
		Health(ctx context.Context) services.HealthStatus
	}

	BalanceReader interface {
		BalanceAt(ctx context.Context, t time.Time) (core.Money, error)
		BalancesAt(ctx context.Context, instants []time.Time) (map[time.Time]core.Money, error)
	}

	// RecomputeStatus is reported by /readyz when the process runs
	// recomputations itself.
	RecomputeStatus interface {
		Idle() bool
		LastError() error
	}
)

// Deps groups the services a Server needs. Recompute may be nil.
type Deps struct {
	Writer    TransactionWriter
	Bulk      BulkImporter
	Reader    LedgerReader
	Balances  BalanceReader
	Recompute RecomputeStatus
}

// Options tunes the middleware stack.
type Options struct {
	RequestsPerMinute int
	RequestTimeout    time.Duration
}

func DefaultOptions() Options {
	return Options{
		RequestsPerMinute: 120,
		RequestTimeout:    30 * time.Second,
	}
}

type Server struct {
	http.Server
	deps   Deps
	logger *log.Logger
	now    func() time.Time

	rateLimiter *ratelimit.Limiter
	detector    *security.Detector
	tracer      *trace.Middleware
	startedAt   time.Time

	shutdownOnce sync.Once
}

// NewServer configures routes and middleware, returning a ready-to-run server.
func NewServer(addr string, deps Deps, logger *log.Logger, opts Options) *Server {
	if logger == nil {
		logger = log.New(log.DefaultConfig())
	}
	if opts.RequestsPerMinute <= 0 {
		opts.RequestsPerMinute = DefaultOptions().RequestsPerMinute
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultOptions().RequestTimeout
	}
	logger = logger.WithComponent(log.ComponentHTTP)

	s := &Server{
		deps:      deps,
		logger:    logger,
		now:       time.Now,
		detector:  security.NewDetector(logger.WithComponent(log.ComponentSecurity).Logger),
		startedAt: time.Now(),
		rateLimiter: ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: opts.RequestsPerMinute,
		}),
	}
	s.tracer = trace.NewMiddleware(s.detector.ExtractClientIP)

	mux := http.NewServeMux()
	limited := s.rateLimiter.Middleware(s.detector.ExtractClientIP, func(w http.ResponseWriter, r *http.Request) {
		log.FromContext(r.Context()).WarnContext(r.Context(), "Rate limit exceeded",
			log.FieldClientIP, s.detector.ExtractClientIP(r),
			log.FieldPath, r.URL.Path)
		ErrorResponse(http.StatusTooManyRequests, CodeRateLimited, "rate limit exceeded, retry later").Write(w)
	})
	mutating := func(h http.HandlerFunc) http.Handler { return limited(h) }

	mux.Handle("POST /api/transactions", mutating(s.handleCreateTransaction))
	mux.HandleFunc("GET /api/transactions", s.handleListTransactions)
	mux.Handle("POST /api/transactions/bulk", mutating(s.handleBulkCreate))
	mux.HandleFunc("GET /api/transactions/invalid", s.handleListInvalid)
	mux.HandleFunc("GET /api/transactions/{id}", s.handleGetTransaction)
	mux.Handle("PATCH /api/transactions/{id}", mutating(s.handleUpdateTransaction))
	mux.Handle("PUT /api/transactions/{id}", mutating(s.handleUpdateTransaction))
	mux.Handle("DELETE /api/transactions/{id}", mutating(s.handleDeleteTransaction))

	mux.HandleFunc("GET /api/balance", s.handleBalance)
	mux.HandleFunc("GET /api/balances", s.handleBalances)
	mux.HandleFunc("GET /api/daily-summaries", s.handleDailySummaries)
	mux.HandleFunc("GET /api/stats", s.handleStats)

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)

	headers := security.NewHeadersMiddleware(security.DefaultHeadersConfig())

	var handler http.Handler = mux
	handler = http.TimeoutHandler(handler, opts.RequestTimeout, `{"error":{"code":"timeout","message":"request timed out"}}`)
	handler = headers.Middleware(handler)
	handler = s.detector.Middleware(handler)
	handler = s.tracer.Middleware(handler)
	handler = log.Middleware(logger)(handler)

	s.Server = http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	return s
}

// Shutdown stops accepting requests, waits for in-flight ones and stops the
// rate limiter cleanup.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		s.rateLimiter.Stop()
		shutdownErr = s.Server.Shutdown(ctx)
	})
	return shutdownErr
}
