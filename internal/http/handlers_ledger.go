package http

import (
	"context"
	"net/http"
	"sort"
	"time"

	"saldo/internal/core"
)

const timeLayout = time.RFC3339Nano

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	at, err := ParseInstant("at", r.URL.Query().Get("at"), s.now())
	if err != nil {
		writeError(ctx, w, err)
		return
	}

	balance, err := s.deps.Balances.BalanceAt(ctx, at)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	NewJSONResponse().Body(toBalanceResponse(at, balance)).Write(w)
}

type balancesResponse struct {
	Data []balanceResponse `json:"data"`
}

// handleBalances answers every at= value in one pass. Results are ordered by
// instant and deduplicated.
func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	instants, err := ParseInstants(r.URL.Query())
	if err != nil {
		writeError(ctx, w, err)
		return
	}

	balances, err := s.deps.Balances.BalancesAt(ctx, instants)
	if err != nil {
		writeError(ctx, w, err)
		return
	}

	out := make([]balanceResponse, 0, len(balances))
	for at, m := range balances {
		out = append(out, toBalanceResponse(at, m))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	NewJSONResponse().Body(balancesResponse{Data: out}).Write(w)
}

type summariesResponse struct {
	From string              `json:"from"`
	To   string              `json:"to"`
	Data []core.DailySummary `json:"data"`
}

func (s *Server) handleDailySummaries(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	from, to, err := ParseDateRange(r.URL.Query(), s.now())
	if err != nil {
		writeError(ctx, w, err)
		return
	}

	rows, err := s.deps.Reader.DailySummaries(ctx, from, to)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	NewJSONResponse().Body(summariesResponse{From: from.String(), To: to.String(), Data: rows}).Write(w)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	stats, err := s.deps.Reader.Stats(ctx)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	NewJSONResponse().Body(stats).Write(w)
}

type healthResponse struct {
	Status    string    `json:"status"`
	Database  string    `json:"database"`
	Cache     string    `json:"cache"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
}

// handleHealth reports store and cache reachability. Only an unreachable
// store makes the service unhealthy.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	health := s.deps.Reader.Health(ctx)
	resp := healthResponse{
		Status:    "ok",
		Database:  checkStatus(health.Database),
		Cache:     checkStatus(health.Cache),
		Timestamp: s.now().UTC(),
		Uptime:    time.Since(s.startedAt).Round(time.Second).String(),
	}
	status := http.StatusOK
	switch {
	case health.Database != nil:
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	case health.Cache != nil:
		resp.Status = "degraded"
	}
	NewJSONResponse().Status(status).Body(resp).Write(w)
}

func checkStatus(err error) string {
	if err != nil {
		return "unreachable"
	}
	return "ok"
}

// handleReady reports readiness with the recompute queue and middleware
// counters attached.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := map[string]any{
		"rate_limiter": s.rateLimiter.GetMetrics(),
		"security":     s.detector.GetMetrics(),
		"requests":     s.tracer.GetMetrics(),
	}
	if rs := s.deps.Recompute; rs != nil {
		recompute := map[string]any{"idle": rs.Idle()}
		if err := rs.LastError(); err != nil {
			recompute["last_error"] = err.Error()
		}
		checks["recompute"] = recompute
	}

	NewJSONResponse().Body(map[string]any{
		"status":    "ready",
		"timestamp": s.now().UTC().Format(time.RFC3339),
		"checks":    checks,
	}).Write(w)
}
