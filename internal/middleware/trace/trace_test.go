package trace

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"saldo/internal/log"
)

func TestMiddleware_AssignsRequestID(t *testing.T) {
	var seen string
	m := NewMiddleware(func(r *http.Request) string { return "203.0.113.7" })
	handler := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
		w.WriteHeader(http.StatusCreated)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/transactions", nil))

	require.NotEmpty(t, seen)
	_, err := uuid.Parse(seen)
	assert.NoError(t, err)
	assert.Equal(t, seen, rr.Header().Get(RequestIDHeader))
	assert.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, int64(1), m.GetMetrics().TotalRequests)
}

func TestMiddleware_ReusesIncomingRequestID(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
		reused   bool
	}{
		{"well formed", "client-abc_123", true},
		{"too long", strings.Repeat("a", maxRequestIDLength+1), false},
		{"bad characters", "id with spaces", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewMiddleware(nil).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
			req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
			req.Header.Set(RequestIDHeader, tt.incoming)
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if tt.reused {
				assert.Equal(t, tt.incoming, rr.Header().Get(RequestIDHeader))
			} else {
				assert.NotEqual(t, tt.incoming, rr.Header().Get(RequestIDHeader))
			}
		})
	}
}

func TestMiddleware_LogsWithRequestScopedLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := log.DefaultConfig()
	cfg.Output = &buf
	cfg.Format = "json"
	base := log.New(cfg)

	var fromHandler *log.Logger
	handler := log.Middleware(base)(NewMiddleware(nil).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fromHandler = log.FromContext(r.Context())
		http.Error(w, "missing", http.StatusNotFound)
	})))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/transactions/9", nil))

	require.NotNil(t, fromHandler)
	out := buf.String()
	assert.Contains(t, out, `"msg":"HTTP request started"`)
	assert.Contains(t, out, `"msg":"HTTP request completed"`)
	assert.Contains(t, out, `"level":"WARN"`, "4xx completes at warn")
	assert.Contains(t, out, `"request_id":"`+rr.Header().Get(RequestIDHeader)+`"`)
	assert.Contains(t, out, `"status_code":404`)
}

func TestGetRequestID_Missing(t *testing.T) {
	assert.Empty(t, GetRequestID(context.Background()))
}

func TestGetMetrics_Empty(t *testing.T) {
	m := NewMiddleware(nil)
	assert.Equal(t, Metrics{}, m.GetMetrics())
}
