package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"saldo/internal/backend"
	"saldo/internal/log"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testInstant() time.Time {
	return time.Date(2024, 6, 10, 9, 0, 0, 0, time.UTC)
}

type testServer struct {
	*Server
	ledger *backend.Ledger
}

func newTestServer(t *testing.T, opts Options) *testServer {
	t.Helper()
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	ctx := context.Background()
	ledger, err := backend.NewFactory(quiet).CreateLedger(ctx, backend.Config{
		Type:                 backend.MemoryBackend,
		Role:                 backend.RoleServer,
		RecomputeMaxAttempts: 2,
		BalanceCacheTTL:      time.Minute,
		AggregateCacheTTL:    time.Minute,
		CacheMaxEntries:      1000,
		DetectorPageSize:     50,
		BulkBatchSize:        10,
	})
	require.NoError(t, err)
	require.NoError(t, ledger.Start(ctx))

	logger := log.New(log.Config{Level: slog.LevelError, Format: "text", Output: io.Discard})
	srv := NewServer(":0", Deps{
		Writer:    ledger.Guard,
		Bulk:      ledger.Bulk,
		Reader:    ledger.Queries,
		Balances:  ledger.Oracle,
		Recompute: ledger.Local,
	}, logger, opts)

	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(stopCtx)
		assert.NoError(t, ledger.Close(stopCtx, quiet))
	})
	return &testServer{Server: srv, ledger: ledger}
}

func (ts *testServer) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	req.RemoteAddr = "192.0.2.10:4321"
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	ts.Handler.ServeHTTP(rr, req)
	return rr
}

func (ts *testServer) settle(t *testing.T) {
	t.Helper()
	require.Eventually(t, ts.ledger.Local.Idle, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, ts.ledger.Local.LastError())
}

func (ts *testServer) create(t *testing.T, timestamp, txType, amount string) transactionResponse {
	t.Helper()
	rr := ts.do(t, http.MethodPost, "/api/transactions",
		fmt.Sprintf(`{"timestamp":%q,"type":%q,"amount":%q}`, timestamp, txType, amount))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var tx transactionResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &tx))
	return tx
}

func decodeInto(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), v), rr.Body.String())
}

func TestCreateTransaction(t *testing.T) {
	ts := newTestServer(t, DefaultOptions())

	tx := ts.create(t, "2024-06-10T11:00:00+02:00", "in", "12.3")
	assert.Positive(t, tx.ID)
	assert.Equal(t, "IN", tx.Type)
	assert.Equal(t, int64(1230), tx.Amount.Cents)
	assert.Equal(t, testInstant(), tx.Timestamp)

	rr := ts.do(t, http.MethodGet, fmt.Sprintf("/api/transactions/%d", tx.ID), "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"amount":"12.30"`)
}

func TestCreateTransaction_Validation(t *testing.T) {
	ts := newTestServer(t, DefaultOptions())
	future := time.Now().Add(48 * time.Hour).UTC().Format(time.RFC3339)

	tests := []struct {
		name  string
		body  string
		code  string
		field string
	}{
		{"missing amount", `{"timestamp":"2024-06-10T09:00:00Z","type":"IN"}`, "missing_field", "amount"},
		{"bad type", `{"timestamp":"2024-06-10T09:00:00Z","type":"SIDEWAYS","amount":"1"}`, "invalid_type", "type"},
		{"bad timestamp", `{"timestamp":"tomorrow","type":"IN","amount":"1"}`, "invalid_timestamp", "timestamp"},
		{"future", `{"timestamp":"` + future + `","type":"IN","amount":"1"}`, "future_timestamp", "timestamp"},
		{"zero amount", `{"timestamp":"2024-06-10T09:00:00Z","type":"IN","amount":0}`, "non_positive_amount", "amount"},
		{"not a number", `{"timestamp":"2024-06-10T09:00:00Z","type":"IN","amount":"ten"}`, "invalid_amount", "amount"},
		{"not json", `type=IN`, "invalid_body", "body"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := ts.do(t, http.MethodPost, "/api/transactions", tt.body)
			require.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())
			var body decodedError
			decodeInto(t, rr, &body)
			assert.Equal(t, tt.code, body.Error.Code)
			assert.Equal(t, tt.field, body.Error.Field)
		})
	}
}

func TestCreateTransaction_InsufficientBalance(t *testing.T) {
	ts := newTestServer(t, DefaultOptions())
	ts.create(t, "2024-06-10T09:00:00Z", "IN", "50.00")

	// Money that arrives later cannot fund an earlier withdrawal.
	ts.create(t, "2024-06-12T09:00:00Z", "IN", "500.00")
	rr := ts.do(t, http.MethodPost, "/api/transactions",
		`{"timestamp":"2024-06-11T09:00:00Z","type":"OUT","amount":"80.00"}`)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	var body decodedError
	decodeInto(t, rr, &body)
	assert.Equal(t, CodeInsufficientBalance, body.Error.Code)
	assert.Equal(t, "50.00", body.Error.Available)
	assert.Equal(t, "80.00", body.Error.Requested)

	ts.create(t, "2024-06-11T09:00:00Z", "OUT", "50.00")
}

func TestUpdateAndDeleteTransaction(t *testing.T) {
	ts := newTestServer(t, DefaultOptions())
	in := ts.create(t, "2024-06-10T09:00:00Z", "IN", "100.00")
	out := ts.create(t, "2024-06-11T09:00:00Z", "OUT", "60.00")

	rr := ts.do(t, http.MethodPatch, fmt.Sprintf("/api/transactions/%d", out.ID), `{"amount":"150.00"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())
	var rejected decodedError
	decodeInto(t, rr, &rejected)
	assert.Equal(t, "100.00", rejected.Error.Available, "the entry being edited is excluded")

	rr = ts.do(t, http.MethodPatch, fmt.Sprintf("/api/transactions/%d", out.ID), `{"amount":"100.00"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var updated transactionResponse
	decodeInto(t, rr, &updated)
	assert.Equal(t, int64(10000), updated.Amount.Cents)
	assert.Equal(t, "OUT", updated.Type)
	assert.Equal(t, out.Timestamp, updated.Timestamp)

	rr = ts.do(t, http.MethodPut, fmt.Sprintf("/api/transactions/%d", out.ID), `{"type":"IN"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = ts.do(t, http.MethodDelete, fmt.Sprintf("/api/transactions/%d", in.ID), "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var deleted deleteResponse
	decodeInto(t, rr, &deleted)
	assert.True(t, deleted.Deleted)
	assert.Equal(t, in.ID, deleted.Transaction.ID)

	for _, method := range []string{http.MethodGet, http.MethodDelete} {
		rr = ts.do(t, method, fmt.Sprintf("/api/transactions/%d", in.ID), "")
		assert.Equal(t, http.StatusNotFound, rr.Code, method)
	}
	rr = ts.do(t, http.MethodPatch, "/api/transactions/999", `{"amount":"1"}`)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestListTransactions_Pagination(t *testing.T) {
	ts := newTestServer(t, DefaultOptions())
	for i := 0; i < 5; i++ {
		ts.create(t, testInstant().Add(time.Duration(i)*time.Hour).Format(time.RFC3339), "IN", "1.00")
	}

	var seen []int64
	target := "/api/transactions?limit=2"
	for pages := 0; pages < 5; pages++ {
		rr := ts.do(t, http.MethodGet, target, "")
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		var page pageResponse
		decodeInto(t, rr, &page)
		for _, tx := range page.Data {
			seen = append(seen, tx.ID)
		}
		if !page.HasMore {
			assert.Nil(t, page.NextCursor)
			break
		}
		require.NotNil(t, page.NextCursor)
		target = fmt.Sprintf("/api/transactions?limit=2&cursor=%d", *page.NextCursor)
	}

	require.Len(t, seen, 5)
	for i := 1; i < len(seen); i++ {
		assert.Greater(t, seen[i-1], seen[i], "newest first")
	}

	rr := ts.do(t, http.MethodGet, "/api/transactions?cursor=12345", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestBulkCreate(t *testing.T) {
	ts := newTestServer(t, DefaultOptions())

	rr := ts.do(t, http.MethodPost, "/api/transactions/bulk", `[
		{"timestamp":"2024-06-10T09:00:00Z","type":"IN","amount":"10.00"},
		{"timestamp":"2024-06-10T10:00:00Z","type":"MAYBE","amount":"1.00"}
	]`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	var failed decodedError
	decodeInto(t, rr, &failed)
	require.NotNil(t, failed.Error.Index)
	assert.Equal(t, 1, *failed.Error.Index)

	body := `[
		{"timestamp":"2024-06-10T09:00:00Z","type":"IN","amount":"10.00"},
		{"timestamp":"2024-06-09T09:00:00Z","type":"OUT","amount":"4.00"},
		{"timestamp":"2024-06-10T09:00:00Z","type":"IN","amount":"10.00"}
	]`
	rr = ts.do(t, http.MethodPost, "/api/transactions/bulk", body)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var created bulkResponse
	decodeInto(t, rr, &created)
	assert.Equal(t, 2, created.Created, "exact duplicates are skipped")

	ts.settle(t)

	// The OUT precedes any deposit, so the detector flags it.
	rr = ts.do(t, http.MethodGet, "/api/transactions/invalid", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var invalid struct {
		Count int `json:"count"`
	}
	decodeInto(t, rr, &invalid)
	assert.Equal(t, 1, invalid.Count)

	rr = ts.do(t, http.MethodGet, "/api/transactions", "")
	var page pageResponse
	decodeInto(t, rr, &page)
	assert.Equal(t, int64(1), page.InvalidCount)
}

func TestBalanceEndpoints(t *testing.T) {
	ts := newTestServer(t, DefaultOptions())
	ts.create(t, "2024-06-10T09:00:00Z", "IN", "100.00")
	ts.create(t, "2024-06-11T09:00:00Z", "OUT", "25.50")

	rr := ts.do(t, http.MethodGet, "/api/balance?at=2024-06-10T12:00:00Z", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var single balanceResponse
	decodeInto(t, rr, &single)
	assert.Equal(t, int64(10000), single.BalanceCents)

	rr = ts.do(t, http.MethodGet, "/api/balance", "")
	decodeInto(t, rr, &single)
	assert.Equal(t, int64(7450), single.BalanceCents, "defaults to now")

	rr = ts.do(t, http.MethodGet,
		"/api/balances?at=2024-06-12T00:00:00Z&at=2024-06-09T00:00:00Z&at=2024-06-10T09:00:00Z", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var many balancesResponse
	decodeInto(t, rr, &many)
	require.Len(t, many.Data, 3)
	assert.Equal(t, int64(0), many.Data[0].BalanceCents)
	assert.Equal(t, int64(10000), many.Data[1].BalanceCents, "the instant itself is included")
	assert.Equal(t, int64(7450), many.Data[2].BalanceCents)

	rr = ts.do(t, http.MethodGet, "/api/balances", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	rr = ts.do(t, http.MethodGet, "/api/balance?at=soon", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestDailySummariesAndStats(t *testing.T) {
	ts := newTestServer(t, DefaultOptions())
	ts.create(t, "2024-06-10T09:00:00Z", "IN", "100.00")
	ts.create(t, "2024-06-11T09:00:00Z", "OUT", "25.00")
	ts.settle(t)

	rr := ts.do(t, http.MethodGet, "/api/daily-summaries?from=2024-06-10&to=2024-06-11", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var summaries struct {
		Data []struct {
			Date          string `json:"date"`
			Balance       string `json:"balance"`
			PercentChange string `json:"percent_change"`
		} `json:"data"`
	}
	decodeInto(t, rr, &summaries)
	require.Len(t, summaries.Data, 2)
	assert.Equal(t, "2024-06-10", summaries.Data[0].Date)
	assert.Equal(t, "100.00", summaries.Data[0].Balance)
	assert.Equal(t, "75.00", summaries.Data[1].Balance)
	assert.Equal(t, "-25", summaries.Data[1].PercentChange)

	rr = ts.do(t, http.MethodGet, "/api/daily-summaries?from=2024-06-11&to=2024-06-10", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ts.do(t, http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var stats struct {
		Total          int64  `json:"total"`
		CurrentBalance string `json:"current_balance"`
		In             struct {
			Count int64  `json:"count"`
			Sum   string `json:"sum"`
		} `json:"in"`
	}
	decodeInto(t, rr, &stats)
	assert.Equal(t, int64(2), stats.Total)
	assert.Equal(t, "75.00", stats.CurrentBalance)
	assert.Equal(t, int64(1), stats.In.Count)
	assert.Equal(t, "100.00", stats.In.Sum)
}

func TestHealthAndReady(t *testing.T) {
	ts := newTestServer(t, DefaultOptions())

	rr := ts.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var health healthResponse
	decodeInto(t, rr, &health)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "ok", health.Database)
	assert.Equal(t, "ok", health.Cache)

	rr = ts.do(t, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var ready struct {
		Status string                     `json:"status"`
		Checks map[string]json.RawMessage `json:"checks"`
	}
	decodeInto(t, rr, &ready)
	assert.Equal(t, "ready", ready.Status)
	assert.Contains(t, ready.Checks, "recompute")
	assert.Contains(t, ready.Checks, "rate_limiter")
}

func TestMutationsAreRateLimited(t *testing.T) {
	ts := newTestServer(t, Options{RequestsPerMinute: 2})
	body := `{"timestamp":"2024-06-10T09:00:00Z","type":"IN","amount":"1.00"}`

	for i := 0; i < 2; i++ {
		rr := ts.do(t, http.MethodPost, "/api/transactions", body)
		require.Equal(t, http.StatusCreated, rr.Code)
	}
	rr := ts.do(t, http.MethodPost, "/api/transactions", body)
	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "60", rr.Header().Get("Retry-After"))
	var limited decodedError
	decodeInto(t, rr, &limited)
	assert.Equal(t, CodeRateLimited, limited.Error.Code)

	// Reads are not limited.
	rr = ts.do(t, http.MethodGet, "/api/transactions", "")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestMiddlewareHeaders(t *testing.T) {
	ts := newTestServer(t, DefaultOptions())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "client-abc.1")
	rr := httptest.NewRecorder()
	ts.Handler.ServeHTTP(rr, req)

	assert.Equal(t, "client-abc.1", rr.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rr.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-store", rr.Header().Get("Cache-Control"))
	assert.Empty(t, rr.Header().Get("Strict-Transport-Security"))

	rr = ts.do(t, "TRACE", "/api/transactions", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)

	rr = ts.do(t, http.MethodGet, "/api/nothing-here", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestBulkCreate_BodyTooLarge(t *testing.T) {
	ts := newTestServer(t, DefaultOptions())
	var buf bytes.Buffer
	buf.WriteString(`[{"timestamp":"2024-06-10T09:00:00Z","type":"IN","amount":"1.00","pad":"`)
	buf.WriteString(strings.Repeat("x", maxBulkBodyBytes))
	buf.WriteString(`"}]`)

	rr := ts.do(t, http.MethodPost, "/api/transactions/bulk", buf.String())
	require.Equal(t, http.StatusBadRequest, rr.Code)
	var body decodedError
	decodeInto(t, rr, &body)
	assert.Equal(t, "invalid_body", body.Error.Code)
}
