package log

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bufferLogger(format string, level slog.Level) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Output = &buf
	cfg.Format = format
	cfg.Level = level
	cfg.Component = ComponentLedger
	return New(cfg), &buf
}

func TestNew_JSON(t *testing.T) {
	logger, buf := bufferLogger("json", slog.LevelInfo)
	logger.Info("Transaction created", FieldTransactionID, int64(7))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "Transaction created", entry["msg"])
	assert.Equal(t, ComponentLedger, entry[FieldComponent])
	assert.Equal(t, float64(7), entry[FieldTransactionID])
	assert.Equal(t, ComponentLedger, logger.Component())
}

func TestNew_TextRespectsLevel(t *testing.T) {
	logger, buf := bufferLogger("text", slog.LevelWarn)
	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "msg=shown")
	assert.Contains(t, out, "component=ledger")
}

func TestNew_DefaultComponent(t *testing.T) {
	logger := New(Config{Output: &bytes.Buffer{}})
	assert.Equal(t, ComponentApp, logger.Component())
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{" error ", slog.LevelError},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestLogger_WithComponent(t *testing.T) {
	logger, buf := bufferLogger("json", slog.LevelInfo)
	child := logger.WithComponent(ComponentDetector).With(FieldRunID, "run-1")
	child.Info("Detector finished")

	assert.Equal(t, ComponentDetector, child.Component())
	assert.Equal(t, ComponentLedger, logger.Component(), "parent is unchanged")
	assert.Contains(t, buf.String(), `"run_id":"run-1"`)
	assert.Contains(t, buf.String(), `"component":"detector"`)
}

func TestFromContext_Default(t *testing.T) {
	logger := FromContext(context.Background())
	require.NotNil(t, logger)
	assert.Equal(t, ComponentApp, logger.Component())
}

func TestMiddlewareChain(t *testing.T) {
	logger, buf := bufferLogger("json", slog.LevelInfo)

	var got *Logger
	handler := Middleware(logger)(
		ComponentMiddleware(ComponentHTTP)(
			RequestIDMiddleware(func(r *http.Request) string { return "req-42" })(
				http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					got = FromContext(r.Context())
					got.InfoContext(r.Context(), "handled")
				}),
			),
		),
	)

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/stats", nil))

	require.NotNil(t, got)
	assert.Equal(t, ComponentHTTP, got.Component())
	assert.Contains(t, buf.String(), `"request_id":"req-42"`)
}

func TestStructuredLogger(t *testing.T) {
	logger, buf := bufferLogger("json", slog.LevelInfo)
	sl := NewStructuredLogger(logger)
	ctx := context.Background()
	req := httptest.NewRequest(http.MethodPost, "/api/transactions?x=1", nil)

	sl.LogHTTPStart(ctx, req, "10.0.0.1")
	sl.LogHTTPEnd(ctx, req, http.StatusInternalServerError, 12, "10.0.0.1")
	sl.LogMutation(ctx, OpCreate, 3, "OUT", 1250, "2024-06-10T09:00:00Z")
	sl.LogError(ctx, "Recompute failed", errors.New("disk full"), OpRecompute, nil)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)

	var end map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &end))
	assert.Equal(t, "ERROR", end["level"])
	assert.Equal(t, float64(500), end[FieldStatusCode])
	assert.Equal(t, false, end[FieldSuccess])

	assert.Contains(t, lines[2], `"amount_cents":1250`)
	assert.Contains(t, lines[2], `"operation":"create"`)
	assert.Contains(t, lines[3], `"error":"disk full"`)
}
