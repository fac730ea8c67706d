// Package http provides HTTP server and handler implementations.
//
// This file implements the Builder Pattern for constructing JSON responses
// and maps domain errors to status codes in one place.

package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"saldo/internal/core"
	"saldo/internal/log"
)

// JSONResponseBuilder provides a fluent API for building JSON responses.
type JSONResponseBuilder struct {
	statusCode int
	body       any
	headers    map[string]string
}

// NewJSONResponse creates a new response builder with default 200 status.
func NewJSONResponse() *JSONResponseBuilder {
	return &JSONResponseBuilder{
		statusCode: http.StatusOK,
		headers:    make(map[string]string),
	}
}

// Status sets the HTTP status code for the response.
func (b *JSONResponseBuilder) Status(code int) *JSONResponseBuilder {
	b.statusCode = code
	return b
}

// Header adds a custom header to the response.
func (b *JSONResponseBuilder) Header(name, value string) *JSONResponseBuilder {
	b.headers[name] = value
	return b
}

// Body sets the value encoded as the response body.
func (b *JSONResponseBuilder) Body(v any) *JSONResponseBuilder {
	b.body = v
	return b
}

// Write sends the built response to the http.ResponseWriter.
func (b *JSONResponseBuilder) Write(w http.ResponseWriter) {
	for name, value := range b.headers {
		w.Header().Set(name, value)
	}
	if b.body == nil {
		w.WriteHeader(b.statusCode)
		return
	}

	data, err := json.Marshal(b.body)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"code":"internal","message":"failed to encode response"}}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(b.statusCode)
	_, _ = w.Write(append(data, '\n'))
}

// Error codes that are not validation codes.
const (
	CodeInsufficientBalance = "insufficient_balance"
	CodeNotFound            = "not_found"
	CodeRateLimited         = "rate_limited"
	CodeInternal            = "internal"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	Field     string      `json:"field,omitempty"`
	Index     *int        `json:"index,omitempty"`
	Available *core.Money `json:"available,omitempty"`
	Requested *core.Money `json:"requested,omitempty"`
}

// ErrorResponse creates an error response with the standard error body.
func ErrorResponse(statusCode int, code, message string) *JSONResponseBuilder {
	return NewJSONResponse().
		Status(statusCode).
		Body(errorBody{Error: errorDetail{Code: code, Message: message}})
}

// writeError maps err to a status code and error body. Unknown errors are
// logged and reported as 500 without details.
func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	var (
		ve *core.ValidationError
		ie *core.InsufficientBalanceError
		ne *core.NotFoundError
	)
	switch {
	case errors.As(err, &ve):
		detail := errorDetail{Code: ve.Code, Message: ve.Message, Field: ve.Field}
		if ve.Index >= 0 {
			idx := ve.Index
			detail.Index = &idx
		}
		NewJSONResponse().Status(http.StatusBadRequest).Body(errorBody{Error: detail}).Write(w)
	case errors.As(err, &ie):
		available, requested := ie.Available, ie.Requested
		NewJSONResponse().Status(http.StatusBadRequest).Body(errorBody{Error: errorDetail{
			Code:      CodeInsufficientBalance,
			Message:   "amount exceeds the balance available at the transaction timestamp",
			Field:     "amount",
			Available: &available,
			Requested: &requested,
		}}).Write(w)
	case errors.As(err, &ne):
		ErrorResponse(http.StatusNotFound, CodeNotFound, ne.Error()).Write(w)
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to send.
		log.FromContext(ctx).DebugContext(ctx, "Request cancelled", log.FieldError, err)
	default:
		log.FromContext(ctx).ErrorContext(ctx, "Request failed", log.FieldError, err)
		ErrorResponse(http.StatusInternalServerError, CodeInternal, "internal server error").Write(w)
	}
}

// transactionResponse is the wire form of a transaction.
type transactionResponse struct {
	ID        int64      `json:"id"`
	Timestamp time.Time  `json:"timestamp"`
	Type      string     `json:"type"`
	Amount    core.Money `json:"amount"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func toTransactionResponse(tx core.Transaction) transactionResponse {
	return transactionResponse{
		ID:        tx.ID,
		Timestamp: tx.Timestamp.UTC(),
		Type:      string(tx.Type),
		Amount:    tx.Amount,
		CreatedAt: tx.CreatedAt.UTC(),
		UpdatedAt: tx.UpdatedAt.UTC(),
	}
}

func toTransactionResponses(txs []core.Transaction) []transactionResponse {
	out := make([]transactionResponse, len(txs))
	for i, tx := range txs {
		out[i] = toTransactionResponse(tx)
	}
	return out
}

type pageResponse struct {
	Data         []transactionResponse `json:"data"`
	NextCursor   *int64                `json:"next_cursor"`
	HasMore      bool                  `json:"has_more"`
	InvalidCount int64                 `json:"invalid_count"`
}

type balanceResponse struct {
	At           time.Time  `json:"at"`
	Balance      core.Money `json:"balance"`
	BalanceCents int64      `json:"balance_cents"`
}

func toBalanceResponse(at time.Time, m core.Money) balanceResponse {
	return balanceResponse{At: at.UTC(), Balance: m, BalanceCents: m.Cents}
}
