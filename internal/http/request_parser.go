// Package http provides HTTP server and handler implementations.
//
// This file implements utilities for decoding and validating request data:
// JSON bodies, path ids, cursors and instant or date query parameters.

package http

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"saldo/internal/core"
)

const (
	maxBodyBytes     = 1 << 20
	maxBulkBodyBytes = 16 << 20
	maxBalanceAt     = 500
)

// flexString accepts a JSON string or a bare JSON number and keeps its
// textual form, so amounts like 12.3 and "12.30" both reach validation
// unchanged.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*f = ""
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("expected a string or a number")
		}
		*f = flexString(n.String())
	}
	return nil
}

// transactionRequest is the body of create, update and bulk requests.
// Pointers distinguish omitted fields from empty ones.
type transactionRequest struct {
	Timestamp *flexString `json:"timestamp"`
	Type      *flexString `json:"type"`
	Amount    *flexString `json:"amount"`
}

func (r transactionRequest) input() core.TransactionInput {
	return core.TransactionInput{
		Timestamp: deref(r.Timestamp),
		Type:      deref(r.Type),
		Amount:    deref(r.Amount),
	}
}

func (r transactionRequest) patch() core.TransactionPatch {
	return core.TransactionPatch{
		Timestamp: optional(r.Timestamp),
		Type:      optional(r.Type),
		Amount:    optional(r.Amount),
	}
}

func deref(f *flexString) string {
	if f == nil {
		return ""
	}
	return sanitizeInput(string(*f))
}

func optional(f *flexString) *string {
	if f == nil {
		return nil
	}
	s := sanitizeInput(string(*f))
	return &s
}

// decodeJSON reads exactly one JSON value from the body into v. Any failure
// is reported as an invalid_body validation error.
func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			return core.NewValidationError("body", core.CodeInvalidBody, fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit))
		case errors.Is(err, io.EOF):
			return core.NewValidationError("body", core.CodeInvalidBody, "request body is empty")
		default:
			return core.NewValidationError("body", core.CodeInvalidBody, "request body is not valid JSON: "+err.Error())
		}
	}
	if dec.More() {
		return core.NewValidationError("body", core.CodeInvalidBody, "request body must hold a single JSON value")
	}
	return nil
}

// ParsePathID parses the {id} path segment.
func ParsePathID(r *http.Request) (int64, error) {
	raw := strings.TrimSpace(r.PathValue("id"))
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, core.NewValidationError("id", core.CodeInvalidBody, "id must be a positive integer")
	}
	return id, nil
}

// PageParams holds the parsed listing parameters.
type PageParams struct {
	Cursor *int64
	Limit  int
}

// ParsePageParams reads cursor and limit. An unparsable limit falls back to
// the default; an unparsable cursor is an error.
func ParsePageParams(query url.Values) (PageParams, error) {
	var p PageParams
	if v := strings.TrimSpace(query.Get("cursor")); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			return p, core.NewValidationError("cursor", core.CodeInvalidCursor, "cursor must be a transaction id")
		}
		p.Cursor = &id
	}
	if v := strings.TrimSpace(query.Get("limit")); v != "" {
		if l, err := strconv.Atoi(v); err == nil {
			p.Limit = l
		}
	}
	return p, nil
}

// ParseInstant parses an instant query value. Empty yields now.
func ParseInstant(field, value string, now time.Time) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return core.NormalizeInstant(now), nil
	}
	t, ok := core.ParseTimestamp(value)
	if !ok {
		return time.Time{}, core.NewValidationError(field, core.CodeInvalidTimestamp, field+" is not a valid instant")
	}
	return t, nil
}

// ParseInstants parses every repeated at= value. At least one is required.
func ParseInstants(query url.Values) ([]time.Time, error) {
	values := query["at"]
	if len(values) == 0 {
		return nil, core.NewValidationError("at", core.CodeMissingField, "at is required")
	}
	if len(values) > maxBalanceAt {
		return nil, core.NewValidationError("at", core.CodeInvalidBody, fmt.Sprintf("at accepts at most %d values", maxBalanceAt))
	}
	out := make([]time.Time, 0, len(values))
	for _, v := range values {
		if strings.TrimSpace(v) == "" {
			return nil, core.NewValidationError("at", core.CodeInvalidTimestamp, "at must not be empty")
		}
		t, err := ParseInstant("at", v, time.Time{})
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// ParseDateRange reads from and to as YYYY-MM-DD. Missing from defaults to 30
// days before to; missing to defaults to today.
func ParseDateRange(query url.Values, now time.Time) (core.Date, core.Date, error) {
	to := core.DateOf(now)
	if v := strings.TrimSpace(query.Get("to")); v != "" {
		d, err := core.ParseDate(v)
		if err != nil {
			return core.Date{}, core.Date{}, core.NewValidationError("to", core.CodeInvalidTimestamp, "to must be a date (YYYY-MM-DD)")
		}
		to = d
	}
	from := core.DateOf(to.Start().AddDate(0, 0, -30))
	if v := strings.TrimSpace(query.Get("from")); v != "" {
		d, err := core.ParseDate(v)
		if err != nil {
			return core.Date{}, core.Date{}, core.NewValidationError("from", core.CodeInvalidTimestamp, "from must be a date (YYYY-MM-DD)")
		}
		from = d
	}
	return from, to, nil
}

// sanitizeInput removes control characters and trims whitespace.
func sanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		if r < 32 && r != 9 && r != 10 && r != 13 {
			return -1
		}
		return r
	}, s)
}
