package core

import (
	"math"
	"strings"
	"time"
)

const (
	TxIn  TxType = "IN"
	TxOut TxType = "OUT"
)

type (
	// TxType is the direction of a transaction.
	TxType string

	Transaction struct {
		ID        int64
		Timestamp time.Time
		Type      TxType
		Amount    Money
		CreatedAt time.Time
		UpdatedAt time.Time
	}

	// TransactionInput is a candidate transaction as received from a caller.
	// Fields are raw strings; ValidateInput turns them into a Transaction.
	TransactionInput struct {
		Timestamp string
		Type      string
		Amount    string
	}

	// TransactionPatch carries the fields of a partial update. Nil means "keep".
	TransactionPatch struct {
		Timestamp *string
		Type      *string
		Amount    *string
	}

	// InvalidTransaction marks a transaction that would have driven the
	// running balance below zero when the log is replayed in order.
	InvalidTransaction struct {
		TransactionID int64     `json:"transaction_id"`
		Reason        string    `json:"reason"`
		DetectedAt    time.Time `json:"detected_at"`
	}

	// Position is a keyset cursor over the log ordered by (Timestamp, ID).
	Position struct {
		Timestamp time.Time
		ID        int64
	}
)

// PositionOf returns the log position of t.
func PositionOf(t Transaction) Position {
	return Position{Timestamp: t.Timestamp, ID: t.ID}
}

// Valid reports whether t is IN or OUT.
func (t TxType) Valid() bool {
	return t == TxIn || t == TxOut
}

// Signed returns the contribution of the transaction to the balance.
func (t Transaction) Signed() int64 {
	if t.Type == TxOut {
		return -t.Amount.Cents
	}
	return t.Amount.Cents
}

// SameContent reports full-field equality ignoring identity and audit columns.
// The bulk loader uses it to skip exact duplicates.
func (t Transaction) SameContent(o Transaction) bool {
	return t.Timestamp.Equal(o.Timestamp) && t.Type == o.Type && t.Amount == o.Amount
}

// ParseTxType accepts "IN"/"OUT" in any case.
func ParseTxType(s string) (TxType, bool) {
	tt := TxType(strings.ToUpper(strings.TrimSpace(s)))
	return tt, tt.Valid()
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// Instants are stored and keyed as Unix nanoseconds, so only the int64 range
// of UnixNano is representable (1677-09-21 to 2262-04-11).
var (
	MinInstant = time.Unix(0, math.MinInt64).UTC()
	MaxInstant = time.Unix(0, math.MaxInt64).UTC()
)

// InRange reports whether t can be stored without wrapping.
func InRange(t time.Time) bool {
	return !t.Before(MinInstant) && !t.After(MaxInstant)
}

// UnixNanos returns t as Unix nanoseconds, saturating at the bounds of the
// representable range instead of wrapping.
func UnixNanos(t time.Time) int64 {
	switch {
	case t.Before(MinInstant):
		return math.MinInt64
	case t.After(MaxInstant):
		return math.MaxInt64
	}
	return t.UnixNano()
}

// ParseTimestamp parses an instant. Inputs without a zone are read as UTC.
// The result is in UTC with the monotonic reading stripped. Instants outside
// [MinInstant, MaxInstant] are rejected.
func ParseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			if !InRange(ts) {
				return time.Time{}, false
			}
			return NormalizeInstant(ts), true
		}
	}
	return time.Time{}, false
}

// NormalizeInstant converts t to UTC and drops the monotonic clock so instants
// compare and hash by wall time only.
func NormalizeInstant(t time.Time) time.Time {
	return t.UTC().Round(0)
}

// ValidateInput checks a candidate transaction against now and returns the
// parsed transaction. The first failing field is reported.
func ValidateInput(in TransactionInput, now time.Time) (Transaction, error) {
	var tx Transaction

	if strings.TrimSpace(in.Timestamp) == "" {
		return tx, NewValidationError("timestamp", CodeMissingField, "timestamp is required")
	}
	if strings.TrimSpace(in.Type) == "" {
		return tx, NewValidationError("type", CodeMissingField, "type is required")
	}
	if strings.TrimSpace(in.Amount) == "" {
		return tx, NewValidationError("amount", CodeMissingField, "amount is required")
	}

	ts, ok := ParseTimestamp(in.Timestamp)
	if !ok {
		return tx, NewValidationError("timestamp", CodeInvalidTimestamp,
			"timestamp is not a valid instant between "+MinInstant.Format(time.DateOnly)+" and "+MaxInstant.Format(time.DateOnly))
	}
	if ts.After(now) {
		return tx, NewValidationError("timestamp", CodeFutureTimestamp, "timestamp is in the future")
	}

	tt, ok := ParseTxType(in.Type)
	if !ok {
		return tx, NewValidationError("type", CodeInvalidType, "type must be IN or OUT")
	}

	cents, err := ParseAmount(in.Amount)
	switch err {
	case nil:
	case ErrNonPositiveAmount:
		return tx, NewValidationError("amount", CodeNonPositiveAmount, "amount must be greater than zero")
	default:
		return tx, NewValidationError("amount", CodeInvalidAmount, "amount is not a valid number")
	}

	tx.Timestamp = ts
	tx.Type = tt
	tx.Amount = Money{Cents: cents}
	return tx, nil
}

// Apply merges the patch over the existing transaction and returns the input
// to validate. Omitted fields take the existing values.
func (p TransactionPatch) Apply(existing Transaction) TransactionInput {
	in := TransactionInput{
		Timestamp: existing.Timestamp.Format(time.RFC3339Nano),
		Type:      string(existing.Type),
		Amount:    existing.Amount.String(),
	}
	if p.Timestamp != nil {
		in.Timestamp = *p.Timestamp
	}
	if p.Type != nil {
		in.Type = *p.Type
	}
	if p.Amount != nil {
		in.Amount = *p.Amount
	}
	return in
}

// IsEmpty reports whether the patch changes nothing.
func (p TransactionPatch) IsEmpty() bool {
	return p.Timestamp == nil && p.Type == nil && p.Amount == nil
}
