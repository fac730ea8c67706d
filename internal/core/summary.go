package core

import (
	"time"

	"github.com/shopspring/decimal"
)

const dateLayout = "2006-01-02"

// Date is a UTC calendar day.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf returns the UTC calendar day containing t.
func DateOf(t time.Time) Date {
	y, m, d := t.UTC().Date()
	return Date{Year: y, Month: m, Day: d}
}

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return Date{}, err
	}
	return DateOf(t), nil
}

// Start returns midnight UTC of the day.
func (d Date) Start() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

// End returns the last representable instant of the day.
func (d Date) End() time.Time {
	return d.Next().Start().Add(-time.Nanosecond)
}

// Next returns the following day.
func (d Date) Next() Date { return DateOf(d.Start().AddDate(0, 0, 1)) }

// Prev returns the preceding day.
func (d Date) Prev() Date { return DateOf(d.Start().AddDate(0, 0, -1)) }

// Before reports whether d is strictly earlier than o.
func (d Date) Before(o Date) bool { return d.Start().Before(o.Start()) }

// After reports whether d is strictly later than o.
func (d Date) After(o Date) bool { return d.Start().After(o.Start()) }

func (d Date) String() string { return d.Start().Format(dateLayout) }

func (d Date) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Date) UnmarshalText(b []byte) error {
	v, err := ParseDate(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

type (
	// DailySummary is the derived end-of-day view for one UTC day.
	DailySummary struct {
		Date             Date            `json:"date"`
		Balance          Money           `json:"balance"`
		InAmount         Money           `json:"in_amount"`
		OutAmount        Money           `json:"out_amount"`
		PercentChange    decimal.Decimal `json:"percent_change"`
		TransactionCount int64           `json:"transaction_count"`
		UpdatedAt        time.Time       `json:"updated_at"`
	}

	// DayAggregate holds the raw per-day sums read from the log.
	DayAggregate struct {
		Date      Date
		InAmount  Money
		OutAmount Money
		Count     int64
	}

	TypeStats struct {
		Count int64 `json:"count"`
		Sum   Money `json:"sum"`
		Avg   Money `json:"avg"`
		Min   Money `json:"min"`
		Max   Money `json:"max"`
	}

	Stats struct {
		Total          int64     `json:"total"`
		In             TypeStats `json:"in"`
		Out            TypeStats `json:"out"`
		CurrentBalance Money     `json:"current_balance"`
		InvalidCount   int64     `json:"invalid_count"`
	}
)

// PercentChange returns (cur-prev)/prev*100 rounded to two places, or zero
// when prev is zero.
func PercentChange(prev, cur Money) decimal.Decimal {
	if prev.Cents == 0 {
		return decimal.Zero
	}
	p := decimal.NewFromInt(prev.Cents)
	return decimal.NewFromInt(cur.Cents).Sub(p).Div(p).Mul(hundred).Round(2)
}

// Finish fills Avg once Count and Sum are known. Avg rounds half away from zero.
func (s *TypeStats) Finish() {
	if s.Count == 0 {
		s.Avg = Money{}
		return
	}
	s.Avg = Money{Cents: decimal.NewFromInt(s.Sum.Cents).Div(decimal.NewFromInt(s.Count)).Round(0).IntPart()}
}
