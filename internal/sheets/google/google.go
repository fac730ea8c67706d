package google

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"saldo/internal/core"
	ports "saldo/internal/sheets"

	goption "google.golang.org/api/option"
	gsheet "google.golang.org/api/sheets/v4"
)

const (
	DefaultSheetName   = "Daily Summary"
	defaultIndexMaxAge = 10 * time.Minute
	valueInputOption   = "USER_ENTERED"
)

var header = []any{"Date", "Balance", "In", "Out", "Change %", "Transactions", "Updated"}

// Options configures an Exporter. CredentialsJSON wins over CredentialsFile;
// with neither set GOOGLE_APPLICATION_CREDENTIALS is used.
type Options struct {
	SpreadsheetID   string
	SheetName       string
	CredentialsJSON string
	CredentialsFile string
}

// Exporter writes one row per day to a Google Sheets tab. Column A holds the
// date; re-exporting a date overwrites its row in place.
type Exporter struct {
	svc           *gsheet.Service
	spreadsheetID string
	sheetName     string
	logger        *slog.Logger

	mu            sync.Mutex
	rowByDate     map[string]int
	lastRow       int
	indexMaxAge   time.Duration
	indexLoadedAt time.Time
}

var (
	_ ports.SummaryWriter = (*Exporter)(nil)
	_ ports.SummaryReader = (*Exporter)(nil)
)

func New(ctx context.Context, opts Options, logger *slog.Logger) (*Exporter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	spreadsheetID := strings.TrimSpace(opts.SpreadsheetID)
	if spreadsheetID == "" {
		return nil, errors.New("missing GOOGLE_SPREADSHEET_ID")
	}
	sheetName := strings.TrimSpace(opts.SheetName)
	if sheetName == "" {
		sheetName = DefaultSheetName
	}

	svc, err := newSheetsService(ctx, opts, logger)
	if err != nil {
		return nil, fmt.Errorf("sheets service: %w", err)
	}

	return &Exporter{
		svc:           svc,
		spreadsheetID: spreadsheetID,
		sheetName:     sheetName,
		logger:        logger,
		indexMaxAge:   defaultIndexMaxAge,
	}, nil
}

// newSheetsService initializes a Sheets Service using Service Account credentials.
func newSheetsService(ctx context.Context, opts Options, logger *slog.Logger) (*gsheet.Service, error) {
	credentialsJSON, err := loadCredentials(opts)
	if err != nil {
		return nil, err
	}

	logger.InfoContext(ctx, "Creating Google Sheets service with Service Account",
		"credentials_size", len(credentialsJSON),
		"scope", gsheet.SpreadsheetsScope)

	service, err := gsheet.NewService(ctx,
		goption.WithCredentialsJSON(credentialsJSON),
		goption.WithScopes(gsheet.SpreadsheetsScope))
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	return service, nil
}

func loadCredentials(opts Options) ([]byte, error) {
	inline := strings.TrimSpace(opts.CredentialsJSON)
	file := strings.TrimSpace(opts.CredentialsFile)
	if inline == "" && file == "" {
		file = strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"))
	}

	switch {
	case inline != "":
		return []byte(inline), nil
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read service account file: %w", err)
		}
		return data, nil
	default:
		return nil, errors.New("missing service account credentials (set GOOGLE_SERVICE_ACCOUNT_JSON, GOOGLE_SERVICE_ACCOUNT_FILE, or GOOGLE_APPLICATION_CREDENTIALS)")
	}
}

// ExportSummaries upserts rows by date in a single batch update.
func (e *Exporter) ExportSummaries(ctx context.Context, rows []core.DailySummary) error {
	if len(rows) == 0 {
		return nil
	}
	if e.svc == nil {
		return errors.New("sheets service not initialized")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.loadIndex(ctx); err != nil {
		return err
	}

	data, lastRow := planWrites(e.sheetName, e.rowByDate, e.lastRow, rows)
	req := &gsheet.BatchUpdateValuesRequest{
		ValueInputOption: valueInputOption,
		Data:             data,
	}
	if _, err := e.svc.Spreadsheets.Values.BatchUpdate(e.spreadsheetID, req).Context(ctx).Do(); err != nil {
		// The sheet may have changed under us; reload the index next time.
		e.indexLoadedAt = time.Time{}
		return fmt.Errorf("batch update %s: %w", e.sheetName, err)
	}
	e.lastRow = lastRow

	e.logger.InfoContext(ctx, "Exported daily summaries to Google Sheets",
		"sheet", e.sheetName,
		"rows", len(rows),
		"ranges", len(data))
	return nil
}

// ReadSummaries reads every exported row back from the sheet.
func (e *Exporter) ReadSummaries(ctx context.Context) (map[core.Date]core.DailySummary, error) {
	if e.svc == nil {
		return nil, errors.New("sheets service not initialized")
	}
	rng := fmt.Sprintf("%s!A:G", e.sheetName)
	resp, err := e.svc.Spreadsheets.Values.Get(e.spreadsheetID, rng).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rng, err)
	}
	return parseRows(resp.Values), nil
}

// loadIndex refreshes the date to row map when it is older than indexMaxAge.
// Callers hold e.mu.
func (e *Exporter) loadIndex(ctx context.Context) error {
	if e.rowByDate != nil && time.Since(e.indexLoadedAt) < e.indexMaxAge {
		return nil
	}
	rng := fmt.Sprintf("%s!A:A", e.sheetName)
	resp, err := e.svc.Spreadsheets.Values.Get(e.spreadsheetID, rng).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("read %s: %w", rng, err)
	}
	e.rowByDate, e.lastRow = indexDates(resp.Values)
	e.indexLoadedAt = time.Now()
	return nil
}

// indexDates maps each date in column A to its 1-based row and returns the
// last non-empty row.
func indexDates(values [][]any) (map[string]int, int) {
	index := make(map[string]int, len(values))
	last := 0
	for i, row := range values {
		if len(row) == 0 {
			continue
		}
		v := strings.TrimSpace(fmt.Sprint(row[0]))
		if v == "" {
			continue
		}
		last = i + 1
		if _, err := core.ParseDate(v); err == nil {
			index[v] = i + 1
		}
	}
	return index, last
}

// planWrites builds the value ranges for rows, placing known dates on their
// existing row and appending the rest. A header is written to an empty sheet.
// index is updated in place.
func planWrites(sheet string, index map[string]int, lastRow int, rows []core.DailySummary) ([]*gsheet.ValueRange, int) {
	var data []*gsheet.ValueRange
	if lastRow == 0 {
		data = append(data, &gsheet.ValueRange{
			Range:  fmt.Sprintf("%s!A1:G1", sheet),
			Values: [][]any{header},
		})
		lastRow = 1
	}

	for _, s := range rows {
		key := s.Date.String()
		row, ok := index[key]
		if !ok {
			lastRow++
			row = lastRow
			index[key] = row
		}
		data = append(data, &gsheet.ValueRange{
			Range:  fmt.Sprintf("%s!A%d:G%d", sheet, row, row),
			Values: [][]any{summaryRow(s)},
		})
	}
	return data, lastRow
}

func summaryRow(s core.DailySummary) []any {
	return []any{
		s.Date.String(),
		s.Balance.String(),
		s.InAmount.String(),
		s.OutAmount.String(),
		s.PercentChange.StringFixed(2),
		s.TransactionCount,
		s.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

// parseRows is the inverse of summaryRow. Rows that do not start with a date
// (the header, notes) are skipped.
func parseRows(values [][]any) map[core.Date]core.DailySummary {
	out := make(map[core.Date]core.DailySummary, len(values))
	for _, raw := range values {
		cols := toStrings(raw)
		if len(cols) < 6 {
			continue
		}
		d, err := core.ParseDate(cols[0])
		if err != nil {
			continue
		}
		s := core.DailySummary{Date: d}
		s.Balance, _ = parseMoney(cols[1])
		s.InAmount, _ = parseMoney(cols[2])
		s.OutAmount, _ = parseMoney(cols[3])
		s.PercentChange, _ = decimal.NewFromString(strings.TrimSuffix(cols[4], "%"))
		s.TransactionCount, _ = strconv.ParseInt(cols[5], 10, 64)
		if len(cols) > 6 {
			s.UpdatedAt, _ = time.Parse(time.RFC3339, cols[6])
		}
		out[d] = s
	}
	return out
}

// parseMoney accepts signed values; the sheet may hold negative balances.
func parseMoney(v string) (core.Money, error) {
	var m core.Money
	err := m.UnmarshalText([]byte(strings.ReplaceAll(v, ",", ".")))
	return m, err
}

func toStrings(in []any) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = strings.TrimSpace(fmt.Sprint(v))
	}
	return out
}
