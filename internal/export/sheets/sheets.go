// Package sheets appends exported transactions to a Google spreadsheet.
// Rows land in a sheet named "<year> <base>", one per transaction year.
package sheets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	goption "google.golang.org/api/option"
	gsheet "google.golang.org/api/sheets/v4"

	"finances/internal/core"
	"finances/internal/export"
	"finances/internal/log"
)

const DefaultSheetName = "Transactions"

type Config struct {
	SpreadsheetID string
	SheetName     string
	// Service account credentials, inline or as a file path.
	CredentialsJSON string
	CredentialsFile string
	// OAuth user credentials; preferred over the service account when
	// both a client and a token file are set.
	OAuth OAuthConfig
}

type Exporter struct {
	svc           *gsheet.Service
	spreadsheetID string
	sheetBase     string
	logger        *log.Logger
}

// New builds an exporter authenticated with a service account. Extra
// options are passed to the Sheets client.
func New(ctx context.Context, cfg Config, logger *log.Logger, opts ...goption.ClientOption) (*Exporter, error) {
	id := strings.TrimSpace(cfg.SpreadsheetID)
	if id == "" {
		return nil, errors.New("missing GOOGLE_SPREADSHEET_ID")
	}
	logger = log.Or(logger, log.ComponentSheets)

	if len(opts) == 0 {
		if cfg.OAuth.Configured() {
			ts, err := userTokenSource(ctx, cfg.OAuth)
			if err != nil {
				return nil, err
			}
			opts = []goption.ClientOption{goption.WithTokenSource(ts)}
		} else {
			creds, err := credentials(cfg)
			if err != nil {
				return nil, err
			}
			opts = []goption.ClientOption{
				goption.WithCredentialsJSON(creds),
				goption.WithScopes(gsheet.SpreadsheetsScope),
			}
		}
	}
	svc, err := gsheet.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}

	base := strings.TrimSpace(cfg.SheetName)
	if base == "" {
		base = DefaultSheetName
	}
	logger.DebugContext(ctx, "Sheets exporter ready", "spreadsheet_id", id, "sheet", base)
	return &Exporter{svc: svc, spreadsheetID: id, sheetBase: base, logger: logger}, nil
}

func credentials(cfg Config) ([]byte, error) {
	switch {
	case strings.TrimSpace(cfg.CredentialsJSON) != "":
		return []byte(cfg.CredentialsJSON), nil
	case strings.TrimSpace(cfg.CredentialsFile) != "":
		b, err := os.ReadFile(cfg.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("read service account file: %w", err)
		}
		return b, nil
	}
	return nil, errors.New("missing service account credentials (set GOOGLE_SERVICE_ACCOUNT_JSON or GOOGLE_SERVICE_ACCOUNT_FILE)")
}

// yearPrefixedName returns "<year> <base>" unless base already starts
// with a year.
func yearPrefixedName(base string, year int) string {
	base = strings.TrimSpace(base)
	if base == "" {
		return base
	}
	if len(base) >= 5 {
		if y, err := strconv.Atoi(base[0:4]); err == nil && base[4] == ' ' && y > 1900 && y < 3000 {
			return base
		}
	}
	return fmt.Sprintf("%d %s", year, base)
}

// row converts an export record to sheet cells. Amounts are sent as
// numbers so the sheet can sum them.
func row(r export.Record) []any {
	var amount any = r.Amount
	if d, err := decimal.NewFromString(r.Amount); err == nil {
		amount = d.InexactFloat64()
	}
	return []any{r.Seq, r.Title, amount, r.Date, r.Category, r.Tags}
}

// Export appends txs to their year sheets and returns the updated ranges
// in year order.
func (e *Exporter) Export(ctx context.Context, txs []core.Transaction) ([]string, error) {
	if e.svc == nil {
		return nil, errors.New("sheets service not initialized")
	}
	if len(txs) == 0 {
		return nil, nil
	}

	records := export.Records(txs)
	byYear := map[int][][]any{}
	for i, tx := range txs {
		byYear[tx.Date.Year()] = append(byYear[tx.Date.Year()], row(records[i]))
	}
	years := make([]int, 0, len(byYear))
	for y := range byYear {
		years = append(years, y)
	}
	sort.Ints(years)

	var ranges []string
	for _, y := range years {
		sheet := yearPrefixedName(e.sheetBase, y)
		vr := &gsheet.ValueRange{Values: byYear[y]}
		resp, err := e.svc.Spreadsheets.Values.Append(e.spreadsheetID, sheet+"!A:F", vr).
			ValueInputOption("USER_ENTERED").
			InsertDataOption("INSERT_ROWS").
			Context(ctx).Do()
		if err != nil {
			return ranges, fmt.Errorf("append to sheet %s: %w", sheet, err)
		}
		updated := sheet
		if resp.Updates != nil && resp.Updates.UpdatedRange != "" {
			updated = resp.Updates.UpdatedRange
		}
		ranges = append(ranges, updated)
		e.logger.InfoContext(ctx, "Rows appended to sheet",
			log.FieldOperation, log.OpExport, "sheet", sheet, log.FieldCount, len(byYear[y]))
	}
	return ranges, nil
}
