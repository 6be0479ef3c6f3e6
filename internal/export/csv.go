// Package export turns transaction lists into downloadable files.
package export

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"finances/internal/core"
)

// DefaultFilename is used when the caller does not name the file.
const DefaultFilename = "expenses.csv"

// BOM marks the file as UTF-8 for spreadsheet applications.
const BOM = "\uFEFF"

// Header is the column order of every export.
var Header = []string{"id", "title", "amount", "date", "category", "tags"}

// Record is one exported row. Seq numbers rows from 1 in list order and
// replaces the backend id.
type Record struct {
	Seq      int
	Title    string
	Amount   string
	Date     string
	Category string
	Tags     string
}

// Records flattens txs in the given order.
func Records(txs []core.Transaction) []Record {
	out := make([]Record, len(txs))
	for i, tx := range txs {
		date := ""
		if !tx.Date.IsZero() {
			date = tx.Date.String()
		}
		out[i] = Record{
			Seq:      i + 1,
			Title:    tx.Title,
			Amount:   tx.Amount.String(),
			Date:     date,
			Category: tx.CategoryName(),
			Tags:     strings.Join(tx.Tags, ", "),
		}
	}
	return out
}

// quote wraps s in double quotes, doubling embedded quotes. Line breaks
// become spaces so every record stays on one line.
func quote(s string) string {
	s = strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ").Replace(s)
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// ToCSV renders the header plus one line per transaction, separated by
// CRLF with no trailing separator. id and amount are bare; text columns
// are always quoted.
func ToCSV(txs []core.Transaction) string {
	lines := make([]string, 0, len(txs)+1)
	lines = append(lines, strings.Join(Header, ","))
	for _, r := range Records(txs) {
		lines = append(lines, strings.Join([]string{
			strconv.Itoa(r.Seq),
			quote(r.Title),
			r.Amount,
			quote(r.Date),
			quote(r.Category),
			quote(r.Tags),
		}, ","))
	}
	return strings.Join(lines, "\r\n")
}

// WriteCSV writes the BOM-prefixed CSV document to w.
func WriteCSV(w io.Writer, txs []core.Transaction) error {
	if _, err := io.WriteString(w, BOM+ToCSV(txs)); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}
	return nil
}

// WriteFile saves the export to path, or DefaultFilename when path is "".
func WriteFile(path string, txs []core.Transaction) (string, error) {
	if path == "" {
		path = DefaultFilename
	}
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create export file: %w", err)
	}
	if err := WriteCSV(f, txs); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close export file: %w", err)
	}
	return path, nil
}
