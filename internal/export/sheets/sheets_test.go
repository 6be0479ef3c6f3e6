package sheets

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	goption "google.golang.org/api/option"

	"finances/internal/core"
	"finances/internal/export"
	"finances/internal/log"
)

func TestYearPrefixedName(t *testing.T) {
	tests := []struct {
		base string
		year int
		want string
	}{
		{"Transactions", 2024, "2024 Transactions"},
		{"  Transactions ", 2025, "2025 Transactions"},
		{"2023 Transactions", 2025, "2023 Transactions"},
		{"", 2025, ""},
		{"12345", 2025, "2025 12345"},
	}
	for _, tt := range tests {
		if got := yearPrefixedName(tt.base, tt.year); got != tt.want {
			t.Errorf("yearPrefixedName(%q, %d) = %q, want %q", tt.base, tt.year, got, tt.want)
		}
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(context.Background(), Config{}, log.Discard()); err == nil || err.Error() != "missing GOOGLE_SPREADSHEET_ID" {
		t.Fatalf("expected missing spreadsheet error, got %v", err)
	}
	_, err := New(context.Background(), Config{SpreadsheetID: "sid"}, log.Discard())
	if err == nil || !strings.Contains(err.Error(), "missing service account credentials") {
		t.Fatalf("expected credentials error, got %v", err)
	}
	_, err = New(context.Background(), Config{SpreadsheetID: "sid", CredentialsFile: "/does/not/exist.json"}, log.Discard())
	if err == nil || !strings.Contains(err.Error(), "read service account file") {
		t.Fatalf("expected file error, got %v", err)
	}
}

type appendCall struct {
	path   string
	option string
	values [][]any
}

func TestExport_AppendsPerYear(t *testing.T) {
	var mu sync.Mutex
	var calls []appendCall
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Values [][]any `json:"values"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		calls = append(calls, appendCall{path: r.URL.Path, option: r.URL.Query().Get("valueInputOption"), values: body.Values})
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"updates":{"updatedRange":"sheet!A2:F2"}}`))
	}))
	defer srv.Close()

	e, err := New(context.Background(), Config{SpreadsheetID: "sid"}, log.Discard(),
		goption.WithEndpoint(srv.URL+"/"),
		goption.WithHTTPClient(srv.Client()),
		goption.WithoutAuthentication())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	txs := []core.Transaction{
		{Title: "Rent", Amount: decimal.RequireFromString("800.25"), Date: core.NewDate(2025, 1, 3), Category: &core.Category{Name: "Home"}},
		{Title: "Gift", Amount: decimal.NewFromInt(50), Date: core.NewDate(2024, 12, 24), Tags: []string{"xmas"}},
	}
	ranges, err := e.Export(context.Background(), txs)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if len(ranges) != 2 {
		t.Fatalf("Export() ranges = %v, want 2", ranges)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 2 {
		t.Fatalf("append calls = %d, want 2", len(calls))
	}
	if !strings.Contains(calls[0].path, "2024 Transactions!A:F") {
		t.Errorf("first append went to %q, want the 2024 sheet", calls[0].path)
	}
	if !strings.Contains(calls[1].path, "2025 Transactions!A:F") {
		t.Errorf("second append went to %q, want the 2025 sheet", calls[1].path)
	}
	if calls[0].option != "USER_ENTERED" {
		t.Errorf("valueInputOption = %q", calls[0].option)
	}
	rent := calls[1].values[0]
	if rent[1] != "Rent" || rent[2] != 800.25 || rent[4] != "Home" {
		t.Errorf("unexpected row %v", rent)
	}
	// sequence numbers follow the input order, not the sheet
	if rent[0] != float64(1) || calls[0].values[0][0] != float64(2) {
		t.Errorf("unexpected sequence numbers: %v / %v", rent[0], calls[0].values[0][0])
	}
}

func TestExport_Empty(t *testing.T) {
	e := &Exporter{}
	if _, err := e.Export(context.Background(), nil); err == nil {
		t.Error("expected error without a service")
	}
}

func TestRow_KeepsUnparsableAmount(t *testing.T) {
	got := row(export.Record{Seq: 1, Amount: "n/a"})
	if got[2] != "n/a" {
		t.Errorf("row amount = %v", got[2])
	}
}
