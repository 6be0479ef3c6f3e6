package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finances/internal/api"
	"finances/internal/auth"
	"finances/internal/config"
	"finances/internal/core"
	"finances/internal/export"
	"finances/internal/finance"
	"finances/internal/log"
)

// fakeAPI serves the auth, category and transaction endpoints for one user.
type fakeAPI struct {
	mu           sync.Mutex
	categories   []core.Category
	transactions []core.Transaction
	nextID       int
	lastWrite    map[string]any
	// register answers without tokens when set
	pending bool
}

func (f *fakeAPI) handler() http.Handler {
	mux := http.NewServeMux()
	writeJSON := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}
	user := &api.UserPayload{ID: "u1", Email: "ana@example.com", Metadata: core.UserMetadata{Username: "ana", Language: "en"}}
	authed := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer a1" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			f.mu.Lock()
			defer f.mu.Unlock()
			next(w, r)
		}
	}

	mux.HandleFunc("POST /api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["password"] != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"message":"Invalid login credentials"}`))
			return
		}
		writeJSON(w, api.AuthPayload{AccessToken: "a1", RefreshToken: "r1", ExpiresIn: 3600, User: user})
	})
	mux.HandleFunc("POST /api/auth/register", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Email string `json:"email"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		pending := f.pending
		f.mu.Unlock()
		if pending {
			writeJSON(w, api.AuthPayload{User: &api.UserPayload{ID: "u2", Email: body.Email}})
			return
		}
		writeJSON(w, api.AuthPayload{AccessToken: "a1", RefreshToken: "r1", User: user})
	})
	mux.HandleFunc("POST /api/auth/verify", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["token_hash"] != "good" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		writeJSON(w, api.AuthPayload{AccessToken: "a1", RefreshToken: "r1", User: user})
	})
	mux.HandleFunc("POST /api/auth/logout", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /api/auth/session", authed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, user)
	}))

	mux.HandleFunc("GET /api/categories", authed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, f.categories)
	}))
	mux.HandleFunc("POST /api/categories", authed(func(w http.ResponseWriter, r *http.Request) {
		var body core.Category
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.nextID++
		cat := core.Category{ID: fmt.Sprintf("c%d", f.nextID), Name: body.Name, OwnerID: "u1"}
		f.categories = append(f.categories, cat)
		writeJSON(w, cat)
	}))
	mux.HandleFunc("DELETE /api/categories/{id}", authed(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		var cats []core.Category
		for _, c := range f.categories {
			if c.ID != id {
				cats = append(cats, c)
			}
		}
		f.categories = cats
		var txs []core.Transaction
		for _, t := range f.transactions {
			if t.CategoryID != id {
				txs = append(txs, t)
			}
		}
		f.transactions = txs
		w.WriteHeader(http.StatusNoContent)
	}))

	mux.HandleFunc("GET /api/transactions", authed(func(w http.ResponseWriter, r *http.Request) {
		typ := core.TransactionType(r.URL.Query().Get("type"))
		out := []core.Transaction{}
		for _, t := range f.transactions {
			if typ == "" || t.Type == typ {
				out = append(out, t)
			}
		}
		writeJSON(w, out)
	}))
	mux.HandleFunc("GET /api/transactions/{id}", authed(func(w http.ResponseWriter, r *http.Request) {
		for _, t := range f.transactions {
			if t.ID == r.PathValue("id") {
				writeJSON(w, t)
				return
			}
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	write := func(w http.ResponseWriter, r *http.Request, id string) {
		var raw map[string]any
		dec := json.NewDecoder(r.Body)
		dec.UseNumber()
		_ = dec.Decode(&raw)
		f.lastWrite = raw
		data, _ := json.Marshal(raw)
		var tx core.Transaction
		_ = json.Unmarshal(data, &tx)
		tx.ID = id
		for i, t := range f.transactions {
			if t.ID == id {
				f.transactions[i] = tx
				writeJSON(w, tx)
				return
			}
		}
		f.transactions = append(f.transactions, tx)
		writeJSON(w, tx)
	}
	mux.HandleFunc("POST /api/transactions", authed(func(w http.ResponseWriter, r *http.Request) {
		f.nextID++
		write(w, r, fmt.Sprintf("t%d", f.nextID))
	}))
	mux.HandleFunc("PUT /api/transactions/{id}", authed(func(w http.ResponseWriter, r *http.Request) {
		write(w, r, r.PathValue("id"))
	}))
	mux.HandleFunc("DELETE /api/transactions/{id}", authed(func(w http.ResponseWriter, r *http.Request) {
		var txs []core.Transaction
		for _, t := range f.transactions {
			if t.ID != r.PathValue("id") {
				txs = append(txs, t)
			}
		}
		f.transactions = txs
		w.WriteHeader(http.StatusNoContent)
	}))
	return mux
}

func (f *fakeAPI) seed(txs ...core.Transaction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transactions = append(f.transactions, txs...)
}

func (f *fakeAPI) txCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transactions)
}

func (f *fakeAPI) written(key string) any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastWrite[key]
}

func (f *fakeAPI) setPending() {
	f.mu.Lock()
	f.pending = true
	f.mu.Unlock()
}

func tx(id, title, amount string, date core.Date, typ core.TransactionType, category string) core.Transaction {
	return core.Transaction{
		ID: id, Title: title, Amount: decimal.RequireFromString(amount),
		Date: date, Type: typ, CategoryID: category, Tags: []string{}, CurrencyCode: "EUR",
	}
}

type testApp struct {
	*App
	fake   *fakeAPI
	stdout *bytes.Buffer
	stderr *bytes.Buffer
}

func newTestApp(t *testing.T, stdin string) *testApp {
	t.Helper()
	fake := &fakeAPI{categories: []core.Category{
		{ID: "food", Name: "Food", OwnerID: "u1"},
		{ID: "salary", Name: "Salary", OwnerID: "u1"},
	}}
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	cfg := &config.Config{
		APIBaseURL:        srv.URL,
		HTTPTimeout:       5 * time.Second,
		StorageBackend:    "memory",
		AMQPExchange:      "finances.session",
		SessionRefetchTTL: time.Second,
		DefaultCurrency:   "EUR",
		CacheTTL:          time.Minute,
	}
	app, cleanup, err := Wire(context.Background(), cfg, log.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = cleanup() })

	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	app.Stdin = strings.NewReader(stdin)
	app.Stdout = stdout
	app.Stderr = stderr
	app.Now = func() time.Time { return time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC) }
	return &testApp{App: app, fake: fake, stdout: stdout, stderr: stderr}
}

func (a *testApp) run(t *testing.T, args ...string) string {
	t.Helper()
	a.stdout.Reset()
	require.NoError(t, a.Run(context.Background(), args), "stderr: %s", a.stderr.String())
	return a.stdout.String()
}

func (a *testApp) login(t *testing.T) {
	t.Helper()
	a.run(t, "login", "-email", "ana@example.com", "-password", "secret")
}

func TestRun_Usage(t *testing.T) {
	app := newTestApp(t, "")

	assert.ErrorIs(t, app.Run(context.Background(), nil), ErrUsage)
	assert.Contains(t, app.stderr.String(), "Usage: finances <command>")

	app.stderr.Reset()
	assert.ErrorIs(t, app.Run(context.Background(), []string{"bogus"}), ErrUsage)
	assert.Contains(t, app.stderr.String(), `unknown command "bogus"`)

	assert.NoError(t, app.Run(context.Background(), []string{"help"}))
}

func TestLoginWhoamiLogout(t *testing.T) {
	app := newTestApp(t, "")

	out := app.run(t, "login", "-email", "ana@example.com", "-password", "secret")
	assert.Equal(t, "Signed in as ana\n", out)

	out = app.run(t, "whoami")
	assert.Contains(t, out, "ana@example.com")
	assert.Contains(t, out, "u1")

	assert.Equal(t, "Signed out.\n", app.run(t, "logout"))
	assert.Equal(t, "Not signed in.\n", app.run(t, "whoami"))
}

func TestLogin_PromptsForPassword(t *testing.T) {
	app := newTestApp(t, "secret\n")
	out := app.run(t, "login", "-email", "ana@example.com")
	assert.Contains(t, out, "Password: ")
	assert.Contains(t, out, "Signed in as ana")
}

func TestLogin_Errors(t *testing.T) {
	app := newTestApp(t, "\n")
	ctx := context.Background()

	err := app.Run(ctx, []string{"login", "-email", "ana@example.com", "-password", "wrong"})
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)

	err = app.Run(ctx, []string{"login", "-email", "ana@example.com"})
	assert.EqualError(t, err, "password cannot be empty")

	err = app.Run(ctx, []string{"login"})
	assert.EqualError(t, err, "missing required flag: email")
}

func TestRegister(t *testing.T) {
	app := newTestApp(t, "")
	out := app.run(t, "register", "-email", "ana@example.com", "-username", "ana", "-password", "secret")
	assert.Equal(t, "Account created. Signed in as ana\n", out)

	pending := newTestApp(t, "")
	pending.fake.setPending()
	out = pending.run(t, "register", "-email", "new@example.com", "-username", "new", "-password", "secret", "-language", "sq")
	assert.Equal(t, "Account created. Check new@example.com for a confirmation link.\n", out)
	assert.Equal(t, "Not signed in.\n", pending.run(t, "whoami"))
}

func TestConfirm(t *testing.T) {
	app := newTestApp(t, "")
	assert.Equal(t, "Email confirmed. Signed in as ana\n", app.run(t, "confirm", "-token-hash", "good"))

	err := app.Run(context.Background(), []string{"confirm", "-token-hash", "stale"})
	assert.ErrorIs(t, err, auth.ErrVerificationFailed)
}

func TestDataCommandsRequireSession(t *testing.T) {
	app := newTestApp(t, "")
	for _, cmd := range []string{"categories", "transactions", "summary", "export"} {
		err := app.Run(context.Background(), []string{cmd})
		assert.ErrorIs(t, err, ErrNotSignedIn, cmd)
	}
}

func TestCategories(t *testing.T) {
	app := newTestApp(t, "n\n")
	app.login(t)
	app.fake.seed(tx("t1", "Groceries", "40", core.NewDate(2025, 3, 1), core.Expense, "food"))

	assert.Contains(t, app.run(t, "categories", "add", "Travel"), `Added category "Travel"`)
	out := app.run(t, "categories")
	assert.Contains(t, out, "Food")
	assert.Contains(t, out, "Travel")

	err := app.Run(context.Background(), []string{"categories", "add", "food"})
	assert.ErrorIs(t, err, finance.ErrCategoryExists)

	out = app.run(t, "categories", "delete", "food")
	assert.Contains(t, out, "1 transaction(s) use this category")
	assert.Contains(t, out, "Cancelled.")
	assert.Equal(t, 1, app.fake.txCount())

	assert.Contains(t, app.run(t, "categories", "delete", "-yes", "food"), "Deleted category food")
	assert.Zero(t, app.fake.txCount())
	assert.NotContains(t, app.run(t, "categories", "list"), "Food")
}

func TestTransactions(t *testing.T) {
	app := newTestApp(t, "")
	app.login(t)

	out := app.run(t, "transactions", "add", "-title", "Coffee", "-amount", "3.50", "-category", "food", "-tags", "cafe, morning")
	assert.Equal(t, "Added expense \"Coffee\" (t1)\n", out)
	assert.Equal(t, "food", app.fake.written("categoryId"))
	assert.Equal(t, "2025-03-14", app.fake.written("date"))
	assert.Equal(t, "EUR", app.fake.written("currencyCode"))
	assert.Equal(t, json.Number("3.5"), app.fake.written("amount"))

	out = app.run(t, "transactions", "add", "-title", "Pay", "-amount", "2000", "-category", "salary", "-type", "income", "-date", "2024-12-31")
	assert.Contains(t, out, "Added income")

	out = app.run(t, "transactions", "list", "-type", "expense")
	assert.Contains(t, out, "Coffee")
	assert.Contains(t, out, "3.50 EUR")
	assert.Contains(t, out, "Food")
	assert.Contains(t, out, "cafe, morning")
	assert.NotContains(t, out, "Pay")

	out = app.run(t, "transactions", "-year", "2024")
	assert.Contains(t, out, "Pay")
	assert.NotContains(t, out, "Coffee")

	out = app.run(t, "transactions", "update", "-amount", "4", "t1")
	assert.Equal(t, "Updated expense \"Coffee\" (t1)\n", out)
	assert.Equal(t, json.Number("4"), app.fake.written("amount"))
	assert.Equal(t, "Coffee", app.fake.written("title"))

	assert.Equal(t, "Deleted transaction t1\n", app.run(t, "transactions", "delete", "t1"))
	assert.Equal(t, 1, app.fake.txCount())
}

func TestTransactions_Invalid(t *testing.T) {
	app := newTestApp(t, "")
	app.login(t)
	ctx := context.Background()

	err := app.Run(ctx, []string{"transactions", "add", "-title", "Coffee", "-amount=-5", "-category", "food"})
	var verr core.ValidationError
	require.True(t, errors.As(err, &verr), "got %v", err)
	assert.Equal(t, core.MsgAmountPositive, verr[core.FieldAmount])

	err = app.Run(ctx, []string{"transactions", "add", "-title", "Coffee", "-amount", "5", "-category", "nope"})
	require.True(t, errors.As(err, &verr), "got %v", err)
	assert.Equal(t, finance.MsgCategoryUnknown, verr[core.FieldCategory])

	err = app.Run(ctx, []string{"transactions", "list", "-type", "transfer"})
	assert.ErrorIs(t, err, core.ErrInvalidType)

	err = app.Run(ctx, []string{"transactions", "update", "missing", "-amount", "1"})
	assert.Error(t, err)
}

func TestSummary(t *testing.T) {
	app := newTestApp(t, "")
	app.login(t)
	app.fake.seed(
		tx("t1", "Salary", "1000", core.NewDate(2025, 1, 5), core.Income, "salary"),
		tx("t2", "Groceries", "200", core.NewDate(2025, 1, 10), core.Expense, "food"),
		tx("t3", "Dinner", "50", core.NewDate(2025, 2, 1), core.Expense, "food"),
		tx("t4", "Old", "999", core.NewDate(2024, 6, 1), core.Expense, "food"),
	)

	out := app.run(t, "summary", "-year", "2025")
	assert.Contains(t, out, "Income:    1000.00")
	assert.Contains(t, out, "Expenses:  250.00")
	assert.Contains(t, out, "Balance:   750.00")
	assert.Contains(t, out, "2025-01")
	assert.Contains(t, out, "2025-02")
	assert.NotContains(t, out, "2024-06")
	assert.Contains(t, out, "Food")
	assert.NotContains(t, out, "more than one currency")
}

type fakeExporter struct{ got []core.Transaction }

func (f *fakeExporter) Export(_ context.Context, txs []core.Transaction) ([]string, error) {
	f.got = txs
	return []string{"2025_Transactions!A1:F1"}, nil
}

func TestExport(t *testing.T) {
	app := newTestApp(t, "")
	app.login(t)
	app.fake.seed(tx("t1", "Coffee", "3.5", core.NewDate(2025, 3, 1), core.Expense, "food"))

	path := filepath.Join(t.TempDir(), "out.csv")
	assert.Equal(t, "Wrote 1 transaction(s) to "+path+"\n", app.run(t, "export", "-o", path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), export.BOM))
	assert.Contains(t, string(data), "Coffee")

	assert.True(t, strings.HasPrefix(app.run(t, "export", "-o", "-"), export.BOM))

	err = app.Run(context.Background(), []string{"export", "-format", "sheets"})
	assert.ErrorContains(t, err, "not configured")

	exp := &fakeExporter{}
	app.Sheets = func(context.Context) (Exporter, error) { return exp, nil }
	out := app.run(t, "export", "-format", "sheets")
	assert.Contains(t, out, "2025_Transactions!A1:F1")
	assert.Len(t, exp.got, 1)

	err = app.Run(context.Background(), []string{"export", "-format", "xlsx"})
	assert.ErrorContains(t, err, "unknown export format")
}

func TestSheetsAuth(t *testing.T) {
	app := newTestApp(t, "")
	err := app.Run(context.Background(), []string{"sheets-auth"})
	assert.ErrorContains(t, err, "GOOGLE_OAUTH_CLIENT")

	app.SheetsAuth = func(ctx context.Context, show func(string)) (string, error) {
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline)
		show("https://accounts.example.com/auth?state=s")
		return "token.json", nil
	}
	out := app.run(t, "sheets-auth")
	assert.Equal(t, "Open this URL to authorize:\nhttps://accounts.example.com/auth?state=s\nSaved token to token.json\n", out)
}

func TestWatch(t *testing.T) {
	app := newTestApp(t, "")
	app.Consume = func(ctx context.Context) error {
		_, err := app.Session.Login(ctx, "ana@example.com", "secret")
		return err
	}

	out := app.run(t, "watch")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "session unauthenticated")
	assert.Contains(t, lines[1], "session authenticated as ana")
}

func TestMessage(t *testing.T) {
	assert.Equal(t, "Category already exists.", Message(fmt.Errorf("add: %w", finance.ErrCategoryExists)))
	assert.Equal(t, "The confirmation link is invalid or has expired.", Message(auth.ErrVerificationFailed))
	assert.Equal(t, "boom", Message(errors.New("boom")))
}
