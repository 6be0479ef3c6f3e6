package finance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finances/internal/api"
	"finances/internal/core"
	"finances/internal/log"
	"finances/internal/storage"
)

type staticIdentity string

func (s staticIdentity) UserID() string { return string(s) }

type fakeBackend struct {
	mu           sync.Mutex
	categories   []core.Category
	transactions []map[string]any
	requests     map[string]int
	lastWrite    map[string]any
	nextID       int
}

func (f *fakeBackend) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[key]
}

func (f *fakeBackend) handler() http.Handler {
	mux := http.NewServeMux()
	writeJSON := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}
	track := func(r *http.Request) {
		f.mu.Lock()
		f.requests[r.Method+" "+r.URL.Path]++
		f.mu.Unlock()
	}

	mux.HandleFunc("GET /api/categories", func(w http.ResponseWriter, r *http.Request) {
		track(r)
		f.mu.Lock()
		defer f.mu.Unlock()
		writeJSON(w, f.categories)
	})
	mux.HandleFunc("POST /api/categories", func(w http.ResponseWriter, r *http.Request) {
		track(r)
		var body core.Category
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		defer f.mu.Unlock()
		if body.Name == "Taken" {
			w.WriteHeader(http.StatusConflict)
			return
		}
		f.nextID++
		cat := core.Category{ID: fmt.Sprintf("c%d", f.nextID), Name: body.Name, OwnerID: "u1"}
		f.categories = append(f.categories, cat)
		writeJSON(w, cat)
	})
	mux.HandleFunc("DELETE /api/categories/{id}", func(w http.ResponseWriter, r *http.Request) {
		track(r)
		id := r.PathValue("id")
		f.mu.Lock()
		defer f.mu.Unlock()
		var kept []core.Category
		for _, c := range f.categories {
			if c.ID != id {
				kept = append(kept, c)
			}
		}
		f.categories = kept
		var txs []map[string]any
		for _, tx := range f.transactions {
			if tx["categoryId"] != id {
				txs = append(txs, tx)
			}
		}
		f.transactions = txs
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /api/transactions", func(w http.ResponseWriter, r *http.Request) {
		track(r)
		typ := r.URL.Query().Get("type")
		f.mu.Lock()
		defer f.mu.Unlock()
		out := []map[string]any{}
		for _, tx := range f.transactions {
			if typ == "" || tx["type"] == typ {
				out = append(out, tx)
			}
		}
		writeJSON(w, out)
	})
	mux.HandleFunc("GET /api/transactions/{id}", func(w http.ResponseWriter, r *http.Request) {
		track(r)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"Transaction not found"}`))
	})
	mux.HandleFunc("POST /api/transactions", func(w http.ResponseWriter, r *http.Request) {
		track(r)
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		dec := json.NewDecoder(strings.NewReader(string(raw)))
		dec.UseNumber()
		_ = dec.Decode(&body)
		f.mu.Lock()
		defer f.mu.Unlock()
		f.lastWrite = body
		f.nextID++
		body["id"] = fmt.Sprintf("t%d", f.nextID)
		f.transactions = append(f.transactions, body)
		writeJSON(w, body)
	})
	return mux
}

func newTestClient(t *testing.T, userID string) (*Client, *fakeBackend) {
	t.Helper()
	fb := &fakeBackend{
		requests: map[string]int{},
		categories: []core.Category{
			{ID: "food", Name: "Food", OwnerID: "u1"},
			{ID: "salary", Name: "Salary", OwnerID: "u1"},
		},
		transactions: []map[string]any{
			{"id": "t-old", "title": "Groceries", "amount": 20, "date": "2024-01-05", "type": "expense", "categoryId": "food", "tags": []string{}},
			{"id": "t-new", "title": "Pay", "amount": 1000, "date": "2024-03-01", "type": "income", "categoryId": "salary", "category": map[string]string{"id": "salary", "name": "Salary"}},
			{"id": "t-mid", "title": "Dinner", "amount": 35.5, "date": "2024-02-10", "type": "expense", "categoryId": "food"},
		},
	}
	srv := httptest.NewServer(fb.handler())
	t.Cleanup(srv.Close)

	tokens := storage.NewTokenStore(storage.NewMemoryStore())
	require.NoError(t, tokens.SaveCredentials(context.Background(), core.Credentials{AccessToken: "token"}))
	apiClient := api.NewClient(tokens, api.Options{BaseURL: srv.URL, Logger: log.Discard()})
	return NewClient(apiClient, staticIdentity(userID), Options{Logger: log.Discard()}), fb
}

func TestRequiresIdentity(t *testing.T) {
	ctx := context.Background()
	c, fb := newTestClient(t, "")

	_, err := c.ListCategories(ctx)
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	_, err = c.ListTransactions(ctx, "")
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	_, err = c.AddCategory(ctx, "Travel")
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	_, err = c.DeleteCategory(ctx, "food", func(int) bool { return true })
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	assert.ErrorIs(t, c.DeleteTransaction(ctx, "t1"), ErrNotAuthenticated)

	fb.mu.Lock()
	defer fb.mu.Unlock()
	assert.Empty(t, fb.requests, "no request leaves without an identity")
}

func TestListTransactions(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t, "u1")

	txs, err := c.ListTransactions(ctx, "")
	require.NoError(t, err)
	require.Len(t, txs, 3)
	assert.Equal(t, []string{"t-new", "t-mid", "t-old"}, []string{txs[0].ID, txs[1].ID, txs[2].ID})
	assert.Equal(t, "Food", txs[2].CategoryName(), "missing category filled from the list")
	assert.True(t, txs[1].Amount.Equal(decimal.RequireFromString("35.5")))

	expenses, err := c.ListTransactions(ctx, core.Expense)
	require.NoError(t, err)
	require.Len(t, expenses, 2)
	for _, tx := range expenses {
		assert.Equal(t, core.Expense, tx.Type)
	}

	_, err = c.ListTransactions(ctx, "refund")
	assert.ErrorIs(t, err, core.ErrInvalidType)
}

func TestCategoryCache(t *testing.T) {
	ctx := context.Background()
	c, fb := newTestClient(t, "u1")

	_, err := c.ListCategories(ctx)
	require.NoError(t, err)
	_, err = c.ListCategories(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fb.count("GET /api/categories"))

	_, err = c.AddCategory(ctx, "Travel")
	require.NoError(t, err)
	cats, err := c.ListCategories(ctx)
	require.NoError(t, err)
	assert.Len(t, cats, 3)
	assert.Equal(t, 2, fb.count("GET /api/categories"), "writes invalidate the cached list")
}

func TestAddCategory_Duplicates(t *testing.T) {
	ctx := context.Background()
	c, fb := newTestClient(t, "u1")

	_, err := c.AddCategory(ctx, "  food ")
	assert.ErrorIs(t, err, ErrCategoryExists)
	assert.Equal(t, 0, fb.count("POST /api/categories"), "rejected before any write")

	_, err = c.AddCategory(ctx, "Taken")
	assert.ErrorIs(t, err, ErrCategoryExists, "backend conflict maps to the same error")

	_, err = c.AddCategory(ctx, "   ")
	var verr core.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestDeleteCategory(t *testing.T) {
	ctx := context.Background()

	t.Run("in use and declined", func(t *testing.T) {
		c, fb := newTestClient(t, "u1")
		var asked int
		deleted, err := c.DeleteCategory(ctx, "food", func(usage int) bool {
			asked = usage
			return false
		})
		require.NoError(t, err)
		assert.False(t, deleted)
		assert.Equal(t, 2, asked)
		assert.Equal(t, 0, fb.count("DELETE /api/categories/food"))
	})

	t.Run("in use and confirmed cascades", func(t *testing.T) {
		c, _ := newTestClient(t, "u1")
		deleted, err := c.DeleteCategory(ctx, "food", func(int) bool { return true })
		require.NoError(t, err)
		assert.True(t, deleted)

		cats, err := c.ListCategories(ctx)
		require.NoError(t, err)
		assert.Len(t, cats, 1)

		txs, err := c.ListTransactions(ctx, "")
		require.NoError(t, err)
		require.Len(t, txs, 1)
		assert.Equal(t, "salary", txs[0].CategoryID)
	})

	t.Run("unused deletes without asking", func(t *testing.T) {
		c, _ := newTestClient(t, "u1")
		cat, err := c.AddCategory(ctx, "Travel")
		require.NoError(t, err)

		deleted, err := c.DeleteCategory(ctx, cat.ID, nil)
		require.NoError(t, err)
		assert.True(t, deleted)
	})
}

func TestAddTransaction(t *testing.T) {
	ctx := context.Background()
	c, fb := newTestClient(t, "u1")

	tx := core.Transaction{
		Title:      " Lunch ",
		Amount:     decimal.RequireFromString("12.50"),
		Date:       core.NewDate(2024, 4, 2),
		Type:       core.Expense,
		CategoryID: "food",
		Category:   &core.Category{ID: "food", Name: "Food"},
	}
	created, err := c.AddTransaction(ctx, tx)
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)

	fb.mu.Lock()
	body := fb.lastWrite
	fb.mu.Unlock()
	assert.Equal(t, json.Number("12.5"), body["amount"])
	assert.Equal(t, "2024-04-02", body["date"])
	assert.Equal(t, "Lunch", body["title"])
	assert.Equal(t, "EUR", body["currencyCode"])
	assert.Equal(t, json.Number("12.5"), body["baseAmount"])
	assert.Equal(t, "food", body["categoryId"])
	assert.NotContains(t, body, "category")
	assert.Equal(t, []any{}, body["tags"])
}

func TestAddTransaction_Rejected(t *testing.T) {
	ctx := context.Background()
	c, fb := newTestClient(t, "u1")

	_, err := c.AddTransaction(ctx, core.Transaction{Type: core.Income})
	var verr core.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, core.MsgTitleRequired, verr[core.FieldTitle])
	assert.Equal(t, core.MsgAmountPositive, verr[core.FieldAmount])
	assert.NotContains(t, verr, core.FieldType)

	_, err = c.AddTransaction(ctx, core.Transaction{
		Title: "Ghost", Amount: decimal.NewFromInt(1), Date: core.NewDate(2024, 1, 1),
		Type: core.Expense, CategoryID: "someone-elses",
	})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, MsgCategoryUnknown, verr[core.FieldCategory])

	assert.Equal(t, 0, fb.count("POST /api/transactions"))
}

func TestGetTransaction_NotFound(t *testing.T) {
	c, _ := newTestClient(t, "u1")
	_, err := c.GetTransaction(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}
