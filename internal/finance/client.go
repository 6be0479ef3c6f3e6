// Package finance is the typed client for the backend's category and
// transaction endpoints.
package finance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"finances/internal/api"
	"finances/internal/cache"
	"finances/internal/core"
	"finances/internal/log"
)

const (
	CategoriesPath   = "/api/categories"
	TransactionsPath = "/api/transactions"

	MsgCategoryUnknown = "Category does not exist."
	MsgCategoryExists  = "Category already exists."
)

var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrCategoryExists   = errors.New("category already exists")
	ErrNotFound         = errors.New("not found")
)

// Identity tells the client who is signed in. An empty id means nobody.
type Identity interface {
	UserID() string
}

// ConfirmFunc is asked before deleting a category that still has
// transactions. usage is the number of transactions that will go with it.
type ConfirmFunc func(usage int) bool

type Options struct {
	// Converter fills BaseAmount on writes. Defaults to built-in rates
	// into core.DefaultCurrency.
	Converter *core.Converter
	// Categories caches category lists per user. Defaults to a one-minute
	// LRU cache.
	Categories cache.Cache[[]core.Category]
	Logger     *log.Logger
}

type Client struct {
	api        *api.Client
	identity   Identity
	converter  *core.Converter
	categories cache.Cache[[]core.Category]
	logger     *log.Logger
	events     *log.StructuredLogger
}

func NewClient(apiClient *api.Client, identity Identity, opts Options) *Client {
	conv := opts.Converter
	if conv == nil {
		conv = core.NewConverter(nil, core.DefaultCurrency)
	}
	categories := opts.Categories
	if categories == nil {
		categories = cache.NewLRUCache[[]core.Category](16, time.Minute)
	}
	logger := log.Or(opts.Logger, log.ComponentFinance)
	return &Client{
		api:        apiClient,
		identity:   identity,
		converter:  conv,
		categories: categories,
		logger:     logger,
		events:     log.NewStructuredLogger(logger),
	}
}

func (c *Client) userID() (string, error) {
	if c.identity == nil {
		return "", ErrNotAuthenticated
	}
	id := c.identity.UserID()
	if id == "" {
		return "", ErrNotAuthenticated
	}
	return id, nil
}

func categoriesKey(userID string) string {
	return "categories:" + userID
}

// InvalidateCategories drops the cached category list of the current user.
func (c *Client) InvalidateCategories() {
	if id, err := c.userID(); err == nil {
		c.categories.Delete(categoriesKey(id))
	}
}

// mapError turns backend status errors into this package's sentinels.
func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case api.IsStatus(err, http.StatusNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case api.IsStatus(err, http.StatusConflict):
		return fmt.Errorf("%w: %v", ErrCategoryExists, err)
	}
	return err
}

func itemPath(base, id string) string {
	return base + "/" + url.PathEscape(id)
}

// ListCategories returns the user's categories, from cache when fresh.
func (c *Client) ListCategories(ctx context.Context) ([]core.Category, error) {
	uid, err := c.userID()
	if err != nil {
		return nil, err
	}
	if cached, ok := c.categories.Get(categoriesKey(uid)); ok {
		return append([]core.Category(nil), cached...), nil
	}

	var cats []core.Category
	if err := c.api.GetJSON(ctx, CategoriesPath, nil, &cats); err != nil {
		return nil, mapError(err)
	}
	if cats == nil {
		cats = []core.Category{}
	}
	c.categories.Set(categoriesKey(uid), cats)
	return append([]core.Category(nil), cats...), nil
}

func (c *Client) GetCategory(ctx context.Context, id string) (*core.Category, error) {
	if _, err := c.userID(); err != nil {
		return nil, err
	}
	var cat core.Category
	if err := c.api.GetJSON(ctx, itemPath(CategoriesPath, id), nil, &cat); err != nil {
		return nil, mapError(err)
	}
	return &cat, nil
}

// checkCategoryName rejects an empty name or one already used by another
// category of the user.
func (c *Client) checkCategoryName(ctx context.Context, name, exceptID string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", core.ValidationError{"name": "Name is required."}
	}
	cats, err := c.ListCategories(ctx)
	if err != nil {
		return "", err
	}
	for _, cat := range cats {
		if cat.ID != exceptID && core.SameCategoryName(cat.Name, name) {
			return "", fmt.Errorf("%w: %q", ErrCategoryExists, cat.Name)
		}
	}
	return name, nil
}

func (c *Client) AddCategory(ctx context.Context, name string) (*core.Category, error) {
	if _, err := c.userID(); err != nil {
		return nil, err
	}
	name, err := c.checkCategoryName(ctx, name, "")
	if err != nil {
		return nil, err
	}

	var cat core.Category
	err = c.api.SendJSON(ctx, http.MethodPost, CategoriesPath, map[string]string{"name": name}, &cat)
	c.InvalidateCategories()
	if err != nil {
		return nil, mapError(err)
	}
	c.logger.InfoContext(ctx, "Category created", log.FieldCategoryID, cat.ID)
	return &cat, nil
}

func (c *Client) UpdateCategory(ctx context.Context, id, name string) (*core.Category, error) {
	if _, err := c.userID(); err != nil {
		return nil, err
	}
	name, err := c.checkCategoryName(ctx, name, id)
	if err != nil {
		return nil, err
	}

	var cat core.Category
	err = c.api.SendJSON(ctx, http.MethodPut, itemPath(CategoriesPath, id), map[string]string{"name": name}, &cat)
	c.InvalidateCategories()
	if err != nil {
		return nil, mapError(err)
	}
	return &cat, nil
}

// CategoryUsage counts the user's transactions filed under the category.
func (c *Client) CategoryUsage(ctx context.Context, id string) (int, error) {
	txs, err := c.ListTransactions(ctx, "")
	if err != nil {
		return 0, err
	}
	n := 0
	for _, tx := range txs {
		if tx.CategoryID == id || (tx.Category != nil && tx.Category.ID == id) {
			n++
		}
	}
	return n, nil
}

// DeleteCategory removes a category and, in the backend, every transaction
// filed under it. When the category is in use confirm decides; a nil
// confirm or a false answer cancels without error and deleted is false.
func (c *Client) DeleteCategory(ctx context.Context, id string, confirm ConfirmFunc) (deleted bool, err error) {
	if _, err := c.userID(); err != nil {
		return false, err
	}
	usage, err := c.CategoryUsage(ctx, id)
	if err != nil {
		return false, err
	}
	if usage > 0 && (confirm == nil || !confirm(usage)) {
		return false, nil
	}

	_, err = c.api.Do(ctx, api.Request{Method: http.MethodDelete, Path: itemPath(CategoriesPath, id)})
	c.InvalidateCategories()
	if err != nil {
		return false, mapError(err)
	}
	c.logger.InfoContext(ctx, "Category deleted",
		log.FieldCategoryID, id, log.FieldCount, usage)
	return true, nil
}

// ListTransactions returns the user's transactions of the given type, or
// all of them for the empty type, newest first.
func (c *Client) ListTransactions(ctx context.Context, typ core.TransactionType) ([]core.Transaction, error) {
	if _, err := c.userID(); err != nil {
		return nil, err
	}
	var query url.Values
	if typ != "" {
		if !typ.Valid() {
			return nil, fmt.Errorf("%w: %q", core.ErrInvalidType, typ)
		}
		query = url.Values{"type": {string(typ)}}
	}

	var txs []core.Transaction
	if err := c.api.GetJSON(ctx, TransactionsPath, query, &txs); err != nil {
		return nil, mapError(err)
	}
	if txs == nil {
		txs = []core.Transaction{}
	}
	c.embedCategories(ctx, txs)
	core.SortByDateDesc(txs)
	return txs, nil
}

// embedCategories fills Category where the backend left it out. Lookup
// failures leave the field empty.
func (c *Client) embedCategories(ctx context.Context, txs []core.Transaction) {
	missing := false
	for _, tx := range txs {
		if tx.Category == nil && tx.CategoryID != "" {
			missing = true
			break
		}
	}
	if !missing {
		return
	}
	cats, err := c.ListCategories(ctx)
	if err != nil {
		return
	}
	byID := make(map[string]core.Category, len(cats))
	for _, cat := range cats {
		byID[cat.ID] = cat
	}
	for i := range txs {
		if txs[i].Category != nil {
			continue
		}
		if cat, ok := byID[txs[i].CategoryID]; ok {
			cat := cat
			txs[i].Category = &cat
		}
	}
}

func (c *Client) GetTransaction(ctx context.Context, id string) (*core.Transaction, error) {
	if _, err := c.userID(); err != nil {
		return nil, err
	}
	var tx core.Transaction
	if err := c.api.GetJSON(ctx, itemPath(TransactionsPath, id), nil, &tx); err != nil {
		return nil, mapError(err)
	}
	return &tx, nil
}

// transactionPayload is the write body. Amounts go out as JSON numbers and
// the embedded category is never sent.
type transactionPayload struct {
	Title        string       `json:"title"`
	Amount       json.Number  `json:"amount"`
	Date         string       `json:"date"`
	Type         string       `json:"type"`
	CategoryID   string       `json:"categoryId"`
	Tags         []string     `json:"tags"`
	CurrencyCode string       `json:"currencyCode"`
	BaseAmount   *json.Number `json:"baseAmount"`
}

// prepare validates tx, checks its category and builds the write payload.
func (c *Client) prepare(ctx context.Context, tx core.Transaction) (transactionPayload, error) {
	if err := tx.Validate(); err != nil {
		return transactionPayload{}, err
	}
	cats, err := c.ListCategories(ctx)
	if err != nil {
		return transactionPayload{}, err
	}
	known := false
	for _, cat := range cats {
		if cat.ID == tx.CategoryID {
			known = true
			break
		}
	}
	if !known {
		return transactionPayload{}, core.ValidationError{core.FieldCategory: MsgCategoryUnknown}
	}

	currency := core.CurrencyOrDefault(tx.CurrencyCode)
	tags := tx.Tags
	if tags == nil {
		tags = []string{}
	}
	p := transactionPayload{
		Title:        strings.TrimSpace(tx.Title),
		Amount:       json.Number(tx.Amount.String()),
		Date:         tx.Date.String(),
		Type:         string(tx.Type),
		CategoryID:   tx.CategoryID,
		Tags:         tags,
		CurrencyCode: currency,
	}
	if base := c.converter.BaseAmount(tx.Amount, currency); base.Valid {
		n := json.Number(base.Decimal.String())
		p.BaseAmount = &n
	}
	return p, nil
}

func (c *Client) AddTransaction(ctx context.Context, tx core.Transaction) (*core.Transaction, error) {
	if _, err := c.userID(); err != nil {
		return nil, err
	}
	payload, err := c.prepare(ctx, tx)
	if err != nil {
		return nil, err
	}
	var created core.Transaction
	if err := c.api.SendJSON(ctx, http.MethodPost, TransactionsPath, payload, &created); err != nil {
		return nil, mapError(err)
	}
	c.events.LogTransactionWritten(ctx, log.OpCreate, created.ID, string(created.Type), created.Amount.String(), created.Currency(), created.CategoryID)
	return &created, nil
}

func (c *Client) UpdateTransaction(ctx context.Context, id string, tx core.Transaction) (*core.Transaction, error) {
	if _, err := c.userID(); err != nil {
		return nil, err
	}
	payload, err := c.prepare(ctx, tx)
	if err != nil {
		return nil, err
	}
	var updated core.Transaction
	if err := c.api.SendJSON(ctx, http.MethodPut, itemPath(TransactionsPath, id), payload, &updated); err != nil {
		return nil, mapError(err)
	}
	c.events.LogTransactionWritten(ctx, log.OpUpdate, updated.ID, string(updated.Type), updated.Amount.String(), updated.Currency(), updated.CategoryID)
	return &updated, nil
}

func (c *Client) DeleteTransaction(ctx context.Context, id string) error {
	if _, err := c.userID(); err != nil {
		return err
	}
	if _, err := c.api.Do(ctx, api.Request{Method: http.MethodDelete, Path: itemPath(TransactionsPath, id)}); err != nil {
		return mapError(err)
	}
	return nil
}
