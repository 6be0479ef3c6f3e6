package core

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Form field names used as ValidationError keys.
const (
	FieldTitle    = "title"
	FieldAmount   = "amount"
	FieldDate     = "date"
	FieldCategory = "categoryId"
	FieldType     = "type"
)

// Messages shown for each invalid field.
const (
	MsgTitleRequired    = "Title is required."
	MsgAmountPositive   = "Amount must be a positive number."
	MsgDateRequired     = "Date is required."
	MsgDateInvalid      = "Date must be a valid date (YYYY-MM-DD)."
	MsgCategoryRequired = "Category is required."
	MsgTypeRequired     = "Type is required."
)

// ValidationError maps a form field to its error message.
type ValidationError map[string]string

func (e ValidationError) Error() string {
	fields := make([]string, 0, len(e))
	for f := range e {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, f+": "+e[f])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// TransactionInput is the raw, user-entered form of a transaction.
type TransactionInput struct {
	Title        string
	Amount       string
	Date         string
	CategoryID   string
	Type         string
	Tags         string // comma separated
	CurrencyCode string
}

// ValidateField checks a single field of the input and returns its message,
// or "" when the field is valid.
func (in TransactionInput) ValidateField(field string) string {
	switch field {
	case FieldTitle:
		if strings.TrimSpace(in.Title) == "" {
			return MsgTitleRequired
		}
	case FieldAmount:
		if _, err := ParseAmount(in.Amount); err != nil {
			return MsgAmountPositive
		}
	case FieldDate:
		if strings.TrimSpace(in.Date) == "" {
			return MsgDateRequired
		}
		if _, err := ParseDate(in.Date); err != nil {
			return MsgDateInvalid
		}
	case FieldCategory:
		if strings.TrimSpace(in.CategoryID) == "" {
			return MsgCategoryRequired
		}
	case FieldType:
		if t := TransactionType(strings.ToLower(strings.TrimSpace(in.Type))); !t.Valid() {
			return MsgTypeRequired
		}
	}
	return ""
}

// Validate checks every field and returns a ValidationError listing each
// invalid one, or nil.
func (in TransactionInput) Validate() error {
	errs := ValidationError{}
	for _, f := range []string{FieldTitle, FieldAmount, FieldDate, FieldCategory, FieldType} {
		if msg := in.ValidateField(f); msg != "" {
			errs[f] = msg
		}
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Transaction validates the input and converts it to a Transaction.
func (in TransactionInput) Transaction() (Transaction, error) {
	if err := in.Validate(); err != nil {
		return Transaction{}, err
	}
	amount, _ := ParseAmount(in.Amount)
	date, _ := ParseDate(in.Date)
	return Transaction{
		Title:        strings.TrimSpace(in.Title),
		Amount:       amount,
		Date:         date,
		Type:         TransactionType(strings.ToLower(strings.TrimSpace(in.Type))),
		CategoryID:   strings.TrimSpace(in.CategoryID),
		Tags:         SplitTags(in.Tags),
		CurrencyCode: CurrencyOrDefault(in.CurrencyCode),
	}, nil
}

// SplitTags splits a comma separated tag list, dropping empty entries.
func SplitTags(s string) []string {
	tags := []string{}
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

// Validate checks an already-typed transaction before it is sent.
func (t Transaction) Validate() error {
	errs := ValidationError{}
	if strings.TrimSpace(t.Title) == "" {
		errs[FieldTitle] = MsgTitleRequired
	}
	if !t.Amount.GreaterThan(decimal.Zero) {
		errs[FieldAmount] = MsgAmountPositive
	}
	if t.Date.IsZero() {
		errs[FieldDate] = MsgDateRequired
	}
	if strings.TrimSpace(t.CategoryID) == "" {
		errs[FieldCategory] = MsgCategoryRequired
	}
	if !t.Type.Valid() {
		errs[FieldType] = MsgTypeRequired
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// TransactionForm tracks field errors while a transaction is being edited.
// An error is raised by Submit and cleared again by Set as soon as the
// corrected field validates.
type TransactionForm struct {
	Input  TransactionInput
	errors ValidationError
}

// NewTransactionForm starts a form, optionally prefilled from an existing
// transaction.
func NewTransactionForm(initial *Transaction) *TransactionForm {
	f := &TransactionForm{errors: ValidationError{}}
	if initial != nil {
		categoryID := initial.CategoryID
		if categoryID == "" && initial.Category != nil {
			categoryID = initial.Category.ID
		}
		f.Input = TransactionInput{
			Title:        initial.Title,
			Amount:       initial.Amount.String(),
			Date:         initial.Date.String(),
			CategoryID:   categoryID,
			Type:         string(initial.Type),
			Tags:         strings.Join(initial.Tags, ", "),
			CurrencyCode: initial.CurrencyCode,
		}
	}
	return f
}

// Set updates one field and re-validates only that field.
func (f *TransactionForm) Set(field, value string) {
	switch field {
	case FieldTitle:
		f.Input.Title = value
	case FieldAmount:
		f.Input.Amount = value
	case FieldDate:
		f.Input.Date = value
	case FieldCategory:
		f.Input.CategoryID = value
	case FieldType:
		f.Input.Type = value
	case "tags":
		f.Input.Tags = value
		return
	case "currencyCode":
		f.Input.CurrencyCode = value
		return
	default:
		return
	}
	if _, shown := f.errors[field]; !shown {
		return
	}
	if msg := f.Input.ValidateField(field); msg != "" {
		f.errors[field] = msg
	} else {
		delete(f.errors, field)
	}
}

// Errors returns a copy of the current field errors.
func (f *TransactionForm) Errors() ValidationError {
	out := make(ValidationError, len(f.errors))
	for k, v := range f.errors {
		out[k] = v
	}
	return out
}

// Submit validates the whole form. On failure every invalid field is
// recorded and the error returned.
func (f *TransactionForm) Submit() (Transaction, error) {
	tx, err := f.Input.Transaction()
	if err != nil {
		if verr, ok := err.(ValidationError); ok {
			f.errors = ValidationError{}
			for k, v := range verr {
				f.errors[k] = v
			}
		}
		return Transaction{}, err
	}
	f.errors = ValidationError{}
	return tx, nil
}
