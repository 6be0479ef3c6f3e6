package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	Income  TransactionType = "income"
	Expense TransactionType = "expense"
)

// DateLayout is the wire and export format of a transaction date.
const DateLayout = "2006-01-02"

type (
	TransactionType string

	Date struct {
		time.Time
	}

	// UserMetadata is the profile data attached to an account at signup.
	UserMetadata struct {
		Username string `json:"username,omitempty"`
		Language string `json:"language,omitempty"`
	}

	// Session is the authenticated identity of the current user.
	Session struct {
		UserID      string       `json:"id"`
		Email       string       `json:"email"`
		AccessToken string       `json:"-"`
		ExpiresAt   *time.Time   `json:"expiresAt,omitempty"`
		Metadata    UserMetadata `json:"metadata"`
	}

	// Credentials is the token pair kept in durable storage.
	Credentials struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken,omitempty"`
	}

	Category struct {
		ID      string `json:"id"`
		Name    string `json:"name"`
		OwnerID string `json:"userId,omitempty"`
	}

	Transaction struct {
		ID           string              `json:"id"`
		Title        string              `json:"title"`
		Amount       decimal.Decimal     `json:"amount"`
		Date         Date                `json:"date"`
		Type         TransactionType     `json:"type"`
		CategoryID   string              `json:"categoryId"`
		Category     *Category           `json:"category,omitempty"` // read side only
		Tags         []string            `json:"tags"`
		CurrencyCode string              `json:"currencyCode,omitempty"`
		BaseAmount   decimal.NullDecimal `json:"baseAmount"`
		OwnerID      string              `json:"userId,omitempty"`
	}
)

var (
	ErrInvalidAmount = errors.New("invalid amount")
	ErrInvalidDate   = errors.New("invalid date")
	ErrInvalidType   = errors.New("invalid transaction type")
)

// Valid reports whether t is income or expense.
func (t TransactionType) Valid() bool {
	return t == Income || t == Expense
}

// ParseTransactionType accepts "income", "expense" and, as the empty filter, "" or "all".
func ParseTransactionType(s string) (TransactionType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all":
		return "", nil
	case string(Income):
		return Income, nil
	case string(Expense):
		return Expense, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidType, s)
	}
}

// NewDate creates a new Date from year, month, day
func NewDate(year, month, day int) Date {
	return Date{Time: time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)}
}

// ParseDate parses an ISO calendar date. Full RFC 3339 timestamps are
// accepted and truncated to their calendar day.
func ParseDate(s string) (Date, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Date{}, ErrInvalidDate
	}
	if t, err := time.Parse(DateLayout, s); err == nil {
		return Date{Time: t}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return Date{}, fmt.Errorf("%w: %q", ErrInvalidDate, s)
	}
	return NewDate(t.Year(), int(t.Month()), t.Day()), nil
}

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.Format(DateLayout)
}

// YearMonth returns the calendar bucket of the date.
func (d Date) YearMonth() (int, int) {
	return d.Year(), int(d.Month())
}

func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*d = Date{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidDate, data)
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// DisplayName derives the name shown for a user: the profile username when
// present, otherwise the local part of the email address.
func (s *Session) DisplayName() string {
	if s == nil {
		return ""
	}
	if name := strings.TrimSpace(s.Metadata.Username); name != "" {
		return name
	}
	local, _, _ := strings.Cut(s.Email, "@")
	return local
}

// Expired reports whether the session carries an expiry that has passed.
func (s *Session) Expired(now time.Time) bool {
	return s != nil && s.ExpiresAt != nil && !now.Before(*s.ExpiresAt)
}

// EffectiveAmount is the amount used for reporting totals: the converted
// base amount when present, the raw amount otherwise.
func (t Transaction) EffectiveAmount() decimal.Decimal {
	if t.BaseAmount.Valid {
		return t.BaseAmount.Decimal
	}
	return t.Amount
}

// Currency returns the transaction currency with the default applied.
func (t Transaction) Currency() string {
	return CurrencyOrDefault(t.CurrencyCode)
}

// CategoryName returns the embedded category name, if resolved.
func (t Transaction) CategoryName() string {
	if t.Category == nil {
		return ""
	}
	return t.Category.Name
}

// SameCategoryName compares category names the way uniqueness is enforced:
// surrounding space is ignored and case folds.
func SameCategoryName(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
