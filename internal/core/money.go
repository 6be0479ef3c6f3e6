// Package core provides money parsing and currency handling utilities.
//
// Amounts are exact decimals. Every place that needs a currency for a
// transaction without one goes through CurrencyOrDefault.
package core

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultCurrency is the currency assumed for transactions that carry none.
const DefaultCurrency = "EUR"

// CurrencyOrDefault normalizes a currency code, falling back to DefaultCurrency.
func CurrencyOrDefault(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return DefaultCurrency
	}
	return code
}

// ParseAmount parses a user-entered amount into a positive decimal.
//
// Both dot (12.34) and comma (12,34) decimal separators are accepted.
// Signs, thousands separators and non-positive values are rejected.
//
// Examples:
//   ParseAmount("12.34") -> 12.34, nil
//   ParseAmount("12,5")  -> 12.5, nil
//   ParseAmount("0")     -> 0, ErrInvalidAmount
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "+") || strings.HasPrefix(s, "-") {
		return decimal.Zero, ErrInvalidAmount
	}
	s = strings.ReplaceAll(s, ",", ".")
	if strings.Count(s, ".") > 1 || strings.ContainsAny(s, "eE") {
		return decimal.Zero, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	if !d.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	return d, nil
}

// Rates holds exchange rates relative to Base: Pairs[X] is the value of one
// unit of Base expressed in X.
type Rates struct {
	Base      string                     `json:"base"`
	Pairs     map[string]decimal.Decimal `json:"pairs"`
	UpdatedAt time.Time                  `json:"updated_at"`
}

// DefaultRates returns an identity table for DefaultCurrency.
func DefaultRates() *Rates {
	return &Rates{
		Base:      DefaultCurrency,
		Pairs:     map[string]decimal.Decimal{DefaultCurrency: decimal.NewFromInt(1)},
		UpdatedAt: time.Now(),
	}
}

// LoadRates reads a rates table from a JSON file.
func LoadRates(path string) (*Rates, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rates file: %w", err)
	}
	var r Rates
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("parse rates file: %w", err)
	}
	r.Base = CurrencyOrDefault(r.Base)
	normalized := make(map[string]decimal.Decimal, len(r.Pairs))
	for code, rate := range r.Pairs {
		normalized[strings.ToUpper(code)] = rate
	}
	r.Pairs = normalized
	return &r, nil
}

// Convert converts amount from one currency into another. Results are
// rounded to two decimal places.
func (r *Rates) Convert(amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	from, to = CurrencyOrDefault(from), CurrencyOrDefault(to)
	if from == to {
		return amount, nil
	}
	fromRate, ok := r.rate(from)
	if !ok {
		return decimal.Zero, fmt.Errorf("unknown currency %s", from)
	}
	toRate, ok := r.rate(to)
	if !ok {
		return decimal.Zero, fmt.Errorf("unknown currency %s", to)
	}
	inBase := amount.Div(fromRate)
	return inBase.Mul(toRate).Round(2), nil
}

func (r *Rates) rate(code string) (decimal.Decimal, bool) {
	if code == r.Base {
		return decimal.NewFromInt(1), true
	}
	rate, ok := r.Pairs[code]
	if !ok || !rate.IsPositive() {
		return decimal.Zero, false
	}
	return rate, true
}

// Converter fills the reporting-currency base amount of a transaction.
type Converter struct {
	rates     *Rates
	reporting string
}

// NewConverter creates a converter into the given reporting currency.
func NewConverter(rates *Rates, reporting string) *Converter {
	if rates == nil {
		rates = DefaultRates()
	}
	return &Converter{rates: rates, reporting: CurrencyOrDefault(reporting)}
}

// Reporting returns the reporting currency code.
func (c *Converter) Reporting() string {
	return c.reporting
}

// BaseAmount converts amount to the reporting currency. Unknown currencies
// yield an invalid NullDecimal so totals fall back to the raw amount.
func (c *Converter) BaseAmount(amount decimal.Decimal, currency string) decimal.NullDecimal {
	converted, err := c.rates.Convert(amount, currency, c.reporting)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(converted)
}
