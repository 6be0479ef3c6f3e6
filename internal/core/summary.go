package core

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// MonthBucket holds the income and expense totals of one calendar month.
type MonthBucket struct {
	Year    int
	Month   int // 1-12
	Income  decimal.Decimal
	Expense decimal.Decimal
}

// CategoryAmount represents an amount aggregated by category.
type CategoryAmount struct {
	CategoryID string
	Name       string
	Amount     decimal.Decimal
}

// Filter narrows a transaction list the way the transaction views do.
// Zero values match everything.
type Filter struct {
	Year       int
	CategoryID string
	Type       TransactionType
}

// Apply returns the transactions matching f, preserving order.
func (f Filter) Apply(txs []Transaction) []Transaction {
	out := make([]Transaction, 0, len(txs))
	for _, t := range txs {
		if f.Year != 0 && t.Date.Year() != f.Year {
			continue
		}
		if f.CategoryID != "" && t.CategoryID != f.CategoryID {
			continue
		}
		if f.Type != "" && t.Type != f.Type {
			continue
		}
		out = append(out, t)
	}
	return out
}

// TotalByType sums the effective amount of every transaction of type typ.
func TotalByType(txs []Transaction, typ TransactionType) decimal.Decimal {
	total := decimal.Zero
	for _, t := range txs {
		if t.Type == typ {
			total = total.Add(t.EffectiveAmount())
		}
	}
	return total
}

// Balance is total income minus total expense.
func Balance(txs []Transaction) decimal.Decimal {
	return TotalByType(txs, Income).Sub(TotalByType(txs, Expense))
}

// MonthlySeries groups transactions by calendar month, oldest first.
// Months without transactions are omitted rather than zero-filled.
func MonthlySeries(txs []Transaction) []MonthBucket {
	type key struct{ year, month int }
	buckets := make(map[key]*MonthBucket)
	for _, t := range txs {
		y, m := t.Date.YearMonth()
		k := key{y, m}
		b, ok := buckets[k]
		if !ok {
			b = &MonthBucket{Year: y, Month: m, Income: decimal.Zero, Expense: decimal.Zero}
			buckets[k] = b
		}
		switch t.Type {
		case Income:
			b.Income = b.Income.Add(t.EffectiveAmount())
		case Expense:
			b.Expense = b.Expense.Add(t.EffectiveAmount())
		}
	}

	series := make([]MonthBucket, 0, len(buckets))
	for _, b := range buckets {
		series = append(series, *b)
	}
	sort.Slice(series, func(i, j int) bool {
		if series[i].Year != series[j].Year {
			return series[i].Year < series[j].Year
		}
		return series[i].Month < series[j].Month
	})
	return series
}

// CategoryBreakdown sums amounts per category for one transaction type,
// largest first. Ties are ordered by name.
func CategoryBreakdown(txs []Transaction, typ TransactionType) []CategoryAmount {
	byID := make(map[string]*CategoryAmount)
	for _, t := range txs {
		if t.Type != typ {
			continue
		}
		id := t.CategoryID
		if id == "" && t.Category != nil {
			id = t.Category.ID
		}
		ca, ok := byID[id]
		if !ok {
			ca = &CategoryAmount{CategoryID: id, Name: t.CategoryName(), Amount: decimal.Zero}
			byID[id] = ca
		}
		ca.Amount = ca.Amount.Add(t.EffectiveAmount())
	}

	out := make([]CategoryAmount, 0, len(byID))
	for _, ca := range byID {
		out = append(out, *ca)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Amount.Cmp(out[j].Amount); c != 0 {
			return c > 0
		}
		return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
	})
	return out
}

// HasMixedCurrencies reports whether more than one currency appears in txs.
func HasMixedCurrencies(txs []Transaction) bool {
	seen := ""
	for _, t := range txs {
		c := t.Currency()
		if seen == "" {
			seen = c
			continue
		}
		if c != seen {
			return true
		}
	}
	return false
}

// Years lists the distinct transaction years, newest first.
func Years(txs []Transaction) []int {
	set := make(map[int]struct{})
	for _, t := range txs {
		if !t.Date.IsZero() {
			set[t.Date.Year()] = struct{}{}
		}
	}
	years := make([]int, 0, len(set))
	for y := range set {
		years = append(years, y)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(years)))
	return years
}

// SortByDateDesc orders transactions newest first, keeping the existing
// order for equal dates.
func SortByDateDesc(txs []Transaction) {
	sort.SliceStable(txs, func(i, j int) bool {
		return txs[i].Date.After(txs[j].Date.Time)
	})
}
