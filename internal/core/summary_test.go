package core

import (
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
)

func tx(date Date, typ TransactionType, amount string, categoryID string) Transaction {
	return Transaction{
		Date:       date,
		Type:       typ,
		Amount:     decimal.RequireFromString(amount),
		CategoryID: categoryID,
		Category:   &Category{ID: categoryID, Name: categoryID},
	}
}

func TestTotalByType(t *testing.T) {
	if !TotalByType(nil, Income).IsZero() {
		t.Fatal("total of empty list should be zero")
	}

	withBase := tx(NewDate(2024, 1, 2), Expense, "10", "c1")
	withBase.BaseAmount = decimal.NewNullDecimal(decimal.RequireFromString("9.10"))
	txs := []Transaction{
		tx(NewDate(2024, 1, 1), Income, "100.10", "c2"),
		withBase,
		tx(NewDate(2024, 1, 3), Expense, "0.20", "c1"),
	}

	if got := TotalByType(txs, Income); !got.Equal(decimal.RequireFromString("100.10")) {
		t.Errorf("income = %s, want 100.10", got)
	}
	if got := TotalByType(txs, Expense); !got.Equal(decimal.RequireFromString("9.30")) {
		t.Errorf("expense = %s, want 9.30 (base amount preferred)", got)
	}
	if got := Balance(txs); !got.Equal(decimal.RequireFromString("90.80")) {
		t.Errorf("balance = %s, want 90.80", got)
	}
}

func TestTotalByTypeSumsExactly(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for round := 0; round < 50; round++ {
		var txs []Transaction
		want := decimal.Zero
		n := r.Intn(20)
		for i := 0; i < n; i++ {
			amount := decimal.New(int64(r.Intn(100000)+1), -2)
			typ := Income
			if r.Intn(2) == 0 {
				typ = Expense
			}
			txs = append(txs, Transaction{Type: typ, Amount: amount, Date: NewDate(2024, 1+r.Intn(12), 1)})
			want = want.Add(amount)
		}
		income, expense := TotalByType(txs, Income), TotalByType(txs, Expense)
		if income.IsNegative() || expense.IsNegative() {
			t.Fatalf("round %d: negative totals %s / %s", round, income, expense)
		}
		if got := income.Add(expense); !got.Equal(want) {
			t.Fatalf("round %d: income+expense = %s, want %s", round, got, want)
		}
	}
}

func TestMonthlySeries(t *testing.T) {
	if got := MonthlySeries(nil); len(got) != 0 {
		t.Fatalf("empty input should give empty series, got %v", got)
	}

	single := MonthlySeries([]Transaction{tx(NewDate(2024, 7, 14), Income, "42", "c1")})
	if len(single) != 1 {
		t.Fatalf("expected one bucket, got %d", len(single))
	}
	b := single[0]
	if b.Year != 2024 || b.Month != 7 || !b.Income.Equal(decimal.NewFromInt(42)) || !b.Expense.IsZero() {
		t.Fatalf("unexpected bucket %+v", b)
	}

	series := MonthlySeries([]Transaction{
		tx(NewDate(2024, 3, 2), Expense, "5", "c1"),
		tx(NewDate(2023, 12, 30), Income, "1", "c1"),
		tx(NewDate(2024, 3, 20), Expense, "7", "c1"),
		tx(NewDate(2024, 1, 1), Income, "3", "c1"),
	})
	if len(series) != 3 {
		t.Fatalf("expected 3 buckets without zero-filled February, got %d", len(series))
	}
	if series[0].Year != 2023 || series[1].Month != 1 || series[2].Month != 3 {
		t.Fatalf("series not in ascending order: %+v", series)
	}
	if !series[2].Expense.Equal(decimal.NewFromInt(12)) {
		t.Fatalf("March expense = %s, want 12", series[2].Expense)
	}
}

func TestCategoryBreakdown(t *testing.T) {
	txs := []Transaction{
		tx(NewDate(2024, 1, 1), Expense, "5", "food"),
		tx(NewDate(2024, 1, 2), Expense, "20", "rent"),
		tx(NewDate(2024, 1, 3), Expense, "6", "food"),
		tx(NewDate(2024, 1, 4), Income, "999", "salary"),
	}
	got := CategoryBreakdown(txs, Expense)
	if len(got) != 2 {
		t.Fatalf("expected 2 categories, got %v", got)
	}
	if got[0].CategoryID != "rent" || !got[0].Amount.Equal(decimal.NewFromInt(20)) {
		t.Errorf("first = %+v, want rent 20", got[0])
	}
	if got[1].CategoryID != "food" || !got[1].Amount.Equal(decimal.NewFromInt(11)) {
		t.Errorf("second = %+v, want food 11", got[1])
	}
}

func TestHasMixedCurrencies(t *testing.T) {
	a := tx(NewDate(2024, 1, 1), Expense, "1", "c")
	b := a
	b.CurrencyCode = "eur"
	if HasMixedCurrencies([]Transaction{a, b}) {
		t.Error("missing currency defaults to EUR and should match eur")
	}
	c := a
	c.CurrencyCode = "USD"
	if !HasMixedCurrencies([]Transaction{a, c}) {
		t.Error("EUR and USD should be mixed")
	}
	if HasMixedCurrencies(nil) {
		t.Error("empty list is not mixed")
	}
}

func TestFilterAndYears(t *testing.T) {
	txs := []Transaction{
		tx(NewDate(2023, 5, 1), Expense, "1", "a"),
		tx(NewDate(2024, 5, 1), Income, "1", "b"),
		tx(NewDate(2024, 6, 1), Expense, "1", "a"),
	}
	if got := (Filter{Year: 2024, Type: Expense}).Apply(txs); len(got) != 1 || got[0].Date.Month() != 6 {
		t.Errorf("unexpected filter result %v", got)
	}
	if got := (Filter{CategoryID: "a"}).Apply(txs); len(got) != 2 {
		t.Errorf("category filter returned %d, want 2", len(got))
	}
	years := Years(txs)
	if len(years) != 2 || years[0] != 2024 || years[1] != 2023 {
		t.Errorf("Years() = %v, want [2024 2023]", years)
	}
}

func TestSortByDateDesc(t *testing.T) {
	txs := []Transaction{
		{ID: "old", Date: NewDate(2023, 1, 1)},
		{ID: "new-1", Date: NewDate(2024, 1, 1)},
		{ID: "new-2", Date: NewDate(2024, 1, 1)},
	}
	SortByDateDesc(txs)
	if txs[0].ID != "new-1" || txs[1].ID != "new-2" || txs[2].ID != "old" {
		t.Fatalf("unexpected order %v %v %v", txs[0].ID, txs[1].ID, txs[2].ID)
	}
}
