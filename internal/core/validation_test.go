package core

import (
	"errors"
	"reflect"
	"testing"
)

func validInput() TransactionInput {
	return TransactionInput{
		Title:      "Rent",
		Amount:     "750,00",
		Date:       "2024-05-01",
		CategoryID: "c1",
		Type:       "expense",
		Tags:       "home, monthly, ",
	}
}

func TestTransactionInputTransaction(t *testing.T) {
	tx, err := validInput().Transaction()
	if err != nil {
		t.Fatalf("Transaction() error = %v", err)
	}
	if tx.Amount.String() != "750" {
		t.Errorf("Amount = %s, want 750", tx.Amount)
	}
	if tx.CurrencyCode != DefaultCurrency {
		t.Errorf("CurrencyCode = %q, want %q", tx.CurrencyCode, DefaultCurrency)
	}
	if !reflect.DeepEqual(tx.Tags, []string{"home", "monthly"}) {
		t.Errorf("Tags = %v, want [home monthly]", tx.Tags)
	}
}

func TestTransactionInputValidate(t *testing.T) {
	err := TransactionInput{Amount: "-3", Date: "not a date", Type: "gift"}.Validate()
	var verr ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	want := ValidationError{
		FieldTitle:    MsgTitleRequired,
		FieldAmount:   MsgAmountPositive,
		FieldDate:     MsgDateInvalid,
		FieldCategory: MsgCategoryRequired,
		FieldType:     MsgTypeRequired,
	}
	if !reflect.DeepEqual(verr, want) {
		t.Fatalf("errors = %v, want %v", verr, want)
	}
}

func TestTransactionFormClearsErrorsIncrementally(t *testing.T) {
	f := NewTransactionForm(nil)
	if _, err := f.Submit(); err == nil {
		t.Fatal("empty form should not submit")
	}
	if len(f.Errors()) != 5 {
		t.Fatalf("expected 5 field errors, got %v", f.Errors())
	}

	f.Set(FieldTitle, "Salary")
	if _, ok := f.Errors()[FieldTitle]; ok {
		t.Error("title error should clear once title is set")
	}
	if len(f.Errors()) != 4 {
		t.Errorf("other errors should remain, got %v", f.Errors())
	}

	f.Set(FieldAmount, "0")
	if f.Errors()[FieldAmount] != MsgAmountPositive {
		t.Error("amount error should stay while amount is invalid")
	}
	f.Set(FieldAmount, "2000")
	f.Set(FieldDate, "2024-06-27")
	f.Set(FieldCategory, "c9")
	f.Set(FieldType, "income")
	if len(f.Errors()) != 0 {
		t.Fatalf("all errors should be cleared, got %v", f.Errors())
	}

	tx, err := f.Submit()
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if tx.Type != Income || tx.CategoryID != "c9" {
		t.Errorf("unexpected transaction %+v", tx)
	}
}

func TestTransactionFormDoesNotFlagUntouchedFields(t *testing.T) {
	f := NewTransactionForm(nil)
	f.Set(FieldAmount, "abc")
	if len(f.Errors()) != 0 {
		t.Fatalf("errors should only appear after submit, got %v", f.Errors())
	}
}

func TestNewTransactionFormFromExisting(t *testing.T) {
	existing, err := validInput().Transaction()
	if err != nil {
		t.Fatalf("Transaction() error = %v", err)
	}
	existing.CategoryID = ""
	existing.Category = &Category{ID: "c7", Name: "Home"}

	f := NewTransactionForm(&existing)
	if f.Input.CategoryID != "c7" {
		t.Errorf("CategoryID = %q, want c7 from embedded category", f.Input.CategoryID)
	}
	if f.Input.Tags != "home, monthly" {
		t.Errorf("Tags = %q, want \"home, monthly\"", f.Input.Tags)
	}
}

func TestTransactionValidate(t *testing.T) {
	tx, _ := validInput().Transaction()
	if err := tx.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	tx.Title = " "
	if err := tx.Validate(); err == nil {
		t.Fatal("blank title should fail validation")
	}
}
