package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"finances/internal/core"
	"finances/internal/export"
)

// subcommand splits "list", "add" etc. off args, defaulting to list.
func subcommand(args []string) (string, []string) {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return "list", args
	}
	return args[0], args[1:]
}

func (a *App) categories(ctx context.Context, args []string) error {
	if _, err := a.requireSession(ctx); err != nil {
		return err
	}
	sub, rest := subcommand(args)
	fs := a.flagSet("categories " + sub)

	switch sub {
	case "list":
		if err := fs.Parse(rest); err != nil {
			return err
		}
		cats, err := a.Finance.ListCategories(ctx)
		if err != nil {
			return err
		}
		if len(cats) == 0 {
			fmt.Fprintln(a.Stdout, "No categories yet.")
			return nil
		}
		w := a.table()
		fmt.Fprintln(w, "ID\tNAME")
		for _, c := range cats {
			fmt.Fprintf(w, "%s\t%s\n", c.ID, c.Name)
		}
		return w.Flush()

	case "add":
		if err := fs.Parse(rest); err != nil {
			return err
		}
		name := strings.Join(fs.Args(), " ")
		cat, err := a.Finance.AddCategory(ctx, name)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.Stdout, "Added category %q (%s)\n", cat.Name, cat.ID)
		return nil

	case "rename":
		if err := fs.Parse(rest); err != nil {
			return err
		}
		if fs.NArg() < 2 {
			return errors.New("usage: categories rename ID NAME")
		}
		cat, err := a.Finance.UpdateCategory(ctx, fs.Arg(0), strings.Join(fs.Args()[1:], " "))
		if err != nil {
			return err
		}
		fmt.Fprintf(a.Stdout, "Renamed category %s to %q\n", cat.ID, cat.Name)
		return nil

	case "delete":
		yes := fs.Bool("yes", false, "Delete without asking, even when transactions use the category")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		if fs.NArg() != 1 {
			return errors.New("usage: categories delete [-yes] ID")
		}
		deleted, err := a.Finance.DeleteCategory(ctx, fs.Arg(0), func(usage int) bool {
			if *yes {
				return true
			}
			return a.ask(fmt.Sprintf("%d transaction(s) use this category and will be deleted with it. Continue?", usage))
		})
		if err != nil {
			return err
		}
		if !deleted {
			fmt.Fprintln(a.Stdout, "Cancelled.")
			return nil
		}
		fmt.Fprintf(a.Stdout, "Deleted category %s\n", fs.Arg(0))
		return nil
	}
	return fmt.Errorf("unknown categories subcommand %q", sub)
}

// resolveCategory accepts a category id or name and returns the id.
// Unknown references are passed through for the write to reject.
func (a *App) resolveCategory(ctx context.Context, ref string) (string, error) {
	if ref == "" {
		return "", nil
	}
	cats, err := a.Finance.ListCategories(ctx)
	if err != nil {
		return "", err
	}
	for _, c := range cats {
		if c.ID == ref {
			return ref, nil
		}
	}
	for _, c := range cats {
		if core.SameCategoryName(c.Name, ref) {
			return c.ID, nil
		}
	}
	return ref, nil
}

// transactionFlags registers the editable transaction fields on fs.
func transactionFlags(fs *flag.FlagSet) map[string]*string {
	return map[string]*string{
		core.FieldTitle:    fs.String("title", "", "Title"),
		core.FieldAmount:   fs.String("amount", "", "Amount, e.g. 12.50"),
		core.FieldDate:     fs.String("date", "", "Date (YYYY-MM-DD)"),
		core.FieldCategory: fs.String("category", "", "Category id or name"),
		core.FieldType:     fs.String("type", "", "income or expense"),
		"tags":             fs.String("tags", "", "Comma separated tags"),
		"currencyCode":     fs.String("currency", "", "ISO currency code (default "+core.DefaultCurrency+")"),
	}
}

// flagField maps flag names to form fields.
var flagField = map[string]string{
	"title":    core.FieldTitle,
	"amount":   core.FieldAmount,
	"date":     core.FieldDate,
	"category": core.FieldCategory,
	"type":     core.FieldType,
	"tags":     "tags",
	"currency": "currencyCode",
}

// fillForm copies the flags given on the command line into form.
func (a *App) fillForm(ctx context.Context, fs *flag.FlagSet, values map[string]*string, form *core.TransactionForm) error {
	var err error
	fs.Visit(func(f *flag.Flag) {
		field, ok := flagField[f.Name]
		if !ok || err != nil {
			return
		}
		value := *values[field]
		if field == core.FieldCategory {
			value, err = a.resolveCategory(ctx, value)
		}
		form.Set(field, value)
	})
	return err
}

func (a *App) transactions(ctx context.Context, args []string) error {
	if _, err := a.requireSession(ctx); err != nil {
		return err
	}
	sub, rest := subcommand(args)
	fs := a.flagSet("transactions " + sub)

	switch sub {
	case "list":
		typ := fs.String("type", "", "Only income or expense")
		year := fs.Int("year", 0, "Only this year")
		category := fs.String("category", "", "Only this category id or name")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		txs, err := a.filtered(ctx, *typ, *year, *category)
		if err != nil {
			return err
		}
		return a.printTransactions(txs)

	case "add":
		values := transactionFlags(fs)
		if err := fs.Parse(rest); err != nil {
			return err
		}
		form := core.NewTransactionForm(nil)
		form.Set(core.FieldDate, a.today().String())
		form.Set(core.FieldType, string(core.Expense))
		if err := a.fillForm(ctx, fs, values, form); err != nil {
			return err
		}
		tx, err := form.Submit()
		if err != nil {
			return err
		}
		created, err := a.Finance.AddTransaction(ctx, tx)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.Stdout, "Added %s %q (%s)\n", created.Type, created.Title, created.ID)
		return nil

	case "update":
		values := transactionFlags(fs)
		if err := fs.Parse(rest); err != nil {
			return err
		}
		if fs.NArg() != 1 {
			return errors.New("usage: transactions update ID [flags]")
		}
		id := fs.Arg(0)
		current, err := a.Finance.GetTransaction(ctx, id)
		if err != nil {
			return err
		}
		form := core.NewTransactionForm(current)
		if err := a.fillForm(ctx, fs, values, form); err != nil {
			return err
		}
		tx, err := form.Submit()
		if err != nil {
			return err
		}
		updated, err := a.Finance.UpdateTransaction(ctx, id, tx)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.Stdout, "Updated %s %q (%s)\n", updated.Type, updated.Title, id)
		return nil

	case "delete":
		if err := fs.Parse(rest); err != nil {
			return err
		}
		if fs.NArg() != 1 {
			return errors.New("usage: transactions delete ID")
		}
		if err := a.Finance.DeleteTransaction(ctx, fs.Arg(0)); err != nil {
			return err
		}
		fmt.Fprintf(a.Stdout, "Deleted transaction %s\n", fs.Arg(0))
		return nil
	}
	return fmt.Errorf("unknown transactions subcommand %q", sub)
}

// filtered lists transactions narrowed by type, year and category.
func (a *App) filtered(ctx context.Context, typ string, year int, category string) ([]core.Transaction, error) {
	var t core.TransactionType
	if typ != "" {
		var err error
		if t, err = core.ParseTransactionType(typ); err != nil {
			return nil, err
		}
	}
	categoryID, err := a.resolveCategory(ctx, category)
	if err != nil {
		return nil, err
	}
	txs, err := a.Finance.ListTransactions(ctx, t)
	if err != nil {
		return nil, err
	}
	return core.Filter{Year: year, CategoryID: categoryID}.Apply(txs), nil
}

func (a *App) printTransactions(txs []core.Transaction) error {
	if len(txs) == 0 {
		fmt.Fprintln(a.Stdout, "No transactions.")
		return nil
	}
	w := a.table()
	fmt.Fprintln(w, "DATE\tTYPE\tTITLE\tAMOUNT\tCATEGORY\tTAGS\tID")
	for _, t := range txs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s %s\t%s\t%s\t%s\n",
			t.Date, t.Type, t.Title, t.Amount.StringFixed(2), t.Currency(),
			t.CategoryName(), strings.Join(t.Tags, ", "), t.ID)
	}
	return w.Flush()
}

func (a *App) summary(ctx context.Context, args []string) error {
	if _, err := a.requireSession(ctx); err != nil {
		return err
	}
	fs := a.flagSet("summary")
	year := fs.Int("year", 0, "Only this year")
	if err := fs.Parse(args); err != nil {
		return err
	}
	txs, err := a.filtered(ctx, "", *year, "")
	if err != nil {
		return err
	}
	if len(txs) == 0 {
		fmt.Fprintln(a.Stdout, "No transactions.")
		return nil
	}

	w := a.table()
	fmt.Fprintf(w, "Income:\t%s\n", core.TotalByType(txs, core.Income).StringFixed(2))
	fmt.Fprintf(w, "Expenses:\t%s\n", core.TotalByType(txs, core.Expense).StringFixed(2))
	fmt.Fprintf(w, "Balance:\t%s\n", core.Balance(txs).StringFixed(2))
	if err := w.Flush(); err != nil {
		return err
	}
	if core.HasMixedCurrencies(txs) {
		fmt.Fprintln(a.Stdout, "Note: transactions use more than one currency; totals add converted amounts where a rate is known.")
	}

	fmt.Fprintln(a.Stdout)
	w = a.table()
	fmt.Fprintln(w, "MONTH\tINCOME\tEXPENSES")
	for _, m := range core.MonthlySeries(txs) {
		fmt.Fprintf(w, "%04d-%02d\t%s\t%s\n", m.Year, m.Month, m.Income.StringFixed(2), m.Expense.StringFixed(2))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	breakdown := core.CategoryBreakdown(txs, core.Expense)
	if len(breakdown) == 0 {
		return nil
	}
	fmt.Fprintln(a.Stdout)
	w = a.table()
	fmt.Fprintln(w, "CATEGORY\tEXPENSES")
	for _, c := range breakdown {
		fmt.Fprintf(w, "%s\t%s\n", c.Name, c.Amount.StringFixed(2))
	}
	return w.Flush()
}

func (a *App) export(ctx context.Context, args []string) error {
	if _, err := a.requireSession(ctx); err != nil {
		return err
	}
	fs := a.flagSet("export")
	format := fs.String("format", "csv", "csv or sheets")
	out := fs.String("o", export.DefaultFilename, "CSV output file, - for stdout")
	year := fs.Int("year", 0, "Only this year")
	typ := fs.String("type", "", "Only income or expense")
	if err := fs.Parse(args); err != nil {
		return err
	}

	txs, err := a.filtered(ctx, *typ, *year, "")
	if err != nil {
		return err
	}

	switch *format {
	case "csv":
		if *out == "-" {
			return export.WriteCSV(a.Stdout, txs)
		}
		path, err := export.WriteFile(*out, txs)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.Stdout, "Wrote %d transaction(s) to %s\n", len(txs), path)
		return nil

	case "sheets":
		if a.Sheets == nil {
			return errors.New("sheets export is not configured: set GOOGLE_SPREADSHEET_ID and a service account")
		}
		exp, err := a.Sheets(ctx)
		if err != nil {
			return err
		}
		ranges, err := exp.Export(ctx, txs)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.Stdout, "Exported %d transaction(s)\n", len(txs))
		for _, r := range ranges {
			fmt.Fprintf(a.Stdout, "  %s\n", r)
		}
		return nil
	}
	return fmt.Errorf("unknown export format %q: must be csv or sheets", *format)
}

// sheetsAuthTimeout bounds the wait for the browser consent.
const sheetsAuthTimeout = 5 * time.Minute

func (a *App) sheetsAuth(ctx context.Context, args []string) error {
	fs := a.flagSet("sheets-auth")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if a.SheetsAuth == nil {
		return errors.New("set GOOGLE_OAUTH_CLIENT_JSON or GOOGLE_OAUTH_CLIENT_FILE")
	}
	ctx, cancel := context.WithTimeout(ctx, sheetsAuthTimeout)
	defer cancel()
	path, err := a.SheetsAuth(ctx, func(consentURL string) {
		fmt.Fprintf(a.Stdout, "Open this URL to authorize:\n%s\n", consentURL)
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Stdout, "Saved token to %s\n", path)
	return nil
}
