package cli

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	"finances/internal/auth"
	"finances/internal/core"
	"finances/internal/finance"
	"finances/internal/log"
	"finances/internal/session"
)

var (
	// ErrUsage is returned after usage text has been printed for a bad
	// invocation.
	ErrUsage       = errors.New("invalid usage")
	ErrNotSignedIn = errors.New("not signed in: run 'finances login' first")
)

// Message renders err for the terminal. Errors with a user-facing sentence
// are shown as that sentence.
func Message(err error) string {
	switch {
	case errors.Is(err, finance.ErrCategoryExists):
		return finance.MsgCategoryExists
	case errors.Is(err, auth.ErrVerificationFailed):
		return auth.MsgVerificationFailed
	}
	return err.Error()
}

// Exporter appends transactions to an external spreadsheet.
type Exporter interface {
	Export(ctx context.Context, txs []core.Transaction) ([]string, error)
}

// App is the finances command-line client.
type App struct {
	Session *session.Provider
	Finance *finance.Client
	// Sheets opens the spreadsheet exporter. Nil when no spreadsheet is
	// configured.
	Sheets func(ctx context.Context) (Exporter, error)
	// SheetsAuth runs the Google consent flow and returns the saved token
	// path. Nil when no OAuth client is configured.
	SheetsAuth func(ctx context.Context, show func(consentURL string)) (string, error)
	// Consume delivers session events published by other processes until
	// ctx ends. Nil when only the in-process bus is available.
	Consume func(ctx context.Context) error

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	Logger *log.Logger

	// Now defaults to time.Now; new transactions are dated today.
	Now func() time.Time

	lines *bufio.Reader
}

type command struct {
	name    string
	args    string
	summary string
	run     func(ctx context.Context, args []string) error
}

func (a *App) commands() []command {
	return []command{
		{"login", "-email EMAIL [-password PW]", "sign in", a.login},
		{"register", "-email EMAIL -username NAME [-password PW] [-language en|sq]", "create an account", a.register},
		{"logout", "", "sign out and forget the stored session", a.logout},
		{"confirm", "-token-hash HASH [-type signup]", "complete an email confirmation link", a.confirmEmail},
		{"whoami", "", "show the signed-in user", a.whoami},
		{"categories", "[list | add NAME | rename ID NAME | delete [-yes] ID]", "manage categories", a.categories},
		{"transactions", "[list | add | update ID | delete ID] [flags]", "manage transactions", a.transactions},
		{"summary", "[-year YYYY]", "totals, monthly series and expense breakdown", a.summary},
		{"export", "[-format csv|sheets] [-o FILE] [-year YYYY] [-type TYPE]", "export transactions", a.export},
		{"sheets-auth", "", "authorize spreadsheet export with a Google account", a.sheetsAuth},
		{"watch", "", "follow session changes until interrupted", a.watch},
	}
}

// Run executes the command named by args[0].
func (a *App) Run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		a.usage()
		return ErrUsage
	}
	name, rest := args[0], args[1:]
	switch name {
	case "help", "-h", "-help", "--help":
		a.usage()
		return nil
	}
	for _, cmd := range a.commands() {
		if cmd.name == name {
			a.logger().DebugContext(ctx, "Running command", "command", name)
			return cmd.run(ctx, rest)
		}
	}
	fmt.Fprintf(a.Stderr, "unknown command %q\n\n", name)
	a.usage()
	return ErrUsage
}

func (a *App) usage() {
	fmt.Fprintln(a.Stderr, "Usage: finances <command> [arguments]")
	fmt.Fprintln(a.Stderr)
	fmt.Fprintln(a.Stderr, "Commands:")
	w := tabwriter.NewWriter(a.Stderr, 0, 0, 2, ' ', 0)
	for _, cmd := range a.commands() {
		fmt.Fprintf(w, "  %s\t%s\t%s\n", cmd.name, cmd.args, cmd.summary)
	}
	_ = w.Flush()
}

func (a *App) logger() *log.Logger {
	if a.Logger == nil {
		a.Logger = log.Or(nil, log.ComponentCLI)
	}
	return a.Logger
}

func (a *App) flagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.Stderr)
	return fs
}

// requireSession resolves the stored session and fails when nobody is
// signed in.
func (a *App) requireSession(ctx context.Context) (*core.Session, error) {
	if err := a.Session.Bootstrap(ctx); err != nil {
		return nil, err
	}
	s := a.Session.Session()
	if s == nil {
		return nil, ErrNotSignedIn
	}
	return s, nil
}

// readLine reads one line from stdin without its line ending. A final line
// without a newline is returned as is.
func (a *App) readLine() (string, error) {
	if a.lines == nil {
		a.lines = bufio.NewReader(a.Stdin)
	}
	line, err := a.lines.ReadString('\n')
	if err != nil && (!errors.Is(err, io.EOF) || line == "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// readPassword reads without echo when stdin is a terminal.
func (a *App) readPassword() (string, error) {
	if f, ok := a.Stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	return a.readLine()
}

// promptPassword returns given, or asks for a password when it is empty.
func (a *App) promptPassword(given string) (string, error) {
	password := given
	if password == "" {
		fmt.Fprint(a.Stdout, "Password: ")
		var err error
		password, err = a.readPassword()
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		fmt.Fprintln(a.Stdout)
	}
	if strings.TrimSpace(password) == "" {
		return "", errors.New("password cannot be empty")
	}
	return password, nil
}

// ask poses a yes/no question. Anything but y or yes is a no.
func (a *App) ask(question string) bool {
	fmt.Fprintf(a.Stdout, "%s [y/N] ", question)
	answer, err := a.readLine()
	if err != nil {
		fmt.Fprintln(a.Stdout)
		return false
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	}
	return false
}

func (a *App) today() core.Date {
	now := time.Now()
	if a.Now != nil {
		now = a.Now()
	}
	return core.NewDate(now.Year(), int(now.Month()), now.Day())
}

func (a *App) table() *tabwriter.Writer {
	return tabwriter.NewWriter(a.Stdout, 0, 0, 2, ' ', 0)
}
