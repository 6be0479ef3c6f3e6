package cli

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"finances/internal/log"
	"finances/internal/session"
)

func (a *App) login(ctx context.Context, args []string) error {
	fs := a.flagSet("login")
	email := fs.String("email", "", "Account email")
	password := fs.String("password", "", "Password (optional, will prompt if omitted)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *email == "" {
		fs.Usage()
		return errors.New("missing required flag: email")
	}

	pw, err := a.promptPassword(*password)
	if err != nil {
		return err
	}
	s, err := a.Session.Login(ctx, *email, pw)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Stdout, "Signed in as %s\n", s.DisplayName())
	return nil
}

func (a *App) register(ctx context.Context, args []string) error {
	fs := a.flagSet("register")
	email := fs.String("email", "", "Account email")
	username := fs.String("username", "", "Display name")
	password := fs.String("password", "", "Password (optional, will prompt if omitted)")
	language := fs.String("language", "en", "Language of the confirmation email (en or sq)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *email == "" || *username == "" {
		fs.Usage()
		return errors.New("missing required flags: email, username")
	}

	pw, err := a.promptPassword(*password)
	if err != nil {
		return err
	}
	res, err := a.Session.Register(ctx, session.RegisterParams{
		Email:    *email,
		Username: *username,
		Password: pw,
		Language: *language,
	})
	if err != nil {
		return err
	}
	switch r := res.(type) {
	case session.LoggedIn:
		fmt.Fprintf(a.Stdout, "Account created. Signed in as %s\n", r.Session.DisplayName())
	case session.ConfirmationPending:
		fmt.Fprintf(a.Stdout, "Account created. Check %s for a confirmation link.\n", r.Email)
	}
	return nil
}

func (a *App) logout(ctx context.Context, args []string) error {
	fs := a.flagSet("logout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	// the user id is only needed for the sign-out event
	_ = a.Session.Bootstrap(ctx)
	if err := a.Session.Logout(ctx); err != nil {
		return err
	}
	fmt.Fprintln(a.Stdout, "Signed out.")
	return nil
}

func (a *App) confirmEmail(ctx context.Context, args []string) error {
	fs := a.flagSet("confirm")
	tokenHash := fs.String("token-hash", "", "token_hash parameter of the confirmation link")
	typ := fs.String("type", "signup", "type parameter of the confirmation link")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *tokenHash == "" {
		fs.Usage()
		return errors.New("missing required flag: token-hash")
	}

	s, err := a.Session.ConfirmEmail(ctx, *tokenHash, *typ)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Stdout, "Email confirmed. Signed in as %s\n", s.DisplayName())
	return nil
}

func (a *App) whoami(ctx context.Context, args []string) error {
	fs := a.flagSet("whoami")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := a.Session.Bootstrap(ctx); err != nil {
		return err
	}
	s := a.Session.Session()
	if s == nil {
		fmt.Fprintln(a.Stdout, "Not signed in.")
		return nil
	}
	w := a.table()
	fmt.Fprintf(w, "Name:\t%s\n", s.DisplayName())
	fmt.Fprintf(w, "Email:\t%s\n", s.Email)
	fmt.Fprintf(w, "User ID:\t%s\n", s.UserID)
	if s.ExpiresAt != nil {
		fmt.Fprintf(w, "Expires:\t%s\n", s.ExpiresAt.Local().Format(time.RFC1123))
	}
	return w.Flush()
}

// describe renders a snapshot as one status line.
func describe(s session.Snapshot) string {
	line := s.State.String()
	if s.Session != nil {
		line += " as " + s.Session.DisplayName()
	}
	if s.Err != nil {
		line += " (error: " + s.Err.Error() + ")"
	}
	return line
}

// watch prints every settled session change until ctx ends. Changes made
// by other processes arrive through Consume when a broker is configured.
func (a *App) watch(ctx context.Context, args []string) error {
	fs := a.flagSet("watch")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var mu sync.Mutex
	last := ""
	show := func(s session.Snapshot) {
		if s.Loading {
			return
		}
		line := describe(s)
		mu.Lock()
		defer mu.Unlock()
		if line == last {
			return
		}
		last = line
		fmt.Fprintf(a.Stdout, "%s session %s\n", time.Now().Format(time.TimeOnly), line)
	}
	unsubscribe := a.Session.Subscribe(show)
	defer unsubscribe()

	if err := a.Session.Bootstrap(ctx); err != nil {
		a.logger().WarnContext(ctx, "Initial session read failed", log.FieldError, err)
	}
	show(a.Session.Snapshot())

	if a.Consume == nil {
		a.logger().InfoContext(ctx, "No broker configured, only changes made by this process are shown")
		<-ctx.Done()
		return nil
	}
	if err := a.Consume(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
