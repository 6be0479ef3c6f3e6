// Package hook implements the auth backend's "send email" hook: it turns
// a signup payload into a localized confirmation email and hands it to a
// mailer.
package hook

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Language of the outgoing email.
type Language string

const (
	English  Language = "en"
	Albanian Language = "sq"
)

// ParseLanguage maps user metadata to a supported language, defaulting to
// English.
func ParseLanguage(s string) Language {
	if Language(strings.ToLower(strings.TrimSpace(s))) == Albanian {
		return Albanian
	}
	return English
}

// User is the account the email is sent for.
type User struct {
	ID           string         `json:"id"`
	Email        string         `json:"email"`
	UserMetadata map[string]any `json:"user_metadata,omitempty"`
}

// Language reads user_metadata.language.
func (u *User) Language() Language {
	if u == nil || u.UserMetadata == nil {
		return English
	}
	s, _ := u.UserMetadata["language"].(string)
	return ParseLanguage(s)
}

// EmailData carries the token material generated by the auth backend.
type EmailData struct {
	Token           string `json:"token,omitempty"`
	TokenHash       string `json:"token_hash,omitempty"`
	RedirectTo      string `json:"redirect_to,omitempty"`
	EmailActionType string `json:"email_action_type,omitempty"`
	SiteURL         string `json:"site_url,omitempty"`
}

// Payload is the hook request body. Older senders put the user under
// "record" instead of "user".
type Payload struct {
	User      *User      `json:"user,omitempty"`
	Record    *User      `json:"record,omitempty"`
	EmailData *EmailData `json:"email_data,omitempty"`
}

// Recipient returns the user the email goes to, preferring "user".
func (p Payload) Recipient() *User {
	if p.User != nil {
		return p.User
	}
	return p.Record
}

var (
	ErrInvalidBaseURL = errors.New("failed to build confirmation URL")
	ErrNoLink         = errors.New("failed to generate confirmation link")
)

// ConfirmationPath is the route that completes verification.
const ConfirmationPath = "/auth/confirmed"

// BuildConfirmationURL points the email link at the confirmation route of
// baseURL, carrying token_hash and type. Without both it falls back to
// redirect_to.
func BuildConfirmationURL(baseURL string, data EmailData) (string, error) {
	if data.TokenHash != "" && data.EmailActionType != "" {
		u, err := url.Parse(baseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return "", fmt.Errorf("%w: base %q", ErrInvalidBaseURL, baseURL)
		}
		u.Path = ConfirmationPath
		q := url.Values{}
		q.Set("token_hash", data.TokenHash)
		q.Set("type", data.EmailActionType)
		u.RawQuery = q.Encode()
		u.Fragment = ""
		return u.String(), nil
	}
	if data.RedirectTo != "" {
		return data.RedirectTo, nil
	}
	return "", ErrNoLink
}
