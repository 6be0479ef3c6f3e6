package api

import (
	"strings"
	"time"

	"finances/internal/core"
)

// AuthPayload is the body returned by login, register, refresh and verify.
type AuthPayload struct {
	AccessToken  string       `json:"accessToken"`
	RefreshToken string       `json:"refreshToken,omitempty"`
	ExpiresIn    int          `json:"expiresIn,omitempty"` // seconds
	User         *UserPayload `json:"user,omitempty"`
}

// UserPayload is the backend's view of an account.
type UserPayload struct {
	ID       string            `json:"id"`
	Email    string            `json:"email"`
	Username string            `json:"username,omitempty"`
	Language string            `json:"language,omitempty"`
	Metadata core.UserMetadata `json:"user_metadata"`
}

// Credentials returns the token pair carried by the payload.
func (p AuthPayload) Credentials() core.Credentials {
	return core.Credentials{AccessToken: p.AccessToken, RefreshToken: p.RefreshToken}
}

// Session builds a session from the payload. It is nil when the payload
// carries no access token.
func (p AuthPayload) Session(now time.Time) *core.Session {
	if strings.TrimSpace(p.AccessToken) == "" {
		return nil
	}
	s := &core.Session{AccessToken: p.AccessToken}
	if p.User != nil {
		u := p.User.Session()
		u.AccessToken = p.AccessToken
		s = u
	}
	if p.ExpiresIn > 0 {
		exp := now.Add(time.Duration(p.ExpiresIn) * time.Second)
		s.ExpiresAt = &exp
	}
	return s
}

// Session converts the user payload, preferring explicit metadata over the
// flat username and language fields.
func (u UserPayload) Session() *core.Session {
	meta := u.Metadata
	if meta.Username == "" {
		meta.Username = u.Username
	}
	if meta.Language == "" {
		meta.Language = u.Language
	}
	return &core.Session{UserID: u.ID, Email: u.Email, Metadata: meta}
}
