package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrUnauthorized is returned when a request is still rejected after a
// refresh, or when the refresh itself is impossible or fails.
var ErrUnauthorized = errors.New("unauthorized")

// NetworkError reports a request that never produced an HTTP response.
type NetworkError struct {
	Method string
	Path   string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s %s: network error: %v", e.Method, e.Path, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// StatusError reports a non-2xx response other than an unrecovered 401.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.Status, e.Message)
}

// IsStatus reports whether err is a StatusError with the given status.
func IsStatus(err error, status int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == status
}

// newStatusError extracts the backend's message from common error bodies:
// {"message": ".."}, {"error": ".."} and {"error": {"message": ".."}}.
func newStatusError(status int, body []byte) *StatusError {
	msg := ""
	var payload struct {
		Message string          `json:"message"`
		Error   json.RawMessage `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil {
		msg = payload.Message
		if msg == "" && len(payload.Error) > 0 {
			var s string
			var nested struct {
				Message string `json:"message"`
			}
			if json.Unmarshal(payload.Error, &s) == nil {
				msg = s
			} else if json.Unmarshal(payload.Error, &nested) == nil {
				msg = nested.Message
			}
		}
	}
	if msg == "" {
		if text := strings.TrimSpace(string(body)); text != "" && len(text) < 200 && !strings.HasPrefix(text, "{") {
			msg = text
		} else {
			msg = http.StatusText(status)
		}
	}
	return &StatusError{Status: status, Message: msg}
}
