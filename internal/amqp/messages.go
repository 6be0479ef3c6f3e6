package amqp

import (
	"encoding/json"
	"time"

	"finances/internal/bus"
)

// SessionMessage is the wire form of a bus event. It carries no tokens;
// receivers re-read the session from their own source of truth.
type SessionMessage struct {
	Kind      string    `json:"kind"`
	Origin    string    `json:"origin"`
	UserID    string    `json:"userId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func NewSessionMessage(ev bus.Event) *SessionMessage {
	ts := ev.At
	if ts.IsZero() {
		ts = time.Now()
	}
	return &SessionMessage{
		Kind:      string(ev.Kind),
		Origin:    ev.Origin,
		UserID:    ev.UserID,
		Timestamp: ts,
	}
}

func (m *SessionMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func (m *SessionMessage) Event() bus.Event {
	return bus.Event{
		Kind:   bus.Kind(m.Kind),
		Origin: m.Origin,
		UserID: m.UserID,
		At:     m.Timestamp,
	}
}

func SessionMessageFromJSON(data []byte) (*SessionMessage, error) {
	var msg SessionMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
