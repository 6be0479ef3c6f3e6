package backend

import (
	"context"

	"finances/internal/bus"
	"finances/internal/storage"
)

// CleanupFunc represents a cleanup function for resources
type CleanupFunc func() error

// Result holds what the factory built. Run, when set, is the bus
// consumer loop and must be started by the caller.
type Result struct {
	Store   storage.Store
	Bus     bus.Bus
	Run     func(ctx context.Context) error
	Cleanup CleanupFunc
}

// Factory creates the client storage and session bus from configuration
type Factory interface {
	CreateBackend(ctx context.Context, config Config) (*Result, error)
}

// Config holds configuration for backend creation
type Config struct {
	Type BackendType

	// SQLite specific
	SQLiteDBPath string

	// Optional cross-process bus
	AMQPURL      string
	AMQPExchange string
}

// BackendType selects where credentials are stored
type BackendType string

const (
	SQLiteBackend BackendType = "sqlite"
	MemoryBackend BackendType = "memory"
)

// String implements fmt.Stringer
func (bt BackendType) String() string {
	return string(bt)
}

// IsValid returns true if the backend type is valid
func (bt BackendType) IsValid() bool {
	switch bt {
	case SQLiteBackend, MemoryBackend:
		return true
	default:
		return false
	}
}
