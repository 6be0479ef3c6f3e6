package backend

import (
	"context"
	"errors"
	"fmt"

	"finances/internal/amqp"
	"finances/internal/bus"
	"finances/internal/log"
	"finances/internal/storage"
)

// DefaultFactory implements the Factory interface
type DefaultFactory struct {
	logger *log.Logger
	// dialAMQP is replaced in tests.
	dialAMQP func(url, exchange string, logger *log.Logger) (*amqp.Client, error)
}

// NewFactory creates a new backend factory
func NewFactory(logger *log.Logger) *DefaultFactory {
	return &DefaultFactory{
		logger:   log.Or(logger, log.ComponentBackend),
		dialAMQP: amqp.NewClient,
	}
}

// CreateBackend implements Factory.CreateBackend
func (f *DefaultFactory) CreateBackend(ctx context.Context, config Config) (*Result, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	var store storage.Store
	switch config.Type {
	case SQLiteBackend:
		s, err := storage.NewSQLiteStore(config.SQLiteDBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize SQLite store: %w", err)
		}
		store = s
		f.logger.InfoContext(ctx, "Initialized SQLite store", "db_path", config.SQLiteDBPath)
	case MemoryBackend:
		store = storage.NewMemoryStore()
		f.logger.InfoContext(ctx, "Initialized memory store")
	default:
		return nil, fmt.Errorf("unsupported backend type: %s", config.Type)
	}

	res := &Result{Store: store}

	if config.AMQPURL != "" {
		client, err := f.dialAMQP(config.AMQPURL, config.AMQPExchange, f.logger)
		if err != nil {
			f.logger.WarnContext(ctx, "Failed to initialize AMQP client, continuing without cross-process sync", log.FieldError, err)
		} else {
			f.logger.InfoContext(ctx, "Initialized AMQP session bus", log.FieldExchange, config.AMQPExchange)
			res.Bus = client
			res.Run = client.Run
		}
	}
	if res.Bus == nil {
		res.Bus = bus.NewLocal()
	}

	busRef := res.Bus
	res.Cleanup = func() error {
		return errors.Join(busRef.Close(), store.Close())
	}
	return res, nil
}
