package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sandwichfarm/nostatus/internal/config"
)

// ErrUnsupportedDriver is returned by New for an unknown storage driver
var ErrUnsupportedDriver = errors.New("unsupported storage driver")

// Backend is a durable key/value store
type Backend interface {
	// Get returns (value, found, error)
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// New opens the backend selected by cfg.Driver
func New(ctx context.Context, cfg *config.Storage) (Backend, error) {
	switch cfg.Driver {
	case "memory":
		return NewMemory(), nil
	case "sqlite":
		if err := ensureParentDir(cfg.SQLitePath); err != nil {
			return nil, err
		}
		b, err := OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize SQLite: %w", err)
		}
		return b, nil
	case "badger":
		if err := ensureParentDir(cfg.BadgerPath); err != nil {
			return nil, err
		}
		b, err := OpenBadger(cfg.BadgerPath)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize badger: %w", err)
		}
		return b, nil
	case "redis":
		b, err := OpenRedis(ctx, cfg.RedisURL, "nostatus:")
		if err != nil {
			return nil, fmt.Errorf("failed to initialize redis: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDriver, cfg.Driver)
	}
}

func ensureParentDir(path string) error {
	if path == "" || path == ":memory:" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	return nil
}
