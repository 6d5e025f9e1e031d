package store

import (
	"context"
	"errors"
	"os"
	"sync"

	"evmigrate/internal/models"
	"evmigrate/internal/providers"
	"evmigrate/internal/structures"
)

// Handle opens a store on first use and hands the same connection pool to
// every caller. Read-write handles bring the unified schema up to date when
// they open.
type Handle struct {
	mu     sync.Mutex
	path   string
	mode   Mode
	logger providers.Logger
	store  *SqlStore
	closed bool
}

func NewHandle(path string, mode Mode, logger providers.Logger) *Handle {
	return &Handle{path: path, mode: mode, logger: logger}
}

// NewTargetHandle opens the unified store named by the configuration.
func NewTargetHandle(cfg structures.MigrationConfig, mode Mode, logger providers.Logger) *Handle {
	return NewHandle(cfg.TargetPath, mode, logger)
}

func (h *Handle) Path() string {
	return h.path
}

// Exists reports whether the database file is present without opening it.
func (h *Handle) Exists() bool {
	_, err := os.Stat(h.path)
	return err == nil
}

// Opened reports whether Get has already opened the store.
func (h *Handle) Opened() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.store != nil
}

func (h *Handle) Get(ctx context.Context) (*SqlStore, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, models.ErrClosed
	}
	if h.store != nil {
		return h.store, nil
	}
	s, err := Open(h.path, h.mode)
	if err != nil {
		return nil, err
	}
	if h.mode == ReadWrite {
		if err := EnsureSchema(ctx, s, h.logger); err != nil {
			return nil, errors.Join(err, s.Close())
		}
	}
	h.store = s
	return s, nil
}

// Close is safe to call from every component sharing the handle.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	if h.store == nil {
		return nil
	}
	return h.store.Close()
}
