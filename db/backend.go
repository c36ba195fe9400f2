// Package db selects the storage engine behind a photo store.
package db

import (
	"fmt"
	"path/filepath"

	"github.com/mhbvr/photostore"
	"github.com/mhbvr/photostore/db/bolt"
	"github.com/mhbvr/photostore/db/pebble"
)

// NewBackend returns the backend named by cfg.DBType. The database lives in
// cfg.Dir under cfg.Name (a file for bolt, a directory for pebble).
func NewBackend(cfg photostore.Config) (photostore.Backend, error) {
	switch cfg.DBType {
	case "bolt":
		return bolt.New(filepath.Join(cfg.Dir, cfg.Name+".db"), cfg.LockTimeout), nil
	case "pebble":
		return pebble.New(filepath.Join(cfg.Dir, cfg.Name)), nil
	default:
		return nil, fmt.Errorf("%w: unknown database type %q (must be 'bolt' or 'pebble')", photostore.ErrUnsupported, cfg.DBType)
	}
}

// OpenStore builds the manager and store for cfg.
func OpenStore(cfg photostore.Config, opts ...photostore.Option) (*photostore.Store, *photostore.Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	backend, err := NewBackend(cfg)
	if err != nil {
		return nil, nil, err
	}
	mgr := photostore.NewManager(backend, cfg, opts...)
	return photostore.New(mgr, cfg, opts...), mgr, nil
}
