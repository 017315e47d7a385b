// Package userdb provides the credential store behind the login and
// registration endpoints: a BadgerDB user table checked out through a fixed
// pool of handles, and an in-memory cache of that table loaded at startup.
package userdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const prefixUser = "user:"

var (
	// ErrUserExists is returned when registering a taken username.
	ErrUserExists = errors.New("userdb: user already exists")
	// ErrNotFound is returned for unknown usernames.
	ErrNotFound = errors.New("userdb: user not found")
	// ErrClosed is returned by Acquire after Close.
	ErrClosed = errors.New("userdb: store closed")
)

// Record is one row of the user table.
type Record struct {
	Name      string    `json:"name"`
	Hash      string    `json:"hash"`
	CreatedAt time.Time `json:"created_at"`
}

// Config controls how the store is opened.
type Config struct {
	Dir      string
	InMemory bool
	PoolSize int
}

// Store owns the database and the handle pool.
type Store struct {
	db      *badger.DB
	handles chan *Handle
	size    int
	done    chan struct{}
}

// Open opens the database and fills the handle pool.
func Open(cfg Config) (*Store, error) {
	if cfg.PoolSize <= 0 {
		return nil, fmt.Errorf("userdb: pool size must be positive, got %d", cfg.PoolSize)
	}

	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil // Disable badger's internal logging

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	s := &Store{
		db:      db,
		handles: make(chan *Handle, cfg.PoolSize),
		size:    cfg.PoolSize,
		done:    make(chan struct{}),
	}
	for i := 0; i < cfg.PoolSize; i++ {
		s.handles <- &Handle{id: i, db: db}
	}
	return s, nil
}

// Acquire checks a handle out of the pool, waiting until one is free.
func (s *Store) Acquire(ctx context.Context) (*Handle, error) {
	select {
	case <-s.done:
		return nil, ErrClosed
	default:
	}

	select {
	case h := <-s.handles:
		return h, nil
	case <-s.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns a handle to the pool. A nil handle is ignored.
func (s *Store) Release(h *Handle) {
	if h == nil {
		return
	}
	select {
	case s.handles <- h:
	default:
		slog.Warn("userdb handle released twice", "handle", h.id)
	}
}

// With runs fn with a checked-out handle and always returns the handle.
func (s *Store) With(ctx context.Context, fn func(h *Handle) error) error {
	h, err := s.Acquire(ctx)
	if err != nil {
		return err
	}
	defer s.Release(h)
	return fn(h)
}

// Free returns the number of idle handles.
func (s *Store) Free() int {
	return len(s.handles)
}

// Size returns the pool capacity.
func (s *Store) Size() int {
	return s.size
}

// RunGC runs value log garbage collection until ctx is done.
func (s *Store) RunGC(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := s.db.RunValueLogGC(0.5)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				slog.Warn("badger GC error", "error", err)
			}
		}
	}
}

// Close stops handing out handles and closes the database.
func (s *Store) Close() error {
	select {
	case <-s.done:
		return nil
	default:
	}
	close(s.done)
	return s.db.Close()
}

// Handle is a pooled checkout of the database.
type Handle struct {
	id int
	db *badger.DB
}

// ID identifies the handle within its pool.
func (h *Handle) ID() int {
	return h.id
}

// Lookup fetches one user.
func (h *Handle) Lookup(name string) (*Record, error) {
	var rec Record
	err := h.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixUser + name))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Insert adds a user. It fails with ErrUserExists if the name is taken.
func (h *Handle) Insert(name, hash string) error {
	rec := Record{Name: name, Hash: hash, CreatedAt: time.Now()}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	key := []byte(prefixUser + name)
	return h.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return ErrUserExists
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, data)
	})
}

// Users returns every stored user.
func (h *Handle) Users() ([]Record, error) {
	var out []Record

	err := h.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixUser)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var rec Record
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				continue
			}
			out = append(out, rec)
		}
		return nil
	})

	return out, err
}
