package userdb

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

func openTestStore(t *testing.T, size int) *Store {
	t.Helper()
	s, err := Open(Config{InMemory: true, PoolSize: size})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPoolAcquireRelease(t *testing.T) {
	s := openTestStore(t, 2)

	ctx := context.Background()
	h1, err := s.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	h2, _ := s.Acquire(ctx)
	if s.Free() != 0 {
		t.Errorf("expected no free handles, got %d", s.Free())
	}

	timeout, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	if _, err := s.Acquire(timeout); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded on exhausted pool, got %v", err)
	}

	s.Release(h1)
	s.Release(h2)
	if s.Free() != 2 {
		t.Errorf("expected 2 free handles, got %d", s.Free())
	}
}

func TestWithReleasesOnError(t *testing.T) {
	s := openTestStore(t, 1)

	boom := errors.New("boom")
	err := s.With(context.Background(), func(h *Handle) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}
	if s.Free() != 1 {
		t.Errorf("handle not returned after failing fn")
	}
}

func TestInsertLookup(t *testing.T) {
	s := openTestStore(t, 1)

	err := s.With(context.Background(), func(h *Handle) error {
		if err := h.Insert("alice", "hash-a"); err != nil {
			return err
		}
		if err := h.Insert("alice", "other"); !errors.Is(err, ErrUserExists) {
			t.Errorf("expected ErrUserExists, got %v", err)
		}

		rec, err := h.Lookup("alice")
		if err != nil {
			return err
		}
		if rec.Hash != "hash-a" {
			t.Errorf("expected original hash kept, got %q", rec.Hash)
		}

		if _, err := h.Lookup("bob"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("With: %v", err)
	}
}

func TestUsersRegisterVerify(t *testing.T) {
	s := openTestStore(t, 1)
	users := NewUsers(bcrypt.MinCost)

	h, _ := s.Acquire(context.Background())
	defer s.Release(h)

	if err := users.Register(h, "carol", "secret"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !users.Verify("carol", "secret") {
		t.Error("expected correct password to verify")
	}
	if users.Verify("carol", "wrong") {
		t.Error("expected wrong password to fail")
	}
	if err := users.Register(h, "carol", "again"); !errors.Is(err, ErrUserExists) {
		t.Errorf("expected ErrUserExists, got %v", err)
	}
	if !users.Verify("carol", "secret") {
		t.Error("duplicate registration changed the stored password")
	}

	// A fresh cache sees the persisted user.
	reloaded := NewUsers(bcrypt.MinCost)
	n, err := reloaded.Load(h)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if n != 1 || !reloaded.Verify("carol", "secret") {
		t.Errorf("expected reloaded cache to contain carol, n=%d", n)
	}
}

func TestAcquireAfterClose(t *testing.T) {
	s, err := Open(Config{InMemory: true, PoolSize: 1})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = s.Close()

	if _, err := s.Acquire(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
