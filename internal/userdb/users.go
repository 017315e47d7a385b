package userdb

import (
	"errors"
	"fmt"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/crypto/bcrypt"
)

// Users caches the user table in memory. Reads are lock-free; registrations
// are serialized so the cache and the database never disagree.
type Users struct {
	hashes *xsync.MapOf[string, string]
	mu     sync.Mutex
	cost   int
}

// NewUsers returns an empty cache hashing new passwords with the given bcrypt
// cost. A cost of zero selects bcrypt.DefaultCost.
func NewUsers(cost int) *Users {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &Users{
		hashes: xsync.NewMapOf[string, string](),
		cost:   cost,
	}
}

// Load replaces the cache contents with every user visible through h.
func (u *Users) Load(h *Handle) (int, error) {
	recs, err := h.Users()
	if err != nil {
		return 0, fmt.Errorf("load users: %w", err)
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	u.hashes.Clear()
	for _, rec := range recs {
		u.hashes.Store(rec.Name, rec.Hash)
	}
	return len(recs), nil
}

// Lookup returns the stored password hash for name.
func (u *Users) Lookup(name string) (string, bool) {
	return u.hashes.Load(name)
}

// Len returns the number of cached users.
func (u *Users) Len() int {
	return u.hashes.Size()
}

// Verify reports whether password matches the stored credentials for name.
func (u *Users) Verify(name, password string) bool {
	hash, ok := u.hashes.Load(name)
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// Register stores a new user through h and adds it to the cache. It returns
// ErrUserExists without touching either when the name is taken.
func (u *Users) Register(h *Handle, name, password string) error {
	if h == nil {
		return errors.New("userdb: no database handle")
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if _, ok := u.hashes.Load(name); ok {
		return ErrUserExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), u.cost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := h.Insert(name, string(hash)); err != nil {
		return err
	}

	u.hashes.Store(name, string(hash))
	return nil
}
