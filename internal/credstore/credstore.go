// Package credstore verifies primary credentials and resolves the
// current authority set for token subjects. Passwords are stored as
// bcrypt hashes only.
package credstore

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/ordermesh/backend-core/internal/authn"
)

var (
	// ErrInvalidCredentials is the opaque failure for unknown users and
	// wrong passwords alike.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrUnknownSubject means no user exists for the subject id.
	ErrUnknownSubject = errors.New("unknown subject")

	// ErrUserExists is returned when creating a user whose name is taken.
	ErrUserExists = errors.New("user already exists")
)

// User is a verified account.
type User struct {
	ID       string   `json:"id"`
	Username string   `json:"username"`
	Roles    []string `json:"roles"`
}

// Store verifies credentials and loads authorities.
type Store interface {
	// Authenticate checks username/password and returns the account, or
	// ErrInvalidCredentials.
	Authenticate(ctx context.Context, username, password string) (*User, error)
	// Authorities returns the canonical authority set for a subject id,
	// or ErrUnknownSubject.
	Authorities(ctx context.Context, subject string) ([]string, error)
}

// canonical normalises stored roles to sorted ROLE_<UPPER> authorities.
// An empty set collapses to {ROLE_USER}.
func canonical(roles []string) []string {
	seen := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		if a := authn.CanonicalAuthority(role); a != "" {
			seen[a] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return []string{authn.RoleUser}
	}
	out := make([]string, 0, len(seen))
	for a := range seen {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// unknownUserHash keeps the bcrypt cost of a failed lookup in line with
// a real comparison, so response timing does not reveal whether the
// username exists.
var unknownUserHash, _ = bcrypt.GenerateFromPassword([]byte(uuid.NewString()), bcrypt.DefaultCost)

type memUser struct {
	id    string
	name  string
	hash  []byte
	roles []string
}

// MemoryStore keeps accounts in process memory. It backs deployments
// without Postgres and the test suite.
type MemoryStore struct {
	mu     sync.RWMutex
	byName map[string]*memUser
	byID   map[string]*memUser
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byName: make(map[string]*memUser),
		byID:   make(map[string]*memUser),
	}
}

// Add creates an account with the given roles.
func (s *MemoryStore) Add(username, password string, roles ...string) (*User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	u := &memUser{
		id:    uuid.NewString(),
		name:  username,
		hash:  hash,
		roles: canonical(roles),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byName[username]; ok {
		return nil, ErrUserExists
	}
	s.byName[username] = u
	s.byID[u.id] = u
	return u.user(), nil
}

// Authenticate implements Store.
func (s *MemoryStore) Authenticate(_ context.Context, username, password string) (*User, error) {
	s.mu.RLock()
	u := s.byName[username]
	s.mu.RUnlock()

	if u == nil {
		_ = bcrypt.CompareHashAndPassword(unknownUserHash, []byte(password))
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(u.hash, []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return u.user(), nil
}

// Authorities implements Store.
func (s *MemoryStore) Authorities(_ context.Context, subject string) ([]string, error) {
	s.mu.RLock()
	u := s.byID[subject]
	s.mu.RUnlock()
	if u == nil {
		return nil, ErrUnknownSubject
	}
	out := make([]string, len(u.roles))
	copy(out, u.roles)
	return out, nil
}

func (u *memUser) user() *User {
	roles := make([]string, len(u.roles))
	copy(roles, u.roles)
	return &User{ID: u.id, Username: u.name, Roles: roles}
}
