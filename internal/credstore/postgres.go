package credstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

const uniqueViolation = "23505"

// PostgresStore reads accounts from the core_users table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a store on the given pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the core_users table when it does not exist yet.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS core_users (
			id            TEXT PRIMARY KEY,
			username      TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			roles         TEXT[] NOT NULL DEFAULT '{}',
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure core_users schema: %w", err)
	}
	return nil
}

// Create provisions an account with the given roles.
func (s *PostgresStore) Create(ctx context.Context, username, password string, roles ...string) (*User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	u := &User{ID: uuid.NewString(), Username: username, Roles: canonical(roles)}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO core_users (id, username, password_hash, roles)
		VALUES ($1, $2, $3, $4)
	`, u.ID, u.Username, string(hash), u.Roles)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, ErrUserExists
		}
		return nil, fmt.Errorf("create user %q: %w", username, err)
	}
	return u, nil
}

// Authenticate implements Store.
func (s *PostgresStore) Authenticate(ctx context.Context, username, password string) (*User, error) {
	var (
		u    User
		hash string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, username, password_hash, roles
		FROM core_users
		WHERE username = $1
	`, username).Scan(&u.ID, &u.Username, &hash, &u.Roles)
	if errors.Is(err, pgx.ErrNoRows) {
		_ = bcrypt.CompareHashAndPassword(unknownUserHash, []byte(password))
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("load user %q: %w", username, err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	u.Roles = canonical(u.Roles)
	return &u, nil
}

// Authorities implements Store.
func (s *PostgresStore) Authorities(ctx context.Context, subject string) ([]string, error) {
	var roles []string
	err := s.pool.QueryRow(ctx, `
		SELECT roles FROM core_users WHERE id = $1
	`, subject).Scan(&roles)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUnknownSubject
	}
	if err != nil {
		return nil, fmt.Errorf("load authorities for %q: %w", subject, err)
	}
	return canonical(roles), nil
}
