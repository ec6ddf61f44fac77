package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lib/pq"
)

// User is a stored tracker account.
type User struct {
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Scopes       []string  `json:"scopes"`
	CreatedAt    time.Time `json:"created_at"`
}

// CredentialStore persists users.
type CredentialStore interface {
	CreateUser(ctx context.Context, u User) error
	User(ctx context.Context, username string) (*User, error)
	Users(ctx context.Context) ([]User, error)
}

// MemoryCredentials keeps users in process memory.
type MemoryCredentials struct {
	mu    sync.RWMutex
	users map[string]User
}

func NewMemoryCredentials() *MemoryCredentials {
	return &MemoryCredentials{users: make(map[string]User)}
}

func (m *MemoryCredentials) CreateUser(_ context.Context, u User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.Username]; ok {
		return fmt.Errorf("%w: %s", ErrUserExists, u.Username)
	}
	m.users[u.Username] = u
	return nil
}

func (m *MemoryCredentials) User(_ context.Context, username string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[username]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &u, nil
}

func (m *MemoryCredentials) Users(_ context.Context) ([]User, error) {
	m.mu.RLock()
	out := make([]User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

// PostgresCredentials keeps users in the users table.
type PostgresCredentials struct {
	db *sql.DB
}

func NewPostgresCredentials(db *sql.DB) *PostgresCredentials {
	return &PostgresCredentials{db: db}
}

func (p *PostgresCredentials) CreateUser(ctx context.Context, u User) error {
	scopes, err := json.Marshal(u.Scopes)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO users (username, password_hash, scopes, created_at) VALUES ($1, $2, $3, $4)`,
		u.Username, u.PasswordHash, scopes, u.CreatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrUserExists, u.Username)
	}
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

func (p *PostgresCredentials) User(ctx context.Context, username string) (*User, error) {
	var u User
	var scopes []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT username, password_hash, scopes, created_at FROM users WHERE username = $1`, username).
		Scan(&u.Username, &u.PasswordHash, &scopes, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	if err := json.Unmarshal(scopes, &u.Scopes); err != nil {
		return nil, fmt.Errorf("corrupt scopes for %s: %w", username, err)
	}
	return &u, nil
}

func (p *PostgresCredentials) Users(ctx context.Context) ([]User, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT username, password_hash, scopes, created_at FROM users ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		var u User
		var scopes []byte
		if err := rows.Scan(&u.Username, &u.PasswordHash, &scopes, &u.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(scopes, &u.Scopes); err != nil {
			return nil, fmt.Errorf("corrupt scopes for %s: %w", u.Username, err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
