package user

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/nexus-im/nexus/model"
)

const uniqueViolation = "23505"

// SQLStore implements Store using a database/sql connection.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a new SQLStore.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

var _ Store = (*SQLStore)(nil)

func (s *SQLStore) Create(ctx context.Context, u *User) error {
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	if u.LastSeen.IsZero() {
		u.LastSeen = now
	}

	query := `
		INSERT INTO users (username, password_hash, created_at, last_seen)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`

	err := s.db.QueryRowContext(ctx, query, u.Username, u.PasswordHash, u.CreatedAt, u.LastSeen).Scan(&u.ID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return ErrDuplicateUsername
		}
		return errors.Wrap(err, "insert user")
	}
	return nil
}

func (s *SQLStore) GetByUsername(ctx context.Context, username string) (*User, error) {
	query := `
		SELECT id, username, password_hash, created_at, last_seen
		FROM users
		WHERE username = $1
	`
	return s.getOne(ctx, query, username)
}

func (s *SQLStore) GetByID(ctx context.Context, id string) (*User, error) {
	query := `
		SELECT id, username, password_hash, created_at, last_seen
		FROM users
		WHERE id = $1
	`
	return s.getOne(ctx, query, id)
}

func (s *SQLStore) getOne(ctx context.Context, query string, arg string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt, &u.LastSeen)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrUserNotFound
		}
		return nil, errors.Wrap(err, "select user")
	}
	return &u, nil
}

// ListExcept returns every other user, newest first.
func (s *SQLStore) ListExcept(ctx context.Context, userID string) ([]model.User, error) {
	query := `
		SELECT id, username, created_at
		FROM users
		WHERE id <> $1
		ORDER BY created_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, errors.Wrap(err, "list users")
	}
	defer rows.Close()

	users := []model.User{}
	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.ID, &u.Username, &u.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan user")
		}
		users = append(users, u)
	}
	return users, errors.Wrap(rows.Err(), "list users")
}
