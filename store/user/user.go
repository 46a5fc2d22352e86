package user

import (
	"context"
	"errors"
	"time"

	"github.com/nexus-im/nexus/model"
)

// User is an account row, including its credentials.
type User struct {
	ID           string
	Username     string
	PasswordHash string
	CreatedAt    time.Time
	LastSeen     time.Time
}

// Public drops the credentials.
func (u *User) Public() model.User {
	return model.User{ID: u.ID, Username: u.Username, CreatedAt: u.CreatedAt}
}

var (
	ErrUserNotFound      = errors.New("user not found")
	ErrDuplicateUsername = errors.New("username already exists")
)

// Store defines user persistence operations.
type Store interface {
	Create(ctx context.Context, u *User) error
	GetByUsername(ctx context.Context, username string) (*User, error)
	GetByID(ctx context.Context, id string) (*User, error)
	ListExcept(ctx context.Context, userID string) ([]model.User, error)
}
