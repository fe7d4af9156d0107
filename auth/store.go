// Package auth manages user accounts and the bearer tokens that identify
// requesters to the broker.
package auth

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUserExists is returned when registering an email that is taken.
	ErrUserExists = errors.New("email already registered")

	// ErrUserNotFound is returned by stores when no account matches.
	ErrUserNotFound = errors.New("user not found")

	// ErrInvalidCredentials covers both unknown emails and wrong passwords.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInvalidToken is returned for malformed, expired or forged tokens.
	ErrInvalidToken = errors.New("invalid token")

	// ErrInvalidInput is returned for a malformed email or an empty password.
	ErrInvalidInput = errors.New("invalid input")
)

// User is a registered account.
type User struct {
	Email        string    `json:"email"`
	PasswordHash string    `json:"password"`
	CreatedAt    time.Time `json:"created_at"`
}

// UserStore persists accounts keyed by normalized email.
type UserStore interface {
	// Create adds u, returning ErrUserExists if the email is taken.
	Create(ctx context.Context, u User) error

	// Get looks up an account, returning ErrUserNotFound if absent.
	Get(ctx context.Context, email string) (User, error)
}
