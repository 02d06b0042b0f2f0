// Package auth provides credential verification and session tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/tallyhq/tally/internal/models"
	"github.com/tallyhq/tally/internal/storage"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrWeakPassword       = errors.New("password must be at least 8 characters")
	ErrEmailExists        = errors.New("email already registered")
)

// Authenticator abstracts the credential scheme so the service layer does
// not care whether accounts use passwords, passkeys, or OAuth.
type Authenticator interface {
	// Register creates an account. The credential format is scheme-specific.
	Register(ctx context.Context, email, name, credential string) (*models.User, error)

	// Authenticate verifies a credential and returns the matching user.
	Authenticate(ctx context.Context, email, credential string) (*models.User, error)
}

// PasswordAuthenticator verifies bcrypt-hashed passwords against the user
// store.
type PasswordAuthenticator struct {
	users storage.UserStore
}

func NewPasswordAuthenticator(users storage.UserStore) *PasswordAuthenticator {
	return &PasswordAuthenticator{users: users}
}

// Register hashes the password and creates the account. Duplicate emails
// are rejected before hashing to keep the common failure cheap.
func (a *PasswordAuthenticator) Register(ctx context.Context, email, name, credential string) (*models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if len(credential) < 8 {
		return nil, ErrWeakPassword
	}

	if existing, err := a.users.GetUserByEmail(ctx, email); err == nil && existing != nil {
		return nil, ErrEmailExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(credential), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := models.NewUser(email, name, string(hash))
	if err := a.users.CreateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// Authenticate looks up the account and compares the bcrypt hash. Lookup
// failure and hash mismatch return the same error so callers cannot probe
// which emails exist.
func (a *PasswordAuthenticator) Authenticate(ctx context.Context, email, credential string) (*models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	user, err := a.users.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(credential)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}
