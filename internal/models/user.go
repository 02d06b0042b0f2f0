package models

import (
	"time"

	"github.com/google/uuid"
)

// User represents a registered account that can call the API.
// Users are distinct from participants: a participant is a name inside one
// group's ledger, a user is a login that owns devices and sync state.
type User struct {
	// ID is the unique identifier for the user (UUID format).
	ID string `json:"id"`

	// Name is the display name of the user.
	Name string `json:"name"`

	// Email is the user's email address (unique). Used for login.
	Email string `json:"email"`

	// PasswordHash is the bcrypt hash of the user's password.
	// Never serialized.
	PasswordHash string `json:"-"`

	// CreatedAt is the Unix-millisecond timestamp the account was created.
	CreatedAt int64 `json:"created_at"`
}

// NewUser creates a user with a fresh ID and creation timestamp.
func NewUser(email, name, passwordHash string) *User {
	return &User{
		ID:           uuid.New().String(),
		Name:         name,
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UnixMilli(),
	}
}
