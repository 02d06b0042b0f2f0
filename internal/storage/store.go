// Package storage provides abstractions for persistent local state.
//
// The ledger itself lives in memory; what must survive a process restart is
// the pending-mutation log (offline edits not yet acknowledged by the
// remote store), the pull checkpoint, and user accounts.
package storage

import (
	"context"
	"errors"

	"github.com/tallyhq/tally/internal/models"
)

// ErrNotFound reports a missing record.
var ErrNotFound = errors.New("record not found")

// MutationLog is the durable append-only log of pending mutations. The
// sync queue owns the log exclusively: it appends on local edits, deletes
// on remote acknowledgement, and parks exhausted mutations in the
// dead-letter set.
type MutationLog interface {
	// Append persists a new pending mutation. It must be cheap and local:
	// this is the call that makes edits offline-first.
	Append(ctx context.Context, m *models.PendingMutation) error

	// Pending returns up to limit live mutations ordered by CreatedAt.
	Pending(ctx context.Context, limit int) ([]*models.PendingMutation, error)

	// PendingCount returns the number of live mutations.
	PendingCount(ctx context.Context) (int, error)

	// Delete destroys an acknowledged mutation.
	Delete(ctx context.Context, id string) error

	// IncrementAttempt records a failed push attempt and its error.
	IncrementAttempt(ctx context.Context, id, lastError string) error

	// MoveToDeadLetter parks a mutation whose retry budget is exhausted.
	// Dead mutations are never retried automatically.
	MoveToDeadLetter(ctx context.Context, id, reason string) error

	// DeadLetters returns the parked mutations, oldest first.
	DeadLetters(ctx context.Context) ([]*models.PendingMutation, error)

	// ChangeToken returns the last stored pull checkpoint, empty when no
	// pull has completed yet.
	ChangeToken(ctx context.Context) (string, error)

	// SetChangeToken stores the pull checkpoint.
	SetChangeToken(ctx context.Context, token string) error
}

// UserStore persists user accounts for API authentication.
type UserStore interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetUserByID(ctx context.Context, id string) (*models.User, error)
}

// Store is the full local persistence surface. The abstraction allows
// swapping backends without touching the sync queue or services.
type Store interface {
	MutationLog
	UserStore

	// Close releases any resources held by the store.
	Close() error
}
