package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tallyhq/tally/internal/models"
	"github.com/tallyhq/tally/internal/storage"
)

func newTestStore(t *testing.T) (*SQLiteStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tally.db")
	store, err := New(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, path
}

func mutation(id string, createdAt int64) *models.PendingMutation {
	return &models.PendingMutation{
		ID:         id,
		Kind:       models.MutationCreate,
		EntityType: models.EntityExpense,
		EntityID:   "e-" + id,
		Payload:    json.RawMessage(`{"total_amount":10}`),
		CreatedAt:  createdAt,
	}
}

func TestMutationLogOrdering(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	// Append out of order; Pending must come back sorted by CreatedAt.
	require.NoError(t, store.Append(ctx, mutation("b", 200)))
	require.NoError(t, store.Append(ctx, mutation("a", 100)))
	require.NoError(t, store.Append(ctx, mutation("c", 300)))

	pending, err := store.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, "a", pending[0].ID)
	assert.Equal(t, "b", pending[1].ID)
	assert.Equal(t, "c", pending[2].ID)

	count, err := store.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestMutationLogSurvivesReopen(t *testing.T) {
	store, path := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, mutation("offline-edit", 100)))
	require.NoError(t, store.SetChangeToken(ctx, "tok-42"))
	require.NoError(t, store.Close())

	// Reopen the same file: offline edits must survive a process restart.
	reopened, err := New(path)
	require.NoError(t, err)
	defer reopened.Close()

	pending, err := reopened.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "offline-edit", pending[0].ID)
	assert.Equal(t, json.RawMessage(`{"total_amount":10}`), pending[0].Payload)

	token, err := reopened.ChangeToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok-42", token)
}

func TestMutationLifecycle(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, mutation("m1", 100)))

	require.NoError(t, store.IncrementAttempt(ctx, "m1", "connection refused"))
	require.NoError(t, store.IncrementAttempt(ctx, "m1", "connection refused"))

	pending, err := store.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 2, pending[0].Attempts)

	require.NoError(t, store.Delete(ctx, "m1"))
	count, err := store.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	err = store.Delete(ctx, "m1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDeadLetter(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, mutation("doomed", 100)))
	require.NoError(t, store.Append(ctx, mutation("fine", 200)))

	require.NoError(t, store.MoveToDeadLetter(ctx, "doomed", "retry budget exhausted"))

	pending, err := store.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "fine", pending[0].ID)

	dead, err := store.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "doomed", dead[0].ID)
}

func TestChangeTokenEmptyByDefault(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	token, err := store.ChangeToken(ctx)
	require.NoError(t, err)
	assert.Empty(t, token)

	require.NoError(t, store.SetChangeToken(ctx, "t1"))
	require.NoError(t, store.SetChangeToken(ctx, "t2"))

	token, err = store.ChangeToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "t2", token)
}

func TestUsers(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	user := models.NewUser("alice@example.com", "Alice", "hash")
	require.NoError(t, store.CreateUser(ctx, user))

	byEmail, err := store.GetUserByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, user.ID, byEmail.ID)
	assert.Equal(t, "hash", byEmail.PasswordHash)

	byID, err := store.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "Alice", byID.Name)

	_, err = store.GetUserByEmail(ctx, "nobody@example.com")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Duplicate email must violate the unique constraint.
	err = store.CreateUser(ctx, models.NewUser("alice@example.com", "Clone", "hash2"))
	assert.Error(t, err)
}
