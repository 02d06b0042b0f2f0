package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tallyhq/tally/internal/models"
	"github.com/tallyhq/tally/internal/storage"
)

// Append persists a new pending mutation to the log.
func (s *SQLiteStore) Append(ctx context.Context, m *models.PendingMutation) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt == 0 {
		m.CreatedAt = time.Now().UnixMilli()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_mutations (id, kind, entity_type, entity_id, payload, created_at, attempts)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, string(m.Kind), string(m.EntityType), m.EntityID, []byte(m.Payload), m.CreatedAt, m.Attempts,
	)
	if err != nil {
		return fmt.Errorf("failed to append mutation: %w", err)
	}
	return nil
}

// Pending returns up to limit live mutations, oldest first.
func (s *SQLiteStore) Pending(ctx context.Context, limit int) ([]*models.PendingMutation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, entity_type, entity_id, payload, created_at, attempts
		 FROM pending_mutations WHERE dead = 0 ORDER BY created_at, id LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending mutations: %w", err)
	}
	defer rows.Close()
	return scanMutations(rows)
}

// PendingCount returns the number of live mutations.
func (s *SQLiteStore) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM pending_mutations WHERE dead = 0",
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending mutations: %w", err)
	}
	return count, nil
}

// Delete destroys an acknowledged mutation.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM pending_mutations WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete mutation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("mutation %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// IncrementAttempt records a failed push attempt.
func (s *SQLiteStore) IncrementAttempt(ctx context.Context, id, lastError string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE pending_mutations SET attempts = attempts + 1, last_error = ? WHERE id = ?",
		lastError, id,
	)
	if err != nil {
		return fmt.Errorf("failed to increment attempt: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("mutation %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// MoveToDeadLetter parks a mutation whose retry budget is exhausted.
func (s *SQLiteStore) MoveToDeadLetter(ctx context.Context, id, reason string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE pending_mutations SET dead = 1, last_error = ? WHERE id = ?",
		reason, id,
	)
	if err != nil {
		return fmt.Errorf("failed to move mutation to dead letter: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("mutation %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// DeadLetters returns parked mutations, oldest first.
func (s *SQLiteStore) DeadLetters(ctx context.Context) ([]*models.PendingMutation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, entity_type, entity_id, payload, created_at, attempts
		 FROM pending_mutations WHERE dead = 1 ORDER BY created_at, id`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letters: %w", err)
	}
	defer rows.Close()
	return scanMutations(rows)
}

// ChangeToken returns the stored pull checkpoint, empty if none.
func (s *SQLiteStore) ChangeToken(ctx context.Context) (string, error) {
	var token string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM sync_state WHERE key = 'change_token'",
	).Scan(&token)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get change token: %w", err)
	}
	return token, nil
}

// SetChangeToken stores the pull checkpoint.
func (s *SQLiteStore) SetChangeToken(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_state (key, value) VALUES ('change_token', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		token,
	)
	if err != nil {
		return fmt.Errorf("failed to set change token: %w", err)
	}
	return nil
}

func scanMutations(rows *sql.Rows) ([]*models.PendingMutation, error) {
	var mutations []*models.PendingMutation
	for rows.Next() {
		m := &models.PendingMutation{}
		var kind, entityType string
		var payload []byte
		if err := rows.Scan(&m.ID, &kind, &entityType, &m.EntityID, &payload, &m.CreatedAt, &m.Attempts); err != nil {
			return nil, fmt.Errorf("failed to scan mutation: %w", err)
		}
		m.Kind = models.MutationKind(kind)
		m.EntityType = models.EntityType(entityType)
		m.Payload = payload
		mutations = append(mutations, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate mutations: %w", err)
	}
	return mutations, nil
}
