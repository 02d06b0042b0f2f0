// Package syncqueue implements the offline-first mutation queue.
//
// Local edits are applied to the ledger optimistically; the queue persists
// the intent in a durable log and reconciles it against the remote record
// store when connectivity allows. A single flush worker serializes all
// pushes and pulls, so two mutations for the same entity can never reach
// the remote store out of order.
//
// The queue is a small state machine: Idle, Flushing, Offline, and
// ConflictPending. Enqueue never blocks on the network; Flush is
// idempotent and safe to call concurrently with itself; every remote call
// carries a timeout after which it is treated as a network-class failure.
package syncqueue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tallyhq/tally/internal/ledger"
	"github.com/tallyhq/tally/internal/models"
	"github.com/tallyhq/tally/internal/storage"
)

// State is the queue's current position in its lifecycle.
type State int

const (
	// StateIdle: nothing pending, or waiting for the next trigger.
	StateIdle State = iota
	// StateFlushing: the flush worker is pushing mutations.
	StateFlushing
	// StateOffline: connectivity is down; mutations accumulate locally.
	StateOffline
	// StateConflictPending: at least one mutation hit a conflict that
	// last-write-wins could not resolve; it is held for inspection.
	StateConflictPending
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFlushing:
		return "flushing"
	case StateOffline:
		return "offline"
	case StateConflictPending:
		return "conflict_pending"
	default:
		return "unknown"
	}
}

// StateChange is the "sync state changed" signal delivered to subscribers.
type StateChange struct {
	State State

	// Reason explains the transition: "sync_conflict", "sync_abandoned",
	// "network_error", "connectivity", or "" for ordinary progress.
	Reason string

	// MutationID is set when the change concerns one mutation.
	MutationID string
}

// Config tunes the queue.
type Config struct {
	// MaxAttempts is the push retry budget per mutation; once exhausted
	// the mutation moves to the dead-letter set.
	MaxAttempts int

	// BaseDelay and MaxDelay bound the per-mutation exponential backoff.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// PushTimeout and PullTimeout cap each remote call.
	PushTimeout time.Duration
	PullTimeout time.Duration

	// PollInterval is how often the worker checks for due work.
	PollInterval time.Duration

	// BatchSize is the max mutations fetched per flush pass.
	BatchSize int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  5,
		BaseDelay:    1 * time.Second,
		MaxDelay:     60 * time.Second,
		PushTimeout:  10 * time.Second,
		PullTimeout:  30 * time.Second,
		PollInterval: 5 * time.Second,
		BatchSize:    25,
	}
}

// Queue buffers local mutations and reconciles them with the remote store.
type Queue struct {
	log    storage.MutationLog
	remote RemoteStore
	ledger *ledger.Ledger
	cfg    Config

	mu        sync.Mutex
	state     State
	online    bool
	flushing  bool
	flushDone chan struct{}
	dueAt     map[string]time.Time // per-mutation backoff deadline

	kick chan struct{}

	subMu sync.Mutex
	subs  []chan StateChange

	// Lifecycle management
	lifeMu  sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a queue. It starts offline; call SetOnline(true) once
// connectivity is known.
func New(log storage.MutationLog, remote RemoteStore, led *ledger.Ledger, cfg Config) *Queue {
	q := &Queue{
		log:    log,
		remote: remote,
		ledger: led,
		cfg:    cfg,
		state:  StateOffline,
		dueAt:  make(map[string]time.Time),
		kick:   make(chan struct{}, 1),
	}
	setStateMetric(q.state)
	return q
}

// Subscribe returns a channel receiving sync state changes. Sends never
// block; a slow consumer misses intermediate transitions.
func (q *Queue) Subscribe() <-chan StateChange {
	ch := make(chan StateChange, 16)
	q.subMu.Lock()
	q.subs = append(q.subs, ch)
	q.subMu.Unlock()
	return ch
}

func (q *Queue) emit(change StateChange) {
	q.subMu.Lock()
	defer q.subMu.Unlock()
	for _, ch := range q.subs {
		select {
		case ch <- change:
		default:
		}
	}
}

func (q *Queue) setState(s State, reason, mutationID string) {
	q.mu.Lock()
	changed := q.state != s
	q.state = s
	q.mu.Unlock()
	setStateMetric(s)
	if changed || reason != "" {
		q.emit(StateChange{State: s, Reason: reason, MutationID: mutationID})
	}
}

// State returns the current queue state.
func (q *Queue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Online reports the last connectivity signal.
func (q *Queue) Online() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.online
}

// SetOnline delivers a connectivity signal. Going offline interrupts
// nothing in flight (the flush detects the failure itself); coming online
// wakes the worker so pending mutations flush.
func (q *Queue) SetOnline(online bool) {
	q.mu.Lock()
	was := q.online
	q.online = online
	q.mu.Unlock()
	if was == online {
		return
	}
	if !online {
		q.setState(StateOffline, "connectivity", "")
		return
	}
	slog.Info("Connectivity regained")
	// Report Idle right away; the kicked flush moves the state onward if
	// anything is pending.
	q.setState(StateIdle, "connectivity", "")
	q.kickFlush()
}

// kickFlush wakes the worker without blocking.
func (q *Queue) kickFlush() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// Enqueue appends a mutation to the durable log and returns immediately.
// It always succeeds locally unless the log itself fails; the network is
// never touched here. This is what makes edits offline-first.
func (q *Queue) Enqueue(ctx context.Context, m *models.PendingMutation) error {
	if m == nil {
		return nil
	}
	if err := q.log.Append(ctx, m); err != nil {
		return fmt.Errorf("append mutation: %w", err)
	}
	metricPendingDepth.Inc()
	slog.Debug("Mutation enqueued",
		"mutation_id", m.ID,
		"kind", m.Kind,
		"entity_type", m.EntityType,
		"entity_id", m.EntityID,
	)
	if q.Online() {
		q.kickFlush()
	}
	return nil
}

// Flush pushes all due pending mutations and then pulls remote deltas.
// It is idempotent: a call made while a flush is in flight waits for that
// flush instead of starting another. Offline calls are no-ops.
func (q *Queue) Flush(ctx context.Context) error {
	q.mu.Lock()
	if q.flushing {
		done := q.flushDone
		q.mu.Unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if !q.online {
		q.mu.Unlock()
		return nil
	}
	q.flushing = true
	q.flushDone = make(chan struct{})
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.flushing = false
		close(q.flushDone)
		q.mu.Unlock()
	}()

	return q.flush(ctx)
}

func (q *Queue) flush(ctx context.Context) error {
	q.setState(StateFlushing, "", "")

	conflicts := 0
	for {
		pending, err := q.log.Pending(ctx, q.cfg.BatchSize)
		if err != nil {
			q.setState(StateIdle, "", "")
			return fmt.Errorf("load pending mutations: %w", err)
		}
		if len(pending) == 0 {
			break
		}

		progressed := false
		for _, m := range pending {
			if err := ctx.Err(); err != nil {
				// Cancellation never loses data: the mutation stays
				// pending with its attempt count untouched.
				q.setState(StateIdle, "cancelled", "")
				return err
			}
			if !q.due(m.ID) {
				continue
			}

			outcome, err := q.pushOne(ctx, m)
			if err != nil {
				return err
			}
			switch outcome {
			case pushAcked, pushResolved:
				progressed = true
			case pushConflicted:
				conflicts++
			}
			if !q.Online() {
				// A push hit a network failure; the remaining mutations
				// wait for the next connectivity signal.
				q.refreshDepth(ctx)
				return nil
			}
		}
		if !progressed {
			// Everything left is backing off or held on a conflict.
			break
		}
	}

	if err := q.pull(ctx); err != nil {
		// A failed pull must not leave the queue reporting Flushing with
		// nothing in flight.
		if ctx.Err() == nil {
			q.setState(StateIdle, "pull_error", "")
		}
		return err
	}
	q.refreshDepth(ctx)
	if !q.Online() {
		// The pull hit a network failure and already flipped us offline.
		return nil
	}
	if conflicts > 0 {
		q.setState(StateConflictPending, "sync_conflict", "")
	} else {
		q.setState(StateIdle, "", "")
	}
	return nil
}

// due reports whether a mutation's backoff delay has elapsed.
func (q *Queue) due(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	at, ok := q.dueAt[id]
	return !ok || !time.Now().Before(at)
}

type pushOutcome int

const (
	pushAcked      pushOutcome = iota // accepted, mutation destroyed
	pushResolved                      // conflict resolved by dropping local
	pushConflicted                    // conflict held for inspection
	pushDeferred                      // retrying later
)

// pushOne delivers a single mutation. A returned error aborts the whole
// flush (network failure or cancellation); per-mutation failures are
// handled internally and reported through the outcome.
func (q *Queue) pushOne(ctx context.Context, m *models.PendingMutation) (pushOutcome, error) {
	res, err := q.doPush(ctx, m)
	if err != nil {
		if ctx.Err() != nil {
			q.setState(StateIdle, "cancelled", "")
			return pushDeferred, ctx.Err()
		}
		if isNetworkError(err) {
			// Already-sent-but-unacknowledged mutations stay pending and
			// are retried from the front on the next flush.
			metricPushes.WithLabelValues("network").Inc()
			slog.Warn("Push hit network failure, going offline",
				"mutation_id", m.ID, "error", err)
			q.mu.Lock()
			q.online = false
			q.mu.Unlock()
			q.setState(StateOffline, "network_error", m.ID)
			return pushDeferred, nil
		}
		return q.recordFailure(ctx, m, err), nil
	}

	if res.OK {
		metricPushes.WithLabelValues("ok").Inc()
		if err := q.log.Delete(ctx, m.ID); err != nil {
			slog.Error("Failed to delete acknowledged mutation",
				"mutation_id", m.ID, "error", err)
		}
		q.clearDue(m.ID)
		metricPendingDepth.Dec()
		return pushAcked, nil
	}

	return q.resolveConflict(ctx, m, res.Conflict)
}

func (q *Queue) doPush(ctx context.Context, m *models.PendingMutation) (PushResult, error) {
	pushCtx, cancel := context.WithTimeout(ctx, q.cfg.PushTimeout)
	defer cancel()
	payload := m.Payload
	if m.Kind == models.MutationDelete {
		payload = nil
	}
	return q.remote.Push(pushCtx, m.EntityType, m.EntityID, payload, m.CreatedAt)
}

// resolveConflict applies last-write-wins by timestamp. If the remote copy
// is newer the local mutation is discarded and the remote version pulled
// into the ledger. If the local mutation is newer (a lagging remote clock)
// the push is retried once; a conflict that survives the retry is surfaced
// and the queue proceeds to the next mutation rather than blocking.
func (q *Queue) resolveConflict(ctx context.Context, m *models.PendingMutation, c *Conflict) (pushOutcome, error) {
	if c == nil {
		return q.recordFailure(ctx, m, fmt.Errorf("remote rejected push without conflict detail")), nil
	}

	if c.CurrentVersion > m.CreatedAt {
		metricConflicts.WithLabelValues("remote_wins").Inc()
		slog.Info("Conflict resolved: remote is newer, dropping local mutation",
			"mutation_id", m.ID,
			"entity_id", m.EntityID,
			"local_ts", m.CreatedAt,
			"remote_ts", c.CurrentVersion,
		)
		delta := models.RemoteDelta{
			EntityType:      m.EntityType,
			ID:              m.EntityID,
			Payload:         c.CurrentPayload,
			RemoteTimestamp: c.CurrentVersion,
			Tombstone:       len(c.CurrentPayload) == 0,
		}
		if err := q.ledger.ApplyRemote(delta); err != nil {
			slog.Warn("Conflict winner could not be merged", "entity_id", m.EntityID, "error", err)
		}
		if err := q.log.Delete(ctx, m.ID); err != nil {
			slog.Error("Failed to drop losing mutation", "mutation_id", m.ID, "error", err)
		}
		q.clearDue(m.ID)
		metricPendingDepth.Dec()
		return pushResolved, nil
	}

	// Local is newer: retry the push once.
	res, err := q.doPush(ctx, m)
	if err == nil && res.OK {
		metricConflicts.WithLabelValues("local_wins").Inc()
		if err := q.log.Delete(ctx, m.ID); err != nil {
			slog.Error("Failed to delete acknowledged mutation", "mutation_id", m.ID, "error", err)
		}
		q.clearDue(m.ID)
		metricPendingDepth.Dec()
		return pushResolved, nil
	}
	if err != nil && ctx.Err() != nil {
		q.setState(StateIdle, "cancelled", "")
		return pushDeferred, ctx.Err()
	}

	// Unresolved after one retry: hold the mutation and surface it.
	metricConflicts.WithLabelValues("unresolved").Inc()
	slog.Warn("Sync conflict held for inspection",
		"mutation_id", m.ID,
		"entity_id", m.EntityID,
		"local_ts", m.CreatedAt,
	)
	q.emit(StateChange{State: StateConflictPending, Reason: "sync_conflict", MutationID: m.ID})
	return pushConflicted, nil
}

// recordFailure handles a non-network push rejection: count the attempt,
// move to the dead-letter set once the budget is gone, otherwise schedule
// the backoff delay.
func (q *Queue) recordFailure(ctx context.Context, m *models.PendingMutation, pushErr error) pushOutcome {
	attempts := m.Attempts + 1
	metricPushes.WithLabelValues("error").Inc()

	if attempts >= q.cfg.MaxAttempts {
		if err := q.log.MoveToDeadLetter(ctx, m.ID, pushErr.Error()); err != nil {
			slog.Error("Failed to dead-letter mutation", "mutation_id", m.ID, "error", err)
			return pushDeferred
		}
		q.clearDue(m.ID)
		metricPendingDepth.Dec()
		metricDeadLetters.Inc()
		slog.Error("Mutation abandoned after max attempts",
			"mutation_id", m.ID,
			"entity_id", m.EntityID,
			"attempts", attempts,
			"error", pushErr,
		)
		q.emit(StateChange{State: q.State(), Reason: "sync_abandoned", MutationID: m.ID})
		return pushDeferred
	}

	if err := q.log.IncrementAttempt(ctx, m.ID, pushErr.Error()); err != nil {
		slog.Error("Failed to record push attempt", "mutation_id", m.ID, "error", err)
	}
	delay := backoffDelay(attempts, q.cfg.BaseDelay, q.cfg.MaxDelay)
	q.mu.Lock()
	q.dueAt[m.ID] = time.Now().Add(delay)
	q.mu.Unlock()
	slog.Warn("Push failed, will retry",
		"mutation_id", m.ID,
		"attempt", attempts,
		"retry_in", delay,
		"error", pushErr,
	)
	return pushDeferred
}

func (q *Queue) clearDue(id string) {
	q.mu.Lock()
	delete(q.dueAt, id)
	q.mu.Unlock()
}

// pull fetches remote deltas since the stored change token and merges them
// into the ledger. Malformed deltas are logged and skipped one by one.
func (q *Queue) pull(ctx context.Context) error {
	since, err := q.log.ChangeToken(ctx)
	if err != nil {
		return fmt.Errorf("load change token: %w", err)
	}

	pullCtx, cancel := context.WithTimeout(ctx, q.cfg.PullTimeout)
	deltas, token, err := q.remote.Pull(pullCtx, since)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			q.setState(StateIdle, "cancelled", "")
			return ctx.Err()
		}
		if isNetworkError(err) {
			q.mu.Lock()
			q.online = false
			q.mu.Unlock()
			q.setState(StateOffline, "network_error", "")
			return nil
		}
		return fmt.Errorf("pull deltas: %w", err)
	}

	for _, delta := range deltas {
		if err := q.ledger.ApplyRemote(delta); err != nil {
			slog.Warn("Skipping inconsistent remote delta",
				"entity_type", delta.EntityType,
				"entity_id", delta.ID,
				"error", err,
			)
			continue
		}
		metricDeltasApplied.Inc()
	}
	metricPulls.Inc()

	if token != "" && token != since {
		if err := q.log.SetChangeToken(ctx, token); err != nil {
			return fmt.Errorf("store change token: %w", err)
		}
	}
	return nil
}

func (q *Queue) refreshDepth(ctx context.Context) {
	if n, err := q.log.PendingCount(ctx); err == nil {
		metricPendingDepth.Set(float64(n))
	}
}

// Start launches the flush worker. Returns an error if already running.
func (q *Queue) Start(ctx context.Context) error {
	q.lifeMu.Lock()
	if q.running {
		q.lifeMu.Unlock()
		return fmt.Errorf("sync queue is already running")
	}
	q.running = true
	q.stopCh = make(chan struct{})
	q.doneCh = make(chan struct{})
	q.lifeMu.Unlock()

	go q.runLoop(ctx)

	slog.Info("Sync queue started",
		"poll_interval", q.cfg.PollInterval,
		"batch_size", q.cfg.BatchSize,
		"max_attempts", q.cfg.MaxAttempts,
	)
	return nil
}

// Stop gracefully stops the worker and waits for completion.
func (q *Queue) Stop(ctx context.Context) error {
	q.lifeMu.Lock()
	if !q.running {
		q.lifeMu.Unlock()
		return nil
	}
	q.lifeMu.Unlock()

	close(q.stopCh)

	select {
	case <-q.doneCh:
		slog.Info("Sync queue stopped")
	case <-ctx.Done():
		slog.Warn("Sync queue stop timed out")
		return ctx.Err()
	}

	q.lifeMu.Lock()
	q.running = false
	q.lifeMu.Unlock()
	return nil
}

func (q *Queue) runLoop(ctx context.Context) {
	defer close(q.doneCh)

	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ctx.Done():
			return
		case <-q.kick:
		case <-ticker.C:
		}

		if !q.Online() {
			continue
		}
		n, err := q.log.PendingCount(ctx)
		if err != nil {
			slog.Error("Failed to count pending mutations", "error", err)
			continue
		}
		if n == 0 {
			// Nothing to push; still pick up remote changes.
			if err := q.pull(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("Background pull failed", "error", err)
			}
			continue
		}
		if err := q.Flush(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("Flush failed", "error", err)
		}
	}
}

// Pending returns the number of mutations awaiting acknowledgement.
func (q *Queue) Pending(ctx context.Context) (int, error) {
	return q.log.PendingCount(ctx)
}

// DeadLetters returns abandoned mutations for operator inspection.
func (q *Queue) DeadLetters(ctx context.Context) ([]*models.PendingMutation, error) {
	return q.log.DeadLetters(ctx)
}
