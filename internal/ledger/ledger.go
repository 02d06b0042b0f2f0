// Package ledger implements the in-memory authoritative store for groups
// and expenses.
//
// The ledger is the single source of truth for balance computation during a
// session. Local edits are applied optimistically and synchronously through
// Apply, which also produces the PendingMutation the sync queue persists
// for eventual remote delivery. Remote changes come back through
// ApplyRemote, an idempotent last-write-wins merge.
//
// Reads operate on deep-copied snapshots, so a balance computation never
// observes a half-applied merge. Writers targeting different groups run in
// parallel; writers on the same group are serialized by a per-group lock.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tallyhq/tally/internal/calculator"
	"github.com/tallyhq/tally/internal/models"
)

var (
	// ErrNotFound reports a missing group or expense.
	ErrNotFound = errors.New("not found")

	// ErrInconsistent reports a stored or remote record that violates an
	// invariant. The record is skipped; nothing else is affected.
	ErrInconsistent = errors.New("ledger inconsistency")
)

// Event signals that a group's ledger changed.
type Event struct {
	GroupID string
}

// Edit is one intent submitted by the presentation layer. Exactly one of
// Group or Expense is set for creates and updates; deletes carry only
// EntityID (plus GroupID for expense deletes).
type Edit struct {
	Kind       models.MutationKind
	EntityType models.EntityType
	Group      *models.Group
	Expense    *models.Expense
	EntityID   string
	GroupID    string
}

// groupState holds one group's live records. mu serializes writers for
// this group only.
type groupState struct {
	mu        sync.Mutex
	group     models.Group
	expenses  map[string]models.Expense
	updatedAt map[string]int64 // entity ID -> last applied write, for LWW
	deletedAt map[string]int64 // expense tombstones, for LWW on replays
}

// Ledger is the in-memory store of groups and expenses.
type Ledger struct {
	mu        sync.RWMutex
	groups    map[string]*groupState
	deletedAt map[string]int64 // group tombstones

	// orphanTombstones holds expense tombstones whose expense never
	// arrived, so a late replay of the create cannot resurrect it. Kept
	// ledger-wide because a tombstone names no group.
	orphanTombstones map[string]int64

	subMu sync.Mutex
	subs  []chan Event

	now func() int64
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{
		groups:           make(map[string]*groupState),
		deletedAt:        make(map[string]int64),
		orphanTombstones: make(map[string]int64),
		now:              func() int64 { return time.Now().UnixMilli() },
	}
}

// Subscribe returns a channel that receives an Event after every mutation.
// The channel is buffered and sends never block: a slow consumer misses
// events rather than stalling a writer.
func (l *Ledger) Subscribe() <-chan Event {
	ch := make(chan Event, 16)
	l.subMu.Lock()
	l.subs = append(l.subs, ch)
	l.subMu.Unlock()
	return ch
}

func (l *Ledger) notify(groupID string) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	for _, ch := range l.subs {
		select {
		case ch <- Event{GroupID: groupID}:
		default:
		}
	}
}

// Apply validates and applies a local edit, returning the pending mutation
// the caller hands to the sync queue. Validation failures reject the edit
// before it touches the ledger; nothing invalid is ever queued.
func (l *Ledger) Apply(edit Edit) (*models.PendingMutation, error) {
	now := l.now()

	var entityID, groupID string
	var payload json.RawMessage
	var err error

	switch edit.EntityType {
	case models.EntityGroup:
		entityID, payload, err = l.applyGroupEdit(edit, now)
		groupID = entityID
	case models.EntityExpense:
		entityID, groupID, payload, err = l.applyExpenseEdit(edit, now)
	default:
		return nil, &models.ValidationError{Field: "entity_type", Reason: fmt.Sprintf("unknown entity type %q", edit.EntityType)}
	}
	if err != nil {
		return nil, err
	}

	l.notify(groupID)

	return &models.PendingMutation{
		ID:         uuid.New().String(),
		Kind:       edit.Kind,
		EntityType: edit.EntityType,
		EntityID:   entityID,
		Payload:    payload,
		CreatedAt:  now,
	}, nil
}

func (l *Ledger) applyGroupEdit(edit Edit, now int64) (string, json.RawMessage, error) {
	switch edit.Kind {
	case models.MutationCreate, models.MutationUpdate:
		if edit.Group == nil {
			return "", nil, &models.ValidationError{Field: "group", Reason: "group payload required"}
		}
		g := *edit.Group
		if g.ID == "" {
			g.ID = uuid.New().String()
		}
		g.Participants = append([]models.Participant(nil), g.Participants...)
		if err := g.Validate(); err != nil {
			return "", nil, err
		}
		g.LastActivity = now

		l.mu.Lock()
		gs, ok := l.groups[g.ID]
		if !ok {
			if edit.Kind == models.MutationUpdate {
				l.mu.Unlock()
				return "", nil, fmt.Errorf("group %s: %w", g.ID, ErrNotFound)
			}
			gs = &groupState{
				expenses:  make(map[string]models.Expense),
				updatedAt: make(map[string]int64),
				deletedAt: make(map[string]int64),
			}
			l.groups[g.ID] = gs
		}
		l.mu.Unlock()

		gs.mu.Lock()
		g.TotalSpent = totalSpent(gs.expenses)
		gs.group = g
		gs.updatedAt[g.ID] = now
		gs.mu.Unlock()

		payload, err := json.Marshal(&g)
		if err != nil {
			return "", nil, fmt.Errorf("encode group: %w", err)
		}
		return g.ID, payload, nil

	case models.MutationDelete:
		if edit.EntityID == "" {
			return "", nil, &models.ValidationError{Field: "entity_id", Reason: "group id required"}
		}
		l.mu.Lock()
		if _, ok := l.groups[edit.EntityID]; !ok {
			l.mu.Unlock()
			return "", nil, fmt.Errorf("group %s: %w", edit.EntityID, ErrNotFound)
		}
		delete(l.groups, edit.EntityID)
		l.deletedAt[edit.EntityID] = now
		l.mu.Unlock()
		return edit.EntityID, nil, nil

	default:
		return "", nil, &models.ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown mutation kind %q", edit.Kind)}
	}
}

func (l *Ledger) applyExpenseEdit(edit Edit, now int64) (string, string, json.RawMessage, error) {
	switch edit.Kind {
	case models.MutationCreate, models.MutationUpdate:
		if edit.Expense == nil {
			return "", "", nil, &models.ValidationError{Field: "expense", Reason: "expense payload required"}
		}
		e := *edit.Expense
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		if e.Date == 0 {
			e.Date = now
		}
		e.Shares = copyShares(e.Shares)

		gs, err := l.state(e.GroupID)
		if err != nil {
			return "", "", nil, err
		}

		gs.mu.Lock()
		if err := e.Validate(&gs.group); err != nil {
			gs.mu.Unlock()
			return "", "", nil, err
		}
		if _, exists := gs.expenses[e.ID]; !exists && edit.Kind == models.MutationUpdate {
			gs.mu.Unlock()
			return "", "", nil, fmt.Errorf("expense %s: %w", e.ID, ErrNotFound)
		}
		gs.expenses[e.ID] = e
		gs.updatedAt[e.ID] = now
		gs.group.TotalSpent = totalSpent(gs.expenses)
		gs.group.LastActivity = now
		gs.mu.Unlock()

		payload, err := json.Marshal(&e)
		if err != nil {
			return "", "", nil, fmt.Errorf("encode expense: %w", err)
		}
		return e.ID, e.GroupID, payload, nil

	case models.MutationDelete:
		if edit.EntityID == "" {
			return "", "", nil, &models.ValidationError{Field: "entity_id", Reason: "expense id required"}
		}
		gs, err := l.state(edit.GroupID)
		if err != nil {
			return "", "", nil, err
		}

		gs.mu.Lock()
		if _, ok := gs.expenses[edit.EntityID]; !ok {
			gs.mu.Unlock()
			return "", "", nil, fmt.Errorf("expense %s: %w", edit.EntityID, ErrNotFound)
		}
		delete(gs.expenses, edit.EntityID)
		gs.deletedAt[edit.EntityID] = now
		gs.group.TotalSpent = totalSpent(gs.expenses)
		gs.group.LastActivity = now
		gs.mu.Unlock()

		return edit.EntityID, edit.GroupID, nil, nil

	default:
		return "", "", nil, &models.ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown mutation kind %q", edit.Kind)}
	}
}

func (l *Ledger) state(groupID string) (*groupState, error) {
	if groupID == "" {
		return nil, &models.ValidationError{Field: "group_id", Reason: "group id required"}
	}
	l.mu.RLock()
	gs, ok := l.groups[groupID]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("group %s: %w", groupID, ErrNotFound)
	}
	return gs, nil
}

// Snapshot returns a deep copy of a group and its expenses, sorted by date
// then ID. The copy is immutable-at-read-time: later mutations never show
// through it.
func (l *Ledger) Snapshot(groupID string) (models.Group, []models.Expense, error) {
	gs, err := l.state(groupID)
	if err != nil {
		return models.Group{}, nil, err
	}

	gs.mu.Lock()
	group := copyGroup(&gs.group)
	expenses := make([]models.Expense, 0, len(gs.expenses))
	for _, e := range gs.expenses {
		e.Shares = copyShares(e.Shares)
		expenses = append(expenses, e)
	}
	gs.mu.Unlock()

	sort.Slice(expenses, func(i, j int) bool {
		if expenses[i].Date != expenses[j].Date {
			return expenses[i].Date < expenses[j].Date
		}
		return expenses[i].ID < expenses[j].ID
	})
	return group, expenses, nil
}

// Groups returns deep copies of all groups, sorted by last activity
// (newest first), then ID.
func (l *Ledger) Groups() []models.Group {
	l.mu.RLock()
	states := make([]*groupState, 0, len(l.groups))
	for _, gs := range l.groups {
		states = append(states, gs)
	}
	l.mu.RUnlock()

	groups := make([]models.Group, 0, len(states))
	for _, gs := range states {
		gs.mu.Lock()
		groups = append(groups, copyGroup(&gs.group))
		gs.mu.Unlock()
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].LastActivity != groups[j].LastActivity {
			return groups[i].LastActivity > groups[j].LastActivity
		}
		return groups[i].ID < groups[j].ID
	})
	return groups
}

// Balances computes net and pairwise balances plus settlement suggestions
// for one group, over a snapshot.
func (l *Ledger) Balances(groupID string) (map[string]float64, map[calculator.Pair]float64, []models.Transfer, []calculator.Inconsistency, error) {
	group, expenses, err := l.Snapshot(groupID)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	net, warnings := calculator.ComputeBalances(&group, expenses)
	pairwise, _ := calculator.ComputePairwise(&group, expenses)
	transfers := calculator.SuggestSettlements(net, group.ParticipantIDs())
	return net, pairwise, transfers, warnings, nil
}

// FriendBalances aggregates the viewer's position against every other
// participant across all groups.
func (l *Ledger) FriendBalances(viewerID string) ([]models.FriendBalance, []models.GroupBalance, []calculator.Inconsistency) {
	groups := l.Groups()
	expensesByGroup := make(map[string][]models.Expense, len(groups))
	for _, g := range groups {
		_, expenses, err := l.Snapshot(g.ID)
		if err != nil {
			continue
		}
		expensesByGroup[g.ID] = expenses
	}
	return calculator.FriendBalances(viewerID, groups, expensesByGroup)
}

func totalSpent(expenses map[string]models.Expense) float64 {
	var cents int64
	for _, e := range expenses {
		cents += int64(math.Round(e.TotalAmount * 100))
	}
	return float64(cents) / 100
}

func copyGroup(g *models.Group) models.Group {
	out := *g
	out.Participants = append([]models.Participant(nil), g.Participants...)
	return out
}

func copyShares(shares map[string]float64) map[string]float64 {
	if shares == nil {
		return nil
	}
	out := make(map[string]float64, len(shares))
	for k, v := range shares {
		out[k] = v
	}
	return out
}
