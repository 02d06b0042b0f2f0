package ledger

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tallyhq/tally/internal/calculator"
	"github.com/tallyhq/tally/internal/models"
)

func newTestLedger(t *testing.T) (*Ledger, *models.Group) {
	t.Helper()
	l := New()
	group := &models.Group{
		Name: "Trip",
		Participants: []models.Participant{
			{ID: "alice", Name: "Alice"},
			{ID: "bob", Name: "Bob"},
			{ID: "carol", Name: "Carol"},
		},
		IsActive: true,
		Currency: "USD",
	}
	m, err := l.Apply(Edit{
		Kind:       models.MutationCreate,
		EntityType: models.EntityGroup,
		Group:      group,
	})
	require.NoError(t, err)
	group.ID = m.EntityID
	return l, group
}

func addExpense(t *testing.T, l *Ledger, group *models.Group, payer string, total float64) *models.PendingMutation {
	t.Helper()
	shares, err := calculator.ComputeShares(total, models.SplitEqual, group.Participants, calculator.SplitParams{})
	require.NoError(t, err)
	m, err := l.Apply(Edit{
		Kind:       models.MutationCreate,
		EntityType: models.EntityExpense,
		Expense: &models.Expense{
			GroupID:     group.ID,
			Description: "dinner",
			TotalAmount: total,
			PaidByID:    payer,
			SplitType:   models.SplitEqual,
			Shares:      shares,
		},
	})
	require.NoError(t, err)
	return m
}

func TestApplyCreateGroupAndExpense(t *testing.T) {
	l, group := newTestLedger(t)
	m := addExpense(t, l, group, "alice", 30.00)

	assert.Equal(t, models.MutationCreate, m.Kind)
	assert.Equal(t, models.EntityExpense, m.EntityType)
	assert.NotEmpty(t, m.ID)
	assert.NotZero(t, m.CreatedAt)

	got, expenses, err := l.Snapshot(group.ID)
	require.NoError(t, err)
	assert.Len(t, expenses, 1)
	assert.InDelta(t, 30.00, got.TotalSpent, 0.001)
	assert.Equal(t, "alice", expenses[0].PaidByID)
}

func TestApplyRejectsInvalidEdits(t *testing.T) {
	l, group := newTestLedger(t)

	tests := []struct {
		name string
		edit Edit
	}{
		{
			name: "empty group name",
			edit: Edit{
				Kind:       models.MutationCreate,
				EntityType: models.EntityGroup,
				Group: &models.Group{
					Name:         "   ",
					Participants: []models.Participant{{ID: "a", Name: "A"}, {ID: "b", Name: "B"}},
				},
			},
		},
		{
			name: "single participant group",
			edit: Edit{
				Kind:       models.MutationCreate,
				EntityType: models.EntityGroup,
				Group: &models.Group{
					Name:         "Solo",
					Participants: []models.Participant{{ID: "a", Name: "A"}},
				},
			},
		},
		{
			name: "duplicate participant names",
			edit: Edit{
				Kind:       models.MutationCreate,
				EntityType: models.EntityGroup,
				Group: &models.Group{
					Name:         "Dup",
					Participants: []models.Participant{{ID: "a", Name: "Sam"}, {ID: "b", Name: "Sam"}},
				},
			},
		},
		{
			name: "payer not in group",
			edit: Edit{
				Kind:       models.MutationCreate,
				EntityType: models.EntityExpense,
				Expense: &models.Expense{
					GroupID:     group.ID,
					TotalAmount: 10,
					PaidByID:    "ghost",
					SplitType:   models.SplitEqual,
					Shares:      map[string]float64{"alice": 5, "bob": 5},
				},
			},
		},
		{
			name: "shares do not sum to total",
			edit: Edit{
				Kind:       models.MutationCreate,
				EntityType: models.EntityExpense,
				Expense: &models.Expense{
					GroupID:     group.ID,
					TotalAmount: 10,
					PaidByID:    "alice",
					SplitType:   models.SplitEqual,
					Shares:      map[string]float64{"alice": 5, "bob": 6},
				},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := l.Apply(tt.edit)
			require.Error(t, err)
			assert.True(t, models.IsValidation(err), "want ValidationError, got %v", err)
			assert.Nil(t, m, "rejected edits must never produce a mutation")
		})
	}
}

func TestSnapshotIsolation(t *testing.T) {
	l, group := newTestLedger(t)
	addExpense(t, l, group, "alice", 12.00)

	snap, expenses, err := l.Snapshot(group.ID)
	require.NoError(t, err)

	// Mutating the snapshot must not leak into the ledger.
	snap.Participants[0].Name = "Mallory"
	expenses[0].Shares["alice"] = 999

	fresh, freshExpenses, err := l.Snapshot(group.ID)
	require.NoError(t, err)
	assert.Equal(t, "Alice", fresh.Participants[0].Name)
	assert.InDelta(t, 4.00, freshExpenses[0].Shares["alice"], 0.001)
}

func TestTotalSpentRecomputed(t *testing.T) {
	l, group := newTestLedger(t)
	addExpense(t, l, group, "alice", 10.00)
	m := addExpense(t, l, group, "bob", 20.00)

	snap, _, err := l.Snapshot(group.ID)
	require.NoError(t, err)
	assert.InDelta(t, 30.00, snap.TotalSpent, 0.001)

	_, err = l.Apply(Edit{
		Kind:       models.MutationDelete,
		EntityType: models.EntityExpense,
		EntityID:   m.EntityID,
		GroupID:    group.ID,
	})
	require.NoError(t, err)

	snap, _, err = l.Snapshot(group.ID)
	require.NoError(t, err)
	assert.InDelta(t, 10.00, snap.TotalSpent, 0.001)
}

func TestApplyRemoteIdempotent(t *testing.T) {
	l, group := newTestLedger(t)

	expense := models.Expense{
		ID:          "remote-1",
		GroupID:     group.ID,
		Description: "hotel",
		TotalAmount: 90.00,
		PaidByID:    "bob",
		SplitType:   models.SplitEqual,
		Shares:      map[string]float64{"alice": 30, "bob": 30, "carol": 30},
	}
	payload, err := json.Marshal(&expense)
	require.NoError(t, err)

	delta := models.RemoteDelta{
		EntityType:      models.EntityExpense,
		ID:              expense.ID,
		Payload:         payload,
		RemoteTimestamp: l.now() + 1000,
	}

	require.NoError(t, l.ApplyRemote(delta))
	_, first, err := l.Snapshot(group.ID)
	require.NoError(t, err)

	// Duplicate delivery must yield the same state as a single delivery.
	require.NoError(t, l.ApplyRemote(delta))
	snap, second, err := l.Snapshot(group.ID)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.InDelta(t, 90.00, snap.TotalSpent, 0.001)
}

func TestApplyRemoteLastWriteWins(t *testing.T) {
	l, group := newTestLedger(t)
	m := addExpense(t, l, group, "alice", 10.00)
	localTS := m.CreatedAt

	stale := models.Expense{
		ID:          m.EntityID,
		GroupID:     group.ID,
		Description: "stale version",
		TotalAmount: 99.00,
		PaidByID:    "bob",
		SplitType:   models.SplitEqual,
		Shares:      map[string]float64{"alice": 33, "bob": 33, "carol": 33},
	}
	payload, err := json.Marshal(&stale)
	require.NoError(t, err)

	// Older remote write loses.
	require.NoError(t, l.ApplyRemote(models.RemoteDelta{
		EntityType:      models.EntityExpense,
		ID:              m.EntityID,
		Payload:         payload,
		RemoteTimestamp: localTS - 1000,
	}))
	_, expenses, err := l.Snapshot(group.ID)
	require.NoError(t, err)
	assert.InDelta(t, 10.00, expenses[0].TotalAmount, 0.001)

	// Newer remote write replaces the record.
	require.NoError(t, l.ApplyRemote(models.RemoteDelta{
		EntityType:      models.EntityExpense,
		ID:              m.EntityID,
		Payload:         payload,
		RemoteTimestamp: localTS + 1000,
	}))
	_, expenses, err = l.Snapshot(group.ID)
	require.NoError(t, err)
	assert.InDelta(t, 99.00, expenses[0].TotalAmount, 0.001)
	assert.Equal(t, "stale version", expenses[0].Description)
}

func TestApplyRemoteTombstone(t *testing.T) {
	l, group := newTestLedger(t)
	m := addExpense(t, l, group, "alice", 10.00)

	ts := m.CreatedAt + 1000
	require.NoError(t, l.ApplyRemote(models.RemoteDelta{
		EntityType:      models.EntityExpense,
		ID:              m.EntityID,
		Tombstone:       true,
		RemoteTimestamp: ts,
	}))

	_, expenses, err := l.Snapshot(group.ID)
	require.NoError(t, err)
	assert.Empty(t, expenses)

	// A late replay of the original create must not resurrect it.
	payload, err := json.Marshal(&models.Expense{
		ID:          m.EntityID,
		GroupID:     group.ID,
		TotalAmount: 10.00,
		PaidByID:    "alice",
		SplitType:   models.SplitEqual,
		Shares:      map[string]float64{"alice": 3.34, "bob": 3.33, "carol": 3.33},
	})
	require.NoError(t, err)
	require.NoError(t, l.ApplyRemote(models.RemoteDelta{
		EntityType:      models.EntityExpense,
		ID:              m.EntityID,
		Payload:         payload,
		RemoteTimestamp: ts - 500,
	}))

	_, expenses, err = l.Snapshot(group.ID)
	require.NoError(t, err)
	assert.Empty(t, expenses)
}

func TestApplyRemoteOrphanTombstone(t *testing.T) {
	l, group := newTestLedger(t)

	other := &models.Group{
		Name: "Flat",
		Participants: []models.Participant{
			{ID: "dave", Name: "Dave"},
			{ID: "erin", Name: "Erin"},
		},
		IsActive: true,
		Currency: "USD",
	}
	om, err := l.Apply(Edit{Kind: models.MutationCreate, EntityType: models.EntityGroup, Group: other})
	require.NoError(t, err)

	// Tombstone for an expense no group has ever seen.
	require.NoError(t, l.ApplyRemote(models.RemoteDelta{
		EntityType:      models.EntityExpense,
		ID:              "never-arrived",
		Tombstone:       true,
		RemoteTimestamp: 1000,
	}))

	// The marker lives ledger-wide, not fanned out into unrelated groups.
	for _, gs := range l.groups {
		assert.NotContains(t, gs.deletedAt, "never-arrived")
	}
	assert.EqualValues(t, 1000, l.orphanTombstones["never-arrived"])

	// A stale create replay stays dead.
	payload, err := json.Marshal(&models.Expense{
		ID:          "never-arrived",
		GroupID:     group.ID,
		TotalAmount: 9.00,
		PaidByID:    "alice",
		SplitType:   models.SplitEqual,
		Shares:      map[string]float64{"alice": 3, "bob": 3, "carol": 3},
	})
	require.NoError(t, err)
	require.NoError(t, l.ApplyRemote(models.RemoteDelta{
		EntityType:      models.EntityExpense,
		ID:              "never-arrived",
		Payload:         payload,
		RemoteTimestamp: 500,
	}))
	_, expenses, err := l.Snapshot(group.ID)
	require.NoError(t, err)
	assert.Empty(t, expenses)

	// A genuinely newer create wins over the orphaned tombstone.
	require.NoError(t, l.ApplyRemote(models.RemoteDelta{
		EntityType:      models.EntityExpense,
		ID:              "never-arrived",
		Payload:         payload,
		RemoteTimestamp: 2000,
	}))
	_, expenses, err = l.Snapshot(group.ID)
	require.NoError(t, err)
	assert.Len(t, expenses, 1)

	// The unrelated group never noticed any of it.
	_, otherExpenses, err := l.Snapshot(om.EntityID)
	require.NoError(t, err)
	assert.Empty(t, otherExpenses)
}

func TestApplyRemoteMalformed(t *testing.T) {
	l, group := newTestLedger(t)

	tests := []struct {
		name  string
		delta models.RemoteDelta
	}{
		{
			name: "unparseable payload",
			delta: models.RemoteDelta{
				EntityType: models.EntityExpense,
				ID:         "x",
				Payload:    json.RawMessage(`{"total_amount": "not a number"`),
			},
		},
		{
			name: "unknown group reference",
			delta: models.RemoteDelta{
				EntityType: models.EntityExpense,
				ID:         "x",
				Payload:    json.RawMessage(`{"id":"x","group_id":"nope","total_amount":1,"paid_by_id":"alice","split_type":"equal","shares":{"alice":1}}`),
			},
		},
		{
			name: "unknown entity type",
			delta: models.RemoteDelta{
				EntityType: models.EntityType("widget"),
				ID:         "x",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := l.ApplyRemote(tt.delta)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInconsistent)
		})
	}

	// A bad record never disturbs existing state.
	_, expenses, err := l.Snapshot(group.ID)
	require.NoError(t, err)
	assert.Empty(t, expenses)
}

func TestConcurrentWritersDifferentGroups(t *testing.T) {
	l := New()
	var groups []*models.Group
	for i := 0; i < 4; i++ {
		g := &models.Group{
			Name: fmt.Sprintf("Group %d", i),
			Participants: []models.Participant{
				{ID: "alice", Name: "Alice"},
				{ID: "bob", Name: "Bob"},
			},
			IsActive: true,
			Currency: "USD",
		}
		m, err := l.Apply(Edit{Kind: models.MutationCreate, EntityType: models.EntityGroup, Group: g})
		require.NoError(t, err)
		g.ID = m.EntityID
		groups = append(groups, g)
	}

	errs := make(chan error, len(groups)*25)
	var wg sync.WaitGroup
	for _, g := range groups {
		wg.Add(1)
		go func(g *models.Group) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				shares, err := calculator.ComputeShares(2.00, models.SplitEqual, g.Participants, calculator.SplitParams{})
				if err != nil {
					errs <- err
					return
				}
				if _, err := l.Apply(Edit{
					Kind:       models.MutationCreate,
					EntityType: models.EntityExpense,
					Expense: &models.Expense{
						GroupID:     g.ID,
						TotalAmount: 2.00,
						PaidByID:    "alice",
						SplitType:   models.SplitEqual,
						Shares:      shares,
					},
				}); err != nil {
					errs <- err
					return
				}
			}
		}(g)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent apply failed: %v", err)
	}

	for _, g := range groups {
		snap, expenses, err := l.Snapshot(g.ID)
		require.NoError(t, err)
		assert.Len(t, expenses, 25)
		assert.InDelta(t, 50.00, snap.TotalSpent, 0.001)
	}
}

func TestSubscribeReceivesEvents(t *testing.T) {
	l, group := newTestLedger(t)
	ch := l.Subscribe()

	addExpense(t, l, group, "alice", 5.00)

	select {
	case ev := <-ch:
		assert.Equal(t, group.ID, ev.GroupID)
	default:
		t.Fatal("expected a ledger change event")
	}
}
