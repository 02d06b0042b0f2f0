package ledger

import (
	"encoding/json"
	"fmt"

	"github.com/tallyhq/tally/internal/models"
)

// ApplyRemote merges one remote delta into the ledger.
//
// Resolution is last-write-wins at the record level: a delta older than the
// local record's last applied write is ignored, anything else replaces the
// record wholesale. Applying the same delta twice yields the same state as
// applying it once, which makes duplicate delivery from the remote store
// harmless.
//
// A malformed delta (unparseable payload, unknown group, invariant
// violation) is reported as ErrInconsistent for that one record; it never
// aborts a merge batch or crashes the process.
func (l *Ledger) ApplyRemote(delta models.RemoteDelta) error {
	switch delta.EntityType {
	case models.EntityGroup:
		return l.mergeGroup(delta)
	case models.EntityExpense:
		return l.mergeExpense(delta)
	default:
		return fmt.Errorf("%w: unknown entity type %q", ErrInconsistent, delta.EntityType)
	}
}

func (l *Ledger) mergeGroup(delta models.RemoteDelta) error {
	if delta.Tombstone {
		l.mu.Lock()
		gs, ok := l.groups[delta.ID]
		if ok {
			gs.mu.Lock()
			localNewer := gs.updatedAt[delta.ID] > delta.RemoteTimestamp
			gs.mu.Unlock()
			if !localNewer {
				delete(l.groups, delta.ID)
				l.deletedAt[delta.ID] = delta.RemoteTimestamp
				l.mu.Unlock()
				l.notify(delta.ID)
				return nil
			}
		}
		l.mu.Unlock()
		return nil
	}

	var g models.Group
	if err := json.Unmarshal(delta.Payload, &g); err != nil {
		return fmt.Errorf("%w: group %s: bad payload: %v", ErrInconsistent, delta.ID, err)
	}
	if g.ID == "" {
		g.ID = delta.ID
	}
	if g.ID != delta.ID {
		return fmt.Errorf("%w: group payload id %q does not match delta id %q", ErrInconsistent, g.ID, delta.ID)
	}
	if err := g.Validate(); err != nil {
		return fmt.Errorf("%w: group %s: %v", ErrInconsistent, g.ID, err)
	}

	l.mu.Lock()
	if l.deletedAt[g.ID] > delta.RemoteTimestamp {
		l.mu.Unlock()
		return nil
	}
	gs, ok := l.groups[g.ID]
	if !ok {
		gs = &groupState{
			expenses:  make(map[string]models.Expense),
			updatedAt: make(map[string]int64),
			deletedAt: make(map[string]int64),
		}
		l.groups[g.ID] = gs
	}
	l.mu.Unlock()

	gs.mu.Lock()
	if gs.updatedAt[g.ID] > delta.RemoteTimestamp {
		gs.mu.Unlock()
		return nil
	}
	if g.LastActivity < delta.RemoteTimestamp {
		g.LastActivity = delta.RemoteTimestamp
	}
	g.TotalSpent = totalSpent(gs.expenses)
	gs.group = g
	gs.updatedAt[g.ID] = delta.RemoteTimestamp
	gs.mu.Unlock()

	l.notify(g.ID)
	return nil
}

func (l *Ledger) mergeExpense(delta models.RemoteDelta) error {
	if delta.Tombstone {
		// Tombstones carry no payload, so locate the expense by ID.
		l.mu.RLock()
		states := make([]*groupState, 0, len(l.groups))
		for _, gs := range l.groups {
			states = append(states, gs)
		}
		l.mu.RUnlock()

		for _, gs := range states {
			gs.mu.Lock()
			if _, ok := gs.expenses[delta.ID]; ok {
				if gs.updatedAt[delta.ID] > delta.RemoteTimestamp {
					gs.mu.Unlock()
					return nil
				}
				delete(gs.expenses, delta.ID)
				gs.deletedAt[delta.ID] = delta.RemoteTimestamp
				gs.group.TotalSpent = totalSpent(gs.expenses)
				groupID := gs.group.ID
				gs.mu.Unlock()
				l.notify(groupID)
				return nil
			}
			gs.mu.Unlock()
		}

		// The expense never arrived. Remember the tombstone ledger-wide so
		// a late replay of the create cannot resurrect it.
		l.mu.Lock()
		if delta.RemoteTimestamp > l.orphanTombstones[delta.ID] {
			l.orphanTombstones[delta.ID] = delta.RemoteTimestamp
		}
		l.mu.Unlock()
		return nil
	}

	var e models.Expense
	if err := json.Unmarshal(delta.Payload, &e); err != nil {
		return fmt.Errorf("%w: expense %s: bad payload: %v", ErrInconsistent, delta.ID, err)
	}
	if e.ID == "" {
		e.ID = delta.ID
	}
	if e.ID != delta.ID {
		return fmt.Errorf("%w: expense payload id %q does not match delta id %q", ErrInconsistent, e.ID, delta.ID)
	}

	gs, err := l.state(e.GroupID)
	if err != nil {
		return fmt.Errorf("%w: expense %s references unknown group %q", ErrInconsistent, e.ID, e.GroupID)
	}

	l.mu.RLock()
	orphanTS := l.orphanTombstones[e.ID]
	l.mu.RUnlock()
	if orphanTS > delta.RemoteTimestamp {
		return nil
	}

	gs.mu.Lock()
	if gs.deletedAt[e.ID] > delta.RemoteTimestamp || gs.updatedAt[e.ID] > delta.RemoteTimestamp {
		gs.mu.Unlock()
		return nil
	}
	if err := e.Validate(&gs.group); err != nil {
		gs.mu.Unlock()
		return fmt.Errorf("%w: expense %s: %v", ErrInconsistent, e.ID, err)
	}
	gs.expenses[e.ID] = e
	gs.updatedAt[e.ID] = delta.RemoteTimestamp
	gs.group.TotalSpent = totalSpent(gs.expenses)
	if gs.group.LastActivity < delta.RemoteTimestamp {
		gs.group.LastActivity = delta.RemoteTimestamp
	}
	groupID := gs.group.ID
	gs.mu.Unlock()

	l.notify(groupID)
	return nil
}
