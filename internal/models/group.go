package models

import (
	"fmt"
	"strings"
)

// Participant is one member of a group.
// The ID is a stable opaque identifier (UUID format); the display name may
// change over time.
type Participant struct {
	// ID is the unique identifier for the participant (UUID format).
	ID string `json:"id"`

	// Name is the display name shown in the UI.
	Name string `json:"name"`
}

// Group represents a set of participants who share expenses.
type Group struct {
	// ID is the unique identifier for the group (UUID format).
	ID string `json:"id"`

	// Name is the display name of the group (e.g., "Roommates", "Ski Trip").
	Name string `json:"name"`

	// Participants is the ordered member list. A single sequence of
	// {id, name} records keeps the id/name pairing structural.
	Participants []Participant `json:"participants"`

	// TotalSpent is a derived cache of the sum of all non-deleted expense
	// totals in the group. It is recomputed from the expense set whenever
	// that set changes, never trusted incrementally across a merge.
	TotalSpent float64 `json:"total_spent"`

	// LastActivity is the Unix-millisecond timestamp of the most recent
	// mutation touching this group or its expenses.
	LastActivity int64 `json:"last_activity"`

	// IsActive is false once a group is archived.
	IsActive bool `json:"is_active"`

	// Currency is the ISO 4217 code all amounts in this group share.
	// Tally does not convert between currencies.
	Currency string `json:"currency"`
}

// Participant returns the member with the given ID, if present.
func (g *Group) Participant(id string) (Participant, bool) {
	for _, p := range g.Participants {
		if p.ID == id {
			return p, true
		}
	}
	return Participant{}, false
}

// HasParticipant reports whether the given ID is a current member.
func (g *Group) HasParticipant(id string) bool {
	_, ok := g.Participant(id)
	return ok
}

// ParticipantIDs returns the member IDs in list order.
func (g *Group) ParticipantIDs() []string {
	ids := make([]string, len(g.Participants))
	for i, p := range g.Participants {
		ids[i] = p.ID
	}
	return ids
}

// Validate checks the group invariants: non-empty trimmed name, at least
// two participants (required before the group can take new expenses), and
// no duplicate participant names or IDs.
func (g *Group) Validate() error {
	if strings.TrimSpace(g.Name) == "" {
		return &ValidationError{Field: "name", Reason: "group name must not be empty"}
	}
	if len(g.Participants) < 2 {
		return &ValidationError{Field: "participants", Reason: "a group needs at least two participants"}
	}
	seenIDs := make(map[string]bool, len(g.Participants))
	seenNames := make(map[string]bool, len(g.Participants))
	for _, p := range g.Participants {
		if p.ID == "" {
			return &ValidationError{Field: "participants", Reason: "participant id must not be empty"}
		}
		name := strings.TrimSpace(p.Name)
		if name == "" {
			return &ValidationError{Field: "participants", Reason: "participant name must not be empty"}
		}
		if seenIDs[p.ID] {
			return &ValidationError{Field: "participants", Reason: fmt.Sprintf("duplicate participant id %q", p.ID)}
		}
		if seenNames[name] {
			return &ValidationError{Field: "participants", Reason: fmt.Sprintf("duplicate participant name %q", name)}
		}
		seenIDs[p.ID] = true
		seenNames[name] = true
	}
	return nil
}
