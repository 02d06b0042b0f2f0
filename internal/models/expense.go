package models

import (
	"fmt"
	"math"
)

// SplitType selects how an expense total is divided among participants.
type SplitType string

const (
	// SplitEqual divides the total evenly, distributing leftover cents to
	// the first participants in list order.
	SplitEqual SplitType = "equal"

	// SplitPercentage divides the total by per-participant percentages
	// that must sum to 100.
	SplitPercentage SplitType = "percentage"

	// SplitCustom uses explicit per-participant amounts that must sum to
	// the total.
	SplitCustom SplitType = "custom"
)

// Valid reports whether t is a known split type.
func (t SplitType) Valid() bool {
	switch t {
	case SplitEqual, SplitPercentage, SplitCustom:
		return true
	}
	return false
}

// Epsilon is the currency-unit tolerance below which amounts are treated as
// settled. Balances are never compared exactly to zero because of floating
// accumulation at the API boundary.
const Epsilon = 0.01

// Expense represents a single shared cost inside a group.
type Expense struct {
	// ID is the unique identifier for the expense (UUID format).
	ID string `json:"id"`

	// GroupID is the owning group.
	GroupID string `json:"group_id"`

	// Description is the human-readable label (e.g., "Groceries").
	Description string `json:"description"`

	// TotalAmount is the full cost of the expense in the group currency.
	TotalAmount float64 `json:"total_amount"`

	// PaidByID is the participant who fronted the money.
	PaidByID string `json:"paid_by_id"`

	// SplitType records how Shares were derived.
	SplitType SplitType `json:"split_type"`

	// Date is the Unix-millisecond timestamp the expense occurred.
	Date int64 `json:"date"`

	// Category is an optional free-form grouping label.
	Category string `json:"category,omitempty"`

	// Shares maps participant ID to that participant's portion of
	// TotalAmount. The values sum to TotalAmount within Epsilon.
	Shares map[string]float64 `json:"shares"`
}

// Validate checks the expense invariants against its owning group: a
// finite non-negative total, shares that sum to the total within Epsilon,
// and payer plus every share key being current group participants.
func (e *Expense) Validate(group *Group) error {
	if e.TotalAmount < 0 || math.IsNaN(e.TotalAmount) || math.IsInf(e.TotalAmount, 0) {
		return &ValidationError{Field: "total_amount", Reason: "amount must be finite and non-negative"}
	}
	if !e.SplitType.Valid() {
		return &ValidationError{Field: "split_type", Reason: fmt.Sprintf("unknown split type %q", e.SplitType)}
	}
	if !group.HasParticipant(e.PaidByID) {
		return &ValidationError{Field: "paid_by_id", Reason: fmt.Sprintf("payer %q is not a group participant", e.PaidByID)}
	}
	var sum float64
	for id, share := range e.Shares {
		if math.IsNaN(share) || math.IsInf(share, 0) {
			return &ValidationError{Field: "shares", Reason: fmt.Sprintf("share for %q is not finite", id)}
		}
		if !group.HasParticipant(id) {
			return &ValidationError{Field: "shares", Reason: fmt.Sprintf("share holder %q is not a group participant", id)}
		}
		sum += share
	}
	if math.Abs(sum-e.TotalAmount) > Epsilon {
		return &ValidationError{
			Field:  "shares",
			Reason: fmt.Sprintf("shares sum to %.2f, expense total is %.2f", sum, e.TotalAmount),
		}
	}
	return nil
}
