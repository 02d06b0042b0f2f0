package calculator

import (
	"fmt"
	"math"
	"sort"

	"github.com/tallyhq/tally/internal/models"
)

// Inconsistency reports a stored expense that violates an invariant and was
// excluded from a balance computation. Partial results stay usable; a bad
// record never aborts the whole computation.
type Inconsistency struct {
	ExpenseID string
	Reason    string
}

func (i Inconsistency) String() string {
	return fmt.Sprintf("expense %s: %s", i.ExpenseID, i.Reason)
}

// Pair identifies an unordered participant pair. A is always the lexically
// smaller ID, so (x,y) and (y,x) collapse into one key.
type Pair struct {
	A, B string
}

// MakePair builds the canonical pair for two participant IDs.
func MakePair(x, y string) Pair {
	if x < y {
		return Pair{A: x, B: y}
	}
	return Pair{A: y, B: x}
}

// checkExpense mirrors the expense invariants for computation purposes.
// It returns a reason string when the expense must be excluded.
func checkExpense(group *models.Group, e *models.Expense) (string, bool) {
	if math.IsNaN(e.TotalAmount) || math.IsInf(e.TotalAmount, 0) {
		return "total amount is not finite", false
	}
	if !group.HasParticipant(e.PaidByID) {
		return fmt.Sprintf("payer %q is not a group participant", e.PaidByID), false
	}
	var sum float64
	for id, share := range e.Shares {
		if math.IsNaN(share) || math.IsInf(share, 0) {
			return fmt.Sprintf("share for %q is not finite", id), false
		}
		if !group.HasParticipant(id) {
			return fmt.Sprintf("share holder %q is not a group participant", id), false
		}
		sum += share
	}
	if math.Abs(sum-e.TotalAmount) > models.Epsilon {
		return fmt.Sprintf("shares sum to %.2f, total is %.2f", sum, e.TotalAmount), false
	}
	return "", true
}

// ComputeBalances aggregates all expenses in a group into a net position
// per participant: positive means owed money, negative means owes money.
//
// For each expense the payer is credited the sum of everyone else's shares
// and every other participant is debited their own share. Accumulation is
// in integer cents, so the result is identical for any permutation of the
// expense list, and the net positions always sum to zero.
//
// Malformed expenses are skipped and reported as inconsistencies.
func ComputeBalances(group *models.Group, expenses []models.Expense) (map[string]float64, []Inconsistency) {
	net := make(map[string]int64, len(group.Participants))
	for _, p := range group.Participants {
		net[p.ID] = 0
	}

	var warnings []Inconsistency
	for i := range expenses {
		e := &expenses[i]
		if reason, ok := checkExpense(group, e); !ok {
			warnings = append(warnings, Inconsistency{ExpenseID: e.ID, Reason: reason})
			continue
		}
		for id, share := range e.Shares {
			cents := toCents(share)
			if id == e.PaidByID {
				continue
			}
			net[id] -= cents
			net[e.PaidByID] += cents
		}
	}

	balances := make(map[string]float64, len(net))
	for id, cents := range net {
		balances[id] = fromCents(cents)
	}
	return balances, warnings
}

// ComputePairwise derives the signed balance for every participant pair.
// A positive value means Pair.B owes Pair.A; negative means A owes B.
// Each expense debits every non-payer's share against that expense's payer,
// and the per-pair sums are order-independent for the same reason
// ComputeBalances is.
func ComputePairwise(group *models.Group, expenses []models.Expense) (map[Pair]float64, []Inconsistency) {
	owed := make(map[Pair]int64)

	var warnings []Inconsistency
	for i := range expenses {
		e := &expenses[i]
		if reason, ok := checkExpense(group, e); !ok {
			warnings = append(warnings, Inconsistency{ExpenseID: e.ID, Reason: reason})
			continue
		}
		for id, share := range e.Shares {
			if id == e.PaidByID {
				continue
			}
			cents := toCents(share)
			pair := MakePair(e.PaidByID, id)
			// Positive when B owes A.
			if pair.A == e.PaidByID {
				owed[pair] += cents
			} else {
				owed[pair] -= cents
			}
		}
	}

	balances := make(map[Pair]float64, len(owed))
	for pair, cents := range owed {
		balances[pair] = fromCents(cents)
	}
	return balances, warnings
}

// FriendBalances aggregates the viewer's pairwise positions into per-group
// rows and a cross-group total per friend. Positive amounts mean the friend
// owes the viewer. Results are sorted by friend ID, then group ID, so
// output is deterministic.
func FriendBalances(viewerID string, groups []models.Group, expensesByGroup map[string][]models.Expense) ([]models.FriendBalance, []models.GroupBalance, []Inconsistency) {
	friendCents := make(map[string]int64)
	var groupBalances []models.GroupBalance
	var warnings []Inconsistency

	for i := range groups {
		g := &groups[i]
		if !g.HasParticipant(viewerID) {
			continue
		}
		pairwise, ws := ComputePairwise(g, expensesByGroup[g.ID])
		warnings = append(warnings, ws...)

		for pair, amount := range pairwise {
			var friendID string
			var toViewer float64
			switch viewerID {
			case pair.A:
				friendID, toViewer = pair.B, amount
			case pair.B:
				friendID, toViewer = pair.A, -amount
			default:
				continue
			}
			if math.Abs(toViewer) <= models.Epsilon {
				continue
			}
			friendCents[friendID] += toCents(toViewer)
			groupBalances = append(groupBalances, models.GroupBalance{
				GroupID:      g.ID,
				FriendID:     friendID,
				Amount:       toViewer,
				LastActivity: g.LastActivity,
			})
		}
	}

	friends := make([]models.FriendBalance, 0, len(friendCents))
	for id, cents := range friendCents {
		if cents == 0 {
			continue
		}
		friends = append(friends, models.FriendBalance{FriendID: id, Amount: fromCents(cents)})
	}
	sort.Slice(friends, func(i, j int) bool { return friends[i].FriendID < friends[j].FriendID })
	sort.Slice(groupBalances, func(i, j int) bool {
		if groupBalances[i].FriendID != groupBalances[j].FriendID {
			return groupBalances[i].FriendID < groupBalances[j].FriendID
		}
		return groupBalances[i].GroupID < groupBalances[j].GroupID
	})
	return friends, groupBalances, warnings
}
