package calculator

import "github.com/tallyhq/tally/internal/models"

// epsilonCents is models.Epsilon expressed in cents: balances at or below
// one cent are treated as settled.
const epsilonCents = 1

// SuggestSettlements turns net balances into an ordered list of suggested
// payments using a greedy heuristic: repeatedly match the creditor with the
// largest remaining credit against the debtor with the largest remaining
// debt, settle the smaller of the two, and drop anyone whose balance falls
// within epsilon of zero.
//
// The heuristic is not guaranteed transaction-count optimal (that problem
// is NP-hard); it does terminate in at most len(order)-1 transfers. Ties
// are broken by position in order, so output is deterministic. An already
// settled group produces an empty list.
//
// order lists participant IDs in first-seen order; IDs missing from net are
// ignored.
func SuggestSettlements(net map[string]float64, order []string) []models.Transfer {
	type position struct {
		id    string
		cents int64
	}

	var creditors, debtors []position
	for _, id := range order {
		cents := toCents(net[id])
		switch {
		case cents > epsilonCents:
			creditors = append(creditors, position{id: id, cents: cents})
		case cents < -epsilonCents:
			debtors = append(debtors, position{id: id, cents: -cents})
		}
	}

	// Index of the largest remaining balance; earlier entries win ties
	// because the comparison is strict.
	largest := func(ps []position) int {
		best := -1
		for i := range ps {
			if ps[i].cents <= epsilonCents {
				continue
			}
			if best == -1 || ps[i].cents > ps[best].cents {
				best = i
			}
		}
		return best
	}

	var transfers []models.Transfer
	for {
		ci := largest(creditors)
		di := largest(debtors)
		if ci == -1 || di == -1 {
			break
		}

		amount := creditors[ci].cents
		if debtors[di].cents < amount {
			amount = debtors[di].cents
		}

		transfers = append(transfers, models.Transfer{
			FromID: debtors[di].id,
			ToID:   creditors[ci].id,
			Amount: fromCents(amount),
		})
		creditors[ci].cents -= amount
		debtors[di].cents -= amount
	}
	return transfers
}
