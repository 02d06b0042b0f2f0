// Package calculator implements the pure computation core: expense share
// resolution, balance aggregation, and settlement planning.
//
// All arithmetic runs on integer cents so results are exact and independent
// of input ordering; float64 appears only at the package boundary.
package calculator

import (
	"errors"
	"fmt"
	"math"

	"github.com/tallyhq/tally/internal/models"
)

// ErrInvalidSplit reports split parameters that cannot produce shares
// matching the expense total. Callers decide whether to reject the input or
// ask the user to correct it; shares are never silently clamped.
var ErrInvalidSplit = errors.New("invalid split")

// SplitParams carries the per-participant inputs for percentage and custom
// splits. Equal splits need neither field.
type SplitParams struct {
	// Percentages maps participant ID to a percentage of the total.
	// Required for SplitPercentage; must sum to 100 within 0.01.
	Percentages map[string]float64

	// Amounts maps participant ID to an explicit share. Required for
	// SplitCustom; must sum to the expense total within 0.01.
	Amounts map[string]float64
}

// toCents converts a currency amount to integer cents, rounding half away
// from zero.
func toCents(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

// fromCents converts integer cents back to a currency amount.
func fromCents(cents int64) float64 {
	return float64(cents) / 100
}

// ComputeShares resolves an expense total into per-participant shares.
//
// The returned shares always sum to exactly the cent-rounded total: after
// the per-participant division, leftover cents are handed out one at a time
// to the first participants in list order. That deterministic remainder
// distribution is what keeps naive floating division from losing or
// double-counting a cent.
func ComputeShares(total float64, splitType models.SplitType, participants []models.Participant, params SplitParams) (map[string]float64, error) {
	if math.IsNaN(total) || math.IsInf(total, 0) || total < 0 {
		return nil, fmt.Errorf("%w: total must be finite and non-negative, got %v", ErrInvalidSplit, total)
	}
	if len(participants) == 0 {
		return nil, fmt.Errorf("%w: must have at least one participant", ErrInvalidSplit)
	}

	totalCents := toCents(total)

	var shareCents map[string]int64
	switch splitType {
	case models.SplitEqual:
		shareCents = equalShares(totalCents, participants)

	case models.SplitPercentage:
		var err error
		shareCents, err = percentageShares(total, totalCents, participants, params.Percentages)
		if err != nil {
			return nil, err
		}

	case models.SplitCustom:
		var err error
		shareCents, err = customShares(total, totalCents, participants, params.Amounts)
		if err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("%w: unknown split type %q", ErrInvalidSplit, splitType)
	}

	shares := make(map[string]float64, len(shareCents))
	for id, cents := range shareCents {
		shares[id] = fromCents(cents)
	}
	return shares, nil
}

// equalShares divides totalCents evenly, giving the remainder cents to the
// first participants in list order.
func equalShares(totalCents int64, participants []models.Participant) map[string]int64 {
	n := int64(len(participants))
	base := totalCents / n
	remainder := totalCents - base*n

	shares := make(map[string]int64, n)
	for i, p := range participants {
		shares[p.ID] = base
		if int64(i) < remainder {
			shares[p.ID]++
		}
	}
	return shares
}

// percentageShares computes cent shares from percentages, then corrects the
// rounding residual in list order so the shares sum to totalCents exactly.
func percentageShares(total float64, totalCents int64, participants []models.Participant, percentages map[string]float64) (map[string]int64, error) {
	if len(percentages) == 0 {
		return nil, fmt.Errorf("%w: percentage split requires percentages", ErrInvalidSplit)
	}
	var pctSum float64
	for id, pct := range percentages {
		if math.IsNaN(pct) || math.IsInf(pct, 0) || pct < 0 {
			return nil, fmt.Errorf("%w: percentage for %q must be finite and non-negative", ErrInvalidSplit, id)
		}
		pctSum += pct
	}
	if math.Abs(pctSum-100) > models.Epsilon {
		return nil, fmt.Errorf("%w: percentages sum to %.2f, want 100", ErrInvalidSplit, pctSum)
	}

	shares := make(map[string]int64, len(participants))
	var assigned int64
	for _, p := range participants {
		pct, ok := percentages[p.ID]
		if !ok {
			return nil, fmt.Errorf("%w: missing percentage for participant %q", ErrInvalidSplit, p.ID)
		}
		cents := toCents(total * pct / 100)
		shares[p.ID] = cents
		assigned += cents
	}
	if len(percentages) != len(participants) {
		return nil, fmt.Errorf("%w: percentages reference %d participants, group has %d", ErrInvalidSplit, len(percentages), len(participants))
	}

	distributeResidual(shares, participants, totalCents-assigned)
	return shares, nil
}

// customShares validates explicit amounts against the total, then corrects
// any sub-cent residual in list order.
func customShares(total float64, totalCents int64, participants []models.Participant, amounts map[string]float64) (map[string]int64, error) {
	if len(amounts) == 0 {
		return nil, fmt.Errorf("%w: custom split requires amounts", ErrInvalidSplit)
	}
	var sum float64
	for id, amount := range amounts {
		if math.IsNaN(amount) || math.IsInf(amount, 0) || amount < 0 {
			return nil, fmt.Errorf("%w: amount for %q must be finite and non-negative", ErrInvalidSplit, id)
		}
		sum += amount
	}
	if math.Abs(sum-total) > models.Epsilon {
		return nil, fmt.Errorf("%w: amounts sum to %.2f, expense total is %.2f", ErrInvalidSplit, sum, total)
	}

	shares := make(map[string]int64, len(participants))
	var assigned int64
	for _, p := range participants {
		amount, ok := amounts[p.ID]
		if !ok {
			return nil, fmt.Errorf("%w: missing amount for participant %q", ErrInvalidSplit, p.ID)
		}
		cents := toCents(amount)
		shares[p.ID] = cents
		assigned += cents
	}
	if len(amounts) != len(participants) {
		return nil, fmt.Errorf("%w: amounts reference %d participants, group has %d", ErrInvalidSplit, len(amounts), len(participants))
	}

	distributeResidual(shares, participants, totalCents-assigned)
	return shares, nil
}

// distributeResidual spreads residual cents one at a time across
// participants in list order. residual may be negative.
func distributeResidual(shares map[string]int64, participants []models.Participant, residual int64) {
	step := int64(1)
	if residual < 0 {
		step = -1
		residual = -residual
	}
	for i := int64(0); i < residual; i++ {
		p := participants[i%int64(len(participants))]
		shares[p.ID] += step
	}
}
