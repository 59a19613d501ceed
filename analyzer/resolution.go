package analyzer

import (
	"fmt"
	"sort"

	"polymarket-copytrade/api"
	"polymarket-copytrade/models"
)

// Thresholds is the conjunctive resolution band: one outcome at or above
// High and another at or below Low in the same snapshot.
type Thresholds struct {
	High float64
	Low  float64
}

// DefaultThresholds is 99/1. A 95/5 split is still a live market.
var DefaultThresholds = Thresholds{High: 0.99, Low: 0.01}

// Resolution is a detected market outcome.
type Resolution struct {
	WinningOutcome string
	// Explicit is true when the market data said so rather than prices.
	Explicit bool
}

func ambiguous(reason string, format string, args ...any) error {
	return models.NewError(models.KindResolutionAmbiguous, reason, fmt.Errorf(format, args...))
}

// DetectResolution decides whether snap shows a resolved market.
// It returns nil, nil for a live market and a ResolutionAmbiguous error
// when the data cannot support a decision either way.
func DetectResolution(snap *api.MarketSnapshot, th Thresholds) (*Resolution, error) {
	if snap == nil {
		return nil, ambiguous("no_data", "no market snapshot")
	}

	// Explicit fields from the market data are authoritative.
	if snap.WinningOutcome != nil && *snap.WinningOutcome != "" {
		return &Resolution{WinningOutcome: *snap.WinningOutcome, Explicit: true}, nil
	}
	if snap.Resolved != nil {
		if !*snap.Resolved {
			// Proposed or disputed: prices can sit past the band and still flip.
			return nil, nil
		}
		leader, _, ok := leaders(snap.Prices)
		if !ok {
			return nil, ambiguous("no_winner", "market %s resolved without a determinable winner", snap.MarketID)
		}
		return &Resolution{WinningOutcome: leader, Explicit: true}, nil
	}

	if len(snap.Prices) < 2 {
		return nil, ambiguous("no_prices", "market %s has %d outcome prices", snap.MarketID, len(snap.Prices))
	}
	top, bottom, ok := leaders(snap.Prices)
	if !ok {
		return nil, nil
	}
	if snap.Prices[top] >= th.High && snap.Prices[bottom] <= th.Low {
		return &Resolution{WinningOutcome: top}, nil
	}
	return nil, nil
}

// leaders returns the highest and lowest priced outcomes. ok is false on a
// tie for the top spot.
func leaders(prices map[string]float64) (top, bottom string, ok bool) {
	if len(prices) == 0 {
		return "", "", false
	}
	names := make([]string, 0, len(prices))
	for k := range prices {
		names = append(names, k)
	}
	sort.Slice(names, func(i, j int) bool {
		if prices[names[i]] == prices[names[j]] {
			return names[i] < names[j]
		}
		return prices[names[i]] > prices[names[j]]
	})
	top, bottom = names[0], names[len(names)-1]
	if len(names) > 1 && prices[names[0]] == prices[names[1]] {
		return top, bottom, false
	}
	return top, bottom, true
}
