// Package analyzer holds the pure decision functions of the trade lifecycle:
// ROI, market resolution detection and state advancement.
package analyzer

import (
	"math"

	"github.com/shopspring/decimal"
)

// ComputeROI returns ((exit - entry) / entry) * 100, rounded to 4 decimals.
// ok is false when entry is missing, not positive, or either price is not finite.
func ComputeROI(entry *float64, exit float64) (roi float64, ok bool) {
	if entry == nil || *entry <= 0 || !finite(*entry) || !finite(exit) {
		return 0, false
	}
	e := decimal.NewFromFloat(*entry)
	x := decimal.NewFromFloat(exit)
	return x.Sub(e).Div(e).Mul(decimal.NewFromInt(100)).Round(4).InexactFloat64(), true
}

// roiPtr is ComputeROI as a nullable field value.
func roiPtr(entry *float64, exit float64) *float64 {
	roi, ok := ComputeROI(entry, exit)
	if !ok {
		return nil
	}
	return &roi
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
