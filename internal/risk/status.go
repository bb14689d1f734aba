package risk

import (
	"fmt"
	"math"
)

// Bands maps a fraud probability to a Status: p < Clean is clean,
// p < Flagged is flagged, anything else is a ban recommendation.
type Bands struct {
	Clean   float64 `json:"clean" yaml:"clean"`
	Flagged float64 `json:"flagged" yaml:"flagged"`
}

// DefaultBands returns the canonical thresholds.
func DefaultBands() Bands {
	return Bands{Clean: 0.2, Flagged: 0.6}
}

// Validate requires 0 <= Clean < Flagged <= 1 so the bands cover [0, 1]
// with no gap or overlap.
func (b Bands) Validate() error {
	if math.IsNaN(b.Clean) || math.IsNaN(b.Flagged) {
		return fmt.Errorf("%w: NaN threshold", ErrInvalidBands)
	}
	if b.Clean < 0 || b.Flagged > 1 || b.Clean >= b.Flagged {
		return fmt.Errorf("%w: need 0 <= clean (%v) < flagged (%v) <= 1", ErrInvalidBands, b.Clean, b.Flagged)
	}
	return nil
}

// Resolve returns the status for fraud probability p.
func (b Bands) Resolve(p float64) Status {
	switch {
	case p < b.Clean:
		return StatusClean
	case p < b.Flagged:
		return StatusFlagged
	default:
		return StatusBannedRecommendation
	}
}
