package contract

import (
	"fmt"
	"sort"
)

// PayoutPoint is one breakpoint of the piecewise-linear payout curve. Payout
// is the offer party's payout in atoms at that outcome.
type PayoutPoint struct {
	Outcome uint64 `json:"outcome"`
	Payout  int64  `json:"payout"`
}

// PayoutCurve maps outcomes to the offer party's payout by linear
// interpolation between breakpoints. The accept party always receives the
// complement to total collateral, so conservation holds by construction.
//
// Interpolation uses pure truncating integer math so both parties round
// identically.
type PayoutCurve struct {
	Points []PayoutPoint `json:"points"`
}

// Validate checks the curve covers [0, maxOutcome) with strictly increasing
// breakpoints, payouts within [0, totalCollateral], and monotonic payouts.
func (c *PayoutCurve) Validate(totalCollateral int64, maxOutcome uint64) error {
	if len(c.Points) < 2 {
		return fmt.Errorf("payout curve needs at least 2 breakpoints, got %d", len(c.Points))
	}
	if c.Points[0].Outcome != 0 {
		return fmt.Errorf("payout curve must start at outcome 0, starts at %d", c.Points[0].Outcome)
	}
	last := c.Points[len(c.Points)-1].Outcome
	if last != maxOutcome-1 {
		return fmt.Errorf("payout curve must end at outcome %d, ends at %d", maxOutcome-1, last)
	}
	dir := 0
	for i, p := range c.Points {
		if p.Payout < 0 || p.Payout > totalCollateral {
			return fmt.Errorf("breakpoint %d payout %d outside [0,%d]", i, p.Payout, totalCollateral)
		}
		if i == 0 {
			continue
		}
		if p.Outcome <= c.Points[i-1].Outcome {
			return fmt.Errorf("breakpoint outcomes must be strictly increasing at index %d", i)
		}
		switch d := p.Payout - c.Points[i-1].Payout; {
		case d > 0:
			if dir < 0 {
				return fmt.Errorf("payout curve is not monotonic at index %d", i)
			}
			dir = 1
		case d < 0:
			if dir > 0 {
				return fmt.Errorf("payout curve is not monotonic at index %d", i)
			}
			dir = -1
		}
	}
	return nil
}

// Payout evaluates the offer party's payout at outcome. Outcomes past the
// last breakpoint clamp to it; Validate guarantees full coverage so the
// clamp only matters for callers probing outside the declared range.
func (c *PayoutCurve) Payout(outcome uint64) int64 {
	pts := c.Points
	if outcome >= pts[len(pts)-1].Outcome {
		return pts[len(pts)-1].Payout
	}
	// First breakpoint strictly past the outcome; its predecessor starts the
	// enclosing segment.
	i := sort.Search(len(pts), func(i int) bool { return pts[i].Outcome > outcome })
	lo, hi := pts[i-1], pts[i]
	dx := int64(hi.Outcome - lo.Outcome)
	dy := hi.Payout - lo.Payout
	return lo.Payout + dy*int64(outcome-lo.Outcome)/dx
}
