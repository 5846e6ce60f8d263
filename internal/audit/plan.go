package audit

import (
	"fmt"
	"strings"
	"time"
)

const perPageBudget = 25 * time.Second

// TeaserPlan bounds the free scan run before payment: the start page only.
var TeaserPlan = Plan{
	MaxPages:         1,
	MaxWallTimeMs:    (90 * time.Second).Milliseconds(),
	MaxPerPageTimeMs: perPageBudget.Milliseconds(),
}

// PlanForTier resolves the scan budget purchased with a tier.
func PlanForTier(tier Tier) (Plan, error) {
	switch tier {
	case TierMini:
		return newPlan(5, 4*time.Minute), nil
	case TierStandard:
		return newPlan(15, 10*time.Minute), nil
	case TierPlus:
		return newPlan(50, 20*time.Minute), nil
	default:
		return Plan{}, fmt.Errorf("unknown tier %q", tier)
	}
}

// ParseTier normalizes user input into a Tier.
func ParseTier(raw string) (Tier, error) {
	tier := Tier(strings.ToLower(strings.TrimSpace(raw)))
	if _, err := PlanForTier(tier); err != nil {
		return "", err
	}
	return tier, nil
}

// EffectivePlan returns the scan's resolved plan, or the teaser plan for unpaid scans.
func (s Scan) EffectivePlan() Plan {
	if s.Plan != nil {
		return *s.Plan
	}
	return TeaserPlan
}

func newPlan(pages int, wall time.Duration) Plan {
	return Plan{
		MaxPages:         pages,
		MaxWallTimeMs:    wall.Milliseconds(),
		MaxPerPageTimeMs: perPageBudget.Milliseconds(),
	}
}
