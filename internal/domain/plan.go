package domain

import (
	"fmt"
	"strings"
	"time"
)

// DefaultPlan is used when a payment event carries no plan information.
const DefaultPlan = "monthly"

var planDurations = map[string]time.Duration{
	"daily":     24 * time.Hour,
	"weekly":    7 * 24 * time.Hour,
	"monthly":   30 * 24 * time.Hour,
	"quarterly": 90 * 24 * time.Hour,
	"biannual":  182 * 24 * time.Hour,
	"annually":  365 * 24 * time.Hour,
	"yearly":    365 * 24 * time.Hour,
}

// NormalizePlan lowercases and trims a plan label, falling back to DefaultPlan.
func NormalizePlan(plan string) string {
	p := strings.ToLower(strings.TrimSpace(plan))
	if p == "" {
		return DefaultPlan
	}
	return p
}

// PlanDuration returns the subscription length granted by plan.
func PlanDuration(plan string) (time.Duration, error) {
	d, ok := planDurations[NormalizePlan(plan)]
	if !ok {
		return 0, fmt.Errorf("unknown plan %q", plan)
	}
	return d, nil
}

// ExpiresAt computes the validity end of a plan purchased at paidAt.
func ExpiresAt(plan string, paidAt time.Time) (time.Time, error) {
	d, err := PlanDuration(plan)
	if err != nil {
		return time.Time{}, err
	}
	return paidAt.Add(d).UTC(), nil
}
