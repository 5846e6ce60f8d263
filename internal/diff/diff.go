// Package diff compares finding sets of two scans of the same target.
package diff

import (
	"github.com/JakeFAU/a11y-scanner/internal/audit"
	"github.com/JakeFAU/a11y-scanner/internal/findings"
)

// Compute counts fixed, new and persisting findings by identity key.
// Duplicate keys within one list count once.
func Compute(previous, current []audit.Finding) audit.DiffSummary {
	prev := keySet(previous)
	curr := keySet(current)

	var out audit.DiffSummary
	for k := range curr {
		if _, ok := prev[k]; ok {
			out.Persisting++
		} else {
			out.New++
		}
	}
	for k := range prev {
		if _, ok := curr[k]; !ok {
			out.Fixed++
		}
	}
	return out
}

// Against returns the diff of current against previous, or nil when previous is not a usable baseline.
func Against(previous audit.Scan, current []audit.Finding) *audit.DiffSummary {
	if !previous.Payment.IsPaid || previous.Findings == nil {
		return nil
	}
	summary := Compute(previous.Findings, current)
	return &summary
}

func keySet(fs []audit.Finding) map[string]struct{} {
	out := make(map[string]struct{}, len(fs))
	for _, f := range fs {
		out[findings.Key(f)] = struct{}{}
	}
	return out
}
