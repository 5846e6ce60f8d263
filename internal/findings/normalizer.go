// Package findings turns raw rule engine output into the stable finding schema.
package findings

import (
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/JakeFAU/a11y-scanner/internal/audit"
	"github.com/JakeFAU/a11y-scanner/internal/rules"
)

// Field limits applied before persistence.
const (
	MaxTitle       = 180
	MaxDescription = 600
	MaxSnippet     = 1200
	MaxFailureText = 800
	MaxFixStep     = 220
	MaxFixSteps    = 5
	MaxSelector    = 512
	MaxHelpURL     = 512

	MaxNodesPerViolation = 5
	DefaultPerPageCap    = 120
	DefaultScanCap       = 500
)

// Normalizer maps engine violations to findings using a rule catalog.
type Normalizer struct {
	catalog    *rules.Catalog
	perPageCap int
}

// NewNormalizer constructs a Normalizer. perPageCap <= 0 uses DefaultPerPageCap.
func NewNormalizer(catalog *rules.Catalog, perPageCap int) *Normalizer {
	if catalog == nil {
		catalog = rules.NewCatalog()
	}
	if perPageCap <= 0 {
		perPageCap = DefaultPerPageCap
	}
	return &Normalizer{catalog: catalog, perPageCap: perPageCap}
}

// SeverityForImpact buckets an engine impact classification.
func SeverityForImpact(impact string) audit.Severity {
	switch strings.ToLower(strings.TrimSpace(impact)) {
	case rules.ImpactCritical, rules.ImpactSerious:
		return audit.SeverityP0
	case rules.ImpactModerate:
		return audit.SeverityP1
	default:
		return audit.SeverityP2
	}
}

// Normalize converts the violations of one page into an ordered, capped finding list.
// Violations without a rule id are dropped; a violation without nodes yields one page-level finding.
func (n *Normalizer) Normalize(pageURL string, violations []rules.Violation, capturedAt time.Time) []audit.Finding {
	out := make([]audit.Finding, 0, len(violations))
	for _, v := range violations {
		ruleID := strings.TrimSpace(v.ID)
		if ruleID == "" {
			continue
		}
		base := n.base(ruleID, v, pageURL, capturedAt)
		nodes := v.Nodes
		if len(nodes) == 0 {
			nodes = []rules.Node{{}}
		}
		if len(nodes) > MaxNodesPerViolation {
			nodes = nodes[:MaxNodesPerViolation]
		}
		for _, node := range nodes {
			f := base
			f.FixSteps = append([]string(nil), base.FixSteps...)
			f.Selector = truncate(selectorOf(node), MaxSelector)
			f.Snippet = truncate(strings.TrimSpace(node.HTML), MaxSnippet)
			f.FailureText = truncate(strings.TrimSpace(node.FailureSummary), MaxFailureText)
			out = append(out, f)
		}
	}
	Sort(out)
	if len(out) > n.perPageCap {
		out = out[:n.perPageCap]
	}
	return out
}

// RenderFailure builds the synthetic finding emitted when a page could not be rendered at all.
func (n *Normalizer) RenderFailure(pageURL string, cause error, capturedAt time.Time) audit.Finding {
	text, _ := n.catalog.Lookup(rules.RenderFailedID)
	failure := "unknown error"
	if cause != nil {
		failure = cause.Error()
	}
	return audit.Finding{
		Severity:    audit.SeverityP2,
		RuleID:      rules.RenderFailedID,
		Title:       truncate(text.Title, MaxTitle),
		Description: truncate(text.Description, MaxDescription),
		Selector:    "html",
		FailureText: truncate(failure, MaxFailureText),
		FixSteps:    n.fixes(rules.RenderFailedID),
		PageURL:     pageURL,
		CapturedAt:  capturedAt,
	}
}

func (n *Normalizer) base(ruleID string, v rules.Violation, pageURL string, capturedAt time.Time) audit.Finding {
	title := strings.TrimSpace(v.Help)
	description := strings.TrimSpace(v.Description)
	if text, ok := n.catalog.Lookup(ruleID); ok {
		title = text.Title
		description = text.Description
	}
	if title == "" {
		title = ruleID
	}
	return audit.Finding{
		Severity:    SeverityForImpact(v.Impact),
		RuleID:      ruleID,
		Title:       truncate(title, MaxTitle),
		Description: truncate(description, MaxDescription),
		HelpURL:     truncate(strings.TrimSpace(v.HelpURL), MaxHelpURL),
		FixSteps:    n.fixes(ruleID),
		PageURL:     pageURL,
		CapturedAt:  capturedAt,
	}
}

func (n *Normalizer) fixes(ruleID string) []string {
	steps := n.catalog.Fixes(ruleID)
	if len(steps) > MaxFixSteps {
		steps = steps[:MaxFixSteps]
	}
	for i, s := range steps {
		steps[i] = truncate(s, MaxFixStep)
	}
	return steps
}

func selectorOf(node rules.Node) string {
	parts := make([]string, 0, len(node.Target))
	for _, t := range node.Target {
		if t = strings.TrimSpace(t); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

// Sort orders findings by severity rank, then rule id, then selector. The sort is stable.
func Sort(fs []audit.Finding) {
	sort.SliceStable(fs, func(i, j int) bool {
		a, b := fs[i], fs[j]
		if ra, rb := a.Severity.Rank(), b.Severity.Rank(); ra != rb {
			return ra < rb
		}
		if a.RuleID != b.RuleID {
			return a.RuleID < b.RuleID
		}
		return a.Selector < b.Selector
	})
}

// Key is the identity of a finding across scans.
func Key(f audit.Finding) string {
	return f.RuleID + "\x1f" + f.PageURL + "\x1f" + f.Selector
}

// Totals counts findings per severity.
func Totals(fs []audit.Finding) audit.Totals {
	var t audit.Totals
	for _, f := range fs {
		t.Add(f.Severity)
	}
	return t
}

// truncate caps s at limit runes, marking the cut with an ellipsis.
func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit-1]) + "…"
}
