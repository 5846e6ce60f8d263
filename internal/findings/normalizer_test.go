package findings

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/a11y-scanner/internal/audit"
	"github.com/JakeFAU/a11y-scanner/internal/rules"
)

var capturedAt = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func node(target, html string) rules.Node {
	return rules.Node{Target: []string{target}, HTML: html, FailureSummary: "Fix this"}
}

func TestSeverityForImpact(t *testing.T) {
	t.Parallel()

	cases := map[string]audit.Severity{
		"critical": audit.SeverityP0,
		"serious":  audit.SeverityP0,
		"Serious":  audit.SeverityP0,
		"moderate": audit.SeverityP1,
		"minor":    audit.SeverityP2,
		"":         audit.SeverityP2,
		"bogus":    audit.SeverityP2,
	}
	for impact, want := range cases {
		require.Equal(t, want, SeverityForImpact(impact), impact)
	}
}

func TestNormalizeSortsAndLocalizes(t *testing.T) {
	t.Parallel()

	n := NewNormalizer(rules.NewCatalog(), 0)
	out := n.Normalize("https://example.com/", []rules.Violation{
		{ID: "region", Impact: "moderate", Help: "All content should be contained by landmarks", Nodes: []rules.Node{node("div.b", "<div>")}},
		{ID: "zz-custom", Impact: "minor", Help: "Custom help", Description: "Custom description", Nodes: []rules.Node{node("p", "<p>")}},
		{ID: "image-alt", Impact: "critical", Nodes: []rules.Node{node("img.z", "<img>"), node("img.a", "<img>")}},
		{ID: "", Impact: "critical", Nodes: []rules.Node{node("x", "<x>")}},
	}, capturedAt)

	require.Len(t, out, 4)
	require.Equal(t, []string{"image-alt", "image-alt", "region", "zz-custom"}, ruleIDs(out))
	require.Equal(t, "img.a", out[0].Selector)
	require.Equal(t, "img.z", out[1].Selector)
	require.Equal(t, "Bild ohne Alternativtext", out[0].Title)
	require.Equal(t, audit.SeverityP1, out[2].Severity)

	custom := out[3]
	require.Equal(t, "Custom help", custom.Title)
	require.Equal(t, "Custom description", custom.Description)
	require.Equal(t, rules.DefaultFixSteps, custom.FixSteps)
	require.Equal(t, "https://example.com/", custom.PageURL)
	require.Equal(t, capturedAt, custom.CapturedAt)
}

func TestNormalizeIsDeterministic(t *testing.T) {
	t.Parallel()

	var input []rules.Violation
	for i := 0; i < 40; i++ {
		input = append(input, rules.Violation{
			ID:     fmt.Sprintf("rule-%d", i%7),
			Impact: []string{"critical", "moderate", "minor"}[i%3],
			Nodes:  []rules.Node{node(fmt.Sprintf("#n%d", 40-i), strings.Repeat("x", 2000))},
		})
	}
	n := NewNormalizer(nil, 0)
	first, err := json.Marshal(n.Normalize("https://example.com/", input, capturedAt))
	require.NoError(t, err)
	second, err := json.Marshal(n.Normalize("https://example.com/", input, capturedAt))
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestNormalizeCapsNodesAndFields(t *testing.T) {
	t.Parallel()

	var nodes []rules.Node
	for i := 0; i < 8; i++ {
		nodes = append(nodes, rules.Node{
			Target:         []string{fmt.Sprintf("li:nth-child(%d)", i+1)},
			HTML:           strings.Repeat("ä", 5000),
			FailureSummary: strings.Repeat("f", 5000),
		})
	}
	n := NewNormalizer(nil, 0)
	out := n.Normalize("https://example.com/", []rules.Violation{{
		ID:          "custom",
		Impact:      "serious",
		Help:        strings.Repeat("t", 500),
		Description: strings.Repeat("d", 5000),
		Nodes:       nodes,
	}}, capturedAt)

	require.Len(t, out, MaxNodesPerViolation)
	for _, f := range out {
		require.Equal(t, MaxTitle, len([]rune(f.Title)))
		require.Equal(t, MaxDescription, len([]rune(f.Description)))
		require.Equal(t, MaxSnippet, len([]rune(f.Snippet)))
		require.Equal(t, MaxFailureText, len([]rune(f.FailureText)))
		require.LessOrEqual(t, len(f.FixSteps), MaxFixSteps)
		require.True(t, strings.HasSuffix(f.Snippet, "…"))
	}
}

func TestNormalizePerPageCap(t *testing.T) {
	t.Parallel()

	var input []rules.Violation
	for i := 0; i < 40; i++ {
		input = append(input, rules.Violation{
			ID:     fmt.Sprintf("rule-%02d", i),
			Impact: "minor",
			Nodes:  []rules.Node{node("a", ""), node("b", ""), node("c", ""), node("d", "")},
		})
	}
	out := NewNormalizer(nil, 0).Normalize("https://example.com/", input, capturedAt)
	require.Len(t, out, DefaultPerPageCap)
	require.Equal(t, "rule-00", out[0].RuleID)
	require.Equal(t, "rule-29", out[len(out)-1].RuleID)
}

func TestNormalizeViolationWithoutNodes(t *testing.T) {
	t.Parallel()

	out := NewNormalizer(nil, 0).Normalize("https://example.com/", []rules.Violation{
		{ID: "document-title", Impact: "serious"},
	}, capturedAt)
	require.Len(t, out, 1)
	require.Empty(t, out[0].Selector)
	require.Equal(t, "Seitentitel fehlt", out[0].Title)
}

func TestRenderFailure(t *testing.T) {
	t.Parallel()

	f := NewNormalizer(nil, 0).RenderFailure("https://example.com/a", errors.New("navigation timeout"), capturedAt)
	require.Equal(t, audit.SeverityP2, f.Severity)
	require.Equal(t, rules.RenderFailedID, f.RuleID)
	require.Equal(t, "navigation timeout", f.FailureText)
	require.NotEmpty(t, f.Title)
	require.Len(t, f.FixSteps, 3)
}

func TestCollectorKeepsEarliestPages(t *testing.T) {
	t.Parallel()

	page := func(prefix string, n int) []audit.Finding {
		out := make([]audit.Finding, n)
		for i := range out {
			out[i] = audit.Finding{RuleID: prefix, Selector: fmt.Sprint(i)}
		}
		return out
	}
	c := NewCollector(0)
	require.Equal(t, 120, c.Add(page("p1", 120)))
	require.Equal(t, 120, c.Add(page("p2", 120)))
	require.Equal(t, 120, c.Add(page("p3", 120)))
	require.Equal(t, 120, c.Add(page("p4", 120)))
	require.Equal(t, 20, c.Add(page("p5", 120)))
	require.True(t, c.Full())
	require.Equal(t, 0, c.Add(page("p6", 10)))

	all := c.Findings()
	require.Len(t, all, DefaultScanCap)
	require.Equal(t, "p1", all[0].RuleID)
	require.Equal(t, "p5", all[len(all)-1].RuleID)
	require.Equal(t, "19", all[len(all)-1].Selector)
}

func TestKeyAndTotals(t *testing.T) {
	t.Parallel()

	a := audit.Finding{RuleID: "a", PageURL: "/", Selector: "h1", Severity: audit.SeverityP0}
	b := audit.Finding{RuleID: "a", PageURL: "/", Selector: "h2", Severity: audit.SeverityP2}
	require.NotEqual(t, Key(a), Key(b))
	require.Equal(t, Key(a), Key(audit.Finding{RuleID: "a", PageURL: "/", Selector: "h1", Title: "other"}))

	require.Equal(t, audit.Totals{P0: 1, P2: 1, Total: 2}, Totals([]audit.Finding{a, b}))
}

func ruleIDs(fs []audit.Finding) []string {
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i] = f.RuleID
	}
	return out
}
