// Package rules holds the accessibility rule catalog and a static HTML rule set.
package rules

// Violation is one rule reported by an engine, in the axe-core result shape.
type Violation struct {
	ID          string `json:"id"`
	Impact      string `json:"impact"`
	Help        string `json:"help"`
	Description string `json:"description"`
	HelpURL     string `json:"helpUrl"`
	Nodes       []Node `json:"nodes"`
}

// Node is one element matched by a violated rule.
type Node struct {
	Target         []string `json:"target"`
	HTML           string   `json:"html"`
	FailureSummary string   `json:"failureSummary"`
}

// Impact levels reported by rule engines.
const (
	ImpactCritical = "critical"
	ImpactSerious  = "serious"
	ImpactModerate = "moderate"
	ImpactMinor    = "minor"
)

// RenderFailedID is the rule id of the synthetic finding emitted when a page cannot be rendered.
const RenderFailedID = "render-failed"
