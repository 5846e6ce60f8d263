package findings

import "github.com/JakeFAU/a11y-scanner/internal/audit"

// Collector accumulates per-page findings in visitation order up to a scan-wide cap.
// Once the cap is reached later pages contribute nothing.
type Collector struct {
	limit    int
	findings []audit.Finding
}

// NewCollector returns a Collector holding at most limit findings. limit <= 0 uses DefaultScanCap.
func NewCollector(limit int) *Collector {
	if limit <= 0 {
		limit = DefaultScanCap
	}
	return &Collector{limit: limit}
}

// Add appends page findings and returns how many were kept.
func (c *Collector) Add(page []audit.Finding) int {
	room := c.limit - len(c.findings)
	if room <= 0 {
		return 0
	}
	if len(page) > room {
		page = page[:room]
	}
	c.findings = append(c.findings, page...)
	return len(page)
}

// Full reports whether the cap has been reached.
func (c *Collector) Full() bool {
	return len(c.findings) >= c.limit
}

// Findings returns the accumulated list.
func (c *Collector) Findings() []audit.Finding {
	return c.findings
}
