package auditor

import (
	"context"
	"fmt"

	"github.com/JakeFAU/a11y-scanner/internal/audit"
	"github.com/JakeFAU/a11y-scanner/internal/discovery"
	"github.com/JakeFAU/a11y-scanner/internal/rules"
)

// HTTPEngine checks the served HTML of a page with the static rule set. It is used when no
// browser is available, so script-built content is not seen and both modes behave the same.
type HTTPEngine struct {
	fetcher discovery.Primer
	static  *rules.StaticChecker
}

// NewHTTPEngine wraps a page fetcher, normally the colly primer over the safety transport.
func NewHTTPEngine(fetcher discovery.Primer) *HTTPEngine {
	return &HTTPEngine{fetcher: fetcher, static: rules.NewStaticChecker()}
}

// Evaluate fetches pageURL and runs the static checks over its body.
func (e *HTTPEngine) Evaluate(ctx context.Context, pageURL string, _ audit.RenderMode) ([]rules.Violation, error) {
	page, err := e.fetcher.Prime(ctx, pageURL)
	if err != nil {
		return nil, fmt.Errorf("fetch page: %w", err)
	}
	return e.static.Check(page.HTML)
}
