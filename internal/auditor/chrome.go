package auditor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/JakeFAU/a11y-scanner/internal/audit"
	"github.com/JakeFAU/a11y-scanner/internal/browser"
	"github.com/JakeFAU/a11y-scanner/internal/rules"
)

const axeRunScript = `axe.run(document, {resultTypes: ["violations"]}).then(function (r) {
  return r.violations.map(function (v) {
    return {
      id: v.id, impact: v.impact, help: v.help, description: v.description, helpUrl: v.helpUrl,
      nodes: v.nodes.slice(0, 5).map(function (n) {
        return {target: n.target.map(String), html: n.html, failureSummary: n.failureSummary};
      })
    };
  });
})`

// ChromeEngine renders pages with a browser. When an axe-core bundle is configured it is
// injected and run in the page; otherwise the static rule set checks the rendered DOM.
type ChromeEngine struct {
	renderer browser.Renderer
	axe      string
	static   *rules.StaticChecker
	settle   time.Duration
}

// NewChromeEngine builds an engine. axeScriptPath may be empty.
func NewChromeEngine(renderer browser.Renderer, axeScriptPath string) (*ChromeEngine, error) {
	e := &ChromeEngine{
		renderer: renderer,
		static:   rules.NewStaticChecker(),
		settle:   500 * time.Millisecond,
	}
	if axeScriptPath != "" {
		src, err := os.ReadFile(axeScriptPath)
		if err != nil {
			return nil, fmt.Errorf("read axe script: %w", err)
		}
		e.axe = string(src)
	}
	return e, nil
}

// Evaluate renders pageURL. FULL blocks heavy sub-resources and waits for the DOM to settle;
// LIGHT navigates and evaluates as soon as the body is ready.
func (e *ChromeEngine) Evaluate(ctx context.Context, pageURL string, mode audit.RenderMode) ([]rules.Violation, error) {
	opts := browser.RenderOptions{BlockSubresources: true}
	if mode == audit.ModeFull {
		opts.Settle = e.settle
	}
	if e.axe != "" {
		opts.Scripts = []string{e.axe, axeRunScript}
	}
	page, err := e.renderer.Render(ctx, pageURL, opts)
	if err != nil {
		return nil, err
	}
	if page.Status >= 400 {
		return nil, fmt.Errorf("page returned status %d", page.Status)
	}
	if e.axe == "" {
		return e.static.Check([]byte(page.HTML))
	}
	var violations []rules.Violation
	if err := json.Unmarshal(page.Result, &violations); err != nil {
		return nil, fmt.Errorf("decode rule engine result: %w", err)
	}
	return violations, nil
}
