// Package auditor runs accessibility rules against a single page with a fallback cascade.
package auditor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/a11y-scanner/internal/audit"
	"github.com/JakeFAU/a11y-scanner/internal/findings"
	"github.com/JakeFAU/a11y-scanner/internal/metrics"
	"github.com/JakeFAU/a11y-scanner/internal/rules"
)

const defaultLightTimeout = 12 * time.Second

// Engine evaluates the rule set against a page in the given render mode.
type Engine interface {
	Evaluate(ctx context.Context, pageURL string, mode audit.RenderMode) ([]rules.Violation, error)
}

// Config tunes the cascade.
type Config struct {
	// LightTimeout caps the LIGHT attempt; the per-page budget caps it further.
	LightTimeout time.Duration
}

// Result is the outcome of auditing one page.
type Result struct {
	Mode      audit.RenderMode
	Findings  []audit.Finding
	ElapsedMs int64
	// Err is the last render error when Mode is STATIC.
	Err error
}

// Auditor degrades FULL → LIGHT → STATIC so a page is never dropped from a scan.
type Auditor struct {
	engine     Engine
	normalizer *findings.Normalizer
	clock      audit.Clock
	cfg        Config
	logger     *zap.Logger
}

// New constructs an Auditor.
func New(engine Engine, normalizer *findings.Normalizer, clock audit.Clock, cfg Config, logger *zap.Logger) *Auditor {
	if cfg.LightTimeout <= 0 {
		cfg.LightTimeout = defaultLightTimeout
	}
	if normalizer == nil {
		normalizer = findings.NewNormalizer(nil, 0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Auditor{
		engine:     engine,
		normalizer: normalizer,
		clock:      clock,
		cfg:        cfg,
		logger:     logger.Named("auditor"),
	}
}

// Audit evaluates pageURL within budget. It never returns an error: a page that cannot be
// rendered yields a single synthetic render-failed finding.
func (a *Auditor) Audit(ctx context.Context, pageURL string, budget time.Duration) Result {
	start := a.clock.Now()
	res := a.cascade(ctx, pageURL, budget)
	elapsed := a.clock.Now().Sub(start)
	res.ElapsedMs = elapsed.Milliseconds()
	metrics.ObservePageAudit(string(res.Mode), elapsed)
	return res
}

func (a *Auditor) cascade(ctx context.Context, pageURL string, budget time.Duration) Result {
	violations, fullErr := a.attempt(ctx, pageURL, audit.ModeFull, budget)
	if fullErr == nil {
		return a.result(audit.ModeFull, pageURL, violations)
	}
	a.logger.Warn("full render failed, retrying light",
		zap.String("url", pageURL),
		zap.Error(fullErr),
	)

	violations, lightErr := a.attempt(ctx, pageURL, audit.ModeLight, a.lightTimeout(budget))
	if lightErr == nil {
		return a.result(audit.ModeLight, pageURL, violations)
	}
	a.logger.Warn("light render failed, emitting static finding",
		zap.String("url", pageURL),
		zap.Error(lightErr),
	)

	failure := a.normalizer.RenderFailure(pageURL, lightErr, a.clock.Now().UTC())
	return Result{Mode: audit.ModeStatic, Findings: []audit.Finding{failure}, Err: lightErr}
}

func (a *Auditor) attempt(ctx context.Context, pageURL string, mode audit.RenderMode, timeout time.Duration) ([]rules.Violation, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s attempt skipped: %w", mode, err)
	}
	if timeout <= 0 {
		return nil, errors.New("no time budget left")
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	violations, err := a.engine.Evaluate(attemptCtx, pageURL, mode)
	if err != nil {
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
		}
		return nil, err
	}
	return violations, nil
}

func (a *Auditor) result(mode audit.RenderMode, pageURL string, violations []rules.Violation) Result {
	return Result{
		Mode:     mode,
		Findings: a.normalizer.Normalize(pageURL, violations, a.clock.Now().UTC()),
	}
}

func (a *Auditor) lightTimeout(budget time.Duration) time.Duration {
	if budget > 0 && budget < a.cfg.LightTimeout {
		return budget
	}
	return a.cfg.LightTimeout
}
