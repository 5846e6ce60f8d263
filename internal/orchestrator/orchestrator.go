// Package orchestrator drives discovery and per-page audits across a scan's time budget.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/a11y-scanner/internal/audit"
	"github.com/JakeFAU/a11y-scanner/internal/auditor"
	"github.com/JakeFAU/a11y-scanner/internal/diff"
	"github.com/JakeFAU/a11y-scanner/internal/discovery"
	"github.com/JakeFAU/a11y-scanner/internal/findings"
	"github.com/JakeFAU/a11y-scanner/internal/metrics"
)

// NoIssuesRuleID marks the placeholder sample finding of a clean scan.
const NoIssuesRuleID = "no-automatic-issues"

// PageAuditor audits a single page.
type PageAuditor interface {
	Audit(ctx context.Context, pageURL string, budget time.Duration) auditor.Result
}

// ScanReader loads the baseline scan for diffing.
type ScanReader interface {
	GetScan(ctx context.Context, scanID string) (audit.Scan, error)
}

// Config tunes the orchestrator.
type Config struct {
	MaxFindings int
}

// Orchestrator runs one scan at a time, one page at a time.
type Orchestrator struct {
	primer  discovery.Primer
	auditor PageAuditor
	scans   ScanReader
	clock   audit.Clock
	cfg     Config
	logger  *zap.Logger
}

// New constructs an Orchestrator. scans may be nil to disable diffing.
func New(primer discovery.Primer, pageAuditor PageAuditor, scans ScanReader, clock audit.Clock, cfg Config, logger *zap.Logger) *Orchestrator {
	if cfg.MaxFindings <= 0 {
		cfg.MaxFindings = findings.DefaultScanCap
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		primer:  primer,
		auditor: pageAuditor,
		scans:   scans,
		clock:   clock,
		cfg:     cfg,
		logger:  logger.Named("orchestrator"),
	}
}

// Run audits the pages of scan within plan and reports progress after every page.
// Running out of wall time is not an error; the pages audited so far form the result.
// An error is returned only when ctx is canceled.
func (o *Orchestrator) Run(ctx context.Context, scan audit.Scan, plan audit.Plan, progress audit.ProgressFunc) (audit.ScanResult, error) {
	if progress == nil {
		progress = func(context.Context, audit.Progress) {}
	}
	logger := o.logger.With(zap.String("scan_id", scan.ID), zap.String("url", scan.URL))
	start := o.clock.Now()

	pages := o.discover(ctx, logger, scan.URL, plan)
	progress(ctx, audit.Progress{PagesDone: 0, PagesTotal: len(pages)})

	collector := findings.NewCollector(o.cfg.MaxFindings)
	var meta []audit.PageMeta
	for i, pageURL := range pages {
		if err := ctx.Err(); err != nil {
			return audit.ScanResult{}, fmt.Errorf("scan canceled: %w", err)
		}
		if elapsed := o.clock.Now().Sub(start); elapsed > plan.MaxWallTime() {
			logger.Info("wall time budget exhausted",
				zap.Int("pages_done", i),
				zap.Int("pages_total", len(pages)),
				zap.Duration("elapsed", elapsed),
			)
			break
		}
		res := o.auditor.Audit(ctx, pageURL, plan.MaxPerPageTime())
		kept := collector.Add(res.Findings)
		meta = append(meta, audit.PageMeta{URL: pageURL, Mode: res.Mode, ElapsedMs: res.ElapsedMs})
		logger.Debug("page audited",
			zap.String("page", pageURL),
			zap.String("mode", string(res.Mode)),
			zap.Int("findings", len(res.Findings)),
			zap.Int("kept", kept),
		)
		progress(ctx, audit.Progress{PagesDone: i + 1, PagesTotal: len(pages)})
	}
	if err := ctx.Err(); err != nil {
		return audit.ScanResult{}, fmt.Errorf("scan canceled: %w", err)
	}

	all := collector.Findings()
	result := audit.ScanResult{
		Totals:   findings.Totals(all),
		Findings: all,
		Pages:    meta,
	}
	if len(all) > 0 {
		result.SampleFinding = all[0]
	} else {
		result.SampleFinding = placeholder(scan.URL, o.clock.Now().UTC())
	}
	result.Diff = o.diffAgainstPrevious(ctx, logger, scan, all)

	metrics.ObserveFindings(string(audit.SeverityP0), result.Totals.P0)
	metrics.ObserveFindings(string(audit.SeverityP1), result.Totals.P1)
	metrics.ObserveFindings(string(audit.SeverityP2), result.Totals.P2)
	return result, nil
}

// discover primes the start page and falls back to the start URL alone when priming fails.
func (o *Orchestrator) discover(ctx context.Context, logger *zap.Logger, startURL string, plan audit.Plan) []string {
	var page discovery.Page
	if plan.MaxPages > 1 && o.primer != nil {
		primeCtx, cancel := context.WithTimeout(ctx, plan.MaxPerPageTime())
		primed, err := o.primer.Prime(primeCtx, startURL)
		cancel()
		if err != nil {
			logger.Warn("discovery priming failed", zap.Error(err))
		} else {
			page = primed
		}
	}
	pages, err := discovery.Discover(startURL, page.FinalURL, page.HTML, plan.MaxPages)
	if err != nil {
		logger.Warn("discovery failed", zap.Error(err))
	}
	if len(pages) == 0 {
		pages = []string{startURL}
	}
	return pages
}

func (o *Orchestrator) diffAgainstPrevious(ctx context.Context, logger *zap.Logger, scan audit.Scan, current []audit.Finding) *audit.DiffSummary {
	if scan.PreviousScanID == "" || o.scans == nil {
		return nil
	}
	previous, err := o.scans.GetScan(ctx, scan.PreviousScanID)
	if err != nil {
		logger.Warn("load previous scan for diff", zap.String("previous_scan_id", scan.PreviousScanID), zap.Error(err))
		return nil
	}
	return diff.Against(previous, current)
}

func placeholder(pageURL string, at time.Time) audit.Finding {
	return audit.Finding{
		Severity:    audit.SeverityP2,
		RuleID:      NoIssuesRuleID,
		Title:       "Keine automatisch erkennbaren Probleme gefunden",
		Description: "Die automatische Prüfung hat keine Verstöße erkannt. Eine manuelle Prüfung bleibt trotzdem empfehlenswert.",
		PageURL:     pageURL,
		CapturedAt:  at,
	}
}
