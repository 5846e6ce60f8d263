// Package service implements the operations the scanner exposes to its callers: submission,
// job polling, the paywalled scan view, payment confirmation and report generation.
package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/a11y-scanner/internal/audit"
	"github.com/JakeFAU/a11y-scanner/internal/discovery"
	"github.com/JakeFAU/a11y-scanner/internal/metrics"
	"github.com/JakeFAU/a11y-scanner/internal/safety"
)

// Gate validates submitted URLs.
type Gate interface {
	Validate(ctx context.Context, rawURL string) (safety.Target, error)
}

// Queue enqueues scan jobs.
type Queue interface {
	Enqueue(ctx context.Context, scanID, userID string) (audit.ScanJob, error)
}

// Reporter renders and stores the report of a paid scan.
type Reporter interface {
	Generate(ctx context.Context, scan audit.Scan) (audit.Report, error)
}

// Config tunes optional behavior.
type Config struct {
	// EstimateTimeout bounds the discovery probe run at submission. Zero disables the estimate.
	EstimateTimeout time.Duration
}

// Deps groups the collaborators of a Service. Estimator, Reports and Events may be nil.
type Deps struct {
	Scans     audit.ScanStore
	Jobs      audit.JobStore
	Queue     Queue
	Gate      Gate
	Estimator discovery.Primer
	Reports   Reporter
	Events    audit.Publisher
	IDs       audit.IDGenerator
	Tokens    audit.TokenGenerator
	Clock     audit.Clock
}

// Service is the application layer shared by the HTTP API and the CLI.
type Service struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New constructs a Service.
func New(deps Deps, cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{deps: deps, cfg: cfg, logger: logger.Named("service")}
}

// SubmitRequest is a scan submission.
type SubmitRequest struct {
	URL              string
	AuthorizedToScan bool
	UserID           string
}

// SubmitResult identifies the created scan and its first job.
type SubmitResult struct {
	ScanID                 string `json:"scan_id"`
	JobID                  string `json:"job_id"`
	ScanToken              string `json:"scan_token"`
	DiscoveredPageEstimate *int   `json:"discovered_page_estimate,omitempty"`
}

// SubmitScan validates the URL, creates an unpaid teaser scan and enqueues it.
// Nothing is persisted when validation fails.
func (s *Service) SubmitScan(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	if !req.AuthorizedToScan {
		metrics.ObserveSubmitRejected("not_authorized")
		return SubmitResult{}, audit.ErrNotAuthorized
	}
	target, err := s.deps.Gate.Validate(ctx, req.URL)
	if err != nil {
		metrics.ObserveSubmitRejected(rejectReason(err))
		return SubmitResult{}, err
	}
	canonical := target.URL.String()

	scanID, err := s.deps.IDs.NewID()
	if err != nil {
		return SubmitResult{}, fmt.Errorf("generate scan id: %w", err)
	}
	token, err := s.deps.Tokens.NewToken()
	if err != nil {
		return SubmitResult{}, fmt.Errorf("generate scan token: %w", err)
	}
	now := s.deps.Clock.Now().UTC()
	scan := audit.Scan{
		ID:               scanID,
		URL:              canonical,
		AccessToken:      token,
		AuthorizedToScan: true,
		Status:           audit.ScanStatusQueued,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.deps.Scans.CreateScan(ctx, scan); err != nil {
		return SubmitResult{}, fmt.Errorf("create scan: %w", err)
	}
	job, err := s.deps.Queue.Enqueue(ctx, scanID, req.UserID)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("enqueue scan: %w", err)
	}
	logger := s.logger.With(zap.String("scan_id", scanID), zap.String("job_id", job.ID), zap.String("url", canonical))
	logger.Info("scan submitted")
	s.publish(ctx, audit.TopicScanQueued, audit.ScanEvent{
		ScanID: scanID,
		JobID:  job.ID,
		Status: audit.ScanStatusQueued,
	})

	return SubmitResult{
		ScanID:                 scanID,
		JobID:                  job.ID,
		ScanToken:              token,
		DiscoveredPageEstimate: s.estimate(ctx, logger, canonical),
	}, nil
}

func (s *Service) estimate(ctx context.Context, logger *zap.Logger, rawURL string) *int {
	if s.deps.Estimator == nil || s.cfg.EstimateTimeout <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.EstimateTimeout)
	defer cancel()
	page, err := s.deps.Estimator.Prime(ctx, rawURL)
	if err != nil {
		logger.Debug("page estimate unavailable", zap.Error(err))
		return nil
	}
	plus, err := audit.PlanForTier(audit.TierPlus)
	if err != nil {
		return nil
	}
	pages, err := discovery.Discover(rawURL, page.FinalURL, page.HTML, plus.MaxPages)
	if err != nil {
		logger.Debug("page estimate unavailable", zap.Error(err))
		return nil
	}
	n := len(pages)
	return &n
}

// JobStatusView is what pollers of a job see.
type JobStatusView struct {
	JobID         string           `json:"job_id"`
	ScanID        string           `json:"scan_id"`
	Status        audit.JobStatus  `json:"status"`
	ScanStatus    audit.ScanStatus `json:"scan_status,omitempty"`
	Attempts      int              `json:"attempts"`
	Progress      *audit.Progress  `json:"progress,omitempty"`
	Totals        *audit.Totals    `json:"totals,omitempty"`
	SampleFinding *audit.Finding   `json:"sample_finding,omitempty"`
	Error         string           `json:"error,omitempty"`
}

// GetJobStatus reports a job together with the progress of its scan.
func (s *Service) GetJobStatus(ctx context.Context, jobID string) (JobStatusView, error) {
	job, err := s.deps.Jobs.GetJob(ctx, jobID)
	if err != nil {
		return JobStatusView{}, err
	}
	view := JobStatusView{
		JobID:    job.ID,
		ScanID:   job.ScanID,
		Status:   job.Status,
		Attempts: job.Attempts,
		Error:    job.LastError,
	}
	scan, err := s.deps.Scans.GetScan(ctx, job.ScanID)
	switch {
	case errors.Is(err, audit.ErrNotFound):
		return view, nil
	case err != nil:
		return JobStatusView{}, fmt.Errorf("load scan for job: %w", err)
	}
	progress := scan.Progress
	view.ScanStatus = scan.Status
	view.Progress = &progress
	view.Totals = scan.Totals
	view.SampleFinding = scan.SampleFinding
	if scan.Error != "" {
		view.Error = scan.Error
	}
	return view, nil
}

// ScanView is the caller-facing scan. Findings and ReportURL are only set on the paid view.
type ScanView struct {
	ID             string             `json:"id"`
	URL            string             `json:"url"`
	Status         audit.ScanStatus   `json:"status"`
	IsPaid         bool               `json:"is_paid"`
	Tier           audit.Tier         `json:"tier,omitempty"`
	Plan           audit.Plan         `json:"plan"`
	Progress       audit.Progress     `json:"progress"`
	Totals         *audit.Totals      `json:"totals,omitempty"`
	SampleFinding  *audit.Finding     `json:"sample_finding,omitempty"`
	Findings       []audit.Finding    `json:"findings,omitempty"`
	Pages          []audit.PageMeta   `json:"pages,omitempty"`
	PreviousScanID string             `json:"previous_scan_id,omitempty"`
	DiffSummary    *audit.DiffSummary `json:"diff_summary,omitempty"`
	ReportURL      string             `json:"report_url,omitempty"`
	Error          string             `json:"error,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// GetScan returns the teaser view of an unpaid scan regardless of token. A paid scan is only
// returned to the holder of its token, with its findings unlocked.
func (s *Service) GetScan(ctx context.Context, scanID, token string) (ScanView, error) {
	scan, err := s.deps.Scans.GetScan(ctx, scanID)
	if err != nil {
		return ScanView{}, err
	}
	view := ScanView{
		ID:            scan.ID,
		URL:           scan.URL,
		Status:        scan.Status,
		IsPaid:        scan.Payment.IsPaid,
		Tier:          scan.Payment.Tier,
		Plan:          scan.EffectivePlan(),
		Progress:      scan.Progress,
		Totals:        scan.Totals,
		SampleFinding: scan.SampleFinding,
		Error:         scan.Error,
		CreatedAt:     scan.CreatedAt,
		UpdatedAt:     scan.UpdatedAt,
	}
	if !scan.Payment.IsPaid {
		return view, nil
	}
	if !tokenMatches(scan, token) {
		return ScanView{}, fmt.Errorf("scan %s: %w", scanID, audit.ErrAccessDenied)
	}
	view.Findings = scan.Findings
	if view.Findings == nil && scan.Status == audit.ScanStatusSucceeded {
		view.Findings = []audit.Finding{}
	}
	view.Pages = scan.Pages
	view.PreviousScanID = scan.PreviousScanID
	view.DiffSummary = scan.DiffSummary
	view.ReportURL = scan.ReportURL
	return view, nil
}

// MarkPaid records a confirmed payment: it stores the tier and its plan, links the previous
// paid scan of the same URL, resets progress and enqueues the full scan. Confirming an
// already paid scan is a no-op.
func (s *Service) MarkPaid(ctx context.Context, scanID string, tier audit.Tier) (audit.Scan, error) {
	plan, err := audit.PlanForTier(tier)
	if err != nil {
		return audit.Scan{}, err
	}
	current, err := s.deps.Scans.GetScan(ctx, scanID)
	if err != nil {
		return audit.Scan{}, err
	}
	if current.Payment.IsPaid {
		return current, nil
	}
	var previousID string
	previous, err := s.deps.Scans.LatestPaidScan(ctx, current.URL, scanID)
	switch {
	case err == nil:
		previousID = previous.ID
	case !errors.Is(err, audit.ErrNotFound):
		return audit.Scan{}, fmt.Errorf("look up previous paid scan: %w", err)
	}

	now := s.deps.Clock.Now().UTC()
	var alreadyPaid bool
	updated, err := s.deps.Scans.UpdateScan(ctx, scanID, func(sc *audit.Scan) error {
		if sc.Payment.IsPaid {
			alreadyPaid = true
			return nil
		}
		paidAt := now
		sc.Payment = audit.Payment{IsPaid: true, Tier: tier, PaidAt: &paidAt}
		sc.Plan = &plan
		sc.Status = audit.ScanStatusQueued
		sc.Progress = audit.Progress{}
		sc.Error = ""
		sc.PreviousScanID = previousID
		sc.UpdatedAt = now
		return nil
	})
	if err != nil {
		return audit.Scan{}, fmt.Errorf("mark scan paid: %w", err)
	}
	if alreadyPaid {
		return updated, nil
	}
	job, err := s.deps.Queue.Enqueue(ctx, scanID, "")
	if err != nil {
		return audit.Scan{}, fmt.Errorf("enqueue paid scan: %w", err)
	}
	s.logger.Info("payment confirmed",
		zap.String("scan_id", scanID),
		zap.String("job_id", job.ID),
		zap.String("tier", string(tier)),
		zap.String("previous_scan_id", previousID),
	)
	s.publish(ctx, audit.TopicScanPaid, audit.ScanEvent{
		ScanID: scanID,
		JobID:  job.ID,
		Status: audit.ScanStatusQueued,
	})
	return updated, nil
}

// GenerateReport builds the report of a finished paid scan for the holder of its token.
func (s *Service) GenerateReport(ctx context.Context, scanID, token string) (audit.Report, error) {
	if s.deps.Reports == nil {
		return audit.Report{}, errors.New("report generation is not configured")
	}
	scan, err := s.deps.Scans.GetScan(ctx, scanID)
	if err != nil {
		return audit.Report{}, err
	}
	if !scan.Payment.IsPaid || !tokenMatches(scan, token) {
		return audit.Report{}, fmt.Errorf("report for scan %s: %w", scanID, audit.ErrAccessDenied)
	}
	return s.deps.Reports.Generate(ctx, scan)
}

func (s *Service) publish(ctx context.Context, topic string, event audit.ScanEvent) {
	if s.deps.Events == nil {
		return
	}
	event.Type = topic
	event.At = s.deps.Clock.Now().UTC()
	if _, err := s.deps.Events.Publish(ctx, topic, event); err != nil {
		s.logger.Warn("publish event failed", zap.String("topic", topic), zap.String("scan_id", event.ScanID), zap.Error(err))
	}
}

func tokenMatches(scan audit.Scan, token string) bool {
	if token == "" || scan.AccessToken == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(scan.AccessToken), []byte(token)) == 1
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, audit.ErrBlockedHostname):
		return "blocked_hostname"
	case errors.Is(err, audit.ErrBlockedIP):
		return "blocked_ip"
	case errors.Is(err, audit.ErrDNSUnresolved):
		return "dns_unresolved"
	case errors.Is(err, audit.ErrRedirectLimitExceeded):
		return "redirect_limit"
	default:
		return "invalid_url"
	}
}
