// Package worker implements the scan execution loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/a11y-scanner/internal/audit"
	"github.com/JakeFAU/a11y-scanner/internal/metrics"
	"github.com/JakeFAU/a11y-scanner/internal/queue"
)

// Queue is the lease scheduler as seen by a worker.
type Queue interface {
	Enqueue(ctx context.Context, scanID, userID string) (audit.ScanJob, error)
	ClaimNext(ctx context.Context) (queue.Claim, bool, error)
	Heartbeat(ctx context.Context, jobID string) error
	Complete(ctx context.Context, jobID string) error
	Fail(ctx context.Context, jobID, errMsg string) (bool, error)
}

// Runner executes one scan within a plan.
type Runner interface {
	Run(ctx context.Context, scan audit.Scan, plan audit.Plan, progress audit.ProgressFunc) (audit.ScanResult, error)
}

// Config controls Worker behavior.
type Config struct {
	PollInterval time.Duration
}

// Worker polls the queue and runs claimed scans one at a time.
type Worker struct {
	queue  Queue
	scans  audit.ScanStore
	runner Runner
	events audit.Publisher
	clock  audit.Clock
	cfg    Config
	logger *zap.Logger

	// busy keeps overlapping ticks in this process from claiming a second job. The lease
	// in the store is what serializes workers across processes.
	busy atomic.Bool
}

// New constructs a Worker. events may be nil.
func New(q Queue, scans audit.ScanStore, runner Runner, events audit.Publisher, clock audit.Clock, cfg Config, logger *zap.Logger) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:  q,
		scans:  scans,
		runner: runner,
		events: events,
		clock:  clock,
		cfg:    cfg,
		logger: logger.Named("worker"),
	}
}

// Run blocks, polling the queue until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		for {
			processed, err := w.RunOnce(ctx)
			if err != nil && ctx.Err() == nil {
				w.logger.Error("poll failed", zap.Error(err))
			}
			if !processed || ctx.Err() != nil {
				break
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce claims and processes at most one job. It reports whether a job was processed.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	if !w.busy.CompareAndSwap(false, true) {
		w.logger.Debug("previous job still running, skipping poll")
		return false, nil
	}
	defer w.busy.Store(false)

	claim, ok, err := w.queue.ClaimNext(ctx)
	if err != nil {
		return false, fmt.Errorf("claim next job: %w", err)
	}
	if !ok {
		return false, nil
	}
	w.processJob(ctx, claim)
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, claim queue.Claim) {
	job, scan := claim.Job, claim.Scan
	logger := w.logger.With(
		zap.String("job_id", job.ID),
		zap.String("scan_id", scan.ID),
		zap.Int("attempt", job.Attempts),
	)
	metrics.IncActiveScans()
	defer metrics.DecActiveScans()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var leaseLost atomic.Bool

	paid := scan.Payment.IsPaid
	plan := scan.EffectivePlan()
	progress := func(pctx context.Context, p audit.Progress) {
		if err := w.queue.Heartbeat(pctx, job.ID); err != nil {
			if errors.Is(err, audit.ErrLeaseLost) {
				logger.Warn("lease lost, abandoning scan")
				leaseLost.Store(true)
				cancel()
				return
			}
			logger.Warn("heartbeat failed", zap.Error(err))
		}
		if _, err := w.scans.UpdateScan(pctx, scan.ID, func(s *audit.Scan) error {
			s.Progress = p
			s.UpdatedAt = w.clock.Now().UTC()
			return nil
		}); err != nil {
			logger.Warn("progress update failed", zap.Error(err))
		}
		progress := p
		w.publish(pctx, logger, audit.TopicScanProgress, audit.ScanEvent{
			ScanID:   scan.ID,
			JobID:    job.ID,
			Status:   audit.ScanStatusRunning,
			Progress: &progress,
		})
	}

	logger.Info("scan started", zap.Bool("paid", paid), zap.Int("max_pages", plan.MaxPages))
	result, err := w.run(runCtx, scan, plan, progress)
	if leaseLost.Load() {
		return
	}
	if err != nil {
		w.fail(ctx, logger, job, err)
		return
	}

	upgraded, err := w.persist(ctx, scan.ID, paid, result)
	if err != nil {
		w.fail(ctx, logger, job, err)
		return
	}
	if err := w.queue.Complete(ctx, job.ID); err != nil {
		logger.Error("complete job failed", zap.Error(err))
		return
	}
	// A payment confirmed between persist and Complete saw this job as active and did not
	// enqueue a new one.
	if !paid && !upgraded {
		upgraded = w.paidSince(ctx, logger, scan.ID)
	}

	if upgraded {
		next, err := w.queue.Enqueue(ctx, scan.ID, job.UserID)
		if err != nil {
			logger.Error("enqueue paid scan failed", zap.Error(err))
			return
		}
		logger.Info("scan was paid while running, full scan enqueued", zap.String("next_job_id", next.ID))
		return
	}

	metrics.ObserveScan(string(audit.ScanStatusSucceeded))
	totals := result.Totals
	logger.Info("scan succeeded",
		zap.Int("pages", len(result.Pages)),
		zap.Int("findings", totals.Total),
	)
	w.publish(ctx, logger, audit.TopicScanSucceeded, audit.ScanEvent{
		ScanID: scan.ID,
		JobID:  job.ID,
		Status: audit.ScanStatusSucceeded,
		Totals: &totals,
	})
}

// paidSince reports whether the scan has been paid since this teaser run claimed it.
func (w *Worker) paidSince(ctx context.Context, logger *zap.Logger, scanID string) bool {
	current, err := w.scans.GetScan(ctx, scanID)
	if err != nil {
		logger.Error("reload scan after completion failed", zap.Error(err))
		return false
	}
	return current.Payment.IsPaid
}

// run shields the worker from panics inside the scan pipeline.
func (w *Worker) run(ctx context.Context, scan audit.Scan, plan audit.Plan, progress audit.ProgressFunc) (res audit.ScanResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scan panicked: %v", r)
		}
	}()
	return w.runner.Run(ctx, scan, plan, progress)
}

// persist stores the result. The full findings list is kept only when the scan ran under a
// paid plan. When payment arrived during a teaser run the teaser result is stored, the scan
// stays QUEUED and upgraded is true.
func (w *Worker) persist(ctx context.Context, scanID string, ranPaid bool, result audit.ScanResult) (bool, error) {
	var upgraded bool
	_, err := w.scans.UpdateScan(ctx, scanID, func(s *audit.Scan) error {
		upgraded = s.Payment.IsPaid && !ranPaid
		totals := result.Totals
		sample := result.SampleFinding
		s.Totals = &totals
		s.SampleFinding = &sample
		s.Pages = result.Pages
		s.DiffSummary = result.Diff
		s.Error = ""
		s.UpdatedAt = w.clock.Now().UTC()
		if ranPaid {
			s.Findings = result.Findings
			if s.Findings == nil {
				s.Findings = []audit.Finding{}
			}
		} else {
			s.Findings = nil
		}
		if upgraded {
			s.Status = audit.ScanStatusQueued
			s.Progress = audit.Progress{}
			return nil
		}
		s.Status = audit.ScanStatusSucceeded
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("persist scan result: %w", err)
	}
	return upgraded, nil
}

func (w *Worker) fail(ctx context.Context, logger *zap.Logger, job audit.ScanJob, cause error) {
	terminal, err := w.queue.Fail(ctx, job.ID, cause.Error())
	if err != nil {
		logger.Error("record job failure failed", zap.NamedError("cause", cause), zap.Error(err))
		return
	}
	if !terminal {
		logger.Warn("scan attempt failed, will retry", zap.Error(cause))
		return
	}
	logger.Error("scan failed", zap.Error(cause))
	metrics.ObserveScan(string(audit.ScanStatusFailed))
	w.publish(ctx, logger, audit.TopicScanFailed, audit.ScanEvent{
		ScanID: job.ScanID,
		JobID:  job.ID,
		Status: audit.ScanStatusFailed,
		Error:  cause.Error(),
	})
}

func (w *Worker) publish(ctx context.Context, logger *zap.Logger, topic string, event audit.ScanEvent) {
	if w.events == nil {
		return
	}
	event.Type = topic
	event.At = w.clock.Now().UTC()
	if _, err := w.events.Publish(ctx, topic, event); err != nil {
		logger.Warn("publish event failed", zap.String("topic", topic), zap.Error(err))
	}
}
