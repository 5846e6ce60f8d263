// Package queue implements the lease-based scan job scheduler.
//
// Workers poll ClaimNext. A RUNNING job holds a lease that is renewed by Heartbeat; once
// its last update is older than the lease window any poller may reclaim it. At most one
// job runs globally and at most one per user.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/a11y-scanner/internal/audit"
	"github.com/JakeFAU/a11y-scanner/internal/metrics"
)

const orphanError = "scan no longer exists"

// Config holds the lease and retry policy.
type Config struct {
	LeaseWindow time.Duration
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// DefaultConfig returns the production policy: five minute lease, three attempts,
// backoff of 30s per attempt capped at five minutes.
func DefaultConfig() Config {
	return Config{
		LeaseWindow: 5 * time.Minute,
		MaxAttempts: 3,
		BackoffBase: 30 * time.Second,
		BackoffMax:  5 * time.Minute,
	}
}

// Claim is a job handed to a worker together with the scan snapshot it refers to.
type Claim struct {
	Job  audit.ScanJob
	Scan audit.Scan
}

// Scheduler coordinates job state transitions over a transactional store.
type Scheduler struct {
	store  audit.JobStore
	ids    audit.IDGenerator
	clock  audit.Clock
	cfg    Config
	logger *zap.Logger
}

// NewScheduler constructs a Scheduler. Zero config fields take their defaults.
func NewScheduler(store audit.JobStore, ids audit.IDGenerator, clock audit.Clock, cfg Config, logger *zap.Logger) *Scheduler {
	def := DefaultConfig()
	if cfg.LeaseWindow <= 0 {
		cfg.LeaseWindow = def.LeaseWindow
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = def.BackoffMax
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{store: store, ids: ids, clock: clock, cfg: cfg, logger: logger.Named("queue")}
}

// Backoff returns the retry delay after the given number of attempts.
func Backoff(attempts int, base, maxDelay time.Duration) time.Duration {
	delay := base * time.Duration(max(1, attempts))
	return min(maxDelay, delay)
}

// Enqueue schedules a run of scanID. If the scan already has a job that is not DONE that job
// is returned unchanged, except a FAILED job which is reset to QUEUED and due immediately.
func (s *Scheduler) Enqueue(ctx context.Context, scanID, userID string) (audit.ScanJob, error) {
	var out audit.ScanJob
	err := s.store.InTx(ctx, func(tx audit.QueueTx) error {
		now := s.clock.Now().UTC()
		existing, ok, err := tx.ActiveJobForScan(ctx, scanID)
		if err != nil {
			return fmt.Errorf("find active job: %w", err)
		}
		if ok {
			if existing.Status == audit.JobStatusFailed {
				existing.Status = audit.JobStatusQueued
				existing.NextRunAt = now
				existing.Attempts = 0
				existing.LastError = ""
				existing.UpdatedAt = now
				if err := tx.UpdateJob(ctx, existing); err != nil {
					return fmt.Errorf("requeue failed job: %w", err)
				}
			}
			out = existing
			return nil
		}

		id, err := s.ids.NewID()
		if err != nil {
			return fmt.Errorf("generate job id: %w", err)
		}
		job := audit.ScanJob{
			ID:        id,
			ScanID:    scanID,
			UserID:    userID,
			Status:    audit.JobStatusQueued,
			NextRunAt: now,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.InsertJob(ctx, job); err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		out = job
		return nil
	})
	if err != nil {
		return audit.ScanJob{}, err
	}
	s.logger.Debug("job enqueued", zap.String("job_id", out.ID), zap.String("scan_id", scanID))
	return out, nil
}

// ClaimNext leases the next due job. It returns false when the queue is busy, empty,
// the candidate's user already has a running job, or the candidate was an orphan.
func (s *Scheduler) ClaimNext(ctx context.Context) (Claim, bool, error) {
	var (
		claim   Claim
		claimed bool
	)
	err := s.store.InTx(ctx, func(tx audit.QueueTx) error {
		now := s.clock.Now().UTC()

		running, err := tx.RunningJobs(ctx)
		if err != nil {
			return fmt.Errorf("list running jobs: %w", err)
		}
		for _, job := range running {
			if now.Sub(job.UpdatedAt) < s.cfg.LeaseWindow {
				s.logger.Debug("claim refused, lease held", zap.String("job_id", job.ID))
				return nil
			}
		}
		for _, job := range running {
			s.logger.Warn("reclaiming expired lease",
				zap.String("job_id", job.ID),
				zap.String("scan_id", job.ScanID),
				zap.Time("last_update", job.UpdatedAt),
			)
			job.Status = audit.JobStatusQueued
			job.NextRunAt = now
			job.UpdatedAt = now
			if err := tx.UpdateJob(ctx, job); err != nil {
				return fmt.Errorf("reclaim job: %w", err)
			}
			if err := tx.SetScanStatus(ctx, job.ScanID, audit.ScanStatusQueued, "", now); err != nil && !errors.Is(err, audit.ErrNotFound) {
				return fmt.Errorf("reset scan status: %w", err)
			}
		}

		candidate, ok, err := tx.NextQueued(ctx, now)
		if err != nil {
			return fmt.Errorf("select queued job: %w", err)
		}
		if !ok {
			return nil
		}
		if candidate.UserID != "" {
			busy, err := tx.UserHasRunningJob(ctx, candidate.UserID)
			if err != nil {
				return fmt.Errorf("check user running job: %w", err)
			}
			if busy {
				s.logger.Debug("claim refused, user busy", zap.String("job_id", candidate.ID))
				return nil
			}
		}

		scan, err := tx.GetScan(ctx, candidate.ScanID)
		if errors.Is(err, audit.ErrNotFound) {
			s.logger.Info("failing orphaned job", zap.String("job_id", candidate.ID), zap.String("scan_id", candidate.ScanID))
			candidate.Status = audit.JobStatusFailed
			candidate.LastError = orphanError
			candidate.UpdatedAt = now
			if err := tx.UpdateJob(ctx, candidate); err != nil {
				return fmt.Errorf("fail orphaned job: %w", err)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("load scan: %w", err)
		}

		candidate.Status = audit.JobStatusRunning
		candidate.Attempts++
		candidate.UpdatedAt = now
		if err := tx.UpdateJob(ctx, candidate); err != nil {
			return fmt.Errorf("lease job: %w", err)
		}
		if err := tx.SetScanStatus(ctx, scan.ID, audit.ScanStatusRunning, "", now); err != nil {
			return fmt.Errorf("mark scan running: %w", err)
		}
		scan.Status = audit.ScanStatusRunning
		scan.Error = ""
		scan.UpdatedAt = now
		claim = Claim{Job: candidate, Scan: scan}
		claimed = true
		return nil
	})
	if err != nil {
		return Claim{}, false, err
	}
	if claimed {
		metrics.ObserveJobClaimed()
		s.logger.Info("job claimed",
			zap.String("job_id", claim.Job.ID),
			zap.String("scan_id", claim.Job.ScanID),
			zap.Int("attempt", claim.Job.Attempts),
		)
	}
	return claim, claimed, nil
}

// Heartbeat renews the lease of a running job. It fails with audit.ErrLeaseLost when the
// job is no longer RUNNING, which happens after another poller reclaimed it.
func (s *Scheduler) Heartbeat(ctx context.Context, jobID string) error {
	return s.store.InTx(ctx, func(tx audit.QueueTx) error {
		job, err := s.getJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if job.Status != audit.JobStatusRunning {
			return fmt.Errorf("heartbeat %s: %w", jobID, audit.ErrLeaseLost)
		}
		job.UpdatedAt = s.clock.Now().UTC()
		if err := tx.UpdateJob(ctx, job); err != nil {
			return fmt.Errorf("renew lease: %w", err)
		}
		return nil
	})
}

// Complete marks a job DONE.
func (s *Scheduler) Complete(ctx context.Context, jobID string) error {
	return s.store.InTx(ctx, func(tx audit.QueueTx) error {
		job, err := s.getJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		job.Status = audit.JobStatusDone
		job.LastError = ""
		job.UpdatedAt = s.clock.Now().UTC()
		if err := tx.UpdateJob(ctx, job); err != nil {
			return fmt.Errorf("complete job: %w", err)
		}
		return nil
	})
}

// Fail records a failed attempt. Jobs with attempts left return to QUEUED after a backoff;
// otherwise the job and its scan become FAILED. The returned flag reports a terminal failure.
func (s *Scheduler) Fail(ctx context.Context, jobID, errMsg string) (bool, error) {
	var terminal bool
	err := s.store.InTx(ctx, func(tx audit.QueueTx) error {
		job, err := s.getJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		now := s.clock.Now().UTC()
		job.LastError = errMsg
		job.UpdatedAt = now
		if job.Attempts >= s.cfg.MaxAttempts {
			terminal = true
			job.Status = audit.JobStatusFailed
			if err := tx.UpdateJob(ctx, job); err != nil {
				return fmt.Errorf("fail job: %w", err)
			}
			if err := tx.SetScanStatus(ctx, job.ScanID, audit.ScanStatusFailed, errMsg, now); err != nil && !errors.Is(err, audit.ErrNotFound) {
				return fmt.Errorf("mark scan failed: %w", err)
			}
			return nil
		}
		job.Status = audit.JobStatusQueued
		job.NextRunAt = now.Add(Backoff(job.Attempts, s.cfg.BackoffBase, s.cfg.BackoffMax))
		if err := tx.UpdateJob(ctx, job); err != nil {
			return fmt.Errorf("reschedule job: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	metrics.ObserveJobFailure(terminal)
	s.logger.Warn("job attempt failed",
		zap.String("job_id", jobID),
		zap.Bool("terminal", terminal),
		zap.String("error", errMsg),
	)
	return terminal, nil
}

func (s *Scheduler) getJob(ctx context.Context, tx audit.QueueTx, jobID string) (audit.ScanJob, error) {
	job, err := tx.GetJob(ctx, jobID)
	if errors.Is(err, audit.ErrNotFound) {
		return audit.ScanJob{}, fmt.Errorf("get job %s: %w", jobID, audit.ErrJobNotFound)
	}
	if err != nil {
		return audit.ScanJob{}, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return job, nil
}
