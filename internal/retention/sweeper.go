// Package retention purges scans that have outlived the retention window.
package retention

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/a11y-scanner/internal/audit"
)

// Config bounds a single sweep.
type Config struct {
	Window      time.Duration
	BatchSize   int
	JobsPerScan int
}

// DefaultConfig keeps scans for 30 days and purges at most 500 scans with 50 jobs each per sweep.
func DefaultConfig() Config {
	return Config{Window: 30 * 24 * time.Hour, BatchSize: 500, JobsPerScan: 50}
}

// Result counts what a sweep removed.
type Result struct {
	ScansDeleted int `json:"scans_deleted"`
	JobsDeleted  int `json:"jobs_deleted"`
}

// Sweeper deletes stale scans and their jobs.
type Sweeper struct {
	scans  audit.ScanStore
	jobs   audit.JobStore
	cfg    Config
	logger *zap.Logger
}

// NewSweeper constructs a Sweeper. Zero config fields take their defaults.
func NewSweeper(scans audit.ScanStore, jobs audit.JobStore, cfg Config, logger *zap.Logger) *Sweeper {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.JobsPerScan <= 0 {
		cfg.JobsPerScan = def.JobsPerScan
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{scans: scans, jobs: jobs, cfg: cfg, logger: logger.Named("retention")}
}

// Sweep deletes up to BatchSize of the oldest scans last updated before now minus the window.
// A scan deleted concurrently is skipped.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (Result, error) {
	cutoff := now.Add(-s.cfg.Window)
	stale, err := s.scans.ListStaleScans(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		return Result{}, fmt.Errorf("list stale scans: %w", err)
	}
	var res Result
	for _, scan := range stale {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		jobs, err := s.jobs.DeleteJobsForScan(ctx, scan.ID, s.cfg.JobsPerScan)
		if err != nil {
			return res, fmt.Errorf("delete jobs of scan %s: %w", scan.ID, err)
		}
		res.JobsDeleted += jobs
		if err := s.scans.DeleteScan(ctx, scan.ID); err != nil {
			if errors.Is(err, audit.ErrNotFound) {
				continue
			}
			return res, fmt.Errorf("delete scan %s: %w", scan.ID, err)
		}
		res.ScansDeleted++
	}
	s.logger.Info("retention sweep finished",
		zap.Time("cutoff", cutoff),
		zap.Int("scans_deleted", res.ScansDeleted),
		zap.Int("jobs_deleted", res.JobsDeleted),
	)
	return res, nil
}
