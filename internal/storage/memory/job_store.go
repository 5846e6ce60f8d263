package memory

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/JakeFAU/a11y-scanner/internal/audit"
)

// GetJob fetches a job by ID.
func (s *Store) GetJob(_ context.Context, jobID string) (audit.ScanJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return audit.ScanJob{}, audit.ErrJobNotFound
	}
	return job, nil
}

// DeleteJobsForScan removes up to limit jobs of a scan, oldest first.
func (s *Store) DeleteJobsForScan(_ context.Context, scanID string, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var victims []audit.ScanJob
	for _, job := range s.jobs {
		if job.ScanID == scanID {
			victims = append(victims, job)
		}
	}
	sortJobs(victims, func(j audit.ScanJob) time.Time { return j.CreatedAt })
	if limit > 0 && len(victims) > limit {
		victims = victims[:limit]
	}
	for _, job := range victims {
		delete(s.jobs, job.ID)
	}
	return len(victims), nil
}

// InTx runs fn under the store's write lock. Writes are staged and applied only when fn succeeds.
func (s *Store) InTx(ctx context.Context, fn func(tx audit.QueueTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &queueTx{store: s, jobs: map[string]audit.ScanJob{}, scans: map[string]audit.Scan{}}
	if err := fn(tx); err != nil {
		return err
	}
	for id, job := range tx.jobs {
		s.jobs[id] = job
	}
	for id, scan := range tx.scans {
		s.scans[id] = scan
	}
	return nil
}

type queueTx struct {
	store *Store
	jobs  map[string]audit.ScanJob
	scans map[string]audit.Scan
}

var _ audit.QueueTx = (*queueTx)(nil)

func (tx *queueTx) allJobs() []audit.ScanJob {
	out := make([]audit.ScanJob, 0, len(tx.store.jobs)+len(tx.jobs))
	for id, job := range tx.store.jobs {
		if staged, ok := tx.jobs[id]; ok {
			job = staged
		}
		out = append(out, job)
	}
	for id, job := range tx.jobs {
		if _, ok := tx.store.jobs[id]; !ok {
			out = append(out, job)
		}
	}
	return out
}

func (tx *queueTx) GetJob(_ context.Context, jobID string) (audit.ScanJob, error) {
	if job, ok := tx.jobs[jobID]; ok {
		return job, nil
	}
	job, ok := tx.store.jobs[jobID]
	if !ok {
		return audit.ScanJob{}, audit.ErrJobNotFound
	}
	return job, nil
}

func (tx *queueTx) ActiveJobForScan(_ context.Context, scanID string) (audit.ScanJob, bool, error) {
	var candidates []audit.ScanJob
	for _, job := range tx.allJobs() {
		if job.ScanID == scanID && job.Status != audit.JobStatusDone {
			candidates = append(candidates, job)
		}
	}
	if len(candidates) == 0 {
		return audit.ScanJob{}, false, nil
	}
	sortJobs(candidates, func(j audit.ScanJob) time.Time { return j.CreatedAt })
	return candidates[len(candidates)-1], true, nil
}

func (tx *queueTx) RunningJobs(_ context.Context) ([]audit.ScanJob, error) {
	var out []audit.ScanJob
	for _, job := range tx.allJobs() {
		if job.Status == audit.JobStatusRunning {
			out = append(out, job)
		}
	}
	sortJobs(out, func(j audit.ScanJob) time.Time { return j.UpdatedAt })
	return out, nil
}

func (tx *queueTx) NextQueued(_ context.Context, now time.Time) (audit.ScanJob, bool, error) {
	var due []audit.ScanJob
	for _, job := range tx.allJobs() {
		if job.Status == audit.JobStatusQueued && !job.NextRunAt.After(now) {
			due = append(due, job)
		}
	}
	if len(due) == 0 {
		return audit.ScanJob{}, false, nil
	}
	sortJobs(due, func(j audit.ScanJob) time.Time { return j.NextRunAt })
	return due[0], true, nil
}

func (tx *queueTx) UserHasRunningJob(_ context.Context, userID string) (bool, error) {
	for _, job := range tx.allJobs() {
		if job.UserID == userID && job.Status == audit.JobStatusRunning {
			return true, nil
		}
	}
	return false, nil
}

func (tx *queueTx) InsertJob(_ context.Context, job audit.ScanJob) error {
	if _, err := tx.GetJob(context.Background(), job.ID); err == nil {
		return errors.New("job already exists")
	}
	tx.jobs[job.ID] = job
	return nil
}

func (tx *queueTx) UpdateJob(_ context.Context, job audit.ScanJob) error {
	if _, err := tx.GetJob(context.Background(), job.ID); err != nil {
		return err
	}
	tx.jobs[job.ID] = job
	return nil
}

func (tx *queueTx) GetScan(_ context.Context, scanID string) (audit.Scan, error) {
	if scan, ok := tx.scans[scanID]; ok {
		return cloneScan(scan), nil
	}
	scan, ok := tx.store.scans[scanID]
	if !ok {
		return audit.Scan{}, audit.ErrScanNotFound
	}
	return cloneScan(scan), nil
}

func (tx *queueTx) SetScanStatus(ctx context.Context, scanID string, status audit.ScanStatus, errText string, at time.Time) error {
	scan, err := tx.GetScan(ctx, scanID)
	if err != nil {
		return err
	}
	scan.Status = status
	scan.Error = errText
	scan.UpdatedAt = at
	tx.scans[scanID] = scan
	return nil
}

// sortJobs orders jobs by key, then creation time, then ID.
func sortJobs(jobs []audit.ScanJob, key func(audit.ScanJob) time.Time) {
	sort.Slice(jobs, func(i, j int) bool {
		ki, kj := key(jobs[i]), key(jobs[j])
		if !ki.Equal(kj) {
			return ki.Before(kj)
		}
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
		}
		return jobs[i].ID < jobs[j].ID
	})
}
