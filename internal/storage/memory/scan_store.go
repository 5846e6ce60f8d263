// Package memory provides in-process stores for development and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/a11y-scanner/internal/audit"
)

// Store keeps scans, jobs and reports in maps guarded by a single mutex.
// It implements audit.ScanStore and audit.JobStore.
type Store struct {
	mu      sync.RWMutex
	scans   map[string]audit.Scan
	jobs    map[string]audit.ScanJob
	reports map[string]audit.Report
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		scans:   make(map[string]audit.Scan),
		jobs:    make(map[string]audit.ScanJob),
		reports: make(map[string]audit.Report),
	}
}

// CreateScan stores a new scan.
func (s *Store) CreateScan(_ context.Context, scan audit.Scan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.scans[scan.ID]; exists {
		return audit.ErrScanExists
	}
	s.scans[scan.ID] = cloneScan(scan)
	return nil
}

// GetScan fetches a scan by ID.
func (s *Store) GetScan(_ context.Context, scanID string) (audit.Scan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	scan, ok := s.scans[scanID]
	if !ok {
		return audit.Scan{}, audit.ErrScanNotFound
	}
	return cloneScan(scan), nil
}

// UpdateScan applies fn to a copy of the scan and stores the result when fn succeeds.
func (s *Store) UpdateScan(_ context.Context, scanID string, fn func(*audit.Scan) error) (audit.Scan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	scan, ok := s.scans[scanID]
	if !ok {
		return audit.Scan{}, audit.ErrScanNotFound
	}
	working := cloneScan(scan)
	if err := fn(&working); err != nil {
		return audit.Scan{}, err
	}
	working.ID = scanID
	s.scans[scanID] = cloneScan(working)
	return working, nil
}

// LatestPaidScan returns the paid scan of url with the most recent payment.
func (s *Store) LatestPaidScan(_ context.Context, url string, excludeID string) (audit.Scan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		best  audit.Scan
		found bool
	)
	for id, scan := range s.scans {
		if id == excludeID || scan.URL != url || !scan.Payment.IsPaid {
			continue
		}
		if !found || paidAt(scan).After(paidAt(best)) {
			best, found = scan, true
		}
	}
	if !found {
		return audit.Scan{}, audit.ErrScanNotFound
	}
	return cloneScan(best), nil
}

// ListStaleScans returns up to limit scans last updated before cutoff, oldest first.
func (s *Store) ListStaleScans(_ context.Context, cutoff time.Time, limit int) ([]audit.Scan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []audit.Scan
	for _, scan := range s.scans {
		if scan.UpdatedAt.Before(cutoff) {
			out = append(out, scan)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	for i := range out {
		out[i] = cloneScan(out[i])
	}
	return out, nil
}

// DeleteScan removes a scan and its report.
func (s *Store) DeleteScan(_ context.Context, scanID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.scans[scanID]; !ok {
		return audit.ErrScanNotFound
	}
	delete(s.scans, scanID)
	delete(s.reports, scanID)
	return nil
}

// UpsertReport stores the report snapshot of a scan, replacing any previous one.
func (s *Store) UpsertReport(_ context.Context, report audit.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	report.Findings = append([]audit.Finding(nil), report.Findings...)
	s.reports[report.ScanID] = report
	return nil
}

// GetReport fetches the report snapshot of a scan.
func (s *Store) GetReport(_ context.Context, scanID string) (audit.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	report, ok := s.reports[scanID]
	if !ok {
		return audit.Report{}, audit.ErrNotFound
	}
	report.Findings = append([]audit.Finding(nil), report.Findings...)
	return report, nil
}

func paidAt(scan audit.Scan) time.Time {
	if scan.Payment.PaidAt != nil {
		return *scan.Payment.PaidAt
	}
	return scan.CreatedAt
}

func cloneScan(in audit.Scan) audit.Scan {
	out := in
	if in.Payment.PaidAt != nil {
		t := *in.Payment.PaidAt
		out.Payment.PaidAt = &t
	}
	if in.Plan != nil {
		p := *in.Plan
		out.Plan = &p
	}
	if in.Totals != nil {
		t := *in.Totals
		out.Totals = &t
	}
	if in.SampleFinding != nil {
		f := cloneFinding(*in.SampleFinding)
		out.SampleFinding = &f
	}
	if in.DiffSummary != nil {
		d := *in.DiffSummary
		out.DiffSummary = &d
	}
	if in.Pages != nil {
		out.Pages = append([]audit.PageMeta{}, in.Pages...)
	}
	if in.Findings != nil {
		out.Findings = make([]audit.Finding, len(in.Findings))
		for i, f := range in.Findings {
			out.Findings[i] = cloneFinding(f)
		}
	}
	return out
}

func cloneFinding(f audit.Finding) audit.Finding {
	if f.FixSteps != nil {
		f.FixSteps = append([]string{}, f.FixSteps...)
	}
	return f
}
