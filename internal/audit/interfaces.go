package audit

import (
	"context"
	"io"
	"time"
)

// ScanStore persists scans and their report snapshots.
// Every mutation is atomic per scan document.
type ScanStore interface {
	CreateScan(ctx context.Context, scan Scan) error
	GetScan(ctx context.Context, scanID string) (Scan, error)
	// UpdateScan applies fn to the stored scan inside a single-document transaction.
	UpdateScan(ctx context.Context, scanID string, fn func(*Scan) error) (Scan, error)
	// LatestPaidScan returns the most recently paid scan for url, ignoring excludeID.
	LatestPaidScan(ctx context.Context, url string, excludeID string) (Scan, error)
	// ListStaleScans returns up to limit scans last updated before cutoff, oldest first.
	ListStaleScans(ctx context.Context, cutoff time.Time, limit int) ([]Scan, error)
	// DeleteScan removes the scan and its report snapshot.
	DeleteScan(ctx context.Context, scanID string) error
	UpsertReport(ctx context.Context, report Report) error
	GetReport(ctx context.Context, scanID string) (Report, error)
}

// JobStore exposes the queue entries outside of the scheduler's transactions.
type JobStore interface {
	GetJob(ctx context.Context, jobID string) (ScanJob, error)
	// DeleteJobsForScan removes up to limit jobs of a scan and returns how many were deleted.
	DeleteJobsForScan(ctx context.Context, scanID string, limit int) (int, error)
	// InTx runs fn with exclusive access to the queue. Claims are serialized through it.
	InTx(ctx context.Context, fn func(tx QueueTx) error) error
}

// QueueTx is the transactional view of the queue used by the lease scheduler.
type QueueTx interface {
	GetJob(ctx context.Context, jobID string) (ScanJob, error)
	// ActiveJobForScan returns the newest job of the scan whose status is not DONE.
	ActiveJobForScan(ctx context.Context, scanID string) (ScanJob, bool, error)
	RunningJobs(ctx context.Context) ([]ScanJob, error)
	// NextQueued returns the earliest scheduled QUEUED job due at or before now.
	NextQueued(ctx context.Context, now time.Time) (ScanJob, bool, error)
	UserHasRunningJob(ctx context.Context, userID string) (bool, error)
	InsertJob(ctx context.Context, job ScanJob) error
	UpdateJob(ctx context.Context, job ScanJob) error
	GetScan(ctx context.Context, scanID string) (Scan, error)
	// SetScanStatus moves the scan to status and records errText; an empty errText clears the error.
	SetScanStatus(ctx context.Context, scanID string, status ScanStatus, errText string, at time.Time) error
}

// BlobStore writes report artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes scan lifecycle events to a message bus.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for report integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces scan and job IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// TokenGenerator produces capability secrets for paid result access.
type TokenGenerator interface {
	NewToken() (string, error)
}

// ProgressFunc receives incremental scan progress.
type ProgressFunc func(ctx context.Context, progress Progress)
