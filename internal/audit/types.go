// Package audit defines the core types shared across the scanning subsystems.
package audit

import (
	"time"
)

// ScanStatus represents the lifecycle state of a scan.
type ScanStatus string

// Scan status values persisted in the scan store.
const (
	ScanStatusQueued    ScanStatus = "QUEUED"
	ScanStatusRunning   ScanStatus = "RUNNING"
	ScanStatusSucceeded ScanStatus = "SUCCEEDED"
	ScanStatusFailed    ScanStatus = "FAILED"
)

// JobStatus represents the lifecycle state of a queue entry.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusQueued  JobStatus = "QUEUED"
	JobStatusRunning JobStatus = "RUNNING"
	JobStatusDone    JobStatus = "DONE"
	JobStatusFailed  JobStatus = "FAILED"
)

// Terminal reports whether no further transitions are expected for the job.
func (s JobStatus) Terminal() bool {
	return s == JobStatusDone || s == JobStatusFailed
}

// Severity buckets a finding by user impact. P0 is the most severe.
type Severity string

// Supported severities.
const (
	SeverityP0 Severity = "P0"
	SeverityP1 Severity = "P1"
	SeverityP2 Severity = "P2"
)

// Rank orders severities for sorting; unknown values sort last.
func (s Severity) Rank() int {
	switch s {
	case SeverityP0:
		return 0
	case SeverityP1:
		return 1
	case SeverityP2:
		return 2
	default:
		return 3
	}
}

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool {
	return s.Rank() < 3
}

// Tier is a purchased scan size profile.
type Tier string

// Supported tiers.
const (
	TierMini     Tier = "mini"
	TierStandard Tier = "standard"
	TierPlus     Tier = "plus"
)

// RenderMode records which auditor strategy produced a page's findings.
type RenderMode string

// Auditor strategies, each more conservative than the previous one.
const (
	ModeFull   RenderMode = "FULL"
	ModeLight  RenderMode = "LIGHT"
	ModeStatic RenderMode = "STATIC"
)

// Plan bounds the work a scan may perform.
type Plan struct {
	MaxPages         int   `json:"max_pages"`
	MaxWallTimeMs    int64 `json:"max_wall_time_ms"`
	MaxPerPageTimeMs int64 `json:"max_per_page_time_ms"`
}

// MaxWallTime returns the whole-scan budget as a duration.
func (p Plan) MaxWallTime() time.Duration {
	return time.Duration(p.MaxWallTimeMs) * time.Millisecond
}

// MaxPerPageTime returns the per-page budget as a duration.
func (p Plan) MaxPerPageTime() time.Duration {
	return time.Duration(p.MaxPerPageTimeMs) * time.Millisecond
}

// Progress tracks how many discovered pages have been audited.
type Progress struct {
	PagesDone  int `json:"pages_done"`
	PagesTotal int `json:"pages_total"`
}

// PageMeta records how a single page was audited.
type PageMeta struct {
	URL       string     `json:"url"`
	Mode      RenderMode `json:"mode"`
	ElapsedMs int64      `json:"elapsed_ms"`
}

// Totals counts findings per severity.
type Totals struct {
	P0    int `json:"p0"`
	P1    int `json:"p1"`
	P2    int `json:"p2"`
	Total int `json:"total"`
}

// Add counts one finding of the given severity.
func (t *Totals) Add(sev Severity) {
	switch sev {
	case SeverityP0:
		t.P0++
	case SeverityP1:
		t.P1++
	default:
		t.P2++
	}
	t.Total++
}

// DiffSummary compares a scan against the previous paid scan of the same target.
type DiffSummary struct {
	Fixed      int `json:"fixed"`
	New        int `json:"new"`
	Persisting int `json:"persisting"`
}

// Finding is one detected accessibility issue instance.
type Finding struct {
	Severity    Severity  `json:"severity"`
	RuleID      string    `json:"rule_id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	HelpURL     string    `json:"help_url,omitempty"`
	Selector    string    `json:"selector"`
	Snippet     string    `json:"snippet,omitempty"`
	FailureText string    `json:"failure_text,omitempty"`
	FixSteps    []string  `json:"fix_steps,omitempty"`
	PageURL     string    `json:"page_url"`
	CapturedAt  time.Time `json:"captured_at"`
}

// Payment captures the paid state of a scan.
type Payment struct {
	IsPaid bool       `json:"is_paid"`
	Tier   Tier       `json:"tier,omitempty"`
	PaidAt *time.Time `json:"paid_at,omitempty"`
}

// Scan represents one audit run for one URL.
type Scan struct {
	ID               string       `json:"id"`
	URL              string       `json:"url"`
	AccessToken      string       `json:"-"`
	AuthorizedToScan bool         `json:"authorized_to_scan"`
	Payment          Payment      `json:"payment"`
	Status           ScanStatus   `json:"status"`
	Plan             *Plan        `json:"plan,omitempty"`
	Progress         Progress     `json:"progress"`
	Pages            []PageMeta   `json:"pages,omitempty"`
	Totals           *Totals      `json:"totals,omitempty"`
	SampleFinding    *Finding     `json:"sample_finding,omitempty"`
	Findings         []Finding    `json:"findings,omitempty"`
	PreviousScanID   string       `json:"previous_scan_id,omitempty"`
	DiffSummary      *DiffSummary `json:"diff_summary,omitempty"`
	ReportURL        string       `json:"report_url,omitempty"`
	Error            string       `json:"error,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// ScanJob is one queue entry representing "run this scan".
type ScanJob struct {
	ID        string    `json:"id"`
	ScanID    string    `json:"scan_id"`
	UserID    string    `json:"user_id,omitempty"`
	Status    JobStatus `json:"status"`
	Attempts  int       `json:"attempts"`
	NextRunAt time.Time `json:"next_run_at"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Report is a denormalized snapshot of a scan used for stable report regeneration.
type Report struct {
	ScanID      string    `json:"scan_id"`
	Tier        Tier      `json:"tier"`
	Plan        Plan      `json:"plan"`
	Totals      Totals    `json:"totals"`
	Findings    []Finding `json:"findings"`
	ContentHash string    `json:"content_hash"`
	ArtifactURI string    `json:"artifact_uri,omitempty"`
	GeneratedAt time.Time `json:"generated_at"`
}

// ScanResult is the outcome of orchestrating one scan.
type ScanResult struct {
	Totals        Totals
	SampleFinding Finding
	Findings      []Finding
	Pages         []PageMeta
	Diff          *DiffSummary
}
