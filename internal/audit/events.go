package audit

import "time"

// Event topics published on the message bus.
const (
	TopicScanQueued    = "scan.queued"
	TopicScanProgress  = "scan.progress"
	TopicScanSucceeded = "scan.succeeded"
	TopicScanFailed    = "scan.failed"
	TopicScanPaid      = "scan.paid"
)

// ScanEvent is the payload of every scan lifecycle message.
type ScanEvent struct {
	Type     string     `json:"type"`
	ScanID   string     `json:"scan_id"`
	JobID    string     `json:"job_id,omitempty"`
	Status   ScanStatus `json:"status"`
	Progress *Progress  `json:"progress,omitempty"`
	Totals   *Totals    `json:"totals,omitempty"`
	Error    string     `json:"error,omitempty"`
	At       time.Time  `json:"at"`
}
