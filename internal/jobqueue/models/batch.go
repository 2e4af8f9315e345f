// -----------------------------------------------------------------------
// Batch Model - named group of jobs submitted together
// -----------------------------------------------------------------------

package models

import "time"

// BatchStatus is the derived aggregate status of a Batch (spec §3.1).
type BatchStatus string

const (
	BatchStatusPending    BatchStatus = "pending"
	BatchStatusProcessing BatchStatus = "processing"
	BatchStatusCompleted  BatchStatus = "completed"
	BatchStatusFailed     BatchStatus = "failed"
	BatchStatusPartial    BatchStatus = "partial"
)

// Batch derives aggregate status from the jobs it owns.
type Batch struct {
	BatchID        string      `bson:"batch_id" json:"batch_id"`
	BatchName      string      `bson:"batch_name,omitempty" json:"batch_name,omitempty"`
	TotalJobs      int         `bson:"total_jobs" json:"total_jobs"`
	CompletedJobs  int         `bson:"completed_jobs" json:"completed_jobs"`
	FailedJobs     int         `bson:"failed_jobs" json:"failed_jobs"`
	ProcessingJobs int         `bson:"processing_jobs" json:"processing_jobs"`
	PendingJobs    int         `bson:"pending_jobs" json:"pending_jobs"`
	Status         BatchStatus `bson:"status" json:"status"`
	IsActive       bool        `bson:"is_active" json:"is_active"`
	Archived       bool        `bson:"archived" json:"archived"`
	CreatedAt      time.Time   `bson:"created_at" json:"created_at"`
	UpdatedAt      time.Time   `bson:"updated_at" json:"updated_at"`
	Webhook        *Webhook    `bson:"webhook,omitempty" json:"webhook,omitempty"`
	WebhookSent    bool        `bson:"webhook_sent" json:"webhook_sent"`
}

// DeriveStatus applies the rule from spec §3.1 to a set of job-status
// counters and returns the status the Batch document must carry.
func DeriveStatus(total, pending, processing, completed, failed int) BatchStatus {
	switch {
	case completed+failed == total && total > 0 && failed == 0:
		return BatchStatusCompleted
	case completed+failed == total && total > 0 && completed == 0:
		return BatchStatusFailed
	case completed+failed == total && total > 0:
		return BatchStatusPartial
	case processing > 0 || (pending < total && pending > 0):
		return BatchStatusProcessing
	case pending == total:
		return BatchStatusPending
	default:
		return BatchStatusProcessing
	}
}

// Recompute refreshes the derived counters and status in place from the
// supplied per-status job counts. Callers pass counts freshly queried
// from the job collection so the batch document never stores counters
// that can drift from the jobs it owns (spec §4.1 invariant).
func (b *Batch) Recompute(pending, processing, completed, failed int) {
	b.PendingJobs = pending
	b.ProcessingJobs = processing
	b.CompletedJobs = completed
	b.FailedJobs = failed
	b.Status = DeriveStatus(b.TotalJobs, pending, processing, completed, failed)
}

// IsTerminal reports whether every job owned by the batch has reached a
// terminal status.
func (b *Batch) IsTerminal() bool {
	return b.CompletedJobs+b.FailedJobs == b.TotalJobs && b.TotalJobs > 0
}
