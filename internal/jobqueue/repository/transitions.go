package repository

import "github.com/ternarybob/quaero/internal/jobqueue/models"

// AllowedTransition reports whether from -> to is a legal job status
// transition per the state machine in spec §4.1. Backends call this
// before attempting the compare-and-set write so InvalidTransition is
// raised uniformly regardless of storage engine.
func AllowedTransition(from, to models.JobStatus) bool {
	switch from {
	case models.JobStatusPending:
		return to == models.JobStatusProcessing || to == models.JobStatusFailed
	case models.JobStatusProcessing:
		return to == models.JobStatusCompleted || to == models.JobStatusFailed
	default:
		// completed and failed are terminal: no further transitions.
		return false
	}
}
