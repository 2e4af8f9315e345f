package models

import "testing"

func TestDeriveStatus(t *testing.T) {
	cases := []struct {
		name                                   string
		total, pending, processing, completed, failed int
		want                                   BatchStatus
	}{
		{"all pending", 3, 3, 0, 0, 0, BatchStatusPending},
		{"some processing", 3, 1, 2, 0, 0, BatchStatusProcessing},
		{"all completed", 3, 0, 0, 3, 0, BatchStatusCompleted},
		{"all failed resolves to failed not partial", 3, 0, 0, 0, 3, BatchStatusFailed},
		{"mixed terminal is partial", 3, 0, 0, 2, 1, BatchStatusPartial},
		{"last job still processing", 3, 0, 1, 2, 0, BatchStatusProcessing},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := DeriveStatus(tc.total, tc.pending, tc.processing, tc.completed, tc.failed)
			if got != tc.want {
				t.Errorf("DeriveStatus(%d,%d,%d,%d,%d) = %s, want %s",
					tc.total, tc.pending, tc.processing, tc.completed, tc.failed, got, tc.want)
			}
		})
	}
}

func TestBatchRecomputeInvariant(t *testing.T) {
	b := &Batch{TotalJobs: 4}
	b.Recompute(1, 1, 1, 1)

	sum := b.PendingJobs + b.ProcessingJobs + b.CompletedJobs + b.FailedJobs
	if sum != b.TotalJobs {
		t.Fatalf("counters must sum to total_jobs, got %d want %d", sum, b.TotalJobs)
	}
	if b.IsTerminal() {
		t.Error("batch with jobs still pending/processing must not be terminal")
	}

	b.Recompute(0, 0, 3, 1)
	if !b.IsTerminal() {
		t.Error("batch with every job completed or failed must be terminal")
	}
	if b.Status != BatchStatusPartial {
		t.Errorf("expected partial status, got %s", b.Status)
	}
}
