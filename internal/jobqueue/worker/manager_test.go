package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ternarybob/quaero/internal/jobqueue/models"
	"github.com/ternarybob/quaero/internal/jobqueue/registry"
	"github.com/ternarybob/quaero/internal/jobqueue/repository"
	"github.com/ternarybob/quaero/internal/jobqueue/repository/memstore"
)

func waitForStatus(t *testing.T, repo repository.Repository, jobID string, want models.JobStatus, timeout time.Duration) *models.Job {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		job, err := repo.GetJob(context.Background(), jobID)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if job.Status == want {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach status %s within %s", jobID, want, timeout)
	return nil
}

func TestManagerCompletesJobThroughHandler(t *testing.T) {
	repo := memstore.New()
	reg := registry.New(nil)
	reg.Register("echo", registry.HandlerFunc(func(ctx context.Context, job *models.Job) (*models.JobResults, error) {
		return &models.JobResults{MarkdownContent: "done"}, nil
	}))

	jobID, err := repo.CreateJob(context.Background(), repository.JobSpec{JobType: "echo"})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	m := New(repo, reg, nil, nil, nil, Config{Active: true, MaxConcurrentWorkers: 2, PollInterval: 10 * time.Millisecond})
	m.Start(context.Background())
	defer m.Stop()

	job := waitForStatus(t, repo, jobID, models.JobStatusCompleted, time.Second)
	if job.Results == nil || job.Results.MarkdownContent != "done" {
		t.Errorf("expected results to be persisted, got %+v", job.Results)
	}
}

func TestManagerFailsJobOnUnknownType(t *testing.T) {
	repo := memstore.New()
	reg := registry.New(nil)

	jobID, _ := repo.CreateJob(context.Background(), repository.JobSpec{JobType: "nonexistent"})

	m := New(repo, reg, nil, nil, nil, Config{Active: true, MaxConcurrentWorkers: 1, PollInterval: 10 * time.Millisecond})
	m.Start(context.Background())
	defer m.Stop()

	job := waitForStatus(t, repo, jobID, models.JobStatusFailed, time.Second)
	if job.Error == nil || job.Error.Code != models.ErrCodeUnknownJobType {
		t.Errorf("expected UNKNOWN_JOB_TYPE error, got %+v", job.Error)
	}
}

func TestManagerFailsJobOnHandlerPanic(t *testing.T) {
	repo := memstore.New()
	reg := registry.New(nil)
	reg.Register("boom", registry.HandlerFunc(func(ctx context.Context, job *models.Job) (*models.JobResults, error) {
		panic("handler exploded")
	}))

	jobID, _ := repo.CreateJob(context.Background(), repository.JobSpec{JobType: "boom"})

	m := New(repo, reg, nil, nil, nil, Config{Active: true, MaxConcurrentWorkers: 1, PollInterval: 10 * time.Millisecond})
	m.Start(context.Background())
	defer m.Stop()

	job := waitForStatus(t, repo, jobID, models.JobStatusFailed, time.Second)
	if job.Error == nil || job.Error.Code != models.ErrCodeHandlerException {
		t.Errorf("expected HANDLER_EXCEPTION error after a recovered panic, got %+v", job.Error)
	}
}

func TestManagerFailsJobOnHandlerContractViolation(t *testing.T) {
	repo := memstore.New()
	reg := registry.New(nil)
	reg.Register("silent", registry.HandlerFunc(func(ctx context.Context, job *models.Job) (*models.JobResults, error) {
		return nil, nil
	}))

	jobID, _ := repo.CreateJob(context.Background(), repository.JobSpec{JobType: "silent"})

	m := New(repo, reg, nil, nil, nil, Config{Active: true, MaxConcurrentWorkers: 1, PollInterval: 10 * time.Millisecond})
	m.Start(context.Background())
	defer m.Stop()

	job := waitForStatus(t, repo, jobID, models.JobStatusFailed, time.Second)
	if job.Error == nil || job.Error.Code != models.ErrCodeHandlerContract {
		t.Errorf("expected HANDLER_CONTRACT error, got %+v", job.Error)
	}
}

func TestManagerAppendsLogEntryOnFailure(t *testing.T) {
	repo := memstore.New()
	reg := registry.New(nil)

	jobID, _ := repo.CreateJob(context.Background(), repository.JobSpec{JobType: "nonexistent"})

	m := New(repo, reg, nil, nil, nil, Config{Active: true, MaxConcurrentWorkers: 1, PollInterval: 10 * time.Millisecond})
	m.Start(context.Background())
	defer m.Stop()

	job := waitForStatus(t, repo, jobID, models.JobStatusFailed, time.Second)
	if len(job.Logs) == 0 {
		t.Fatal("expected a log entry appended to the failed job")
	}
	last := job.Logs[len(job.Logs)-1]
	if last.Level != models.LogLevelError {
		t.Errorf("expected an error-level log entry, got %v", last.Level)
	}
}

func TestManagerRespectsConcurrencyCeiling(t *testing.T) {
	repo := memstore.New()
	reg := registry.New(nil)

	var inFlight int32
	var maxObserved int32
	release := make(chan struct{})

	reg.Register("slow", registry.HandlerFunc(func(ctx context.Context, job *models.Job) (*models.JobResults, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			old := atomic.LoadInt32(&maxObserved)
			if n <= old || atomic.CompareAndSwapInt32(&maxObserved, old, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&inFlight, -1)
		return &models.JobResults{MarkdownContent: "ok"}, nil
	}))

	const jobCount = 6
	const ceiling = 2
	jobIDs := make([]string, jobCount)
	for i := 0; i < jobCount; i++ {
		id, err := repo.CreateJob(context.Background(), repository.JobSpec{JobType: "slow"})
		if err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
		jobIDs[i] = id
	}

	m := New(repo, reg, nil, nil, nil, Config{Active: true, MaxConcurrentWorkers: ceiling, PollInterval: 10 * time.Millisecond})
	m.Start(context.Background())

	deadline := time.After(time.Second)
	for {
		if atomic.LoadInt32(&inFlight) >= ceiling {
			break
		}
		select {
		case <-deadline:
			t.Fatal("workers never reached the configured ceiling")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}

	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&maxObserved); got > ceiling {
		t.Errorf("observed %d concurrent workers, ceiling was %d", got, ceiling)
	}

	close(release)
	// Let the manager drain the remaining jobs before stopping it; Stop
	// ends claiming, so jobs still pending then would never run.
	for _, id := range jobIDs {
		waitForStatus(t, repo, id, models.JobStatusCompleted, time.Second)
	}
	m.Stop()

	for _, id := range jobIDs {
		job, err := repo.GetJob(context.Background(), id)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if !job.IsTerminal() {
			t.Errorf("job %s expected to reach a terminal state, got %s", id, job.Status)
		}
	}
}

type recordingWebhook struct {
	mu   sync.Mutex
	jobs []*models.Job
}

func (r *recordingWebhook) DispatchJob(ctx context.Context, job *models.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
}

func TestManagerFiresWebhookOnTerminalTransition(t *testing.T) {
	repo := memstore.New()
	reg := registry.New(nil)
	reg.Register("echo", registry.HandlerFunc(func(ctx context.Context, job *models.Job) (*models.JobResults, error) {
		return &models.JobResults{MarkdownContent: "done"}, nil
	}))

	wh := &recordingWebhook{}
	jobID, _ := repo.CreateJob(context.Background(), repository.JobSpec{
		JobType: "echo",
		Webhook: &models.Webhook{URL: "https://example.test/cb"},
	})

	m := New(repo, reg, wh, nil, nil, Config{Active: true, MaxConcurrentWorkers: 1, PollInterval: 10 * time.Millisecond})
	m.Start(context.Background())
	defer m.Stop()

	waitForStatus(t, repo, jobID, models.JobStatusCompleted, time.Second)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		wh.mu.Lock()
		n := len(wh.jobs)
		wh.mu.Unlock()
		if n == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected exactly one webhook dispatch for the completed job")
}

func TestManagerDisabledDoesNotClaim(t *testing.T) {
	repo := memstore.New()
	reg := registry.New(nil)
	reg.Register("echo", registry.HandlerFunc(func(ctx context.Context, job *models.Job) (*models.JobResults, error) {
		return &models.JobResults{MarkdownContent: "done"}, nil
	}))

	jobID, _ := repo.CreateJob(context.Background(), repository.JobSpec{JobType: "echo"})

	m := New(repo, reg, nil, nil, nil, Config{Active: false, MaxConcurrentWorkers: 1, PollInterval: 10 * time.Millisecond})
	m.Start(context.Background())
	defer m.Stop()

	time.Sleep(50 * time.Millisecond)
	job, err := repo.GetJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != models.JobStatusPending {
		t.Errorf("a disabled manager must never claim jobs, got status %s", job.Status)
	}
}
