package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ternarybob/quaero/internal/jobqueue/models"
)

func TestDispatchJobSendsCompletedCanonicalPayload(t *testing.T) {
	var mu sync.Mutex
	var gotAuth, gotToken string
	var body map[string]interface{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotAuth = r.Header.Get("Authorization")
		gotToken = r.Header.Get("X-Callback-Token")
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := New(nil, WithRateLimit(100), WithWorkerID("worker-7"))
	startedAt := time.Now().Add(-time.Minute)
	completedAt := time.Now()
	job := &models.Job{
		JobID:       "job-1",
		JobType:     "pdf",
		Status:      models.JobStatusCompleted,
		StartedAt:   &startedAt,
		CompletedAt: &completedAt,
		Results:     &models.JobResults{MarkdownContent: "hello"},
		Webhook:     &models.Webhook{URL: server.URL, Token: "t1"},
	}

	d.DispatchJob(t.Context(), job)

	mu.Lock()
	defer mu.Unlock()
	if gotAuth != "Bearer t1" {
		t.Errorf("expected Authorization 'Bearer t1', got %q", gotAuth)
	}
	if gotToken != "t1" {
		t.Errorf("expected X-Callback-Token 't1', got %q", gotToken)
	}
	if body["status"] != "completed" {
		t.Errorf("expected status completed in payload, got %v", body["status"])
	}
	if body["worker"] != "worker-7" {
		t.Errorf("expected worker worker-7, got %v", body["worker"])
	}
	if body["jobId"] != "job-1" {
		t.Errorf("expected jobId job-1, got %v", body["jobId"])
	}
	if body["token"] != "t1" {
		t.Errorf("expected body-echoed token t1, got %v", body["token"])
	}
	if body["error"] != nil {
		t.Errorf("expected error null on success, got %v", body["error"])
	}
	data, ok := body["data"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected data object in payload, got %v", body["data"])
	}
	if data["markdown_content"] != "hello" {
		t.Errorf("expected data.markdown_content hello, got %v", data["markdown_content"])
	}
	process, ok := body["process"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected process object in payload, got %v", body["process"])
	}
	if process["id"] != "job-1" || process["main_processor"] != "pdf" {
		t.Errorf("unexpected process block: %v", process)
	}
	if process["started"] == nil || process["completed"] == nil {
		t.Errorf("expected both started and completed on a completed job, got %v", process)
	}
}

func TestDispatchJobSendsErrorCanonicalPayload(t *testing.T) {
	var mu sync.Mutex
	var body map[string]interface{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := New(nil, WithRateLimit(100))
	startedAt := time.Now()
	job := &models.Job{
		JobID:     "job-2",
		JobType:   "session",
		Status:    models.JobStatusFailed,
		StartedAt: &startedAt,
		Error:     &models.JobError{Code: models.ErrCodeHandlerException, Message: "boom"},
		Webhook:   &models.Webhook{URL: server.URL, JobIDEcho: "echo-id"},
	}

	d.DispatchJob(t.Context(), job)

	mu.Lock()
	defer mu.Unlock()
	if body["status"] != "error" {
		t.Errorf("expected status error in payload, got %v", body["status"])
	}
	if body["jobId"] != "echo-id" {
		t.Errorf("expected jobId to use job_id_echo, got %v", body["jobId"])
	}
	if body["data"] != nil {
		t.Errorf("expected data null on failure, got %v", body["data"])
	}
	errField, ok := body["error"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected error object in payload, got %v", body["error"])
	}
	if errField["code"] != models.ErrCodeHandlerException {
		t.Errorf("expected error.code %s, got %v", models.ErrCodeHandlerException, errField["code"])
	}
	process, ok := body["process"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected process object in payload, got %v", body["process"])
	}
	if process["completed"] != nil {
		t.Errorf("expected no process.completed on a failed job, got %v", process["completed"])
	}
}

func TestDispatchJobSkipsWhenNoWebhookConfigured(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer server.Close()

	d := New(nil)
	job := &models.Job{JobID: "job-3", Status: models.JobStatusCompleted}
	d.DispatchJob(t.Context(), job)

	if called {
		t.Error("expected no HTTP call when job.Webhook is nil")
	}
}

type fakeLogAppender struct {
	mu      sync.Mutex
	entries []models.LogEntry
}

func (f *fakeLogAppender) AppendLog(ctx context.Context, jobID string, entry models.LogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
	return nil
}

func TestDispatchJobAppendsLogOnDeliveryFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	appender := &fakeLogAppender{}
	d := New(nil, WithRateLimit(100), WithLogAppender(appender))
	job := &models.Job{
		JobID:   "job-4",
		Status:  models.JobStatusCompleted,
		Webhook: &models.Webhook{URL: server.URL},
	}

	d.DispatchJob(t.Context(), job)

	appender.mu.Lock()
	defer appender.mu.Unlock()
	if len(appender.entries) != 1 {
		t.Fatalf("expected one appended log entry on delivery failure, got %d", len(appender.entries))
	}
	if appender.entries[0].Level != models.LogLevelWarn {
		t.Errorf("expected a warn-level log entry, got %v", appender.entries[0].Level)
	}
}

func TestSetLogAppenderWiresAfterConstruction(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	d := New(nil, WithRateLimit(100))
	appender := &fakeLogAppender{}
	d.SetLogAppender(appender)

	job := &models.Job{JobID: "job-5", Status: models.JobStatusCompleted, Webhook: &models.Webhook{URL: server.URL}}
	d.DispatchJob(t.Context(), job)

	appender.mu.Lock()
	defer appender.mu.Unlock()
	if len(appender.entries) != 1 {
		t.Fatalf("expected SetLogAppender to be honored, got %d entries", len(appender.entries))
	}
}

func TestDispatchBatchSendsAggregateCounters(t *testing.T) {
	var mu sync.Mutex
	var body map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := New(nil, WithRateLimit(100))
	batch := &models.Batch{
		BatchID:       "batch-1",
		Status:        models.BatchStatusCompleted,
		TotalJobs:     3,
		CompletedJobs: 3,
		Webhook:       &models.Webhook{URL: server.URL},
	}
	d.DispatchBatch(t.Context(), batch)

	mu.Lock()
	defer mu.Unlock()
	if body["total_jobs"] != float64(3) || body["completed_jobs"] != float64(3) {
		t.Errorf("expected total_jobs=3 completed_jobs=3, got %v", body)
	}
}
