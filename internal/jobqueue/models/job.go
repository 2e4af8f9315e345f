// -----------------------------------------------------------------------
// Job Model - durable unit of asynchronous work
// -----------------------------------------------------------------------

package models

import "time"

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Error codes surfaced on Job.Error.Code
const (
	ErrCodeUnknownJobType   = "UNKNOWN_JOB_TYPE"
	ErrCodeValidationError  = "VALIDATION_ERROR"
	ErrCodeHandlerException = "HANDLER_EXCEPTION"
	ErrCodeHandlerContract  = "HANDLER_CONTRACT"
	ErrCodeStalled          = "STALLED"
	ErrCodeInternal         = "INTERNAL"
)

// Progress tracks a job's coarse execution progress.
type Progress struct {
	Percent     int    `bson:"percent" json:"percent"`
	CurrentStep string `bson:"current_step,omitempty" json:"current_step,omitempty"`
	StepIndex   *int   `bson:"step_index,omitempty" json:"step_index,omitempty"`
	TotalSteps  *int   `bson:"total_steps,omitempty" json:"total_steps,omitempty"`
}

// JobError describes a job's terminal failure.
type JobError struct {
	Code    string                 `bson:"code" json:"code"`
	Message string                 `bson:"message" json:"message"`
	Details map[string]interface{} `bson:"details,omitempty" json:"details,omitempty"`
}

// LogLevel mirrors the small set of levels the dispatcher and handlers use.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogEntry is one line of a job's append-only log.
type LogEntry struct {
	Timestamp time.Time              `bson:"timestamp" json:"timestamp"`
	Level     LogLevel               `bson:"level" json:"level"`
	Message   string                 `bson:"message" json:"message"`
	Context   map[string]interface{} `bson:"context,omitempty" json:"context,omitempty"`
}

// Webhook is the callback specification embedded on a Job or Batch.
type Webhook struct {
	URL        string `bson:"url" json:"url"`
	Token      string `bson:"token,omitempty" json:"token,omitempty"`
	JobIDEcho  string `bson:"job_id_echo,omitempty" json:"job_id_echo,omitempty"`
}

// Job is a single unit of asynchronous work with durable state.
type Job struct {
	JobID       string                 `bson:"job_id" json:"job_id"`
	JobType     string                 `bson:"job_type" json:"job_type"`
	Status      JobStatus              `bson:"status" json:"status"`
	CreatedAt   time.Time              `bson:"created_at" json:"created_at"`
	UpdatedAt   time.Time              `bson:"updated_at" json:"updated_at"`
	StartedAt   *time.Time             `bson:"started_at,omitempty" json:"started_at,omitempty"`
	CompletedAt *time.Time             `bson:"completed_at,omitempty" json:"completed_at,omitempty"`
	Parameters  Parameters             `bson:"parameters" json:"parameters"`
	Progress    Progress               `bson:"progress" json:"progress"`
	Results     *JobResults            `bson:"results,omitempty" json:"results,omitempty"`
	Error       *JobError              `bson:"error,omitempty" json:"error,omitempty"`
	Logs        []LogEntry             `bson:"logs" json:"logs"`
	BatchID     string                 `bson:"batch_id,omitempty" json:"batch_id,omitempty"`
	UserID      string                 `bson:"user_id,omitempty" json:"user_id,omitempty"`
	JobName     string                 `bson:"job_name,omitempty" json:"job_name,omitempty"`
	Webhook     *Webhook               `bson:"webhook,omitempty" json:"webhook,omitempty"`
	RestartedFrom string               `bson:"restarted_from,omitempty" json:"restarted_from,omitempty"`
}

// IsTerminal reports whether the job has reached completed or failed.
func (j *Job) IsTerminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

// Clone returns a deep-enough copy for callers that hold value copies
// per the repository-owns-state rule in spec §3.6.
func (j *Job) Clone() *Job {
	clone := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		clone.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		clone.CompletedAt = &t
	}
	if j.Results != nil {
		r := *j.Results
		clone.Results = &r
	}
	if j.Error != nil {
		e := *j.Error
		clone.Error = &e
	}
	clone.Logs = append([]LogEntry(nil), j.Logs...)
	clone.Parameters = j.Parameters.Clone()
	return &clone
}
