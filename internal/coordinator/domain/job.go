package domain

import "time"

// Job status constants
const (
	JobStatusRequested  = "REQUESTED"
	JobStatusScheduled  = "SCHEDULED"
	JobStatusProcessing = "PROCESSING"
	JobStatusDone       = "DONE"
	JobStatusFailed     = "FAILED"
)

// Job is the persisted job record owned by the coordinator.
type Job struct {
	ID              string    `db:"id"`
	JobType         string    `db:"job_type"`
	ObjectKey       string    `db:"object_key"`
	EntryCommand    string    `db:"entry_command"`
	WalletID        string    `db:"wallet_id"`
	WorkerID        string    `db:"worker_id"`
	Status          string    `db:"status"`
	OutputObjectKey string    `db:"output_object_key"`
	StartAt         time.Time `db:"start_at"`
	KillAt          time.Time `db:"kill_at"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

// JobDescriptor is the read-only projection of a job handed to a worker.
// PayloadURL is a time-limited download URL resolved at dispatch time; it
// may be empty when presigning failed and the worker is expected to retry
// via a later pull.
type JobDescriptor struct {
	JobID        string `json:"job_id"`
	JobType      string `json:"job_type"`
	ObjectKey    string `json:"object_key"`
	EntryCommand string `json:"entry_command,omitempty"`
	PayloadURL   string `json:"payload_url,omitempty"`
	OutputPrefix string `json:"output_prefix"`
	Status       string `json:"status"`
	WorkerID     string `json:"worker_id,omitempty"`
	StartAt      int64  `json:"start_at"`
	KillAt       int64  `json:"kill_at"`
}

// JobResult is produced exactly once per execution attempt. A retried job
// produces a new result that supersedes the prior one downstream.
type JobResult struct {
	JobID            string `json:"job_id"`
	WorkerID         string `json:"worker_id"`
	Solution         string `json:"solution"`
	Success          bool   `json:"success"`
	MetricsJSON      string `json:"metrics_json,omitempty"`
	ExecutionSeconds int64  `json:"execution_seconds"`
	Terminated       bool   `json:"terminated"`
	EndAt            int64  `json:"end_at"`
	ExecutedAt       int64  `json:"executed_at"`
}

// RuntimeJob is the in-memory projection of a dispatched job, merged over
// the persisted row on reads.
type RuntimeJob struct {
	Descriptor  JobDescriptor
	Solution    string
	MetricsJSON string
}
