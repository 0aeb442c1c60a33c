package dto

// ChallengeRequest asks for a one-time registration challenge.
type ChallengeRequest struct {
	WorkerID string `json:"worker_id" binding:"required"`
	Wallet   string `json:"wallet" binding:"required"`
}

// SigningDomain echoes the EIP-712 domain the worker must sign under.
type SigningDomain struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	ChainID int64  `json:"chain_id"`
	Salt    string `json:"salt"`
}

// ChallengeResponse carries the challenge material.
type ChallengeResponse struct {
	WorkerID string        `json:"worker_id"`
	Wallet   string        `json:"wallet"`
	Nonce    string        `json:"nonce"`
	Expires  int64         `json:"expires"`
	Domain   SigningDomain `json:"domain"`
}

// RegisterRequest answers a challenge with a signature. Expires is the
// client's claim of the challenge expiry; the server logs it but signs
// off against its own stored value.
type RegisterRequest struct {
	WorkerID    string `json:"worker_id" binding:"required"`
	Wallet      string `json:"wallet" binding:"required"`
	Nonce       string `json:"nonce"`
	Expires     int64  `json:"expires"`
	Signature   string `json:"signature"`
	OrgID       string `json:"org_id"`
	Concurrency int    `json:"concurrency"`
}

// WorkerDTO is the API projection of a worker record.
type WorkerDTO struct {
	ID            string `json:"id"`
	OrgID         string `json:"org_id,omitempty"`
	WalletAddress string `json:"wallet_address"`
	Concurrency   int    `json:"concurrency"`
	RunningCount  int    `json:"running_count"`
	LastSeenAt    string `json:"last_seen_at"`
	CreatedAt     string `json:"created_at"`
}

// RegisterResponse confirms an admitted worker.
type RegisterResponse struct {
	Registered bool      `json:"registered"`
	Worker     WorkerDTO `json:"worker"`
}

// HeartbeatRequest is the liveness pulse body.
type HeartbeatRequest struct {
	RunningCount int `json:"running_count"`
}

// HeartbeatResponse is the liveness reply. Ok false tells the worker to
// register again.
type HeartbeatResponse struct {
	Ok bool `json:"ok"`
}

// ListWorkersResponse lists known workers.
type ListWorkersResponse struct {
	Workers []WorkerDTO `json:"workers"`
}

// CreateJobRequest submits a job. StartAt and KillAt are unix seconds.
// A non-empty WorkerID dispatches the job right after creation.
type CreateJobRequest struct {
	JobType      string `json:"job_type" binding:"required"`
	ObjectKey    string `json:"object_key" binding:"required"`
	EntryCommand string `json:"entry_command"`
	WalletID     string `json:"wallet_id"`
	WorkerID     string `json:"worker_id"`
	StartAt      int64  `json:"start_at" binding:"required"`
	KillAt       int64  `json:"kill_at" binding:"required"`
}

// JobDTO is the API projection of a job row.
type JobDTO struct {
	ID              string `json:"id"`
	JobType         string `json:"job_type"`
	ObjectKey       string `json:"object_key"`
	EntryCommand    string `json:"entry_command,omitempty"`
	WalletID        string `json:"wallet_id,omitempty"`
	WorkerID        string `json:"worker_id,omitempty"`
	Status          string `json:"status"`
	OutputObjectKey string `json:"output_object_key,omitempty"`
	OutputURL       string `json:"output_url,omitempty"`
	Solution        string `json:"solution,omitempty"`
	MetricsJSON     string `json:"metrics_json,omitempty"`
	StartAt         int64  `json:"start_at"`
	KillAt          int64  `json:"kill_at"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

// ListJobsRequest filters the job listing.
type ListJobsRequest struct {
	WalletID string `form:"wallet_id"`
	WorkerID string `form:"worker_id"`
	Status   string `form:"status"`
	Limit    int    `form:"limit"`
}

// ListJobsResponse lists jobs.
type ListJobsResponse struct {
	Jobs []JobDTO `json:"jobs"`
}

// DispatchRequest assigns a job to a worker.
type DispatchRequest struct {
	WorkerID string `json:"worker_id" binding:"required"`
}

// ReportResultRequest carries a worker's execution result.
type ReportResultRequest struct {
	JobID            string `json:"job_id" binding:"required"`
	WorkerID         string `json:"worker_id" binding:"required"`
	Solution         string `json:"solution"`
	Success          bool   `json:"success"`
	MetricsJSON      string `json:"metrics_json"`
	ExecutionSeconds int64  `json:"execution_seconds"`
	Terminated       bool   `json:"terminated"`
	EndAt            int64  `json:"end_at"`
	ExecutedAt       int64  `json:"executed_at"`
}

// PresignOutputRequest asks for an upload URL under the job's output prefix.
type PresignOutputRequest struct {
	Filename string `json:"filename" binding:"required"`
}

// PresignOutputResponse carries the output object location and access URLs.
type PresignOutputResponse struct {
	Bucket    string `json:"bucket"`
	ObjectKey string `json:"object_key"`
	PutURL    string `json:"put_url"`
	GetURL    string `json:"get_url,omitempty"`
}
