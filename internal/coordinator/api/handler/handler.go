package handler

import (
	"context"
	"log/slog"

	"github.com/stakework/gridpool/internal/coordinator/challenge"
	"github.com/stakework/gridpool/internal/coordinator/dispatch"
	"github.com/stakework/gridpool/internal/coordinator/domain"
	"github.com/stakework/gridpool/internal/coordinator/registry"
	"github.com/stakework/gridpool/internal/coordinator/storage"
	"github.com/stakework/gridpool/internal/coordinator/stream"
)

// ChallengeService issues and verifies registration challenges.
type ChallengeService interface {
	Issue(workerID, wallet string) (challenge.Challenge, error)
	Verify(workerID, wallet, nonce, signature string) (domain.WorkerIdentity, error)
}

// RegistryService admits workers and tracks liveness.
type RegistryService interface {
	Admit(ctx context.Context, reg registry.Registration) (*domain.WorkerRecord, error)
	Heartbeat(ctx context.Context, workerID string, running int) (bool, error)
	List(ctx context.Context) ([]domain.WorkerRecord, error)
}

// DispatchService owns job lifecycle and worker job feeds.
type DispatchService interface {
	CreateJob(ctx context.Context, req dispatch.CreateJobRequest) (*domain.Job, error)
	Dispatch(ctx context.Context, jobID, workerID string) (domain.JobDescriptor, error)
	ListScheduled(ctx context.Context, workerID string) ([]domain.JobDescriptor, error)
	Report(ctx context.Context, result domain.JobResult) error
	PresignOutput(ctx context.Context, jobID, filename string) (dispatch.OutputPresign, error)
	GetJob(ctx context.Context, jobID string) (*domain.Job, *domain.RuntimeJob, error)
	ListJobs(ctx context.Context, filter storage.JobFilter) ([]domain.Job, error)
}

// StreamHub hands out per-worker job subscriptions.
type StreamHub interface {
	Subscribe(workerID string) *stream.Subscription
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger      *slog.Logger
	Challenges  ChallengeService
	Registry    RegistryService
	Dispatch    DispatchService
	Hub         StreamHub
	SigningName string
	SigningVer  string
	ChainID     int64
}

// WorkerHandler handles worker registration, liveness, and job feeds.
type WorkerHandler struct {
	logger      *slog.Logger
	challenges  ChallengeService
	registry    RegistryService
	dispatch    DispatchService
	hub         StreamHub
	signingName string
	signingVer  string
	chainID     int64
}

// NewWorkerHandler creates a new WorkerHandler instance
func NewWorkerHandler(deps *Dependencies) *WorkerHandler {
	return &WorkerHandler{
		logger:      deps.Logger,
		challenges:  deps.Challenges,
		registry:    deps.Registry,
		dispatch:    deps.Dispatch,
		hub:         deps.Hub,
		signingName: deps.SigningName,
		signingVer:  deps.SigningVer,
		chainID:     deps.ChainID,
	}
}

// JobHandler handles job submission and result reporting.
type JobHandler struct {
	logger   *slog.Logger
	dispatch DispatchService
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:   deps.Logger,
		dispatch: deps.Dispatch,
	}
}
