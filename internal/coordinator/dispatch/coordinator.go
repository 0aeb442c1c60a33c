package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stakework/gridpool/internal/coordinator/domain"
	"github.com/stakework/gridpool/internal/coordinator/storage"
	"github.com/stakework/gridpool/internal/coordinator/stream"
)

// JobStore is the persistence surface the coordinator needs.
type JobStore interface {
	CreateJob(ctx context.Context, job *domain.Job) error
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	ListJobs(ctx context.Context, filter storage.JobFilter) ([]domain.Job, error)
	ListScheduledForWorker(ctx context.Context, workerID string, window time.Duration, now time.Time) ([]domain.Job, error)
	MarkScheduled(ctx context.Context, jobID, workerID, outputKey string, now time.Time) error
	MarkResult(ctx context.Context, jobID string, success bool, now time.Time) error
}

// ObjectStore is the payload and output surface of the object store.
type ObjectStore interface {
	PresignDownload(ctx context.Context, objectKey string, ttl time.Duration) (string, error)
	PresignUpload(ctx context.Context, objectKey string, ttl time.Duration) (string, error)
	StatObject(ctx context.Context, objectKey string) (int64, error)
	PutObject(ctx context.Context, objectKey string, data []byte, contentType string) error
	Bucket() string
}

// EventPublisher emits settlement events. Failures are logged, never
// surfaced to the reporting worker.
type EventPublisher interface {
	Publish(ctx context.Context, body []byte, contentType string) error
}

// Coordinator assigns jobs to workers, resolves payload URLs, and records
// results. Dispatched jobs are mirrored in a runtime map so reads see
// solution and metrics data that is not persisted on the job row.
type Coordinator struct {
	store   JobStore
	objects ObjectStore
	events  EventPublisher
	hub     *stream.Hub
	logger  *slog.Logger

	presignBase time.Duration
	window      time.Duration

	mu      sync.RWMutex
	runtime map[string]*domain.RuntimeJob

	now func() time.Time
}

// Config holds dispatch settings.
type Config struct {
	PresignBaseExpiry time.Duration
	ScheduledWindow   time.Duration
}

// NewCoordinator creates a dispatch coordinator. events may be nil when no
// settlement exchange is configured.
func NewCoordinator(store JobStore, objects ObjectStore, events EventPublisher, hub *stream.Hub, cfg Config, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:       store,
		objects:     objects,
		events:      events,
		hub:         hub,
		logger:      logger,
		presignBase: cfg.PresignBaseExpiry,
		window:      cfg.ScheduledWindow,
		runtime:     make(map[string]*domain.RuntimeJob),
		now:         time.Now,
	}
}

// CreateJobRequest describes a job submission.
type CreateJobRequest struct {
	JobType      string
	ObjectKey    string
	EntryCommand string
	WalletID     string
	StartAt      time.Time
	KillAt       time.Time
}

// CreateJob persists a new job in REQUESTED state. The payload object
// must already exist in the store.
func (c *Coordinator) CreateJob(ctx context.Context, req CreateJobRequest) (*domain.Job, error) {
	if !req.KillAt.After(req.StartAt) {
		return nil, domain.ErrInvalidWindow
	}

	size, err := c.objects.StatObject(ctx, req.ObjectKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrPayloadMissing, req.ObjectKey)
	}

	now := c.now()
	job := &domain.Job{
		ID:           uuid.New().String(),
		JobType:      req.JobType,
		ObjectKey:    req.ObjectKey,
		EntryCommand: req.EntryCommand,
		WalletID:     req.WalletID,
		Status:       domain.JobStatusRequested,
		StartAt:      req.StartAt,
		KillAt:       req.KillAt,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := c.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	c.logger.Info("job created",
		slog.String("job_id", job.ID),
		slog.String("job_type", job.JobType),
		slog.Int64("payload_bytes", size),
		slog.Time("start_at", job.StartAt),
	)

	return job, nil
}

// presignTTL keeps the payload URL alive through the job's whole
// execution window plus the base grace, never below the base.
func (c *Coordinator) presignTTL(killAt time.Time) time.Duration {
	ttl := c.presignBase
	if until := killAt.Sub(c.now()) + c.presignBase; until > ttl {
		ttl = until
	}
	return ttl
}

func outputPrefix(jobID string) string {
	return fmt.Sprintf("outputs/%s/", jobID)
}

func (c *Coordinator) describe(ctx context.Context, job *domain.Job, workerID string) domain.JobDescriptor {
	jd := domain.JobDescriptor{
		JobID:        job.ID,
		JobType:      job.JobType,
		ObjectKey:    job.ObjectKey,
		EntryCommand: job.EntryCommand,
		OutputPrefix: outputPrefix(job.ID),
		Status:       domain.JobStatusScheduled,
		WorkerID:     workerID,
		StartAt:      job.StartAt.Unix(),
		KillAt:       job.KillAt.Unix(),
	}

	url, err := c.objects.PresignDownload(ctx, job.ObjectKey, c.presignTTL(job.KillAt))
	if err != nil {
		// The worker retries through the pull endpoint; handing out the
		// descriptor without a URL beats dropping the dispatch.
		c.logger.Error("presign payload failed",
			slog.String("job_id", job.ID),
			slog.String("object_key", job.ObjectKey),
			slog.String("error", err.Error()),
		)
	} else {
		jd.PayloadURL = url
	}

	return jd
}

// Dispatch assigns a job to a worker and pushes the descriptor onto the
// worker's stream. The descriptor is also retained for replay, so a
// worker connecting later still receives it.
func (c *Coordinator) Dispatch(ctx context.Context, jobID, workerID string) (domain.JobDescriptor, error) {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return domain.JobDescriptor{}, err
	}

	jd := c.describe(ctx, job, workerID)

	if err := c.store.MarkScheduled(ctx, jobID, workerID, outputPrefix(jobID), c.now()); err != nil {
		return domain.JobDescriptor{}, err
	}

	c.mu.Lock()
	c.runtime[jobID] = &domain.RuntimeJob{Descriptor: jd}
	c.mu.Unlock()

	c.hub.Publish(workerID, jd)

	c.logger.Info("job dispatched",
		slog.String("job_id", jobID),
		slog.String("worker_id", workerID),
		slog.Int64("kill_at", jd.KillAt),
	)

	return jd, nil
}

// ListScheduled returns the worker's in-flight jobs whose start time falls
// inside the trailing window, each with a freshly presigned payload URL.
func (c *Coordinator) ListScheduled(ctx context.Context, workerID string) ([]domain.JobDescriptor, error) {
	jobs, err := c.store.ListScheduledForWorker(ctx, workerID, c.window, c.now())
	if err != nil {
		return nil, err
	}

	out := make([]domain.JobDescriptor, 0, len(jobs))
	for i := range jobs {
		jd := c.describe(ctx, &jobs[i], workerID)
		jd.Status = jobs[i].Status
		out = append(out, jd)
	}
	return out, nil
}

// Report records an execution result. Results are at-least-once: a
// duplicate or superseding report for the same job overwrites the prior
// terminal state. Side effects past the status write are best-effort.
func (c *Coordinator) Report(ctx context.Context, result domain.JobResult) error {
	if err := c.store.MarkResult(ctx, result.JobID, result.Success, c.now()); err != nil {
		return err
	}

	c.mu.Lock()
	if rj, ok := c.runtime[result.JobID]; ok {
		rj.Solution = result.Solution
		rj.MetricsJSON = result.MetricsJSON
		if result.Success {
			rj.Descriptor.Status = domain.JobStatusDone
		} else {
			rj.Descriptor.Status = domain.JobStatusFailed
		}
	}
	c.mu.Unlock()

	if result.Solution != "" {
		key := outputPrefix(result.JobID) + "result.txt"
		if err := c.objects.PutObject(ctx, key, []byte(result.Solution), "text/plain"); err != nil {
			c.logger.Error("persist solution failed",
				slog.String("job_id", result.JobID),
				slog.String("error", err.Error()),
			)
		}
	}

	c.publishSettlement(result)

	c.logger.Info("job result recorded",
		slog.String("job_id", result.JobID),
		slog.String("worker_id", result.WorkerID),
		slog.Bool("success", result.Success),
		slog.Bool("terminated", result.Terminated),
		slog.Int64("execution_seconds", result.ExecutionSeconds),
	)

	return nil
}

// settlementEvent is the payload emitted to the settlement exchange.
type settlementEvent struct {
	JobID            string `json:"job_id"`
	WorkerID         string `json:"worker_id"`
	Success          bool   `json:"success"`
	Terminated       bool   `json:"terminated"`
	ExecutionSeconds int64  `json:"execution_seconds"`
	EndAt            int64  `json:"end_at"`
	ReportedAt       int64  `json:"reported_at"`
}

func (c *Coordinator) publishSettlement(result domain.JobResult) {
	if c.events == nil {
		return
	}

	body, err := json.Marshal(settlementEvent{
		JobID:            result.JobID,
		WorkerID:         result.WorkerID,
		Success:          result.Success,
		Terminated:       result.Terminated,
		ExecutionSeconds: result.ExecutionSeconds,
		EndAt:            result.EndAt,
		ReportedAt:       c.now().Unix(),
	})
	if err != nil {
		c.logger.Error("marshal settlement event failed", slog.String("error", err.Error()))
		return
	}

	// Fire and forget. The publish has its own retry policy and must not
	// delay the worker's report acknowledgement.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.events.Publish(ctx, body, "application/json"); err != nil {
			c.logger.Error("publish settlement event failed",
				slog.String("job_id", result.JobID),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// OutputPresign carries both directions of access to an output object.
type OutputPresign struct {
	Bucket    string
	ObjectKey string
	PutURL    string
	GetURL    string
}

// PresignOutput hands out upload and download URLs for a file under the
// job's output prefix. The download URL is best-effort.
func (c *Coordinator) PresignOutput(ctx context.Context, jobID, filename string) (OutputPresign, error) {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return OutputPresign{}, err
	}

	key := outputPrefix(job.ID) + filename
	ttl := c.presignTTL(job.KillAt)

	putURL, err := c.objects.PresignUpload(ctx, key, ttl)
	if err != nil {
		return OutputPresign{}, fmt.Errorf("presign output: %w", err)
	}

	out := OutputPresign{
		Bucket:    c.objects.Bucket(),
		ObjectKey: key,
		PutURL:    putURL,
	}

	getURL, err := c.objects.PresignDownload(ctx, key, ttl)
	if err != nil {
		c.logger.Warn("presign output download failed",
			slog.String("job_id", jobID),
			slog.String("object_key", key),
			slog.String("error", err.Error()),
		)
	} else {
		out.GetURL = getURL
	}

	return out, nil
}

// GetJob returns the persisted job merged with any runtime projection.
func (c *Coordinator) GetJob(ctx context.Context, jobID string) (*domain.Job, *domain.RuntimeJob, error) {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}

	c.mu.RLock()
	rj := c.runtime[jobID]
	if rj != nil {
		cp := *rj
		rj = &cp
	}
	c.mu.RUnlock()

	return job, rj, nil
}

// ListJobs lists persisted jobs.
func (c *Coordinator) ListJobs(ctx context.Context, filter storage.JobFilter) ([]domain.Job, error) {
	return c.store.ListJobs(ctx, filter)
}
