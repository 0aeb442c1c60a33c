package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/stakework/gridpool/internal/coordinator/domain"
	"github.com/stakework/gridpool/shared/postgresql"
)

const schema = `
CREATE TABLE IF NOT EXISTS workers (
	id             TEXT PRIMARY KEY,
	org_id         TEXT NOT NULL DEFAULT '',
	wallet_address TEXT NOT NULL,
	concurrency    INTEGER NOT NULL DEFAULT 1,
	running_count  INTEGER NOT NULL DEFAULT 0,
	last_seen_at   TIMESTAMPTZ NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS jobs (
	id                TEXT PRIMARY KEY,
	job_type          TEXT NOT NULL,
	object_key        TEXT NOT NULL,
	entry_command     TEXT NOT NULL DEFAULT '',
	wallet_id         TEXT NOT NULL DEFAULT '',
	worker_id         TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL,
	output_object_key TEXT NOT NULL DEFAULT '',
	start_at          TIMESTAMPTZ NOT NULL,
	kill_at           TIMESTAMPTZ NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_worker_status ON jobs (worker_id, status, start_at);
CREATE INDEX IF NOT EXISTS idx_jobs_wallet ON jobs (wallet_id, created_at DESC);
`

type Storage struct {
	db *sqlx.DB
}

func NewStorage(pg *postgresql.Client) *Storage {
	return &Storage{
		db: pg.GetDB(),
	}
}

// EnsureSchema creates the coordinator tables when they do not exist.
func (s *Storage) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

// UpsertWorker inserts a worker record or refreshes an existing one on
// re-registration. Wallet and concurrency follow the latest registration.
func (s *Storage) UpsertWorker(ctx context.Context, w *domain.WorkerRecord) error {
	query := `
		INSERT INTO workers (
			id, org_id, wallet_address, concurrency,
			running_count, last_seen_at, created_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7
		)
		ON CONFLICT (id) DO UPDATE SET
			org_id         = EXCLUDED.org_id,
			wallet_address = EXCLUDED.wallet_address,
			concurrency    = EXCLUDED.concurrency,
			last_seen_at   = EXCLUDED.last_seen_at
	`

	_, err := s.db.ExecContext(
		ctx,
		query,
		w.ID,
		w.OrgID,
		w.WalletAddress,
		w.Concurrency,
		w.RunningCount,
		w.LastSeenAt,
		w.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to upsert worker: %w", err)
	}

	return nil
}

// TouchWorker refreshes a worker's last-seen timestamp and running
// count. Returns domain.ErrWorkerNotFound for unknown workers so
// heartbeats can signal re-registration.
func (s *Storage) TouchWorker(ctx context.Context, workerID string, running int, seenAt time.Time) error {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE workers SET running_count = $2, last_seen_at = $3 WHERE id = $1`,
		workerID,
		running,
		seenAt,
	)
	if err != nil {
		return fmt.Errorf("failed to touch worker: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to touch worker: %w", err)
	}
	if rows == 0 {
		return domain.ErrWorkerNotFound
	}

	return nil
}

func (s *Storage) GetWorker(ctx context.Context, workerID string) (*domain.WorkerRecord, error) {
	var w domain.WorkerRecord
	query := `
		SELECT
			id, org_id, wallet_address, concurrency,
			running_count, last_seen_at, created_at
		FROM workers
		WHERE id = $1
	`

	err := s.db.GetContext(ctx, &w, query, workerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrWorkerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get worker: %w", err)
	}

	return &w, nil
}

func (s *Storage) ListWorkers(ctx context.Context) ([]domain.WorkerRecord, error) {
	var workers []domain.WorkerRecord
	query := `
		SELECT
			id, org_id, wallet_address, concurrency,
			running_count, last_seen_at, created_at
		FROM workers
		ORDER BY last_seen_at DESC
	`

	if err := s.db.SelectContext(ctx, &workers, query); err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}

	return workers, nil
}

func (s *Storage) CreateJob(ctx context.Context, job *domain.Job) error {
	query := `
		INSERT INTO jobs (
			id, job_type, object_key, entry_command,
			wallet_id, worker_id, status, output_object_key,
			start_at, kill_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8,
			$9, $10, $11, $12
		)
	`

	_, err := s.db.ExecContext(
		ctx,
		query,
		job.ID,
		job.JobType,
		job.ObjectKey,
		job.EntryCommand,
		job.WalletID,
		job.WorkerID,
		job.Status,
		job.OutputObjectKey,
		job.StartAt,
		job.KillAt,
		job.CreatedAt,
		job.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

func (s *Storage) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	var job domain.Job
	query := `
		SELECT
			id, job_type, object_key, entry_command,
			wallet_id, worker_id, status, output_object_key,
			start_at, kill_at, created_at, updated_at
		FROM jobs
		WHERE id = $1
	`

	err := s.db.GetContext(ctx, &job, query, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

type JobFilter struct {
	WalletID string
	WorkerID string
	Status   string
	Limit    int
}

func (s *Storage) ListJobs(ctx context.Context, filter JobFilter) ([]domain.Job, error) {
	query := `
		SELECT
			id, job_type, object_key, entry_command,
			wallet_id, worker_id, status, output_object_key,
			start_at, kill_at, created_at, updated_at
		FROM jobs
		WHERE 1=1
	`
	args := []interface{}{}
	argIdx := 1

	if filter.WalletID != "" {
		query += fmt.Sprintf(" AND wallet_id = $%d", argIdx)
		args = append(args, filter.WalletID)
		argIdx++
	}

	if filter.WorkerID != "" {
		query += fmt.Sprintf(" AND worker_id = $%d", argIdx)
		args = append(args, filter.WorkerID)
		argIdx++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	query += " ORDER BY created_at DESC, id DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.Limit)
	}

	var jobs []domain.Job
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return jobs, nil
}

// ListScheduledForWorker returns the worker's jobs still in flight whose
// start time falls inside the trailing window ending now. Jobs already
// finished (DONE or FAILED) are excluded.
func (s *Storage) ListScheduledForWorker(ctx context.Context, workerID string, window time.Duration, now time.Time) ([]domain.Job, error) {
	query := `
		SELECT
			id, job_type, object_key, entry_command,
			wallet_id, worker_id, status, output_object_key,
			start_at, kill_at, created_at, updated_at
		FROM jobs
		WHERE worker_id = $1
		  AND status IN ($2, $3, $4)
		  AND start_at >= $5
		ORDER BY start_at ASC
	`

	var jobs []domain.Job
	err := s.db.SelectContext(
		ctx,
		&jobs,
		query,
		workerID,
		domain.JobStatusRequested,
		domain.JobStatusScheduled,
		domain.JobStatusProcessing,
		now.Add(-window),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list scheduled jobs: %w", err)
	}

	return jobs, nil
}

// MarkScheduled records the worker assignment and output key decided at
// dispatch time.
func (s *Storage) MarkScheduled(ctx context.Context, jobID, workerID, outputKey string, now time.Time) error {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs
		 SET worker_id = $2, output_object_key = $3, status = $4, updated_at = $5
		 WHERE id = $1`,
		jobID,
		workerID,
		outputKey,
		domain.JobStatusScheduled,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to mark job scheduled: %w", err)
	}

	return noRowsAsNotFound(res)
}

// MarkResult records a terminal status for the job. A later result for the
// same job overwrites the earlier one; reporting is at-least-once.
func (s *Storage) MarkResult(ctx context.Context, jobID string, success bool, now time.Time) error {
	status := domain.JobStatusDone
	if !success {
		status = domain.JobStatusFailed
	}

	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs SET status = $2, updated_at = $3 WHERE id = $1`,
		jobID,
		status,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to mark job result: %w", err)
	}

	return noRowsAsNotFound(res)
}

func noRowsAsNotFound(res sql.Result) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if rows == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}
