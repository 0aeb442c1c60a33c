package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/stakework/gridpool/internal/coordinator/domain"
	"github.com/stakework/gridpool/shared/chain"
)

// WorkerStore is the persistence surface the registry needs.
type WorkerStore interface {
	UpsertWorker(ctx context.Context, w *domain.WorkerRecord) error
	TouchWorker(ctx context.Context, workerID string, running int, seenAt time.Time) error
	GetWorker(ctx context.Context, workerID string) (*domain.WorkerRecord, error)
	ListWorkers(ctx context.Context) ([]domain.WorkerRecord, error)
}

// Registration carries the admission request for a verified identity.
type Registration struct {
	Identity    domain.WorkerIdentity
	OrgID       string
	Concurrency int
}

// Registry admits verified workers into the fleet and tracks liveness.
// Admission gates on the wallet's stake unless the check is disabled.
type Registry struct {
	store    WorkerStore
	verifier chain.StakeVerifier
	minStake *big.Int
	logger   *slog.Logger

	now func() time.Time
}

// Config holds registry settings.
type Config struct {
	MinStake      int64
	TokenDecimals int
}

// NewRegistry creates a registry. A nil verifier disables the stake gate.
func NewRegistry(store WorkerStore, verifier chain.StakeVerifier, cfg Config, logger *slog.Logger) *Registry {
	return &Registry{
		store:    store,
		verifier: verifier,
		minStake: chain.MinStakeUnits(cfg.MinStake, cfg.TokenDecimals),
		logger:   logger,
		now:      time.Now,
	}
}

// Admit runs stake admission for a verified identity and upserts the
// worker record. An unreachable verifier rejects; it never fails open.
func (r *Registry) Admit(ctx context.Context, reg Registration) (*domain.WorkerRecord, error) {
	if r.verifier != nil {
		ok, err := r.verifier.VerifyStake(ctx, reg.Identity.WalletAddress, r.minStake)
		if err != nil {
			r.logger.Error("stake check failed",
				slog.String("worker_id", reg.Identity.WorkerID),
				slog.String("wallet", reg.Identity.WalletAddress),
				slog.String("error", err.Error()),
			)
			return nil, domain.ErrStakeCheckUnavailable
		}
		if !ok {
			return nil, domain.ErrInsufficientStake
		}
	}

	concurrency := reg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	now := r.now()
	record := &domain.WorkerRecord{
		ID:            reg.Identity.WorkerID,
		OrgID:         reg.OrgID,
		WalletAddress: reg.Identity.WalletAddress,
		Concurrency:   concurrency,
		LastSeenAt:    now,
		CreatedAt:     now,
	}

	if err := r.store.UpsertWorker(ctx, record); err != nil {
		return nil, fmt.Errorf("persist worker: %w", err)
	}

	r.logger.Info("worker admitted",
		slog.String("worker_id", record.ID),
		slog.String("wallet", record.WalletAddress),
		slog.Int("concurrency", record.Concurrency),
	)

	return record, nil
}

// Heartbeat refreshes the worker's last-seen time and running count. The
// returned bool is the liveness reply: false tells the worker it is
// unknown and must register again.
func (r *Registry) Heartbeat(ctx context.Context, workerID string, running int) (bool, error) {
	err := r.store.TouchWorker(ctx, workerID, running, r.now())
	if err == nil {
		return true, nil
	}
	if errors.Is(err, domain.ErrWorkerNotFound) {
		return false, nil
	}
	return false, fmt.Errorf("heartbeat: %w", err)
}

// Get returns a single worker record.
func (r *Registry) Get(ctx context.Context, workerID string) (*domain.WorkerRecord, error) {
	return r.store.GetWorker(ctx, workerID)
}

// List returns all known workers, most recently seen first.
func (r *Registry) List(ctx context.Context) ([]domain.WorkerRecord, error) {
	return r.store.ListWorkers(ctx)
}
