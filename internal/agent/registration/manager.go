package registration

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/stakework/gridpool/internal/coordinator/api/dto"
	"github.com/stakework/gridpool/shared/chain"
)

// API is the slice of the coordinator client the manager needs.
type API interface {
	GetChallenge(ctx context.Context, workerID, wallet string) (dto.ChallengeResponse, error)
	Register(ctx context.Context, req dto.RegisterRequest) (dto.RegisterResponse, error)
	Heartbeat(ctx context.Context, workerID string, running int) (bool, error)
}

// Config holds registration manager settings.
type Config struct {
	WorkerID          string
	OrgID             string
	Concurrency       int
	HeartbeatInterval time.Duration
	BackoffSeed       time.Duration
	MaxBackoff        time.Duration
}

// Manager keeps the worker registered with the coordinator. It runs the
// challenge-sign-register exchange with exponential backoff and sends
// heartbeats; a heartbeat answered with ok=false is the only signal that
// flips the worker back into the registering state.
type Manager struct {
	api     API
	account *chain.Account
	cfg     Config
	logger  *slog.Logger

	registered  atomic.Bool
	registering atomic.Bool

	onRegistered func()
	running      func() int

	// sleep is replaced in tests to observe backoff without waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewManager creates a registration manager.
func NewManager(api API, account *chain.Account, cfg Config, logger *slog.Logger) *Manager {
	return &Manager{
		api:     api,
		account: account,
		cfg:     cfg,
		logger:  logger,
		running: func() int { return 0 },
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// OnRegistered installs a callback invoked after every successful
// registration. Must be set before Run.
func (m *Manager) OnRegistered(fn func()) {
	m.onRegistered = fn
}

// RunningCount installs the source of the in-flight job count sent with
// every heartbeat. Must be set before Run.
func (m *Manager) RunningCount(fn func() int) {
	m.running = fn
}

// Registered reports the current registration state.
func (m *Manager) Registered() bool {
	return m.registered.Load()
}

// Run drives registration and heartbeats until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	m.EnsureRegistered(ctx)

	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.pulse(ctx)
		}
	}
}

// pulse sends one heartbeat. Transport failures leave the registration
// state alone; only an explicit ok=false reply forces re-registration.
func (m *Manager) pulse(ctx context.Context) {
	if !m.registered.Load() {
		return
	}

	ok, err := m.api.Heartbeat(ctx, m.cfg.WorkerID, m.running())
	if err != nil {
		m.logger.Warn("heartbeat failed",
			slog.String("worker_id", m.cfg.WorkerID),
			slog.String("error", err.Error()),
		)
		return
	}
	if ok {
		return
	}

	m.logger.Info("coordinator no longer knows this worker, re-registering",
		slog.String("worker_id", m.cfg.WorkerID),
	)
	m.registered.Store(false)
	m.EnsureRegistered(ctx)
}

// EnsureRegistered starts the register loop unless one is already
// running. The loop retries with exponential backoff until it succeeds
// or ctx is cancelled.
func (m *Manager) EnsureRegistered(ctx context.Context) {
	if m.registered.Load() {
		return
	}
	if !m.registering.CompareAndSwap(false, true) {
		return
	}

	go func() {
		defer m.registering.Store(false)
		m.registerLoop(ctx)
	}()
}

func (m *Manager) registerLoop(ctx context.Context) {
	backoff := m.cfg.BackoffSeed

	for {
		if ctx.Err() != nil {
			return
		}

		err := m.registerOnce(ctx)
		if err == nil {
			m.registered.Store(true)
			m.logger.Info("worker registered",
				slog.String("worker_id", m.cfg.WorkerID),
				slog.String("wallet", m.account.Address()),
			)
			if m.onRegistered != nil {
				m.onRegistered()
			}
			return
		}

		m.logger.Warn("registration attempt failed",
			slog.String("worker_id", m.cfg.WorkerID),
			slog.Duration("retry_in", backoff),
			slog.String("error", err.Error()),
		)

		if err := m.sleep(ctx, backoff); err != nil {
			return
		}
		backoff *= 2
		if backoff > m.cfg.MaxBackoff {
			backoff = m.cfg.MaxBackoff
		}
	}
}

// registerOnce runs a single challenge-sign-register exchange.
func (m *Manager) registerOnce(ctx context.Context) error {
	ch, err := m.api.GetChallenge(ctx, m.cfg.WorkerID, m.account.Address())
	if err != nil {
		return err
	}

	sig, err := m.account.SignRegister(
		chain.RegisterDomain{
			Name:    ch.Domain.Name,
			Version: ch.Domain.Version,
			ChainID: ch.Domain.ChainID,
			Salt:    ch.Domain.Salt,
		},
		chain.RegisterMessage{
			WorkerID: m.cfg.WorkerID,
			Nonce:    ch.Nonce,
			Expires:  ch.Expires,
		},
	)
	if err != nil {
		return err
	}

	_, err = m.api.Register(ctx, dto.RegisterRequest{
		WorkerID:    m.cfg.WorkerID,
		Wallet:      m.account.Address(),
		Nonce:       ch.Nonce,
		Expires:     ch.Expires,
		Signature:   sig,
		OrgID:       m.cfg.OrgID,
		Concurrency: m.cfg.Concurrency,
	})
	return err
}
