package challenge

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/stakework/gridpool/internal/coordinator/domain"
	"github.com/stakework/gridpool/shared/chain"
)

// sweepGrace is added to the TTL before the background sweep fires, so a
// verify racing the deadline is decided by the clock check, not the timer.
const sweepGrace = time.Second

// Challenge is a one-time registration challenge bound to a
// (workerID, wallet) pair.
type Challenge struct {
	WorkerID string
	Wallet   string // normalized lower-case
	Nonce    string // 0x-prefixed 32-byte hex
	Salt     string // 0x-prefixed 32-byte hex domain salt
	Expires  time.Time
}

type entry struct {
	challenge Challenge
	sweep     *time.Timer
}

// Store issues and verifies one-time registration challenges. At most one
// live challenge exists per (workerID, wallet) pair; issuing again replaces
// the prior one, and a successful verify consumes the challenge.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry

	ttl       time.Duration
	domain    chain.RegisterDomain
	fixedSalt string
	logger    *slog.Logger

	now func() time.Time
}

// Config holds challenge store settings.
type Config struct {
	TTL           time.Duration
	DomainName    string
	DomainVersion string
	ChainID       int64
	// FixedSalt pins the domain salt for all challenges. When empty a
	// fresh random salt is drawn per challenge.
	FixedSalt string
}

// NewStore creates a challenge store.
func NewStore(cfg Config, logger *slog.Logger) *Store {
	return &Store{
		entries: make(map[string]*entry),
		ttl:     cfg.TTL,
		domain: chain.RegisterDomain{
			Name:    cfg.DomainName,
			Version: cfg.DomainVersion,
			ChainID: cfg.ChainID,
		},
		fixedSalt: cfg.FixedSalt,
		logger:    logger,
		now:       time.Now,
	}
}

// Domain returns the registration domain parameters for a given salt.
func (s *Store) Domain(salt string) chain.RegisterDomain {
	d := s.domain
	d.Salt = salt
	return d
}

func challengeKey(workerID, wallet string) string {
	return workerID + "|" + wallet
}

func randomHex32() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return hexutil.Encode(buf), nil
}

// Issue creates a challenge for the pair, replacing any live one. The
// returned challenge carries everything the worker needs to sign.
func (s *Store) Issue(workerID, wallet string) (Challenge, error) {
	if workerID == "" || !chain.IsValidAddress(wallet) {
		return Challenge{}, domain.ErrInvalidWallet
	}
	wallet = chain.NormalizeAddress(wallet)

	nonce, err := randomHex32()
	if err != nil {
		return Challenge{}, err
	}
	salt := s.fixedSalt
	if salt == "" {
		if salt, err = randomHex32(); err != nil {
			return Challenge{}, err
		}
	}

	ch := Challenge{
		WorkerID: workerID,
		Wallet:   wallet,
		Nonce:    nonce,
		Salt:     salt,
		Expires:  s.now().Add(s.ttl),
	}

	key := challengeKey(workerID, wallet)

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.entries[key]; ok {
		prev.sweep.Stop()
	}
	s.entries[key] = &entry{
		challenge: ch,
		sweep: time.AfterFunc(s.ttl+sweepGrace, func() {
			s.expire(key, ch.Nonce)
		}),
	}

	s.logger.Debug("challenge issued",
		slog.String("worker_id", workerID),
		slog.String("wallet", wallet),
		slog.Time("expires", ch.Expires),
	)

	return ch, nil
}

// expire removes a challenge after its TTL. The nonce guards against
// sweeping a replacement issued under the same key.
func (s *Store) expire(key, nonce string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok && e.challenge.Nonce == nonce {
		delete(s.entries, key)
	}
}

// Verify checks a signed challenge response and consumes the challenge on
// success. The signed message is reconstructed from the stored challenge,
// so a client cannot stretch its own expiry.
func (s *Store) Verify(workerID, wallet, nonce, signature string) (domain.WorkerIdentity, error) {
	if nonce == "" || signature == "" {
		return domain.WorkerIdentity{}, domain.ErrMissingFields
	}
	if !chain.IsValidAddress(wallet) {
		return domain.WorkerIdentity{}, domain.ErrInvalidWallet
	}
	wallet = chain.NormalizeAddress(wallet)
	key := challengeKey(workerID, wallet)

	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return domain.WorkerIdentity{}, domain.ErrNoChallenge
	}
	ch := e.challenge
	if s.now().After(ch.Expires) {
		e.sweep.Stop()
		delete(s.entries, key)
		s.mu.Unlock()
		return domain.WorkerIdentity{}, domain.ErrChallengeExpired
	}
	s.mu.Unlock()

	if !strings.EqualFold(nonce, ch.Nonce) {
		return domain.WorkerIdentity{}, domain.ErrNonceMismatch
	}

	msg := chain.RegisterMessage{
		WorkerID: ch.WorkerID,
		Nonce:    ch.Nonce,
		Expires:  ch.Expires.Unix(),
	}
	signer, err := chain.RecoverRegisterSigner(s.Domain(ch.Salt), msg, signature)
	if err != nil {
		s.logger.Debug("signature recovery failed",
			slog.String("worker_id", workerID),
			slog.String("error", err.Error()),
		)
		return domain.WorkerIdentity{}, domain.ErrInvalidSignature
	}
	if chain.NormalizeAddress(signer.Hex()) != wallet {
		return domain.WorkerIdentity{}, domain.ErrInvalidSignature
	}

	s.mu.Lock()
	if cur, ok := s.entries[key]; ok && cur.challenge.Nonce == ch.Nonce {
		cur.sweep.Stop()
		delete(s.entries, key)
	}
	s.mu.Unlock()

	s.logger.Info("challenge verified",
		slog.String("worker_id", workerID),
		slog.String("wallet", wallet),
	)

	return domain.WorkerIdentity{WorkerID: workerID, WalletAddress: wallet}, nil
}

// Len reports the number of live challenges.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
