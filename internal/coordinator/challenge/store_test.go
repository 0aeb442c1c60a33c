package challenge

import (
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stakework/gridpool/internal/coordinator/domain"
	"github.com/stakework/gridpool/shared/chain"
)

func newTestStore(t *testing.T, ttl time.Duration) *Store {
	t.Helper()
	return NewStore(Config{
		TTL:           ttl,
		DomainName:    "GridPool",
		DomainVersion: "1",
		ChainID:       31337,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func signChallenge(t *testing.T, s *Store, acct *chain.Account, ch Challenge) string {
	t.Helper()
	sig, err := acct.SignRegister(s.Domain(ch.Salt), chain.RegisterMessage{
		WorkerID: ch.WorkerID,
		Nonce:    ch.Nonce,
		Expires:  ch.Expires.Unix(),
	})
	require.NoError(t, err)
	return sig
}

func TestStore_IssueAndVerify(t *testing.T) {
	s := newTestStore(t, time.Minute)
	acct, err := chain.GenerateAccount()
	require.NoError(t, err)

	ch, err := s.Issue("worker-1", acct.Address())
	require.NoError(t, err)
	assert.Len(t, ch.Nonce, 66)
	assert.Len(t, ch.Salt, 66)
	assert.Equal(t, chain.NormalizeAddress(acct.Address()), ch.Wallet)

	sig := signChallenge(t, s, acct, ch)

	id, err := s.Verify("worker-1", acct.Address(), ch.Nonce, sig)
	require.NoError(t, err)
	assert.Equal(t, "worker-1", id.WorkerID)
	assert.Equal(t, ch.Wallet, id.WalletAddress)
	assert.Equal(t, 0, s.Len())
}

func TestStore_ChallengeIsSingleUse(t *testing.T) {
	s := newTestStore(t, time.Minute)
	acct, err := chain.GenerateAccount()
	require.NoError(t, err)

	ch, err := s.Issue("worker-1", acct.Address())
	require.NoError(t, err)
	sig := signChallenge(t, s, acct, ch)

	_, err = s.Verify("worker-1", acct.Address(), ch.Nonce, sig)
	require.NoError(t, err)

	// Replaying the exact same valid response must fail
	_, err = s.Verify("worker-1", acct.Address(), ch.Nonce, sig)
	assert.ErrorIs(t, err, domain.ErrNoChallenge)
}

func TestStore_ReissueReplacesPriorChallenge(t *testing.T) {
	s := newTestStore(t, time.Minute)
	acct, err := chain.GenerateAccount()
	require.NoError(t, err)

	first, err := s.Issue("worker-1", acct.Address())
	require.NoError(t, err)
	second, err := s.Issue("worker-1", acct.Address())
	require.NoError(t, err)
	require.NotEqual(t, first.Nonce, second.Nonce)
	assert.Equal(t, 1, s.Len())

	// Only the latest challenge is honored
	sig := signChallenge(t, s, acct, first)
	_, err = s.Verify("worker-1", acct.Address(), first.Nonce, sig)
	assert.ErrorIs(t, err, domain.ErrNonceMismatch)

	sig = signChallenge(t, s, acct, second)
	_, err = s.Verify("worker-1", acct.Address(), second.Nonce, sig)
	require.NoError(t, err)
}

func TestStore_ExpiredChallengeRejected(t *testing.T) {
	s := newTestStore(t, time.Minute)
	acct, err := chain.GenerateAccount()
	require.NoError(t, err)

	ch, err := s.Issue("worker-1", acct.Address())
	require.NoError(t, err)
	sig := signChallenge(t, s, acct, ch)

	s.now = func() time.Time { return ch.Expires.Add(time.Second) }

	_, err = s.Verify("worker-1", acct.Address(), ch.Nonce, sig)
	assert.ErrorIs(t, err, domain.ErrChallengeExpired)

	// The expired challenge is gone, not retryable
	_, err = s.Verify("worker-1", acct.Address(), ch.Nonce, sig)
	assert.ErrorIs(t, err, domain.ErrNoChallenge)
}

func TestStore_ForgedExpiryDoesNotVerify(t *testing.T) {
	s := newTestStore(t, time.Minute)
	acct, err := chain.GenerateAccount()
	require.NoError(t, err)

	ch, err := s.Issue("worker-1", acct.Address())
	require.NoError(t, err)

	// Sign with a stretched expiry. The store reconstructs the message
	// from its own record, so the signature no longer matches.
	sig, err := acct.SignRegister(s.Domain(ch.Salt), chain.RegisterMessage{
		WorkerID: ch.WorkerID,
		Nonce:    ch.Nonce,
		Expires:  ch.Expires.Add(24 * time.Hour).Unix(),
	})
	require.NoError(t, err)

	_, err = s.Verify("worker-1", acct.Address(), ch.Nonce, sig)
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)
}

func TestStore_WrongKeyRejected(t *testing.T) {
	s := newTestStore(t, time.Minute)
	acct, err := chain.GenerateAccount()
	require.NoError(t, err)
	other, err := chain.GenerateAccount()
	require.NoError(t, err)

	ch, err := s.Issue("worker-1", acct.Address())
	require.NoError(t, err)
	sig := signChallenge(t, s, other, ch)

	_, err = s.Verify("worker-1", acct.Address(), ch.Nonce, sig)
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)
}

func TestStore_Verify_InputErrors(t *testing.T) {
	s := newTestStore(t, time.Minute)
	acct, err := chain.GenerateAccount()
	require.NoError(t, err)

	ch, err := s.Issue("worker-1", acct.Address())
	require.NoError(t, err)
	sig := signChallenge(t, s, acct, ch)

	tests := []struct {
		name      string
		workerID  string
		wallet    string
		nonce     string
		signature string
		wantErr   error
	}{
		{
			name:      "missing nonce",
			workerID:  "worker-1",
			wallet:    acct.Address(),
			nonce:     "",
			signature: sig,
			wantErr:   domain.ErrMissingFields,
		},
		{
			name:     "missing signature",
			workerID: "worker-1",
			wallet:   acct.Address(),
			nonce:    ch.Nonce,
			wantErr:  domain.ErrMissingFields,
		},
		{
			name:      "malformed wallet",
			workerID:  "worker-1",
			wallet:    "not-an-address",
			nonce:     ch.Nonce,
			signature: sig,
			wantErr:   domain.ErrInvalidWallet,
		},
		{
			name:      "unknown worker",
			workerID:  "worker-2",
			wallet:    acct.Address(),
			nonce:     ch.Nonce,
			signature: sig,
			wantErr:   domain.ErrNoChallenge,
		},
		{
			name:      "nonce mismatch",
			workerID:  "worker-1",
			wallet:    acct.Address(),
			nonce:     "0x" + strings.Repeat("ab", 32),
			signature: sig,
			wantErr:   domain.ErrNonceMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Verify(tt.workerID, tt.wallet, tt.nonce, tt.signature)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestStore_Issue_InvalidInput(t *testing.T) {
	s := newTestStore(t, time.Minute)

	_, err := s.Issue("", "0x0000000000000000000000000000000000000001")
	assert.ErrorIs(t, err, domain.ErrInvalidWallet)

	_, err = s.Issue("worker-1", "bogus")
	assert.ErrorIs(t, err, domain.ErrInvalidWallet)
}

func TestStore_FixedSalt(t *testing.T) {
	salt := "0x" + "11223344556677889900aabbccddeeff11223344556677889900aabbccddeeff"
	s := NewStore(Config{
		TTL:           time.Minute,
		DomainName:    "GridPool",
		DomainVersion: "1",
		ChainID:       31337,
		FixedSalt:     salt,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	acct, err := chain.GenerateAccount()
	require.NoError(t, err)

	ch, err := s.Issue("worker-1", acct.Address())
	require.NoError(t, err)
	assert.Equal(t, salt, ch.Salt)

	sig := signChallenge(t, s, acct, ch)
	_, err = s.Verify("worker-1", acct.Address(), ch.Nonce, sig)
	require.NoError(t, err)
}

func TestStore_BackgroundSweep(t *testing.T) {
	s := newTestStore(t, 10*time.Millisecond)
	acct, err := chain.GenerateAccount()
	require.NoError(t, err)

	_, err = s.Issue("worker-1", acct.Address())
	require.NoError(t, err)
	require.Equal(t, 1, s.Len())

	assert.Eventually(t, func() bool {
		return s.Len() == 0
	}, 3*time.Second, 20*time.Millisecond)
}
