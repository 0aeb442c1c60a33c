package domain

import "errors"

// Registration auth errors. These always reject registration and never
// partially admit.
var (
	// ErrNoChallenge is returned when no live challenge exists for the
	// (workerId, wallet) pair, including after a challenge was consumed.
	ErrNoChallenge = errors.New("no challenge issued")

	// ErrMissingFields is returned when nonce, expiry, or signature is absent.
	ErrMissingFields = errors.New("nonce, expires, and signature are required")

	// ErrChallengeExpired is returned when the challenge is past its expiry.
	ErrChallengeExpired = errors.New("challenge expired")

	// ErrNonceMismatch is returned when the supplied nonce does not match
	// the stored one.
	ErrNonceMismatch = errors.New("nonce mismatch")

	// ErrInvalidSignature is returned when signature recovery does not
	// yield the claimed wallet address.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrInvalidWallet is returned for a malformed account address.
	ErrInvalidWallet = errors.New("invalid wallet address")
)

// Admission errors. The challenge is consumed before admission runs, so a
// rejected admission still burns the one-time challenge.
var (
	// ErrInsufficientStake is returned when the wallet's stake is below the
	// configured minimum.
	ErrInsufficientStake = errors.New("insufficient stake")

	// ErrStakeCheckUnavailable is returned when the stake verifier cannot be
	// reached. Treated as reject-safe, not fail-open.
	ErrStakeCheckUnavailable = errors.New("stake check unavailable")
)

var (
	// ErrJobNotFound is returned when a job cannot be found.
	ErrJobNotFound = errors.New("job not found")

	// ErrWorkerNotFound is returned when a worker is unknown to the registry.
	ErrWorkerNotFound = errors.New("worker not found")

	// ErrInvalidWindow is returned when killAt is not after startAt.
	ErrInvalidWindow = errors.New("killAt must be after startAt")

	// ErrPayloadMissing is returned when the submitted payload object
	// cannot be found in the object store.
	ErrPayloadMissing = errors.New("payload object not found")
)

// IsAuthError reports whether err belongs to the registration auth taxonomy.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrNoChallenge) ||
		errors.Is(err, ErrMissingFields) ||
		errors.Is(err, ErrChallengeExpired) ||
		errors.Is(err, ErrNonceMismatch) ||
		errors.Is(err, ErrInvalidSignature) ||
		errors.Is(err, ErrInvalidWallet)
}

// IsAdmissionError reports whether err belongs to the admission taxonomy.
func IsAdmissionError(err error) bool {
	return errors.Is(err, ErrInsufficientStake) ||
		errors.Is(err, ErrStakeCheckUnavailable)
}
