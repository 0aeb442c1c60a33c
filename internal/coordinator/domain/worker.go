package domain

import "time"

// WorkerRecord tracks a known worker. Records are created on first
// successful registration and refreshed on every heartbeat; they are never
// deleted automatically, liveness is inferred from LastSeenAt staleness.
type WorkerRecord struct {
	ID            string    `db:"id"`
	OrgID         string    `db:"org_id"`
	WalletAddress string    `db:"wallet_address"`
	Concurrency   int       `db:"concurrency"`
	RunningCount  int       `db:"running_count"`
	LastSeenAt    time.Time `db:"last_seen_at"`
	CreatedAt     time.Time `db:"created_at"`
}

// WorkerIdentity is the outcome of a verified registration challenge.
type WorkerIdentity struct {
	WorkerID      string
	WalletAddress string
}
