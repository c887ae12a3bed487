// Package lock provides the per-treasury execution lease. At most one
// executor may move a treasury's funds at a time, across every running
// engine instance.
package lock

import (
	"context"
	"errors"
	"time"
)

// ErrLeaseHeld is returned when another holder already owns the lease.
var ErrLeaseHeld = errors.New("execution lease already held")

// Manager hands out time-bounded leases keyed by treasury ID. A lease that
// is not refreshed expires on its own, so a crashed executor can never
// strand a treasury.
type Manager interface {
	// Acquire obtains the lease for a treasury or returns ErrLeaseHeld.
	Acquire(ctx context.Context, treasuryID string, ttl time.Duration) (Lease, error)
}

// Lease is one held execution lease.
type Lease interface {
	// Refresh extends the lease TTL. Fails if the lease has expired or was
	// taken over by another holder.
	Refresh(ctx context.Context, ttl time.Duration) error
	// Release frees the lease. Safe to call more than once.
	Release()
}
