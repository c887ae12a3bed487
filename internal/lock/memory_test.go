package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryManager_SecondAcquireFails(t *testing.T) {
	manager := NewMemoryManager()
	ctx := context.Background()

	lease, err := manager.Acquire(ctx, "treasury-1", time.Minute)
	require.NoError(t, err)

	_, err = manager.Acquire(ctx, "treasury-1", time.Minute)
	assert.ErrorIs(t, err, ErrLeaseHeld)

	// A different treasury is unaffected.
	other, err := manager.Acquire(ctx, "treasury-2", time.Minute)
	require.NoError(t, err)
	other.Release()

	lease.Release()
	_, err = manager.Acquire(ctx, "treasury-1", time.Minute)
	assert.NoError(t, err, "lease is reacquirable after release")
}

func TestMemoryManager_ExpiredLeaseIsReacquirable(t *testing.T) {
	manager := NewMemoryManager()
	ctx := context.Background()

	stale, err := manager.Acquire(ctx, "treasury-1", time.Millisecond)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	fresh, err := manager.Acquire(ctx, "treasury-1", time.Minute)
	require.NoError(t, err, "an expired lease must not block new holders")

	assert.Error(t, stale.Refresh(ctx, time.Minute),
		"the superseded holder cannot refresh its way back in")
	fresh.Release()
}

func TestMemoryManager_RefreshExtendsLease(t *testing.T) {
	manager := NewMemoryManager()
	ctx := context.Background()

	lease, err := manager.Acquire(ctx, "treasury-1", 50*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, lease.Refresh(ctx, time.Minute))

	time.Sleep(60 * time.Millisecond)
	_, err = manager.Acquire(ctx, "treasury-1", time.Minute)
	assert.ErrorIs(t, err, ErrLeaseHeld, "refreshed lease outlives its original TTL")

	lease.Release()
	lease.Release() // Safe to call twice.
}
