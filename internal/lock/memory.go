package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MemoryManager is a process-local Manager for tests and single-instance
// deployments without Redis. Leases expire by wall clock, matching the
// Redis TTL semantics.
type MemoryManager struct {
	mu     sync.Mutex
	leases map[string]*memoryLease
}

func NewMemoryManager() *MemoryManager {
	return &MemoryManager{leases: make(map[string]*memoryLease)}
}

func (m *MemoryManager) Acquire(ctx context.Context, treasuryID string, ttl time.Duration) (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.leases[treasuryID]; ok && time.Now().Before(existing.expiresAt) {
		return nil, ErrLeaseHeld
	}

	lease := &memoryLease{
		manager:    m,
		treasuryID: treasuryID,
		expiresAt:  time.Now().Add(ttl),
	}
	m.leases[treasuryID] = lease
	return lease, nil
}

type memoryLease struct {
	manager    *MemoryManager
	treasuryID string
	expiresAt  time.Time
	released   bool
}

func (l *memoryLease) Refresh(ctx context.Context, ttl time.Duration) error {
	l.manager.mu.Lock()
	defer l.manager.mu.Unlock()

	if l.released {
		return errors.New("lease already released")
	}
	if l.manager.leases[l.treasuryID] != l || time.Now().After(l.expiresAt) {
		return errors.New("lease expired or was taken over")
	}
	l.expiresAt = time.Now().Add(ttl)
	return nil
}

func (l *memoryLease) Release() {
	l.manager.mu.Lock()
	defer l.manager.mu.Unlock()

	if l.released {
		return
	}
	l.released = true
	if l.manager.leases[l.treasuryID] == l {
		delete(l.manager.leases, l.treasuryID)
	}
}

var _ Manager = (*MemoryManager)(nil)
