package protocols

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/webspoilt/yieldroute/internal/logger"
	"github.com/webspoilt/yieldroute/internal/types"
)

// Adapter is the uniform capability every yield source exposes to the
// engine. Snapshot is read-only and must never mutate protocol state.
// Deposit and Withdraw move treasury funds through the external signer and
// block until the transaction settles or fails, bounded by ctx.
type Adapter interface {
	// Name returns the protocol identifier (e.g., "aave-v3").
	Name() string

	// Snapshot returns current yield/liquidity/risk data for the protocol.
	// Fails with OracleUnavailable if the data source cannot be reached
	// within the bounded timeout.
	Snapshot(ctx context.Context) (types.ProtocolSnapshot, error)

	// Deposit supplies amountUSD from the wallet into the protocol.
	Deposit(ctx context.Context, requestID, wallet string, amountUSD float64) (*types.TxResult, error)

	// Withdraw releases amountUSD from the protocol back to the wallet.
	Withdraw(ctx context.Context, requestID, wallet string, amountUSD float64) (*types.TxResult, error)

	// PollPending checks a PENDING result by its handle.
	PollPending(ctx context.Context, handle string) (*types.TxResult, error)

	// DeterministicRequests reports whether the adapter honors the caller's
	// request ID as an idempotency key. When false, the executor must run a
	// compensating balance check before any resubmission.
	DeterministicRequests() bool
}

var setLogger = logger.GetForComponent("adapter_set")

// ErrUnknownProtocol is returned when a plan references a protocol no
// adapter is registered for.
var ErrUnknownProtocol = errors.New("unknown protocol")

// Set is the registry of configured adapters, one per yield source.
type Set struct {
	adapters map[string]Adapter
}

// NewSet builds a registry from the given adapters. Duplicate names are a
// configuration error.
func NewSet(adapters ...Adapter) (*Set, error) {
	if len(adapters) == 0 {
		return nil, errors.New("at least one protocol adapter is required")
	}
	m := make(map[string]Adapter, len(adapters))
	for _, a := range adapters {
		if a.Name() == "" {
			return nil, errors.New("adapter name cannot be empty")
		}
		if _, exists := m[a.Name()]; exists {
			return nil, fmt.Errorf("duplicate adapter registered for protocol %s", a.Name())
		}
		m[a.Name()] = a
	}
	return &Set{adapters: m}, nil
}

// Get returns the adapter for a protocol.
func (s *Set) Get(protocol string) (Adapter, error) {
	a, ok := s.adapters[protocol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProtocol, protocol)
	}
	return a, nil
}

// Names returns the registered protocol names in stable order.
func (s *Set) Names() []string {
	names := make([]string, 0, len(s.adapters))
	for name := range s.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SnapshotAll fetches snapshots for every registered protocol concurrently.
// Snapshots are independent read-only calls, so one slow or unreachable
// protocol only removes itself from this cycle's candidates. Fails with
// OracleUnavailable only when no protocol could be snapshotted at all.
func (s *Set) SnapshotAll(ctx context.Context) (map[string]types.ProtocolSnapshot, error) {
	var g errgroup.Group
	results := make([]types.ProtocolSnapshot, len(s.adapters))
	ok := make([]bool, len(s.adapters))

	names := s.Names()
	for i, name := range names {
		adapter := s.adapters[name]
		g.Go(func() error {
			snap, err := adapter.Snapshot(ctx)
			if err != nil {
				setLogger.Warn().Err(err).Str("protocol", adapter.Name()).Msg("Snapshot failed, excluding protocol from this cycle")
				return nil
			}
			results[i] = snap
			ok[i] = true
			return nil
		})
	}
	// Goroutines only record into their own slot; Wait cannot fail.
	_ = g.Wait()

	snapshots := make(map[string]types.ProtocolSnapshot, len(results))
	for i := range results {
		if ok[i] {
			snapshots[names[i]] = results[i]
		}
	}
	if len(snapshots) == 0 {
		return nil, errors.Join(types.ErrOracleUnavailable, errors.New("no protocol snapshots available"))
	}
	return snapshots, nil
}
