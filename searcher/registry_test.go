package searcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func registryOpportunity(key common.Hash, deadline time.Time) *Opportunity {
	return &Opportunity{
		Key:        key,
		Type:       TypeArbitrage,
		Instrument: "WETH/USDC",
		Snapshots:  []SnapshotRef{{Venue: "venueA", Instrument: "WETH/USDC", Sequence: 1}},
		CreatedAt:  time.Now(),
		Deadline:   deadline,
		Gross:      1.0,
		Cost:       0.01,
	}
}

func testValuation(profit float64) *Valuation {
	return &Valuation{ExpectedProfit: profit, Confidence: 0.95, ComputedAt: time.Now()}
}

func TestRegistryLifecycle(t *testing.T) {
	ctx := context.Background()
	events := NewMemEventBackend()
	registry := NewRegistry(zap.NewNop(), events)
	key := common.HexToHash("0x01")
	opp := registryOpportunity(key, time.Now().Add(time.Minute))

	require.NoError(t, registry.SubmitCandidate(ctx, opp))

	state, ok := registry.Get(key)
	require.True(t, ok)
	require.Equal(t, StatusCandidate, state.Status)
	require.Equal(t, uint64(1), state.Version)

	require.NoError(t, registry.MarkValued(ctx, key, testValuation(0.9), state.Version))
	require.NoError(t, registry.Accept(ctx, key, opp.Cost, state.Version+1))
	require.NoError(t, registry.MarkBundled(ctx, key, state.Version+2))
	require.NoError(t, registry.MarkSubmitted(ctx, key, state.Version+3))
	require.NoError(t, registry.ResolveLanded(ctx, key))

	state, ok = registry.Get(key)
	require.True(t, ok)
	require.Equal(t, StatusLanded, state.Status)
	require.NotNil(t, state.Valuation)

	// every transition was published in order
	transitions := events.TransitionsFor(key)
	require.Len(t, transitions, 6)
	want := []string{"candidate", "valued", "accepted", "bundled", "submitted", "landed"}
	for i, ev := range transitions {
		require.Equal(t, want[i], ev.To)
	}
}

func TestRegistryDuplicate(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry(zap.NewNop(), nil)
	key := common.HexToHash("0x01")
	deadline := time.Now().Add(time.Minute)

	require.NoError(t, registry.SubmitCandidate(ctx, registryOpportunity(key, deadline)))
	require.ErrorIs(t, registry.SubmitCandidate(ctx, registryOpportunity(key, deadline)), ErrDuplicate)

	// a terminal entry is replaceable, the key may be pursued afresh
	require.NoError(t, registry.Reject(ctx, key, ReasonBelowThreshold))
	require.NoError(t, registry.SubmitCandidate(ctx, registryOpportunity(key, deadline)))

	state, ok := registry.Get(key)
	require.True(t, ok)
	require.Equal(t, StatusCandidate, state.Status)
	require.Equal(t, uint64(1), state.Version)
}

func TestRegistryConcurrentSubmit(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry(zap.NewNop(), nil)
	key := common.HexToHash("0x01")
	deadline := time.Now().Add(time.Minute)

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := registry.SubmitCandidate(ctx, registryOpportunity(key, deadline)); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, accepted)
}

func TestRegistryVersionConflict(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry(zap.NewNop(), nil)
	key := common.HexToHash("0x01")

	require.NoError(t, registry.SubmitCandidate(ctx, registryOpportunity(key, time.Now().Add(time.Minute))))
	require.NoError(t, registry.MarkValued(ctx, key, testValuation(0.9), 1))

	// the transition bumped the version, a caller still holding 1 lost the race
	require.ErrorIs(t, registry.MarkValued(ctx, key, testValuation(0.8), 1), ErrVersionConflict)
	require.NoError(t, registry.MarkValued(ctx, key, testValuation(0.8), 2))
}

func TestRegistryAcceptGate(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry(zap.NewNop(), nil)
	key := common.HexToHash("0x01")

	require.NoError(t, registry.SubmitCandidate(ctx, registryOpportunity(key, time.Now().Add(time.Minute))))

	// no valuation attached yet
	require.ErrorIs(t, registry.Accept(ctx, key, 0.01, 1), ErrNotValued)

	require.NoError(t, registry.MarkValued(ctx, key, testValuation(0.005), 1))
	require.ErrorIs(t, registry.Accept(ctx, key, 0.01, 2), ErrBelowThreshold)

	state, ok := registry.Get(key)
	require.True(t, ok)
	require.Equal(t, StatusRejected, state.Status)
	require.Equal(t, ReasonBelowThreshold, state.Reason)
}

func TestRegistryDeadlineWins(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry(zap.NewNop(), nil)
	key := common.HexToHash("0x01")

	now := time.Now()
	registry.now = func() time.Time { return now }

	opp := registryOpportunity(key, now.Add(time.Second))
	require.NoError(t, registry.SubmitCandidate(ctx, opp))
	require.NoError(t, registry.MarkValued(ctx, key, testValuation(0.9), 1))
	require.NoError(t, registry.Accept(ctx, key, opp.Cost, 2))
	require.NoError(t, registry.MarkBundled(ctx, key, 3))

	// the deadline passes between bundling and submission
	now = now.Add(2 * time.Second)
	require.ErrorIs(t, registry.MarkSubmitted(ctx, key, 4), ErrExpired)

	state, ok := registry.Get(key)
	require.True(t, ok)
	require.Equal(t, StatusExpired, state.Status)
	require.Equal(t, ReasonExpired, state.Reason)
}

func TestRegistrySubmitExpiredCandidate(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry(zap.NewNop(), nil)
	key := common.HexToHash("0x01")

	err := registry.SubmitCandidate(ctx, registryOpportunity(key, time.Now().Add(-time.Second)))
	require.ErrorIs(t, err, ErrExpired)
	_, ok := registry.Get(key)
	require.False(t, ok)
}

func TestRegistryTerminalIsFinal(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry(zap.NewNop(), nil)
	key := common.HexToHash("0x01")

	require.NoError(t, registry.SubmitCandidate(ctx, registryOpportunity(key, time.Now().Add(time.Minute))))
	require.NoError(t, registry.Reject(ctx, key, ReasonBelowThreshold))

	require.ErrorIs(t, registry.Reject(ctx, key, ReasonExpired), ErrAlreadyTerminal)
	require.ErrorIs(t, registry.Expire(ctx, key), ErrAlreadyTerminal)
	require.ErrorIs(t, registry.MarkValued(ctx, key, testValuation(0.9), 2), ErrAlreadyTerminal)

	state, ok := registry.Get(key)
	require.True(t, ok)
	require.Equal(t, StatusRejected, state.Status)
	require.Equal(t, ReasonBelowThreshold, state.Reason)
}

func TestRegistryUnknownKey(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry(zap.NewNop(), nil)
	key := common.HexToHash("0x01")

	_, ok := registry.Get(key)
	require.False(t, ok)
	require.ErrorIs(t, registry.MarkValued(ctx, key, testValuation(0.9), 1), ErrUnknownOpportunity)
	require.ErrorIs(t, registry.Expire(ctx, key), ErrUnknownOpportunity)
}

func TestRegistryExpireDue(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry(zap.NewNop(), nil)

	now := time.Now()
	registry.now = func() time.Time { return now }

	due := common.HexToHash("0x01")
	live := common.HexToHash("0x02")
	require.NoError(t, registry.SubmitCandidate(ctx, registryOpportunity(due, now.Add(time.Second))))
	require.NoError(t, registry.SubmitCandidate(ctx, registryOpportunity(live, now.Add(time.Minute))))

	require.Equal(t, 0, registry.ExpireDue(ctx, now))

	now = now.Add(2 * time.Second)
	require.Equal(t, 1, registry.ExpireDue(ctx, now))

	state, _ := registry.Get(due)
	require.Equal(t, StatusExpired, state.Status)
	state, _ = registry.Get(live)
	require.Equal(t, StatusCandidate, state.Status)
}

func TestRegistryRefreshValuation(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry(zap.NewNop(), nil)
	key := common.HexToHash("0x01")
	opp := registryOpportunity(key, time.Now().Add(time.Minute))

	require.NoError(t, registry.SubmitCandidate(ctx, opp))
	require.NoError(t, registry.MarkValued(ctx, key, testValuation(0.9), 1))
	require.NoError(t, registry.Accept(ctx, key, opp.Cost, 2))

	// refresh keeps the status but swaps the valuation and bumps the version
	require.NoError(t, registry.RefreshValuation(ctx, key, testValuation(0.7), 3))

	state, ok := registry.Get(key)
	require.True(t, ok)
	require.Equal(t, StatusAccepted, state.Status)
	require.Equal(t, uint64(4), state.Version)
	require.Equal(t, 0.7, state.Valuation.ExpectedProfit)

	// refusing outside Accepted
	require.NoError(t, registry.MarkBundled(ctx, key, 4))
	require.ErrorIs(t, registry.RefreshValuation(ctx, key, testValuation(0.6), 5), ErrInvalidTransition)
}
