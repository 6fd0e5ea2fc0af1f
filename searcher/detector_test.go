package searcher

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testVenues() *VenueSet {
	return NewVenueSet([]Venue{
		{Name: "venueA", Kind: VenueKindAMM, TakerFeeBps: 10},
		{Name: "venueB", Kind: VenueKindAMM, TakerFeeBps: 10},
		{Name: "lendingA", Kind: VenueKindLending},
	})
}

func TestArbitrageDetector(t *testing.T) {
	cache := NewMarketCache(zap.NewNop(), time.Minute)
	detector := NewArbitrageDetector(zap.NewNop(), cache, testVenues(), DefaultDetectorConfig)
	now := time.Now()

	cheap := poolSnapshot("venueA", "WETH/USDC", 1, 100)
	require.NoError(t, cache.Update(cheap, false))

	// a single quote cannot arbitrage
	require.Empty(t, detector.Evaluate(cheap, now))

	rich := poolSnapshot("venueB", "WETH/USDC", 1, 100.5)
	require.NoError(t, cache.Update(rich, false))

	opps := detector.Evaluate(rich, now)
	require.Len(t, opps, 1)
	opp := opps[0]

	require.Equal(t, TypeArbitrage, opp.Type)
	require.Equal(t, VenueID("venueA"), opp.BuyVenue)
	require.Equal(t, VenueID("venueB"), opp.SellVenue)
	require.Len(t, opp.Snapshots, 2)
	require.False(t, opp.HighUncertainty)
	// spread = 100.5*(1-0.001) - 100*(1+0.001), size capped at TradeSize
	require.InDelta(t, 0.2995, opp.Gross, 1e-9)
	require.Equal(t, 1.0, opp.Size)
	require.Equal(t, now.Add(DefaultDetectorConfig.OpportunityTTL), opp.Deadline)

	// a re-detection of the same pair produces the same key
	require.Equal(t, opp.Key, detector.Evaluate(cheap, now.Add(time.Second))[0].Key)

	// pricing the fresh candidate with no competitors yields roughly the
	// spread minus execution cost, with high confidence
	engine := NewEngine(zap.NewNop(), DefaultEngineConfig)
	v, err := engine.ValueAt(opp, 7, now)
	require.NoError(t, err)
	require.Equal(t, 0.0, v.CompetitionProbability)
	require.InDelta(t, 0.2995-DefaultDetectorConfig.ExecutionCost, v.ExpectedProfit, 0.02)
	require.Greater(t, v.Confidence, 0.9)
}

func TestArbitrageDetectorBelowMinSpread(t *testing.T) {
	cache := NewMarketCache(zap.NewNop(), time.Minute)
	detector := NewArbitrageDetector(zap.NewNop(), cache, testVenues(), DefaultDetectorConfig)

	a := poolSnapshot("venueA", "WETH/USDC", 1, 100)
	b := poolSnapshot("venueB", "WETH/USDC", 1, 100.01)
	require.NoError(t, cache.Update(a, false))
	require.NoError(t, cache.Update(b, false))

	require.Empty(t, detector.Evaluate(b, time.Now()))
}

func TestLiquidationDetector(t *testing.T) {
	detector := NewLiquidationDetector(zap.NewNop(), DefaultDetectorConfig)
	now := time.Now()

	snapshot := func(collateral, debt, threshold float64) *MarketSnapshot {
		return &MarketSnapshot{
			Venue:      "lendingA",
			Instrument: "WETH/USDC",
			Sequence:   1,
			ObservedAt: now,
			LendingPosition: &LendingPosition{
				PositionID:           "pos-1",
				CollateralValue:      collateral,
				DebtValue:            debt,
				LiquidationThreshold: threshold,
				LiquidationBonus:     0.05,
			},
		}
	}

	// healthy position, ratio 1.5 >= threshold 1.2
	require.Empty(t, detector.Evaluate(snapshot(150, 100, 1.2), now))
	// ratio exactly at the threshold is still healthy
	require.Empty(t, detector.Evaluate(snapshot(120, 100, 1.2), now))
	// no debt, nothing to liquidate
	require.Empty(t, detector.Evaluate(snapshot(150, 0, 1.2), now))

	opps := detector.Evaluate(snapshot(110, 100, 1.2), now)
	require.Len(t, opps, 1)
	opp := opps[0]
	require.Equal(t, TypeLiquidation, opp.Type)
	require.InDelta(t, 100*0.05, opp.Gross, 1e-9)
	require.Equal(t, "pos-1", opp.Position.PositionID)

	// the key carries the position id, so a re-detection of the same
	// position before resolution dedupes in the registry
	other := detector.Evaluate(snapshot(110, 100, 1.2), now)[0]
	require.Equal(t, opp.Key, other.Key)

	registry := NewRegistry(zap.NewNop(), nil)
	require.NoError(t, registry.SubmitCandidate(context.Background(), opp))
	require.ErrorIs(t, registry.SubmitCandidate(context.Background(), other), ErrDuplicate)
}

func TestSandwichDetector(t *testing.T) {
	cache := NewMarketCache(zap.NewNop(), time.Minute)
	detector := NewSandwichDetector(zap.NewNop(), cache, testVenues(), DefaultDetectorConfig)
	now := time.Now()

	pending := &MarketSnapshot{
		Venue:      "venueA",
		Instrument: "WETH/USDC",
		Sequence:   5,
		ObservedAt: now,
		PendingTrade: &PendingTrade{
			TxHash: common.HexToHash("0xbeef"),
			IsBuy:  true,
			Size:   500,
		},
	}

	// without a pool snapshot the detector skips
	require.Empty(t, detector.Evaluate(pending, now))

	pool := poolSnapshot("venueA", "WETH/USDC", 2, 100)
	pool.PoolState.Liquidity = 10000
	require.NoError(t, cache.Update(pool, false))

	opps := detector.Evaluate(pending, now)
	require.Len(t, opps, 1)
	opp := opps[0]
	require.Equal(t, TypeSandwich, opp.Type)
	require.True(t, opp.HighUncertainty)
	require.Equal(t, 2*DefaultDetectorConfig.ExecutionCost, opp.Cost)
	require.Equal(t, 500*DefaultDetectorConfig.FrontRunFraction, opp.Size)
	require.Equal(t, pending.PendingTrade.TxHash, opp.Pending.TxHash)
	// impact 500/10000, front size 250, two swap fees
	require.InDelta(t, 100*0.05*250*(1-2*0.001), opp.Gross, 1e-9)
	require.Len(t, opp.Snapshots, 2)
}

func TestSandwichDetectorSmallTrade(t *testing.T) {
	cache := NewMarketCache(zap.NewNop(), time.Minute)
	detector := NewSandwichDetector(zap.NewNop(), cache, testVenues(), DefaultDetectorConfig)
	now := time.Now()

	require.NoError(t, cache.Update(poolSnapshot("venueA", "WETH/USDC", 1, 100), false))

	small := &MarketSnapshot{
		Venue:      "venueA",
		Instrument: "WETH/USDC",
		Sequence:   hexutil.Uint64(2),
		ObservedAt: now,
		PendingTrade: &PendingTrade{
			TxHash: common.HexToHash("0xbeef"),
			Size:   DefaultDetectorConfig.MinPendingTradeSize - 1,
		},
	}
	require.Empty(t, detector.Evaluate(small, now))
}
