package searcher

import (
	"time"

	"go.uber.org/zap"
)

// maxPriceImpact caps the modeled impact of the target trade, deeper
// impacts are treated as quote noise.
const maxPriceImpact = 0.1

// SandwichDetector emits a front-run/back-run candidate around a pending
// large trade seen in an order-book or mempool snapshot. Candidates are
// flagged high-uncertainty so the valuation engine samples wider slippage.
type SandwichDetector struct {
	log    *zap.Logger
	cache  *MarketCache
	venues *VenueSet
	cfg    DetectorConfig
}

func NewSandwichDetector(log *zap.Logger, cache *MarketCache, venues *VenueSet, cfg DetectorConfig) *SandwichDetector {
	return &SandwichDetector{
		log:    log.Named("detector_sandwich"),
		cache:  cache,
		venues: venues,
		cfg:    cfg,
	}
}

func (d *SandwichDetector) Name() string { return string(TypeSandwich) }

func (d *SandwichDetector) Evaluate(snapshot *MarketSnapshot, now time.Time) []*Opportunity {
	pending := snapshot.PendingTrade
	if pending == nil || pending.Size < d.cfg.MinPendingTradeSize {
		return nil
	}

	// the pool the target trade will move, preferring the venue the trade
	// was seen on; without a pool snapshot the detector skips and
	// re-attempts on the next update
	pool := d.poolFor(snapshot.Venue, snapshot.Instrument)
	if pool == nil {
		return nil
	}

	impact := clamp(pending.Size/pool.PoolState.Liquidity, 0, maxPriceImpact)
	if impact <= 0 {
		return nil
	}
	frontSize := pending.Size * d.cfg.FrontRunFraction
	gross := pool.PoolState.Price * impact * frontSize * (1 - 2*d.venues.Fee(pool.Venue))
	if gross <= 0 {
		return nil
	}

	key := opportunityKey(TypeSandwich, []VenueID{snapshot.Venue, pool.Venue}, snapshot.Instrument, pending.TxHash.Hex())
	d.log.Debug("sandwich candidate",
		zap.String("key", key.Hex()),
		zap.String("target_tx", pending.TxHash.Hex()),
		zap.Float64("target_size", pending.Size),
		zap.Float64("price_impact", impact),
	)

	pendingCopy := *pending
	return []*Opportunity{{
		Key:        key,
		Type:       TypeSandwich,
		Instrument: snapshot.Instrument,
		Snapshots: []SnapshotRef{
			{Venue: snapshot.Venue, Instrument: snapshot.Instrument, Sequence: snapshot.Sequence},
			{Venue: pool.Venue, Instrument: pool.Instrument, Sequence: pool.Sequence},
		},
		CreatedAt:       now,
		Deadline:        now.Add(d.cfg.OpportunityTTL),
		Gross:           gross,
		Cost:            2 * d.cfg.ExecutionCost, // two authored legs
		Size:            frontSize,
		HighUncertainty: true,
		Venue:           pool.Venue,
		Pending:         &pendingCopy,
	}}
}

func (d *SandwichDetector) poolFor(venue VenueID, instrument InstrumentID) *MarketSnapshot {
	var fallback *MarketSnapshot
	for _, s := range d.cache.Instrument(instrument) {
		if s.PoolState == nil {
			continue
		}
		if s.Venue == venue {
			return s
		}
		if fallback == nil {
			fallback = s
		}
	}
	return fallback
}
