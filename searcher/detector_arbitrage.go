package searcher

import (
	"math"
	"time"

	"go.uber.org/zap"
)

// ArbitrageDetector compares fee-adjusted effective rates of every venue
// pair quoting the changed instrument and emits at most one candidate, for
// the pair with the largest spread.
type ArbitrageDetector struct {
	log    *zap.Logger
	cache  *MarketCache
	venues *VenueSet
	cfg    DetectorConfig
}

func NewArbitrageDetector(log *zap.Logger, cache *MarketCache, venues *VenueSet, cfg DetectorConfig) *ArbitrageDetector {
	return &ArbitrageDetector{
		log:    log.Named("detector_arbitrage"),
		cache:  cache,
		venues: venues,
		cfg:    cfg,
	}
}

func (d *ArbitrageDetector) Name() string { return string(TypeArbitrage) }

func (d *ArbitrageDetector) Evaluate(snapshot *MarketSnapshot, now time.Time) []*Opportunity {
	if snapshot.PoolState == nil {
		return nil
	}

	quotes := make([]*MarketSnapshot, 0, 4)
	for _, s := range d.cache.Instrument(snapshot.Instrument) {
		if s.PoolState != nil {
			quotes = append(quotes, s)
		}
	}
	// needs the instrument on at least two venues
	if len(quotes) < 2 {
		return nil
	}

	var (
		bestSpread    float64
		bestBuy       *MarketSnapshot
		bestSell      *MarketSnapshot
		bestBuyPrice  float64
		bestSellPrice float64
	)
	for _, buy := range quotes {
		buyEff := buy.PoolState.Price * (1 + d.venues.Fee(buy.Venue))
		for _, sell := range quotes {
			if sell.Venue == buy.Venue {
				continue
			}
			sellEff := sell.PoolState.Price * (1 - d.venues.Fee(sell.Venue))
			spread := sellEff - buyEff
			if spread > bestSpread {
				bestSpread = spread
				bestBuy, bestSell = buy, sell
				bestBuyPrice, bestSellPrice = buyEff, sellEff
			}
		}
	}
	if bestBuy == nil || bestSpread <= d.cfg.MinSpread {
		return nil
	}

	size := math.Min(d.cfg.TradeSize, math.Min(bestBuy.PoolState.Liquidity, bestSell.PoolState.Liquidity))
	if size <= 0 {
		return nil
	}

	key := opportunityKey(TypeArbitrage, []VenueID{bestBuy.Venue, bestSell.Venue}, snapshot.Instrument, "")
	d.log.Debug("arbitrage candidate",
		zap.String("key", key.Hex()),
		zap.String("instrument", string(snapshot.Instrument)),
		zap.String("buy_venue", string(bestBuy.Venue)),
		zap.String("sell_venue", string(bestSell.Venue)),
		zap.Float64("spread", bestSpread),
	)

	return []*Opportunity{{
		Key:        key,
		Type:       TypeArbitrage,
		Instrument: snapshot.Instrument,
		Snapshots: []SnapshotRef{
			{Venue: bestBuy.Venue, Instrument: bestBuy.Instrument, Sequence: bestBuy.Sequence},
			{Venue: bestSell.Venue, Instrument: bestSell.Instrument, Sequence: bestSell.Sequence},
		},
		CreatedAt: now,
		Deadline:  now.Add(d.cfg.OpportunityTTL),
		Gross:     bestSpread * size,
		Cost:      d.cfg.ExecutionCost,
		Size:      size,
		BuyVenue:  bestBuy.Venue,
		SellVenue: bestSell.Venue,
		BuyPrice:  bestBuyPrice,
		SellPrice: bestSellPrice,
	}}
}
