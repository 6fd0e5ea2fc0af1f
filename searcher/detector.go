package searcher

import (
	"time"

	"go.uber.org/zap"
)

// DetectorConfig holds the thresholds shared by the detector set.
type DetectorConfig struct {
	// MinSpread is the minimum fee-adjusted per-unit spread an arbitrage
	// candidate must clear.
	MinSpread float64
	// TradeSize is the default arbitrage leg size, capped by venue
	// liquidity.
	TradeSize float64
	// MinPendingTradeSize is the smallest pending trade worth
	// sandwiching.
	MinPendingTradeSize float64
	// FrontRunFraction sizes the front-run leg relative to the target
	// trade.
	FrontRunFraction float64
	// ExecutionCost is the estimated network fee of landing one bundle.
	ExecutionCost float64
	// OpportunityTTL is the expiry budget of a fresh candidate.
	OpportunityTTL time.Duration
}

var DefaultDetectorConfig = DetectorConfig{
	MinSpread:           0.05,
	TradeSize:           1.0,
	MinPendingTradeSize: 100.0,
	FrontRunFraction:    0.5,
	ExecutionCost:       0.01,
	OpportunityTTL:      DefaultOpportunityTTL,
}

// Detector turns a changed snapshot into zero or more candidate
// opportunities. A detector that cannot evaluate because dependent
// snapshots are missing returns nothing and is re-attempted on the next
// relevant update, it never fails the pipeline.
type Detector interface {
	Name() string
	Evaluate(snapshot *MarketSnapshot, now time.Time) []*Opportunity
}

// NewDetectors returns the fixed detector set. Dispatch is static, one
// detector per opportunity type.
func NewDetectors(log *zap.Logger, cache *MarketCache, venues *VenueSet, cfg DetectorConfig) []Detector {
	return []Detector{
		NewArbitrageDetector(log, cache, venues, cfg),
		NewLiquidationDetector(log, cfg),
		NewSandwichDetector(log, cache, venues, cfg),
	}
}
