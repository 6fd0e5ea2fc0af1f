package searcher

import (
	"time"

	"go.uber.org/zap"
)

// LiquidationDetector scans lending-position snapshots for positions whose
// collateral ratio dropped below the liquidation threshold. One candidate
// per position: the key carries the position id, so re-detections of the
// same position before resolution dedupe in the registry.
type LiquidationDetector struct {
	log *zap.Logger
	cfg DetectorConfig
}

func NewLiquidationDetector(log *zap.Logger, cfg DetectorConfig) *LiquidationDetector {
	return &LiquidationDetector{
		log: log.Named("detector_liquidation"),
		cfg: cfg,
	}
}

func (d *LiquidationDetector) Name() string { return string(TypeLiquidation) }

func (d *LiquidationDetector) Evaluate(snapshot *MarketSnapshot, now time.Time) []*Opportunity {
	position := snapshot.LendingPosition
	if position == nil || position.DebtValue <= 0 {
		return nil
	}
	if position.CollateralRatio() >= position.LiquidationThreshold {
		return nil
	}

	key := opportunityKey(TypeLiquidation, []VenueID{snapshot.Venue}, snapshot.Instrument, position.PositionID)
	d.log.Debug("liquidation candidate",
		zap.String("key", key.Hex()),
		zap.String("position", position.PositionID),
		zap.Float64("collateral_ratio", position.CollateralRatio()),
		zap.Float64("liquidation_threshold", position.LiquidationThreshold),
	)

	positionCopy := *position
	return []*Opportunity{{
		Key:        key,
		Type:       TypeLiquidation,
		Instrument: snapshot.Instrument,
		Snapshots: []SnapshotRef{
			{Venue: snapshot.Venue, Instrument: snapshot.Instrument, Sequence: snapshot.Sequence},
		},
		CreatedAt: now,
		Deadline:  now.Add(d.cfg.OpportunityTTL),
		Gross:     position.DebtValue * position.LiquidationBonus,
		Cost:      d.cfg.ExecutionCost,
		Size:      position.DebtValue,
		Venue:     snapshot.Venue,
		Position:  &positionCopy,
	}}
}
