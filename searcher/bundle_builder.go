package searcher

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/mevsearch/searcher-node/metrics"
)

var (
	ErrConstructionFailed = errors.New("bundle construction failed")
	ErrTipIntervalEmpty   = errors.New("bundle construction failed, no tip fits inside the profit margin")
)

type BuilderConfig struct {
	// TipFraction of the expected profit offered to the block producer.
	TipFraction float64
	// SafetyMargin the tip must stay below expectedProfit - SafetyMargin.
	SafetyMargin float64
	// MinTip is the smallest tip the auction accepts.
	MinTip float64
}

var DefaultBuilderConfig = BuilderConfig{
	TipFraction:  0.5,
	SafetyMargin: 0.01,
	MinTip:       0.001,
}

// BundleConstructor is the pipeline's view of the builder.
type BundleConstructor interface {
	Construct(opp *Opportunity, valuation *Valuation, now time.Time) (*Bundle, error)
	MinTip() float64
}

// BundleBuilder turns an accepted opportunity into the minimal ordered
// transaction set realizing it. Transaction order is fixed here and never
// changed afterwards.
type BundleBuilder struct {
	log   *zap.Logger
	cache *MarketCache
	cfg   BuilderConfig
}

func NewBundleBuilder(log *zap.Logger, cache *MarketCache, cfg BuilderConfig) *BundleBuilder {
	return &BundleBuilder{
		log:   log.Named("bundle_builder"),
		cache: cache,
		cfg:   cfg,
	}
}

// MinTip is the smallest tip the auction accepts. Acceptance gates add it
// to the network fees so opportunities that cannot afford any tip are
// rejected before construction.
func (b *BundleBuilder) MinTip() float64 {
	return b.cfg.MinTip
}

// Construct builds the bundle for an accepted opportunity. It fails with
// ErrConstructionFailed when a dependent snapshot was superseded between
// acceptance and construction (the opportunity data no longer reflects the
// market) or when no tip fits between MinTip and the profit margin.
func (b *BundleBuilder) Construct(opp *Opportunity, valuation *Valuation, now time.Time) (*Bundle, error) {
	if err := b.checkSnapshots(opp); err != nil {
		metrics.IncBundleConstructionFailed()
		return nil, err
	}

	tip, err := b.sizeTip(valuation.ExpectedProfit)
	if err != nil {
		metrics.IncBundleConstructionFailed()
		return nil, err
	}

	txs, err := b.buildTxs(opp)
	if err != nil {
		metrics.IncBundleConstructionFailed()
		return nil, err
	}

	metrics.IncBundlesConstructed()
	b.log.Debug("constructed bundle",
		zap.String("key", opp.Key.Hex()),
		zap.String("type", string(opp.Type)),
		zap.Int("txs", len(txs)),
		zap.Float64("tip", tip),
	)
	return &Bundle{
		Opportunity:   opp.Key,
		Txs:           txs,
		Tip:           tip,
		ConstructedAt: now,
		Deadline:      opp.Deadline,
	}, nil
}

// checkSnapshots verifies every snapshot the opportunity was derived from
// is still the latest cached one.
func (b *BundleBuilder) checkSnapshots(opp *Opportunity) error {
	for _, ref := range opp.Snapshots {
		cached, err := b.cache.Get(ref.Venue, ref.Instrument)
		if err != nil {
			return ErrConstructionFailed
		}
		if cached.Sequence != ref.Sequence {
			return ErrConstructionFailed
		}
	}
	return nil
}

// sizeTip picks a tip maximizing landing probability while staying strictly
// below expectedProfit - SafetyMargin.
func (b *BundleBuilder) sizeTip(expectedProfit float64) (float64, error) {
	budget := expectedProfit - b.cfg.SafetyMargin
	if budget <= b.cfg.MinTip {
		return 0, ErrTipIntervalEmpty
	}
	tip := expectedProfit * b.cfg.TipFraction
	if tip < b.cfg.MinTip {
		tip = b.cfg.MinTip
	}
	if tip >= budget {
		// keep the tip strictly inside the margin
		tip = (budget + b.cfg.MinTip) / 2
	}
	return tip, nil
}

func (b *BundleBuilder) buildTxs(opp *Opportunity) ([]TxDescriptor, error) {
	switch opp.Type {
	case TypeArbitrage:
		// the sell leg consumes the asset the buy leg acquires
		return []TxDescriptor{
			{Kind: TxBuy, Venue: opp.BuyVenue, Instrument: opp.Instrument, Size: opp.Size, Authored: true},
			{Kind: TxSell, Venue: opp.SellVenue, Instrument: opp.Instrument, Size: opp.Size, Authored: true},
		}, nil
	case TypeLiquidation:
		if opp.Position == nil {
			return nil, ErrConstructionFailed
		}
		// the flash borrow funds the liquidation call, repayment follows it
		return []TxDescriptor{
			{Kind: TxFlashBorrow, Venue: opp.Venue, Instrument: opp.Instrument, Size: opp.Position.DebtValue, Authored: true},
			{Kind: TxLiquidate, Venue: opp.Venue, Instrument: opp.Instrument, Size: opp.Position.DebtValue, Authored: true},
			{Kind: TxRepay, Venue: opp.Venue, Instrument: opp.Instrument, Size: opp.Position.DebtValue, Authored: true},
		}, nil
	case TypeSandwich:
		if opp.Pending == nil {
			return nil, ErrConstructionFailed
		}
		// the target transaction is not authored here, it is referenced
		// for ordering only
		target := opp.Pending.TxHash
		return []TxDescriptor{
			{Kind: TxFrontRun, Venue: opp.Venue, Instrument: opp.Instrument, Size: opp.Size, Authored: true},
			{Kind: TxTarget, Instrument: opp.Instrument, TargetHash: &target, Authored: false},
			{Kind: TxBackRun, Venue: opp.Venue, Instrument: opp.Instrument, Size: opp.Size, Authored: true},
		}, nil
	default:
		return nil, ErrConstructionFailed
	}
}
