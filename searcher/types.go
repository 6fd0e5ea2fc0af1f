package searcher

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

type (
	VenueID      string
	InstrumentID string
)

// SnapshotKey identifies the cache slot a snapshot occupies.
type SnapshotKey struct {
	Venue      VenueID      `json:"venue"`
	Instrument InstrumentID `json:"instrument"`
}

// MarketSnapshot is one immutable observation of venue state. It is never
// mutated, a newer sequence number supersedes it. Exactly one of PoolState,
// LendingPosition and PendingTrade is set, depending on what the feed saw.
type MarketSnapshot struct {
	Venue      VenueID        `json:"venue"`
	Instrument InstrumentID   `json:"instrument"`
	Sequence   hexutil.Uint64 `json:"sequence"`
	ObservedAt time.Time      `json:"observedAt"`

	PoolState       *PoolState       `json:"poolState,omitempty"`
	LendingPosition *LendingPosition `json:"lendingPosition,omitempty"`
	PendingTrade    *PendingTrade    `json:"pendingTrade,omitempty"`
}

func (s *MarketSnapshot) Key() SnapshotKey {
	return SnapshotKey{Venue: s.Venue, Instrument: s.Instrument}
}

// PoolState is the spot state of a trading venue for one instrument.
// Price is the mid quote, Liquidity the depth available around it.
type PoolState struct {
	Price     float64 `json:"price"`
	Liquidity float64 `json:"liquidity"`
}

// LendingPosition is one borrower position on a lending venue.
// CollateralRatio() below the venue liquidation threshold makes it eligible
// for forced closure.
type LendingPosition struct {
	PositionID           string  `json:"positionId"`
	CollateralValue      float64 `json:"collateralValue"`
	DebtValue            float64 `json:"debtValue"`
	LiquidationThreshold float64 `json:"liquidationThreshold"`
	LiquidationBonus     float64 `json:"liquidationBonus"`
}

func (p *LendingPosition) CollateralRatio() float64 {
	if p.DebtValue == 0 {
		return 0
	}
	return p.CollateralValue / p.DebtValue
}

// PendingTrade is a large not-yet-landed trade observed in the mempool or
// order book, a sandwich target.
type PendingTrade struct {
	TxHash common.Hash `json:"txHash"`
	IsBuy  bool        `json:"isBuy"`
	Size   float64     `json:"size"`
}

type OpportunityType string

const (
	TypeArbitrage   OpportunityType = "arbitrage"
	TypeLiquidation OpportunityType = "liquidation"
	TypeSandwich    OpportunityType = "sandwich"
)

// SnapshotRef pins an opportunity to the exact snapshots it was derived
// from. Bundle construction re-checks these against the cache.
type SnapshotRef struct {
	Venue      VenueID        `json:"venue"`
	Instrument InstrumentID   `json:"instrument"`
	Sequence   hexutil.Uint64 `json:"sequence"`
}

// Opportunity is a candidate extraction emitted by a detector. The key is
// deterministic, identical detections dedupe on it. Status lives in the
// registry, not here.
type Opportunity struct {
	Key        common.Hash     `json:"key"`
	Type       OpportunityType `json:"type"`
	Instrument InstrumentID    `json:"instrument"`
	Snapshots  []SnapshotRef   `json:"snapshots"`
	CreatedAt  time.Time       `json:"createdAt"`
	Deadline   time.Time       `json:"deadline"`

	// Gross is the detector's fee-adjusted profit estimate before
	// slippage and competition, Cost the estimated execution fees.
	Gross float64 `json:"gross"`
	Cost  float64 `json:"cost"`
	Size  float64 `json:"size"`

	// HighUncertainty asks the valuation engine for wider slippage
	// sampling (set by the sandwich detector).
	HighUncertainty bool `json:"highUncertainty,omitempty"`

	// Attempt counts re-bundles of the same key after a gateway timeout.
	Attempt int `json:"attempt,omitempty"`

	BuyVenue  VenueID          `json:"buyVenue,omitempty"`
	SellVenue VenueID          `json:"sellVenue,omitempty"`
	BuyPrice  float64          `json:"buyPrice,omitempty"`
	SellPrice float64          `json:"sellPrice,omitempty"`
	Venue     VenueID          `json:"venue,omitempty"`
	Position  *LendingPosition `json:"position,omitempty"`
	Pending   *PendingTrade    `json:"pending,omitempty"`
}

func (o *Opportunity) Expired(now time.Time) bool {
	return !now.Before(o.Deadline)
}

// Status is the lifecycle of an opportunity. Transitions are strictly
// forward, terminal states are final.
type Status uint8

const (
	StatusCandidate Status = iota
	StatusValued
	StatusAccepted
	StatusBundled
	StatusSubmitted
	StatusLanded
	StatusRejected
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusCandidate:
		return "candidate"
	case StatusValued:
		return "valued"
	case StatusAccepted:
		return "accepted"
	case StatusBundled:
		return "bundled"
	case StatusSubmitted:
		return "submitted"
	case StatusLanded:
		return "landed"
	case StatusRejected:
		return "rejected"
	case StatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

func (s Status) Terminal() bool {
	return s == StatusLanded || s == StatusRejected || s == StatusExpired
}

type RejectReason string

const (
	ReasonBelowThreshold           RejectReason = "BelowThreshold"
	ReasonExpired                  RejectReason = "Expired"
	ReasonInvalidatedByNewSnapshot RejectReason = "InvalidatedByNewSnapshot"
	ReasonSubmissionRejected       RejectReason = "SubmissionRejected"
	ReasonInsufficientData         RejectReason = "InsufficientData"
)

// Valuation is the Monte Carlo pricing of one opportunity. Seed and Samples
// make it reproducible. A recomputation replaces the whole struct, it is
// never mutated in place.
type Valuation struct {
	ExpectedProfit         float64   `json:"expectedProfit"`
	Variance               float64   `json:"variance"`
	Confidence             float64   `json:"confidence"`
	CompetitionProbability float64   `json:"competitionProbability"`
	RiskAdjustedScore      float64   `json:"riskAdjustedScore"`
	Percentile5            float64   `json:"percentile5"`
	HighRisk               bool      `json:"highRisk"`
	Seed                   int64     `json:"seed"`
	Samples                int       `json:"samples"`
	ComputedAt             time.Time `json:"computedAt"`
}

type TxKind string

const (
	TxBuy         TxKind = "buy"
	TxSell        TxKind = "sell"
	TxFlashBorrow TxKind = "flashBorrow"
	TxLiquidate   TxKind = "liquidate"
	TxRepay       TxKind = "repay"
	TxFrontRun    TxKind = "frontRun"
	TxTarget      TxKind = "target"
	TxBackRun     TxKind = "backRun"
)

// TxDescriptor is one leg of a bundle. Authored is false for transactions
// the node does not sign but orders around (the sandwich target).
type TxDescriptor struct {
	Kind       TxKind         `json:"kind"`
	Venue      VenueID        `json:"venue,omitempty"`
	Instrument InstrumentID   `json:"instrument"`
	Size       float64        `json:"size,omitempty"`
	TargetHash *common.Hash   `json:"targetHash,omitempty"`
	Authored   bool           `json:"authored"`
	Sequence   hexutil.Uint64 `json:"sequence,omitempty"`
}

// Bundle is an ordered, atomically-landed transaction set. Txs is fixed at
// construction and must never be reordered.
type Bundle struct {
	Opportunity   common.Hash    `json:"opportunity"`
	Txs           []TxDescriptor `json:"txs"`
	Tip           float64        `json:"tip"`
	ConstructedAt time.Time      `json:"constructedAt"`
	Deadline      time.Time      `json:"deadline"`
}

type SubmitStatus string

const (
	SubmitLanded   SubmitStatus = "landed"
	SubmitRejected SubmitStatus = "rejected"
	SubmitTimeout  SubmitStatus = "timeout"
)

// SubmitResult is the auction's answer for one bundle submission.
type SubmitResult struct {
	Status SubmitStatus `json:"status"`
	Reason string       `json:"reason,omitempty"`
}

// BundleOutcome is the asynchronous outcome fact for a submitted bundle,
// delivered on the outcome feed.
type BundleOutcome struct {
	Opportunity common.Hash    `json:"opportunity"`
	Landed      bool           `json:"landed"`
	Reason      string         `json:"reason,omitempty"`
	Validator   string         `json:"validator,omitempty"`
	Profit      float64        `json:"profit"`
	BlockNumber hexutil.Uint64 `json:"blockNumber"`
	ObservedAt  time.Time      `json:"observedAt"`
}

// ValidatorMevProfile is the per-validator aggregate kept by the attribution
// store. The pipeline only emits facts into it.
type ValidatorMevProfile struct {
	Validator     string    `json:"validator" db:"validator"`
	BundlesLanded int64     `json:"bundlesLanded" db:"bundles_landed"`
	BundlesFailed int64     `json:"bundlesFailed" db:"bundles_failed"`
	TotalProfit   float64   `json:"totalProfit" db:"total_profit"`
	UpdatedAt     time.Time `json:"updatedAt" db:"updated_at"`
}
