package searcher

import (
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mevsearch/searcher-node/metrics"
)

var ErrInsufficientData = errors.New("insufficient data for valuation")

type EngineConfig struct {
	// Samples is the Monte Carlo sample count.
	Samples int
	// SlippageStdDev is the relative execution-slippage noise per sample.
	SlippageStdDev float64
	// HighUncertaintyMultiplier widens slippage sampling for candidates
	// flagged high-uncertainty by their detector.
	HighUncertaintyMultiplier float64
	// BaseLambda is the competition arrival rate (arrivals per second of
	// opportunity age) before calibration.
	BaseLambda float64
	// RiskPenalty discounts the risk-adjusted score by a multiple of the
	// profit standard deviation.
	RiskPenalty float64
	// RevaluationWindow forces a fresh valuation when the current one is
	// older than min(window, remaining-time-to-expiry/2).
	RevaluationWindow time.Duration
}

var DefaultEngineConfig = EngineConfig{
	Samples:                   DefaultSamples,
	SlippageStdDev:            0.02,
	HighUncertaintyMultiplier: 3.0,
	BaseLambda:                0.05,
	RiskPenalty:               0.5,
	RevaluationWindow:         2 * time.Second,
}

// Engine prices opportunities by simulating N independent executions over
// slippage and competition-arrival scenarios. Given the same seed, sample
// count and inputs the result is bit-identical, randomness only enters
// through the injected seed.
type Engine struct {
	log *zap.Logger
	cfg EngineConfig

	// calibration state, updated from the outcome feed
	mu             sync.Mutex
	lambda         float64
	speedAdvantage float64
	landRate       float64
}

func NewEngine(log *zap.Logger, cfg EngineConfig) *Engine {
	if cfg.Samples <= 0 {
		cfg.Samples = DefaultSamples
	}
	return &Engine{
		log:            log.Named("valuation"),
		cfg:            cfg,
		lambda:         cfg.BaseLambda,
		speedAdvantage: 0.5,
		landRate:       0.5,
	}
}

// Value prices the opportunity as of now.
func (e *Engine) Value(opp *Opportunity, seed int64) (*Valuation, error) {
	return e.ValueAt(opp, seed, time.Now())
}

// ValueAt prices the opportunity as of an explicit time. Tests use it to
// pin the opportunity age.
func (e *Engine) ValueAt(opp *Opportunity, seed int64, now time.Time) (*Valuation, error) {
	if opp == nil || opp.Gross <= 0 || len(opp.Snapshots) == 0 {
		return nil, ErrInsufficientData
	}
	startAt := time.Now()

	age := now.Sub(opp.CreatedAt).Seconds()
	if age < 0 {
		age = 0
	}

	e.mu.Lock()
	lambda, speedAdvantage := e.lambda, e.speedAdvantage
	e.mu.Unlock()

	// probability a competitor captures the opportunity first: grows with
	// age, shrinks with our observed relative speed
	pCompetition := clamp((1-math.Exp(-lambda*age))*(1-speedAdvantage), 0, 1)

	slippageStdDev := e.cfg.SlippageStdDev
	if opp.HighUncertainty {
		slippageStdDev *= e.cfg.HighUncertaintyMultiplier
	}

	n := e.cfg.Samples
	rng := rand.New(rand.NewSource(seed)) //nolint:gosec
	profits := make([]float64, n)
	var sum float64
	positive := 0
	for i := 0; i < n; i++ {
		slippage := rng.NormFloat64() * slippageStdDev
		profit := opp.Gross*(1+slippage) - opp.Cost
		if rng.Float64() < pCompetition {
			// captured first, the gas of the failed attempt is lost
			profit = -opp.Cost
		}
		profits[i] = profit
		sum += profit
		if profit > 0 {
			positive++
		}
	}
	mean := sum / float64(n)
	var variance float64
	for _, p := range profits {
		d := p - mean
		variance += d * d
	}
	variance /= float64(n)

	p5 := percentile(profits, 0.05)
	highRisk := p5 < 0
	if highRisk {
		metrics.IncValuationsHighRisk()
	}
	metrics.RecordValuationDuration(time.Since(startAt))

	return &Valuation{
		ExpectedProfit:         mean,
		Variance:               variance,
		Confidence:             float64(positive) / float64(n),
		CompetitionProbability: pCompetition,
		RiskAdjustedScore:      mean - e.cfg.RiskPenalty*math.Sqrt(variance),
		Percentile5:            p5,
		HighRisk:               highRisk,
		Seed:                   seed,
		Samples:                n,
		ComputedAt:             now,
	}, nil
}

// Stale reports whether the valuation must be recomputed before use. The
// window shrinks as the opportunity approaches its deadline.
func (e *Engine) Stale(v *Valuation, opp *Opportunity, now time.Time) bool {
	if v == nil {
		return true
	}
	window := e.cfg.RevaluationWindow
	if half := opp.Deadline.Sub(now) / 2; half < window {
		window = half
	}
	return now.Sub(v.ComputedAt) > window
}

// Calibrate folds one observed bundle outcome into the competition model.
// Landing more often means we are relatively fast, losing means competition
// arrives harder.
func (e *Engine) Calibrate(outcome BundleOutcome) {
	const alpha = 0.1

	e.mu.Lock()
	defer e.mu.Unlock()
	landed := 0.0
	if outcome.Landed {
		landed = 1.0
	}
	e.landRate = (1-alpha)*e.landRate + alpha*landed
	e.speedAdvantage = clamp(e.landRate, 0, 0.9)
	e.lambda = e.cfg.BaseLambda * (2 - e.landRate)

	e.log.Debug("calibrated competition model",
		zap.Bool("landed", outcome.Landed),
		zap.Float64("land_rate", e.landRate),
		zap.Float64("lambda", e.lambda),
		zap.Float64("speed_advantage", e.speedAdvantage),
	)
}
