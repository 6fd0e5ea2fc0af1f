package searcher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/mevsearch/searcher-node/metrics"
	"github.com/mevsearch/searcher-node/oppqueue"
)

type PipelineConfig struct {
	// EventBuffer sizes each detector notification channel.
	EventBuffer int
	// ValuationWorkers and BundleWorkers size the two processing stages.
	ValuationWorkers int
	BundleWorkers    int
	// RetryBudget bounds re-bundles of one key after gateway timeouts.
	RetryBudget         int
	ExpirySweepInterval time.Duration
	EvictInterval       time.Duration
}

var DefaultPipelineConfig = PipelineConfig{
	EventBuffer:         1024,
	ValuationWorkers:    4,
	BundleWorkers:       2,
	RetryBudget:         1,
	ExpirySweepInterval: 250 * time.Millisecond,
	EvictInterval:       10 * time.Second,
}

// Pipeline wires the stages together: snapshot notifications feed the
// detectors, candidates flow through the valuation queue into the registry,
// accepted opportunities flow through the bundle queue to the gateway.
// Stages process independent keys in parallel; transitions on one key are
// serialized by the registry's compare-and-set.
type Pipeline struct {
	log       *zap.Logger
	cfg       PipelineConfig
	cache     *MarketCache
	detectors []Detector
	engine    *Engine
	registry  *Registry
	builder   BundleConstructor
	gateway   SubmissionGateway
	events    EventBackend
	pursuit   *RedisPursuitCache

	candidates *oppqueue.Queue
	accepted   *oppqueue.Queue

	cancel    context.CancelFunc
	fatalOnce sync.Once
}

// NewPipeline assembles the pipeline. events and pursuit may be nil.
func NewPipeline(
	log *zap.Logger,
	cfg PipelineConfig,
	cache *MarketCache,
	detectors []Detector,
	engine *Engine,
	registry *Registry,
	builder BundleConstructor,
	gateway SubmissionGateway,
	events EventBackend,
	pursuit *RedisPursuitCache,
) *Pipeline {
	p := &Pipeline{
		log:        log.Named("pipeline"),
		cfg:        cfg,
		cache:      cache,
		detectors:  detectors,
		engine:     engine,
		registry:   registry,
		builder:    builder,
		gateway:    gateway,
		events:     events,
		pursuit:    pursuit,
		candidates: oppqueue.NewQueue(log, "candidates"),
		accepted:   oppqueue.NewQueue(log, "accepted"),
	}
	cache.SetOverflowHandler(func() {
		p.fatal("market cache notification overflow")
	})
	return p
}

// SetQueueConfig applies cfg to both stage queues. Call before Start.
func (p *Pipeline) SetQueueConfig(cfg oppqueue.Config) {
	p.candidates.Config = cfg
	p.accepted.Config = cfg
}

// Start launches all stages. Cancel the context to shut down, then wait on
// the returned WaitGroup.
func (p *Pipeline) Start(ctx context.Context) *sync.WaitGroup {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	wg := &sync.WaitGroup{}

	notifications := p.cache.Subscribe(p.cfg.EventBuffer)
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.detectLoop(ctx, notifications)
	}()

	valuationWorkers := make([]oppqueue.ProcessFunc, p.cfg.ValuationWorkers)
	for i := range valuationWorkers {
		valuationWorkers[i] = p.processCandidate
	}
	valuationWG := p.candidates.StartProcessLoop(ctx, valuationWorkers)

	bundleWorkers := make([]oppqueue.ProcessFunc, p.cfg.BundleWorkers)
	for i := range bundleWorkers {
		bundleWorkers[i] = p.processAccepted
	}
	bundleWG := p.accepted.StartProcessLoop(ctx, bundleWorkers)

	wg.Add(2)
	go func() { defer wg.Done(); valuationWG.Wait() }()
	go func() { defer wg.Done(); bundleWG.Wait() }()

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.housekeeping(ctx)
	}()

	return wg
}

func (p *Pipeline) detectLoop(ctx context.Context, notifications <-chan SnapshotEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-notifications:
			now := time.Now()
			for _, detector := range p.detectors {
				for _, opp := range detector.Evaluate(ev.Snapshot, now) {
					metrics.IncOpportunitiesDetected(string(opp.Type))
					p.submitCandidate(ctx, opp, ev.HighPriority)
				}
			}
		}
	}
}

func (p *Pipeline) submitCandidate(ctx context.Context, opp *Opportunity, highPriority bool) {
	logger := p.log.With(zap.String("key", opp.Key.Hex()), zap.String("type", string(opp.Type)))

	if p.pursuit != nil {
		pursued, err := p.pursuit.IsPursued(ctx, []common.Hash{opp.Key})
		if err != nil {
			// suppression is best effort, detection proceeds
			logger.Debug("pursuit cache lookup failed", zap.Error(err))
		} else if pursued {
			logger.Debug("key recently pursued elsewhere, skipping")
			return
		}
	}

	err := p.registry.SubmitCandidate(ctx, opp)
	switch {
	case errors.Is(err, ErrDuplicate):
		logger.Debug("duplicate candidate, existing entry wins")
		return
	case errors.Is(err, ErrExpired):
		return
	case err != nil:
		logger.Error("failed to submit candidate", zap.Error(err))
		return
	}
	if p.pursuit != nil {
		if err := p.pursuit.Add(ctx, opp.Key); err != nil {
			logger.Debug("pursuit cache add failed", zap.Error(err))
		}
	}

	data, err := json.Marshal(opp)
	if err != nil {
		logger.Error("failed to encode candidate", zap.Error(err))
		_ = p.registry.Reject(ctx, opp.Key, ReasonInsufficientData)
		return
	}
	err = p.candidates.Push(data, highPriority, time.Now(), opp.Deadline)
	if errors.Is(err, oppqueue.ErrQueueFull) {
		// the entry stays Candidate, the expiry sweep resolves it
		metrics.IncQueueFullOpportunities()
		logger.Warn("candidate queue full, dropping", zap.Error(err))
	} else if err != nil {
		logger.Error("failed to queue candidate", zap.Error(err))
	}
}

// processCandidate is the valuation stage worker.
func (p *Pipeline) processCandidate(ctx context.Context, data []byte, _ oppqueue.QueueItemInfo) error {
	var opp Opportunity
	if err := json.Unmarshal(data, &opp); err != nil {
		p.log.Error("malformed candidate payload", zap.Error(err))
		return oppqueue.ErrProcessUnrecoverable
	}
	logger := p.log.With(zap.String("key", opp.Key.Hex()))

	state, ok := p.registry.Get(opp.Key)
	if !ok || state.Status.Terminal() {
		return nil
	}
	now := time.Now()
	if state.Opportunity.Expired(now) {
		_ = p.registry.Expire(ctx, opp.Key)
		return nil
	}

	valuation, err := p.engine.Value(state.Opportunity, valuationSeed(opp.Key, state.Version))
	if errors.Is(err, ErrInsufficientData) {
		_ = p.registry.Reject(ctx, opp.Key, ReasonInsufficientData)
		return nil
	} else if err != nil {
		logger.Error("valuation failed", zap.Error(err))
		return oppqueue.ErrProcessRetryLater
	}

	err = p.registry.MarkValued(ctx, opp.Key, valuation, state.Version)
	switch {
	case errors.Is(err, ErrVersionConflict):
		return oppqueue.ErrProcessRetryLater
	case errors.Is(err, ErrExpired), errors.Is(err, ErrAlreadyTerminal):
		return nil
	case err != nil:
		logger.Error("failed to mark valued", zap.Error(err))
		return oppqueue.ErrProcessRetryLater
	}

	// the cost of execution is the network fees plus the smallest tip the
	// auction accepts, anything cheaper dies in tip sizing
	err = p.registry.Accept(ctx, opp.Key, state.Opportunity.Cost+p.builder.MinTip(), state.Version+1)
	switch {
	case errors.Is(err, ErrBelowThreshold), errors.Is(err, ErrExpired), errors.Is(err, ErrAlreadyTerminal):
		return nil
	case errors.Is(err, ErrVersionConflict):
		return oppqueue.ErrProcessRetryLater
	case err != nil:
		logger.Error("failed to accept", zap.Error(err))
		return oppqueue.ErrProcessRetryLater
	}

	logger.Info("opportunity accepted",
		zap.String("type", string(opp.Type)),
		zap.Float64("expected_profit", valuation.ExpectedProfit),
		zap.Float64("confidence", valuation.Confidence),
		zap.Bool("high_risk", valuation.HighRisk),
	)
	err = p.accepted.Push(data, true, time.Now(), opp.Deadline)
	if errors.Is(err, oppqueue.ErrQueueFull) {
		metrics.IncQueueFullOpportunities()
		logger.Warn("accepted queue full, dropping")
	}
	return nil
}

// processAccepted is the bundling and submission stage worker.
func (p *Pipeline) processAccepted(ctx context.Context, data []byte, _ oppqueue.QueueItemInfo) error {
	var opp Opportunity
	if err := json.Unmarshal(data, &opp); err != nil {
		p.log.Error("malformed accepted payload", zap.Error(err))
		return oppqueue.ErrProcessUnrecoverable
	}
	logger := p.log.With(zap.String("key", opp.Key.Hex()))

	state, ok := p.registry.Get(opp.Key)
	if !ok || state.Status.Terminal() {
		return nil
	}
	now := time.Now()
	if state.Opportunity.Expired(now) {
		_ = p.registry.Expire(ctx, opp.Key)
		return nil
	}
	if state.Status != StatusAccepted {
		// a racing worker already moved it on
		return nil
	}

	valuation := state.Valuation
	if p.engine.Stale(valuation, state.Opportunity, now) {
		fresh, err := p.engine.Value(state.Opportunity, valuationSeed(opp.Key, state.Version))
		if err != nil {
			_ = p.registry.Reject(ctx, opp.Key, ReasonInsufficientData)
			return nil
		}
		if fresh.ExpectedProfit <= state.Opportunity.Cost+p.builder.MinTip() {
			_ = p.registry.Reject(ctx, opp.Key, ReasonBelowThreshold)
			return nil
		}
		err = p.registry.RefreshValuation(ctx, opp.Key, fresh, state.Version)
		switch {
		case errors.Is(err, ErrVersionConflict):
			return oppqueue.ErrProcessRetryLater
		case err != nil:
			return nil
		}
		valuation = fresh
		state.Version++
	}

	bundle, err := p.builder.Construct(state.Opportunity, valuation, now)
	if err != nil {
		logger.Warn("bundle construction failed", zap.Error(err))
		reason := ReasonInvalidatedByNewSnapshot
		if errors.Is(err, ErrTipIntervalEmpty) {
			// the profit is too thin for any tip, the market data is fine
			reason = ReasonBelowThreshold
		}
		_ = p.registry.Reject(ctx, opp.Key, reason)
		return nil
	}

	err = p.registry.MarkBundled(ctx, opp.Key, state.Version)
	switch {
	case errors.Is(err, ErrVersionConflict):
		return oppqueue.ErrProcessRetryLater
	case err != nil:
		return nil
	}
	err = p.registry.MarkSubmitted(ctx, opp.Key, state.Version+1)
	if err != nil {
		// the deadline check inside the transition guarantees an expired
		// opportunity never reaches Submitted
		return nil
	}

	result, err := p.gateway.Submit(ctx, bundle)
	if err != nil {
		logger.Error("gateway submission failed", zap.Error(err))
		result = SubmitResult{Status: SubmitTimeout}
	}
	p.publishSubmission(ctx, bundle, result)
	logger.Info("bundle submitted",
		zap.String("status", string(result.Status)),
		zap.String("reason", result.Reason),
		zap.Float64("tip", bundle.Tip),
	)

	switch result.Status {
	case SubmitLanded:
		_ = p.registry.ResolveLanded(ctx, opp.Key)
	case SubmitRejected:
		_ = p.registry.Reject(ctx, opp.Key, ReasonSubmissionRejected)
	case SubmitTimeout:
		p.handleTimeout(ctx, &opp, now)
	}
	return nil
}

// handleTimeout resolves the timed-out attempt and, if budget remains,
// pursues the same key afresh with a new instance (and through it a fresh
// valuation). Terminal states are never resurrected.
func (p *Pipeline) handleTimeout(ctx context.Context, opp *Opportunity, now time.Time) {
	_ = p.registry.Expire(ctx, opp.Key)

	if opp.Attempt+1 > p.cfg.RetryBudget || opp.Expired(now) {
		return
	}
	retry := *opp
	retry.Attempt++
	if err := p.registry.SubmitCandidate(ctx, &retry); err != nil {
		return
	}
	data, err := json.Marshal(&retry)
	if err != nil {
		return
	}
	if err := p.candidates.Push(data, true, now, retry.Deadline); err != nil {
		p.log.Debug("failed to requeue after timeout", zap.Error(err), zap.String("key", opp.Key.Hex()))
	}
}

func (p *Pipeline) publishSubmission(ctx context.Context, bundle *Bundle, result SubmitResult) {
	if p.events == nil {
		return
	}
	ev := SubmissionEvent{
		Key:    bundle.Opportunity,
		Status: result.Status,
		Reason: result.Reason,
		Tip:    bundle.Tip,
		At:     time.Now(),
	}
	if err := p.events.PublishSubmission(ctx, ev); err != nil {
		p.log.Error("failed to publish submission event", zap.Error(err))
	}
}

// housekeeping runs the expiry sweep and cache eviction tickers.
func (p *Pipeline) housekeeping(ctx context.Context) {
	sweep := time.NewTicker(p.cfg.ExpirySweepInterval)
	defer sweep.Stop()
	evict := time.NewTicker(p.cfg.EvictInterval)
	defer evict.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			if n := p.registry.ExpireDue(ctx, time.Now()); n > 0 {
				p.log.Debug("expired due opportunities", zap.Int("count", n))
			}
		case <-evict.C:
			p.cache.EvictStale(time.Now())
		}
	}
}

// fatal halts the pipeline. Only resource exhaustion and loss of cache
// consistency end up here.
func (p *Pipeline) fatal(reason string) {
	p.fatalOnce.Do(func() {
		metrics.IncPipelineFatalErrors()
		p.log.Error("fatal pipeline condition, halting", zap.String("reason", reason))
		if p.cancel != nil {
			p.cancel()
		}
	})
}
