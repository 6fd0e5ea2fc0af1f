package searcher

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mevsearch/searcher-node/coalesce"
)

const profileCacheTime = 30 * time.Second

// OutcomeFeed delivers asynchronous landed/failed notifications for
// submitted bundles.
type OutcomeFeed interface {
	Outcomes(ctx context.Context) <-chan BundleOutcome
}

// OutcomeStore persists outcome facts, see AttributionStore.
type OutcomeStore interface {
	InsertBundleOutcome(ctx context.Context, outcome BundleOutcome) error
	UpdateValidatorProfile(ctx context.Context, outcome BundleOutcome) error
	GetValidatorProfile(ctx context.Context, validator string) (*ValidatorMevProfile, error)
}

// RedisOutcomeFeed subscribes to the block-engine outcome channel.
type RedisOutcomeFeed struct {
	log     *zap.Logger
	client  *redis.Client
	channel string
}

func NewRedisOutcomeFeed(log *zap.Logger, client *redis.Client, channel string) *RedisOutcomeFeed {
	return &RedisOutcomeFeed{
		log:     log.Named("outcome_feed"),
		client:  client,
		channel: channel,
	}
}

func (f *RedisOutcomeFeed) Outcomes(ctx context.Context) <-chan BundleOutcome {
	pubsub := f.client.Subscribe(ctx, f.channel)
	out := make(chan BundleOutcome, 64)
	go func() {
		defer close(out)
		defer func() { _ = pubsub.Close() }()
		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var outcome BundleOutcome
				if err := json.Unmarshal([]byte(msg.Payload), &outcome); err != nil {
					f.log.Warn("dropping malformed outcome payload", zap.Error(err))
					continue
				}
				select {
				case out <- outcome:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// OutcomeConsumer closes the loop: it resolves registry entries, feeds the
// valuation engine's competition calibration and persists attribution
// facts. Persistence failures are logged, they never block calibration.
type OutcomeConsumer struct {
	log      *zap.Logger
	registry *Registry
	engine   *Engine
	store    OutcomeStore
	profiles *coalesce.Group[*ValidatorMevProfile]
}

func NewOutcomeConsumer(log *zap.Logger, registry *Registry, engine *Engine, store OutcomeStore) *OutcomeConsumer {
	c := &OutcomeConsumer{
		log:      log.Named("outcome_consumer"),
		registry: registry,
		engine:   engine,
		store:    store,
	}
	if store != nil {
		c.profiles = coalesce.NewGroup(func(ctx context.Context, validator string) (*ValidatorMevProfile, error) {
			return store.GetValidatorProfile(ctx, validator)
		}, profileCacheTime)
	}
	return c
}

// Run consumes outcomes until the channel closes or ctx is cancelled.
func (c *OutcomeConsumer) Run(ctx context.Context, outcomes <-chan BundleOutcome) {
	for {
		select {
		case <-ctx.Done():
			return
		case outcome, ok := <-outcomes:
			if !ok {
				return
			}
			c.consume(ctx, outcome)
		}
	}
}

func (c *OutcomeConsumer) consume(ctx context.Context, outcome BundleOutcome) {
	logger := c.log.With(zap.String("opportunity", outcome.Opportunity.Hex()), zap.Bool("landed", outcome.Landed))

	c.engine.Calibrate(outcome)

	var err error
	if outcome.Landed {
		err = c.registry.ResolveLanded(ctx, outcome.Opportunity)
	} else {
		err = c.registry.Reject(ctx, outcome.Opportunity, ReasonSubmissionRejected)
	}
	if err != nil {
		// an expiry sweep or a racing transition may already have
		// resolved the entry
		logger.Debug("outcome did not transition registry entry", zap.Error(err))
	}

	if c.store == nil {
		return
	}
	if err := c.store.InsertBundleOutcome(ctx, outcome); err != nil {
		logger.Error("failed to insert bundle outcome", zap.Error(err))
	}
	if err := c.store.UpdateValidatorProfile(ctx, outcome); err != nil {
		logger.Error("failed to update validator profile", zap.Error(err))
	}
	if outcome.Validator != "" && c.profiles != nil {
		if profile, err := c.profiles.Fetch(ctx, outcome.Validator); err == nil {
			logger.Info("bundle outcome attributed",
				zap.String("validator", outcome.Validator),
				zap.Float64("profit", outcome.Profit),
				zap.Float64("validator_total_profit", profile.TotalProfit),
			)
		}
	}
}
