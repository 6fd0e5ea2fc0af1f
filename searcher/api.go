package searcher

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mevsearch/searcher-node/jsonrpcserver"
	"github.com/mevsearch/searcher-node/metrics"
)

var (
	ErrInvalidSnapshotBatch = errors.New("invalid snapshot batch")
	ErrUnknownKey           = errors.New("unknown opportunity key")

	ErrInternalServiceError = errors.New("searcher service error")
)

// API is the narrow JSON-RPC surface of the node: the ingestion push feed
// plus two inspection methods.
type API struct {
	log *zap.Logger

	cache    *MarketCache
	registry *Registry
	engine   *Engine

	valuationRateLimiter *rate.Limiter
	// terminal entries never change again, their status answers are cached
	terminalCache *gocache.Cache
}

func NewAPI(log *zap.Logger, cache *MarketCache, registry *Registry, engine *Engine, valuationRateLimit rate.Limit, terminalCacheTime time.Duration) *API {
	return &API{
		log:                  log.Named("api"),
		cache:                cache,
		registry:             registry,
		engine:               engine,
		valuationRateLimiter: rate.NewLimiter(valuationRateLimit, 1),
		terminalCache:        gocache.New(terminalCacheTime, terminalCacheTime),
	}
}

type PushSnapshotsArgs struct {
	Snapshots []MarketSnapshot `json:"snapshots"`
}

type PushSnapshotsResponse struct {
	Applied int `json:"applied"`
	Stale   int `json:"stale"`
}

// PushSnapshots ingests a snapshot batch. Out-of-order or duplicate
// sequence numbers are counted as stale and ignored, re-pushing a batch is
// idempotent.
func (a *API) PushSnapshots(ctx context.Context, args PushSnapshotsArgs) (PushSnapshotsResponse, error) {
	if len(args.Snapshots) == 0 || len(args.Snapshots) > MaxSnapshotBatch {
		return PushSnapshotsResponse{}, ErrInvalidSnapshotBatch
	}
	highPriority := jsonrpcserver.GetPriority(ctx)
	origin := jsonrpcserver.GetOrigin(ctx)

	var resp PushSnapshotsResponse
	for i := range args.Snapshots {
		snapshot := args.Snapshots[i]
		metrics.IncSnapshotsReceived()
		err := a.cache.Update(&snapshot, highPriority)
		switch {
		case errors.Is(err, ErrStaleUpdate):
			metrics.IncSnapshotsReceivedStale()
			resp.Stale++
		case errors.Is(err, ErrInvalidSnapshot):
			return PushSnapshotsResponse{}, err
		case errors.Is(err, ErrCacheInconsistent):
			a.log.Error("market cache inconsistency", zap.Error(err))
			return PushSnapshotsResponse{}, ErrInternalServiceError
		case err != nil:
			a.log.Error("snapshot update failed", zap.Error(err))
			return PushSnapshotsResponse{}, ErrInternalServiceError
		default:
			metrics.IncSnapshotsReceivedValid()
			resp.Applied++
		}
	}
	a.log.Debug("ingested snapshot batch",
		zap.Int("applied", resp.Applied),
		zap.Int("stale", resp.Stale),
		zap.String("origin", origin),
		zap.Bool("high_priority", highPriority),
	)
	return resp, nil
}

type OpportunityStatusResponse struct {
	Key       common.Hash `json:"key"`
	Status    string      `json:"status"`
	Reason    string      `json:"reason,omitempty"`
	Valuation *Valuation  `json:"valuation,omitempty"`
}

func (a *API) OpportunityStatus(_ context.Context, key common.Hash) (OpportunityStatusResponse, error) {
	if cached, ok := a.terminalCache.Get(key.Hex()); ok {
		//nolint:forcetypeassert
		return cached.(OpportunityStatusResponse), nil
	}

	state, ok := a.registry.Get(key)
	if !ok {
		return OpportunityStatusResponse{}, ErrUnknownKey
	}
	resp := OpportunityStatusResponse{
		Key:       key,
		Status:    state.Status.String(),
		Reason:    string(state.Reason),
		Valuation: state.Valuation,
	}
	if state.Status.Terminal() {
		a.terminalCache.Set(key.Hex(), resp, gocache.DefaultExpiration)
	}
	return resp, nil
}

// ValueOpportunity runs an on-demand valuation of a live registry entry,
// rate limited since it is a debugging aid, not a pipeline path.
func (a *API) ValueOpportunity(ctx context.Context, key common.Hash) (*Valuation, error) {
	if err := a.valuationRateLimiter.Wait(ctx); err != nil {
		return nil, err
	}
	state, ok := a.registry.Get(key)
	if !ok {
		return nil, ErrUnknownKey
	}
	valuation, err := a.engine.Value(state.Opportunity, valuationSeed(key, state.Version))
	if errors.Is(err, ErrInsufficientData) {
		return nil, err
	} else if err != nil {
		a.log.Error("on-demand valuation failed", zap.Error(err), zap.String("key", key.Hex()))
		return nil, ErrInternalServiceError
	}
	return valuation, nil
}

func (a *API) Handler() (http.Handler, error) {
	return jsonrpcserver.NewHandler(jsonrpcserver.Methods{
		"searcher_pushSnapshots":     a.PushSnapshots,
		"searcher_opportunityStatus": a.OpportunityStatus,
		"searcher_valueOpportunity":  a.ValueOpportunity,
	})
}
