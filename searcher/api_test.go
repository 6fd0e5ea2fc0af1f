package searcher

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func newTestAPI(t *testing.T) (*API, *MarketCache, *Registry, *Engine) {
	t.Helper()
	log := zap.NewNop()
	cache := NewMarketCache(log, time.Minute)
	registry := NewRegistry(log, nil)
	engine := NewEngine(log, DefaultEngineConfig)
	api := NewAPI(log, cache, registry, engine, rate.Inf, time.Minute)
	return api, cache, registry, engine
}

func TestAPIPushSnapshots(t *testing.T) {
	api, cache, _, _ := newTestAPI(t)
	ctx := context.Background()

	resp, err := api.PushSnapshots(ctx, PushSnapshotsArgs{Snapshots: []MarketSnapshot{
		*poolSnapshot("venueA", "WETH/USDC", 1, 100),
		*poolSnapshot("venueB", "WETH/USDC", 1, 100.5),
	}})
	require.NoError(t, err)
	require.Equal(t, 2, resp.Applied)
	require.Equal(t, 0, resp.Stale)
	require.Equal(t, 2, cache.Len())

	// re-pushing the same batch is idempotent, everything counts as stale
	resp, err = api.PushSnapshots(ctx, PushSnapshotsArgs{Snapshots: []MarketSnapshot{
		*poolSnapshot("venueA", "WETH/USDC", 1, 100),
		*poolSnapshot("venueB", "WETH/USDC", 1, 100.5),
	}})
	require.NoError(t, err)
	require.Equal(t, 0, resp.Applied)
	require.Equal(t, 2, resp.Stale)
}

func TestAPIPushSnapshotsInvalid(t *testing.T) {
	api, _, _, _ := newTestAPI(t)
	ctx := context.Background()

	_, err := api.PushSnapshots(ctx, PushSnapshotsArgs{})
	require.ErrorIs(t, err, ErrInvalidSnapshotBatch)

	tooMany := make([]MarketSnapshot, MaxSnapshotBatch+1)
	for i := range tooMany {
		tooMany[i] = *poolSnapshot("venueA", "WETH/USDC", uint64(i+1), 100)
	}
	_, err = api.PushSnapshots(ctx, PushSnapshotsArgs{Snapshots: tooMany})
	require.ErrorIs(t, err, ErrInvalidSnapshotBatch)

	_, err = api.PushSnapshots(ctx, PushSnapshotsArgs{Snapshots: []MarketSnapshot{{Venue: "venueA"}}})
	require.ErrorIs(t, err, ErrInvalidSnapshot)
}

func TestAPIOpportunityStatus(t *testing.T) {
	api, _, registry, _ := newTestAPI(t)
	ctx := context.Background()
	key := common.HexToHash("0x01")

	_, err := api.OpportunityStatus(ctx, key)
	require.ErrorIs(t, err, ErrUnknownKey)

	require.NoError(t, registry.SubmitCandidate(ctx, registryOpportunity(key, time.Now().Add(time.Minute))))

	resp, err := api.OpportunityStatus(ctx, key)
	require.NoError(t, err)
	require.Equal(t, "candidate", resp.Status)

	require.NoError(t, registry.Reject(ctx, key, ReasonBelowThreshold))
	resp, err = api.OpportunityStatus(ctx, key)
	require.NoError(t, err)
	require.Equal(t, "rejected", resp.Status)
	require.Equal(t, string(ReasonBelowThreshold), resp.Reason)

	// terminal answers come from the cache even after the entry is replaced
	require.NoError(t, registry.SubmitCandidate(ctx, registryOpportunity(key, time.Now().Add(time.Minute))))
	resp, err = api.OpportunityStatus(ctx, key)
	require.NoError(t, err)
	require.Equal(t, "rejected", resp.Status)
}

func TestAPIValueOpportunity(t *testing.T) {
	api, _, registry, _ := newTestAPI(t)
	ctx := context.Background()
	key := common.HexToHash("0x01")

	_, err := api.ValueOpportunity(ctx, key)
	require.ErrorIs(t, err, ErrUnknownKey)

	require.NoError(t, registry.SubmitCandidate(ctx, registryOpportunity(key, time.Now().Add(time.Minute))))

	v1, err := api.ValueOpportunity(ctx, key)
	require.NoError(t, err)
	v2, err := api.ValueOpportunity(ctx, key)
	require.NoError(t, err)
	// the seed derives from key and version, repeated calls reproduce
	require.Equal(t, v1.Seed, v2.Seed)
	require.Equal(t, v1.ExpectedProfit, v2.ExpectedProfit)
}

func TestAPIHandlerHTTP(t *testing.T) {
	api, cache, _, _ := newTestAPI(t)
	handler, err := api.Handler()
	require.NoError(t, err)
	server := httptest.NewServer(handler)
	defer server.Close()

	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "searcher_pushSnapshots",
		"params": []any{
			PushSnapshotsArgs{Snapshots: []MarketSnapshot{*poolSnapshot("venueA", "WETH/USDC", 1, 100)}},
		},
	})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, server.URL, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("high_prio", "true")
	req.Header.Set("x-feed-origin", "test-feed")

	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = res.Body.Close() }()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var rpcResponse struct {
		Result *PushSnapshotsResponse `json:"result"`
		Error  *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&rpcResponse))
	require.Nil(t, rpcResponse.Error)
	require.NotNil(t, rpcResponse.Result)
	require.Equal(t, 1, rpcResponse.Result.Applied)
	require.Equal(t, 1, cache.Len())
}
