package searcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func gatewayServer(t *testing.T, handler func(req map[string]any) map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "auction_submitBundle", req["method"])

		res := handler(req)
		res["jsonrpc"] = "2.0"
		res["id"] = req["id"]
		require.NoError(t, json.NewEncoder(w).Encode(res))
	}))
}

func testBundle() *Bundle {
	return &Bundle{
		Opportunity: common.HexToHash("0x01"),
		Txs: []TxDescriptor{
			{Kind: TxBuy, Venue: "venueA", Instrument: "WETH/USDC", Size: 1, Authored: true},
			{Kind: TxSell, Venue: "venueB", Instrument: "WETH/USDC", Size: 1, Authored: true},
		},
		Tip:           0.1,
		ConstructedAt: time.Now(),
		Deadline:      time.Now().Add(time.Minute),
	}
}

func TestJSONRPCGatewaySubmit(t *testing.T) {
	server := gatewayServer(t, func(_ map[string]any) map[string]any {
		return map[string]any{"result": submitBundleResponse{Status: "landed"}}
	})
	defer server.Close()

	gateway := NewJSONRPCGateway(zap.NewNop(), server.URL, time.Second)
	res, err := gateway.Submit(context.Background(), testBundle())
	require.NoError(t, err)
	require.Equal(t, SubmitLanded, res.Status)
}

func TestJSONRPCGatewaySubmitRejected(t *testing.T) {
	t.Run("rpc error", func(t *testing.T) {
		server := gatewayServer(t, func(_ map[string]any) map[string]any {
			return map[string]any{"error": map[string]any{"code": -32000, "message": "tip too low"}}
		})
		defer server.Close()

		gateway := NewJSONRPCGateway(zap.NewNop(), server.URL, time.Second)
		res, err := gateway.Submit(context.Background(), testBundle())
		require.NoError(t, err)
		require.Equal(t, SubmitRejected, res.Status)
		require.Equal(t, "tip too low", res.Reason)
	})

	t.Run("rejected result", func(t *testing.T) {
		server := gatewayServer(t, func(_ map[string]any) map[string]any {
			return map[string]any{"result": submitBundleResponse{Status: "rejected", Reason: "reverted"}}
		})
		defer server.Close()

		gateway := NewJSONRPCGateway(zap.NewNop(), server.URL, time.Second)
		res, err := gateway.Submit(context.Background(), testBundle())
		require.NoError(t, err)
		require.Equal(t, SubmitRejected, res.Status)
		require.Equal(t, "reverted", res.Reason)
	})
}

func TestJSONRPCGatewaySubmitTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer server.Close()

	gateway := NewJSONRPCGateway(zap.NewNop(), server.URL, 50*time.Millisecond)
	res, err := gateway.Submit(context.Background(), testBundle())
	require.NoError(t, err)
	require.Equal(t, SubmitTimeout, res.Status)
}

func TestJSONRPCGatewayUnexpectedResponse(t *testing.T) {
	server := gatewayServer(t, func(_ map[string]any) map[string]any {
		return map[string]any{"result": submitBundleResponse{Status: "maybe"}}
	})
	defer server.Close()

	gateway := NewJSONRPCGateway(zap.NewNop(), server.URL, time.Second)
	_, err := gateway.Submit(context.Background(), testBundle())
	require.ErrorIs(t, err, ErrGatewayResponse)
}
