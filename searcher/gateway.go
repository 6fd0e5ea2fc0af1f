package searcher

import (
	"context"
	"errors"
	"time"

	"github.com/ybbus/jsonrpc/v3"
	"go.uber.org/zap"

	"github.com/mevsearch/searcher-node/metrics"
)

var ErrGatewayResponse = errors.New("unexpected submission gateway response")

// SubmissionGateway is the block-engine auction boundary. A Timeout result
// is final for the attempt: the caller may re-bundle with a fresh valuation
// if budget remains, the gateway itself never retries.
type SubmissionGateway interface {
	Submit(ctx context.Context, bundle *Bundle) (SubmitResult, error)
}

type JSONRPCGateway struct {
	log     *zap.Logger
	client  jsonrpc.RPCClient
	timeout time.Duration
}

func NewJSONRPCGateway(log *zap.Logger, url string, timeout time.Duration) *JSONRPCGateway {
	return &JSONRPCGateway{
		log:     log.Named("gateway"),
		client:  jsonrpc.NewClient(url),
		timeout: timeout,
	}
}

type submitBundleResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

func (g *JSONRPCGateway) Submit(ctx context.Context, bundle *Bundle) (SubmitResult, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	startAt := time.Now()
	res, err := g.client.Call(ctx, "auction_submitBundle", []*Bundle{bundle})
	metrics.RecordSubmissionDuration(time.Since(startAt))
	if err != nil {
		// the rpc client does not expose the wrapped transport error,
		// consult the context as well
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			metrics.IncSubmissionResult(string(SubmitTimeout))
			return SubmitResult{Status: SubmitTimeout}, nil
		}
		return SubmitResult{}, err
	}
	if res.Error != nil {
		metrics.IncSubmissionResult(string(SubmitRejected))
		return SubmitResult{Status: SubmitRejected, Reason: res.Error.Message}, nil
	}

	var out submitBundleResponse
	if err := res.GetObject(&out); err != nil {
		return SubmitResult{}, err
	}
	switch out.Status {
	case string(SubmitLanded), string(SubmitRejected), string(SubmitTimeout):
		metrics.IncSubmissionResult(out.Status)
		return SubmitResult{Status: SubmitStatus(out.Status), Reason: out.Reason}, nil
	default:
		g.log.Error("unexpected gateway response", zap.String("status", out.Status))
		return SubmitResult{}, ErrGatewayResponse
	}
}
