package searcher

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestRedisEventBackend(t *testing.T) {
	red := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	backend := NewRedisEventBackend(red, "test-transitions", "test-submissions")

	transitions := red.Subscribe(ctx, "test-transitions")
	defer func() { _ = transitions.Close() }()
	submissions := red.Subscribe(ctx, "test-submissions")
	defer func() { _ = submissions.Close() }()
	// subscription startup is asynchronous
	time.Sleep(100 * time.Millisecond)

	key := common.HexToHash("0x01")
	require.NoError(t, backend.PublishTransition(ctx, TransitionEvent{
		Key:     key,
		Type:    TypeArbitrage,
		From:    "candidate",
		To:      "valued",
		Version: 2,
		At:      time.Now(),
	}))

	msg, err := transitions.ReceiveMessage(ctx)
	require.NoError(t, err)
	var transition TransitionEvent
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &transition))
	require.Equal(t, key, transition.Key)
	require.Equal(t, "valued", transition.To)

	require.NoError(t, backend.PublishSubmission(ctx, SubmissionEvent{
		Key:    key,
		Status: SubmitLanded,
		Tip:    0.1,
		At:     time.Now(),
	}))

	msg, err = submissions.ReceiveMessage(ctx)
	require.NoError(t, err)
	var submission SubmissionEvent
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &submission))
	require.Equal(t, SubmitLanded, submission.Status)
	require.Equal(t, 0.1, submission.Tip)
}
