package searcher

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

// TransitionEvent is published on every opportunity status transition.
// Events are immutable facts, consumers never mutate pipeline state through
// this channel.
type TransitionEvent struct {
	Key     common.Hash     `json:"key"`
	Type    OpportunityType `json:"type"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to"`
	Reason  string          `json:"reason,omitempty"`
	Version uint64          `json:"version"`
	At      time.Time       `json:"at"`
}

// SubmissionEvent is published for every bundle submission result.
type SubmissionEvent struct {
	Key    common.Hash  `json:"key"`
	Status SubmitStatus `json:"status"`
	Reason string       `json:"reason,omitempty"`
	Tip    float64      `json:"tip"`
	At     time.Time    `json:"at"`
}

// EventBackend delivers pipeline events to presentation-layer consumers
// such as a live dashboard.
type EventBackend interface {
	PublishTransition(ctx context.Context, ev TransitionEvent) error
	PublishSubmission(ctx context.Context, ev SubmissionEvent) error
}

type RedisEventBackend struct {
	client            *redis.Client
	transitionChannel string
	submissionChannel string
}

func NewRedisEventBackend(redisClient *redis.Client, transitionChannel, submissionChannel string) *RedisEventBackend {
	return &RedisEventBackend{
		client:            redisClient,
		transitionChannel: transitionChannel,
		submissionChannel: submissionChannel,
	}
}

func (b *RedisEventBackend) PublishTransition(ctx context.Context, ev TransitionEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.transitionChannel, data).Err()
}

func (b *RedisEventBackend) PublishSubmission(ctx context.Context, ev SubmissionEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.submissionChannel, data).Err()
}

// MemEventBackend collects events in memory, used in tests.
type MemEventBackend struct {
	mu          sync.Mutex
	Transitions []TransitionEvent
	Submissions []SubmissionEvent
}

func NewMemEventBackend() *MemEventBackend {
	return &MemEventBackend{}
}

func (b *MemEventBackend) PublishTransition(_ context.Context, ev TransitionEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Transitions = append(b.Transitions, ev)
	return nil
}

func (b *MemEventBackend) PublishSubmission(_ context.Context, ev SubmissionEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Submissions = append(b.Submissions, ev)
	return nil
}

func (b *MemEventBackend) TransitionsFor(key common.Hash) []TransitionEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]TransitionEvent, 0)
	for _, ev := range b.Transitions {
		if ev.Key == key {
			out = append(out, ev)
		}
	}
	return out
}
