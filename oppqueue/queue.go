// Package oppqueue is an in-process, deadline-aware priority queue that
// connects pipeline stages.
//
// Usage:
// 1. Create a new queue instance with `NewQueue`.
// 2. Start the processing loop with `StartProcessLoop`.
// 3. Push items to the queue with `Push`.
//
// Queue submission:
//  1. Client pushes an item specifying the earliest time it should be
//     processed at, its hard expiry deadline and whether it is high priority.
//  2. If the queue is full the item is discarded and `ErrQueueFull` is
//     returned. There is a separate limit for high-priority items.
//
// Queue processing:
//
//  1. The queue is processed in a loop by a number of workers in parallel.
//     The amount of workers is determined by the number of `ProcessFunc`
//     functions passed to `StartProcessLoop`.
//
//  2. Workers pop the next processable item. Order is determined by the
//     following rules:
//     * Among ready items, high-priority items always go first, no matter
//     how long low-priority items have been waiting.
//     * Within a priority class, items with an earlier ready time are
//     processed first, then items with fewer retries, then earlier
//     submission time. If no item is ready yet, workers sleep until one is.
//     * Items whose deadline has passed are dropped without processing.
//     Expiry is a hard deadline, not advisory.
//
//  3. The `ProcessFunc` is responsible for processing the item:
//     * It should return `nil` if the item was processed successfully.
//     * If the item should be retried after the configured retry delay,
//     return `ErrProcessRetryLater`.
//     * If the worker itself failed and the item should be retried
//     immediately by (hopefully) another worker, return
//     `ErrProcessWorkerError`.
//     * If the item must never be retried, return `ErrProcessUnrecoverable`.
//     * Items are rescheduled at most `MaxRetries` times and never past
//     their deadline.
//
// Queue shutdown:
// 1. Workers are shut down by cancelling the context passed to
// `StartProcessLoop`.
// 2. The WaitGroup returned from `StartProcessLoop` can be used to wait for
// all workers to finish processing.
package oppqueue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

var (
	ErrDeadlinePassed    = errors.New("item deadline already passed")
	ErrQueueFull         = errors.New("queue is full")
	ErrMaxRetriesReached = errors.New("max retries reached")
	ErrNoTimeLeft        = errors.New("failed to requeue item, no time left before deadline")
)

// Errors returned by ProcessFunc.
var (
	// ErrProcessRetryLater is returned by ProcessFunc if the item should be retried after the retry delay.
	ErrProcessRetryLater = errors.New("retry item after the retry delay")
	// ErrProcessWorkerError is returned by ProcessFunc if the item should be retried immediately by another worker.
	ErrProcessWorkerError = errors.New("worker error, retry processing on another worker")
	// ErrProcessUnrecoverable is returned by ProcessFunc if the item should never be retried.
	ErrProcessUnrecoverable = errors.New("unrecoverable error, do not retry")
)

// QueueItemInfo is passed to ProcessFunc along with the item payload.
type QueueItemInfo struct {
	// Retries is the number of times this item was rescheduled after a
	// processing attempt.
	Retries int
}

type ProcessFunc func(ctx context.Context, data []byte, info QueueItemInfo) error

type Queue struct {
	log  *zap.Logger
	name string

	Config Config

	// ready high-priority items preempt ready low-priority ones, so the
	// two classes live in separate heaps
	mu      sync.Mutex
	high    itemHeap
	low     itemHeap
	seq     uint64
	dropped uint64

	// wake is signalled on every push so sleeping workers re-check the heap.
	wake chan struct{}

	// now is overridable for tests.
	now func() time.Time
}

func NewQueue(log *zap.Logger, name string) *Queue {
	log = log.With(zap.String("queue", name))
	return &Queue{
		log:    log,
		name:   name,
		Config: DefaultConfig,
		wake:   make(chan struct{}, 1),
		now:    time.Now,
	}
}

// Push adds an item to the queue. The item becomes processable at readyAt
// (immediately if readyAt is in the past) and is dropped unprocessed once
// deadline passes.
func (q *Queue) Push(data []byte, highPriority bool, readyAt, deadline time.Time) error {
	now := q.now()
	if !deadline.After(now) {
		q.log.Debug("item deadline already passed, skipping",
			zap.Time("deadline", deadline), zap.Time("now", now))
		return ErrDeadlinePassed
	}
	if readyAt.Before(now) {
		readyAt = now
	}

	q.mu.Lock()
	threshold := q.Config.MaxQueuedItemsLowPrio
	if highPriority {
		threshold = q.Config.MaxQueuedItemsHighPrio
	}
	if uint64(q.lenLocked()) >= threshold {
		queued := q.lenLocked()
		q.mu.Unlock()
		q.log.Error("too many unprocessed items in the queue",
			zap.Int("queued", queued), zap.Uint64("max_queued_items", threshold))
		return ErrQueueFull
	}
	q.pushLocked(&item{
		data:         data,
		readyAt:      readyAt,
		deadline:     deadline,
		highPriority: highPriority,
		enqueuedAt:   now,
	})
	q.mu.Unlock()

	q.log.Debug("pushed to queue",
		zap.Time("ready_at", readyAt), zap.Time("deadline", deadline), zap.Bool("high_priority", highPriority))
	return nil
}

// Len returns the number of items waiting in the queue.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked()
}

func (q *Queue) lenLocked() int {
	return q.high.Len() + q.low.Len()
}

// Dropped returns the number of items dropped because their deadline passed
// while queued.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

func (q *Queue) pushLocked(it *item) {
	q.seq++
	it.seq = q.seq
	if it.highPriority {
		heap.Push(&q.high, it)
	} else {
		heap.Push(&q.low, it)
	}

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// popReadyLocked returns the next processable item, consulting the
// high-priority heap before the low-priority one so a ready high-priority
// item overtakes every waiting low-priority item. Items whose deadline
// passed while queued are dropped here. When nothing is ready, sleep is
// set to the wait until the earliest item becomes ready.
func (q *Queue) popReadyLocked(now time.Time, sleep *time.Duration) *item {
	for _, h := range []*itemHeap{&q.high, &q.low} {
		for h.Len() > 0 {
			top := (*h)[0]
			if !top.deadline.After(now) {
				heap.Pop(h)
				q.dropped++
				q.log.Debug("dropping expired item",
					zap.Time("deadline", top.deadline), zap.Uint16("retries", top.retries))
				continue
			}
			if !top.readyAt.After(now) {
				it, _ := heap.Pop(h).(*item)
				return it
			}
			if wait := top.readyAt.Sub(now); *sleep < 0 || wait < *sleep {
				*sleep = wait
			}
			break
		}
	}
	return nil
}

// pop blocks until an item is ready for processing or ctx is cancelled.
func (q *Queue) pop(ctx context.Context) (*item, error) {
	for {
		now := q.now()
		var sleep time.Duration = -1

		q.mu.Lock()
		it := q.popReadyLocked(now, &sleep)
		q.mu.Unlock()
		if it != nil {
			return it, nil
		}

		if sleep < 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-q.wake:
			}
			continue
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-q.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (q *Queue) processNextItem(ctx context.Context, process ProcessFunc) error {
	it, err := q.pop(ctx)
	if err != nil {
		return err
	}

	workerCtx, workerCancel := context.WithTimeout(ctx, q.Config.WorkerTimeout)
	defer workerCancel()
	err = process(workerCtx, it.data, QueueItemInfo{Retries: int(it.retries)})

	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrProcessWorkerError):
		q.log.Warn("worker failed to process item, retrying", zap.Error(err), zap.Uint16("retries", it.retries))
		if err := q.retryItem(it, 0); err != nil {
			q.log.Debug("item not requeued", zap.Error(err))
		}
	case errors.Is(err, ErrProcessRetryLater):
		q.log.Debug("worker iteration failed, rescheduled",
			zap.Error(err),
			zap.Duration("retry_delay", q.Config.RetryDelay),
			zap.Time("deadline", it.deadline),
		)
		if err := q.retryItem(it, q.Config.RetryDelay); err != nil {
			q.log.Debug("item not requeued", zap.Error(err))
		}
	case errors.Is(err, ErrProcessUnrecoverable):
		q.log.Debug("item dropped, unrecoverable", zap.Error(err))
	case err != nil:
		return err
	}
	timeInQueue := q.now().Sub(it.enqueuedAt)
	q.log.Debug("processed queue item", zap.Uint16("retries", it.retries), zap.Duration("time_in_queue", timeInQueue))
	return nil
}

// StartProcessLoop starts a loop that will process items from the queue.
// It spawns a goroutine for each worker.
// ctx can be used to signal shutdown.
// The WaitGroup is returned to allow for a graceful shutdown.
func (q *Queue) StartProcessLoop(ctx context.Context, workers []ProcessFunc) *sync.WaitGroup {
	var wg sync.WaitGroup
	for _, process := range workers {
		wg.Add(1)
		go func(process ProcessFunc) {
			defer wg.Done()

			exp := backoff.NewExponentialBackOff()
			exp.MaxInterval = 30 * time.Second
			exp.MaxElapsedTime = 2 * time.Minute
			back := backoff.WithContext(exp, ctx)
			for {
				select {
				case <-ctx.Done():
					return
				default:
					err := backoff.Retry(func() error {
						return q.processNextItem(ctx, process)
					}, back)
					if err != nil && !errors.Is(err, context.Canceled) {
						q.log.Error("Processing next element failed", zap.Error(err))
					}
				}
			}
		}(process)
	}
	return &wg
}

func (q *Queue) retryItem(it *item, delay time.Duration) error {
	if it.retries >= q.Config.MaxRetries {
		return ErrMaxRetriesReached
	}
	it.retries++

	now := q.now()
	it.readyAt = now.Add(delay)
	if !it.readyAt.Before(it.deadline) {
		return ErrNoTimeLeft
	}

	// Requeueing bypasses the size threshold: the item already held a slot.
	q.mu.Lock()
	q.pushLocked(it)
	q.mu.Unlock()
	return nil
}

type item struct {
	data         []byte
	readyAt      time.Time
	deadline     time.Time
	highPriority bool
	enqueuedAt   time.Time
	retries      uint16
	seq          uint64
}

type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if !a.readyAt.Equal(b.readyAt) {
		return a.readyAt.Before(b.readyAt)
	}
	if a.retries != b.retries {
		return a.retries < b.retries
	}
	if !a.enqueuedAt.Equal(b.enqueuedAt) {
		return a.enqueuedAt.Before(b.enqueuedAt)
	}
	return a.seq < b.seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(*item)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
