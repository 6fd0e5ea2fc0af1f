package oppqueue

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	// MaxRetries is the maximum number of times an item is rescheduled
	// after a processing attempt before being dropped.
	MaxRetries uint16
	// MaxQueuedItemsLowPrio is the queue size threshold applied to
	// low-priority pushes.
	MaxQueuedItemsLowPrio uint64
	// MaxQueuedItemsHighPrio is the queue size threshold applied to
	// high-priority pushes.
	MaxQueuedItemsHighPrio uint64
	// WorkerTimeout bounds a single ProcessFunc invocation.
	WorkerTimeout time.Duration
	// RetryDelay is how long an item rescheduled with ErrProcessRetryLater
	// waits before becoming processable again.
	RetryDelay time.Duration
}

var DefaultConfig = Config{
	MaxRetries:             3,
	MaxQueuedItemsLowPrio:  1024,
	MaxQueuedItemsHighPrio: 2048,
	WorkerTimeout:          2 * time.Second,
	RetryDelay:             50 * time.Millisecond,
}

// ConfigFromEnv loads `oppqueue` config from environment.
// - `OPPQUEUE_MAX_RETRIES`
// - `OPPQUEUE_MAX_QUEUED_ITEMS_LOW_PRIO`
// - `OPPQUEUE_MAX_QUEUED_ITEMS_HIGH_PRIO`
// - `OPPQUEUE_WORKER_TIMEOUT_MS`
// - `OPPQUEUE_RETRY_DELAY_MS`
func ConfigFromEnv() (Config, error) {
	config := DefaultConfig

	if val := os.Getenv("OPPQUEUE_MAX_RETRIES"); val != "" {
		maxRetries, err := strconv.ParseUint(val, 10, 16)
		if err != nil {
			return config, err
		}
		config.MaxRetries = uint16(maxRetries)
	}
	if val := os.Getenv("OPPQUEUE_MAX_QUEUED_ITEMS_LOW_PRIO"); val != "" {
		maxQueuedItems, err := strconv.ParseUint(val, 10, 64)
		if err != nil {
			return config, err
		}
		config.MaxQueuedItemsLowPrio = maxQueuedItems
	}
	if val := os.Getenv("OPPQUEUE_MAX_QUEUED_ITEMS_HIGH_PRIO"); val != "" {
		maxQueuedItems, err := strconv.ParseUint(val, 10, 64)
		if err != nil {
			return config, err
		}
		config.MaxQueuedItemsHighPrio = maxQueuedItems
	}
	if val := os.Getenv("OPPQUEUE_WORKER_TIMEOUT_MS"); val != "" {
		workerTimeoutMs, err := strconv.Atoi(val)
		if err != nil {
			return config, err
		}
		config.WorkerTimeout = time.Duration(workerTimeoutMs) * time.Millisecond
	}
	if val := os.Getenv("OPPQUEUE_RETRY_DELAY_MS"); val != "" {
		retryDelayMs, err := strconv.Atoi(val)
		if err != nil {
			return config, err
		}
		config.RetryDelay = time.Duration(retryDelayMs) * time.Millisecond
	}

	return config, nil
}
