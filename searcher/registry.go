package searcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/mevsearch/searcher-node/metrics"
)

var (
	ErrDuplicate          = errors.New("duplicate, non-terminal opportunity with the same key exists")
	ErrUnknownOpportunity = errors.New("unknown opportunity")
	ErrExpired            = errors.New("opportunity expired")
	ErrVersionConflict    = errors.New("version conflict, transition lost the race")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrAlreadyTerminal    = errors.New("opportunity already terminal")
	ErrBelowThreshold     = errors.New("expected profit below cost of execution")
	ErrNotValued          = errors.New("opportunity has no valuation")
)

// OpportunityState is a point-in-time copy of a registry entry. Version is
// the compare-and-set token for the next transition.
type OpportunityState struct {
	Opportunity *Opportunity
	Status      Status
	Version     uint64
	Valuation   *Valuation
	Reason      RejectReason
}

// Registry owns the opportunity state machine. All other components only
// request transitions, never set status directly. Transitions are versioned
// compare-and-set operations: a caller that raced a newer transition gets
// ErrVersionConflict and must re-read. Expiry always wins: any transition
// attempted past the deadline resolves the entry to Expired instead.
type Registry struct {
	log    *zap.Logger
	events EventBackend

	mu      sync.RWMutex
	entries map[common.Hash]*registryEntry

	now func() time.Time
}

type registryEntry struct {
	mu        sync.Mutex
	opp       *Opportunity
	status    Status
	version   uint64
	valuation *Valuation
	reason    RejectReason
}

func NewRegistry(log *zap.Logger, events EventBackend) *Registry {
	return &Registry{
		log:     log.Named("registry"),
		events:  events,
		entries: make(map[common.Hash]*registryEntry),
		now:     time.Now,
	}
}

// SubmitCandidate inserts a fresh Candidate. A live (non-terminal) entry
// with the same key wins and the call fails with ErrDuplicate; a terminal
// entry is replaced, the same logical opportunity may be pursued afresh.
func (r *Registry) SubmitCandidate(ctx context.Context, opp *Opportunity) error {
	if opp.Expired(r.now()) {
		return ErrExpired
	}

	r.mu.Lock()
	if existing, ok := r.entries[opp.Key]; ok {
		existing.mu.Lock()
		live := !existing.status.Terminal()
		existing.mu.Unlock()
		if live {
			r.mu.Unlock()
			return ErrDuplicate
		}
	}
	entry := &registryEntry{opp: opp, status: StatusCandidate, version: 1}
	r.entries[opp.Key] = entry
	r.mu.Unlock()

	r.publish(ctx, opp, "", StatusCandidate, "", 1)
	return nil
}

// Get returns a copy of the entry state for the key.
func (r *Registry) Get(key common.Hash) (OpportunityState, bool) {
	r.mu.RLock()
	entry, ok := r.entries[key]
	r.mu.RUnlock()
	if !ok {
		return OpportunityState{}, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return OpportunityState{
		Opportunity: entry.opp,
		Status:      entry.status,
		Version:     entry.version,
		Valuation:   entry.valuation,
		Reason:      entry.reason,
	}, true
}

// MarkValued attaches a valuation, replacing any prior one.
func (r *Registry) MarkValued(ctx context.Context, key common.Hash, valuation *Valuation, version uint64) error {
	return r.transition(ctx, key, &version, func(s Status) bool {
		return s == StatusCandidate || s == StatusValued
	}, StatusValued, "", valuation)
}

// Accept transitions Candidate/Valued to Accepted. Acceptance is gated on
// the valuation's expected profit exceeding the cost of execution; a
// failing gate resolves the entry to Rejected(BelowThreshold).
func (r *Registry) Accept(ctx context.Context, key common.Hash, execCost float64, version uint64) error {
	state, ok := r.Get(key)
	if !ok {
		return ErrUnknownOpportunity
	}
	if state.Opportunity.Expired(r.now()) {
		_ = r.Expire(ctx, key)
		return ErrExpired
	}
	if state.Valuation == nil {
		return ErrNotValued
	}
	if state.Valuation.ExpectedProfit <= execCost {
		if err := r.transition(ctx, key, &version, nonTerminal, StatusRejected, ReasonBelowThreshold, nil); err != nil {
			return err
		}
		return ErrBelowThreshold
	}
	return r.transition(ctx, key, &version, func(s Status) bool {
		return s == StatusCandidate || s == StatusValued
	}, StatusAccepted, "", nil)
}

// RefreshValuation replaces the valuation of an Accepted entry without a
// status change, used when the valuation went stale between acceptance and
// bundling. The version bump still invalidates racing transitions.
func (r *Registry) RefreshValuation(ctx context.Context, key common.Hash, valuation *Valuation, version uint64) error {
	return r.transition(ctx, key, &version, func(s Status) bool {
		return s == StatusAccepted
	}, StatusAccepted, "", valuation)
}

// MarkBundled transitions Accepted to Bundled.
func (r *Registry) MarkBundled(ctx context.Context, key common.Hash, version uint64) error {
	return r.transition(ctx, key, &version, func(s Status) bool {
		return s == StatusAccepted
	}, StatusBundled, "", nil)
}

// MarkSubmitted transitions Bundled to Submitted.
func (r *Registry) MarkSubmitted(ctx context.Context, key common.Hash, version uint64) error {
	return r.transition(ctx, key, &version, func(s Status) bool {
		return s == StatusBundled
	}, StatusSubmitted, "", nil)
}

// ResolveLanded transitions Submitted to Landed.
func (r *Registry) ResolveLanded(ctx context.Context, key common.Hash) error {
	return r.transition(ctx, key, nil, func(s Status) bool {
		return s == StatusSubmitted
	}, StatusLanded, "", nil)
}

// Reject resolves any non-terminal entry to Rejected with a stated reason.
func (r *Registry) Reject(ctx context.Context, key common.Hash, reason RejectReason) error {
	return r.transition(ctx, key, nil, nonTerminal, StatusRejected, reason, nil)
}

// Expire resolves any non-terminal entry to Expired.
func (r *Registry) Expire(ctx context.Context, key common.Hash) error {
	return r.transition(ctx, key, nil, nonTerminal, StatusExpired, ReasonExpired, nil)
}

// ExpireDue sweeps every entry whose deadline passed into Expired and
// returns the number of entries it resolved.
func (r *Registry) ExpireDue(ctx context.Context, now time.Time) int {
	r.mu.RLock()
	due := make([]common.Hash, 0)
	for key, entry := range r.entries {
		entry.mu.Lock()
		if !entry.status.Terminal() && entry.opp.Expired(now) {
			due = append(due, key)
		}
		entry.mu.Unlock()
	}
	r.mu.RUnlock()

	expired := 0
	for _, key := range due {
		if err := r.Expire(ctx, key); err == nil {
			expired++
		}
	}
	return expired
}

func nonTerminal(s Status) bool { return !s.Terminal() }

// transition is the single compare-and-set point of the state machine.
// version may be nil for unconditional (deadline and outcome driven)
// transitions.
func (r *Registry) transition(ctx context.Context, key common.Hash, version *uint64, allowed func(Status) bool, to Status, reason RejectReason, valuation *Valuation) error {
	r.mu.RLock()
	entry, ok := r.entries[key]
	r.mu.RUnlock()
	if !ok {
		return ErrUnknownOpportunity
	}

	entry.mu.Lock()
	if entry.status.Terminal() {
		entry.mu.Unlock()
		return ErrAlreadyTerminal
	}
	if version != nil && entry.version != *version {
		entry.mu.Unlock()
		return ErrVersionConflict
	}
	// the deadline wins over any in-flight transition
	if !to.Terminal() && entry.opp.Expired(r.now()) {
		from := entry.status
		entry.status = StatusExpired
		entry.reason = ReasonExpired
		entry.version++
		opp, v := entry.opp, entry.version
		entry.mu.Unlock()
		r.finish(ctx, opp, from, StatusExpired, ReasonExpired, v)
		return ErrExpired
	}
	if !allowed(entry.status) {
		entry.mu.Unlock()
		return ErrInvalidTransition
	}
	from := entry.status
	entry.status = to
	entry.reason = reason
	if valuation != nil {
		entry.valuation = valuation
	}
	entry.version++
	opp, v := entry.opp, entry.version
	entry.mu.Unlock()

	r.finish(ctx, opp, from, to, reason, v)
	return nil
}

func (r *Registry) finish(ctx context.Context, opp *Opportunity, from, to Status, reason RejectReason, version uint64) {
	if to.Terminal() {
		metrics.IncOpportunitiesResolved(to.String())
	}
	r.publish(ctx, opp, from.String(), to, reason, version)
}

func (r *Registry) publish(ctx context.Context, opp *Opportunity, from string, to Status, reason RejectReason, version uint64) {
	if r.events == nil {
		return
	}
	ev := TransitionEvent{
		Key:     opp.Key,
		Type:    opp.Type,
		From:    from,
		To:      to.String(),
		Reason:  string(reason),
		Version: version,
		At:      r.now(),
	}
	if err := r.events.PublishTransition(ctx, ev); err != nil {
		r.log.Error("failed to publish transition event",
			zap.Error(err), zap.String("key", opp.Key.Hex()), zap.String("to", ev.To))
	}
}
