// Package searcher implements the opportunity pipeline of the searcher node.
// Here is a full flow of data through the node:
//
// venue feeds -> API pushes MarketSnapshot batches
//
// API -> MarketCache stores the latest snapshot per (venue, instrument)
// MarketCache -> Pipeline fans change notifications out to the Detectors
// Detectors -> Registry candidate opportunities are deduplicated by key
// Registry -> ValuationWorker prices candidates (seeded Monte Carlo)
// ValuationWorker -> BundleWorker accepted opportunities are turned into bundles
// BundleWorker -> SubmissionGateway submits the bundle to the auction
//
// OutcomeConsumer -> Engine landed/failed results calibrate the competition model
// OutcomeConsumer -> AttributionStore landed-bundle facts and validator profiles
// Registry -> EventBackend every status transition is published for dashboards
package searcher

import "time"

const (
	// MaxSnapshotBatch bounds a single searcher_pushSnapshots call.
	MaxSnapshotBatch = 100

	// DefaultSamples is the Monte Carlo sample count used when none is configured.
	DefaultSamples = 400

	// DefaultOpportunityTTL is the expiry budget given to a fresh candidate,
	// roughly one block time.
	DefaultOpportunityTTL = 12 * time.Second

	// DefaultStalenessWindow is how long a snapshot stays in the cache
	// without being superseded.
	DefaultStalenessWindow = time.Minute
)
