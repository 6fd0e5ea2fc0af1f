// Package metrics contains all application-logic metrics
package metrics

import (
	"fmt"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

var (
	snapshotsReceived      = metrics.NewCounter("snapshots_received_total")
	snapshotsReceivedValid = metrics.NewCounter("snapshots_received_valid_total")
	snapshotsReceivedStale = metrics.NewCounter("snapshots_received_stale_total")

	valuationsHighRisk = metrics.NewCounter("valuations_high_risk_total")

	bundlesConstructed       = metrics.NewCounter("bundles_constructed_total")
	bundleConstructionFailed = metrics.NewCounter("bundle_construction_failed_total")

	queueFullOpportunities = metrics.NewCounter("opportunities_queue_full_total")
	pipelineFatalErrors    = metrics.NewCounter("pipeline_fatal_errors_total")

	valuationDuration  = metrics.GetOrCreateSummary("valuation_duration_seconds")
	submissionDuration = metrics.GetOrCreateSummary("submission_duration_seconds")
)

func IncSnapshotsReceived() {
	snapshotsReceived.Inc()
}

func IncSnapshotsReceivedValid() {
	snapshotsReceivedValid.Inc()
}

func IncSnapshotsReceivedStale() {
	snapshotsReceivedStale.Inc()
}

// IncOpportunitiesDetected counts detections per detector kind.
func IncOpportunitiesDetected(kind string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`opportunities_detected_total{kind="%s"}`, kind)).Inc()
}

// IncOpportunitiesResolved counts opportunities entering a terminal status.
func IncOpportunitiesResolved(status string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`opportunities_resolved_total{status="%s"}`, status)).Inc()
}

func IncValuationsHighRisk() {
	valuationsHighRisk.Inc()
}

func IncBundlesConstructed() {
	bundlesConstructed.Inc()
}

func IncBundleConstructionFailed() {
	bundleConstructionFailed.Inc()
}

// IncSubmissionResult counts gateway results per outcome (landed, rejected, timeout).
func IncSubmissionResult(result string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`submissions_total{result="%s"}`, result)).Inc()
}

func IncQueueFullOpportunities() {
	queueFullOpportunities.Inc()
}

func IncPipelineFatalErrors() {
	pipelineFatalErrors.Inc()
}

func RecordValuationDuration(d time.Duration) {
	valuationDuration.Update(d.Seconds())
}

func RecordSubmissionDuration(d time.Duration) {
	submissionDuration.Update(d.Seconds())
}
