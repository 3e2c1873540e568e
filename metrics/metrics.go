// Package metrics contains all application-logic metrics
package metrics

import (
	"fmt"

	"github.com/VictoriaMetrics/metrics"
)

var (
	failovers               = metrics.NewCounter("endpoint_failovers_total")
	exhaustedEndpoints      = metrics.NewCounter("endpoint_exhausted_total")
	healthSweepsNoneHealthy = metrics.NewCounter("endpoint_health_sweeps_none_healthy_total")

	bundlesSubmitted     = metrics.NewCounter("bundles_submitted_total")
	bundlesIncluded      = metrics.NewCounter("bundles_included_total")
	bundlesMissed        = metrics.NewCounter("bundles_missed_total")
	bundlesNonceError    = metrics.NewCounter("bundles_nonce_error_total")
	bundlesFailed        = metrics.NewCounter("bundles_failed_total")
	bundleInclusionTime  = metrics.NewSummary("bundle_inclusion_duration_milliseconds")
	relayUnhealthyChecks = metrics.NewCounter("relay_health_check_failed_total")

	deliveryFallbacks     = metrics.NewCounter("delivery_fallbacks_total")
	deliveryPublicFailure = metrics.NewCounter("delivery_public_failures_total")

	eventsDropped     = metrics.NewCounter("events_dropped_total")
	eventSinkFailures = metrics.NewCounter("event_sink_failures_total")
)

func IncFailover() {
	failovers.Inc()
}

func IncExhaustedEndpoints() {
	exhaustedEndpoints.Inc()
}

func IncHealthSweepNoneHealthy() {
	healthSweepsNoneHealthy.Inc()
}

func IncEndpointRequest(endpoint string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`endpoint_requests_total{endpoint="%s"}`, endpoint)).Inc()
}

func IncEndpointFailure(endpoint string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`endpoint_failures_total{endpoint="%s"}`, endpoint)).Inc()
}

func RecordEndpointLatency(endpoint string, ms int64) {
	metrics.GetOrCreateSummary(fmt.Sprintf(`endpoint_latency_milliseconds{endpoint="%s"}`, endpoint)).Update(float64(ms))
}

func IncBundlesSubmitted() {
	bundlesSubmitted.Inc()
}

func IncBundlesIncluded() {
	bundlesIncluded.Inc()
}

func IncBundlesMissed() {
	bundlesMissed.Inc()
}

func IncBundlesNonceError() {
	bundlesNonceError.Inc()
}

func IncBundlesFailed() {
	bundlesFailed.Inc()
}

func RecordBundleInclusionDuration(ms int64) {
	bundleInclusionTime.Update(float64(ms))
}

func IncRelayHealthCheckFailed() {
	relayUnhealthyChecks.Inc()
}

func RecordRelayCallDuration(method string, ms int64) {
	metrics.GetOrCreateSummary(fmt.Sprintf(`relay_call_duration_milliseconds{method="%s"}`, method)).Update(float64(ms))
}

func IncRelayCallFailure(method string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`relay_call_failures_total{method="%s"}`, method)).Inc()
}

func IncDelivery(path string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`deliveries_total{path="%s"}`, path)).Inc()
}

func IncDeliveryFallback() {
	deliveryFallbacks.Inc()
}

func IncDeliveryPublicFailure() {
	deliveryPublicFailure.Inc()
}

func IncEventsDropped() {
	eventsDropped.Inc()
}

func IncEventSinkFailure() {
	eventSinkFailures.Inc()
}
