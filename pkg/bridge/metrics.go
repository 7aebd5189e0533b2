package bridge

import "github.com/VictoriaMetrics/metrics"

// counters are process-wide; scrape with metrics.WritePrometheus if needed
var (
	requestsTotal   = metrics.GetOrCreateCounter(`bridge_requests_total`)
	rejectedTotal   = metrics.GetOrCreateCounter(`bridge_requests_rejected_total`)
	timeoutsTotal   = metrics.GetOrCreateCounter(`bridge_timeouts_total`)
	callbacksTotal  = metrics.GetOrCreateCounter(`bridge_callbacks_total`)
	requestDuration = metrics.GetOrCreateSummary(`bridge_request_duration_seconds`)
)
