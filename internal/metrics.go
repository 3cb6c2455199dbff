package internal

import (
	"expvar"
	"time"
)

var (
	requestsTotal      = expvar.NewMap("gitslack_requests_total")
	parseErrors        = expvar.NewMap("gitslack_parse_errors_total")
	publishErrors      = expvar.NewMap("gitslack_publish_errors_total")
	pushesPublished    = expvar.NewMap("gitslack_pushes_published_total")
	pushesReceived     = expvar.NewInt("gitslack_pushes_received_total")
	pushesDropped      = expvar.NewMap("gitslack_pushes_dropped_total")
	messagesEnqueued   = expvar.NewInt("gitslack_messages_enqueued_total")
	messagesPosted     = expvar.NewInt("gitslack_messages_posted_total")
	rateLimitedTotal   = expvar.NewInt("gitslack_rate_limited_total")
	rateLimitedSeconds = expvar.NewFloat("gitslack_rate_limited_seconds_total")
	deliveryErrors     = expvar.NewInt("gitslack_delivery_errors_total")
	workerFailures     = expvar.NewMap("gitslack_worker_failures_total")
)

func IncRequest(provider string) {
	requestsTotal.Add(provider, 1)
}

func IncParseError(provider string) {
	parseErrors.Add(provider, 1)
}

func IncPublishError(driver string) {
	publishErrors.Add(driver, 1)
}

func IncPublished(provider string) {
	pushesPublished.Add(provider, 1)
}

func IncPushReceived() {
	pushesReceived.Add(1)
}

// IncPushDropped counts pushes that produced no message, keyed by reason.
func IncPushDropped(reason string) {
	pushesDropped.Add(reason, 1)
}

func IncEnqueued() {
	messagesEnqueued.Add(1)
}

func IncPosted() {
	messagesPosted.Add(1)
}

func ObserveRateLimited(wait time.Duration) {
	rateLimitedTotal.Add(1)
	rateLimitedSeconds.Add(wait.Seconds())
}

func IncDeliveryError() {
	deliveryErrors.Add(1)
}

// IncWorkerFailure counts failed messages by how they were settled.
func IncWorkerFailure(requeued bool) {
	if requeued {
		workerFailures.Add("requeued", 1)
		return
	}
	workerFailures.Add("acked", 1)
}
