package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Standard attribute keys.
const (
	// Project / cache
	AttrProjectURI    = "project.uri"
	AttrProjectScheme = "project.scheme"
	AttrCacheStatus   = "cache.status"
	AttrCachePinned   = "cache.pinned"
	AttrCacheSize     = "cache.size"

	// Pool / worker
	AttrPoolName     = "pool.name"
	AttrWorkerName   = "worker.name"
	AttrWorkerPID    = "worker.pid"
	AttrIdleWorkers  = "pool.idle_workers"
	AttrWaitingCalls = "pool.waiting_requests"

	// RPC / request
	AttrMsgType       = "rpc.msg_type"
	AttrReplyStatus   = "rpc.reply_status"
	AttrRequestTarget = "rpc.target"

	// Validation
	AttrValidationLevel  = "validation.level"
	AttrValidationErrors = "validation.errors"
	AttrValidationPassed = "validation.passed"
)

// CheckoutAttributes returns attributes describing a cache checkout/update outcome.
func CheckoutAttributes(uri, scheme, status string, pinned bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrProjectURI, uri),
		attribute.String(AttrProjectScheme, scheme),
		attribute.String(AttrCacheStatus, status),
		attribute.Bool(AttrCachePinned, pinned),
	}
}

// PoolAttributes returns attributes describing a worker pool's state.
func PoolAttributes(pool string, idle, waiting int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrPoolName, pool),
		attribute.Int(AttrIdleWorkers, idle),
		attribute.Int(AttrWaitingCalls, waiting),
	}
}

// RequestAttributes returns attributes describing an RPC/pipe request dispatch.
func RequestAttributes(msgType int, target string, replyStatus int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int(AttrMsgType, msgType),
		attribute.String(AttrRequestTarget, target),
		attribute.Int(AttrReplyStatus, replyStatus),
	}
}

// ValidationAttributes returns attributes describing a project/layer validation pass.
func ValidationAttributes(level string, errorsCount int, passed bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrValidationLevel, level),
		attribute.Int(AttrValidationErrors, errorsCount),
		attribute.Bool(AttrValidationPassed, passed),
	}
}
