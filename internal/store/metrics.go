package store

import (
	"errors"
	"time"

	"CryptoHub/internal/observability"
)

// observeOp records one operation against a table: an op counter, its
// latency, and a classified error counter on failure. Deferred from
// every store method with a pointer to the named error return. A nil
// metrics handle disables recording.
func observeOp(metrics *observability.Metrics, table, op string, start time.Time, errp *error) {
	if metrics == nil {
		return
	}
	metrics.StoreOps.WithLabelValues(table, op).Inc()
	metrics.StoreOpLatency.WithLabelValues(table, op).Observe(time.Since(start).Seconds())
	if err := *errp; err != nil {
		metrics.StoreErrors.WithLabelValues(table, op, errClass(err)).Inc()
	}
}

// errClass buckets store failures for the error counter.
func errClass(err error) string {
	var remote *RemoteWriteError
	switch {
	case IsNotFound(err):
		return "not_found"
	case errors.As(err, &remote) && remote.Constraint != "":
		return "constraint"
	default:
		return "write"
	}
}
