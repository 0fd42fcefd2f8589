package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Semantic convention attributes.
var (
	AttrOperation = attribute.Key("xase.operation")
	AttrTenantID  = attribute.Key("xase.tenant.id")
	AttrReplayed  = attribute.Key("xase.ledger.replayed")

	// Jobs
	AttrJobID      = attribute.Key("xase.job.id")
	AttrJobType    = attribute.Key("xase.job.type")
	AttrJobAttempt = attribute.Key("xase.job.attempt")
	AttrJobOutcome = attribute.Key("xase.job.outcome")

	// Bundles
	AttrBundleID = attribute.Key("xase.bundle.id")

	// Crypto
	AttrCryptoAlgorithm = attribute.Key("xase.crypto.algorithm")
	AttrCryptoOperation = attribute.Key("xase.crypto.operation")
	AttrCryptoKeyID     = attribute.Key("xase.crypto.key_id")
)

// Job outcomes reported by RecordJob.
const (
	OutcomeDone        = "done"
	OutcomeRescheduled = "rescheduled"
	OutcomeDeadLetter  = "dead_letter"
)

// JobOperation creates attributes for a job attempt.
func JobOperation(jobID, jobType string, attempt int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrJobID.String(jobID),
		AttrJobType.String(jobType),
		AttrJobAttempt.Int(attempt),
	}
}

// BundleOperation creates attributes for bundle work.
func BundleOperation(tenantID, bundleID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTenantID.String(tenantID),
		AttrBundleID.String(bundleID),
	}
}

// CryptoOperation creates attributes for cryptographic operations.
func CryptoOperation(algorithm, operation, keyID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrCryptoAlgorithm.String(algorithm),
		AttrCryptoOperation.String(operation),
		AttrCryptoKeyID.String(keyID),
	}
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}
