package ledger

import (
	"time"

	"github.com/xase-labs/xase-core/pkg/crypto"
)

// TimestampPrecision is the resolution every store keeps.
const TimestampPrecision = time.Microsecond

// Seal turns a draft into the record that follows prev (nil for genesis).
//
// Timestamps are strictly increasing along a chain: when now does not come
// after prev.Timestamp (clock skew, coarse clocks) the record is stamped one
// microsecond after its predecessor.
func Seal(prev *DecisionRecord, d Draft, now time.Time) *DecisionRecord {
	rec := &DecisionRecord{
		TenantID:       d.TenantID,
		TransactionID:  d.TransactionID,
		IdempotencyKey: d.IdempotencyKey,
		InputHash:      d.InputHash,
		OutputHash:     d.OutputHash,
		ContextHash:    d.ContextHash,
		InputPayload:   d.InputPayload,
		OutputPayload:  d.OutputPayload,
		ContextPayload: d.ContextPayload,
		Metadata:       d.Metadata,
		Sequence:       1,
		Timestamp:      now.UTC().Truncate(TimestampPrecision),
	}
	if rec.TransactionID == "" {
		rec.TransactionID = crypto.GenerateTransactionID()
	}

	if prev != nil {
		prevHash := prev.RecordHash
		rec.PreviousHash = &prevHash
		rec.Sequence = prev.Sequence + 1
		if !rec.Timestamp.After(prev.Timestamp) {
			rec.Timestamp = prev.Timestamp.UTC().Add(TimestampPrecision)
		}
	}

	rec.RecordHash = crypto.RecordHash(rec.PreviousHash, rec.InputHash, rec.OutputHash, rec.ContextHash)
	return rec
}
