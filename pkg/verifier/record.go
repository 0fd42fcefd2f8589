package verifier

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/xase-labs/xase-core/pkg/canonicalize"
	"github.com/xase-labs/xase-core/pkg/crypto"
	"github.com/xase-labs/xase-core/pkg/ledger"
)

// RecordVerification is the per-record outcome. Component hashes can only be
// contradicted when the payload travelled with the record; without it they
// are reported OK and PayloadAvailable is false.
type RecordVerification struct {
	TransactionID      string `json:"transactionId"`
	Sequence           int64  `json:"sequence"`
	InputHashOK        bool   `json:"inputHashOk"`
	OutputHashOK       bool   `json:"outputHashOk"`
	ContextHashOK      bool   `json:"contextHashOk"`
	ChainOK            bool   `json:"chainOk"`
	PayloadAvailable   bool   `json:"payloadAvailable"`
	ExpectedRecordHash string `json:"expectedRecordHash"`
}

func (v RecordVerification) Valid() bool {
	return v.InputHashOK && v.OutputHashOK && v.ContextHashOK && v.ChainOK
}

// VerifyRecord recomputes rec's component hashes from its payloads, if any,
// and its chain hash from the stored component hashes.
func VerifyRecord(rec *ledger.DecisionRecord) RecordVerification {
	v := RecordVerification{
		TransactionID: rec.TransactionID,
		Sequence:      rec.Sequence,
		InputHashOK:   true,
		OutputHashOK:  true,
		ContextHashOK: true,
	}

	if len(rec.InputPayload) > 0 || len(rec.OutputPayload) > 0 {
		v.PayloadAvailable = true
		v.InputHashOK = payloadMatches(rec.InputPayload, rec.InputHash)
		v.OutputHashOK = payloadMatches(rec.OutputPayload, rec.OutputHash)
	}
	switch {
	case len(rec.ContextPayload) > 0:
		v.ContextHashOK = rec.ContextHash != nil && payloadMatches(rec.ContextPayload, *rec.ContextHash)
	case rec.ContextHash != nil:
		v.ContextHashOK = canonicalize.IsHexDigest(*rec.ContextHash)
	}

	v.ExpectedRecordHash = crypto.RecordHash(rec.PreviousHash, rec.InputHash, rec.OutputHash, rec.ContextHash)
	v.ChainOK = v.ExpectedRecordHash == rec.RecordHash
	return v
}

func payloadMatches(payload json.RawMessage, want string) bool {
	if len(payload) == 0 {
		return false
	}
	got, err := canonicalize.HashObject(payload)
	return err == nil && got == want
}

// LinkError is a break between two neighbouring records.
type LinkError struct {
	Sequence int64  `json:"sequence"`
	Reason   string `json:"reason"`
}

type ChainVerification struct {
	Records    []RecordVerification `json:"records"`
	LinkErrors []LinkError          `json:"linkErrors,omitempty"`
}

func (c ChainVerification) Valid() bool {
	if len(c.LinkErrors) > 0 {
		return false
	}
	for _, r := range c.Records {
		if !r.Valid() {
			return false
		}
	}
	return true
}

// Broken lists the sequences whose own hashes do not verify.
func (c ChainVerification) Broken() []int64 {
	var out []int64
	for _, r := range c.Records {
		if !r.Valid() {
			out = append(out, r.Sequence)
		}
	}
	return out
}

// VerifyChain verifies every record and the links between them. records may
// be any contiguous slice of one tenant's chain; only a slice that starts at
// sequence 1 must start with the genesis record.
func VerifyChain(records []*ledger.DecisionRecord) ChainVerification {
	sorted := make([]*ledger.DecisionRecord, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Sequence < sorted[j].Sequence })

	var out ChainVerification
	for i, rec := range sorted {
		out.Records = append(out.Records, VerifyRecord(rec))

		if rec.Sequence == 1 && !rec.IsGenesis() {
			out.LinkErrors = append(out.LinkErrors, LinkError{Sequence: rec.Sequence, Reason: "first record has a previousHash"})
		}
		if rec.Sequence != 1 && rec.IsGenesis() {
			out.LinkErrors = append(out.LinkErrors, LinkError{Sequence: rec.Sequence, Reason: "genesis record after sequence 1"})
		}
		if i == 0 {
			continue
		}
		prev := sorted[i-1]
		if prev.TenantID != rec.TenantID {
			out.LinkErrors = append(out.LinkErrors, LinkError{Sequence: rec.Sequence, Reason: fmt.Sprintf("tenant %s follows tenant %s", rec.TenantID, prev.TenantID)})
			continue
		}
		if rec.Sequence != prev.Sequence+1 {
			out.LinkErrors = append(out.LinkErrors, LinkError{Sequence: rec.Sequence, Reason: fmt.Sprintf("sequence gap after %d", prev.Sequence)})
			continue
		}
		if rec.PreviousHash != nil && *rec.PreviousHash != prev.RecordHash {
			out.LinkErrors = append(out.LinkErrors, LinkError{Sequence: rec.Sequence, Reason: "previousHash does not match the preceding recordHash"})
		}
	}
	return out
}
