// Package checkpoint anchors each tenant's decision chain with signed,
// numbered checkpoints that chain to one another.
package checkpoint

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xase-labs/xase-core/pkg/canonicalize"
	"github.com/xase-labs/xase-core/pkg/crypto"
)

type Type string

const (
	TypePeriodic  Type = "PERIODIC"
	TypeManual    Type = "MANUAL"
	TypeEmergency Type = "EMERGENCY"
)

// ResourceType labels checkpoints in audit events.
const ResourceType = "CHECKPOINT"

// genesis stands in for the previous hash of a tenant's first checkpoint.
const genesis = "genesis"

func ParseType(s string) (Type, error) {
	switch t := Type(strings.ToUpper(s)); t {
	case TypePeriodic, TypeManual, TypeEmergency:
		return t, nil
	default:
		return "", fmt.Errorf("checkpoint: unknown type %q", s)
	}
}

type Checkpoint struct {
	CheckpointID         string    `json:"checkpointId"`
	TenantID             string    `json:"tenantId"`
	Number               int64     `json:"number"`
	Type                 Type      `json:"type"`
	LastRecordHash       string    `json:"lastRecordHash"`
	RecordCount          int64     `json:"recordCount"`
	CheckpointHash       string    `json:"checkpointHash"`
	PreviousCheckpointID string    `json:"previousCheckpointId,omitempty"`
	Signature            string    `json:"signature,omitempty"`
	SignatureAlgorithm   string    `json:"signatureAlgorithm"`
	KeyID                string    `json:"keyId,omitempty"`
	SignedBy             string    `json:"signedBy"`
	Timestamp            time.Time `json:"timestamp"`
}

// Signed reports whether the checkpoint claims a KMS signature rather than
// a hash-only fallback.
func (c *Checkpoint) Signed() bool {
	return c.SignatureAlgorithm != crypto.AlgorithmHashOnly
}

// Hash computes SHA256(prev | lastRecordHash | recordCount | timestamp).
// prevHash is empty for a tenant's first checkpoint.
func Hash(prevHash, lastRecordHash string, recordCount int64, ts time.Time) string {
	if prevHash == "" {
		prevHash = genesis
	}
	return canonicalize.HashString(strings.Join([]string{
		prevHash,
		lastRecordHash,
		strconv.FormatInt(recordCount, 10),
		ts.UTC().Format(time.RFC3339Nano),
	}, "|"))
}

// Store persists checkpoints. Create must reject a second checkpoint with
// the same (tenant, number) with CHAIN_CONFLICT.
type Store interface {
	Create(ctx context.Context, cp *Checkpoint) error
	// Latest returns xerrors.ErrNotFound when the tenant has none.
	Latest(ctx context.Context, tenantID string) (*Checkpoint, error)
	Get(ctx context.Context, tenantID, checkpointID string) (*Checkpoint, error)
	// List returns newest first.
	List(ctx context.Context, tenantID string, limit int) ([]*Checkpoint, error)
}

// Verification is the outcome of Verify.
type Verification struct {
	HashOK      bool   `json:"hashOk"`
	ChainOK     bool   `json:"chainOk"`
	Signed      bool   `json:"signed"`
	SignatureOK bool   `json:"signatureOk"`
	Error       string `json:"error,omitempty"`
}

// Valid accepts hash-only checkpoints; callers that require a signature
// check Signed as well.
func (v Verification) Valid() bool {
	return v.HashOK && v.ChainOK && (!v.Signed || v.SignatureOK)
}

// Verify recomputes cp's hash against prev (nil for the first checkpoint)
// and checks its signature with publicKeyPEM.
func Verify(cp, prev *Checkpoint, publicKeyPEM string) Verification {
	var v Verification
	prevHash := ""
	if prev != nil {
		prevHash = prev.CheckpointHash
	}
	v.HashOK = Hash(prevHash, cp.LastRecordHash, cp.RecordCount, cp.Timestamp) == cp.CheckpointHash

	if cp.PreviousCheckpointID == "" {
		v.ChainOK = prev == nil && cp.Number == 1
	} else {
		v.ChainOK = prev != nil &&
			prev.CheckpointID == cp.PreviousCheckpointID &&
			prev.TenantID == cp.TenantID &&
			prev.Number == cp.Number-1
	}

	v.Signed = cp.Signed()
	if !v.Signed {
		return v
	}
	if cp.Signature == "" {
		v.Error = cp.SignatureAlgorithm + " checkpoint carries no signature"
		return v
	}
	if publicKeyPEM == "" {
		v.Error = "no public key to check the signature"
		return v
	}
	ok, err := crypto.VerifyDigestSignature(publicKeyPEM, cp.SignatureAlgorithm, cp.CheckpointHash, cp.Signature)
	if err != nil {
		v.Error = err.Error()
	}
	v.SignatureOK = ok
	return v
}
