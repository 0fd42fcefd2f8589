package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
)

const (
	TransactionIDPrefix = "txn_"
	BundleIDPrefix      = "bundle_"
	CheckpointIDPrefix  = "chk_"
	InterventionPrefix  = "hitl_"

	idRandomBytes = 16
)

// GenerateTransactionID returns "txn_" followed by 32 lowercase hex chars.
func GenerateTransactionID() string {
	return TransactionIDPrefix + randomHex(idRandomBytes)
}

// IsValidTransactionID checks the txn_<32 hex> shape.
func IsValidTransactionID(id string) bool {
	rest, ok := strings.CutPrefix(id, TransactionIDPrefix)
	if !ok || len(rest) != idRandomBytes*2 {
		return false
	}
	_, err := hex.DecodeString(rest)
	return err == nil && strings.ToLower(rest) == rest
}

func NewBundleID() string {
	return BundleIDPrefix + randomHex(idRandomBytes)
}

func NewCheckpointID() string {
	return CheckpointIDPrefix + randomHex(idRandomBytes)
}

func NewInterventionID() string {
	return InterventionPrefix + randomHex(idRandomBytes)
}

func randomHex(n int) string {
	b := make([]byte, n)
	// crypto/rand.Read never returns an error on supported platforms.
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
