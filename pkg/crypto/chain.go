// Package crypto holds the hash-chain primitives, identifier generation and
// detached-signature verification used by the ledger and the offline verifier.
package crypto

import (
	"crypto/sha256"
	"encoding/hex"
)

// CombineHashes concatenates the per-record digests in chain order. The
// context digest is optional; an empty string contributes nothing.
func CombineHashes(inputHash, outputHash, contextHash string) string {
	return inputHash + outputHash + contextHash
}

// ChainHash links combined to its predecessor:
//
//	SHA256(previousHash || combined)   when previousHash != nil
//	SHA256(combined)                   for the genesis record
func ChainHash(previousHash *string, combined string) string {
	h := sha256.New()
	if previousHash != nil {
		h.Write([]byte(*previousHash))
	}
	h.Write([]byte(combined))
	return hex.EncodeToString(h.Sum(nil))
}

// RecordHash is ChainHash over CombineHashes. contextHash may be nil.
func RecordHash(previousHash *string, inputHash, outputHash string, contextHash *string) string {
	ctx := ""
	if contextHash != nil {
		ctx = *contextHash
	}
	return ChainHash(previousHash, CombineHashes(inputHash, outputHash, ctx))
}
