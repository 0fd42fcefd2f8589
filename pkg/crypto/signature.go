package crypto

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Signature algorithms that may appear in a signature document.
const (
	AlgorithmECDSASHA256 = "ECDSA_SHA_256"
	AlgorithmRSASHA256   = "RSA-SHA256"
	AlgorithmEd25519     = "Ed25519"
	// AlgorithmHashOnly marks an unsigned document: only the digest is recorded.
	AlgorithmHashOnly = "SHA256"
)

const (
	SignedByKMS   = "kms"
	SignedByLocal = "local"
)

var (
	ErrUnsupportedAlgorithm = errors.New("crypto: unsupported signature algorithm")
	ErrInvalidPublicKey     = errors.New("crypto: invalid public key")
	ErrInvalidDigest        = errors.New("crypto: digest must be 64 lowercase hex chars")
)

// Signature is the detached signature document written as signature.json.
// Signature is base64 over the raw signature bytes; it is empty for
// hash-only documents.
type Signature struct {
	Algorithm      string    `json:"algorithm"`
	KeyID          string    `json:"keyId,omitempty"`
	Hash           string    `json:"hash"`
	Signature      string    `json:"signature,omitempty"`
	SignedAt       time.Time `json:"signedAt"`
	SignedBy       string    `json:"signedBy"`
	PublicKeyPEM   string    `json:"publicKeyPem,omitempty"`
	KeyFingerprint string    `json:"keyFingerprint,omitempty"`
}

// IsHashOnly reports whether the document declares itself unsigned. A
// document naming a signature algorithm is never hash-only, even when its
// signature is blank.
func (s *Signature) IsHashOnly() bool {
	return s.Algorithm == AlgorithmHashOnly
}

// HashOnlySignature builds the fallback document used when no KMS is reachable.
func HashOnlySignature(digestHex string, at time.Time) *Signature {
	return &Signature{
		Algorithm: AlgorithmHashOnly,
		Hash:      digestHex,
		SignedAt:  at.UTC(),
		SignedBy:  SignedByLocal,
	}
}

// VerifyDigestSignature checks sigB64 over the raw digest bytes decoded from
// digestHex. ECDSA signatures are ASN.1 DER, RSA is PKCS#1 v1.5 with the
// SHA-256 DigestInfo prefix; Ed25519 signs the 32 digest bytes directly.
func VerifyDigestSignature(publicKeyPEM, algorithm, digestHex, sigB64 string) (bool, error) {
	digest, err := decodeDigest(digestHex)
	if err != nil {
		return false, err
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false, fmt.Errorf("crypto: signature is not base64: %w", err)
	}
	pub, err := ParsePublicKeyPEM(publicKeyPEM)
	if err != nil {
		return false, err
	}

	switch strings.ToUpper(algorithm) {
	case AlgorithmECDSASHA256, "ECDSA-SHA256", "ES256":
		k, ok := pub.(*ecdsa.PublicKey)
		if !ok {
			return false, fmt.Errorf("%w: %s needs an ECDSA key, got %T", ErrInvalidPublicKey, algorithm, pub)
		}
		return ecdsa.VerifyASN1(k, digest, sig), nil
	case AlgorithmRSASHA256, "RSASSA_PKCS1_V1_5_SHA_256":
		k, ok := pub.(*rsa.PublicKey)
		if !ok {
			return false, fmt.Errorf("%w: %s needs an RSA key, got %T", ErrInvalidPublicKey, algorithm, pub)
		}
		return rsa.VerifyPKCS1v15(k, crypto.SHA256, digest, sig) == nil, nil
	case strings.ToUpper(AlgorithmEd25519):
		k, ok := pub.(ed25519.PublicKey)
		if !ok {
			return false, fmt.Errorf("%w: %s needs an Ed25519 key, got %T", ErrInvalidPublicKey, algorithm, pub)
		}
		return ed25519.Verify(k, digest, sig), nil
	default:
		return false, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, algorithm)
	}
}

// ParsePublicKeyPEM accepts a PKIX "PUBLIC KEY" block or a PKCS#1
// "RSA PUBLIC KEY" block.
func ParsePublicKeyPEM(publicKeyPEM string) (crypto.PublicKey, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrInvalidPublicKey)
	}
	switch block.Type {
	case "PUBLIC KEY":
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
		}
		return pub, nil
	case "RSA PUBLIC KEY":
		pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
		}
		return pub, nil
	default:
		return nil, fmt.Errorf("%w: unexpected PEM type %q", ErrInvalidPublicKey, block.Type)
	}
}

// EncodePublicKeyPEM marshals pub as a PKIX "PUBLIC KEY" PEM block.
func EncodePublicKeyPEM(pub crypto.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("crypto: marshal public key: %w", err)
	}
	return PublicKeyDERToPEM(der), nil
}

// PublicKeyDERToPEM wraps PKIX DER bytes (as returned by AWS KMS GetPublicKey).
func PublicKeyDERToPEM(der []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

// PublicKeyFingerprint is the hex SHA-256 of the PEM text.
func PublicKeyFingerprint(publicKeyPEM string) string {
	sum := sha256.Sum256([]byte(publicKeyPEM))
	return hex.EncodeToString(sum[:])
}

func decodeDigest(digestHex string) ([]byte, error) {
	if len(digestHex) != sha256.Size*2 || strings.ToLower(digestHex) != digestHex {
		return nil, ErrInvalidDigest
	}
	b, err := hex.DecodeString(digestHex)
	if err != nil {
		return nil, ErrInvalidDigest
	}
	return b, nil
}

// DigestBytes decodes a 64-char lowercase hex digest.
func DigestBytes(digestHex string) ([]byte, error) {
	return decodeDigest(digestHex)
}
