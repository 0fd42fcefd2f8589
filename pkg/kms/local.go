package kms

import (
	"context"
	stdcrypto "crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/xase-labs/xase-core/pkg/crypto"
)

// LocalOptions configures a LocalProvider.
type LocalOptions struct {
	// Algorithm is crypto.AlgorithmECDSASHA256 (default) or crypto.AlgorithmRSASHA256.
	Algorithm string
	// KeyID labels signatures; defaults to the public key fingerprint prefix.
	KeyID string
	// KeystorePath persists the private key as PKCS#8 PEM. Empty keeps it in memory.
	KeystorePath string
	Clock        func() time.Time
}

// LocalProvider signs with an in-process key.
type LocalProvider struct {
	signer    stdcrypto.Signer
	algorithm string
	keyID     string
	publicPEM string
	clock     func() time.Time
}

// NewLocalProvider loads the keystore at opts.KeystorePath, creating it
// (mode 0600) when absent.
func NewLocalProvider(opts LocalOptions) (*LocalProvider, error) {
	if opts.Algorithm == "" {
		opts.Algorithm = crypto.AlgorithmECDSASHA256
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	var signer stdcrypto.Signer
	var err error
	if opts.KeystorePath != "" {
		signer, err = loadKeystore(opts.KeystorePath)
		switch {
		case errors.Is(err, os.ErrNotExist):
			if signer, err = generateKey(opts.Algorithm); err != nil {
				return nil, err
			}
			if err := persistKeystore(opts.KeystorePath, signer); err != nil {
				return nil, err
			}
		case err != nil:
			return nil, err
		}
	} else if signer, err = generateKey(opts.Algorithm); err != nil {
		return nil, err
	}

	// A persisted key decides the algorithm, whatever was requested.
	alg, err := algorithmFor(signer)
	if err != nil {
		return nil, err
	}
	pubPEM, err := crypto.EncodePublicKeyPEM(signer.Public())
	if err != nil {
		return nil, err
	}
	keyID := opts.KeyID
	if keyID == "" {
		keyID = "local-" + crypto.PublicKeyFingerprint(pubPEM)[:16]
	}
	return &LocalProvider{
		signer:    signer,
		algorithm: alg,
		keyID:     keyID,
		publicPEM: pubPEM,
		clock:     opts.Clock,
	}, nil
}

func (p *LocalProvider) KeyID() string     { return p.keyID }
func (p *LocalProvider) Algorithm() string { return p.algorithm }

func (p *LocalProvider) PublicKeyPEM(context.Context) (string, error) {
	return p.publicPEM, nil
}

// Sign signs the raw digest bytes. RSA uses PKCS#1 v1.5 with the SHA-256
// DigestInfo, ECDSA produces an ASN.1 DER signature.
func (p *LocalProvider) Sign(ctx context.Context, digestHex string) (*crypto.Signature, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	digest, err := crypto.DigestBytes(digestHex)
	if err != nil {
		return nil, err
	}
	sig, err := p.signer.Sign(rand.Reader, digest, stdcrypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("kms: local sign: %w", err)
	}
	return &crypto.Signature{
		Algorithm: p.algorithm,
		KeyID:     p.keyID,
		Hash:      digestHex,
		Signature: base64.StdEncoding.EncodeToString(sig),
		SignedAt:  p.clock().UTC(),
		SignedBy:  crypto.SignedByLocal,
	}, nil
}

func generateKey(algorithm string) (stdcrypto.Signer, error) {
	switch algorithm {
	case crypto.AlgorithmECDSASHA256:
		k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("kms: generate ecdsa key: %w", err)
		}
		return k, nil
	case crypto.AlgorithmRSASHA256:
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, fmt.Errorf("kms: generate rsa key: %w", err)
		}
		return k, nil
	default:
		return nil, fmt.Errorf("%w: %s", crypto.ErrUnsupportedAlgorithm, algorithm)
	}
}

func algorithmFor(s stdcrypto.Signer) (string, error) {
	switch s.(type) {
	case *ecdsa.PrivateKey:
		return crypto.AlgorithmECDSASHA256, nil
	case *rsa.PrivateKey:
		return crypto.AlgorithmRSASHA256, nil
	default:
		return "", fmt.Errorf("%w: %T", crypto.ErrUnsupportedAlgorithm, s)
	}
}

func loadKeystore(path string) (stdcrypto.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "PRIVATE KEY" {
		return nil, fmt.Errorf("kms: keystore %s: expected PRIVATE KEY PEM block", path)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("kms: keystore %s: %w", path, err)
	}
	signer, ok := key.(stdcrypto.Signer)
	if !ok {
		return nil, fmt.Errorf("kms: keystore %s: key type %T cannot sign", path, key)
	}
	return signer, nil
}

// persistKeystore writes the key with restricted permissions.
func persistKeystore(path string, signer stdcrypto.Signer) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("kms: create dir: %w", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(signer)
	if err != nil {
		return fmt.Errorf("kms: marshal key: %w", err)
	}
	data := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("kms: write keystore: %w", err)
	}
	return nil
}
