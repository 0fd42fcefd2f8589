// Package kms provides the key providers that sign digests for the signing
// service.
//
// A provider is chosen once at start-up. The local provider keeps an ECDSA
// P-256 or RSA-2048 key in-process (optionally persisted to a PEM keystore so
// restarts keep the key); the AWS provider delegates to AWS KMS with
// MessageType=DIGEST so the private key never leaves the HSM.
package kms

import (
	"context"
	"errors"
	"fmt"

	"github.com/xase-labs/xase-core/pkg/config"
	"github.com/xase-labs/xase-core/pkg/crypto"
)

// Provider signs 32-byte SHA-256 digests given as lowercase hex.
type Provider interface {
	Sign(ctx context.Context, digestHex string) (*crypto.Signature, error)
	PublicKeyPEM(ctx context.Context) (string, error)
	KeyID() string
	Algorithm() string
}

var ErrUnknownProvider = errors.New("kms: unknown provider type")

// NewProviderFromConfig builds the configured provider.
//
//	mock  ephemeral ECDSA key, regenerated on every start
//	local persistent key at cfg.KeystorePath
//	aws   AWS KMS asymmetric key cfg.KeyID
func NewProviderFromConfig(ctx context.Context, cfg config.KMSConfig) (Provider, error) {
	switch cfg.Type {
	case "", "mock":
		p, err := NewLocalProvider(LocalOptions{Algorithm: keyAlgorithm(cfg.Algorithm), KeyID: "mock"})
		if err != nil {
			return nil, err
		}
		return p, nil
	case "local":
		if cfg.KeystorePath == "" {
			return nil, errors.New("kms: local provider requires kms.keystore_path")
		}
		p, err := NewLocalProvider(LocalOptions{
			Algorithm:    keyAlgorithm(cfg.Algorithm),
			KeyID:        cfg.KeyID,
			KeystorePath: cfg.KeystorePath,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	case "aws":
		p, err := NewAWSProvider(ctx, AWSOptions{
			KeyID:     cfg.KeyID,
			Region:    cfg.Region,
			Algorithm: keyAlgorithm(cfg.Algorithm),
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Type)
	}
}

func keyAlgorithm(name string) string {
	if name == "rsa" {
		return crypto.AlgorithmRSASHA256
	}
	return crypto.AlgorithmECDSASHA256
}
