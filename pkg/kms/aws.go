package kms

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awskms "github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"

	"github.com/xase-labs/xase-core/pkg/crypto"
)

// kmsAPI is the subset of the AWS KMS client used here.
type kmsAPI interface {
	Sign(ctx context.Context, in *awskms.SignInput, optFns ...func(*awskms.Options)) (*awskms.SignOutput, error)
	GetPublicKey(ctx context.Context, in *awskms.GetPublicKeyInput, optFns ...func(*awskms.Options)) (*awskms.GetPublicKeyOutput, error)
}

// AWSOptions configures an AWSProvider.
type AWSOptions struct {
	KeyID  string
	Region string
	// Algorithm selects the signing spec; ECDSA_SHA_256 unless RSA-SHA256.
	Algorithm string
}

// AWSProvider signs with an asymmetric AWS KMS key.
type AWSProvider struct {
	client    kmsAPI
	keyID     string
	algorithm string
	clock     func() time.Time

	mu        sync.Mutex
	publicPEM string
}

// NewAWSProvider resolves credentials through the default AWS chain.
func NewAWSProvider(ctx context.Context, opts AWSOptions) (*AWSProvider, error) {
	if opts.KeyID == "" {
		return nil, errors.New("kms: aws provider requires a key id")
	}
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("kms: load aws config: %w", err)
	}
	return newAWSProvider(awskms.NewFromConfig(cfg), opts.KeyID, opts.Algorithm), nil
}

func newAWSProvider(client kmsAPI, keyID, algorithm string) *AWSProvider {
	if algorithm != crypto.AlgorithmRSASHA256 {
		algorithm = crypto.AlgorithmECDSASHA256
	}
	return &AWSProvider{client: client, keyID: keyID, algorithm: algorithm, clock: time.Now}
}

func (p *AWSProvider) KeyID() string     { return p.keyID }
func (p *AWSProvider) Algorithm() string { return p.algorithm }

func (p *AWSProvider) signingSpec() types.SigningAlgorithmSpec {
	if p.algorithm == crypto.AlgorithmRSASHA256 {
		return types.SigningAlgorithmSpecRsassaPkcs1V15Sha256
	}
	return types.SigningAlgorithmSpecEcdsaSha256
}

// Sign sends the digest, not the message: MessageType=DIGEST.
func (p *AWSProvider) Sign(ctx context.Context, digestHex string) (*crypto.Signature, error) {
	digest, err := crypto.DigestBytes(digestHex)
	if err != nil {
		return nil, err
	}
	out, err := p.client.Sign(ctx, &awskms.SignInput{
		KeyId:            aws.String(p.keyID),
		Message:          digest,
		MessageType:      types.MessageTypeDigest,
		SigningAlgorithm: p.signingSpec(),
	})
	if err != nil {
		return nil, fmt.Errorf("kms: aws sign: %w", err)
	}
	if len(out.Signature) == 0 {
		return nil, errors.New("kms: aws sign returned an empty signature")
	}
	return &crypto.Signature{
		Algorithm: p.algorithm,
		KeyID:     p.keyID,
		Hash:      digestHex,
		Signature: base64.StdEncoding.EncodeToString(out.Signature),
		SignedAt:  p.clock().UTC(),
		SignedBy:  crypto.SignedByKMS,
	}, nil
}

// PublicKeyPEM fetches the DER public key once and caches its PEM form.
func (p *AWSProvider) PublicKeyPEM(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.publicPEM != "" {
		return p.publicPEM, nil
	}
	out, err := p.client.GetPublicKey(ctx, &awskms.GetPublicKeyInput{KeyId: aws.String(p.keyID)})
	if err != nil {
		return "", fmt.Errorf("kms: aws get public key: %w", err)
	}
	if len(out.PublicKey) == 0 {
		return "", errors.New("kms: aws returned an empty public key")
	}
	p.publicPEM = crypto.PublicKeyDERToPEM(out.PublicKey)
	return p.publicPEM, nil
}
