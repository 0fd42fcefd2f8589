package kms

import (
	"context"
	stdcrypto "crypto"
	"crypto/rand"
	"crypto/x509"
	"errors"
	"os"
	"path/filepath"
	"testing"

	awskms "github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xase-labs/xase-core/pkg/canonicalize"
	"github.com/xase-labs/xase-core/pkg/config"
	"github.com/xase-labs/xase-core/pkg/crypto"
)

var digest = canonicalize.HashString("manifest")

func tempKeystore(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "keys", "signing.pem")
}

func TestLocalProvider_SignVerifies(t *testing.T) {
	for _, alg := range []string{crypto.AlgorithmECDSASHA256, crypto.AlgorithmRSASHA256} {
		t.Run(alg, func(t *testing.T) {
			p, err := NewLocalProvider(LocalOptions{Algorithm: alg})
			require.NoError(t, err)
			assert.Equal(t, alg, p.Algorithm())

			sig, err := p.Sign(context.Background(), digest)
			require.NoError(t, err)
			assert.Equal(t, digest, sig.Hash)
			assert.Equal(t, crypto.SignedByLocal, sig.SignedBy)

			pem, err := p.PublicKeyPEM(context.Background())
			require.NoError(t, err)
			ok, err := crypto.VerifyDigestSignature(pem, sig.Algorithm, sig.Hash, sig.Signature)
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestLocalProvider_RejectsBadDigest(t *testing.T) {
	p, err := NewLocalProvider(LocalOptions{})
	require.NoError(t, err)
	_, err = p.Sign(context.Background(), "ABC")
	assert.ErrorIs(t, err, crypto.ErrInvalidDigest)
}

func TestLocalProvider_KeystorePersists(t *testing.T) {
	path := tempKeystore(t)

	p1, err := NewLocalProvider(LocalOptions{KeystorePath: path})
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	p2, err := NewLocalProvider(LocalOptions{KeystorePath: path, Algorithm: crypto.AlgorithmRSASHA256})
	require.NoError(t, err)

	pem1, _ := p1.PublicKeyPEM(context.Background())
	pem2, _ := p2.PublicKeyPEM(context.Background())
	assert.Equal(t, pem1, pem2, "restart keeps the key")
	assert.Equal(t, crypto.AlgorithmECDSASHA256, p2.Algorithm(), "stored key decides the algorithm")
	assert.Equal(t, p1.KeyID(), p2.KeyID())
}

func TestLocalProvider_CorruptKeystore(t *testing.T) {
	path := tempKeystore(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))
	require.NoError(t, os.WriteFile(path, []byte("not a key"), 0o600))

	_, err := NewLocalProvider(LocalOptions{KeystorePath: path})
	assert.Error(t, err)
}

type fakeKMS struct {
	signer  *LocalProvider
	signErr error
	calls   int
	lastIn  *awskms.SignInput
}

func (f *fakeKMS) Sign(ctx context.Context, in *awskms.SignInput, _ ...func(*awskms.Options)) (*awskms.SignOutput, error) {
	f.calls++
	f.lastIn = in
	if f.signErr != nil {
		return nil, f.signErr
	}
	sig, err := f.signer.signer.Sign(rand.Reader, in.Message, stdcrypto.SHA256)
	if err != nil {
		return nil, err
	}
	return &awskms.SignOutput{Signature: sig}, nil
}

func (f *fakeKMS) GetPublicKey(ctx context.Context, in *awskms.GetPublicKeyInput, _ ...func(*awskms.Options)) (*awskms.GetPublicKeyOutput, error) {
	f.calls++
	pem, _ := f.signer.PublicKeyPEM(ctx)
	pub, err := crypto.ParsePublicKeyPEM(pem)
	if err != nil {
		return nil, err
	}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return &awskms.GetPublicKeyOutput{PublicKey: der}, nil
}

func TestAWSProvider_SignsDigest(t *testing.T) {
	local, err := NewLocalProvider(LocalOptions{})
	require.NoError(t, err)
	fake := &fakeKMS{signer: local}
	p := newAWSProvider(fake, "arn:aws:kms:eu-west-1:1:key/abc", "")

	sig, err := p.Sign(context.Background(), digest)
	require.NoError(t, err)
	assert.Equal(t, types.MessageTypeDigest, fake.lastIn.MessageType)
	assert.Equal(t, types.SigningAlgorithmSpecEcdsaSha256, fake.lastIn.SigningAlgorithm)
	assert.Len(t, fake.lastIn.Message, 32)
	assert.Equal(t, crypto.SignedByKMS, sig.SignedBy)

	pem, err := p.PublicKeyPEM(context.Background())
	require.NoError(t, err)
	_, err = p.PublicKeyPEM(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, fake.calls, "public key is cached")

	ok, err := crypto.VerifyDigestSignature(pem, sig.Algorithm, sig.Hash, sig.Signature)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAWSProvider_SignError(t *testing.T) {
	fake := &fakeKMS{signErr: errors.New("throttled")}
	p := newAWSProvider(fake, "key", crypto.AlgorithmRSASHA256)

	_, err := p.Sign(context.Background(), digest)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "throttled")
	assert.Equal(t, types.SigningAlgorithmSpecRsassaPkcs1V15Sha256, fake.lastIn.SigningAlgorithm)
}

func TestNewProviderFromConfig(t *testing.T) {
	p, err := NewProviderFromConfig(context.Background(), config.KMSConfig{Type: "mock", Algorithm: "rsa"})
	require.NoError(t, err)
	assert.Equal(t, crypto.AlgorithmRSASHA256, p.Algorithm())
	assert.Equal(t, "mock", p.KeyID())

	_, err = NewProviderFromConfig(context.Background(), config.KMSConfig{Type: "local"})
	assert.Error(t, err)

	p, err = NewProviderFromConfig(context.Background(), config.KMSConfig{Type: "local", KeystorePath: tempKeystore(t)})
	require.NoError(t, err)
	assert.Equal(t, crypto.AlgorithmECDSASHA256, p.Algorithm())

	_, err = NewProviderFromConfig(context.Background(), config.KMSConfig{Type: "vault"})
	assert.ErrorIs(t, err, ErrUnknownProvider)
}
