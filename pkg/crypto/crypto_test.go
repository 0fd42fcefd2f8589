package crypto

import (
	stdcrypto "crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sum(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

func TestChainHash_Genesis(t *testing.T) {
	got := ChainHash(nil, "abc")
	assert.Equal(t, sum("abc"), got)
}

func TestChainHash_Chained(t *testing.T) {
	prev := sum("genesis")
	got := ChainHash(&prev, "abc")
	assert.Equal(t, sum(prev+"abc"), got)
	assert.NotEqual(t, ChainHash(nil, "abc"), got)
}

func TestRecordHash_OptionalContext(t *testing.T) {
	in, out, ctx := sum("in"), sum("out"), sum("ctx")

	assert.Equal(t, sum(in+out), RecordHash(nil, in, out, nil))
	assert.Equal(t, sum(in+out+ctx), RecordHash(nil, in, out, &ctx))

	prev := sum("p")
	assert.Equal(t, sum(prev+in+out+ctx), RecordHash(&prev, in, out, &ctx))
}

func TestTransactionID(t *testing.T) {
	id := GenerateTransactionID()
	assert.True(t, IsValidTransactionID(id), id)
	assert.Len(t, id, len(TransactionIDPrefix)+32)
	assert.NotEqual(t, id, GenerateTransactionID())

	assert.False(t, IsValidTransactionID("txn_123"))
	assert.False(t, IsValidTransactionID("tx_"+id[4:]))
	assert.False(t, IsValidTransactionID("txn_"+"ZZ"+id[6:]))
}

func TestIDPrefixes(t *testing.T) {
	assert.Regexp(t, `^bundle_[0-9a-f]{32}$`, NewBundleID())
	assert.Regexp(t, `^chk_[0-9a-f]{32}$`, NewCheckpointID())
	assert.Regexp(t, `^hitl_[0-9a-f]{32}$`, NewInterventionID())
}

func TestVerifyDigestSignature_ECDSA(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	pemStr, err := EncodePublicKeyPEM(&key.PublicKey)
	require.NoError(t, err)

	digest := sum("manifest")
	raw, _ := hex.DecodeString(digest)
	sig, err := ecdsa.SignASN1(rand.Reader, key, raw)
	require.NoError(t, err)

	ok, err := VerifyDigestSignature(pemStr, AlgorithmECDSASHA256, digest, base64.StdEncoding.EncodeToString(sig))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyDigestSignature(pemStr, AlgorithmECDSASHA256, sum("other"), base64.StdEncoding.EncodeToString(sig))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyDigestSignature_RSA(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pemStr, err := EncodePublicKeyPEM(&key.PublicKey)
	require.NoError(t, err)

	digest := sum("manifest")
	raw, _ := hex.DecodeString(digest)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, stdcrypto.SHA256, raw)
	require.NoError(t, err)

	ok, err := VerifyDigestSignature(pemStr, AlgorithmRSASHA256, digest, base64.StdEncoding.EncodeToString(sig))
	require.NoError(t, err)
	assert.True(t, ok)

	sig[0] ^= 0xff
	ok, err = VerifyDigestSignature(pemStr, AlgorithmRSASHA256, digest, base64.StdEncoding.EncodeToString(sig))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyDigestSignature_Ed25519(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	pemStr, err := EncodePublicKeyPEM(pub)
	require.NoError(t, err)

	digest := sum("checkpoint")
	raw, _ := hex.DecodeString(digest)
	sig := ed25519.Sign(priv, raw)

	ok, err := VerifyDigestSignature(pemStr, AlgorithmEd25519, digest, base64.StdEncoding.EncodeToString(sig))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyDigestSignature_Errors(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	pemStr, err := EncodePublicKeyPEM(&key.PublicKey)
	require.NoError(t, err)

	_, err = VerifyDigestSignature(pemStr, AlgorithmECDSASHA256, "nothex", "AAAA")
	assert.ErrorIs(t, err, ErrInvalidDigest)

	_, err = VerifyDigestSignature(pemStr, "DSA", sum("x"), "AAAA")
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)

	_, err = VerifyDigestSignature(pemStr, AlgorithmRSASHA256, sum("x"), "AAAA")
	assert.ErrorIs(t, err, ErrInvalidPublicKey)

	_, err = VerifyDigestSignature("garbage", AlgorithmECDSASHA256, sum("x"), "AAAA")
	assert.ErrorIs(t, err, ErrInvalidPublicKey)
}

func TestHashOnlySignature(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s := HashOnlySignature(sum("m"), at)

	assert.True(t, s.IsHashOnly())
	assert.Equal(t, AlgorithmHashOnly, s.Algorithm)
	assert.Equal(t, SignedByLocal, s.SignedBy)
	assert.Empty(t, s.Signature)
}

func TestPublicKeyFingerprint(t *testing.T) {
	assert.Equal(t, sum("pem"), PublicKeyFingerprint("pem"))
}
