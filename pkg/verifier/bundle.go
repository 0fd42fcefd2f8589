package verifier

import (
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/xase-labs/xase-core/pkg/crypto"
	"github.com/xase-labs/xase-core/pkg/manifest"
)

// SupportedManifestVersions is the manifest format range this verifier reads.
const SupportedManifestVersions = "^1.0.0"

var manifestConstraint = mustConstraint(SupportedManifestVersions)

func mustConstraint(s string) *semver.Constraints {
	c, err := semver.NewConstraint(s)
	if err != nil {
		panic(err)
	}
	return c
}

// BundleVerification is the outcome of checking a manifest and its signature.
// ManifestOK covers the manifest hash and every listed file. For hash-only
// documents Signed is false and SignatureOK only says the recorded hash is
// the manifest hash.
type BundleVerification struct {
	ManifestOK     bool                 `json:"manifestOk"`
	ManifestHashOK bool                 `json:"manifestHashOk"`
	VersionOK      bool                 `json:"versionOk"`
	Signed         bool                 `json:"signed"`
	SignatureOK    bool                 `json:"signatureOk"`
	KeySource      string               `json:"keySource,omitempty"`
	FileErrors     []manifest.FileError `json:"fileErrors,omitempty"`
	SignatureError string               `json:"signatureError,omitempty"`
}

func (b BundleVerification) Valid() bool {
	return b.ManifestOK && b.VersionOK && b.SignatureOK
}

// VerifyBundle checks m against files and sig. publicKeyPEM, when set, wins
// over any key embedded in the signature document and makes a signature
// mandatory: a hash-only document then fails.
func VerifyBundle(m *manifest.Manifest, files map[string][]byte, sig *crypto.Signature, publicKeyPEM string) BundleVerification {
	embedded := ""
	if sig != nil {
		embedded = sig.PublicKeyPEM
	}
	return verifyBundle(m, files, sig, publicKeyPEM, embedded)
}

func verifyBundle(m *manifest.Manifest, files map[string][]byte, sig *crypto.Signature, supplied, embedded string) BundleVerification {
	res := m.Validate(files)
	out := BundleVerification{
		ManifestOK:     res.Valid(),
		ManifestHashOK: res.ManifestHashOK,
		VersionOK:      versionSupported(m.Version),
		FileErrors:     res.FileErrors,
	}
	haveKey := strings.TrimSpace(supplied) != ""

	switch {
	case sig == nil:
		out.SignatureError = "signature document missing"
	case sig.Hash != m.ManifestHash:
		out.Signed = !sig.IsHashOnly()
		out.SignatureError = "signature covers " + sig.Hash + ", not the manifest hash"
	case sig.IsHashOnly():
		if haveKey {
			out.SignatureError = "bundle is hash-only but a public key was supplied"
			break
		}
		out.SignatureOK = true
	case sig.Signature == "":
		out.Signed = true
		out.SignatureError = sig.Algorithm + " document carries no signature"
	default:
		out.Signed = true
		key, source := supplied, "supplied"
		if !haveKey {
			key, source = embedded, "embedded"
		}
		out.KeySource = source
		if strings.TrimSpace(key) == "" {
			out.SignatureError = "no public key supplied or embedded"
			break
		}
		ok, err := crypto.VerifyDigestSignature(key, sig.Algorithm, sig.Hash, sig.Signature)
		if err != nil {
			out.SignatureError = err.Error()
			break
		}
		out.SignatureOK = ok
		if !ok {
			out.SignatureError = "signature does not verify"
		}
	}
	return out
}

func versionSupported(v string) bool {
	sv, err := semver.NewVersion(v)
	if err != nil {
		return false
	}
	return manifestConstraint.Check(sv)
}
