// Package manifest builds the cryptographic contract of an evidence bundle:
// the ordered list of files with their digests, sealed by manifestHash.
package manifest

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/xase-labs/xase-core/pkg/canonicalize"
	"github.com/xase-labs/xase-core/pkg/xerrors"
)

// Version of the manifest format. Verifiers accept ^1.0.0.
const Version = "1.0.0"

// FileType classifies a manifest entry.
type FileType string

const (
	FileTypeDecision     FileType = "decision"
	FileTypeIntervention FileType = "intervention"
	FileTypeReport       FileType = "report"
	FileTypeVerify       FileType = "verify"
)

// ReportPath is the human-readable summary listed in every manifest.
const ReportPath = "report.md"

// VerifyScriptPath is where the offline check script lives in a bundle.
const VerifyScriptPath = "verify.sh"

//go:embed verify.sh
var verifyScript []byte

// VerifyScript returns the offline verification script shipped in bundles.
func VerifyScript() []byte {
	out := make([]byte, len(verifyScript))
	copy(out, verifyScript)
	return out
}

// File is one manifest entry. Hash is the hex SHA-256 of the file bytes.
type File struct {
	Path string   `json:"path"`
	Hash string   `json:"hash"`
	Size int64    `json:"size"`
	Type FileType `json:"type"`
}

// Manifest lists every hashed file of a bundle in insertion order.
type Manifest struct {
	Version      string    `json:"version"`
	BundleID     string    `json:"bundleId"`
	TenantID     string    `json:"tenantId"`
	GeneratedAt  time.Time `json:"generatedAt"`
	RecordCount  int       `json:"recordCount"`
	Purpose      string    `json:"purpose,omitempty"`
	Files        []File    `json:"files"`
	ManifestHash string    `json:"manifestHash,omitempty"`
}

// AddFile appends an entry for data at path.
func (m *Manifest) AddFile(path string, data []byte, typ FileType) File {
	f := File{
		Path: path,
		Hash: canonicalize.HashBytes(data),
		Size: int64(len(data)),
		Type: typ,
	}
	m.Files = append(m.Files, f)
	return f
}

// CalculateHash is the canonical hash of the manifest without manifestHash.
func (m *Manifest) CalculateHash() (string, error) {
	c := *m
	c.ManifestHash = ""
	return canonicalize.HashObject(c)
}

// Finalize seals the manifest. Any later mutation invalidates it.
func (m *Manifest) Finalize() error {
	h, err := m.CalculateHash()
	if err != nil {
		return fmt.Errorf("manifest: hash: %w", err)
	}
	m.ManifestHash = h
	return nil
}

// Marshal renders manifest.json.
func (m *Manifest) Marshal() ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

// Parse decodes manifest.json.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: parse: %w", err)
	}
	return &m, nil
}

// FileError describes one entry that failed validation.
type FileError struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// Result is the outcome of Validate.
type Result struct {
	ManifestHashOK bool        `json:"manifestHashOk"`
	Expected       string      `json:"expectedManifestHash"`
	FileErrors     []FileError `json:"fileErrors,omitempty"`
}

// Valid reports whether the manifest hash and every file matched.
func (r Result) Valid() bool { return r.ManifestHashOK && len(r.FileErrors) == 0 }

// Validate recomputes the manifest hash and every listed file digest against
// files (path -> bytes). Files present but not listed are ignored here.
func (m *Manifest) Validate(files map[string][]byte) Result {
	var res Result
	expected, err := m.CalculateHash()
	if err != nil {
		res.FileErrors = append(res.FileErrors, FileError{Path: "manifest.json", Reason: err.Error()})
	} else {
		res.Expected = expected
		res.ManifestHashOK = expected == m.ManifestHash
	}

	seen := make(map[string]bool, len(m.Files))
	for _, f := range m.Files {
		if seen[f.Path] {
			res.FileErrors = append(res.FileErrors, FileError{Path: f.Path, Reason: "listed twice"})
			continue
		}
		seen[f.Path] = true

		data, ok := files[f.Path]
		if !ok {
			res.FileErrors = append(res.FileErrors, FileError{Path: f.Path, Reason: "missing"})
			continue
		}
		if got := canonicalize.HashBytes(data); got != f.Hash {
			res.FileErrors = append(res.FileErrors, FileError{
				Path:   f.Path,
				Reason: fmt.Sprintf("hash mismatch: manifest %s, file %s", f.Hash, got),
			})
			continue
		}
		if int64(len(data)) != f.Size {
			res.FileErrors = append(res.FileErrors, FileError{
				Path:   f.Path,
				Reason: fmt.Sprintf("size mismatch: manifest %d, file %d", f.Size, len(data)),
			})
		}
	}
	sort.Slice(res.FileErrors, func(i, j int) bool { return res.FileErrors[i].Path < res.FileErrors[j].Path })
	return res
}

// Err converts a failed Result into a TAMPERED error.
func (r Result) Err() error {
	if r.Valid() {
		return nil
	}
	if !r.ManifestHashOK {
		return xerrors.New(xerrors.CodeTampered, "manifest.validate", "manifest hash mismatch (expected %s)", r.Expected)
	}
	return xerrors.New(xerrors.CodeTampered, "manifest.validate", "%d file(s) failed: first %s: %s",
		len(r.FileErrors), r.FileErrors[0].Path, r.FileErrors[0].Reason)
}
