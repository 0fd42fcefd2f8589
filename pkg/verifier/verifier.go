// Package verifier provides offline evidence bundle verification.
//
// This package has no database, network or object-store dependencies. It
// can be built and audited as a standalone tool by a third party that holds
// only the archive and, optionally, the signer's public key.
//
// Trust model: the verifier trusts only SHA-256, JCS canonical JSON, the
// signature algorithms in pkg/crypto and the archive layout. It does not
// trust the ledger database, the signing service or the storage backend.
package verifier

import (
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/xase-labs/xase-core/pkg/archive"
	"github.com/xase-labs/xase-core/pkg/canonicalize"
	"github.com/xase-labs/xase-core/pkg/intervention"
	"github.com/xase-labs/xase-core/pkg/ledger"
	"github.com/xase-labs/xase-core/pkg/manifest"
	"github.com/xase-labs/xase-core/pkg/xerrors"
)

type Verdict string

const (
	VerdictVerified Verdict = "VERIFIED"
	VerdictTampered Verdict = "TAMPERED"
)

// Report is the structured output of offline verification.
type Report struct {
	BundleID     string              `json:"bundleId,omitempty"`
	TenantID     string              `json:"tenantId,omitempty"`
	ArchiveHash  string              `json:"archiveHash"`
	Verified     bool                `json:"verified"`
	Verdict      Verdict             `json:"verdict"`
	Timestamp    time.Time           `json:"timestamp"`
	Checks       []CheckResult       `json:"checks"`
	Summary      string              `json:"summary"`
	IssueCount   int                 `json:"issueCount"`
	VerifierVer  string              `json:"verifierVersion"`
	Bundle       *BundleVerification `json:"bundle,omitempty"`
	Chain        *ChainVerification  `json:"chain,omitempty"`
	SignedBy     string              `json:"signedBy,omitempty"`
	KeyID        string              `json:"keyId,omitempty"`
	RecordsFound int                 `json:"recordsFound"`
	// Interventions counts human intervention artifacts checked.
	Interventions int `json:"interventions"`
}

// CheckResult represents a single verification check.
type CheckResult struct {
	Name   string `json:"name"`
	Pass   bool   `json:"pass"`
	Detail string `json:"detail,omitempty"`
	Reason string `json:"reason,omitempty"` // failure reason
}

const VerifierVersion = "1.0.0"

type options struct {
	clock func() time.Time
}

type Option func(*options)

// WithClock sets the report timestamp source.
func WithClock(clock func() time.Time) Option { return func(o *options) { o.clock = clock } }

// VerifyArchive performs offline verification of an assembled tar.gz.
// Integrity failures are reported in the Report, never as an error; the
// error is reserved for unusable input.
func VerifyArchive(data []byte, publicKeyPEM string, opts ...Option) (*Report, error) {
	if len(data) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidInput, "verifier.archive", "archive is empty")
	}
	o := options{clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	report := &Report{
		ArchiveHash: canonicalize.HashBytes(data),
		Timestamp:   o.clock().UTC(),
		Checks:      make([]CheckResult, 0),
		VerifierVer: VerifierVersion,
	}

	// 1. Structure
	c, err := archive.Read(data)
	if err != nil {
		report.addCheck(CheckResult{Name: "structure", Pass: false, Reason: err.Error()})
		report.finish()
		return report, nil
	}
	report.BundleID = c.Manifest.BundleID
	report.TenantID = c.Manifest.TenantID
	report.addCheck(CheckResult{Name: "structure", Pass: true, Detail: fmt.Sprintf("%d entries", len(c.Order))})

	// 2. Manifest, files, signature
	embedded := c.PublicKeyPEM
	if c.Signature != nil && c.Signature.PublicKeyPEM != "" {
		embedded = c.Signature.PublicKeyPEM
	}
	bv := verifyBundle(c.Manifest, c.Files, c.Signature, publicKeyPEM, embedded)
	report.Bundle = &bv
	if c.Signature != nil {
		report.SignedBy = c.Signature.SignedBy
		report.KeyID = c.Signature.KeyID
	}

	report.addCheck(checkVersion(c.Manifest.Version, bv.VersionOK))
	report.addCheck(checkManifestHash(bv))
	report.addChecks(checkFileHashes(c.Manifest, bv.FileErrors))
	report.addCheck(checkUnlisted(c))
	report.addCheck(checkSignature(bv))

	// 3. Records
	records, recordChecks := readRecords(c)
	report.addChecks(recordChecks)
	report.RecordsFound = len(records)
	if len(records) != c.Manifest.RecordCount {
		report.addCheck(CheckResult{Name: "record_count", Pass: false,
			Reason: fmt.Sprintf("manifest declares %d records, archive holds %d", c.Manifest.RecordCount, len(records))})
	} else {
		report.addCheck(CheckResult{Name: "record_count", Pass: true, Detail: fmt.Sprintf("%d records", len(records))})
	}

	chain := VerifyChain(records)
	report.Chain = &chain
	report.addChecks(checkChain(chain))

	// 4. Human interventions
	n, ivChecks := checkInterventions(c, records)
	report.Interventions = n
	report.addChecks(ivChecks)

	report.finish()
	return report, nil
}

func (r *Report) addCheck(c CheckResult) {
	r.Checks = append(r.Checks, c)
}

func (r *Report) addChecks(cs []CheckResult) {
	r.Checks = append(r.Checks, cs...)
}

func (r *Report) finish() {
	failed := 0
	for _, c := range r.Checks {
		if !c.Pass {
			failed++
		}
	}
	r.IssueCount = failed
	if failed > 0 {
		r.Verified = false
		r.Verdict = VerdictTampered
		r.Summary = fmt.Sprintf("FAIL: %d/%d checks failed", failed, len(r.Checks))
		return
	}
	r.Verified = true
	r.Verdict = VerdictVerified
	r.Summary = fmt.Sprintf("PASS: %d/%d checks passed", len(r.Checks), len(r.Checks))
}

// Failed returns the checks that did not pass.
func (r *Report) Failed() []CheckResult {
	var out []CheckResult
	for _, c := range r.Checks {
		if !c.Pass {
			out = append(out, c)
		}
	}
	return out
}

// Err is a TAMPERED error for a failed report.
func (r *Report) Err() error {
	if r.Verified {
		return nil
	}
	failed := r.Failed()
	return xerrors.New(xerrors.CodeTampered, "verifier.archive", "%d check(s) failed: first %s: %s",
		len(failed), failed[0].Name, failed[0].Reason)
}

// --- Check implementations ---

func checkVersion(v string, ok bool) CheckResult {
	if !ok {
		return CheckResult{Name: "manifest_version", Pass: false,
			Reason: fmt.Sprintf("version %q does not satisfy %s", v, SupportedManifestVersions)}
	}
	return CheckResult{Name: "manifest_version", Pass: true, Detail: v}
}

func checkManifestHash(bv BundleVerification) CheckResult {
	if !bv.ManifestHashOK {
		return CheckResult{Name: "manifest_hash", Pass: false, Reason: "recomputed manifest hash differs from manifestHash"}
	}
	return CheckResult{Name: "manifest_hash", Pass: true, Detail: "manifest hash verified"}
}

func checkFileHashes(m *manifest.Manifest, fileErrors []manifest.FileError) []CheckResult {
	failed := make(map[string]string, len(fileErrors))
	for _, fe := range fileErrors {
		failed[fe.Path] = fe.Reason
	}
	results := make([]CheckResult, 0, len(m.Files))
	for _, f := range m.Files {
		name := fmt.Sprintf("hash:%s", f.Path)
		if reason, bad := failed[f.Path]; bad {
			results = append(results, CheckResult{Name: name, Pass: false, Reason: reason})
			delete(failed, f.Path)
			continue
		}
		results = append(results, CheckResult{Name: name, Pass: true, Detail: "hash verified"})
	}
	// errors not tied to a listed file, e.g. an unhashable manifest
	for p, reason := range failed {
		results = append(results, CheckResult{Name: fmt.Sprintf("hash:%s", p), Pass: false, Reason: reason})
	}
	if len(results) == 0 {
		results = append(results, CheckResult{Name: "file_hashes", Pass: false, Reason: "manifest lists no files"})
	}
	return results
}

func checkUnlisted(c *archive.Contents) CheckResult {
	listed := make(map[string]bool, len(c.Manifest.Files))
	for _, f := range c.Manifest.Files {
		listed[f.Path] = true
	}
	var extra []string
	for name := range c.Files {
		switch name {
		case archive.SignaturePath, archive.PublicKeyPath:
			continue
		}
		if !listed[name] {
			extra = append(extra, name)
		}
	}
	if len(extra) > 0 {
		sort.Strings(extra)
		return CheckResult{Name: "unlisted_files", Pass: false, Reason: "not in manifest: " + strings.Join(extra, ", ")}
	}
	return CheckResult{Name: "unlisted_files", Pass: true, Detail: "every entry is listed or reserved"}
}

func checkSignature(bv BundleVerification) CheckResult {
	switch {
	case !bv.SignatureOK:
		return CheckResult{Name: "signature", Pass: false, Reason: bv.SignatureError}
	case !bv.Signed:
		return CheckResult{Name: "signature", Pass: true, Detail: "hash-only document (unsigned)"}
	default:
		return CheckResult{Name: "signature", Pass: true, Detail: "signature verified with " + bv.KeySource + " key"}
	}
}

// readRecords decodes every records/*.json entry in manifest order.
func readRecords(c *archive.Contents) ([]*ledger.DecisionRecord, []CheckResult) {
	var (
		records []*ledger.DecisionRecord
		checks  []CheckResult
	)
	for _, f := range c.Manifest.Files {
		if f.Type != manifest.FileTypeDecision {
			continue
		}
		data, ok := c.Files[f.Path]
		if !ok {
			continue // reported by the hash check
		}
		var a manifest.RecordArtifact
		if err := json.Unmarshal(data, &a); err != nil {
			checks = append(checks, CheckResult{Name: "decode:" + f.Path, Pass: false, Reason: err.Error()})
			continue
		}
		if want := manifest.RecordPath(a.TransactionID); path.Clean(f.Path) != want {
			checks = append(checks, CheckResult{Name: "decode:" + f.Path, Pass: false,
				Reason: fmt.Sprintf("artifact %s stored at %s", a.TransactionID, f.Path)})
		}
		if a.TenantID != c.Manifest.TenantID {
			checks = append(checks, CheckResult{Name: "decode:" + f.Path, Pass: false,
				Reason: fmt.Sprintf("tenant %s in a bundle for %s", a.TenantID, c.Manifest.TenantID)})
		}
		records = append(records, a.ToRecord())
	}
	return records, checks
}

func checkChain(chain ChainVerification) []CheckResult {
	results := make([]CheckResult, 0, len(chain.Records)+1)
	for _, rv := range chain.Records {
		name := fmt.Sprintf("record:%d:%s", rv.Sequence, rv.TransactionID)
		if rv.Valid() {
			detail := "chain hash verified"
			if rv.PayloadAvailable {
				detail = "payload and chain hashes verified"
			}
			results = append(results, CheckResult{Name: name, Pass: true, Detail: detail})
			continue
		}
		var bad []string
		if !rv.InputHashOK {
			bad = append(bad, "inputHash")
		}
		if !rv.OutputHashOK {
			bad = append(bad, "outputHash")
		}
		if !rv.ContextHashOK {
			bad = append(bad, "contextHash")
		}
		if !rv.ChainOK {
			bad = append(bad, "recordHash (expected "+rv.ExpectedRecordHash+")")
		}
		results = append(results, CheckResult{Name: name, Pass: false, Reason: "mismatch: " + strings.Join(bad, ", ")})
	}

	if len(chain.LinkErrors) == 0 {
		results = append(results, CheckResult{Name: "chain_linkage", Pass: true, Detail: fmt.Sprintf("%d links", max(len(chain.Records)-1, 0))})
		return results
	}
	for _, le := range chain.LinkErrors {
		results = append(results, CheckResult{Name: fmt.Sprintf("chain_linkage:%d", le.Sequence), Pass: false, Reason: le.Reason})
	}
	return results
}

// checkInterventions recomputes each intervention's hash and checks that it
// targets a record shipped in the same bundle.
func checkInterventions(c *archive.Contents, records []*ledger.DecisionRecord) (int, []CheckResult) {
	byTxn := make(map[string]*ledger.DecisionRecord, len(records))
	for _, r := range records {
		byTxn[r.TransactionID] = r
	}
	var (
		n      int
		checks []CheckResult
	)
	for _, f := range c.Manifest.Files {
		if f.Type != manifest.FileTypeIntervention {
			continue
		}
		data, ok := c.Files[f.Path]
		if !ok {
			continue // reported by the hash check
		}
		n++
		var iv intervention.Intervention
		if err := json.Unmarshal(data, &iv); err != nil {
			checks = append(checks, CheckResult{Name: "intervention:" + f.Path, Pass: false, Reason: err.Error()})
			continue
		}
		name := "intervention:" + iv.InterventionID
		var bad []string
		if want := intervention.ArtifactPath(iv.InterventionID); path.Clean(f.Path) != want {
			bad = append(bad, "stored at "+f.Path)
		}
		if iv.TenantID != c.Manifest.TenantID {
			bad = append(bad, "tenant "+iv.TenantID)
		}
		if !iv.HashOK() {
			bad = append(bad, "interventionHash")
		}
		switch rec, ok := byTxn[iv.TransactionID]; {
		case !ok:
			bad = append(bad, "record "+iv.TransactionID+" not in bundle")
		case rec.RecordHash != iv.RecordHash || rec.Sequence != iv.RecordSequence:
			bad = append(bad, "recordHash does not match record "+iv.TransactionID)
		}
		if len(bad) > 0 {
			checks = append(checks, CheckResult{Name: name, Pass: false, Reason: "mismatch: " + strings.Join(bad, ", ")})
			continue
		}
		checks = append(checks, CheckResult{Name: name, Pass: true,
			Detail: fmt.Sprintf("%s on %s verified", iv.Action, iv.TransactionID)})
	}
	return n, checks
}
