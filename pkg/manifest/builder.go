package manifest

import (
	"encoding/json"
	"path"
	"strings"
	"time"

	"github.com/xase-labs/xase-core/pkg/canonicalize"
	"github.com/xase-labs/xase-core/pkg/ledger"
	"github.com/xase-labs/xase-core/pkg/xerrors"
)

// RecordsDir holds one JSON artifact per decision record.
const RecordsDir = "records"

// RecordArtifact is the minimal, self-verifying form of a decision record
// written to records/<transactionId>.json.
type RecordArtifact struct {
	TransactionID     string          `json:"transactionId"`
	TenantID          string          `json:"tenantId"`
	Sequence          int64           `json:"sequence"`
	Timestamp         time.Time       `json:"timestamp"`
	InputHash         string          `json:"inputHash"`
	OutputHash        string          `json:"outputHash"`
	ContextHash       *string         `json:"contextHash,omitempty"`
	PreviousHash      *string         `json:"previousHash,omitempty"`
	RecordHash        string          `json:"recordHash"`
	PolicyID          string          `json:"policyId,omitempty"`
	PolicyVersion     string          `json:"policyVersion,omitempty"`
	DecisionType      string          `json:"decisionType,omitempty"`
	Confidence        *float64        `json:"confidence,omitempty"`
	ModelID           string          `json:"modelId,omitempty"`
	ModelVersion      string          `json:"modelVersion,omitempty"`
	ModelHash         string          `json:"modelHash,omitempty"`
	FeatureSchemaHash string          `json:"featureSchemaHash,omitempty"`
	Input             json.RawMessage `json:"input,omitempty"`
	Output            json.RawMessage `json:"output,omitempty"`
	Context           json.RawMessage `json:"context,omitempty"`
}

// NewRecordArtifact projects rec. Payloads are carried only when requested.
func NewRecordArtifact(rec *ledger.DecisionRecord, includePayloads bool) RecordArtifact {
	a := RecordArtifact{
		TransactionID:     rec.TransactionID,
		TenantID:          rec.TenantID,
		Sequence:          rec.Sequence,
		Timestamp:         rec.Timestamp.UTC(),
		InputHash:         rec.InputHash,
		OutputHash:        rec.OutputHash,
		ContextHash:       rec.ContextHash,
		PreviousHash:      rec.PreviousHash,
		RecordHash:        rec.RecordHash,
		PolicyID:          rec.PolicyID,
		PolicyVersion:     rec.PolicyVersion,
		DecisionType:      rec.DecisionType,
		Confidence:        rec.Confidence,
		ModelID:           rec.ModelID,
		ModelVersion:      rec.ModelVersion,
		ModelHash:         rec.ModelHash,
		FeatureSchemaHash: rec.FeatureSchemaHash,
	}
	if includePayloads {
		a.Input = rec.InputPayload
		a.Output = rec.OutputPayload
		a.Context = rec.ContextPayload
	}
	return a
}

// ToRecord rebuilds the ledger view of an artifact for chain verification.
func (a RecordArtifact) ToRecord() *ledger.DecisionRecord {
	return &ledger.DecisionRecord{
		TenantID:       a.TenantID,
		TransactionID:  a.TransactionID,
		Sequence:       a.Sequence,
		Timestamp:      a.Timestamp,
		InputHash:      a.InputHash,
		OutputHash:     a.OutputHash,
		ContextHash:    a.ContextHash,
		PreviousHash:   a.PreviousHash,
		RecordHash:     a.RecordHash,
		InputPayload:   a.Input,
		OutputPayload:  a.Output,
		ContextPayload: a.Context,
	}
}

// RecordPath is the archive path of a record artifact.
func RecordPath(transactionID string) string {
	return path.Join(RecordsDir, transactionID+".json")
}

// Builder produces a finalized manifest and the bytes of every file it lists.
type Builder struct {
	clock           func() time.Time
	includePayloads bool
}

type BuilderOption func(*Builder)

// WithClock fixes generatedAt, making builds byte-for-byte reproducible.
func WithClock(clock func() time.Time) BuilderOption {
	return func(b *Builder) { b.clock = clock }
}

// WithPayloads embeds stored input/output/context payloads in artifacts.
func WithPayloads(include bool) BuilderOption {
	return func(b *Builder) { b.includePayloads = include }
}

func NewBuilder(opts ...BuilderOption) *Builder {
	b := &Builder{clock: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Attachment is an extra hashed file listed after the record artifacts.
type Attachment struct {
	Path string
	Data []byte
	Type FileType
}

// Build lists one artifact per record (in the given order), then the
// attachments, then the verify script, and finalizes the manifest. It fails
// with EMPTY_BUNDLE when records is empty.
func (b *Builder) Build(tenantID, bundleID, purpose string, records []*ledger.DecisionRecord, attachments ...Attachment) (*Manifest, map[string][]byte, error) {
	const op = "manifest.build"
	if len(records) == 0 {
		return nil, nil, xerrors.New(xerrors.CodeEmptyBundle, op, "bundle %s has no records", bundleID)
	}

	m := &Manifest{
		Version:     Version,
		BundleID:    bundleID,
		TenantID:    tenantID,
		GeneratedAt: b.clock().UTC(),
		RecordCount: len(records),
		Purpose:     purpose,
		Files:       make([]File, 0, len(records)+len(attachments)+1),
	}
	files := make(map[string][]byte, len(records)+len(attachments)+1)

	for _, rec := range records {
		if rec.TenantID != tenantID {
			return nil, nil, xerrors.New(xerrors.CodeInvalidInput, op, "record %s belongs to tenant %s", rec.TransactionID, rec.TenantID)
		}
		data, err := canonicalize.JCS(NewRecordArtifact(rec, b.includePayloads))
		if err != nil {
			return nil, nil, xerrors.Wrap(xerrors.CodeInvalidInput, op, err)
		}
		p := RecordPath(rec.TransactionID)
		if _, dup := files[p]; dup {
			return nil, nil, xerrors.New(xerrors.CodeInvalidInput, op, "duplicate transaction %s", rec.TransactionID)
		}
		files[p] = data
		m.AddFile(p, data, FileTypeDecision)
	}

	for _, a := range attachments {
		if a.Path == "" || a.Path == "manifest.json" || a.Path == VerifyScriptPath || path.Clean(a.Path) != a.Path ||
			path.IsAbs(a.Path) || strings.HasPrefix(a.Path, "../") {
			return nil, nil, xerrors.New(xerrors.CodeInvalidInput, op, "attachment path %q not allowed", a.Path)
		}
		if _, dup := files[a.Path]; dup {
			return nil, nil, xerrors.New(xerrors.CodeInvalidInput, op, "duplicate attachment %s", a.Path)
		}
		files[a.Path] = a.Data
		m.AddFile(a.Path, a.Data, a.Type)
	}

	script := VerifyScript()
	files[VerifyScriptPath] = script
	m.AddFile(VerifyScriptPath, script, FileTypeVerify)

	if err := m.Finalize(); err != nil {
		return nil, nil, err
	}
	return m, files, nil
}
