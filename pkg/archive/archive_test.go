package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xase-labs/xase-core/pkg/canonicalize"
	"github.com/xase-labs/xase-core/pkg/crypto"
	"github.com/xase-labs/xase-core/pkg/ledger"
	"github.com/xase-labs/xase-core/pkg/manifest"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func buildInput(t *testing.T, sig *crypto.Signature) Input {
	t.Helper()
	store := ledger.NewMemoryStore().WithClock(func() time.Time { return fixedNow })
	svc := ledger.NewService(store)
	for i := 0; i < 3; i++ {
		_, err := svc.Append(context.Background(), ledger.AppendRequest{
			TenantID: "tenant-1",
			Input:    map[string]any{"n": i},
			Output:   "ok",
		})
		require.NoError(t, err)
	}
	recs, err := store.List(context.Background(), "tenant-1", ledger.Filter{})
	require.NoError(t, err)

	report, err := RenderReport(ReportData{
		BundleID:        "bundle_1",
		TenantID:        "tenant-1",
		Purpose:         "audit",
		GeneratedAt:     fixedNow,
		RecordCount:     len(recs),
		ManifestVersion: manifest.Version,
		FirstSequence:   recs[0].Sequence,
		LastSequence:    recs[len(recs)-1].Sequence,
		FirstHash:       recs[0].RecordHash,
		LastHash:        recs[len(recs)-1].RecordHash,
	})
	require.NoError(t, err)

	m, files, err := manifest.NewBuilder(manifest.WithClock(func() time.Time { return fixedNow })).
		Build("tenant-1", "bundle_1", "audit", recs,
			manifest.Attachment{Path: manifest.ReportPath, Data: report, Type: manifest.FileTypeReport})
	require.NoError(t, err)
	return Input{Manifest: m, Files: files, Signature: sig}
}

func entryNames(t *testing.T, data []byte) []string {
	t.Helper()
	gr, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	tr := tar.NewReader(gr)
	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		assert.True(t, hdr.ModTime.Equal(time.Unix(0, 0)), hdr.Name)
		assert.Equal(t, 0, hdr.Uid)
		names = append(names, hdr.Name)
	}
	return names
}

func TestAssemble_Deterministic(t *testing.T) {
	in := buildInput(t, crypto.HashOnlySignature(canonicalize.HashString("x"), fixedNow))

	a1, err := Assemble(in)
	require.NoError(t, err)
	a2, err := Assemble(in)
	require.NoError(t, err)

	assert.Equal(t, a1.Bytes, a2.Bytes)
	assert.Equal(t, a1.Hash, a2.Hash)
	assert.Equal(t, canonicalize.HashBytes(a1.Bytes), a1.Hash)
}

func TestAssemble_LayoutManifestFirstThenSorted(t *testing.T) {
	sig := &crypto.Signature{
		Algorithm:    crypto.AlgorithmECDSASHA256,
		Hash:         canonicalize.HashString("x"),
		Signature:    "c2ln",
		SignedAt:     fixedNow,
		SignedBy:     crypto.SignedByKMS,
		PublicKeyPEM: "-----BEGIN PUBLIC KEY-----\n-----END PUBLIC KEY-----\n",
	}
	in := buildInput(t, sig)
	a, err := Assemble(in)
	require.NoError(t, err)

	names := entryNames(t, a.Bytes)
	require.NotEmpty(t, names)
	assert.Equal(t, ManifestPath, names[0])
	assert.IsIncreasing(t, names[1:])
	assert.Contains(t, names, SignaturePath)
	assert.Contains(t, names, PublicKeyPath)
	assert.Contains(t, names, manifest.ReportPath)
	assert.Contains(t, names, manifest.VerifyScriptPath)
	assert.Len(t, names, 1+3+1+1+2) // manifest, records, report, verify.sh, signature, key
}

func TestAssemble_HashOnlyOmitsPublicKey(t *testing.T) {
	in := buildInput(t, crypto.HashOnlySignature(canonicalize.HashString("x"), fixedNow))
	a, err := Assemble(in)
	require.NoError(t, err)
	assert.NotContains(t, entryNames(t, a.Bytes), PublicKeyPath)
}

func TestAssemble_RejectsUnsafeOrReservedPaths(t *testing.T) {
	in := buildInput(t, nil)
	in.Files["../etc/passwd"] = []byte("x")
	_, err := Assemble(in)
	assert.Error(t, err)

	in = buildInput(t, nil)
	in.Files[SignaturePath] = []byte("{}")
	_, err = Assemble(in)
	assert.Error(t, err)
}

func TestAssemble_RequiresFinalizedManifest(t *testing.T) {
	_, err := Assemble(Input{Manifest: &manifest.Manifest{}})
	assert.Error(t, err)
}

func TestRead_RoundTrip(t *testing.T) {
	sig := crypto.HashOnlySignature(canonicalize.HashString("x"), fixedNow)
	in := buildInput(t, sig)
	a, err := Assemble(in)
	require.NoError(t, err)

	c, err := Read(a.Bytes)
	require.NoError(t, err)

	assert.Equal(t, in.Manifest.ManifestHash, c.Manifest.ManifestHash)
	for p, data := range in.Files {
		assert.Equal(t, data, c.Files[p], p)
	}
	require.NotNil(t, c.Signature)
	assert.Equal(t, sig.Hash, c.Signature.Hash)
	assert.True(t, c.Manifest.Validate(c.Files).Valid())
	assert.Equal(t, ManifestPath, c.Order[0])
}

func TestRead_Garbage(t *testing.T) {
	_, err := Read([]byte("not a gzip stream"))
	assert.Error(t, err)
}

func TestRenderReport_MentionsKeyFacts(t *testing.T) {
	in := buildInput(t, nil)
	report := string(in.Files[manifest.ReportPath])
	assert.Contains(t, report, "bundle_1")
	assert.Contains(t, report, "tenant-1")
	assert.Contains(t, report, "unbounded")
	assert.Contains(t, report, "No human interventions")
	assert.NotContains(t, report, in.Manifest.ManifestHash)

	var listed bool
	for _, f := range in.Manifest.Files {
		if f.Path == manifest.ReportPath {
			listed = f.Type == manifest.FileTypeReport
		}
	}
	assert.True(t, listed, "report.md must be listed in the manifest")
}

func TestRenderReport_OversightTable(t *testing.T) {
	out, err := RenderReport(ReportData{
		BundleID:      "bundle_1",
		TenantID:      "tenant-1",
		GeneratedAt:   fixedNow,
		Interventions: map[string]int64{"OVERRIDE": 2, "APPROVED": 5},
	})
	require.NoError(t, err)
	report := string(out)
	assert.Contains(t, report, "| APPROVED | 5 |\n| OVERRIDE | 2 |")
	assert.Contains(t, report, "interventions/")

	_, err = RenderReport(ReportData{TenantID: "tenant-1"})
	assert.Error(t, err)
}

func TestReadWithLimits(t *testing.T) {
	a, err := Assemble(buildInput(t, nil))
	require.NoError(t, err)

	cases := map[string]Limits{
		"entries":    {MaxEntries: 2, MaxEntrySize: 1 << 20, MaxTotalSize: 1 << 20},
		"entry size": {MaxEntries: 100, MaxEntrySize: 64, MaxTotalSize: 1 << 20},
		"total size": {MaxEntries: 100, MaxEntrySize: 1 << 20, MaxTotalSize: 512},
	}
	want := map[string]string{
		"entries":    "more than 2 entries",
		"entry size": "too large",
		"total size": "contents exceed 512 bytes",
	}
	for name, l := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ReadWithLimits(a.Bytes, l)
			require.Error(t, err)
			assert.Contains(t, err.Error(), want[name])
		})
	}

	_, err = ReadWithLimits(a.Bytes, DefaultLimits)
	assert.NoError(t, err)
}
