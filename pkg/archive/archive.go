// Package archive assembles and reads evidence bundle archives.
//
// Archives are deterministic: the same manifest, files and signature always
// produce the same bytes. manifest.json is the first entry; every other entry
// follows in path order with an epoch mtime, uid/gid 0 and a gzip header that
// carries neither name nor time.
package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/xase-labs/xase-core/pkg/canonicalize"
	"github.com/xase-labs/xase-core/pkg/crypto"
	"github.com/xase-labs/xase-core/pkg/manifest"
)

// Well-known entries.
const (
	ManifestPath  = "manifest.json"
	SignaturePath = "signature.json"
	PublicKeyPath = "public-key.pem"
)

// ContentType of an assembled archive.
const ContentType = "application/gzip"

// Limits bound what Read accepts from an untrusted archive.
type Limits struct {
	MaxEntries   int
	MaxEntrySize int64
	// MaxTotalSize caps the sum of all decompressed entries.
	MaxTotalSize int64
}

// DefaultLimits fit a million-record bundle with room to spare.
var DefaultLimits = Limits{
	MaxEntries:   2_000_000,
	MaxEntrySize: 512 << 20,
	MaxTotalSize: 2 << 30,
}

// Input is everything that goes into one archive.
type Input struct {
	Manifest *manifest.Manifest
	// Files are the manifest-listed files (records, interventions,
	// report.md, verify.sh).
	Files     map[string][]byte
	Signature *crypto.Signature
}

// Archive is an assembled tar.gz with its SHA-256.
type Archive struct {
	Bytes []byte
	Hash  string
}

func (a *Archive) Size() int64 { return int64(len(a.Bytes)) }

// Assemble writes the archive in memory.
func Assemble(in Input) (*Archive, error) {
	if in.Manifest == nil || in.Manifest.ManifestHash == "" {
		return nil, errors.New("archive: manifest must be finalized")
	}
	manifestJSON, err := in.Manifest.Marshal()
	if err != nil {
		return nil, fmt.Errorf("archive: marshal manifest: %w", err)
	}

	entries := make(map[string][]byte, len(in.Files)+3)
	for p, data := range in.Files {
		if err := checkPath(p); err != nil {
			return nil, err
		}
		if isReserved(p) {
			return nil, fmt.Errorf("archive: %s is reserved", p)
		}
		entries[p] = data
	}
	if in.Signature != nil {
		sigJSON, err := json.MarshalIndent(in.Signature, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("archive: marshal signature: %w", err)
		}
		entries[SignaturePath] = sigJSON
		if !in.Signature.IsHashOnly() && in.Signature.PublicKeyPEM != "" {
			entries[PublicKeyPath] = []byte(in.Signature.PublicKeyPEM)
		}
	}

	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	gw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, err
	}
	// zero header: no name, no mtime
	gw.Header = gzip.Header{OS: 255}
	tw := tar.NewWriter(gw)

	if err := writeEntry(tw, ManifestPath, manifestJSON); err != nil {
		return nil, err
	}
	for _, name := range names {
		if err := writeEntry(tw, name, entries[name]); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("archive: close tar: %w", err)
	}
	if err := gw.Close(); err != nil {
		return nil, fmt.Errorf("archive: close gzip: %w", err)
	}

	out := buf.Bytes()
	return &Archive{Bytes: out, Hash: canonicalize.HashBytes(out)}, nil
}

func writeEntry(tw *tar.Writer, name string, data []byte) error {
	mode := int64(0o644)
	if strings.HasSuffix(name, ".sh") {
		mode = 0o755
	}
	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Size:     int64(len(data)),
		Mode:     mode,
		ModTime:  time.Unix(0, 0),
		Uid:      0,
		Gid:      0,
		Format:   tar.FormatPAX,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("archive: write header %s: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("archive: write data %s: %w", name, err)
	}
	return nil
}

func isReserved(p string) bool {
	switch p {
	case ManifestPath, SignaturePath, PublicKeyPath:
		return true
	}
	return false
}

func checkPath(p string) error {
	if p == "" || path.IsAbs(p) || path.Clean(p) != p || strings.HasPrefix(p, "../") || p == ".." {
		return fmt.Errorf("archive: unsafe entry path %q", p)
	}
	return nil
}

// Contents is a decoded archive.
type Contents struct {
	Manifest    *manifest.Manifest
	ManifestRaw []byte
	// Files holds every entry except manifest.json.
	Files        map[string][]byte
	Signature    *crypto.Signature
	PublicKeyPEM string
	// Order lists entry names as they appeared.
	Order []string
}

// Read decodes a tar.gz produced by Assemble under DefaultLimits. It does
// not verify anything.
func Read(data []byte) (*Contents, error) {
	return ReadWithLimits(data, DefaultLimits)
}

// ReadWithLimits is Read with explicit limits.
func ReadWithLimits(data []byte, l Limits) (*Contents, error) {
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("archive: gzip reader: %w", err)
	}
	defer gr.Close()

	tr := tar.NewReader(gr)
	c := &Contents{Files: make(map[string][]byte)}
	var total int64
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("archive: tar read: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if err := checkPath(hdr.Name); err != nil {
			return nil, err
		}
		if len(c.Order) >= l.MaxEntries {
			return nil, fmt.Errorf("archive: more than %d entries", l.MaxEntries)
		}
		if hdr.Size > l.MaxEntrySize {
			return nil, fmt.Errorf("archive: entry %s too large (%d bytes)", hdr.Name, hdr.Size)
		}
		if total+hdr.Size > l.MaxTotalSize {
			return nil, fmt.Errorf("archive: contents exceed %d bytes", l.MaxTotalSize)
		}
		body, err := io.ReadAll(io.LimitReader(tr, l.MaxEntrySize+1))
		if err != nil {
			return nil, fmt.Errorf("archive: read %s: %w", hdr.Name, err)
		}
		total += int64(len(body))
		if total > l.MaxTotalSize {
			return nil, fmt.Errorf("archive: contents exceed %d bytes", l.MaxTotalSize)
		}
		if _, dup := c.Files[hdr.Name]; dup || (hdr.Name == ManifestPath && c.ManifestRaw != nil) {
			return nil, fmt.Errorf("archive: duplicate entry %s", hdr.Name)
		}
		c.Order = append(c.Order, hdr.Name)

		switch hdr.Name {
		case ManifestPath:
			c.ManifestRaw = body
		default:
			c.Files[hdr.Name] = body
		}
	}

	if c.ManifestRaw == nil {
		return nil, errors.New("archive: manifest.json not found")
	}
	if c.Manifest, err = manifest.Parse(c.ManifestRaw); err != nil {
		return nil, err
	}
	if raw, ok := c.Files[SignaturePath]; ok {
		var sig crypto.Signature
		if err := json.Unmarshal(raw, &sig); err != nil {
			return nil, fmt.Errorf("archive: decode signature: %w", err)
		}
		c.Signature = &sig
	}
	if raw, ok := c.Files[PublicKeyPath]; ok {
		c.PublicKeyPEM = string(raw)
	}
	return c, nil
}
