package archive

import (
	"bytes"
	"errors"
	"fmt"
	"text/template"
	"time"
)

// ReportData feeds report.md. report.md is itself listed in the manifest, so
// it carries the bundle's facts but never the manifest hash or signature.
type ReportData struct {
	BundleID        string
	TenantID        string
	Purpose         string
	GeneratedAt     time.Time
	RecordCount     int
	ManifestVersion string
	DateFrom        *time.Time
	DateTo          *time.Time
	// First and last chain positions covered.
	FirstSequence int64
	LastSequence  int64
	FirstHash     string
	LastHash      string
	// Interventions counts human interventions shipped, by action.
	Interventions map[string]int64
}

var reportTemplate = template.Must(template.New("report").Funcs(template.FuncMap{
	"ts": func(t time.Time) string { return t.UTC().Format(time.RFC3339) },
	"tsp": func(t *time.Time) string {
		if t == nil {
			return "unbounded"
		}
		return t.UTC().Format(time.RFC3339)
	},
}).Parse(`# Evidence bundle {{.BundleID}}

| Field | Value |
|---|---|
| Tenant | {{.TenantID}} |
| Generated | {{ts .GeneratedAt}} |
| Purpose | {{if .Purpose}}{{.Purpose}}{{else}}-{{end}} |
| Records | {{.RecordCount}} |
| Period | {{tsp .DateFrom}} to {{tsp .DateTo}} |
| Chain positions | {{.FirstSequence}} to {{.LastSequence}} |
| First record hash | ` + "`{{.FirstHash}}`" + ` |
| Last record hash | ` + "`{{.LastHash}}`" + ` |
| Manifest version | {{.ManifestVersion}} |

## Human oversight

{{if .Interventions}}| Action | Count |
|---|---|
{{range $action, $n := .Interventions}}| {{$action}} | {{$n}} |
{{end}}
Each intervention is shipped under interventions/ and listed in the manifest.
{{else}}No human interventions on the records in this bundle.
{{end}}
## Verifying

1. ` + "`sh verify.sh`" + ` checks every file hash in manifest.json (this report
   included) and, when signed, the signature in signature.json against
   public-key.pem.
2. ` + "`xase verify <archive>`" + ` additionally recomputes the canonical manifest
   hash, every record's chain hash and every intervention hash.

The manifest hash and the signature details are in signature.json.
`))

// RenderReport produces the human-readable summary shipped as report.md.
func RenderReport(d ReportData) ([]byte, error) {
	if d.BundleID == "" || d.TenantID == "" {
		return nil, errors.New("archive: report needs a bundle and tenant id")
	}
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, d); err != nil {
		return nil, fmt.Errorf("archive: render report: %w", err)
	}
	return buf.Bytes(), nil
}
