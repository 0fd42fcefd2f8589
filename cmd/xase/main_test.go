package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xase-labs/xase-core/pkg/verifier"
)

// sqliteEnv points the CLI at a fresh SQLite database and a persistent
// local key in a temp dir.
func sqliteEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XASE_DATABASE_DRIVER", "sqlite")
	t.Setenv("XASE_DATABASE_URL", filepath.Join(dir, "xase.db"))
	t.Setenv("XASE_KMS_TYPE", "local")
	t.Setenv("XASE_KMS_KEYSTORE_PATH", filepath.Join(dir, "signing.pem"))
	t.Setenv("XASE_STORAGE_TYPE", "none")
	t.Setenv("XASE_LOG_LEVEL", "error")
	return dir
}

func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func appendDecision(t *testing.T, tenant, input string) {
	t.Helper()
	code, _, stderr := run(t, "append", "--tenant", tenant,
		"--input", input, "--output", `{"approved":true}`, "--store-payload", "--policy-id", "credit-v1")
	require.Equal(t, exitOK, code, stderr)
}

func TestRun_UnknownCommand(t *testing.T) {
	sqliteEnv(t)
	code, _, stderr := run(t, "frobnicate")
	assert.Equal(t, exitError, code)
	assert.Contains(t, stderr, "unknown command")
}

func TestMigrate_Idempotent(t *testing.T) {
	sqliteEnv(t)
	code, out, stderr := run(t, "migrate")
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, out, "applied")

	code, out, _ = run(t, "migrate")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "schema up to date")
}

func TestAppend_ChainsAndReplays(t *testing.T) {
	sqliteEnv(t)

	code, out, stderr := run(t, "--json", "append", "--tenant", "acme",
		"--input", `{"amount":100}`, "--output", `{"approved":true}`, "--idempotency-key", "req-1")
	require.Equal(t, exitOK, code, stderr)
	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &first))
	assert.Equal(t, "genesis", first["chainPosition"])
	assert.EqualValues(t, 1, first["sequence"])

	code, out, _ = run(t, "--json", "append", "--tenant", "acme",
		"--input", `{"amount":100}`, "--output", `{"approved":true}`, "--idempotency-key", "req-1")
	require.Equal(t, exitOK, code)
	var replay map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &replay))
	assert.Equal(t, true, replay["replayed"])
	assert.Equal(t, first["recordHash"], replay["recordHash"])

	appendDecision(t, "acme", `{"amount":250}`)

	code, out, _ = run(t, "records", "verify", "--tenant", "acme")
	assert.Equal(t, exitOK, code)
	assert.Contains(t, out, "VERIFIED (2 records)")

	code, out, _ = run(t, "records", "list", "--tenant", "acme")
	assert.Equal(t, exitOK, code)
	assert.Contains(t, out, "credit-v1")
}

func TestAppend_RejectsBadJSON(t *testing.T) {
	sqliteEnv(t)
	code, _, stderr := run(t, "append", "--tenant", "acme", "--input", "{nope", "--output", "{}")
	assert.Equal(t, exitError, code)
	assert.Contains(t, stderr, "INVALID_INPUT")
}

func TestBundle_RequestThenVerifyOffline(t *testing.T) {
	dir := sqliteEnv(t)
	appendDecision(t, "acme", `{"amount":1}`)
	appendDecision(t, "acme", `{"amount":2}`)
	appendDecision(t, "acme", `{"amount":3}`)

	archivePath := filepath.Join(dir, "bundle.tar.gz")
	code, out, stderr := run(t, "bundle", "request", "--tenant", "acme", "--purpose", "AUDIT", "--out", archivePath)
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, out, "3 records")

	keyPath := filepath.Join(dir, "public.pem")
	code, _, stderr = run(t, "keys", "export", "--out", keyPath)
	require.Equal(t, exitOK, code, stderr)

	reportPath := filepath.Join(dir, "report.json")
	code, out, stderr = run(t, "verify", archivePath, "--public-key", keyPath, "--json-out", reportPath)
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, out, "VERIFIED")

	raw, err := os.ReadFile(reportPath)
	require.NoError(t, err)
	var report verifier.Report
	require.NoError(t, json.Unmarshal(raw, &report))
	assert.True(t, report.Verified)
	assert.Equal(t, 3, report.RecordsFound)
	assert.Equal(t, "acme", report.TenantID)

	code, out, _ = run(t, "bundle", "list", "--tenant", "acme")
	assert.Equal(t, exitOK, code)
	assert.Contains(t, out, "READY")
}

func TestVerify_TamperedArchiveExitsOne(t *testing.T) {
	dir := sqliteEnv(t)
	appendDecision(t, "acme", `{"amount":1}`)

	archivePath := filepath.Join(dir, "bundle.tar.gz")
	code, _, stderr := run(t, "bundle", "request", "--tenant", "acme", "--purpose", "AUDIT", "--out", archivePath)
	require.Equal(t, exitOK, code, stderr)

	data, err := os.ReadFile(archivePath)
	require.NoError(t, err)
	data[len(data)/2] ^= 0xff
	require.NoError(t, os.WriteFile(archivePath, data, 0o644))

	code, out, _ := run(t, "verify", archivePath)
	assert.Equal(t, exitTampered, code)
	assert.Contains(t, out, "TAMPERED")
}

func TestVerify_MissingFileExitsTwo(t *testing.T) {
	sqliteEnv(t)
	code, _, _ := run(t, "verify", filepath.Join(t.TempDir(), "absent.tar.gz"))
	assert.Equal(t, exitError, code)
}

func TestBundle_EmptyTenantFails(t *testing.T) {
	sqliteEnv(t)
	code, _, stderr := run(t, "bundle", "request", "--tenant", "nobody", "--purpose", "AUDIT")
	assert.Equal(t, exitError, code)
	assert.Contains(t, stderr, "EMPTY_BUNDLE")
}

func TestCheckpoint_CreateListVerify(t *testing.T) {
	sqliteEnv(t)
	appendDecision(t, "acme", `{"amount":1}`)

	code, out, stderr := run(t, "--json", "checkpoint", "create", "--tenant", "acme")
	require.Equal(t, exitOK, code, stderr)
	var cp map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &cp))
	id, _ := cp["checkpointId"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "MANUAL", cp["type"])

	code, out, stderr = run(t, "checkpoint", "verify", id, "--tenant", "acme")
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, out, "VERIFIED")

	code, out, _ = run(t, "checkpoint", "sweep")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "0 created, 1 unchanged")

	code, out, _ = run(t, "checkpoint", "list", "--tenant", "acme")
	assert.Equal(t, exitOK, code)
	assert.Contains(t, out, id)
}

func TestIntervention_RecordListStatsAndBundle(t *testing.T) {
	dir := sqliteEnv(t)
	code, out, stderr := run(t, "--json", "append", "--tenant", "acme",
		"--input", `{"amount":900}`, "--output", `{"approved":false}`)
	require.Equal(t, exitOK, code, stderr)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &rec))
	txn, _ := rec["transactionId"].(string)
	require.NotEmpty(t, txn)

	code, _, stderr = run(t, "intervention", "record", "--tenant", "acme", "--transaction-id", txn, "--action", "OVERRIDE")
	assert.Equal(t, exitError, code)
	assert.Contains(t, stderr, "INVALID_INPUT")

	code, out, stderr = run(t, "--json", "intervention", "record", "--tenant", "acme", "--transaction-id", txn,
		"--action", "override", "--reason", "income verified", "--new-outcome", `{"approved":true}`, "--actor-id", "u-7")
	require.Equal(t, exitOK, code, stderr)
	var iv map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &iv))
	assert.Equal(t, "OVERRIDE", iv["action"])
	assert.Equal(t, rec["recordHash"], iv["recordHash"])

	code, out, _ = run(t, "intervention", "list", "--tenant", "acme", "--transaction-id", txn)
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "final decision: HUMAN_OVERRIDE")

	code, out, _ = run(t, "--json", "intervention", "stats", "--tenant", "acme")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, `"total": 1`)

	archivePath := filepath.Join(dir, "bundle.tar.gz")
	code, _, stderr = run(t, "bundle", "request", "--tenant", "acme", "--purpose", "AUDIT", "--out", archivePath)
	require.Equal(t, exitOK, code, stderr)
	code, out, stderr = run(t, "verify", archivePath)
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, out, "Oversight: 1 human intervention(s)")
}

func TestCheckpoint_RejectsUnknownType(t *testing.T) {
	sqliteEnv(t)
	code, _, stderr := run(t, "checkpoint", "create", "--tenant", "acme", "--type", "HOURLY")
	assert.Equal(t, exitError, code)
	assert.Contains(t, stderr, "unknown type")
}

func TestWorker_RequiresPostgres(t *testing.T) {
	sqliteEnv(t)
	code, _, stderr := run(t, "worker", "--once")
	assert.Equal(t, exitError, code)
	assert.Contains(t, stderr, "database.driver=postgres")
}

func TestConfigPrint_MasksSecrets(t *testing.T) {
	sqliteEnv(t)
	t.Setenv("XASE_REDIS_PASSWORD", "s3cret")
	code, out, _ := run(t, "config", "print")
	require.Equal(t, exitOK, code)
	assert.NotContains(t, out, "s3cret")
	assert.Contains(t, out, "driver: sqlite")
}
