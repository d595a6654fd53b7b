package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratalabel/strata/pkg/stores"
)

const intakeQuota = `
name: intake
collection: tickets
label_field: queue
partition_fields: [origin]
partitions:
  - key: {origin: Reddit}
    targets:
      - {value: Receive, count: 4}
      - {value: Hold, count: 3}
  - key: {origin: Email}
    targets:
      - {value: Receive, count: 2}
rules:
  - name: queue_team
    type: lookup
    source: queue
    target: team
    table:
      - {from: Receive, to: intake}
      - {from: Hold, to: backlog}
`

// workspace is an initialized SQLite workspace with imported tickets.
type workspace struct {
	dir    string
	config string
	quota  string
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCommand("test", "none", "unknown")
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func tickets(reddit, email int) string {
	var b strings.Builder
	for i := range reddit {
		fmt.Fprintf(&b, `{"_id": "r%02d", "origin": "Reddit", "score": %d}`+"\n", i, i)
	}
	for i := range email {
		fmt.Fprintf(&b, `{"_id": "e%02d", "origin": "Email"}`+"\n", i)
	}
	return b.String()
}

func newWorkspace(t *testing.T, quota string, reddit, email int) *workspace {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)

	ws := &workspace{
		dir:    dir,
		config: filepath.Join(dir, "strata.yaml"),
		quota:  filepath.Join(dir, "quota.yaml"),
	}

	out, err := execute(t, "init", "--db", filepath.Join(dir, "strata.db"), "--config", ws.config)
	require.NoError(t, err, out)
	assert.Contains(t, out, "Database ready")
	assert.FileExists(t, ws.config)

	data := filepath.Join(dir, "tickets.jsonl")
	writeFile(t, data, tickets(reddit, email))
	out, err = execute(t, "import", "tickets", data, "--config", ws.config)
	require.NoError(t, err, out)
	assert.Contains(t, out, fmt.Sprintf("Imported %d documents", reddit+email))

	writeFile(t, ws.quota, quota)
	return ws
}

func exitCode(t *testing.T, err error) int {
	t.Helper()
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr), "expected ExitError, got %v", err)
	return exitErr.Code
}

func TestWorkflow_AssignVerifyRuns(t *testing.T) {
	ws := newWorkspace(t, intakeQuota, 10, 5)

	out, err := execute(t, "plan", "-q", ws.quota, "--config", ws.config)
	require.NoError(t, err, out)
	assert.Contains(t, out, "Total requested: 9")

	out, err = execute(t, "assign", "-q", ws.quota, "--seed", "7", "--config", ws.config)
	require.NoError(t, err, out)
	assert.Contains(t, out, "State: completed")

	out, err = execute(t, "verify", ws.quota, "--config", ws.config)
	require.NoError(t, err, out)
	assert.Contains(t, out, "Outcome: completed")

	out, err = execute(t, "runs", "list", "--json", "--config", ws.config)
	require.NoError(t, err, out)
	var runs []stores.RunRecord
	require.NoError(t, json.Unmarshal([]byte(out), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "completed", runs[0].State)
	assert.Equal(t, uint64(7), runs[0].Seed)
	assert.Equal(t, int64(9), runs[0].Requested)
	assert.Equal(t, int64(9), runs[0].Assigned)

	out, err = execute(t, "runs", "show", runs[0].ID, "--events", "--config", ws.config)
	require.NoError(t, err, out)
	assert.Contains(t, out, "run.completed")
	assert.Contains(t, out, "Receive")

	out, err = execute(t, "propagate", "-q", ws.quota, "--config", ws.config)
	require.NoError(t, err, out)
	assert.Contains(t, out, "queue_team")
}

func TestAssign_ReportFile(t *testing.T) {
	ws := newWorkspace(t, intakeQuota, 10, 5)
	report := filepath.Join(ws.dir, "report.json")

	_, err := execute(t, "assign", "-q", ws.quota, "--seed", "3", "--report", report, "--config", ws.config)
	require.NoError(t, err)

	content, err := os.ReadFile(report)
	require.NoError(t, err)
	var res struct {
		State string `json:"state"`
		Seed  uint64 `json:"seed"`
	}
	require.NoError(t, json.Unmarshal(content, &res))
	assert.Equal(t, "completed", res.State)
	assert.Equal(t, uint64(3), res.Seed)
}

func TestAssign_Shortfall(t *testing.T) {
	short := strings.Replace(intakeQuota, "{value: Hold, count: 3}", "{value: Hold, count: 9}", 1)
	ws := newWorkspace(t, short, 10, 5)

	out, err := execute(t, "assign", "-q", ws.quota, "--seed", "1", "--config", ws.config)
	assert.Equal(t, 1, exitCode(t, err), out)
	assert.Contains(t, out, "State: partially_completed")

	out, err = execute(t, "verify", "-q", ws.quota, "--config", ws.config)
	assert.Equal(t, 1, exitCode(t, err), out)
}

func TestAssign_GlobalResetRequiresConfirmation(t *testing.T) {
	ws := newWorkspace(t, intakeQuota, 10, 5)

	_, err := execute(t, "assign", "-q", ws.quota, "--reset-scope", "global", "--config", ws.config)
	assert.Equal(t, 2, exitCode(t, err))

	out, err := execute(t, "assign", "-q", ws.quota, "--reset-scope", "global", "--yes", "--config", ws.config)
	require.NoError(t, err, out)
}

func TestAssign_DryRunWritesNothing(t *testing.T) {
	ws := newWorkspace(t, intakeQuota, 10, 5)

	out, err := execute(t, "assign", "-q", ws.quota, "--dry-run", "--config", ws.config)
	require.NoError(t, err, out)
	assert.Contains(t, out, "(dry run)")

	// Nothing labeled: every target is a deficit with unlabeled records left.
	_, err = execute(t, "verify", "-q", ws.quota, "--config", ws.config)
	assert.Equal(t, 2, exitCode(t, err))
}

func TestReset(t *testing.T) {
	ws := newWorkspace(t, intakeQuota, 10, 5)

	_, err := execute(t, "assign", "-q", ws.quota, "--seed", "5", "--config", ws.config)
	require.NoError(t, err)

	out, err := execute(t, "reset", "-q", ws.quota, "--config", ws.config)
	require.NoError(t, err, out)
	assert.Contains(t, out, "Cleared queue on 9 records")
	assert.Contains(t, out, "Cleared team on 9 records")

	_, err = execute(t, "reset", "-q", ws.quota, "--scope", "global", "--config", ws.config)
	assert.Equal(t, 2, exitCode(t, err))
}

func TestAssign_MissingQuota(t *testing.T) {
	t.Chdir(t.TempDir())

	_, err := execute(t, "assign", "--store", "memory://")
	assert.Equal(t, 2, exitCode(t, err))

	_, err = execute(t, "assign", "-q", "missing.yaml", "--store", "memory://")
	assert.Equal(t, 2, exitCode(t, err))
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	bad := filepath.Join(dir, "bad.yaml")
	writeFile(t, good, intakeQuota)
	writeFile(t, bad, strings.Replace(intakeQuota, "count: 4", "count: -4", 1))

	out, err := execute(t, "validate", good)
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ "+good)

	out, err = execute(t, "validate", dir)
	assert.Equal(t, 2, exitCode(t, err))
	assert.Contains(t, out, "✗ "+bad)
	assert.Contains(t, out, "✓ "+good)
}

func TestValidate_Policy(t *testing.T) {
	dir := t.TempDir()
	policyFile := filepath.Join(dir, "no_email.rego")
	writeFile(t, policyFile, `package strata.guard.no_email

import rego.v1

deny contains msg if {
	some part in input.partitions
	part.key == "origin=\"Email\""
	msg := "email partitions are not labeled"
}
`)
	out, err := execute(t, "validate", policyFile)
	require.NoError(t, err, out)

	writeFile(t, policyFile, "package broken\n\ndeny contains msg if {")
	_, err = execute(t, "validate", policyFile)
	assert.Equal(t, 2, exitCode(t, err))
}

func TestDecodeDocument(t *testing.T) {
	doc, err := decodeDocument([]byte(`{"_id": "t1", "origin": "Reddit", "score": 3, "ratio": 0.5, "open": true}`))
	require.NoError(t, err)
	assert.Equal(t, "t1", doc.ID)
	assert.Equal(t, "Reddit", doc.Fields["origin"])
	assert.Equal(t, int64(3), doc.Fields["score"])
	assert.Equal(t, 0.5, doc.Fields["ratio"])
	assert.Equal(t, true, doc.Fields["open"])
	assert.NotContains(t, doc.Fields, "_id")

	doc, err = decodeDocument([]byte(`{"origin": "Email"}`))
	require.NoError(t, err)
	assert.NotEmpty(t, doc.ID)

	_, err = decodeDocument([]byte(`{"_id": 7}`))
	assert.Error(t, err)

	_, err = decodeDocument([]byte(`{"bad-field": 1}`))
	assert.Error(t, err)

	_, err = decodeDocument([]byte(`[1, 2]`))
	assert.Error(t, err)
}

func TestImportDocuments_Batches(t *testing.T) {
	store := stores.NewMemoryStore()
	n, err := importDocuments(context.Background(), store, "tickets", strings.NewReader(tickets(importBatch+7, 0)))
	require.NoError(t, err)
	assert.Equal(t, importBatch+7, n)

	coll, err := store.Collection("tickets")
	require.NoError(t, err)
	count, err := coll.Count(context.Background(), stores.Filter{})
	require.NoError(t, err)
	assert.Equal(t, int64(importBatch+7), count)
}

func TestExitError(t *testing.T) {
	inner := errors.New("boom")
	err := validationExit(inner)
	assert.Equal(t, 2, exitCode(t, err))
	assert.ErrorIs(t, err, inner)
	assert.Equal(t, "boom", err.Error())

	assert.Same(t, err, validationExit(err))
	assert.Equal(t, "exit status 1", (&ExitError{Code: 1}).Error())
}
