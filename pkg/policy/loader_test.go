package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratalabel/strata/pkg/engine"
)

const denyEmailRego = `# Blocks runs over the Email partition.
# Used by the loader tests.
package strata.guard.no_email

import rego.v1

deny contains violation if {
	some part in input.partitions
	part.key == "origin=\"Email\""
	violation := {"message": "email runs are frozen", "severity": "error", "partition": part.key}
}
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644), "Failed to write test file")
}

func TestLoadFromFile_Rego(t *testing.T) {
	path := filepath.Join(t.TempDir(), "no_email.rego")
	writeFile(t, path, denyEmailRego)

	policy, err := NewLoader(nil).loadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "no_email", policy.Name)
	assert.Equal(t, "Blocks runs over the Email partition. Used by the loader tests.", policy.Description)
	assert.True(t, policy.Enabled)
	assert.Equal(t, SeverityWarning, policy.Severity)
	assert.Equal(t, path, policy.Source)
}

func TestLoadFromFile_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frozen.json")
	writeFile(t, path, `{"description": "frozen", "severity": "error", "rego": "package x\n"}`)

	policy, err := NewLoader(nil).loadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "frozen", policy.Name, "name comes from the file name")
	assert.Equal(t, SeverityError, policy.Severity)
	assert.True(t, policy.Enabled)

	bad := filepath.Join(t.TempDir(), "bad.json")
	writeFile(t, bad, `{`)
	_, err = NewLoader(nil).loadFromFile(bad)
	assert.Error(t, err, "malformed JSON")
}

func TestLoadFromPaths_Directory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "b.rego"), "package b\n")
	writeFile(t, filepath.Join(dir, "nested", "a.rego"), "package a\n")
	writeFile(t, filepath.Join(dir, "README.md"), "ignored")

	policies, err := NewLoader(nil).LoadFromPaths(context.Background(), []string{dir})
	require.NoError(t, err)
	require.Len(t, policies, 2)
	assert.Equal(t, "b", policies[0].Name, "lexical path order")
	assert.Equal(t, "a", policies[1].Name)

	_, err = NewLoader(nil).LoadFromPaths(context.Background(), []string{filepath.Join(dir, "missing")})
	assert.Error(t, err)
}

func TestEngine_LoadPolicies(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "no_email.rego"), denyEmailRego)

	eng := newTestEngine(t)
	require.NoError(t, eng.LoadPolicies(context.Background(), dir))
	_, err := eng.GetPolicy("no_email")
	require.NoError(t, err)

	opts := engine.Options{Mode: engine.ModeFresh, ResetScope: engine.ResetPartitions}
	assert.Error(t, eng.Check(context.Background(), testPlan(partition("Email", 10, 5)), opts), "the loaded policy denies Email")
	assert.NoError(t, eng.Check(context.Background(), testPlan(partition("Reddit", 10, 5)), opts))

	writeFile(t, filepath.Join(dir, "zz_broken.rego"), "package broken\ndeny contains")
	before := len(eng.ListPolicies())
	assert.Error(t, eng.LoadPolicies(context.Background(), dir))
	assert.Len(t, eng.ListPolicies(), before, "a failed load adds nothing")
}
