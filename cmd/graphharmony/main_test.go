package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coolbeans/graphharmony/pkg/errs"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())

	var stdout, stderr bytes.Buffer
	root := newRootCmd(&app{})
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(append([]string{"--log-level", "error"}, args...))
	err := root.ExecuteContext(context.Background())
	return stdout.String(), err
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	return p
}

func TestParseSources(t *testing.T) {
	specs, err := parseSources([]string{"crm=crm.nt", "erp=data/erp.nt"})
	require.NoError(t, err)
	assert.Equal(t, []sourceSpec{{"crm", "crm.nt"}, {"erp", "data/erp.nt"}}, specs)

	for _, bad := range [][]string{nil, {"crm"}, {"=crm.nt"}, {"crm="}} {
		_, err := parseSources(bad)
		assert.Error(t, err, "%v", bad)
	}
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 2, exitCode(errs.Malformed("x", "bad")))
	assert.Equal(t, 4, exitCode(&errs.ConflictUnresolvedError{Entity: "e", Property: "p"}))
	assert.Equal(t, 1, exitCode(errors.New("boom")))
}

func TestLoadCmd(t *testing.T) {
	dir := t.TempDir()
	data := writeFile(t, dir, "people.nt", `
ex:alice rdf:type ex:Person .
ex:alice ex:knows ex:bob .
ex:bob rdf:type ex:Person .
`)

	out, err := execute(t, "load", data)
	require.NoError(t, err)
	assert.Contains(t, out, "Triples:    3")
	assert.Contains(t, out, "Subjects:   2")
}

func TestPathCmd(t *testing.T) {
	dir := t.TempDir()
	data := writeFile(t, dir, "people.nt", `
ex:alice ex:knows ex:bob .
ex:bob ex:knows ex:carol .
`)

	out, err := execute(t, "path", "--data", data, "ex:alice", "ex:knows+")
	require.NoError(t, err)
	assert.Contains(t, out, "1\t")
	assert.Contains(t, out, "2\t")
}

func TestValidateCmd(t *testing.T) {
	dir := t.TempDir()
	data := writeFile(t, dir, "people.nt", `
ex:alice rdf:type ex:Person .
ex:alice ex:name "Alice" .
ex:bob rdf:type ex:Person .
`)
	shapes := writeFile(t, dir, "shapes.yaml", `
shapes:
  - id: PersonShape
    target:
      class: ex:Person
    properties:
      - path: ex:name
        minCount: 1
`)

	_, err := execute(t, "validate", "--data", data, "--shapes", shapes)
	assert.ErrorContains(t, err, "1 violations")

	_, err = execute(t, "validate", "--data", data)
	assert.ErrorContains(t, err, "--shapes")
}

func TestConflictsCmd(t *testing.T) {
	dir := t.TempDir()
	cfg := writeFile(t, dir, "config.yaml", `
resolver:
  key_levels:
    - name: taxId
      properties: [ex:taxId]
`)
	mappings := writeFile(t, dir, "mappings.yaml", `
rules:
  - id: crm-client
    sourceClass: crm:Client
    targetClass: ex:Customer
    properties:
      - {source: crm:taxNo, target: ex:taxId}
      - {source: crm:status, target: ex:status}
  - id: erp-account
    sourceClass: erp:Account
    targetClass: ex:Customer
    properties:
      - {source: erp:vat, target: ex:taxId}
      - {source: erp:status, target: ex:status}
`)
	crm := writeFile(t, dir, "crm.nt", `
s1:c1 rdf:type crm:Client .
s1:c1 crm:taxNo "DE-1" .
s1:c1 crm:status "ACTIVE" .
`)
	erp := writeFile(t, dir, "erp.nt", `
s2:a1 rdf:type erp:Account .
s2:a1 erp:vat "DE-1" .
s2:a1 erp:status "INACTIVE" .
`)
	older := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, os.Chtimes(crm, older, older))
	require.NoError(t, os.Chtimes(erp, older.Add(time.Hour), older.Add(time.Hour)))

	args := []string{"conflicts", "--config", cfg, "--mappings", mappings,
		"--source", "crm=" + crm, "--source", "erp=" + erp}

	out, err := execute(t, args...)
	require.NoError(t, err)
	assert.Contains(t, out, `"property": "ex:status"`)
	assert.Contains(t, out, `"resolution": "unresolved"`)

	out, err = execute(t, append(args, "--resolve")...)
	require.NoError(t, err)
	assert.Contains(t, out, `"winner": "\"INACTIVE\""`)
	assert.Contains(t, out, `"strategy": "most_recent"`)

	_, err = execute(t, append(args, "--resolve", "--strategy", "manual")...)
	var unresolved *errs.ConflictUnresolvedError
	assert.ErrorAs(t, err, &unresolved)
}

func TestHarmonizeCmd_Gates(t *testing.T) {
	dir := t.TempDir()
	cfg := writeFile(t, dir, "config.yaml", `
resolver:
  key_levels:
    - name: taxId
      properties: [ex:taxId]
`)
	mappings := writeFile(t, dir, "mappings.yaml", `
rules:
  - id: crm-client
    sourceClass: crm:Client
    targetClass: ex:Customer
    properties:
      - {source: crm:taxNo, target: ex:taxId}
`)
	crm := writeFile(t, dir, "crm.nt", `
s1:c1 rdf:type crm:Client .
s1:c1 crm:taxNo "DE-1" .
s1:l1 rdf:type crm:Lead .
s1:l2 rdf:type crm:Lead .
`)
	args := []string{"harmonize", "--config", cfg, "--mappings", mappings, "--source", "crm=" + crm, "--gates"}

	out, err := execute(t, args...)
	require.NoError(t, err)
	assert.Contains(t, out, `"DE-1"`)

	_, err = execute(t, append(args, "--strict")...)
	assert.ErrorContains(t, err, "rejected at gate G1")

	_, err = execute(t, append(args, "--strict", "--skip-gates", "G1,G3")...)
	require.NoError(t, err)
}
