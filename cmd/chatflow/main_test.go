package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/chatflow/workflow"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := rootCommand()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestCheckWorkflow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wf.json")
	doc := `{"id": "recepcao", "nodes": [
		{"id": "start", "type": "start", "content": {"text": "Olá!"}},
		{"id": "end", "type": "end"}
	], "edges": [{"from": "start", "to": "end"}]}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	out, err := runCLI(t, "check-workflow", path)
	require.NoError(t, err)
	assert.Contains(t, out, "ok  recepcao  (2 nodes, 1 edges)")
}

func TestCheckWorkflowInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wf.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"id": "x", "nodes": [{"id": "e", "type": "end"}]}`), 0o600))

	_, err := runCLI(t, "check-workflow", path)
	assert.ErrorIs(t, err, workflow.ErrInvalidWorkflow)
}

func TestCheckWorkflowBadCondition(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wf.json")
	doc := `{"id": "recepcao", "nodes": [
		{"id": "start", "type": "start"},
		{"id": "end", "type": "end"}
	], "edges": [{"from": "start", "to": "end", "condition": "age >"}]}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	_, err := runCLI(t, "check-workflow", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start->end")
}

func TestCheckWorkflowNeedsFile(t *testing.T) {
	_, err := runCLI(t, "check-workflow")
	assert.Error(t, err)
}

func TestDefaultKeywordRulesRouteHumans(t *testing.T) {
	var handoff int
	for _, r := range defaultKeywordRules() {
		if r.Handoff {
			handoff++
			assert.NotEmpty(t, r.Queue)
		}
	}
	assert.Equal(t, 1, handoff)
}
