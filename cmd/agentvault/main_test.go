//go:build !windows

package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
executor:
  default_action: archive
  sensitive_actions: [payment]
actions:
  - name: archive
    command: ["sh", "-c", "exit 0"]
  - name: payment
    command: ["sh", "-c", "exit 0"]
`

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := Run(context.Background(), append([]string{"agentvault", "--no-log"}, args...), nil, &stdout, &stderr)
	return stdout.String(), err
}

func TestCLIIntakeFlow(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	dir := t.TempDir()
	vaultDir := filepath.Join(dir, "vault")
	t.Setenv("AGENTVAULT_DATA_DIR", vaultDir)

	out, err := runCLI(t, "init")
	require.NoError(err)
	assert.Contains(out, "Vault initialized")
	assert.FileExists(filepath.Join(vaultDir, "agentvault.yaml"))
	assert.DirExists(filepath.Join(vaultDir, "pending_approval"))
	require.NoError(os.WriteFile(filepath.Join(vaultDir, "agentvault.yaml"), []byte(testConfig), 0644))

	// A second init keeps the config.
	_, err = runCLI(t, "init")
	require.NoError(err)
	got, err := os.ReadFile(filepath.Join(vaultDir, "agentvault.yaml"))
	require.NoError(err)
	assert.Equal(testConfig, string(got))

	invoice := filepath.Join(dir, "invoice_42.md")
	require.NoError(os.WriteFile(invoice, []byte("Archive the invoice"), 0644))
	out, err = runCLI(t, "intake", "--process", invoice)
	require.NoError(err)
	assert.Contains(out, "Task invoice_42.md is done")

	pay := filepath.Join(dir, "pay.md")
	require.NoError(os.WriteFile(pay, []byte("---\naction: payment\n---\nPay it"), 0644))
	out, err = runCLI(t, "intake", "--process", pay)
	require.NoError(err)
	assert.Contains(out, "Task pay.md is pending_approval")

	out, err = runCLI(t, "task", "list", "--stage", "done")
	require.NoError(err)
	assert.Contains(out, "invoice_42.md")
	assert.NotContains(out, "pay.md")

	out, err = runCLI(t, "audit", "report", "--format", "json")
	require.NoError(err)
	assert.Contains(out, `"task_advance"`)

	// Unknown approvals fail.
	_, err = runCLI(t, "approval", "approve", "missing", "--approver", "alice")
	assert.Error(err)
}

func TestCLIUninitializedVault(t *testing.T) {
	t.Setenv("AGENTVAULT_DATA_DIR", filepath.Join(t.TempDir(), "missing"))

	_, err := runCLI(t, "task", "list")
	assert.Error(t, err)
}
