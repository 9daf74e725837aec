package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestModulesCommand(t *testing.T) {
	out, err := execute(t, "modules")

	require.NoError(t, err)
	assert.Contains(t, out, "FACTORY")
	for _, name := range []string{"console", "remote", "scripted", "settings", "stage"} {
		assert.Contains(t, out, name)
	}
}

func TestCheckCommand(t *testing.T) {
	dir := t.TempDir()

	t.Run("accepts a setup whose factories exist", func(t *testing.T) {
		path := filepath.Join(dir, "ok.hcl")
		require.NoError(t, os.WriteFile(path, []byte(`
module "console" {}
module "motor" {
  factory = "stage"
}
`), 0o600))

		out, err := execute(t, "check", path)

		require.NoError(t, err)
		assert.Contains(t, out, "2 modules OK")
	})

	t.Run("rejects an unknown factory", func(t *testing.T) {
		path := filepath.Join(dir, "bad.hcl")
		require.NoError(t, os.WriteFile(path, []byte(`module "laser" {}`), 0o600))

		_, err := execute(t, "check", path)

		assert.ErrorContains(t, err, `module "laser"`)
	})
}

func TestRunCommandRejectsBadFlags(t *testing.T) {
	_, err := execute(t, "run", "--log-level", "loud", "--setup", filepath.Join(t.TempDir(), "none.hcl"))

	assert.ErrorContains(t, err, "log_level")
}
