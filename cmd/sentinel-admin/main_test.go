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
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestRootCmd_ListsCommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range newRootCmd().Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"migrate", "create-admin", "seed-topology", "publish-model"} {
		assert.True(t, names[want], want)
	}
}

func TestCreateAdmin_RequiresFlags(t *testing.T) {
	_, err := execute(t, "create-admin", "--name", "Root")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "email")
}

func TestPublishModel_RequiresFile(t *testing.T) {
	_, err := execute(t, "publish-model")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "file")
}

func TestMigrate_NeedsDatabaseURL(t *testing.T) {
	cfg := writeConfig(t, "logger:\n  level: error\n")
	_, err := execute(t, "--config", cfg, "migrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.url")
}

func TestPublishModel_RejectsMissingFile(t *testing.T) {
	cfg := writeConfig(t, "logger:\n  level: error\n")
	_, err := execute(t, "--config", cfg, "publish-model", "--file", filepath.Join(t.TempDir(), "absent.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read model file")
}
