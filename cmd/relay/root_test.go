package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(&bytes.Buffer{})
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestParseCommand(t *testing.T) {
	out, err := execute(t, "parse", "type", "Hello", "World")
	require.NoError(t, err)

	var action map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &action))
	assert.Equal(t, "keyboard_type", action["kind"])
	assert.Equal(t, "Hello World", action["params"].(map[string]any)["text"])
}

func TestParseRequiresInstruction(t *testing.T) {
	_, err := execute(t, "parse")
	assert.Error(t, err)
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Version:")
}

func TestConnectRequiresAccessCode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("relay:\n  hub_url: ws://127.0.0.1:1/ws\nlog:\n  level: error\n"), 0600))

	_, err := execute(t, "connect", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access code is required")
}

func TestConnectBadConfig(t *testing.T) {
	_, err := execute(t, "connect", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config")
}
