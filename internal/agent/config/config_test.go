package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
agent:
  hub_url: wss://relay.example.com/ws
  access_code: alpha-1
executor:
  commands:
    mouse_click: "cliclick c:{x},{y}"
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "wss://relay.example.com/ws", cfg.Agent.HubURL)
	assert.Equal(t, "alpha-1", cfg.Agent.AccessCode)
	assert.Equal(t, 100, cfg.Agent.QueueSize)
	assert.Equal(t, 300*time.Millisecond, cfg.Agent.StepDelay)
	require.NotNil(t, cfg.Agent.Reconnect)
	assert.Equal(t, 5*time.Second, cfg.Agent.Reconnect.Interval)
	assert.Equal(t, "cliclick c:{x},{y}", cfg.Executor.Commands["mouse_click"])
	assert.Equal(t, 5*time.Minute, cfg.Executor.MaxWait)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	path := writeConfig(t, `
agent:
  access_code: alpha-1
`)
	t.Setenv("CMDRELAY_AGENT_ACCESS_CODE", "from-env")
	t.Setenv("CMDRELAY_AGENT_STEP_DELAY", "1s")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Agent.AccessCode)
	assert.Equal(t, time.Second, cfg.Agent.StepDelay)
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "missing access code",
			body: "agent:\n  hub_url: ws://localhost/ws\n",
			want: "access_code",
		},
		{
			name: "bad port",
			body: "agent:\n  access_code: a\n  port: 70000\n",
			want: "port",
		},
		{
			name: "unknown executor action",
			body: "agent:\n  access_code: a\nexecutor:\n  commands:\n    teleport: \"beam {x}\"\n",
			want: "teleport",
		},
		{
			name: "bad log level",
			body: "agent:\n  access_code: a\nlog:\n  level: loud\n",
			want: "log",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
