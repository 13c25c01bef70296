// File: cmd/root_test.go
package cmd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/mcpdriver/internal/config"
	"github.com/xkilldash9x/mcpdriver/internal/metrics"
	"github.com/xkilldash9x/mcpdriver/internal/scenario"
	"github.com/xkilldash9x/mcpdriver/internal/wire"
)

func TestRootCmd_VersionFlag(t *testing.T) {
	out, err := executeCommand(t, nil, "--version")
	require.NoError(t, err)
	assert.Contains(t, out, "mcpdriver version "+Version)
}

func TestRootCmd_VersionCommand(t *testing.T) {
	out, err := executeCommand(t, nil, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "mcpdriver "+Version)
}

func TestRootCmd_NoArgs(t *testing.T) {
	out, err := executeCommand(t, nil)
	require.NoError(t, err)
	assert.Contains(t, out, "mcpdriver drives browser automation hosts")
	for _, sub := range []string{"exec", "run", "host", "version"} {
		assert.Contains(t, out, sub)
	}
}

func TestRootCmd_ConfigPrecedence(t *testing.T) {
	h := newInProcessHost(t, backendFunc(func(context.Context, string, map[string]interface{}) (interface{}, error) {
		return "t", nil
	}))
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "config.yaml", `
client:
  url: ws://from-file:1/ws
  default_action_timeout: 5s
`)

	t.Run("file", func(t *testing.T) {
		_, err := executeCommand(t, h.factory, "--config", cfgPath, "exec", wire.ActionPageTitle)
		require.NoError(t, err)
		assert.Equal(t, "ws://from-file:1/ws", h.lastConfig().URL)
		assert.Equal(t, "5s", h.lastConfig().DefaultActionTimeout.String())
	})

	t.Run("environment beats file", func(t *testing.T) {
		t.Setenv("MCPDRIVER_CLIENT_URL", "ws://from-env:2/ws")
		_, err := executeCommand(t, h.factory, "--config", cfgPath, "exec", wire.ActionPageTitle)
		require.NoError(t, err)
		assert.Equal(t, "ws://from-env:2/ws", h.lastConfig().URL)
	})

	t.Run("flag beats environment", func(t *testing.T) {
		t.Setenv("MCPDRIVER_CLIENT_URL", "ws://from-env:2/ws")
		_, err := executeCommand(t, h.factory, "--config", cfgPath, "exec", wire.ActionPageTitle, "--url", "ws://from-flag:3/ws")
		require.NoError(t, err)
		assert.Equal(t, "ws://from-flag:3/ws", h.lastConfig().URL)
	})
}

func TestRootCmd_InvalidConfig(t *testing.T) {
	never := func(config.ClientConfig, *zap.Logger, metrics.Metrics) (scenario.Client, error) {
		t.Fatal("client should not be created")
		return nil, nil
	}

	dir := t.TempDir()
	bad := writeFile(t, dir, "bad.yaml", "client:\n  url: http://not-a-websocket\n")
	_, err := executeCommand(t, never, "--config", bad, "exec", wire.ActionPageTitle)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ws://")

	_, err = executeCommand(t, never, "--config", dir+"/missing.yaml", "exec", wire.ActionPageTitle)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error reading config file")
}

func TestGetConfigFromContext(t *testing.T) {
	_, err := getConfigFromContext(context.Background())
	assert.Error(t, err)

	cfg := config.NewDefaultConfig()
	got, err := getConfigFromContext(context.WithValue(context.Background(), configKey, config.Interface(cfg)))
	require.NoError(t, err)
	assert.Same(t, cfg, got)
}
