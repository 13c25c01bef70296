// File: internal/config/config_test.go
package config

import (
	"bytes"
	"testing"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -- Constructor and Defaults Tests --

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, "info", cfg.Logger().Level)
	assert.Equal(t, "mcpdriver", cfg.Logger().ServiceName)
	assert.Equal(t, TransportWebSocket, cfg.Client().Transport)
	assert.Equal(t, "ws://127.0.0.1:8931/ws", cfg.Client().URL)
	assert.Equal(t, 30*time.Second, cfg.Client().DefaultActionTimeout)
	assert.Equal(t, 54*time.Second, cfg.Client().PingPeriod)
	assert.Equal(t, int64(32<<20), cfg.Client().MaxMessageSize)
	assert.False(t, cfg.Client().CheckActions)
	assert.True(t, cfg.Host().Headless)
	assert.Equal(t, 8, cfg.Host().MaxConcurrency)
	assert.False(t, cfg.Metrics().Enabled)
	assert.Equal(t, "./artifacts", cfg.Scenario().OutputDir)
	assert.False(t, cfg.Scenario().ScreenshotOnStep)
	assert.False(t, cfg.Scenario().ScreenshotOnFailure)
	assert.False(t, cfg.Scenario().AcceptDialogs)

	require.NoError(t, cfg.Validate(), "defaults must always validate")
}

func TestSetters(t *testing.T) {
	cfg := NewDefaultConfig()
	var iface Interface = cfg

	iface.SetClientURL("ws://example.test/ws")
	iface.SetClientDefaultActionTimeout(5 * time.Second)
	iface.SetHostListenAddr("0.0.0.0:9000")
	iface.SetHostHeadless(false)
	iface.SetScenarioOutputDir("/tmp/out")

	assert.Equal(t, "ws://example.test/ws", iface.Client().URL)
	assert.Equal(t, 5*time.Second, iface.Client().DefaultActionTimeout)
	assert.Equal(t, "0.0.0.0:9000", iface.Host().ListenAddr)
	assert.False(t, iface.Host().Headless)
	assert.Equal(t, "/tmp/out", iface.Scenario().OutputDir)
}

// -- Validation Logic Tests --

func TestConfigValidation(t *testing.T) {
	t.Run("Client Validation", func(t *testing.T) {
		valid := NewDefaultConfig().Client()
		assert.NoError(t, valid.Validate())

		missingURL := valid
		missingURL.URL = ""
		err := missingURL.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "url is required")

		badScheme := valid
		badScheme.URL = "http://127.0.0.1/ws"
		err = badScheme.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ws:// or wss://")

		processNoCommand := valid
		processNoCommand.Transport = TransportProcess
		err = processNoCommand.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "command is required")

		processOK := processNoCommand
		processOK.Command = []string{"npx", "@playwright/mcp@latest"}
		assert.NoError(t, processOK.Validate())

		unknown := valid
		unknown.Transport = "carrier-pigeon"
		err = unknown.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported transport")

		pingTooSlow := valid
		pingTooSlow.PingPeriod = valid.PongWait
		err = pingTooSlow.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ping_period must be shorter than pong_wait")

		negative := valid
		negative.DefaultActionTimeout = -time.Second
		err = negative.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "timeouts must not be negative")

		noLimit := valid
		noLimit.MaxMessageSize = 0
		err = noLimit.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "max_message_size must be a positive integer")
	})

	t.Run("Host Validation", func(t *testing.T) {
		valid := NewDefaultConfig().Host()
		assert.NoError(t, valid.Validate())

		noAddr := valid
		noAddr.ListenAddr = ""
		assert.ErrorContains(t, noAddr.Validate(), "listen_addr is required")

		noWorkers := valid
		noWorkers.MaxConcurrency = 0
		assert.ErrorContains(t, noWorkers.Validate(), "max_concurrency must be a positive integer")

		negativeConns := valid
		negativeConns.MaxConnections = -1
		assert.ErrorContains(t, negativeConns.Validate(), "max_connections must not be negative")

		noBurst := valid
		noBurst.RequestsPerSecond = 5
		noBurst.RequestBurst = 0
		assert.ErrorContains(t, noBurst.Validate(), "request_burst must be positive")

		limited := noBurst
		limited.RequestBurst = 10
		assert.NoError(t, limited.Validate())
	})

	t.Run("Metrics Validation", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.MetricsCfg.Enabled = true
		cfg.MetricsCfg.ListenAddr = ""
		assert.ErrorContains(t, cfg.Validate(), "metrics.listen_addr is required")
	})
}

// -- Factory Function Tests --

func TestNewConfigFromViper(t *testing.T) {
	t.Run("Successful Load from YAML", func(t *testing.T) {
		yamlBytes := []byte(`
client:
  url: "ws://host.test:9999/ws"
  default_action_timeout: 2s
host:
  max_concurrency: 3
`)
		v := viper.New()
		SetDefaults(v)
		v.SetConfigType("yaml")
		require.NoError(t, v.ReadConfig(bytes.NewBuffer(yamlBytes)))

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)

		assert.Equal(t, "ws://host.test:9999/ws", cfg.Client().URL)
		assert.Equal(t, 2*time.Second, cfg.Client().DefaultActionTimeout)
		assert.Equal(t, 3, cfg.Host().MaxConcurrency)
		// Untouched keys keep their defaults.
		assert.Equal(t, "info", cfg.Logger().Level)
	})

	t.Run("Validation Failure", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.Set("host.max_concurrency", 0)

		cfg, err := NewConfigFromViper(v)
		assert.Nil(t, cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid configuration")
		assert.Contains(t, err.Error(), "max_concurrency must be a positive integer")
	})

	t.Run("Environment Variable Binding", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)

		yamlConfig := []byte(`
client:
  url: "ws://configfile/ws"
`)
		v.SetConfigType("yaml")
		require.NoError(t, v.ReadConfig(bytes.NewBuffer(yamlConfig)))

		t.Setenv("MCPDRIVER_URL", "ws://envvar/ws")

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)
		// The env var wins over the config file.
		assert.Equal(t, "ws://envvar/ws", cfg.Client().URL)
	})

	t.Run("Home Directory Expansion", func(t *testing.T) {
		homedir.DisableCache = true
		t.Cleanup(func() { homedir.DisableCache = false })
		t.Setenv("HOME", "/home/tester")
		v := viper.New()
		SetDefaults(v)
		v.Set("scenario.output_dir", "~/shots")

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)
		assert.Equal(t, "/home/tester/shots", cfg.Scenario().OutputDir)
	})
}

// -- Struct and Mapping Tests --

func TestConfigStructureMapping(t *testing.T) {
	yamlInput := `
logger:
  level: debug
  log_file: /var/log/mcpdriver.log
client:
  transport: process
  command: ["npx", "@playwright/mcp@latest"]
  headers:
    authorization: "Bearer abc"
  pong_wait: 5s
  ping_period: 4s
  check_actions: true
scenario:
  screenshot_on_failure: true
  accept_dialogs: true
`
	v := viper.New()
	SetDefaults(v)
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(bytes.NewBufferString(yamlInput)))

	var cfg Config
	require.NoError(t, v.Unmarshal(&cfg))

	assert.Equal(t, "debug", cfg.Logger().Level)
	assert.Equal(t, "/var/log/mcpdriver.log", cfg.Logger().LogFile)
	assert.Equal(t, TransportProcess, cfg.Client().Transport)
	assert.Equal(t, []string{"npx", "@playwright/mcp@latest"}, cfg.Client().Command)
	assert.Equal(t, "Bearer abc", cfg.Client().Headers["authorization"])
	assert.Equal(t, 5*time.Second, cfg.Client().PongWait)
	assert.Equal(t, 4*time.Second, cfg.Client().PingPeriod)
	assert.True(t, cfg.Client().CheckActions)
	assert.True(t, cfg.Scenario().ScreenshotOnFailure)
	assert.False(t, cfg.Scenario().ScreenshotOnStep)
	assert.True(t, cfg.Scenario().AcceptDialogs)
}
