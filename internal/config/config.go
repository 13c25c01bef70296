// File: internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// Commands and tests depend on this rather than the concrete struct.
type Interface interface {
	Logger() LoggerConfig
	Client() ClientConfig
	Host() HostConfig
	Metrics() MetricsConfig
	Scenario() ScenarioConfig

	// Setters used by CLI flags that override file/env values.
	SetClientURL(url string)
	SetClientDefaultActionTimeout(d time.Duration)
	SetHostListenAddr(addr string)
	SetHostHeadless(b bool)
	SetScenarioOutputDir(dir string)
}

// Transport kinds understood by the client.
const (
	TransportWebSocket = "websocket"
	TransportProcess   = "process"
)

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	ClientCfg   ClientConfig   `mapstructure:"client" yaml:"client"`
	HostCfg     HostConfig     `mapstructure:"host" yaml:"host"`
	MetricsCfg  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
	ScenarioCfg ScenarioConfig `mapstructure:"scenario" yaml:"scenario"`
}

// -- Getters --

func (c *Config) Logger() LoggerConfig     { return c.LoggerCfg }
func (c *Config) Client() ClientConfig     { return c.ClientCfg }
func (c *Config) Host() HostConfig         { return c.HostCfg }
func (c *Config) Metrics() MetricsConfig   { return c.MetricsCfg }
func (c *Config) Scenario() ScenarioConfig { return c.ScenarioCfg }

// -- Setters --

func (c *Config) SetClientURL(url string) { c.ClientCfg.URL = url }
func (c *Config) SetClientDefaultActionTimeout(d time.Duration) {
	c.ClientCfg.DefaultActionTimeout = d
}
func (c *Config) SetHostListenAddr(addr string)   { c.HostCfg.ListenAddr = addr }
func (c *Config) SetHostHeadless(b bool)          { c.HostCfg.Headless = b }
func (c *Config) SetScenarioOutputDir(dir string) { c.ScenarioCfg.OutputDir = dir }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig names the terminal color used for each log level.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// ClientConfig tunes the action client and its transport.
type ClientConfig struct {
	// Transport is "websocket" (default) or "process".
	Transport string `mapstructure:"transport" yaml:"transport"`
	URL       string `mapstructure:"url" yaml:"url"`
	// Command is the host executable and arguments for the process transport.
	Command          []string          `mapstructure:"command" yaml:"command"`
	Headers          map[string]string `mapstructure:"headers" yaml:"headers"`
	HandshakeTimeout time.Duration     `mapstructure:"handshake_timeout" yaml:"handshake_timeout"`
	// DefaultActionTimeout applies to actions sent without a timeout param.
	// Zero means such actions wait until a reply or disconnect.
	DefaultActionTimeout time.Duration `mapstructure:"default_action_timeout" yaml:"default_action_timeout"`
	WriteWait            time.Duration `mapstructure:"write_wait" yaml:"write_wait"`
	PongWait             time.Duration `mapstructure:"pong_wait" yaml:"pong_wait"`
	PingPeriod           time.Duration `mapstructure:"ping_period" yaml:"ping_period"`
	MaxMessageSize       int64         `mapstructure:"max_message_size" yaml:"max_message_size"`
	// AuthToken is sent as a bearer token during the websocket handshake.
	AuthToken string `mapstructure:"auth_token" yaml:"auth_token"`
	// CheckActions compares the host's action list with the registry after connecting.
	CheckActions bool `mapstructure:"check_actions" yaml:"check_actions"`
}

// HostConfig configures the bundled reference host.
type HostConfig struct {
	ListenAddr        string        `mapstructure:"listen_addr" yaml:"listen_addr"`
	Headless          bool          `mapstructure:"headless" yaml:"headless"`
	Args              []string      `mapstructure:"args" yaml:"args"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	MaxConcurrency    int           `mapstructure:"max_concurrency" yaml:"max_concurrency"`
	MaxMessageSize    int64         `mapstructure:"max_message_size" yaml:"max_message_size"`
	// MaxConnections caps simultaneous client connections; 0 is unlimited.
	MaxConnections int `mapstructure:"max_connections" yaml:"max_connections"`
	// RequestsPerSecond limits requests per connection; 0 is unlimited.
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	RequestBurst      int     `mapstructure:"request_burst" yaml:"request_burst"`
	// AuthSecret, when set, requires clients to present an HS256 token
	// signed with it.
	AuthSecret string `mapstructure:"auth_secret" yaml:"auth_secret"`
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
	Namespace  string `mapstructure:"namespace" yaml:"namespace"`
}

// ScenarioConfig holds defaults for the scenario runner.
type ScenarioConfig struct {
	OutputDir       string `mapstructure:"output_dir" yaml:"output_dir"`
	ContinueOnError bool   `mapstructure:"continue_on_error" yaml:"continue_on_error"`
	// Full-page screenshots taken by the runner after passing steps and
	// after failing steps, written under OutputDir/screenshots.
	ScreenshotOnStep    bool `mapstructure:"screenshot_on_step" yaml:"screenshot_on_step"`
	ScreenshotOnFailure bool `mapstructure:"screenshot_on_failure" yaml:"screenshot_on_failure"`
	// Accept a JavaScript dialog left open by a failing step.
	AcceptDialogs bool `mapstructure:"accept_dialogs" yaml:"accept_dialogs"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Defaults are static; failing here is a programming error.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for every configuration key.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "mcpdriver")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Client --
	v.SetDefault("client.transport", TransportWebSocket)
	v.SetDefault("client.url", "ws://127.0.0.1:8931/ws")
	v.SetDefault("client.handshake_timeout", "10s")
	v.SetDefault("client.default_action_timeout", "30s")
	v.SetDefault("client.write_wait", "10s")
	v.SetDefault("client.pong_wait", "60s")
	v.SetDefault("client.ping_period", "54s")
	v.SetDefault("client.max_message_size", 32<<20) // screenshots can be large
	v.SetDefault("client.check_actions", false)
	v.SetDefault("client.auth_token", "")

	// -- Host --
	v.SetDefault("host.listen_addr", "127.0.0.1:8931")
	v.SetDefault("host.headless", true)
	v.SetDefault("host.navigation_timeout", "90s")
	v.SetDefault("host.max_concurrency", 8)
	v.SetDefault("host.max_message_size", 1<<20)
	v.SetDefault("host.max_connections", 64)
	v.SetDefault("host.requests_per_second", 0)
	v.SetDefault("host.request_burst", 32)
	v.SetDefault("host.auth_secret", "")

	// -- Metrics --
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen_addr", "127.0.0.1:9464")
	v.SetDefault("metrics.namespace", "mcpdriver")

	// -- Scenario --
	v.SetDefault("scenario.output_dir", "./artifacts")
	v.SetDefault("scenario.continue_on_error", false)
	v.SetDefault("scenario.screenshot_on_step", false)
	v.SetDefault("scenario.screenshot_on_failure", false)
	v.SetDefault("scenario.accept_dialogs", false)
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Short alias for the most commonly overridden setting.
	_ = v.BindEnv("client.url", "MCPDRIVER_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	dir, err := homedir.Expand(cfg.ScenarioCfg.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("could not resolve scenario.output_dir '%s': %w", cfg.ScenarioCfg.OutputDir, err)
	}
	cfg.ScenarioCfg.OutputDir = dir

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.ClientCfg.Validate(); err != nil {
		return fmt.Errorf("client configuration invalid: %w", err)
	}
	if err := c.HostCfg.Validate(); err != nil {
		return fmt.Errorf("host configuration invalid: %w", err)
	}
	if c.MetricsCfg.Enabled && c.MetricsCfg.ListenAddr == "" {
		return fmt.Errorf("metrics.listen_addr is required when metrics are enabled")
	}
	return nil
}

// Validate checks the client settings.
func (c *ClientConfig) Validate() error {
	switch strings.ToLower(c.Transport) {
	case TransportWebSocket, "":
		if c.URL == "" {
			return fmt.Errorf("url is required for the websocket transport")
		}
		if !strings.HasPrefix(c.URL, "ws://") && !strings.HasPrefix(c.URL, "wss://") {
			return fmt.Errorf("url must use the ws:// or wss:// scheme")
		}
	case TransportProcess:
		if len(c.Command) == 0 {
			return fmt.Errorf("command is required for the process transport")
		}
	default:
		return fmt.Errorf("unsupported transport %q", c.Transport)
	}
	if c.HandshakeTimeout < 0 || c.DefaultActionTimeout < 0 || c.WriteWait < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if c.PongWait > 0 && c.PingPeriod >= c.PongWait {
		return fmt.Errorf("ping_period must be shorter than pong_wait")
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("max_message_size must be a positive integer")
	}
	return nil
}

// Validate checks the host settings.
func (h *HostConfig) Validate() error {
	if h.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if h.MaxConcurrency <= 0 {
		return fmt.Errorf("max_concurrency must be a positive integer")
	}
	if h.MaxMessageSize <= 0 {
		return fmt.Errorf("max_message_size must be a positive integer")
	}
	if h.MaxConnections < 0 {
		return fmt.Errorf("max_connections must not be negative")
	}
	if h.RequestsPerSecond < 0 {
		return fmt.Errorf("requests_per_second must not be negative")
	}
	if h.RequestsPerSecond > 0 && h.RequestBurst <= 0 {
		return fmt.Errorf("request_burst must be positive when requests_per_second is set")
	}
	return nil
}
