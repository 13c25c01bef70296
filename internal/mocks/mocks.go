// File: internal/mocks/mocks.go
package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/mcpdriver/api/schemas"
	"github.com/xkilldash9x/mcpdriver/internal/config"
	"github.com/xkilldash9x/mcpdriver/internal/host"
	"github.com/xkilldash9x/mcpdriver/internal/scenario"
	"github.com/xkilldash9x/mcpdriver/internal/transport"
)

// -- Config Mock --

// MockConfig mocks the config.Interface.
type MockConfig struct {
	mock.Mock
}

var _ config.Interface = (*MockConfig)(nil)

// --- Getters ---

func (m *MockConfig) Logger() config.LoggerConfig {
	args := m.Called()
	return args.Get(0).(config.LoggerConfig)
}

func (m *MockConfig) Client() config.ClientConfig {
	args := m.Called()
	return args.Get(0).(config.ClientConfig)
}

func (m *MockConfig) Host() config.HostConfig {
	args := m.Called()
	return args.Get(0).(config.HostConfig)
}

func (m *MockConfig) Metrics() config.MetricsConfig {
	args := m.Called()
	return args.Get(0).(config.MetricsConfig)
}

func (m *MockConfig) Scenario() config.ScenarioConfig {
	args := m.Called()
	return args.Get(0).(config.ScenarioConfig)
}

// --- Setters ---

func (m *MockConfig) SetClientURL(url string)                       { m.Called(url) }
func (m *MockConfig) SetClientDefaultActionTimeout(d time.Duration) { m.Called(d) }
func (m *MockConfig) SetHostListenAddr(addr string)                 { m.Called(addr) }
func (m *MockConfig) SetHostHeadless(b bool)                        { m.Called(b) }
func (m *MockConfig) SetScenarioOutputDir(dir string)               { m.Called(dir) }

// -- Backend Mock --

// MockBackend mocks host.Backend.
type MockBackend struct {
	mock.Mock
}

var _ host.Backend = (*MockBackend)(nil)

func (m *MockBackend) Execute(ctx context.Context, action string, params map[string]interface{}) (interface{}, error) {
	args := m.Called(ctx, action, params)
	return args.Get(0), args.Error(1)
}

func (m *MockBackend) Close() error {
	args := m.Called()
	return args.Error(0)
}

// -- Dialer Mock --

// MockDialer mocks transport.Dialer.
type MockDialer struct {
	mock.Mock
}

var _ transport.Dialer = (*MockDialer)(nil)

func (m *MockDialer) Dial(ctx context.Context) (transport.Conn, error) {
	args := m.Called(ctx)
	if c := args.Get(0); c != nil {
		return c.(transport.Conn), args.Error(1)
	}
	return nil, args.Error(1)
}

// -- Action Client Mock --

// MockActionClient mocks the client surface driven by the scenario runner.
type MockActionClient struct {
	mock.Mock
}

var _ scenario.Client = (*MockActionClient)(nil)

func (m *MockActionClient) Connect(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockActionClient) Disconnect(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockActionClient) ExecuteAction(ctx context.Context, action string, params map[string]interface{}) (*schemas.ActionResult, error) {
	args := m.Called(ctx, action, params)
	var res *schemas.ActionResult
	if r := args.Get(0); r != nil {
		res = r.(*schemas.ActionResult)
	}
	return res, args.Error(1)
}
