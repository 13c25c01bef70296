// File: cmd/helpers_test.go
package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/mcpdriver/internal/config"
	"github.com/xkilldash9x/mcpdriver/internal/host"
	"github.com/xkilldash9x/mcpdriver/internal/metrics"
	"github.com/xkilldash9x/mcpdriver/internal/observability"
	"github.com/xkilldash9x/mcpdriver/internal/scenario"
	"github.com/xkilldash9x/mcpdriver/internal/transport"
	"github.com/xkilldash9x/mcpdriver/pkg/mcpclient"
)

// backendFunc adapts a function to host.Backend.
type backendFunc func(ctx context.Context, action string, params map[string]interface{}) (interface{}, error)

func (f backendFunc) Execute(ctx context.Context, action string, params map[string]interface{}) (interface{}, error) {
	return f(ctx, action, params)
}

func (f backendFunc) Close() error { return nil }

// inProcessHost wires commands to a host served over in-memory pipes and
// records the client configuration each command resolved.
type inProcessHost struct {
	t      *testing.T
	srv    *host.Server
	served sync.WaitGroup

	mu      sync.Mutex
	configs []config.ClientConfig
}

func newInProcessHost(t *testing.T, backend host.Backend) *inProcessHost {
	t.Helper()
	h := &inProcessHost{t: t, srv: host.New(config.HostConfig{MaxConcurrency: 2}, backend, zaptest.NewLogger(t), nil)}
	t.Cleanup(h.served.Wait)
	return h
}

func (h *inProcessHost) factory(cfg config.ClientConfig, logger *zap.Logger, m metrics.Metrics) (scenario.Client, error) {
	h.mu.Lock()
	h.configs = append(h.configs, cfg)
	h.mu.Unlock()

	dialer := transport.DialerFunc(func(ctx context.Context) (transport.Conn, error) {
		c, hostSide := transport.Pipe()
		h.served.Add(1)
		go func() {
			defer h.served.Done()
			_ = h.srv.ServeConn(context.Background(), hostSide)
		}()
		return c, nil
	})
	return mcpclient.New(dialer, mcpclient.WithLogger(zaptest.NewLogger(h.t)), mcpclient.WithMetrics(m)), nil
}

func (h *inProcessHost) lastConfig() config.ClientConfig {
	h.mu.Lock()
	defer h.mu.Unlock()
	require.NotEmpty(h.t, h.configs)
	return h.configs[len(h.configs)-1]
}

func noBackends(config.HostConfig, *zap.Logger) host.Backend {
	panic("host backend not expected")
}

// executeCommand runs the command tree with args from an empty working
// directory so no stray config file is picked up.
func executeCommand(t *testing.T, clients clientFactory, args ...string) (string, error) {
	t.Helper()
	observability.ResetForTest()
	t.Cleanup(observability.ResetForTest)
	t.Chdir(t.TempDir())
	t.Setenv("MCPDRIVER_LOGGER_LEVEL", "error")

	root := newRootCmd(clients, noBackends)
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return buf.String(), err
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}
