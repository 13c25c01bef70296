// File: cmd/host.go
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/mcpdriver/internal/config"
	"github.com/xkilldash9x/mcpdriver/internal/host"
	"github.com/xkilldash9x/mcpdriver/internal/metrics"
	"github.com/xkilldash9x/mcpdriver/internal/observability"
	"github.com/xkilldash9x/mcpdriver/internal/transport"
)

// backendFactory builds the backend the host serves.
type backendFactory func(cfg config.HostConfig, logger *zap.Logger) host.Backend

func defaultBackendFactory(cfg config.HostConfig, logger *zap.Logger) host.Backend {
	return host.NewChromeBackend(cfg, logger)
}

func newHostCmd(backends backendFactory) *cobra.Command {
	var (
		listen   string
		headless bool
		stdio    bool
	)

	cmd := &cobra.Command{
		Use:   "host",
		Short: "Serves browser actions to clients over websocket or stdio",
		Long: `Starts the reference host. By default it listens for websocket clients on
host.listen_addr (path /ws). With --stdio it serves a single client over
stdin/stdout, which is how the process transport launches it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.SetHostListenAddr(listen)
			}
			if cmd.Flags().Changed("headless") {
				cfg.SetHostHeadless(headless)
			}

			m := metrics.NewNoopMetrics()
			if cfg.Metrics().Enabled {
				m = metrics.NewMetrics(cfg.Metrics().Namespace)
			}
			backend := backends(cfg.Host(), logger)
			srv := host.New(cfg.Host(), backend, logger, m)

			if stdio {
				return serveStdio(ctx, srv, backend, cfg.Host(), logger)
			}
			return srv.ListenAndServe(ctx, cfg.Metrics().Enabled)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (overrides host.listen_addr)")
	cmd.Flags().BoolVar(&headless, "headless", true, "Run the browser headless (overrides host.headless)")
	cmd.Flags().BoolVar(&stdio, "stdio", false, "Serve one client over stdin/stdout instead of websocket")
	return cmd
}

// serveStdio serves one client over the process's standard streams until the
// client closes stdin or ctx ends.
func serveStdio(ctx context.Context, srv *host.Server, backend host.Backend, cfg config.HostConfig, logger *zap.Logger) error {
	defer func() {
		if err := backend.Close(); err != nil {
			logger.Error("Backend close error", zap.Error(err))
		}
	}()

	conn := transport.NewStreamConn(os.Stdin, os.Stdout, int(cfg.MaxMessageSize), nil)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ServeConn(ctx, conn) }()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("stdio session: %w", err)
		}
		return nil
	case <-ctx.Done():
		// A read blocked on stdin cannot be interrupted; the process is exiting.
		logger.Info("Stdio host stopping.")
		return nil
	}
}
