// File: cmd/exec.go
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/mcpdriver/api/schemas"
	"github.com/xkilldash9x/mcpdriver/internal/config"
	"github.com/xkilldash9x/mcpdriver/internal/metrics"
	"github.com/xkilldash9x/mcpdriver/internal/observability"
	"github.com/xkilldash9x/mcpdriver/internal/scenario"
	"github.com/xkilldash9x/mcpdriver/internal/wire"
	"github.com/xkilldash9x/mcpdriver/pkg/mcpclient"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// disconnectTimeout bounds the disconnect that ends every command.
const disconnectTimeout = 10 * time.Second

// clientFactory builds the client a command talks through. Tests inject
// in-memory clients.
type clientFactory func(cfg config.ClientConfig, logger *zap.Logger, m metrics.Metrics) (scenario.Client, error)

func defaultClientFactory(cfg config.ClientConfig, logger *zap.Logger, m metrics.Metrics) (scenario.Client, error) {
	client, err := mcpclient.NewFromConfig(cfg, logger, m)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func newExecCmd(clients clientFactory) *cobra.Command {
	var (
		url     string
		outPath string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "exec <action> [key=value ...]",
		Short: "Runs a single action against a host and prints its result",
		Long: `Connects to the configured host, runs one action and disconnects.
Values are parsed as JSON when they are valid JSON, otherwise they are sent as
strings. Binary results (screenshots) require --out.`,
		Example: `  mcpdriver exec pageGoto url=https://example.com
  mcpdriver exec pageEvaluate expression='() => document.title'
  mcpdriver exec pageScreenshot fullPage=true --out shot.png`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("url") {
				cfg.SetClientURL(url)
			}

			action := args[0]
			params, err := parseParams(args[1:])
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("timeout") {
				params[wire.TimeoutParam] = timeout.Milliseconds()
			}
			desc, ok := wire.DefaultRegistry().Lookup(action)
			if !ok {
				return fmt.Errorf("%w: %q (known actions: %s)", schemas.ErrUnknownAction, action,
					strings.Join(wire.DefaultRegistry().Names(), ", "))
			}
			if desc.Result == schemas.ShapeBinary && outPath == "" {
				return fmt.Errorf("action %q returns binary data; use --out to choose a file", action)
			}

			logger.Debug("Executing action.", zap.String("action", action), zap.Strings("params", sortedKeys(params)))
			m := startMetrics(ctx, cfg.Metrics(), logger)
			client, err := clients(cfg.Client(), logger, m)
			if err != nil {
				return fmt.Errorf("failed to create client: %w", err)
			}
			return runExec(ctx, client, action, params, outPath, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&url, "url", "", "Host websocket URL (overrides client.url)")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "File that receives a binary result")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Action timeout; 0 waits until the host replies")
	return cmd
}

// runExec connects, runs one action and always disconnects.
func runExec(ctx context.Context, client scenario.Client, action string, params map[string]interface{}, outPath string, out io.Writer) error {
	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer func() {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), disconnectTimeout)
		defer cancel()
		_ = client.Disconnect(dctx)
	}()

	res, err := client.ExecuteAction(ctx, action, params)
	if err != nil {
		return err
	}

	if res.IsBinary() {
		if err := os.WriteFile(outPath, res.Binary, 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", outPath, err)
		}
		fmt.Fprintf(out, "wrote %d bytes (%s) to %s\n", len(res.Binary), mimeOrUnknown(res.MimeType), outPath)
		return nil
	}
	if len(res.Data) == 0 {
		fmt.Fprintln(out, "ok")
		return nil
	}

	var decoded interface{}
	if err := json.Unmarshal(res.Data, &decoded); err != nil {
		return fmt.Errorf("decoding result: %w", err)
	}
	pretty, err := json.MarshalIndent(decoded, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(out, string(pretty))
	return nil
}

// parseParams turns key=value arguments into action params.
func parseParams(args []string) (map[string]interface{}, error) {
	params := make(map[string]interface{}, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("%w: argument %q is not key=value", schemas.ErrInvalidParams, arg)
		}
		if _, dup := params[key]; dup {
			return nil, fmt.Errorf("%w: param %q given twice", schemas.ErrInvalidParams, key)
		}
		params[key] = parseValue(value)
	}
	return params, nil
}

func parseValue(value string) interface{} {
	if !json.Valid([]byte(value)) {
		return value
	}
	var v interface{}
	if err := json.Unmarshal([]byte(value), &v); err != nil {
		return value
	}
	return v
}

func mimeOrUnknown(mime string) string {
	if mime == "" {
		return "unknown type"
	}
	return mime
}

// startMetrics returns the metrics sink for client commands and serves it
// until ctx ends when enabled.
func startMetrics(ctx context.Context, cfg config.MetricsConfig, logger *zap.Logger) metrics.Metrics {
	if !cfg.Enabled {
		return metrics.NewNoopMetrics()
	}
	m := metrics.NewMetrics(cfg.Namespace)
	srv := metrics.NewServer(cfg.ListenAddr, m, logger)
	go func() {
		if err := srv.Run(ctx); err != nil {
			logger.Warn("Metrics server stopped.", zap.Error(err))
		}
	}()
	return m
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
