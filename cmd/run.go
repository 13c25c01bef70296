// File: cmd/run.go
package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/mcpdriver/internal/config"
	"github.com/xkilldash9x/mcpdriver/internal/observability"
	"github.com/xkilldash9x/mcpdriver/internal/scenario"
)

func newRunCmd(clients clientFactory) *cobra.Command {
	var (
		url             string
		outputDir       string
		continueOnError bool
		screenshots     string
		acceptDialogs   bool
	)

	cmd := &cobra.Command{
		Use:   "run <scenario.yaml>",
		Short: "Runs a scenario file step by step and writes a report",
		Args:  cobra.ExactArgs(1),
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
			if cmd.Flags().Changed("output-dir") {
				cfg.SetScenarioOutputDir(outputDir)
			}
			scCfg := cfg.Scenario()
			if cmd.Flags().Changed("continue-on-error") {
				scCfg.ContinueOnError = continueOnError
			}
			if cmd.Flags().Changed("screenshots") {
				if err := applyScreenshotMode(&scCfg, screenshots); err != nil {
					return err
				}
			}
			if cmd.Flags().Changed("accept-dialogs") {
				scCfg.AcceptDialogs = acceptDialogs
			}

			sc, err := scenario.Load(args[0])
			if err != nil {
				return err
			}
			m := startMetrics(ctx, cfg.Metrics(), logger)
			client, err := clients(cfg.Client(), logger, m)
			if err != nil {
				return fmt.Errorf("failed to create client: %w", err)
			}
			return runScenario(ctx, client, sc, scCfg, logger, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&url, "url", "", "Host websocket URL (overrides client.url)")
	cmd.Flags().StringVar(&outputDir, "output-dir", "", "Directory for artifacts and the report (overrides scenario.output_dir)")
	cmd.Flags().BoolVar(&continueOnError, "continue-on-error", false, "Keep running steps after a failure")
	cmd.Flags().StringVar(&screenshots, "screenshots", "", "Automatic full-page screenshots: none, failure or always")
	cmd.Flags().BoolVar(&acceptDialogs, "accept-dialogs", false, "Accept a JavaScript dialog left open by a failing step")
	return cmd
}

// applyScreenshotMode maps the --screenshots flag onto cfg.
func applyScreenshotMode(cfg *config.ScenarioConfig, mode string) error {
	switch mode {
	case "none":
		cfg.ScreenshotOnStep, cfg.ScreenshotOnFailure = false, false
	case "failure":
		cfg.ScreenshotOnStep, cfg.ScreenshotOnFailure = false, true
	case "always":
		cfg.ScreenshotOnStep, cfg.ScreenshotOnFailure = true, true
	default:
		return fmt.Errorf("invalid --screenshots %q: want none, failure or always", mode)
	}
	return nil
}

// runScenario executes sc, writes the report and prints a summary.
func runScenario(ctx context.Context, client scenario.Client, sc *scenario.Scenario, cfg config.ScenarioConfig, logger *zap.Logger, out io.Writer) error {
	runner := scenario.NewRunner(client, cfg, logger)
	report, err := runner.Run(ctx, sc)
	if err != nil {
		return err
	}

	path, err := scenario.WriteReport(cfg.OutputDir, report)
	if err != nil {
		logger.Error("Failed to write report.", zap.Error(err))
	}

	name := sc.Name
	if name == "" {
		name = "scenario"
	}
	fmt.Fprintf(out, "=== %s ===\n", name)
	for _, st := range report.Steps {
		line := fmt.Sprintf("  [%s] %s (%dms)", st.Status, st.Name, st.DurationMs)
		if st.Artifact != "" {
			line += " -> " + st.Artifact
		}
		if st.Screenshot != "" {
			line += " [screenshot " + st.Screenshot + "]"
		}
		if st.Dialog != "" {
			line += " [accepted dialog " + st.Dialog + "]"
		}
		if st.Error != "" {
			line += ": " + st.Error
		}
		fmt.Fprintln(out, line)
	}
	fmt.Fprintf(out, "passed %d, failed %d, skipped %d of %d in %dms\n",
		report.Passed, report.Failed, report.Skipped, report.Total, report.DurationMs)
	if path != "" {
		fmt.Fprintf(out, "report: %s\n", path)
	}

	if !report.OK() {
		return fmt.Errorf("scenario %q failed: %d of %d steps did not pass", name, report.Failed+report.Skipped, report.Total)
	}
	return nil
}
