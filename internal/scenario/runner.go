package scenario

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/xkilldash9x/mcpdriver/api/schemas"
	"github.com/xkilldash9x/mcpdriver/internal/config"
	"github.com/xkilldash9x/mcpdriver/internal/wire"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// disconnectTimeout bounds the deferred disconnect after a run.
const disconnectTimeout = 10 * time.Second

// Client is the part of mcpclient.Client the runner drives.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	ExecuteAction(ctx context.Context, action string, params map[string]interface{}) (*schemas.ActionResult, error)
}

// Status of a step in a report.
type Status string

const (
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// StepReport records the outcome of one step. Dialog holds "type: message"
// of a dialog accepted after the step failed.
type StepReport struct {
	Name       string              `json:"name"`
	Action     string              `json:"action"`
	Status     Status              `json:"status"`
	StartedAt  time.Time           `json:"startedAt,omitempty"`
	DurationMs int64               `json:"durationMs"`
	Error      string              `json:"error,omitempty"`
	Artifact   string              `json:"artifact,omitempty"`
	Screenshot string              `json:"screenshot,omitempty"`
	Dialog     string              `json:"dialog,omitempty"`
	Result     jsoniter.RawMessage `json:"result,omitempty"`
}

// Report summarizes a scenario run.
type Report struct {
	Scenario   string       `json:"scenario"`
	StartedAt  time.Time    `json:"startedAt"`
	FinishedAt time.Time    `json:"finishedAt"`
	DurationMs int64        `json:"durationMs"`
	Total      int          `json:"total"`
	Passed     int          `json:"passed"`
	Failed     int          `json:"failed"`
	Skipped    int          `json:"skipped"`
	Steps      []StepReport `json:"steps"`
}

// OK reports whether every step passed.
func (r *Report) OK() bool {
	return r.Failed == 0 && r.Skipped == 0
}

// Runner executes scenarios through a Client.
type Runner struct {
	client              Client
	logger              *zap.Logger
	outputDir           string
	continueOnError     bool
	screenshotOnStep    bool
	screenshotOnFailure bool
	acceptDialogs       bool
}

// NewRunner creates a runner that writes artifacts below cfg.OutputDir.
func NewRunner(client Client, cfg config.ScenarioConfig, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		client:              client,
		logger:              logger.Named("scenario"),
		outputDir:           cfg.OutputDir,
		continueOnError:     cfg.ContinueOnError,
		screenshotOnStep:    cfg.ScreenshotOnStep,
		screenshotOnFailure: cfg.ScreenshotOnFailure,
		acceptDialogs:       cfg.AcceptDialogs,
	}
}

// Run connects, executes every step in order and always disconnects. Steps
// after a failure are skipped unless the scenario continues on error. The
// returned error covers setup problems; step failures are in the report.
func (r *Runner) Run(ctx context.Context, sc *Scenario) (*Report, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	outDir, err := r.prepareOutputDir()
	if err != nil {
		return nil, err
	}
	continueOnError := r.continueOnError
	if sc.ContinueOnError != nil {
		continueOnError = *sc.ContinueOnError
	}

	report := &Report{Scenario: sc.Name, StartedAt: time.Now(), Total: len(sc.Steps)}
	logger := r.logger.With(zap.String("scenario", sc.Name))

	if err := r.client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connecting: %w", err)
	}
	defer func() {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), disconnectTimeout)
		defer cancel()
		if derr := r.client.Disconnect(dctx); derr != nil {
			logger.Warn("Disconnect after scenario failed.", zap.Error(derr))
		}
	}()

	stopped := false
	for i, step := range sc.Steps {
		if stopped || ctx.Err() != nil {
			report.Steps = append(report.Steps, StepReport{Name: step.Name, Action: step.Action, Status: StatusSkipped})
			report.Skipped++
			continue
		}
		if i > 0 && sc.StepDelay > 0 {
			select {
			case <-time.After(sc.StepDelay):
			case <-ctx.Done():
			}
		}

		sr := r.runStep(ctx, outDir, i, step)
		report.Steps = append(report.Steps, sr)
		if sr.Status == StatusPassed {
			report.Passed++
			logger.Info("Step passed.", zap.String("step", step.Name), zap.Int64("duration_ms", sr.DurationMs))
			continue
		}
		report.Failed++
		logger.Warn("Step failed.", zap.String("step", step.Name), zap.String("error", sr.Error))
		if !continueOnError {
			stopped = true
		}
	}

	report.FinishedAt = time.Now()
	report.DurationMs = report.FinishedAt.Sub(report.StartedAt).Milliseconds()
	return report, nil
}

func (r *Runner) runStep(ctx context.Context, outDir string, index int, step Step) StepReport {
	sr := StepReport{Name: step.Name, Action: step.Action, StartedAt: time.Now()}
	res, err := r.client.ExecuteAction(ctx, step.Action, step.Params)
	sr.DurationMs = time.Since(sr.StartedAt).Milliseconds()
	if err != nil {
		r.fail(ctx, outDir, index, step, &sr, err)
		return sr
	}
	if !res.IsBinary() && len(res.Data) > 0 {
		sr.Result = jsoniter.RawMessage(res.Data)
	}

	if step.Save != "" {
		path, err := saveArtifact(outDir, step.Save, res)
		if err != nil {
			r.fail(ctx, outDir, index, step, &sr, err)
			return sr
		}
		sr.Artifact = path
	}
	sr.Status = StatusPassed
	if r.screenshotOnStep && step.Action != wire.ActionPageScreenshot {
		sr.Screenshot = r.capture(ctx, outDir, "auto", index, step)
	}
	return sr
}

// fail marks sr failed, then clears a dialog the step may have left open and
// captures the page, as configured.
func (r *Runner) fail(ctx context.Context, outDir string, index int, step Step, sr *StepReport, err error) {
	sr.Status = StatusFailed
	sr.Error = err.Error()
	if ctx.Err() != nil {
		return
	}
	if r.acceptDialogs {
		sr.Dialog = r.acceptOpenDialog(ctx, step)
	}
	if r.screenshotOnFailure {
		sr.Screenshot = r.capture(ctx, outDir, "error", index, step)
	}
}

// acceptOpenDialog accepts the dialog open on the step's page and describes
// it. It returns "" when no dialog was open or it could not be handled.
func (r *Runner) acceptOpenDialog(ctx context.Context, step Step) string {
	res, err := r.client.ExecuteAction(ctx, wire.ActionPageModalState, pageParams(step))
	if err != nil {
		r.logger.Warn("Could not read modal state.", zap.String("step", step.Name), zap.Error(err))
		return ""
	}
	var state struct {
		Open    bool   `json:"open"`
		Type    string `json:"type"`
		Message string `json:"message"`
	}
	if err := res.DecodeData(&state); err != nil || !state.Open {
		return ""
	}

	params := pageParams(step)
	params["accept"] = true
	if _, err := r.client.ExecuteAction(ctx, wire.ActionPageHandleDialog, params); err != nil {
		r.logger.Warn("Could not accept dialog.", zap.String("step", step.Name), zap.Error(err))
		return ""
	}
	r.logger.Info("Accepted dialog after failed step.",
		zap.String("step", step.Name),
		zap.String("type", state.Type),
		zap.String("message", state.Message))
	return fmt.Sprintf("%s: %s", state.Type, state.Message)
}

// capture saves a full-page screenshot under outDir/screenshots. Failures are
// logged and never change the step outcome.
func (r *Runner) capture(ctx context.Context, outDir, kind string, index int, step Step) string {
	params := pageParams(step)
	params["fullPage"] = true
	res, err := r.client.ExecuteAction(ctx, wire.ActionPageScreenshot, params)
	if err == nil && !res.IsBinary() {
		err = fmt.Errorf("screenshot returned no image")
	}
	if err != nil {
		r.logger.Warn("Step screenshot failed.", zap.String("step", step.Name), zap.Error(err))
		return ""
	}

	name := fmt.Sprintf("%s-step-%d-%s.png", kind, index+1, time.Now().UTC().Format("20060102T150405.000Z"))
	path, err := saveArtifact(outDir, filepath.Join("screenshots", name), res)
	if err != nil {
		r.logger.Warn("Step screenshot could not be saved.", zap.String("step", step.Name), zap.Error(err))
		return ""
	}
	return path
}

// pageParams targets the same page as step.
func pageParams(step Step) map[string]interface{} {
	params := map[string]interface{}{}
	if page, ok := step.Params["page"].(string); ok && page != "" {
		params["page"] = page
	}
	return params
}

func (r *Runner) prepareOutputDir() (string, error) {
	dir := r.outputDir
	if dir == "" {
		dir = "."
	}
	expanded, err := homedir.Expand(dir)
	if err != nil {
		return "", fmt.Errorf("expanding output dir %q: %w", dir, err)
	}
	if err := os.MkdirAll(expanded, 0o755); err != nil {
		return "", fmt.Errorf("creating output dir: %w", err)
	}
	return expanded, nil
}

// saveArtifact writes a step result below outDir. Binary results are written
// as is; JSON results are written as JSON.
func saveArtifact(outDir, name string, res *schemas.ActionResult) (string, error) {
	if !filepath.IsLocal(name) {
		return "", fmt.Errorf("save path %q must stay inside the output directory", name)
	}
	path := filepath.Join(outDir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating artifact directory: %w", err)
	}

	data := res.Binary
	if !res.IsBinary() {
		data = res.Data
		if len(data) == 0 {
			data = []byte("null")
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing artifact: %w", err)
	}
	return path, nil
}

// WriteReport stores report as indented JSON in dir and returns the path.
func WriteReport(dir string, report *Report) (string, error) {
	expanded, err := homedir.Expand(dir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(expanded, 0o755); err != nil {
		return "", fmt.Errorf("creating report directory: %w", err)
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding report: %w", err)
	}
	name := fmt.Sprintf("report-%s.json", report.StartedAt.UTC().Format("20060102T150405.000Z"))
	path := filepath.Join(expanded, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing report: %w", err)
	}
	return path, nil
}
