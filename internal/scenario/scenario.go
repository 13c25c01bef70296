// Package scenario runs YAML-described action sequences through a client and
// reports the outcome of each step.
package scenario

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"
)

// Scenario is a named, ordered list of steps.
type Scenario struct {
	Name string `yaml:"name"`
	// ContinueOnError overrides the configured default when set.
	ContinueOnError *bool `yaml:"continue_on_error,omitempty"`
	// StepDelay is a pause between consecutive steps.
	StepDelay time.Duration `yaml:"step_delay,omitempty"`
	Steps     []Step        `yaml:"steps"`
}

// Step is one action invocation.
type Step struct {
	Name   string                 `yaml:"name"`
	Action string                 `yaml:"action"`
	Params map[string]interface{} `yaml:"params,omitempty"`
	// Save names a file, relative to the output directory, that receives
	// the step's result.
	Save string `yaml:"save,omitempty"`
}

// Load reads and parses a scenario file. A leading ~ is expanded.
func Load(path string) (*Scenario, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("expanding scenario path %q: %w", path, err)
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		return nil, fmt.Errorf("reading scenario: %w", err)
	}
	sc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", path, err)
	}
	return sc, nil
}

// Parse decodes a scenario document and fills in default step names.
func Parse(data []byte) (*Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("invalid yaml: %w", err)
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	for i := range sc.Steps {
		if sc.Steps[i].Name == "" {
			sc.Steps[i].Name = fmt.Sprintf("step %d: %s", i+1, sc.Steps[i].Action)
		}
		if sc.Steps[i].Params == nil {
			sc.Steps[i].Params = map[string]interface{}{}
		}
	}
	return &sc, nil
}

// Validate checks the structure of the scenario. Action names and params are
// checked by the client when each step runs.
func (s *Scenario) Validate() error {
	if len(s.Steps) == 0 {
		return errors.New("scenario has no steps")
	}
	if s.StepDelay < 0 {
		return errors.New("step_delay must not be negative")
	}
	for i, st := range s.Steps {
		if st.Action == "" {
			return fmt.Errorf("step %d has no action", i+1)
		}
	}
	return nil
}
