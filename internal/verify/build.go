package verify

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/swarm/internal/command"
	"github.com/Iron-Ham/swarm/internal/config"
)

// gatesFile is the layout of verification.gates_file.
type gatesFile struct {
	Gates []config.GateConfig `yaml:"gates"`
}

// LoadGatesFile reads additional gate definitions from a YAML file.
func LoadGatesFile(path string) ([]config.GateConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read gates file: %w", err)
	}
	var f gatesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse gates file %s: %w", path, err)
	}
	return f.Gates, nil
}

// BuildGates assembles the gate list for an engine: the built-in commit and
// expected-output checks first, then configured gates, then gates from the
// gates file. Per-gate timeout and retries fall back to the verification
// defaults.
func BuildGates(cfg config.VerificationConfig, exec command.Executor) ([]Gate, error) {
	var gates []Gate
	if cfg.RequireCommits {
		gates = append(gates, CommitsGate{})
	}
	if cfg.CheckExpectedOutputs {
		gates = append(gates, ExpectedOutputsGate{})
	}

	defs := append([]config.GateConfig(nil), cfg.Gates...)
	if cfg.GatesFile != "" {
		extra, err := LoadGatesFile(cfg.GatesFile)
		if err != nil {
			return nil, err
		}
		defs = append(defs, extra...)
	}
	if errs := config.ValidateGates(defs, "verification.gates"); len(errs) > 0 {
		return nil, config.ValidationErrors(errs)
	}

	for _, d := range defs {
		timeout := d.Timeout
		if timeout == 0 {
			timeout = cfg.GateTimeout
		}
		retries := cfg.MaxGateRetries
		if d.Retries > 0 {
			retries = d.Retries
		}
		g, err := NewCommandGate(CommandGateConfig{
			ID:      d.ID,
			Title:   d.Title,
			Command: d.Command,
			Parser:  d.Parser,
			Enabled: d.IsEnabled(),
			Paths:   d.Paths,
			Timeout: timeout,
			Retries: retries,
		}, exec)
		if err != nil {
			return nil, err
		}
		gates = append(gates, g)
	}
	return gates, nil
}
