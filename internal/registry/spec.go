package registry

import (
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// RestartPolicy decides what happens when a plugin process exits.
type RestartPolicy string

const (
	// PolicyNever leaves the process down after any exit.
	PolicyNever RestartPolicy = "never"
	// PolicyOnFailure restarts only after a non-zero exit or a signal.
	PolicyOnFailure RestartPolicy = "on-failure"
	// PolicyAlways restarts after every exit.
	PolicyAlways RestartPolicy = "always"
)

// UnmarshalYAML enforces the closed set of policy values at load time.
func (p *RestartPolicy) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	switch RestartPolicy(raw) {
	case PolicyNever, PolicyOnFailure, PolicyAlways:
		*p = RestartPolicy(raw)
		return nil
	case "":
		*p = ""
		return nil
	default:
		return fmt.Errorf("unknown restart policy %q", raw)
	}
}

// BackoffSpec configures the delay between restart attempts.
type BackoffSpec struct {
	BaseSeconds  int `yaml:"baseSeconds"`
	CapSeconds   int `yaml:"capSeconds"`
	ResetSeconds int `yaml:"resetSeconds"`
}

// Base returns the initial restart delay.
func (b BackoffSpec) Base() time.Duration { return time.Duration(b.BaseSeconds) * time.Second }

// Cap returns the maximum restart delay.
func (b BackoffSpec) Cap() time.Duration { return time.Duration(b.CapSeconds) * time.Second }

// Reset returns the sustained-uptime window after which the restart
// counter is cleared.
func (b BackoffSpec) Reset() time.Duration { return time.Duration(b.ResetSeconds) * time.Second }

// ResourceSpec declares optional ceilings for a plugin process.
type ResourceSpec struct {
	CPUMillis int `yaml:"cpuMillis"`
	MemoryMB  int `yaml:"memoryMB"`
}

// PluginSpec is the static description of a runnable unit. It is immutable
// once loaded; runtime state lives in the supervisor.
type PluginSpec struct {
	Name        string            `yaml:"-"`
	Version     string            `yaml:"version"`
	Enabled     bool              `yaml:"enabled"`
	Command     []string          `yaml:"command"`
	WorkDir     string            `yaml:"workDir"`
	Env         map[string]string `yaml:"env"`
	Device      string            `yaml:"device"`
	Restart     RestartPolicy     `yaml:"restart"`
	MaxRestarts int               `yaml:"maxRestarts"`
	Backoff     *BackoffSpec      `yaml:"backoff"`
	Resources   *ResourceSpec     `yaml:"resources"`
	Channels    []string          `yaml:"channels"`
}

// Validate checks a single spec for internal consistency.
func (s PluginSpec) Validate() error {
	if s.Name == "" {
		return errors.New("plugin name cannot be empty")
	}
	if !s.Enabled {
		return nil
	}
	if len(s.Command) == 0 || s.Command[0] == "" {
		return fmt.Errorf("plugin %s: command cannot be empty when enabled", s.Name)
	}
	if s.MaxRestarts < 0 {
		return fmt.Errorf("plugin %s: maxRestarts cannot be negative", s.Name)
	}
	if s.Backoff != nil {
		if s.Backoff.BaseSeconds < 0 || s.Backoff.CapSeconds < 0 || s.Backoff.ResetSeconds < 0 {
			return fmt.Errorf("plugin %s: backoff values cannot be negative", s.Name)
		}
		if s.Backoff.CapSeconds > 0 && s.Backoff.BaseSeconds > s.Backoff.CapSeconds {
			return fmt.Errorf("plugin %s: backoff base exceeds cap", s.Name)
		}
	}
	if s.Resources != nil {
		if s.Resources.CPUMillis < 0 || s.Resources.MemoryMB < 0 {
			return fmt.Errorf("plugin %s: resource ceilings cannot be negative", s.Name)
		}
	}
	return nil
}

// Defaults fills per-plugin gaps from the catalog-level defaults block.
type Defaults struct {
	Restart     RestartPolicy `yaml:"restart"`
	MaxRestarts int           `yaml:"maxRestarts"`
	Backoff     *BackoffSpec  `yaml:"backoff"`
}

func mergeSpec(spec PluginSpec, defaults Defaults) PluginSpec {
	if spec.Restart == "" {
		spec.Restart = defaults.Restart
	}
	if spec.Restart == "" {
		spec.Restart = PolicyOnFailure
	}
	if spec.MaxRestarts == 0 {
		spec.MaxRestarts = defaults.MaxRestarts
	}
	if spec.Backoff == nil {
		spec.Backoff = defaults.Backoff
	}
	return spec
}
