package loop

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Timeout is a wall-clock limit that unmarshals from either a millisecond
// integer or a duration string such as "4h".
type Timeout time.Duration

// Duration returns the timeout as a time.Duration.
func (t Timeout) Duration() time.Duration { return time.Duration(t) }

// ParseTimeout parses a raw timeout value: int/float milliseconds or a
// duration string.
func ParseTimeout(raw interface{}) (Timeout, error) {
	switch v := raw.(type) {
	case nil:
		return 0, nil
	case int:
		return Timeout(time.Duration(v) * time.Millisecond), nil
	case int64:
		return Timeout(time.Duration(v) * time.Millisecond), nil
	case float64:
		return Timeout(time.Duration(v) * time.Millisecond), nil
	case string:
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			return Timeout(time.Duration(ms) * time.Millisecond), nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid timeout %q: %w", v, err)
		}
		return Timeout(d), nil
	default:
		return 0, fmt.Errorf("invalid timeout type %T", raw)
	}
}

// UnmarshalYAML accepts either form.
func (t *Timeout) UnmarshalYAML(value *yaml.Node) error {
	var raw interface{}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := ParseTimeout(raw)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Budget is the immutable set of configured limits bounding a run.
type Budget struct {
	MaxIterations         int     `yaml:"max_iterations" json:"max_iterations"`
	MaxCost               float64 `yaml:"max_cost" json:"max_cost"`
	Timeout               Timeout `yaml:"timeout" json:"timeout"`
	MaxTokensPerIteration int     `yaml:"max_tokens_per_iteration" json:"max_tokens_per_iteration"`
}

// DefaultBudget returns the default limits.
func DefaultBudget() Budget {
	return Budget{
		MaxIterations:         50,
		MaxCost:               10.0,
		Timeout:               Timeout(4 * time.Hour),
		MaxTokensPerIteration: 100000,
	}
}

// merged returns b with zero fields filled from the defaults.
func (b Budget) merged() Budget {
	def := DefaultBudget()
	if b.MaxIterations == 0 {
		b.MaxIterations = def.MaxIterations
	}
	if b.MaxCost == 0 {
		b.MaxCost = def.MaxCost
	}
	if b.Timeout == 0 {
		b.Timeout = def.Timeout
	}
	if b.MaxTokensPerIteration == 0 {
		b.MaxTokensPerIteration = def.MaxTokensPerIteration
	}
	return b
}

// Config holds the controller configuration.
type Config struct {
	Budget Budget `yaml:"budget" json:"budget"`

	// Model identifier passed through to the generator.
	Model string `yaml:"model" json:"model"`

	// StepLimit bounds tool-call rounds within a single iteration.
	StepLimit int `yaml:"step_limit" json:"step_limit"`

	// Stuck analysis knobs.
	StuckThreshold  int `yaml:"stuck_threshold" json:"stuck_threshold"`
	StuckWindowSize int `yaml:"stuck_window_size" json:"stuck_window_size"`

	// TracePath is where the NDJSON event log is written.
	TracePath string `yaml:"trace_path" json:"trace_path"`
}

// DefaultConfig returns the default controller configuration.
func DefaultConfig() Config {
	return Config{
		Budget:          DefaultBudget(),
		StepLimit:       10,
		StuckThreshold:  5,
		StuckWindowSize: 8,
	}
}

// merged returns c with zero fields filled from the defaults.
func (c Config) merged() Config {
	def := DefaultConfig()
	c.Budget = c.Budget.merged()
	if c.StepLimit == 0 {
		c.StepLimit = def.StepLimit
	}
	if c.StuckThreshold == 0 {
		c.StuckThreshold = def.StuckThreshold
	}
	if c.StuckWindowSize == 0 {
		c.StuckWindowSize = def.StuckWindowSize
	}
	return c
}

// LoadConfig reads a YAML config file and merges it over the defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg.merged(), nil
}
