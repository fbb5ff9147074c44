package model

import (
	"errors"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// EnvConfig names the config file, it has precedence over --config.
	EnvConfig = "TASKRUNNER_CONFIG"

	DefaultSelfDestruct = 24 * time.Hour
)

// Config holds operator defaults. Everything describing a single unit of
// work comes from the invocation flags instead.
type Config struct {
	Verbose      bool          `yaml:"verbose"`
	SelfDestruct time.Duration `yaml:"self_destruct"`
	Timeouts     Timeouts      `yaml:"timeouts"`
	Invoke       Invoke        `yaml:"invoke"`
}

// Timeouts bound the individual channel operations of a task.
type Timeouts struct {
	Input    time.Duration `yaml:"input"`
	Progress time.Duration `yaml:"progress"`
	Output   time.Duration `yaml:"output"`
}

// Invoke configures the parent side used by `taskrunner invoke`.
type Invoke struct {
	Timeout time.Duration `yaml:"timeout"` // whole child lifetime
	Grace   time.Duration `yaml:"grace"`   // SIGTERM to SIGKILL
}

func DefaultConfig() Config {
	return Config{
		SelfDestruct: DefaultSelfDestruct,
		Timeouts: Timeouts{
			Input:    5 * time.Minute,
			Progress: 10 * time.Second,
			Output:   5 * time.Minute,
		},
		Invoke: Invoke{
			Timeout: time.Hour,
			Grace:   5 * time.Second,
		},
	}
}

// LoadConfig decodes YAML from r on top of DefaultConfig and validates the
// result. Unknown keys are rejected.
func LoadConfig(r io.Reader) (Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	err := dec.Decode(&cfg)
	if err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.SelfDestruct <= 0 {
		errs = append(errs, fmt.Errorf("self_destruct: must be positive, got %s", c.SelfDestruct))
	}
	for _, d := range []struct {
		key string
		val time.Duration
	}{
		{"timeouts.input", c.Timeouts.Input},
		{"timeouts.progress", c.Timeouts.Progress},
		{"timeouts.output", c.Timeouts.Output},
		{"invoke.timeout", c.Invoke.Timeout},
		{"invoke.grace", c.Invoke.Grace},
	} {
		if d.val < 0 {
			errs = append(errs, fmt.Errorf("%s: must not be negative, got %s", d.key, d.val))
		}
	}
	return errors.Join(errs...)
}
