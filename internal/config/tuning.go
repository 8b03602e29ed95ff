package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	yaml "go.yaml.in/yaml/v3"

	"github.com/unclebandit/campaign-dispatcher/internal/dispatch"
)

// Tuning overrides dispatch pacing. Zero values leave the default in place;
// MaxAttempts counts the first send too, so 1 disables retries.
type Tuning struct {
	MaxAttempts     int           `yaml:"max_attempts" json:"max_attempts,omitempty"`
	BackoffBase     time.Duration `yaml:"backoff_base" json:"backoff_base,omitempty"`
	BackoffCeiling  time.Duration `yaml:"backoff_ceiling" json:"backoff_ceiling,omitempty"`
	InterMessageMin time.Duration `yaml:"inter_message_min" json:"inter_message_min,omitempty"`
	InterMessageMax time.Duration `yaml:"inter_message_max" json:"inter_message_max,omitempty"`
	WindowPoll      time.Duration `yaml:"window_poll" json:"window_poll,omitempty"`
	GatewayRate     int           `yaml:"gateway_rate" json:"gateway_rate,omitempty"`
}

// LoadTuning reads and validates a YAML tuning file. Unknown keys are
// rejected. An empty file yields an empty Tuning.
func LoadTuning(path string) (*Tuning, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseTuning(b)
}

func ParseTuning(b []byte) (*Tuning, error) {
	var t Tuning
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode tuning: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

func (t *Tuning) Validate() error {
	if t.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts must not be negative")
	}
	if t.BackoffBase < 0 || t.BackoffCeiling < 0 || t.InterMessageMin < 0 || t.InterMessageMax < 0 || t.WindowPoll < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	if t.BackoffCeiling > 0 && t.BackoffBase > t.BackoffCeiling {
		return fmt.Errorf("backoff_base %s exceeds backoff_ceiling %s", t.BackoffBase, t.BackoffCeiling)
	}
	if t.InterMessageMax > 0 && t.InterMessageMin > t.InterMessageMax {
		return fmt.Errorf("inter_message_min %s exceeds inter_message_max %s", t.InterMessageMin, t.InterMessageMax)
	}
	if t.GatewayRate < 0 {
		return fmt.Errorf("gateway_rate must not be negative")
	}
	return nil
}

// Apply overlays t onto opts.
func (t *Tuning) Apply(opts dispatch.Options) dispatch.Options {
	if t == nil {
		return opts
	}
	if t.MaxAttempts > 0 {
		opts.Retry.MaxAttempts = t.MaxAttempts
	}
	if t.BackoffBase > 0 {
		opts.Retry.Base = t.BackoffBase
	}
	if t.BackoffCeiling > 0 {
		opts.Retry.Ceiling = t.BackoffCeiling
	}
	if t.InterMessageMax > 0 {
		opts.InterMessageMin, opts.InterMessageMax = t.InterMessageMin, t.InterMessageMax
	}
	if t.WindowPoll > 0 {
		opts.WindowPoll = t.WindowPoll
	}
	return opts
}
