// Package config loads and validates YAML run configuration: chapter count,
// concurrency, revision budget, per-stage timeouts, the cast, worker
// declarations, and per-provider rate limits. Validation fails fast before
// orchestration starts; a missing adapter for a declared worker is a
// configuration error, not a runtime surprise.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/storymesh/core"
	"github.com/hupe1980/storymesh/scheduler"
)

// Duration wraps time.Duration with YAML support for strings like "90s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Timeouts bounds worker calls per stage. Zero values fall back to Default.
type Timeouts struct {
	Default   Duration `yaml:"default"`
	Planning  Duration `yaml:"planning"`
	World     Duration `yaml:"world"`
	Composing Duration `yaml:"composing"`
	Reviewing Duration `yaml:"reviewing"`
	Revising  Duration `yaml:"revising"`
}

// Worker declares one external collaborator and the topic its adapter
// serves.
type Worker struct {
	Name     string `yaml:"name"`
	Topic    string `yaml:"topic"`
	Provider string `yaml:"provider"`
	Role     string `yaml:"role"`
	Model    string `yaml:"model"`

	// Prompt optionally overrides the request prompt with a text/template
	// rendered against the request payload.
	Prompt string `yaml:"prompt"`
}

// Config is a full run configuration.
type Config struct {
	Title   string `yaml:"title"`
	Premise string `yaml:"premise"`

	Chapters          int `yaml:"chapters"`
	Concurrency       int `yaml:"concurrency"`
	MaxRevisionRounds int `yaml:"max_revision_rounds"`

	// DependentChapters links each chapter to its predecessor so it starts
	// only after the predecessor is terminal and reads its snapshot.
	DependentChapters bool `yaml:"dependent_chapters"`

	// StrictEnrichment aborts a chapter when the world/character stage
	// fails outright instead of degrading.
	StrictEnrichment bool `yaml:"strict_enrichment"`

	Characters []string `yaml:"characters"`
	OutputDir  string   `yaml:"output_dir"`

	Timeouts   Timeouts       `yaml:"timeouts"`
	Workers    []Worker       `yaml:"workers"`
	RateLimits map[string]int `yaml:"rate_limits"` // provider -> requests/min
}

// Default returns a runnable configuration for a short mock-backed story.
func Default() *Config {
	return &Config{
		Title:             "Untitled",
		Chapters:          1,
		Concurrency:       2,
		MaxRevisionRounds: 2,
		DependentChapters: true,
		OutputDir:         "out",
		Timeouts:          Timeouts{Default: Duration(60 * time.Second)},
	}
}

// Load reads and validates a configuration file. Missing fields keep their
// defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML into a defaulted Config and validates it.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for nonsense values.
func (c *Config) Validate() error {
	if c.Chapters < 1 {
		return &core.ConfigError{Field: "chapters", Reason: "must be at least 1"}
	}
	if c.Concurrency < 1 {
		return &core.ConfigError{Field: "concurrency", Reason: "must be at least 1"}
	}
	if c.MaxRevisionRounds < 0 {
		return &core.ConfigError{Field: "max_revision_rounds", Reason: "must not be negative"}
	}
	for _, t := range []struct {
		name string
		d    Duration
	}{
		{"timeouts.default", c.Timeouts.Default},
		{"timeouts.planning", c.Timeouts.Planning},
		{"timeouts.world", c.Timeouts.World},
		{"timeouts.composing", c.Timeouts.Composing},
		{"timeouts.reviewing", c.Timeouts.Reviewing},
		{"timeouts.revising", c.Timeouts.Revising},
	} {
		if t.d < 0 {
			return &core.ConfigError{Field: t.name, Reason: "must not be negative"}
		}
	}

	topics := map[string]string{}
	for i, w := range c.Workers {
		field := fmt.Sprintf("workers[%d]", i)
		if w.Name == "" {
			return &core.ConfigError{Field: field + ".name", Reason: "must not be empty"}
		}
		if w.Topic == "" {
			return &core.ConfigError{Field: field + ".topic", Reason: "must not be empty"}
		}
		if prev, dup := topics[w.Topic]; dup {
			return &core.ConfigError{
				Field:  field + ".topic",
				Reason: fmt.Sprintf("topic %q already declared by worker %q", w.Topic, prev),
			}
		}
		topics[w.Topic] = w.Name
	}

	for provider, rpm := range c.RateLimits {
		if rpm < 0 {
			return &core.ConfigError{
				Field:  "rate_limits." + provider,
				Reason: "must not be negative",
			}
		}
	}
	return nil
}

// ValidateWorkers fails when a declared worker's topic has no registered
// adapter. has is typically bus.HasSubscribers.
func (c *Config) ValidateWorkers(has func(topic string) bool) error {
	for _, w := range c.Workers {
		if !has(w.Topic) {
			return &core.ConfigError{
				Field:  "workers." + w.Name,
				Reason: fmt.Sprintf("no adapter registered for topic %q", w.Topic),
			}
		}
	}
	return nil
}

// ChapterSpecs expands the chapter count into scheduler specs, wiring the
// predecessor dependency edge when DependentChapters is set.
func (c *Config) ChapterSpecs() []scheduler.ChapterSpec {
	specs := make([]scheduler.ChapterSpec, 0, c.Chapters)
	for n := 1; n <= c.Chapters; n++ {
		spec := scheduler.ChapterSpec{Number: n}
		if c.DependentChapters && n > 1 {
			spec.DependsOn = n - 1
		}
		specs = append(specs, spec)
	}
	return specs
}
