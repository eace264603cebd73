// Package config loads the zos configuration bundle.
//
// The bundle is read once at startup from zos.yaml (plus ZOS_* environment
// overrides) and passed by handle to the components; no component reaches
// for a global singleton.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// Config is the process-wide configuration bundle.
type Config struct {
	Database    string    `mapstructure:"database"`
	LayersDir   string    `mapstructure:"layers_dir"`
	SelfConcept string    `mapstructure:"self_concept"`
	PromptsDir  string    `mapstructure:"prompts_dir"`
	HTTP        HTTP      `mapstructure:"http"`
	Salience    Salience  `mapstructure:"salience"`
	Budget      Budget    `mapstructure:"budget"`
	Models      Models    `mapstructure:"models"`
	Scheduler   Scheduler `mapstructure:"scheduler"`

	// AnonymousSentinel prefixes the display id of anonymous authors, who
	// never earn individually.
	AnonymousSentinel string `mapstructure:"anonymous_sentinel"`
}

// HTTP configures the introspection surface.
type HTTP struct {
	Addr string `mapstructure:"addr"`
}

// Salience holds ledger policy numbers.
type Salience struct {
	// Caps are per-topic balance caps, keyed by topic category.
	Caps map[string]float64 `mapstructure:"caps"`
	// Weights are earning amounts per observation kind.
	Weights Weights `mapstructure:"weights"`

	MediaBoostFactor        float64 `mapstructure:"media_boost_factor"`
	RetentionRate           float64 `mapstructure:"retention_rate"`
	WarmThreshold           float64 `mapstructure:"warm_threshold"`
	PropagationFactor       float64 `mapstructure:"propagation_factor"`
	GlobalPropagationFactor float64 `mapstructure:"global_propagation_factor"`
	SpilloverFactor         float64 `mapstructure:"spillover_factor"`
	InitialGlobalWarmth     float64 `mapstructure:"initial_global_warmth"`

	Decay Decay `mapstructure:"decay"`
}

// Weights are the per-event earning amounts of the earning rules.
type Weights struct {
	Message      float64 `mapstructure:"message"`
	Reply        float64 `mapstructure:"reply"`
	Mention      float64 `mapstructure:"mention"`
	DMMessage    float64 `mapstructure:"dm_message"`
	Reaction     float64 `mapstructure:"reaction"`
	ThreadCreate float64 `mapstructure:"thread_create"`
}

// Decay configures the periodic decay task.
type Decay struct {
	ThresholdDays int     `mapstructure:"threshold_days"`
	RatePerDay    float64 `mapstructure:"rate_per_day"`
	MinStep       float64 `mapstructure:"min_step"`
}

// Budget configures reflection target selection.
type Budget struct {
	Total float64 `mapstructure:"total"`
	// Allocations per budget group; must sum to 1 (self excluded, it has
	// an independent pool).
	Allocations           map[string]float64 `mapstructure:"allocations"`
	SelfPool              float64            `mapstructure:"self_pool"`
	DefaultReflectionCost float64            `mapstructure:"default_reflection_cost"`
}

// ModelProfile names a concrete provider model for a class of calls.
type ModelProfile struct {
	Provider string        `mapstructure:"provider"`
	Model    string        `mapstructure:"model"`
	Timeout  time.Duration `mapstructure:"timeout"`
	// Prices are USD per million tokens, used for cost estimates.
	InputPricePerMTok  float64 `mapstructure:"input_price_per_mtok"`
	OutputPricePerMTok float64 `mapstructure:"output_price_per_mtok"`
	MaxPromptTokens    int     `mapstructure:"max_prompt_tokens"`
}

// Models configures the external model client.
type Models struct {
	APIKeyEnv string                  `mapstructure:"api_key_env"`
	Profiles  map[string]ModelProfile `mapstructure:"profiles"`
}

// Scheduler configures reflection activation.
type Scheduler struct {
	MisfireGrace time.Duration `mapstructure:"misfire_grace"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Database:    "zos.db",
		LayersDir:   "layers",
		SelfConcept: "self_concept.md",
		PromptsDir:  "prompts",
		HTTP:        HTTP{Addr: "127.0.0.1:7777"},
		Salience: Salience{
			Caps: map[string]float64{
				"user": 10, "dyad": 8, "channel": 15, "thread": 6, "role": 6,
				"user_in_channel": 6, "dyad_in_channel": 6, "subject": 8,
				"emoji": 4, "self": 20,
			},
			Weights: Weights{
				Message:      1.0,
				Reply:        0.6,
				Mention:      0.4,
				DMMessage:    1.5,
				Reaction:     0.3,
				ThreadCreate: 0.8,
			},
			MediaBoostFactor:        1.5,
			RetentionRate:           0.3,
			WarmThreshold:           1.0,
			PropagationFactor:       0.3,
			GlobalPropagationFactor: 0.15,
			SpilloverFactor:         0.5,
			InitialGlobalWarmth:     2.0,
			Decay: Decay{
				ThresholdDays: 7,
				RatePerDay:    0.01,
				MinStep:       0.01,
			},
		},
		Budget: Budget{
			Total: 50,
			Allocations: map[string]float64{
				"social": 0.40, "global": 0.15, "spaces": 0.20,
				"semantic": 0.15, "culture": 0.10,
			},
			SelfPool:              5,
			DefaultReflectionCost: 1.0,
		},
		Models: Models{
			APIKeyEnv: "ANTHROPIC_API_KEY",
			Profiles: map[string]ModelProfile{
				"quick": {
					Provider:           "anthropic",
					Model:              "claude-haiku-4-5",
					Timeout:            60 * time.Second,
					InputPricePerMTok:  1.0,
					OutputPricePerMTok: 5.0,
					MaxPromptTokens:    180000,
				},
				"deep": {
					Provider:           "anthropic",
					Model:              "claude-sonnet-4-5",
					Timeout:            120 * time.Second,
					InputPricePerMTok:  3.0,
					OutputPricePerMTok: 15.0,
					MaxPromptTokens:    180000,
				},
			},
		},
		Scheduler: Scheduler{
			MisfireGrace: time.Hour,
			MaxRetries:   3,
		},
		AnonymousSentinel: "anon:",
	}
}

// Load reads the configuration from path (or zos.yaml in the working
// directory when path is empty), applies ZOS_* environment overrides, and
// validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("zos")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("ZOS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !(path == "" && errors.As(err, &notFound)) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// No file found; defaults plus env apply.
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the bundle for internally consistent numbers.
func (c *Config) Validate() error {
	if c.Database == "" {
		return fmt.Errorf("config: database path required")
	}
	for cat, cap := range c.Salience.Caps {
		if cap <= 0 {
			return fmt.Errorf("config: cap for category %q must be positive, got %v", cat, cap)
		}
	}
	for name, f := range map[string]float64{
		"retention_rate":            c.Salience.RetentionRate,
		"propagation_factor":        c.Salience.PropagationFactor,
		"global_propagation_factor": c.Salience.GlobalPropagationFactor,
		"spillover_factor":          c.Salience.SpilloverFactor,
		"decay.rate_per_day":        c.Salience.Decay.RatePerDay,
	} {
		if f < 0 || f > 1 {
			return fmt.Errorf("config: salience.%s must be in [0,1], got %v", name, f)
		}
	}
	if c.Salience.MediaBoostFactor < 1 {
		return fmt.Errorf("config: media_boost_factor must be >= 1, got %v", c.Salience.MediaBoostFactor)
	}

	var sum float64
	for group, a := range c.Budget.Allocations {
		if group == "self" {
			return fmt.Errorf("config: self has an independent pool; remove it from budget.allocations")
		}
		if a < 0 {
			return fmt.Errorf("config: allocation for %q must be non-negative", group)
		}
		sum += a
	}
	if sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("config: budget.allocations must sum to 1, got %v", sum)
	}
	if c.Budget.DefaultReflectionCost <= 0 {
		return fmt.Errorf("config: default_reflection_cost must be positive")
	}

	if len(c.Models.Profiles) == 0 {
		return fmt.Errorf("config: at least one model profile required")
	}
	for name, p := range c.Models.Profiles {
		if p.Model == "" {
			return fmt.Errorf("config: model profile %q missing model name", name)
		}
	}

	if c.Scheduler.MaxRetries < 0 {
		return fmt.Errorf("config: scheduler.max_retries must be non-negative")
	}
	return nil
}

// ValidateCron checks a layer schedule expression (standard 5-field cron,
// interpreted in UTC).
func ValidateCron(expr string) error {
	_, err := cron.ParseStandard(expr)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// Cap returns the balance cap for a topic category, falling back to a
// conservative default when the category is not configured.
func (s Salience) Cap(category string) float64 {
	if cap, ok := s.Caps[category]; ok {
		return cap
	}
	return 10
}
