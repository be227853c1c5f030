package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ilyakaznacheev/cleanenv"

	"github.com/autoscribe/autoscribe/pkg/telemetry"
)

// Config is the root autoscribe configuration.
type Config struct {
	Store        StoreConfig        `yaml:"store"`
	Budget       BudgetConfig       `yaml:"budget"`
	Generation   GenerationConfig   `yaml:"generation"`
	Discovery    DiscoveryConfig    `yaml:"discovery"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Weights      Weights            `yaml:"weights"`
	Scoring      ScoringConfig      `yaml:"scoring"`
	Categories   []CategorySeed     `yaml:"categories" validate:"dive"`
	Telemetry    telemetry.Config   `yaml:"telemetry"`
}

// StoreConfig selects where orchestration state and domain records live.
type StoreConfig struct {
	// StateBackend is "sqlite" (kv_state table) or "file" (single JSON file).
	StateBackend string        `yaml:"state_backend" env:"SCRIBE_STATE_BACKEND" env-default:"sqlite" validate:"oneof=sqlite file"`
	StatePath    string        `yaml:"state_path"    env:"SCRIBE_STATE_PATH"    env-default:"./data/state.json"`
	DatabasePath string        `yaml:"database_path" env:"SCRIBE_DATABASE_PATH" env-default:"./data/autoscribe.db" validate:"required"`
	BusyTimeout  time.Duration `yaml:"busy_timeout"  env:"SCRIBE_BUSY_TIMEOUT"  env-default:"5s"`
}

// BudgetConfig holds the token budget.
type BudgetConfig struct {
	MonthlyCap int64  `yaml:"monthly_cap" env:"SCRIBE_MONTHLY_CAP" env-default:"3000000" validate:"gt=0"`
	Timezone   string `yaml:"timezone"    env:"SCRIBE_TIMEZONE"    env-default:"UTC" validate:"required"`
}

// GenerationConfig configures the Anthropic adapter and token limits.
type GenerationConfig struct {
	APIKey               string        `yaml:"api_key"                env:"ANTHROPIC_API_KEY"`
	Model                string        `yaml:"model"                  env:"SCRIBE_MODEL"       env-default:"claude-sonnet-4-5" validate:"required"`
	BaseURL              string        `yaml:"base_url"               env:"ANTHROPIC_BASE_URL" validate:"omitempty,url"`
	MaxRetries           int           `yaml:"max_retries"            env-default:"2" validate:"gte=0"`
	Timeout              time.Duration `yaml:"timeout"                env:"SCRIBE_GENERATION_TIMEOUT" env-default:"120s" validate:"gt=0"`
	ArticleMaxTokens     int64         `yaml:"article_max_tokens"     env-default:"4096" validate:"gt=0"`
	TranslationMaxTokens int64         `yaml:"translation_max_tokens" env-default:"4096" validate:"gt=0"`
	DiscoveryMaxTokens   int64         `yaml:"discovery_max_tokens"   env-default:"1024" validate:"gt=0"`
}

// DiscoveryConfig configures topic discovery and its circuit breaker.
// Booleans default to false since cleanenv cannot tell an explicit false
// from a missing key.
type DiscoveryConfig struct {
	Disabled          bool          `yaml:"disabled"            env:"SCRIBE_DISCOVERY_DISABLED"`
	Timeout           time.Duration `yaml:"timeout"             env-default:"30s" validate:"gt=0"`
	TopicsPerCategory int           `yaml:"topics_per_category" env-default:"3" validate:"gt=0"`
	BreakerThreshold  int           `yaml:"breaker_threshold"   env-default:"3" validate:"gt=0"`
	BreakerCooldown   time.Duration `yaml:"breaker_cooldown"    env-default:"5m" validate:"gt=0"`
}

// OrchestratorConfig holds tick, drain and translation limits.
type OrchestratorConfig struct {
	Languages            []string `yaml:"languages"             env:"SCRIBE_LANGUAGES"             env-separator:"," env-default:"en" validate:"min=1,dive,required"`
	TranslationLanguages []string `yaml:"translation_languages" env:"SCRIBE_TRANSLATION_LANGUAGES" env-separator:"," validate:"dive,required"`

	DailyTarget     int           `yaml:"daily_target"       env:"SCRIBE_DAILY_TARGET" env-default:"10" validate:"gt=0"`
	MaxItemsPerTick int           `yaml:"max_items_per_tick" env-default:"5" validate:"gt=0"`
	MaxAttempts     int           `yaml:"max_attempts"       env-default:"3" validate:"gt=0"`
	PacingDelay     time.Duration `yaml:"pacing_delay"       env-default:"2s" validate:"gte=0"`
	LockTTL         time.Duration `yaml:"lock_ttl"           env-default:"30m" validate:"gt=0"`

	TickInterval      time.Duration `yaml:"tick_interval"      env:"SCRIBE_TICK_INTERVAL"      env-default:"15m" validate:"gt=0"`
	TranslateInterval time.Duration `yaml:"translate_interval" env:"SCRIBE_TRANSLATE_INTERVAL" env-default:"1h" validate:"gt=0"`

	ArticleEstimate     int64  `yaml:"article_estimate"     env-default:"6000" validate:"gt=0"`
	TranslationEstimate int64  `yaml:"translation_estimate" env-default:"5000" validate:"gt=0"`
	Complexity          string `yaml:"complexity"           env-default:"standard" validate:"oneof=basic standard deep"`

	TranslationBatch          int `yaml:"translation_batch"            env-default:"3" validate:"gt=0"`
	MaxTranslationsPerArticle int `yaml:"max_translations_per_article" env-default:"3" validate:"gt=0"`
}

// Weights drive target scoring. Missing keys weigh zero.
type Weights struct {
	Languages map[string]float64 `yaml:"languages"  validate:"dive,gte=0"`
	WorkTypes map[string]float64 `yaml:"work_types" validate:"min=1,dive,gte=0"`
}

// ScoringConfig points at an optional Starlark scoring script.
type ScoringConfig struct {
	Script  string        `yaml:"script"  env:"SCRIBE_SCORING_SCRIPT"`
	Timeout time.Duration `yaml:"timeout" env-default:"1s" validate:"gt=0"`
}

// CategorySeed is a category created or updated on startup.
type CategorySeed struct {
	Name   string  `yaml:"name"   validate:"required"`
	Slug   string  `yaml:"slug"   validate:"required"`
	Weight float64 `yaml:"weight" validate:"gte=0"`
}

// Load reads the configuration. Priority is environment over YAML over
// defaults. An empty path loads from the environment and defaults only.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config: file %s: %w", path, err)
		}
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("config: read env: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if len(c.Weights.Languages) == 0 {
		c.Weights.Languages = make(map[string]float64, len(c.Orchestrator.Languages))
		for _, lang := range c.Orchestrator.Languages {
			c.Weights.Languages[lang] = 1
		}
	}
	if len(c.Weights.WorkTypes) == 0 {
		c.Weights.WorkTypes = map[string]float64{"article": 1}
	}
}

// Validate checks struct constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	if _, err := time.LoadLocation(c.Budget.Timezone); err != nil {
		return fmt.Errorf("invalid budget timezone %q: %w", c.Budget.Timezone, err)
	}
	if unit := c.longestUnit(); c.Orchestrator.LockTTL <= unit {
		return fmt.Errorf("lock ttl %s must exceed the longest unit of work between renewals (%s)", c.Orchestrator.LockTTL, unit)
	}

	return c.Telemetry.Validate()
}

// longestUnit is the longest stretch a tick holds its lock without renewing
// it: either queue building, which runs discovery once per language, or one
// generation call plus its pacing delay.
func (c *Config) longestUnit() time.Duration {
	unit := c.Generation.Timeout + c.Orchestrator.PacingDelay
	if !c.Discovery.Disabled {
		unit = max(unit, time.Duration(len(c.Orchestrator.Languages))*c.Discovery.Timeout)
	}
	return unit
}

// Location returns the budget time zone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Budget.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
