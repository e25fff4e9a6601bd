// Package config loads orchestrator settings from the project-local
// .substrate/config.yaml with an environment overlay, and watches the file
// for runtime reloads.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/substratehq/substrate/internal/log"
)

// Dir is the project-local directory holding config and state.
const Dir = ".substrate"

// FileName is the config file inside Dir.
const FileName = "config.yaml"

// EnvPrefix namespaces environment overrides, e.g.
// SUBSTRATE_MAX_CONCURRENT_TASKS=8.
const EnvPrefix = "SUBSTRATE"

// WorktreeConfig tunes worktree provisioning.
type WorktreeConfig struct {
	// BaseBranch is the branch worktrees fork from. Empty means the
	// repository's detected main branch.
	BaseBranch string `mapstructure:"base_branch"`
}

// BudgetConfig tunes cost caps.
type BudgetConfig struct {
	// DefaultUSD caps sessions whose graph declares no budget. Zero means
	// uncapped.
	DefaultUSD float64 `mapstructure:"default_usd"`
}

// TracingConfig mirrors the tracing subsystem's settings.
type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Exporter     string  `mapstructure:"exporter"`
	FilePath     string  `mapstructure:"file_path"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	SampleRate   float64 `mapstructure:"sample_rate"`
}

// Config holds every orchestrator setting.
type Config struct {
	MaxConcurrentTasks int            `mapstructure:"max_concurrent_tasks"`
	DefaultAgent       string         `mapstructure:"default_agent"`
	GracePeriodSeconds int            `mapstructure:"grace_period_seconds"`
	TaskTimeoutSeconds int            `mapstructure:"task_timeout_seconds"`
	Worktree           WorktreeConfig `mapstructure:"worktree"`
	Budget             BudgetConfig   `mapstructure:"budget"`
	Tracing            TracingConfig  `mapstructure:"tracing"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	return Config{
		MaxConcurrentTasks: 4,
		DefaultAgent:       "claude-code",
		GracePeriodSeconds: 5,
		Tracing: TracingConfig{
			Exporter:   "file",
			SampleRate: 1.0,
		},
	}
}

// Path returns the config file path under the project root.
func Path(projectRoot string) string {
	return filepath.Join(projectRoot, Dir, FileName)
}

func newViper(projectRoot string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(Path(projectRoot))
	v.SetConfigType("yaml")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	d := Default()
	v.SetDefault("max_concurrent_tasks", d.MaxConcurrentTasks)
	v.SetDefault("default_agent", d.DefaultAgent)
	v.SetDefault("grace_period_seconds", d.GracePeriodSeconds)
	v.SetDefault("task_timeout_seconds", d.TaskTimeoutSeconds)
	v.SetDefault("worktree.base_branch", d.Worktree.BaseBranch)
	v.SetDefault("budget.default_usd", d.Budget.DefaultUSD)
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.file_path", d.Tracing.FilePath)
	v.SetDefault("tracing.otlp_endpoint", d.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	return v
}

// Load reads the project's config file, overlaying environment variables.
// A missing file yields the defaults; a malformed file is an error.
func Load(projectRoot string) (Config, error) {
	v := newViper(projectRoot)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || os.IsNotExist(err) {
			log.Debug(log.CatConfig, "No config file, using defaults", "path", Path(projectRoot))
		} else {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("max_concurrent_tasks must be positive, got %d", c.MaxConcurrentTasks)
	}
	if c.GracePeriodSeconds < 0 {
		return fmt.Errorf("grace_period_seconds must not be negative, got %d", c.GracePeriodSeconds)
	}
	if c.Budget.DefaultUSD < 0 {
		return fmt.Errorf("budget.default_usd must not be negative, got %f", c.Budget.DefaultUSD)
	}
	return nil
}
