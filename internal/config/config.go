// Package config handles configuration loading for Loom. It supports
// XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for Loom.
type Config struct {
	Anthropic AnthropicConfig `mapstructure:"anthropic"`
	Rounds    RoundsConfig    `mapstructure:"rounds"`
	Timeouts  TimeoutsConfig  `mapstructure:"timeouts"`
	Store     StoreConfig     `mapstructure:"store"`
	Evaluator EvaluatorConfig `mapstructure:"evaluator"`
	Roles     RolesConfig     `mapstructure:"roles"`
}

// AnthropicConfig holds model access settings.
type AnthropicConfig struct {
	APIKey     string `mapstructure:"api_key"`
	Model      string `mapstructure:"model"`
	UseBedrock bool   `mapstructure:"use_bedrock"`
	AWSRegion  string `mapstructure:"aws_region"`
	AWSProfile string `mapstructure:"aws_profile"`
}

// RoundsConfig bounds the evaluation loop.
type RoundsConfig struct {
	// Default is the ceiling when complexity scoring is disabled.
	Default int `mapstructure:"default"`
	// Cap is the absolute ceiling no configuration may exceed.
	Cap int `mapstructure:"cap"`
	// UseComplexity lets the complexity calculator pick the ceiling.
	UseComplexity bool `mapstructure:"use_complexity"`
}

// TimeoutsConfig holds worker timeout settings.
type TimeoutsConfig struct {
	// Worker bounds a single invocation.
	Worker time.Duration `mapstructure:"worker"`
	// PerRole overrides the worker timeout for specific roles.
	PerRole map[string]time.Duration `mapstructure:"per_role"`
}

// StoreConfig locates the artifact store.
type StoreConfig struct {
	// DataDir is the directory run roots are created under.
	DataDir string `mapstructure:"data_dir"`
}

// EvaluatorConfig bounds the round evaluator.
type EvaluatorConfig struct {
	// MaxNewNodes bounds one Extend decision.
	MaxNewNodes int `mapstructure:"max_new_nodes"`
	// MaxSpawnDepth bounds extension lineage depth.
	MaxSpawnDepth int `mapstructure:"max_spawn_depth"`
}

// RolesConfig locates the capability allowlist file.
type RolesConfig struct {
	// AllowlistPath is an optional YAML overlay for role capabilities.
	AllowlistPath string `mapstructure:"allowlist_path"`
}

// Load loads configuration with precedence (highest to lowest):
// 1. Environment variables (ANTHROPIC_API_KEY, LOOM_*)
// 2. Project config (.loom.yaml in the current directory or a parent)
// 3. User config (~/.config/loom/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("LOOM")
	v.AutomaticEnv()
	v.BindEnv("anthropic.api_key", "ANTHROPIC_API_KEY")
	v.BindEnv("anthropic.model", "LOOM_MODEL")
	v.BindEnv("anthropic.use_bedrock", "LOOM_USE_BEDROCK")
	v.BindEnv("store.data_dir", "LOOM_DATA_DIR")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = os.ExpandEnv(cfg.Anthropic.APIKey)
	clamp(cfg)
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file.
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = os.ExpandEnv(cfg.Anthropic.APIKey)
	clamp(cfg)
	return cfg, nil
}

// Save writes the configuration to the user config file.
func Save(cfg *Config) error {
	userConfigDir := getUserConfigDir()
	if err := os.MkdirAll(userConfigDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(filepath.Join(userConfigDir, "config.yaml"))

	v.Set("anthropic.api_key", cfg.Anthropic.APIKey)
	v.Set("anthropic.model", cfg.Anthropic.Model)
	v.Set("anthropic.use_bedrock", cfg.Anthropic.UseBedrock)
	v.Set("anthropic.aws_region", cfg.Anthropic.AWSRegion)
	v.Set("anthropic.aws_profile", cfg.Anthropic.AWSProfile)
	v.Set("rounds.default", cfg.Rounds.Default)
	v.Set("rounds.cap", cfg.Rounds.Cap)
	v.Set("rounds.use_complexity", cfg.Rounds.UseComplexity)
	v.Set("timeouts.worker", cfg.Timeouts.Worker.String())
	v.Set("store.data_dir", cfg.Store.DataDir)
	v.Set("evaluator.max_new_nodes", cfg.Evaluator.MaxNewNodes)
	v.Set("evaluator.max_spawn_depth", cfg.Evaluator.MaxSpawnDepth)
	v.Set("roles.allowlist_path", cfg.Roles.AllowlistPath)

	return v.WriteConfig()
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// AbsoluteRoundCap is the ceiling no configuration may exceed.
const AbsoluteRoundCap = 10

func setDefaults(v *viper.Viper) {
	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.model", "")
	v.SetDefault("anthropic.use_bedrock", false)

	v.SetDefault("rounds.default", 5)
	v.SetDefault("rounds.cap", AbsoluteRoundCap)
	v.SetDefault("rounds.use_complexity", true)

	v.SetDefault("timeouts.worker", "5m")

	v.SetDefault("store.data_dir", defaultDataDir())

	v.SetDefault("evaluator.max_new_nodes", 10)
	v.SetDefault("evaluator.max_spawn_depth", 2)

	v.SetDefault("roles.allowlist_path", "")
}

// clamp keeps configured bounds inside their hard limits.
func clamp(cfg *Config) {
	if cfg.Rounds.Cap <= 0 || cfg.Rounds.Cap > AbsoluteRoundCap {
		cfg.Rounds.Cap = AbsoluteRoundCap
	}
	if cfg.Rounds.Default <= 0 {
		cfg.Rounds.Default = 5
	}
	if cfg.Rounds.Default > cfg.Rounds.Cap {
		cfg.Rounds.Default = cfg.Rounds.Cap
	}
	if cfg.Timeouts.Worker <= 0 {
		cfg.Timeouts.Worker = 5 * time.Minute
	}
}

// getUserConfigDir returns the XDG config directory for Loom.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "loom")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "loom")
	}
	return filepath.Join(home, ".config", "loom")
}

// defaultDataDir returns the XDG data directory for run artifacts.
func defaultDataDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "loom")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".loom")
	}
	return filepath.Join(home, ".local", "share", "loom")
}

// findProjectConfig searches for .loom.yaml in the current directory and
// parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".loom.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Rounds: RoundsConfig{
			Default:       5,
			Cap:           AbsoluteRoundCap,
			UseComplexity: true,
		},
		Timeouts: TimeoutsConfig{
			Worker: 5 * time.Minute,
		},
		Store: StoreConfig{
			DataDir: defaultDataDir(),
		},
		Evaluator: EvaluatorConfig{
			MaxNewNodes:   10,
			MaxSpawnDepth: 2,
		},
	}
}
