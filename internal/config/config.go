// Package config handles configuration loading and management for loopd.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.yaml.in/yaml/v3"
)

// EnvPrefix prefixes environment overrides: LOOPD_DEFAULTS_MAX_ITERATIONS
// overrides defaults.max_iterations.
const EnvPrefix = "LOOPD"

// ProjectConfigName is the project-level override file, searched upwards
// from the working directory.
const ProjectConfigName = ".loopd.yaml"

// Config holds all configuration for loopd.
type Config struct {
	Server      ServerConfig    `mapstructure:"server" yaml:"server"`
	DataDir     string          `mapstructure:"data_dir" yaml:"data_dir"`
	WorktreeDir string          `mapstructure:"worktree_dir" yaml:"worktree_dir"`
	Defaults    DefaultsConfig  `mapstructure:"defaults" yaml:"defaults"`
	Agent       AgentConfig     `mapstructure:"agent" yaml:"agent"`
	Namer       NamerConfig     `mapstructure:"namer" yaml:"namer"`
	Anthropic   AnthropicConfig `mapstructure:"anthropic" yaml:"anthropic"`
	Log         LogConfig       `mapstructure:"log" yaml:"log"`
}

// ServerConfig holds the HTTP control surface settings.
type ServerConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// DefaultsConfig holds values applied to loops that leave them unset.
type DefaultsConfig struct {
	MaxIterations int    `mapstructure:"max_iterations" yaml:"max_iterations"`
	BaseBranch    string `mapstructure:"base_branch" yaml:"base_branch"`
	Backend       string `mapstructure:"backend" yaml:"backend"`
	Remote        string `mapstructure:"remote" yaml:"remote"`
	ScaffoldDir   string `mapstructure:"scaffold_dir" yaml:"scaffold_dir"`
}

// AgentConfig describes how backends reach the agent.
type AgentConfig struct {
	// Command and Args launch the stdio agent for the acp backend.
	Command string   `mapstructure:"command" yaml:"command"`
	Args    []string `mapstructure:"args" yaml:"args"`
	// ServerURL is the agent server for the opencode backend.
	ServerURL string `mapstructure:"server_url" yaml:"server_url"`
	// PermissionDecision answers every permission request (once, always, reject).
	PermissionDecision   string        `mapstructure:"permission_decision" yaml:"permission_decision"`
	MaxConsecutiveErrors int           `mapstructure:"max_consecutive_errors" yaml:"max_consecutive_errors"`
	TurnTimeout          time.Duration `mapstructure:"turn_timeout" yaml:"turn_timeout"`
}

// NamerConfig selects how loop names are generated.
type NamerConfig struct {
	// Provider is backend, anthropic or none.
	Provider string        `mapstructure:"provider" yaml:"provider"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// AnthropicConfig holds Anthropic API settings used by the anthropic namer.
type AnthropicConfig struct {
	APIKey     string `mapstructure:"api_key" yaml:"api_key"`
	Model      string `mapstructure:"model" yaml:"model"`
	UseBedrock bool   `mapstructure:"use_bedrock" yaml:"use_bedrock"`
	AWSRegion  string `mapstructure:"aws_region" yaml:"aws_region"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	File   string `mapstructure:"file" yaml:"file"`
}

// Namer providers.
const (
	NamerBackend   = "backend"
	NamerAnthropic = "anthropic"
	NamerNone      = "none"
)

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (LOOPD_*, ANTHROPIC_API_KEY)
// 2. Project config (.loopd.yaml in current directory or parent)
// 3. User config (~/.config/loopd/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := newViper()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading project config %s: %w", projectConfig, err)
		}
		if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	return unmarshal(v)
}

// LoadFromPath loads configuration from a specific path, still honouring
// environment overrides.
func LoadFromPath(path string) (*Config, error) {
	v := newViper()

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	return unmarshal(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("anthropic.api_key", "ANTHROPIC_API_KEY", EnvPrefix+"_ANTHROPIC_API_KEY")
	return v
}

func unmarshal(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)
	cfg.DataDir = expandHome(cfg.DataDir)
	cfg.WorktreeDir = expandHome(cfg.WorktreeDir)
	cfg.Log.File = expandHome(cfg.Log.File)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks enumerated and numeric settings.
func (c *Config) Validate() error {
	if c.Defaults.MaxIterations < 0 {
		return fmt.Errorf("defaults.max_iterations must be >= 0, got %d", c.Defaults.MaxIterations)
	}
	if c.Agent.MaxConsecutiveErrors < 0 {
		return fmt.Errorf("agent.max_consecutive_errors must be >= 0, got %d", c.Agent.MaxConsecutiveErrors)
	}
	switch c.Agent.PermissionDecision {
	case "once", "always", "reject":
	default:
		return fmt.Errorf("agent.permission_decision must be once, always or reject, got %q", c.Agent.PermissionDecision)
	}
	switch c.Namer.Provider {
	case NamerBackend, NamerAnthropic, NamerNone:
	default:
		return fmt.Errorf("namer.provider must be backend, anthropic or none, got %q", c.Namer.Provider)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}
	return nil
}

// Save writes the configuration to the user config file.
func Save(cfg *Config) error {
	return SaveTo(GetUserConfigPath(), cfg)
}

// SaveTo writes the configuration to path.
func SaveTo(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(path)

	v.Set("server.addr", cfg.Server.Addr)
	v.Set("data_dir", cfg.DataDir)
	v.Set("worktree_dir", cfg.WorktreeDir)
	v.Set("defaults.max_iterations", cfg.Defaults.MaxIterations)
	v.Set("defaults.base_branch", cfg.Defaults.BaseBranch)
	v.Set("defaults.backend", cfg.Defaults.Backend)
	v.Set("defaults.remote", cfg.Defaults.Remote)
	v.Set("defaults.scaffold_dir", cfg.Defaults.ScaffoldDir)
	v.Set("agent.command", cfg.Agent.Command)
	v.Set("agent.args", cfg.Agent.Args)
	v.Set("agent.server_url", cfg.Agent.ServerURL)
	v.Set("agent.permission_decision", cfg.Agent.PermissionDecision)
	v.Set("agent.max_consecutive_errors", cfg.Agent.MaxConsecutiveErrors)
	v.Set("agent.turn_timeout", cfg.Agent.TurnTimeout.String())
	v.Set("namer.provider", cfg.Namer.Provider)
	v.Set("namer.timeout", cfg.Namer.Timeout.String())
	v.Set("anthropic.api_key", cfg.Anthropic.APIKey)
	v.Set("anthropic.model", cfg.Anthropic.Model)
	v.Set("anthropic.use_bedrock", cfg.Anthropic.UseBedrock)
	v.Set("anthropic.aws_region", cfg.Anthropic.AWSRegion)
	v.Set("log.level", cfg.Log.Level)
	v.Set("log.format", cfg.Log.Format)
	v.Set("log.file", cfg.Log.File)

	return v.WriteConfigAs(path)
}

// Keys returns every configuration key in sorted order.
func Keys() []string {
	v := viper.New()
	setDefaults(v)
	keys := v.AllKeys()
	slices.Sort(keys)
	return keys
}

// SetValue sets one key in the config file at path, leaving the other keys of
// that file untouched.
func SetValue(path, key, value string) error {
	key = strings.ToLower(key)
	if !slices.Contains(Keys(), key) {
		return fmt.Errorf("unknown config key %q", key)
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.Is(err, os.ErrNotExist) && !errors.As(err, &notFound) {
			return fmt.Errorf("reading config from %s: %w", path, err)
		}
	}

	v.Set(key, value)
	check := newViper()
	if err := check.MergeConfigMap(v.AllSettings()); err != nil {
		return fmt.Errorf("merging config: %w", err)
	}
	if _, err := unmarshal(check); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	return v.WriteConfigAs(path)
}

// Render returns cfg as YAML with the API key masked.
func Render(cfg *Config) ([]byte, error) {
	shown := *cfg
	if shown.Anthropic.APIKey != "" {
		shown.Anthropic.APIKey = MaskAPIKey(shown.Anthropic.APIKey)
	}
	return yaml.Marshal(&shown)
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// DBPath returns the state database location.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "loopd.db")
}

// ControlDir returns the directory watched for control files.
func (c *Config) ControlDir() string {
	return filepath.Join(c.DataDir, "control")
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", "127.0.0.1:7777")
	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("worktree_dir", "")

	// Loop defaults
	v.SetDefault("defaults.max_iterations", 20)
	v.SetDefault("defaults.base_branch", "main")
	v.SetDefault("defaults.backend", "acp")
	v.SetDefault("defaults.remote", "origin")
	v.SetDefault("defaults.scaffold_dir", ".planning")

	// Agent defaults
	v.SetDefault("agent.command", "claude-code-acp")
	v.SetDefault("agent.args", []string{})
	v.SetDefault("agent.server_url", "http://127.0.0.1:4096")
	v.SetDefault("agent.permission_decision", "always")
	v.SetDefault("agent.max_consecutive_errors", 3)
	v.SetDefault("agent.turn_timeout", "30m")

	v.SetDefault("namer.provider", NamerBackend)
	v.SetDefault("namer.timeout", "10s")

	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.model", "")
	v.SetDefault("anthropic.use_bedrock", false)
	v.SetDefault("anthropic.aws_region", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")
}

// getUserConfigDir returns the XDG config directory for loopd.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "loopd")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "loopd")
	}
	return filepath.Join(home, ".config", "loopd")
}

// defaultDataDir returns the XDG data directory for loopd.
func defaultDataDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "loopd")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".local", "share", "loopd")
	}
	return filepath.Join(home, ".local", "share", "loopd")
}

// findProjectConfig searches for .loopd.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ProjectConfigName)
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

// expandEnv expands ${VAR} references in a string.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Server:  ServerConfig{Addr: "127.0.0.1:7777"},
		DataDir: defaultDataDir(),
		Defaults: DefaultsConfig{
			MaxIterations: 20,
			BaseBranch:    "main",
			Backend:       "acp",
			Remote:        "origin",
			ScaffoldDir:   ".planning",
		},
		Agent: AgentConfig{
			Command:              "claude-code-acp",
			Args:                 []string{},
			ServerURL:            "http://127.0.0.1:4096",
			PermissionDecision:   "always",
			MaxConsecutiveErrors: 3,
			TurnTimeout:          30 * time.Minute,
		},
		Namer: NamerConfig{
			Provider: NamerBackend,
			Timeout:  10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}
