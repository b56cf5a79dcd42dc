// Package config provides configuration management for Sylas.
// Configuration is read from config.json in the Sylas home directory,
// with SYLAS_* environment variables taking precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Sylas.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Repositories []RepositoryConfig `mapstructure:"repositories"`
	Runners      RunnerDefaults     `mapstructure:"runners"`

	// GlobalSetupScript is invoked after workspace creation.
	GlobalSetupScript string `mapstructure:"global_setup_script"`

	// LabelRoles maps issue labels (case-insensitive) to procedure names,
	// bypassing AI classification.
	LabelRoles map[string]string `mapstructure:"labelRoles"`

	// UserAccessControl restricts which tracker users may trigger sessions.
	UserAccessControl AccessControl `mapstructure:"userAccessControl"`

	// Home is the Sylas home directory (state.json, logs/). Not read from the
	// config file itself; resolved at load time.
	Home string `mapstructure:"-"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port         int    `mapstructure:"port"`
	HostExternal bool   `mapstructure:"hostExternal"` // true binds 0.0.0.0
	BaseURL      string `mapstructure:"baseUrl"`      // public URL for webhook registration
	APIKey       string `mapstructure:"apiKey"`       // bearer secret for proxy-mode verification
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// RepositoryConfig describes one repository Sylas can route sessions to.
type RepositoryConfig struct {
	ID               string            `mapstructure:"id" json:"id"`
	Name             string            `mapstructure:"name" json:"name"`
	Path             string            `mapstructure:"path" json:"path"`
	BaseBranch       string            `mapstructure:"baseBranch" json:"baseBranch"`
	WorkspaceBaseDir string            `mapstructure:"workspaceBaseDir" json:"workspaceBaseDir"`
	CredentialsID    string            `mapstructure:"credentials" json:"credentials"`
	Active           *bool             `mapstructure:"active" json:"active,omitempty"`
	AllowedTools     []string          `mapstructure:"allowedTools" json:"allowedTools,omitempty"`
	DisallowedTools  []string          `mapstructure:"disallowedTools" json:"disallowedTools,omitempty"`
	LabelPrompts     map[string]string `mapstructure:"labelPrompts" json:"labelPrompts,omitempty"`
	AccessControl    *AccessControl    `mapstructure:"userAccessControl" json:"userAccessControl,omitempty"`
}

// IsActive reports whether the repository accepts new sessions.
// Repositories are active unless explicitly disabled.
func (r *RepositoryConfig) IsActive() bool {
	return r.Active == nil || *r.Active
}

// AccessControl is an allow/deny list keyed by tracker user id.
// An empty allow list permits everyone not denied.
type AccessControl struct {
	Allow []string `mapstructure:"allow" json:"allow,omitempty"`
	Deny  []string `mapstructure:"deny" json:"deny,omitempty"`
}

// Permits reports whether the given tracker user may trigger sessions.
func (a *AccessControl) Permits(userID string) bool {
	if a == nil {
		return true
	}
	for _, id := range a.Deny {
		if id == userID {
			return false
		}
	}
	if len(a.Allow) == 0 {
		return true
	}
	for _, id := range a.Allow {
		if id == userID {
			return true
		}
	}
	return false
}

// RunnerDefaults holds default model selection per runner type.
type RunnerDefaults struct {
	// Default names the runner type used when nothing selects one.
	Default string `mapstructure:"default"`

	ClaudeDefaultModel         string `mapstructure:"claudeDefaultModel"`
	ClaudeDefaultFallbackModel string `mapstructure:"claudeDefaultFallbackModel"`
	GeminiDefaultModel         string `mapstructure:"geminiDefaultModel"`
	CodexDefaultModel          string `mapstructure:"codexDefaultModel"`
	CursorDefaultModel         string `mapstructure:"cursorDefaultModel"`
	OpencodeDefaultModel       string `mapstructure:"opencodeDefaultModel"`

	// Comma-separated process-wide tool list overrides.
	AllowedTools    string `mapstructure:"allowedTools"`
	DisallowedTools string `mapstructure:"disallowedTools"`
}

// DefaultModel returns the configured default model for a runner type name,
// or "" when none is set.
func (r *RunnerDefaults) DefaultModel(runnerType string) string {
	switch runnerType {
	case "claude":
		return r.ClaudeDefaultModel
	case "gemini":
		return r.GeminiDefaultModel
	case "codex":
		return r.CodexDefaultModel
	case "cursor":
		return r.CursorDefaultModel
	case "opencode":
		return r.OpencodeDefaultModel
	}
	return ""
}

// AllowedToolList returns the process-wide allowed-tools override, split.
func (r *RunnerDefaults) AllowedToolList() []string {
	return splitToolList(r.AllowedTools)
}

// DisallowedToolList returns the process-wide disallowed-tools override, split.
func (r *RunnerDefaults) DisallowedToolList() []string {
	return splitToolList(r.DisallowedTools)
}

func splitToolList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// BindAddr returns the listen address derived from port and external flag.
func (s *ServerConfig) BindAddr() string {
	host := "127.0.0.1"
	if s.HostExternal {
		host = "0.0.0.0"
	}
	return fmt.Sprintf("%s:%d", host, s.Port)
}

// DefaultHome returns the default Sylas home directory (~/.sylas).
func DefaultHome() string {
	if home := os.Getenv("SYLAS_HOME"); home != "" {
		return home
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		return ".sylas"
	}
	return filepath.Join(userHome, ".sylas")
}

// Load reads configuration from the default Sylas home directory.
func Load() (*Config, error) {
	return LoadWithHome(DefaultHome())
}

// LoadWithHome reads configuration from config.json under the given home dir.
// A missing config file is not an error; env vars and defaults still apply.
func LoadWithHome(home string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("SYLAS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings where env var naming differs from config key naming.
	_ = v.BindEnv("server.port", "SYLAS_SERVER_PORT")
	_ = v.BindEnv("server.hostExternal", "SYLAS_HOST_EXTERNAL")
	_ = v.BindEnv("server.baseUrl", "SYLAS_BASE_URL")
	_ = v.BindEnv("server.apiKey", "SYLAS_API_KEY")
	_ = v.BindEnv("runners.default", "SYLAS_DEFAULT_RUNNER")
	_ = v.BindEnv("runners.claudeDefaultModel", "SYLAS_CLAUDE_DEFAULT_MODEL")
	_ = v.BindEnv("runners.claudeDefaultFallbackModel", "SYLAS_CLAUDE_DEFAULT_FALLBACK_MODEL")
	_ = v.BindEnv("runners.geminiDefaultModel", "SYLAS_GEMINI_DEFAULT_MODEL")
	_ = v.BindEnv("runners.codexDefaultModel", "SYLAS_CODEX_DEFAULT_MODEL")
	_ = v.BindEnv("runners.cursorDefaultModel", "SYLAS_CURSOR_DEFAULT_MODEL")
	_ = v.BindEnv("runners.opencodeDefaultModel", "SYLAS_OPENCODE_DEFAULT_MODEL")
	_ = v.BindEnv("runners.allowedTools", "ALLOWED_TOOLS")
	_ = v.BindEnv("runners.disallowedTools", "DISALLOWED_TOOLS")

	v.SetConfigName("config")
	v.SetConfigType("json")
	v.AddConfigPath(home)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	cfg.Home = home

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 3456)
	v.SetDefault("server.hostExternal", false)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "sylas")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "")

	v.SetDefault("runners.default", "claude")
	v.SetDefault("runners.claudeDefaultModel", "")
	v.SetDefault("runners.geminiDefaultModel", "")
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	seen := make(map[string]bool, len(cfg.Repositories))
	for i := range cfg.Repositories {
		repo := &cfg.Repositories[i]
		if repo.ID == "" {
			errs = append(errs, fmt.Sprintf("repositories[%d].id is required", i))
			continue
		}
		if seen[repo.ID] {
			errs = append(errs, fmt.Sprintf("repositories[%d].id %q is duplicated", i, repo.ID))
		}
		seen[repo.ID] = true
		if repo.Path == "" {
			errs = append(errs, fmt.Sprintf("repositories[%d].path is required", i))
		}
		if repo.BaseBranch == "" {
			repo.BaseBranch = "main"
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// StatePath returns the path of the persistence snapshot file.
func (c *Config) StatePath() string {
	return filepath.Join(c.Home, "state.json")
}

// LogDir returns the base directory for per-session log files.
func (c *Config) LogDir() string {
	return filepath.Join(c.Home, "logs")
}

// RepositoryByID returns the repository with the given id, or nil.
func (c *Config) RepositoryByID(id string) *RepositoryConfig {
	for i := range c.Repositories {
		if c.Repositories[i].ID == id {
			return &c.Repositories[i]
		}
	}
	return nil
}

// TunnelEnabled reports whether the Cloudflare tunnel should be started.
// The tunnel itself is managed outside the core.
func TunnelEnabled() bool {
	return os.Getenv("CLOUDFLARE_TOKEN") != ""
}
