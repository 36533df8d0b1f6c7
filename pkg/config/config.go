// Package config provides configuration loading and deployment policy for
// agentdeck.
//
// The configuration is read exactly once at process start from a YAML file
// plus an environment overlay, and frozen into an immutable snapshot. Policy
// queries (allowed agents, deployment name) are pure functions of that
// snapshot; nothing in this package re-reads the environment after Load.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config file constants.
const (
	ConfigDir      = ".agentdeck"
	ConfigFilename = "config.yaml"
	SchemaVersion  = "1.0"

	// DefaultUserID is the identity used when the auth collaborator reports
	// no session (local/dev deployments).
	DefaultUserID = "local-user"
)

// Deployment carries process-wide policy flags.
type Deployment struct {
	// Name identifies this deployment in logs and the web API.
	Name string `yaml:"name"`
	// Restricted limits the deployment to a single agent type.
	Restricted bool `yaml:"restricted"`
	// RestrictedAgent is the only agent type allowed when Restricted is set.
	RestrictedAgent string `yaml:"restricted_agent"`
}

// Server holds the HTTP boundary settings.
type Server struct {
	ListenAddr    string `yaml:"listen_addr"`
	PrometheusURL string `yaml:"prometheus_url"`
}

// Storage holds filesystem layout settings.
type Storage struct {
	// DBPath is the sqlite database location, relative to the project dir
	// unless absolute.
	DBPath string `yaml:"db_path"`
	// WorktreeRoot is where isolated worktrees are materialized.
	WorktreeRoot string `yaml:"worktree_root"`
}

// Git holds external git invocation settings.
type Git struct {
	// OperationTimeout bounds every external git process.
	OperationTimeout time.Duration `yaml:"operation_timeout"`
}

// Terminal holds PTY session defaults.
type Terminal struct {
	Shell           string `yaml:"shell"`
	ScrollbackBytes int    `yaml:"scrollback_bytes"`
}

// Config is the immutable process-wide configuration snapshot.
// Construct it with Load and pass it by reference; never mutate it.
type Config struct {
	SchemaVersion string     `yaml:"schema_version"`
	Deployment    Deployment `yaml:"deployment"`
	Server        Server     `yaml:"server"`
	Storage       Storage    `yaml:"storage"`
	Git           Git        `yaml:"git"`
	Terminal      Terminal   `yaml:"terminal"`

	projectDir string
}

// Default returns the configuration used when no config file exists.
func Default(projectDir string) *Config {
	return &Config{
		SchemaVersion: SchemaVersion,
		Deployment: Deployment{
			Name:            "local",
			Restricted:      false,
			RestrictedAgent: "amazon-q",
		},
		Server: Server{
			ListenAddr: ":8480",
		},
		Storage: Storage{
			DBPath:       filepath.Join(ConfigDir, "agentdeck.db"),
			WorktreeRoot: filepath.Join(ConfigDir, "worktrees"),
		},
		Git: Git{
			OperationTimeout: 30 * time.Second,
		},
		Terminal: Terminal{
			Shell:           defaultShell(),
			ScrollbackBytes: 50 * 1024,
		},
		projectDir: projectDir,
	}
}

func defaultShell() string {
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	return "/bin/bash"
}

// Load reads <projectDir>/.agentdeck/config.yaml, applies the environment
// overlay, validates, and returns the frozen snapshot. A missing file is not
// an error; defaults apply.
func Load(projectDir string) (*Config, error) {
	cfg := Default(projectDir)

	path := filepath.Join(projectDir, ConfigDir, ConfigFilename)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// Defaults apply.
	default:
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg.projectDir = projectDir
	applyEnvOverlay(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverlay lets deployment environments override file settings
// without editing the file. Called only from Load.
func applyEnvOverlay(cfg *Config) {
	if v := os.Getenv("AGENTDECK_DEPLOYMENT_NAME"); v != "" {
		cfg.Deployment.Name = v
	}
	if v := os.Getenv("AGENTDECK_RESTRICTED"); v != "" {
		cfg.Deployment.Restricted = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("AGENTDECK_RESTRICTED_AGENT"); v != "" {
		cfg.Deployment.RestrictedAgent = v
	}
	if v := os.Getenv("AGENTDECK_LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv("PROMETHEUS_URL"); v != "" {
		cfg.Server.PrometheusURL = v
	}
	if v := os.Getenv("AGENTDECK_DB_PATH"); v != "" {
		cfg.Storage.DBPath = v
	}
	if v := os.Getenv("AGENTDECK_WORKTREE_ROOT"); v != "" {
		cfg.Storage.WorktreeRoot = v
	}
}

func (c *Config) validate() error {
	if c.Deployment.Name == "" {
		return fmt.Errorf("deployment.name must not be empty")
	}
	if c.Deployment.Restricted && c.Deployment.RestrictedAgent == "" {
		return fmt.Errorf("deployment.restricted_agent must be set when restricted mode is enabled")
	}
	if c.Git.OperationTimeout <= 0 {
		return fmt.Errorf("git.operation_timeout must be positive")
	}
	if c.Terminal.ScrollbackBytes <= 0 {
		return fmt.Errorf("terminal.scrollback_bytes must be positive")
	}
	return nil
}

// ProjectDir returns the directory Load was rooted at.
func (c *Config) ProjectDir() string {
	return c.projectDir
}

// AbsDBPath returns the sqlite path resolved against the project dir.
func (c *Config) AbsDBPath() string {
	return c.resolve(c.Storage.DBPath)
}

// AbsWorktreeRoot returns the worktree root resolved against the project dir.
func (c *Config) AbsWorktreeRoot() string {
	return c.resolve(c.Storage.WorktreeRoot)
}

func (c *Config) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.projectDir, p)
}

// IsAgentAllowed reports whether policy permits the given agent type.
// In restricted mode only the designated agent is permitted; otherwise all
// recognized types are.
func (c *Config) IsAgentAllowed(agentType string) bool {
	if !c.Deployment.Restricted {
		return true
	}
	return agentType == c.Deployment.RestrictedAgent
}

// Save writes the snapshot back to <projectDir>/.agentdeck/config.yaml.
// Used by the CLI init path, never by the running service.
func (c *Config) Save() error {
	dir := filepath.Join(c.projectDir, ConfigDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	path := filepath.Join(dir, ConfigFilename)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config %s: %w", path, err)
	}
	return nil
}
