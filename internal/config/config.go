// Package config loads server configuration from an optional YAML file with
// environment variable overrides. A missing file is not an error; defaults
// plus environment cover local development.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/apogee-dev/apogee-mcp/internal/session"
)

// Config holds everything the process needs at startup.
type Config struct {
	// HTTPPort is the listen port for the network transport.
	HTTPPort int `yaml:"http_port"`
	// JWTSecret signs and verifies bearer tokens. The default is only
	// suitable for local development.
	JWTSecret string `yaml:"jwt_secret"`
	// RepoDir is the working repository patches are applied to.
	RepoDir string `yaml:"repo_dir"`
	// DefaultRole is the role assumed by the stdio transport when
	// APOGEE_ROLE is unset.
	DefaultRole string `yaml:"default_role"`
	// Debug switches the logger to development output.
	Debug bool `yaml:"debug"`
}

// Default returns the development configuration.
func Default() Config {
	return Config{
		HTTPPort:    3001,
		JWTSecret:   "dev-secret-key",
		RepoDir:     ".",
		DefaultRole: string(session.RoleImplementer),
	}
}

// Load reads the YAML file at path (optional, "" skips the file), then
// applies environment overrides: APOGEE_PORT, APOGEE_JWT_SECRET,
// APOGEE_REPO_DIR, APOGEE_DEFAULT_ROLE, APOGEE_DEBUG.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// fall through to defaults + env
		case err != nil:
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if v := os.Getenv("APOGEE_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("APOGEE_PORT: %w", err)
		}
		cfg.HTTPPort = port
	}
	if v := os.Getenv("APOGEE_JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("APOGEE_REPO_DIR"); v != "" {
		cfg.RepoDir = v
	}
	if v := os.Getenv("APOGEE_DEFAULT_ROLE"); v != "" {
		cfg.DefaultRole = v
	}
	if v := os.Getenv("APOGEE_DEBUG"); v == "1" || v == "true" {
		cfg.Debug = true
	}

	if !session.AgentRole(cfg.DefaultRole).Valid() {
		return cfg, fmt.Errorf("default_role must be planner or implementer, got %q", cfg.DefaultRole)
	}
	return cfg, nil
}
