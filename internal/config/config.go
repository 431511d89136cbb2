// Package config loads server settings from a .env file, an optional YAML
// file and the environment, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	BackendFirestore = "firestore"
	BackendMemory    = "memory"
)

type Config struct {
	Port       string `yaml:"port"`
	Backend    string `yaml:"backend"`
	ProjectID  string `yaml:"project_id"`
	DatabaseID string `yaml:"database_id"`

	LineChannelToken  string `yaml:"line_channel_token"`
	LineChannelSecret string `yaml:"line_channel_secret"`

	// JWTSecret enables HS256 bearer tokens for identity. Without it the
	// X-User-ID and X-User-Email headers set by an upstream proxy are trusted.
	JWTSecret string `yaml:"jwt_secret"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

func Default() Config {
	return Config{
		Port:      "8080",
		Backend:   BackendFirestore,
		LogLevel:  "info",
		LogFormat: "json",
	}
}

// LoadDotEnv loads .env into the process environment. It reports false when
// there is no .env file, which is not an error.
func LoadDotEnv() bool {
	return godotenv.Load() == nil
}

// Load builds the configuration from defaults, the YAML file at path (if
// path is not empty) and environment variables.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	for env, field := range map[string]*string{
		"PORT":                 &c.Port,
		"GOOGLE_CLOUD_PROJECT": &c.ProjectID,
		"FIRESTORE_DATABASE":   &c.DatabaseID,
		"LINE_CHANNEL_TOKEN":   &c.LineChannelToken,
		"LINE_CHANNEL_SECRET":  &c.LineChannelSecret,
		"LISTSYNC_BACKEND":     &c.Backend,
		"LISTSYNC_JWT_SECRET":  &c.JWTSecret,
		"LISTSYNC_LOG_LEVEL":   &c.LogLevel,
		"LISTSYNC_LOG_FORMAT":  &c.LogFormat,
	} {
		if v := os.Getenv(env); v != "" {
			*field = v
		}
	}
}

func (c Config) Validate() error {
	switch c.Backend {
	case BackendFirestore:
		if c.ProjectID == "" {
			return errors.New("GOOGLE_CLOUD_PROJECT environment variable is required")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.LineChannelToken != "" && c.LineChannelSecret == "" {
		return errors.New("LINE_CHANNEL_SECRET is required when LINE_CHANNEL_TOKEN is set")
	}
	if c.Port == "" {
		return errors.New("port is required")
	}
	return nil
}

// LineEnabled reports whether the LINE webhook should be mounted.
func (c Config) LineEnabled() bool {
	return c.LineChannelToken != ""
}
