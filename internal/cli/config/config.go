package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models the profile file: named parameter sets plus the one in use.
type Config struct {
	CurrentProfile string              `yaml:"currentProfile"`
	Profiles       map[string]*Profile `yaml:"profiles"`
}

// Profile holds per-setup defaults for a session. Zero values mean "not set";
// flags and environment variables override what is.
type Profile struct {
	GPUType        string  `yaml:"gpuType,omitempty"`
	GPUCount       int     `yaml:"gpuCount,omitempty"`
	DiskGB         int     `yaml:"diskGb,omitempty"`
	Image          string  `yaml:"image,omitempty"`
	MaxCostPerHour float64 `yaml:"maxCostPerHour,omitempty"`
	SSHKeyPath     string  `yaml:"sshKeyPath,omitempty"`
	UploadDir      string  `yaml:"uploadDir,omitempty"`
	OutputDir      string  `yaml:"outputDir,omitempty"`
	HistoryDir     string  `yaml:"historyDir,omitempty"`
	Quantize       bool    `yaml:"quantize,omitempty"`
	MaxTokens      int     `yaml:"maxTokens,omitempty"`
	Temperature    float64 `yaml:"temperature,omitempty"`
}

// ErrProfileNotFound indicates the requested profile is missing.
var ErrProfileNotFound = errors.New("profile not found")

// Load decodes the config file. Missing files return (nil, nil).
func Load(path string) (*Config, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, nil
	}
	expanded, err := expandPath(trimmed)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// Save writes the config to disk, creating parent directories if needed.
func (c *Config) Save(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("config path is required")
	}
	expanded, err := expandPath(path)
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(expanded, data, 0o600); err != nil {
		return err
	}
	return nil
}

// Resolve picks a profile either by explicit name or the currentProfile
// value. No name and no current profile resolves to (nil, "", nil).
func (c *Config) Resolve(name string) (*Profile, string, error) {
	if c == nil {
		return nil, "", nil
	}
	profName := strings.TrimSpace(name)
	if profName == "" {
		profName = c.CurrentProfile
	}
	if profName == "" {
		return nil, "", nil
	}
	prof, ok := c.Profiles[profName]
	if !ok {
		return nil, profName, fmt.Errorf("%w: %s", ErrProfileNotFound, profName)
	}
	return prof, profName, nil
}

func expandPath(path string) (string, error) {
	switch {
	case strings.HasPrefix(path, "~/"):
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[2:]), nil
	case path == "~":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return home, nil
	case filepath.IsAbs(path):
		return path, nil
	default:
		cwd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		return filepath.Join(cwd, path), nil
	}
}
