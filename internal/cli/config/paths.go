package config

import (
	"os"
	"path/filepath"
)

func DefaultConfigDir() string {
	if v := os.Getenv("PODCHAT_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".podchat")
}

func DefaultConfigPath() string {
	if v := os.Getenv("PODCHAT_CONFIG"); v != "" {
		return v
	}
	return filepath.Join(DefaultConfigDir(), "config")
}

func DefaultHistoryDir() string {
	return filepath.Join(DefaultConfigDir(), "history")
}
