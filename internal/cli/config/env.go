package config

import (
	"os"
	"strconv"
	"strings"
)

// Env carries the environment overrides. Precedence is flag > env > profile;
// zero values here mean the variable was unset.
type Env struct {
	APIKey         string
	APIEndpoint    string
	HubEndpoint    string
	GPUType        string
	GPUCount       int
	MaxCostPerHour float64
	SSHKeyPath     string
	DisableHistory bool
	Verbose        bool
}

func FromEnv() Env {
	return Env{
		APIKey:         strings.TrimSpace(os.Getenv("RUNPOD_API_KEY")),
		APIEndpoint:    strings.TrimSpace(os.Getenv("RUNPOD_API_ENDPOINT")),
		HubEndpoint:    strings.TrimSpace(os.Getenv("HF_ENDPOINT")),
		GPUType:        strings.TrimSpace(os.Getenv("PODCHAT_GPU_TYPE")),
		GPUCount:       parseIntEnv("PODCHAT_GPU_COUNT", 0),
		MaxCostPerHour: parseFloatEnv("PODCHAT_MAX_COST", 0),
		SSHKeyPath:     strings.TrimSpace(os.Getenv("PODCHAT_SSH_KEY")),
		DisableHistory: parseBoolEnv("PODCHAT_DISABLE_HISTORY", false),
		Verbose:        parseBoolEnv("PODCHAT_VERBOSE", false),
	}
}

func parseBoolEnv(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	switch strings.ToLower(v) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func parseIntEnv(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func parseFloatEnv(key string, fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return fallback
	}
	return f
}
