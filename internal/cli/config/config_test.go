package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileIsNil(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg != nil {
		t.Fatalf("cfg = %+v, want nil", cfg)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config")
	in := &Config{
		CurrentProfile: "default",
		Profiles: map[string]*Profile{
			"default": {
				GPUType:        "NVIDIA RTX A5000",
				GPUCount:       2,
				MaxCostPerHour: 1.5,
				HistoryDir:     "~/chats",
			},
		},
	}
	if err := in.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("perm = %o, want 600", perm)
	}

	out, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	prof, name, err := out.Resolve("")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if name != "default" {
		t.Fatalf("name = %q", name)
	}
	if prof.GPUType != "NVIDIA RTX A5000" || prof.GPUCount != 2 || prof.MaxCostPerHour != 1.5 {
		t.Fatalf("profile = %+v", prof)
	}
}

func TestResolveExplicitAndMissing(t *testing.T) {
	cfg := &Config{
		CurrentProfile: "a",
		Profiles:       map[string]*Profile{"a": {}, "b": {GPUType: "NVIDIA A40"}},
	}
	prof, name, err := cfg.Resolve("b")
	if err != nil || name != "b" || prof.GPUType != "NVIDIA A40" {
		t.Fatalf("resolve b: %v %q %+v", err, name, prof)
	}
	_, _, err = cfg.Resolve("missing")
	if !errors.Is(err, ErrProfileNotFound) {
		t.Fatalf("err = %v, want ErrProfileNotFound", err)
	}

	var nilCfg *Config
	prof, name, err = nilCfg.Resolve("")
	if err != nil || prof != nil || name != "" {
		t.Fatalf("nil config resolve: %v %q %+v", err, name, prof)
	}
}

func TestFromEnvReadsOverrides(t *testing.T) {
	t.Setenv("RUNPOD_API_KEY", "rk-test")
	t.Setenv("PODCHAT_GPU_TYPE", "NVIDIA A100 80GB PCIe")
	t.Setenv("PODCHAT_GPU_COUNT", "4")
	t.Setenv("PODCHAT_MAX_COST", "2.50")
	t.Setenv("PODCHAT_DISABLE_HISTORY", "yes")

	env := FromEnv()
	if env.APIKey != "rk-test" {
		t.Fatalf("api key = %q", env.APIKey)
	}
	if env.GPUType != "NVIDIA A100 80GB PCIe" || env.GPUCount != 4 {
		t.Fatalf("gpu = %q x%d", env.GPUType, env.GPUCount)
	}
	if env.MaxCostPerHour != 2.5 {
		t.Fatalf("max cost = %v", env.MaxCostPerHour)
	}
	if !env.DisableHistory {
		t.Fatalf("disable history not set")
	}
}

func TestFromEnvIgnoresGarbage(t *testing.T) {
	t.Setenv("PODCHAT_GPU_COUNT", "minus two")
	t.Setenv("PODCHAT_MAX_COST", "-3")
	t.Setenv("PODCHAT_DISABLE_HISTORY", "maybe")

	env := FromEnv()
	if env.GPUCount != 0 || env.MaxCostPerHour != 0 || env.DisableHistory {
		t.Fatalf("env = %+v, want fallbacks", env)
	}
}

func TestDefaultPathsHonorEnv(t *testing.T) {
	home := t.TempDir()
	t.Setenv("PODCHAT_HOME", home)
	t.Setenv("PODCHAT_CONFIG", "")
	if got := DefaultConfigPath(); got != filepath.Join(home, "config") {
		t.Fatalf("config path = %q", got)
	}
	if got := DefaultHistoryDir(); got != filepath.Join(home, "history") {
		t.Fatalf("history dir = %q", got)
	}
	t.Setenv("PODCHAT_CONFIG", "/etc/podchat.yaml")
	if got := DefaultConfigPath(); got != "/etc/podchat.yaml" {
		t.Fatalf("config path override = %q", got)
	}
}
