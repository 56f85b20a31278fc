package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// isolate points every config location at a fresh temp dir.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))
	t.Setenv("ANTHROPIC_API_KEY", "")
	work := filepath.Join(dir, "work")
	if err := os.MkdirAll(work, 0755); err != nil {
		t.Fatal(err)
	}
	t.Chdir(work)
	return dir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Server.Addr != "127.0.0.1:7777" {
		t.Errorf("expected default addr 127.0.0.1:7777, got %q", cfg.Server.Addr)
	}
	if cfg.Defaults.MaxIterations != 20 {
		t.Errorf("expected max_iterations 20, got %d", cfg.Defaults.MaxIterations)
	}
	if cfg.Defaults.BaseBranch != "main" || cfg.Defaults.Backend != "acp" || cfg.Defaults.Remote != "origin" {
		t.Errorf("unexpected loop defaults: %+v", cfg.Defaults)
	}
	if cfg.Agent.PermissionDecision != "always" {
		t.Errorf("expected permission decision always, got %q", cfg.Agent.PermissionDecision)
	}
	if cfg.Namer.Timeout != 10*time.Second {
		t.Errorf("expected namer timeout 10s, got %v", cfg.Namer.Timeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoadDefaultsMatchDefault(t *testing.T) {
	isolate(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	def := Default()
	if cfg.Defaults != def.Defaults {
		t.Errorf("defaults = %+v, want %+v", cfg.Defaults, def.Defaults)
	}
	if cfg.Agent.TurnTimeout != def.Agent.TurnTimeout || cfg.Agent.Command != def.Agent.Command {
		t.Errorf("agent = %+v, want %+v", cfg.Agent, def.Agent)
	}
	if cfg.DataDir != def.DataDir {
		t.Errorf("data_dir = %q, want %q", cfg.DataDir, def.DataDir)
	}
}

func TestLoadFromPath(t *testing.T) {
	isolate(t)
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, configPath, `
server:
  addr: 127.0.0.1:9000
defaults:
  max_iterations: 5
  backend: opencode
agent:
  args: ["--verbose"]
  turn_timeout: 2m
namer:
  provider: none
  timeout: 3s
log:
  level: debug
  format: json
`)

	cfg, err := LoadFromPath(configPath)
	if err != nil {
		t.Fatalf("LoadFromPath() error: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:9000" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Defaults.MaxIterations != 5 || cfg.Defaults.Backend != "opencode" {
		t.Errorf("defaults = %+v", cfg.Defaults)
	}
	if cfg.Defaults.BaseBranch != "main" {
		t.Errorf("unset keys should keep defaults, base_branch = %q", cfg.Defaults.BaseBranch)
	}
	if len(cfg.Agent.Args) != 1 || cfg.Agent.Args[0] != "--verbose" {
		t.Errorf("args = %v", cfg.Agent.Args)
	}
	if cfg.Agent.TurnTimeout != 2*time.Minute || cfg.Namer.Timeout != 3*time.Second {
		t.Errorf("durations = %v, %v", cfg.Agent.TurnTimeout, cfg.Namer.Timeout)
	}
	if cfg.Namer.Provider != NamerNone || cfg.Log.Format != "json" {
		t.Errorf("namer/log = %+v %+v", cfg.Namer, cfg.Log)
	}
}

func TestLoadFromPathRejectsInvalid(t *testing.T) {
	isolate(t)
	tests := []struct {
		name    string
		content string
	}{
		{"negative iterations", "defaults:\n  max_iterations: -1\n"},
		{"bad decision", "agent:\n  permission_decision: maybe\n"},
		{"bad provider", "namer:\n  provider: openai\n"},
		{"bad format", "log:\n  format: xml\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			writeFile(t, path, tt.content)
			if _, err := LoadFromPath(path); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadPrecedence(t *testing.T) {
	dir := isolate(t)
	writeFile(t, filepath.Join(dir, "config", "loopd", "config.yaml"), `
defaults:
  max_iterations: 7
  base_branch: develop
  remote: upstream
`)
	// Project config lives in a parent of the working directory.
	writeFile(t, filepath.Join(dir, ProjectConfigName), `
defaults:
  base_branch: trunk
`)
	t.Setenv("LOOPD_DEFAULTS_REMOTE", "fork")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Defaults.MaxIterations != 7 {
		t.Errorf("user config not applied: max_iterations = %d", cfg.Defaults.MaxIterations)
	}
	if cfg.Defaults.BaseBranch != "trunk" {
		t.Errorf("project config should override user config: base_branch = %q", cfg.Defaults.BaseBranch)
	}
	if cfg.Defaults.Remote != "fork" {
		t.Errorf("env should override files: remote = %q", cfg.Defaults.Remote)
	}
	if got := GetProjectConfigPath(); got != filepath.Join(dir, ProjectConfigName) {
		t.Errorf("GetProjectConfigPath() = %q", got)
	}
}

func TestLoadAPIKeyFromEnv(t *testing.T) {
	isolate(t)
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-from-environment")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Anthropic.APIKey != "sk-ant-from-environment" {
		t.Errorf("api_key = %q", cfg.Anthropic.APIKey)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	isolate(t)

	cfg := Default()
	cfg.Defaults.MaxIterations = 12
	cfg.Agent.Args = []string{"--a", "--b"}
	cfg.Agent.TurnTimeout = 90 * time.Second
	cfg.Namer.Provider = NamerAnthropic

	if err := Save(cfg); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	if _, err := os.Stat(GetUserConfigPath()); err != nil {
		t.Fatalf("user config not written: %v", err)
	}

	loaded, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if loaded.Defaults.MaxIterations != 12 {
		t.Errorf("max_iterations = %d", loaded.Defaults.MaxIterations)
	}
	if len(loaded.Agent.Args) != 2 || loaded.Agent.Args[1] != "--b" {
		t.Errorf("args = %v", loaded.Agent.Args)
	}
	if loaded.Agent.TurnTimeout != 90*time.Second {
		t.Errorf("turn_timeout = %v", loaded.Agent.TurnTimeout)
	}
	if loaded.Namer.Provider != NamerAnthropic {
		t.Errorf("provider = %q", loaded.Namer.Provider)
	}
}

func TestSetValue(t *testing.T) {
	isolate(t)
	path := GetUserConfigPath()

	if err := SetValue(path, "defaults.max_iterations", "9"); err != nil {
		t.Fatalf("SetValue() error: %v", err)
	}
	if err := SetValue(path, "log.level", "debug"); err != nil {
		t.Fatalf("SetValue() error: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Defaults.MaxIterations != 9 || cfg.Log.Level != "debug" {
		t.Errorf("values not persisted: %d %q", cfg.Defaults.MaxIterations, cfg.Log.Level)
	}

	if err := SetValue(path, "defaults.tier", "scout"); err == nil {
		t.Error("expected error for unknown key")
	}
	if err := SetValue(path, "namer.provider", "openai"); err == nil {
		t.Error("expected error for invalid value")
	}
}

func TestKeys(t *testing.T) {
	keys := Keys()
	for _, want := range []string{"server.addr", "defaults.max_iterations", "agent.command", "namer.provider", "anthropic.use_bedrock", "log.file"} {
		found := false
		for _, k := range keys {
			if k == want {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("Keys() missing %q", want)
		}
	}
}

func TestRenderMasksAPIKey(t *testing.T) {
	cfg := Default()
	cfg.Anthropic.APIKey = "sk-ant-REDACTED"

	out, err := Render(cfg)
	if err != nil {
		t.Fatalf("Render() error: %v", err)
	}
	text := string(out)
	if strings.Contains(text, "abcdefghijklmnop") {
		t.Error("rendered config leaks the API key")
	}
	if !strings.Contains(text, "sk-ant-...wxyz") {
		t.Errorf("rendered config missing masked key:\n%s", text)
	}
	if !strings.Contains(text, "max_iterations: 20") {
		t.Errorf("rendered config missing defaults:\n%s", text)
	}
	if cfg.Anthropic.APIKey != "sk-ant-REDACTED" {
		t.Error("Render modified its argument")
	}
}
