package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("BOLTSHELL_PORT", "")
	t.Setenv("BOLTSHELL_CONFIG", "")
	t.Setenv("BOLTSHELL_SECRETS_ARN", "")
	t.Setenv("BOLTSHELL_MAX_SESSIONS", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Port)
	}
	if cfg.MaxSessions != 3 {
		t.Errorf("expected 3 sessions, got %d", cfg.MaxSessions)
	}
	if cfg.CommandTimeout != 15*time.Second {
		t.Errorf("expected 15s command timeout, got %s", cfg.CommandTimeout)
	}
	if cfg.ShellPath != "/bin/bash" {
		t.Errorf("expected /bin/bash, got %s", cfg.ShellPath)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("BOLTSHELL_CONFIG", "")
	t.Setenv("BOLTSHELL_SECRETS_ARN", "")
	t.Setenv("BOLTSHELL_PORT", "9999")
	t.Setenv("BOLTSHELL_API_KEY", "test-key")
	t.Setenv("BOLTSHELL_COMMAND_TIMEOUT", "30")
	t.Setenv("BOLTSHELL_IDLE_TIMEOUT", "2m")
	t.Setenv("BOLTSHELL_WATCH_FILES", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Port != 9999 {
		t.Errorf("expected port 9999, got %d", cfg.Port)
	}
	if cfg.APIKey != "test-key" {
		t.Errorf("expected API key test-key, got %s", cfg.APIKey)
	}
	if cfg.CommandTimeout != 30*time.Second {
		t.Errorf("expected bare seconds to parse, got %s", cfg.CommandTimeout)
	}
	if cfg.IdleTimeout != 2*time.Minute {
		t.Errorf("expected 2m idle timeout, got %s", cfg.IdleTimeout)
	}
	if cfg.WatchFiles {
		t.Error("expected file watching disabled")
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "boltshell.yaml")
	yaml := "port: 7000\nai_model: local-model\nmax_sessions: 5\ncommand_timeout: 45s\n"
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("BOLTSHELL_CONFIG", path)
	t.Setenv("BOLTSHELL_SECRETS_ARN", "")
	t.Setenv("BOLTSHELL_PORT", "")
	t.Setenv("BOLTSHELL_MAX_SESSIONS", "4")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Port != 7000 {
		t.Errorf("expected port from file, got %d", cfg.Port)
	}
	if cfg.AIModel != "local-model" {
		t.Errorf("expected model from file, got %s", cfg.AIModel)
	}
	if cfg.MaxSessions != 4 {
		t.Errorf("expected env to override file, got %d", cfg.MaxSessions)
	}
	if cfg.CommandTimeout != 45*time.Second {
		t.Errorf("expected 45s from file, got %s", cfg.CommandTimeout)
	}
}

func TestLoadInvalid(t *testing.T) {
	t.Setenv("BOLTSHELL_CONFIG", "")
	t.Setenv("BOLTSHELL_SECRETS_ARN", "")

	t.Setenv("BOLTSHELL_PORT", "not-a-number")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid port, got nil")
	}

	t.Setenv("BOLTSHELL_PORT", "")
	t.Setenv("BOLTSHELL_MAX_SESSIONS", "0")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for zero sessions, got nil")
	}

	t.Setenv("BOLTSHELL_MAX_SESSIONS", "")
	t.Setenv("BOLTSHELL_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing config file, got nil")
	}
}

func TestApplySecretsKeepsEnv(t *testing.T) {
	t.Setenv("BOLTSHELL_JWT_SECRET", "from-env")
	t.Setenv("BOLTSHELL_AI_API_KEY", "")

	err := applySecrets(`{"BOLTSHELL_JWT_SECRET":"from-secret","BOLTSHELL_AI_API_KEY":"sk-secret"}`)
	if err != nil {
		t.Fatal(err)
	}
	if got := os.Getenv("BOLTSHELL_JWT_SECRET"); got != "from-env" {
		t.Errorf("expected env to win, got %s", got)
	}
	if got := os.Getenv("BOLTSHELL_AI_API_KEY"); got != "sk-secret" {
		t.Errorf("expected secret to fill unset var, got %s", got)
	}

	if err := applySecrets("not json"); err == nil {
		t.Error("expected parse error")
	}
}
