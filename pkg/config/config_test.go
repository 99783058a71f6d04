package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 300*time.Second, cfg.CheckInterval)
	assert.Equal(t, 5, cfg.MaxFailures)
	assert.Equal(t, 4*time.Hour, cfg.ApprovalWindow)
	assert.Equal(t, 3, cfg.Remediation.MaxRetries)
	assert.False(t, cfg.Remediation.RemoveExtraResources)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFrom_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vahti.yaml")
	content := `
environment: staging
check_interval: 60s
approval_window: 2h
severity_threshold_for_auto_approve: none
webhook_url: https://hooks.example.com/x
runtime:
  type: kubernetes
  namespace: apps
remediation:
  max_retries: 5
storage:
  base_dir: ` + dir + `
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	v := viper.New()
	v.SetConfigFile(path)
	cfg, err := LoadFrom(v)
	require.NoError(t, err)

	assert.Equal(t, "staging", cfg.Environment)
	assert.Equal(t, time.Minute, cfg.CheckInterval)
	assert.Equal(t, 2*time.Hour, cfg.ApprovalWindow)
	assert.Equal(t, 5, cfg.MaxFailures, "missing optional fields keep defaults")
	assert.Equal(t, "none", cfg.SeverityThresholdForAutoApprove)
	assert.Equal(t, "kubernetes", cfg.Runtime.Type)
	assert.Equal(t, "apps", cfg.Runtime.Namespace)
	assert.Equal(t, 30*time.Second, cfg.Runtime.Timeout)
	assert.Equal(t, 5, cfg.Remediation.MaxRetries)
	assert.Equal(t, 3, cfg.Remediation.VerifyAttempts)
	assert.Equal(t, filepath.Join(dir, "vahti.db"), cfg.SQLitePath())
	assert.Equal(t, 3*time.Minute, cfg.StaleAfter())
	assert.NoError(t, cfg.Validate())
}

func TestLoadFrom_MissingExplicitFile(t *testing.T) {
	v := viper.New()
	v.SetConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := LoadFrom(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestValidateEnvironment(t *testing.T) {
	for _, name := range []string{"dev", "prod-eu.1", "team_a"} {
		assert.NoError(t, ValidateEnvironment(name), name)
	}
	for _, name := range []string{"", " ", "..", "../x", `a\b`, "-x"} {
		assert.Error(t, ValidateEnvironment(name), name)
	}
}

func TestLoadFrom_Env(t *testing.T) {
	t.Setenv("VAHTI_ENVIRONMENT", "prod")
	t.Setenv("VAHTI_MAX_FAILURES", "9")

	v := viper.New()
	v.AddConfigPath(t.TempDir())
	cfg, err := LoadFrom(v)
	require.NoError(t, err)
	assert.Equal(t, "prod", cfg.Environment)
	assert.Equal(t, 9, cfg.MaxFailures)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty environment", func(c *Config) { c.Environment = "" }},
		{"zero max failures", func(c *Config) { c.MaxFailures = 0 }},
		{"tiny interval", func(c *Config) { c.CheckInterval = time.Millisecond }},
		{"negative window", func(c *Config) { c.ApprovalWindow = -time.Hour }},
		{"unknown threshold", func(c *Config) { c.SeverityThresholdForAutoApprove = "severe" }},
		{"unknown runtime", func(c *Config) { c.Runtime.Type = "podman" }},
		{"unknown provider", func(c *Config) { c.Desired.Provider = "pulumi" }},
		{"unknown storage", func(c *Config) { c.Storage.Backend = "redis" }},
		{"unknown lock", func(c *Config) { c.Lock.Backend = "etcd" }},
		{"environment escapes directory", func(c *Config) { c.Environment = "../x" }},
		{"environment with separator", func(c *Config) { c.Environment = "prod/eu" }},
		{"hidden environment", func(c *Config) { c.Environment = ".dev" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestRuntimeDetector_Resolve(t *testing.T) {
	d := &RuntimeDetector{
		lookPath: func(string) (string, error) { return "", errors.New("not found") },
		getenv: func(key string) string {
			if key == "KUBERNETES_SERVICE_HOST" {
				return "10.0.0.1"
			}
			return ""
		},
	}

	assert.Equal(t, "kubernetes", d.Resolve(RuntimeConfig{Type: "auto"}))
	assert.Equal(t, "docker", d.Resolve(RuntimeConfig{Type: "docker"}))

	d.lookPath = func(string) (string, error) { return "/usr/bin/docker", nil }
	assert.Equal(t, "docker", d.Resolve(RuntimeConfig{Type: "auto"}))
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	got, err := expandPath("~/.vahti")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".vahti"), got)

	got, err = expandPath("/abs/path")
	require.NoError(t, err)
	assert.Equal(t, "/abs/path", got)
}
