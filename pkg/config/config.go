package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config represents the complete vahti configuration
type Config struct {
	Environment                     string        `mapstructure:"environment"`
	CheckInterval                   time.Duration `mapstructure:"check_interval"`
	MaxFailures                     int           `mapstructure:"max_failures"`
	ApprovalWindow                  time.Duration `mapstructure:"approval_window"`
	SeverityThresholdForAutoApprove string        `mapstructure:"severity_threshold_for_auto_approve"`
	WebhookURL                      string        `mapstructure:"webhook_url"`

	Runtime     RuntimeConfig     `mapstructure:"runtime"`
	Desired     DesiredConfig     `mapstructure:"desired"`
	Remediation RemediationConfig `mapstructure:"remediation"`
	Approval    ApprovalConfig    `mapstructure:"approval"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Lock        LockConfig        `mapstructure:"lock"`
	Notify      NotifyConfig      `mapstructure:"notify"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Output      OutputConfig      `mapstructure:"output"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	AI          AIConfig          `mapstructure:"ai"`
}

// RuntimeConfig selects and configures the container runtime
type RuntimeConfig struct {
	Type         string        `mapstructure:"type"`
	DockerBinary string        `mapstructure:"docker_binary"`
	Kubeconfig   string        `mapstructure:"kubeconfig"`
	Context      string        `mapstructure:"context"`
	Namespace    string        `mapstructure:"namespace"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// DesiredConfig selects and configures the desired-state provider
type DesiredConfig struct {
	Provider       string          `mapstructure:"provider"`
	ManifestPath   string          `mapstructure:"manifest_path"`
	ExpandReplicas bool            `mapstructure:"expand_replicas"`
	ApplyCommand   []string        `mapstructure:"apply_command"`
	ApplyTimeout   time.Duration   `mapstructure:"apply_timeout"`
	Terraform      TerraformConfig `mapstructure:"terraform"`
}

// TerraformConfig contains terraform provider configuration
type TerraformConfig struct {
	Dir      string `mapstructure:"dir"`
	Binary   string `mapstructure:"binary"`
	StateURL string `mapstructure:"state_url"`
}

// RemediationConfig contains executor policy
type RemediationConfig struct {
	PreferDirect         bool          `mapstructure:"prefer_direct"`
	RemoveExtraResources bool          `mapstructure:"remove_extra_resources"`
	MaxRetries           int           `mapstructure:"max_retries"`
	InitialBackoff       time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff           time.Duration `mapstructure:"max_backoff"`
	VerifyAttempts       int           `mapstructure:"verify_attempts"`
	VerifyDelay          time.Duration `mapstructure:"verify_delay"`
}

// ApprovalConfig contains approval workflow settings
type ApprovalConfig struct {
	Approvers   []string `mapstructure:"approvers"`
	SummaryTopN int      `mapstructure:"summary_top_n"`
}

// StorageConfig contains storage configuration
type StorageConfig struct {
	Backend    string `mapstructure:"backend"`
	BaseDir    string `mapstructure:"base_dir"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

// LockConfig configures the monitor liveness marker
type LockConfig struct {
	Backend       string        `mapstructure:"backend"`
	ConsulAddress string        `mapstructure:"consul_address"`
	StaleAfter    time.Duration `mapstructure:"stale_after"`
}

// NotifyConfig configures webhook delivery
type NotifyConfig struct {
	Format   string        `mapstructure:"format"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Username string        `mapstructure:"username"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// OutputConfig contains output formatting configuration
type OutputConfig struct {
	Format  string `mapstructure:"format"`
	NoColor bool   `mapstructure:"no_color"`
}

// MetricsConfig configures the prometheus endpoint of the monitor
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// AIConfig contains settings for report explanations
type AIConfig struct {
	APIKey    string `mapstructure:"api_key"`
	Model     string `mapstructure:"model"`
	MaxTokens int    `mapstructure:"max_tokens"`
}

// DefaultConfig returns a configuration with the documented defaults
func DefaultConfig() *Config {
	return &Config{
		Environment:                     "default",
		CheckInterval:                   300 * time.Second,
		MaxFailures:                     5,
		ApprovalWindow:                  4 * time.Hour,
		SeverityThresholdForAutoApprove: "warning",
		Runtime: RuntimeConfig{
			Type:         "docker",
			DockerBinary: "docker",
			Namespace:    "default",
			Timeout:      30 * time.Second,
		},
		Desired: DesiredConfig{
			Provider:       "manifest",
			ManifestPath:   "./desired.yaml",
			ExpandReplicas: true,
			ApplyTimeout:   10 * time.Minute,
			Terraform: TerraformConfig{
				Dir:    ".",
				Binary: "terraform",
			},
		},
		Remediation: RemediationConfig{
			PreferDirect:   true,
			MaxRetries:     3,
			InitialBackoff: 2 * time.Second,
			MaxBackoff:     30 * time.Second,
			VerifyAttempts: 3,
			VerifyDelay:    5 * time.Second,
		},
		Approval: ApprovalConfig{
			SummaryTopN: 5,
		},
		Storage: StorageConfig{
			Backend: "file",
			BaseDir: "~/.vahti",
		},
		Lock: LockConfig{
			Backend: "file",
		},
		Notify: NotifyConfig{
			Timeout:  10 * time.Second,
			Username: "vahti",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Output: OutputConfig{
			Format: "table",
		},
		AI: AIConfig{
			Model:     "claude-sonnet-4-20250514",
			MaxTokens: 1024,
		},
	}
}

// Load loads configuration through the global viper instance
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom loads configuration from defaults, an optional .env file, the
// config file and VAHTI_ environment variables
func LoadFrom(v *viper.Viper) (*Config, error) {
	config := DefaultConfig()

	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return nil, fmt.Errorf("failed to load .env: %w", err)
		}
	}

	// SetConfigName clears an explicit file set through --config
	explicit := v.ConfigFileUsed() != ""
	if !explicit {
		v.SetConfigName("vahti")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".vahti"))
		}
		v.AddConfigPath("/etc/vahti")
	}

	v.SetEnvPrefix("VAHTI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only resolves keys viper already knows about
	for _, key := range []string{
		"environment", "check_interval", "max_failures", "approval_window",
		"severity_threshold_for_auto_approve", "webhook_url",
		"runtime.type", "desired.provider", "storage.backend", "storage.base_dir",
		"lock.backend", "lock.consul_address", "metrics.addr",
	} {
		_ = v.BindEnv(key)
	}
	_ = v.BindEnv("ai.api_key", "VAHTI_AI_API_KEY", "ANTHROPIC_API_KEY")
	_ = v.BindEnv("logging.level", "VAHTI_LOGGING_LEVEL", "LOG_LEVEL")
	_ = v.BindEnv("lock.consul_address", "VAHTI_LOCK_CONSUL_ADDRESS", "CONSUL_HTTP_ADDR")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No file on the search path: defaults apply
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.ExpandPaths(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := ValidateEnvironment(c.Environment); err != nil {
		return err
	}
	if c.CheckInterval < time.Second {
		return fmt.Errorf("check_interval must be at least 1s, got %s", c.CheckInterval)
	}
	if c.MaxFailures <= 0 {
		return fmt.Errorf("max_failures must be positive, got %d", c.MaxFailures)
	}
	if c.ApprovalWindow <= 0 {
		return fmt.Errorf("approval_window must be positive, got %s", c.ApprovalWindow)
	}
	switch strings.ToLower(c.SeverityThresholdForAutoApprove) {
	case "none", "info", "warning", "warning-only", "critical", "all":
	default:
		return fmt.Errorf("unknown severity_threshold_for_auto_approve %q", c.SeverityThresholdForAutoApprove)
	}
	switch c.Runtime.Type {
	case "docker", "kubernetes", "auto":
	default:
		return fmt.Errorf("unknown runtime type %q", c.Runtime.Type)
	}
	if c.Runtime.Timeout <= 0 {
		return fmt.Errorf("runtime timeout must be positive")
	}
	switch c.Desired.Provider {
	case "manifest":
		if c.Desired.ManifestPath == "" {
			return fmt.Errorf("desired.manifest_path is required for the manifest provider")
		}
	case "terraform":
	default:
		return fmt.Errorf("unknown desired-state provider %q", c.Desired.Provider)
	}
	switch c.Storage.Backend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.BaseDir == "" {
		return fmt.Errorf("storage base_dir is required")
	}
	switch c.Lock.Backend {
	case "file", "consul":
	default:
		return fmt.Errorf("unknown lock backend %q", c.Lock.Backend)
	}
	if c.Remediation.MaxRetries < 0 || c.Remediation.VerifyAttempts < 0 {
		return fmt.Errorf("remediation retry counts cannot be negative")
	}
	return nil
}

var environmentPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidateEnvironment checks an environment name. The name becomes part of
// file names and label selectors, so separators and leading dots are refused.
func ValidateEnvironment(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("environment is required")
	}
	if !environmentPattern.MatchString(name) {
		return fmt.Errorf("invalid environment %q: use letters, digits, '.', '_' and '-', starting with a letter or digit", name)
	}
	return nil
}

// StaleAfter returns how old a marker heartbeat may be before the marker is
// considered abandoned
func (c *Config) StaleAfter() time.Duration {
	if c.Lock.StaleAfter > 0 {
		return c.Lock.StaleAfter
	}
	return 3 * c.CheckInterval
}

// SQLitePath returns the sqlite database path, defaulting under base_dir
func (c *Config) SQLitePath() string {
	if c.Storage.SQLitePath != "" {
		return c.Storage.SQLitePath
	}
	return filepath.Join(c.Storage.BaseDir, "vahti.db")
}

// HasAIFeatures checks if AI features are available
func (c *Config) HasAIFeatures() bool {
	return c.AI.APIKey != ""
}

// ExpandPaths expands home directory paths
func (c *Config) ExpandPaths() error {
	var err error
	c.Storage.BaseDir, err = expandPath(c.Storage.BaseDir)
	if err != nil {
		return fmt.Errorf("failed to expand storage base dir: %w", err)
	}
	c.Storage.SQLitePath, err = expandPath(c.Storage.SQLitePath)
	if err != nil {
		return fmt.Errorf("failed to expand sqlite path: %w", err)
	}
	c.Desired.ManifestPath, err = expandPath(c.Desired.ManifestPath)
	if err != nil {
		return fmt.Errorf("failed to expand manifest path: %w", err)
	}
	c.Runtime.Kubeconfig, err = expandPath(c.Runtime.Kubeconfig)
	if err != nil {
		return fmt.Errorf("failed to expand kubeconfig path: %w", err)
	}
	return nil
}

// expandPath expands ~ to home directory
func expandPath(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return path, err
	}

	if len(path) == 1 {
		return home, nil
	}

	return filepath.Join(home, path[1:]), nil
}
