// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire engine configuration.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	Evidence  EvidenceConfig  `mapstructure:"evidence" yaml:"evidence"`
	Detector  DetectorConfig  `mapstructure:"detector" yaml:"detector"`
	Incident  IncidentConfig  `mapstructure:"incident" yaml:"incident"`
	Forensics ForensicsConfig `mapstructure:"forensics" yaml:"forensics"`
	Recovery  RecoveryConfig  `mapstructure:"recovery" yaml:"recovery"`
	Keys      KeysConfig      `mapstructure:"keys" yaml:"keys"`
	Alerting  AlertingConfig  `mapstructure:"alerting" yaml:"alerting"`
	Tools     ToolsConfig     `mapstructure:"tools" yaml:"tools"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// EvidenceConfig locates the on-disk evidence store.
type EvidenceConfig struct {
	Root string `mapstructure:"root" yaml:"root"`
}

// DetectorConfig tunes the threat detector heuristics.
type DetectorConfig struct {
	// Baseline allow-lists. Anything observed outside these lists is a finding.
	KernelModuleBaseline []string `mapstructure:"kernel_module_baseline" yaml:"kernel_module_baseline"`
	ListenPortBaseline   []int    `mapstructure:"listen_port_baseline" yaml:"listen_port_baseline"`
	SUIDBaseline         []string `mapstructure:"suid_baseline" yaml:"suid_baseline"`

	// Thresholds for count-based checks.
	FailedLoginThreshold int           `mapstructure:"failed_login_threshold" yaml:"failed_login_threshold"`
	MACDenialThreshold   int           `mapstructure:"mac_denial_threshold" yaml:"mac_denial_threshold"`
	AuthWindow           time.Duration `mapstructure:"auth_window" yaml:"auth_window"`
}

// IncidentConfig controls containment behavior.
type IncidentConfig struct {
	AutoContainment bool `mapstructure:"auto_containment" yaml:"auto_containment"`
}

// ForensicsConfig controls snapshot capture.
type ForensicsConfig struct {
	Enabled     bool          `mapstructure:"enabled" yaml:"enabled"`
	StepTimeout time.Duration `mapstructure:"step_timeout" yaml:"step_timeout"`
}

// RecoveryConfig controls recovery point creation and retention.
type RecoveryConfig struct {
	AutoRecovery  bool `mapstructure:"auto_recovery" yaml:"auto_recovery"`
	RetentionDays int  `mapstructure:"retention_days" yaml:"retention_days"`
	// KeepMinimum recovery points survive cleanup regardless of age.
	KeepMinimum int `mapstructure:"keep_minimum" yaml:"keep_minimum"`
}

// KeyPolicy holds the rotation policy for a single key type.
type KeyPolicy struct {
	RotationIntervalDays int      `mapstructure:"rotation_interval_days" yaml:"rotation_interval_days"`
	Paths                []string `mapstructure:"paths" yaml:"paths"`
}

// KeysConfig configures the key lifecycle manager.
type KeysConfig struct {
	SecureBoot          KeyPolicy `mapstructure:"secure_boot" yaml:"secure_boot"`
	LUKS                KeyPolicy `mapstructure:"luks" yaml:"luks"`
	SSH                 KeyPolicy `mapstructure:"ssh" yaml:"ssh"`
	TLS                 KeyPolicy `mapstructure:"tls" yaml:"tls"`
	RequireConfirmation bool      `mapstructure:"require_confirmation" yaml:"require_confirmation"`
	RetentionDays       int       `mapstructure:"retention_days" yaml:"retention_days"`
	KeepMinimum         int       `mapstructure:"keep_minimum" yaml:"keep_minimum"`
	HSM                 HSMConfig `mapstructure:"hsm" yaml:"hsm"`
}

// HSMConfig enables hardware-backed key generation when a token is present.
type HSMConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Slot    int  `mapstructure:"slot" yaml:"slot"`
}

// AlertingConfig configures operator notification channels.
type AlertingConfig struct {
	Email      string        `mapstructure:"email" yaml:"email"`
	WebhookURL string        `mapstructure:"webhook_url" yaml:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// RatePerMinute bounds webhook deliveries so an alert storm cannot
	// overwhelm the receiving endpoint.
	RatePerMinute int `mapstructure:"rate_per_minute" yaml:"rate_per_minute"`
}

// ToolsConfig bounds external tool invocations.
type ToolsConfig struct {
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// MetricsConfig optionally exposes Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
}

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "warden")
	v.SetDefault("logger.log_file", "/var/log/warden/warden.log")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 90)
	v.SetDefault("logger.compress", true)

	// -- Evidence store --
	v.SetDefault("evidence.root", "/var/lib/warden/evidence")

	// -- Detector --
	v.SetDefault("detector.kernel_module_baseline", []string{})
	v.SetDefault("detector.listen_port_baseline", []int{22})
	v.SetDefault("detector.suid_baseline", []string{})
	v.SetDefault("detector.failed_login_threshold", 10)
	v.SetDefault("detector.mac_denial_threshold", 25)
	v.SetDefault("detector.auth_window", time.Hour)

	// -- Incident / containment --
	v.SetDefault("incident.auto_containment", true)

	// -- Forensics --
	v.SetDefault("forensics.enabled", true)
	v.SetDefault("forensics.step_timeout", 20*time.Second)

	// -- Recovery --
	v.SetDefault("recovery.auto_recovery", false)
	v.SetDefault("recovery.retention_days", 30)
	v.SetDefault("recovery.keep_minimum", 3)

	// -- Keys --
	v.SetDefault("keys.secure_boot.rotation_interval_days", 365)
	v.SetDefault("keys.secure_boot.paths", []string{"/etc/secureboot/keys"})
	v.SetDefault("keys.luks.rotation_interval_days", 180)
	v.SetDefault("keys.luks.paths", []string{"/etc/warden/luks-keyfile"})
	v.SetDefault("keys.ssh.rotation_interval_days", 90)
	v.SetDefault("keys.ssh.paths", []string{
		"/etc/ssh/ssh_host_ed25519_key",
		"/etc/ssh/ssh_host_rsa_key",
		"/etc/ssh/ssh_host_ecdsa_key",
	})
	v.SetDefault("keys.tls.rotation_interval_days", 90)
	v.SetDefault("keys.tls.paths", []string{
		"/etc/warden/tls/server.crt",
		"/etc/warden/tls/server.key",
	})
	v.SetDefault("keys.require_confirmation", true)
	v.SetDefault("keys.retention_days", 365)
	v.SetDefault("keys.keep_minimum", 2)
	v.SetDefault("keys.hsm.enabled", false)
	v.SetDefault("keys.hsm.slot", 0)

	// -- Alerting --
	v.SetDefault("alerting.timeout", 10*time.Second)
	v.SetDefault("alerting.rate_per_minute", 30)

	// -- Tools --
	v.SetDefault("tools.timeout", 30*time.Second)

	// -- Metrics --
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "127.0.0.1:9477")
}

// NewDefaultConfig creates a configuration struct populated with defaults.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Cannot happen with static defaults.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// NewConfigFromViper creates a configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Evidence.Root == "" {
		return fmt.Errorf("evidence.root is a required configuration field")
	}
	if c.Recovery.RetentionDays <= 0 {
		return fmt.Errorf("recovery.retention_days must be a positive integer")
	}
	if c.Recovery.KeepMinimum < 1 {
		return fmt.Errorf("recovery.keep_minimum must be at least 1")
	}
	if c.Tools.Timeout <= 0 {
		return fmt.Errorf("tools.timeout must be a positive duration")
	}
	for name, p := range map[string]KeyPolicy{
		"secure_boot": c.Keys.SecureBoot,
		"luks":        c.Keys.LUKS,
		"ssh":         c.Keys.SSH,
		"tls":         c.Keys.TLS,
	} {
		if p.RotationIntervalDays <= 0 {
			return fmt.Errorf("keys.%s.rotation_interval_days must be a positive integer", name)
		}
		if len(p.Paths) == 0 {
			return fmt.Errorf("keys.%s.paths must not be empty", name)
		}
	}
	return nil
}
