// Package config loads and validates the idscp2go configuration from file,
// environment, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/idscp2go/idscp2go/pkg/dat"
	"github.com/idscp2go/idscp2go/pkg/fsm"
)

// Config captures the static configuration of an idscp2go peer.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (IDSCP2_*), for keys the configuration file sets
//  2. Configuration file (YAML)
//  3. Default values
//
// When no configuration file is found, the defaults are used unchanged and
// environment variables are not consulted.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Telemetry controls OpenTelemetry distributed tracing
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`

	// Metrics contains Prometheus metrics server configuration
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// TLS configures the local identity and trust anchors for the
	// mutually-authenticated transport
	TLS TLSConfig `mapstructure:"tls" yaml:"tls"`

	// Daps configures the DAT provisioning service client
	Daps DapsConfig `mapstructure:"daps" yaml:"daps"`

	// Idscp contains the protocol tunables: timer delays, RA suites, and
	// the acknowledgement layer
	Idscp IdscpConfig `mapstructure:"idscp" yaml:"idscp"`

	// Evidence selects the attestation evidence archive backend
	Evidence EvidenceConfig `mapstructure:"evidence" yaml:"evidence"`
}

// LoggingConfig mirrors internal/logger's initialization surface.
type LoggingConfig struct {
	// Level is one of DEBUG, INFO, WARN, ERROR
	Level string `mapstructure:"level" validate:"omitempty,oneof=DEBUG INFO WARN ERROR" yaml:"level"`

	// Format is "text" or "json"
	Format string `mapstructure:"format" validate:"omitempty,oneof=text json" yaml:"format"`

	// Output is "stdout", "stderr", or a file path
	Output string `mapstructure:"output" yaml:"output"`
}

// TelemetryConfig controls the OTLP trace exporter.
type TelemetryConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the OTLP/gRPC collector address, e.g. "localhost:4317"
	Endpoint string `mapstructure:"endpoint" validate:"required_if=Enabled true" yaml:"endpoint"`

	// SampleRate in [0,1]; 1 samples every trace
	SampleRate float64 `mapstructure:"sample_rate" validate:"gte=0,lte=1" yaml:"sample_rate"`
}

// MetricsConfig controls the Prometheus /metrics listener.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// ListenAddress for the metrics HTTP server, e.g. ":9090"
	ListenAddress string `mapstructure:"listen_address" validate:"required_if=Enabled true" yaml:"listen_address"`
}

// TLSConfig names the local key material and trust anchors.
type TLSConfig struct {
	CertFile string `mapstructure:"cert_file" yaml:"cert_file"`
	KeyFile  string `mapstructure:"key_file" yaml:"key_file"`
	CAFile   string `mapstructure:"ca_file" yaml:"ca_file"`

	// HostnameVerificationEnabled toggles the TLS SNI/hostname check on
	// outbound connections. On by default; disabling it weakens transport
	// authentication to certificate-chain-only.
	HostnameVerificationEnabled bool `mapstructure:"hostname_verification_enabled" yaml:"hostname_verification_enabled"`
}

// DapsConfig configures DAT acquisition and verification.
type DapsConfig struct {
	// URL is the DAPS base URL used for metadata discovery
	URL string `mapstructure:"url" validate:"omitempty,url" yaml:"url"`

	// TokenRenewalThreshold is the fraction (0,1] of a DAT's validity
	// after which a cached token is refreshed
	TokenRenewalThreshold float64 `mapstructure:"token_renewal_threshold" validate:"gt=0,lte=1" yaml:"token_renewal_threshold"`

	// ConnectorUUIDOverride replaces the SKI/AKI-derived connector
	// identity, for test and development setups
	ConnectorUUIDOverride string `mapstructure:"connector_uuid_override" yaml:"connector_uuid_override"`

	// RequiredSecurityLevel is the minimum acceptable peer securityProfile:
	// BASE, TRUSTED, or TRUSTED_PLUS
	RequiredSecurityLevel string `mapstructure:"required_security_level" validate:"omitempty,oneof=BASE TRUSTED TRUSTED_PLUS" yaml:"required_security_level"`
}

// IdscpConfig is the protocol tunable surface.
type IdscpConfig struct {
	// HandshakeTimeoutDelayMs bounds the entire pre-Established phase
	HandshakeTimeoutDelayMs int `mapstructure:"handshake_timeout_delay_ms" validate:"gt=0" yaml:"handshake_timeout_delay_ms"`

	// RaTimeoutDelayMs is the inter-attestation period once Established
	RaTimeoutDelayMs int `mapstructure:"ra_timeout_delay_ms" validate:"gt=0" yaml:"ra_timeout_delay_ms"`

	// AckEnabled turns on the alternating-bit acknowledgement layer
	AckEnabled bool `mapstructure:"ack_enabled" yaml:"ack_enabled"`

	// AckTimeoutDelayMs is the ACK-wait window per Data message
	AckTimeoutDelayMs int `mapstructure:"ack_timeout_delay_ms" validate:"gt=0" yaml:"ack_timeout_delay_ms"`

	// AckMaxRetries bounds retransmissions of one outstanding Data
	AckMaxRetries int `mapstructure:"ack_max_retries" validate:"gte=0" yaml:"ack_max_retries"`

	// SupportedRaSuites are the local prover capabilities, in priority order
	SupportedRaSuites []string `mapstructure:"supported_ra_suites" validate:"min=1" yaml:"supported_ra_suites"`

	// ExpectedRaSuites are the suites accepted from the peer's prover
	ExpectedRaSuites []string `mapstructure:"expected_ra_suites" validate:"min=1" yaml:"expected_ra_suites"`

	// UseIdsMessages selects the IDS-framed application envelope over the
	// generic one. The envelope itself is produced by higher tiers; the
	// flag only travels with the configuration here.
	UseIdsMessages bool `mapstructure:"use_ids_messages" yaml:"use_ids_messages"`
}

// EvidenceConfig selects where attestation evidence records are archived.
type EvidenceConfig struct {
	// Backend is "none", "local", or "s3"
	Backend string `mapstructure:"backend" validate:"omitempty,oneof=none local s3" yaml:"backend"`

	// LocalPath is the archive directory for the local backend
	LocalPath string `mapstructure:"local_path" validate:"required_if=Backend local" yaml:"local_path"`

	// S3Bucket is the bucket name for the s3 backend
	S3Bucket string `mapstructure:"s3_bucket" validate:"required_if=Backend s3" yaml:"s3_bucket"`

	// S3Region overrides the region from the ambient AWS configuration
	S3Region string `mapstructure:"s3_region" yaml:"s3_region"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
			Output: "stderr",
		},
		Telemetry: TelemetryConfig{
			Enabled:    false,
			SampleRate: 1,
		},
		Metrics: MetricsConfig{
			Enabled: false,
		},
		TLS: TLSConfig{
			HostnameVerificationEnabled: true,
		},
		Daps: DapsConfig{
			TokenRenewalThreshold: 0.7,
			RequiredSecurityLevel: "BASE",
		},
		Idscp: IdscpConfig{
			HandshakeTimeoutDelayMs: 5000,
			RaTimeoutDelayMs:        3600000,
			AckEnabled:              false,
			AckTimeoutDelayMs:       2000,
			AckMaxRetries:           3,
			SupportedRaSuites:       []string{"Dummy"},
			ExpectedRaSuites:        []string{"Dummy"},
		},
		Evidence: EvidenceConfig{
			Backend: "none",
		},
	}
}

// Load reads configuration from configPath (empty uses the default search
// path), lets IDSCP2_* environment variables override keys the file sets,
// applies defaults, and validates the result. With no file found it returns
// the defaults unchanged.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}
	if !found {
		cfg := Default()
		if err := Validate(cfg); err != nil {
			return nil, fmt.Errorf("config: default configuration invalid: %w", err)
		}
		return cfg, nil
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	return cfg, nil
}

// Save writes cfg to path as YAML, creating parent directories as needed.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("config: write: %w", err)
	}
	return nil
}

// Validate checks cfg against its struct tags.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return err
	}
	return nil
}

func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use the IDSCP2_ prefix with underscores,
	// e.g. IDSCP2_LOGGING_LEVEL=DEBUG.
	v.SetEnvPrefix("IDSCP2")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.AddConfigPath(defaultConfigDir())
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("config: read config file: %w", err)
	}
	return true, nil
}

func defaultConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "idscp2")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "idscp2")
}

// FSM translates the protocol section into an fsm.Config.
func (c *Config) FSM() fsm.Config {
	return fsm.Config{
		HandshakeTimeout:         time.Duration(c.Idscp.HandshakeTimeoutDelayMs) * time.Millisecond,
		VerifierHandshakeTimeout: time.Duration(c.Idscp.HandshakeTimeoutDelayMs) * time.Millisecond,
		RaInterval:               time.Duration(c.Idscp.RaTimeoutDelayMs) * time.Millisecond,
		DatRenewalFraction:       c.Daps.TokenRenewalThreshold,
		Ack: fsm.AckMode{
			Enabled:    c.Idscp.AckEnabled,
			Timeout:    time.Duration(c.Idscp.AckTimeoutDelayMs) * time.Millisecond,
			MaxRetries: c.Idscp.AckMaxRetries,
		},
		SupportedProverSuites:  c.Idscp.SupportedRaSuites,
		ExpectedVerifierSuites: c.Idscp.ExpectedRaSuites,
	}
}

// SecurityLevel parses the configured minimum peer security profile.
func (c *Config) SecurityLevel() (dat.SecurityLevel, error) {
	return dat.ParseSecurityLevel(c.Daps.RequiredSecurityLevel)
}
