// Package config loads PrivSense's runtime configuration from config.yaml
// with environment variable overrides.
package config

import (
	"fmt"
	"net/url"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for the PrivSense scan engine.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords, keys) must only come from environment variables.
type Config struct {
	// Server configuration for the HTTP listener, which serves only GET /healthz.
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"8443"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	BaseURL  string `yaml:"base_url" env:"BASE_URL" env-default:""`
	Version  string `yaml:"-"`

	// TLS configuration (optional - if both provided, server uses HTTPS).
	TLSCertPath string `yaml:"tls_cert_path" env:"TLS_CERT_PATH" env-default:""`
	TLSKeyPath  string `yaml:"tls_key_path" env:"TLS_KEY_PATH" env-default:""`

	// Store is the PostgreSQL persistence layer (§4.8) configuration.
	Store StoreConfig `yaml:"store"`

	// Registry configures the Connection Registry (§4.1).
	Registry RegistryConfig `yaml:"registry"`

	// Sampler configures default sampling behavior (§4.3).
	Sampler SamplerConfig `yaml:"sampler"`

	// Detection configures the detection pipeline defaults (§4.5).
	Detection DetectionConfig `yaml:"detection"`

	// QuasiIdentifier configures the QI analyzer defaults (§4.6).
	QuasiIdentifier QIConfig `yaml:"quasi_identifier"`

	// NER configures the remote entity-recognizer collaborator (§6.2).
	NER NERConfig `yaml:"ner"`

	// Orchestrator configures job-scheduling limits (§5).
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`

	// CredentialsKey encrypts ConnectionDescriptor credentials at rest.
	// A base64 value that decodes to 32 bytes (e.g. openssl rand -base64 32)
	// is used as the key directly; any other non-empty string is hashed with
	// SHA-256 into the key.
	// Server fails to start if this is not set.
	CredentialsKey string `yaml:"-" env:"PRIVSENSE_CREDENTIALS_KEY"`

	// Connections seeds the Connection Registry at startup (§4.1). The job
	// control surface that would normally call Register is an omitted HTTP
	// layer (§6.1), so target databases are named here instead; credential
	// values must come from the environment, never the YAML file.
	Connections []ConnectionConfig `yaml:"connections"`
}

// ConnectionConfig describes one target database registered at startup.
type ConnectionConfig struct {
	Name        string `yaml:"name"`
	Driver      string `yaml:"driver"` // "postgres" or "mssql"
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	Database    string `yaml:"database"`
	Username    string `yaml:"username"`
	Credentials string `yaml:"-" env:"-"` // set via CONN_<NAME>_CREDENTIALS; holds the CredentialsKey-encrypted blob, never plaintext
	TLS         bool   `yaml:"tls"`
}

// StoreConfig holds PostgreSQL persistence-layer configuration.
type StoreConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"privsense"`
	Password       string `yaml:"-" env:"PGPASSWORD"`
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"privsense"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
}

// ConnectionString returns a PostgreSQL connection string for the store.
func (c *StoreConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// RegistryConfig holds Connection Registry settings (§4.1).
type RegistryConfig struct {
	// MaxConcurrentHandles bounds in-flight handles per registered connection.
	MaxConcurrentHandles int `yaml:"max_concurrent_handles" env:"REGISTRY_MAX_CONCURRENT_HANDLES" env-default:"10"`
	// HandleAcquireTimeoutSeconds bounds how long a borrow() blocks before ResourceExhausted.
	HandleAcquireTimeoutSeconds int `yaml:"handle_acquire_timeout_seconds" env:"REGISTRY_HANDLE_ACQUIRE_TIMEOUT_SECONDS" env-default:"30"`
}

// SamplerConfig holds default sampling settings (§4.3).
type SamplerConfig struct {
	SampleSize           int    `yaml:"sample_size" env:"SAMPLER_SAMPLE_SIZE" env-default:"100"`
	Method               string `yaml:"method" env:"SAMPLER_METHOD" env-default:"RANDOM"`
	EntropyCalculation   bool   `yaml:"entropy_calculation" env:"SAMPLER_ENTROPY_CALCULATION" env-default:"false"`
	MaxConcurrentQueries int    `yaml:"max_concurrent_queries" env:"SAMPLER_MAX_CONCURRENT_QUERIES" env-default:"5"`
	QueryTimeoutSeconds  int    `yaml:"query_timeout_seconds" env:"SAMPLER_QUERY_TIMEOUT_SECONDS" env-default:"10"`
}

// DetectionConfig holds detection pipeline thresholds (§4.5).
type DetectionConfig struct {
	HeuristicThreshold           float64 `yaml:"heuristic_threshold" env:"DETECTION_HEURISTIC_THRESHOLD" env-default:"0.7"`
	RegexThreshold               float64 `yaml:"regex_threshold" env:"DETECTION_REGEX_THRESHOLD" env-default:"0.8"`
	NERThreshold                 float64 `yaml:"ner_threshold" env:"DETECTION_NER_THRESHOLD" env-default:"0.3"`
	ReportingThreshold           float64 `yaml:"reporting_threshold" env:"DETECTION_REPORTING_THRESHOLD" env-default:"0.5"`
	StopPipelineOnHighConfidence bool    `yaml:"stop_pipeline_on_high_confidence" env:"DETECTION_STOP_ON_HIGH_CONFIDENCE" env-default:"true"`
	MaxConcurrentColumns         int     `yaml:"max_concurrent_columns" env:"DETECTION_MAX_CONCURRENT_COLUMNS" env-default:"5"`
}

// QIConfig holds quasi-identifier analyzer settings (§4.6).
type QIConfig struct {
	Enabled               bool    `yaml:"enabled" env:"QI_ENABLED" env-default:"true"`
	CorrelationThreshold  float64 `yaml:"correlation_threshold" env:"QI_CORRELATION_THRESHOLD" env-default:"0.7"`
	MinDistinctValues     int64   `yaml:"min_distinct_values" env:"QI_MIN_DISTINCT_VALUES" env-default:"5"`
	MaxDistinctValueRatio float64 `yaml:"max_distinct_value_ratio" env:"QI_MAX_DISTINCT_VALUE_RATIO" env-default:"0.8"`
	MinGroupSize          int     `yaml:"min_group_size" env:"QI_MIN_GROUP_SIZE" env-default:"2"`
	MaxGroupSize          int     `yaml:"max_group_size" env:"QI_MAX_GROUP_SIZE" env-default:"8"`
	KAnonymityThreshold   float64 `yaml:"k_anonymity_threshold" env:"QI_K_ANONYMITY_THRESHOLD" env-default:"5"`
	RiskThreshold         float64 `yaml:"risk_threshold" env:"QI_RISK_THRESHOLD" env-default:"0.7"`
	Algorithm             string  `yaml:"algorithm" env:"QI_ALGORITHM" env-default:"GRAPH"`
}

// NERConfig holds the remote entity-recognizer collaborator's settings (§6.2, §4.4.3).
type NERConfig struct {
	BaseURL             string `yaml:"base_url" env:"NER_BASE_URL" env-default:""`
	MaxSamples          int    `yaml:"max_samples" env:"NER_MAX_SAMPLES" env-default:"50"`
	TimeoutSeconds      int    `yaml:"timeout_seconds" env:"NER_TIMEOUT_SECONDS" env-default:"10"`
	FailureThreshold    uint32 `yaml:"failure_threshold" env:"NER_FAILURE_THRESHOLD" env-default:"5"`
	ResetTimeoutSeconds int    `yaml:"reset_timeout_seconds" env:"NER_RESET_TIMEOUT_SECONDS" env-default:"30"`
}

// OrchestratorConfig holds job-scheduling limits (§5).
type OrchestratorConfig struct {
	MaxQueued                   int `yaml:"max_queued" env:"ORCHESTRATOR_MAX_QUEUED" env-default:"100"`
	CancellationDeadlineSeconds int `yaml:"cancellation_deadline_seconds" env:"ORCHESTRATOR_CANCELLATION_DEADLINE_SECONDS" env-default:"30"`
	Workers                     int `yaml:"workers" env:"ORCHESTRATOR_WORKERS" env-default:"4"`
}

// Load reads configuration from config.yaml with environment variable overrides.
// The version parameter is injected at build time and set on the returned Config.
func Load(version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
		return nil, fmt.Errorf("failed to read config.yaml: %w", err)
	}

	if err := cfg.validateTLS(); err != nil {
		return nil, fmt.Errorf("invalid TLS configuration: %w", err)
	}

	if cfg.BaseURL == "" {
		scheme := "http"
		if cfg.TLSCertPath != "" {
			scheme = "https"
		}
		cfg.BaseURL = (&url.URL{
			Scheme: scheme,
			Host:   "localhost:" + cfg.Port,
		}).String()
	}

	return cfg, nil
}

// validateTLS ensures TLS configuration is valid if provided.
func (c *Config) validateTLS() error {
	certSet := c.TLSCertPath != ""
	keySet := c.TLSKeyPath != ""

	if certSet != keySet {
		return fmt.Errorf("both tls_cert_path and tls_key_path must be provided together")
	}

	if certSet {
		if _, err := os.Stat(c.TLSCertPath); err != nil {
			return fmt.Errorf("TLS cert file does not exist: %w", err)
		}
		if _, err := os.Stat(c.TLSKeyPath); err != nil {
			return fmt.Errorf("TLS key file does not exist: %w", err)
		}
	}

	return nil
}
