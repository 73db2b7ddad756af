// Package config assembles the taskserver's configuration from nested
// per-concern structs, the same three-tier precedence as the teacher's
// internal/config package: defaults, then an optional file (JSON or
// YAML, picked by extension), then FUNTONIC_* environment overrides.
package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// GRPCConfig controls the taskserver's gRPC listener (spec.md section 6
// bind_address).
type GRPCConfig struct {
	BindAddress string `json:"bind_address" yaml:"bind_address"`
}

// TLSConfig names the CA/cert/key files for the gRPC listener (spec.md
// section 6 tls.*). All three empty disables TLS, which is valid for
// local development but never for a deployed taskserver.
type TLSConfig struct {
	CA   string `json:"ca" yaml:"ca"`
	Cert string `json:"cert" yaml:"cert"`
	Key  string `json:"key" yaml:"key"`
}

// Enabled reports whether any TLS material was configured.
func (t TLSConfig) Enabled() bool {
	return t.CA != "" || t.Cert != "" || t.Key != ""
}

// KeyStoreConfig locates the persistent key document and its optional
// KMS envelope encryption (spec.md section 6 data_file; SPEC_FULL.md
// section 3 keystore row).
type KeyStoreConfig struct {
	DataFile       string `json:"data_file" yaml:"data_file"`
	KMSKeyID       string `json:"kms_key_id" yaml:"kms_key_id"`
	KMSRegion      string `json:"kms_region" yaml:"kms_region"`
	AuthorizedKeys []StaticKeyEntry `json:"authorized_keys" yaml:"authorized_keys"`
	AdminKeys      []StaticKeyEntry `json:"admin_authorized_keys" yaml:"admin_authorized_keys"`
}

// StaticKeyEntry is one entry of a statically-configured key, hex-encoded
// the way an operator would type it into a config file.
type StaticKeyEntry struct {
	KeyID     string `json:"key_id" yaml:"key_id"`
	PublicKey string `json:"public_key" yaml:"public_key"`
}

// Decode hex-decodes PublicKey into raw ed25519 public key bytes.
func (e StaticKeyEntry) Decode() ([]byte, error) {
	b, err := hex.DecodeString(e.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("config: key %s has invalid hex public_key: %w", e.KeyID, err)
	}
	return b, nil
}

// ReplayConfig controls the nonce replay cache (spec.md section 6
// replay_window_secs, SPEC_FULL.md section 3 replaycache row).
type ReplayConfig struct {
	WindowSecs uint64 `json:"replay_window_secs" yaml:"replay_window_secs"`
	Backend    string `json:"backend" yaml:"backend"` // "memory" or "redis"
	RedisAddr  string `json:"redis_addr" yaml:"redis_addr"`
}

// AuthConfig names the admin key used to bootstrap an otherwise-empty
// admin-authorized-key set on first run.
type AuthConfig struct {
	BootstrapAdminKeyID     string `json:"bootstrap_admin_key_id" yaml:"bootstrap_admin_key_id"`
	BootstrapAdminPublicKey string `json:"bootstrap_admin_public_key" yaml:"bootstrap_admin_public_key"`
}

// TracingConfig mirrors the teacher's TracingConfig field-for-field.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Exporter    string  `json:"exporter" yaml:"exporter"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`
	ServiceName string  `json:"service_name" yaml:"service_name"`
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`
}

// MetricsConfig mirrors the teacher's MetricsConfig.
type MetricsConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Namespace string `json:"namespace" yaml:"namespace"`
	Addr      string `json:"addr" yaml:"addr"`
}

// LoggingConfig mirrors the teacher's LoggingConfig.
type LoggingConfig struct {
	Level    string `json:"level" yaml:"level"`
	Format   string `json:"format" yaml:"format"`
	AuditLog string `json:"audit_log" yaml:"audit_log"` // path, "" = stdout only
}

// ObservabilityConfig groups tracing, metrics and logging the way the
// teacher's ObservabilityConfig does.
type ObservabilityConfig struct {
	Tracing TracingConfig `json:"tracing" yaml:"tracing"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// AdminConfig controls the optional Postgres-backed dispatch audit trail
// (SPEC_FULL.md section 4).
type AdminConfig struct {
	AuditDSN         string        `json:"audit_dsn" yaml:"audit_dsn"` // "" disables the audit sink
	AuditBatchSize   int           `json:"audit_batch_size" yaml:"audit_batch_size"`
	AuditBufferSize  int           `json:"audit_buffer_size" yaml:"audit_buffer_size"`
	AuditFlush       time.Duration `json:"audit_flush_interval" yaml:"audit_flush_interval"`
	AuditTimeout     time.Duration `json:"audit_timeout" yaml:"audit_timeout"`
	AuditMaxRetries  int           `json:"audit_max_retries" yaml:"audit_max_retries"`
}

// Config is the taskserver's assembled configuration.
type Config struct {
	GRPC          GRPCConfig          `json:"grpc" yaml:"grpc"`
	TLS           TLSConfig           `json:"tls" yaml:"tls"`
	KeyStore      KeyStoreConfig      `json:"keystore" yaml:"keystore"`
	Replay        ReplayConfig        `json:"replay" yaml:"replay"`
	Auth          AuthConfig          `json:"auth" yaml:"auth"`
	Observability ObservabilityConfig `json:"observability" yaml:"observability"`
	Admin         AdminConfig         `json:"admin" yaml:"admin"`
}

// DefaultConfig returns a Config with sensible defaults, mirroring the
// teacher's DefaultConfig.
func DefaultConfig() *Config {
	return &Config{
		GRPC: GRPCConfig{
			BindAddress: ":9443",
		},
		KeyStore: KeyStoreConfig{
			DataFile: "/var/lib/funtonic/keys.json",
		},
		Replay: ReplayConfig{
			WindowSecs: 60,
			Backend:    "memory",
		},
		Observability: ObservabilityConfig{
			Tracing: TracingConfig{
				Enabled:     false,
				Exporter:    "otlp-http",
				Endpoint:    "localhost:4318",
				ServiceName: "funtonic-taskserver",
				SampleRate:  1.0,
			},
			Metrics: MetricsConfig{
				Enabled:   true,
				Namespace: "funtonic",
				Addr:      ":9464",
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "text",
			},
		},
		Admin: AdminConfig{
			AuditBatchSize:  100,
			AuditBufferSize: 1000,
			AuditFlush:      500 * time.Millisecond,
			AuditTimeout:    5 * time.Second,
			AuditMaxRetries: 3,
		},
	}
}

// LoadFromFile overlays path's contents onto DefaultConfig(). The format
// is dispatched on extension: .yaml/.yml decodes with gopkg.in/yaml.v3,
// everything else is treated as JSON, matching SPEC_FULL.md section 2.1.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := DefaultConfig()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse yaml %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse json %s: %w", path, err)
		}
	}
	return cfg, nil
}

// LoadFromEnv applies FUNTONIC_* environment overrides onto cfg in place,
// mirroring the teacher's LoadFromEnv precedence (file < env).
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("FUNTONIC_BIND_ADDRESS"); v != "" {
		cfg.GRPC.BindAddress = v
	}
	if v := os.Getenv("FUNTONIC_TLS_CA"); v != "" {
		cfg.TLS.CA = v
	}
	if v := os.Getenv("FUNTONIC_TLS_CERT"); v != "" {
		cfg.TLS.Cert = v
	}
	if v := os.Getenv("FUNTONIC_TLS_KEY"); v != "" {
		cfg.TLS.Key = v
	}
	if v := os.Getenv("FUNTONIC_DATA_FILE"); v != "" {
		cfg.KeyStore.DataFile = v
	}
	if v := os.Getenv("FUNTONIC_KMS_KEY_ID"); v != "" {
		cfg.KeyStore.KMSKeyID = v
	}
	if v := os.Getenv("FUNTONIC_KMS_REGION"); v != "" {
		cfg.KeyStore.KMSRegion = v
	}
	if v := os.Getenv("FUNTONIC_REPLAY_WINDOW_SECS"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Replay.WindowSecs = n
		}
	}
	if v := os.Getenv("FUNTONIC_REPLAY_BACKEND"); v != "" {
		cfg.Replay.Backend = v
	}
	if v := os.Getenv("FUNTONIC_REPLAY_REDIS_ADDR"); v != "" {
		cfg.Replay.RedisAddr = v
	}
	if v := os.Getenv("FUNTONIC_BOOTSTRAP_ADMIN_KEY_ID"); v != "" {
		cfg.Auth.BootstrapAdminKeyID = v
	}
	if v := os.Getenv("FUNTONIC_BOOTSTRAP_ADMIN_PUBLIC_KEY"); v != "" {
		cfg.Auth.BootstrapAdminPublicKey = v
	}
	if v := os.Getenv("FUNTONIC_TRACING_ENABLED"); v != "" {
		cfg.Observability.Tracing.Enabled = parseBool(v)
	}
	if v := os.Getenv("FUNTONIC_TRACING_ENDPOINT"); v != "" {
		cfg.Observability.Tracing.Endpoint = v
	}
	if v := os.Getenv("FUNTONIC_TRACING_SERVICE_NAME"); v != "" {
		cfg.Observability.Tracing.ServiceName = v
	}
	if v := os.Getenv("FUNTONIC_TRACING_SAMPLE_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Observability.Tracing.SampleRate = f
		}
	}
	if v := os.Getenv("FUNTONIC_METRICS_ENABLED"); v != "" {
		cfg.Observability.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv("FUNTONIC_METRICS_NAMESPACE"); v != "" {
		cfg.Observability.Metrics.Namespace = v
	}
	if v := os.Getenv("FUNTONIC_METRICS_ADDR"); v != "" {
		cfg.Observability.Metrics.Addr = v
	}
	if v := os.Getenv("FUNTONIC_LOG_LEVEL"); v != "" {
		cfg.Observability.Logging.Level = v
	}
	if v := os.Getenv("FUNTONIC_LOG_FORMAT"); v != "" {
		cfg.Observability.Logging.Format = v
	}
	if v := os.Getenv("FUNTONIC_AUDIT_LOG"); v != "" {
		cfg.Observability.Logging.AuditLog = v
	}
	if v := os.Getenv("FUNTONIC_AUDIT_DSN"); v != "" {
		cfg.Admin.AuditDSN = v
	}
	if v := os.Getenv("FUNTONIC_AUDIT_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Admin.AuditBatchSize = n
		}
	}
	if v := os.Getenv("FUNTONIC_AUDIT_FLUSH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Admin.AuditFlush = d
		}
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes"
}
