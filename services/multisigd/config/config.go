package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"multisigd/crypto"
	"multisigd/services/multisigd/composer"
)

// EnvPrefix prefixes every environment override. Fields tagged with a bare
// name (PORT, DATABASE_URL, ...) also fall back to the unprefixed variable.
const EnvPrefix = "MULTISIG"

// Duration accepts "30s" style strings, or whole seconds, in YAML, TOML and
// the environment.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML and envconfig.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		d.Duration = time.Duration(secs) * time.Second
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText renders the duration in Go syntax.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// UnmarshalYAML parses scalar durations.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// Config is the runtime configuration of multisigd.
type Config struct {
	Port            string   `yaml:"port" toml:"port" envconfig:"PORT"`
	Environment     string   `yaml:"environment" toml:"environment" envconfig:"ENV"`
	DatabaseDriver  string   `yaml:"database_driver" toml:"database_driver" envconfig:"DATABASE_DRIVER"`
	DatabaseURL     string   `yaml:"database_url" toml:"database_url" envconfig:"DATABASE_URL"`
	GatewayURL      string   `yaml:"gateway_url" toml:"gateway_url" envconfig:"GATEWAY_URL"`
	Network         string   `yaml:"network" toml:"network" envconfig:"NETWORK"`
	AccountAddress  string   `yaml:"account_address" toml:"account_address" envconfig:"ACCOUNT_ADDRESS"`
	FrontendOrigins []string `yaml:"frontend_origins" toml:"frontend_origins" envconfig:"FRONTEND_ORIGIN"`

	Gateway    GatewayConfig    `yaml:"gateway" toml:"gateway"`
	FeePayer   FeePayerConfig   `yaml:"fee_payer" toml:"fee_payer" split_words:"true"`
	Proposals  ProposalsConfig  `yaml:"proposals" toml:"proposals"`
	Monitor    MonitorConfig    `yaml:"monitor" toml:"monitor"`
	Submission SubmissionConfig `yaml:"submission" toml:"submission"`
	HTTP       HTTPConfig       `yaml:"http" toml:"http"`
	Auth       AuthConfig       `yaml:"auth" toml:"auth"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit" toml:"rate_limit" split_words:"true"`
	Logging    LoggingConfig    `yaml:"logging" toml:"logging"`
	Telemetry  TelemetryConfig  `yaml:"telemetry" toml:"telemetry"`
}

// GatewayConfig tunes the ledger gateway client.
type GatewayConfig struct {
	Timeout           Duration `yaml:"timeout" toml:"timeout"`
	ReadRetries       uint64   `yaml:"read_retries" toml:"read_retries" split_words:"true"`
	RetryInterval     Duration `yaml:"retry_interval" toml:"retry_interval" split_words:"true"`
	RequestsPerSecond float64  `yaml:"requests_per_second" toml:"requests_per_second" split_words:"true"`
	Burst             int      `yaml:"burst" toml:"burst"`
}

// FeePayerConfig holds the key that pays network fees for submissions.
// Submission is disabled while KeyHex is empty.
type FeePayerConfig struct {
	Account string `yaml:"account" toml:"account"`
	KeyHex  string `yaml:"key_hex" toml:"key_hex" split_words:"true"`
	KeyType string `yaml:"key_type" toml:"key_type" split_words:"true"`
	LockFee string `yaml:"lock_fee" toml:"lock_fee" split_words:"true"`
}

// Enabled reports whether a fee payer key is configured.
func (f FeePayerConfig) Enabled() bool {
	return strings.TrimSpace(f.KeyHex) != ""
}

// Resolve parses the key and fee into composer form.
func (f FeePayerConfig) Resolve() (composer.FeePayer, error) {
	keyType, err := crypto.ParseKeyType(f.KeyType)
	if err != nil {
		return composer.FeePayer{}, fmt.Errorf("fee_payer.key_type: %w", err)
	}
	key, err := crypto.PrivateKeyFromHex(keyType, strings.TrimSpace(f.KeyHex))
	if err != nil {
		return composer.FeePayer{}, fmt.Errorf("fee_payer.key_hex: %w", err)
	}
	fee, err := composer.ParseDecimal(f.LockFee)
	if err != nil {
		return composer.FeePayer{}, fmt.Errorf("fee_payer.lock_fee: %w", err)
	}
	return composer.FeePayer{Account: strings.TrimSpace(f.Account), Key: key, LockFee: fee}, nil
}

// ProposalsConfig bounds proposal expiry windows, in rounds.
type ProposalsConfig struct {
	MaxExpiryRounds uint64 `yaml:"max_expiry_rounds" toml:"max_expiry_rounds" split_words:"true"`
}

// MonitorConfig tunes the policy and expiry sweep.
type MonitorConfig struct {
	Interval        Duration `yaml:"interval" toml:"interval"`
	InvalidRecovery bool     `yaml:"invalid_recovery" toml:"invalid_recovery" split_words:"true"`
}

// SubmissionConfig tunes the submission pipeline and resolver.
type SubmissionConfig struct {
	Preview         bool     `yaml:"preview" toml:"preview"`
	SendTimeout     Duration `yaml:"send_timeout" toml:"send_timeout" split_words:"true"`
	PollAttempts    int      `yaml:"poll_attempts" toml:"poll_attempts" split_words:"true"`
	PollInterval    Duration `yaml:"poll_interval" toml:"poll_interval" split_words:"true"`
	ResubmitAfter   Duration `yaml:"resubmit_after" toml:"resubmit_after" split_words:"true"`
	MaxAttempts     int      `yaml:"max_attempts" toml:"max_attempts" split_words:"true"`
	ResolveInterval Duration `yaml:"resolve_interval" toml:"resolve_interval" split_words:"true"`
}

// HTTPConfig tunes the API listener.
type HTTPConfig struct {
	ReadHeaderTimeout Duration `yaml:"read_header_timeout" toml:"read_header_timeout" split_words:"true"`
	RequestTimeout    Duration `yaml:"request_timeout" toml:"request_timeout" split_words:"true"`
	ShutdownTimeout   Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout" split_words:"true"`
	MaxBodyBytes      int64    `yaml:"max_body_bytes" toml:"max_body_bytes" split_words:"true"`
}

// AuthConfig enables bearer tokens on mutating routes.
type AuthConfig struct {
	Enabled    bool   `yaml:"enabled" toml:"enabled"`
	HMACSecret string `yaml:"hmac_secret" toml:"hmac_secret" split_words:"true"`
	Issuer     string `yaml:"issuer" toml:"issuer"`
	Audience   string `yaml:"audience" toml:"audience"`
}

// RateLimitConfig throttles API clients.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute" toml:"requests_per_minute" split_words:"true"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level string `yaml:"level" toml:"level"`
	File  string `yaml:"file" toml:"file"`
}

// TelemetryConfig configures OTLP export.
type TelemetryConfig struct {
	Endpoint    string  `yaml:"endpoint" toml:"endpoint"`
	Insecure    bool    `yaml:"insecure" toml:"insecure"`
	Traces      bool    `yaml:"traces" toml:"traces"`
	Metrics     bool    `yaml:"metrics" toml:"metrics"`
	Headers     string  `yaml:"headers" toml:"headers"`
	SampleRatio float64 `yaml:"sample_ratio" toml:"sample_ratio" split_words:"true"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Port:            "3001",
		Environment:     "development",
		DatabaseDriver:  "postgres",
		GatewayURL:      "https://babylon-stokenet-gateway.radixdlt.com",
		Network:         crypto.Stokenet.Name,
		FrontendOrigins: []string{"http://localhost:3000"},
		Gateway: GatewayConfig{
			Timeout:           Duration{15 * time.Second},
			ReadRetries:       3,
			RetryInterval:     Duration{250 * time.Millisecond},
			RequestsPerSecond: 20,
			Burst:             10,
		},
		FeePayer: FeePayerConfig{KeyType: string(crypto.KeyTypeEd25519), LockFee: "10"},
		Proposals: ProposalsConfig{
			MaxExpiryRounds: 10_000,
		},
		Monitor: MonitorConfig{Interval: Duration{30 * time.Second}},
		Submission: SubmissionConfig{
			SendTimeout:     Duration{20 * time.Second},
			PollAttempts:    5,
			PollInterval:    Duration{2 * time.Second},
			ResubmitAfter:   Duration{2 * time.Minute},
			MaxAttempts:     3,
			ResolveInterval: Duration{15 * time.Second},
		},
		HTTP: HTTPConfig{
			ReadHeaderTimeout: Duration{10 * time.Second},
			RequestTimeout:    Duration{60 * time.Second},
			ShutdownTimeout:   Duration{15 * time.Second},
			MaxBodyBytes:      1 << 20,
		},
		RateLimit: RateLimitConfig{RequestsPerMinute: 120, Burst: 30},
		Logging:   LoggingConfig{Level: "info"},
	}
}

// Load reads the optional file at path over the defaults, applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path = strings.TrimSpace(path); path != "" {
		if err := decodeFile(path, cfg); err != nil {
			return nil, err
		}
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		dec := yaml.NewDecoder(file)
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
	case ".toml":
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("decode config: unknown keys %v", undecoded)
		}
	default:
		return fmt.Errorf("config %s: unsupported extension %q", path, filepath.Ext(path))
	}
	return nil
}

func (c *Config) normalise() {
	c.Port = strings.TrimPrefix(strings.TrimSpace(c.Port), ":")
	c.DatabaseDriver = strings.ToLower(strings.TrimSpace(c.DatabaseDriver))
	c.GatewayURL = strings.TrimRight(strings.TrimSpace(c.GatewayURL), "/")
	c.Network = strings.ToLower(strings.TrimSpace(c.Network))
	c.AccountAddress = strings.TrimSpace(c.AccountAddress)
	origins := c.FrontendOrigins[:0]
	for _, origin := range c.FrontendOrigins {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	c.FrontendOrigins = origins
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("port is required"))
	} else if n, err := strconv.Atoi(c.Port); err != nil || n <= 0 || n > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %q", c.Port))
	}
	switch c.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("unsupported database_driver %q", c.DatabaseDriver))
	}
	if strings.TrimSpace(c.DatabaseURL) == "" {
		errs = append(errs, errors.New("database_url is required"))
	}
	if u, err := url.Parse(c.GatewayURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("invalid gateway_url %q", c.GatewayURL))
	}
	if _, err := crypto.NetworkByName(c.Network); err != nil {
		errs = append(errs, err)
	}
	if c.AccountAddress == "" {
		errs = append(errs, errors.New("account_address is required"))
	}
	if c.FeePayer.Enabled() {
		if strings.TrimSpace(c.FeePayer.Account) == "" {
			errs = append(errs, errors.New("fee_payer.account is required with a fee payer key"))
		}
		if _, err := c.FeePayer.Resolve(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Proposals.MaxExpiryRounds == 0 {
		errs = append(errs, errors.New("proposals.max_expiry_rounds must be positive"))
	}
	if c.Monitor.Interval.Duration <= 0 {
		errs = append(errs, errors.New("monitor.interval must be positive"))
	}
	s := c.Submission
	if s.SendTimeout.Duration <= 0 || s.PollInterval.Duration <= 0 || s.ResolveInterval.Duration <= 0 || s.ResubmitAfter.Duration <= 0 {
		errs = append(errs, errors.New("submission durations must be positive"))
	}
	if s.PollAttempts < 0 {
		errs = append(errs, errors.New("submission.poll_attempts must not be negative"))
	}
	if s.MaxAttempts < 1 {
		errs = append(errs, errors.New("submission.max_attempts must be at least 1"))
	}
	if c.Auth.Enabled && strings.TrimSpace(c.Auth.HMACSecret) == "" {
		errs = append(errs, errors.New("auth.hmac_secret is required when auth is enabled"))
	}
	if c.RateLimit.RequestsPerMinute < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("rate_limit values must not be negative"))
	}
	return errors.Join(errs...)
}

// ListenAddr returns the HTTP listen address.
func (c *Config) ListenAddr() string {
	return ":" + c.Port
}
