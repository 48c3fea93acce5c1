// Package config loads service settings from defaults, an optional YAML or
// TOML file and GIFTLOCK_* environment variables, in that order.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"giftlock/internal/codehash"
	"giftlock/internal/fee"
	"giftlock/internal/ledger"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Duration reads "90s" style strings from YAML and TOML alike.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

type Config struct {
	Server      ServerConfig      `yaml:"server" toml:"server"`
	Store       StoreConfig       `yaml:"store" toml:"store"`
	Chain       ChainConfig       `yaml:"chain" toml:"chain"`
	Ledger      LedgerConfig      `yaml:"ledger" toml:"ledger"`
	Fees        FeeConfig         `yaml:"fees" toml:"fees"`
	Sweeper     SweeperConfig     `yaml:"sweeper" toml:"sweeper"`
	Retry       RetryConfig       `yaml:"retry" toml:"retry"`
	Idempotency IdempotencyConfig `yaml:"idempotency" toml:"idempotency"`
	DLQ         DLQConfig         `yaml:"dlq" toml:"dlq"`
	Log         LogConfig         `yaml:"log" toml:"log"`
}

type ServerConfig struct {
	Addr              string            `yaml:"addr" toml:"addr"`
	ReadHeaderTimeout Duration          `yaml:"read_header_timeout" toml:"read_header_timeout"`
	ShutdownTimeout   Duration          `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	HMACKeys          map[string]string `yaml:"hmac_keys" toml:"hmac_keys"`
	HMACClockSkew     Duration          `yaml:"hmac_clock_skew" toml:"hmac_clock_skew"`
}

type StoreConfig struct {
	Type        string      `yaml:"type" toml:"type"`
	PostgresDSN string      `yaml:"postgres_dsn" toml:"postgres_dsn"`
	Table       string      `yaml:"table" toml:"table"`
	Redis       RedisConfig `yaml:"redis" toml:"redis"`
	CacheSize   int         `yaml:"cache_size" toml:"cache_size"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" toml:"addr"`
	Password string `yaml:"password" toml:"password"`
	DB       int    `yaml:"db" toml:"db"`
	Prefix   string `yaml:"prefix" toml:"prefix"`
}

// ChainConfig selects the custody backend. Without a private key the
// service runs against the in-memory bank.
type ChainConfig struct {
	RPCURL         string   `yaml:"rpc_url" toml:"rpc_url"`
	PrivateKey     string   `yaml:"private_key" toml:"private_key"`
	ReceiptTimeout Duration `yaml:"receipt_timeout" toml:"receipt_timeout"`
	PollInterval   Duration `yaml:"poll_interval" toml:"poll_interval"`
	EscrowAccount  string   `yaml:"escrow_account" toml:"escrow_account"`
}

type LedgerConfig struct {
	TransferTimeout Duration `yaml:"transfer_timeout" toml:"transfer_timeout"`
	HashAlgorithm   string   `yaml:"hash_algorithm" toml:"hash_algorithm"`
}

type FeeConfig struct {
	BasisPoints uint32 `yaml:"basis_points" toml:"basis_points"`
	Recipient   string `yaml:"recipient" toml:"recipient"`
}

type SweeperConfig struct {
	Enabled    bool     `yaml:"enabled" toml:"enabled"`
	Interval   Duration `yaml:"interval" toml:"interval"`
	BatchSize  int      `yaml:"batch_size" toml:"batch_size"`
	RunTimeout Duration `yaml:"run_timeout" toml:"run_timeout"`
}

type RetryConfig struct {
	MaxAttempts       int      `yaml:"max_attempts" toml:"max_attempts"`
	InitialBackoff    Duration `yaml:"initial_backoff" toml:"initial_backoff"`
	MaxBackoff        Duration `yaml:"max_backoff" toml:"max_backoff"`
	BackoffMultiplier int      `yaml:"backoff_multiplier" toml:"backoff_multiplier"`
}

type IdempotencyConfig struct {
	Store  string   `yaml:"store" toml:"store"`
	Path   string   `yaml:"path" toml:"path"`
	Window Duration `yaml:"window" toml:"window"`
}

type DLQConfig struct {
	Path string `yaml:"path" toml:"path"`
}

type LogConfig struct {
	Level string `yaml:"level" toml:"level"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              ":3000",
			ReadHeaderTimeout: Duration{15 * time.Second},
			ShutdownTimeout:   Duration{30 * time.Second},
			HMACKeys:          map[string]string{},
			HMACClockSkew:     Duration{60 * time.Second},
		},
		Store: StoreConfig{
			Type:      "memory",
			Table:     "gifts",
			CacheSize: 1024,
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "giftlock",
			},
		},
		Chain: ChainConfig{
			RPCURL:         "http://localhost:8545",
			ReceiptTimeout: Duration{2 * time.Minute},
			PollInterval:   Duration{2 * time.Second},
			EscrowAccount:  "escrow",
		},
		Ledger: LedgerConfig{
			TransferTimeout: Duration{3 * time.Minute},
			HashAlgorithm:   string(codehash.Keccak256),
		},
		Sweeper: SweeperConfig{
			Enabled:    true,
			Interval:   Duration{24 * time.Hour},
			BatchSize:  100,
			RunTimeout: Duration{30 * time.Minute},
		},
		Retry: RetryConfig{
			MaxAttempts:       3,
			InitialBackoff:    Duration{500 * time.Millisecond},
			MaxBackoff:        Duration{5 * time.Second},
			BackoffMultiplier: 2,
		},
		Idempotency: IdempotencyConfig{
			Store:  "file",
			Path:   filepath.Join(os.TempDir(), "giftlock-idem.json"),
			Window: Duration{24 * time.Hour},
		},
		DLQ: DLQConfig{
			Path: filepath.Join(os.TempDir(), "giftlock-dlq"),
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load builds the configuration. An empty path skips the file step.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.loadFromEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, c)
	case ".yaml", ".yml", "":
		err = yaml.Unmarshal(data, c)
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
	if err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

func (c *Config) loadFromEnv() error {
	c.Server.Addr = envOr("GIFTLOCK_ADDR", c.Server.Addr)
	c.Server.HMACClockSkew.Duration = envOrDuration("GIFTLOCK_HMAC_CLOCK_SKEW", c.Server.HMACClockSkew.Duration)
	if v := envOr("GIFTLOCK_HMAC_KEYS", ""); v != "" {
		keys, err := parseKeys(v)
		if err != nil {
			return err
		}
		c.Server.HMACKeys = keys
	}

	c.Store.Type = envOr("GIFTLOCK_STORE_TYPE", c.Store.Type)
	c.Store.PostgresDSN = envOr("GIFTLOCK_POSTGRES_DSN", c.Store.PostgresDSN)
	c.Store.Redis.Addr = envOr("GIFTLOCK_REDIS_ADDR", c.Store.Redis.Addr)
	c.Store.Redis.Password = envOr("GIFTLOCK_REDIS_PASSWORD", c.Store.Redis.Password)
	c.Store.Redis.DB = envOrInt("GIFTLOCK_REDIS_DB", c.Store.Redis.DB)
	c.Store.CacheSize = envOrInt("GIFTLOCK_CACHE_SIZE", c.Store.CacheSize)

	c.Chain.RPCURL = envOr("GIFTLOCK_CHAIN_RPC_URL", c.Chain.RPCURL)
	c.Chain.PrivateKey = envOr("GIFTLOCK_CHAIN_PRIVATE_KEY", c.Chain.PrivateKey)
	c.Chain.ReceiptTimeout.Duration = envOrDuration("GIFTLOCK_CHAIN_RECEIPT_TIMEOUT", c.Chain.ReceiptTimeout.Duration)

	c.Ledger.TransferTimeout.Duration = envOrDuration("GIFTLOCK_TRANSFER_TIMEOUT", c.Ledger.TransferTimeout.Duration)
	c.Ledger.HashAlgorithm = envOr("GIFTLOCK_HASH_ALGORITHM", c.Ledger.HashAlgorithm)

	c.Fees.BasisPoints = uint32(envOrInt("GIFTLOCK_FEE_BPS", int(c.Fees.BasisPoints)))
	c.Fees.Recipient = envOr("GIFTLOCK_FEE_RECIPIENT", c.Fees.Recipient)

	c.Sweeper.Enabled = envOrBool("GIFTLOCK_SWEEP_ENABLED", c.Sweeper.Enabled)
	c.Sweeper.Interval.Duration = envOrDuration("GIFTLOCK_SWEEP_INTERVAL", c.Sweeper.Interval.Duration)
	c.Sweeper.BatchSize = envOrInt("GIFTLOCK_SWEEP_BATCH_SIZE", c.Sweeper.BatchSize)

	c.Retry.MaxAttempts = envOrInt("GIFTLOCK_RETRY_MAX_ATTEMPTS", c.Retry.MaxAttempts)

	c.Idempotency.Store = envOr("GIFTLOCK_IDEMPOTENCY_STORE", c.Idempotency.Store)
	c.Idempotency.Path = envOr("GIFTLOCK_IDEMPOTENCY_PATH", c.Idempotency.Path)
	c.Idempotency.Window.Duration = envOrDuration("GIFTLOCK_IDEMPOTENCY_WINDOW", c.Idempotency.Window.Duration)

	c.DLQ.Path = envOr("GIFTLOCK_DLQ_PATH", c.DLQ.Path)
	c.Log.Level = envOr("GIFTLOCK_LOG_LEVEL", c.Log.Level)
	return nil
}

func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server addr is required")
	}
	if c.Server.HMACClockSkew.Duration <= 0 {
		return fmt.Errorf("hmac_clock_skew must be positive")
	}

	switch c.Store.Type {
	case "memory":
	case "postgres":
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("postgres_dsn is required when store type is 'postgres'")
		}
	case "redis":
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("redis addr is required when store type is 'redis'")
		}
	default:
		return fmt.Errorf("invalid store type: %s (must be 'memory', 'postgres' or 'redis')", c.Store.Type)
	}
	if c.Store.CacheSize < 0 {
		return fmt.Errorf("cache_size must not be negative")
	}

	if c.Chain.PrivateKey != "" && c.Chain.RPCURL == "" {
		return fmt.Errorf("rpc_url is required when a private key is set")
	}
	if c.Chain.PrivateKey == "" && c.Chain.EscrowAccount == "" {
		return fmt.Errorf("escrow_account is required for the in-memory bank")
	}

	if c.Ledger.TransferTimeout.Duration <= 0 {
		return fmt.Errorf("transfer_timeout must be positive")
	}
	if c.Chain.PrivateKey != "" {
		// A push cut off before its receipt wait ends cannot be told apart
		// from one that never reached the chain.
		if c.Ledger.TransferTimeout.Duration < c.Chain.ReceiptTimeout.Duration {
			return fmt.Errorf("transfer_timeout (%s) must be at least the chain receipt_timeout (%s)",
				c.Ledger.TransferTimeout.Duration, c.Chain.ReceiptTimeout.Duration)
		}
		if len(c.Server.HMACKeys) == 0 {
			return fmt.Errorf("hmac_keys are required when custody moves on-chain assets")
		}
	}
	if _, err := codehash.NewVerifier(c.Ledger.HashAlgorithm); err != nil {
		return err
	}
	if err := c.FeePolicy().Validate(); err != nil {
		return err
	}

	if c.Sweeper.Interval.Duration <= 0 {
		return fmt.Errorf("sweeper interval must be positive")
	}
	if c.Sweeper.BatchSize < 1 || c.Sweeper.BatchSize > ledger.MaxBatch {
		return fmt.Errorf("sweeper batch_size must be between 1 and %d", ledger.MaxBatch)
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry max_attempts must be at least 1")
	}

	switch c.Idempotency.Store {
	case "memory", "file", "postgres", "redis":
	default:
		return fmt.Errorf("invalid idempotency store: %s", c.Idempotency.Store)
	}
	if c.Idempotency.Store == "file" && c.Idempotency.Path == "" {
		return fmt.Errorf("idempotency path is required for the file store")
	}
	if c.Idempotency.Store == "postgres" && c.Store.PostgresDSN == "" {
		return fmt.Errorf("postgres_dsn is required for the postgres idempotency store")
	}
	if c.Idempotency.Window.Duration <= 0 {
		return fmt.Errorf("idempotency window must be positive")
	}
	return nil
}

// FeePolicy converts the fee section.
func (c *Config) FeePolicy() fee.Policy {
	return fee.Policy{BasisPoints: c.Fees.BasisPoints, Recipient: strings.TrimSpace(c.Fees.Recipient)}
}

// parseKeys reads "id:secret,id2:secret2". A bare secret is stored under
// the default key id.
func parseKeys(v string) (map[string]string, error) {
	keys := make(map[string]string)
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, secret, ok := strings.Cut(part, ":")
		if !ok {
			id, secret = "default", part
		}
		if id == "" || secret == "" {
			return nil, fmt.Errorf("invalid hmac key entry %q", part)
		}
		keys[id] = secret
	}
	return keys, nil
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrDuration(key string, fallback time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return fallback
}
