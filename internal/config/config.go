// Package config defines the top-level configuration for the stakepool
// service and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure. Fields are populated from a
// TOML or YAML file and then optionally overridden by STAKEPOOL_* environment
// variables.
type Config struct {
	Database   DatabaseConfig   `toml:"database" yaml:"database"`
	Redis      RedisConfig      `toml:"redis" yaml:"redis"`
	S3         S3Config         `toml:"s3" yaml:"s3"`
	Escrow     EscrowConfig     `toml:"escrow" yaml:"escrow"`
	Settlement SettlementConfig `toml:"settlement" yaml:"settlement"`
	Signer     SignerConfig     `toml:"signer" yaml:"signer"`
	Server     ServerConfig     `toml:"server" yaml:"server"`
	Notify     NotifyConfig     `toml:"notify" yaml:"notify"`
	Mode       string           `toml:"mode" yaml:"mode"`
	LogLevel   string           `toml:"log_level" yaml:"log_level"`
}

// DatabaseConfig selects the datastore. Postgres is the production driver;
// sqlite serves single-node deployments.
type DatabaseConfig struct {
	Driver        string `toml:"driver" yaml:"driver"`
	DSN           string `toml:"dsn" yaml:"dsn"`
	Host          string `toml:"host" yaml:"host"`
	Port          int    `toml:"port" yaml:"port"`
	Database      string `toml:"database" yaml:"database"`
	User          string `toml:"user" yaml:"user"`
	Password      string `toml:"password" yaml:"password"`
	SSLMode       string `toml:"ssl_mode" yaml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns" yaml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns" yaml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations" yaml:"run_migrations"`
	SQLitePath    string `toml:"sqlite_path" yaml:"sqlite_path"`
}

// RedisConfig holds Redis connection parameters. Without Redis the service
// runs with no caches, bus, rate limiter or job locks.
type RedisConfig struct {
	Enabled      bool     `toml:"enabled" yaml:"enabled"`
	Addr         string   `toml:"addr" yaml:"addr"`
	Password     string   `toml:"password" yaml:"password"`
	DB           int      `toml:"db" yaml:"db"`
	PoolSize     int      `toml:"pool_size" yaml:"pool_size"`
	MaxRetries   int      `toml:"max_retries" yaml:"max_retries"`
	DialTimeout  duration `toml:"dial_timeout" yaml:"dial_timeout"`
	TLSEnabled   bool     `toml:"tls_enabled" yaml:"tls_enabled"`
	StreamMaxLen int64    `toml:"stream_max_len" yaml:"stream_max_len"`
}

// S3Config holds S3-compatible object storage parameters for the
// settlement archive.
type S3Config struct {
	Enabled        bool   `toml:"enabled" yaml:"enabled"`
	Endpoint       string `toml:"endpoint" yaml:"endpoint"`
	Region         string `toml:"region" yaml:"region"`
	Bucket         string `toml:"bucket" yaml:"bucket"`
	AccessKey      string `toml:"access_key" yaml:"access_key"`
	SecretKey      string `toml:"secret_key" yaml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl" yaml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style" yaml:"force_path_style"`
}

// EscrowConfig tunes the lock manager.
type EscrowConfig struct {
	LockTTL       duration `toml:"lock_ttl" yaml:"lock_ttl"`
	SweepInterval duration `toml:"sweep_interval" yaml:"sweep_interval"`
	SweepBatch    int      `toml:"sweep_batch" yaml:"sweep_batch"`
}

// SettlementConfig covers claim publication and the scheduled jobs around
// settlement.
type SettlementConfig struct {
	ChainID         int64    `toml:"chain_id" yaml:"chain_id"`
	ContractAddress string   `toml:"contract_address" yaml:"contract_address"`
	Attest          bool     `toml:"attest" yaml:"attest"`
	PublishOnSettle bool     `toml:"publish_on_settle" yaml:"publish_on_settle"`
	PublishInterval duration `toml:"publish_interval" yaml:"publish_interval"`
	CloseInterval   duration `toml:"close_interval" yaml:"close_interval"`
	JobBatch        int      `toml:"job_batch" yaml:"job_batch"`
}

// SignerConfig holds the operator key used to attest Merkle roots.
type SignerConfig struct {
	PrivateKey       string `toml:"private_key" yaml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path" yaml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password" yaml:"key_password"`
}

// duration is a wrapper around time.Duration that decodes from strings like
// "5m" or "30s" in both TOML and YAML.
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for the TOML decoder.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	return d.UnmarshalText([]byte(value.Value))
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled         bool     `toml:"enabled" yaml:"enabled"`
	Port            int      `toml:"port" yaml:"port"`
	CORSOrigins     []string `toml:"cors_origins" yaml:"cors_origins"`
	APIKey          string   `toml:"api_key" yaml:"api_key"`
	GatewaySecret   string   `toml:"gateway_secret" yaml:"gateway_secret"`
	GatewayMaxSkew  duration `toml:"gateway_max_skew" yaml:"gateway_max_skew"`
	StakeRateLimit  int      `toml:"stake_rate_limit" yaml:"stake_rate_limit"`
	StakeRateWindow duration `toml:"stake_rate_window" yaml:"stake_rate_window"`

	// RequestRateLimit caps all API requests per client; 0 disables it.
	RequestRateLimit  int      `toml:"request_rate_limit" yaml:"request_rate_limit"`
	RequestRateWindow duration `toml:"request_rate_window" yaml:"request_rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token" yaml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id" yaml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url" yaml:"discord_webhook_url"`
	Events            []string `toml:"events" yaml:"events"`
	PerSecond         float64  `toml:"per_second" yaml:"per_second"`
	Burst             int      `toml:"burst" yaml:"burst"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Database: DatabaseConfig{
			Driver:        "postgres",
			Host:          "localhost",
			Port:          5432,
			Database:      "stakepool",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
			SQLitePath:    "stakepool.db",
		},
		Redis: RedisConfig{
			Enabled:      true,
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			DialTimeout:  duration{5 * time.Second},
			StreamMaxLen: 10000,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "stakepool-settlements",
			ForcePathStyle: true,
		},
		Escrow: EscrowConfig{
			LockTTL:       duration{5 * time.Minute},
			SweepInterval: duration{time.Minute},
			SweepBatch:    500,
		},
		Settlement: SettlementConfig{
			ChainID:         137,
			PublishOnSettle: true,
			PublishInterval: duration{time.Minute},
			CloseInterval:   duration{30 * time.Second},
			JobBatch:        100,
		},
		Server: ServerConfig{
			Enabled:         true,
			Port:            8080,
			CORSOrigins:     []string{"*"},
			GatewayMaxSkew:  duration{5 * time.Minute},
			StakeRateLimit:  30,
			StakeRateWindow: duration{time.Minute},

			RequestRateLimit:  600,
			RequestRateWindow: duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events:    []string{"settlement_completed", "data_integrity", "root_mismatch", "sweep_failed"},
			PerSecond: 1,
			Burst:     5,
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"api":    true,
	"worker": true,
	"full":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks the configuration for logical errors and returns a
// combined error describing every problem found, or nil if the
// configuration is valid.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: api, worker, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	switch strings.ToLower(c.Database.Driver) {
	case "postgres":
		if strings.TrimSpace(c.Database.DSN) == "" {
			if c.Database.Host == "" {
				errs = append(errs, "database: host must not be empty (or set database.dsn)")
			}
			if c.Database.Port <= 0 || c.Database.Port > 65535 {
				errs = append(errs, fmt.Sprintf("database: port must be 1-65535, got %d", c.Database.Port))
			}
			if c.Database.Database == "" {
				errs = append(errs, "database: database must not be empty")
			}
		}
		if c.Database.PoolMaxConns < 1 {
			errs = append(errs, "database: pool_max_conns must be >= 1")
		}
		if c.Database.PoolMinConns < 0 {
			errs = append(errs, "database: pool_min_conns must be >= 0")
		}
		if c.Database.PoolMinConns > c.Database.PoolMaxConns {
			errs = append(errs, "database: pool_min_conns must not exceed pool_max_conns")
		}
	case "sqlite":
		if strings.TrimSpace(c.Database.SQLitePath) == "" {
			errs = append(errs, "database: sqlite_path must not be empty for the sqlite driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("database: unknown driver %q (valid: postgres, sqlite)", c.Database.Driver))
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	if c.S3.Enabled && c.S3.Bucket == "" {
		errs = append(errs, "s3: bucket must not be empty")
	}

	if c.Escrow.LockTTL.Duration <= 0 {
		errs = append(errs, "escrow: lock_ttl must be > 0")
	}
	if c.Escrow.SweepBatch < 1 {
		errs = append(errs, "escrow: sweep_batch must be >= 1")
	}
	if c.Escrow.SweepInterval.Duration < 0 || c.Settlement.PublishInterval.Duration < 0 || c.Settlement.CloseInterval.Duration < 0 {
		errs = append(errs, "job intervals must not be negative")
	}

	if c.Settlement.ContractAddress != "" && !common.IsHexAddress(c.Settlement.ContractAddress) {
		errs = append(errs, fmt.Sprintf("settlement: contract_address %q is not a hex address", c.Settlement.ContractAddress))
	}
	if c.Settlement.Attest {
		if c.Settlement.ChainID <= 0 {
			errs = append(errs, "settlement: chain_id must be positive when attest is enabled")
		}
		if c.Settlement.ContractAddress == "" {
			errs = append(errs, "settlement: contract_address is required when attest is enabled")
		}
		if c.Signer.PrivateKey == "" && c.Signer.EncryptedKeyPath == "" {
			errs = append(errs, "signer: either private_key or encrypted_key_path must be set when settlement.attest is enabled")
		}
	}
	if c.Signer.EncryptedKeyPath != "" && c.Signer.KeyPassword == "" {
		errs = append(errs, "signer: key_password is required when encrypted_key_path is set")
	}

	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.StakeRateLimit < 0 {
			errs = append(errs, "server: stake_rate_limit must be >= 0")
		}
		if c.Server.StakeRateLimit > 0 && c.Server.StakeRateWindow.Duration <= 0 {
			errs = append(errs, "server: stake_rate_window must be > 0 when stake_rate_limit is set")
		}
		if c.Server.RequestRateLimit < 0 {
			errs = append(errs, "server: request_rate_limit must be >= 0")
		}
		if c.Server.RequestRateLimit > 0 && c.Server.RequestRateWindow.Duration <= 0 {
			errs = append(errs, "server: request_rate_window must be > 0 when request_rate_limit is set")
		}
	}

	if c.Notify.PerSecond < 0 || c.Notify.Burst < 0 {
		errs = append(errs, "notify: per_second and burst must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
