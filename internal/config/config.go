// Package config defines all configuration for the connector. Config is
// loaded from a YAML file (default: configs/config.yaml) with sensitive
// fields overridable via HL_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Venue   VenueConfig   `mapstructure:"venue"`
	Wallet  WalletConfig  `mapstructure:"wallet"`
	Signer  SignerConfig  `mapstructure:"signer"`
	Tracker TrackerConfig `mapstructure:"tracker"`
	Events  EventsConfig  `mapstructure:"events"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// VenueConfig points the transport layer (C4) at a venue endpoint and
// tunes its connection lifecycle. Millisecond fields are plain ints so the
// YAML stays flat (e.g. post_timeout_ms: 5000); callers convert to
// time.Duration at the point of use.
type VenueConfig struct {
	WSURL                 string `mapstructure:"venue_ws_url"`
	Testnet               bool   `mapstructure:"testnet"`
	PostTimeoutMs         int    `mapstructure:"post_timeout_ms"`
	HeartbeatPingAfterMs  int    `mapstructure:"heartbeat_ping_after_ms"`
	HeartbeatStaleAfterMs int    `mapstructure:"heartbeat_stale_after_ms"`
	HandshakeTimeoutMs    int    `mapstructure:"handshake_timeout_ms"`
	MaxBackoffMs          int    `mapstructure:"max_backoff_ms"`
	TradingRulesURL       string `mapstructure:"trading_rules_url"`

	OrderRateCapacity   float64 `mapstructure:"order_rate_capacity"`
	OrderRatePerSecond  float64 `mapstructure:"order_rate_per_second"`
	CancelRateCapacity  float64 `mapstructure:"cancel_rate_capacity"`
	CancelRatePerSecond float64 `mapstructure:"cancel_rate_per_second"`
}

func (v VenueConfig) PostTimeout() time.Duration         { return time.Duration(v.PostTimeoutMs) * time.Millisecond }
func (v VenueConfig) HeartbeatPingAfter() time.Duration  { return time.Duration(v.HeartbeatPingAfterMs) * time.Millisecond }
func (v VenueConfig) HeartbeatStaleAfter() time.Duration { return time.Duration(v.HeartbeatStaleAfterMs) * time.Millisecond }
func (v VenueConfig) HandshakeTimeout() time.Duration    { return time.Duration(v.HandshakeTimeoutMs) * time.Millisecond }
func (v VenueConfig) MaxBackoff() time.Duration          { return time.Duration(v.MaxBackoffMs) * time.Millisecond }

// WalletConfig holds the Ethereum wallet used to submit orders. PrivateKey
// is only set when the connector signs in-process instead of delegating to
// the signer bridge; when the bridge owns key material, leave it empty.
type WalletConfig struct {
	Address    string `mapstructure:"address"`
	PrivateKey string `mapstructure:"private_key"`
	ChainID    int    `mapstructure:"chain_id"`
}

// SignerConfig configures the out-of-process signer bridge (C5) and its
// nonce reservoir backend (spec.md §4.4).
type SignerConfig struct {
	ExecutablePath string   `mapstructure:"executable_path"`
	ExecutableArgs []string `mapstructure:"executable_args"`

	NonceBackend string `mapstructure:"nonce_backend"` // "in_process" or "redis"
	RedisAddr    string `mapstructure:"redis_addr"`
	RedisKey     string `mapstructure:"redis_key"`
}

// TrackerConfig tunes the order tracker's (C3) reconciliation behavior.
type TrackerConfig struct {
	MaxNotFoundRetries        int    `mapstructure:"max_not_found_retries"`
	AutoCleanupTerminalOrders bool   `mapstructure:"auto_cleanup_terminal_orders"`
	ClientOrderIdPrefix       string `mapstructure:"client_order_id_prefix"`
}

// EventsConfig configures the event fan-out (C8) sinks.
type EventsConfig struct {
	BusEndpoint  string `mapstructure:"event_bus_endpoint"`
	TopicPrefix  string `mapstructure:"event_topic_prefix"`
	AuditDBPath  string `mapstructure:"audit_db_path"`
	AuditEnabled bool   `mapstructure:"audit_enabled"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: HL_WALLET_PRIVATE_KEY, HL_WALLET_ADDRESS.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("HL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("HL_WALLET_PRIVATE_KEY"); key != "" {
		cfg.Wallet.PrivateKey = key
	}
	if addr := os.Getenv("HL_WALLET_ADDRESS"); addr != "" {
		cfg.Wallet.Address = addr
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("venue.post_timeout_ms", 5000)
	v.SetDefault("venue.heartbeat_ping_after_ms", 20000)
	v.SetDefault("venue.heartbeat_stale_after_ms", 45000)
	v.SetDefault("venue.handshake_timeout_ms", 8000)
	v.SetDefault("venue.max_backoff_ms", 30000)
	// tracker.max_not_found_retries default of 0 (disabled) is a deliberate
	// deviation from spec.md's documented 3 — see DESIGN.md's
	// internal/tracker open-question decisions.
	v.SetDefault("tracker.max_not_found_retries", 0)
	v.SetDefault("tracker.auto_cleanup_terminal_orders", true)
	v.SetDefault("tracker.client_order_id_prefix", "LS")
	v.SetDefault("signer.nonce_backend", "in_process")
	v.SetDefault("events.event_topic_prefix", "orders")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Venue.WSURL == "" {
		return fmt.Errorf("venue.venue_ws_url is required")
	}
	if c.Wallet.Address == "" {
		return fmt.Errorf("wallet.address is required")
	}
	if c.Wallet.ChainID == 0 {
		return fmt.Errorf("wallet.chain_id is required")
	}
	if c.Signer.ExecutablePath == "" {
		return fmt.Errorf("signer.executable_path is required")
	}
	switch c.Signer.NonceBackend {
	case "in_process":
	case "redis":
		if c.Signer.RedisAddr == "" {
			return fmt.Errorf("signer.redis_addr is required when signer.nonce_backend is redis")
		}
	default:
		return fmt.Errorf("signer.nonce_backend must be one of: in_process, redis")
	}
	if c.Tracker.MaxNotFoundRetries < 0 {
		return fmt.Errorf("tracker.max_not_found_retries must be >= 0")
	}
	return nil
}
