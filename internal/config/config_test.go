package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleYAML = `
venue:
  venue_ws_url: wss://api.hyperliquid.xyz/ws
  testnet: false
  post_timeout_ms: 3000
wallet:
  address: "0xabc0000000000000000000000000000000000a"
  chain_id: 42161
signer:
  executable_path: /usr/local/bin/hl-signer
  nonce_backend: in_process
tracker:
  client_order_id_prefix: LS
events:
  event_bus_endpoint: http://localhost:8090/events
`

func writeSample(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write sample config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaultsForOmittedFields(t *testing.T) {
	t.Parallel()
	cfg, err := Load(writeSample(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Venue.PostTimeoutMs != 3000 {
		t.Errorf("PostTimeoutMs = %d, want 3000 (set explicitly)", cfg.Venue.PostTimeoutMs)
	}
	if cfg.Venue.HeartbeatStaleAfterMs != 45000 {
		t.Errorf("HeartbeatStaleAfterMs = %d, want default 45000", cfg.Venue.HeartbeatStaleAfterMs)
	}
	if cfg.Tracker.ClientOrderIdPrefix != "LS" {
		t.Errorf("ClientOrderIdPrefix = %q, want LS", cfg.Tracker.ClientOrderIdPrefix)
	}
	if cfg.Signer.NonceBackend != "in_process" {
		t.Errorf("NonceBackend = %q, want in_process", cfg.Signer.NonceBackend)
	}
}

func TestLoadDurationHelpersConvertMillis(t *testing.T) {
	t.Parallel()
	cfg, err := Load(writeSample(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got, want := cfg.Venue.PostTimeout().Milliseconds(), int64(3000); got != want {
		t.Errorf("PostTimeout() = %dms, want %dms", got, want)
	}
}

func TestPrivateKeyEnvOverride(t *testing.T) {
	t.Setenv("HL_WALLET_PRIVATE_KEY", "deadbeef")
	cfg, err := Load(writeSample(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Wallet.PrivateKey != "deadbeef" {
		t.Errorf("PrivateKey = %q, want env override deadbeef", cfg.Wallet.PrivateKey)
	}
}

func TestValidateRequiresVenueURL(t *testing.T) {
	t.Parallel()
	cfg, err := Load(writeSample(t, `
wallet:
  address: "0xabc"
  chain_id: 1
signer:
  executable_path: /bin/true
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected Validate to reject a missing venue_ws_url")
	}
}

func TestValidateRequiresRedisAddrWhenBackendIsRedis(t *testing.T) {
	t.Parallel()
	cfg, err := Load(writeSample(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.Signer.NonceBackend = "redis"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected Validate to require redis_addr when nonce_backend is redis")
	}
	cfg.Signer.RedisAddr = "localhost:6379"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	t.Parallel()
	cfg, err := Load(writeSample(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}
