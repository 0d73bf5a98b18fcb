// Command connector runs the Hyperliquid perpetuals trading connector
// core as a standalone process: it maintains the duplex venue connection,
// reconciles order/trade state, and fans out lifecycle events, exposing
// Buy/Sell/Cancel/GetOrder/GetOpenOrders through the façade in
// internal/connector for an embedding strategy process to call.
//
// Architecture:
//
//	main.go                  — entry point: loads config, wires every
//	                            component, waits for SIGINT/SIGTERM
//	internal/tracker         — C3: order/trade state machine
//	internal/transport       — C4: duplex venue connection, request/
//	                            response correlation (one session per
//	                            Run; internal/connector reconnects)
//	internal/signer          — C5: out-of-process signer bridge, nonces
//	internal/userstream      — C6: venue push decoding → tracker deltas
//	internal/connector       — C7: public façade (Buy/Sell/Cancel/...)
//	internal/events          — C8: lifecycle event fan-out
//	internal/quantize        — trading-rules cache, price/size rounding
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"hlconnector/internal/config"
	"hlconnector/internal/connector"
	"hlconnector/internal/events"
	"hlconnector/internal/idgen"
	"hlconnector/internal/quantize"
	"hlconnector/internal/signer"
	"hlconnector/internal/tracker"
	"hlconnector/internal/transport"
	"hlconnector/internal/userstream"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("HL_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	publisher := events.New(logger)
	if cfg.Events.BusEndpoint != "" {
		publisher.Register(events.NewBusSink(cfg.Events.BusEndpoint, cfg.Events.TopicPrefix, logger))
	}
	if cfg.Events.AuditEnabled {
		auditSink, err := events.NewAuditSink(cfg.Events.AuditDBPath, logger)
		if err != nil {
			logger.Error("failed to open audit sink", "error", err)
			os.Exit(1)
		}
		publisher.Register(auditSink)
	}

	// The tracker is built with no listener yet — the façade that must
	// itself observe tracker events (to resolve pending cancel futures
	// before forwarding to the publisher) can only be built from an
	// already-existing tracker. trk.SetListener(conn) below closes the loop.
	trk := tracker.New(tracker.Config{
		AutoCleanupTerminalOrders: cfg.Tracker.AutoCleanupTerminalOrders,
		MaxNotFoundRetries:        cfg.Tracker.MaxNotFoundRetries,
	}, nil, logger)

	ingestor := userstream.New(trk, logger)

	tr := transport.New(transport.Config{
		URL:              cfg.Venue.WSURL,
		HandshakeTimeout: cfg.Venue.HandshakeTimeout(),
		PostTimeout:      cfg.Venue.PostTimeout(),
		PingAfter:        cfg.Venue.HeartbeatPingAfter(),
		StaleAfter:       cfg.Venue.HeartbeatStaleAfter(),
		RateLimits: transport.RateLimits{
			OrderCapacity:  cfg.Venue.OrderRateCapacity,
			OrderRate:      cfg.Venue.OrderRatePerSecond,
			CancelCapacity: cfg.Venue.CancelRateCapacity,
			CancelRate:     cfg.Venue.CancelRatePerSecond,
		},
	}, ingestor.HandleChannelMessage, logger)

	proc, err := signer.StartProcess(cfg.Signer.ExecutablePath, cfg.Signer.ExecutableArgs...)
	if err != nil {
		logger.Error("failed to start signer bridge process", "error", err, "path", cfg.Signer.ExecutablePath)
		os.Exit(1)
	}
	defer proc.Close()

	var nonceSource signer.NonceSource
	if cfg.Signer.NonceBackend == "redis" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Signer.RedisAddr})
		key := cfg.Signer.RedisKey
		if key == "" {
			key = "hlconnector:nonce:" + cfg.Wallet.Address
		}
		nonceSource = signer.NewRedisNonceSource(rdb, key)
	} else {
		nonceSource = signer.NewInProcessNonceSource()
	}
	bridge := signer.NewBridge(proc, nonceSource)

	quantizer := quantize.NewCache(cfg.Venue.TradingRulesURL)
	refreshCtx, cancelRefresh := context.WithTimeout(context.Background(), 30*time.Second)
	if err := quantizer.Refresh(refreshCtx); err != nil {
		logger.Warn("initial trading-rules refresh failed, continuing with an empty cache", "error", err)
	}
	cancelRefresh()

	idGen := idgen.New(cfg.Tracker.ClientOrderIdPrefix)

	conn := connector.New(connector.Config{
		WalletAddress:       cfg.Wallet.Address,
		MaxReconnectBackoff: cfg.Venue.MaxBackoff(),
	}, trk, tr, bridge, idGen, quantizer, publisher, logger)
	trk.SetListener(conn)

	runCtx, stopRun := context.WithCancel(context.Background())
	go func() {
		if err := conn.RunTransport(runCtx); err != nil && runCtx.Err() == nil {
			logger.Error("transport run loop exited unexpectedly", "error", err)
		}
	}()

	logger.Info("connector started",
		"venue_ws_url", cfg.Venue.WSURL,
		"testnet", cfg.Venue.Testnet,
		"wallet", cfg.Wallet.Address,
		"nonce_backend", cfg.Signer.NonceBackend,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	stopRun()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
