package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"cinderchain/config"
	"cinderchain/core/types"
	"cinderchain/observability/logging"
	telemetry "cinderchain/observability/otel"
	"cinderchain/p2p"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	listenFlag := flag.String("listen", "", "Override the configured listen address")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if addr := strings.TrimSpace(*listenFlag); addr != "" {
		cfg.ListenAddress = addr
	}

	env := strings.TrimSpace(os.Getenv("CINDER_ENV"))
	var logger *slog.Logger
	if cfg.LogFile != "" {
		logger = logging.SetupWithRotation("p2pd", env, cfg.LogFile, cfg.LogMaxSizeMB)
	} else {
		logger = logging.Setup("p2pd", env)
	}

	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	otlpHeaders := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	otlpInsecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			otlpInsecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "p2pd",
		Environment: env,
		Endpoint:    otlpEndpoint,
		Insecure:    otlpInsecure,
		Headers:     otlpHeaders,
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		logger.Error("Failed to initialise telemetry", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	var genesisHash types.Hash
	if cfg.GenesisHash != "" {
		genesisHash, err = types.HashFromHex(cfg.GenesisHash)
		if err != nil {
			logger.Error("Invalid genesis hash in config", slog.Any("error", err))
			os.Exit(1)
		}
	} else {
		genesisHash = types.HashBytes([]byte(cfg.NetworkName))
	}

	p2pDir := filepath.Join(cfg.DataDir, "p2p")
	if err := os.MkdirAll(p2pDir, 0o755); err != nil {
		logger.Error("Failed to prepare data directory", slog.Any("error", err))
		os.Exit(1)
	}

	server, err := p2p.NewServer(p2p.ServerConfig{
		ListenAddress:         cfg.ListenAddress,
		ChainID:               cfg.ChainID,
		GenesisHash:           genesisHash,
		ClientVersion:         "cinderchain/p2pd",
		NodeKind:              cfg.NodeKind,
		MaxPeers:              cfg.MaxPeers,
		TargetPeers:           cfg.TargetPeers,
		Bootnodes:             append([]string{}, cfg.Bootnodes...),
		DNSSeeds:              append([]string{}, cfg.DNSSeeds...),
		PingInterval:          cfg.PingInterval(),
		PeerTimeout:           cfg.PeerTimeout(),
		HealthCheckInterval:   cfg.HealthCheckInterval(),
		DialTimeout:           cfg.DialTimeout(),
		DiscoveryInterval:     cfg.DiscoveryInterval(),
		MaxFailedAttempts:     cfg.MaxFailedAttempts,
		AutoHeal:              cfg.AutoHeal,
		TopologyOptimization:  cfg.TopologyOptimization,
		AutoBlacklistDuration: cfg.AutoBlacklistDuration(),
		RateLimitMessages:     cfg.RateLimitMessages,
		RateLimitWindow:       cfg.RateLimitWindow(),
		MsgsPerSecond:         cfg.MsgsPerSecond,
		PeerstorePath:         filepath.Join(p2pDir, "peerstore"),
		BlacklistPath:         filepath.Join(p2pDir, "blacklist.db"),
	})
	if err != nil {
		logger.Error("Failed to initialise node", slog.Any("error", err))
		os.Exit(1)
	}

	if err := server.Start(); err != nil {
		logger.Error("Failed to start node", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("p2pd initialised and running",
		logging.MaskField("node_id", server.NodeID().String()),
		logging.MaskField("listen_address", server.ListenAddress()))

	go consumeEvents(logger, server.Events())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutting down", slog.String("signal", sig.String()))
	server.Stop()
}

// consumeEvents drains the node's event channel so the bus never backs up,
// logging the interesting notifications.
func consumeEvents(logger *slog.Logger, events <-chan p2p.Event) {
	for evt := range events {
		switch e := evt.(type) {
		case p2p.PeerConnectedEvent:
			logger.Info("Peer connected",
				logging.MaskField("peer_id", e.ID.String()),
				slog.Bool("inbound", e.Inbound),
				slog.Uint64("best_height", e.BestHeight))
		case p2p.PeerDisconnectedEvent:
			logger.Info("Peer disconnected",
				logging.MaskField("peer_id", e.ID.String()),
				slog.String("reason", e.Reason))
		case p2p.PeerHealthEvent:
			logger.Warn("Peer health changed",
				logging.MaskField("peer_id", e.ID.String()),
				slog.String("previous", e.Previous.String()),
				slog.String("current", e.Current.String()))
		case p2p.NetworkHealthEvent:
			logger.Info("Network health",
				slog.Int("connected_peers", e.Stats.ConnectedPeers),
				slog.Int("healthy_peers", e.Stats.HealthyPeers),
				slog.Float64("avg_latency_ms", e.Stats.AvgLatencyMS))
		default:
			logger.Debug("Network event", slog.String("event", p2p.EventName(evt)))
		}
	}
}
