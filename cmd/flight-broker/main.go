// Command flight-broker publishes simulated flight positions to WebSocket
// subscribers.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/unklstewy/flightwatch/internal/broker"
	"github.com/unklstewy/flightwatch/internal/logging"
	"github.com/unklstewy/flightwatch/internal/server"
	"github.com/unklstewy/flightwatch/pkg/config"
	"github.com/unklstewy/flightwatch/pkg/telemetry"
)

var (
	// Version information (set by build flags)
	version = "dev"
	commit  = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/config.json", "Path to configuration file")
	port := flag.Int("port", 0, "Override the listen port")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("flight-broker version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Close()

	if err := run(cfg, logger.Logger); err != nil {
		logger.Error("flight-broker exited", slog.Any("error", err))
		logger.Close()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := broker.New(broker.Config{
		Shards:    cfg.Broker.Shards,
		CacheSize: cfg.Broker.CacheSize,
		Logger:    logger.With(slog.String("component", "broker")),
	})
	if err != nil {
		return fmt.Errorf("failed to create broker: %w", err)
	}

	sim := telemetry.NewSimulator(telemetry.SimulatorConfig{
		CenterLat:       cfg.Broker.Simulator.CenterLatitude,
		CenterLon:       cfg.Broker.Simulator.CenterLongitude,
		RadiusNM:        cfg.Broker.Simulator.RadiusNM,
		StepClimbChance: cfg.Broker.Simulator.StepClimbChance,
		Seed:            cfg.Broker.Simulator.Seed,
	})
	gen := broker.NewGenerator(b, sim, broker.GeneratorConfig{
		Interval: cfg.Broker.GeneratorInterval(),
		Logger:   logger.With(slog.String("component", "generator")),
	})

	srv := server.New(b, server.Config{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		SendBuffer:     cfg.Server.SendBuffer,
		InboundRate:    cfg.Server.InboundRatePerSecond,
		InboundBurst:   cfg.Server.InboundBurst,
		PingInterval:   cfg.Server.PingInterval(),
		PongWait:       cfg.Server.PongWait(),
		MaxMessageSize: cfg.Server.MaxMessageBytes,
		Logger:         logger.With(slog.String("component", "server")),
	})

	logger.Info("flight-broker starting",
		slog.String("version", version),
		slog.Int("port", cfg.Server.Port),
		slog.Duration("publish_interval", cfg.Broker.GeneratorInterval()))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(ctx) })
	g.Go(func() error { return gen.Run(ctx) })

	err = g.Wait()
	st := b.Stats()
	logger.Info("flight-broker stopped",
		slog.Uint64("published", st.Published),
		slog.Uint64("delivered", st.Delivered),
		slog.Uint64("failed", st.Failed))
	return err
}
