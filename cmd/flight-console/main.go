// Command flight-console follows a single flight in a tview dashboard.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/unklstewy/flightwatch/internal/db"
	"github.com/unklstewy/flightwatch/internal/logging"
	"github.com/unklstewy/flightwatch/pkg/client"
	"github.com/unklstewy/flightwatch/pkg/config"
	"github.com/unklstewy/flightwatch/pkg/telemetry"
	"github.com/unklstewy/flightwatch/pkg/tracking"
)

func main() {
	configPath := flag.String("config", "configs/config.json", "Path to configuration file")
	brokerURL := flag.String("broker", "", "Broker WebSocket URL (overrides config)")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] FLIGHT\n\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *brokerURL != "" {
		cfg.Tracker.BrokerURL = *brokerURL
	}

	flightID, err := pickFlight(flag.Args(), cfg.Tracker.Flights)
	if err != nil {
		flag.Usage()
		os.Exit(2)
	}

	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(os.TempDir(), "flight-console.log")
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Close()

	if err := run(cfg, flightID, logger.Logger); err != nil {
		logger.Error("flight-console exited", slog.Any("error", err))
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		logger.Close()
		os.Exit(1)
	}
}

// pickFlight returns the single flight named on the command line, or the
// first configured one.
func pickFlight(args, configured []string) (string, error) {
	switch {
	case len(args) > 1:
		return "", fmt.Errorf("expected one flight, got %d", len(args))
	case len(args) == 1:
		if id := strings.ToUpper(strings.TrimSpace(args[0])); id != "" {
			return id, nil
		}
	case len(configured) > 0:
		return strings.ToUpper(strings.TrimSpace(configured[0])), nil
	}
	return "", telemetry.ErrMissingFlightID
}

func run(cfg *config.Config, flightID string, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	baseURL, err := client.HTTPBaseURL(cfg.Tracker.BrokerURL)
	if err != nil {
		return err
	}

	if cfg.Database.Enabled {
		database, err := db.ReconnectWithRetry(ctx, cfg.Database, 3, time.Second, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		prefs := db.NewPreferences(database, cfg.Database, logger.With(slog.String("component", "db")))
		defer prefs.Close()
		if err := database.InitSchema(ctx); err != nil {
			return err
		}
		if err := prefs.Add(ctx, flightID, "console"); err != nil {
			logger.Warn("failed to save flight", slog.Any("error", err))
		}
	}

	console := NewConsole(flightID)

	cl := client.New(client.Config{
		URL:                cfg.Tracker.BrokerURL,
		Logger:             logger.With(slog.String("component", "client")),
		OnConnectionChange: console.SetConnected,
		OnServerError: func(msg telemetry.ErrorMessage) {
			console.Notify(SeverityWarn, "broker: %s", msg.Message)
		},
	})
	defer cl.Close()

	err = client.RetryWithBackoff(ctx, client.DefaultRetryConfig(), func() error {
		return cl.Connect(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	go func() {
		if err := cl.Run(ctx); err != nil {
			logger.Error("broker client stopped", slog.Any("error", err))
		}
	}()

	engine := tracking.NewEngine(flightID, tracking.Options{
		Subscriber: cl,
		Prober: client.NewProber(client.ProberConfig{
			BaseURL:           baseURL,
			RequestsPerSecond: cfg.Tracker.ProbeRequestsPerSecond,
			Timeout:           cfg.Tracker.ProbeTimeout(),
		}),
		Callbacks:        console.Callbacks(),
		FallbackInterval: cfg.Tracker.FallbackInterval(),
		ProbeTimeout:     cfg.Tracker.ProbeTimeout(),
		HistoryCapacity:  cfg.Tracker.HistoryCapacity,
		Logger:           logger.With(slog.String("component", "engine")),
	})
	defer engine.Close()
	console.Attach(engine)

	if err := engine.Start(); err != nil {
		console.Notify(SeverityError, "start failed: %v (press t to retry)", err)
	}

	return console.Run(ctx)
}
