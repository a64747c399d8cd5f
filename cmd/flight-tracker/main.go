// Command flight-tracker is a terminal UI that follows any number of flights
// through a flight-broker.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

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
		fmt.Fprintf(os.Stderr, "Usage: %s [options] [FLIGHT...]\n\n", filepath.Base(os.Args[0]))
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

	// The terminal belongs to the UI, so logs always go to a file.
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(os.TempDir(), "flight-tracker.log")
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Close()

	if err := run(cfg, flag.Args(), logger.Logger); err != nil {
		logger.Error("flight-tracker exited", slog.Any("error", err))
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		logger.Close()
		os.Exit(1)
	}
}

func run(cfg *config.Config, args []string, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	flights := normalizeFlights(append(append([]string{}, cfg.Tracker.Flights...), args...))
	var active map[string]bool

	var prefs preferences
	if cfg.Database.Enabled {
		database, err := db.ReconnectWithRetry(ctx, cfg.Database, 3, time.Second, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		flightPrefs := db.NewPreferences(database, cfg.Database, logger.With(slog.String("component", "db")))
		defer flightPrefs.Close()
		if err := database.InitSchema(ctx); err != nil {
			return err
		}

		repo := db.NewTrackedFlightRepository(database)
		saved, err := repo.List(ctx)
		if err != nil {
			return err
		}
		active = make(map[string]bool, len(saved)+len(flights))
		for _, id := range flights {
			active[id] = true
			if err := flightPrefs.Add(ctx, id, ""); err != nil {
				return err
			}
		}
		for _, f := range saved {
			if _, named := active[f.FlightID]; !named {
				flights = append(flights, f.FlightID)
				active[f.FlightID] = f.IsActive
			}
		}
		prefs = flightPrefs
		logger.Info("loaded saved flights", slog.Int("count", len(saved)))
		if stats, err := database.GetStats(ctx); err != nil {
			logger.Warn("failed to read database stats", slog.Any("error", err))
		} else {
			logger.Info("database stats",
				slog.Any("tracked_flights", stats["tracked_flights"]),
				slog.Any("active_flights", stats["active_flights"]))
		}
	}

	baseURL, err := client.HTTPBaseURL(cfg.Tracker.BrokerURL)
	if err != nil {
		return err
	}

	// p is assigned before any callback can fire: the broker connection
	// is opened from the program's Init.
	var p *tea.Program
	send := func(msg tea.Msg) { p.Send(msg) }

	cl := client.New(client.Config{
		URL:    cfg.Tracker.BrokerURL,
		Logger: logger.With(slog.String("component", "client")),
		OnServerError: func(msg telemetry.ErrorMessage) {
			send(errorMsg{flightID: "broker", err: fmt.Errorf("%s", msg.Message)})
		},
		OnConnectionChange: func(connected bool) { send(connectionMsg(connected)) },
	})
	defer cl.Close()

	store := tracking.NewMemoryStore()
	tracker := tracking.NewTracker(tracking.Options{
		Subscriber: cl,
		Prober: client.NewProber(client.ProberConfig{
			BaseURL:           baseURL,
			RequestsPerSecond: cfg.Tracker.ProbeRequestsPerSecond,
			Timeout:           cfg.Tracker.ProbeTimeout(),
		}),
		Store:            store,
		FallbackInterval: cfg.Tracker.FallbackInterval(),
		ProbeTimeout:     cfg.Tracker.ProbeTimeout(),
		HistoryCapacity:  cfg.Tracker.HistoryCapacity,
		Logger:           logger.With(slog.String("component", "tracker")),
		// Engine operations run in commands, never in Update, so these
		// may block until the program takes the message.
		Callbacks: tracking.Callbacks{
			OnStarted:  func(id string) { send(startedMsg(id)) },
			OnStopped:  func(id string) { send(stoppedMsg(id)) },
			OnPosition: func(id string, pos telemetry.FlightPosition) { send(positionMsg{flightID: id, pos: pos}) },
			OnChange:   func(ev tracking.ChangeEvent) { send(changeMsg(ev)) },
			OnError:    func(id string, err error) { send(errorMsg{flightID: id, err: err}) },
		},
	})
	defer tracker.Close()

	connect := func(connectCtx context.Context) error {
		err := client.RetryWithBackoff(connectCtx, client.DefaultRetryConfig(), func() error {
			return cl.Connect(connectCtx)
		})
		if err != nil {
			return err
		}
		go func() {
			if err := cl.Run(ctx); err != nil {
				logger.Error("broker client stopped", slog.Any("error", err))
			}
		}()
		return nil
	}

	m := newModel(tracker, store, prefs, connect).withFlights(flights, active)
	p = tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err = p.Run()
	return err
}

// normalizeFlights upper-cases ids and drops blanks and duplicates.
func normalizeFlights(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.ToUpper(strings.TrimSpace(id))
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
