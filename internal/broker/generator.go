package broker

import (
	"context"
	"log/slog"
	"time"

	"github.com/unklstewy/flightwatch/pkg/telemetry"
)

// DefaultGeneratorInterval is how often positions are produced for every
// active topic.
const DefaultGeneratorInterval = 5 * time.Second

// Publisher is the part of the broker the generator drives.
type Publisher interface {
	ActiveFlights() []string
	Publish(flightID string, pos telemetry.FlightPosition) PublishResult
}

// GeneratorConfig configures a Generator.
type GeneratorConfig struct {
	Interval time.Duration
	Logger   *slog.Logger

	// Now defaults to time.Now
	Now func() time.Time
}

// Generator periodically samples a Source for every flight somebody is
// subscribed to and publishes the result. Swapping the Source changes where
// positions come from without touching the broker.
type Generator struct {
	pub      Publisher
	source   telemetry.Source
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	// known is only touched from Tick
	known map[string]struct{}
}

// NewGenerator creates a generator publishing to pub.
func NewGenerator(pub Publisher, source telemetry.Source, cfg GeneratorConfig) *Generator {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultGeneratorInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Generator{
		pub:      pub,
		source:   source,
		interval: cfg.Interval,
		logger:   logger.With(slog.String("component", "generator")),
		now:      cfg.Now,
		known:    make(map[string]struct{}),
	}
}

// Run ticks until ctx is cancelled.
func (g *Generator) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	g.logger.Info("generator started", slog.Duration("interval", g.interval))
	for {
		select {
		case <-ctx.Done():
			g.logger.Info("generator stopped")
			return nil
		case <-ticker.C:
			g.Tick(ctx)
		}
	}
}

// Tick publishes one position for every active flight. A flight whose
// sample fails is skipped for this round. Sources implementing
// telemetry.Forgetter are told about flights that lost their last
// subscriber.
func (g *Generator) Tick(ctx context.Context) {
	now := g.now().UTC()
	flights := g.pub.ActiveFlights()

	active := make(map[string]struct{}, len(flights))
	for _, flightID := range flights {
		if ctx.Err() != nil {
			return
		}
		active[flightID] = struct{}{}

		pos, err := g.source.Sample(ctx, flightID, now)
		if err != nil {
			g.logger.Warn("sample failed", slog.String("flight", flightID), slog.Any("error", err))
			continue
		}
		if err := pos.Validate(); err != nil {
			g.logger.Warn("discarding invalid sample", slog.String("flight", flightID), slog.Any("error", err))
			continue
		}

		res := g.pub.Publish(flightID, pos)
		g.logger.Debug("published",
			slog.String("flight", flightID),
			slog.Int("delivered", res.Delivered),
			slog.Int("failed", res.Failed))
	}

	if f, ok := g.source.(telemetry.Forgetter); ok {
		for flightID := range g.known {
			if _, still := active[flightID]; !still {
				f.Forget(flightID)
			}
		}
	}
	g.known = active
}
