package db

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/unklstewy/flightwatch/pkg/config"
)

const (
	// DefaultIdleCheck is how long a connection may sit unused before the
	// next write checks it first.
	DefaultIdleCheck = 5 * time.Minute

	writeRetries = 3
	writeBackoff = 500 * time.Millisecond
)

// Preferences stores the operator's tracked-flight list. Writes check the
// connection after an idle period and are retried on connection errors.
type Preferences struct {
	cfg       config.DatabaseConfig
	logger    *slog.Logger
	idleCheck time.Duration
	now       func() time.Time

	mu       sync.Mutex
	db       *DB
	lastUsed time.Time
}

// NewPreferences wraps an open connection. db may be nil, in which case the
// first write connects.
func NewPreferences(db *DB, cfg config.DatabaseConfig, logger *slog.Logger) *Preferences {
	if logger == nil {
		logger = slog.Default()
	}
	return &Preferences{
		cfg:       cfg,
		logger:    logger,
		idleCheck: DefaultIdleCheck,
		now:       time.Now,
		db:        db,
		lastUsed:  time.Now(),
	}
}

// Add saves flightID as an active flight.
func (p *Preferences) Add(ctx context.Context, flightID, label string) error {
	return p.write(ctx, func(ctx context.Context, repo *TrackedFlightRepository) error {
		return repo.Add(ctx, flightID, label)
	})
}

// Remove deletes flightID.
func (p *Preferences) Remove(ctx context.Context, flightID string) error {
	return p.write(ctx, func(ctx context.Context, repo *TrackedFlightRepository) error {
		return repo.Remove(ctx, flightID)
	})
}

// SetActive records whether flightID is being tracked.
func (p *Preferences) SetActive(ctx context.Context, flightID string, active bool) error {
	return p.write(ctx, func(ctx context.Context, repo *TrackedFlightRepository) error {
		return repo.SetActive(ctx, flightID, active)
	})
}

// Close closes the current connection.
func (p *Preferences) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	return err
}

func (p *Preferences) write(ctx context.Context, op func(context.Context, *TrackedFlightRepository) error) error {
	db, err := p.conn(ctx)
	if err != nil {
		return err
	}
	repo := NewTrackedFlightRepository(db)
	return WithRetry(ctx, func(ctx context.Context) error {
		return op(ctx, repo)
	}, writeRetries, writeBackoff)
}

// conn returns the connection, checking it first when it has been idle.
func (p *Preferences) conn(ctx context.Context) (*DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if p.db == nil || now.Sub(p.lastUsed) >= p.idleCheck {
		db, err := EnsureConnection(ctx, p.db, p.cfg, p.logger)
		if err != nil {
			p.db = nil
			return nil, err
		}
		p.db = db
	}
	p.lastUsed = now
	return p.db, nil
}
