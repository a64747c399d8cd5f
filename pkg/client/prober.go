package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/unklstewy/flightwatch/pkg/telemetry"
)

// DefaultProbeTimeout bounds a single HTTP probe.
const DefaultProbeTimeout = 10 * time.Second

// ErrNoPosition is returned when the broker has no position for a flight.
var ErrNoPosition = errors.New("no position available")

// StatusError is returned for unexpected HTTP responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Body)
}

// ProberConfig contains configuration for the liveness prober.
type ProberConfig struct {
	// BaseURL is the broker's HTTP root, e.g. http://localhost:8080
	BaseURL string

	// RequestsPerSecond caps outgoing probes across all flights
	RequestsPerSecond float64

	Timeout time.Duration
}

// Prober fetches the last published position of a flight over the broker's
// REST API. It satisfies tracking.Prober.
type Prober struct {
	baseURL     string
	httpClient  *http.Client
	rateLimiter *rate.Limiter
}

// NewProber creates a rate-limited prober.
func NewProber(cfg ProberConfig) *Prober {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultProbeTimeout
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 1
	}

	return &Prober{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		rateLimiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
	}
}

// LatestPosition returns the broker's cached position for flightID.
func (p *Prober) LatestPosition(ctx context.Context, flightID string) (telemetry.FlightPosition, error) {
	if err := p.rateLimiter.Wait(ctx); err != nil {
		return telemetry.FlightPosition{}, fmt.Errorf("rate limiter: %w", err)
	}

	endpoint := fmt.Sprintf("%s/api/v1/flights/%s/position", p.baseURL, url.PathEscape(flightID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return telemetry.FlightPosition{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return telemetry.FlightPosition{}, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return telemetry.FlightPosition{}, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return telemetry.FlightPosition{}, ErrNoPosition
	}
	if resp.StatusCode != http.StatusOK {
		return telemetry.FlightPosition{}, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var upd telemetry.PositionUpdate
	if err := json.Unmarshal(body, &upd); err != nil {
		return telemetry.FlightPosition{}, fmt.Errorf("parse response: %w", err)
	}
	return upd.Position, nil
}

// HTTPBaseURL derives the broker's HTTP root from its WebSocket endpoint:
// ws://host:8080/ws becomes http://host:8080.
func HTTPBaseURL(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", fmt.Errorf("invalid broker url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("invalid broker url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(strings.TrimRight(u.Path, "/"), "/ws")
	u.RawQuery = ""
	u.Fragment = ""
	return strings.TrimRight(u.String(), "/"), nil
}
