package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Wire event names exchanged over the push channel.
const (
	EventSubscribeFlight    = "subscribe_flight"
	EventUnsubscribeFlight  = "unsubscribe_flight"
	EventFlightSubscribed   = "flight_subscribed"
	EventFlightUnsubscribed = "flight_unsubscribed"
	EventPositionUpdate     = "flight_position_update"
	EventError              = "error"
)

// Subscription statuses carried in acknowledgments.
const (
	StatusSubscribed   = "subscribed"
	StatusUnsubscribed = "unsubscribed"
)

var (
	// ErrMissingFlightID is returned when a request carries no flight id
	ErrMissingFlightID = errors.New("flightId is required")
	// ErrUnknownEvent is returned for events a peer does not understand
	ErrUnknownEvent = errors.New("unknown event")
)

// Envelope is the frame format on the wire: an event name plus its payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// FlightRequest is the client->server payload for subscribe_flight and
// unsubscribe_flight.
type FlightRequest struct {
	FlightID string `json:"flightId" validate:"required"`
}

// SubscriptionAck is the server->client payload for flight_subscribed and
// flight_unsubscribed.
type SubscriptionAck struct {
	FlightID  string    `json:"flightId"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// PositionUpdate is the server->client payload for flight_position_update.
type PositionUpdate struct {
	FlightID  string         `json:"flightId"`
	Position  FlightPosition `json:"position"`
	Timestamp time.Time      `json:"timestamp"`
}

// ErrorMessage is the server->client payload for error events.
type ErrorMessage struct {
	// Event is the inbound event that was rejected, if it could be decoded
	Event     string    `json:"event,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Encode wraps payload into an Envelope for the given event.
func Encode(event string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to encode %s: %w", event, err)
	}
	return Envelope{Event: event, Data: data}, nil
}

// DecodeEnvelope parses a raw frame.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("malformed frame: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, errors.New("malformed frame: missing event")
	}
	return env, nil
}

// DecodeFlightRequest parses and validates a subscribe/unsubscribe payload.
// Surrounding whitespace in the flight id is ignored.
func DecodeFlightRequest(env Envelope) (FlightRequest, error) {
	var req FlightRequest
	if len(env.Data) == 0 {
		return req, ErrMissingFlightID
	}
	if err := json.Unmarshal(env.Data, &req); err != nil {
		return req, fmt.Errorf("malformed %s payload: %w", env.Event, err)
	}
	// Flight ids are opaque; only blank ones are rejected.
	if err := Validator().Struct(req); err != nil || strings.TrimSpace(req.FlightID) == "" {
		return req, ErrMissingFlightID
	}
	return req, nil
}

// DecodePositionUpdate parses and validates a flight_position_update payload.
func DecodePositionUpdate(env Envelope) (PositionUpdate, error) {
	var upd PositionUpdate
	if err := json.Unmarshal(env.Data, &upd); err != nil {
		return upd, fmt.Errorf("malformed %s payload: %w", env.Event, err)
	}
	if upd.FlightID == "" {
		return upd, ErrMissingFlightID
	}
	return upd, nil
}

// DecodeAck parses a flight_subscribed / flight_unsubscribed payload.
func DecodeAck(env Envelope) (SubscriptionAck, error) {
	var ack SubscriptionAck
	if err := json.Unmarshal(env.Data, &ack); err != nil {
		return ack, fmt.Errorf("malformed %s payload: %w", env.Event, err)
	}
	return ack, nil
}

// DecodeError parses an error payload.
func DecodeError(env Envelope) (ErrorMessage, error) {
	var msg ErrorMessage
	if err := json.Unmarshal(env.Data, &msg); err != nil {
		return msg, fmt.Errorf("malformed %s payload: %w", env.Event, err)
	}
	return msg, nil
}
