// Package follow contains the relationship domain: events, the edge state
// machine, and the write-side service.
package follow

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Event types carried in the event-type transport header. One topic per type.
const (
	EventTypeFollow   = "follow"
	EventTypeUnfollow = "unfollow"
)

// Topics for the two event kinds.
const (
	TopicFollowEvents   = "follow-events"
	TopicUnfollowEvents = "unfollow-events"
)

// Transport header keys.
const (
	HeaderTraceID   = "trace-id"
	HeaderEventType = "event-type"
)

// Direction is the counter effect of an event.
type Direction int8

const (
	DirectionIncrement Direction = 1
	DirectionDecrement Direction = -1
)

// Delta returns the counter delta for the direction.
func (d Direction) Delta() int64 {
	return int64(d)
}

// EventType returns the event type string the direction corresponds to.
func (d Direction) EventType() string {
	if d == DirectionIncrement {
		return EventTypeFollow
	}
	return EventTypeUnfollow
}

var (
	// ErrInvalidEvent indicates a validation failure at publish time. It is
	// surfaced synchronously to the caller; the event never reaches the log.
	ErrInvalidEvent = errors.New("invalid event")

	// ErrMalformedEvent indicates a permanently undecodable message. Consumers
	// acknowledge it without retry to avoid poison-message loops.
	ErrMalformedEvent = errors.New("malformed event")
)

// Event is a domain event describing a follow or unfollow of targetID by
// sourceID. EventID doubles as the edge id and the broker partition key, so
// per-edge order is preserved on the wire.
type Event struct {
	EventID  string `json:"eventId"`
	Type     string `json:"-"`
	SourceID string `json:"sourceId"`
	TargetID string `json:"targetId"`
}

// Validate checks the fields that must be present before the event may be
// published.
func (e Event) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("%w: missing event id", ErrInvalidEvent)
	}
	if e.SourceID == "" {
		return fmt.Errorf("%w: missing source id", ErrInvalidEvent)
	}
	if e.TargetID == "" {
		return fmt.Errorf("%w: missing target id", ErrInvalidEvent)
	}

	switch e.Type {
	case EventTypeFollow, EventTypeUnfollow:
		return nil
	default:
		return fmt.Errorf("%w: unknown event type %q", ErrInvalidEvent, e.Type)
	}
}

// Direction maps the event type to its counter effect. The switch is the
// single exhaustive dispatch point over the closed set of event kinds.
func (e Event) Direction() (Direction, error) {
	switch e.Type {
	case EventTypeFollow:
		return DirectionIncrement, nil
	case EventTypeUnfollow:
		return DirectionDecrement, nil
	default:
		return 0, fmt.Errorf("%w: unknown event type %q", ErrMalformedEvent, e.Type)
	}
}

// Topic returns the topic the event is published to.
func (e Event) Topic() string {
	if e.Type == EventTypeUnfollow {
		return TopicUnfollowEvents
	}
	return TopicFollowEvents
}

// Marshal serializes the event envelope for the broker payload. The event
// type travels in a header, not the payload.
func (e Event) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return data, nil
}

// DecodeEvent parses a broker payload plus its event-type header into an
// Event. Any failure here is permanent: the payload will never become
// decodable on redelivery.
func DecodeEvent(payload []byte, eventType string) (Event, error) {
	var e Event
	if err := json.Unmarshal(payload, &e); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	e.Type = eventType

	if e.EventID == "" {
		return Event{}, fmt.Errorf("%w: missing event id", ErrMalformedEvent)
	}
	if _, err := e.Direction(); err != nil {
		return Event{}, err
	}

	return e, nil
}
