package follow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/marko911/project-tally/internal/platform/storage"
)

// ErrEdgeNotCancellable indicates an unfollow against an edge that does not
// exist or is already terminal.
var ErrEdgeNotCancellable = errors.New("edge not cancellable")

// EventPublisher sends domain events to the broker.
type EventPublisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Service is the write boundary the API layer calls. It creates or cancels
// the edge row first and then publishes the matching event; the publish is
// fire-and-forget, which is why the reconciliation sweeps exist.
type Service struct {
	edges  *storage.EdgeRepository
	pub    EventPublisher
	logger *slog.Logger
}

// NewService creates a Service.
func NewService(db *storage.DB, pub EventPublisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		edges:  storage.NewEdgeRepository(db),
		pub:    pub,
		logger: logger.With("component", "follow-service"),
	}
}

// Follow creates a PENDING edge from sourceID to targetID and publishes the
// increment event. Returns the new edge id.
func (s *Service) Follow(ctx context.Context, sourceID, targetID string) (string, error) {
	ev := Event{
		EventID:  uuid.NewString(),
		Type:     EventTypeFollow,
		SourceID: sourceID,
		TargetID: targetID,
	}
	if err := ev.Validate(); err != nil {
		return "", err
	}

	err := s.edges.CreateEdge(ctx, storage.EdgeRecord{
		ID:       ev.EventID,
		SourceID: sourceID,
		TargetID: targetID,
	})
	if err != nil {
		return "", fmt.Errorf("create edge: %w", err)
	}

	if err := s.pub.Publish(ctx, ev); err != nil {
		if errors.Is(err, ErrInvalidEvent) {
			return "", err
		}
		// The edge row is durable; the pending sweep converges it even if
		// the event never reaches the log.
		s.logger.Warn("publish follow event failed",
			"edge_id", ev.EventID,
			"error", err,
		)
	}

	return ev.EventID, nil
}

// Unfollow flips the edge to CANCELLED and publishes the decrement event.
func (s *Service) Unfollow(ctx context.Context, edgeID string) error {
	edge, err := s.edges.GetEdge(ctx, edgeID)
	if err != nil {
		return err
	}
	if edge == nil {
		return fmt.Errorf("%w: %s", ErrEdgeNotCancellable, edgeID)
	}

	cancelled, err := s.edges.MarkCancelled(ctx, edgeID)
	if err != nil {
		return err
	}
	if !cancelled {
		return fmt.Errorf("%w: %s is %s", ErrEdgeNotCancellable, edgeID, edge.Status)
	}

	ev := Event{
		EventID:  edgeID,
		Type:     EventTypeUnfollow,
		SourceID: edge.SourceID,
		TargetID: edge.TargetID,
	}

	if err := s.pub.Publish(ctx, ev); err != nil {
		if errors.Is(err, ErrInvalidEvent) {
			return err
		}
		s.logger.Warn("publish unfollow event failed",
			"edge_id", edgeID,
			"error", err,
		)
	}

	return nil
}
