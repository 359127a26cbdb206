package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// StreamConfig defines the configuration for a JetStream stream.
type StreamConfig struct {
	Name        string   // Stream name (e.g., "FOLLOW_NOTIFY")
	Subjects    []string // Subjects to capture (e.g., ["notify.follow.>"])
	Retention   jetstream.RetentionPolicy
	MaxAge      time.Duration // Maximum message age (0 = unlimited)
	MaxBytes    int64         // Maximum stream size in bytes (0 = unlimited)
	Replicas    int           // Number of replicas (1 for dev, 3 for prod)
	Description string
}

// DefaultNotifyStreamConfig returns the stream configuration for the
// notification fanout mirror.
func DefaultNotifyStreamConfig() StreamConfig {
	return StreamConfig{
		Name:        "FOLLOW_NOTIFY",
		Subjects:    []string{"notify.follow.>"},
		Retention:   jetstream.InterestPolicy, // Only retain while consumers are interested
		MaxAge:      24 * time.Hour,
		MaxBytes:    1024 * 1024 * 1024, // 1GB max
		Replicas:    1,
		Description: "Follow events mirrored for user-facing notification delivery",
	}
}

// EnsureStream creates or updates a JetStream stream with the given
// configuration. Idempotent.
func EnsureStream(ctx context.Context, js jetstream.JetStream, cfg StreamConfig) (jetstream.Stream, error) {
	streamCfg := jetstream.StreamConfig{
		Name:        cfg.Name,
		Subjects:    cfg.Subjects,
		Retention:   cfg.Retention,
		MaxAge:      cfg.MaxAge,
		MaxBytes:    cfg.MaxBytes,
		Replicas:    cfg.Replicas,
		Description: cfg.Description,
		Storage:     jetstream.FileStorage,
		Discard:     jetstream.DiscardOld,
	}

	stream, err := js.CreateOrUpdateStream(ctx, streamCfg)
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.Name, err)
	}

	return stream, nil
}

// SubjectForEvent returns the notification subject for an event.
// Format: notify.follow.<event_type>.<target_id>
func SubjectForEvent(eventType, targetID string) string {
	return fmt.Sprintf("notify.follow.%s.%s", eventType, targetID)
}
