package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/marko911/project-tally/internal/follow"
	pnats "github.com/marko911/project-tally/internal/platform/nats"
)

// PublisherConfig configures the event publisher.
type PublisherConfig struct {
	Brokers string

	// Optional JetStream mirror feeding the notification delivery subsystem.
	NATSUrl     string
	NATSEnabled bool
}

// Publisher sends domain events to the broker. Validation happens before any
// broker interaction; the produce itself is asynchronous, so a validated
// event can still be lost, which is what the reconciliation sweeps repair.
type Publisher struct {
	cfg    PublisherConfig
	client *kgo.Client
	nats   *pnats.Client
	logger *slog.Logger
}

// NewPublisher creates a Publisher connected to the broker.
func NewPublisher(ctx context.Context, cfg PublisherConfig, logger *slog.Logger) (*Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	brokerList := strings.Split(cfg.Brokers, ",")
	for i := range brokerList {
		brokerList[i] = strings.TrimSpace(brokerList[i])
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokerList...),
		kgo.MaxProduceRequestsInflightPerBroker(1),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.RecordRetries(5),
		kgo.RetryBackoffFn(func(n int) time.Duration {
			return time.Duration(n*100) * time.Millisecond
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	p := &Publisher{
		cfg:    cfg,
		client: client,
		logger: logger.With("component", "publisher"),
	}

	if cfg.NATSEnabled && cfg.NATSUrl != "" {
		natsCfg := pnats.DefaultConfig()
		natsCfg.URL = cfg.NATSUrl
		natsCfg.Name = "tally-publisher"

		natsClient, err := pnats.Connect(ctx, natsCfg)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("nats connect: %w", err)
		}
		p.nats = natsClient

		streamCfg := pnats.DefaultNotifyStreamConfig()
		if _, err := pnats.EnsureStream(ctx, natsClient.JetStream(), streamCfg); err != nil {
			client.Close()
			natsClient.Close()
			return nil, fmt.Errorf("ensure nats stream: %w", err)
		}

		p.logger.Info("NATS JetStream mirror initialized",
			"url", cfg.NATSUrl,
			"stream", streamCfg.Name,
		)
	}

	return p, nil
}

// Publish validates the event and hands it to the broker asynchronously.
// Partition key is the edge id, so per-edge event order is preserved; there
// is no cross-edge ordering guarantee. Validation errors surface to the
// caller before anything touches the log.
func (p *Publisher) Publish(ctx context.Context, ev follow.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}

	traceID := TraceIDFrom(ctx)
	if traceID == "" {
		return fmt.Errorf("%w: missing trace id", follow.ErrInvalidEvent)
	}

	payload, err := ev.Marshal()
	if err != nil {
		return err
	}

	record := &kgo.Record{
		Topic: ev.Topic(),
		Key:   []byte(ev.EventID),
		Value: payload,
		Headers: []kgo.RecordHeader{
			{Key: follow.HeaderTraceID, Value: []byte(traceID)},
			{Key: follow.HeaderEventType, Value: []byte(ev.Type)},
		},
	}

	p.client.Produce(ctx, record, func(r *kgo.Record, err error) {
		if err != nil {
			p.logger.Error("produce failed",
				"event_id", ev.EventID,
				"event_type", ev.Type,
				"trace_id", traceID,
				"error", err,
			)
			return
		}

		if p.nats != nil {
			p.mirrorToNATS(ev, payload)
		}
	})

	return nil
}

// mirrorToNATS forwards a published event to the notification stream.
// Best-effort: the counting pipeline never depends on it.
func (p *Publisher) mirrorToNATS(ev follow.Event, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	subject := pnats.SubjectForEvent(ev.Type, ev.TargetID)
	if _, err := p.nats.JetStream().Publish(ctx, subject, payload); err != nil {
		p.logger.Warn("NATS mirror publish failed",
			"event_id", ev.EventID,
			"subject", subject,
			"error", err,
		)
	}
}

// Close flushes buffered records and releases broker connections.
func (p *Publisher) Close() {
	if err := p.client.Flush(context.Background()); err != nil {
		p.logger.Error("error flushing kafka records", "error", err)
	}
	p.client.Close()

	if p.nats != nil {
		if err := p.nats.Close(); err != nil {
			p.logger.Error("error closing NATS connection", "error", err)
		}
	}
}
