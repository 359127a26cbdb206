package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/marko911/project-tally/internal/follow"
)

// EffectApplier is the consumer's view of the relationship state machine.
type EffectApplier interface {
	// AlreadyApplied reports whether the dedup ledger holds the pair.
	AlreadyApplied(ctx context.Context, eventID, eventType string) (bool, error)
	// Apply runs the atomic unit for one edge and direction.
	Apply(ctx context.Context, edgeID string, dir follow.Direction) error
}

// StatsRecorder receives per-outcome counts for the metrics pipeline.
type StatsRecorder interface {
	Record(topic, eventType string, total, fail, dup int64)
}

// ConsumerConfig configures the consumer group.
type ConsumerConfig struct {
	Brokers string
	Group   string
	Topics  []string
}

// DefaultConsumerConfig returns defaults for local development.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers: "localhost:9092",
		Group:   "tally-consumer",
		Topics:  []string{follow.TopicFollowEvents, follow.TopicUnfollowEvents},
	}
}

// Consumer drives the ack-after-commit discipline: an offset is only committed
// once the atomic unit has committed, or once the message is classified as a
// duplicate or permanently undecodable. Partitions are processed in parallel,
// records within a partition strictly in order; a transient failure blocks the
// rest of its partition and rewinds the client's fetch position to the failed
// offset, so the record is refetched and no later offset can be committed
// past it.
type Consumer struct {
	cfg     ConsumerConfig
	client  *kgo.Client
	applier EffectApplier
	stats   StatsRecorder
	logger  *slog.Logger
}

// NewConsumer creates a Consumer joined to the configured group.
func NewConsumer(cfg ConsumerConfig, applier EffectApplier, stats StatsRecorder, logger *slog.Logger) (*Consumer, error) {
	if logger == nil {
		logger = slog.Default()
	}

	brokerList := strings.Split(cfg.Brokers, ",")
	for i := range brokerList {
		brokerList[i] = strings.TrimSpace(brokerList[i])
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokerList...),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}

	return &Consumer{
		cfg:     cfg,
		client:  client,
		applier: applier,
		stats:   stats,
		logger:  logger.With("component", "consumer"),
	}, nil
}

// Run polls the broker until the context is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("starting consumer",
		"group", c.cfg.Group,
		"topics", strings.Join(c.cfg.Topics, ","),
	)

	for {
		select {
		case <-ctx.Done():
			c.client.Close()
			return ctx.Err()
		default:
		}

		fetches := c.client.PollFetches(ctx)
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, e := range errs {
				if e.Err == context.Canceled {
					continue
				}
				c.logger.Error("fetch error",
					"topic", e.Topic,
					"partition", e.Partition,
					"error", e.Err,
				)
			}
			continue
		}

		var (
			mu      sync.Mutex
			acked   []*kgo.Record
			rewinds map[string]map[int32]kgo.EpochOffset
			wg      sync.WaitGroup
		)

		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			records := p.Records
			if len(records) == 0 {
				return
			}

			wg.Add(1)
			go func() {
				defer wg.Done()

				done, failed := c.consumePartition(ctx, records)

				mu.Lock()
				defer mu.Unlock()

				acked = append(acked, done...)
				if failed != nil {
					if rewinds == nil {
						rewinds = make(map[string]map[int32]kgo.EpochOffset)
					}
					if rewinds[failed.Topic] == nil {
						rewinds[failed.Topic] = make(map[int32]kgo.EpochOffset)
					}
					rewinds[failed.Topic][failed.Partition] = kgo.EpochOffset{
						Epoch:  failed.LeaderEpoch,
						Offset: failed.Offset,
					}
				}
			}()
		})

		wg.Wait()

		if len(acked) > 0 {
			if err := c.client.CommitRecords(ctx, acked...); err != nil {
				c.logger.Error("commit error", "error", err)
			}
		}

		if len(rewinds) > 0 {
			// The poll already advanced the fetch position past the failed
			// record; without the rewind a later commit on the partition
			// would bury it. SetOffsets refetches from the failed offset.
			c.client.SetOffsets(rewinds)

			for topic, partitions := range rewinds {
				for partition, eo := range partitions {
					c.logger.Warn("rewound partition to failed offset",
						"topic", topic,
						"partition", partition,
						"offset", eo.Offset,
					)
				}
			}
		}
	}
}

// consumePartition processes one partition's records in order. It returns the
// contiguous prefix that may be acknowledged and, when processing stopped on
// a transient failure, the record that failed so the partition can be rewound
// to its offset.
func (c *Consumer) consumePartition(ctx context.Context, records []*kgo.Record) (acked []*kgo.Record, failed *kgo.Record) {
	for _, record := range records {
		if !c.consumeRecord(ctx, record) {
			return acked, record
		}
		acked = append(acked, record)
	}

	return acked, nil
}

// consumeRecord classifies and applies a single message. Returns true when
// the record may be acknowledged.
func (c *Consumer) consumeRecord(ctx context.Context, record *kgo.Record) bool {
	eventType := headerValue(record, follow.HeaderEventType)
	traceID := headerValue(record, follow.HeaderTraceID)

	ev, err := follow.DecodeEvent(record.Value, eventType)
	if err != nil {
		// Permanent: acknowledging prevents a poison-message loop.
		c.stats.Record(record.Topic, eventType, 0, 1, 0)
		c.logger.Warn("dropping undecodable message",
			"topic", record.Topic,
			"offset", record.Offset,
			"trace_id", traceID,
			"error", err,
		)
		return true
	}

	seen, err := c.applier.AlreadyApplied(ctx, ev.EventID, ev.Type)
	if err != nil {
		c.stats.Record(record.Topic, ev.Type, 0, 1, 0)
		c.logger.Error("ledger lookup failed",
			"event_id", ev.EventID,
			"trace_id", traceID,
			"error", err,
		)
		return false
	}

	if seen {
		c.stats.Record(record.Topic, ev.Type, 0, 0, 1)
		c.logger.Debug("duplicate delivery short-circuited",
			"event_id", ev.EventID,
			"trace_id", traceID,
		)
		return true
	}

	c.stats.Record(record.Topic, ev.Type, 1, 0, 0)

	dir, err := ev.Direction()
	if err != nil {
		c.stats.Record(record.Topic, ev.Type, 0, 1, 0)
		return true
	}

	if err := c.applier.Apply(ctx, ev.EventID, dir); err != nil {
		c.stats.Record(record.Topic, ev.Type, 0, 1, 0)

		if follow.IsPermanent(err) {
			c.logger.Warn("dropping unapplicable event",
				"event_id", ev.EventID,
				"trace_id", traceID,
				"error", err,
			)
			return true
		}

		c.logger.Error("apply failed, withholding ack",
			"event_id", ev.EventID,
			"trace_id", traceID,
			"error", err,
		)
		return false
	}

	return true
}

func headerValue(record *kgo.Record, key string) string {
	for _, h := range record.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
