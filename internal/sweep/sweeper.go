package sweep

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/marko911/project-tally/internal/follow"
	"github.com/marko911/project-tally/internal/platform/storage"
)

// Applier is the sweeper's view of the relationship state machine. Both the
// sweeps and the live consumer drive the same atomic unit, gated on the same
// dedup ledger, which is what makes concurrent runs safe.
type Applier interface {
	AlreadyApplied(ctx context.Context, eventID, eventType string) (bool, error)
	Apply(ctx context.Context, edgeID string, dir follow.Direction) error
	RecordFailure(ctx context.Context, edge storage.EdgeRecord) (storage.EdgeStatus, error)
}

// EdgeSource lists and reclaims edges.
type EdgeSource interface {
	ListByStatus(ctx context.Context, status storage.EdgeStatus, afterID string, limit int) ([]storage.EdgeRecord, error)
	DeleteFailed(ctx context.Context, limit int) (int64, error)
}

// StatsPruner deletes stats buckets past the retention horizon.
type StatsPruner interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// StatsRecorder receives per-outcome counts; the sweeps feed the same metrics
// pipeline as the live path.
type StatsRecorder interface {
	Record(topic, eventType string, total, fail, dup int64)
}

// Sweeper runs the reconciliation jobs on independent schedules. Each job is
// idempotent, chunked, and single-flight: a run that finds no eligible rows
// is a no-op, and a job never overlaps with itself.
type Sweeper struct {
	cfg     Config
	applier Applier
	edges   EdgeSource
	pruner  StatsPruner
	stats   StatsRecorder
	logger  *slog.Logger
}

// NewSweeper creates a Sweeper. stats may be nil.
func NewSweeper(cfg Config, applier Applier, edges EdgeSource, pruner StatsPruner, stats StatsRecorder, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}

	return &Sweeper{
		cfg:     cfg,
		applier: applier,
		edges:   edges,
		pruner:  pruner,
		stats:   stats,
		logger:  logger.With("component", "sweeper"),
	}
}

// Run schedules all jobs until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	jobs := []struct {
		name     string
		interval time.Duration
		fn       func(context.Context, time.Time) error
	}{
		{"pending-sweep", s.cfg.PendingInterval, s.SweepPending},
		{"cancelled-sweep", s.cfg.CancelledInterval, s.SweepCancelled},
		{"failed-cleanup", s.cfg.CleanupInterval, s.CleanupFailed},
		{"stats-retention", s.cfg.RetentionInterval, s.PruneStats},
	}

	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		go func(name string, interval time.Duration, fn func(context.Context, time.Time) error) {
			defer wg.Done()
			s.runJob(ctx, name, interval, fn)
		}(job.name, job.interval, job.fn)
	}

	wg.Wait()
	return ctx.Err()
}

// runJob ticks one job on its own schedule. The run executes inline in the
// loop goroutine, so a job can never overlap with itself; ticks that fire
// during a long run coalesce.
func (s *Sweeper) runJob(ctx context.Context, name string, interval time.Duration, fn func(context.Context, time.Time) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case firedAt := <-ticker.C:
			if err := fn(ctx, firedAt); err != nil {
				s.logger.Error("job run failed",
					"job", name,
					"fired_at", firedAt,
					"error", err,
				)
			}
		}
	}
}

// SweepPending re-drives the increment direction for all PENDING edges.
// firedAt only identifies the run for operational tracking; it does not
// filter eligibility.
func (s *Sweeper) SweepPending(ctx context.Context, firedAt time.Time) error {
	return s.sweepStatus(ctx, firedAt, storage.EdgeStatusPending, follow.DirectionIncrement)
}

// SweepCancelled re-drives the decrement direction for all CANCELLED edges.
func (s *Sweeper) SweepCancelled(ctx context.Context, firedAt time.Time) error {
	return s.sweepStatus(ctx, firedAt, storage.EdgeStatusCancelled, follow.DirectionDecrement)
}

// sweepStatus is one bounded, chunked read-process-write pass. A failure
// during one edge's atomic unit bumps that edge's retry count and moves on;
// the next scheduled run picks it up again if still eligible.
func (s *Sweeper) sweepStatus(ctx context.Context, firedAt time.Time, status storage.EdgeStatus, dir follow.Direction) error {
	var (
		afterID   string
		processed int
		failed    int
	)

	topic := follow.Event{Type: dir.EventType()}.Topic()

	for {
		edges, err := s.edges.ListByStatus(ctx, status, afterID, s.cfg.ChunkSize)
		if err != nil {
			return err
		}
		if len(edges) == 0 {
			break
		}

		for _, edge := range edges {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			if err := s.sweepEdge(ctx, edge, dir, topic); err != nil {
				failed++
			} else {
				processed++
			}
		}

		if len(edges) < s.cfg.ChunkSize {
			break
		}
		afterID = edges[len(edges)-1].ID
	}

	if processed > 0 || failed > 0 {
		s.logger.Info("sweep run finished",
			"status", string(status),
			"fired_at", firedAt,
			"processed", processed,
			"failed", failed,
		)
	}

	return nil
}

func (s *Sweeper) sweepEdge(ctx context.Context, edge storage.EdgeRecord, dir follow.Direction, topic string) error {
	seen, err := s.applier.AlreadyApplied(ctx, edge.ID, dir.EventType())
	if err != nil {
		return err
	}

	if err := s.applier.Apply(ctx, edge.ID, dir); err != nil {
		if follow.IsPermanent(err) {
			s.logger.Warn("skipping unapplicable edge",
				"edge_id", edge.ID,
				"error", err,
			)
			return nil
		}

		s.record(topic, dir.EventType(), 0, 1, 0)

		if _, rfErr := s.applier.RecordFailure(ctx, edge); rfErr != nil {
			s.logger.Error("record failure failed",
				"edge_id", edge.ID,
				"error", rfErr,
			)
		}
		return err
	}

	if seen {
		// Ledger hit: the sweep advanced edge state without re-applying
		// the counter effect.
		s.record(topic, dir.EventType(), 0, 0, 1)
	} else {
		s.record(topic, dir.EventType(), 1, 0, 0)
	}

	return nil
}

// CleanupFailed deletes FAILED edges in chunks, on its own schedule.
func (s *Sweeper) CleanupFailed(ctx context.Context, firedAt time.Time) error {
	var total int64

	for {
		deleted, err := s.edges.DeleteFailed(ctx, s.cfg.ChunkSize)
		if err != nil {
			return err
		}
		total += deleted

		if deleted < int64(s.cfg.ChunkSize) {
			break
		}
	}

	if total > 0 {
		s.logger.Info("cleaned up failed edges",
			"fired_at", firedAt,
			"deleted", total,
		)
	}

	return nil
}

// PruneStats deletes stats buckets older than the retention horizon.
func (s *Sweeper) PruneStats(ctx context.Context, firedAt time.Time) error {
	cutoff := firedAt.Add(-s.cfg.StatsRetention)

	deleted, err := s.pruner.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return err
	}

	if deleted > 0 {
		s.logger.Info("pruned stats buckets",
			"fired_at", firedAt,
			"cutoff", cutoff,
			"deleted", deleted,
		)
	}

	return nil
}

func (s *Sweeper) record(topic, eventType string, total, fail, dup int64) {
	if s.stats != nil {
		s.stats.Record(topic, eventType, total, fail, dup)
	}
}
