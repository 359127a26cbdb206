package follow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/marko911/project-tally/internal/platform/storage"
)

// ErrEdgeGone indicates the event references an edge that no longer exists.
// The edge row is written before its event is published and only removed after
// the decrement effect is applied, so a missing edge means the effect is moot.
// Classified permanent: redelivery can never make the row reappear.
var ErrEdgeGone = errors.New("edge gone")

// ErrEdgeParked indicates the edge was parked FAILED after exhausting its
// retry budget. FAILED is terminal: only the cleanup job touches such edges,
// and a redelivered event must not revive the counter effect.
var ErrEdgeParked = errors.New("edge parked")

// IsPermanent reports whether an apply error can never succeed on redelivery.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrEdgeGone) ||
		errors.Is(err, ErrEdgeParked) ||
		errors.Is(err, ErrMalformedEvent)
}

// ApplierConfig configures the state machine.
type ApplierConfig struct {
	// MaxRetryCount bounds sweep retries; a PENDING edge that exhausts it is
	// parked FAILED rather than retried forever.
	MaxRetryCount int

	// TerminalizeCancelled extends the FAILED parking rule to CANCELLED edges.
	// When false (the default) the cancelled sweep keeps retrying them
	// indefinitely.
	TerminalizeCancelled bool
}

// DefaultApplierConfig returns production defaults.
func DefaultApplierConfig() ApplierConfig {
	return ApplierConfig{
		MaxRetryCount:        3,
		TerminalizeCancelled: false,
	}
}

// CounterCache mirrors freshly committed counter values into a fast read-side
// store. Strictly best-effort; failures are logged and dropped.
type CounterCache interface {
	SetCount(ctx context.Context, targetID string, value int64) error
}

// Applier runs the atomic unit: within one transaction it re-checks the dedup
// ledger, applies the counter delta, appends the ledger row, and transitions
// or deletes the edge. Partial application is never observable.
//
// Both the live consumer and the reconciliation sweeps drive the same unit,
// which is what makes them safe to run concurrently.
type Applier struct {
	cfg    ApplierConfig
	db     *storage.DB
	edges  *storage.EdgeRepository
	ledger *storage.LedgerRepository
	cache  CounterCache
	logger *slog.Logger
}

// NewApplier creates an Applier. cache may be nil.
func NewApplier(cfg ApplierConfig, db *storage.DB, cache CounterCache, logger *slog.Logger) *Applier {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRetryCount <= 0 {
		cfg.MaxRetryCount = DefaultApplierConfig().MaxRetryCount
	}

	return &Applier{
		cfg:    cfg,
		db:     db,
		edges:  storage.NewEdgeRepository(db),
		ledger: storage.NewLedgerRepository(db),
		cache:  cache,
		logger: logger.With("component", "applier"),
	}
}

// AlreadyApplied reports whether the effect for (eventID, eventType) is in the
// ledger. Consumers call this to short-circuit duplicates without opening a
// transaction; the atomic unit re-checks under the transaction regardless.
func (a *Applier) AlreadyApplied(ctx context.Context, eventID, eventType string) (bool, error) {
	return a.ledger.Seen(ctx, eventID, eventType)
}

// Apply runs the atomic unit for one edge and direction. The event id is the
// edge id by construction.
func (a *Applier) Apply(ctx context.Context, edgeID string, dir Direction) error {
	var (
		targetID     string
		counterValue int64
		mutated      bool
	)

	err := a.db.WithTx(ctx, func(tx pgx.Tx) error {
		edge, err := a.getEdgeForUpdate(ctx, tx, edgeID)
		if err != nil {
			return err
		}
		if edge == nil {
			return fmt.Errorf("%w: %s", ErrEdgeGone, edgeID)
		}
		if edge.Status == storage.EdgeStatusFailed {
			return fmt.Errorf("%w: %s", ErrEdgeParked, edgeID)
		}
		targetID = edge.TargetID

		seen, err := a.ledger.SeenTx(ctx, tx, edgeID, dir.EventType())
		if err != nil {
			return err
		}

		if !seen {
			inserted, err := a.ledger.RecordTx(ctx, tx, edgeID, dir.EventType())
			if err != nil {
				return err
			}
			// Lost the race against a concurrent applier: the effect is
			// already accounted for, only the edge state may need advancing.
			seen = !inserted
		}

		if seen {
			return a.advanceEdge(ctx, tx, edge, dir)
		}

		if dir == DirectionDecrement {
			incSeen, err := a.ledger.SeenTx(ctx, tx, edgeID, EventTypeFollow)
			if err != nil {
				return err
			}
			if !incSeen {
				// Decrement arrived before its increment. Claim the increment
				// pair too so a late delivery dedups, skip the counter, and
				// delete the edge: the two effects net to zero and the counter
				// never goes negative.
				if _, err := a.ledger.RecordTx(ctx, tx, edgeID, EventTypeFollow); err != nil {
					return err
				}
				return a.edges.DeleteTx(ctx, tx, edge.ID)
			}
		}

		counterValue, err = a.edges.ApplyCounterDeltaTx(ctx, tx, edge.TargetID, dir.Delta())
		if err != nil {
			return err
		}
		mutated = true

		return a.advanceEdge(ctx, tx, edge, dir)
	})
	if err != nil {
		return err
	}

	if mutated && a.cache != nil {
		if cErr := a.cache.SetCount(ctx, targetID, counterValue); cErr != nil {
			a.logger.Warn("counter cache update failed",
				"target_id", targetID,
				"error", cErr,
			)
		}
	}

	return nil
}

// advanceEdge performs the state transition for a direction whose counter
// effect is (or already was) applied. Increments confirm PENDING edges;
// decrements delete the edge.
func (a *Applier) advanceEdge(ctx context.Context, tx pgx.Tx, edge *storage.EdgeRecord, dir Direction) error {
	switch dir {
	case DirectionIncrement:
		if edge.Status == storage.EdgeStatusPending {
			return a.edges.TransitionTx(ctx, tx, edge.ID, storage.EdgeStatusConfirmed)
		}
		return nil
	case DirectionDecrement:
		return a.edges.DeleteTx(ctx, tx, edge.ID)
	default:
		return fmt.Errorf("%w: direction %d", ErrMalformedEvent, dir)
	}
}

// RecordFailure bumps the edge's retry count after a failed apply attempt on
// the sweep path. PENDING edges that exhaust the budget are parked FAILED;
// CANCELLED edges follow the TerminalizeCancelled policy. Returns the
// resulting status.
func (a *Applier) RecordFailure(ctx context.Context, edge storage.EdgeRecord) (storage.EdgeStatus, error) {
	terminalize := edge.Status == storage.EdgeStatusPending ||
		(edge.Status == storage.EdgeStatusCancelled && a.cfg.TerminalizeCancelled)

	status, err := a.edges.BumpRetry(ctx, edge.ID, a.cfg.MaxRetryCount, terminalize)
	if err != nil {
		return "", err
	}

	if status == storage.EdgeStatusFailed {
		a.logger.Warn("edge parked after exhausting retry budget",
			"edge_id", edge.ID,
			"max_retries", a.cfg.MaxRetryCount,
		)
	}

	return status, nil
}

func (a *Applier) getEdgeForUpdate(ctx context.Context, tx pgx.Tx, id string) (*storage.EdgeRecord, error) {
	sql := `
		SELECT id, source_id, target_id, status, retry_count, created_at
		FROM relationship_edge
		WHERE id = $1
		FOR UPDATE
	`

	var edge storage.EdgeRecord
	err := tx.QueryRow(ctx, sql, id).Scan(
		&edge.ID, &edge.SourceID, &edge.TargetID, &edge.Status, &edge.RetryCount, &edge.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("lock edge: %w", err)
	}

	return &edge, nil
}
