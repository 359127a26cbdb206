package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// EdgeRepository handles persistence of relationship edges and follower counters.
//
// The edge status and the denormalized counter are only ever mutated through
// the Tx-scoped methods, which the applier invokes inside a single transaction
// together with the dedup ledger write.
type EdgeRepository struct {
	db *DB
}

// NewEdgeRepository creates a new EdgeRepository.
func NewEdgeRepository(db *DB) *EdgeRepository {
	return &EdgeRepository{db: db}
}

// CreateEdge inserts a new edge in PENDING state.
func (r *EdgeRepository) CreateEdge(ctx context.Context, edge EdgeRecord) error {
	sql := `
		INSERT INTO relationship_edge (id, source_id, target_id, status, retry_count)
		VALUES ($1, $2, $3, $4, 0)
	`

	_, err := r.db.pool.Exec(ctx, sql, edge.ID, edge.SourceID, edge.TargetID, EdgeStatusPending)
	if err != nil {
		return fmt.Errorf("insert edge: %w", err)
	}

	return nil
}

// GetEdge retrieves an edge by id. Returns nil if not found.
func (r *EdgeRepository) GetEdge(ctx context.Context, id string) (*EdgeRecord, error) {
	sql := `
		SELECT id, source_id, target_id, status, retry_count, created_at
		FROM relationship_edge
		WHERE id = $1
	`

	var edge EdgeRecord
	err := r.db.pool.QueryRow(ctx, sql, id).Scan(
		&edge.ID, &edge.SourceID, &edge.TargetID, &edge.Status, &edge.RetryCount, &edge.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("query edge: %w", err)
	}

	return &edge, nil
}

// MarkCancelled flips an edge to CANCELLED so the decrement path picks it up.
// Returns false if the edge does not exist or is already terminal.
func (r *EdgeRepository) MarkCancelled(ctx context.Context, id string) (bool, error) {
	sql := `
		UPDATE relationship_edge
		SET status = $1
		WHERE id = $2 AND status IN ($3, $4)
	`

	tag, err := r.db.pool.Exec(ctx, sql, EdgeStatusCancelled, id, EdgeStatusPending, EdgeStatusConfirmed)
	if err != nil {
		return false, fmt.Errorf("mark cancelled: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

// ListByStatus returns up to limit edges in the given status, ordered by id,
// starting after afterID. Used by the sweep jobs for chunked passes.
func (r *EdgeRepository) ListByStatus(ctx context.Context, status EdgeStatus, afterID string, limit int) ([]EdgeRecord, error) {
	sql := `
		SELECT id, source_id, target_id, status, retry_count, created_at
		FROM relationship_edge
		WHERE status = $1 AND id > $2
		ORDER BY id ASC
		LIMIT $3
	`

	rows, err := r.db.pool.Query(ctx, sql, status, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("query edges: %w", err)
	}
	defer rows.Close()

	var edges []EdgeRecord
	for rows.Next() {
		var edge EdgeRecord
		err := rows.Scan(&edge.ID, &edge.SourceID, &edge.TargetID, &edge.Status, &edge.RetryCount, &edge.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		edges = append(edges, edge)
	}

	return edges, rows.Err()
}

// BumpRetry increments an edge's retry count after a failed apply attempt.
// When terminalize is set and the budget is exhausted the edge is parked FAILED.
// Returns the resulting status.
func (r *EdgeRepository) BumpRetry(ctx context.Context, id string, maxRetries int, terminalize bool) (EdgeStatus, error) {
	sql := `
		UPDATE relationship_edge
		SET retry_count = retry_count + 1,
			status = CASE
				WHEN $1 AND retry_count + 1 >= $2 THEN 'FAILED'
				ELSE status
			END
		WHERE id = $3 AND status <> 'FAILED'
		RETURNING status
	`

	var status EdgeStatus
	err := r.db.pool.QueryRow(ctx, sql, terminalize, maxRetries, id).Scan(&status)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", fmt.Errorf("edge %s not eligible for retry", id)
		}
		return "", fmt.Errorf("bump retry: %w", err)
	}

	return status, nil
}

// DeleteFailed removes up to limit FAILED edges. Used by the cleanup job.
func (r *EdgeRepository) DeleteFailed(ctx context.Context, limit int) (int64, error) {
	sql := `
		DELETE FROM relationship_edge
		WHERE id IN (
			SELECT id FROM relationship_edge
			WHERE status = 'FAILED'
			ORDER BY id ASC
			LIMIT $1
		)
	`

	tag, err := r.db.pool.Exec(ctx, sql, limit)
	if err != nil {
		return 0, fmt.Errorf("delete failed edges: %w", err)
	}

	return tag.RowsAffected(), nil
}

// GetCounter returns a target's denormalized follower count. Missing targets
// read as zero.
func (r *EdgeRepository) GetCounter(ctx context.Context, targetID string) (int64, error) {
	sql := `SELECT counter_value FROM counter_target WHERE id = $1`

	var value int64
	err := r.db.pool.QueryRow(ctx, sql, targetID).Scan(&value)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, nil
		}
		return 0, fmt.Errorf("query counter: %w", err)
	}

	return value, nil
}

// ApplyCounterDeltaTx adds delta to the target's counter inside the caller's
// transaction, creating the row if absent. Returns the new value.
func (r *EdgeRepository) ApplyCounterDeltaTx(ctx context.Context, tx pgx.Tx, targetID string, delta int64) (int64, error) {
	sql := `
		INSERT INTO counter_target (id, counter_value)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET
			counter_value = counter_target.counter_value + EXCLUDED.counter_value
		RETURNING counter_value
	`

	var value int64
	if err := tx.QueryRow(ctx, sql, targetID, delta).Scan(&value); err != nil {
		return 0, fmt.Errorf("apply counter delta: %w", err)
	}

	return value, nil
}

// TransitionTx updates an edge's status inside the caller's transaction.
func (r *EdgeRepository) TransitionTx(ctx context.Context, tx pgx.Tx, id string, status EdgeStatus) error {
	sql := `UPDATE relationship_edge SET status = $1 WHERE id = $2`

	if _, err := tx.Exec(ctx, sql, status, id); err != nil {
		return fmt.Errorf("transition edge: %w", err)
	}

	return nil
}

// DeleteTx removes an edge inside the caller's transaction.
func (r *EdgeRepository) DeleteTx(ctx context.Context, tx pgx.Tx, id string) error {
	sql := `DELETE FROM relationship_edge WHERE id = $1`

	if _, err := tx.Exec(ctx, sql, id); err != nil {
		return fmt.Errorf("delete edge: %w", err)
	}

	return nil
}
