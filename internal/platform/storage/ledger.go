package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// LedgerRepository is the dedup ledger: a durable, append-only record of which
// (event_id, event_type) pairs have already produced a side effect. The unique
// constraint on the pair is what converts at-least-once delivery into
// at-most-once effect.
type LedgerRepository struct {
	db *DB
}

// NewLedgerRepository creates a new LedgerRepository.
func NewLedgerRepository(db *DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// Seen reports whether the effect for (eventID, eventType) was already applied.
// Used by the consumer to short-circuit duplicates before opening a transaction.
func (r *LedgerRepository) Seen(ctx context.Context, eventID, eventType string) (bool, error) {
	sql := `SELECT 1 FROM processed_event WHERE event_id = $1 AND event_type = $2`

	var one int
	err := r.db.pool.QueryRow(ctx, sql, eventID, eventType).Scan(&one)
	if err != nil {
		if err == pgx.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("query ledger: %w", err)
	}

	return true, nil
}

// SeenTx is the transactional variant of Seen, used by the applier to re-check
// the ledger inside the atomic unit.
func (r *LedgerRepository) SeenTx(ctx context.Context, tx pgx.Tx, eventID, eventType string) (bool, error) {
	sql := `SELECT 1 FROM processed_event WHERE event_id = $1 AND event_type = $2`

	var one int
	err := tx.QueryRow(ctx, sql, eventID, eventType).Scan(&one)
	if err != nil {
		if err == pgx.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("query ledger: %w", err)
	}

	return true, nil
}

// RecordTx appends a ledger row inside the caller's transaction. Returns false
// when another writer already recorded the pair; the uniqueness constraint
// serializes racing appliers.
func (r *LedgerRepository) RecordTx(ctx context.Context, tx pgx.Tx, eventID, eventType string) (bool, error) {
	sql := `
		INSERT INTO processed_event (event_id, event_type)
		VALUES ($1, $2)
		ON CONFLICT (event_id, event_type) DO NOTHING
	`

	tag, err := tx.Exec(ctx, sql, eventID, eventType)
	if err != nil {
		return false, fmt.Errorf("insert ledger row: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}
