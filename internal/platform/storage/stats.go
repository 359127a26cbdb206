package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// StatsRepository persists the metrics aggregator's bucket counters.
//
// All writes are merge-upserts: the same bucket accumulates contributions from
// multiple flush cycles and multiple consumer instances, so counters are only
// ever added to, never overwritten.
type StatsRepository struct {
	db *DB
}

// NewStatsRepository creates a new StatsRepository.
func NewStatsRepository(db *DB) *StatsRepository {
	return &StatsRepository{db: db}
}

// MergeDeltas upserts a batch of flush deltas in a single transaction.
func (r *StatsRepository) MergeDeltas(ctx context.Context, deltas []StatsDelta) error {
	if len(deltas) == 0 {
		return nil
	}

	return r.db.WithTx(ctx, func(tx pgx.Tx) error {
		sql := `
			INSERT INTO event_stats_bucket (
				topic, event_type, bucket_time, total_count, fail_count, dup_count, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, NOW())
			ON CONFLICT (topic, event_type, bucket_time) DO UPDATE SET
				total_count = event_stats_bucket.total_count + EXCLUDED.total_count,
				fail_count = event_stats_bucket.fail_count + EXCLUDED.fail_count,
				dup_count = event_stats_bucket.dup_count + EXCLUDED.dup_count,
				updated_at = NOW()
		`

		for _, d := range deltas {
			_, err := tx.Exec(ctx, sql,
				d.Topic, d.EventType, d.BucketTime, d.Total, d.Fail, d.Dup,
			)
			if err != nil {
				return fmt.Errorf("upsert bucket %s/%s: %w", d.Topic, d.EventType, err)
			}
		}

		return nil
	})
}

// Rollup returns one aggregate row per (topic, event_type) over the trailing
// window.
func (r *StatsRepository) Rollup(ctx context.Context, since time.Time) ([]StatsRollup, error) {
	sql := `
		SELECT topic, event_type,
		       COALESCE(SUM(total_count), 0),
		       COALESCE(SUM(fail_count), 0),
		       COALESCE(SUM(dup_count), 0)
		FROM event_stats_bucket
		WHERE bucket_time >= $1
		GROUP BY topic, event_type
		ORDER BY topic, event_type
	`

	rows, err := r.db.pool.Query(ctx, sql, since)
	if err != nil {
		return nil, fmt.Errorf("query rollup: %w", err)
	}
	defer rows.Close()

	var rollups []StatsRollup
	for rows.Next() {
		var ru StatsRollup
		if err := rows.Scan(&ru.Topic, &ru.EventType, &ru.Total, &ru.Fail, &ru.Dup); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		rollups = append(rollups, ru)
	}

	return rollups, rows.Err()
}

// Buckets returns per-bucket rows over the trailing window, most recent bucket
// first, ties broken by descending total.
func (r *StatsRepository) Buckets(ctx context.Context, since time.Time) ([]StatsBucketRow, error) {
	sql := `
		SELECT topic, event_type, bucket_time, total_count, fail_count, dup_count, updated_at
		FROM event_stats_bucket
		WHERE bucket_time >= $1
		ORDER BY bucket_time DESC, total_count DESC
	`

	rows, err := r.db.pool.Query(ctx, sql, since)
	if err != nil {
		return nil, fmt.Errorf("query buckets: %w", err)
	}
	defer rows.Close()

	var buckets []StatsBucketRow
	for rows.Next() {
		var b StatsBucketRow
		err := rows.Scan(&b.Topic, &b.EventType, &b.BucketTime, &b.Total, &b.Fail, &b.Dup, &b.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		buckets = append(buckets, b)
	}

	return buckets, rows.Err()
}

// DeleteOlderThan removes bucket rows past the retention horizon.
func (r *StatsRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	sql := `DELETE FROM event_stats_bucket WHERE bucket_time < $1`

	tag, err := r.db.pool.Exec(ctx, sql, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old buckets: %w", err)
	}

	return tag.RowsAffected(), nil
}
