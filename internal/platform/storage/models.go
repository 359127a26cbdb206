package storage

import (
	"time"
)

// EdgeStatus represents the lifecycle state of a relationship edge.
type EdgeStatus string

const (
	EdgeStatusPending   EdgeStatus = "PENDING"
	EdgeStatusConfirmed EdgeStatus = "CONFIRMED"
	EdgeStatusCancelled EdgeStatus = "CANCELLED"
	EdgeStatusFailed    EdgeStatus = "FAILED"
)

// EdgeRecord represents a follow relationship edge.
type EdgeRecord struct {
	ID         string     `db:"id"`
	SourceID   string     `db:"source_id"`
	TargetID   string     `db:"target_id"`
	Status     EdgeStatus `db:"status"`
	RetryCount int32      `db:"retry_count"`
	CreatedAt  time.Time  `db:"created_at"`
}

// ProcessedEvent is a row in the dedup ledger. Append-only; its existence
// is the sole proof that an event's effect was applied.
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}

// StatsDelta is one flush increment destined for event_stats_bucket.
type StatsDelta struct {
	Topic      string
	EventType  string
	BucketTime time.Time
	Total      int64
	Fail       int64
	Dup        int64
}

// StatsRollup aggregates counters for a (topic, event_type) pair over a window.
type StatsRollup struct {
	Topic     string `db:"topic"`
	EventType string `db:"event_type"`
	Total     int64  `db:"total_count"`
	Fail      int64  `db:"fail_count"`
	Dup       int64  `db:"dup_count"`
}

// StatsBucketRow is a single 10-minute bucket row.
type StatsBucketRow struct {
	Topic      string    `db:"topic"`
	EventType  string    `db:"event_type"`
	BucketTime time.Time `db:"bucket_time"`
	Total      int64     `db:"total_count"`
	Fail       int64     `db:"fail_count"`
	Dup        int64     `db:"dup_count"`
	UpdatedAt  time.Time `db:"updated_at"`
}
