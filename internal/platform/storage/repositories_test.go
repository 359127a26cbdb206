package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// setupTestDB connects to the local database and runs migrations. Tests are
// skipped when no database is reachable.
func setupTestDB(t *testing.T) *DB {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	db, err := New(ctx, DefaultConfig())
	if err != nil {
		t.Skipf("Cannot connect to database: %v", err)
	}
	t.Cleanup(db.Close)

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	return db
}

func insertTestEdge(t *testing.T, repo *EdgeRepository) EdgeRecord {
	t.Helper()

	edge := EdgeRecord{
		ID:       uuid.NewString(),
		SourceID: "src-" + uuid.NewString(),
		TargetID: "tgt-" + uuid.NewString(),
	}
	if err := repo.CreateEdge(context.Background(), edge); err != nil {
		t.Fatalf("create edge: %v", err)
	}
	return edge
}

func TestEdgeRepository_CreateAndGet(t *testing.T) {
	db := setupTestDB(t)
	repo := NewEdgeRepository(db)
	ctx := context.Background()

	edge := insertTestEdge(t, repo)

	got, err := repo.GetEdge(ctx, edge.ID)
	if err != nil {
		t.Fatalf("get edge: %v", err)
	}
	if got == nil {
		t.Fatal("expected edge, got nil")
	}
	if got.Status != EdgeStatusPending {
		t.Errorf("new edge should be PENDING, got %s", got.Status)
	}
	if got.SourceID != edge.SourceID || got.TargetID != edge.TargetID {
		t.Errorf("unexpected edge: %+v", got)
	}
}

func TestEdgeRepository_GetMissingReturnsNil(t *testing.T) {
	db := setupTestDB(t)
	repo := NewEdgeRepository(db)

	got, err := repo.GetEdge(context.Background(), uuid.NewString())
	if err != nil {
		t.Fatalf("get edge: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing edge, got %+v", got)
	}
}

func TestEdgeRepository_MarkCancelled(t *testing.T) {
	db := setupTestDB(t)
	repo := NewEdgeRepository(db)
	ctx := context.Background()

	edge := insertTestEdge(t, repo)

	ok, err := repo.MarkCancelled(ctx, edge.ID)
	if err != nil {
		t.Fatalf("mark cancelled: %v", err)
	}
	if !ok {
		t.Fatal("expected PENDING edge to be cancellable")
	}

	// Already terminal: a second cancel is refused.
	ok, err = repo.MarkCancelled(ctx, edge.ID)
	if err != nil {
		t.Fatalf("mark cancelled: %v", err)
	}
	if ok {
		t.Error("expected CANCELLED edge to not be cancellable again")
	}

	if ok, err := repo.MarkCancelled(ctx, uuid.NewString()); err != nil || ok {
		t.Errorf("expected miss for unknown edge, got ok=%v err=%v", ok, err)
	}
}

func TestEdgeRepository_BumpRetryParksAfterBudget(t *testing.T) {
	db := setupTestDB(t)
	repo := NewEdgeRepository(db)
	ctx := context.Background()

	edge := insertTestEdge(t, repo)

	status, err := repo.BumpRetry(ctx, edge.ID, 2, true)
	if err != nil {
		t.Fatalf("bump retry: %v", err)
	}
	if status != EdgeStatusPending {
		t.Errorf("first bump should keep PENDING, got %s", status)
	}

	status, err = repo.BumpRetry(ctx, edge.ID, 2, true)
	if err != nil {
		t.Fatalf("bump retry: %v", err)
	}
	if status != EdgeStatusFailed {
		t.Errorf("second bump should park FAILED, got %s", status)
	}
}

func TestEdgeRepository_BumpRetryWithoutTerminalize(t *testing.T) {
	db := setupTestDB(t)
	repo := NewEdgeRepository(db)
	ctx := context.Background()

	edge := insertTestEdge(t, repo)

	for i := 0; i < 5; i++ {
		status, err := repo.BumpRetry(ctx, edge.ID, 2, false)
		if err != nil {
			t.Fatalf("bump retry: %v", err)
		}
		if status != EdgeStatusPending {
			t.Fatalf("bump %d should keep PENDING, got %s", i+1, status)
		}
	}
}

func TestEdgeRepository_CounterDeltaAccumulates(t *testing.T) {
	db := setupTestDB(t)
	repo := NewEdgeRepository(db)
	ctx := context.Background()

	targetID := "tgt-" + uuid.NewString()

	apply := func(delta int64) int64 {
		var value int64
		err := db.WithTx(ctx, func(tx pgx.Tx) error {
			var err error
			value, err = repo.ApplyCounterDeltaTx(ctx, tx, targetID, delta)
			return err
		})
		if err != nil {
			t.Fatalf("apply delta: %v", err)
		}
		return value
	}

	if got := apply(1); got != 1 {
		t.Errorf("expected 1, got %d", got)
	}
	if got := apply(1); got != 2 {
		t.Errorf("expected 2, got %d", got)
	}
	if got := apply(-1); got != 1 {
		t.Errorf("expected 1, got %d", got)
	}

	value, err := repo.GetCounter(ctx, targetID)
	if err != nil {
		t.Fatalf("get counter: %v", err)
	}
	if value != 1 {
		t.Errorf("expected durable value 1, got %d", value)
	}
}

func TestEdgeRepository_GetCounterMissingReadsZero(t *testing.T) {
	db := setupTestDB(t)
	repo := NewEdgeRepository(db)

	value, err := repo.GetCounter(context.Background(), uuid.NewString())
	if err != nil {
		t.Fatalf("get counter: %v", err)
	}
	if value != 0 {
		t.Errorf("expected 0 for unknown target, got %d", value)
	}
}

func TestLedgerRepository_RecordOnceOnly(t *testing.T) {
	db := setupTestDB(t)
	repo := NewLedgerRepository(db)
	ctx := context.Background()

	eventID := uuid.NewString()

	seen, err := repo.Seen(ctx, eventID, "follow")
	if err != nil {
		t.Fatalf("seen: %v", err)
	}
	if seen {
		t.Fatal("fresh pair should not be seen")
	}

	err = db.WithTx(ctx, func(tx pgx.Tx) error {
		inserted, err := repo.RecordTx(ctx, tx, eventID, "follow")
		if err != nil {
			return err
		}
		if !inserted {
			t.Error("first record should insert")
		}

		inserted, err = repo.RecordTx(ctx, tx, eventID, "follow")
		if err != nil {
			return err
		}
		if inserted {
			t.Error("second record should hit the constraint")
		}

		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}

	seen, err = repo.Seen(ctx, eventID, "follow")
	if err != nil {
		t.Fatalf("seen: %v", err)
	}
	if !seen {
		t.Error("recorded pair should be seen")
	}

	// The pair is keyed on both columns: the other event type stays unseen.
	seen, err = repo.Seen(ctx, eventID, "unfollow")
	if err != nil {
		t.Fatalf("seen: %v", err)
	}
	if seen {
		t.Error("unfollow effect for the same id should not be seen")
	}
}

func TestStatsRepository_MergeAndRollup(t *testing.T) {
	db := setupTestDB(t)
	repo := NewStatsRepository(db)
	ctx := context.Background()

	// Unique topic per run keeps parallel test runs from colliding.
	topic := "topic-" + uuid.NewString()
	bucket := time.Now().UTC().Truncate(10 * time.Minute)

	deltas := []StatsDelta{
		{Topic: topic, EventType: "follow", BucketTime: bucket, Total: 10, Fail: 1, Dup: 2},
	}
	if err := repo.MergeDeltas(ctx, deltas); err != nil {
		t.Fatalf("merge: %v", err)
	}
	// Second flush into the same bucket accumulates.
	if err := repo.MergeDeltas(ctx, deltas); err != nil {
		t.Fatalf("merge: %v", err)
	}

	rollups, err := repo.Rollup(ctx, bucket.Add(-time.Minute))
	if err != nil {
		t.Fatalf("rollup: %v", err)
	}

	var found bool
	for _, ru := range rollups {
		if ru.Topic == topic && ru.EventType == "follow" {
			found = true
			if ru.Total != 20 || ru.Fail != 2 || ru.Dup != 4 {
				t.Errorf("expected accumulated 20/2/4, got %+v", ru)
			}
		}
	}
	if !found {
		t.Error("rollup row not found")
	}
}

func TestStatsRepository_DeleteOlderThan(t *testing.T) {
	db := setupTestDB(t)
	repo := NewStatsRepository(db)
	ctx := context.Background()

	topic := "topic-" + uuid.NewString()
	old := time.Now().UTC().Add(-30 * 24 * time.Hour).Truncate(10 * time.Minute)

	err := repo.MergeDeltas(ctx, []StatsDelta{
		{Topic: topic, EventType: "follow", BucketTime: old, Total: 1},
	})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}

	deleted, err := repo.DeleteOlderThan(ctx, time.Now().UTC().Add(-14*24*time.Hour))
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if deleted < 1 {
		t.Errorf("expected at least the seeded row deleted, got %d", deleted)
	}
}
