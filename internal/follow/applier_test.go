package follow

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/marko911/project-tally/internal/platform/storage"
)

func setupTestDB(t *testing.T) *storage.DB {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	db, err := storage.New(ctx, storage.DefaultConfig())
	if err != nil {
		t.Skipf("Cannot connect to database: %v", err)
	}
	t.Cleanup(db.Close)

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	return db
}

type captureCache struct {
	mu     sync.Mutex
	counts map[string]int64
}

func (c *captureCache) SetCount(ctx context.Context, targetID string, value int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = make(map[string]int64)
	}
	c.counts[targetID] = value
	return nil
}

func (c *captureCache) get(targetID string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.counts[targetID]
	return v, ok
}

func createTestEdge(t *testing.T, db *storage.DB) storage.EdgeRecord {
	t.Helper()

	edge := storage.EdgeRecord{
		ID:       uuid.NewString(),
		SourceID: "src-" + uuid.NewString(),
		TargetID: "tgt-" + uuid.NewString(),
	}
	if err := storage.NewEdgeRepository(db).CreateEdge(context.Background(), edge); err != nil {
		t.Fatalf("create edge: %v", err)
	}
	return edge
}

func TestApplier_IncrementConfirmsEdge(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	cache := &captureCache{}
	applier := NewApplier(DefaultApplierConfig(), db, cache, nil)
	edges := storage.NewEdgeRepository(db)

	edge := createTestEdge(t, db)

	if err := applier.Apply(ctx, edge.ID, DirectionIncrement); err != nil {
		t.Fatalf("apply: %v", err)
	}

	got, err := edges.GetEdge(ctx, edge.ID)
	if err != nil || got == nil {
		t.Fatalf("get edge: %v %v", got, err)
	}
	if got.Status != storage.EdgeStatusConfirmed {
		t.Errorf("expected CONFIRMED, got %s", got.Status)
	}

	count, err := edges.GetCounter(ctx, edge.TargetID)
	if err != nil {
		t.Fatalf("get counter: %v", err)
	}
	if count != 1 {
		t.Errorf("expected counter 1, got %d", count)
	}

	if v, ok := cache.get(edge.TargetID); !ok || v != 1 {
		t.Errorf("expected cached count 1, got %d (hit=%v)", v, ok)
	}

	seen, err := applier.AlreadyApplied(ctx, edge.ID, EventTypeFollow)
	if err != nil {
		t.Fatalf("already applied: %v", err)
	}
	if !seen {
		t.Error("ledger should hold the increment effect")
	}
}

func TestApplier_DuplicateIncrementDoesNotDoubleCount(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	applier := NewApplier(DefaultApplierConfig(), db, nil, nil)
	edges := storage.NewEdgeRepository(db)

	edge := createTestEdge(t, db)

	for i := 0; i < 3; i++ {
		if err := applier.Apply(ctx, edge.ID, DirectionIncrement); err != nil {
			t.Fatalf("apply %d: %v", i, err)
		}
	}

	count, err := edges.GetCounter(ctx, edge.TargetID)
	if err != nil {
		t.Fatalf("get counter: %v", err)
	}
	if count != 1 {
		t.Errorf("expected counter 1 after redeliveries, got %d", count)
	}
}

func TestApplier_DecrementDeletesEdge(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	applier := NewApplier(DefaultApplierConfig(), db, nil, nil)
	edges := storage.NewEdgeRepository(db)

	edge := createTestEdge(t, db)

	if err := applier.Apply(ctx, edge.ID, DirectionIncrement); err != nil {
		t.Fatalf("apply increment: %v", err)
	}
	if ok, err := edges.MarkCancelled(ctx, edge.ID); err != nil || !ok {
		t.Fatalf("mark cancelled: ok=%v err=%v", ok, err)
	}

	if err := applier.Apply(ctx, edge.ID, DirectionDecrement); err != nil {
		t.Fatalf("apply decrement: %v", err)
	}

	got, err := edges.GetEdge(ctx, edge.ID)
	if err != nil {
		t.Fatalf("get edge: %v", err)
	}
	if got != nil {
		t.Errorf("expected edge deleted, got %+v", got)
	}

	count, err := edges.GetCounter(ctx, edge.TargetID)
	if err != nil {
		t.Fatalf("get counter: %v", err)
	}
	if count != 0 {
		t.Errorf("expected counter back to 0, got %d", count)
	}
}

// The two topics carry no cross-topic ordering, so a decrement can be
// consumed before its increment. Both effects are claimed in one step and the
// counter never moves, so the late increment dedups and the count stays 0.
func TestApplier_DecrementBeforeIncrementNetsToZero(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	applier := NewApplier(DefaultApplierConfig(), db, nil, nil)
	edges := storage.NewEdgeRepository(db)

	edge := createTestEdge(t, db)
	if ok, err := edges.MarkCancelled(ctx, edge.ID); err != nil || !ok {
		t.Fatalf("mark cancelled: ok=%v err=%v", ok, err)
	}

	if err := applier.Apply(ctx, edge.ID, DirectionDecrement); err != nil {
		t.Fatalf("apply decrement: %v", err)
	}

	count, err := edges.GetCounter(ctx, edge.TargetID)
	if err != nil {
		t.Fatalf("get counter: %v", err)
	}
	if count != 0 {
		t.Errorf("expected counter 0, got %d", count)
	}

	got, err := edges.GetEdge(ctx, edge.ID)
	if err != nil {
		t.Fatalf("get edge: %v", err)
	}
	if got != nil {
		t.Errorf("expected edge deleted, got %+v", got)
	}

	// The increment pair was claimed alongside the decrement, so the late
	// delivery short-circuits as a duplicate at the consumer.
	seen, err := applier.AlreadyApplied(ctx, edge.ID, EventTypeFollow)
	if err != nil {
		t.Fatalf("already applied: %v", err)
	}
	if !seen {
		t.Error("increment pair should be claimed")
	}

	// And even without the short-circuit the atomic unit rejects it.
	if err := applier.Apply(ctx, edge.ID, DirectionIncrement); !errors.Is(err, ErrEdgeGone) {
		t.Fatalf("expected ErrEdgeGone for the late increment, got %v", err)
	}

	count, err = edges.GetCounter(ctx, edge.TargetID)
	if err != nil {
		t.Fatalf("get counter: %v", err)
	}
	if count != 0 {
		t.Errorf("late increment must not move the counter, got %d", count)
	}
}

// A redelivery that lands after the sweep parked the edge FAILED must not
// write a counter effect the cleanup job would then strand.
func TestApplier_RedeliveryToParkedEdgeIsRejected(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	applier := NewApplier(ApplierConfig{MaxRetryCount: 1}, db, nil, nil)
	edges := storage.NewEdgeRepository(db)

	edge := createTestEdge(t, db)
	rec := storage.EdgeRecord{ID: edge.ID, Status: storage.EdgeStatusPending}

	status, err := applier.RecordFailure(ctx, rec)
	if err != nil {
		t.Fatalf("record failure: %v", err)
	}
	if status != storage.EdgeStatusFailed {
		t.Fatalf("expected FAILED, got %s", status)
	}

	err = applier.Apply(ctx, edge.ID, DirectionIncrement)
	if !errors.Is(err, ErrEdgeParked) {
		t.Fatalf("expected ErrEdgeParked, got %v", err)
	}
	if !IsPermanent(err) {
		t.Error("ErrEdgeParked must classify as permanent")
	}

	count, err := edges.GetCounter(ctx, edge.TargetID)
	if err != nil {
		t.Fatalf("get counter: %v", err)
	}
	if count != 0 {
		t.Errorf("parked edge must not gain a counter effect, got %d", count)
	}

	seen, err := applier.AlreadyApplied(ctx, edge.ID, EventTypeFollow)
	if err != nil {
		t.Fatalf("already applied: %v", err)
	}
	if seen {
		t.Error("rejected apply must not write a ledger row")
	}

	got, err := edges.GetEdge(ctx, edge.ID)
	if err != nil || got == nil {
		t.Fatalf("get edge: %v %v", got, err)
	}
	if got.Status != storage.EdgeStatusFailed {
		t.Errorf("expected edge to stay FAILED, got %s", got.Status)
	}
}

func TestApplier_MissingEdgeIsPermanent(t *testing.T) {
	db := setupTestDB(t)
	applier := NewApplier(DefaultApplierConfig(), db, nil, nil)

	err := applier.Apply(context.Background(), uuid.NewString(), DirectionDecrement)
	if !errors.Is(err, ErrEdgeGone) {
		t.Fatalf("expected ErrEdgeGone, got %v", err)
	}
	if !IsPermanent(err) {
		t.Error("ErrEdgeGone must classify as permanent")
	}
}

// Out-of-order delivery: the increment lands after the edge was cancelled. The
// counter effect still applies but the edge must stay CANCELLED so the
// decrement sweep can finish the story.
func TestApplier_IncrementKeepsCancelledStatus(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	applier := NewApplier(DefaultApplierConfig(), db, nil, nil)
	edges := storage.NewEdgeRepository(db)

	edge := createTestEdge(t, db)
	if ok, err := edges.MarkCancelled(ctx, edge.ID); err != nil || !ok {
		t.Fatalf("mark cancelled: ok=%v err=%v", ok, err)
	}

	if err := applier.Apply(ctx, edge.ID, DirectionIncrement); err != nil {
		t.Fatalf("apply: %v", err)
	}

	got, err := edges.GetEdge(ctx, edge.ID)
	if err != nil || got == nil {
		t.Fatalf("get edge: %v %v", got, err)
	}
	if got.Status != storage.EdgeStatusCancelled {
		t.Errorf("expected edge to stay CANCELLED, got %s", got.Status)
	}

	count, err := edges.GetCounter(ctx, edge.TargetID)
	if err != nil {
		t.Fatalf("get counter: %v", err)
	}
	if count != 1 {
		t.Errorf("expected counter 1, got %d", count)
	}
}

func TestApplier_ConcurrentApplyCountsOnce(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	applier := NewApplier(DefaultApplierConfig(), db, nil, nil)
	edges := storage.NewEdgeRepository(db)

	edge := createTestEdge(t, db)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Racing appliers serialize on the row lock and the ledger
			// constraint; every call succeeds, the effect applies once.
			if err := applier.Apply(ctx, edge.ID, DirectionIncrement); err != nil {
				t.Errorf("apply: %v", err)
			}
		}()
	}
	wg.Wait()

	count, err := edges.GetCounter(ctx, edge.TargetID)
	if err != nil {
		t.Fatalf("get counter: %v", err)
	}
	if count != 1 {
		t.Errorf("expected counter 1 after concurrent applies, got %d", count)
	}
}

func TestApplier_RecordFailureParksPending(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	applier := NewApplier(ApplierConfig{MaxRetryCount: 2}, db, nil, nil)

	edge := createTestEdge(t, db)
	rec := storage.EdgeRecord{ID: edge.ID, Status: storage.EdgeStatusPending}

	status, err := applier.RecordFailure(ctx, rec)
	if err != nil {
		t.Fatalf("record failure: %v", err)
	}
	if status != storage.EdgeStatusPending {
		t.Errorf("first failure should keep PENDING, got %s", status)
	}

	status, err = applier.RecordFailure(ctx, rec)
	if err != nil {
		t.Fatalf("record failure: %v", err)
	}
	if status != storage.EdgeStatusFailed {
		t.Errorf("budget exhausted, expected FAILED, got %s", status)
	}
}

func TestApplier_RecordFailureCancelledPolicy(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	edges := storage.NewEdgeRepository(db)

	t.Run("default keeps retrying", func(t *testing.T) {
		applier := NewApplier(ApplierConfig{MaxRetryCount: 1}, db, nil, nil)

		edge := createTestEdge(t, db)
		if ok, err := edges.MarkCancelled(ctx, edge.ID); err != nil || !ok {
			t.Fatalf("mark cancelled: ok=%v err=%v", ok, err)
		}
		rec := storage.EdgeRecord{ID: edge.ID, Status: storage.EdgeStatusCancelled}

		for i := 0; i < 3; i++ {
			status, err := applier.RecordFailure(ctx, rec)
			if err != nil {
				t.Fatalf("record failure: %v", err)
			}
			if status != storage.EdgeStatusCancelled {
				t.Fatalf("expected CANCELLED to stay, got %s", status)
			}
		}
	})

	t.Run("terminalize parks", func(t *testing.T) {
		applier := NewApplier(ApplierConfig{MaxRetryCount: 1, TerminalizeCancelled: true}, db, nil, nil)

		edge := createTestEdge(t, db)
		if ok, err := edges.MarkCancelled(ctx, edge.ID); err != nil || !ok {
			t.Fatalf("mark cancelled: ok=%v err=%v", ok, err)
		}
		rec := storage.EdgeRecord{ID: edge.ID, Status: storage.EdgeStatusCancelled}

		status, err := applier.RecordFailure(ctx, rec)
		if err != nil {
			t.Fatalf("record failure: %v", err)
		}
		if status != storage.EdgeStatusFailed {
			t.Errorf("expected FAILED, got %s", status)
		}
	})
}
