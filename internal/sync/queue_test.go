package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/reliefops/fieldsync/internal/payload"
	"github.com/reliefops/fieldsync/internal/store"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return db
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func testQueue(t *testing.T, config *QueueConfig) *Queue {
	t.Helper()
	if config == nil {
		config = DefaultQueueConfig()
	}
	config.Logger = quietLogger()
	return NewQueue(testDB(t), config)
}

// testEnvelope builds a valid generic-entity envelope. Tests sleep a
// moment between enqueues so created_at values are strictly ordered.
func testEnvelope(entityUUID string, priority int) *payload.Envelope {
	data, _ := json.Marshal(payload.Entity{Name: "shelter " + entityUUID})
	return &payload.Envelope{
		EntityType: payload.EntityGeneric,
		Action:     payload.ActionUpdate,
		EntityUUID: entityUUID,
		Priority:   priority,
		Data:       data,
	}
}

func enqueue(t *testing.T, q *Queue, entityUUID string, priority int) *QueueItem {
	t.Helper()
	item, err := q.Enqueue(context.Background(), testEnvelope(entityUUID, priority))
	if err != nil {
		t.Fatalf("Enqueue(%s) failed: %v", entityUUID, err)
	}
	time.Sleep(2 * time.Millisecond)
	return item
}

// TestEnqueue_Persists tests that an enqueued item is durably readable
func TestEnqueue_Persists(t *testing.T) {
	q := testQueue(t, nil)
	item := enqueue(t, q, "e-1", 3)

	got, err := q.Get(context.Background(), item.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
	if got.EntityUUID != "e-1" || got.Priority != 3 {
		t.Errorf("item = %+v, want e-1 priority 3", got)
	}
}

// TestEnqueue_InvalidEnvelope tests validation at the queue boundary
func TestEnqueue_InvalidEnvelope(t *testing.T) {
	q := testQueue(t, nil)
	env := testEnvelope("e-1", 3)
	env.EntityUUID = ""
	if _, err := q.Enqueue(context.Background(), env); err == nil {
		t.Error("Enqueue() accepted invalid envelope")
	}
}

// TestDequeueBatch_PriorityOrder tests that lower priority values drain first
func TestDequeueBatch_PriorityOrder(t *testing.T) {
	q := testQueue(t, nil)
	enqueue(t, q, "low", 5)
	enqueue(t, q, "high", 1)
	enqueue(t, q, "mid", 3)

	batch, err := q.DequeueBatch(context.Background(), 10)
	if err != nil {
		t.Fatalf("DequeueBatch() failed: %v", err)
	}
	if len(batch) != 3 {
		t.Fatalf("batch size = %d, want 3", len(batch))
	}

	want := []string{"high", "mid", "low"}
	for i, item := range batch {
		if item.EntityUUID != want[i] {
			t.Errorf("batch[%d] = %s, want %s", i, item.EntityUUID, want[i])
		}
		if item.Status != StatusSyncing {
			t.Errorf("batch[%d] status = %s, want syncing", i, item.Status)
		}
	}
}

// TestDequeueBatch_FIFOPerEntity tests that only the oldest item per
// entity is eligible, regardless of priority
func TestDequeueBatch_FIFOPerEntity(t *testing.T) {
	q := testQueue(t, nil)
	first := enqueue(t, q, "e-1", 5)
	enqueue(t, q, "e-1", 1) // higher priority but newer

	batch, err := q.DequeueBatch(context.Background(), 10)
	if err != nil {
		t.Fatalf("DequeueBatch() failed: %v", err)
	}
	if len(batch) != 1 {
		t.Fatalf("batch size = %d, want 1", len(batch))
	}
	if batch[0].ID != first.ID {
		t.Errorf("dequeued %s, want oldest item %s", batch[0].ID, first.ID)
	}
}

// TestDequeueBatch_SingleFlightPerEntity tests that an in-flight item
// blocks later items for the same entity until it settles
func TestDequeueBatch_SingleFlightPerEntity(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t, nil)
	first := enqueue(t, q, "e-1", 3)
	second := enqueue(t, q, "e-1", 3)

	batch, err := q.DequeueBatch(ctx, 10)
	if err != nil {
		t.Fatalf("DequeueBatch() failed: %v", err)
	}
	if len(batch) != 1 || batch[0].ID != first.ID {
		t.Fatalf("first dequeue = %v, want only %s", batch, first.ID)
	}

	// While the first item is syncing, nothing for e-1 is eligible.
	batch, err = q.DequeueBatch(ctx, 10)
	if err != nil {
		t.Fatalf("DequeueBatch() failed: %v", err)
	}
	if len(batch) != 0 {
		t.Fatalf("dequeued %d items while entity in flight, want 0", len(batch))
	}

	if err := q.MarkSynced(ctx, first.ID); err != nil {
		t.Fatalf("MarkSynced() failed: %v", err)
	}

	batch, err = q.DequeueBatch(ctx, 10)
	if err != nil {
		t.Fatalf("DequeueBatch() failed: %v", err)
	}
	if len(batch) != 1 || batch[0].ID != second.ID {
		t.Errorf("after settle, dequeue = %v, want %s", batch, second.ID)
	}
}

// TestDequeueBatch_BackoffWindow tests that transiently failed items
// are ineligible until their window expires
func TestDequeueBatch_BackoffWindow(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t, &QueueConfig{
		MaxAttempts: 5,
		BackoffBase: 30 * time.Millisecond,
		BackoffMax:  time.Second,
	})
	item := enqueue(t, q, "e-1", 3)

	if _, err := q.DequeueBatch(ctx, 10); err != nil {
		t.Fatalf("DequeueBatch() failed: %v", err)
	}
	if err := q.MarkFailed(ctx, item.ID, errors.New("503"), false); err != nil {
		t.Fatalf("MarkFailed() failed: %v", err)
	}

	batch, err := q.DequeueBatch(ctx, 10)
	if err != nil {
		t.Fatalf("DequeueBatch() failed: %v", err)
	}
	if len(batch) != 0 {
		t.Fatal("failed item dequeued before its backoff window expired")
	}

	time.Sleep(50 * time.Millisecond)

	batch, err = q.DequeueBatch(ctx, 10)
	if err != nil {
		t.Fatalf("DequeueBatch() failed: %v", err)
	}
	if len(batch) != 1 || batch[0].ID != item.ID {
		t.Fatalf("after window, dequeue = %v, want %s", batch, item.ID)
	}
	// Failed items go straight to syncing, never silently back to pending.
	if batch[0].Status != StatusSyncing {
		t.Errorf("status = %s, want syncing", batch[0].Status)
	}
}

// TestMarkFailed_Permanent tests that permanent failures never become eligible
func TestMarkFailed_Permanent(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t, &QueueConfig{
		MaxAttempts: 5,
		BackoffBase: time.Millisecond,
		BackoffMax:  time.Second,
	})
	item := enqueue(t, q, "e-1", 3)

	if _, err := q.DequeueBatch(ctx, 10); err != nil {
		t.Fatalf("DequeueBatch() failed: %v", err)
	}
	if err := q.MarkFailed(ctx, item.ID, errors.New("422 validation"), true); err != nil {
		t.Fatalf("MarkFailed() failed: %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	batch, err := q.DequeueBatch(ctx, 10)
	if err != nil {
		t.Fatalf("DequeueBatch() failed: %v", err)
	}
	if len(batch) != 0 {
		t.Error("permanently failed item became eligible")
	}

	got, err := q.Get(ctx, item.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.NextEligibleAt != nil {
		t.Error("permanent failure should have no eligibility window")
	}
	if got.LastError == "" {
		t.Error("last error should record the cause")
	}
}

// TestMarkFailed_ExhaustedAttempts tests the attempt budget
func TestMarkFailed_ExhaustedAttempts(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t, &QueueConfig{
		MaxAttempts: 2,
		BackoffBase: time.Millisecond,
		BackoffMax:  time.Second,
	})
	item := enqueue(t, q, "e-1", 3)

	for i := 0; i < 2; i++ {
		time.Sleep(5 * time.Millisecond)
		batch, err := q.DequeueBatch(ctx, 10)
		if err != nil {
			t.Fatalf("DequeueBatch() failed: %v", err)
		}
		if len(batch) != 1 {
			t.Fatalf("attempt %d: batch size = %d, want 1", i+1, len(batch))
		}
		if err := q.MarkFailed(ctx, item.ID, errors.New("timeout"), false); err != nil {
			t.Fatalf("MarkFailed() failed: %v", err)
		}
	}

	time.Sleep(10 * time.Millisecond)
	batch, err := q.DequeueBatch(ctx, 10)
	if err != nil {
		t.Fatalf("DequeueBatch() failed: %v", err)
	}
	if len(batch) != 0 {
		t.Error("item over attempt budget became eligible without explicit retry")
	}

	// Explicit retry resets the budget.
	n, err := q.RetryFailed(ctx)
	if err != nil {
		t.Fatalf("RetryFailed() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("RetryFailed() = %d, want 1", n)
	}

	got, err := q.Get(ctx, item.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Status != StatusPending || got.Attempts != 0 {
		t.Errorf("after retry: status=%s attempts=%d, want pending/0", got.Status, got.Attempts)
	}
}

// TestBackoffWindow_DoublesAndCaps tests the retry window progression
func TestBackoffWindow_DoublesAndCaps(t *testing.T) {
	q := NewQueue(nil, &QueueConfig{
		BackoffBase: 30 * time.Second,
		BackoffMax:  2 * time.Minute,
		Logger:      quietLogger(),
	})

	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 30 * time.Second},
		{2, time.Minute},
		{3, 2 * time.Minute},
		{4, 2 * time.Minute},
		{10, 2 * time.Minute},
	}
	for _, tc := range cases {
		if got := q.backoffWindow(tc.attempts); got != tc.want {
			t.Errorf("backoffWindow(%d) = %v, want %v", tc.attempts, got, tc.want)
		}
	}
}

// TestEnqueue_EvictsAtCapacity tests that a full queue drops the
// lowest-priority oldest pending item
func TestEnqueue_EvictsAtCapacity(t *testing.T) {
	var evicted []QueueItem
	q := testQueue(t, &QueueConfig{
		MaxItems:    3,
		MaxAttempts: 5,
		BackoffBase: time.Second,
		BackoffMax:  time.Minute,
		OnEvict:     func(item QueueItem) { evicted = append(evicted, item) },
	})

	victim := enqueue(t, q, "old-low", 5)
	enqueue(t, q, "keep-1", 1)
	enqueue(t, q, "keep-2", 5) // same priority as victim but newer

	// Fourth enqueue is over capacity and must evict old-low.
	enqueue(t, q, "new", 3)

	if len(evicted) != 1 || evicted[0].ID != victim.ID {
		t.Fatalf("evicted = %v, want %s", evicted, victim.ID)
	}

	if _, err := q.Get(context.Background(), victim.ID); !errors.Is(err, ErrItemNotFound) {
		t.Errorf("victim still present, err = %v", err)
	}

	stats, err := q.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats() failed: %v", err)
	}
	if stats.Total != 3 {
		t.Errorf("total = %d, want 3", stats.Total)
	}
}

// TestEnqueue_NoEvictableVictim tests that the enqueue still succeeds
// when everything unsynced is in flight
func TestEnqueue_NoEvictableVictim(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t, &QueueConfig{
		MaxItems:    2,
		MaxAttempts: 5,
		BackoffBase: time.Second,
		BackoffMax:  time.Minute,
	})
	enqueue(t, q, "e-1", 3)
	enqueue(t, q, "e-2", 3)

	if _, err := q.DequeueBatch(ctx, 10); err != nil {
		t.Fatalf("DequeueBatch() failed: %v", err)
	}

	// Both items are syncing; nothing is evictable, but new data is
	// still accepted.
	item := enqueue(t, q, "e-3", 3)
	if _, err := q.Get(ctx, item.ID); err != nil {
		t.Errorf("over-capacity enqueue lost the item: %v", err)
	}
}

// TestClearFailed tests discarding failed items
func TestClearFailed(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t, nil)
	item := enqueue(t, q, "e-1", 3)
	enqueue(t, q, "e-2", 3)

	if _, err := q.DequeueBatch(ctx, 1); err != nil {
		t.Fatalf("DequeueBatch() failed: %v", err)
	}
	if err := q.MarkFailed(ctx, item.ID, errors.New("boom"), true); err != nil {
		t.Fatalf("MarkFailed() failed: %v", err)
	}

	n, err := q.ClearFailed(ctx)
	if err != nil {
		t.Fatalf("ClearFailed() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("ClearFailed() = %d, want 1", n)
	}

	stats, _ := q.Stats(ctx)
	if stats.Failed != 0 || stats.Pending != 1 {
		t.Errorf("stats = %+v, want failed=0 pending=1", stats)
	}
}

// TestMarkConflict tests the conflict transition and cross-reference
func TestMarkConflict(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t, nil)
	item := enqueue(t, q, "e-1", 3)

	if _, err := q.DequeueBatch(ctx, 10); err != nil {
		t.Fatalf("DequeueBatch() failed: %v", err)
	}
	if err := q.MarkConflict(ctx, item.ID, "conf-42"); err != nil {
		t.Fatalf("MarkConflict() failed: %v", err)
	}

	got, err := q.Get(ctx, item.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Status != StatusConflict || got.ConflictID != "conf-42" {
		t.Errorf("item = status=%s conflict=%s, want conflict/conf-42", got.Status, got.ConflictID)
	}
}

// TestMarkSynced_NotFound tests the missing-item sentinel
func TestMarkSynced_NotFound(t *testing.T) {
	q := testQueue(t, nil)
	if err := q.MarkSynced(context.Background(), "nope"); !errors.Is(err, ErrItemNotFound) {
		t.Errorf("MarkSynced() err = %v, want ErrItemNotFound", err)
	}
}

// TestPruneSynced tests removal of old synced items
func TestPruneSynced(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t, nil)
	item := enqueue(t, q, "e-1", 3)
	keep := enqueue(t, q, "e-2", 3)

	if _, err := q.DequeueBatch(ctx, 10); err != nil {
		t.Fatalf("DequeueBatch() failed: %v", err)
	}
	if err := q.MarkSynced(ctx, item.ID); err != nil {
		t.Fatalf("MarkSynced() failed: %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	n, err := q.PruneSynced(ctx, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("PruneSynced() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("PruneSynced() = %d, want 1", n)
	}
	// Unsynced items are untouched regardless of age.
	if _, err := q.Get(ctx, keep.ID); err != nil {
		t.Errorf("prune removed an unsynced item: %v", err)
	}
}

// TestStats tests per-status counting
func TestStats(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t, nil)

	for i := 0; i < 3; i++ {
		enqueue(t, q, fmt.Sprintf("e-%d", i), 3)
	}
	batch, err := q.DequeueBatch(ctx, 2)
	if err != nil {
		t.Fatalf("DequeueBatch() failed: %v", err)
	}
	if err := q.MarkSynced(ctx, batch[0].ID); err != nil {
		t.Fatalf("MarkSynced() failed: %v", err)
	}
	if err := q.MarkFailed(ctx, batch[1].ID, errors.New("x"), false); err != nil {
		t.Fatalf("MarkFailed() failed: %v", err)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() failed: %v", err)
	}
	want := QueueStats{Pending: 1, Synced: 1, Failed: 1, Total: 3}
	if stats != want {
		t.Errorf("Stats() = %+v, want %+v", stats, want)
	}
}
