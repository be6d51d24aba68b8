package conflict

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/reliefops/fieldsync/internal/payload"
	"github.com/reliefops/fieldsync/internal/store"
	syncpkg "github.com/reliefops/fieldsync/internal/sync"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return NewStore(db, log.New(io.Discard, "", 0))
}

func testResolver(t *testing.T, s *Store, autoResolve bool) *Resolver {
	t.Helper()
	return NewResolver(s, &ResolverConfig{
		AutoResolve: autoResolve,
		Clock:       func() time.Time { return time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC) },
		Logger:      log.New(io.Discard, "", 0),
	})
}

func conflictItem(localTS *time.Time) syncpkg.QueueItem {
	return syncpkg.QueueItem{
		ID:              "item-1",
		EntityType:      payload.EntityAssessment,
		EntityUUID:      "a-1",
		Payload:         []byte(`{"affectedEntityId":"e-1","assessmentType":"damage","note":"local"}`),
		LocalVersion:    3,
		LocalModifiedAt: localTS,
	}
}

func conflictResult(serverTS *time.Time) syncpkg.PushResult {
	return syncpkg.PushResult{
		EntityUUID:       "a-1",
		Status:           syncpkg.PushConflict,
		ServerVersion:    5,
		ServerData:       []byte(`{"affectedEntityId":"e-1","assessmentType":"damage","note":"server"}`),
		ServerModifiedAt: serverTS,
	}
}

func ts(offset time.Duration) *time.Time {
	t := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC).Add(offset)
	return &t
}

// TestResolveConflict_LocalNewer tests that a newer local modification wins
func TestResolveConflict_LocalNewer(t *testing.T) {
	s := testStore(t)
	r := testResolver(t, s, true)

	id, err := r.ResolveConflict(context.Background(), conflictItem(ts(time.Hour)), conflictResult(ts(0)))
	if err != nil {
		t.Fatalf("ResolveConflict() failed: %v", err)
	}

	rec, err := s.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if !rec.IsResolved || !rec.AutoResolved {
		t.Errorf("record = resolved=%t auto=%t, want auto-resolved", rec.IsResolved, rec.AutoResolved)
	}
	if string(rec.ResolvedData) != string(rec.LocalData) {
		t.Errorf("resolved data = %s, want local data", rec.ResolvedData)
	}
	if rec.ResolvedBy != ResolvedBySystem {
		t.Errorf("resolved by = %s, want %s", rec.ResolvedBy, ResolvedBySystem)
	}
}

// TestResolveConflict_ServerNewer tests that a newer server modification wins
func TestResolveConflict_ServerNewer(t *testing.T) {
	s := testStore(t)
	r := testResolver(t, s, true)

	id, err := r.ResolveConflict(context.Background(), conflictItem(ts(0)), conflictResult(ts(time.Hour)))
	if err != nil {
		t.Fatalf("ResolveConflict() failed: %v", err)
	}

	rec, _ := s.Get(context.Background(), id)
	if string(rec.ResolvedData) != string(rec.ServerData) {
		t.Errorf("resolved data = %s, want server data", rec.ResolvedData)
	}
}

// TestResolveConflict_TieBreak tests that equal or missing timestamps
// fall to the server deterministically
func TestResolveConflict_TieBreak(t *testing.T) {
	cases := []struct {
		name   string
		local  *time.Time
		server *time.Time
	}{
		{"equal timestamps", ts(0), ts(0)},
		{"missing local", nil, ts(0)},
		{"missing server", ts(0), nil},
		{"both missing", nil, nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := testStore(t)
			r := testResolver(t, s, true)

			id, err := r.ResolveConflict(context.Background(), conflictItem(tc.local), conflictResult(tc.server))
			if err != nil {
				t.Fatalf("ResolveConflict() failed: %v", err)
			}

			rec, _ := s.Get(context.Background(), id)
			if string(rec.ResolvedData) != string(rec.ServerData) {
				t.Errorf("resolved data = %s, want server data", rec.ResolvedData)
			}
			if rec.ConflictReason == "" {
				t.Error("tie-break reason not recorded")
			}
		})
	}
}

// TestResolveConflict_Deterministic tests that identical inputs resolve
// identically on repeat
func TestResolveConflict_Deterministic(t *testing.T) {
	s := testStore(t)
	r := testResolver(t, s, true)
	ctx := context.Background()

	id1, err := r.ResolveConflict(ctx, conflictItem(ts(time.Hour)), conflictResult(ts(0)))
	if err != nil {
		t.Fatalf("first ResolveConflict() failed: %v", err)
	}
	id2, err := r.ResolveConflict(ctx, conflictItem(ts(time.Hour)), conflictResult(ts(0)))
	if err != nil {
		t.Fatalf("second ResolveConflict() failed: %v", err)
	}

	rec1, _ := s.Get(ctx, id1)
	rec2, _ := s.Get(ctx, id2)
	if string(rec1.ResolvedData) != string(rec2.ResolvedData) {
		t.Error("identical conflicts resolved differently")
	}
	if rec1.ConflictReason != rec2.ConflictReason {
		t.Error("identical conflicts recorded different reasons")
	}
}

// TestResolveConflict_NotAConflict tests rejection when the server
// version is not strictly newer
func TestResolveConflict_NotAConflict(t *testing.T) {
	s := testStore(t)
	r := testResolver(t, s, true)

	res := conflictResult(ts(0))
	res.ServerVersion = 3 // equal to the item's local version
	if _, err := r.ResolveConflict(context.Background(), conflictItem(ts(0)), res); err == nil {
		t.Error("ResolveConflict() accepted a non-conflict")
	}
}

// TestResolveConflict_ManualMode tests that manual mode records the
// conflict unresolved
func TestResolveConflict_ManualMode(t *testing.T) {
	s := testStore(t)
	r := testResolver(t, s, false)

	id, err := r.ResolveConflict(context.Background(), conflictItem(ts(0)), conflictResult(ts(time.Hour)))
	if err != nil {
		t.Fatalf("ResolveConflict() failed: %v", err)
	}

	rec, _ := s.Get(context.Background(), id)
	if rec.IsResolved {
		t.Error("manual-mode conflict should be unresolved")
	}
	if rec.ResolvedData != nil {
		t.Error("unresolved conflict should carry no resolved data")
	}
}

// TestResolveManual_OnceOnly tests the single-resolution invariant
func TestResolveManual_OnceOnly(t *testing.T) {
	s := testStore(t)
	r := testResolver(t, s, false)
	ctx := context.Background()

	id, err := r.ResolveConflict(ctx, conflictItem(ts(0)), conflictResult(ts(time.Hour)))
	if err != nil {
		t.Fatalf("ResolveConflict() failed: %v", err)
	}

	if err := r.ResolveManual(ctx, id, []byte(`{"merged":true}`), "j.okafor"); err != nil {
		t.Fatalf("ResolveManual() failed: %v", err)
	}

	rec, _ := s.Get(ctx, id)
	if !rec.IsResolved || rec.AutoResolved || rec.ResolvedBy != "j.okafor" {
		t.Errorf("record = %+v, want manually resolved by j.okafor", rec)
	}

	err = r.ResolveManual(ctx, id, []byte(`{"merged":false}`), "someone.else")
	if !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("second resolution err = %v, want ErrAlreadyResolved", err)
	}

	// The first resolution is untouched.
	rec, _ = s.Get(ctx, id)
	if rec.ResolvedBy != "j.okafor" || string(rec.ResolvedData) != `{"merged":true}` {
		t.Error("second resolution attempt modified the record")
	}
}

// TestResolveManual_RequiresFields tests input validation
func TestResolveManual_RequiresFields(t *testing.T) {
	s := testStore(t)
	r := testResolver(t, s, false)
	ctx := context.Background()

	if err := r.ResolveManual(ctx, "c-1", []byte(`{}`), ""); err == nil {
		t.Error("ResolveManual() accepted empty resolvedBy")
	}
	if err := r.ResolveManual(ctx, "c-1", nil, "j.okafor"); err == nil {
		t.Error("ResolveManual() accepted empty data")
	}
}

// TestResolveManual_NotFound tests the missing-record sentinel
func TestResolveManual_NotFound(t *testing.T) {
	s := testStore(t)
	r := testResolver(t, s, false)

	err := r.ResolveManual(context.Background(), "missing", []byte(`{}`), "j.okafor")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("ResolveManual() err = %v, want ErrNotFound", err)
	}
}
