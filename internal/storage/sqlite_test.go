package storage

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func enqueueTest(t *testing.T, s *Store, id, opType string) {
	t.Helper()
	err := s.EnqueueMutation(Mutation{
		ID:          id,
		OwnerID:     "user-1",
		OpType:      opType,
		PayloadJSON: `{}`,
	})
	if err != nil {
		t.Fatalf("EnqueueMutation(%s): %v", id, err)
	}
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}

	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

// TestIndexesExist verifies the queue indexes are created by the migration.
func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{"idx_mutations_status", "idx_mutations_created"}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %q not found in sqlite_master", idx)
		}
	}
}

func TestEnqueueAndGetMutation(t *testing.T) {
	s := openTestStore(t)

	before := time.Now().UTC().Add(-time.Second)
	enqueueTest(t, s, "m1", "message")

	got, err := s.GetMutation("m1")
	if err != nil {
		t.Fatalf("GetMutation: %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("Status = %q, want %q", got.Status, StatusPending)
	}
	if got.Attempts != 0 {
		t.Errorf("Attempts = %d, want 0", got.Attempts)
	}
	if got.OwnerID != "user-1" {
		t.Errorf("OwnerID = %q, want %q", got.OwnerID, "user-1")
	}
	if got.CreatedAt.Before(before) {
		t.Errorf("CreatedAt = %v, want >= %v", got.CreatedAt, before)
	}

	if _, err := s.GetMutation("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetMutation(nope) = %v, want ErrNotFound", err)
	}
}

// TestPendingCountAccounting checks the invariant that pendingCount equals
// the number of enqueued items not yet completed or failed.
func TestPendingCountAccounting(t *testing.T) {
	s := openTestStore(t)

	for i := 0; i < 5; i++ {
		enqueueTest(t, s, fmt.Sprintf("m%d", i), "rsvp")
	}

	n, err := s.CountPendingMutations()
	if err != nil {
		t.Fatalf("CountPendingMutations: %v", err)
	}
	if n != 5 {
		t.Errorf("pending = %d, want 5", n)
	}

	// Completing one (remove) and failing one shrinks pending by two.
	if err := s.RemoveMutation("m0"); err != nil {
		t.Fatalf("RemoveMutation: %v", err)
	}
	if err := s.UpdateMutationStatus("m1", StatusFailed); err != nil {
		t.Fatalf("UpdateMutationStatus: %v", err)
	}

	n, err = s.CountPendingMutations()
	if err != nil {
		t.Fatalf("CountPendingMutations: %v", err)
	}
	if n != 3 {
		t.Errorf("pending = %d, want 3", n)
	}

	total, err := s.CountMutations()
	if err != nil {
		t.Fatalf("CountMutations: %v", err)
	}
	if total != 4 {
		t.Errorf("total = %d, want 4", total)
	}

	failed, err := s.CountFailedMutations()
	if err != nil {
		t.Fatalf("CountFailedMutations: %v", err)
	}
	if failed != 1 {
		t.Errorf("failed = %d, want 1", failed)
	}
}

// TestUpdateStatusAttempts verifies that only the transition into processing
// increments attempts.
func TestUpdateStatusAttempts(t *testing.T) {
	s := openTestStore(t)
	enqueueTest(t, s, "m1", "message")

	if err := s.UpdateMutationStatus("m1", StatusProcessing); err != nil {
		t.Fatalf("UpdateMutationStatus(processing): %v", err)
	}
	m, _ := s.GetMutation("m1")
	if m.Attempts != 1 {
		t.Errorf("attempts after processing = %d, want 1", m.Attempts)
	}

	for _, status := range []string{StatusPending, StatusFailed, StatusCompleted} {
		if err := s.UpdateMutationStatus("m1", status); err != nil {
			t.Fatalf("UpdateMutationStatus(%s): %v", status, err)
		}
		m, _ = s.GetMutation("m1")
		if m.Attempts != 1 {
			t.Errorf("attempts after %s = %d, want 1 (unchanged)", status, m.Attempts)
		}
	}

	if err := s.UpdateMutationStatus("m1", StatusProcessing); err != nil {
		t.Fatalf("UpdateMutationStatus(processing): %v", err)
	}
	m, _ = s.GetMutation("m1")
	if m.Attempts != 2 {
		t.Errorf("attempts after second processing = %d, want 2", m.Attempts)
	}
}

// TestUpdateStatusMissingRow: the record may have been removed by a
// completed reconciliation step; updating it must be a silent no-op.
func TestUpdateStatusMissingRow(t *testing.T) {
	s := openTestStore(t)
	if err := s.UpdateMutationStatus("ghost", StatusProcessing); err != nil {
		t.Errorf("UpdateMutationStatus on missing row: %v, want nil", err)
	}
}

func TestRemoveMutationIdempotent(t *testing.T) {
	s := openTestStore(t)
	enqueueTest(t, s, "m1", "message")

	if err := s.RemoveMutation("m1"); err != nil {
		t.Fatalf("first RemoveMutation: %v", err)
	}
	if err := s.RemoveMutation("m1"); err != nil {
		t.Errorf("second RemoveMutation: %v, want nil", err)
	}
	if _, err := s.GetMutation("m1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetMutation after remove = %v, want ErrNotFound", err)
	}
}

// TestListPendingOrder verifies explicit FIFO: oldest created_at first, with
// insertion order breaking same-millisecond ties.
func TestListPendingOrder(t *testing.T) {
	s := openTestStore(t)

	base := time.Now().UTC().Add(-time.Minute)
	// Insert out of chronological order.
	for _, m := range []Mutation{
		{ID: "b", OwnerID: "u", OpType: "rsvp", PayloadJSON: "{}", CreatedAt: base.Add(2 * time.Second)},
		{ID: "a", OwnerID: "u", OpType: "message", PayloadJSON: "{}", CreatedAt: base.Add(1 * time.Second)},
		{ID: "c", OwnerID: "u", OpType: "connection_note", PayloadJSON: "{}", CreatedAt: base.Add(3 * time.Second)},
		{ID: "c2", OwnerID: "u", OpType: "connection_update", PayloadJSON: "{}", CreatedAt: base.Add(3 * time.Second)},
	} {
		if err := s.EnqueueMutation(m); err != nil {
			t.Fatalf("EnqueueMutation(%s): %v", m.ID, err)
		}
	}

	// A non-pending row must be excluded.
	enqueueTest(t, s, "x", "rsvp")
	if err := s.UpdateMutationStatus("x", StatusFailed); err != nil {
		t.Fatalf("UpdateMutationStatus: %v", err)
	}

	pending, err := s.ListPendingMutations()
	if err != nil {
		t.Fatalf("ListPendingMutations: %v", err)
	}

	var ids []string
	for _, m := range pending {
		ids = append(ids, m.ID)
	}
	want := []string{"a", "b", "c", "c2"}
	if len(ids) != len(want) {
		t.Fatalf("pending ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("pending ids = %v, want %v", ids, want)
		}
	}
}

func TestResetFailedMutations(t *testing.T) {
	s := openTestStore(t)
	enqueueTest(t, s, "m1", "rsvp")
	enqueueTest(t, s, "m2", "message")

	// Drive m1 to terminal failure with some attempts on the clock.
	for i := 0; i < 3; i++ {
		if err := s.UpdateMutationStatus("m1", StatusProcessing); err != nil {
			t.Fatalf("UpdateMutationStatus: %v", err)
		}
	}
	if err := s.UpdateMutationStatus("m1", StatusFailed); err != nil {
		t.Fatalf("UpdateMutationStatus: %v", err)
	}
	if err := s.SetMutationError("m1", "connection refused"); err != nil {
		t.Fatalf("SetMutationError: %v", err)
	}

	n, err := s.ResetFailedMutations()
	if err != nil {
		t.Fatalf("ResetFailedMutations: %v", err)
	}
	if n != 1 {
		t.Errorf("reset count = %d, want 1", n)
	}

	m, err := s.GetMutation("m1")
	if err != nil {
		t.Fatalf("GetMutation: %v", err)
	}
	if m.Status != StatusPending || m.Attempts != 0 || m.LastError != "" {
		t.Errorf("after reset: status=%q attempts=%d lastError=%q, want pending/0/empty", m.Status, m.Attempts, m.LastError)
	}
}

func TestClearMutationsIdempotent(t *testing.T) {
	s := openTestStore(t)
	enqueueTest(t, s, "m1", "rsvp")

	if err := s.ClearMutations(); err != nil {
		t.Fatalf("first ClearMutations: %v", err)
	}
	if err := s.ClearMutations(); err != nil {
		t.Errorf("second ClearMutations: %v, want nil", err)
	}
	n, err := s.CountMutations()
	if err != nil {
		t.Fatalf("CountMutations: %v", err)
	}
	if n != 0 {
		t.Errorf("count after clear = %d, want 0", n)
	}
}

// --- Read cache ---

func TestDatasetSetGetOverwrite(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.GetDataset("schedule:sessions"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetDataset on empty cache = %v, want ErrNotFound", err)
	}

	if err := s.SetDataset("schedule:sessions", `[{"id":"s1"}]`); err != nil {
		t.Fatalf("SetDataset: %v", err)
	}
	e, err := s.GetDataset("schedule:sessions")
	if err != nil {
		t.Fatalf("GetDataset: %v", err)
	}
	if e.DataJSON != `[{"id":"s1"}]` {
		t.Errorf("DataJSON = %q", e.DataJSON)
	}
	if e.UpdatedAt.IsZero() {
		t.Error("UpdatedAt is zero")
	}

	// At most one entry per key: a second set overwrites.
	if err := s.SetDataset("schedule:sessions", `[{"id":"s1"},{"id":"s2"}]`); err != nil {
		t.Fatalf("second SetDataset: %v", err)
	}
	e, err = s.GetDataset("schedule:sessions")
	if err != nil {
		t.Fatalf("GetDataset: %v", err)
	}
	if e.DataJSON != `[{"id":"s1"},{"id":"s2"}]` {
		t.Errorf("DataJSON after overwrite = %q", e.DataJSON)
	}

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM cached_datasets").Scan(&count); err != nil {
		t.Fatalf("counting rows: %v", err)
	}
	if count != 1 {
		t.Errorf("cached_datasets rows = %d, want 1", count)
	}
}

// TestThreadNamespaceSeparate verifies thread and dataset caches don't
// collide even on identical keys.
func TestThreadNamespaceSeparate(t *testing.T) {
	s := openTestStore(t)

	if err := s.SetDataset("c1", `"dataset"`); err != nil {
		t.Fatalf("SetDataset: %v", err)
	}
	if err := s.SetThread("c1", `"thread"`); err != nil {
		t.Fatalf("SetThread: %v", err)
	}

	d, err := s.GetDataset("c1")
	if err != nil {
		t.Fatalf("GetDataset: %v", err)
	}
	th, err := s.GetThread("c1")
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if d.DataJSON != `"dataset"` || th.DataJSON != `"thread"` {
		t.Errorf("namespace collision: dataset=%q thread=%q", d.DataJSON, th.DataJSON)
	}

	if err := s.ClearThreads(); err != nil {
		t.Fatalf("ClearThreads: %v", err)
	}
	if _, err := s.GetThread("c1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetThread after clear = %v, want ErrNotFound", err)
	}
	if _, err := s.GetDataset("c1"); err != nil {
		t.Errorf("dataset entry lost when clearing threads: %v", err)
	}
}

func TestClearDatasetSingleKey(t *testing.T) {
	s := openTestStore(t)
	if err := s.SetDataset("k1", `1`); err != nil {
		t.Fatalf("SetDataset: %v", err)
	}
	if err := s.SetDataset("k2", `2`); err != nil {
		t.Fatalf("SetDataset: %v", err)
	}

	if err := s.ClearDataset("k1"); err != nil {
		t.Fatalf("ClearDataset: %v", err)
	}
	// Clearing again is a no-op.
	if err := s.ClearDataset("k1"); err != nil {
		t.Errorf("second ClearDataset: %v, want nil", err)
	}

	if _, err := s.GetDataset("k1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetDataset(k1) = %v, want ErrNotFound", err)
	}
	if _, err := s.GetDataset("k2"); err != nil {
		t.Errorf("GetDataset(k2): %v, want present", err)
	}
}
