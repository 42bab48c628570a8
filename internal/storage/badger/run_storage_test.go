package badger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/marionet/internal/interfaces"
	"github.com/ternarybob/marionet/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

func newTestDB(t *testing.T) *BadgerDB {
	t.Helper()

	options := badgerhold.DefaultOptions
	options.Dir = t.TempDir()
	options.ValueDir = options.Dir
	options.Logger = nil

	store, err := badgerhold.Open(options)
	if err != nil {
		t.Fatalf("failed to open badgerhold: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return &BadgerDB{store: store, logger: arbor.NewLogger()}
}

func seedRun(t *testing.T, storage interfaces.RunStorage, run *models.Run) {
	t.Helper()
	if err := storage.SaveRun(context.Background(), run); err != nil {
		t.Fatalf("failed to seed run %s: %v", run.RunID, err)
	}
}

func TestRunRoundTrip(t *testing.T) {
	storage := NewRunStorage(newTestDB(t), arbor.NewLogger())

	run := &models.Run{
		RunID:     "run-1",
		RobotID:   "r1",
		UserID:    "alice",
		Status:    models.RunStatusQueued,
		CreatedAt: time.Now().UTC(),
	}
	seedRun(t, storage, run)

	got, err := storage.GetRun(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.RobotID != "r1" || got.Status != models.RunStatusQueued {
		t.Errorf("got %+v", got)
	}

	if _, err := storage.GetRun(context.Background(), "missing"); !errors.Is(err, interfaces.ErrNotFound) {
		t.Errorf("missing run: err = %v, want ErrNotFound", err)
	}

	// Owner scoping
	if _, err := storage.GetRunForUser(context.Background(), "bob", "run-1"); !errors.Is(err, interfaces.ErrNotFound) {
		t.Errorf("foreign run: err = %v, want ErrNotFound", err)
	}
	if _, err := storage.GetRunForUser(context.Background(), "alice", "run-1"); err != nil {
		t.Errorf("owned run: %v", err)
	}
}

func TestUpdateRunIfStatusGate(t *testing.T) {
	storage := NewRunStorage(newTestDB(t), arbor.NewLogger())
	seedRun(t, storage, &models.Run{
		RunID:  "run-1",
		UserID: "alice",
		Status: models.RunStatusRunning,
	})

	// Allowed transition applies
	updated, err := storage.UpdateRunIf(context.Background(), "run-1", []models.RunStatus{models.RunStatusRunning}, func(r *models.Run) {
		r.Status = models.RunStatusSuccess
		r.FinishedAt = time.Now()
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !updated {
		t.Fatal("allowed update reported no match")
	}

	// A late finalizer racing against the terminal state is a no-op
	updated, err = storage.UpdateRunIf(context.Background(), "run-1", []models.RunStatus{models.RunStatusRunning, models.RunStatusAborting}, func(r *models.Run) {
		r.Status = models.RunStatusFailed
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated {
		t.Error("terminal status overwritten")
	}

	got, _ := storage.GetRun(context.Background(), "run-1")
	if got.Status != models.RunStatusSuccess {
		t.Errorf("status = %s, want success to stick", got.Status)
	}
}

func TestUpdateRunIfMissingRun(t *testing.T) {
	storage := NewRunStorage(newTestDB(t), arbor.NewLogger())

	updated, err := storage.UpdateRunIf(context.Background(), "ghost", []models.RunStatus{models.RunStatusQueued}, func(r *models.Run) {
		r.Status = models.RunStatusRunning
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated {
		t.Error("update reported a match for a missing run")
	}
}

func TestListQueuedRunsOldestFirst(t *testing.T) {
	storage := NewRunStorage(newTestDB(t), arbor.NewLogger())

	base := time.Date(2025, time.May, 1, 12, 0, 0, 0, time.UTC)
	seedRun(t, storage, &models.Run{RunID: "c", UserID: "alice", Status: models.RunStatusQueued, CreatedAt: base.Add(2 * time.Minute)})
	seedRun(t, storage, &models.Run{RunID: "a", UserID: "alice", Status: models.RunStatusQueued, CreatedAt: base})
	seedRun(t, storage, &models.Run{RunID: "b", UserID: "bob", Status: models.RunStatusQueued, CreatedAt: base.Add(time.Minute)})
	seedRun(t, storage, &models.Run{RunID: "d", UserID: "alice", Status: models.RunStatusRunning, CreatedAt: base.Add(3 * time.Minute)})

	queued, err := storage.ListQueuedRunsOldestFirst(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(queued) != 3 {
		t.Fatalf("got %d queued runs, want 3", len(queued))
	}
	for i, want := range []string{"a", "b", "c"} {
		if queued[i].RunID != want {
			t.Errorf("queued[%d] = %s, want %s", i, queued[i].RunID, want)
		}
	}
}

func TestListRunsByUserNewestFirst(t *testing.T) {
	storage := NewRunStorage(newTestDB(t), arbor.NewLogger())

	base := time.Date(2025, time.May, 1, 12, 0, 0, 0, time.UTC)
	seedRun(t, storage, &models.Run{RunID: "old", UserID: "alice", Status: models.RunStatusSuccess, CreatedAt: base})
	seedRun(t, storage, &models.Run{RunID: "new", UserID: "alice", Status: models.RunStatusQueued, CreatedAt: base.Add(time.Hour)})
	seedRun(t, storage, &models.Run{RunID: "other", UserID: "bob", Status: models.RunStatusQueued, CreatedAt: base})

	list, err := storage.ListRunsByUser(context.Background(), "alice")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("got %d runs, want 2", len(list))
	}
	if list[0].RunID != "new" || list[1].RunID != "old" {
		t.Errorf("order = [%s %s], want [new old]", list[0].RunID, list[1].RunID)
	}
}
