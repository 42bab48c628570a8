package browser

import (
	"context"
	"testing"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/marionet/internal/common"
	"github.com/ternarybob/marionet/internal/interfaces"
)

// stubSession satisfies BrowserSession for pool tests; only Close is called.
type stubSession struct {
	closed bool
}

func (s *stubSession) ID() string                                              { return "stub" }
func (s *stubSession) CurrentPage(ctx context.Context) (interfaces.Page, error) { return nil, nil }
func (s *stubSession) CurrentURL(ctx context.Context) (string, error)          { return "", nil }
func (s *stubSession) TabHosts(ctx context.Context) ([]string, error)          { return nil, nil }
func (s *stubSession) SetViewport(ctx context.Context, width, height int) error { return nil }
func (s *stubSession) DispatchInput(ctx context.Context, event interfaces.InputEvent) error {
	return nil
}
func (s *stubSession) StartScreencast(ctx context.Context, cfg interfaces.ScreencastConfig, frames chan interfaces.ScreencastFrame) error {
	return nil
}
func (s *stubSession) StopScreencast(ctx context.Context) error { return nil }
func (s *stubSession) Stop(ctx context.Context) error           { return nil }
func (s *stubSession) Close(ctx context.Context) error {
	s.closed = true
	return nil
}

var _ interfaces.BrowserSession = (*stubSession)(nil)

func newTestPool(clock common.Clock) *Pool {
	return NewPool(&common.BrowserConfig{
		MaxSlotsPerUser: 2,
		InitTimeout:     "60s",
		StaleSweepEvery: "60s",
	}, clock, nil, arbor.NewLogger())
}

func TestReserveSlotEnforcesCap(t *testing.T) {
	pool := newTestPool(common.SystemClock{})

	first, ok := pool.ReserveSlot("alice", interfaces.PurposeRun)
	if !ok {
		t.Fatal("first reservation rejected")
	}
	if _, ok := pool.ReserveSlot("alice", interfaces.PurposeRun); !ok {
		t.Fatal("second reservation rejected")
	}
	if _, ok := pool.ReserveSlot("alice", interfaces.PurposeRun); ok {
		t.Error("third reservation admitted past cap of 2")
	}

	// Other users have their own budget
	if _, ok := pool.ReserveSlot("bob", interfaces.PurposeRun); !ok {
		t.Error("other user's reservation rejected")
	}

	// Releasing a slot frees capacity
	pool.DeleteSlot(first)
	if _, ok := pool.ReserveSlot("alice", interfaces.PurposeRun); !ok {
		t.Error("reservation rejected after release")
	}
}

func TestSingleRecordingSlotPerUser(t *testing.T) {
	pool := newTestPool(common.SystemClock{})

	id, ok := pool.ReserveSlot("alice", interfaces.PurposeRecording)
	if !ok {
		t.Fatal("recording reservation rejected")
	}
	if _, ok := pool.ReserveSlot("alice", interfaces.PurposeRecording); ok {
		t.Error("second recording session admitted")
	}

	// A run slot still fits next to the recording slot
	if _, ok := pool.ReserveSlot("alice", interfaces.PurposeRun); !ok {
		t.Error("run reservation rejected with one recording slot held")
	}

	got, found := pool.GetActiveForUserByPurpose("alice", interfaces.PurposeRecording)
	if !found || got != id {
		t.Errorf("active recording slot = %q, want %q", got, id)
	}
}

func TestSlotLifecycleToReady(t *testing.T) {
	pool := newTestPool(common.SystemClock{})

	id, _ := pool.ReserveSlot("alice", interfaces.PurposeRun)
	if err := pool.MarkInitializing(id); err != nil {
		t.Fatalf("mark initializing: %v", err)
	}
	if err := pool.MarkInitializing(id); err == nil {
		t.Error("double MarkInitializing accepted")
	}

	session := &stubSession{}
	if err := pool.UpgradeSlot(id, session); err != nil {
		t.Fatalf("upgrade: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := pool.AwaitReady(ctx, id)
	if err != nil {
		t.Fatalf("await ready: %v", err)
	}
	if got != session {
		t.Error("AwaitReady returned a different session")
	}

	if !pool.DeleteSlot(id) {
		t.Error("delete reported missing slot")
	}
	if !session.closed {
		t.Error("session not closed on delete")
	}
	if pool.DeleteSlot(id) {
		t.Error("second delete reported success")
	}
}

func TestAwaitReadyUnblocksOnFailure(t *testing.T) {
	pool := newTestPool(common.SystemClock{})

	id, _ := pool.ReserveSlot("alice", interfaces.PurposeRun)
	_ = pool.MarkInitializing(id)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err := pool.AwaitReady(ctx, id)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	pool.FailSlot(id)

	select {
	case err := <-done:
		if err == nil {
			t.Error("AwaitReady succeeded on a failed slot")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("AwaitReady never unblocked")
	}

	// Failed slot stays visible during the grace period
	slot := pool.GetSlot(id)
	if slot == nil || slot.State != interfaces.SlotFailed {
		t.Errorf("slot = %+v, want failed state during grace", slot)
	}
}

func TestAwaitReadyTimesOut(t *testing.T) {
	pool := newTestPool(common.SystemClock{})

	id, _ := pool.ReserveSlot("alice", interfaces.PurposeRun)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := pool.AwaitReady(ctx, id); err == nil {
		t.Error("AwaitReady returned without the slot becoming ready")
	}
}

func TestCleanupStaleEvictsStuckSlots(t *testing.T) {
	start := time.Now()
	clock := common.FixedClock{T: start}
	pool := newTestPool(clock)

	stuck, _ := pool.ReserveSlot("alice", interfaces.PurposeRun)
	healthy, _ := pool.ReserveSlot("alice", interfaces.PurposeRun)
	_ = pool.UpgradeSlot(healthy, &stubSession{})

	// Within the init timeout nothing is evicted
	if n := pool.CleanupStale(); n != 0 {
		t.Errorf("evicted %d slots before timeout", n)
	}

	pool.clock = common.FixedClock{T: start.Add(61 * time.Second)}
	if n := pool.CleanupStale(); n != 1 {
		t.Errorf("evicted %d slots, want 1", n)
	}
	if pool.GetSlot(stuck) != nil {
		t.Error("stuck slot still present after sweep")
	}
	if pool.GetSlot(healthy) == nil {
		t.Error("ready slot evicted by sweep")
	}
}
