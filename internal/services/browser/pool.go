package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/marionet/internal/common"
	"github.com/ternarybob/marionet/internal/interfaces"
)

// failedSlotGrace is how long a failed slot stays visible so callers can
// observe the failure before the entry is removed.
const failedSlotGrace = 5 * time.Second

type slotEntry struct {
	slot  interfaces.Slot
	ready chan struct{} // closed when the slot reaches ready or failed
}

// Pool accounts browser slots per user. All admission decisions happen under
// one mutex so the per-user cap can never be exceeded by concurrent requests.
type Pool struct {
	mu         sync.Mutex
	slots      map[string]*slotEntry
	maxPerUser int
	staleAfter time.Duration
	sweepEvery time.Duration
	clock      common.Clock
	events     interfaces.EventService
	logger     arbor.ILogger
}

func NewPool(config *common.BrowserConfig, clock common.Clock, events interfaces.EventService, logger arbor.ILogger) *Pool {
	if clock == nil {
		clock = common.SystemClock{}
	}
	maxPerUser := config.MaxSlotsPerUser
	if maxPerUser <= 0 {
		maxPerUser = 2
	}
	return &Pool{
		slots:      make(map[string]*slotEntry),
		maxPerUser: maxPerUser,
		staleAfter: common.Duration(config.InitTimeout, 60*time.Second),
		sweepEvery: common.Duration(config.StaleSweepEvery, 60*time.Second),
		clock:      clock,
		events:     events,
		logger:     logger,
	}
}

// StartSweeper runs the stale slot GC until ctx is cancelled.
func (p *Pool) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(p.sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if evicted := p.CleanupStale(); evicted > 0 {
					p.logger.Info().Int("evicted", evicted).Msg("Evicted stale browser slots")
				}
			}
		}
	}()
}

// ReserveSlot claims a slot for the user if admission allows it. The check
// and the insert are atomic.
func (p *Pool) ReserveSlot(userID string, purpose interfaces.SlotPurpose) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	active := 0
	for _, entry := range p.slots {
		if entry.slot.UserID != userID || !entry.slot.State.Active() {
			continue
		}
		active++
		if purpose == interfaces.PurposeRecording && entry.slot.Purpose == interfaces.PurposeRecording {
			// One recording session per user; callers reconnect via
			// GetActiveForUserByPurpose instead
			return "", false
		}
	}
	if active >= p.maxPerUser {
		return "", false
	}

	browserID := common.NewBrowserID()
	now := p.clock.Now()
	p.slots[browserID] = &slotEntry{
		slot: interfaces.Slot{
			BrowserID:     browserID,
			UserID:        userID,
			Purpose:       purpose,
			State:         interfaces.SlotReserved,
			CreatedAt:     now,
			LastTouchedAt: now,
		},
		ready: make(chan struct{}),
	}

	p.logger.Debug().
		Str("browser_id", browserID).
		Str("user_id", userID).
		Str("purpose", string(purpose)).
		Int("active", active+1).
		Msg("Browser slot reserved")
	return browserID, true
}

// MarkInitializing moves a reserved slot to initializing.
func (p *Pool) MarkInitializing(browserID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.slots[browserID]
	if !ok {
		return fmt.Errorf("unknown browser slot %s", browserID)
	}
	if entry.slot.State != interfaces.SlotReserved {
		return fmt.Errorf("slot %s is %s, expected reserved", browserID, entry.slot.State)
	}
	entry.slot.State = interfaces.SlotInitializing
	entry.slot.LastTouchedAt = p.clock.Now()
	return nil
}

// UpgradeSlot attaches the launched session and marks the slot ready.
func (p *Pool) UpgradeSlot(browserID string, session interfaces.BrowserSession) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.slots[browserID]
	if !ok {
		return fmt.Errorf("unknown browser slot %s", browserID)
	}
	switch entry.slot.State {
	case interfaces.SlotReserved, interfaces.SlotInitializing:
	default:
		return fmt.Errorf("slot %s is %s, cannot upgrade", browserID, entry.slot.State)
	}

	entry.slot.Session = session
	entry.slot.State = interfaces.SlotReady
	entry.slot.LastTouchedAt = p.clock.Now()
	close(entry.ready)

	p.logger.Info().
		Str("browser_id", browserID).
		Str("user_id", entry.slot.UserID).
		Msg("Browser slot ready")
	return nil
}

// FailSlot marks the slot failed and removes it after a short grace period.
func (p *Pool) FailSlot(browserID string) {
	p.mu.Lock()
	entry, ok := p.slots[browserID]
	if !ok {
		p.mu.Unlock()
		return
	}
	wasWaitable := entry.slot.State == interfaces.SlotReserved || entry.slot.State == interfaces.SlotInitializing
	entry.slot.State = interfaces.SlotFailed
	entry.slot.LastTouchedAt = p.clock.Now()
	if wasWaitable {
		close(entry.ready)
	}
	p.mu.Unlock()

	p.logger.Warn().Str("browser_id", browserID).Msg("Browser slot failed")
	time.AfterFunc(failedSlotGrace, func() {
		p.remove(browserID)
	})
}

// GetSlot returns a copy of the slot record, or nil when unknown.
func (p *Pool) GetSlot(browserID string) *interfaces.Slot {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.slots[browserID]
	if !ok {
		return nil
	}
	snapshot := entry.slot
	return &snapshot
}

// DeleteSlot tears down the session and removes the slot. Idempotent.
func (p *Pool) DeleteSlot(browserID string) bool {
	p.mu.Lock()
	entry, ok := p.slots[browserID]
	if !ok {
		p.mu.Unlock()
		return false
	}
	if entry.slot.State == interfaces.SlotReserved || entry.slot.State == interfaces.SlotInitializing {
		close(entry.ready)
	}
	entry.slot.State = interfaces.SlotDestroying
	session := entry.slot.Session
	delete(p.slots, browserID)
	p.mu.Unlock()

	if session != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := session.Close(ctx); err != nil {
			p.logger.Warn().Err(err).Str("browser_id", browserID).Msg("Browser teardown failed")
		}
	}
	p.logger.Debug().Str("browser_id", browserID).Msg("Browser slot deleted")
	return true
}

// HasAvailableSlots reports whether ReserveSlot would currently admit the
// user. Advisory only; ReserveSlot remains the authoritative check.
func (p *Pool) HasAvailableSlots(userID string, purpose interfaces.SlotPurpose) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	active := 0
	for _, entry := range p.slots {
		if entry.slot.UserID != userID || !entry.slot.State.Active() {
			continue
		}
		if purpose == interfaces.PurposeRecording && entry.slot.Purpose == interfaces.PurposeRecording {
			return false
		}
		active++
	}
	return active < p.maxPerUser
}

// GetActiveForUserByPurpose returns an existing active slot id for the user.
func (p *Pool) GetActiveForUserByPurpose(userID string, purpose interfaces.SlotPurpose) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, entry := range p.slots {
		if entry.slot.UserID == userID && entry.slot.Purpose == purpose && entry.slot.State.Active() {
			return id, true
		}
	}
	return "", false
}

// AwaitReady blocks until the slot becomes ready or ctx expires.
func (p *Pool) AwaitReady(ctx context.Context, browserID string) (interfaces.BrowserSession, error) {
	p.mu.Lock()
	entry, ok := p.slots[browserID]
	if !ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("unknown browser slot %s", browserID)
	}
	ready := entry.ready
	p.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("browser %s not ready: %w", browserID, ctx.Err())
	case <-ready:
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok = p.slots[browserID]
	if !ok || entry.slot.State != interfaces.SlotReady || entry.slot.Session == nil {
		return nil, fmt.Errorf("browser %s failed during initialization", browserID)
	}
	return entry.slot.Session, nil
}

// CleanupStale evicts slots stuck before ready longer than the init timeout
// and failed slots past their grace period.
func (p *Pool) CleanupStale() int {
	now := p.clock.Now()

	p.mu.Lock()
	var stale []string
	for id, entry := range p.slots {
		age := now.Sub(entry.slot.LastTouchedAt)
		switch entry.slot.State {
		case interfaces.SlotReserved, interfaces.SlotInitializing:
			if age > p.staleAfter {
				stale = append(stale, id)
			}
		case interfaces.SlotFailed:
			if age > failedSlotGrace {
				stale = append(stale, id)
			}
		}
	}
	p.mu.Unlock()

	for _, id := range stale {
		slot := p.GetSlot(id)
		p.remove(id)
		if slot != nil && p.events != nil {
			_ = p.events.Publish(context.Background(), interfaces.Event{
				Type:    interfaces.EventSlotEvicted,
				Payload: *slot,
			})
		}
	}
	return len(stale)
}

// remove drops the entry without touching the session; used for slots that
// never reached ready.
func (p *Pool) remove(browserID string) {
	p.mu.Lock()
	entry, ok := p.slots[browserID]
	if ok {
		if entry.slot.State == interfaces.SlotReserved || entry.slot.State == interfaces.SlotInitializing {
			close(entry.ready)
		}
		delete(p.slots, browserID)
	}
	p.mu.Unlock()
}
