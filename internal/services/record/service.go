package record

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/marionet/internal/common"
	"github.com/ternarybob/marionet/internal/interfaces"
	"github.com/ternarybob/marionet/internal/models"
)

// ErrNoCapacity is returned when the user's slot cap admits no recording
// session.
var ErrNoCapacity = errors.New("no browser capacity available")

// Service manages live recording sessions: one interactive browser per user
// that the authoring UI drives over the session WebSocket.
type Service struct {
	pool     interfaces.BrowserPool
	driver   interfaces.BrowserDriver
	interp   interfaces.Interpreter
	notifier interfaces.Notifier
	logger   arbor.ILogger

	browserCfg *common.BrowserConfig

	mu      sync.Mutex
	running map[string]context.CancelFunc // browserID -> in-flight interpretation
}

func NewService(pool interfaces.BrowserPool, driver interfaces.BrowserDriver, interp interfaces.Interpreter, notifier interfaces.Notifier, browserCfg *common.BrowserConfig, logger arbor.ILogger) *Service {
	if notifier == nil {
		notifier = interfaces.NoopNotifier{}
	}
	return &Service{
		pool:       pool,
		driver:     driver,
		interp:     interp,
		notifier:   notifier,
		logger:     logger,
		browserCfg: browserCfg,
		running:    make(map[string]context.CancelFunc),
	}
}

// ReserveSession reserves a recording slot for the user. If the user already
// has a live recording session, its id is returned with reused=true so the
// UI reconnects instead of opening a second browser. The actual launch
// happens on the initialize-browser-recording queue.
func (s *Service) ReserveSession(ctx context.Context, userID string) (browserID string, reused bool, err error) {
	if existing, ok := s.pool.GetActiveForUserByPurpose(userID, interfaces.PurposeRecording); ok {
		s.logger.Debug().
			Str("user_id", userID).
			Str("browser_id", existing).
			Msg("Reusing existing recording session")
		return existing, true, nil
	}

	browserID, ok := s.pool.ReserveSlot(userID, interfaces.PurposeRecording)
	if !ok {
		return "", false, ErrNoCapacity
	}
	return browserID, false, nil
}

// ActiveSession returns the user's live recording browser id, if any.
func (s *Service) ActiveSession(userID string) (string, bool) {
	return s.pool.GetActiveForUserByPurpose(userID, interfaces.PurposeRecording)
}

// Session returns the ready driver handle for a recording browser.
func (s *Service) Session(browserID string) (interfaces.BrowserSession, error) {
	slot := s.pool.GetSlot(browserID)
	if slot == nil || slot.State != interfaces.SlotReady || slot.Session == nil {
		return nil, fmt.Errorf("browser %s is not ready", browserID)
	}
	return slot.Session, nil
}

func (s *Service) launch(browserID string) {
	initTimeout := common.Duration(s.browserCfg.InitTimeout, 60*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
	defer cancel()

	if err := s.pool.MarkInitializing(browserID); err != nil {
		s.logger.Warn().Err(err).Str("browser_id", browserID).Msg("Recording slot vanished before launch")
		return
	}

	session, err := s.driver.Launch(ctx, interfaces.LaunchOptions{
		BrowserID: browserID,
		Headless:  s.browserCfg.Headless,
		NoSandbox: s.browserCfg.NoSandbox,
		UserAgent: s.browserCfg.UserAgent,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("browser_id", browserID).Msg("Recording browser failed to start")
		s.pool.FailSlot(browserID)
		s.notifier.NotifySession(browserID, models.EventSessionError, map[string]string{
			"message": "browser failed to start",
		})
		return
	}

	if err := s.pool.UpgradeSlot(browserID, session); err != nil {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer closeCancel()
		_ = session.Close(closeCtx)
		s.logger.Warn().Err(err).Str("browser_id", browserID).Msg("Recording slot gone after launch")
	}
}

// AwaitSession blocks until the recording browser is ready.
func (s *Service) AwaitSession(ctx context.Context, browserID string) (interfaces.BrowserSession, error) {
	initTimeout := common.Duration(s.browserCfg.InitTimeout, 60*time.Second)
	waitCtx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()
	return s.pool.AwaitReady(waitCtx, browserID)
}

// HasSlot reports whether the pool still tracks this browser.
func (s *Service) HasSlot(browserID string) bool {
	return s.pool.GetSlot(browserID) != nil
}

// DestroySession tears down the recording browser. Idempotent.
func (s *Service) DestroySession(ctx context.Context, browserID string) bool {
	s.StopInterpretation(ctx, browserID)
	return s.pool.DeleteSlot(browserID)
}

// StartInterpretation runs the draft workflow against the live session and
// streams extraction results back over the session namespace.
func (s *Service) StartInterpretation(ctx context.Context, browserID string, workflow []models.WorkflowStep, settings map[string]interface{}) error {
	slot := s.pool.GetSlot(browserID)
	if slot == nil || slot.State != interfaces.SlotReady || slot.Session == nil {
		return fmt.Errorf("browser %s is not ready", browserID)
	}

	s.mu.Lock()
	if _, busy := s.running[browserID]; busy {
		s.mu.Unlock()
		return fmt.Errorf("interpretation already running for browser %s", browserID)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s.running[browserID] = cancel
	s.mu.Unlock()

	// Stream partial extraction to the authoring UI as it happens
	s.interp.RegisterRunSink(browserID, func(sinkCtx context.Context, output models.SerializableOutput) error {
		s.notifier.NotifySession(browserID, models.EventListDataExtracted, output)
		return nil
	})

	go func() {
		defer func() {
			s.interp.UnregisterRunSink(browserID)
			s.mu.Lock()
			delete(s.running, browserID)
			s.mu.Unlock()
			cancel()
		}()

		result, err := s.interp.InterpretRecording(runCtx, browserID, workflow, slot.Session, settings)
		if err != nil {
			if runCtx.Err() == nil {
				s.logger.Warn().Err(err).Str("browser_id", browserID).Msg("Live interpretation failed")
				s.notifier.NotifySession(browserID, models.EventSessionError, map[string]string{
					"message": err.Error(),
				})
			}
			return
		}
		s.notifier.NotifySession(browserID, models.EventListDataExtracted, result.Serializable)
	}()

	return nil
}

// StopInterpretation cancels an in-flight live interpretation. Idempotent.
func (s *Service) StopInterpretation(ctx context.Context, browserID string) {
	s.mu.Lock()
	cancel := s.running[browserID]
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	if slot := s.pool.GetSlot(browserID); slot != nil && slot.Session != nil {
		_ = slot.Session.Stop(ctx)
	}
}
