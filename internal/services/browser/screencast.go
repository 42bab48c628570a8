package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/marionet/internal/interfaces"
	"golang.org/x/time/rate"
)

// StartScreencast begins streaming PNG frames into the channel. Frames are
// rate limited to the configured fps and delivered with depth-1 semantics:
// when the consumer lags, the newest frame replaces the undelivered one.
func (s *Session) StartScreencast(ctx context.Context, cfg interfaces.ScreencastConfig, frames chan interfaces.ScreencastFrame) error {
	s.mu.Lock()
	if s.castCancel != nil {
		s.mu.Unlock()
		return fmt.Errorf("screencast already running for browser %s", s.id)
	}
	castCtx, cancel := context.WithCancel(s.ctx)
	s.castCancel = cancel
	s.mu.Unlock()

	fps := cfg.FrameRate
	if fps <= 0 {
		fps = 15
	}
	limiter := rate.NewLimiter(rate.Limit(fps), 1)

	chromedp.ListenTarget(castCtx, func(ev interface{}) {
		frame, ok := ev.(*page.EventScreencastFrame)
		if !ok {
			return
		}

		// Ack every frame so the protocol keeps sending, even ones we drop
		go func() {
			ackCtx, ackCancel := context.WithTimeout(castCtx, 5*time.Second)
			defer ackCancel()
			_ = chromedp.Run(ackCtx, chromedp.ActionFunc(func(c context.Context) error {
				return page.ScreencastFrameAck(frame.SessionID).Do(c)
			}))
		}()

		if !limiter.Allow() {
			return
		}

		out := interfaces.ScreencastFrame{
			Data:      frame.Data,
			Timestamp: time.Now(),
		}

		select {
		case frames <- out:
		default:
			// Consumer is lagging; replace the stale frame with this one
			select {
			case <-frames:
			default:
			}
			select {
			case frames <- out:
			default:
			}
		}
	})

	startCast := page.StartScreencast().
		WithFormat(page.ScreencastFormatPng).
		WithMaxWidth(int64(cfg.MaxWidth)).
		WithMaxHeight(int64(cfg.MaxHeight)).
		WithEveryNthFrame(1)

	if err := s.run(ctx, chromedp.ActionFunc(func(c context.Context) error {
		return startCast.Do(c)
	})); err != nil {
		s.StopScreencast(ctx)
		return fmt.Errorf("failed to start screencast: %w", err)
	}

	s.logger.Debug().
		Str("browser_id", s.id).
		Int("fps", fps).
		Int("max_width", cfg.MaxWidth).
		Int("max_height", cfg.MaxHeight).
		Msg("Screencast started")
	return nil
}

// StopScreencast stops the frame stream. Idempotent.
func (s *Session) StopScreencast(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.castCancel
	s.castCancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	stopCtx, stopCancel := context.WithTimeout(ctx, 5*time.Second)
	defer stopCancel()
	_ = s.run(stopCtx, chromedp.ActionFunc(func(c context.Context) error {
		return page.StopScreencast().Do(c)
	}))
	s.logger.Debug().Str("browser_id", s.id).Msg("Screencast stopped")
	return nil
}
