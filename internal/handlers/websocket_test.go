package handlers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/marionet/internal/common"
	"github.com/ternarybob/marionet/internal/interfaces"
)

// deadCastSession accepts a screencast start and then behaves like a browser
// that has already been torn down: no frames arrive and URL polls fail.
type deadCastSession struct {
	stopped  chan struct{}
	stopOnce sync.Once
}

func (s *deadCastSession) ID() string { return "b1" }

func (s *deadCastSession) CurrentPage(ctx context.Context) (interfaces.Page, error) {
	return nil, nil
}

func (s *deadCastSession) CurrentURL(ctx context.Context) (string, error) {
	return "", errors.New("session closed")
}

func (s *deadCastSession) TabHosts(ctx context.Context) ([]string, error) { return nil, nil }

func (s *deadCastSession) SetViewport(ctx context.Context, width, height int) error { return nil }

func (s *deadCastSession) DispatchInput(ctx context.Context, event interfaces.InputEvent) error {
	return nil
}

func (s *deadCastSession) StartScreencast(ctx context.Context, cfg interfaces.ScreencastConfig, frames chan interfaces.ScreencastFrame) error {
	return nil
}

func (s *deadCastSession) StopScreencast(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopped) })
	return nil
}

func (s *deadCastSession) Stop(ctx context.Context) error  { return nil }
func (s *deadCastSession) Close(ctx context.Context) error { return nil }

func TestScreencastPumpStopsWhenSessionDies(t *testing.T) {
	h := NewWebSocketHandler(nil, nil, &common.WebSocketConfig{FrameRate: 15}, &common.AuthConfig{}, arbor.NewLogger())
	session := &deadCastSession{stopped: make(chan struct{})}

	// No clients are attached and no frame will ever arrive; the pump must
	// still wind down and stop the cast instead of blocking on the channel.
	h.startStreaming("b1", session)

	select {
	case <-session.stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("frame pump still running after the session died")
	}
}
