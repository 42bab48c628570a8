package browser

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"github.com/ternarybob/marionet/internal/interfaces"
	"github.com/ternarybob/marionet/internal/models"
)

// DispatchInput forwards a UI interaction to the devtools protocol. Events
// are applied in the order received; unknown types are ignored so newer UIs
// degrade gracefully against older servers.
func (s *Session) DispatchInput(ctx context.Context, event interfaces.InputEvent) error {
	switch event.Type {
	case models.InputMouseDown:
		return s.run(ctx, chromedp.ActionFunc(func(c context.Context) error {
			press := input.DispatchMouseEvent(input.MousePressed, event.X, event.Y).
				WithButton(input.Left).
				WithClickCount(1)
			if err := press.Do(c); err != nil {
				return err
			}
			release := input.DispatchMouseEvent(input.MouseReleased, event.X, event.Y).
				WithButton(input.Left).
				WithClickCount(1)
			return release.Do(c)
		}))

	case models.InputMouseMove:
		return s.run(ctx, chromedp.ActionFunc(func(c context.Context) error {
			return input.DispatchMouseEvent(input.MouseMoved, event.X, event.Y).Do(c)
		}))

	case models.InputWheel:
		return s.run(ctx, chromedp.ActionFunc(func(c context.Context) error {
			return input.DispatchMouseEvent(input.MouseWheel, event.X, event.Y).
				WithDeltaX(event.DeltaX).
				WithDeltaY(event.DeltaY).
				Do(c)
		}))

	case models.InputKeyDown:
		if len(event.Key) == 1 {
			return s.run(ctx, chromedp.ActionFunc(func(c context.Context) error {
				return input.InsertText(event.Key).Do(c)
			}))
		}
		return s.run(ctx, chromedp.KeyEvent(keyValue(event.Key)))

	case models.InputKeyUp:
		// Key release is implied by KeyEvent on keydown
		return nil

	case models.InputSetViewportSize:
		width, height := viewportFromPayload(event.Payload)
		if width <= 0 || height <= 0 {
			return fmt.Errorf("invalid viewport payload")
		}
		return s.SetViewport(ctx, width, height)

	default:
		s.logger.Debug().
			Str("browser_id", s.id).
			Str("type", event.Type).
			Msg("Ignoring unsupported input event")
		return nil
	}
}

// keyValue maps browser KeyboardEvent.key names to chromedp key runes.
func keyValue(key string) string {
	switch key {
	case "Enter":
		return kb.Enter
	case "Tab":
		return kb.Tab
	case "Backspace":
		return kb.Backspace
	case "Delete":
		return kb.Delete
	case "Escape":
		return kb.Escape
	case "ArrowUp":
		return kb.ArrowUp
	case "ArrowDown":
		return kb.ArrowDown
	case "ArrowLeft":
		return kb.ArrowLeft
	case "ArrowRight":
		return kb.ArrowRight
	default:
		return key
	}
}

func viewportFromPayload(payload map[string]interface{}) (int, int) {
	width, _ := payload["width"].(float64)
	height, _ := payload["height"].(float64)
	return int(width), int(height)
}
