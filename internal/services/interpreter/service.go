package interpreter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/marionet/internal/common"
	"github.com/ternarybob/marionet/internal/interfaces"
	"github.com/ternarybob/marionet/internal/models"
)

// Service walks a recording's declarative workflow against a live browser
// session. Steps run in order; a step whose conditions do not match the
// current page is skipped, not failed.
type Service struct {
	logger      arbor.ILogger
	pageTimeout time.Duration

	mu    sync.Mutex
	sinks map[string]interfaces.PartialSink
}

func NewService(config *common.BrowserConfig, logger arbor.ILogger) interfaces.Interpreter {
	return &Service{
		logger:      logger,
		pageTimeout: common.Duration(config.PageTimeout, 45*time.Second),
		sinks:       make(map[string]interfaces.PartialSink),
	}
}

func (s *Service) RegisterRunSink(runID string, sink interfaces.PartialSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinks[runID] = sink
}

func (s *Service) UnregisterRunSink(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sinks, runID)
}

func (s *Service) sink(runID string) interfaces.PartialSink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sinks[runID]
}

// InterpretRecording executes the workflow. Whatever was extracted before an
// error or cancellation is returned alongside it so partial data survives.
func (s *Service) InterpretRecording(ctx context.Context, runID string, workflow []models.WorkflowStep, session interfaces.BrowserSession, settings map[string]interface{}) (*interfaces.InterpreterResult, error) {
	result := &interfaces.InterpreterResult{
		Serializable: models.SerializableOutput{
			ScrapeSchema: make(map[string][]map[string]interface{}),
			ScrapeList:   make(map[string][]map[string]interface{}),
		},
		Binary: make(map[string][]byte),
	}

	page, err := s.awaitPage(ctx, session)
	if err != nil {
		return result, err
	}

	for i, step := range workflow {
		if err := ctx.Err(); err != nil {
			result.Log = append(result.Log, fmt.Sprintf("step %d: interrupted", i+1))
			return result, err
		}

		matched, err := s.conditionsMatch(ctx, page, step.Where)
		if err != nil {
			result.Log = append(result.Log, fmt.Sprintf("step %d: condition check failed: %v", i+1, err))
			return result, err
		}
		if !matched {
			result.Log = append(result.Log, fmt.Sprintf("step %d: conditions not met, skipped", i+1))
			continue
		}

		for _, action := range step.What {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			if err := s.executeAction(ctx, runID, page, action, result); err != nil {
				result.Log = append(result.Log, fmt.Sprintf("step %d: %s failed: %v", i+1, action.Action, err))
				return result, fmt.Errorf("action %s failed: %w", action.Action, err)
			}
			result.Log = append(result.Log, fmt.Sprintf("step %d: %s ok", i+1, action.Action))
		}
	}

	return result, nil
}

// awaitPage polls for the session's first page within the page timeout.
func (s *Service) awaitPage(ctx context.Context, session interfaces.BrowserSession) (interfaces.Page, error) {
	waitCtx, cancel := context.WithTimeout(ctx, s.pageTimeout)
	defer cancel()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		page, err := session.CurrentPage(waitCtx)
		if err != nil {
			return nil, fmt.Errorf("failed to attach to page: %w", err)
		}
		if page != nil {
			return page, nil
		}
		select {
		case <-waitCtx.Done():
			return nil, fmt.Errorf("no page available within %s: %w", s.pageTimeout, waitCtx.Err())
		case <-ticker.C:
		}
	}
}

// conditionsMatch evaluates a step's where clause against the current page.
// An empty clause always matches.
func (s *Service) conditionsMatch(ctx context.Context, page interfaces.Page, where map[string]interface{}) (bool, error) {
	if len(where) == 0 {
		return true, nil
	}

	if wantURL, ok := where["url"].(string); ok && wantURL != "" {
		current, err := page.URL(ctx)
		if err != nil {
			return false, err
		}
		if current != wantURL {
			return false, nil
		}
	}

	if selectors, ok := where["selectors"].([]interface{}); ok {
		html, err := page.HTML(ctx)
		if err != nil {
			return false, err
		}
		for _, raw := range selectors {
			selector, ok := raw.(string)
			if !ok || selector == "" {
				continue
			}
			present, err := selectorPresent(html, selector)
			if err != nil {
				return false, err
			}
			if !present {
				return false, nil
			}
		}
	}

	return true, nil
}

func (s *Service) executeAction(ctx context.Context, runID string, page interfaces.Page, action models.WorkflowAction, result *interfaces.InterpreterResult) error {
	switch action.Action {
	case "navigate":
		url := stringArg(action, 0)
		if url == "" {
			return fmt.Errorf("navigate requires a url argument")
		}
		return page.Navigate(ctx, url)

	case "click":
		selector := stringArg(action, 0)
		if selector == "" {
			return fmt.Errorf("click requires a selector argument")
		}
		return page.Click(ctx, selector)

	case "type":
		selector := stringArg(action, 0)
		text := stringArg(action, 1)
		if selector == "" {
			return fmt.Errorf("type requires a selector argument")
		}
		return page.Type(ctx, selector, text)

	case "waitFor":
		selector := stringArg(action, 0)
		if selector == "" {
			return fmt.Errorf("waitFor requires a selector argument")
		}
		timeout := 10 * time.Second
		if ms, ok := action.Params["timeout"].(float64); ok && ms > 0 {
			timeout = time.Duration(ms) * time.Millisecond
		}
		return page.WaitVisible(ctx, selector, timeout)

	case "screenshot":
		key := stringParam(action, "key")
		if key == "" {
			key = fmt.Sprintf("screenshot-%d", len(result.Binary)+1)
		}
		data, err := page.Screenshot(ctx)
		if err != nil {
			return err
		}
		result.Binary[key] = data
		return nil

	case "scrapeSchema":
		return s.scrapeSchema(ctx, runID, page, action, result)

	case "scrapeList":
		return s.scrapeList(ctx, runID, page, action, result)

	default:
		return fmt.Errorf("unknown action %q", action.Action)
	}
}

// flushPartial pushes the accumulated serializable output to the run's sink,
// when one is registered.
func (s *Service) flushPartial(ctx context.Context, runID string, result *interfaces.InterpreterResult) {
	sink := s.sink(runID)
	if sink == nil {
		return
	}
	if err := sink(ctx, result.Serializable); err != nil {
		s.logger.Warn().Err(err).Str("run_id", runID).Msg("Failed to persist partial output")
	}
}

func stringArg(action models.WorkflowAction, idx int) string {
	if idx >= len(action.Args) {
		return ""
	}
	v, _ := action.Args[idx].(string)
	return v
}

func stringParam(action models.WorkflowAction, key string) string {
	v, _ := action.Params[key].(string)
	return v
}
