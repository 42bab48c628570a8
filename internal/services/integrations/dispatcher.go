package integrations

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/marionet/internal/common"
	"github.com/ternarybob/marionet/internal/interfaces"
	"github.com/ternarybob/marionet/internal/models"
)

type taskState string

const (
	taskPending taskState = "pending"
	taskDone    taskState = "completed"
	taskFailed  taskState = "failed"
)

// task is one pending push of one run's output to one adapter.
type task struct {
	run     *models.Run
	robot   *models.Robot
	adapter interfaces.IntegrationAdapter
	partial bool
	retries int
	state   taskState
}

// Dispatcher queues post-run pushes and processes them on a fixed cadence.
// Push failures retry on later passes up to the retry cap; a slow external
// system cannot stall run finalization because dispatch is fire-and-forget.
type Dispatcher struct {
	logger     arbor.ILogger
	poll       time.Duration
	budget     time.Duration
	maxRetries int

	mu    sync.Mutex
	tasks map[string]*task

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewDispatcher(cfg *common.IntegrationConfig, logger arbor.ILogger) *Dispatcher {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Dispatcher{
		logger:     logger,
		poll:       common.Duration(cfg.PollInterval, 5*time.Second),
		budget:     common.Duration(cfg.TaskBudget, 60*time.Second),
		maxRetries: maxRetries,
		tasks:      make(map[string]*task),
	}
}

// Start launches the task processor.
func (d *Dispatcher) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.wg.Add(1)
	go d.processLoop(ctx)
	d.logger.Info().
		Str("poll_interval", d.poll.String()).
		Str("task_budget", d.budget.String()).
		Msg("Integration dispatcher started")
}

func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

// DispatchRun enqueues tasks for every integration the robot has configured.
func (d *Dispatcher) DispatchRun(run *models.Run, robot *models.Robot, partial bool) {
	adapters := adaptersFor(robot)
	if len(adapters) == 0 {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, adapter := range adapters {
		key := run.RunID + ":" + adapter.Name()
		if _, exists := d.tasks[key]; exists {
			continue
		}
		d.tasks[key] = &task{
			run:     run,
			robot:   robot,
			adapter: adapter,
			partial: partial,
			state:   taskPending,
		}
		d.logger.Debug().
			Str("run_id", run.RunID).
			Str("integration", adapter.Name()).
			Bool("partial", partial).
			Msg("Integration task queued")
	}
}

// PendingTasks reports how many tasks await processing. Used by tests and
// the health endpoint.
func (d *Dispatcher) PendingTasks() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	count := 0
	for _, t := range d.tasks {
		if t.state == taskPending {
			count++
		}
	}
	return count
}

func (d *Dispatcher) processLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.ProcessPending(ctx)
		}
	}
}

// ProcessPending runs all pending tasks within the shared time budget.
// Tasks left over when the budget expires wait for the next pass.
func (d *Dispatcher) ProcessPending(ctx context.Context) {
	d.mu.Lock()
	var pending []*task
	var keys []string
	for key, t := range d.tasks {
		if t.state == taskPending {
			pending = append(pending, t)
			keys = append(keys, key)
		}
	}
	d.mu.Unlock()

	if len(pending) == 0 {
		return
	}

	budgetCtx, cancel := context.WithTimeout(ctx, d.budget)
	defer cancel()

	for i, t := range pending {
		if budgetCtx.Err() != nil {
			d.logger.Debug().Int("remaining", len(pending)-i).Msg("Integration budget exhausted, deferring rest")
			return
		}
		d.runTask(budgetCtx, keys[i], t)
	}
}

func (d *Dispatcher) runTask(ctx context.Context, key string, t *task) {
	err := t.adapter.Push(ctx, t.run, t.robot)

	d.mu.Lock()
	defer d.mu.Unlock()

	if err == nil {
		delete(d.tasks, key)
		d.logger.Info().
			Str("run_id", t.run.RunID).
			Str("integration", t.adapter.Name()).
			Msg("Integration push succeeded")
		return
	}

	t.retries++
	if t.retries >= d.maxRetries {
		t.state = taskFailed
		delete(d.tasks, key)
		d.logger.Error().
			Err(err).
			Str("run_id", t.run.RunID).
			Str("integration", t.adapter.Name()).
			Int("retries", t.retries).
			Msg("Integration push abandoned")
		return
	}

	d.logger.Warn().
		Err(err).
		Str("run_id", t.run.RunID).
		Str("integration", t.adapter.Name()).
		Int("retry", t.retries).
		Msg("Integration push failed, will retry")
}

// adaptersFor builds the adapter list from the robot's settings.
func adaptersFor(robot *models.Robot) []interfaces.IntegrationAdapter {
	var adapters []interfaces.IntegrationAdapter
	cfg := robot.Integrations

	if cfg.RecordStore != nil && cfg.RecordStore.APIKey != "" {
		adapters = append(adapters, newRecordStoreAdapter(cfg.RecordStore))
	}
	if cfg.Spreadsheet != nil && cfg.Spreadsheet.AccessToken != "" {
		adapters = append(adapters, newSpreadsheetAdapter(cfg.Spreadsheet))
	}
	if cfg.WebhookURL != "" {
		adapters = append(adapters, newWebhookAdapter(cfg.WebhookURL))
	}
	return adapters
}

var _ interfaces.IntegrationDispatcher = (*Dispatcher)(nil)
