package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/marionet/internal/common"
	"github.com/ternarybob/marionet/internal/interfaces"
	"github.com/ternarybob/marionet/internal/models"
)

// storedMessage wraps a queue message with delivery bookkeeping.
type storedMessage struct {
	ID           string              `json:"id"`
	Body         models.QueueMessage `json:"body"`
	EnqueuedAt   time.Time           `json:"enqueued_at"`
	VisibleAt    time.Time           `json:"visible_at"`
	ReceiveCount int                 `json:"receive_count"`
}

// Service is a badger-backed multi-queue job service. Queues are created on
// demand, survive restarts, and deliver at-least-once with a visibility
// timeout. One worker goroutine per queue preserves FIFO ordering.
type Service struct {
	db                *badger.DB
	logger            arbor.ILogger
	clock             common.Clock
	pollInterval      time.Duration
	visibilityTimeout time.Duration
	maxReceive        int
	retention         time.Duration

	mu        sync.Mutex
	workers   map[string]context.CancelFunc
	handlers  map[string]interfaces.QueueHandler
	schedules map[string]cron.EntryID

	cron    *cron.Cron
	rootCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewService builds the queue service on a shared badger database.
func NewService(db *badger.DB, cfg *common.QueueConfig, clock common.Clock, logger arbor.ILogger) (*Service, error) {
	if db == nil {
		return nil, errors.New("badger db is required")
	}
	if clock == nil {
		clock = common.SystemClock{}
	}

	maxReceive := cfg.MaxReceive
	if maxReceive <= 0 {
		maxReceive = 3
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		db:                db,
		logger:            logger,
		clock:             clock,
		pollInterval:      common.Duration(cfg.PollInterval, time.Second),
		visibilityTimeout: common.Duration(cfg.VisibilityTimeout, 15*time.Minute),
		maxReceive:        maxReceive,
		retention:         common.Duration(cfg.RetentionPeriod, 23*time.Hour),
		workers:           make(map[string]context.CancelFunc),
		handlers:          make(map[string]interfaces.QueueHandler),
		schedules:         make(map[string]cron.EntryID),
		cron:              cron.New(cron.WithParser(common.CronParser())),
		rootCtx:           ctx,
		cancel:            cancel,
	}, nil
}

// Start launches the cron runner and the retention sweeper.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()

	s.wg.Add(1)
	go s.retentionLoop()

	s.logger.Info().
		Str("poll_interval", s.pollInterval.String()).
		Str("visibility_timeout", s.visibilityTimeout.String()).
		Str("retention", s.retention.String()).
		Msg("Queue service started")
}

// Stop stops the cron runner and all workers, then waits for them to drain.
func (s *Service) Stop() {
	s.mu.Lock()
	cronCtx := s.cron.Stop()
	s.cancel()
	s.mu.Unlock()

	<-cronCtx.Done()
	s.wg.Wait()
	s.logger.Info().Msg("Queue service stopped")
}

// CreateQueue registers a queue name. Idempotent.
func (s *Service) CreateQueue(name string) error {
	if name == "" {
		return errors.New("queue name is required")
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(metaKey(name), []byte{})
	})
}

// Send enqueues a message, immediately visible. The message's job id doubles
// as the queue message id so job state can be looked up later.
func (s *Service) Send(ctx context.Context, queueName string, msg models.QueueMessage) (string, error) {
	if msg.JobID == "" {
		msg.JobID = common.NewJobID()
	}

	now := s.clock.Now()
	stored := storedMessage{
		ID:         msg.JobID,
		Body:       msg,
		EnqueuedAt: now,
		VisibleAt:  now,
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return "", fmt.Errorf("failed to marshal queue message: %w", err)
	}

	record := models.JobRecord{
		JobID:      msg.JobID,
		Queue:      queueName,
		Type:       msg.Type,
		State:      models.JobStateCreated,
		EnqueuedAt: now,
	}
	recordData, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job record: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(metaKey(queueName), []byte{}); err != nil {
			return err
		}
		if err := txn.Set(msgKey(queueName, msg.JobID), data); err != nil {
			return err
		}
		if err := txn.Set(indexKey(queueName, stored.VisibleAt, msg.JobID), []byte{}); err != nil {
			return err
		}
		return txn.Set(jobKey(queueName, msg.JobID), recordData)
	})
	if err != nil {
		return "", fmt.Errorf("failed to enqueue message on %s: %w", queueName, err)
	}

	s.logger.Debug().
		Str("queue", queueName).
		Str("job_id", msg.JobID).
		Str("type", msg.Type).
		Msg("Message enqueued")

	return msg.JobID, nil
}

// Work registers the single consumer for a queue and starts its poll loop.
func (s *Service) Work(queueName string, handler interfaces.QueueHandler) error {
	if handler == nil {
		return errors.New("handler is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.handlers[queueName]; exists {
		return fmt.Errorf("queue %s already has a worker", queueName)
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(metaKey(queueName), []byte{})
	}); err != nil {
		return fmt.Errorf("failed to register queue %s: %w", queueName, err)
	}

	s.handlers[queueName] = handler
	workerCtx, cancel := context.WithCancel(s.rootCtx)
	s.workers[queueName] = cancel

	s.wg.Add(1)
	go s.workLoop(workerCtx, queueName, handler)

	s.logger.Info().Str("queue", queueName).Msg("Worker registered")
	return nil
}

// HasWorker reports whether a consumer is registered for the queue.
func (s *Service) HasWorker(queueName string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.handlers[queueName]
	return ok
}

// Schedule registers a cron entry that enqueues msg on each fire. The
// expression is evaluated in the given IANA timezone.
func (s *Service) Schedule(queueName, cronExpr, timezone string, msg models.QueueMessage) (string, error) {
	if err := common.ValidateTimezone(timezone); err != nil {
		return "", err
	}
	spec := cronExpr
	if timezone != "" {
		spec = "CRON_TZ=" + timezone + " " + cronExpr
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.schedules[queueName]; ok {
		s.cron.Remove(existing)
		delete(s.schedules, queueName)
	}

	entryID, err := s.cron.AddFunc(spec, func() {
		fire := msg
		fire.JobID = common.NewJobID()
		if _, err := s.Send(s.rootCtx, queueName, fire); err != nil {
			s.logger.Error().Err(err).Str("queue", queueName).Msg("Failed to enqueue scheduled message")
		}
	})
	if err != nil {
		return "", fmt.Errorf("failed to register schedule for %s: %w", queueName, err)
	}

	s.schedules[queueName] = entryID
	s.logger.Info().
		Str("queue", queueName).
		Str("cron", cronExpr).
		Str("timezone", timezone).
		Msg("Schedule registered")

	return fmt.Sprintf("%d", entryID), nil
}

// CancelSchedule removes the cron entry for a queue. Idempotent.
func (s *Service) CancelSchedule(queueName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entryID, ok := s.schedules[queueName]
	if !ok {
		return nil
	}
	s.cron.Remove(entryID)
	delete(s.schedules, queueName)
	s.logger.Info().Str("queue", queueName).Msg("Schedule cancelled")
	return nil
}

// GetJobByID returns the retained job record, or nil when unknown.
func (s *Service) GetJobByID(ctx context.Context, queueName, jobID string) (*models.JobRecord, error) {
	var record models.JobRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(jobKey(queueName, jobID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &record)
		})
	})
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get job %s: %w", jobID, err)
	}
	return &record, nil
}

// ListQueues enumerates registered queue names.
func (s *Service) ListQueues(ctx context.Context) ([]string, error) {
	var names []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := []byte("queue-meta:")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := string(it.Item().Key())
			names = append(names, strings.TrimPrefix(key, "queue-meta:"))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list queues: %w", err)
	}
	return names, nil
}

// retentionLoop deletes completed job records older than the retention
// period. Queue state never outlives it, matching the run retention window.
func (s *Service) retentionLoop() {
	defer s.wg.Done()

	interval := s.retention / 10
	if interval > time.Hour {
		interval = time.Hour
	}
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.rootCtx.Done():
			return
		case <-ticker.C:
			if removed := s.sweepExpiredJobs(); removed > 0 {
				s.logger.Debug().Int("removed", removed).Msg("Swept expired job records")
			}
		}
	}
}

func (s *Service) sweepExpiredJobs() int {
	cutoff := s.clock.Now().Add(-s.retention)
	var expired [][]byte

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		prefix := []byte("job:")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var record models.JobRecord
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &record)
			}); err != nil {
				continue
			}
			switch record.State {
			case models.JobStateCompleted, models.JobStateFailed, models.JobStateCancelled:
				if !record.CompletedAt.IsZero() && record.CompletedAt.Before(cutoff) {
					expired = append(expired, item.KeyCopy(nil))
				}
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("Job retention scan failed")
		return 0
	}

	for _, key := range expired {
		if err := s.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(key)
		}); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to delete expired job record")
		}
	}
	return len(expired)
}

func (s *Service) updateJobRecord(queueName, jobID string, mutate func(*models.JobRecord)) {
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(jobKey(queueName, jobID))
		if err != nil {
			return err
		}
		var record models.JobRecord
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &record)
		}); err != nil {
			return err
		}
		mutate(&record)
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return txn.Set(jobKey(queueName, jobID), data)
	})
	if err != nil && err != badger.ErrKeyNotFound {
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to update job record")
	}
}
