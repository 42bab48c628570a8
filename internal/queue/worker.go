package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/marionet/internal/interfaces"
	"github.com/ternarybob/marionet/internal/models"
)

// workLoop polls one queue and feeds claimed messages to its handler. A
// single goroutine per queue keeps delivery order FIFO.
func (s *Service) workLoop(ctx context.Context, queueName string, handler interfaces.QueueHandler) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Drain all ready messages before sleeping again
			for {
				if ctx.Err() != nil {
					return
				}
				processed, err := s.receiveAndProcess(ctx, queueName, handler)
				if err != nil {
					s.logger.Error().Err(err).Str("queue", queueName).Msg("Queue receive failed")
					break
				}
				if !processed {
					break
				}
			}
		}
	}
}

// receiveAndProcess claims the next visible message, runs the handler, and
// acknowledges on success. Handler errors leave the message invisible until
// the visibility timeout expires, when it is redelivered.
func (s *Service) receiveAndProcess(ctx context.Context, queueName string, handler interfaces.QueueHandler) (bool, error) {
	stored, err := s.claim(queueName)
	if err != nil {
		if err == models.ErrNoMessage {
			return false, nil
		}
		return false, err
	}

	s.updateJobRecord(queueName, stored.ID, func(r *models.JobRecord) {
		r.State = models.JobStateActive
		r.ClaimedAt = s.clock.Now()
	})

	if err := handler(ctx, &stored.Body); err != nil {
		s.logger.Warn().
			Err(err).
			Str("queue", queueName).
			Str("job_id", stored.ID).
			Int("receive_count", stored.ReceiveCount).
			Msg("Job handler failed, message will be redelivered")
		s.updateJobRecord(queueName, stored.ID, func(r *models.JobRecord) {
			r.Error = err.Error()
		})
		return true, nil
	}

	if err := s.ack(queueName, stored.ID); err != nil {
		return true, err
	}
	s.updateJobRecord(queueName, stored.ID, func(r *models.JobRecord) {
		r.State = models.JobStateCompleted
		r.CompletedAt = s.clock.Now()
		r.Error = ""
	})
	return true, nil
}

// claim pulls the oldest visible message and extends its visibility so no
// other consumer sees it while the handler runs. Messages past the receive
// cap are dropped and their job records marked failed.
func (s *Service) claim(queueName string) (*storedMessage, error) {
	var claimed storedMessage
	var found bool
	var dropped []string

	// The transaction must commit even when nothing is claimable: poison
	// drops and orphaned-index deletes happen inside it, and returning an
	// error would roll them back.
	err := s.db.Update(func(txn *badger.Txn) error {
		found = false
		dropped = dropped[:0]

		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := indexPrefix(queueName)
		it := txn.NewIterator(opts)
		defer it.Close()

		now := s.clock.Now()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			ts, id, err := parseIndexKey(queueName, key)
			if err != nil {
				continue
			}
			if ts.After(now) {
				// Index keys sort by timestamp; nothing later is ready either
				break
			}

			item, err := txn.Get(msgKey(queueName, id))
			if err != nil {
				if err == badger.ErrKeyNotFound {
					// Orphaned index entry
					if err := txn.Delete(key); err != nil {
						return err
					}
					continue
				}
				return err
			}

			var stored storedMessage
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &stored)
			}); err != nil {
				return err
			}

			if stored.ReceiveCount >= s.maxReceive {
				// Poison message, drop it
				if err := txn.Delete(key); err != nil {
					return err
				}
				if err := txn.Delete(msgKey(queueName, id)); err != nil {
					return err
				}
				dropped = append(dropped, id)
				continue
			}

			stored.ReceiveCount++
			stored.VisibleAt = now.Add(s.visibilityTimeout)

			data, err := json.Marshal(stored)
			if err != nil {
				return err
			}
			if err := txn.Set(msgKey(queueName, id), data); err != nil {
				return err
			}
			if err := txn.Delete(key); err != nil {
				return err
			}
			if err := txn.Set(indexKey(queueName, stored.VisibleAt, id), []byte{}); err != nil {
				return err
			}

			claimed = stored
			found = true
			return nil
		}
		return nil
	})

	for _, id := range dropped {
		s.logger.Warn().
			Str("queue", queueName).
			Str("job_id", id).
			Int("max_receive", s.maxReceive).
			Msg("Dropping message past receive cap")
		s.updateJobRecord(queueName, id, func(r *models.JobRecord) {
			r.State = models.JobStateFailed
			r.CompletedAt = s.clock.Now()
			r.Error = "receive cap exceeded"
		})
	}

	if err != nil {
		return nil, err
	}
	if !found {
		return nil, models.ErrNoMessage
	}
	return &claimed, nil
}

// ack removes the message data and its visibility index entry.
func (s *Service) ack(queueName, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(msgKey(queueName, id))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return nil // Already acknowledged
			}
			return err
		}

		var stored storedMessage
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &stored)
		}); err != nil {
			return err
		}

		if err := txn.Delete(indexKey(queueName, stored.VisibleAt, id)); err != nil && err != badger.ErrKeyNotFound {
			return err
		}
		return txn.Delete(msgKey(queueName, id))
	})
}
