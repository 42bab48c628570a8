package record

import (
	"context"

	"github.com/ternarybob/marionet/internal/interfaces"
	"github.com/ternarybob/marionet/internal/models"
)

// RegisterWorkers attaches this service to the global recording-session
// queues. All handlers return nil: session control jobs are best-effort and
// the UI observes outcomes through the session namespace.
func (s *Service) RegisterWorkers(queue interfaces.Queue) error {
	workers := map[string]interfaces.QueueHandler{
		models.JobTypeInitRecording:  s.handleInitRecording,
		models.JobTypeDestroyBrowser: s.handleDestroyBrowser,
		models.JobTypeInterpret:      s.handleInterpret,
		models.JobTypeStopInterpret:  s.handleStopInterpret,
	}
	for queueName, handler := range workers {
		if queue.HasWorker(queueName) {
			continue
		}
		if err := queue.Work(queueName, handler); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) handleInitRecording(ctx context.Context, msg *models.QueueMessage) error {
	var payload models.InitRecordingPayload
	if err := msg.DecodePayload(&payload); err != nil {
		s.logger.Error().Err(err).Str("job_id", msg.JobID).Msg("Malformed init-recording payload, dropping")
		return nil
	}
	s.launch(payload.BrowserID)
	return nil
}

func (s *Service) handleDestroyBrowser(ctx context.Context, msg *models.QueueMessage) error {
	var payload models.DestroyBrowserPayload
	if err := msg.DecodePayload(&payload); err != nil {
		s.logger.Error().Err(err).Str("job_id", msg.JobID).Msg("Malformed destroy-browser payload, dropping")
		return nil
	}
	s.DestroySession(ctx, payload.BrowserID)
	return nil
}

func (s *Service) handleInterpret(ctx context.Context, msg *models.QueueMessage) error {
	var payload models.InterpretPayload
	if err := msg.DecodePayload(&payload); err != nil {
		s.logger.Error().Err(err).Str("job_id", msg.JobID).Msg("Malformed interpret payload, dropping")
		return nil
	}
	if err := s.StartInterpretation(ctx, payload.BrowserID, payload.Workflow, payload.Settings); err != nil {
		s.logger.Warn().Err(err).Str("browser_id", payload.BrowserID).Msg("Failed to start live interpretation")
	}
	return nil
}

func (s *Service) handleStopInterpret(ctx context.Context, msg *models.QueueMessage) error {
	var payload models.InterpretPayload
	if err := msg.DecodePayload(&payload); err != nil {
		s.logger.Error().Err(err).Str("job_id", msg.JobID).Msg("Malformed stop-interpret payload, dropping")
		return nil
	}
	s.StopInterpretation(ctx, payload.BrowserID)
	return nil
}
