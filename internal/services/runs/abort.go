package runs

import (
	"context"
	"time"

	"github.com/ternarybob/marionet/internal/interfaces"
	"github.com/ternarybob/marionet/internal/models"
)

// abortGrace is how long the abort worker gives the executor to observe the
// cancellation and settle the run itself before forcing the terminal state.
const abortGrace = 500 * time.Millisecond

// handleAbortRun consumes an abort-run job. Cancels the in-flight
// interpretation, waits a short grace, then forces aborted if the executor
// has not settled the run already. Always returns nil; aborting twice is
// harmless and redelivery adds nothing.
func (s *Service) handleAbortRun(ctx context.Context, msg *models.QueueMessage) error {
	var payload models.AbortRunPayload
	if err := msg.DecodePayload(&payload); err != nil {
		s.logger.Error().Err(err).Str("job_id", msg.JobID).Msg("Malformed abort payload, dropping")
		return nil
	}

	run, err := s.runs.GetRun(ctx, payload.RunID)
	if err != nil {
		s.logger.Warn().Err(err).Str("run_id", payload.RunID).Msg("Run not found for abort job, dropping")
		return nil
	}
	if run.Status != models.RunStatusAborting {
		// Already settled, or recovery reset it
		return nil
	}

	if cancel := s.abortCancel(payload.RunID); cancel != nil {
		cancel()
	}
	time.Sleep(abortGrace)

	now := s.clock.Now()
	updated, err := s.runs.UpdateRunIf(ctx, payload.RunID, []models.RunStatus{models.RunStatusAborting}, func(r *models.Run) {
		r.Status = models.RunStatusAborted
		r.FinishedAt = now
		r.AppendLog("Run aborted by user")
	})
	if err != nil {
		s.logger.Error().Err(err).Str("run_id", payload.RunID).Msg("Failed to force abort")
		return nil
	}
	if !updated {
		// Executor settled it during the grace period
		return nil
	}

	if run.BrowserID != "" {
		s.pool.DeleteSlot(run.BrowserID)
	}
	s.settle(ctx, payload.RunID, models.EventRunAborted, interfaces.EventRunAborted, true)
	return nil
}
