package runs

import (
	"context"
	"fmt"

	"github.com/ternarybob/marionet/internal/models"
)

// RecoverOrphans repairs runs left non-terminal by a crash. Runs under the
// retry cap go back to queued with an incremented retry count; the rest are
// failed. Recovery is the only code path that grows retryCount.
func (s *Service) RecoverOrphans(ctx context.Context) error {
	recovered := 0
	failed := 0

	for _, status := range []models.RunStatus{models.RunStatusRunning, models.RunStatusAborting} {
		orphans, err := s.runs.ListRunsByStatus(ctx, status)
		if err != nil {
			return fmt.Errorf("failed to list %s runs: %w", status, err)
		}
		for _, run := range orphans {
			if run.RetryCount < models.MaxRunRetries {
				if s.requeueOrphan(ctx, run, status) {
					recovered++
				}
			} else {
				if s.failOrphan(ctx, run, status) {
					failed++
				}
			}
		}
	}

	// Queued runs bound to a browser slot lost that slot in the crash; clear
	// the binding so the admission loop re-dispatches them.
	queued, err := s.runs.ListRunsByStatus(ctx, models.RunStatusQueued)
	if err != nil {
		return fmt.Errorf("failed to list queued runs: %w", err)
	}
	for _, run := range queued {
		if run.BrowserID == "" {
			continue
		}
		_, err := s.runs.UpdateRunIf(ctx, run.RunID, []models.RunStatus{models.RunStatusQueued}, func(r *models.Run) {
			r.BrowserID = ""
		})
		if err != nil {
			s.logger.Warn().Err(err).Str("run_id", run.RunID).Msg("Failed to unbind queued run")
		}
	}

	if recovered > 0 || failed > 0 {
		s.logger.Info().
			Int("recovered", recovered).
			Int("failed", failed).
			Msg("Orphaned runs processed")
	}
	return nil
}

func (s *Service) requeueOrphan(ctx context.Context, run *models.Run, from models.RunStatus) bool {
	updated, err := s.runs.UpdateRunIf(ctx, run.RunID, []models.RunStatus{from}, func(r *models.Run) {
		r.Status = models.RunStatusQueued
		r.BrowserID = ""
		r.RetryCount++
		r.AppendLog("Recovered after restart")
	})
	if err != nil {
		s.logger.Error().Err(err).Str("run_id", run.RunID).Msg("Failed to requeue orphaned run")
		return false
	}
	if !updated {
		return false
	}

	// The owner may be offline; the notifier buffers recovery events and
	// replays them on the next connect.
	s.notifier.NotifyUser(run.UserID, models.EventRunRecovered, models.RunEventPayload{
		RunID:       run.RunID,
		RobotID:     run.RobotID,
		RobotMetaID: run.RobotMetaID,
		UserID:      run.UserID,
		Status:      string(models.RunStatusQueued),
		Message:     "run was interrupted by a server restart and has been re-queued",
	})
	s.logger.Info().
		Str("run_id", run.RunID).
		Int("retry_count", run.RetryCount+1).
		Msg("Orphaned run re-queued")
	return true
}

func (s *Service) failOrphan(ctx context.Context, run *models.Run, from models.RunStatus) bool {
	now := s.clock.Now()
	updated, err := s.runs.UpdateRunIf(ctx, run.RunID, []models.RunStatus{from}, func(r *models.Run) {
		r.Status = models.RunStatusFailed
		r.FinishedAt = now
		r.AppendLog("Max retries exceeded")
	})
	if err != nil {
		s.logger.Error().Err(err).Str("run_id", run.RunID).Msg("Failed to fail orphaned run")
		return false
	}
	if !updated {
		return false
	}

	s.notifier.NotifyUser(run.UserID, models.EventRunCompleted, models.RunEventPayload{
		RunID:       run.RunID,
		RobotID:     run.RobotID,
		RobotMetaID: run.RobotMetaID,
		UserID:      run.UserID,
		Status:      string(models.RunStatusFailed),
		Message:     "run exceeded its recovery retry limit",
	})
	s.logger.Warn().Str("run_id", run.RunID).Msg("Orphaned run exceeded retry limit, failed")
	return true
}
