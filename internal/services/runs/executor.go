package runs

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/marionet/internal/common"
	"github.com/ternarybob/marionet/internal/interfaces"
	"github.com/ternarybob/marionet/internal/models"
)

// handleExecuteRun consumes an execute-run job. It always returns nil: run
// failures are recorded on the run itself, and redelivering the message
// would double-execute against a dead slot.
func (s *Service) handleExecuteRun(ctx context.Context, msg *models.QueueMessage) error {
	var payload models.ExecuteRunPayload
	if err := msg.DecodePayload(&payload); err != nil {
		s.logger.Error().Err(err).Str("job_id", msg.JobID).Msg("Malformed execute payload, dropping")
		return nil
	}

	run, err := s.runs.GetRun(ctx, payload.RunID)
	if err != nil {
		s.logger.Warn().Err(err).Str("run_id", payload.RunID).Msg("Run not found for execute job, dropping")
		s.pool.DeleteSlot(payload.BrowserID)
		return nil
	}

	now := s.clock.Now()
	updated, err := s.runs.UpdateRunIf(ctx, payload.RunID, []models.RunStatus{models.RunStatusQueued}, func(r *models.Run) {
		r.Status = models.RunStatusRunning
		r.StartedAt = now
		r.BrowserID = payload.BrowserID
		r.AppendLog("execution started")
	})
	if err != nil {
		s.logger.Error().Err(err).Str("run_id", payload.RunID).Msg("Failed to transition run to running")
		s.pool.DeleteSlot(payload.BrowserID)
		return nil
	}
	if !updated {
		// Aborted (or recovered) while sitting in the queue; give the slot back
		s.logger.Info().Str("run_id", payload.RunID).Msg("Run no longer queued, releasing slot")
		s.pool.DeleteSlot(payload.BrowserID)
		return nil
	}

	s.notifier.NotifyUser(run.UserID, models.EventRunStarted, models.RunEventPayload{
		RunID:       run.RunID,
		RobotID:     run.RobotID,
		RobotMetaID: run.RobotMetaID,
		UserID:      run.UserID,
		Status:      string(models.RunStatusRunning),
	})
	if s.events != nil {
		_ = s.events.Publish(ctx, interfaces.Event{Type: interfaces.EventRunStarted, Payload: run.RunID})
	}

	s.executeRun(ctx, run, payload.BrowserID)
	return nil
}

// executeRun drives one run end to end: browser launch, interpretation,
// artifact upload, finalization, integration dispatch.
func (s *Service) executeRun(ctx context.Context, run *models.Run, browserID string) {
	defer s.pool.DeleteSlot(browserID)

	robot, err := s.robots.GetRobot(ctx, run.RobotID)
	if err != nil {
		s.finalize(ctx, run, nil, fmt.Errorf("robot no longer exists: %w", err))
		return
	}

	session, err := s.launchBrowser(ctx, browserID)
	if err != nil {
		s.finalize(ctx, run, nil, err)
		return
	}

	// Interpretation is cancelled by the abort worker through this handle.
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.registerAbort(run.RunID, cancel)
	defer s.unregisterAbort(run.RunID)

	// Persist partial extraction as it happens so a crash mid-run loses as
	// little as possible.
	s.interp.RegisterRunSink(run.RunID, func(sinkCtx context.Context, output models.SerializableOutput) error {
		_, err := s.runs.UpdateRunIf(sinkCtx, run.RunID,
			[]models.RunStatus{models.RunStatusRunning, models.RunStatusAborting},
			func(r *models.Run) {
				r.SerializableOutput = output
			})
		return err
	})
	defer s.interp.UnregisterRunSink(run.RunID)

	result, runErr := s.interp.InterpretRecording(runCtx, run.RunID, robot.Workflow, session, run.InterpreterSettings)
	s.finalize(ctx, run, result, runErr)
}

// launchBrowser takes the reserved slot through initializing to ready within
// the init timeout.
func (s *Service) launchBrowser(ctx context.Context, browserID string) (interfaces.BrowserSession, error) {
	initTimeout := common.Duration(s.browserCfg.InitTimeout, 60*time.Second)
	initCtx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()

	if err := s.pool.MarkInitializing(browserID); err != nil {
		return nil, fmt.Errorf("slot unavailable: %w", err)
	}

	session, err := s.driver.Launch(initCtx, interfaces.LaunchOptions{
		BrowserID: browserID,
		Headless:  s.browserCfg.Headless,
		NoSandbox: s.browserCfg.NoSandbox,
		UserAgent: s.browserCfg.UserAgent,
	})
	if err != nil {
		s.pool.FailSlot(browserID)
		return nil, fmt.Errorf("browser failed to start: %w", err)
	}

	if err := s.pool.UpgradeSlot(browserID, session); err != nil {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer closeCancel()
		_ = session.Close(closeCtx)
		return nil, fmt.Errorf("failed to attach session to slot: %w", err)
	}

	return s.pool.AwaitReady(initCtx, browserID)
}

// finalize settles the run into a terminal state. The status CAS guarantees
// a terminal state written by a racing abort worker is never overwritten.
func (s *Service) finalize(ctx context.Context, run *models.Run, result *interfaces.InterpreterResult, runErr error) {
	now := s.clock.Now()
	binaryURIs := s.uploadArtifacts(ctx, run.RunID, result)

	applyOutputs := func(r *models.Run) {
		if result != nil {
			r.SerializableOutput = result.Serializable
			for _, line := range result.Log {
				r.AppendLog(line)
			}
		}
		if r.BinaryOutput == nil {
			r.BinaryOutput = make(map[string]string)
		}
		for key, uri := range binaryURIs {
			r.BinaryOutput[key] = uri
		}
		r.FinishedAt = now
	}

	if runErr == nil {
		updated, err := s.runs.UpdateRunIf(ctx, run.RunID, []models.RunStatus{models.RunStatusRunning}, func(r *models.Run) {
			applyOutputs(r)
			r.Status = models.RunStatusSuccess
			r.AppendLog("run finished successfully")
		})
		if err != nil {
			s.logger.Error().Err(err).Str("run_id", run.RunID).Msg("Failed to finalize run")
			return
		}
		if updated {
			s.settle(ctx, run.RunID, models.EventRunCompleted, interfaces.EventRunCompleted, false)
			return
		}
		// An abort landed during the final moments; settle as aborted below
		runErr = context.Canceled
	}

	// Abort path: the run was flipped to aborting while we executed.
	updated, err := s.runs.UpdateRunIf(ctx, run.RunID, []models.RunStatus{models.RunStatusAborting}, func(r *models.Run) {
		applyOutputs(r)
		r.Status = models.RunStatusAborted
		r.AppendLog("Run aborted by user")
	})
	if err != nil {
		s.logger.Error().Err(err).Str("run_id", run.RunID).Msg("Failed to finalize aborted run")
		return
	}
	if updated {
		s.settle(ctx, run.RunID, models.EventRunAborted, interfaces.EventRunAborted, true)
		return
	}

	// Genuine failure.
	updated, err = s.runs.UpdateRunIf(ctx, run.RunID, []models.RunStatus{models.RunStatusRunning}, func(r *models.Run) {
		applyOutputs(r)
		r.Status = models.RunStatusFailed
		r.AppendLog(fmt.Sprintf("run failed: %v", runErr))
	})
	if err != nil {
		s.logger.Error().Err(err).Str("run_id", run.RunID).Msg("Failed to finalize failed run")
		return
	}
	if updated {
		s.settle(ctx, run.RunID, models.EventRunCompleted, interfaces.EventRunFailed, true)
	}
	// Not updated means another finalizer already settled the run
}

// settle reloads the terminal run, notifies the owner, and hands output to
// the integration dispatcher.
func (s *Service) settle(ctx context.Context, runID, userEvent string, eventType interfaces.EventType, partial bool) {
	run, err := s.runs.GetRun(ctx, runID)
	if err != nil {
		s.logger.Error().Err(err).Str("run_id", runID).Msg("Failed to reload settled run")
		return
	}

	s.notifier.NotifyUser(run.UserID, userEvent, runEventPayload(run, ""))
	if s.events != nil {
		_ = s.events.Publish(ctx, interfaces.Event{Type: eventType, Payload: run.RunID})
	}

	s.logger.Info().
		Str("run_id", run.RunID).
		Str("status", string(run.Status)).
		Int("extracted_items", run.SerializableOutput.ItemCount()).
		Int("artifacts", len(run.BinaryOutput)).
		Msg("Run settled")

	if s.dispatcher == nil {
		return
	}
	robot, err := s.robots.GetRobot(ctx, run.RobotID)
	if err != nil {
		return
	}
	if run.Status == models.RunStatusSuccess {
		s.dispatcher.DispatchRun(run, robot, false)
	} else if partial && run.HasPartialData() {
		s.dispatcher.DispatchRun(run, robot, true)
	}
}

// uploadArtifacts stores screenshot bytes and returns their URIs. Upload
// errors drop the single artifact, not the run.
func (s *Service) uploadArtifacts(ctx context.Context, runID string, result *interfaces.InterpreterResult) map[string]string {
	uris := make(map[string]string)
	if result == nil || s.objects == nil {
		return uris
	}
	for key, data := range result.Binary {
		uri, err := s.objects.Upload(ctx, runID, key, data)
		if err != nil {
			s.logger.Warn().Err(err).Str("run_id", runID).Str("key", key).Msg("Artifact upload failed")
			continue
		}
		uris[key] = uri
	}
	return uris
}
