package interfaces

import (
	"context"

	"github.com/ternarybob/marionet/internal/models"
)

// InterpreterResult is what a completed (or partially completed)
// interpretation produced.
type InterpreterResult struct {
	Log          []string
	Serializable models.SerializableOutput
	Binary       map[string][]byte // artifact key -> PNG bytes
}

// PartialSink receives intermediate serializable output while a run is in
// flight so partial results survive a crash.
type PartialSink func(ctx context.Context, output models.SerializableOutput) error

// Interpreter executes a recording's workflow against a browser session.
// Interpretation semantics are owned by the interpreter; the control plane
// only starts, observes, and stops it.
type Interpreter interface {
	// RegisterRunSink associates a run with a sink for partial output.
	RegisterRunSink(runID string, sink PartialSink)
	UnregisterRunSink(runID string)
	// InterpretRecording runs the workflow to completion or ctx cancellation.
	InterpretRecording(ctx context.Context, runID string, workflow []models.WorkflowStep, session BrowserSession, settings map[string]interface{}) (*InterpreterResult, error)
}
