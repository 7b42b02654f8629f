package stores

import (
	"context"
	"encoding/json"
	"time"

	"github.com/stakehost/stakehost/pkg/engine"
	"github.com/stakehost/stakehost/pkg/telemetry"
)

// RunRecorder is an engine observer that persists process runs, their
// notifications and an audit entry per finished run. Storage failures are
// logged and never reach the process.
type RunRecorder struct {
	store   Store
	actor   string
	logger  *telemetry.Logger
	timeout time.Duration
}

// NewRunRecorder creates a recorder writing to store. actor is recorded on
// audit entries.
func NewRunRecorder(store Store, actor string, logger *telemetry.Logger) *RunRecorder {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &RunRecorder{
		store:   store,
		actor:   actor,
		logger:  logger.NewComponentLogger("run-recorder"),
		timeout: 5 * time.Second,
	}
}

// Update implements engine.Observer.
func (r *RunRecorder) Update(h engine.Handle, p engine.Payload) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	log := r.logger.WithProcess(h.Name(), h.ID())

	if p.Kind == engine.PayloadProcessStarted {
		run := &Run{
			ID:        h.ID(),
			Process:   h.Name(),
			Status:    RunStatusRunning,
			StepCount: h.StepCount(),
			StartedAt: p.Timestamp.UTC(),
		}
		if err := r.store.CreateRun(ctx, run); err != nil {
			log.WithError(err).Warn("failed to record run")
			return
		}
	}

	if err := r.store.AppendRunEvent(ctx, eventFromPayload(h.ID(), p)); err != nil {
		log.WithError(err).Warn("failed to record run event")
	}

	switch p.Kind {
	case engine.PayloadStepStarted:
		if !p.Fallback {
			if err := r.store.UpdateRunProgress(ctx, h.ID(), RunProgress{CurrentStep: p.Step, StepCount: p.Total}); err != nil {
				log.WithError(err).Warn("failed to record run progress")
			}
		}
	case engine.PayloadProcessSucceeded:
		r.finish(ctx, log, h, RunStatusSucceeded, p)
	case engine.PayloadProcessFailed:
		r.finish(ctx, log, h, RunStatusFailed, p)
	}
}

func (r *RunRecorder) finish(ctx context.Context, log *telemetry.Logger, h engine.Handle, status RunStatus, p engine.Payload) {
	var errMsg, displayMsg *string
	if p.Err != nil {
		errMsg = stringPtr(p.Err.Error())
	}
	if p.DisplayMessage != "" {
		displayMsg = stringPtr(p.DisplayMessage)
	}
	if err := r.store.FinishRun(ctx, h.ID(), status, errMsg, displayMsg); err != nil {
		log.WithError(err).Warn("failed to record run result")
	}

	details := map[string]any{
		"process": h.Name(),
		"steps":   h.StepCount(),
		"step":    p.Step,
	}
	if errMsg != nil {
		details["error"] = *errMsg
		details["class"] = string(engine.ClassOf(p.Err))
	}
	data, err := json.Marshal(details)
	if err != nil {
		log.WithError(err).Warn("failed to encode audit details")
		return
	}
	entry := &AuditEntry{
		Action:    string(p.Kind),
		Actor:     r.actor,
		TargetID:  stringPtr(h.ID()),
		Details:   stringPtr(string(data)),
		Timestamp: p.Timestamp.UTC(),
	}
	if err := r.store.CreateAuditEntry(ctx, entry); err != nil {
		log.WithError(err).Warn("failed to record audit entry")
	}
}

func eventFromPayload(runID string, p engine.Payload) *RunEvent {
	e := &RunEvent{
		RunID:     runID,
		Kind:      string(p.Kind),
		Step:      p.Step,
		Total:     p.Total,
		Fallback:  p.Fallback,
		Timestamp: p.Timestamp.UTC(),
	}
	switch p.Kind {
	case engine.PayloadProcessStarted, engine.PayloadProcessSucceeded, engine.PayloadProcessFailed:
	default:
		e.Operation = stringPtr(p.State)
	}
	if p.Message != "" {
		e.Message = stringPtr(p.Message)
	}
	if p.Err != nil {
		e.Error = stringPtr(p.Err.Error())
	}
	return e
}

func stringPtr(s string) *string {
	return &s
}

var _ engine.Observer = (*RunRecorder)(nil)
