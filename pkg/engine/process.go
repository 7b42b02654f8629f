package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/stakehost/stakehost/pkg/telemetry"
)

// ConfigChecker answers whether a configuration key is present. The keyed
// store satisfies it.
type ConfigChecker interface {
	Exists(ctx context.Context, key string) (bool, error)
}

// Process runs an ordered list of action steps exactly once.
type Process struct {
	// id uniquely identifies this run
	id string

	// name is the process name (install, reinstall, ...)
	name string

	// actions are executed in order
	actions []*ActionStep

	// fallbacks maps a step's operation name to its recovery chain
	fallbacks FallbackChains

	// checker resolves required configuration keys
	checker ConfigChecker

	channel *Channel
	logger  *telemetry.Logger
	tel     *telemetry.Telemetry

	// mu protects the fields below
	mu       sync.RWMutex
	state    ProcessState
	current  int
	err      error
	started  time.Time
	finished time.Time
}

// ProcessOption customizes a Process.
type ProcessOption func(*Process)

// WithFallbacks sets the fallback chains.
func WithFallbacks(chains FallbackChains) ProcessOption {
	return func(p *Process) {
		p.fallbacks = chains
	}
}

// WithObservers subscribes observers before the process runs.
func WithObservers(observers ...Observer) ProcessOption {
	return func(p *Process) {
		for _, o := range observers {
			p.channel.Subscribe(o)
		}
	}
}

// WithLogger sets the process logger.
func WithLogger(logger *telemetry.Logger) ProcessOption {
	return func(p *Process) {
		p.logger = logger
	}
}

// WithTelemetry sets telemetry for spans and metrics. Its logger is used
// unless WithLogger is also given.
func WithTelemetry(tel *telemetry.Telemetry) ProcessOption {
	return func(p *Process) {
		p.tel = tel
	}
}

// WithID overrides the generated run id.
func WithID(id string) ProcessOption {
	return func(p *Process) {
		p.id = id
	}
}

// NewProcess builds a pending process.
func NewProcess(name string, checker ConfigChecker, actions []*ActionStep, opts ...ProcessOption) (*Process, error) {
	if name == "" {
		return nil, NewConfigurationError("process name is required", nil).WithCode(ErrCodeValidation)
	}
	if checker == nil {
		return nil, NewConfigurationError("process needs a config checker", nil).WithCode(ErrCodeValidation)
	}
	for i, a := range actions {
		if a == nil {
			return nil, NewConfigurationError(fmt.Sprintf("action %d is nil", i), nil).WithCode(ErrCodeValidation)
		}
	}

	p := &Process{
		id:        uuid.New().String(),
		name:      name,
		actions:   actions,
		fallbacks: FallbackChains{},
		checker:   checker,
		state:     ProcessStatePending,
	}
	p.channel = NewChannel(nil)
	for _, opt := range opts {
		opt(p)
	}

	if p.tel == nil {
		p.tel = telemetry.NewNopTelemetry()
	}
	if p.logger == nil {
		p.logger = p.tel.Logger.NewComponentLogger("engine")
	}
	p.logger = p.logger.WithProcess(p.name, p.id)
	p.channel.logger = p.logger

	for key, chain := range p.fallbacks {
		for i, s := range chain {
			if s == nil {
				return nil, NewConfigurationError(
					fmt.Sprintf("fallback %d for %s is nil", i, key), nil).WithCode(ErrCodeValidation)
			}
		}
	}
	return p, nil
}

// ID returns the run id.
func (p *Process) ID() string { return p.id }

// Name returns the process name.
func (p *Process) Name() string { return p.name }

// StepCount returns the number of actions.
func (p *Process) StepCount() int { return len(p.actions) }

// State returns the current state.
func (p *Process) State() ProcessState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// CurrentStep returns the 1-based index of the action being executed, or 0.
func (p *Process) CurrentStep() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// Err returns the failure that ended the process, if any.
func (p *Process) Err() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.err
}

// Duration returns how long the run took, or has taken so far.
func (p *Process) Duration() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.started.IsZero() {
		return 0
	}
	if p.finished.IsZero() {
		return time.Since(p.started)
	}
	return p.finished.Sub(p.started)
}

// Subscribe registers an observer. Observers should be added before Run.
func (p *Process) Subscribe(o Observer) {
	p.channel.Subscribe(o)
}

// StepInfo describes one planned step.
type StepInfo struct {
	Index     int          `json:"index"`
	Owner     string       `json:"owner"`
	Operation string       `json:"operation"`
	Metadata  StepMetadata `json:"metadata"`
	Fallbacks []string     `json:"fallbacks,omitempty"`
}

// Steps lists the planned actions with their fallback chains.
func (p *Process) Steps() []StepInfo {
	out := make([]StepInfo, 0, len(p.actions))
	for i, a := range p.actions {
		info := StepInfo{
			Index:     i + 1,
			Owner:     a.OwnerName(),
			Operation: a.Name(),
			Metadata:  a.Metadata(),
		}
		for _, f := range p.fallbacks[a.Name()] {
			info.Fallbacks = append(info.Fallbacks, f.Name())
		}
		out = append(out, info)
	}
	return out
}

// Run executes the actions in order. It may be called once; later calls
// return a configuration error and leave the state untouched.
func (p *Process) Run(ctx context.Context) error {
	p.mu.Lock()
	if !p.state.CanTransitionTo(ProcessStateRunning) {
		state := p.state
		p.mu.Unlock()
		return NewConfigurationError(
			fmt.Sprintf("process %s cannot run from state %s", p.name, state), nil).
			WithCode(ErrCodeAlreadyRun)
	}
	p.state = ProcessStateRunning
	p.started = time.Now()
	p.mu.Unlock()

	ctx, span := p.tel.Tracer.StartProcessSpan(ctx, p.name, p.id)
	defer span.End()
	ctx = p.logger.WithContext(ctx)

	p.tel.Metrics.RecordProcessStarted(p.name)
	p.logger.Infof("process started with %d steps", len(p.actions))
	p.publish(Payload{
		Kind:    PayloadProcessStarted,
		State:   string(ProcessStateRunning),
		Message: p.name,
	})

	for i, step := range p.actions {
		p.setCurrent(i + 1)

		err := p.runStep(ctx, step, i+1, false)
		if err == nil {
			continue
		}

		chain := p.fallbacks[step.Name()]
		if len(chain) == 0 {
			return p.fail(span, err)
		}

		if ferr := p.runFallback(ctx, step, chain, i+1); ferr != nil {
			p.tel.Metrics.RecordFallback(p.name, step.Name(), "exhausted")
			p.logger.WithError(ferr).Errorf("fallback chain for %s failed", step.Name())
			return p.fail(span, NewRecoveryExhaustedError(err, ferr))
		}

		p.tel.Metrics.RecordFallback(p.name, step.Name(), "recovered")
		p.logger.Infof("step %s recovered by fallback chain", step.Name())
	}

	p.finish(ProcessStateSucceeded, nil)
	telemetry.RecordSuccess(span)
	p.logger.Info("process succeeded")
	p.publish(Payload{
		Kind:    PayloadProcessSucceeded,
		State:   string(ProcessStateSucceeded),
		Message: p.name,
	})
	return nil
}

// runFallback runs each recovery step with the regular step protocol.
// Recovery steps have no fallbacks of their own.
func (p *Process) runFallback(ctx context.Context, guarded *ActionStep, chain []*ActionStep, index int) error {
	p.logger.Warnf("step %s failed, running %d fallback steps", guarded.Name(), len(chain))
	p.publish(Payload{
		Kind:    PayloadFallbackStarted,
		State:   guarded.Name(),
		Message: guarded.DisplayName(),
		Step:    index,
	})

	for _, step := range chain {
		if err := p.runStep(ctx, step, index, true); err != nil {
			return err
		}
	}

	p.publish(Payload{
		Kind:    PayloadFallbackCompleted,
		State:   guarded.Name(),
		Message: guarded.DisplayName(),
		Step:    index,
	})
	return nil
}

// runStep checks required configuration, announces the step, invokes the
// operation and reports its outcome.
func (p *Process) runStep(ctx context.Context, step *ActionStep, index int, fallback bool) (err error) {
	logger := p.logger.WithStep(step.OwnerName(), step.Name())
	ctx, span := p.tel.Tracer.StartStepSpan(ctx, step.OwnerName(), step.Name(), index, fallback)
	timer := telemetry.NewTimer()

	defer func() {
		status := StepStatusSucceeded
		if err != nil {
			status = StepStatusFailed
			telemetry.RecordError(span, err)
		} else {
			telemetry.RecordSuccess(span)
		}
		span.End()
		p.tel.Metrics.RecordStep(p.name, step.OwnerName(), step.Name(), string(status), timer.Duration())
	}()

	if missing, cerr := p.missingConfig(ctx, step); cerr != nil || len(missing) > 0 {
		cause := cerr
		if cause == nil {
			cause = fmt.Errorf("missing configuration keys: %v", missing)
		}
		ee := NewConfigurationError("required configuration is missing", cause).
			WithStep(step.DisplayName()).
			WithOperation(step.Name()).
			WithDisplayMessage(step.Metadata().DisplayMessage).
			WithDetail("missing_keys", missing)
		logger.WithField("missing_keys", missing).Warn("step not run, configuration missing")
		p.reportFailure(step, index, fallback, ee)
		return ee
	}

	p.publish(Payload{
		Kind:     PayloadStepStarted,
		State:    step.Name(),
		Message:  step.DisplayName(),
		Step:     index,
		Fallback: fallback,
	})
	logger.Debugf("step started: %s", step.DisplayName())

	data, opErr := p.invoke(ctx, step)
	if opErr != nil {
		ee := classify(opErr, step)
		logger.WithError(opErr).Errorf("step failed: %s", step.DisplayName())
		p.reportFailure(step, index, fallback, ee)
		return ee
	}

	p.publish(Payload{
		Kind:     PayloadStepCompleted,
		State:    step.Name(),
		Message:  step.DisplayName(),
		Data:     data,
		Step:     index,
		Fallback: fallback,
	})
	logger.Debug("step completed")
	return nil
}

// invoke calls the operation, turning a panic into an operational error.
func (p *Process) invoke(ctx context.Context, step *ActionStep) (data any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewOperationalError(fmt.Sprintf("operation panicked: %v", r), nil).WithCode(ErrCodePanic)
		}
	}()
	return step.run(ctx, step.params)
}

func (p *Process) missingConfig(ctx context.Context, step *ActionStep) ([]string, error) {
	checker := p.checker
	if step.checker != nil {
		checker = step.checker
	}
	var missing []string
	for _, key := range step.Metadata().RequiredConfigKeys {
		ok, err := checker.Exists(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("failed to check configuration key %s: %w", key, err)
		}
		if !ok {
			missing = append(missing, key)
		}
	}
	return missing, nil
}

func (p *Process) reportFailure(step *ActionStep, index int, fallback bool, ee *EngineError) {
	p.tel.Metrics.RecordError(string(ee.Class), ee.Code)
	p.publish(Payload{
		Kind:           PayloadStepFailed,
		State:          step.Name(),
		Message:        step.DisplayName(),
		Err:            ee,
		DisplayMessage: ee.DisplayMessage,
		Step:           index,
		Fallback:       fallback,
	})
}

func (p *Process) fail(span trace.Span, err error) error {
	p.finish(ProcessStateFailed, err)
	telemetry.RecordError(span, err)
	p.logger.WithError(err).Error("process failed")
	p.publish(Payload{
		Kind:           PayloadProcessFailed,
		State:          string(ProcessStateFailed),
		Message:        p.name,
		Err:            err,
		DisplayMessage: DisplayMessage(err),
	})
	return err
}

func (p *Process) finish(state ProcessState, err error) {
	p.mu.Lock()
	p.state = state
	p.err = err
	p.finished = time.Now()
	duration := p.finished.Sub(p.started)
	p.mu.Unlock()

	p.tel.Metrics.RecordProcessCompleted(p.name, string(state), duration)
}

func (p *Process) setCurrent(i int) {
	p.mu.Lock()
	p.current = i
	p.mu.Unlock()
}

func (p *Process) publish(payload Payload) {
	if payload.Total == 0 {
		payload.Total = len(p.actions)
	}
	if payload.Step == 0 {
		payload.Step = p.CurrentStep()
	}
	p.channel.Publish(p, payload)
}
