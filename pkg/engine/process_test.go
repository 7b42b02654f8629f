package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
)

// recordingOwner exposes operations that append their name to a shared log.
type recordingOwner struct {
	name string
	mu   *sync.Mutex
	log  *[]string
	ops  OperationSet
}

func newRecordingOwner(name string) *recordingOwner {
	var log []string
	return &recordingOwner{
		name: name,
		mu:   &sync.Mutex{},
		log:  &log,
		ops:  OperationSet{},
	}
}

func (o *recordingOwner) OwnerName() string        { return o.name }
func (o *recordingOwner) Operations() OperationSet { return o.ops }

func (o *recordingOwner) calls() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), *o.log...)
}

// add registers an operation that records its call and returns err.
func (o *recordingOwner) add(name string, meta StepMetadata, err error) {
	o.ops[name] = Descriptor{
		Metadata: meta,
		Run: func(ctx context.Context, params Params) (any, error) {
			o.mu.Lock()
			*o.log = append(*o.log, name)
			o.mu.Unlock()
			if err != nil {
				return nil, err
			}
			return map[string]any{"op": name}, nil
		},
	}
}

type mapChecker map[string]bool

func (m mapChecker) Exists(_ context.Context, key string) (bool, error) {
	return m[key], nil
}

type payloadLog struct {
	mu       sync.Mutex
	payloads []Payload
}

func (l *payloadLog) Update(_ Handle, p Payload) {
	l.mu.Lock()
	l.payloads = append(l.payloads, p)
	l.mu.Unlock()
}

func (l *payloadLog) kinds() []PayloadKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]PayloadKind, 0, len(l.payloads))
	for _, p := range l.payloads {
		out = append(out, p.Kind)
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestProcessRunsStepsInOrder(t *testing.T) {
	owner := newRecordingOwner("svc")
	owner.add("first", StepMetadata{DisplayName: "First"}, nil)
	owner.add("second", StepMetadata{DisplayName: "Second"}, nil)
	owner.add("third", StepMetadata{DisplayName: "Third"}, nil)

	proc, err := NewProcess("ordered", mapChecker{}, []*ActionStep{
		MustStep(owner, "first"),
		MustStep(owner, "second"),
		MustStep(owner, "third"),
	})
	if err != nil {
		t.Fatalf("NewProcess: %v", err)
	}

	if proc.State() != ProcessStatePending {
		t.Fatalf("expected pending, got %s", proc.State())
	}
	if err := proc.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if proc.State() != ProcessStateSucceeded {
		t.Errorf("expected succeeded, got %s", proc.State())
	}
	if got := owner.calls(); !equalStrings(got, []string{"first", "second", "third"}) {
		t.Errorf("unexpected call order: %v", got)
	}
}

func TestProcessHaltsWithoutFallback(t *testing.T) {
	owner := newRecordingOwner("svc")
	boom := errors.New("boom")
	owner.add("first", StepMetadata{}, nil)
	owner.add("second", StepMetadata{DisplayMessage: "Second failed"}, boom)
	owner.add("third", StepMetadata{}, nil)

	proc, _ := NewProcess("halting", mapChecker{}, []*ActionStep{
		MustStep(owner, "first"),
		MustStep(owner, "second"),
		MustStep(owner, "third"),
	})

	err := proc.Run(context.Background())
	if err == nil {
		t.Fatal("expected failure")
	}
	if !IsOperationFailed(err) {
		t.Errorf("expected operational error, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Errorf("expected cause to be preserved, got %v", err)
	}
	if DisplayMessage(err) != "Second failed" {
		t.Errorf("unexpected display message %q", DisplayMessage(err))
	}
	if proc.State() != ProcessStateFailed {
		t.Errorf("expected failed, got %s", proc.State())
	}
	if got := owner.calls(); !equalStrings(got, []string{"first", "second"}) {
		t.Errorf("third step must not run: %v", got)
	}
	if proc.Err() != err {
		t.Errorf("Err() should return the run error")
	}
}

func TestProcessFallbackRecovers(t *testing.T) {
	owner := newRecordingOwner("svc")
	owner.add("stepA", StepMetadata{}, errors.New("A failed"))
	owner.add("recovery", StepMetadata{}, nil)
	owner.add("stepB", StepMetadata{}, nil)

	proc, _ := NewProcess("recovering", mapChecker{}, []*ActionStep{
		MustStep(owner, "stepA"),
		MustStep(owner, "stepB"),
	}, WithFallbacks(FallbackChains{
		"stepA": {MustStep(owner, "recovery")},
	}))

	if err := proc.Run(context.Background()); err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	if proc.State() != ProcessStateSucceeded {
		t.Errorf("expected succeeded, got %s", proc.State())
	}
	if got := owner.calls(); !equalStrings(got, []string{"stepA", "recovery", "stepB"}) {
		t.Errorf("unexpected call order: %v", got)
	}
}

func TestProcessFallbackExhausted(t *testing.T) {
	owner := newRecordingOwner("svc")
	original := errors.New("create failed")
	owner.add("create", StepMetadata{DisplayMessage: "Create failed"}, original)
	owner.add("cleanup", StepMetadata{}, nil)
	owner.add("resync", StepMetadata{}, errors.New("resync failed"))
	owner.add("after", StepMetadata{}, nil)

	proc, _ := NewProcess("exhausting", mapChecker{}, []*ActionStep{
		MustStep(owner, "create"),
		MustStep(owner, "after"),
	}, WithFallbacks(FallbackChains{
		"create": {MustStep(owner, "cleanup"), MustStep(owner, "resync")},
	}))

	err := proc.Run(context.Background())
	if !IsFallbackExhausted(err) {
		t.Fatalf("expected fallback exhausted, got %v", err)
	}
	if !errors.Is(err, original) {
		t.Errorf("exhausted error must wrap the original cause")
	}
	var ee *EngineError
	if !errors.As(err, &ee) || ee.Fallback == nil {
		t.Fatalf("expected fallback failure to be attached")
	}
	if DisplayMessage(err) != "Create failed" {
		t.Errorf("unexpected display message %q", DisplayMessage(err))
	}
	if got := owner.calls(); !equalStrings(got, []string{"create", "cleanup", "resync"}) {
		t.Errorf("unexpected call order: %v", got)
	}
}

func TestProcessFallbackStepsHaveNoFallbacks(t *testing.T) {
	owner := newRecordingOwner("svc")
	owner.add("main", StepMetadata{}, errors.New("main failed"))
	owner.add("rescue", StepMetadata{}, errors.New("rescue failed"))
	owner.add("rescueRescue", StepMetadata{}, nil)

	proc, _ := NewProcess("nested", mapChecker{}, []*ActionStep{
		MustStep(owner, "main"),
	}, WithFallbacks(FallbackChains{
		"main":   {MustStep(owner, "rescue")},
		"rescue": {MustStep(owner, "rescueRescue")},
	}))

	if err := proc.Run(context.Background()); !IsFallbackExhausted(err) {
		t.Fatalf("expected fallback exhausted, got %v", err)
	}
	if got := owner.calls(); !equalStrings(got, []string{"main", "rescue"}) {
		t.Errorf("nested fallback must not run: %v", got)
	}
}

func TestProcessMissingConfiguration(t *testing.T) {
	owner := newRecordingOwner("svc")
	owner.add("needsSeed", StepMetadata{
		DisplayName:        "Needs seed",
		RequiredConfigKeys: []string{"seed", "network"},
		DisplayMessage:     "Seed step failed",
	}, nil)

	proc, _ := NewProcess("config", mapChecker{"network": true}, []*ActionStep{
		MustStep(owner, "needsSeed"),
	})

	err := proc.Run(context.Background())
	if !IsConfigurationMissing(err) {
		t.Fatalf("expected configuration missing, got %v", err)
	}
	if len(owner.calls()) != 0 {
		t.Errorf("operation must not be invoked when configuration is missing")
	}
	var ee *EngineError
	errors.As(err, &ee)
	missing, _ := ee.Details["missing_keys"].([]string)
	if !equalStrings(missing, []string{"seed"}) {
		t.Errorf("unexpected missing keys: %v", ee.Details["missing_keys"])
	}
	if ee.DisplayMessage != "Seed step failed" {
		t.Errorf("unexpected display message %q", ee.DisplayMessage)
	}
}

func TestProcessStepConfigChecker(t *testing.T) {
	owner := newRecordingOwner("svc")
	owner.add("staged", StepMetadata{RequiredConfigKeys: []string{"addressId"}}, nil)

	proc, _ := NewProcess("config", mapChecker{"addressId": true}, []*ActionStep{
		MustStep(owner, "staged", WithConfigChecker(mapChecker{})),
	})
	if err := proc.Run(context.Background()); !IsConfigurationMissing(err) {
		t.Fatalf("expected the step checker to report the key missing, got %v", err)
	}
	if len(owner.calls()) != 0 {
		t.Errorf("operation must not be invoked when configuration is missing")
	}
}

type preconditionErr struct{}

func (preconditionErr) Error() string            { return "crypto key is not set" }
func (preconditionErr) ConfigurationError() bool { return true }

func TestProcessPreservesPreconditionErrors(t *testing.T) {
	owner := newRecordingOwner("svc")
	owner.add("read", StepMetadata{}, preconditionErr{})

	proc, _ := NewProcess("precondition", mapChecker{}, []*ActionStep{MustStep(owner, "read")})
	if err := proc.Run(context.Background()); !IsConfigurationMissing(err) {
		t.Fatalf("expected configuration class, got %v", err)
	}
}

func TestProcessRunsOnce(t *testing.T) {
	owner := newRecordingOwner("svc")
	owner.add("only", StepMetadata{}, nil)

	proc, _ := NewProcess("once", mapChecker{}, []*ActionStep{MustStep(owner, "only")})
	if err := proc.Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}

	err := proc.Run(context.Background())
	var ee *EngineError
	if !errors.As(err, &ee) || ee.Code != ErrCodeAlreadyRun {
		t.Fatalf("expected already-run error, got %v", err)
	}
	if proc.State() != ProcessStateSucceeded {
		t.Errorf("second run must not change state, got %s", proc.State())
	}
	if len(owner.calls()) != 1 {
		t.Errorf("operation ran %d times", len(owner.calls()))
	}
}

func TestProcessObserverNotifications(t *testing.T) {
	owner := newRecordingOwner("svc")
	owner.add("one", StepMetadata{DisplayName: "Step one"}, nil)
	owner.add("two", StepMetadata{DisplayName: "Step two"}, nil)

	log := &payloadLog{}
	proc, _ := NewProcess("observed", mapChecker{}, []*ActionStep{
		MustStep(owner, "one"),
		MustStep(owner, "two"),
	}, WithObservers(log))

	if err := proc.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []PayloadKind{
		PayloadProcessStarted,
		PayloadStepStarted, PayloadStepCompleted,
		PayloadStepStarted, PayloadStepCompleted,
		PayloadProcessSucceeded,
	}
	got := log.kinds()
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("payload %d: got %s, want %s", i, got[i], want[i])
		}
	}

	started := log.payloads[1]
	if started.State != "one" || started.Message != "Step one" || started.Step != 1 || started.Total != 2 {
		t.Errorf("unexpected step.started payload: %+v", started)
	}
	completed := log.payloads[2]
	data, _ := completed.Data.(map[string]any)
	if data["op"] != "one" {
		t.Errorf("step.completed should carry the operation result, got %+v", completed.Data)
	}
}

func TestProcessObserverPanicIsIsolated(t *testing.T) {
	owner := newRecordingOwner("svc")
	owner.add("one", StepMetadata{}, nil)

	log := &payloadLog{}
	panicky := ObserverFunc(func(Handle, Payload) { panic("observer bug") })

	proc, _ := NewProcess("isolated", mapChecker{}, []*ActionStep{MustStep(owner, "one")},
		WithObservers(panicky, log))

	if err := proc.Run(context.Background()); err != nil {
		t.Fatalf("observer panic must not fail the process: %v", err)
	}
	if len(log.kinds()) != 4 {
		t.Errorf("later observers must still be notified, got %v", log.kinds())
	}
}

func TestProcessOperationPanic(t *testing.T) {
	owner := newRecordingOwner("svc")
	owner.ops["explode"] = Descriptor{Run: func(context.Context, Params) (any, error) {
		panic("nil map")
	}}

	proc, _ := NewProcess("panicking", mapChecker{}, []*ActionStep{MustStep(owner, "explode")})
	err := proc.Run(context.Background())
	if !IsOperationFailed(err) {
		t.Fatalf("expected operational error, got %v", err)
	}
}

func TestNewActionStepUnknownOperation(t *testing.T) {
	owner := newRecordingOwner("svc")
	_, err := NewActionStep(owner, "missing")
	if !IsConfigurationMissing(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestActionStepOptions(t *testing.T) {
	owner := newRecordingOwner("svc")
	owner.add("op", StepMetadata{DisplayName: "Op", RequiredConfigKeys: []string{"a"}}, nil)

	step := MustStep(owner, "op",
		WithParams(Params{"network": "mainnet"}),
		WithRequiredConfig("b"),
		WithDisplayMessage("Op failed"))

	meta := step.Metadata()
	if !equalStrings(meta.RequiredConfigKeys, []string{"a", "b"}) {
		t.Errorf("unexpected required keys %v", meta.RequiredConfigKeys)
	}
	if meta.DisplayMessage != "Op failed" || step.DisplayName() != "Op" {
		t.Errorf("unexpected metadata %+v", meta)
	}
	if owner.ops["op"].Metadata.RequiredConfigKeys[0] != "a" || len(owner.ops["op"].Metadata.RequiredConfigKeys) != 1 {
		t.Errorf("step options must not mutate the owner's metadata")
	}
	if step.Params().String("network") != "mainnet" {
		t.Errorf("params not applied")
	}
}

func TestParamsDecode(t *testing.T) {
	var out struct {
		Network string `param:"network"`
		Index   int    `param:"index"`
		Backup  bool   `param:"backup"`
	}
	err := Params{"network": "prater", "index": "4", "backup": true}.Decode(&out)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out.Network != "prater" || out.Index != 4 || !out.Backup {
		t.Errorf("unexpected decode result %+v", out)
	}
}

func TestProcessStateTransitions(t *testing.T) {
	cases := []struct {
		from, to ProcessState
		ok       bool
	}{
		{ProcessStatePending, ProcessStateRunning, true},
		{ProcessStatePending, ProcessStateSucceeded, false},
		{ProcessStateRunning, ProcessStateFailed, true},
		{ProcessStateRunning, ProcessStateSucceeded, true},
		{ProcessStateSucceeded, ProcessStateRunning, false},
		{ProcessStateFailed, ProcessStatePending, false},
	}
	for _, c := range cases {
		if got := c.from.CanTransitionTo(c.to); got != c.ok {
			t.Errorf("%s -> %s: got %v, want %v", c.from, c.to, got, c.ok)
		}
	}
	if err := ProcessState("paused").Validate(); err == nil {
		t.Error("expected invalid state error")
	}
}
