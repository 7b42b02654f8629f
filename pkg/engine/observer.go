package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/stakehost/stakehost/pkg/telemetry"
)

// PayloadKind identifies a notification on the observer channel.
type PayloadKind string

const (
	PayloadProcessStarted    PayloadKind = "process.started"
	PayloadStepStarted       PayloadKind = "step.started"
	PayloadStepCompleted     PayloadKind = "step.completed"
	PayloadStepFailed        PayloadKind = "step.failed"
	PayloadFallbackStarted   PayloadKind = "fallback.started"
	PayloadFallbackCompleted PayloadKind = "fallback.completed"
	PayloadProcessSucceeded  PayloadKind = "process.succeeded"
	PayloadProcessFailed     PayloadKind = "process.failed"
)

// Payload is one notification delivered to observers.
type Payload struct {
	Kind PayloadKind `json:"kind"`

	// State is the operation name for step notifications and the process
	// state for process notifications.
	State string `json:"state"`

	// Message is the step display name, or a process summary.
	Message string `json:"message,omitempty"`

	// Data is the value returned by a completed operation.
	Data any `json:"data,omitempty"`

	// Err is set on failure notifications.
	Err error `json:"-"`

	// DisplayMessage is the user-facing failure text, if any.
	DisplayMessage string `json:"display_message,omitempty"`

	// Step is the 1-based index of the current action; Total is the action count.
	Step  int `json:"step"`
	Total int `json:"total"`

	// Fallback is true for notifications emitted while running a fallback chain.
	Fallback bool `json:"fallback,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// Handle is the read-only view of a process given to observers.
type Handle interface {
	ID() string
	Name() string
	State() ProcessState
	StepCount() int
	CurrentStep() int
}

// Observer receives process notifications.
type Observer interface {
	Update(h Handle, p Payload)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(h Handle, p Payload)

// Update calls f(h, p).
func (f ObserverFunc) Update(h Handle, p Payload) {
	f(h, p)
}

// Channel delivers notifications synchronously, in subscription order.
// A panicking observer is logged and skipped.
type Channel struct {
	mu        sync.RWMutex
	observers []Observer
	logger    *telemetry.Logger
}

// NewChannel creates an empty observer channel.
func NewChannel(logger *telemetry.Logger) *Channel {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &Channel{logger: logger}
}

// Subscribe appends an observer.
func (c *Channel) Subscribe(o Observer) {
	if o == nil {
		return
	}
	c.mu.Lock()
	c.observers = append(c.observers, o)
	c.mu.Unlock()
}

// Len returns the number of subscribed observers.
func (c *Channel) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.observers)
}

// Publish delivers p to every observer.
func (c *Channel) Publish(h Handle, p Payload) {
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now()
	}

	c.mu.RLock()
	observers := make([]Observer, len(c.observers))
	copy(observers, c.observers)
	c.mu.RUnlock()

	for i, o := range observers {
		c.deliver(i, o, h, p)
	}
}

func (c *Channel) deliver(i int, o Observer, h Handle, p Payload) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.WithFields(map[string]interface{}{
				"observer": i,
				"kind":     string(p.Kind),
				"panic":    fmt.Sprint(r),
			}).Error("observer panicked")
		}
	}()
	o.Update(h, p)
}
