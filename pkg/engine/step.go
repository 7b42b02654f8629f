package engine

import (
	"context"
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// Params is the structured argument blob handed to an operation.
type Params map[string]any

// Decode copies params into out, a pointer to a struct tagged with `param`.
// Input is weakly typed, so "3" decodes into an int field.
func (p Params) Decode(out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "param",
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return fmt.Errorf("failed to build params decoder: %w", err)
	}
	if err := dec.Decode(map[string]any(p)); err != nil {
		return fmt.Errorf("failed to decode params: %w", err)
	}
	return nil
}

// String returns the string value for key, or "" if absent or not a string.
func (p Params) String(key string) string {
	s, _ := p[key].(string)
	return s
}

// Operation is a unit of work exposed by an owner.
type Operation func(ctx context.Context, params Params) (any, error)

// StepMetadata describes an operation independently of any process.
type StepMetadata struct {
	// DisplayName is the human-readable step label, shown when the step starts.
	DisplayName string `json:"display_name,omitempty"`

	// RequiredConfigKeys must all exist in the keyed store before the operation runs.
	RequiredConfigKeys []string `json:"required_config_keys,omitempty"`

	// DisplayMessage is the user-facing text attached to this step's failures.
	DisplayMessage string `json:"display_message,omitempty"`
}

// Descriptor pairs an operation with its metadata.
type Descriptor struct {
	Run      Operation
	Metadata StepMetadata
}

// OperationSet maps operation names to their descriptors.
type OperationSet map[string]Descriptor

// Owner is a service that exposes named operations. A process references
// owners but never manages their lifecycle.
type Owner interface {
	OwnerName() string
	Operations() OperationSet
}

// ActionStep binds one owner operation, its params and its metadata.
type ActionStep struct {
	owner     Owner
	operation string
	run       Operation
	params    Params
	meta      StepMetadata
	checker   ConfigChecker
}

// StepOption customizes an ActionStep.
type StepOption func(*ActionStep)

// WithParams sets the params passed to the operation.
func WithParams(params Params) StepOption {
	return func(s *ActionStep) {
		s.params = params
	}
}

// WithMetadata replaces the owner-declared metadata.
func WithMetadata(meta StepMetadata) StepOption {
	return func(s *ActionStep) {
		s.meta = meta
	}
}

// WithDisplayName overrides the step's display name.
func WithDisplayName(name string) StepOption {
	return func(s *ActionStep) {
		s.meta.DisplayName = name
	}
}

// WithDisplayMessage overrides the user-facing failure message.
func WithDisplayMessage(msg string) StepOption {
	return func(s *ActionStep) {
		s.meta.DisplayMessage = msg
	}
}

// WithRequiredConfig appends required configuration keys.
func WithRequiredConfig(keys ...string) StepOption {
	return func(s *ActionStep) {
		s.meta.RequiredConfigKeys = append(s.meta.RequiredConfigKeys, keys...)
	}
}

// WithConfigChecker resolves this step's required keys against checker
// instead of the process checker.
func WithConfigChecker(checker ConfigChecker) StepOption {
	return func(s *ActionStep) {
		s.checker = checker
	}
}

// NewActionStep resolves operation on owner. It fails if the owner does not
// expose that operation.
func NewActionStep(owner Owner, operation string, opts ...StepOption) (*ActionStep, error) {
	if owner == nil {
		return nil, NewConfigurationError("action step has no owner", nil).
			WithCode(ErrCodeUnknownOperation).
			WithOperation(operation)
	}

	desc, ok := owner.Operations()[operation]
	if !ok || desc.Run == nil {
		return nil, NewConfigurationError(
			fmt.Sprintf("operation %q is not exposed by %s", operation, owner.OwnerName()), nil).
			WithCode(ErrCodeUnknownOperation).
			WithOperation(operation)
	}

	step := &ActionStep{
		owner:     owner,
		operation: operation,
		run:       desc.Run,
		params:    Params{},
		meta: StepMetadata{
			DisplayName:        desc.Metadata.DisplayName,
			RequiredConfigKeys: append([]string(nil), desc.Metadata.RequiredConfigKeys...),
			DisplayMessage:     desc.Metadata.DisplayMessage,
		},
	}
	for _, opt := range opts {
		opt(step)
	}
	return step, nil
}

// MustStep is like NewActionStep but panics on an unresolvable operation.
// Process builders use it for wiring that is fixed at compile time.
func MustStep(owner Owner, operation string, opts ...StepOption) *ActionStep {
	step, err := NewActionStep(owner, operation, opts...)
	if err != nil {
		panic(err)
	}
	return step
}

// Name returns the operation name. Fallback chains are keyed by it.
func (s *ActionStep) Name() string {
	return s.operation
}

// OwnerName returns the name of the owning service.
func (s *ActionStep) OwnerName() string {
	return s.owner.OwnerName()
}

// DisplayName returns the display name, or the operation name if none is set.
func (s *ActionStep) DisplayName() string {
	if s.meta.DisplayName != "" {
		return s.meta.DisplayName
	}
	return s.operation
}

// Params returns the step's params.
func (s *ActionStep) Params() Params {
	return s.params
}

// Metadata returns the step's metadata.
func (s *ActionStep) Metadata() StepMetadata {
	return s.meta
}

// FallbackChains maps a guarded step's operation name to its recovery steps.
type FallbackChains map[string][]*ActionStep
