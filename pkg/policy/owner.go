package policy

import (
	"context"
	"fmt"
	"strings"

	"github.com/stakehost/stakehost/pkg/engine"
)

// Facts reads the non-secret keys the preflight input is built from.
type Facts interface {
	GetString(ctx context.Context, key string) (string, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// ViolationError is returned when blocking violations stop a process.
type ViolationError struct {
	Process    string
	Violations []Violation
}

func (e *ViolationError) Error() string {
	msgs := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		msgs[i] = fmt.Sprintf("%s: %s", v.Policy, v.Message)
	}
	return fmt.Sprintf("%s blocked by policy: %s", e.Process, strings.Join(msgs, "; "))
}

// Owner exposes the preflight check as the "policy" step owner.
type Owner struct {
	engine *Engine
	facts  Facts
	target Target
	limits Limits
}

// NewOwner creates the policy owner for the given server target.
func NewOwner(e *Engine, facts Facts, target Target, limits Limits) *Owner {
	return &Owner{engine: e, facts: facts, target: target, limits: limits}
}

func (o *Owner) OwnerName() string { return "policy" }

func (o *Owner) Operations() engine.OperationSet {
	return engine.OperationSet{
		"checkPreflight": {
			Metadata: engine.StepMetadata{
				DisplayName:    "Checking policies...",
				DisplayMessage: "Policy check failed",
			},
			Run: func(ctx context.Context, params engine.Params) (any, error) {
				return o.Check(ctx, params.String("process"))
			},
		},
	}
}

// Check evaluates the policies for process. Non-blocking violations are
// logged; blocking ones return a *ViolationError alongside the result.
func (o *Owner) Check(ctx context.Context, process string) (*Result, error) {
	input, err := o.input(ctx, process)
	if err != nil {
		return nil, err
	}

	result, err := o.engine.Evaluate(ctx, input)
	if err != nil {
		return nil, err
	}

	for _, v := range result.Violations {
		if !v.Severity.Blocking() {
			o.engine.logger.Warn().
				Str("policy", v.Policy).
				Str("process", process).
				Msg(v.Message)
		}
	}

	if !result.Allowed {
		return result, &ViolationError{Process: process, Violations: result.Blocking()}
	}
	return result, nil
}

func (o *Owner) input(ctx context.Context, process string) (*Input, error) {
	provisioned, err := o.facts.Exists(ctx, "instanceId")
	if err != nil {
		return nil, fmt.Errorf("failed to read store facts: %w", err)
	}
	network, err := o.facts.GetString(ctx, "network")
	if err != nil {
		return nil, fmt.Errorf("failed to read store facts: %w", err)
	}
	publicIP, err := o.facts.GetString(ctx, "publicIp")
	if err != nil {
		return nil, fmt.Errorf("failed to read store facts: %w", err)
	}

	return &Input{
		Process:  process,
		Settings: o.target,
		Limits:   o.limits,
		Store: StoreFacts{
			Provisioned: provisioned,
			Network:     network,
			PublicIP:    publicIP,
		},
	}, nil
}
