// Package engine runs stakehost processes: ordered lists of action steps
// with per-step configuration preconditions, fallback chains and an
// observer channel.
//
// # Steps
//
// Services expose their operations through the Owner interface. Each
// operation carries StepMetadata: a display name shown when the step
// starts, the configuration keys that must exist before it runs, and a
// stable user-facing message attached to its failures.
//
//	step, err := engine.NewActionStep(awsService, "createInstance")
//
// # Running
//
// A Process moves pending -> running -> succeeded|failed and runs once.
// For every action the engine
//
//  1. checks the required configuration keys and fails with a
//     configuration-class error if any is absent,
//  2. notifies observers with the step name and display name,
//  3. invokes the operation,
//  4. on success notifies observers with the returned payload,
//  5. on failure runs the fallback chain registered for the step's
//     operation name. A chain that completes counts as recovery and the
//     process continues with the next action. A chain that fails ends the
//     process with a recovery-exhausted error wrapping the original cause.
//
// Steps are never retried automatically.
//
// # Errors
//
//	engine.IsConfigurationMissing(err)
//	engine.IsOperationFailed(err)
//	engine.IsFallbackExhausted(err)
//	engine.DisplayMessage(err)
//
// # Observers
//
// Observers are called synchronously, in subscription order, on the
// goroutine running the process. A panicking observer is logged and does
// not stop the process.
package engine
