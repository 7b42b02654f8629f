// Package telemetry provides observability instrumentation for stakehost.
//
// It combines structured logging (zerolog), tracing (OpenTelemetry) and
// metrics (Prometheus) behind a single Telemetry value that is threaded
// through the process engine, the key store and the remote adapters.
//
// # Usage
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// # Logging
//
//	logger := tel.Logger.NewComponentLogger("engine")
//	logger.WithProcess("install", runID).Info("process started")
//
// Secrets (passphrases, keys, tokens, seeds) are never logged. Key names are.
//
// # Adapters
//
// Remote calls are wrapped so that every adapter shares span and metric names:
//
//	err := telemetry.RecordAdapterOperation(ctx, "aws", "createInstance", func(ctx context.Context) error {
//	    _, err := client.RunInstances(ctx, input)
//	    return err
//	})
//
// # Metrics
//
// Exposed with the configured namespace (default "stakehost"):
//
//   - processes_started_total{process}
//   - processes_completed_total{process,state}
//   - steps_executed_total{process,operation,status}
//   - fallbacks_total{process,operation,outcome}
//   - adapter_calls_total{adapter,operation}
//   - http_retries_total{method}
//   - errors_by_class_total{class}
//   - crypto_key_active{namespace}
package telemetry
