package keyvault

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/stakehost/stakehost/pkg/telemetry"
	"github.com/stakehost/stakehost/pkg/transports/ssh"
)

const adapterName = "ssh"

// ExecError reports a remote command that wrote to stderr or failed to run.
type ExecError struct {
	// Command is the command as sent. It may carry a token, so Error
	// never prints it.
	Command string
	Stderr  string
	Err     error
}

func (e *ExecError) Error() string {
	switch {
	case e.Stderr != "" && e.Err != nil:
		return fmt.Sprintf("remote command failed: %s: %v", e.Stderr, e.Err)
	case e.Stderr != "":
		return "remote command failed: " + e.Stderr
	default:
		return fmt.Sprintf("remote command failed: %v", e.Err)
	}
}

func (e *ExecError) Unwrap() error {
	return e.Err
}

// IsExecError reports whether err came from a remote command.
func IsExecError(err error) bool {
	var ee *ExecError
	return errors.As(err, &ee)
}

// Runner executes commands on the key-vault server.
type Runner struct {
	transport ssh.Transport
	logger    *telemetry.Logger
}

// NewRunner wraps a connected transport.
func NewRunner(transport ssh.Transport, logger *telemetry.Logger) *Runner {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &Runner{transport: transport, logger: logger}
}

// Exec runs cmd and returns its trimmed stdout. Any output on stderr is an
// error, even when the command exits zero.
func (r *Runner) Exec(ctx context.Context, cmd string) (string, error) {
	var stdout string
	err := telemetry.RecordAdapterOperation(ctx, adapterName, "exec", func(ctx context.Context) error {
		out, stderr, err := r.transport.ExecuteCommand(ctx, cmd)
		stdout = out
		if err != nil || stderr != "" {
			return &ExecError{Command: cmd, Stderr: stderr, Err: err}
		}
		return nil
	})
	if err != nil {
		r.logger.WithError(err).Debug("remote command failed")
	}
	return stdout, err
}

// Run runs cmd and judges it by exit status alone. Package managers and
// compose report progress on stderr, so they go through Run.
func (r *Runner) Run(ctx context.Context, cmd string) (string, error) {
	var stdout string
	err := telemetry.RecordAdapterOperation(ctx, adapterName, "run", func(ctx context.Context) error {
		out, stderr, err := r.transport.ExecuteCommand(ctx, cmd)
		stdout = out
		if err != nil {
			return &ExecError{Command: cmd, Stderr: stderr, Err: err}
		}
		return nil
	})
	return stdout, err
}

// Upload writes content to remotePath on the server.
func (r *Runner) Upload(ctx context.Context, content []byte, remotePath string, mode os.FileMode) error {
	return telemetry.RecordAdapterOperation(ctx, adapterName, "upload", func(ctx context.Context) error {
		if err := r.transport.UploadContent(ctx, content, remotePath, mode); err != nil {
			return fmt.Errorf("failed to upload %s: %w", remotePath, err)
		}
		return nil
	})
}
