// Package keymanager drives the key-manager command-line tool that derives
// wallets, validator accounts and deposit data from a seed.
//
// Every call is one process invocation with an argv (no shell). The tool
// reports failures on stderr, so any stderr output is an error regardless of
// the exit status.
package keymanager

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/stakehost/stakehost/pkg/telemetry"
)

const adapterName = "keymanager"

// DefaultBinary is the tool looked up on PATH when no path is configured.
const DefaultBinary = "key-vault-cli"

// Executor runs one invocation of the tool.
type Executor interface {
	Execute(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

// ExecExecutor runs the tool as a local subprocess.
type ExecExecutor struct{}

// Execute implements Executor.
func (ExecExecutor) Execute(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// CLIError is a failed invocation. Message is the stable text shown to the
// user; Stderr and Err hold what the tool actually reported.
type CLIError struct {
	Command string
	Message string
	Stderr  string
	Err     error
}

func (e *CLIError) Error() string {
	detail := e.Stderr
	if detail == "" && e.Err != nil {
		detail = e.Err.Error()
	}
	if detail == "" {
		return e.Message
	}
	return e.Message + ": " + detail
}

func (e *CLIError) Unwrap() error {
	return e.Err
}

// IsCLIError reports whether err came from the key-manager tool.
func IsCLIError(err error) bool {
	var ce *CLIError
	return errors.As(err, &ce)
}

// Client wraps the key-manager tool.
type Client struct {
	binary string
	exec   Executor
	logger *telemetry.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithExecutor replaces the subprocess executor.
func WithExecutor(e Executor) Option {
	return func(c *Client) {
		c.exec = e
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *telemetry.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a client for the tool at binary.
func NewClient(binary string, opts ...Option) *Client {
	if binary == "" {
		binary = DefaultBinary
	}
	c := &Client{
		binary: binary,
		exec:   ExecExecutor{},
		logger: telemetry.NopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.NewComponentLogger(adapterName)
	return c
}

// invoke runs the tool and returns its stdout with the trailing newline
// removed. failure is the message a failed invocation reports.
func (c *Client) invoke(ctx context.Context, op, failure string, args ...string) (string, error) {
	var stdout string
	err := telemetry.RecordAdapterOperation(ctx, adapterName, op, func(ctx context.Context) error {
		out, stderr, err := c.exec.Execute(ctx, c.binary, args...)
		stdout = strings.TrimRight(string(out), "\r\n")
		if errMsg := strings.TrimSpace(string(stderr)); err != nil || errMsg != "" {
			return &CLIError{Command: args[0], Message: failure, Stderr: errMsg, Err: err}
		}
		return nil
	})
	if err != nil {
		c.logger.WithError(err).WithField("args", redact(args)).Debug("key manager call failed")
		return "", err
	}
	c.logger.WithField("args", redact(args)).Debug("key manager call succeeded")
	return stdout, nil
}

// invokeJSON runs the tool and decodes its stdout. Empty output leaves out
// untouched.
func (c *Client) invokeJSON(ctx context.Context, op, failure string, out any, args ...string) error {
	stdout, err := c.invoke(ctx, op, failure, args...)
	if err != nil {
		return err
	}
	if strings.TrimSpace(stdout) == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(stdout), out); err != nil {
		return &CLIError{Command: args[0], Message: failure, Err: fmt.Errorf("failed to decode output: %w", err)}
	}
	return nil
}

var secretFlags = []string{"--seed=", "--mnemonic=", "--storage="}

// redact hides seeds, mnemonics and storage blobs from logged argv.
func redact(args []string) string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = a
		for _, flag := range secretFlags {
			if strings.HasPrefix(a, flag) {
				out[i] = flag + "***"
				break
			}
		}
	}
	return strings.Join(out, " ")
}
