package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// ExecuteCommand runs a command on the remote host.
func (c *SSHClient) ExecuteCommand(ctx context.Context, cmd string) (stdout string, stderr string, err error) {
	res, err := c.Run(ctx, cmd)
	if res == nil {
		return "", "", err
	}
	return res.Stdout, res.Stderr, err
}

// Run executes cmd and returns the full result. The result is returned
// alongside an error for commands that ran and exited non-zero.
func (c *SSHClient) Run(ctx context.Context, cmd string) (*ExecResult, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.CommandTimeout)
		defer cancel()
	}

	sshClient, err := c.getClient("execute")
	if err != nil {
		return nil, err
	}

	session, err := sshClient.NewSession()
	if err != nil {
		return nil, &TransportError{
			Op:          "execute",
			Err:         fmt.Errorf("failed to create session: %w", err),
			ExitCode:    -1,
			IsTemporary: true,
		}
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	start := time.Now()
	log.Debug().Str("host", c.config.Host).Str("command", redact(cmd)).Msg("executing command")

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	var execErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		_ = session.Close()
		execErr = ctx.Err()
	case execErr = <-done:
	}

	res := &ExecResult{
		Command:  cmd,
		Stdout:   strings.TrimSpace(stdoutBuf.String()),
		Stderr:   strings.TrimSpace(stderrBuf.String()),
		Duration: time.Since(start),
	}

	log.Debug().
		Str("host", c.config.Host).
		Int("stdout_len", len(res.Stdout)).
		Int("stderr_len", len(res.Stderr)).
		Dur("duration", res.Duration).
		Err(execErr).
		Msg("command completed")

	if execErr == nil {
		return res, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(execErr, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
		return res, &TransportError{
			Op:       "execute",
			Err:      fmt.Errorf("command exited with code %d: %s", res.ExitCode, res.Stderr),
			ExitCode: res.ExitCode,
		}
	}

	res.ExitCode = -1
	return res, &TransportError{
		Op:          "execute",
		Err:         execErr,
		ExitCode:    -1,
		IsTemporary: true,
	}
}

// ExecuteBatch runs commands in order and stops at the first failure.
func (c *SSHClient) ExecuteBatch(ctx context.Context, commands []string) ([]ExecResult, error) {
	results := make([]ExecResult, 0, len(commands))
	for i, cmd := range commands {
		res, err := c.Run(ctx, cmd)
		if res != nil {
			results = append(results, *res)
		}
		if err != nil {
			return results, fmt.Errorf("command %d of %d failed: %w", i+1, len(commands), err)
		}
	}
	return results, nil
}

// redact hides values passed as --flag=value or after an Authorization
// header so tokens never reach the logs.
func redact(cmd string) string {
	fields := strings.Fields(cmd)
	for i, f := range fields {
		if k, _, ok := strings.Cut(f, "="); ok && strings.HasPrefix(k, "-") {
			fields[i] = k + "=***"
		}
		if strings.EqualFold(f, "Bearer") && i+1 < len(fields) {
			fields[i+1] = "***"
		}
	}
	return strings.Join(fields, " ")
}
