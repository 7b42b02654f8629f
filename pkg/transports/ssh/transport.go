// Package ssh provides the SSH transport used to operate the provisioned
// key-vault server: command execution and SFTP uploads.
package ssh

import (
	"context"
	"errors"
	"os"
	"time"
)

// Transport defines the SSH operations the key-vault service needs.
type Transport interface {
	// Connect establishes an SSH connection to the remote host.
	Connect(ctx context.Context) error

	// Disconnect closes the SSH connection. It is safe to call twice.
	Disconnect() error

	// IsConnected returns true if the transport has an active connection.
	IsConnected() bool

	// ExecuteCommand runs a command on the remote host and returns its
	// trimmed stdout and stderr. A non-zero exit status is an error.
	ExecuteCommand(ctx context.Context, cmd string) (stdout string, stderr string, err error)

	// UploadContent writes content to remotePath via SFTP with the given mode.
	UploadContent(ctx context.Context, content []byte, remotePath string, mode os.FileMode) error
}

// ConnectionInfo contains details about an active SSH connection.
type ConnectionInfo struct {
	Host         string
	Port         int
	User         string
	ConnectedAt  time.Time
	LastActivity time.Time
}

// ExecResult represents the result of a command execution.
type ExecResult struct {
	Command  string
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "execute", "upload")
	Op string

	// Err is the underlying error
	Err error

	// ExitCode is the remote exit status for failed commands, -1 otherwise
	ExitCode int

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

// ErrNotConnected is returned by operations on a closed transport.
var ErrNotConnected = errors.New("not connected")

// IsAuthError reports whether err is an authentication failure.
func IsAuthError(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.IsAuthError
}
