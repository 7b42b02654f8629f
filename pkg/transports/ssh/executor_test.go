package ssh

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestExecutorExecuteCommand(t *testing.T) {
	server := newTestSSHServer(t)
	client := server.connect(t)
	ctx := context.Background()

	tests := []struct {
		name           string
		command        string
		expectedStdout string
		expectedStderr string
		expectedExit   int
		expectError    bool
	}{
		{
			name:           "simple echo",
			command:        "echo test",
			expectedStdout: "test",
		},
		{
			name:           "stderr with zero exit",
			command:        "echo error >&2",
			expectedStderr: "error",
		},
		{
			name:           "non-zero exit",
			command:        "exit 1",
			expectedStderr: "boom",
			expectedExit:   1,
			expectError:    true,
		},
		{
			name:           "arbitrary command",
			command:        "docker -v",
			expectedStdout: "command: docker -v",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stdout, stderr, err := client.ExecuteCommand(ctx, tt.command)

			if tt.expectError {
				var te *TransportError
				if !errors.As(err, &te) {
					t.Fatalf("expected TransportError, got %v", err)
				}
				if te.ExitCode != tt.expectedExit {
					t.Errorf("expected exit code %d, got %d", tt.expectedExit, te.ExitCode)
				}
				if te.Temporary() {
					t.Error("command failures are not temporary")
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if stdout != tt.expectedStdout {
				t.Errorf("expected stdout %q, got %q", tt.expectedStdout, stdout)
			}
			if stderr != tt.expectedStderr {
				t.Errorf("expected stderr %q, got %q", tt.expectedStderr, stderr)
			}
		})
	}
}

func TestExecutorExecuteCommandWithTimeout(t *testing.T) {
	server := newTestSSHServer(t)
	client := server.connect(t)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	res, err := client.Run(ctx, "sleep 60")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if res == nil || res.ExitCode != -1 {
		t.Errorf("expected exit code -1 for an interrupted command, got %+v", res)
	}
	if time.Since(start) > 3*time.Second {
		t.Error("command was not interrupted promptly")
	}

	// the connection survives an interrupted session
	if _, _, err := client.ExecuteCommand(context.Background(), "true"); err != nil {
		t.Errorf("connection unusable after timeout: %v", err)
	}
}

func TestExecutorCommandTimeoutDefault(t *testing.T) {
	server := newTestSSHServer(t)
	config := server.clientConfig(t)
	config.CommandTimeout = 200 * time.Millisecond

	client, err := NewSSHClient(config)
	if err != nil {
		t.Fatal(err)
	}
	if err := client.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer client.Disconnect()

	_, _, err = client.ExecuteCommand(context.Background(), "sleep 60")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected CommandTimeout to bound the command, got %v", err)
	}
}

func TestExecutorBatch(t *testing.T) {
	server := newTestSSHServer(t)
	client := server.connect(t)

	results, err := client.ExecuteBatch(context.Background(), []string{"true", "echo test", "echo error >&2"})
	if err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[1].Stdout != "test" {
		t.Errorf("expected 'test', got %q", results[1].Stdout)
	}
}

func TestExecutorBatchStopOnError(t *testing.T) {
	server := newTestSSHServer(t)
	client := server.connect(t)

	results, err := client.ExecuteBatch(context.Background(), []string{"true", "exit 1", "echo test"})
	if err == nil {
		t.Fatal("expected batch to fail")
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results before stopping, got %d", len(results))
	}
	if results[1].ExitCode != 1 {
		t.Errorf("expected exit code 1, got %d", results[1].ExitCode)
	}
}

func TestRedact(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"docker -v", "docker -v"},
		{"curl -H Authorization: Bearer abc123 http://x", "curl -H Authorization: Bearer *** http://x"},
		{"run --token=s3cret --name vault", "run --token=*** --name vault"},
	}
	for _, tt := range tests {
		if got := redact(tt.in); got != tt.want {
			t.Errorf("redact(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
