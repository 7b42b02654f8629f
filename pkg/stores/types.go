package stores

import (
	"context"
	"database/sql"
	"time"

	"github.com/stakehost/stakehost/pkg/keystore"
)

// RunStatus represents the status of a recorded process run
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// IsTerminal reports whether the run has finished.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed
}

// Run is one execution of a process
type Run struct {
	ID             string     `json:"id"`
	Process        string     `json:"process"`
	Status         RunStatus  `json:"status"`
	StepCount      int        `json:"step_count"`
	CurrentStep    int        `json:"current_step"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	Error          *string    `json:"error,omitempty"`
	DisplayMessage *string    `json:"display_message,omitempty"`
	Metadata       string     `json:"metadata"` // JSON blob
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// RunEvent is one observer notification of a run, append-only
type RunEvent struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	Kind      string    `json:"kind"`
	Operation *string   `json:"operation,omitempty"`
	Step      int       `json:"step"`
	Total     int       `json:"total"`
	Fallback  bool      `json:"fallback"`
	Message   *string   `json:"message,omitempty"`
	Error     *string   `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// AuditEntry represents an audit trail entry
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`              // e.g., "process.succeeded", "passphrase.changed"
	Actor     string    `json:"actor"`               // user or system identifier
	TargetID  *string   `json:"target_id,omitempty"` // run id, namespace, etc
	Details   *string   `json:"details,omitempty"`   // JSON blob
	Timestamp time.Time `json:"timestamp"`
}

// RunProgress is a partial update of a running run
type RunProgress struct {
	CurrentStep int
	StepCount   int
}

// Store defines the interface for the persistence layer
type Store interface {
	keystore.Backend

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)

	// Run operations
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRunProgress(ctx context.Context, id string, progress RunProgress) error
	FinishRun(ctx context.Context, id string, status RunStatus, errMsg, displayMsg *string) error
	ListRuns(ctx context.Context, process *string, limit, offset int) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error

	// Event operations
	AppendRunEvent(ctx context.Context, event *RunEvent) error
	ListRunEvents(ctx context.Context, runID string) ([]*RunEvent, error)

	// Audit operations
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error)

	// Utility
	HealthCheck(ctx context.Context) error
}

