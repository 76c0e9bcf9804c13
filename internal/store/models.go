package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Execution and node execution statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Job statuses. JobFailed is used for jobs withdrawn by cancellation;
// exhausted or permanently failed jobs are dead-lettered instead.
const (
	JobPending      = "pending"
	JobProcessing   = "processing"
	JobCompleted    = "completed"
	JobFailed       = "failed"
	JobDeadLettered = "dead_lettered"
)

// Workflow is immutable once created; the definition is stored as JSONB.
// TriggerType and WebhookPath are denormalized from the definition for lookup.
type Workflow struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Name        string         `gorm:"not null" json:"name"`
	Definition  datatypes.JSON `gorm:"type:jsonb;not null" json:"definition"`
	TriggerType string         `gorm:"index;not null;default:manual" json:"trigger_type"`
	WebhookPath string         `gorm:"index" json:"webhook_path,omitempty"`
	CreatedBy   string         `json:"created_by,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

type WorkflowExecution struct {
	ID         uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	WorkflowID uuid.UUID      `gorm:"type:uuid;index;not null" json:"workflow_id"`
	Status     string         `gorm:"index;not null" json:"status"`
	Input      datatypes.JSON `gorm:"type:jsonb" json:"input,omitempty"`
	Error      string         `json:"error,omitempty"`
	StartedAt  time.Time      `gorm:"index" json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

// NodeExecution is created only when its node becomes ready. The unique
// index guarantees a node runs at most once per execution.
type NodeExecution struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	ExecutionID uuid.UUID      `gorm:"type:uuid;not null;uniqueIndex:idx_node_exec_node" json:"execution_id"`
	NodeID      string         `gorm:"not null;uniqueIndex:idx_node_exec_node" json:"node_id"`
	Status      string         `gorm:"index;not null" json:"status"`
	Input       datatypes.JSON `gorm:"type:jsonb" json:"input,omitempty"`
	Output      datatypes.JSON `gorm:"type:jsonb" json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
}

// Secret values are stored encrypted and never serialized.
type Secret struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	WorkflowID     uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_secret_key" json:"workflow_id"`
	Key            string    `gorm:"not null;uniqueIndex:idx_secret_key" json:"key"`
	EncryptedValue string    `gorm:"not null" json:"-"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Job is a row of the durable queue. RunAt is the earliest time a pending
// job may be claimed; UpdatedAt doubles as the lease start while processing.
type Job struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	ExecutionID uuid.UUID      `gorm:"type:uuid;index;not null" json:"execution_id"`
	WorkflowID  uuid.UUID      `gorm:"type:uuid;index;not null" json:"workflow_id"`
	Status      string         `gorm:"not null;index:idx_job_claim,priority:1" json:"status"`
	Attempts    int            `gorm:"not null;default:0" json:"attempts"`
	MaxAttempts int            `gorm:"not null;default:3" json:"max_attempts"`
	Payload     datatypes.JSON `gorm:"type:jsonb;not null" json:"payload"`
	LastError   string         `json:"last_error,omitempty"`
	RunAt       time.Time      `gorm:"not null;index:idx_job_claim,priority:2" json:"run_at"`
	CreatedAt   time.Time      `gorm:"index" json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

func (Job) TableName() string { return "job_queue" }
