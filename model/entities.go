// Package model holds the hierarchical execution record (§3): Job,
// Execution, Branch, ActionResult and their external neighbours Target,
// CommunicationMethod and Credential.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Status is shared across Job, Execution and Branch: the three entities the
// spec describes as having "identical" lifecycle shapes (§3).
type Status string

const (
	StatusDraft     Status = "draft"
	StatusScheduled Status = "scheduled"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusDeleted   Status = "deleted"
)

// ActionResultStatus is ActionResult's narrower two-state machine (§3).
type ActionResultStatus string

const (
	ActionResultRunning   ActionResultStatus = "running"
	ActionResultCompleted ActionResultStatus = "completed"
	ActionResultFailed    ActionResultStatus = "failed"
)

// ActionType is a tagged discriminator; only "command" is in scope today,
// but the field is kept open for a second action_type without an API break
// (§9 design note, §12 SPEC_FULL supplement).
type ActionType string

const ActionTypeCommand ActionType = "command"

// CommandPayload is the concrete shape for ActionType == "command".
type CommandPayload struct {
	Command string `json:"command"`
}

// ActionConfig carries the free-form per-action knobs; captureOutput
// defaults to true per §4.5.
type ActionConfig struct {
	CaptureOutput *bool `json:"captureOutput,omitempty"`
}

// CaptureOutputOrDefault applies the documented default of true when unset.
func (c ActionConfig) CaptureOutputOrDefault() bool {
	if c.CaptureOutput == nil {
		return true
	}
	return *c.CaptureOutput
}

// Action is one unit of work inside a Job (§3).
type Action struct {
	ID         int64
	UUID       uuid.UUID
	ActionOrder int // 1-based, dense within the Job
	ActionType  ActionType
	ActionName  string
	Payload     CommandPayload
	Config      ActionConfig
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Job is a reusable definition of an ordered action list and target set.
type Job struct {
	ID          int64
	UUID        uuid.UUID
	Serial      string
	Name        string
	Description string
	JobType     string // "command" — the only value in scope
	Status      Status
	CreatedBy   string
	TargetIDs   []int64
	Actions     []Action

	ScheduledAt *time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time

	IsDeleted bool
	DeletedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Execution is one invocation of a Job (§3).
type Execution struct {
	ID              int64
	UUID            uuid.UUID
	Serial          string
	JobID           int64
	ExecutionNumber int // 1-based, monotonic per Job
	Status          Status

	ScheduledAt *time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time

	TriggeredBy     string
	TriggeredByUser string

	TotalTargets      int
	SuccessfulTargets int
	FailedTargets     int
	CancelledTargets  int

	Branches []Branch

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Branch is one (Execution, Target) pair (§3).
type Branch struct {
	ID              int64
	UUID            uuid.UUID
	Serial          string
	ExecutionID     int64
	BranchID        string // "001", "002", ...
	TargetID        int64
	TargetSerialRef string // snapshot of the target's serial at execution time
	Status          Status

	StartedAt   *time.Time
	CompletedAt *time.Time

	ResultOutput string
	ResultError  string
	ExitCode     *int

	ActionResults []ActionResult

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ActionResult is the outcome of one Action on one Branch (§3).
type ActionResult struct {
	ID         int64
	UUID       uuid.UUID
	Serial     string
	BranchID   int64
	ActionID   int64
	ActionOrder int
	ActionName  string
	ActionType  ActionType
	Status      ActionResultStatus

	StartedAt       *time.Time
	CompletedAt     *time.Time
	ExecutionTimeMS int64

	ResultOutput    *string // nil when captureOutput is false
	ResultError     *string
	ExitCode        *int
	CommandExecuted string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Target is mostly external (§3, §6); the core reads these three fields.
type Target struct {
	ID                   int64
	Serial               string
	Name                 string
	OSType               string
	CommunicationMethods []CommunicationMethod
}

// CommunicationMethod is a protocol binding used to reach a Target (§3).
type CommunicationMethod struct {
	ID          int64
	MethodType  string // "ssh", "winrm", ...
	IsPrimary   bool
	IsActive    bool
	Priority    int
	Config      map[string]interface{} // e.g. "host", "port"
	Credentials []Credential
}

// Credential is an external, encrypted record (§3).
type Credential struct {
	ID                   int64
	CredentialType       string // "password", "ssh_key"
	EncryptedCredentials []byte
	IsPrimary            bool
}

// Host returns the "host" config value, if present.
func (m CommunicationMethod) Host() string {
	if v, ok := m.Config["host"].(string); ok {
		return v
	}
	return ""
}

// Port returns the "port" config value, defaulting per protocol when absent.
func (m CommunicationMethod) Port(defaultPort int) int {
	switch v := m.Config["port"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return defaultPort
	}
}
