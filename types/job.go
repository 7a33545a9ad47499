package types

import (
	"encoding/json"
	"time"
)

// JobType selects the handler a job is dispatched to.
type JobType string

const (
	JobCreate    JobType = "create"
	JobUpdate    JobType = "update"
	JobDestroy   JobType = "destroy"
	JobAction    JobType = "action"
	JobSyncState JobType = "sync-state"
	JobNotify    JobType = "notify"
)

// Priority orders dispatch: lower values run first.
type Priority int

const (
	PriorityCritical Priority = 0
	PriorityHigh     Priority = 100
	PriorityNormal   Priority = 500
	PriorityLow      Priority = 1000
)

// DefaultPriority is the level each job type is enqueued at.
func DefaultPriority(t JobType) Priority {
	switch t {
	case JobDestroy:
		return PriorityCritical
	case JobCreate, JobUpdate, JobAction:
		return PriorityHigh
	case JobSyncState:
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// JobState is the queue-side state of a job.
type JobState string

const (
	JobReady   JobState = "ready"
	JobRunning JobState = "running"
	JobFailed  JobState = "failed"
)

// Job is one unit of queued work.
type Job struct {
	ID       string          `json:"id"`
	Type     JobType         `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	Priority Priority        `json:"priority"`
	// Key deduplicates: no two ready/running jobs share a non-empty key.
	Key         string    `json:"key,omitempty"`
	State       JobState  `json:"state"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	RunAt       time.Time `json:"run_at"`
	LastError   string    `json:"last_error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// FinalAttempt reports whether a failure of the current attempt exhausts the job.
func (j *Job) FinalAttempt() bool {
	return j.MaxAttempts > 0 && j.Attempts >= j.MaxAttempts
}

// Decode unmarshals the payload into v.
func (j *Job) Decode(v any) error {
	return json.Unmarshal(j.Payload, v)
}

// CreateRequest is the user-facing shape of a new VM.
type CreateRequest struct {
	Name      string `json:"name"`
	OSType    string `json:"osType"`
	Version   string `json:"version"`
	VCPU      int    `json:"vcpu"`
	MemoryMiB int    `json:"memory"`
	DiskGiB   int    `json:"diskSize"`
}

// Spec converts the request into a record spec.
func (c CreateRequest) Spec() Spec {
	return Spec{VCPU: c.VCPU, MemoryMiB: c.MemoryMiB, DiskSizeGiB: c.DiskGiB, OSType: c.OSType, OSVersion: c.Version}
}

type CreatePayload struct {
	Owner    Owner         `json:"owner"`
	Spec     CreateRequest `json:"spec"`
	RecordID string        `json:"recordId"`
}

type UpdatePayload struct {
	Owner    Owner  `json:"owner"`
	RecordID string `json:"recordId"`
	Spec     Resize `json:"spec"`
}

// DestroyPayload carries a snapshot of the record taken when deletion was requested.
type DestroyPayload struct {
	Owner  Owner    `json:"owner"`
	Record VMRecord `json:"record"`
}

// Action is a power operation.
type Action string

const (
	ActionStart  Action = "start"
	ActionStop   Action = "stop"
	ActionReboot Action = "reboot"
)

// Valid reports whether a is a known power operation.
func (a Action) Valid() bool {
	switch a {
	case ActionStart, ActionStop, ActionReboot:
		return true
	default:
		return false
	}
}

type ActionPayload struct {
	RecordID string `json:"recordId"`
	Action   Action `json:"action"`
}

// SyncKey is the fixed recurring key of the reconciliation job.
const SyncKey = "periodic-sync-state"
