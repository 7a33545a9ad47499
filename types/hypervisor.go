package types

// PowerState is what the hypervisor reports for a domain.
type PowerState string

const (
	PowerRunning PowerState = "running"
	PowerStopped PowerState = "stopped"
	PowerPaused  PowerState = "paused"
	PowerCrashed PowerState = "crashed"
	// PowerUnknown covers "no such domain" and unparseable answers.
	PowerUnknown PowerState = "unknown"
)

// Status maps an observation to the record vocabulary.
// ok is false for PowerUnknown, which is never written to a record.
func (p PowerState) Status() (s Status, ok bool) {
	switch p {
	case PowerRunning:
		return StatusRunning, true
	case PowerStopped:
		return StatusStopped, true
	case PowerPaused:
		return StatusPaused, true
	case PowerCrashed:
		return StatusError, true
	default:
		return "", false
	}
}

// Resources is the live usage of a domain, sizes in bytes.
type Resources struct {
	VCPU          int   `json:"vcpu"`
	MemoryUsed    int64 `json:"memory_used"`
	DiskAllocated int64 `json:"disk_allocated"`
	DiskCapacity  int64 `json:"disk_capacity"`
}

// Outcome is the kind of lifecycle event reported to the owner.
type Outcome string

const (
	OutcomeCreated Outcome = "created"
	OutcomeDeleted Outcome = "deleted"
	OutcomeUpdated Outcome = "updated"
)

// Event is the notifier contract.
type Event struct {
	OwnerEmail string            `json:"ownerEmail"`
	VMName     string            `json:"vmName"`
	Outcome    Outcome           `json:"outcome"`
	Details    map[string]string `json:"details,omitempty"`
}

// Detail keys used in Event.Details.
const (
	DetailAddress    = "address"
	DetailPort       = "port"
	DetailCredential = "credential"
	DetailVCPU       = "vcpu"
	DetailMemory     = "memory"
	DetailDisk       = "disk"
)
