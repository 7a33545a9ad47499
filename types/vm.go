package types

import "time"

// Status is the lifecycle state of a VM as recorded by the engine.
type Status string

const (
	StatusPending  Status = "pending"  // record exists, create not started
	StatusCreating Status = "creating" // provisioning in progress
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	StatusPaused   Status = "paused"
	StatusUpdating Status = "updating" // resize in progress
	StatusDeleting Status = "deleting" // teardown in progress
	StatusError    Status = "error"    // last handler failed, residue may remain
)

// Stable reports whether no handler is expected to be working on a VM in
// this status. Only stable records are reconciled.
func (s Status) Stable() bool {
	switch s {
	case StatusRunning, StatusStopped, StatusPaused, StatusError:
		return true
	default:
		return false
	}
}

// Spec is the requested shape of a VM.
type Spec struct {
	VCPU        int    `json:"vcpu"`
	MemoryMiB   int    `json:"memory_mib"`
	DiskSizeGiB int    `json:"disk_size_gib"`
	OSType      string `json:"os_type"`
	OSVersion   string `json:"os_version"`
}

// Resize carries the mutable part of Spec.
type Resize struct {
	VCPU        int `json:"vcpu"`
	MemoryMiB   int `json:"memory"`
	DiskSizeGiB int `json:"diskSize"`
}

// Apply returns a copy of s with the resize fields replaced.
func (r Resize) Apply(s Spec) Spec {
	s.VCPU = r.VCPU
	s.MemoryMiB = r.MemoryMiB
	s.DiskSizeGiB = r.DiskSizeGiB
	return s
}

// VMRecord is the persisted engine-side view of one VM.
type VMRecord struct {
	ID          string `json:"id"`
	OwnerID     string `json:"owner_id"`
	DisplayName string `json:"display_name"`
	// ProvisioningName is assigned once, before the first external call,
	// and is the key in both the provisioning tool and the hypervisor.
	ProvisioningName string `json:"provisioning_name,omitempty"`

	Spec Spec `json:"spec"`

	InternalAddress    string `json:"internal_address,omitempty"`
	ExternalAddress    string `json:"external_address,omitempty"`
	ExternalPort       *int   `json:"external_port,omitempty"`
	CredentialMaterial string `json:"credential_material,omitempty"`
	WorkspaceRef       string `json:"workspace_ref,omitempty"`

	Status Status `json:"status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Port returns the allocated external port, or 0.
func (r *VMRecord) Port() int {
	if r.ExternalPort == nil {
		return 0
	}
	return *r.ExternalPort
}

// Clone returns a deep copy safe to use after the store lock is released.
func (r *VMRecord) Clone() *VMRecord {
	c := *r
	if r.ExternalPort != nil {
		p := *r.ExternalPort
		c.ExternalPort = &p
	}
	return &c
}

// Owner identifies the end user a VM belongs to.
type Owner struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}
