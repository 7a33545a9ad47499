package records

import "github.com/obox-cloud/obox/types"

// Index is the on-disk shape of the record store.
type Index struct {
	VMs map[string]*types.VMRecord `json:"vms"`
	// Names maps "<owner>/<display name>" to a record ID.
	Names map[string]string `json:"names"`
}

// Init implements storage.Initer.
func (idx *Index) Init() {
	if idx.VMs == nil {
		idx.VMs = make(map[string]*types.VMRecord)
	}
	if idx.Names == nil {
		idx.Names = make(map[string]string)
	}
}

func nameKey(ownerID, displayName string) string { return ownerID + "/" + displayName }

// usedPorts returns every external port held by a record other than skipID.
func (idx *Index) usedPorts(skipID string) map[int]struct{} {
	used := make(map[int]struct{}, len(idx.VMs))
	for id, rec := range idx.VMs {
		if id == skipID || rec.ExternalPort == nil {
			continue
		}
		used[*rec.ExternalPort] = struct{}{}
	}
	return used
}

// WorkspaceRefs returns the set of workspace refs held by records.
func (idx *Index) WorkspaceRefs() map[string]struct{} {
	refs := make(map[string]struct{}, len(idx.VMs))
	for _, rec := range idx.VMs {
		if rec.WorkspaceRef != "" {
			refs[rec.WorkspaceRef] = struct{}{}
		}
	}
	return refs
}
