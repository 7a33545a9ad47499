// Package records is the VM record store: the engine's persisted view of
// every VM, guarded by a file lock so that handlers in any process see
// serialised read-modify-write updates.
package records

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/obox-cloud/obox/lock"
	"github.com/obox-cloud/obox/storage"
	storejson "github.com/obox-cloud/obox/storage/json"
	"github.com/obox-cloud/obox/types"
	"github.com/obox-cloud/obox/utils"
)

var (
	// ErrNotFound is returned when a record ID does not exist.
	ErrNotFound = errors.New("VM record not found")
	// ErrNameTaken is returned when an owner already has a VM with the display name.
	ErrNameTaken = errors.New("VM name already in use by this owner")
)

// Store is the record store contract used by handlers and the reconciler.
// All returned records are detached copies.
type Store interface {
	Insert(ctx context.Context, rec *types.VMRecord) (*types.VMRecord, error)
	Get(ctx context.Context, id string) (*types.VMRecord, error)
	// Resolve accepts an exact ID, a provisioning name, or an ID prefix (>= 3 chars).
	Resolve(ctx context.Context, ref string) (*types.VMRecord, error)
	// Update runs fn on the stored record under the store lock and persists
	// the result if fn returns nil.
	Update(ctx context.Context, id string, fn func(*types.VMRecord) error) (*types.VMRecord, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, filter func(*types.VMRecord) bool) ([]*types.VMRecord, error)
	// UsedPorts returns every external port held by a record.
	UsedPorts(ctx context.Context) (map[int]struct{}, error)
	// AssignPort gives record id a port chosen by pick from the ports not
	// held by any other record, in one locked step. A record that already
	// holds a port keeps it.
	AssignPort(ctx context.Context, id string, pick func(used map[int]struct{}) (int, error)) (int, error)
}

// compile-time interface check.
var _ Store = (*JSON)(nil)

// JSON stores records in a single JSON index file.
type JSON struct {
	store storage.Store[Index]
	now   func() time.Time
}

// New creates a JSON record store at file guarded by locker.
func New(file string, locker lock.Locker) *JSON {
	return &JSON{store: storejson.New[Index](file, locker), now: time.Now}
}

// Locker exposes the index lock.
func (s *JSON) Locker() lock.Locker { return s.store.Locker() }

// ReadLocked reads the index; the caller must hold Locker().
func (s *JSON) ReadLocked(fn func(*Index) error) error { return s.store.Read(fn) }

func (s *JSON) Insert(ctx context.Context, rec *types.VMRecord) (*types.VMRecord, error) {
	if rec.OwnerID == "" || rec.DisplayName == "" {
		return nil, fmt.Errorf("insert record: owner and name are required")
	}
	var out *types.VMRecord
	err := s.store.Update(ctx, func(idx *Index) error {
		key := nameKey(rec.OwnerID, rec.DisplayName)
		if _, ok := idx.Names[key]; ok {
			return fmt.Errorf("%w: %s", ErrNameTaken, rec.DisplayName)
		}
		stored := rec.Clone()
		if stored.ID == "" {
			stored.ID = uuid.NewString()
		}
		if _, ok := idx.VMs[stored.ID]; ok {
			return fmt.Errorf("insert record: id %s already exists", stored.ID)
		}
		if stored.Status == "" {
			stored.Status = types.StatusPending
		}
		now := s.now()
		stored.CreatedAt, stored.UpdatedAt = now, now
		idx.VMs[stored.ID] = stored
		idx.Names[key] = stored.ID
		out = stored.Clone()
		return nil
	})
	return out, err
}

func (s *JSON) Get(ctx context.Context, id string) (*types.VMRecord, error) {
	var out *types.VMRecord
	err := s.store.With(ctx, func(idx *Index) error {
		rec, err := utils.LookupClone(idx.VMs, id)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		out = rec
		return nil
	})
	return out, err
}

func (s *JSON) Resolve(ctx context.Context, ref string) (*types.VMRecord, error) {
	var out *types.VMRecord
	err := s.store.With(ctx, func(idx *Index) error {
		id, err := resolveRef(idx, ref)
		if err != nil {
			return err
		}
		out = idx.VMs[id].Clone()
		return nil
	})
	return out, err
}

func (s *JSON) Update(ctx context.Context, id string, fn func(*types.VMRecord) error) (*types.VMRecord, error) {
	var out *types.VMRecord
	err := s.store.Update(ctx, func(idx *Index) error {
		rec, ok := idx.VMs[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		work := rec.Clone()
		if err := fn(work); err != nil {
			return err
		}
		// identity is immutable
		work.ID, work.OwnerID, work.DisplayName, work.CreatedAt = rec.ID, rec.OwnerID, rec.DisplayName, rec.CreatedAt
		if rec.ProvisioningName != "" {
			work.ProvisioningName = rec.ProvisioningName
		}
		work.UpdatedAt = s.now()
		idx.VMs[id] = work
		out = work.Clone()
		return nil
	})
	return out, err
}

func (s *JSON) Delete(ctx context.Context, id string) error {
	return s.store.Update(ctx, func(idx *Index) error {
		rec, ok := idx.VMs[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		delete(idx.Names, nameKey(rec.OwnerID, rec.DisplayName))
		delete(idx.VMs, id)
		return nil
	})
}

func (s *JSON) List(ctx context.Context, filter func(*types.VMRecord) bool) ([]*types.VMRecord, error) {
	var out []*types.VMRecord
	err := s.store.With(ctx, func(idx *Index) error {
		for _, rec := range idx.VMs {
			if filter == nil || filter(rec) {
				out = append(out, rec.Clone())
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, err
}

func (s *JSON) UsedPorts(ctx context.Context) (map[int]struct{}, error) {
	var used map[int]struct{}
	err := s.store.With(ctx, func(idx *Index) error {
		used = idx.usedPorts("")
		return nil
	})
	return used, err
}

func (s *JSON) AssignPort(ctx context.Context, id string, pick func(used map[int]struct{}) (int, error)) (int, error) {
	var port int
	err := s.store.Update(ctx, func(idx *Index) error {
		rec, ok := idx.VMs[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if rec.ExternalPort != nil {
			port = *rec.ExternalPort
			return nil
		}
		p, err := pick(idx.usedPorts(id))
		if err != nil {
			return err
		}
		port = p
		rec.ExternalPort = &p
		rec.UpdatedAt = s.now()
		return nil
	})
	return port, err
}

// resolveRef resolves exact ID, then provisioning name, then ID prefix.
func resolveRef(idx *Index, ref string) (string, error) {
	if idx.VMs[ref] != nil {
		return ref, nil
	}
	for id, rec := range idx.VMs {
		if rec.ProvisioningName != "" && rec.ProvisioningName == ref {
			return id, nil
		}
	}
	if len(ref) >= 3 {
		var match string
		for id := range idx.VMs {
			if strings.HasPrefix(id, ref) {
				if match != "" {
					return "", fmt.Errorf("ambiguous ref %q: multiple matches", ref)
				}
				match = id
			}
		}
		if match != "" {
			return match, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, ref)
}
