package hypervisor

import (
	"fmt"
	"strings"

	units "github.com/docker/go-units"
	"libvirt.org/go/libvirtxml"
)

// DiskRef locates the backing volume of a domain disk. Either Path or
// Pool+Volume is set.
type DiskRef struct {
	Target string
	Path   string
	Pool   string
	Volume string
}

// DomainInfo is the part of a domain definition the engine reads.
type DomainInfo struct {
	Name        string
	VCPU        int
	MemoryBytes int64
	Disks       []DiskRef
}

// ParseDomainXML extracts vCPU count, memory, and disk sources from a
// libvirt domain definition.
func ParseDomainXML(doc string) (*DomainInfo, error) {
	var dom libvirtxml.Domain
	if err := dom.Unmarshal(doc); err != nil {
		return nil, fmt.Errorf("parse domain xml: %w", err)
	}
	info := &DomainInfo{Name: dom.Name}
	if dom.VCPU != nil {
		info.VCPU = int(dom.VCPU.Value)
	}
	switch {
	case dom.CurrentMemory != nil:
		b, err := MemoryBytes(int64(dom.CurrentMemory.Value), dom.CurrentMemory.Unit)
		if err != nil {
			return nil, err
		}
		info.MemoryBytes = b
	case dom.Memory != nil:
		b, err := MemoryBytes(int64(dom.Memory.Value), dom.Memory.Unit)
		if err != nil {
			return nil, err
		}
		info.MemoryBytes = b
	}
	if dom.Devices == nil {
		return info, nil
	}
	for _, d := range dom.Devices.Disks {
		if d.Device != "" && d.Device != "disk" {
			continue
		}
		if d.Source == nil {
			continue
		}
		ref := DiskRef{}
		if d.Target != nil {
			ref.Target = d.Target.Dev
		}
		switch {
		case d.Source.File != nil:
			ref.Path = d.Source.File.File
		case d.Source.Volume != nil:
			ref.Pool, ref.Volume = d.Source.Volume.Pool, d.Source.Volume.Volume
		default:
			continue
		}
		info.Disks = append(info.Disks, ref)
	}
	return info, nil
}

// MemoryBytes converts a libvirt scaled integer to bytes. An empty unit is KiB.
func MemoryBytes(value int64, unit string) (int64, error) {
	switch strings.ToLower(unit) {
	case "", "kib", "k":
		return value * units.KiB, nil
	case "b", "bytes":
		return value, nil
	}
	return units.RAMInBytes(fmt.Sprintf("%d%s", value, unit))
}
