package terraform

import (
	"fmt"
	"path"
	"time"

	"github.com/obox-cloud/obox/types"
)

const (
	varsFile     = "terraform.tfvars.json"
	manifestFile = "workspace.yaml"
)

// Vars is the variable file handed to the template.
type Vars struct {
	Name          string `json:"name"`
	VolumeName    string `json:"volume_name"`
	VCPU          int    `json:"vcpu"`
	Memory        int    `json:"memory"`
	DiskSize      int    `json:"disk_size"`
	InitISO       string `json:"init_iso"`
	ImagePath     string `json:"image_path"`
	FinalDiskName string `json:"final_disk_name"`
	Username      string `json:"username"`
}

// Manifest records how a workspace was generated.
type Manifest struct {
	Name      string     `yaml:"name"`
	Owner     string     `yaml:"owner"`
	Spec      types.Spec `yaml:"spec"`
	FinalDisk string     `yaml:"final_disk"`
	CreatedAt time.Time  `yaml:"created_at"`
	UpdatedAt time.Time  `yaml:"updated_at"`
}

// imagePath returns the template-relative base image for an OS release.
// Ubuntu 22.04 and 24.04 ship raw .img cloud images; everything else is qcow2.
func imagePath(imageDir, osType, version string) string {
	ext := "qcow2"
	switch version {
	case "2404", "2204":
		ext = "img"
	}
	return path.Join(imageDir, osType, fmt.Sprintf("%s.%s", version, ext))
}

func finalDiskName(name string) string { return "final-" + name + ".qcow2" }

func newVars(owner, name, imageDir, initISO string, spec types.Spec) Vars {
	return Vars{
		Name:          name,
		VolumeName:    name + ".qcow2",
		VCPU:          spec.VCPU,
		Memory:        spec.MemoryMiB,
		DiskSize:      spec.DiskSizeGiB,
		InitISO:       initISO,
		ImagePath:     imagePath(imageDir, spec.OSType, spec.OSVersion),
		FinalDiskName: finalDiskName(name),
		Username:      owner,
	}
}

// resize rewrites the mutable fields and points the volume at the
// already-populated final disk so apply reuses it instead of re-cloning.
func (v *Vars) resize(spec types.Spec, finalDisk string) {
	v.VCPU = spec.VCPU
	v.Memory = spec.MemoryMiB
	v.DiskSize = spec.DiskSizeGiB
	v.VolumeName = finalDisk
}
