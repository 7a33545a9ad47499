// Package terraform implements provision.Provisioner by copying a template
// module into a per-VM workspace and driving the terraform binary over it.
package terraform

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/hashicorp/terraform-exec/tfexec"
	"github.com/projecteru2/core/log"

	"github.com/obox-cloud/obox/config"
	"github.com/obox-cloud/obox/lock"
	"github.com/obox-cloud/obox/provision"
	"github.com/obox-cloud/obox/types"
	"github.com/obox-cloud/obox/utils"
)

const typ = "terraform"

// compile-time interface check.
var _ provision.Provisioner = (*Terraform)(nil)

// runner is the subset of *tfexec.Terraform used here.
type runner interface {
	Init(ctx context.Context, opts ...tfexec.InitOption) error
	Apply(ctx context.Context, opts ...tfexec.ApplyOption) error
	Destroy(ctx context.Context, opts ...tfexec.DestroyOption) error
	Output(ctx context.Context, opts ...tfexec.OutputOption) (map[string]tfexec.OutputMeta, error)
}

// RunnerFactory opens a runner for a workspace directory.
type RunnerFactory func(dir string) (runner, error)

// Options configures a Terraform provisioner.
type Options struct {
	Root             string
	TemplateDir      string
	ImageDir         string
	InitISO          string
	Timeout          time.Duration
	AddressOutput    string
	CredentialOutput string
	// Locker guards workspace creation against GC.
	Locker lock.Locker
	Runner RunnerFactory
	Now    func() time.Time
}

// Terraform implements provision.Provisioner.
type Terraform struct {
	opts Options
}

// New creates a terraform provisioner from config.
func New(conf *config.Config, locker lock.Locker) *Terraform {
	bin := conf.Terraform.Binary
	return NewWithOptions(Options{
		Root:             conf.WorkspaceRoot(),
		TemplateDir:      conf.Terraform.TemplateDir,
		ImageDir:         conf.Terraform.ImageDir,
		InitISO:          conf.Terraform.InitISO,
		Timeout:          conf.Terraform.Timeout,
		AddressOutput:    conf.Terraform.AddressOutput,
		CredentialOutput: conf.Terraform.CredentialOutput,
		Locker:           locker,
		Runner: func(dir string) (runner, error) {
			return tfexec.NewTerraform(dir, bin)
		},
	})
}

// NewWithOptions creates a provisioner from explicit options.
func NewWithOptions(opts Options) *Terraform {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Terraform{opts: opts}
}

func (t *Terraform) Type() string { return typ }

// Generate copies the template to <root>/<owner>/<name> and writes the
// variable file and manifest. A complete workspace already generated for
// the same name is adopted as is; one without a manifest is a leftover of
// an interrupted generate and is rebuilt.
func (t *Terraform) Generate(ctx context.Context, owner types.Owner, name string, spec types.Spec) (string, error) {
	ownerName := provision.Sanitize(owner.Name)
	ref := provision.Ref(ownerName, name)
	dir := t.dir(ref)
	logger := log.WithFunc("terraform.Generate")

	adopted := false
	err := lock.WithLock(ctx, t.opts.Locker, func() error {
		if utils.DirExists(dir) {
			var m Manifest
			switch err := utils.ReadYAML(filepath.Join(dir, manifestFile), &m); {
			case err == nil && m.Name == name:
				adopted = true
				return nil
			case err == nil:
				return fmt.Errorf("workspace %s already exists for %s", ref, m.Name)
			default:
				logger.Warnf(ctx, "workspace %s has no readable manifest, regenerating: %v", ref, err)
				if err := os.RemoveAll(dir); err != nil {
					return fmt.Errorf("remove partial workspace: %w", err)
				}
			}
		}
		if err := utils.EnsureDirs(filepath.Dir(dir)); err != nil {
			return err
		}
		if err := utils.CopyDir(t.opts.TemplateDir, dir); err != nil {
			_ = os.RemoveAll(dir)
			return fmt.Errorf("copy template: %w", err)
		}
		vars := newVars(ownerName, name, t.opts.ImageDir, t.opts.InitISO, spec)
		now := t.opts.Now()
		m := Manifest{Name: name, Owner: ownerName, Spec: spec, FinalDisk: vars.FinalDiskName, CreatedAt: now, UpdatedAt: now}
		if err := t.write(dir, vars, m); err != nil {
			_ = os.RemoveAll(dir)
			return err
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("generate workspace %s: %w", ref, err)
	}
	if adopted {
		logger.Infof(ctx, "workspace %s already generated, reusing it", ref)
		return ref, nil
	}
	logger.Infof(ctx, "workspace generated: %s", ref)
	return ref, nil
}

// Regenerate rewrites vcpu/memory/disk and reuses the final disk.
func (t *Terraform) Regenerate(ctx context.Context, ref string, spec types.Spec) error {
	dir, err := t.existing(ref)
	if err != nil {
		return err
	}
	var vars Vars
	if err := utils.ReadJSON(filepath.Join(dir, varsFile), &vars); err != nil {
		return fmt.Errorf("read vars of %s: %w", ref, err)
	}
	var m Manifest
	if err := utils.ReadYAML(filepath.Join(dir, manifestFile), &m); err != nil {
		return fmt.Errorf("read manifest of %s: %w", ref, err)
	}
	if m.FinalDisk == "" {
		m.FinalDisk = vars.FinalDiskName
	}
	vars.resize(spec, m.FinalDisk)
	m.Spec, m.UpdatedAt = spec, t.opts.Now()
	if err := t.write(dir, vars, m); err != nil {
		return err
	}
	log.WithFunc("terraform.Regenerate").Infof(ctx, "workspace %s: vcpu=%d memory=%dMiB disk=%dGiB",
		ref, spec.VCPU, spec.MemoryMiB, spec.DiskSizeGiB)
	return nil
}

// Apply runs init then apply.
func (t *Terraform) Apply(ctx context.Context, ref string) error {
	return t.run(ctx, ref, "apply", func(ctx context.Context, tf runner) error {
		if err := tf.Init(ctx); err != nil {
			return fmt.Errorf("init: %w", err)
		}
		return tf.Apply(ctx)
	})
}

func (t *Terraform) Outputs(ctx context.Context, ref string) (*provision.Outputs, error) {
	var out *provision.Outputs
	err := t.run(ctx, ref, "output", func(ctx context.Context, tf runner) error {
		raw, err := tf.Output(ctx)
		if err != nil {
			return err
		}
		addr, err := stringOutput(raw, t.opts.AddressOutput)
		if err != nil {
			return err
		}
		if addr == "" {
			return fmt.Errorf("output %s is empty", t.opts.AddressOutput)
		}
		cred, err := stringOutput(raw, t.opts.CredentialOutput)
		if err != nil {
			return err
		}
		out = &provision.Outputs{InternalAddress: addr, Credential: cred}
		return nil
	})
	return out, err
}

// Cleanup destroys infrastructure but leaves the workspace on disk.
func (t *Terraform) Cleanup(ctx context.Context, ref string) error {
	return t.run(ctx, ref, "cleanup", t.destroy)
}

// Destroy destroys infrastructure and removes the workspace directory.
func (t *Terraform) Destroy(ctx context.Context, ref string) error {
	if err := t.run(ctx, ref, "destroy", t.destroy); err != nil {
		return err
	}
	if err := os.RemoveAll(t.dir(ref)); err != nil {
		return fmt.Errorf("remove workspace %s: %w", ref, err)
	}
	log.WithFunc("terraform.Destroy").Infof(ctx, "workspace removed: %s", ref)
	return nil
}

// List returns "<owner>/<name>" for every workspace directory.
func (t *Terraform) List(_ context.Context) ([]string, error) {
	var refs []string
	for _, owner := range utils.ScanSubdirs(t.opts.Root) {
		for _, name := range utils.ScanSubdirs(filepath.Join(t.opts.Root, owner)) {
			refs = append(refs, provision.Ref(owner, name))
		}
	}
	sort.Strings(refs)
	return refs, nil
}

// Dir returns the on-disk path of a workspace.
func (t *Terraform) Dir(ref string) string { return t.dir(ref) }

func (t *Terraform) destroy(ctx context.Context, tf runner) error {
	if err := tf.Init(ctx); err != nil {
		return fmt.Errorf("init: %w", err)
	}
	return tf.Destroy(ctx)
}

// run opens a runner on ref's workspace and calls fn under the provisioning
// timeout, detached from caller cancellation.
func (t *Terraform) run(ctx context.Context, ref, op string, fn func(context.Context, runner) error) error {
	dir, err := t.existing(ref)
	if err != nil {
		return err
	}
	tf, err := t.opts.Runner(dir)
	if err != nil {
		return fmt.Errorf("open terraform in %s: %w", ref, err)
	}
	runCtx := context.WithoutCancel(ctx)
	if t.opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, t.opts.Timeout)
		defer cancel()
	}
	start := t.opts.Now()
	if err := fn(runCtx, tf); err != nil {
		return fmt.Errorf("terraform %s %s: %w", op, ref, err)
	}
	log.WithFunc("terraform."+op).Debugf(ctx, "%s done in %s", ref, t.opts.Now().Sub(start))
	return nil
}

func (t *Terraform) existing(ref string) (string, error) {
	if _, _, err := provision.SplitRef(ref); err != nil {
		return "", err
	}
	dir := t.dir(ref)
	if !utils.DirExists(dir) {
		return "", fmt.Errorf("%w: %s", provision.ErrNotFound, ref)
	}
	return dir, nil
}

func (t *Terraform) dir(ref string) string {
	return filepath.Join(t.opts.Root, filepath.FromSlash(ref))
}

func (t *Terraform) write(dir string, vars Vars, m Manifest) error {
	if err := utils.AtomicWriteJSON(filepath.Join(dir, varsFile), vars); err != nil {
		return fmt.Errorf("write vars: %w", err)
	}
	if err := utils.AtomicWriteYAML(filepath.Join(dir, manifestFile), m); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

func stringOutput(outputs map[string]tfexec.OutputMeta, key string) (string, error) {
	meta, ok := outputs[key]
	if !ok {
		return "", fmt.Errorf("output %s missing", key)
	}
	var s string
	if err := json.Unmarshal(meta.Value, &s); err != nil {
		return "", fmt.Errorf("output %s: %w", key, err)
	}
	return s, nil
}
