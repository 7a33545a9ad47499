// Package virsh drives domains through the virsh command line client.
// All parsing of virsh's human-oriented output lives here.
package virsh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/obox-cloud/obox/config"
	"github.com/obox-cloud/obox/hypervisor"
	"github.com/obox-cloud/obox/types"
)

const typ = "virsh"

// compile-time interface check.
var _ hypervisor.Hypervisor = (*Virsh)(nil)

// Runner executes a command and returns its stdout and stderr.
type Runner func(ctx context.Context, bin string, args ...string) (stdout, stderr []byte, err error)

// ExecRunner runs the command with os/exec.
func ExecRunner(ctx context.Context, bin string, args ...string) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, args...) //nolint:gosec // binary and args built by this package
	cmd.Stdout, cmd.Stderr = &stdout, &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// Virsh implements hypervisor.Hypervisor with the virsh CLI.
type Virsh struct {
	bin     string
	uri     string
	timeout time.Duration
	run     Runner
}

// New creates a virsh backend from config.
func New(conf *config.Config) *Virsh {
	return NewWithRunner(conf.Hypervisor.Virsh, conf.Hypervisor.URI, conf.Hypervisor.Timeout, ExecRunner)
}

// NewWithRunner creates a virsh backend with an injected command runner.
func NewWithRunner(bin, uri string, timeout time.Duration, run Runner) *Virsh {
	if bin == "" {
		bin = "virsh"
	}
	return &Virsh{bin: bin, uri: uri, timeout: timeout, run: run}
}

func (v *Virsh) Type() string { return typ }

// State runs "virsh domstate". A missing domain is reported as unknown.
func (v *Virsh) State(ctx context.Context, name string) (types.PowerState, error) {
	out, err := v.virsh(ctx, "domstate", name)
	if err != nil {
		if hypervisor.IsNotFound(err) {
			return types.PowerUnknown, nil
		}
		return types.PowerUnknown, err
	}
	return parseState(out), nil
}

func (v *Virsh) Start(ctx context.Context, name string) error {
	_, err := v.virsh(ctx, "start", name)
	if isAlreadyInState(err, "already active", "already running") {
		return nil
	}
	return err
}

func (v *Virsh) Stop(ctx context.Context, name string) error {
	_, err := v.virsh(ctx, "shutdown", name)
	if isAlreadyInState(err, "not running") {
		return nil
	}
	return err
}

func (v *Virsh) ForceStop(ctx context.Context, name string) error {
	_, err := v.virsh(ctx, "destroy", name)
	if isAlreadyInState(err, "not running") {
		return nil
	}
	return err
}

func (v *Virsh) Reboot(ctx context.Context, name string) error {
	_, err := v.virsh(ctx, "reboot", name)
	return err
}

// Resources combines dumpxml (vCPU, disks), dominfo (used memory) and
// vol-info (disk capacity/allocation).
func (v *Virsh) Resources(ctx context.Context, name string) (*types.Resources, error) {
	doc, err := v.virsh(ctx, "dumpxml", name)
	if err != nil {
		return nil, err
	}
	dom, err := hypervisor.ParseDomainXML(doc)
	if err != nil {
		return nil, err
	}
	res := &types.Resources{VCPU: dom.VCPU, MemoryUsed: dom.MemoryBytes}

	if info, err := v.virsh(ctx, "dominfo", name); err == nil {
		if used, ok := parseKeyValue(info)["used memory"]; ok {
			if b, err := parseSize(used); err == nil {
				res.MemoryUsed = b
			}
		}
	} else {
		log.WithFunc("virsh.Resources").Warnf(ctx, "dominfo %s: %v", name, err)
	}

	if len(dom.Disks) == 0 {
		return res, nil
	}
	disk := dom.Disks[0]
	args := []string{"vol-info", disk.Path}
	if disk.Path == "" {
		args = []string{"vol-info", "--pool", disk.Pool, disk.Volume}
	}
	out, err := v.virsh(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("disk info for %s: %w", name, err)
	}
	res.DiskCapacity, res.DiskAllocated, err = parseVolInfo(out)
	if err != nil {
		return nil, fmt.Errorf("disk info for %s: %w", name, err)
	}
	return res, nil
}

// virsh runs one virsh subcommand under the configured timeout and
// classifies the failure.
func (v *Virsh) virsh(ctx context.Context, args ...string) (string, error) {
	if v.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.timeout)
		defer cancel()
	}
	if v.uri != "" {
		args = append([]string{"--connect", v.uri}, args...)
	}
	stdout, stderr, err := v.run(ctx, v.bin, args...)
	if err == nil {
		return strings.TrimSpace(string(stdout)), nil
	}
	msg := strings.TrimSpace(string(stderr))
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return "", fmt.Errorf("virsh %s: %w after %s", strings.Join(args, " "), hypervisor.ErrTimeout, v.timeout)
	case isNotFoundMessage(msg):
		return "", fmt.Errorf("virsh %s: %w: %s", strings.Join(args, " "), hypervisor.ErrNotFound, msg)
	default:
		return "", &CommandError{Args: args, Stderr: msg, Err: err}
	}
}

// CommandError is a failed virsh invocation.
type CommandError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("virsh %s: %v: %s", strings.Join(e.Args, " "), e.Err, e.Stderr)
}

func (e *CommandError) Unwrap() error { return e.Err }

func isNotFoundMessage(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "failed to get domain") ||
		strings.Contains(m, "domain not found") ||
		strings.Contains(m, "no domain with matching name")
}

func isAlreadyInState(err error, phrases ...string) bool {
	var ce *CommandError
	if !errors.As(err, &ce) {
		return false
	}
	m := strings.ToLower(ce.Stderr)
	for _, p := range phrases {
		if strings.Contains(m, p) {
			return true
		}
	}
	return false
}
