package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/obox-cloud/obox/hypervisor"
	"github.com/obox-cloud/obox/provision"
	"github.com/obox-cloud/obox/types"
)

// fakeProvisioner records calls; behaviour is overridden per test with the Func hooks.
type fakeProvisioner struct {
	mu    sync.Mutex
	calls []string
	specs map[string]types.Spec
	gone  map[string]bool

	GenerateFunc func(ctx context.Context, owner types.Owner, name string, spec types.Spec) (string, error)
	ApplyFunc    func(ref string) error
	OutputsFunc  func(ref string) (*provision.Outputs, error)
	DestroyFunc  func(ref string) error
}

func newFakeProvisioner() *fakeProvisioner {
	return &fakeProvisioner{specs: map[string]types.Spec{}, gone: map[string]bool{}}
}

func (f *fakeProvisioner) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeProvisioner) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeProvisioner) Type() string { return "fake" }

func (f *fakeProvisioner) Generate(ctx context.Context, owner types.Owner, name string, spec types.Spec) (string, error) {
	f.record("generate " + name)
	if f.GenerateFunc != nil {
		return f.GenerateFunc(ctx, owner, name, spec)
	}
	ref := provision.Ref(provision.Sanitize(owner.Name), name)
	f.mu.Lock()
	f.specs[ref] = spec
	f.mu.Unlock()
	return ref, nil
}

func (f *fakeProvisioner) Regenerate(_ context.Context, ref string, spec types.Spec) error {
	f.record(fmt.Sprintf("regenerate %s vcpu=%d", ref, spec.VCPU))
	f.mu.Lock()
	defer f.mu.Unlock()
	f.specs[ref] = spec
	return nil
}

func (f *fakeProvisioner) Spec(ref string) types.Spec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.specs[ref]
}

func (f *fakeProvisioner) Apply(_ context.Context, ref string) error {
	f.record("apply " + ref)
	if f.ApplyFunc != nil {
		return f.ApplyFunc(ref)
	}
	return nil
}

func (f *fakeProvisioner) Outputs(_ context.Context, ref string) (*provision.Outputs, error) {
	f.record("outputs " + ref)
	if f.OutputsFunc != nil {
		return f.OutputsFunc(ref)
	}
	return &provision.Outputs{InternalAddress: "192.168.122.10", Credential: "-----BEGIN KEY-----"}, nil
}

func (f *fakeProvisioner) Cleanup(_ context.Context, ref string) error {
	f.record("cleanup " + ref)
	return nil
}

func (f *fakeProvisioner) Destroy(_ context.Context, ref string) error {
	f.record("destroy " + ref)
	if f.DestroyFunc != nil {
		return f.DestroyFunc(ref)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gone[ref] {
		return fmt.Errorf("%w: %s", provision.ErrNotFound, ref)
	}
	f.gone[ref] = true
	return nil
}

func (f *fakeProvisioner) List(context.Context) ([]string, error) { return nil, nil }

// fakeHypervisor keeps a power state per domain; missing domains are unknown.
type fakeHypervisor struct {
	mu     sync.Mutex
	states map[string]types.PowerState
	calls  []string

	StartErr  error
	RebootErr error
}

func newFakeHypervisor() *fakeHypervisor {
	return &fakeHypervisor{states: map[string]types.PowerState{}}
}

func (f *fakeHypervisor) set(name string, s types.PowerState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[name] = s
}

func (f *fakeHypervisor) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeHypervisor) Type() string { return "fake" }

func (f *fakeHypervisor) State(_ context.Context, name string) (types.PowerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.states[name]; ok {
		return s, nil
	}
	return types.PowerUnknown, nil
}

func (f *fakeHypervisor) transition(call, name string, to types.PowerState, err error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call+" "+name)
	if err != nil {
		return err
	}
	if _, ok := f.states[name]; !ok {
		return fmt.Errorf("%w: %s", hypervisor.ErrNotFound, name)
	}
	f.states[name] = to
	return nil
}

func (f *fakeHypervisor) Start(_ context.Context, name string) error {
	return f.transition("start", name, types.PowerRunning, f.StartErr)
}

func (f *fakeHypervisor) Stop(_ context.Context, name string) error {
	return f.transition("stop", name, types.PowerStopped, nil)
}

func (f *fakeHypervisor) ForceStop(_ context.Context, name string) error {
	return f.transition("forcestop", name, types.PowerStopped, nil)
}

func (f *fakeHypervisor) Reboot(_ context.Context, name string) error {
	return f.transition("reboot", name, types.PowerRunning, f.RebootErr)
}

func (f *fakeHypervisor) Resources(context.Context, string) (*types.Resources, error) {
	return &types.Resources{}, nil
}

type forwarding struct {
	port int
	addr string
}

type fakeForwarder struct {
	mu      sync.Mutex
	active  map[int]string
	added   []forwarding
	removed []forwarding

	// AddErr is returned after the rule is installed, like a failure
	// between the DNAT and FORWARD rules.
	AddErr error
}

func newFakeForwarder() *fakeForwarder { return &fakeForwarder{active: map[int]string{}} }

func (f *fakeForwarder) Type() string { return "fake" }

func (f *fakeForwarder) AddForwarding(_ context.Context, port int, addr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active[port] = addr
	f.added = append(f.added, forwarding{port, addr})
	return f.AddErr
}

func (f *fakeForwarder) RemoveForwarding(_ context.Context, port int, addr string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.active, port)
	f.removed = append(f.removed, forwarding{port, addr})
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []types.Event
}

func (r *recordingNotifier) Emit(_ context.Context, ev types.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingNotifier) Events() []types.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.Event(nil), r.events...)
}
