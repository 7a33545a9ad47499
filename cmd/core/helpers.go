package core

import (
	"context"
	"errors"
	"fmt"

	units "github.com/docker/go-units"
	"github.com/juju/clock"
	"github.com/projecteru2/core/log"
	"github.com/prometheus/procfs"
	"github.com/spf13/cobra"

	"github.com/obox-cloud/obox/config"
	"github.com/obox-cloud/obox/engine"
	"github.com/obox-cloud/obox/hypervisor"
	"github.com/obox-cloud/obox/hypervisor/libvirt"
	"github.com/obox-cloud/obox/hypervisor/virsh"
	"github.com/obox-cloud/obox/lock/flock"
	"github.com/obox-cloud/obox/lock/keyed"
	"github.com/obox-cloud/obox/metrics"
	"github.com/obox-cloud/obox/network"
	"github.com/obox-cloud/obox/network/nat"
	"github.com/obox-cloud/obox/network/ports"
	"github.com/obox-cloud/obox/notify"
	"github.com/obox-cloud/obox/provision/terraform"
	"github.com/obox-cloud/obox/queue"
	"github.com/obox-cloud/obox/queue/sqlite"
	"github.com/obox-cloud/obox/reconcile"
	"github.com/obox-cloud/obox/records"
	"github.com/obox-cloud/obox/types"
)

// BaseHandler provides shared config access for all command handlers.
type BaseHandler struct {
	ConfProvider func() *config.Config
}

// Init returns the command context and validated config in one call.
func (h BaseHandler) Init(cmd *cobra.Command) (context.Context, *config.Config, error) {
	conf, err := h.Conf()
	if err != nil {
		return nil, nil, err
	}
	return CommandContext(cmd), conf, nil
}

// Conf validates and returns the config. All handlers call this first.
func (h BaseHandler) Conf() (*config.Config, error) {
	if h.ConfProvider == nil {
		return nil, fmt.Errorf("config provider is nil")
	}
	conf := h.ConfProvider()
	if conf == nil {
		return nil, fmt.Errorf("config not initialized")
	}
	return conf, nil
}

// CommandContext returns command context, falling back to Background.
func CommandContext(cmd *cobra.Command) context.Context {
	if cmd != nil && cmd.Context() != nil {
		return cmd.Context()
	}
	return context.Background()
}

// InitRecords opens the VM record store, creating the data directories.
func InitRecords(conf *config.Config) (*records.JSON, error) {
	if err := conf.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("ensure dirs: %w", err)
	}
	return records.New(conf.RecordsFile(), flock.New(conf.RecordsLock())), nil
}

// InitQueue opens the durable job queue.
func InitQueue(ctx context.Context, conf *config.Config) (*sqlite.Queue, error) {
	if err := conf.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("ensure dirs: %w", err)
	}
	q, err := sqlite.Open(ctx, conf.QueueDB(), sqlite.Options{MaxAttempts: conf.Queue.MaxAttempts})
	if err != nil {
		return nil, fmt.Errorf("init queue: %w", err)
	}
	return q, nil
}

// InitHypervisor creates the configured hypervisor backend. The returned
// func releases its connection.
func InitHypervisor(ctx context.Context, conf *config.Config) (hypervisor.Hypervisor, func(), error) {
	switch conf.Hypervisor.Backend {
	case config.BackendLibvirt:
		lv, err := libvirt.Connect(ctx, conf)
		if err != nil {
			return nil, nil, fmt.Errorf("init hypervisor: %w", err)
		}
		return lv, func() {
			if err := lv.Close(); err != nil {
				log.WithFunc("core.InitHypervisor").Warnf(ctx, "disconnect libvirt: %v", err)
			}
		}, nil
	default:
		return virsh.New(conf), func() {}, nil
	}
}

// InitProvisioner creates the terraform provisioning backend.
func InitProvisioner(conf *config.Config) *terraform.Terraform {
	return terraform.New(conf, flock.New(conf.WorkspacesLock()))
}

// InitForwarder creates the NAT manager, or a no-op forwarder when NAT is disabled.
func InitForwarder(conf *config.Config) (network.Forwarder, error) {
	if !conf.Network.NAT {
		return network.Noop{}, nil
	}
	n, err := nat.New(conf)
	if err != nil {
		return nil, fmt.Errorf("init forwarder: %w", err)
	}
	return n, nil
}

// InitVMLocks creates the per-VM lock registry.
func InitVMLocks(conf *config.Config) *keyed.Locks { return keyed.New(conf.VMLockDir()) }

// Runtime is the fully wired engine used by serve and reconcile.
type Runtime struct {
	Records    *records.JSON
	Queue      *sqlite.Queue
	Dispatcher *queue.Dispatcher
	Reconciler *reconcile.Reconciler
	Metrics    *metrics.Collector

	closers []func()
}

// Close releases the queue and hypervisor connection.
func (r *Runtime) Close() error {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	return r.Queue.Close()
}

// InitRuntime wires store, queue, backends, handlers and reconciler.
func InitRuntime(ctx context.Context, conf *config.Config) (*Runtime, error) {
	store, err := InitRecords(conf)
	if err != nil {
		return nil, err
	}
	q, err := InitQueue(ctx, conf)
	if err != nil {
		return nil, err
	}
	rt := &Runtime{Records: store, Queue: q}

	hyper, closeHyper, err := InitHypervisor(ctx, conf)
	if err != nil {
		return nil, errors.Join(err, q.Close())
	}
	rt.closers = append(rt.closers, closeHyper)

	fwd, err := InitForwarder(conf)
	if err != nil {
		return nil, errors.Join(err, rt.Close())
	}
	alloc, err := ports.New(conf.Network.PortRangeStart, conf.Network.PortRangeEnd, store)
	if err != nil {
		return nil, errors.Join(err, rt.Close())
	}
	extAddr, err := network.ExternalAddress(conf.Network.ExternalAddress)
	if err != nil {
		log.WithFunc("core.InitRuntime").Warnf(ctx, "external address unknown, records will carry none: %v", err)
	}

	locks := InitVMLocks(conf)
	rt.Metrics = metrics.NewCollector(queue.LogAlerts{}).WatchHost(initHostSource(ctx, conf), func(ctx context.Context) (int, error) {
		recs, err := store.List(ctx, func(r *types.VMRecord) bool { return r.Status == types.StatusRunning })
		return len(recs), err
	})
	rt.Dispatcher = queue.NewDispatcher(q, queue.Options{
		Workers:      conf.PoolSize,
		PollInterval: conf.Queue.PollInterval,
		BackoffBase:  conf.Queue.BackoffBase,
		BackoffMax:   conf.Queue.BackoffMax,
		Clock:        clock.WallClock,
		Observer:     rt.Metrics,
		Alerts:       rt.Metrics,
	})

	eng := engine.New(engine.Deps{
		Store:       store,
		Provisioner: InitProvisioner(conf),
		Hypervisor:  hyper,
		Ports:       alloc,
		Forwarder:   fwd,
		Locks:       locks,
		Notifier:    notify.NewEmitter(q),
	}, engine.Options{
		ApplyAttempts:        conf.Terraform.ApplyAttempts,
		ApplyDelay:           conf.Terraform.ApplyDelay,
		ExternalAddress:      extAddr,
		PowerOnBeforeDestroy: conf.Hypervisor.PowerOnBeforeDestroy,
		PowerOnWait:          conf.Hypervisor.PowerOnWait,
		Clock:                clock.WallClock,
	})
	eng.Register(rt.Dispatcher)

	rt.Reconciler = reconcile.New(store, hyper, locks, reconcile.Options{
		MinInterval: conf.Reconcile.MinInterval,
		Attempts:    conf.Reconcile.Attempts,
		Backoff:     conf.Reconcile.Backoff,
		Clock:       clock.WallClock,
		Observer:    rt.Metrics,
	})
	rt.Reconciler.Register(rt.Dispatcher)
	notify.Register(rt.Dispatcher, notify.NewSink(conf))
	return rt, nil
}

// initHostSource samples the host holding the data directory; nil when procfs
// is unavailable.
func initHostSource(ctx context.Context, conf *config.Config) metrics.HostSource {
	sampler, err := metrics.NewHostSampler(procfs.DefaultMountPoint, conf.RootDir)
	if err != nil {
		log.WithFunc("core.initHostSource").Warnf(ctx, "host usage metrics disabled: %v", err)
		return nil
	}
	return sampler
}

// FormatSize renders a byte count for tables.
func FormatSize(bytes int64) string {
	return units.BytesSize(float64(bytes))
}

// FormatMiB renders a MiB count for tables.
func FormatMiB(mib int) string {
	return units.BytesSize(float64(int64(mib) * units.MiB))
}
