package config

import (
	"errors"
	"fmt"
	"runtime"
	"time"

	coretypes "github.com/projecteru2/core/types"
)

// Config holds global obox configuration.
type Config struct {
	// RootDir is the base directory for persistent data (records, queue, workspaces).
	RootDir string `json:"root_dir" mapstructure:"root_dir"`
	// RunDir holds lock files.
	RunDir string `json:"run_dir" mapstructure:"run_dir"`
	// LogDir is where provisioning tool output is kept.
	LogDir string `json:"log_dir" mapstructure:"log_dir"`
	// PoolSize is the number of jobs processed concurrently.
	// Defaults to runtime.NumCPU() if zero.
	PoolSize int `json:"pool_size" mapstructure:"pool_size"`
	// MetricsAddr is the listen address of the prometheus endpoint; empty disables it.
	MetricsAddr string `json:"metrics_addr" mapstructure:"metrics_addr"`
	// Log configuration, uses eru core's ServerLogConfig.
	Log coretypes.ServerLogConfig `json:"log" mapstructure:"log"`

	Queue      QueueConfig      `json:"queue" mapstructure:"queue"`
	Terraform  TerraformConfig  `json:"terraform" mapstructure:"terraform"`
	Hypervisor HypervisorConfig `json:"hypervisor" mapstructure:"hypervisor"`
	Network    NetworkConfig    `json:"network" mapstructure:"network"`
	Reconcile  ReconcileConfig  `json:"reconcile" mapstructure:"reconcile"`
	Notify     NotifyConfig     `json:"notify" mapstructure:"notify"`
}

// QueueConfig tunes the job queue.
type QueueConfig struct {
	// MaxAttempts bounds how many times a failing job runs.
	MaxAttempts int `json:"max_attempts" mapstructure:"max_attempts"`
	// BackoffBase is the delay after the first failure; doubled per attempt.
	BackoffBase time.Duration `json:"backoff_base" mapstructure:"backoff_base"`
	BackoffMax  time.Duration `json:"backoff_max" mapstructure:"backoff_max"`
	// PollInterval is how often an idle dispatcher looks for work.
	PollInterval time.Duration `json:"poll_interval" mapstructure:"poll_interval"`
}

// TerraformConfig configures the provisioning adapter.
type TerraformConfig struct {
	Binary string `json:"binary" mapstructure:"binary"`
	// TemplateDir is copied into every new workspace.
	TemplateDir string `json:"template_dir" mapstructure:"template_dir"`
	// ImageDir is where base images live, laid out as <os>/<version>.<ext>.
	ImageDir string `json:"image_dir" mapstructure:"image_dir"`
	// InitISO is the cloud-init image handed to the template.
	InitISO string `json:"init_iso" mapstructure:"init_iso"`
	// ApplyAttempts and ApplyDelay bound the local apply retry.
	ApplyAttempts int           `json:"apply_attempts" mapstructure:"apply_attempts"`
	ApplyDelay    time.Duration `json:"apply_delay" mapstructure:"apply_delay"`
	// Timeout bounds a single init/apply/destroy invocation.
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`
	// AddressOutput and CredentialOutput name the template outputs.
	AddressOutput    string `json:"address_output" mapstructure:"address_output"`
	CredentialOutput string `json:"credential_output" mapstructure:"credential_output"`
}

// HypervisorConfig configures the hypervisor control adapter.
type HypervisorConfig struct {
	// Backend is "virsh" or "libvirt".
	Backend string `json:"backend" mapstructure:"backend"`
	Virsh   string `json:"virsh" mapstructure:"virsh"`
	// URI is passed to virsh as --connect when set.
	URI string `json:"uri" mapstructure:"uri"`
	// Socket is the libvirtd unix socket for the libvirt backend.
	Socket string `json:"socket" mapstructure:"socket"`
	// Timeout bounds every hypervisor call.
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`
	// PowerOnBeforeDestroy starts a stopped domain before teardown.
	PowerOnBeforeDestroy bool          `json:"power_on_before_destroy" mapstructure:"power_on_before_destroy"`
	PowerOnWait          time.Duration `json:"power_on_wait" mapstructure:"power_on_wait"`
}

// NetworkConfig configures port allocation and forwarding.
type NetworkConfig struct {
	PortRangeStart int `json:"port_range_start" mapstructure:"port_range_start"`
	PortRangeEnd   int `json:"port_range_end" mapstructure:"port_range_end"`
	// ExternalAddress is the host's public address; detected when empty.
	ExternalAddress string `json:"external_address" mapstructure:"external_address"`
	// GuestPort is the in-guest port forwarded to.
	GuestPort int `json:"guest_port" mapstructure:"guest_port"`
	// NAT toggles iptables management; UFW toggles the extra ufw allow step.
	NAT bool `json:"nat" mapstructure:"nat"`
	UFW bool `json:"ufw" mapstructure:"ufw"`
}

// ReconcileConfig configures the state reconciler.
type ReconcileConfig struct {
	// Every is the recurring schedule of the sync-state job.
	Every time.Duration `json:"every" mapstructure:"every"`
	// MinInterval guards against runs requested too soon after the last one.
	MinInterval time.Duration `json:"min_interval" mapstructure:"min_interval"`
	// Attempts and Backoff bound the per-VM state query retry.
	Attempts int           `json:"attempts" mapstructure:"attempts"`
	Backoff  time.Duration `json:"backoff" mapstructure:"backoff"`
}

// NotifyConfig configures delivery of owner notifications.
type NotifyConfig struct {
	// WebhookURL receives events as JSON; events are only logged when empty.
	WebhookURL string        `json:"webhook_url" mapstructure:"webhook_url"`
	Timeout    time.Duration `json:"timeout" mapstructure:"timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RootDir:     "/var/lib/obox",
		RunDir:      "/var/run/obox",
		LogDir:      "/var/log/obox",
		PoolSize:    runtime.NumCPU(),
		MetricsAddr: ":9464",
		Log: coretypes.ServerLogConfig{
			Level:      "info",
			MaxSize:    500,
			MaxAge:     28,
			MaxBackups: 3,
		},
		Queue: QueueConfig{
			MaxAttempts:  3,
			BackoffBase:  10 * time.Second,
			BackoffMax:   5 * time.Minute,
			PollInterval: time.Second,
		},
		Terraform: TerraformConfig{
			Binary:           "terraform",
			TemplateDir:      "/var/lib/obox/template",
			ImageDir:         "./images",
			InitISO:          "./cloud_init.iso",
			ApplyAttempts:    3,
			ApplyDelay:       5 * time.Second,
			Timeout:          20 * time.Minute,
			AddressOutput:    "vm_cloud_IP",
			CredentialOutput: "vm_cloud_ssh_private_key",
		},
		Hypervisor: HypervisorConfig{
			Backend:              "virsh",
			Virsh:                "virsh",
			Socket:               "/var/run/libvirt/libvirt-sock",
			Timeout:              5 * time.Second,
			PowerOnBeforeDestroy: true,
			PowerOnWait:          30 * time.Second,
		},
		Network: NetworkConfig{
			PortRangeStart: 10000,
			PortRangeEnd:   20000,
			GuestPort:      22,
			NAT:            true,
			UFW:            true,
		},
		Reconcile: ReconcileConfig{
			Every:       5 * time.Minute,
			MinInterval: 4 * time.Minute,
			Attempts:    3,
			Backoff:     500 * time.Millisecond,
		},
		Notify: NotifyConfig{
			Timeout: 10 * time.Second,
		},
	}
}

// Validate checks values that would otherwise fail deep inside a handler.
func (c *Config) Validate() error {
	var errs []error
	if c.RootDir == "" || c.RunDir == "" {
		errs = append(errs, errors.New("root_dir and run_dir are required"))
	}
	n := c.Network
	if n.PortRangeStart <= 0 || n.PortRangeEnd > 65535 || n.PortRangeStart > n.PortRangeEnd {
		errs = append(errs, fmt.Errorf("invalid port range [%d, %d]", n.PortRangeStart, n.PortRangeEnd))
	}
	if c.Queue.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("queue.max_attempts must be positive, got %d", c.Queue.MaxAttempts))
	}
	if c.Terraform.ApplyAttempts <= 0 {
		errs = append(errs, fmt.Errorf("terraform.apply_attempts must be positive, got %d", c.Terraform.ApplyAttempts))
	}
	if c.Reconcile.Attempts <= 0 {
		errs = append(errs, fmt.Errorf("reconcile.attempts must be positive, got %d", c.Reconcile.Attempts))
	}
	switch c.Hypervisor.Backend {
	case BackendVirsh, BackendLibvirt:
	default:
		errs = append(errs, fmt.Errorf("unknown hypervisor backend %q", c.Hypervisor.Backend))
	}
	return errors.Join(errs...)
}

// Hypervisor backend names.
const (
	BackendVirsh   = "virsh"
	BackendLibvirt = "libvirt"
)

// Normalize fills zero values left by a partial config file.
func (c *Config) Normalize() {
	if c.PoolSize <= 0 {
		c.PoolSize = runtime.NumCPU()
	}
	if c.Queue.PollInterval <= 0 {
		c.Queue.PollInterval = time.Second
	}
	if c.Hypervisor.Timeout <= 0 {
		c.Hypervisor.Timeout = 5 * time.Second //nolint:mnd
	}
}
