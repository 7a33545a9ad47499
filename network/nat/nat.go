// Package nat forwards an external host port to a guest's port with
// iptables DNAT rules, plus an optional ufw allow rule.
package nat

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/coreos/go-iptables/iptables"
	"github.com/projecteru2/core/log"

	"github.com/obox-cloud/obox/config"
	"github.com/obox-cloud/obox/network"
)

const typ = "iptables"

// compile-time interface check.
var _ network.Forwarder = (*NAT)(nil)

// table is the subset of *iptables.IPTables used here.
type table interface {
	Exists(table, chain string, rulespec ...string) (bool, error)
	Insert(table, chain string, pos int, rulespec ...string) error
	Append(table, chain string, rulespec ...string) error
	Delete(table, chain string, rulespec ...string) error
}

// CommandRunner runs an external command and returns combined output.
type CommandRunner func(ctx context.Context, bin string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, bin string, args ...string) ([]byte, error) {
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, args...) //nolint:gosec // fixed binary, numeric args
	cmd.Stdout, cmd.Stderr = &out, &out
	err := cmd.Run()
	return out.Bytes(), err
}

// NAT implements network.Forwarder.
type NAT struct {
	ipt       table
	guestPort int
	ufw       bool
	run       CommandRunner
}

// New creates a forwarder using the host's iptables.
func New(conf *config.Config) (*NAT, error) {
	ipt, err := iptables.New()
	if err != nil {
		return nil, fmt.Errorf("init iptables: %w", err)
	}
	return newNAT(ipt, conf.Network.GuestPort, conf.Network.UFW, execRunner), nil
}

func newNAT(ipt table, guestPort int, ufw bool, run CommandRunner) *NAT {
	if guestPort <= 0 {
		guestPort = 22
	}
	return &NAT{ipt: ipt, guestPort: guestPort, ufw: ufw, run: run}
}

func (n *NAT) Type() string { return typ }

// rule is one iptables rule; insert rules go to the head of the chain.
type rule struct {
	table  string
	chain  string
	insert bool
	spec   []string
}

func (r rule) String() string {
	return fmt.Sprintf("-t %s %s %s", r.table, r.chain, strings.Join(r.spec, " "))
}

// rules returns the forwarding rules for port in installation order:
// forward accepts first, then the NAT pair.
func (n *NAT) rules(port int, addr string) []rule {
	guest := strconv.Itoa(n.guestPort)
	comment := []string{"-m", "comment", "--comment", fmt.Sprintf("obox:%d", port)}
	with := func(spec ...string) []string { return append(spec, comment...) }
	return []rule{
		{table: "filter", chain: "FORWARD", insert: true,
			spec: with("-p", "tcp", "-d", addr, "--dport", guest, "-m", "conntrack", "--ctstate", "NEW", "-j", "ACCEPT")},
		{table: "filter", chain: "FORWARD", insert: true,
			spec: with("-m", "conntrack", "--ctstate", "ESTABLISHED,RELATED", "-j", "ACCEPT")},
		{table: "nat", chain: "PREROUTING",
			spec: with("-p", "tcp", "--dport", strconv.Itoa(port), "-j", "DNAT", "--to-destination", addr+":"+guest)},
		{table: "nat", chain: "POSTROUTING",
			spec: with("-d", addr, "-p", "tcp", "--dport", guest, "-j", "MASQUERADE")},
	}
}

// AddForwarding installs the rules in order, skipping any already present.
func (n *NAT) AddForwarding(ctx context.Context, port int, addr string) error {
	logger := log.WithFunc("nat.AddForwarding")
	for _, r := range n.rules(port, addr) {
		ok, err := n.ipt.Exists(r.table, r.chain, r.spec...)
		if err != nil {
			return fmt.Errorf("check rule %s: %w", r, err)
		}
		if ok {
			continue
		}
		if r.insert {
			err = n.ipt.Insert(r.table, r.chain, 1, r.spec...)
		} else {
			err = n.ipt.Append(r.table, r.chain, r.spec...)
		}
		if err != nil {
			return fmt.Errorf("install rule %s: %w", r, err)
		}
	}
	if n.ufw {
		if out, err := n.run(ctx, "ufw", "allow", fmt.Sprintf("%d/tcp", port)); err != nil {
			return fmt.Errorf("ufw allow %d/tcp: %w: %s", port, err, strings.TrimSpace(string(out)))
		}
	}
	logger.Infof(ctx, "forwarding %d -> %s:%d installed", port, addr, n.guestPort)
	return nil
}

// RemoveForwarding deletes whatever rules for port/addr exist.
func (n *NAT) RemoveForwarding(ctx context.Context, port int, addr string) {
	logger := log.WithFunc("nat.RemoveForwarding")
	for _, r := range n.rules(port, addr) {
		ok, err := n.ipt.Exists(r.table, r.chain, r.spec...)
		if err != nil {
			logger.Warnf(ctx, "check rule %s: %v", r, err)
			continue
		}
		if !ok {
			logger.Debugf(ctx, "rule already absent: %s", r)
			continue
		}
		if err := n.ipt.Delete(r.table, r.chain, r.spec...); err != nil {
			logger.Warnf(ctx, "delete rule %s: %v", r, err)
		}
	}
	if n.ufw {
		if out, err := n.run(ctx, "ufw", "delete", "allow", fmt.Sprintf("%d/tcp", port)); err != nil {
			logger.Warnf(ctx, "ufw delete allow %d/tcp: %v: %s", port, err, strings.TrimSpace(string(out)))
		}
	}
	logger.Infof(ctx, "forwarding %d -> %s removed", port, addr)
}
