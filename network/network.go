package network

import (
	"context"
	"errors"
)

// ErrNoExternalAddress is returned when the host address cannot be detected.
var ErrNoExternalAddress = errors.New("no external address detected")

// Forwarder exposes a guest port on the host through an external port.
type Forwarder interface {
	Type() string

	// AddForwarding makes host:port reach addr's guest port. Installing the
	// same forwarding twice leaves one copy of every rule.
	AddForwarding(ctx context.Context, port int, addr string) error
	// RemoveForwarding is best effort: absent rules are skipped and it never fails.
	RemoveForwarding(ctx context.Context, port int, addr string)
}

// ExternalAddress returns configured when set, otherwise the primary
// address of the host's default route.
func ExternalAddress(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	return detectExternalAddress()
}

// Noop is a Forwarder for hosts where forwarding is managed elsewhere.
type Noop struct{}

func (Noop) Type() string { return "noop" }

func (Noop) AddForwarding(context.Context, int, string) error { return nil }

func (Noop) RemoveForwarding(context.Context, int, string) {}
