// Package provision defines the provisioning adapter: the component that
// turns a VM spec into real infrastructure through an external tool.
package provision

import (
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/obox-cloud/obox/types"
)

// ErrNotFound is returned when a workspace ref points at nothing.
var ErrNotFound = errors.New("workspace not found")

// Outputs are the values a successful apply reports back.
type Outputs struct {
	InternalAddress string
	Credential      string
}

// Provisioner manages provisioning workspaces. A workspace ref is opaque to
// callers and stable for the life of the VM.
type Provisioner interface {
	Type() string

	// Generate creates a workspace for name and returns its ref, which must
	// equal Ref(owner.Name, name). Calling it again for the same name returns
	// the existing workspace.
	Generate(ctx context.Context, owner types.Owner, name string, spec types.Spec) (string, error)
	// Regenerate rewrites the workspace for a new spec in place. The storage
	// volume keeps its identity so guest data survives.
	Regenerate(ctx context.Context, ref string, spec types.Spec) error
	// Apply makes the infrastructure match the workspace. Runs to completion
	// once started, even if ctx is cancelled.
	Apply(ctx context.Context, ref string) error
	Outputs(ctx context.Context, ref string) (*Outputs, error)
	// Cleanup tears down whatever infrastructure exists but keeps the
	// workspace so a later attempt can resume.
	Cleanup(ctx context.Context, ref string) error
	// Destroy tears down infrastructure and removes the workspace.
	// Returns ErrNotFound if the workspace does not exist.
	Destroy(ctx context.Context, ref string) error
	// List returns the refs of all workspaces on disk.
	List(ctx context.Context) ([]string, error)
}

// IsNotFound reports whether err means the workspace is gone.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

var unsafeChars = regexp.MustCompile(`[^a-z0-9-]+`)

// Sanitize lowercases s and replaces runs of characters outside [a-z0-9-] with "-".
func Sanitize(s string) string {
	return strings.Trim(unsafeChars.ReplaceAllString(strings.ToLower(s), "-"), "-")
}

// Name derives the globally unique provisioning name
// "<owner>-<display>-<unix millis>".
func Name(ownerName, displayName string, at time.Time) string {
	return fmt.Sprintf("%s-%s-%d", Sanitize(ownerName), Sanitize(displayName), at.UnixMilli())
}

// Ref builds the workspace ref for an owner and provisioning name.
func Ref(ownerName, name string) string {
	return path.Join(Sanitize(ownerName), name)
}

// SplitRef validates ref and returns its owner and name parts.
func SplitRef(ref string) (owner, name string, err error) {
	owner, name, ok := strings.Cut(ref, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") ||
		owner == ".." || name == ".." || owner == "." || name == "." {
		return "", "", fmt.Errorf("invalid workspace ref %q", ref)
	}
	return owner, name, nil
}
