package virsh

import (
	"fmt"
	"strings"

	units "github.com/docker/go-units"

	"github.com/obox-cloud/obox/types"
)

// parseState maps "virsh domstate" output to a power state.
func parseState(out string) types.PowerState {
	switch strings.ToLower(strings.TrimSpace(out)) {
	case "running", "idle", "blocked", "in shutdown":
		return types.PowerRunning
	case "paused", "pmsuspended":
		return types.PowerPaused
	case "shut off", "shutdown":
		return types.PowerStopped
	case "crashed":
		return types.PowerCrashed
	default:
		return types.PowerUnknown
	}
}

// parseKeyValue splits "Key:   value" lines; keys are lowercased.
func parseKeyValue(out string) map[string]string {
	kv := map[string]string{}
	for _, line := range strings.Split(out, "\n") {
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		kv[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	return kv
}

// parseSize reads sizes such as "10.00 GiB", "524288 KiB" or "1073741824 bytes".
func parseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if n, ok := strings.CutSuffix(s, " bytes"); ok {
		s = n
	}
	b, err := units.RAMInBytes(s)
	if err != nil {
		return 0, fmt.Errorf("parse size %q: %w", s, err)
	}
	return b, nil
}

// parseVolInfo extracts capacity and allocation from "virsh vol-info".
func parseVolInfo(out string) (capacity, allocation int64, err error) {
	kv := parseKeyValue(out)
	c, ok := kv["capacity"]
	if !ok {
		return 0, 0, fmt.Errorf("vol-info: no capacity in %q", out)
	}
	if capacity, err = parseSize(c); err != nil {
		return 0, 0, err
	}
	if a, ok := kv["allocation"]; ok {
		if allocation, err = parseSize(a); err != nil {
			return 0, 0, err
		}
	}
	return capacity, allocation, nil
}
