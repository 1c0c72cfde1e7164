package topology

import (
	"fmt"
	"os/exec"
	"strings"
)

// DeviceLister returns the names of the accelerator devices visible to the
// host process, in device-index order.
type DeviceLister func() ([]string, error)

// NvidiaSMI lists GPUs by querying nvidia-smi, one name per line.
func NvidiaSMI() DeviceLister {
	return func() ([]string, error) {
		out, err := exec.Command("nvidia-smi", "--query-gpu=name", "--format=csv,noheader").Output()
		if err != nil {
			return nil, fmt.Errorf("failed to query nvidia-smi: %w", err)
		}

		var names []string
		for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
			if name := strings.TrimSpace(line); name != "" {
				names = append(names, name)
			}
		}

		return names, nil
	}
}

// StaticDevices returns a lister over a fixed device set. Used in tests and
// on hosts without nvidia-smi.
func StaticDevices(names ...string) DeviceLister {
	return func() ([]string, error) {
		return names, nil
	}
}
