//go:build !linux
// +build !linux

package vmhost

import (
	"fmt"
	"runtime"
)

// NewVirshHypervisor is unavailable off Linux. Use MemoryHypervisor there.
func NewVirshHypervisor(connectURI string) (Hypervisor, error) {
	return nil, fmt.Errorf("virsh hypervisor not supported on %s", runtime.GOOS)
}
