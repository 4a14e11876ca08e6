package rhino3d

import (
	"fmt"
	"net"
	"time"
)

const (
	portRangeStart = 6001
	portRangeSize  = 256
	portDialProbe  = 100 * time.Millisecond
)

// PortAllocator returns the next free TCP port in [6001, 6256].
//
// Dropped dependency: the teacher (and github.com/phayes/freeport) ask the
// OS to bind an ephemeral port, which cannot honor the fixed range or the
// registry-aware uniqueness check this allocator needs (see DESIGN.md), so
// the scan below is hand-rolled using the same raw-dial liveness technique
// those packages use internally.
type PortAllocator struct {
	dialTimeout time.Duration
}

// NewPortAllocator constructs a PortAllocator.
func NewPortAllocator() *PortAllocator {
	return &PortAllocator{dialTimeout: portDialProbe}
}

// Allocate scans the fixed range starting at 6001, rejecting any port the
// caller reports as already claimed (inUse) or that something else is
// listening on. It returns ErrNoFreePort if every candidate is rejected.
func (a *PortAllocator) Allocate(inUse func(port int) bool) (int, error) {
	for i := 0; i < portRangeSize; i++ {
		port := portRangeStart + i
		if inUse != nil && inUse(port) {
			continue
		}
		if a.listening(port) {
			continue
		}
		return port, nil
	}
	return 0, ErrNoFreePort
}

// listening reports whether something is already accepting connections on
// localhost:port.
func (a *PortAllocator) listening(port int) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("localhost:%d", port), a.dialTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
