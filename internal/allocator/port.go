package allocator

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"
)

// ErrNoFreePort is returned when the configured range is fully leased.
var ErrNoFreePort = errors.New("allocator: no free port in configured range")

// PortRange is the inclusive [Min, Max] range gateway ports are leased
// from. Min == 0 means "use an ephemeral port" (the OS chooses), in which
// case the range is not tracked here at all.
type PortRange struct {
	Min int
	Max int
}

// Ephemeral reports whether this range means "let the OS choose".
func (r PortRange) Ephemeral() bool {
	return r.Min == 0
}

// Ports leases ports from a fixed range by uniform random choice among the
// free subset, atomically with recording the lease. This is the server's
// single-owner usedPorts registry (spec.md §5, §9).
type Ports struct {
	mu     sync.Mutex
	rng    PortRange
	leased map[int]struct{}
}

// NewPorts creates a port allocator over the given range.
func NewPorts(r PortRange) *Ports {
	return &Ports{rng: r, leased: make(map[int]struct{})}
}

// Lease reserves a free port. If the configured range is ephemeral
// (Min == 0), it returns 0 — the gateway listener itself must pick a free
// port by binding to ":0" and reading back the bound address; it is never
// double-leased because the OS guarantees that.
func (p *Ports) Lease() (int, error) {
	if p.rng.Ephemeral() {
		return 0, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	free := make([]int, 0, p.rng.Max-p.rng.Min+1)
	for port := p.rng.Min; port <= p.rng.Max; port++ {
		if _, used := p.leased[port]; !used {
			free = append(free, port)
		}
	}
	if len(free) == 0 {
		return 0, ErrNoFreePort
	}

	idx, err := randIndex(len(free))
	if err != nil {
		return 0, err
	}
	port := free[idx]
	p.leased[port] = struct{}{}
	return port, nil
}

// Release frees a leased port. Releasing an ephemeral (0) or unleased port
// is a no-op.
func (p *Ports) Release(port int) {
	if port == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.leased, port)
}

// InUse reports the current count of leased ports. Ephemeral leases are
// not counted.
func (p *Ports) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.leased)
}

func randIndex(n int) (int, error) {
	max := big.NewInt(int64(n))
	v, err := rand.Int(rand.Reader, max)
	if err != nil {
		return 0, fmt.Errorf("choosing random port index: %w", err)
	}
	return int(v.Int64()), nil
}
