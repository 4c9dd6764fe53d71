package uncore

import (
	"fmt"

	"github.com/sarchlab/specsim/timing/cache"
	"github.com/sarchlab/specsim/timing/stats"
)

// Arbitration policies.
const (
	RoundRobin = "round-robin"
	Fixed      = "fixed"
)

// Arbiter multiplexes per-core request queues onto a shared level. Each
// core sees its own Port; one request is granted per cycle.
type Arbiter struct {
	policy string
	target cache.Level
	ports  []*Port
	next   int

	grants    []uint64
	conflicts uint64
	squashed  uint64
	frozen    bool
}

// NewArbiter creates an arbiter for cores in front of target. Each port
// buffers up to queueSize requests.
func NewArbiter(policy string, cores, queueSize int, target cache.Level) (*Arbiter, error) {
	if policy != RoundRobin && policy != Fixed {
		return nil, fmt.Errorf("arbitration policy %q: %w", policy, ErrUnknownComponent)
	}
	if cores <= 0 || queueSize <= 0 {
		return nil, fmt.Errorf("arbiter needs cores and queue size > 0: %w", ErrBadConfig)
	}

	a := &Arbiter{
		policy: policy,
		target: target,
		grants: make([]uint64, cores),
	}
	for i := 0; i < cores; i++ {
		a.ports = append(a.ports, &Port{core: i, size: queueSize})
	}
	return a, nil
}

// Port returns the request port of a core.
func (a *Arbiter) Port(core int) *Port {
	return a.ports[core]
}

// Grants returns the number of requests forwarded for a core.
func (a *Arbiter) Grants(core int) uint64 {
	return a.grants[core]
}

// Outstanding returns the number of requests waiting in the ports.
func (a *Arbiter) Outstanding() int {
	n := 0
	for _, p := range a.ports {
		n += len(p.queue)
	}
	return n
}

// Step grants at most one request to the shared level. Round-robin
// starts the search after the last winner; fixed always starts at core 0.
func (a *Arbiter) Step(_ uint64) {
	contenders := 0
	for _, p := range a.ports {
		p.dropStale(a)
		if len(p.queue) > 0 {
			contenders++
		}
	}
	if contenders == 0 {
		return
	}
	if contenders > 1 && !a.frozen {
		a.conflicts++
	}

	start := 0
	if a.policy == RoundRobin {
		start = a.next
	}
	for i := 0; i < len(a.ports); i++ {
		p := a.ports[(start+i)%len(a.ports)]
		if len(p.queue) == 0 {
			continue
		}
		req := p.queue[0]
		if !a.target.Enqueuable(req.Addr) || !a.target.Enqueue(req) {
			return
		}
		p.queue = p.queue[1:]
		if !a.frozen {
			a.grants[p.core]++
		}
		a.next = (p.core + 1) % len(a.ports)
		return
	}
}

// RegStats publishes per-core grant counts.
func (a *Arbiter) RegStats(db *stats.Database) {
	for i := range a.grants {
		db.AddCounter(stats.CompName(i, "arb", "grants"), "requests granted to the shared cache", &a.grants[i])
	}
	db.AddCounter(stats.CompName(stats.NoCore, "arb", "conflicts"), "cycles with more than one requester", &a.conflicts)
	db.AddCounter(stats.CompName(stats.NoCore, "arb", "squashed"), "requests dropped while queued", &a.squashed)
}

// ResetStats clears the counters.
func (a *Arbiter) ResetStats() {
	for i := range a.grants {
		a.grants[i] = 0
	}
	a.conflicts = 0
	a.squashed = 0
}

// Freeze stops statistics accumulation.
func (a *Arbiter) Freeze() {
	a.frozen = true
}

// Port is one core's view of the arbiter.
type Port struct {
	core  int
	size  int
	queue []*cache.Request
}

// Name returns the port name.
func (p *Port) Name() string {
	return fmt.Sprintf("arb.port%d", p.core)
}

// Enqueuable reports whether the port queue has room.
func (p *Port) Enqueuable(_ uint64) bool {
	return len(p.queue) < p.size
}

// Enqueue buffers a request until it is granted.
func (p *Port) Enqueue(req *cache.Request) bool {
	if !p.Enqueuable(req.Addr) {
		return false
	}
	p.queue = append(p.queue, req)
	return true
}

// Step does nothing; the arbiter drains the ports.
func (p *Port) Step(_ uint64) {}

func (p *Port) dropStale(a *Arbiter) {
	kept := p.queue[:0]
	for _, req := range p.queue {
		if req.Stale() {
			if !a.frozen {
				a.squashed++
			}
			continue
		}
		kept = append(kept, req)
	}
	p.queue = kept
}
