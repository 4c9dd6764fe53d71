package uncore

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sarchlab/specsim/timing/cache"
	"github.com/sarchlab/specsim/timing/stats"
)

// MC is a memory controller: the last level of the hierarchy.
type MC interface {
	cache.Level
	RegStats(db *stats.Database)
	ResetStats()
	Freeze()
	// Outstanding returns the number of requests not yet returned.
	Outstanding() int
}

// NewMC builds a memory controller from its configuration string:
//
//	simple:<latency>:<queue>  pipelined accesses of fixed latency
//	fcfs:<latency>:<queue>    one access at a time, first come first served
//
// Data returns over bus.
func NewMC(s string, bus *Bus) (MC, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	kind := parts[0]
	if kind != "simple" && kind != "fcfs" {
		return nil, fmt.Errorf("memory controller %q: %w", s, ErrUnknownComponent)
	}
	if len(parts) != 3 {
		return nil, fmt.Errorf("%q: %s takes latency and queue size: %w", s, kind, ErrBadConfig)
	}

	latency, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil || latency == 0 {
		return nil, fmt.Errorf("%q: latency must be a positive integer: %w", s, ErrBadConfig)
	}
	queue, err := strconv.Atoi(parts[2])
	if err != nil || queue <= 0 {
		return nil, fmt.Errorf("%q: queue size must be a positive integer: %w", s, ErrBadConfig)
	}
	if bus == nil {
		return nil, fmt.Errorf("%q: memory controller needs a bus: %w", s, ErrBadConfig)
	}

	return &memoryController{
		name:      "mc",
		latency:   latency,
		queueSize: queue,
		serial:    kind == "fcfs",
		bus:       bus,
	}, nil
}

type mcAction struct {
	req          *cache.Request
	started      bool
	whenEnqueued uint64
	whenStarted  uint64
	whenFinished uint64
	whenReturned uint64
}

type memoryController struct {
	name      string
	latency   uint64
	queueSize int
	serial    bool
	bus       *Bus

	queue     []*mcAction
	returning []*mcAction
	dramBusy  uint64
	now       uint64

	totalAccesses      uint64
	totalDRAMCycles    uint64
	totalServiceCycles uint64
	squashed           uint64
	frozen             bool
}

func (m *memoryController) Name() string {
	return m.name
}

func (m *memoryController) Enqueuable(_ uint64) bool {
	return len(m.queue) < m.queueSize
}

func (m *memoryController) Enqueue(req *cache.Request) bool {
	if !m.Enqueuable(req.Addr) {
		return false
	}
	req.EnqueuedAt = m.now
	m.queue = append(m.queue, &mcAction{req: req, whenEnqueued: m.now})
	return true
}

func (m *memoryController) Outstanding() int {
	return len(m.queue) + len(m.returning)
}

func (m *memoryController) count(v *uint64, n uint64) {
	if !m.frozen {
		*v += n
	}
}

// Step returns finished data over the bus and starts queued accesses.
func (m *memoryController) Step(now uint64) {
	m.now = now

	if len(m.returning) > 0 {
		ready := m.returning
		m.returning = nil
		for _, a := range ready {
			if a.whenReturned > now {
				m.returning = append(m.returning, a)
				continue
			}
			a.req.Complete()
		}
	}

	waiting := m.queue
	m.queue = m.queue[:0:0]
	for _, a := range waiting {
		if !a.started {
			if a.req.Stale() {
				m.count(&m.squashed, 1)
				continue
			}
			if m.serial && m.dramBusy > now {
				m.queue = append(m.queue, a)
				continue
			}
			a.started = true
			a.whenStarted = now
			a.whenFinished = now + m.latency
			m.dramBusy = a.whenFinished
		}

		if a.whenFinished > now || !m.bus.Free(now) {
			m.queue = append(m.queue, a)
			continue
		}

		a.whenReturned = m.bus.Use(now, a.req.LineSize)
		m.count(&m.totalAccesses, 1)
		m.count(&m.totalDRAMCycles, a.whenFinished-a.whenStarted)
		m.count(&m.totalServiceCycles, a.whenReturned-a.whenEnqueued)
		m.returning = append(m.returning, a)
	}
}

func (m *memoryController) RegStats(db *stats.Database) {
	db.AddCounter(stats.CompName(stats.NoCore, m.name, "total_accesses"), "requests served", &m.totalAccesses)
	db.AddCounter(stats.CompName(stats.NoCore, m.name, "total_dram_cycles"), "cycles spent in DRAM", &m.totalDRAMCycles)
	db.AddCounter(stats.CompName(stats.NoCore, m.name, "total_service_cycles"), "enqueue to return cycles", &m.totalServiceCycles)
	db.AddCounter(stats.CompName(stats.NoCore, m.name, "squashed"), "requests dropped before service", &m.squashed)
	db.AddFormula(stats.CompName(stats.NoCore, m.name, "average_latency"), "average service latency",
		stats.Ratio(&m.totalServiceCycles, &m.totalAccesses))
}

func (m *memoryController) ResetStats() {
	m.totalAccesses = 0
	m.totalDRAMCycles = 0
	m.totalServiceCycles = 0
	m.squashed = 0
}

func (m *memoryController) Freeze() {
	m.frozen = true
}
