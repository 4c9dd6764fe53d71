package cache

// IdealMemory is a backing level with unlimited capacity that completes
// every request after a fixed latency.
type IdealMemory struct {
	name     string
	latency  uint64
	now      uint64
	pipe     []pending
	accesses uint64
}

// NewIdealMemory creates an IdealMemory with the given latency.
func NewIdealMemory(name string, latency uint64) *IdealMemory {
	return &IdealMemory{name: name, latency: latency}
}

// Name returns the level name.
func (m *IdealMemory) Name() string {
	return m.name
}

// Accesses returns the number of requests accepted.
func (m *IdealMemory) Accesses() uint64 {
	return m.accesses
}

// Enqueuable always returns true.
func (m *IdealMemory) Enqueuable(_ uint64) bool {
	return true
}

// Enqueue accepts the request.
func (m *IdealMemory) Enqueue(req *Request) bool {
	m.accesses++
	req.EnqueuedAt = m.now
	m.pipe = append(m.pipe, pending{req: req, readyAt: m.now + m.latency})
	return true
}

// Step completes every request whose latency has elapsed.
func (m *IdealMemory) Step(now uint64) {
	m.now = now
	if len(m.pipe) == 0 {
		return
	}
	ready := m.pipe
	m.pipe = nil
	for _, p := range ready {
		if p.readyAt > now {
			m.pipe = append(m.pipe, p)
			continue
		}
		p.req.Complete()
	}
}
