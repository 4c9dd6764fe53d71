package bpred

import "fmt"

// poisonAddr is written into returned records so a stale read stands out.
const poisonAddr = 0xDEADBEEFDEADBEEF

// StateCache is the prediction record bound to one in-flight branch from
// lookup until its final update, recover or flush. It holds every
// component's scratch object and the RAS checkpoint.
type StateCache struct {
	// OurPred is the predicted direction.
	OurPred bool

	preds     []bool
	ourTarget uint64
	predPC    uint64

	dirSC      []Scratch
	fusionSC   Scratch
	dirBTBSC   Scratch
	indirBTBSC Scratch
	rasCP      RASCheckpoint

	specUpdated bool
	owned       bool
	serial      uint64
}

// Preds returns the per-component votes of the last lookup.
func (sc *StateCache) Preds() []bool {
	return sc.preds
}

// OurTarget returns the target the BTB or RAS produced (0 if none).
func (sc *StateCache) OurTarget() uint64 {
	return sc.ourTarget
}

// PredictedPC returns the next PC returned by the last lookup.
func (sc *StateCache) PredictedPC() uint64 {
	return sc.predPC
}

// SpecUpdated reports whether the record has taken the speculative
// update path, which decides between Recover and Flush on squash.
func (sc *StateCache) SpecUpdated() bool {
	return sc.specUpdated
}

// HasCheckpoint reports whether the record holds a RAS checkpoint.
func (sc *StateCache) HasCheckpoint() bool {
	return sc.rasCP.Valid()
}

// Owned reports whether the record is currently allocated.
func (sc *StateCache) Owned() bool {
	return sc.owned
}

// statePool is a fixed-capacity free list of prediction records.
type statePool struct {
	all      []*StateCache
	free     []*StateCache
	allocs   uint64
	releases uint64
	serial   uint64
}

func newStatePool(size, numDirs int) *statePool {
	p := &statePool{
		all:  make([]*StateCache, size),
		free: make([]*StateCache, 0, size),
	}
	for i := range p.all {
		p.all[i] = &StateCache{
			preds: make([]bool, numDirs),
			dirSC: make([]Scratch, numDirs),
		}
	}
	for i := size - 1; i >= 0; i-- {
		p.free = append(p.free, p.all[i])
	}
	return p
}

func (p *statePool) get() *StateCache {
	n := len(p.free)
	if n == 0 {
		panic(fmt.Errorf("all %d prediction records are outstanding: %w", len(p.all), ErrPoolExhausted))
	}
	sc := p.free[n-1]
	p.free = p.free[:n-1]

	p.serial++
	p.allocs++
	sc.owned = true
	sc.serial = p.serial
	return sc
}

func (p *statePool) put(sc *StateCache) {
	for i := range sc.preds {
		sc.preds[i] = false
	}
	for i := range sc.dirSC {
		sc.dirSC[i] = nil
	}
	sc.OurPred = false
	sc.ourTarget = poisonAddr
	sc.predPC = poisonAddr
	sc.fusionSC = nil
	sc.dirBTBSC = nil
	sc.indirBTBSC = nil
	sc.rasCP = RASCheckpoint{}
	sc.specUpdated = false
	sc.owned = false

	p.releases++
	p.free = append(p.free, sc)
}

func (p *statePool) outstanding() int {
	return len(p.all) - len(p.free)
}
