package bpred

import (
	"math/bits"

	"github.com/sarchlab/specsim/timing/inst"
)

// gshare XORs a speculative global history register with the PC to index
// a table of 2-bit counters. The history is advanced with the predicted
// direction at SpecUpdate and rolled back by Recover.
type gshare struct {
	counters
	table    []uint8
	mask     uint64
	histMask uint64

	// history is the speculative global history read by Lookup.
	history uint64

	pool freeList[gshareScratch]
}

type gshareScratch struct {
	ScratchBase
	index uint64
	// saved is the history before this branch's SpecUpdate.
	saved   uint64
	applied bool
}

// SizeBits counts the counter table and the history register.
func (p *gshare) SizeBits() uint64 {
	return uint64(len(p.table))*2 + uint64(bits.OnesCount64(p.histMask))
}

func newGshare(name string, size, histBits int) *gshare {
	p := &gshare{
		counters: counters{name: name},
		table:    make([]uint8, size),
		mask:     uint64(size - 1),
		histMask: uint64(1)<<uint(histBits) - 1,
	}
	for i := range p.table {
		p.table[i] = 2
	}
	return p
}

// History returns the speculative global history register.
func (p *gshare) History() uint64 {
	return p.history
}

func (p *gshare) GetCache() Scratch {
	s := p.pool.get()
	s.owned = true
	return s
}

func (p *gshare) RetCache(sc Scratch) {
	p.pool.put(own[*gshareScratch](p.name, sc))
}

func (p *gshare) Lookup(sc Scratch, q inst.Query) bool {
	s := own[*gshareScratch](p.name, sc)
	p.inc(&p.c.Lookups)
	s.index = ((q.PC >> 2) ^ p.history) & p.mask
	return p.table[s.index] >= 2
}

func (p *gshare) Update(sc Scratch, q inst.Query, ourPred bool) {
	s := own[*gshareScratch](p.name, sc)
	p.markUpdated(&s.ScratchBase)
	if ourPred == q.Outcome {
		p.inc(&p.c.Hits)
	}
	p.table[s.index] = counter2(p.table[s.index], q.Outcome)
}

func (p *gshare) SpecUpdate(sc Scratch, _ inst.Query, ourPred bool) {
	s := own[*gshareScratch](p.name, sc)
	p.inc(&p.c.SpecUpdates)
	if s.applied {
		return
	}
	s.saved = p.history
	s.applied = true
	p.history = (p.history<<1 | bit(ourPred)) & p.histMask
}

func (p *gshare) Recover(sc Scratch, _ bool) {
	s := own[*gshareScratch](p.name, sc)
	p.inc(&p.c.Recovers)
	if !s.applied {
		return
	}
	p.history = s.saved
	s.applied = false
}

func (p *gshare) Flush(sc Scratch) {
	s := own[*gshareScratch](p.name, sc)
	p.inc(&p.c.Flushes)
	s.applied = false
}
