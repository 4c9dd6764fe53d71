package bpred

import "github.com/sarchlab/specsim/timing/inst"

// bimodal is a table of 2-bit saturating counters indexed by PC.
// States: 0=Strongly Not Taken, 1=Weakly Not Taken,
//
//	2=Weakly Taken, 3=Strongly Taken
//
// It has no speculative state, so SpecUpdate, Recover and Flush only
// touch the scratch.
type bimodal struct {
	counters
	table []uint8
	mask  uint64
	pool  freeList[bimodalScratch]
}

type bimodalScratch struct {
	ScratchBase
	index uint64
}

func (p *bimodal) SizeBits() uint64 {
	return uint64(len(p.table)) * 2
}

func newBimodal(name string, size int) *bimodal {
	p := &bimodal{
		counters: counters{name: name},
		table:    make([]uint8, size),
		mask:     uint64(size - 1),
	}

	// Initialize with weakly taken (2) - biased towards taken
	for i := range p.table {
		p.table[i] = 2
	}

	return p
}

// index uses the lower bits of PC, excluding alignment bits.
func (p *bimodal) index(pc uint64) uint64 {
	return (pc >> 2) & p.mask
}

func (p *bimodal) GetCache() Scratch {
	s := p.pool.get()
	s.owned = true
	return s
}

func (p *bimodal) RetCache(sc Scratch) {
	p.pool.put(own[*bimodalScratch](p.name, sc))
}

func (p *bimodal) Lookup(sc Scratch, q inst.Query) bool {
	s := own[*bimodalScratch](p.name, sc)
	p.inc(&p.c.Lookups)
	s.index = p.index(q.PC)
	return p.table[s.index] >= 2
}

func (p *bimodal) Update(sc Scratch, q inst.Query, ourPred bool) {
	s := own[*bimodalScratch](p.name, sc)
	p.markUpdated(&s.ScratchBase)
	if ourPred == q.Outcome {
		p.inc(&p.c.Hits)
	}
	p.table[s.index] = counter2(p.table[s.index], q.Outcome)
}

func (p *bimodal) SpecUpdate(sc Scratch, _ inst.Query, _ bool) {
	own[*bimodalScratch](p.name, sc)
	p.inc(&p.c.SpecUpdates)
}

func (p *bimodal) Recover(sc Scratch, _ bool) {
	own[*bimodalScratch](p.name, sc)
	p.inc(&p.c.Recovers)
}

func (p *bimodal) Flush(sc Scratch) {
	own[*bimodalScratch](p.name, sc)
	p.inc(&p.c.Flushes)
}
