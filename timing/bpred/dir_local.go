package bpred

import "github.com/sarchlab/specsim/timing/inst"

// local is a two-level predictor with per-address histories. The first
// level (indexed by PC) holds a shift register per branch; the second
// level is a table of 2-bit counters indexed by that history combined
// with the PC. Histories are advanced speculatively, one entry per
// branch, so rolling one branch back leaves other addresses untouched.
type local struct {
	counters
	histories []uint64
	bhtMask   uint64
	histBits  uint
	histMask  uint64
	pht       []uint8
	phtMask   uint64

	pool freeList[localScratch]
}

type localScratch struct {
	ScratchBase
	bhtIndex uint64
	phtIndex uint64
	saved    uint64
	applied  bool
}

func (p *local) SizeBits() uint64 {
	return uint64(len(p.histories))*uint64(p.histBits) + uint64(len(p.pht))*2
}

func newLocal(name string, bhtSize, histBits, phtSize int) *local {
	p := &local{
		counters:  counters{name: name},
		histories: make([]uint64, bhtSize),
		bhtMask:   uint64(bhtSize - 1),
		histBits:  uint(histBits),
		histMask:  uint64(1)<<uint(histBits) - 1,
		pht:       make([]uint8, phtSize),
		phtMask:   uint64(phtSize - 1),
	}
	for i := range p.pht {
		p.pht[i] = 2
	}
	return p
}

// LocalHistory returns the history register used for pc.
func (p *local) LocalHistory(pc uint64) uint64 {
	return p.histories[(pc>>2)&p.bhtMask]
}

func (p *local) GetCache() Scratch {
	s := p.pool.get()
	s.owned = true
	return s
}

func (p *local) RetCache(sc Scratch) {
	p.pool.put(own[*localScratch](p.name, sc))
}

func (p *local) Lookup(sc Scratch, q inst.Query) bool {
	s := own[*localScratch](p.name, sc)
	p.inc(&p.c.Lookups)
	s.bhtIndex = (q.PC >> 2) & p.bhtMask
	h := p.histories[s.bhtIndex]
	s.phtIndex = (h | (q.PC>>2)<<p.histBits) & p.phtMask
	return p.pht[s.phtIndex] >= 2
}

func (p *local) Update(sc Scratch, q inst.Query, ourPred bool) {
	s := own[*localScratch](p.name, sc)
	p.markUpdated(&s.ScratchBase)
	if ourPred == q.Outcome {
		p.inc(&p.c.Hits)
	}
	p.pht[s.phtIndex] = counter2(p.pht[s.phtIndex], q.Outcome)
}

func (p *local) SpecUpdate(sc Scratch, _ inst.Query, ourPred bool) {
	s := own[*localScratch](p.name, sc)
	p.inc(&p.c.SpecUpdates)
	if s.applied {
		return
	}
	s.saved = p.histories[s.bhtIndex]
	s.applied = true
	p.histories[s.bhtIndex] = (s.saved<<1 | bit(ourPred)) & p.histMask
}

func (p *local) Recover(sc Scratch, _ bool) {
	s := own[*localScratch](p.name, sc)
	p.inc(&p.c.Recovers)
	if !s.applied {
		return
	}
	p.histories[s.bhtIndex] = s.saved
	s.applied = false
}

func (p *local) Flush(sc Scratch) {
	s := own[*localScratch](p.name, sc)
	p.inc(&p.c.Flushes)
	s.applied = false
}
