package bpred

import (
	"fmt"

	akitacache "github.com/sarchlab/akita/v4/mem/cache"

	"github.com/sarchlab/specsim/timing/inst"
)

// BTB predicts the target of a taken branch. Lookup and Update have no
// default: every concrete BTB implements them. The speculative
// operations default to scratch-only behaviour through btbBase.
type BTB interface {
	Component

	// Lookup returns the predicted target, or 0 when none is known.
	Lookup(sc Scratch, q inst.Query, ourPred bool) uint64
	Update(sc Scratch, q inst.Query, ourTarget uint64, ourPred bool)
	SpecUpdate(sc Scratch, q inst.Query, ourTarget uint64, ourPred bool)
	Recover(sc Scratch, outcome bool)
	Flush(sc Scratch)

	GetCache() Scratch
	RetCache(sc Scratch)
}

// NewBTB builds a target predictor from its configuration string.
func NewBTB(s string) (BTB, error) {
	sp, err := parseSpec(s)
	if err != nil {
		return nil, err
	}

	switch sp.kind {
	case "btb":
		if err := sp.want(2); err != nil {
			return nil, err
		}
		if err := sp.pow2(0, "number of sets"); err != nil {
			return nil, err
		}
		if sp.args[1] < 1 {
			return nil, fmt.Errorf("%q: associativity must be positive: %w", s, ErrBadConfig)
		}
		return newSetAssocBTB(s, sp.args[0], sp.args[1]), nil
	case "perfect":
		if err := sp.want(0); err != nil {
			return nil, err
		}
		return &perfectBTB{btbBase: btbBase{counters: counters{name: s}}}, nil
	}

	return nil, fmt.Errorf("target predictor %q: %w", s, ErrUnknownComponent)
}

type btbScratch struct {
	ScratchBase
	hit bool
}

type btbBase struct {
	counters
	pool freeList[btbScratch]
}

func (b *btbBase) GetCache() Scratch {
	s := b.pool.get()
	s.owned = true
	return s
}

func (b *btbBase) RetCache(sc Scratch) {
	b.pool.put(own[*btbScratch](b.name, sc))
}

func (b *btbBase) SpecUpdate(sc Scratch, _ inst.Query, _ uint64, _ bool) {
	own[*btbScratch](b.name, sc)
	b.inc(&b.c.SpecUpdates)
}

func (b *btbBase) Recover(sc Scratch, _ bool) {
	own[*btbScratch](b.name, sc)
	b.inc(&b.c.Recovers)
}

func (b *btbBase) Flush(sc Scratch) {
	own[*btbScratch](b.name, sc)
	b.inc(&b.c.Flushes)
}

// update marks the real update and counts a hit when the predicted
// target was the taken target.
func (b *btbBase) update(sc Scratch, q inst.Query, ourTarget uint64) *btbScratch {
	s := own[*btbScratch](b.name, sc)
	b.markUpdated(&s.ScratchBase)
	if q.Outcome && ourTarget == q.OraclePC {
		b.inc(&b.c.Hits)
	}
	return s
}

// btbBlockSize is the instruction granularity the BTB indexes on: set
// = PC / btbBlockSize % sets. Tags keep the full PC.
const btbBlockSize = 4

// setAssocBTB is a set-associative, LRU target buffer. Tags and
// replacement are handled by an akita cache directory; the block tag is
// exactly the branch PC.
type setAssocBTB struct {
	btbBase
	ways      int
	directory *akitacache.DirectoryImpl
	targets   []uint64
}

// btbEntryBits is a full-PC tag plus a target.
const btbEntryBits = 64 + 64

func (b *setAssocBTB) SizeBits() uint64 {
	return uint64(len(b.targets)) * btbEntryBits
}

func newSetAssocBTB(name string, sets, ways int) *setAssocBTB {
	return &setAssocBTB{
		btbBase: btbBase{counters: counters{name: name}},
		ways:    ways,
		directory: akitacache.NewDirectory(
			sets,
			ways,
			btbBlockSize,
			akitacache.NewLRUVictimFinder(),
		),
		targets: make([]uint64, sets*ways),
	}
}

func (b *setAssocBTB) slot(block *akitacache.Block) int {
	return block.SetID*b.ways + block.WayID
}

// Lookup reads the directory without touching LRU state.
func (b *setAssocBTB) Lookup(sc Scratch, q inst.Query, _ bool) uint64 {
	s := own[*btbScratch](b.name, sc)
	b.inc(&b.c.Lookups)

	block := b.directory.Lookup(0, q.PC)
	if block == nil || !block.IsValid {
		s.hit = false
		return 0
	}
	s.hit = true
	return b.targets[b.slot(block)]
}

// Update installs the taken target. Not-taken branches are not cached.
func (b *setAssocBTB) Update(sc Scratch, q inst.Query, ourTarget uint64, _ bool) {
	b.update(sc, q, ourTarget)
	if !q.Outcome {
		return
	}

	block := b.directory.Lookup(0, q.PC)
	if block == nil || !block.IsValid {
		block = b.directory.FindVictim(q.PC)
		if block == nil {
			return
		}
		block.Tag = q.PC
		block.IsValid = true
	}
	b.targets[b.slot(block)] = q.OraclePC
	b.directory.Visit(block)
}

// perfectBTB always returns the correct taken target.
type perfectBTB struct {
	btbBase
}

func (b *perfectBTB) Lookup(sc Scratch, q inst.Query, _ bool) uint64 {
	s := own[*btbScratch](b.name, sc)
	b.inc(&b.c.Lookups)
	s.hit = true
	if q.Outcome {
		return q.OraclePC
	}
	return q.TargetPC
}

func (b *perfectBTB) Update(sc Scratch, q inst.Query, ourTarget uint64, _ bool) {
	b.update(sc, q, ourTarget)
}
