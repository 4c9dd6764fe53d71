package bpred

import (
	"fmt"

	"github.com/sarchlab/specsim/timing/inst"
)

// Fusion combines the votes of the direction predictors into the final
// direction. It follows the same five-operation protocol as the
// direction predictors. With a single direction predictor the "none"
// fusion passes the vote through, but callers still go through it.
type Fusion interface {
	Component

	Lookup(sc Scratch, preds []bool, q inst.Query) bool
	Update(sc Scratch, preds []bool, q inst.Query, ourPred bool)
	SpecUpdate(sc Scratch, preds []bool, q inst.Query, ourPred bool)
	Recover(sc Scratch, outcome bool)
	Flush(sc Scratch)

	GetCache() Scratch
	RetCache(sc Scratch)
}

// NewFusion builds a fusion from its configuration string for numPreds
// direction predictors.
func NewFusion(s string, numPreds int) (Fusion, error) {
	sp, err := parseSpec(s)
	if err != nil {
		return nil, err
	}

	switch sp.kind {
	case "none":
		if err := sp.want(0); err != nil {
			return nil, err
		}
		return &passThrough{fusionBase: fusionBase{counters: counters{name: s}}}, nil
	case "majority":
		if err := sp.want(0); err != nil {
			return nil, err
		}
		return &majority{fusionBase: fusionBase{counters: counters{name: s}}}, nil
	case "chooser":
		if err := sp.want(1); err != nil {
			return nil, err
		}
		if err := sp.pow2(0, "meta table size"); err != nil {
			return nil, err
		}
		if numPreds < 2 {
			return nil, fmt.Errorf("%q needs two direction predictors, have %d: %w",
				s, numPreds, ErrBadConfig)
		}
		return newChooser(s, sp.args[0]), nil
	}

	return nil, fmt.Errorf("fusion %q: %w", s, ErrUnknownComponent)
}

type fusionScratch struct {
	ScratchBase
	index uint64
}

// fusionBase provides the scratch lifecycle and the stateless
// speculative operations.
type fusionBase struct {
	counters
	pool freeList[fusionScratch]
}

func (f *fusionBase) GetCache() Scratch {
	s := f.pool.get()
	s.owned = true
	return s
}

func (f *fusionBase) RetCache(sc Scratch) {
	f.pool.put(own[*fusionScratch](f.name, sc))
}

func (f *fusionBase) SpecUpdate(sc Scratch, _ []bool, _ inst.Query, _ bool) {
	own[*fusionScratch](f.name, sc)
	f.inc(&f.c.SpecUpdates)
}

func (f *fusionBase) Recover(sc Scratch, _ bool) {
	own[*fusionScratch](f.name, sc)
	f.inc(&f.c.Recovers)
}

func (f *fusionBase) Flush(sc Scratch) {
	own[*fusionScratch](f.name, sc)
	f.inc(&f.c.Flushes)
}

func (f *fusionBase) update(sc Scratch, q inst.Query, ourPred bool) *fusionScratch {
	s := own[*fusionScratch](f.name, sc)
	f.markUpdated(&s.ScratchBase)
	if ourPred == q.Outcome {
		f.inc(&f.c.Hits)
	}
	return s
}

// passThrough returns the first vote.
type passThrough struct {
	fusionBase
}

func (f *passThrough) Lookup(sc Scratch, preds []bool, _ inst.Query) bool {
	own[*fusionScratch](f.name, sc)
	f.inc(&f.c.Lookups)
	return preds[0]
}

func (f *passThrough) Update(sc Scratch, _ []bool, q inst.Query, ourPred bool) {
	f.update(sc, q, ourPred)
}

// majority returns the majority vote; ties go to the first predictor.
type majority struct {
	fusionBase
}

func (f *majority) Lookup(sc Scratch, preds []bool, _ inst.Query) bool {
	own[*fusionScratch](f.name, sc)
	f.inc(&f.c.Lookups)

	taken := 0
	for _, p := range preds {
		if p {
			taken++
		}
	}
	notTaken := len(preds) - taken
	if taken == notTaken {
		return preds[0]
	}
	return taken > notTaken
}

func (f *majority) Update(sc Scratch, _ []bool, q inst.Query, ourPred bool) {
	f.update(sc, q, ourPred)
}

// chooser is a McFarling-style meta predictor: a per-PC 2-bit counter
// picks the second vote when >= 2, the first otherwise. It is trained
// only when the two votes disagree.
type chooser struct {
	fusionBase
	meta []uint8
	mask uint64
}

func (f *chooser) SizeBits() uint64 {
	return uint64(len(f.meta)) * 2
}

func newChooser(name string, size int) *chooser {
	f := &chooser{
		fusionBase: fusionBase{counters: counters{name: name}},
		meta:       make([]uint8, size),
		mask:       uint64(size - 1),
	}
	for i := range f.meta {
		f.meta[i] = 2
	}
	return f
}

func (f *chooser) Lookup(sc Scratch, preds []bool, q inst.Query) bool {
	s := own[*fusionScratch](f.name, sc)
	f.inc(&f.c.Lookups)
	s.index = (q.PC >> 2) & f.mask
	if f.meta[s.index] >= 2 {
		return preds[1]
	}
	return preds[0]
}

func (f *chooser) Update(sc Scratch, preds []bool, q inst.Query, ourPred bool) {
	s := f.update(sc, q, ourPred)
	if preds[0] == preds[1] {
		return
	}
	f.meta[s.index] = counter2(f.meta[s.index], preds[1] == q.Outcome)
}
