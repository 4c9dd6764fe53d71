package bpred

import (
	"fmt"

	"github.com/sarchlab/specsim/timing/inst"
)

// DirPredictor produces a taken/not-taken vote for a branch.
//
// Lookup must not change persistent predictor state. Update is the one
// authoritative training call per prediction. SpecUpdate makes the
// prediction visible to younger in-flight lookups and may be called more
// than once; only the first call has an effect. Recover undoes the
// effect of this prediction's SpecUpdate; Flush drops the association
// without touching shared state.
type DirPredictor interface {
	Component

	Lookup(sc Scratch, q inst.Query) bool
	Update(sc Scratch, q inst.Query, ourPred bool)
	SpecUpdate(sc Scratch, q inst.Query, ourPred bool)
	Recover(sc Scratch, outcome bool)
	Flush(sc Scratch)

	GetCache() Scratch
	RetCache(sc Scratch)
}

// NewDirPredictor builds a direction predictor from its configuration
// string.
func NewDirPredictor(s string) (DirPredictor, error) {
	sp, err := parseSpec(s)
	if err != nil {
		return nil, err
	}

	switch sp.kind {
	case "taken", "nottaken":
		if err := sp.want(0); err != nil {
			return nil, err
		}
		return newStaticDir(s, sp.kind == "taken"), nil
	case "bimodal":
		if err := sp.want(1); err != nil {
			return nil, err
		}
		if err := sp.pow2(0, "table size"); err != nil {
			return nil, err
		}
		return newBimodal(s, sp.args[0]), nil
	case "gshare":
		if err := sp.want(2); err != nil {
			return nil, err
		}
		if err := sp.pow2(0, "table size"); err != nil {
			return nil, err
		}
		if sp.args[1] < 1 || sp.args[1] > 63 {
			return nil, fmt.Errorf("%q: history length must be in [1,63]: %w", s, ErrBadConfig)
		}
		return newGshare(s, sp.args[0], sp.args[1]), nil
	case "local":
		if err := sp.want(3); err != nil {
			return nil, err
		}
		if err := sp.pow2(0, "history table size"); err != nil {
			return nil, err
		}
		if err := sp.pow2(2, "pattern table size"); err != nil {
			return nil, err
		}
		if sp.args[1] < 1 || sp.args[1] > 63 {
			return nil, fmt.Errorf("%q: history length must be in [1,63]: %w", s, ErrBadConfig)
		}
		return newLocal(s, sp.args[0], sp.args[1], sp.args[2]), nil
	}

	return nil, fmt.Errorf("direction predictor %q: %w", s, ErrUnknownComponent)
}

// dirBase supplies the scratch lifecycle and the no-op speculative
// operations for predictors without speculative state.
type dirBase struct {
	counters
	pool freeList[dirScratch]
}

type dirScratch struct {
	ScratchBase
}

func (d *dirBase) GetCache() Scratch {
	s := d.pool.get()
	s.owned = true
	return s
}

func (d *dirBase) RetCache(sc Scratch) {
	d.pool.put(own[*dirScratch](d.name, sc))
}

func (d *dirBase) SpecUpdate(sc Scratch, _ inst.Query, _ bool) {
	own[*dirScratch](d.name, sc)
	d.inc(&d.c.SpecUpdates)
}

func (d *dirBase) Recover(sc Scratch, _ bool) {
	own[*dirScratch](d.name, sc)
	d.inc(&d.c.Recovers)
}

func (d *dirBase) Flush(sc Scratch) {
	own[*dirScratch](d.name, sc)
	d.inc(&d.c.Flushes)
}

// markUpdated enforces the at-most-once real update.
func (d *counters) markUpdated(s *ScratchBase) {
	if s.Updated {
		violation(d.name, "scratch really updated twice")
	}
	s.Updated = true
	d.inc(&d.c.Updates)
}

// staticDir always votes the same direction.
type staticDir struct {
	dirBase
	taken bool
}

func newStaticDir(name string, taken bool) *staticDir {
	return &staticDir{dirBase: dirBase{counters: counters{name: name}}, taken: taken}
}

func (p *staticDir) Lookup(sc Scratch, _ inst.Query) bool {
	own[*dirScratch](p.name, sc)
	p.inc(&p.c.Lookups)
	return p.taken
}

func (p *staticDir) Update(sc Scratch, q inst.Query, ourPred bool) {
	s := own[*dirScratch](p.name, sc)
	p.markUpdated(&s.ScratchBase)
	if ourPred == q.Outcome {
		p.inc(&p.c.Hits)
	}
}
