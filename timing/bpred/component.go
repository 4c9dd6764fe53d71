package bpred

import (
	"github.com/sarchlab/specsim/timing/stats"
)

// ScratchBase is the state every predictor scratch object carries. A
// prediction may be speculatively updated many times but must be really
// updated at most once.
type ScratchBase struct {
	// Updated is set by the one authoritative update.
	Updated bool

	owned bool
}

// Base returns the embedded base so a Scratch can be inspected without
// knowing its concrete type.
func (s *ScratchBase) Base() *ScratchBase {
	return s
}

// Owned reports whether the scratch is currently handed out.
func (s *ScratchBase) Owned() bool {
	return s.owned
}

// Scratch is the opaque per-prediction state a component hands out from
// GetCache and takes back in RetCache.
type Scratch interface {
	Base() *ScratchBase
}

// freeList recycles scratch objects of one concrete type.
type freeList[T any] struct {
	free []*T
}

func (f *freeList[T]) get() *T {
	n := len(f.free)
	if n == 0 {
		return new(T)
	}
	x := f.free[n-1]
	f.free = f.free[:n-1]
	return x
}

func (f *freeList[T]) put(x *T) {
	var zero T
	*x = zero
	f.free = append(f.free, x)
}

// Counters are the call and hit counts every component keeps.
type Counters struct {
	Lookups     uint64
	Updates     uint64
	SpecUpdates uint64
	Recovers    uint64
	Flushes     uint64
	Hits        uint64
}

// Component is the reporting surface shared by every predictor family.
type Component interface {
	// Name is the configuration string the component was built from.
	Name() string
	Counters() Counters
	RegStats(db *stats.Database, core int, comp string)
	ResetStats()
	// Freeze stops further counting without changing predictions.
	Freeze()
	// SizeBits is the storage the component models, in bits.
	SizeBits() uint64
}

// counters implements Component for embedding.
type counters struct {
	name   string
	c      Counters
	frozen bool
}

func (c *counters) Name() string {
	return c.name
}

func (c *counters) Counters() Counters {
	return c.c
}

func (c *counters) ResetStats() {
	c.c = Counters{}
}

func (c *counters) Freeze() {
	c.frozen = true
}

// SizeBits is zero for components without tables.
func (c *counters) SizeBits() uint64 {
	return 0
}

func (c *counters) inc(v *uint64) {
	if !c.frozen {
		*v++
	}
}

func (c *counters) RegStats(db *stats.Database, core int, comp string) {
	db.AddCounter(stats.CompName(core, comp, "lookups"), "lookups of "+c.name, &c.c.Lookups)
	db.AddCounter(stats.CompName(core, comp, "updates"), "updates of "+c.name, &c.c.Updates)
	db.AddCounter(stats.CompName(core, comp, "spec_updates"), "speculative updates of "+c.name, &c.c.SpecUpdates)
	db.AddCounter(stats.CompName(core, comp, "recovers"), "recoveries of "+c.name, &c.c.Recovers)
	db.AddCounter(stats.CompName(core, comp, "flushes"), "flushes of "+c.name, &c.c.Flushes)
	db.AddCounter(stats.CompName(core, comp, "hits"), "correct predictions of "+c.name, &c.c.Hits)
	db.AddFormula(stats.CompName(core, comp, "hit_rate"), "hit rate of "+c.name,
		stats.Ratio(&c.c.Hits, &c.c.Updates))
}

// own checks that a scratch handed to a component is of the expected
// type and currently live.
func own[PT Scratch](component string, sc Scratch) PT {
	s, ok := sc.(PT)
	if !ok {
		violation(component, "scratch of type %T does not belong here", sc)
	}
	if !s.Base().owned {
		violation(component, "scratch used after it was returned")
	}
	return s
}

// counter2 is a 2-bit saturating counter: 0,1 predict not-taken, 2,3 taken.
func counter2(v uint8, taken bool) uint8 {
	if taken {
		if v < 3 {
			return v + 1
		}
		return v
	}
	if v > 0 {
		return v - 1
	}
	return v
}

func isPowerOf2(n int) bool {
	return n > 0 && n&(n-1) == 0
}

func bit(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
