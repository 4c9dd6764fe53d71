package bpred

import (
	"fmt"

	"github.com/sarchlab/specsim/timing/inst"
	"github.com/sarchlab/specsim/timing/stats"
)

// RASCheckpoint identifies a stack snapshot held in the RAS arena. The
// zero value is no checkpoint.
type RASCheckpoint struct {
	id   uint64
	slot int
}

// Valid reports whether the checkpoint was issued by GetState.
func (cp RASCheckpoint) Valid() bool {
	return cp.id != 0
}

// RAS predicts return addresses. Push and Pop are speculative and run at
// fetch; RealPush and RealPop run at confirmed resolution and maintain
// the architected stack. Recover restores a snapshot taken by GetState;
// RetState frees it.
type RAS interface {
	Name() string
	RegStats(db *stats.Database, core int, comp string)
	ResetStats()
	Freeze()
	RASCounters() RASCounters

	Push(q inst.Query)
	Pop(q inst.Query) uint64
	RealPush(q inst.Query)
	RealPop(q inst.Query) uint64

	Recover(cp RASCheckpoint)
	GetState() RASCheckpoint
	RetState(cp RASCheckpoint)

	// Size is the stack depth.
	Size() int
	// SizeBits is the speculative stack storage in bits.
	SizeBits() uint64
}

// RASCounters are the RAS statistics.
type RASCounters struct {
	Pushes     uint64
	Pops       uint64
	RealPushes uint64
	RealPops   uint64
	Recovers   uint64
	Hits       uint64
}

// NewRAS builds a return-address stack from its configuration string.
// checkpoints sizes the snapshot arena.
func NewRAS(s string, checkpoints int) (RAS, error) {
	sp, err := parseSpec(s)
	if err != nil {
		return nil, err
	}

	switch sp.kind {
	case "stack", "perfect":
		if err := sp.want(1); err != nil {
			return nil, err
		}
		if sp.args[0] < 1 {
			return nil, fmt.Errorf("%q: depth must be positive: %w", s, ErrBadConfig)
		}
		if checkpoints < 1 {
			return nil, fmt.Errorf("%q: checkpoint arena must hold at least one snapshot: %w",
				s, ErrBadConfig)
		}
		return newStackRAS(s, sp.args[0], checkpoints, sp.kind == "perfect"), nil
	}

	return nil, fmt.Errorf("return address stack %q: %w", s, ErrUnknownComponent)
}

// rasSnapshot holds the stack pointer and the entry under it. Deeper
// entries are not saved.
type rasSnapshot struct {
	id    uint64
	tos   int
	depth int
	top   uint64
}

// stackRAS is a circular return-address stack with a checkpoint arena.
// GetState fills a free arena slot and tags it with a fresh id so stale
// checkpoints are caught.
type stackRAS struct {
	name   string
	frozen bool
	c      RASCounters
	oracle bool

	stack []uint64
	tos   int // index of the next free slot
	depth int // valid entries, saturating at len(stack)

	real      []uint64
	realTOS   int
	realDepth int

	arena  []rasSnapshot
	free   []int
	nextID uint64
}

func newStackRAS(name string, size, checkpoints int, oracle bool) *stackRAS {
	r := &stackRAS{
		name:   name,
		oracle: oracle,
		stack:  make([]uint64, size),
		real:   make([]uint64, size),
		arena:  make([]rasSnapshot, checkpoints),
		free:   make([]int, 0, checkpoints),
	}
	for i := checkpoints - 1; i >= 0; i-- {
		r.free = append(r.free, i)
	}
	return r
}

func (r *stackRAS) Name() string {
	return r.name
}

func (r *stackRAS) Size() int {
	return len(r.stack)
}

func (r *stackRAS) SizeBits() uint64 {
	return uint64(len(r.stack)) * 64
}

// Depth returns the number of valid speculative entries.
func (r *stackRAS) Depth() int {
	return r.depth
}

// FreeCheckpoints returns the number of unused snapshot slots.
func (r *stackRAS) FreeCheckpoints() int {
	return len(r.free)
}

func (r *stackRAS) RASCounters() RASCounters {
	return r.c
}

func (r *stackRAS) ResetStats() {
	r.c = RASCounters{}
}

func (r *stackRAS) Freeze() {
	r.frozen = true
}

func (r *stackRAS) inc(v *uint64) {
	if !r.frozen {
		*v++
	}
}

func (r *stackRAS) RegStats(db *stats.Database, core int, comp string) {
	db.AddCounter(stats.CompName(core, comp, "pushes"), "speculative pushes", &r.c.Pushes)
	db.AddCounter(stats.CompName(core, comp, "pops"), "speculative pops", &r.c.Pops)
	db.AddCounter(stats.CompName(core, comp, "real_pushes"), "committed pushes", &r.c.RealPushes)
	db.AddCounter(stats.CompName(core, comp, "real_pops"), "committed pops", &r.c.RealPops)
	db.AddCounter(stats.CompName(core, comp, "recovers"), "stack recoveries", &r.c.Recovers)
	db.AddCounter(stats.CompName(core, comp, "hits"), "correct return predictions", &r.c.Hits)
	db.AddFormula(stats.CompName(core, comp, "hit_rate"), "return prediction rate",
		stats.Ratio(&r.c.Hits, &r.c.RealPops))
}

func (r *stackRAS) Push(q inst.Query) {
	r.inc(&r.c.Pushes)
	r.stack[r.tos] = q.FallthroughPC
	r.tos = (r.tos + 1) % len(r.stack)
	if r.depth < len(r.stack) {
		r.depth++
	}
}

// Pop returns the predicted return address. An empty stack predicts 0.
func (r *stackRAS) Pop(q inst.Query) uint64 {
	r.inc(&r.c.Pops)
	if r.depth == 0 {
		if r.oracle {
			return q.OraclePC
		}
		return 0
	}
	r.tos = (r.tos - 1 + len(r.stack)) % len(r.stack)
	r.depth--
	if r.oracle {
		return q.OraclePC
	}
	return r.stack[r.tos]
}

func (r *stackRAS) RealPush(q inst.Query) {
	r.inc(&r.c.RealPushes)
	r.real[r.realTOS] = q.FallthroughPC
	r.realTOS = (r.realTOS + 1) % len(r.real)
	if r.realDepth < len(r.real) {
		r.realDepth++
	}
}

// RealPop pops the architected stack and counts a hit when it matches
// the correct return address.
func (r *stackRAS) RealPop(q inst.Query) uint64 {
	r.inc(&r.c.RealPops)
	if r.realDepth == 0 {
		return 0
	}
	r.realTOS = (r.realTOS - 1 + len(r.real)) % len(r.real)
	r.realDepth--
	addr := r.real[r.realTOS]
	if addr == q.OraclePC {
		r.inc(&r.c.Hits)
	}
	return addr
}

func (r *stackRAS) GetState() RASCheckpoint {
	n := len(r.free)
	if n == 0 {
		panic(fmt.Errorf("%s: no free checkpoint among %d: %w", r.name, len(r.arena), ErrPoolExhausted))
	}
	slot := r.free[n-1]
	r.free = r.free[:n-1]

	r.nextID++
	snap := &r.arena[slot]
	snap.id = r.nextID
	snap.tos = r.tos
	snap.depth = r.depth
	snap.top = r.stack[r.below(r.tos)]

	return RASCheckpoint{id: snap.id, slot: slot}
}

func (r *stackRAS) snapshot(cp RASCheckpoint) *rasSnapshot {
	if !cp.Valid() || cp.slot < 0 || cp.slot >= len(r.arena) || r.arena[cp.slot].id != cp.id {
		violation(r.name, "stale or foreign checkpoint %d", cp.id)
	}
	return &r.arena[cp.slot]
}

func (r *stackRAS) Recover(cp RASCheckpoint) {
	snap := r.snapshot(cp)
	r.inc(&r.c.Recovers)
	r.tos = snap.tos
	r.depth = snap.depth
	r.stack[r.below(r.tos)] = snap.top
}

// below returns the slot under tos, which holds the top entry.
func (r *stackRAS) below(tos int) int {
	return (tos - 1 + len(r.stack)) % len(r.stack)
}

func (r *stackRAS) RetState(cp RASCheckpoint) {
	snap := r.snapshot(cp)
	snap.id = 0
	r.free = append(r.free, cp.slot)
}
