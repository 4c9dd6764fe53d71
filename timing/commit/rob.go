package commit

import (
	"fmt"

	"github.com/sarchlab/specsim/timing/stats"
	"github.com/sarchlab/specsim/timing/uop"
)

// Stats holds commit statistics.
type Stats struct {
	Cycles            uint64
	CommittedMops     uint64
	CommittedUops     uint64
	CommittedBranches uint64
	SquashedUops      uint64
	Stalls            [NumStallReasons]uint64
	OccupancySum      uint64
	FullCycles        uint64
}

// AvgOccupancy returns the mean number of allocated ROB entries.
func (s Stats) AvgOccupancy() float64 {
	if s.Cycles == 0 {
		return 0
	}
	return float64(s.OccupancySum) / float64(s.Cycles)
}

// entry is one ROB slot: a uop plus any fused bodies attached to it.
type entry struct {
	uops []*uop.Uop
}

func (e *entry) mop() *uop.Mop {
	return e.uops[0].Mop
}

// staged is a finished Mop in the pre-commit pipe. Its ROB entries stay
// allocated until it retires.
type staged struct {
	m       *uop.Mop
	entries int
	at      uint64
}

// occupancyBuckets is the resolution of the ROB occupancy distribution.
const occupancyBuckets = 16

// rob is a circular reorder buffer. The out-of-order style retires
// finished Mops straight from the head and squashes youngest first. The
// in-order style stages finished Mops through a pre-commit pipe of
// PreCommitDepth cycles and squashes oldest first.
type rob struct {
	name          string
	config        Config
	host          Host
	youngestFirst bool
	inOrder       bool

	entries []entry
	head    int
	count   int

	pipe        []staged
	pipeEntries int
	occupancy   *stats.Distribution

	reason     StallReason
	idle       int
	deadlocked bool

	stats  Stats
	frozen bool
}

func newROB(name string, config Config, host Host, inOrder bool) *rob {
	r := &rob{
		name:          name,
		config:        config,
		host:          host,
		youngestFirst: !inOrder,
		inOrder:       inOrder,
		entries:       make([]entry, config.ROBSize),
		occupancy: stats.NewDistribution(uint64(config.ROBSize),
			min(occupancyBuckets, config.ROBSize+1)),
	}
	for i := range r.entries {
		r.entries[i].uops = make([]*uop.Uop, 0, 2)
	}
	return r
}

func (r *rob) Name() string {
	return r.name
}

func (r *rob) Config() Config {
	return r.config
}

func (r *rob) at(i int) *entry {
	return &r.entries[(r.head+i)%len(r.entries)]
}

func (r *rob) ROBAvailable() bool {
	return r.count < len(r.entries)
}

func (r *rob) ROBEmpty() bool {
	return r.count == 0
}

func (r *rob) Occupancy() int {
	return r.count
}

func (r *rob) Head() *uop.Mop {
	if r.count == 0 {
		return nil
	}
	return r.at(0).mop()
}

func (r *rob) StallReason() StallReason {
	return r.reason
}

func (r *rob) Deadlocked() bool {
	return r.deadlocked
}

func (r *rob) IdleCycles() int {
	return r.idle
}

func (r *rob) ROBInsert(u *uop.Uop) {
	if r.count == len(r.entries) {
		panic(fmt.Sprintf("%s: ROB insert into a full ROB (%d entries)", r.name, r.count))
	}
	e := r.at(r.count)
	e.uops = append(e.uops[:0], u)
	u.InROB = true
	r.count++
}

func (r *rob) ROBFuseInsert(u *uop.Uop) {
	if r.count == 0 {
		panic(fmt.Sprintf("%s: fused insert into an empty ROB", r.name))
	}
	e := r.at(r.count - 1)
	if e.mop() != u.Mop {
		panic(fmt.Sprintf("%s: fused uop of Mop %d attached to Mop %d", r.name, u.Mop.Seq, e.mop().Seq))
	}
	e.uops = append(e.uops, u)
	u.InROB = true
}

func (r *rob) SquashUop(u *uop.Uop) {
	u.Squashed = true
	u.InROB = false
	u.ActionID = r.host.NewActionID()
	r.inc(&r.stats.SquashedUops, 1)
}

func (r *rob) inc(v *uint64, n uint64) {
	if !r.frozen {
		*v += n
	}
}

// diagnose returns why the oldest Mop cannot retire, or StallNone.
func (r *rob) diagnose(m *uop.Mop, branches int) StallReason {
	done := m.NumDone()
	switch {
	case done == 0:
		return StallNotReady
	case done < len(m.Uops):
		return StallPartial
	case m.JeclearInflight:
		return StallJeclearInflight
	case m.IsBranch() && branches >= r.config.MaxBranchesPerCycle:
		return StallMaxBranches
	}
	return StallNone
}

func (r *rob) Step() {
	var (
		committed int
		reason    StallReason
	)
	if r.inOrder {
		committed, reason = r.stepInOrder()
	} else {
		committed, reason = r.stepOutOfOrder()
	}

	r.reason = reason
	r.inc(&r.stats.Cycles, 1)
	r.inc(&r.stats.Stalls[reason], 1)
	r.inc(&r.stats.OccupancySum, uint64(r.count))
	if !r.frozen {
		r.occupancy.Sample(uint64(r.count))
	}
	if r.count == len(r.entries) {
		r.inc(&r.stats.FullCycles, 1)
	}

	if committed == 0 && r.count > 0 {
		r.idle++
		if r.idle >= r.config.DeadlockThreshold {
			r.deadlocked = true
		}
	} else {
		r.idle = 0
	}
}

func (r *rob) stepOutOfOrder() (int, StallReason) {
	committed, branches := 0, 0

	for committed < r.config.Width {
		if r.count == 0 {
			return committed, StallEmpty
		}

		m := r.at(0).mop()
		if reason := r.diagnose(m, branches); reason != StallNone {
			return committed, reason
		}
		if committed > 0 && committed+len(m.Uops) > r.config.Width {
			break
		}

		r.retire(m)
		committed += len(m.Uops)
		if m.IsBranch() {
			branches++
		}
	}

	return committed, StallNone
}

// stepInOrder moves finished Mops into the pre-commit pipe in program
// order, then retires the ones that have spent PreCommitDepth cycles
// there.
func (r *rob) stepInOrder() (int, StallReason) {
	now := r.host.Cycle()
	stageReason := r.stage(now)

	committed, split := 0, false
	for len(r.pipe) > 0 && committed < r.config.Width {
		s := r.pipe[0]
		if s.at+uint64(r.config.PreCommitDepth) > now {
			break
		}
		if committed > 0 && committed+len(s.m.Uops) > r.config.Width {
			split = true
			break
		}

		r.pipe = r.pipe[1:]
		r.pipeEntries -= s.entries
		r.retire(s.m)
		committed += len(s.m.Uops)
	}

	switch {
	case committed >= r.config.Width || split:
		return committed, StallNone
	case len(r.pipe) > 0:
		return committed, StallPreCommit
	}
	return committed, stageReason
}

// stage appends up to Width uops' worth of finished Mops, oldest first,
// to the pre-commit pipe and returns why it stopped.
func (r *rob) stage(now uint64) StallReason {
	n, branches := 0, 0
	for n < r.config.Width {
		if r.pipeEntries == r.count {
			return StallEmpty
		}

		m := r.at(r.pipeEntries).mop()
		if reason := r.diagnose(m, branches); reason != StallNone {
			return reason
		}
		if n > 0 && n+len(m.Uops) > r.config.Width {
			break
		}

		k := 0
		for r.pipeEntries+k < r.count && r.at(r.pipeEntries+k).mop() == m {
			k++
		}
		r.pipe = append(r.pipe, staged{m: m, entries: k, at: now})
		r.pipeEntries += k
		n += len(m.Uops)
		if m.IsBranch() {
			branches++
		}
	}
	return StallNone
}

// retire frees the head entries of m and hands it to the host.
func (r *rob) retire(m *uop.Mop) {
	for r.count > 0 && r.at(0).mop() == m {
		e := r.at(0)
		for _, u := range e.uops {
			u.InROB = false
		}
		e.uops = e.uops[:0]
		r.head = (r.head + 1) % len(r.entries)
		r.count--
	}

	r.inc(&r.stats.CommittedMops, 1)
	r.inc(&r.stats.CommittedUops, uint64(len(m.Uops)))
	if m.IsBranch() {
		r.inc(&r.stats.CommittedBranches, 1)
	}
	r.host.CommitMop(m)
}

func (r *rob) Recover(m *uop.Mop) {
	keep := 0
	for keep < r.count && r.at(keep).mop().Seq <= m.Seq {
		keep++
	}
	r.squashFrom(keep)
}

func (r *rob) RecoverAll() {
	r.squashFrom(0)
}

// squashFrom squashes entries keep..count-1 in the pipeline's order and
// hands each Mop to the host once all its ROB uops are squashed.
func (r *rob) squashFrom(keep int) {
	n := r.count - keep
	var cur *uop.Mop
	for i := 0; i < n; i++ {
		idx := keep + i
		if r.youngestFirst {
			idx = r.count - 1 - i
		}
		e := r.at(idx)
		if m := e.mop(); m != cur {
			if cur != nil {
				r.host.SquashMop(cur)
			}
			cur = m
		}
		for j := range e.uops {
			u := e.uops[j]
			if r.youngestFirst {
				u = e.uops[len(e.uops)-1-j]
			}
			r.SquashUop(u)
		}
		e.uops = e.uops[:0]
	}
	if cur != nil {
		r.host.SquashMop(cur)
	}
	r.count = keep

	for len(r.pipe) > 0 && r.pipeEntries > keep {
		r.pipeEntries -= r.pipe[len(r.pipe)-1].entries
		r.pipe = r.pipe[:len(r.pipe)-1]
	}
}

func (r *rob) Stats() Stats {
	return r.stats
}

func (r *rob) RegStats(db *stats.Database, core int) {
	const comp = "commit"
	db.AddCounter(stats.CompName(core, comp, "cycles"), "cycles stepped", &r.stats.Cycles)
	db.AddCounter(stats.CompName(core, comp, "mops"), "committed Mops", &r.stats.CommittedMops)
	db.AddCounter(stats.CompName(core, comp, "uops"), "committed uops", &r.stats.CommittedUops)
	db.AddCounter(stats.CompName(core, comp, "branches"), "committed branches", &r.stats.CommittedBranches)
	db.AddCounter(stats.CompName(core, comp, "squashed_uops"), "uops squashed from the ROB", &r.stats.SquashedUops)
	for i := StallReason(0); i < NumStallReasons; i++ {
		db.AddCounter(stats.CompName(core, comp, "stall_"+i.String()), "cycles with stall reason "+i.String(),
			&r.stats.Stalls[i])
	}
	db.AddCounter(stats.CompName(core, comp, "rob_full_cycles"), "cycles with a full ROB", &r.stats.FullCycles)
	db.AddFormula(stats.CompName(core, comp, "rob_occupancy"), "average ROB occupancy",
		stats.Ratio(&r.stats.OccupancySum, &r.stats.Cycles))
	db.AddDistribution(stats.CompName(core, comp, "rob_occupancy_dist"), "ROB occupancy per cycle",
		r.occupancy)
}

// OccupancyDistribution returns the per-cycle ROB occupancy histogram.
func (r *rob) OccupancyDistribution() *stats.Distribution {
	return r.occupancy
}

func (r *rob) ResetStats() {
	r.stats = Stats{}
	r.occupancy.Reset()
}

func (r *rob) Freeze() {
	r.frozen = true
}
