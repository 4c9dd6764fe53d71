package core

import (
	"fmt"
	"sort"

	"github.com/sarchlab/specsim/timing/cache"
	"github.com/sarchlab/specsim/timing/inst"
	"github.com/sarchlab/specsim/timing/uop"
)

// dispatch moves up to DispatchWidth uops into the ROB in program
// order. A Mop's branch record is speculatively applied once its last
// uop is in.
func (c *Core) dispatch() {
	for n := 0; n < c.config.DispatchWidth && len(c.dispatchQ) > 0; n++ {
		m := c.dispatchQ[0]
		u := m.Uops[c.dispIdx]

		if u.Fused {
			c.commit.ROBFuseInsert(u)
		} else {
			if !c.commit.ROBAvailable() {
				return
			}
			c.commit.ROBInsert(u)
		}
		u.ActionID = c.NewActionID()
		c.window = append(c.window, u)
		c.inc(&c.stats.DispatchedUops)

		c.dispIdx++
		if c.dispIdx < len(m.Uops) {
			continue
		}

		c.dispIdx = 0
		c.dispatchQ = c.dispatchQ[1:]
		m.DispatchCycle = c.cycle
		if m.Pred != nil {
			c.bpred.SpecUpdate(m.Pred, m.Flags, m.PredictedQuery())
			m.SpecUpdated = true
		}
	}
}

// execute finishes uops whose latency has elapsed, then issues ready
// uops oldest first.
func (c *Core) execute() {
	running := c.executing[:0]
	for _, u := range c.executing {
		switch {
		case u.Squashed:
		case u.CompleteAt <= c.cycle:
			c.complete(u)
		default:
			running = append(running, u)
		}
	}
	c.executing = running

	issued := 0
	waiting := c.window[:0]
	for _, u := range c.window {
		if u.Squashed {
			continue
		}
		if issued < c.config.IssueWidth && c.canIssue(u) && c.issue(u) {
			issued++
			continue
		}
		waiting = append(waiting, u)
	}
	c.window = waiting
}

func (c *Core) canIssue(u *uop.Uop) bool {
	if !u.Ready(c.cycle) {
		return false
	}
	// Serializing instructions run alone at the ROB head.
	if u.Mop.Flags.Has(inst.FlagTrap) && c.commit.Head() != u.Mop {
		return false
	}
	return true
}

// issue starts u. Loads go to the L1D and finish in its callback; they
// stay in the window when the L1D refuses them.
func (c *Core) issue(u *uop.Uop) bool {
	if u.Class == inst.FULoad && u.HasAddr {
		req := &cache.Request{
			Cmd:         cache.CmdRead,
			Addr:        u.Addr,
			LineSize:    c.l1d.Config().BlockSize,
			ActionID:    u.ActionID,
			Op:          u,
			Callback:    c.loadDone,
			GetActionID: uop.ActionIDOf,
		}
		if !c.l1d.Enqueue(req) {
			return false
		}
		u.Issued = true
		c.inc(&c.stats.IssuedUops)
		return true
	}

	lat := c.latency.GetLatency(u.Class)
	if u.Mop.Flags.Has(inst.FlagTrap) {
		lat = c.latency.TrapLatency()
	}
	if lat == 0 {
		lat = 1
	}

	u.Issued = true
	u.CompleteAt = c.cycle + lat
	c.executing = append(c.executing, u)
	c.inc(&c.stats.IssuedUops)
	return true
}

func (c *Core) loadDone(req *cache.Request) {
	u := req.Op.(*uop.Uop)
	u.CompleteAt = c.cycle
	c.complete(u)
}

// complete marks u finished. A resolving correct-path branch that was
// mispredicted schedules its recovery.
func (c *Core) complete(u *uop.Uop) {
	u.Done = true

	m := u.Mop
	if u.Class != inst.FUBranch || m.WrongPath || !m.Mispredicted {
		return
	}
	m.JeclearInflight = true
	c.jeclears = append(c.jeclears, jeclear{
		mop: m,
		at:  c.cycle + c.latency.MispredictPenalty(),
	})
}

func (c *Core) doJeclears() {
	for len(c.jeclears) > 0 && c.jeclears[0].at <= c.cycle {
		j := c.jeclears[0]
		c.jeclears = c.jeclears[1:]
		if j.mop.Squashed {
			continue
		}
		c.recoverFrom(j.mop)
	}
}

// recoverFrom squashes everything younger than the mispredicted branch
// m, undoes the squashed predictions youngest first, repairs m's own
// prediction and restarts fetch on the correct path.
func (c *Core) recoverFrom(m *uop.Mop) {
	c.squashed = c.squashed[:0]
	c.commit.Recover(m)
	c.squashFrontEnd(m)
	c.releaseSquashed()

	c.bpred.Repair(m.Pred, m.Flags, m.Query())
	m.JeclearInflight = false

	c.fetchPC = m.OraclePC
	c.wrongPath = false
	c.inc(&c.stats.Jeclears)
	c.log.V(1).Info("misprediction recovery", "core", c.id, "cycle", c.cycle, "seq", m.Seq,
		"pc", fmt.Sprintf("%#x", m.PC), "predicted", fmt.Sprintf("%#x", m.PredPC),
		"actual", fmt.Sprintf("%#x", m.OraclePC))
}

// squashMop marks m and all its uops squashed and queues it for
// release. Each Mop is queued once.
func (c *Core) squashMop(m *uop.Mop) {
	if m.Squashed {
		return
	}
	m.Squashed = true
	for _, u := range m.Uops {
		u.Squashed = true
	}
	c.squashed = append(c.squashed, m)
	c.inc(&c.stats.SquashedMops)
}

// releaseSquashed returns the prediction records of the squashed Mops,
// youngest first: spec-updated records are recovered, the rest flushed.
func (c *Core) releaseSquashed() {
	sort.Slice(c.squashed, func(i, j int) bool {
		return c.squashed[i].Seq > c.squashed[j].Seq
	})
	for _, m := range c.squashed {
		if m.Pred == nil {
			continue
		}
		if m.SpecUpdated {
			c.bpred.Recover(m.Pred, m.Taken)
		} else {
			c.bpred.Flush(m.Pred)
		}
		m.Pred = nil
	}
	c.squashed = c.squashed[:0]
}

// SquashMop is called by the commit engine for each Mop it removes.
func (c *Core) SquashMop(m *uop.Mop) {
	c.squashMop(m)
}

// CommitMop retires m: its branch record trains the predictors and its
// stores move to the store buffer.
func (c *Core) CommitMop(m *uop.Mop) {
	if m.WrongPath {
		panic(fmt.Sprintf("core %d: committing wrong-path Mop %d at %#x", c.id, m.Seq, m.PC))
	}

	m.Committed = true
	m.CommitCycle = c.cycle
	if m.Pred != nil {
		c.bpred.Update(m.Pred, m.Flags, m.Query())
		m.Pred = nil
	}

	for _, u := range m.Uops {
		if u.Class != inst.FUStoreAddr || !u.HasAddr {
			continue
		}
		c.storeBuf = append(c.storeBuf, &cache.Request{
			Cmd:      cache.CmdWrite,
			Addr:     u.Addr,
			LineSize: c.l1d.Config().BlockSize,
			Op:       u,
		})
	}

	c.inc(&c.stats.Committed)
	c.add(&c.stats.CommittedUops, uint64(len(m.Uops)))
	if m.Flags.Has(inst.FlagLoad) {
		c.inc(&c.stats.Loads)
	}
	if m.Flags.Has(inst.FlagStore) {
		c.inc(&c.stats.Stores)
	}
}

// drainStores writes committed stores into the L1D in order.
func (c *Core) drainStores() {
	for len(c.storeBuf) > 0 && c.l1d.Enqueue(c.storeBuf[0]) {
		c.storeBuf = c.storeBuf[1:]
	}
}
