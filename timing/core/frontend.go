package core

import (
	"fmt"

	"github.com/sarchlab/specsim/timing/inst"
	"github.com/sarchlab/specsim/timing/uop"
	"github.com/sarchlab/specsim/trace"
)

// maxSrcDist bounds how far back a register dependence can reach.
const maxSrcDist = 64

// wrongPathRecord synthesizes the instruction at pc on a mispredicted
// path. The result depends only on pc, so a wrong path is reproducible.
func wrongPathRecord(pc uint64) trace.Record {
	h := pc*0x9E3779B97F4A7C15 + 0x632BE59BD9B4E019
	h ^= h >> 29
	h *= 0xBF58476D1CE4E5B9
	h ^= h >> 32

	rec := trace.Record{
		PC:     pc,
		NextPC: pc + 4,
		Class:  inst.FUIntALU,
	}
	if h%8 == 0 {
		rec.Flags = inst.FlagCtrl | inst.FlagCond
		rec.TargetPC = pc + 4*(2+(h>>8)%8)
		rec.Taken = (h>>16)&1 == 1
	}
	return rec
}

func (c *Core) newMop(rec trace.Record, wrongPath bool) *uop.Mop {
	c.nextSeq++
	return &uop.Mop{
		Seq:           c.nextSeq,
		PC:            rec.PC,
		FallthroughPC: rec.NextPC,
		TargetPC:      rec.TargetPC,
		OraclePC:      rec.OraclePC(),
		Taken:         rec.Taken,
		Flags:         rec.Flags,
		Addrs:         rec.MemAddrs,
		WrongPath:     wrongPath,
		FetchCycle:    c.cycle,
	}
}

// fetch brings up to FetchWidth Mops into the fetch queue and predicts
// each branch. A predicted-taken branch ends the fetch group. Once a
// correct-path prediction disagrees with the trace, fetch follows the
// predicted path with synthesized instructions until recovery.
func (c *Core) fetch() {
	for n := 0; n < c.config.FetchWidth; n++ {
		if len(c.fetchQ) >= c.config.FetchQueueSize {
			c.inc(&c.stats.FetchQueueFull)
			return
		}

		var rec trace.Record
		if c.wrongPath {
			rec = wrongPathRecord(c.fetchPC)
		} else {
			if c.traceDone {
				return
			}
			var ok bool
			var err error
			rec, ok, err = c.src.Next()
			if err != nil {
				c.err = fmt.Errorf("core %d: %w", c.id, err)
				return
			}
			if !ok {
				c.traceDone = true
				return
			}
		}

		m := c.newMop(rec, c.wrongPath)
		c.inc(&c.stats.Fetched)
		if m.WrongPath {
			c.inc(&c.stats.WrongPathFetched)
		}

		m.PredPC = m.FallthroughPC
		if m.IsBranch() {
			m.Pred = c.bpred.GetStateCache()
			m.PredPC = c.bpred.Lookup(m.Pred, m.Flags, m.Query())
		}
		if !m.WrongPath && m.PredPC != m.OraclePC {
			m.Mispredicted = true
			c.wrongPath = true
			c.log.V(2).Info("fetch diverged", "core", c.id, "seq", m.Seq,
				"pc", fmt.Sprintf("%#x", m.PC), "predicted", fmt.Sprintf("%#x", m.PredPC))
		}
		c.fetchPC = m.PredPC

		c.fetchQ = append(c.fetchQ, fetchEntry{
			mop:   m,
			class: rec.Class,
			extra: rec.Uops,
			dep:   rec.SrcDist,
		})

		if m.IsBranch() && m.PredPC != m.FallthroughPC {
			return
		}
	}
}

// decode cracks Mops that have spent DecodeLatency cycles in the fetch
// queue. A correct-path direct jump whose predicted target is wrong is
// fixed here instead of waiting for execute.
func (c *Core) decode() {
	for n := 0; n < c.config.DecodeWidth && len(c.fetchQ) > 0; n++ {
		if len(c.dispatchQ) >= c.config.DispatchQueueSize {
			return
		}
		e := c.fetchQ[0]
		m := e.mop
		if m.FetchCycle+uint64(c.config.DecodeLatency) > c.cycle {
			return
		}
		c.fetchQ = c.fetchQ[1:]

		m.DecodeCycle = c.cycle
		m.Crack(inst.Crack(m.Flags, len(m.Addrs), e.extra, e.class), c.nextUop)
		if n := robEntries(m); n > c.config.Commit.ROBSize {
			c.err = fmt.Errorf("core %d: instruction at %#x needs %d ROB entries, ROB holds %d: %w",
				c.id, m.PC, n, c.config.Commit.ROBSize, trace.ErrBadRecord)
			return
		}
		if !m.WrongPath {
			c.linkProducer(m, e.dep)
		}
		c.dispatchQ = append(c.dispatchQ, m)
		c.inc(&c.stats.Decoded)

		if c.needsDecodeRedirect(m) {
			c.decodeRedirect(m)
			return
		}
	}
}

// robEntries counts the ROB entries m occupies; fused uops share one.
func robEntries(m *uop.Mop) int {
	n := 0
	for _, u := range m.Uops {
		if !u.Fused {
			n++
		}
	}
	return n
}

func (c *Core) nextUop() uint64 {
	c.nextUopSeq++
	return c.nextUopSeq
}

// linkProducer makes the first uop of m wait for the last uop of the
// correct-path Mop dist records earlier.
func (c *Core) linkProducer(m *uop.Mop, dist int) {
	if dist > 0 && dist <= len(c.recent) && len(m.Uops) > 0 {
		p := c.recent[len(c.recent)-dist]
		if !p.Committed {
			m.Uops[0].Deps = append(m.Uops[0].Deps, p.Uops[len(p.Uops)-1])
		}
	}

	if len(c.recent) == maxSrcDist {
		copy(c.recent, c.recent[1:])
		c.recent = c.recent[:maxSrcDist-1]
	}
	c.recent = append(c.recent, m)
}

func (c *Core) needsDecodeRedirect(m *uop.Mop) bool {
	return !m.WrongPath && m.Mispredicted &&
		m.Flags.Has(inst.FlagUncond) && !m.Flags.Has(inst.FlagIndirect)
}

// decodeRedirect points fetch at the decoded target of a direct jump.
// Everything fetched after it is discarded.
func (c *Core) decodeRedirect(m *uop.Mop) {
	c.squashed = c.squashed[:0]
	c.squashFrontEnd(m)
	c.releaseSquashed()

	c.bpred.Repair(m.Pred, m.Flags, m.Query())
	m.PredPC = m.OraclePC
	m.Mispredicted = false

	c.fetchPC = m.OraclePC
	c.wrongPath = false
	c.inc(&c.stats.DecodeRedirects)
	c.log.V(1).Info("decode redirect", "core", c.id, "seq", m.Seq,
		"pc", fmt.Sprintf("%#x", m.PC), "target", fmt.Sprintf("%#x", m.OraclePC))
}

// squashFrontEnd discards every front-end Mop younger than m.
func (c *Core) squashFrontEnd(m *uop.Mop) {
	keep := c.dispatchQ[:0]
	for i, d := range c.dispatchQ {
		if d.Seq <= m.Seq {
			keep = append(keep, d)
			continue
		}
		if i == 0 {
			c.dispIdx = 0
		}
		c.squashMop(d)
	}
	c.dispatchQ = keep

	for _, e := range c.fetchQ {
		c.squashMop(e.mop)
	}
	c.fetchQ = c.fetchQ[:0]
}
