// Package uop defines the in-flight instruction model of the core: the
// macro-instruction (Mop) and the micro-operations (uops) it cracks into.
package uop

import (
	"github.com/sarchlab/specsim/timing/bpred"
	"github.com/sarchlab/specsim/timing/inst"
)

// Mop is one fetched macro-instruction.
type Mop struct {
	// Seq is the fetch order within the core.
	Seq uint64

	PC            uint64
	FallthroughPC uint64
	TargetPC      uint64
	// OraclePC is the correct next PC.
	OraclePC uint64
	Taken    bool
	Flags    inst.Flags
	Addrs    []uint64

	// WrongPath marks a Mop fetched down a mispredicted path.
	WrongPath bool

	// Pred is the prediction record of a branch, nil otherwise.
	Pred   *bpred.StateCache
	PredPC uint64
	// Mispredicted is set when PredPC differs from OraclePC.
	Mispredicted bool
	// JeclearInflight is set while the branch's recovery is pending.
	JeclearInflight bool
	// SpecUpdated records that the record took the speculative update.
	SpecUpdated bool

	Uops []*Uop

	FetchCycle    uint64
	DecodeCycle   uint64
	DispatchCycle uint64
	CommitCycle   uint64

	Squashed  bool
	Committed bool
}

// Query builds the branch query of the Mop.
func (m *Mop) Query() inst.Query {
	return inst.Query{
		PC:            m.PC,
		FallthroughPC: m.FallthroughPC,
		TargetPC:      m.TargetPC,
		OraclePC:      m.OraclePC,
		Outcome:       m.Taken,
	}
}

// PredictedQuery builds the query a speculative update sees: the
// predicted next PC and direction stand in for the oracle values.
func (m *Mop) PredictedQuery() inst.Query {
	q := m.Query()
	q.OraclePC = m.PredPC
	q.Outcome = m.Pred.OurPred
	return q
}

// IsBranch reports whether the Mop redirects control flow.
func (m *Mop) IsBranch() bool {
	return m.Flags.IsBranch()
}

// NumDone returns the number of finished uops.
func (m *Mop) NumDone() int {
	n := 0
	for _, u := range m.Uops {
		if u.Done {
			n++
		}
	}
	return n
}

// Done reports whether every uop has finished.
func (m *Mop) Done() bool {
	return m.NumDone() == len(m.Uops)
}

// Dispatched reports whether every uop has entered the ROB.
func (m *Mop) Dispatched() bool {
	for _, u := range m.Uops {
		if !u.InROB {
			return false
		}
	}
	return true
}

// Crack creates the uops of the Mop from its flow. Each uop depends on
// the one before it except fused bodies, which share the entry of their
// head. nextSeq numbers the uops.
func (m *Mop) Crack(flow []inst.Template, nextSeq func() uint64) {
	m.Uops = make([]*Uop, 0, len(flow))
	var prev *Uop
	for i, t := range flow {
		u := &Uop{
			Mop:   m,
			Index: i,
			Seq:   nextSeq(),
			Class: t.Class,
			Fused: t.Fused,
		}
		if t.MemIndex >= 0 && t.MemIndex < len(m.Addrs) {
			u.Addr = m.Addrs[t.MemIndex]
			u.HasAddr = true
		}
		if prev != nil && !t.Fused {
			u.Deps = append(u.Deps, prev)
		}
		m.Uops = append(m.Uops, u)
		prev = u
	}
}

// Uop is one micro-operation.
type Uop struct {
	Mop   *Mop
	Index int
	Seq   uint64
	Class inst.FUClass
	// Fused marks a body sharing the ROB entry of the previous uop.
	Fused bool

	Addr    uint64
	HasAddr bool

	// ActionID changes whenever the uop is squashed so that memory
	// callbacks issued before the squash can be recognised and dropped.
	ActionID uint64

	// Deps are the producers this uop waits for.
	Deps []*Uop

	Issued     bool
	Done       bool
	CompleteAt uint64

	InROB    bool
	Squashed bool
}

// Ready reports whether every producer has finished by cycle now.
func (u *Uop) Ready(now uint64) bool {
	for _, d := range u.Deps {
		if d.Squashed {
			continue
		}
		if !d.Done || d.CompleteAt > now {
			return false
		}
	}
	return true
}

// ActionIDOf extracts the current action id of a uop handed to the
// memory system as an opaque operation.
func ActionIDOf(op any) uint64 {
	return op.(*Uop).ActionID
}
