// Package bpred implements the branch-prediction engine: direction
// predictors, a fusion (meta) predictor, target predictors, a
// return-address stack and the pool of prediction records that lets many
// predictions be outstanding at once.
package bpred

import (
	"fmt"

	"github.com/go-logr/logr"

	"github.com/sarchlab/specsim/timing/inst"
	"github.com/sarchlab/specsim/timing/stats"
)

// Stats holds engine-level statistics.
type Stats struct {
	Lookups     uint64
	Updates     uint64
	SpecUpdates uint64
	Recovers    uint64
	Flushes     uint64
	Repairs     uint64

	Cond   uint64
	Call   uint64
	Ret    uint64
	Uncond uint64

	// DirHits counts correct directions for all branches.
	DirHits uint64
	// AddrHits counts correct next-PC predictions for all branches.
	AddrHits uint64
}

// DirAccuracy returns the direction prediction accuracy as a percentage.
func (s Stats) DirAccuracy() float64 {
	if s.Updates == 0 {
		return 0
	}
	return float64(s.DirHits) / float64(s.Updates) * 100
}

// AddrAccuracy returns the next-PC prediction accuracy as a percentage.
func (s Stats) AddrAccuracy() float64 {
	if s.Updates == 0 {
		return 0
	}
	return float64(s.AddrHits) / float64(s.Updates) * 100
}

// PoolStats describes the prediction-record pool.
type PoolStats struct {
	Capacity    int
	Outstanding int
	Allocs      uint64
	Releases    uint64
}

// EngineOption is a functional option for configuring the Engine.
type EngineOption func(*Engine)

// WithLogger sets the logger used for recovery tracing.
func WithLogger(log logr.Logger) EngineOption {
	return func(e *Engine) {
		e.log = log
	}
}

// Engine orchestrates the predictor components behind one
// lookup/update/spec-update/recover/flush protocol.
type Engine struct {
	config   Config
	dirs     []DirPredictor
	fusion   Fusion
	dirBTB   BTB
	indirBTB BTB
	ras      RAS

	pool   *statePool
	stats  Stats
	frozen bool

	log logr.Logger
}

// NewEngine builds every configured component. Unknown component types
// and a non-positive pool size are configuration errors.
func NewEngine(config Config, opts ...EngineOption) (*Engine, error) {
	if config.PoolSize < 1 {
		return nil, fmt.Errorf("pool size %d: %w", config.PoolSize, ErrBadConfig)
	}

	comps, err := buildComponents(config, config.PoolSize)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		config:   config.Clone(),
		dirs:     comps.dirs,
		fusion:   comps.fusion,
		dirBTB:   comps.dirBTB,
		indirBTB: comps.indirBTB,
		ras:      comps.ras,
		pool:     newStatePool(config.PoolSize, len(comps.dirs)),
		log:      logr.Discard(),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e, nil
}

// Config returns the configuration the engine was built from.
func (e *Engine) Config() Config {
	return e.config.Clone()
}

// DirPredictors returns the direction predictors in vote order.
func (e *Engine) DirPredictors() []DirPredictor {
	return e.dirs
}

// Fusion returns the meta-predictor.
func (e *Engine) Fusion() Fusion {
	return e.fusion
}

// DirBTB returns the direct target predictor.
func (e *Engine) DirBTB() BTB {
	return e.dirBTB
}

// IndirBTB returns the indirect target predictor (possibly the same
// instance as DirBTB).
func (e *Engine) IndirBTB() BTB {
	return e.indirBTB
}

// RAS returns the return-address stack.
func (e *Engine) RAS() RAS {
	return e.ras
}

// Stats returns the engine statistics.
func (e *Engine) Stats() Stats {
	return e.stats
}

// PoolStats returns allocation counters of the record pool.
func (e *Engine) PoolStats() PoolStats {
	return PoolStats{
		Capacity:    len(e.pool.all),
		Outstanding: e.pool.outstanding(),
		Allocs:      e.pool.allocs,
		Releases:    e.pool.releases,
	}
}

func (e *Engine) inc(v *uint64) {
	if !e.frozen {
		*v++
	}
}

func (e *Engine) mustOwn(sc *StateCache, op string) {
	if sc == nil || !sc.owned {
		violation("bpred", "%s on a prediction record that is not allocated", op)
	}
}

// targetBTB selects the target predictor for the instruction class.
func (e *Engine) targetBTB(sc *StateCache, flags inst.Flags) (BTB, Scratch) {
	if flags.Has(inst.FlagIndirect) {
		return e.indirBTB, sc.indirBTBSC
	}
	return e.dirBTB, sc.dirBTBSC
}

// GetStateCache allocates a prediction record with fresh scratch objects
// from every component.
func (e *Engine) GetStateCache() *StateCache {
	sc := e.pool.get()
	for i, d := range e.dirs {
		sc.dirSC[i] = d.GetCache()
	}
	sc.fusionSC = e.fusion.GetCache()
	sc.dirBTBSC = e.dirBTB.GetCache()
	sc.indirBTBSC = e.indirBTB.GetCache()
	return sc
}

// ReturnStateCache hands every scratch object and the RAS checkpoint
// back to its owner and puts the record back in the pool. Returning a
// record twice panics.
func (e *Engine) ReturnStateCache(sc *StateCache) {
	e.mustOwn(sc, "return")

	for i, d := range e.dirs {
		d.RetCache(sc.dirSC[i])
	}
	e.fusion.RetCache(sc.fusionSC)
	e.dirBTB.RetCache(sc.dirBTBSC)
	e.indirBTB.RetCache(sc.indirBTBSC)
	if sc.rasCP.Valid() {
		e.ras.RetState(sc.rasCP)
	}

	e.pool.put(sc)
}

// Lookup predicts the next PC for the instruction. Non-control
// instructions fall through without touching any component.
func (e *Engine) Lookup(sc *StateCache, flags inst.Flags, q inst.Query) uint64 {
	e.mustOwn(sc, "lookup")

	if !flags.IsBranch() {
		sc.predPC = q.FallthroughPC
		return sc.predPC
	}

	e.inc(&e.stats.Lookups)

	for i, d := range e.dirs {
		sc.preds[i] = d.Lookup(sc.dirSC[i], q)
	}
	sc.OurPred = e.fusion.Lookup(sc.fusionSC, sc.preds, q)
	if !flags.Has(inst.FlagCond) {
		sc.OurPred = true
	}

	// Every branch checkpoints the RAS so that a redirect at any branch
	// can rebuild the stack.
	if sc.rasCP.Valid() {
		e.ras.RetState(sc.rasCP)
	}
	sc.rasCP = e.ras.GetState()

	var target uint64
	if flags.Has(inst.FlagReturn) {
		target = e.ras.Pop(q)
	} else {
		btb, btbSC := e.targetBTB(sc, flags)
		target = btb.Lookup(btbSC, q, sc.OurPred)
	}
	if flags.Has(inst.FlagCall) {
		e.ras.Push(q)
	}
	sc.ourTarget = target

	if sc.OurPred && target != 0 {
		sc.predPC = target
	} else {
		sc.predPC = q.FallthroughPC
	}
	return sc.predPC
}

// SpecUpdate makes the prediction visible to younger lookups. The query
// must carry the predicted values: OraclePC is the predicted next PC and
// Outcome the predicted direction.
func (e *Engine) SpecUpdate(sc *StateCache, flags inst.Flags, q inst.Query) {
	e.mustOwn(sc, "spec_update")
	if !flags.IsBranch() {
		return
	}

	e.inc(&e.stats.SpecUpdates)
	sc.specUpdated = true

	for i, d := range e.dirs {
		d.SpecUpdate(sc.dirSC[i], q, sc.OurPred)
	}
	e.fusion.SpecUpdate(sc.fusionSC, sc.preds, q, sc.OurPred)
	if !flags.Has(inst.FlagReturn) {
		btb, btbSC := e.targetBTB(sc, flags)
		btb.SpecUpdate(btbSC, q, sc.ourTarget, sc.OurPred)
	}
}

// Update is the authoritative resolution of the branch. Components are
// trained in a fixed order (direction, fusion, BTB, RAS), each skipped
// if its scratch was already really updated. The record is returned to
// the pool afterwards.
func (e *Engine) Update(sc *StateCache, flags inst.Flags, q inst.Query) {
	e.mustOwn(sc, "update")

	if flags.IsBranch() {
		e.inc(&e.stats.Updates)
		e.countClass(flags)
		if sc.OurPred == q.Outcome {
			e.inc(&e.stats.DirHits)
		}
		if sc.predPC == q.OraclePC {
			e.inc(&e.stats.AddrHits)
		}

		for i, d := range e.dirs {
			if !sc.dirSC[i].Base().Updated {
				d.Update(sc.dirSC[i], q, sc.preds[i])
			}
		}
		if !sc.fusionSC.Base().Updated {
			e.fusion.Update(sc.fusionSC, sc.preds, q, sc.OurPred)
		}
		if !flags.Has(inst.FlagReturn) {
			btb, btbSC := e.targetBTB(sc, flags)
			if !btbSC.Base().Updated {
				btb.Update(btbSC, q, sc.ourTarget, sc.OurPred)
			}
		}
		switch {
		case flags.Has(inst.FlagCall):
			e.ras.RealPush(q)
		case flags.Has(inst.FlagReturn):
			e.ras.RealPop(q)
		}
	}

	e.ReturnStateCache(sc)
}

func (e *Engine) countClass(flags inst.Flags) {
	switch {
	case flags.Has(inst.FlagCall):
		e.inc(&e.stats.Call)
	case flags.Has(inst.FlagReturn):
		e.inc(&e.stats.Ret)
	case flags.Has(inst.FlagCond):
		e.inc(&e.stats.Cond)
	default:
		e.inc(&e.stats.Uncond)
	}
}

// Recover undoes the speculative contribution of a squashed branch in
// every component, restores the RAS to the record's checkpoint and
// returns the record to the pool. Squashed branches must be recovered
// youngest first.
func (e *Engine) Recover(sc *StateCache, outcome bool) {
	e.mustOwn(sc, "recover")
	e.inc(&e.stats.Recovers)

	e.recoverComponents(sc, outcome)
	if sc.rasCP.Valid() {
		e.ras.Recover(sc.rasCP)
	}

	e.log.V(2).Info("recovered prediction", "serial", sc.serial, "outcome", outcome)
	e.ReturnStateCache(sc)
}

func (e *Engine) recoverComponents(sc *StateCache, outcome bool) {
	for i, d := range e.dirs {
		d.Recover(sc.dirSC[i], outcome)
	}
	e.fusion.Recover(sc.fusionSC, outcome)
	e.dirBTB.Recover(sc.dirBTBSC, outcome)
	if e.indirBTB != e.dirBTB {
		e.indirBTB.Recover(sc.indirBTBSC, outcome)
	}
}

// Flush releases the record of a branch that leaves the pipeline
// without having been speculatively applied. No shared state changes
// beyond the RAS checkpoint being discarded.
func (e *Engine) Flush(sc *StateCache) {
	e.mustOwn(sc, "flush")
	e.inc(&e.stats.Flushes)

	for i, d := range e.dirs {
		d.Flush(sc.dirSC[i])
	}
	e.fusion.Flush(sc.fusionSC)
	e.dirBTB.Flush(sc.dirBTBSC)
	if e.indirBTB != e.dirBTB {
		e.indirBTB.Flush(sc.indirBTBSC)
	}

	e.ReturnStateCache(sc)
}

// Repair handles the mispredicted branch itself once younger branches
// are squashed: speculative state is rolled back to this branch's
// checkpoint and the branch is re-applied with its resolved outcome and
// target. A branch that has not spec-updated yet (a decode redirect) is
// left for its own SpecUpdate so older branches still shift history
// first. The record stays allocated for the commit-time Update.
func (e *Engine) Repair(sc *StateCache, flags inst.Flags, q inst.Query) {
	e.mustOwn(sc, "repair")
	if !flags.IsBranch() {
		return
	}
	e.inc(&e.stats.Repairs)

	if sc.specUpdated {
		e.recoverComponents(sc, q.Outcome)
		for i, d := range e.dirs {
			d.SpecUpdate(sc.dirSC[i], q, q.Outcome)
		}
	}

	if sc.rasCP.Valid() {
		e.ras.Recover(sc.rasCP)
		switch {
		case flags.Has(inst.FlagReturn):
			e.ras.Pop(q)
		case flags.Has(inst.FlagCall):
			e.ras.Push(q)
		}
	}

	e.log.V(1).Info("repaired mispredicted branch",
		"pc", fmt.Sprintf("%#x", q.PC), "predicted", fmt.Sprintf("%#x", sc.predPC),
		"actual", fmt.Sprintf("%#x", q.OraclePC))
}

// Freeze stops statistics accumulation in the engine and every
// component. Predictions and training continue unchanged.
func (e *Engine) Freeze() {
	e.frozen = true
	for _, d := range e.dirs {
		d.Freeze()
	}
	e.fusion.Freeze()
	e.dirBTB.Freeze()
	e.indirBTB.Freeze()
	e.ras.Freeze()
}

// ResetStats clears the engine and component statistics.
func (e *Engine) ResetStats() {
	e.stats = Stats{}
	for _, d := range e.dirs {
		d.ResetStats()
	}
	e.fusion.ResetStats()
	e.dirBTB.ResetStats()
	e.indirBTB.ResetStats()
	e.ras.ResetStats()
}

// RegStats publishes the engine and component counters.
func (e *Engine) RegStats(db *stats.Database, core int) {
	const comp = "bpred"
	db.AddCounter(stats.CompName(core, comp, "lookups"), "branch lookups", &e.stats.Lookups)
	db.AddCounter(stats.CompName(core, comp, "updates"), "branch updates", &e.stats.Updates)
	db.AddCounter(stats.CompName(core, comp, "spec_updates"), "speculative updates", &e.stats.SpecUpdates)
	db.AddCounter(stats.CompName(core, comp, "recovers"), "squashed-branch recoveries", &e.stats.Recovers)
	db.AddCounter(stats.CompName(core, comp, "flushes"), "squashed-branch flushes", &e.stats.Flushes)
	db.AddCounter(stats.CompName(core, comp, "repairs"), "mispredicted-branch repairs", &e.stats.Repairs)
	db.AddCounter(stats.CompName(core, comp, "num_cond"), "conditional branches", &e.stats.Cond)
	db.AddCounter(stats.CompName(core, comp, "num_call"), "calls", &e.stats.Call)
	db.AddCounter(stats.CompName(core, comp, "num_ret"), "returns", &e.stats.Ret)
	db.AddCounter(stats.CompName(core, comp, "num_uncond"), "unconditional jumps", &e.stats.Uncond)
	db.AddCounter(stats.CompName(core, comp, "dir_hits"), "correct directions", &e.stats.DirHits)
	db.AddCounter(stats.CompName(core, comp, "addr_hits"), "correct next PCs", &e.stats.AddrHits)
	db.AddFormula(stats.CompName(core, comp, "dir_rate"), "direction accuracy",
		stats.Ratio(&e.stats.DirHits, &e.stats.Updates))
	db.AddFormula(stats.CompName(core, comp, "addr_rate"), "next-PC accuracy",
		stats.Ratio(&e.stats.AddrHits, &e.stats.Updates))

	for i, d := range e.dirs {
		d.RegStats(db, core, fmt.Sprintf("%s.dir%d", comp, i))
	}
	e.fusion.RegStats(db, core, comp+".fusion")
	e.dirBTB.RegStats(db, core, comp+".dirjmp")
	if e.indirBTB != e.dirBTB {
		e.indirBTB.RegStats(db, core, comp+".indirjmp")
	}
	e.ras.RegStats(db, core, comp+".ras")

	size := float64(e.SizeBits())
	db.AddFormula(stats.CompName(core, comp, "size_bits"), "modeled predictor storage in bits",
		func() float64 { return size })
}

// SizeBits is the storage of every distinct component, in bits.
func (e *Engine) SizeBits() uint64 {
	n := e.fusion.SizeBits() + e.dirBTB.SizeBits() + e.ras.SizeBits()
	for _, d := range e.dirs {
		n += d.SizeBits()
	}
	if e.indirBTB != e.dirBTB {
		n += e.indirBTB.SizeBits()
	}
	return n
}
