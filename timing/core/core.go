// Package core models one out-of-order core: fetch with branch
// prediction, decode and cracking, dispatch into the ROB, execution
// with a data cache, misprediction recovery and in-order commit.
package core

import (
	"fmt"

	"github.com/go-logr/logr"

	"github.com/sarchlab/specsim/timing/bpred"
	"github.com/sarchlab/specsim/timing/cache"
	"github.com/sarchlab/specsim/timing/commit"
	"github.com/sarchlab/specsim/timing/inst"
	"github.com/sarchlab/specsim/timing/latency"
	"github.com/sarchlab/specsim/timing/stats"
	"github.com/sarchlab/specsim/timing/uop"
	"github.com/sarchlab/specsim/trace"
)

// Stats holds core performance statistics.
type Stats struct {
	Cycles uint64
	// Fetched counts every fetched Mop, wrong path included.
	Fetched          uint64
	WrongPathFetched uint64
	Decoded          uint64
	DispatchedUops   uint64
	IssuedUops       uint64
	// Committed is the number of retired instructions.
	Committed     uint64
	CommittedUops uint64
	// Jeclears counts misprediction recoveries from execute.
	Jeclears uint64
	// DecodeRedirects counts direct-jump target fixes at decode.
	DecodeRedirects uint64
	SquashedMops    uint64
	Loads           uint64
	Stores          uint64
	// FetchQueueFull counts cycles fetch was blocked by the fetch queue.
	FetchQueueFull uint64
}

// IPC returns the committed instructions per cycle.
func (s Stats) IPC() float64 {
	if s.Cycles == 0 {
		return 0
	}
	return float64(s.Committed) / float64(s.Cycles)
}

// Option is a functional option for configuring the Core.
type Option func(*Core)

// WithLogger sets the logger of the core and its components.
func WithLogger(log logr.Logger) Option {
	return func(c *Core) {
		c.log = log
	}
}

// WithLatencyTable sets the functional-unit latencies.
func WithLatencyTable(table *latency.Table) Option {
	return func(c *Core) {
		c.latency = table
	}
}

// fetchEntry is a fetched Mop waiting for decode.
type fetchEntry struct {
	mop   *uop.Mop
	class inst.FUClass
	extra int
	dep   int
}

type jeclear struct {
	mop *uop.Mop
	at  uint64
}

// Core is one simulated core. It owns its predictor, commit engine and
// L1 data cache; the level below the L1D is supplied by the caller.
type Core struct {
	id     int
	config Config
	log    logr.Logger

	src     trace.Source
	bpred   *bpred.Engine
	commit  commit.Engine
	l1d     *cache.Cache
	latency *latency.Table

	cycle      uint64
	nextSeq    uint64
	nextUopSeq uint64
	nextAction uint64

	// Front end.
	fetchPC   uint64
	wrongPath bool
	traceDone bool
	fetchQ    []fetchEntry
	dispatchQ []*uop.Mop
	dispIdx   int
	recent    []*uop.Mop

	// Back end.
	window    []*uop.Uop
	executing []*uop.Uop
	jeclears  []jeclear
	storeBuf  []*cache.Request
	squashed  []*uop.Mop

	stats  Stats
	frozen bool
	err    error
}

// New creates core id reading its instruction stream from src. next is
// the level below the L1 data cache.
func New(id int, config Config, src trace.Source, next cache.Level, opts ...Option) (*Core, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	c := &Core{
		id:     id,
		config: config.Clone(),
		log:    logr.Discard(),
		src:    src,
		recent: make([]*uop.Mop, 0, maxSrcDist),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.latency == nil {
		c.latency = latency.NewTable()
	}
	c.config.BPred.PoolSize = config.PoolSize()

	var err error
	c.bpred, err = bpred.NewEngine(c.config.BPred, bpred.WithLogger(c.log.WithName("bpred")))
	if err != nil {
		return nil, fmt.Errorf("core %d: %w", id, err)
	}
	c.commit, err = commit.New(c.config.CommitEngine, c.config.Commit, c)
	if err != nil {
		return nil, fmt.Errorf("core %d: %w", id, err)
	}
	c.l1d = cache.New(c.config.L1D, next, cache.WithLogger(c.log.WithName(c.config.L1D.Name)))

	return c, nil
}

// ID returns the core id.
func (c *Core) ID() int {
	return c.id
}

// Config returns the resolved configuration.
func (c *Core) Config() Config {
	return c.config
}

// BPred returns the branch-prediction engine.
func (c *Core) BPred() *bpred.Engine {
	return c.bpred
}

// Commit returns the commit engine.
func (c *Core) Commit() commit.Engine {
	return c.commit
}

// L1D returns the L1 data cache.
func (c *Core) L1D() *cache.Cache {
	return c.l1d
}

// Stats returns the core statistics.
func (c *Core) Stats() Stats {
	return c.stats
}

// Err returns the error that stopped the core, if any.
func (c *Core) Err() error {
	return c.err
}

// Drained reports whether the trace is exhausted and every in-flight
// instruction and store has left the core.
func (c *Core) Drained() bool {
	return c.traceDone && !c.wrongPath &&
		len(c.fetchQ) == 0 && len(c.dispatchQ) == 0 &&
		c.commit.ROBEmpty() && len(c.storeBuf) == 0 && c.l1d.Outstanding() == 0
}

func (c *Core) inc(v *uint64) {
	c.add(v, 1)
}

func (c *Core) add(v *uint64, n uint64) {
	if !c.frozen {
		*v += n
	}
}

// Cycle returns the current cycle.
func (c *Core) Cycle() uint64 {
	return c.cycle
}

// NewActionID returns a fresh action id.
func (c *Core) NewActionID() uint64 {
	c.nextAction++
	return c.nextAction
}

// Step advances the core by one cycle. Stages run back to front so
// each stage consumes what the stage before it produced last cycle.
// The only error is a liveness failure.
func (c *Core) Step() error {
	if c.err != nil {
		return c.err
	}

	c.cycle++
	c.inc(&c.stats.Cycles)

	c.commit.Step()
	if c.commit.Deadlocked() {
		c.err = c.deadlockError()
		c.log.Error(c.err, "core deadlocked", "core", c.id, "cycle", c.cycle)
		return c.err
	}

	c.drainStores()
	c.doJeclears()
	c.execute()
	c.dispatch()
	c.decode()
	c.fetch()
	c.l1d.Step(c.cycle)

	return c.err
}

func (c *Core) deadlockError() error {
	head := c.commit.Head()
	if head == nil {
		return fmt.Errorf("core %d: cycle %d: %w", c.id, c.cycle, commit.ErrDeadlock)
	}
	return fmt.Errorf("core %d: cycle %d: no retirement for %d cycles, ROB head seq %d pc %#x (%d/%d uops done), stall %s: %w",
		c.id, c.cycle, c.commit.IdleCycles(), head.Seq, head.PC, head.NumDone(), len(head.Uops),
		c.commit.StallReason(), commit.ErrDeadlock)
}

// RegStats publishes the core counters and those of its components.
func (c *Core) RegStats(db *stats.Database) {
	db.AddCounter(stats.CoreName(c.id, "cycles"), "simulated cycles", &c.stats.Cycles)
	db.AddCounter(stats.CoreName(c.id, "fetched_mops"), "fetched Mops", &c.stats.Fetched)
	db.AddCounter(stats.CoreName(c.id, "wrong_path_mops"), "Mops fetched down a wrong path",
		&c.stats.WrongPathFetched)
	db.AddCounter(stats.CoreName(c.id, "decoded_mops"), "decoded Mops", &c.stats.Decoded)
	db.AddCounter(stats.CoreName(c.id, "dispatched_uops"), "uops dispatched to the ROB", &c.stats.DispatchedUops)
	db.AddCounter(stats.CoreName(c.id, "issued_uops"), "issued uops", &c.stats.IssuedUops)
	db.AddCounter(stats.CoreName(c.id, "commit_insn"), "committed instructions", &c.stats.Committed)
	db.AddCounter(stats.CoreName(c.id, "commit_uops"), "committed uops", &c.stats.CommittedUops)
	db.AddCounter(stats.CoreName(c.id, "jeclears"), "misprediction recoveries", &c.stats.Jeclears)
	db.AddCounter(stats.CoreName(c.id, "decode_redirects"), "decode-time target fixes", &c.stats.DecodeRedirects)
	db.AddCounter(stats.CoreName(c.id, "squashed_mops"), "squashed Mops", &c.stats.SquashedMops)
	db.AddCounter(stats.CoreName(c.id, "loads"), "committed loads", &c.stats.Loads)
	db.AddCounter(stats.CoreName(c.id, "stores"), "committed stores", &c.stats.Stores)
	db.AddCounter(stats.CoreName(c.id, "fetch_queue_full"), "cycles fetch was blocked", &c.stats.FetchQueueFull)
	db.AddFormula(stats.CoreName(c.id, "IPC"), "committed instructions per cycle",
		stats.Ratio(&c.stats.Committed, &c.stats.Cycles))
	db.AddFormula(stats.CoreName(c.id, "uPC"), "committed uops per cycle",
		stats.Ratio(&c.stats.CommittedUops, &c.stats.Cycles))

	c.bpred.RegStats(db, c.id)
	c.commit.RegStats(db, c.id)
	c.l1d.RegStats(db, c.id)
}

// ResetStats clears the core and component statistics.
func (c *Core) ResetStats() {
	c.stats = Stats{}
	c.bpred.ResetStats()
	c.commit.ResetStats()
	c.l1d.ResetStats()
}

// Freeze stops statistics accumulation. The core keeps running.
func (c *Core) Freeze() {
	c.frozen = true
	c.bpred.Freeze()
	c.commit.Freeze()
	c.l1d.Freeze()
}
