package core_test

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/specsim/timing/bpred"
	"github.com/sarchlab/specsim/timing/cache"
	"github.com/sarchlab/specsim/timing/commit"
	"github.com/sarchlab/specsim/timing/core"
	"github.com/sarchlab/specsim/timing/inst"
	"github.com/sarchlab/specsim/timing/stats"
	"github.com/sarchlab/specsim/trace"
)

const (
	condFlags = inst.FlagCtrl | inst.FlagCond
	jumpFlags = inst.FlagCtrl | inst.FlagUncond
)

func alu(pc uint64) trace.Record {
	return trace.Record{PC: pc, NextPC: pc + 4, Class: inst.FUIntALU}
}

func taken(pc uint64, flags inst.Flags, target uint64) trace.Record {
	return trace.Record{PC: pc, NextPC: pc + 4, TargetPC: target, Taken: true, Flags: flags}
}

type checkpointCounter interface {
	FreeCheckpoints() int
}

// blackHole accepts every request and never answers.
type blackHole struct{}

func (blackHole) Name() string {
	return "blackhole"
}

func (blackHole) Enqueuable(_ uint64) bool {
	return true
}

func (blackHole) Enqueue(_ *cache.Request) bool {
	return true
}

func (blackHole) Step(_ uint64) {}

type failingSource struct{}

var errTraceBroken = errors.New("trace broken")

func (failingSource) Next() (trace.Record, bool, error) {
	return trace.Record{}, false, errTraceBroken
}

var _ = Describe("Core", func() {
	var (
		config core.Config
		mem    *cache.IdealMemory
	)

	BeforeEach(func() {
		config = core.DefaultConfig()
		mem = cache.NewIdealMemory("mem", 20)
	})

	build := func(src trace.Source) *core.Core {
		c, err := core.New(0, config, src, mem)
		Expect(err).NotTo(HaveOccurred())
		return c
	}

	run := func(c *core.Core, maxCycles int) {
		for i := 0; i < maxCycles && !c.Drained(); i++ {
			Expect(c.Step()).To(Succeed())
			mem.Step(c.Cycle())
		}
		Expect(c.Drained()).To(BeTrue(), "core did not drain in %d cycles", maxCycles)
	}

	expectQuiescent := func(c *core.Core) {
		ps := c.BPred().PoolStats()
		Expect(ps.Outstanding).To(BeZero())
		Expect(ps.Allocs).To(Equal(ps.Releases))
		Expect(c.BPred().RAS().(checkpointCounter).FreeCheckpoints()).
			To(Equal(c.Config().BPred.PoolSize))
	}

	Describe("Configuration", func() {
		It("should size the record pool from the pipeline queues", func() {
			Expect(config.PoolSize()).To(Equal(64 + 16 + 16))
			c := build(trace.NewSlice(nil))
			Expect(c.Config().BPred.PoolSize).To(Equal(96))
		})

		It("should keep an explicit pool size", func() {
			config.BPred.PoolSize = 300
			c := build(trace.NewSlice(nil))
			Expect(c.Config().BPred.PoolSize).To(Equal(300))
		})

		DescribeTable("invalid configurations",
			func(mutate func(c *core.Config), want error) {
				mutate(&config)
				_, err := core.New(0, config, trace.NewSlice(nil), mem)
				Expect(err).To(MatchError(want))
			},
			Entry("zero fetch width", func(c *core.Config) { c.FetchWidth = 0 }, core.ErrBadConfig),
			Entry("zero queue", func(c *core.Config) { c.DispatchQueueSize = 0 }, core.ErrBadConfig),
			Entry("negative decode latency", func(c *core.Config) { c.DecodeLatency = -1 }, core.ErrBadConfig),
			Entry("record pool too small", func(c *core.Config) { c.BPred.PoolSize = 50 }, core.ErrBadConfig),
			Entry("unknown commit engine", func(c *core.Config) { c.CommitEngine = "ooo" }, commit.ErrUnknownEngine),
			Entry("zero ROB", func(c *core.Config) { c.Commit.ROBSize = 0 }, commit.ErrBadConfig),
			Entry("unknown predictor", func(c *core.Config) { c.BPred.Dir = []string{"tage"} },
				bpred.ErrUnknownComponent),
		)

		It("should not share predictor lists between clones", func() {
			clone := config.Clone()
			clone.BPred.Dir[0] = "taken"
			Expect(config.BPred.Dir[0]).NotTo(Equal("taken"))
		})
	})

	Describe("Correctly predicted direct jump", func() {
		var c *core.Core

		BeforeEach(func() {
			config.BPred.DirBTB = "perfect"
			c = build(trace.NewSlice([]trace.Record{
				alu(0x1000),
				alu(0x1004),
				taken(0x1008, jumpFlags, 0x2000),
				alu(0x2000),
				alu(0x2004),
			}))
			run(c, 1000)
		})

		It("should commit every instruction", func() {
			Expect(c.Stats().Committed).To(Equal(uint64(5)))
			Expect(c.Stats().WrongPathFetched).To(BeZero())
		})

		It("should never recover", func() {
			s := c.BPred().Stats()
			Expect(s.Recovers).To(BeZero())
			Expect(s.Flushes).To(BeZero())
			Expect(s.Repairs).To(BeZero())
			Expect(c.Stats().Jeclears).To(BeZero())
		})

		It("should update each component once", func() {
			Expect(c.BPred().Stats().Updates).To(Equal(uint64(1)))
			Expect(c.BPred().DirPredictors()[0].Counters().Updates).To(Equal(uint64(1)))
			Expect(c.BPred().Fusion().Counters().Updates).To(Equal(uint64(1)))
			Expect(c.BPred().DirBTB().Counters().Updates).To(Equal(uint64(1)))
		})

		It("should never stall on a pending jeclear", func() {
			Expect(c.Commit().Stats().Stalls[commit.StallJeclearInflight]).To(BeZero())
		})

		It("should release every record", func() {
			expectQuiescent(c)
		})
	})

	Describe("Mispredicted conditional branch", func() {
		var c *core.Core

		BeforeEach(func() {
			config.BPred.Dir = []string{"nottaken"}
			config.BPred.DirBTB = "perfect"
			c = build(trace.NewSlice([]trace.Record{
				alu(0x1000),
				taken(0x1004, condFlags, 0x1100),
				alu(0x1100),
				alu(0x1104),
			}))
			run(c, 1000)
		})

		It("should fetch down the wrong path and recover", func() {
			Expect(c.Stats().WrongPathFetched).To(BeNumerically(">", 0))
			Expect(c.Stats().SquashedMops).To(BeNumerically(">", 0))
			Expect(c.Stats().Jeclears).To(Equal(uint64(1)))
			Expect(c.BPred().Stats().Repairs).To(Equal(uint64(1)))
		})

		It("should commit only the correct path", func() {
			Expect(c.Stats().Committed).To(Equal(uint64(4)))
			Expect(c.Commit().Stats().CommittedMops).To(Equal(uint64(4)))
		})

		It("should count the misprediction at update", func() {
			s := c.BPred().Stats()
			Expect(s.Updates).To(Equal(uint64(1)))
			Expect(s.DirHits).To(BeZero())
		})

		It("should release every record", func() {
			expectQuiescent(c)
		})
	})

	Describe("Direct jump missing in the BTB", func() {
		var c *core.Core

		BeforeEach(func() {
			config.BPred.DirBTB = "btb:16:2"
			c = build(trace.NewSlice([]trace.Record{
				alu(0x1000),
				taken(0x1004, jumpFlags, 0x2000),
				alu(0x2000),
			}))
			run(c, 1000)
		})

		It("should be fixed at decode", func() {
			Expect(c.Stats().DecodeRedirects).To(Equal(uint64(1)))
			Expect(c.Stats().Jeclears).To(BeZero())
			Expect(c.BPred().Stats().Repairs).To(Equal(uint64(1)))
			Expect(c.Stats().Committed).To(Equal(uint64(3)))
			expectQuiescent(c)
		})
	})

	Describe("Memory", func() {
		It("should send loads through the L1D", func() {
			c := build(trace.NewSlice([]trace.Record{
				{PC: 0x1000, NextPC: 0x1004, Flags: inst.FlagLoad, MemAddrs: []uint64{0x8000}},
				{PC: 0x1004, NextPC: 0x1008, Class: inst.FUIntALU, SrcDist: 1},
			}))
			run(c, 1000)

			Expect(c.L1D().Stats().Reads).To(Equal(uint64(1)))
			Expect(c.L1D().Stats().Misses).To(Equal(uint64(1)))
			Expect(c.Stats().Loads).To(Equal(uint64(1)))
			Expect(c.Cycle()).To(BeNumerically(">", 20))
		})

		It("should write stores after commit", func() {
			c := build(trace.NewSlice([]trace.Record{
				{PC: 0x1000, NextPC: 0x1004, Flags: inst.FlagStore, MemAddrs: []uint64{0x9000}},
			}))
			run(c, 1000)

			Expect(c.Stats().Stores).To(Equal(uint64(1)))
			Expect(c.L1D().Stats().Writes).To(Equal(uint64(1)))
		})

		It("should report a deadlock when memory never answers", func() {
			config.Commit.DeadlockThreshold = 100
			c, err := core.New(0, config, trace.NewSlice([]trace.Record{
				{PC: 0x1000, NextPC: 0x1004, Flags: inst.FlagLoad, MemAddrs: []uint64{0x8000}},
			}), blackHole{})
			Expect(err).NotTo(HaveOccurred())

			var stepErr error
			for i := 0; i < 1000 && stepErr == nil; i++ {
				stepErr = c.Step()
			}
			Expect(stepErr).To(MatchError(commit.ErrDeadlock))
			Expect(stepErr.Error()).To(ContainSubstring("stall not_ready"))
			Expect(c.Err()).To(Equal(stepErr))
			Expect(c.Step()).To(Equal(stepErr))
		})
	})

	It("should run serializing instructions", func() {
		c := build(trace.NewSlice([]trace.Record{
			alu(0x1000),
			{PC: 0x1004, NextPC: 0x1008, Flags: inst.FlagTrap, Class: inst.FUIntALU},
			alu(0x1008),
		}))
		run(c, 1000)
		Expect(c.Stats().Committed).To(Equal(uint64(3)))
	})

	It("should stop on a broken trace", func() {
		c := build(failingSource{})
		Expect(c.Step()).To(MatchError(errTraceBroken))
	})

	It("should reject an instruction larger than the ROB", func() {
		config.Commit.ROBSize = 8
		c := build(trace.NewSlice([]trace.Record{
			{PC: 0x1000, NextPC: 0x1004, Class: inst.FUIntALU, Uops: 12},
		}))

		var err error
		for i := 0; i < 100 && err == nil; i++ {
			err = c.Step()
		}
		Expect(err).To(MatchError(trace.ErrBadRecord))
		Expect(err).NotTo(MatchError(commit.ErrDeadlock))
		Expect(c.Commit().Occupancy()).To(BeZero())
	})

	DescribeTable("long random streams",
		func(engine string, dir []string, fusion string) {
			config.CommitEngine = engine
			config.BPred.Dir = dir
			config.BPred.Fusion = fusion

			gen := trace.DefaultGeneratorConfig()
			gen.Length = 3000
			g, err := trace.NewGenerator(gen)
			Expect(err).NotTo(HaveOccurred())

			c := build(g)
			run(c, 500000)

			Expect(c.Stats().Committed).To(Equal(uint64(3000)))
			Expect(c.Stats().Jeclears).To(BeNumerically(">", 0))
			Expect(c.BPred().PoolStats().Allocs).To(BeNumerically(">", 0))
			expectQuiescent(c)
		},
		Entry("out of order, gshare", commit.DPM, []string{"gshare:4096:12"}, "none"),
		Entry("in order, gshare", commit.IODPM, []string{"gshare:4096:12"}, "none"),
		Entry("tournament", commit.DPM, []string{"bimodal:1024", "gshare:4096:12"}, "chooser:1024"),
		Entry("local history", commit.DPM, []string{"local:1024:8:1024"}, "none"),
	)

	It("should be deterministic", func() {
		cycles := func() uint64 {
			g, err := trace.NewGenerator(trace.DefaultGeneratorConfig())
			Expect(err).NotTo(HaveOccurred())
			mem = cache.NewIdealMemory("mem", 20)
			c := build(trace.NewLimit(g, 2000))
			run(c, 500000)
			return c.Cycle()
		}
		Expect(cycles()).To(Equal(cycles()))
	})

	It("should retire later through the in-order pre-commit pipe", func() {
		cycles := func(engine string) uint64 {
			config.CommitEngine = engine
			g, err := trace.NewGenerator(trace.DefaultGeneratorConfig())
			Expect(err).NotTo(HaveOccurred())
			mem = cache.NewIdealMemory("mem", 20)
			c := build(trace.NewLimit(g, 2000))
			run(c, 500000)
			Expect(c.Stats().Committed).To(Equal(uint64(2000)))
			return c.Cycle()
		}
		Expect(cycles(commit.IODPM)).To(BeNumerically(">", cycles(commit.DPM)))
	})

	Describe("Statistics", func() {
		var (
			c  *core.Core
			db *stats.Database
		)

		BeforeEach(func() {
			c = build(trace.NewSlice([]trace.Record{alu(0x1000), alu(0x1004)}))
			db = stats.NewDatabase()
			c.RegStats(db)
		})

		It("should publish core and component counters", func() {
			run(c, 1000)

			v, ok := db.Value("c0.commit_insn")
			Expect(ok).To(BeTrue())
			Expect(v).To(Equal(2.0))

			for _, name := range []string{"c0.IPC", "c0.bpred.lookups", "c0.commit.stall_empty", "c0.dl1.reads"} {
				_, ok := db.Value(name)
				Expect(ok).To(BeTrue(), name)
			}
		})

		It("should stop counting once frozen", func() {
			c.Freeze()
			run(c, 1000)
			Expect(c.Stats().Committed).To(BeZero())
			Expect(c.Commit().Stats().Cycles).To(BeZero())
		})

		It("should reset", func() {
			run(c, 1000)
			c.ResetStats()
			Expect(c.Stats()).To(Equal(core.Stats{}))
		})
	})
})
