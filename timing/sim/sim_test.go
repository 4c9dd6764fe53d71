package sim_test

import (
	"context"
	"os"
	"path/filepath"

	"github.com/google/go-cmp/cmp"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/specsim/timing/core"
	"github.com/sarchlab/specsim/timing/inst"
	"github.com/sarchlab/specsim/timing/sim"
	"github.com/sarchlab/specsim/trace"
)

func smallConfig(length uint64) sim.Config {
	config := sim.DefaultConfig()
	config.Workloads[0].Synthetic.Length = length
	return config
}

func value(s *sim.Simulation, name string) float64 {
	v, ok := s.Stats().Value(name)
	ExpectWithOffset(1, ok).To(BeTrue(), name)
	return v
}

var _ = Describe("Simulation", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	build := func(config sim.Config, opts ...sim.Option) *sim.Simulation {
		s, err := sim.New(config, opts...)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(s.Close)
		return s
	}

	It("should run a synthetic workload to completion", func() {
		s := build(smallConfig(2000))
		Expect(s.Run(ctx)).To(Succeed())

		Expect(s.Done()).To(BeTrue())
		Expect(s.Cores()[0].Stats().Committed).To(Equal(uint64(2000)))
		Expect(value(s, "c0.commit_insn")).To(Equal(2000.0))
		Expect(value(s, "sim.cycles")).To(Equal(float64(s.Cycle())))
		Expect(value(s, "llc.reads")).To(BeNumerically(">", 0))
		Expect(value(s, "mc.total_accesses")).To(BeNumerically(">", 0))
	})

	It("should share the uncore between cores", func() {
		config := smallConfig(1000)
		config.Cores = 2
		config.Arbiter = "fixed"
		s := build(config)
		Expect(s.Run(ctx)).To(Succeed())

		for _, c := range s.Cores() {
			Expect(c.Stats().Committed).To(Equal(uint64(1000)))
		}
		Expect(value(s, "c0.arb.grants")).To(BeNumerically(">", 0))
		Expect(value(s, "c1.arb.grants")).To(BeNumerically(">", 0))
	})

	It("should give each core its own seed for a shared workload", func() {
		config := smallConfig(1000)
		config.Cores = 2
		Expect(config.Workload(1).Synthetic.Seed).To(Equal(config.Workload(0).Synthetic.Seed + 1))
	})

	It("should stop and freeze at the instruction limit", func() {
		config := smallConfig(0)
		config.MaxInstructions = 1000
		s := build(config)
		Expect(s.Run(ctx)).To(Succeed())

		Expect(s.Frozen()).To(BeTrue())
		committed := s.Cores()[0].Stats().Committed
		Expect(committed).To(BeNumerically(">=", 1000))
		Expect(committed).To(BeNumerically("<", 1000+uint64(config.Core.Commit.Width)))

		Expect(s.Step()).To(Succeed())
		Expect(s.Cores()[0].Stats().Committed).To(Equal(committed))
	})

	It("should give up at the cycle limit", func() {
		config := smallConfig(0)
		config.MaxCycles = 500
		s := build(config)
		Expect(s.Run(ctx)).To(MatchError(sim.ErrCycleLimit))
		Expect(s.Cycle()).To(Equal(uint64(500)))
	})

	It("should stop when the context is cancelled", func() {
		s := build(smallConfig(0))
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		Expect(s.Run(cctx)).To(MatchError(context.Canceled))
	})

	It("should accept caller-supplied sources", func() {
		recs := []trace.Record{
			{PC: 0x1000, NextPC: 0x1004, Class: inst.FUIntALU},
			{PC: 0x1004, NextPC: 0x1008, Flags: inst.FlagLoad, MemAddrs: []uint64{0x4000}},
		}
		s := build(sim.DefaultConfig(), sim.WithSources(trace.NewSlice(recs)))
		Expect(s.Run(ctx)).To(Succeed())
		Expect(s.Cores()[0].Stats().Committed).To(Equal(uint64(2)))
	})

	It("should refuse a source count that does not match the cores", func() {
		_, err := sim.New(sim.DefaultConfig(),
			sim.WithSources(trace.NewSlice(nil), trace.NewSlice(nil)))
		Expect(err).To(MatchError(sim.ErrBadConfig))
	})

	It("should replay a trace file", func() {
		gen := trace.DefaultGeneratorConfig()
		gen.Length = 500
		g, err := trace.NewGenerator(gen)
		Expect(err).NotTo(HaveOccurred())

		path := filepath.Join(GinkgoT().TempDir(), "w.jsonl")
		f, err := os.Create(path)
		Expect(err).NotTo(HaveOccurred())
		_, err = trace.Copy(trace.NewWriter(f), g)
		Expect(err).NotTo(HaveOccurred())
		Expect(f.Close()).To(Succeed())

		config := sim.DefaultConfig()
		config.Workloads = []sim.Workload{{Trace: path}}
		s := build(config)
		Expect(s.Run(ctx)).To(Succeed())
		Expect(s.Cores()[0].Stats().Committed).To(Equal(uint64(500)))
	})

	It("should apply the cache latencies of the timing config", func() {
		config := smallConfig(10)
		config.Timing.L1HitLatency = 7
		config.Timing.L2HitLatency = 21
		s := build(config)
		Expect(s.Cores()[0].L1D().Config().HitLatency).To(Equal(uint64(7)))
		Expect(s.LLC().Config().HitLatency).To(Equal(uint64(21)))
	})

	It("should not alias the caller's configuration", func() {
		config := smallConfig(10)
		s := build(config)
		config.Timing.MemoryLatency = 1
		Expect(s.Config().Timing.MemoryLatency).To(Equal(uint64(150)))
	})
})

var _ = Describe("Config", func() {
	var config sim.Config

	BeforeEach(func() {
		config = sim.DefaultConfig()
	})

	It("should validate the defaults", func() {
		Expect(config.Validate()).To(Succeed())
	})

	DescribeTable("invalid configurations",
		func(mutate func(c *sim.Config), want error) {
			mutate(&config)
			Expect(config.Validate()).To(MatchError(want))
		},
		Entry("no cores", func(c *sim.Config) { c.Cores = 0 }, sim.ErrBadConfig),
		Entry("no timing", func(c *sim.Config) { c.Timing = nil }, sim.ErrBadConfig),
		Entry("unknown arbiter", func(c *sim.Config) { c.Arbiter = "lottery" }, sim.ErrBadConfig),
		Entry("zero arbiter queue", func(c *sim.Config) { c.ArbiterQueue = 0 }, sim.ErrBadConfig),
		Entry("zero bus width", func(c *sim.Config) { c.Bus.Width = 0 }, sim.ErrBadConfig),
		Entry("unknown memory controller", func(c *sim.Config) { c.MC = "dram" }, sim.ErrBadConfig),
		Entry("workload count", func(c *sim.Config) {
			c.Cores = 2
			c.Workloads = append(c.Workloads, c.Workloads[0], c.Workloads[0])
		}, sim.ErrBadConfig),
		Entry("bad generator", func(c *sim.Config) { c.Workloads[0].Synthetic.LoopTrip = 0 }, trace.ErrBadConfig),
		Entry("bad core", func(c *sim.Config) { c.Core.IssueWidth = 0 }, core.ErrBadConfig),
	)

	It("should deep-copy on clone", func() {
		clone := config.Clone()
		clone.Timing.ALULatency = 9
		clone.Core.BPred.Dir[0] = "taken"
		clone.Workloads[0].Trace = "x"
		Expect(config.Timing.ALULatency).To(Equal(uint64(1)))
		Expect(config.Core.BPred.Dir[0]).NotTo(Equal("taken"))
		Expect(config.Workloads[0].Trace).To(BeEmpty())
	})

	DescribeTable("save and load",
		func(name string) {
			config.Cores = 2
			config.Core.BPred = config.Core.BPred.Clone()
			config.Core.BPred.Dir = []string{"bimodal:1024", "gshare:2048:10"}
			config.Core.BPred.Fusion = "chooser:1024"
			config.MaxInstructions = 12345

			path := filepath.Join(GinkgoT().TempDir(), name)
			Expect(config.SaveConfig(path)).To(Succeed())

			loaded, err := sim.LoadConfig(path)
			Expect(err).NotTo(HaveOccurred())
			Expect(cmp.Diff(config, loaded)).To(BeEmpty())
		},
		Entry("JSON", "sim.json"),
		Entry("YAML", "sim.yaml"),
	)

	It("should keep defaults for fields missing from the file", func() {
		path := filepath.Join(GinkgoT().TempDir(), "partial.yml")
		Expect(os.WriteFile(path, []byte("cores: 2\ntiming:\n  memory_latency: 80\n"), 0644)).To(Succeed())

		loaded, err := sim.LoadConfig(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(loaded.Cores).To(Equal(2))
		Expect(loaded.Timing.MemoryLatency).To(Equal(uint64(80)))
		Expect(loaded.Timing.ALULatency).To(Equal(uint64(1)))
		Expect(loaded.Core.FetchWidth).To(Equal(4))
		Expect(loaded.Validate()).To(Succeed())
	})

	It("should report unreadable and malformed files", func() {
		dir := GinkgoT().TempDir()
		_, err := sim.LoadConfig(filepath.Join(dir, "missing.json"))
		Expect(err).To(HaveOccurred())

		path := filepath.Join(dir, "bad.json")
		Expect(os.WriteFile(path, []byte("{cores"), 0644)).To(Succeed())
		_, err = sim.LoadConfig(path)
		Expect(err).To(HaveOccurred())
	})
})
