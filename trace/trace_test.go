package trace_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/go-cmp/cmp"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/specsim/timing/inst"
	"github.com/sarchlab/specsim/trace"
)

func drain(src trace.Source) []trace.Record {
	var out []trace.Record
	for {
		rec, ok, err := src.Next()
		Expect(err).NotTo(HaveOccurred())
		if !ok {
			return out
		}
		out = append(out, rec)
	}
}

var sample = []trace.Record{
	{PC: 0x1000, NextPC: 0x1004, Class: inst.FUIntALU},
	{PC: 0x1004, NextPC: 0x1008, Flags: inst.FlagLoad, MemAddrs: []uint64{0x8000}, Class: inst.FUIntALU},
	{PC: 0x1008, NextPC: 0x100c, TargetPC: 0x1000, Taken: true,
		Flags: inst.FlagCtrl | inst.FlagCond, Class: inst.FUIntALU},
	{PC: 0x100c, NextPC: 0x1010, Uops: 2, Class: inst.FUIntMul, SrcDist: 2},
}

var _ = Describe("Record", func() {
	It("should pick the oracle PC by outcome", func() {
		Expect(sample[2].OraclePC()).To(Equal(uint64(0x1000)))
		Expect(sample[0].OraclePC()).To(Equal(uint64(0x1004)))
	})
})

var _ = Describe("Reader and Writer", func() {
	It("should round-trip records through JSON lines", func() {
		var buf bytes.Buffer
		w := trace.NewWriter(&buf)
		n, err := trace.Copy(w, trace.NewSlice(sample))
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(uint64(len(sample))))
		Expect(w.Count()).To(Equal(n))

		got := drain(trace.NewReader(&buf))
		Expect(cmp.Diff(sample, got)).To(BeEmpty())
	})

	It("should write flags and class by name", func() {
		var buf bytes.Buffer
		w := trace.NewWriter(&buf)
		Expect(w.Write(sample[2])).To(Succeed())
		Expect(w.Write(sample[3])).To(Succeed())
		Expect(w.Flush()).To(Succeed())

		Expect(buf.String()).To(ContainSubstring(`"flags":"ctrl|cond"`))
		Expect(buf.String()).To(ContainSubstring(`"class":"imul"`))
	})

	It("should skip blank and comment lines", func() {
		text := "# header\n\n{\"pc\":4096,\"next_pc\":4100}\n"
		got := drain(trace.NewReader(strings.NewReader(text)))
		Expect(got).To(HaveLen(1))
		Expect(got[0].Class).To(Equal(inst.FUIntALU))
	})

	DescribeTable("bad records",
		func(line string) {
			r := trace.NewReader(strings.NewReader(line))
			_, _, err := r.Next()
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(HavePrefix("line 1:"))
		},
		Entry("unknown flag", `{"pc":1,"next_pc":5,"flags":"jump"}`),
		Entry("unknown class", `{"pc":1,"next_pc":5,"class":"vec"}`),
		Entry("taken non-branch", `{"pc":1,"next_pc":5,"taken":true,"target_pc":9}`),
		Entry("taken without target", `{"pc":1,"next_pc":5,"taken":true,"flags":"ctrl|cond"}`),
		Entry("load without address", `{"pc":1,"next_pc":5,"flags":"load"}`),
		Entry("missing next pc", `{"pc":1}`),
		Entry("not JSON", `pc=1`),
	)

	It("should wrap decoding errors with ErrBadRecord", func() {
		r := trace.NewReader(strings.NewReader(`{"pc":1,"next_pc":5,"flags":"jump"}`))
		_, _, err := r.Next()
		Expect(err).To(MatchError(trace.ErrBadRecord))
	})

	It("should open a trace file", func() {
		path := filepath.Join(GinkgoT().TempDir(), "t.jsonl")
		f, err := os.Create(path)
		Expect(err).NotTo(HaveOccurred())
		_, err = trace.Copy(trace.NewWriter(f), trace.NewSlice(sample))
		Expect(err).NotTo(HaveOccurred())
		Expect(f.Close()).To(Succeed())

		r, err := trace.Open(path)
		Expect(err).NotTo(HaveOccurred())
		defer r.Close()
		Expect(drain(r)).To(HaveLen(len(sample)))
	})

	It("should fail to open a missing file", func() {
		_, err := trace.Open(filepath.Join(GinkgoT().TempDir(), "missing"))
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Limit", func() {
	It("should stop after n records", func() {
		got := drain(trace.NewLimit(trace.NewSlice(sample), 2))
		Expect(got).To(HaveLen(2))
	})
})

var _ = Describe("Generator", func() {
	var config trace.GeneratorConfig

	BeforeEach(func() {
		config = trace.DefaultGeneratorConfig()
		config.Length = 5000
	})

	generate := func() []trace.Record {
		g, err := trace.NewGenerator(config)
		Expect(err).NotTo(HaveOccurred())
		return drain(g)
	}

	It("should produce exactly Length records", func() {
		Expect(generate()).To(HaveLen(5000))
	})

	It("should be deterministic for a seed", func() {
		Expect(cmp.Diff(generate(), generate())).To(BeEmpty())
	})

	It("should change with the seed", func() {
		a := generate()
		config.Seed = 2
		Expect(cmp.Equal(a, generate())).To(BeFalse())
	})

	It("should produce a connected stream", func() {
		recs := generate()
		for i := 1; i < len(recs); i++ {
			Expect(recs[i].PC).To(Equal(recs[i-1].OraclePC()), "record %d", i)
		}
	})

	It("should match every return with its call", func() {
		var stack []uint64
		calls := 0
		for _, r := range generate() {
			switch {
			case r.Flags.Has(inst.FlagCall):
				calls++
				stack = append(stack, r.NextPC)
			case r.Flags.Has(inst.FlagReturn):
				Expect(stack).NotTo(BeEmpty())
				Expect(r.TargetPC).To(Equal(stack[len(stack)-1]))
				stack = stack[:len(stack)-1]
			}
		}
		Expect(calls).To(BeNumerically(">", 0))
	})

	It("should give memory instructions addresses in the data region", func() {
		for _, r := range generate() {
			if r.Flags.Has(inst.FlagLoad) || r.Flags.Has(inst.FlagStore) {
				Expect(r.MemAddrs).To(HaveLen(1))
				Expect(r.MemAddrs[0] % 8).To(BeZero())
			}
		}
	})

	It("should keep generating when unbounded", func() {
		config.Length = 0
		g, err := trace.NewGenerator(config)
		Expect(err).NotTo(HaveOccurred())
		for i := 0; i < 20000; i++ {
			_, ok, err := g.Next()
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
		}
		Expect(g.Emitted()).To(Equal(uint64(20000)))
	})

	DescribeTable("invalid configurations",
		func(mutate func(c *trace.GeneratorConfig)) {
			mutate(&config)
			_, err := trace.NewGenerator(config)
			Expect(err).To(MatchError(trace.ErrBadConfig))
		},
		Entry("tiny body", func(c *trace.GeneratorConfig) { c.BodySize = 4 }),
		Entry("tiny function", func(c *trace.GeneratorConfig) { c.FunctionSize = 1 }),
		Entry("zero loop trip", func(c *trace.GeneratorConfig) { c.LoopTrip = 0 }),
		Entry("calls without functions", func(c *trace.GeneratorConfig) { c.Functions = 0 }),
		Entry("mix over 100%", func(c *trace.GeneratorConfig) { c.LoadPct = 90 }),
		Entry("negative mix", func(c *trace.GeneratorConfig) { c.StorePct = -1 }),
		Entry("tiny footprint", func(c *trace.GeneratorConfig) { c.Footprint = 8 }),
	)
})
