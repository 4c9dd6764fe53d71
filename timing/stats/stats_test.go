package stats_test

import (
	"bytes"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.yaml.in/yaml/v3"

	"github.com/sarchlab/specsim/timing/stats"
)

var _ = Describe("Database", func() {
	var db *stats.Database

	BeforeEach(func() {
		db = stats.NewDatabase()
	})

	It("should format component names per core", func() {
		Expect(stats.CompName(2, "bpred", "lookups")).To(Equal("c2.bpred.lookups"))
		Expect(stats.CompName(stats.NoCore, "mc", "accesses")).To(Equal("mc.accesses"))
		Expect(stats.CoreName(0, "cycles")).To(Equal("c0.cycles"))
	})

	It("should read counters through their pointers", func() {
		var hits, total uint64
		db.AddCounter("c0.x.hits", "hits", &hits)
		db.AddCounter("c0.x.total", "total", &total)
		db.AddFormula("c0.x.rate", "hit rate", stats.Ratio(&hits, &total))

		hits, total = 3, 4

		v, ok := db.Value("c0.x.hits")
		Expect(ok).To(BeTrue())
		Expect(v).To(Equal(3.0))

		v, _ = db.Value("c0.x.rate")
		Expect(v).To(BeNumerically("~", 0.75, 1e-9))
	})

	It("should return zero for a ratio with zero denominator", func() {
		var a, b uint64
		Expect(stats.Ratio(&a, &b)()).To(Equal(0.0))
	})

	It("should reject duplicate names", func() {
		var v uint64
		db.AddCounter("dup", "", &v)
		Expect(func() { db.AddCounter("dup", "", &v) }).To(Panic())
	})

	It("should report unknown names", func() {
		_, ok := db.Value("nope")
		Expect(ok).To(BeFalse())
	})

	It("should print every statistic", func() {
		var v uint64 = 7
		db.AddCounter("c0.commit.insts", "committed", &v)

		var buf bytes.Buffer
		Expect(db.Print(&buf)).To(Succeed())
		Expect(buf.String()).To(ContainSubstring("c0.commit.insts"))
		Expect(buf.String()).To(ContainSubstring(db.RunID()))
	})

	It("should write a YAML dump with the run id", func() {
		var v uint64 = 9
		db.AddCounter("c1.bpred.updates", "updates", &v)

		var buf bytes.Buffer
		Expect(db.WriteYAML(&buf)).To(Succeed())

		var dump stats.Dump
		Expect(yaml.Unmarshal(buf.Bytes(), &dump)).To(Succeed())
		Expect(dump.RunID).To(Equal(db.RunID()))
		Expect(dump.Stats).To(HaveLen(1))
		Expect(dump.Stats[0].Name).To(Equal("c1.bpred.updates"))
		Expect(dump.Stats[0].Value).To(Equal(9.0))
	})

	It("should bucket distribution samples", func() {
		d := stats.NewDistribution(10, 5)
		Expect(d.Width).To(Equal(uint64(3)))
		for _, v := range []uint64{0, 1, 2, 3, 10, 100} {
			d.Sample(v)
		}
		Expect(d.Buckets).To(Equal([]uint64{3, 1, 0, 1, 1}))
		Expect(d.Mean()).To(BeNumerically("~", 116.0/6, 1e-9))

		d.Reset()
		Expect(d.Samples).To(BeZero())
		Expect(d.Mean()).To(BeZero())
	})

	It("should publish a distribution's mean and buckets", func() {
		d := stats.NewDistribution(3, 2)
		d.Sample(1)
		d.Sample(3)
		db.AddDistribution("c0.commit.rob_occupancy_dist", "ROB occupancy", d)

		v, ok := db.Value("c0.commit.rob_occupancy_dist")
		Expect(ok).To(BeTrue())
		Expect(v).To(Equal(2.0))

		var buf bytes.Buffer
		Expect(db.Print(&buf)).To(Succeed())
		Expect(buf.String()).To(ContainSubstring("c0.commit.rob_occupancy_dist[2:3]"))

		dump := db.Snapshot()
		Expect(dump.Stats[0].Buckets).To(Equal([]uint64{1, 1}))
	})

	It("should list names sorted", func() {
		var a, b uint64
		db.AddCounter("b", "", &b)
		db.AddCounter("a", "", &a)
		Expect(db.Names()).To(Equal([]string{"a", "b"}))
		Expect(db.Len()).To(Equal(2))
	})
})
