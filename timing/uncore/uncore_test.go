package uncore_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/specsim/timing/cache"
	"github.com/sarchlab/specsim/timing/stats"
	"github.com/sarchlab/specsim/timing/uncore"
)

type owner struct {
	id uint64
}

func request(addr uint64, o *owner, done map[uint64]uint64, now *uint64) *cache.Request {
	return &cache.Request{
		Cmd:      cache.CmdRead,
		Addr:     addr,
		LineSize: 64,
		ActionID: o.id,
		Op:       o,
		Callback: func(r *cache.Request) {
			done[r.Addr] = *now
		},
		GetActionID: func(op any) uint64 {
			return op.(*owner).id
		},
	}
}

var _ = Describe("Bus", func() {
	It("should occupy the bus for the transfer", func() {
		bus, err := uncore.NewBus("membus", 8, 2)
		Expect(err).NotTo(HaveOccurred())

		Expect(bus.Free(0)).To(BeTrue())
		Expect(bus.Use(0, 64)).To(Equal(uint64(16)))
		Expect(bus.Free(15)).To(BeFalse())
		Expect(bus.Free(16)).To(BeTrue())
		Expect(bus.Accesses()).To(Equal(uint64(1)))
		Expect(bus.BusyCycles()).To(Equal(uint64(16)))
	})

	It("should queue a transfer behind the current one", func() {
		bus, _ := uncore.NewBus("membus", 16, 1)
		bus.Use(0, 64)
		Expect(bus.Use(2, 64)).To(Equal(uint64(8)))
	})

	It("should reject a zero width", func() {
		_, err := uncore.NewBus("membus", 0, 1)
		Expect(err).To(MatchError(uncore.ErrBadConfig))
	})
})

var _ = Describe("Memory controller", func() {
	var (
		bus  *uncore.Bus
		now  uint64
		done map[uint64]uint64
	)

	BeforeEach(func() {
		bus, _ = uncore.NewBus("membus", 8, 1)
		now = 0
		done = make(map[uint64]uint64)
	})

	run := func(mc uncore.MC, cycles int) {
		for i := 0; i < cycles; i++ {
			mc.Step(now)
			now++
		}
	}

	It("should pipeline accesses in the simple controller", func() {
		mc, err := uncore.NewMC("simple:10:4", bus)
		Expect(err).NotTo(HaveOccurred())

		Expect(mc.Enqueue(request(0x000, &owner{id: 1}, done, &now))).To(BeTrue())
		Expect(mc.Enqueue(request(0x040, &owner{id: 1}, done, &now))).To(BeTrue())
		run(mc, 30)

		Expect(done).To(HaveKeyWithValue(uint64(0x000), uint64(18)))
		Expect(done).To(HaveKeyWithValue(uint64(0x040), uint64(26)))
		Expect(mc.Outstanding()).To(BeZero())
	})

	It("should serialize accesses in the fcfs controller", func() {
		mc, err := uncore.NewMC("fcfs:10:4", bus)
		Expect(err).NotTo(HaveOccurred())

		mc.Enqueue(request(0x000, &owner{id: 1}, done, &now))
		mc.Enqueue(request(0x040, &owner{id: 1}, done, &now))
		run(mc, 30)

		Expect(done).To(HaveKeyWithValue(uint64(0x000), uint64(18)))
		Expect(done).To(HaveKeyWithValue(uint64(0x040), uint64(28)))
	})

	It("should refuse requests beyond its queue", func() {
		mc, _ := uncore.NewMC("simple:10:1", bus)
		Expect(mc.Enqueue(request(0x000, &owner{id: 1}, done, &now))).To(BeTrue())
		Expect(mc.Enqueuable(0x040)).To(BeFalse())
		Expect(mc.Enqueue(request(0x040, &owner{id: 1}, done, &now))).To(BeFalse())
	})

	It("should drop stale requests before they reach DRAM", func() {
		mc, _ := uncore.NewMC("simple:10:4", bus)
		o := &owner{id: 1}
		mc.Enqueue(request(0x000, o, done, &now))
		o.id++
		run(mc, 20)

		Expect(done).To(BeEmpty())
		Expect(bus.Accesses()).To(BeZero())
	})

	It("should account service latency", func() {
		mc, _ := uncore.NewMC("simple:10:4", bus)
		db := stats.NewDatabase()
		mc.RegStats(db)

		mc.Enqueue(request(0x000, &owner{id: 1}, done, &now))
		mc.Enqueue(request(0x040, &owner{id: 1}, done, &now))
		run(mc, 30)

		v, _ := db.Value("mc.total_accesses")
		Expect(v).To(Equal(2.0))
		v, _ = db.Value("mc.total_dram_cycles")
		Expect(v).To(Equal(20.0))
		v, _ = db.Value("mc.average_latency")
		Expect(v).To(Equal(22.0))
	})

	DescribeTable("should reject bad configuration strings",
		func(s string, want error) {
			_, err := uncore.NewMC(s, bus)
			Expect(err).To(MatchError(want))
		},
		Entry("unknown kind", "dramsim:10:4", uncore.ErrUnknownComponent),
		Entry("missing queue", "simple:10", uncore.ErrBadConfig),
		Entry("zero latency", "simple:0:4", uncore.ErrBadConfig),
		Entry("bad queue", "fcfs:10:x", uncore.ErrBadConfig),
	)
})

var _ = Describe("Arbiter", func() {
	var (
		mem  *cache.IdealMemory
		now  uint64
		done map[uint64]uint64
	)

	BeforeEach(func() {
		mem = cache.NewIdealMemory("llc", 1)
		now = 0
		done = make(map[uint64]uint64)
	})

	fill := func(a *uncore.Arbiter) {
		for core := 0; core < 2; core++ {
			for i := 0; i < 2; i++ {
				addr := uint64(core*0x1000 + i*0x40)
				Expect(a.Port(core).Enqueue(request(addr, &owner{id: 1}, done, &now))).To(BeTrue())
			}
		}
	}

	run := func(a *uncore.Arbiter, cycles int) {
		for i := 0; i < cycles; i++ {
			a.Step(now)
			mem.Step(now)
			now++
		}
	}

	It("should alternate between cores in round-robin order", func() {
		a, err := uncore.NewArbiter(uncore.RoundRobin, 2, 4, mem)
		Expect(err).NotTo(HaveOccurred())
		fill(a)

		run(a, 2)
		Expect(a.Grants(0)).To(Equal(uint64(1)))
		Expect(a.Grants(1)).To(Equal(uint64(1)))

		run(a, 4)
		Expect(done).To(HaveLen(4))
		Expect(a.Outstanding()).To(BeZero())
	})

	It("should always favour core 0 with fixed priority", func() {
		a, _ := uncore.NewArbiter(uncore.Fixed, 2, 4, mem)
		fill(a)

		run(a, 2)
		Expect(a.Grants(0)).To(Equal(uint64(2)))
		Expect(a.Grants(1)).To(BeZero())
	})

	It("should count cycles with competing requests", func() {
		a, _ := uncore.NewArbiter(uncore.RoundRobin, 2, 4, mem)
		db := stats.NewDatabase()
		a.RegStats(db)
		fill(a)

		run(a, 4)
		v, _ := db.Value("arb.conflicts")
		Expect(v).To(Equal(3.0))
		v, _ = db.Value("c1.arb.grants")
		Expect(v).To(Equal(2.0))
	})

	It("should drop requests of squashed operations", func() {
		a, _ := uncore.NewArbiter(uncore.RoundRobin, 2, 4, mem)
		o := &owner{id: 1}
		a.Port(1).Enqueue(request(0x40, o, done, &now))
		o.id++
		run(a, 3)

		Expect(mem.Accesses()).To(BeZero())
		Expect(a.Outstanding()).To(BeZero())
	})

	It("should refuse requests when a port is full", func() {
		a, _ := uncore.NewArbiter(uncore.RoundRobin, 1, 1, mem)
		Expect(a.Port(0).Enqueue(request(0x0, &owner{id: 1}, done, &now))).To(BeTrue())
		Expect(a.Port(0).Enqueuable(0x40)).To(BeFalse())
	})

	It("should reject an unknown policy", func() {
		_, err := uncore.NewArbiter("lottery", 2, 4, mem)
		Expect(err).To(MatchError(uncore.ErrUnknownComponent))
	})
})
