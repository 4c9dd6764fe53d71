package inst_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/specsim/timing/inst"
)

func classes(flow []inst.Template) []inst.FUClass {
	out := make([]inst.FUClass, len(flow))
	for i, t := range flow {
		out[i] = t.Class
	}
	return out
}

var _ = Describe("Flags", func() {
	It("should render and parse the same set", func() {
		f := inst.FlagCtrl | inst.FlagUncond | inst.FlagReturn | inst.FlagIndirect
		Expect(f.String()).To(Equal("ctrl|uncond|ret|indir"))

		parsed, ok := inst.ParseFlags(f.String())
		Expect(ok).To(BeTrue())
		Expect(parsed).To(Equal(f))
	})

	It("should treat empty and none as no flags", func() {
		for _, s := range []string{"", "none"} {
			f, ok := inst.ParseFlags(s)
			Expect(ok).To(BeTrue())
			Expect(f).To(BeZero())
		}
		Expect(inst.Flags(0).String()).To(Equal("none"))
	})

	It("should reject unknown names", func() {
		_, ok := inst.ParseFlags("ctrl|jump")
		Expect(ok).To(BeFalse())
	})

	It("should only call control instructions branches", func() {
		Expect((inst.FlagCtrl | inst.FlagCond).IsBranch()).To(BeTrue())
		Expect(inst.FlagLoad.IsBranch()).To(BeFalse())
	})
})

var _ = Describe("FUClass", func() {
	It("should parse every class name", func() {
		for c := inst.FUNop; c < inst.NumFUClasses; c++ {
			parsed, ok := inst.ParseFUClass(c.String())
			Expect(ok).To(BeTrue())
			Expect(parsed).To(Equal(c))
		}
	})

	It("should reject an unknown name", func() {
		_, ok := inst.ParseFUClass("vector")
		Expect(ok).To(BeFalse())
	})

	It("should mark memory classes", func() {
		Expect(inst.FULoad.IsMemory()).To(BeTrue())
		Expect(inst.FUStoreData.IsMemory()).To(BeTrue())
		Expect(inst.FUBranch.IsMemory()).To(BeFalse())
	})
})

var _ = Describe("Crack", func() {
	DescribeTable("uop flows",
		func(flags inst.Flags, addrs, extra int, class inst.FUClass, want []inst.FUClass) {
			Expect(classes(inst.Crack(flags, addrs, extra, class))).To(Equal(want))
		},
		Entry("plain ALU", inst.Flags(0), 0, 0, inst.FUIntALU,
			[]inst.FUClass{inst.FUIntALU}),
		Entry("multi-uop multiply", inst.Flags(0), 0, 3, inst.FUIntMul,
			[]inst.FUClass{inst.FUIntMul, inst.FUIntMul, inst.FUIntMul}),
		Entry("load", inst.FlagLoad, 1, 0, inst.FUIntALU,
			[]inst.FUClass{inst.FULoad}),
		Entry("store", inst.FlagStore, 1, 0, inst.FUIntALU,
			[]inst.FUClass{inst.FUStoreAddr, inst.FUStoreData}),
		Entry("load-op-store", inst.FlagLoad|inst.FlagStore, 1, 0, inst.FUIntALU,
			[]inst.FUClass{inst.FULoad, inst.FUIntALU, inst.FUStoreAddr, inst.FUStoreData}),
		Entry("conditional branch", inst.FlagCtrl|inst.FlagCond, 0, 2, inst.FUIntALU,
			[]inst.FUClass{inst.FUBranch}),
		Entry("indirect jump through memory", inst.FlagCtrl|inst.FlagUncond|inst.FlagIndirect|inst.FlagLoad,
			1, 0, inst.FUIntALU,
			[]inst.FUClass{inst.FULoad, inst.FUBranch}),
		Entry("call", inst.FlagCtrl|inst.FlagUncond|inst.FlagCall, 1, 0, inst.FUIntALU,
			[]inst.FUClass{inst.FUStoreAddr, inst.FUStoreData, inst.FUBranch}),
		Entry("return", inst.FlagCtrl|inst.FlagUncond|inst.FlagReturn|inst.FlagIndirect, 1, 0, inst.FUIntALU,
			[]inst.FUClass{inst.FULoad, inst.FUBranch}),
		Entry("memory class falls back to ALU", inst.Flags(0), 0, 0, inst.FULoad,
			[]inst.FUClass{inst.FUIntALU}),
	)

	It("should fuse the store data onto the store address", func() {
		flow := inst.Crack(inst.FlagStore, 1, 0, inst.FUIntALU)
		Expect(flow[0].Fused).To(BeFalse())
		Expect(flow[1].Fused).To(BeTrue())
		Expect(flow[0].MemIndex).To(Equal(0))
		Expect(flow[1].MemIndex).To(Equal(0))
	})

	It("should give each memory uop its own address when there are enough", func() {
		flow := inst.Crack(inst.FlagLoad|inst.FlagStore, 2, 0, inst.FUIntALU)
		Expect(flow[0].MemIndex).To(Equal(0))
		Expect(flow[1].MemIndex).To(Equal(-1))
		Expect(flow[2].MemIndex).To(Equal(1))
	})

	It("should mark memory uops without addresses", func() {
		flow := inst.Crack(inst.FlagLoad, 0, 0, inst.FUIntALU)
		Expect(flow[0].MemIndex).To(Equal(-1))
	})
})
