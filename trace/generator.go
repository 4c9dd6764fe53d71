package trace

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/sarchlab/specsim/timing/inst"
)

// ErrBadConfig is returned for invalid generator parameters.
var ErrBadConfig = errors.New("bad generator configuration")

const (
	codeBase  = 0x400000
	funcBase  = 0x500000
	funcAlign = 0x400
	dataBase  = 0x10000000
	stackTop  = 0x7fff0000
	instBytes = 4
)

// GeneratorConfig shapes a synthetic program. The program is an outer
// loop whose body mixes memory, compute and branch instructions and
// calls into a set of leaf functions.
type GeneratorConfig struct {
	Seed int64 `json:"seed" yaml:"seed"`
	// Length is the number of records to produce; 0 is unbounded.
	Length uint64 `json:"length" yaml:"length"`

	BodySize     int `json:"body_size" yaml:"body_size"`
	Functions    int `json:"functions" yaml:"functions"`
	FunctionSize int `json:"function_size" yaml:"function_size"`
	// LoopTrip is the number of body iterations per loop exit.
	LoopTrip int `json:"loop_trip" yaml:"loop_trip"`

	// Instruction mix in percent; the remainder is compute.
	LoadPct     int `json:"load_pct" yaml:"load_pct"`
	StorePct    int `json:"store_pct" yaml:"store_pct"`
	BranchPct   int `json:"branch_pct" yaml:"branch_pct"`
	CallPct     int `json:"call_pct" yaml:"call_pct"`
	IndirectPct int `json:"indirect_pct" yaml:"indirect_pct"`

	// Footprint is the size of the data region in bytes.
	Footprint uint64 `json:"footprint" yaml:"footprint"`
}

// DefaultGeneratorConfig returns a loop-heavy integer workload.
func DefaultGeneratorConfig() GeneratorConfig {
	return GeneratorConfig{
		Seed:         1,
		Length:       100000,
		BodySize:     64,
		Functions:    4,
		FunctionSize: 12,
		LoopTrip:     16,
		LoadPct:      20,
		StorePct:     10,
		BranchPct:    12,
		CallPct:      4,
		IndirectPct:  2,
		Footprint:    64 * 1024,
	}
}

// Validate checks the parameters.
func (c GeneratorConfig) Validate() error {
	if c.BodySize < 8 {
		return fmt.Errorf("body_size must be at least 8, got %d: %w", c.BodySize, ErrBadConfig)
	}
	if c.FunctionSize < 2 {
		return fmt.Errorf("function_size must be at least 2, got %d: %w", c.FunctionSize, ErrBadConfig)
	}
	if c.LoopTrip < 1 {
		return fmt.Errorf("loop_trip must be positive: %w", ErrBadConfig)
	}
	if c.Functions < 0 || (c.CallPct > 0 && c.Functions == 0) {
		return fmt.Errorf("calls need at least one function: %w", ErrBadConfig)
	}
	pcts := []int{c.LoadPct, c.StorePct, c.BranchPct, c.CallPct, c.IndirectPct}
	sum := 0
	for _, p := range pcts {
		if p < 0 {
			return fmt.Errorf("instruction mix percentages must not be negative: %w", ErrBadConfig)
		}
		sum += p
	}
	if sum > 100 {
		return fmt.Errorf("instruction mix adds up to %d%%: %w", sum, ErrBadConfig)
	}
	if c.Footprint < 64 {
		return fmt.Errorf("footprint must be at least one line: %w", ErrBadConfig)
	}
	return nil
}

type kind int

const (
	kindCompute kind = iota
	kindLoad
	kindStore
	kindCond
	kindLoop
	kindJump
	kindCall
	kindIndirect
	kindReturn
)

type static struct {
	kind  kind
	pc    uint64
	flags inst.Flags
	class inst.FUClass
	uops  int

	// Direct branch target and its index in the same function.
	target    uint64
	targetIdx int
	bias      float64

	// Indirect jump candidates.
	targetIdxs []int

	callee int
	dep    int

	base   uint64
	stride uint64
	count  uint64
}

type frame struct {
	fn  int
	idx int
}

// Generator is a Source producing the dynamic stream of a randomly
// built but fixed program. The same configuration always yields the
// same stream.
type Generator struct {
	config GeneratorConfig
	rng    *rand.Rand

	// code[0] is the loop body, code[1+i] is function i.
	code [][]static

	fn      int
	idx     int
	stack   []frame
	iter    uint64
	emitted uint64
}

// NewGenerator builds the program described by config.
func NewGenerator(config GeneratorConfig) (*Generator, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	g := &Generator{
		config: config,
		rng:    rand.New(rand.NewSource(config.Seed)),
	}
	g.build()
	return g, nil
}

func (g *Generator) build() {
	c := g.config

	body := make([]static, c.BodySize+1)
	last := c.BodySize - 1
	for i := 0; i < last; i++ {
		body[i] = g.randomStatic(codeBase, i, last, true)
	}
	body[last] = static{
		kind:      kindLoop,
		pc:        codeBase + uint64(last)*instBytes,
		flags:     inst.FlagCtrl | inst.FlagCond,
		target:    codeBase,
		targetIdx: 0,
	}
	body[last+1] = static{
		kind:      kindJump,
		pc:        codeBase + uint64(last+1)*instBytes,
		flags:     inst.FlagCtrl | inst.FlagUncond,
		target:    codeBase,
		targetIdx: 0,
	}
	g.code = append(g.code, body)

	for f := 0; f < c.Functions; f++ {
		base := uint64(funcBase + f*funcAlign)
		fn := make([]static, c.FunctionSize)
		end := c.FunctionSize - 1
		for i := 0; i < end; i++ {
			fn[i] = g.randomStatic(base, i, end, false)
		}
		fn[end] = static{
			kind:  kindReturn,
			pc:    base + uint64(end)*instBytes,
			flags: inst.FlagCtrl | inst.FlagUncond | inst.FlagReturn | inst.FlagIndirect,
		}
		g.code = append(g.code, fn)
	}
}

var biases = []float64{0.02, 0.1, 0.5, 0.9, 0.98}

// randomStatic picks instruction i of a function starting at base whose
// last instruction is at index last. Only the loop body calls.
func (g *Generator) randomStatic(base uint64, i, last int, outer bool) static {
	c := g.config
	s := static{pc: base + uint64(i)*instBytes}

	r := g.rng.Intn(100)
	s.dep = g.rng.Intn(4)
	canSkip := i+2 <= last
	switch {
	case r < c.LoadPct:
		s.kind = kindLoad
		s.flags = inst.FlagLoad
	case r < c.LoadPct+c.StorePct:
		s.kind = kindStore
		s.flags = inst.FlagStore
	case r < c.LoadPct+c.StorePct+c.BranchPct && canSkip:
		s.kind = kindCond
		s.flags = inst.FlagCtrl | inst.FlagCond
		s.targetIdx = i + 2 + g.rng.Intn(min(3, last-i-1))
		s.target = base + uint64(s.targetIdx)*instBytes
		s.bias = biases[g.rng.Intn(len(biases))]
	case r < c.LoadPct+c.StorePct+c.BranchPct+c.CallPct && outer:
		s.kind = kindCall
		s.flags = inst.FlagCtrl | inst.FlagUncond | inst.FlagCall
		s.callee = g.rng.Intn(c.Functions)
		s.target = uint64(funcBase + s.callee*funcAlign)
	case r < c.LoadPct+c.StorePct+c.BranchPct+c.CallPct+c.IndirectPct && outer && canSkip:
		s.kind = kindIndirect
		s.flags = inst.FlagCtrl | inst.FlagUncond | inst.FlagIndirect
		n := 2 + g.rng.Intn(3)
		for k := 0; k < n; k++ {
			s.targetIdxs = append(s.targetIdxs, i+1+g.rng.Intn(last-i))
		}
	default:
		s.kind = kindCompute
		s.class = g.randomClass()
		if s.class == inst.FUIntMul && g.rng.Intn(4) == 0 {
			s.uops = 2
		}
		return s
	}

	s.class = inst.FUIntALU
	if s.kind == kindLoad || s.kind == kindStore {
		lines := g.config.Footprint / 64
		s.base = uint64(g.rng.Int63n(int64(lines))) * 64
		s.stride = []uint64{0, 8, 64}[g.rng.Intn(3)]
	}
	return s
}

func (g *Generator) randomClass() inst.FUClass {
	r := g.rng.Intn(100)
	switch {
	case r < 8:
		return inst.FUIntMul
	case r < 10:
		return inst.FUIntDiv
	case r < 20:
		return inst.FUFP
	}
	return inst.FUIntALU
}

func (g *Generator) dataAddr(s *static) uint64 {
	off := (s.base + s.count*s.stride) % g.config.Footprint
	s.count++
	return dataBase + off&^7
}

func (g *Generator) sp() uint64 {
	return stackTop - uint64(len(g.stack))*8
}

// Next returns the next dynamic instruction.
func (g *Generator) Next() (Record, bool, error) {
	if g.config.Length > 0 && g.emitted >= g.config.Length {
		return Record{}, false, nil
	}
	g.emitted++

	code := g.code[g.fn]
	s := &code[g.idx]
	rec := Record{
		PC:     s.pc,
		NextPC: s.pc + instBytes,
		Flags:  s.flags,
		Class:  s.class,
		Uops:   s.uops,
	}
	if s.kind == kindCompute || s.kind == kindLoad || s.kind == kindStore {
		rec.SrcDist = s.dep
	}

	switch s.kind {
	case kindCompute:
		g.idx++
	case kindLoad, kindStore:
		rec.MemAddrs = []uint64{g.dataAddr(s)}
		g.idx++
	case kindCond:
		rec.TargetPC = s.target
		rec.Taken = g.rng.Float64() < s.bias
		if rec.Taken {
			g.idx = s.targetIdx
		} else {
			g.idx++
		}
	case kindLoop:
		g.iter++
		rec.TargetPC = s.target
		rec.Taken = g.iter%uint64(g.config.LoopTrip) != 0
		if rec.Taken {
			g.idx = s.targetIdx
		} else {
			g.idx++
		}
	case kindJump:
		rec.TargetPC = s.target
		rec.Taken = true
		g.idx = s.targetIdx
	case kindCall:
		g.stack = append(g.stack, frame{fn: g.fn, idx: g.idx + 1})
		rec.MemAddrs = []uint64{g.sp()}
		rec.TargetPC = s.target
		rec.Taken = true
		g.fn, g.idx = s.callee+1, 0
	case kindIndirect:
		g.idx = s.targetIdxs[g.rng.Intn(len(s.targetIdxs))]
		rec.TargetPC = code[g.idx].pc
		rec.Taken = true
	case kindReturn:
		rec.MemAddrs = []uint64{g.sp()}
		top := g.stack[len(g.stack)-1]
		g.stack = g.stack[:len(g.stack)-1]
		g.fn, g.idx = top.fn, top.idx
		rec.TargetPC = g.code[g.fn][g.idx].pc
		rec.Taken = true
	}

	return rec, true, nil
}

// Emitted returns the number of records produced so far.
func (g *Generator) Emitted() uint64 {
	return g.emitted
}
