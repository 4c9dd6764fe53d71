// Package inst defines the instruction-level vocabulary shared by the
// predictors, the uop model and the trace front-end: control-flow flags,
// the branch query, functional-unit classes and the cracking table.
package inst

import "strings"

// Flags classifies an instruction for the front-end and the predictors.
type Flags uint16

// Instruction classification flags.
const (
	// FlagCtrl marks any control-flow instruction.
	FlagCtrl Flags = 1 << iota
	// FlagCond marks a conditional branch.
	FlagCond
	// FlagUncond marks an unconditional jump.
	FlagUncond
	// FlagCall marks a subroutine call.
	FlagCall
	// FlagReturn marks a subroutine return.
	FlagReturn
	// FlagIndirect marks a branch whose target is computed.
	FlagIndirect
	// FlagLoad marks an instruction that reads memory.
	FlagLoad
	// FlagStore marks an instruction that writes memory.
	FlagStore
	// FlagTrap marks a serializing instruction (syscall, fence).
	FlagTrap
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{FlagCtrl, "ctrl"},
	{FlagCond, "cond"},
	{FlagUncond, "uncond"},
	{FlagCall, "call"},
	{FlagReturn, "ret"},
	{FlagIndirect, "indir"},
	{FlagLoad, "load"},
	{FlagStore, "store"},
	{FlagTrap, "trap"},
}

// Has reports whether every bit of x is set in f.
func (f Flags) Has(x Flags) bool {
	return f&x == x
}

// IsBranch reports whether the instruction redirects control flow.
func (f Flags) IsBranch() bool {
	return f&FlagCtrl != 0
}

// String renders the set flags joined with '|'.
func (f Flags) String() string {
	if f == 0 {
		return "none"
	}

	var parts []string
	for _, fn := range flagNames {
		if f.Has(fn.flag) {
			parts = append(parts, fn.name)
		}
	}
	return strings.Join(parts, "|")
}

// ParseFlags parses the '|'-joined form produced by String.
// Unknown names are reported through ok=false.
func ParseFlags(s string) (f Flags, ok bool) {
	if s == "" || s == "none" {
		return 0, true
	}

	for _, part := range strings.Split(s, "|") {
		found := false
		for _, fn := range flagNames {
			if fn.name == part {
				f |= fn.flag
				found = true
				break
			}
		}
		if !found {
			return 0, false
		}
	}
	return f, true
}

// Query is the addressing quadruple plus outcome handed to every
// prediction call. The same query is used by lookup, update and
// speculative update so that a predictor recomputes identical indices.
type Query struct {
	// PC is the address of the branch.
	PC uint64
	// FallthroughPC is the next PC if the branch is not taken.
	FallthroughPC uint64
	// TargetPC is the next PC if the branch is taken (0 when unknown).
	TargetPC uint64
	// OraclePC is the correct next PC.
	OraclePC uint64
	// Outcome is the correct taken/not-taken decision.
	Outcome bool
}

// FUClass identifies the functional unit a uop executes on.
type FUClass int

// Functional-unit classes.
const (
	FUNop FUClass = iota
	FUIntALU
	FUIntMul
	FUIntDiv
	FUFP
	FULoad
	FUStoreAddr
	FUStoreData
	FUBranch
	NumFUClasses
)

func (c FUClass) String() string {
	switch c {
	case FUNop:
		return "nop"
	case FUIntALU:
		return "ialu"
	case FUIntMul:
		return "imul"
	case FUIntDiv:
		return "idiv"
	case FUFP:
		return "fp"
	case FULoad:
		return "load"
	case FUStoreAddr:
		return "sta"
	case FUStoreData:
		return "std"
	case FUBranch:
		return "branch"
	default:
		return "unknown"
	}
}

// IsMemory reports whether the class touches the memory pipeline.
func (c FUClass) IsMemory() bool {
	return c == FULoad || c == FUStoreAddr || c == FUStoreData
}

// ParseFUClass parses the name produced by FUClass.String.
func ParseFUClass(s string) (FUClass, bool) {
	for c := FUNop; c < NumFUClasses; c++ {
		if c.String() == s {
			return c, true
		}
	}
	return FUNop, false
}
