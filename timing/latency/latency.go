// Package latency provides functional-unit timing for cycle-level
// simulation.
//
// Latencies are looked up per uop class and can be configured via
// TimingConfig.
package latency

import (
	"github.com/sarchlab/specsim/timing/inst"
)

// Table provides uop latency lookups.
type Table struct {
	config *TimingConfig
}

// NewTable creates a new latency table with default timing values.
func NewTable() *Table {
	return &Table{
		config: DefaultTimingConfig(),
	}
}

// NewTableWithConfig creates a new latency table with custom timing configuration.
func NewTableWithConfig(config *TimingConfig) *Table {
	return &Table{
		config: config,
	}
}

// GetLatency returns the execution latency in cycles for a uop class.
// For variable-latency operations, returns the typical latency, the
// midpoint of the range.
func (t *Table) GetLatency(class inst.FUClass) uint64 {
	switch class {
	case inst.FUIntALU:
		return t.config.ALULatency
	case inst.FUIntMul:
		return t.config.MultiplyLatency
	case inst.FUIntDiv:
		return (t.config.DivideLatencyMin + t.config.DivideLatencyMax) / 2
	case inst.FUFP:
		return t.config.FPLatency
	case inst.FULoad, inst.FUStoreAddr:
		return t.config.AGULatency
	case inst.FUStoreData:
		return t.config.StoreDataLatency
	case inst.FUBranch:
		return t.config.BranchLatency
	default:
		return 1
	}
}

// GetMinLatency returns the minimum execution latency for a uop class.
func (t *Table) GetMinLatency(class inst.FUClass) uint64 {
	if class == inst.FUIntDiv {
		return t.config.DivideLatencyMin
	}
	return t.GetLatency(class)
}

// GetMaxLatency returns the maximum execution latency for a uop class.
func (t *Table) GetMaxLatency(class inst.FUClass) uint64 {
	if class == inst.FUIntDiv {
		return t.config.DivideLatencyMax
	}
	return t.GetLatency(class)
}

// TrapLatency returns the latency of a serializing instruction.
func (t *Table) TrapLatency() uint64 {
	return t.config.SyscallLatency
}

// MispredictPenalty returns the delay between a branch resolving as
// mispredicted and its recovery.
func (t *Table) MispredictPenalty() uint64 {
	return t.config.BranchMispredictPenalty
}

// IsMemoryOp returns true if the uop class accesses memory.
func (t *Table) IsMemoryOp(class inst.FUClass) bool {
	return class.IsMemory()
}

// IsLoadOp returns true if the uop class is a load.
func (t *Table) IsLoadOp(class inst.FUClass) bool {
	return class == inst.FULoad
}

// IsStoreOp returns true if the uop class is part of a store.
func (t *Table) IsStoreOp(class inst.FUClass) bool {
	return class == inst.FUStoreAddr || class == inst.FUStoreData
}

// IsBranchOp returns true if the uop class is a branch.
func (t *Table) IsBranchOp(class inst.FUClass) bool {
	return class == inst.FUBranch
}

// Config returns the current timing configuration.
func (t *Table) Config() *TimingConfig {
	return t.config
}
