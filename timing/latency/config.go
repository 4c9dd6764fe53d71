package latency

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.yaml.in/yaml/v3"
)

// TimingConfig holds execution latencies per functional-unit class and
// the memory-hierarchy latencies the simulator builds its caches with.
type TimingConfig struct {
	// ALULatency is the execution latency for simple integer operations.
	// Default: 1 cycle.
	ALULatency uint64 `json:"alu_latency" yaml:"alu_latency"`

	// BranchLatency is the base execution latency for branch uops.
	// This does not include misprediction penalty. Default: 1 cycle.
	BranchLatency uint64 `json:"branch_latency" yaml:"branch_latency"`

	// BranchMispredictPenalty is the number of cycles between a
	// mispredicted branch resolving and its recovery taking effect.
	// Default: 3 cycles.
	BranchMispredictPenalty uint64 `json:"branch_mispredict_penalty" yaml:"branch_mispredict_penalty"`

	// AGULatency is the address-generation latency of load and
	// store-address uops before they reach the data cache.
	// Default: 1 cycle.
	AGULatency uint64 `json:"agu_latency" yaml:"agu_latency"`

	// StoreDataLatency is the latency of the store-data uop.
	// Default: 1 cycle.
	StoreDataLatency uint64 `json:"store_data_latency" yaml:"store_data_latency"`

	// MultiplyLatency is the latency for integer multiply operations.
	// Default: 3 cycles.
	MultiplyLatency uint64 `json:"multiply_latency" yaml:"multiply_latency"`

	// DivideLatencyMin is the minimum latency for integer divide operations.
	// Default: 10 cycles.
	DivideLatencyMin uint64 `json:"divide_latency_min" yaml:"divide_latency_min"`

	// DivideLatencyMax is the maximum latency for integer divide operations.
	// Default: 15 cycles.
	DivideLatencyMax uint64 `json:"divide_latency_max" yaml:"divide_latency_max"`

	// FPLatency is the latency of floating-point uops. Default: 4 cycles.
	FPLatency uint64 `json:"fp_latency" yaml:"fp_latency"`

	// SyscallLatency is the latency of trap instructions, which execute
	// only once they reach the head of the ROB. Default: 1 cycle.
	SyscallLatency uint64 `json:"syscall_latency" yaml:"syscall_latency"`

	// L1HitLatency is the L1 data cache hit latency.
	// Default: 4 cycles.
	L1HitLatency uint64 `json:"l1_hit_latency" yaml:"l1_hit_latency"`

	// L2HitLatency is the shared last-level cache hit latency.
	// Default: 12 cycles.
	L2HitLatency uint64 `json:"l2_hit_latency" yaml:"l2_hit_latency"`

	// MemoryLatency is the main memory access latency.
	// Default: 150 cycles.
	MemoryLatency uint64 `json:"memory_latency" yaml:"memory_latency"`
}

// DefaultTimingConfig returns a TimingConfig with default values.
func DefaultTimingConfig() *TimingConfig {
	return &TimingConfig{
		ALULatency:              1,
		BranchLatency:           1,
		BranchMispredictPenalty: 3,
		AGULatency:              1,
		StoreDataLatency:        1,
		MultiplyLatency:         3,
		DivideLatencyMin:        10,
		DivideLatencyMax:        15,
		FPLatency:               4,
		SyscallLatency:          1,
		L1HitLatency:            4,
		L2HitLatency:            12,
		MemoryLatency:           150,
	}
}

// isYAML reports whether the path names a YAML file.
func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// LoadConfig loads a TimingConfig from a JSON or YAML file. Fields
// missing from the file keep their default values.
func LoadConfig(path string) (*TimingConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read timing config file: %w", err)
	}

	config := DefaultTimingConfig()
	if isYAML(path) {
		err = yaml.Unmarshal(data, config)
	} else {
		err = json.Unmarshal(data, config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse timing config: %w", err)
	}

	return config, nil
}

// SaveConfig writes a TimingConfig to a JSON or YAML file.
func (c *TimingConfig) SaveConfig(path string) error {
	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to serialize timing config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write timing config file: %w", err)
	}

	return nil
}

// Validate checks that all latency values are valid (> 0).
func (c *TimingConfig) Validate() error {
	if c.ALULatency == 0 {
		return fmt.Errorf("alu_latency must be > 0")
	}
	if c.BranchLatency == 0 {
		return fmt.Errorf("branch_latency must be > 0")
	}
	if c.BranchMispredictPenalty == 0 {
		return fmt.Errorf("branch_mispredict_penalty must be > 0")
	}
	if c.AGULatency == 0 {
		return fmt.Errorf("agu_latency must be > 0")
	}
	if c.StoreDataLatency == 0 {
		return fmt.Errorf("store_data_latency must be > 0")
	}
	if c.SyscallLatency == 0 {
		return fmt.Errorf("syscall_latency must be > 0")
	}
	if c.DivideLatencyMin > c.DivideLatencyMax {
		return fmt.Errorf("divide_latency_min must be <= divide_latency_max")
	}
	if c.L1HitLatency == 0 || c.L2HitLatency == 0 || c.MemoryLatency == 0 {
		return fmt.Errorf("memory hierarchy latencies must be > 0")
	}
	return nil
}

// Clone returns a deep copy of the TimingConfig.
func (c *TimingConfig) Clone() *TimingConfig {
	out := *c
	return &out
}
