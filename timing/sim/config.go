package sim

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.yaml.in/yaml/v3"

	"github.com/sarchlab/specsim/timing/cache"
	"github.com/sarchlab/specsim/timing/core"
	"github.com/sarchlab/specsim/timing/latency"
	"github.com/sarchlab/specsim/timing/uncore"
	"github.com/sarchlab/specsim/trace"
)

// ErrBadConfig is returned for an invalid simulation configuration.
var ErrBadConfig = errors.New("bad simulation configuration")

// Workload is the instruction stream of one core.
type Workload struct {
	// Trace is a JSON-lines trace file. Empty selects the synthetic
	// generator.
	Trace string `json:"trace,omitempty" yaml:"trace,omitempty"`
	// Synthetic configures the generator. Each core adds its id to the
	// seed so shared workloads still differ per core.
	Synthetic trace.GeneratorConfig `json:"synthetic" yaml:"synthetic"`
}

// BusConfig sizes the memory bus.
type BusConfig struct {
	// Width is the number of bytes moved per bus cycle.
	Width int `json:"width" yaml:"width"`
	// Ratio is the number of core cycles per bus cycle.
	Ratio int `json:"ratio" yaml:"ratio"`
}

// Config describes a whole simulation: the cores, the shared uncore and
// the workloads.
type Config struct {
	// Cores is the number of cores.
	Cores int `json:"cores" yaml:"cores"`
	// Core configures every core.
	Core core.Config `json:"core" yaml:"core"`
	// Timing holds the execution and memory latencies. Its cache and
	// memory latencies override the hit latencies of L1D and LLC and
	// set the memory controller latency.
	Timing *latency.TimingConfig `json:"timing" yaml:"timing"`

	LLC cache.Config `json:"llc" yaml:"llc"`
	// Arbiter is the LLC arbitration policy: "round-robin" or "fixed".
	Arbiter      string `json:"arbiter" yaml:"arbiter"`
	ArbiterQueue int    `json:"arbiter_queue" yaml:"arbiter_queue"`
	// MC is the memory controller kind: "simple" or "fcfs".
	MC      string    `json:"mc" yaml:"mc"`
	MCQueue int       `json:"mc_queue" yaml:"mc_queue"`
	Bus     BusConfig `json:"bus" yaml:"bus"`

	// MaxInstructions stops the run and freezes statistics once any
	// core commits this many instructions. 0 runs every trace to the end.
	MaxInstructions uint64 `json:"max_instructions" yaml:"max_instructions"`
	// MaxCycles stops the run after this many cycles. 0 is unlimited.
	MaxCycles uint64 `json:"max_cycles" yaml:"max_cycles"`

	// Workloads has one entry per core, or a single entry shared by all.
	Workloads []Workload `json:"workloads" yaml:"workloads"`
}

// DefaultConfig returns a single-core simulation of a synthetic workload.
func DefaultConfig() Config {
	return Config{
		Cores:        1,
		Core:         core.DefaultConfig(),
		Timing:       latency.DefaultTimingConfig(),
		LLC:          cache.DefaultLLCConfig(),
		Arbiter:      uncore.RoundRobin,
		ArbiterQueue: 8,
		MC:           "simple",
		MCQueue:      32,
		Bus:          BusConfig{Width: 8, Ratio: 2},
		Workloads: []Workload{
			{Synthetic: trace.DefaultGeneratorConfig()},
		},
	}
}

// Clone returns a deep copy of the Config.
func (c Config) Clone() Config {
	out := c
	out.Core = c.Core.Clone()
	if c.Timing != nil {
		out.Timing = c.Timing.Clone()
	}
	out.Workloads = append([]Workload(nil), c.Workloads...)
	return out
}

// Workload returns the workload of a core.
func (c Config) Workload(id int) Workload {
	if len(c.Workloads) == 1 {
		w := c.Workloads[0]
		w.Synthetic.Seed += int64(id)
		return w
	}
	return c.Workloads[id]
}

// mcSpec renders the memory controller configuration string.
func (c Config) mcSpec() string {
	return fmt.Sprintf("%s:%d:%d", c.MC, c.Timing.MemoryLatency, c.MCQueue)
}

// Validate checks the configuration and every component in it.
func (c Config) Validate() error {
	if c.Cores <= 0 {
		return fmt.Errorf("cores must be > 0: %w", ErrBadConfig)
	}
	if c.Timing == nil {
		return fmt.Errorf("missing timing section: %w", ErrBadConfig)
	}
	if err := c.Timing.Validate(); err != nil {
		return fmt.Errorf("timing: %w", err)
	}
	if err := c.Core.Validate(); err != nil {
		return fmt.Errorf("core: %w", err)
	}
	if err := c.LLC.Validate(); err != nil {
		return fmt.Errorf("llc: %w", err)
	}
	if c.Arbiter != uncore.RoundRobin && c.Arbiter != uncore.Fixed {
		return fmt.Errorf("arbiter %q: %w", c.Arbiter, ErrBadConfig)
	}
	if c.ArbiterQueue <= 0 {
		return fmt.Errorf("arbiter_queue must be > 0: %w", ErrBadConfig)
	}

	bus, err := uncore.NewBus("membus", c.Bus.Width, c.Bus.Ratio)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBadConfig, err)
	}
	if _, err := uncore.NewMC(c.mcSpec(), bus); err != nil {
		return fmt.Errorf("%w: %w", ErrBadConfig, err)
	}

	if len(c.Workloads) != 1 && len(c.Workloads) != c.Cores {
		return fmt.Errorf("%d workloads for %d cores: %w", len(c.Workloads), c.Cores, ErrBadConfig)
	}
	for i, w := range c.Workloads {
		if w.Trace != "" {
			continue
		}
		if err := w.Synthetic.Validate(); err != nil {
			return fmt.Errorf("workload %d: %w", i, err)
		}
	}

	return nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// LoadConfig loads a Config from a JSON or YAML file, chosen by
// extension. Fields missing from the file keep their default values.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read simulation config file: %w", err)
	}

	config := DefaultConfig()
	if isYAML(path) {
		err = yaml.Unmarshal(data, &config)
	} else {
		err = json.Unmarshal(data, &config)
	}
	if err != nil {
		return Config{}, fmt.Errorf("failed to parse simulation config: %w", err)
	}

	return config, nil
}

// SaveConfig writes the Config to a JSON or YAML file.
func (c Config) SaveConfig(path string) error {
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
		return fmt.Errorf("failed to serialize simulation config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write simulation config file: %w", err)
	}

	return nil
}
