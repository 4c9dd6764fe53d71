// Package sim drives a whole simulation: it owns the cores and the
// shared uncore, steps them in a fixed order every cycle and collects
// their statistics.
package sim

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/go-logr/logr"

	"github.com/sarchlab/specsim/timing/cache"
	"github.com/sarchlab/specsim/timing/core"
	"github.com/sarchlab/specsim/timing/latency"
	"github.com/sarchlab/specsim/timing/stats"
	"github.com/sarchlab/specsim/timing/uncore"
	"github.com/sarchlab/specsim/trace"
)

// Option configures a Simulation.
type Option func(*Simulation)

// WithLogger sets the logger of the simulation and every component.
func WithLogger(log logr.Logger) Option {
	return func(s *Simulation) {
		s.log = log
	}
}

// WithSources supplies the instruction streams directly, one per core,
// instead of building them from the workloads.
func WithSources(srcs ...trace.Source) Option {
	return func(s *Simulation) {
		s.sources = srcs
	}
}

// Simulation is a multi-core system sharing one LLC and one memory
// controller.
type Simulation struct {
	config Config
	log    logr.Logger

	sources []trace.Source
	closers []io.Closer

	cores   []*core.Core
	arbiter *uncore.Arbiter
	llc     *cache.Cache
	bus     *uncore.Bus
	mc      uncore.MC

	db     *stats.Database
	cycle  uint64
	cycles uint64
	frozen bool
}

// New builds the simulation described by config.
func New(config Config, opts ...Option) (*Simulation, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	s := &Simulation{
		config: config.Clone(),
		log:    logr.Discard(),
		db:     stats.NewDatabase(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sources != nil && len(s.sources) != config.Cores {
		return nil, fmt.Errorf("%d sources for %d cores: %w", len(s.sources), config.Cores, ErrBadConfig)
	}

	if err := s.buildUncore(); err != nil {
		return nil, err
	}
	if err := s.buildCores(); err != nil {
		s.Close()
		return nil, err
	}
	s.regStats()

	s.log.V(1).Info("simulation built", "run", s.db.RunID(), "cores", config.Cores)
	return s, nil
}

func (s *Simulation) buildUncore() error {
	c := s.config

	var err error
	s.bus, err = uncore.NewBus("membus", c.Bus.Width, c.Bus.Ratio)
	if err != nil {
		return err
	}
	s.mc, err = uncore.NewMC(c.mcSpec(), s.bus)
	if err != nil {
		return err
	}

	llc := c.LLC
	llc.HitLatency = c.Timing.L2HitLatency
	s.llc = cache.New(llc, s.mc, cache.WithLogger(s.log.WithName(llc.Name)))

	s.arbiter, err = uncore.NewArbiter(c.Arbiter, c.Cores, c.ArbiterQueue, s.llc)
	return err
}

func (s *Simulation) buildCores() error {
	c := s.config
	table := latency.NewTableWithConfig(c.Timing)

	coreConfig := c.Core.Clone()
	coreConfig.L1D.HitLatency = c.Timing.L1HitLatency

	for id := 0; id < c.Cores; id++ {
		src, err := s.source(id)
		if err != nil {
			return err
		}

		cr, err := core.New(id, coreConfig, src, s.arbiter.Port(id),
			core.WithLogger(s.log.WithName(fmt.Sprintf("c%d", id))),
			core.WithLatencyTable(table),
		)
		if err != nil {
			return err
		}
		s.cores = append(s.cores, cr)
	}
	return nil
}

func (s *Simulation) source(id int) (trace.Source, error) {
	if s.sources != nil {
		return s.sources[id], nil
	}

	w := s.config.Workload(id)
	if w.Trace != "" {
		r, err := trace.Open(w.Trace)
		if err != nil {
			return nil, fmt.Errorf("core %d: %w", id, err)
		}
		s.closers = append(s.closers, r)
		return r, nil
	}

	g, err := trace.NewGenerator(w.Synthetic)
	if err != nil {
		return nil, fmt.Errorf("core %d: %w", id, err)
	}
	return g, nil
}

func (s *Simulation) regStats() {
	s.db.AddCounter("sim.cycles", "simulated cycles", &s.cycles)
	for _, c := range s.cores {
		c.RegStats(s.db)
	}
	s.arbiter.RegStats(s.db)
	s.llc.RegStats(s.db, stats.NoCore)
	s.bus.RegStats(s.db)
	s.mc.RegStats(s.db)
}

// Config returns the simulation configuration.
func (s *Simulation) Config() Config {
	return s.config
}

// Cores returns the cores in id order.
func (s *Simulation) Cores() []*core.Core {
	return s.cores
}

// LLC returns the shared last-level cache.
func (s *Simulation) LLC() *cache.Cache {
	return s.llc
}

// Stats returns the statistics database.
func (s *Simulation) Stats() *stats.Database {
	return s.db
}

// Cycle returns the number of cycles simulated.
func (s *Simulation) Cycle() uint64 {
	return s.cycle
}

// Frozen reports whether statistics were frozen by the instruction limit.
func (s *Simulation) Frozen() bool {
	return s.frozen
}

// Done reports whether every core drained and the uncore is idle.
func (s *Simulation) Done() bool {
	for _, c := range s.cores {
		if !c.Drained() {
			return false
		}
	}
	return s.arbiter.Outstanding() == 0 && s.llc.Outstanding() == 0 && s.mc.Outstanding() == 0
}

// Step advances the system by one cycle: every active core in id order,
// then the arbiter, the LLC and the memory controller.
func (s *Simulation) Step() error {
	s.cycle++
	if !s.frozen {
		s.cycles++
	}
	now := s.cycle

	for _, c := range s.cores {
		if c.Drained() {
			continue
		}
		if err := c.Step(); err != nil {
			return fmt.Errorf("cycle %d: %w", now, err)
		}
	}

	s.arbiter.Step(now)
	s.llc.Step(now)
	s.mc.Step(now)
	return nil
}

// ErrCycleLimit is returned by Run when MaxCycles elapse first.
var ErrCycleLimit = errors.New("cycle limit reached")

// Run steps the simulation until every workload finishes, a core
// reaches MaxInstructions, ctx is cancelled or a core fails.
func (s *Simulation) Run(ctx context.Context) error {
	for !s.Done() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.config.MaxCycles > 0 && s.cycle >= s.config.MaxCycles {
			return fmt.Errorf("after %d cycles: %w", s.cycle, ErrCycleLimit)
		}

		if err := s.Step(); err != nil {
			return err
		}

		if s.limitReached() {
			s.Freeze()
			s.log.Info("instruction limit reached", "cycle", s.cycle,
				"limit", s.config.MaxInstructions)
			return nil
		}
	}

	s.log.V(1).Info("simulation finished", "cycle", s.cycle)
	return nil
}

func (s *Simulation) limitReached() bool {
	if s.config.MaxInstructions == 0 {
		return false
	}
	for _, c := range s.cores {
		if c.Stats().Committed >= s.config.MaxInstructions {
			return true
		}
	}
	return false
}

// Freeze stops statistics accumulation everywhere.
func (s *Simulation) Freeze() {
	s.frozen = true
	for _, c := range s.cores {
		c.Freeze()
	}
	s.arbiter.Freeze()
	s.llc.Freeze()
	s.bus.Freeze()
	s.mc.Freeze()
}

// ResetStats clears every statistic, e.g. after a warm-up phase.
func (s *Simulation) ResetStats() {
	s.cycles = 0
	for _, c := range s.cores {
		c.ResetStats()
	}
	s.arbiter.ResetStats()
	s.llc.ResetStats()
	s.bus.ResetStats()
	s.mc.ResetStats()
}

// Close releases the trace files.
func (s *Simulation) Close() error {
	var errs []error
	for _, c := range s.closers {
		errs = append(errs, c.Close())
	}
	s.closers = nil
	return errors.Join(errs...)
}
