// Package commit implements the reorder buffer and the retirement state
// machine: in-order commit of finished Mops, per-cycle stall diagnosis,
// squashing on recovery and a liveness (deadlock) detector.
package commit

import (
	"errors"
	"fmt"

	"github.com/sarchlab/specsim/timing/stats"
	"github.com/sarchlab/specsim/timing/uop"
)

var (
	// ErrUnknownEngine is returned for an unknown commit engine name.
	ErrUnknownEngine = errors.New("unknown commit engine")

	// ErrBadConfig is returned for malformed commit parameters.
	ErrBadConfig = errors.New("bad commit configuration")

	// ErrDeadlock is returned by the core once no uop has retired for
	// DeadlockThreshold consecutive cycles with a non-empty ROB.
	ErrDeadlock = errors.New("commit deadlock")
)

// DefaultDeadlockThreshold is the number of consecutive cycles without
// retirement that counts as a deadlock.
const DefaultDeadlockThreshold = 50000

// StallReason explains why commit retired less than its full width.
type StallReason int

// Stall reasons.
const (
	// StallNone: the full commit width retired.
	StallNone StallReason = iota
	// StallNotReady: the oldest Mop has no finished uop.
	StallNotReady
	// StallPartial: the oldest Mop has some but not all uops finished.
	StallPartial
	// StallEmpty: the ROB is empty.
	StallEmpty
	// StallJeclearInflight: the oldest Mop is finished but its
	// misprediction recovery is still pending.
	StallJeclearInflight
	// StallMaxBranches: the per-cycle branch commit limit was reached.
	StallMaxBranches
	// StallPreCommit: finished Mops are still in the in-order engine's
	// pre-commit pipe.
	StallPreCommit
	// NumStallReasons is the number of stall reasons.
	NumStallReasons
)

var stallNames = [...]string{
	"none",
	"not_ready",
	"partial",
	"empty",
	"jeclear_inflight",
	"max_branches",
	"precommit",
}

func (r StallReason) String() string {
	if r < 0 || r >= NumStallReasons {
		return "unknown"
	}
	return stallNames[r]
}

// Config sizes the ROB and the commit stage.
type Config struct {
	// ROBSize is the number of ROB entries.
	ROBSize int `json:"rob_size" yaml:"rob_size"`
	// Width is the number of uops retired per cycle.
	Width int `json:"width" yaml:"width"`
	// MaxBranchesPerCycle limits committed branches per cycle.
	MaxBranchesPerCycle int `json:"max_branches_per_cycle" yaml:"max_branches_per_cycle"`
	// DeadlockThreshold is the number of consecutive cycles without
	// retirement, with a non-empty ROB, that trips the detector.
	DeadlockThreshold int `json:"deadlock_threshold" yaml:"deadlock_threshold"`
	// PreCommitDepth is the number of cycles a finished Mop spends in the
	// in-order engine's pre-commit pipe. The out-of-order engine has no
	// pre-commit pipe.
	PreCommitDepth int `json:"precommit_depth" yaml:"precommit_depth"`
}

// DefaultConfig returns a 64-entry, 4-wide commit stage.
func DefaultConfig() Config {
	return Config{
		ROBSize:             64,
		Width:               4,
		MaxBranchesPerCycle: 2,
		DeadlockThreshold:   DefaultDeadlockThreshold,
		PreCommitDepth:      2,
	}
}

// Validate checks the parameters.
func (c Config) Validate() error {
	if c.ROBSize <= 0 || c.Width <= 0 || c.MaxBranchesPerCycle <= 0 || c.DeadlockThreshold <= 0 {
		return fmt.Errorf("rob_size, width, max_branches_per_cycle and deadlock_threshold must be > 0: %w",
			ErrBadConfig)
	}
	if c.PreCommitDepth < 0 {
		return fmt.Errorf("precommit_depth must be >= 0: %w", ErrBadConfig)
	}
	return nil
}

// Host is the core the commit engine retires into.
type Host interface {
	// Cycle returns the current cycle.
	Cycle() uint64
	// NewActionID returns a fresh action id for a squashed uop.
	NewActionID() uint64
	// CommitMop retires a finished Mop.
	CommitMop(m *uop.Mop)
	// SquashMop releases the resources of a Mop removed from the ROB.
	SquashMop(m *uop.Mop)
}

// Engine is the ROB and retirement state machine.
type Engine interface {
	Name() string
	Config() Config

	// Step retires up to Width uops and records the stall reason.
	Step()
	// Recover squashes every uop younger than m.
	Recover(m *uop.Mop)
	// RecoverAll squashes the whole ROB.
	RecoverAll()

	ROBAvailable() bool
	ROBEmpty() bool
	// ROBInsert allocates an entry for a dispatched uop.
	ROBInsert(u *uop.Uop)
	// ROBFuseInsert attaches a fused uop body to the youngest entry.
	ROBFuseInsert(u *uop.Uop)
	// SquashUop invalidates a uop's actions.
	SquashUop(u *uop.Uop)

	// Head returns the oldest Mop in the ROB, or nil.
	Head() *uop.Mop
	StallReason() StallReason
	Deadlocked() bool
	// IdleCycles returns the consecutive cycles without retirement.
	IdleCycles() int
	// Occupancy returns the number of allocated entries.
	Occupancy() int
	// OccupancyDistribution returns the per-cycle occupancy histogram.
	OccupancyDistribution() *stats.Distribution

	Stats() Stats
	RegStats(db *stats.Database, core int)
	ResetStats()
	Freeze()
}

// Engine names.
const (
	// DPM is the out-of-order pipeline: squash youngest to oldest.
	DPM = "dpm"
	// IODPM is the in-order pipeline: finished Mops pass through a
	// pre-commit pipe before retiring, and squashes run oldest to
	// youngest.
	IODPM = "iodpm"
)

// New builds a commit engine by name.
func New(name string, config Config, host Host) (Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	switch name {
	case DPM:
		return newROB(name, config, host, false), nil
	case IODPM:
		return newROB(name, config, host, true), nil
	}

	return nil, fmt.Errorf("commit engine %q: %w", name, ErrUnknownEngine)
}
