package core

import (
	"errors"
	"fmt"

	"github.com/sarchlab/specsim/timing/bpred"
	"github.com/sarchlab/specsim/timing/cache"
	"github.com/sarchlab/specsim/timing/commit"
)

// ErrBadConfig is returned for invalid core parameters.
var ErrBadConfig = errors.New("bad core configuration")

// Config holds the core pipeline parameters.
type Config struct {
	// FetchWidth is the number of Mops fetched per cycle.
	FetchWidth int `json:"fetch_width" yaml:"fetch_width"`
	// FetchQueueSize bounds the Mops between fetch and decode.
	FetchQueueSize int `json:"fetch_queue_size" yaml:"fetch_queue_size"`
	// DecodeWidth is the number of Mops decoded per cycle.
	DecodeWidth int `json:"decode_width" yaml:"decode_width"`
	// DecodeLatency is the number of cycles from fetch to decode.
	DecodeLatency int `json:"decode_latency" yaml:"decode_latency"`
	// DispatchQueueSize bounds the decoded Mops waiting for the ROB.
	DispatchQueueSize int `json:"dispatch_queue_size" yaml:"dispatch_queue_size"`
	// DispatchWidth is the number of uops entering the ROB per cycle.
	DispatchWidth int `json:"dispatch_width" yaml:"dispatch_width"`
	// IssueWidth is the number of uops issued per cycle.
	IssueWidth int `json:"issue_width" yaml:"issue_width"`

	// CommitEngine selects the commit variant ("dpm" or "iodpm").
	CommitEngine string        `json:"commit_engine" yaml:"commit_engine"`
	Commit       commit.Config `json:"commit" yaml:"commit"`

	// BPred configures the predictors. A zero PoolSize is sized to
	// every Mop the pipeline can hold.
	BPred bpred.Config `json:"bpred" yaml:"bpred"`

	L1D cache.Config `json:"l1d" yaml:"l1d"`
}

// DefaultConfig returns a 4-wide out-of-order core.
func DefaultConfig() Config {
	bp := bpred.DefaultConfig()
	bp.PoolSize = 0

	return Config{
		FetchWidth:        4,
		FetchQueueSize:    16,
		DecodeWidth:       4,
		DecodeLatency:     2,
		DispatchQueueSize: 16,
		DispatchWidth:     4,
		IssueWidth:        6,
		CommitEngine:      commit.DPM,
		Commit:            commit.DefaultConfig(),
		BPred:             bp,
		L1D:               cache.DefaultL1DConfig(),
	}
}

// Clone returns a deep copy of the Config.
func (c Config) Clone() Config {
	out := c
	out.BPred = c.BPred.Clone()
	return out
}

// PoolSize returns the number of prediction records the core needs:
// one for every Mop that can sit in the front-end queues or the ROB.
func (c Config) PoolSize() int {
	if c.BPred.PoolSize > 0 {
		return c.BPred.PoolSize
	}
	return c.Commit.ROBSize + c.FetchQueueSize + c.DispatchQueueSize
}

// Validate checks the parameters of the core and its components.
func (c Config) Validate() error {
	if c.FetchWidth <= 0 || c.DecodeWidth <= 0 || c.DispatchWidth <= 0 || c.IssueWidth <= 0 {
		return fmt.Errorf("pipeline widths must be > 0: %w", ErrBadConfig)
	}
	if c.FetchQueueSize <= 0 || c.DispatchQueueSize <= 0 {
		return fmt.Errorf("queue sizes must be > 0: %w", ErrBadConfig)
	}
	if c.DecodeLatency < 0 {
		return fmt.Errorf("decode_latency must be >= 0: %w", ErrBadConfig)
	}
	if c.BPred.PoolSize < 0 {
		return fmt.Errorf("bpred pool_size must be >= 0: %w", ErrBadConfig)
	}
	if need := c.Commit.ROBSize + c.FetchQueueSize + c.DispatchQueueSize; c.BPred.PoolSize > 0 && c.BPred.PoolSize < need {
		return fmt.Errorf("bpred pool_size %d cannot cover %d in-flight Mops: %w",
			c.BPred.PoolSize, need, ErrBadConfig)
	}
	if c.CommitEngine != commit.DPM && c.CommitEngine != commit.IODPM {
		return fmt.Errorf("commit engine %q: %w", c.CommitEngine, commit.ErrUnknownEngine)
	}
	if err := c.Commit.Validate(); err != nil {
		return err
	}
	if err := c.BPred.Validate(); err != nil {
		return err
	}
	if err := c.L1D.Validate(); err != nil {
		return err
	}
	return nil
}
