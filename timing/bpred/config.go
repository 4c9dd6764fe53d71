package bpred

import (
	"fmt"
	"strconv"
	"strings"
)

// Config selects and sizes the predictor components. Every component is
// named by a configuration string of the form kind[:arg[:arg...]].
type Config struct {
	// Dir lists the direction predictors, e.g. "gshare:4096:12".
	Dir []string `json:"dir" yaml:"dir"`
	// Fusion combines the direction votes: "none", "majority",
	// "chooser:<entries>".
	Fusion string `json:"fusion" yaml:"fusion"`
	// DirBTB predicts direct targets: "btb:<sets>:<ways>" or "perfect".
	DirBTB string `json:"dir_btb" yaml:"dir_btb"`
	// IndirBTB predicts indirect targets. "shared" (or empty) reuses the
	// direct BTB instance.
	IndirBTB string `json:"indir_btb" yaml:"indir_btb"`
	// RAS is "stack:<depth>" or "perfect:<depth>".
	RAS string `json:"ras" yaml:"ras"`
	// PoolSize is the number of prediction records. It must cover every
	// branch that can be in flight at once.
	PoolSize int `json:"pool_size" yaml:"pool_size"`
}

// SharedBTB is the IndirBTB value that reuses the direct BTB.
const SharedBTB = "shared"

// DefaultConfig returns a gshare + BTB + 16-entry RAS configuration.
func DefaultConfig() Config {
	return Config{
		Dir:      []string{"gshare:4096:12"},
		Fusion:   "none",
		DirBTB:   "btb:512:4",
		IndirBTB: SharedBTB,
		RAS:      "stack:16",
		PoolSize: 256,
	}
}

// TournamentConfig returns a bimodal/gshare pair joined by a chooser.
func TournamentConfig() Config {
	c := DefaultConfig()
	c.Dir = []string{"bimodal:4096", "gshare:4096:12"}
	c.Fusion = "chooser:4096"
	return c
}

// Clone returns a deep copy of the Config.
func (c Config) Clone() Config {
	out := c
	out.Dir = append([]string(nil), c.Dir...)
	return out
}

// Validate checks the configuration without building it.
func (c Config) Validate() error {
	_, err := buildComponents(c, 1)
	return err
}

// spec is a parsed configuration string.
type spec struct {
	raw  string
	kind string
	args []int
}

func parseSpec(s string) (spec, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	sp := spec{raw: s, kind: parts[0]}
	if sp.kind == "" {
		return sp, fmt.Errorf("empty component string: %w", ErrBadConfig)
	}
	for _, p := range parts[1:] {
		v, err := strconv.Atoi(p)
		if err != nil {
			return sp, fmt.Errorf("%q: argument %q is not an integer: %w", s, p, ErrBadConfig)
		}
		sp.args = append(sp.args, v)
	}
	return sp, nil
}

// want checks the argument count.
func (s spec) want(n int) error {
	if len(s.args) != n {
		return fmt.Errorf("%q: %s takes %d argument(s), got %d: %w",
			s.raw, s.kind, n, len(s.args), ErrBadConfig)
	}
	return nil
}

// pow2 checks that argument i is a positive power of two.
func (s spec) pow2(i int, what string) error {
	if !isPowerOf2(s.args[i]) {
		return fmt.Errorf("%q: %s must be a power of two, got %d: %w",
			s.raw, what, s.args[i], ErrBadConfig)
	}
	return nil
}

type components struct {
	dirs     []DirPredictor
	fusion   Fusion
	dirBTB   BTB
	indirBTB BTB
	ras      RAS
}

func buildComponents(c Config, rasCheckpoints int) (components, error) {
	var comps components

	if len(c.Dir) == 0 {
		return comps, fmt.Errorf("at least one direction predictor is required: %w", ErrBadConfig)
	}
	for _, s := range c.Dir {
		d, err := NewDirPredictor(s)
		if err != nil {
			return comps, err
		}
		comps.dirs = append(comps.dirs, d)
	}

	fusion := c.Fusion
	if fusion == "" {
		fusion = "none"
	}
	f, err := NewFusion(fusion, len(comps.dirs))
	if err != nil {
		return comps, err
	}
	comps.fusion = f

	comps.dirBTB, err = NewBTB(c.DirBTB)
	if err != nil {
		return comps, err
	}
	if c.IndirBTB == "" || c.IndirBTB == SharedBTB {
		comps.indirBTB = comps.dirBTB
	} else {
		comps.indirBTB, err = NewBTB(c.IndirBTB)
		if err != nil {
			return comps, err
		}
	}

	comps.ras, err = NewRAS(c.RAS, rasCheckpoints)
	if err != nil {
		return comps, err
	}

	return comps, nil
}
