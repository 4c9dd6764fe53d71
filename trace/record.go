// Package trace produces the dynamic instruction stream a core consumes:
// a JSON-lines trace reader and writer, an in-memory source and a seeded
// synthetic program generator.
package trace

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sarchlab/specsim/timing/inst"
)

// ErrBadRecord is returned for a trace record that cannot be decoded.
var ErrBadRecord = errors.New("bad trace record")

// Record is one correct-path dynamic instruction.
type Record struct {
	PC uint64
	// NextPC is the fall-through address.
	NextPC uint64
	// TargetPC is the taken target of a branch.
	TargetPC uint64
	Taken    bool
	Flags    inst.Flags
	MemAddrs []uint64
	// Uops requests extra compute uops beyond the cracking default.
	Uops int
	// Class is the functional unit of the compute uops.
	Class inst.FUClass
	// SrcDist is the distance, in records, to the instruction producing
	// this one's input. 0 means no register dependence.
	SrcDist int
}

// OraclePC returns the address of the next correct-path instruction.
func (r Record) OraclePC() uint64 {
	if r.Taken {
		return r.TargetPC
	}
	return r.NextPC
}

// Source yields records in program order. ok is false once the stream
// is exhausted.
type Source interface {
	Next() (rec Record, ok bool, err error)
}

type jsonRecord struct {
	PC       uint64   `json:"pc"`
	NextPC   uint64   `json:"next_pc"`
	TargetPC uint64   `json:"target_pc,omitempty"`
	Taken    bool     `json:"taken,omitempty"`
	Flags    string   `json:"flags,omitempty"`
	MemAddrs []uint64 `json:"mem,omitempty"`
	Uops     int      `json:"uops,omitempty"`
	Class    string   `json:"class,omitempty"`
	SrcDist  int      `json:"dep,omitempty"`
}

// MarshalJSON writes flags and class by name.
func (r Record) MarshalJSON() ([]byte, error) {
	j := jsonRecord{
		PC:       r.PC,
		NextPC:   r.NextPC,
		TargetPC: r.TargetPC,
		Taken:    r.Taken,
		MemAddrs: r.MemAddrs,
		Uops:     r.Uops,
		SrcDist:  r.SrcDist,
	}
	if r.Flags != 0 {
		j.Flags = r.Flags.String()
	}
	if r.Class != inst.FUIntALU {
		j.Class = r.Class.String()
	}
	return json.Marshal(j)
}

// UnmarshalJSON reads the form written by MarshalJSON. A missing class
// means integer ALU.
func (r *Record) UnmarshalJSON(data []byte) error {
	var j jsonRecord
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}

	flags, ok := inst.ParseFlags(j.Flags)
	if !ok {
		return fmt.Errorf("flags %q: %w", j.Flags, ErrBadRecord)
	}
	class := inst.FUIntALU
	if j.Class != "" {
		class, ok = inst.ParseFUClass(j.Class)
		if !ok {
			return fmt.Errorf("class %q: %w", j.Class, ErrBadRecord)
		}
	}
	if j.Uops < 0 || j.SrcDist < 0 {
		return fmt.Errorf("negative uop count or dependence distance: %w", ErrBadRecord)
	}

	*r = Record{
		PC:       j.PC,
		NextPC:   j.NextPC,
		TargetPC: j.TargetPC,
		Taken:    j.Taken,
		Flags:    flags,
		MemAddrs: j.MemAddrs,
		Uops:     j.Uops,
		Class:    class,
		SrcDist:  j.SrcDist,
	}
	return r.validate()
}

func (r Record) validate() error {
	if r.NextPC == 0 {
		return fmt.Errorf("pc %#x: missing next_pc: %w", r.PC, ErrBadRecord)
	}
	if r.Taken && !r.Flags.IsBranch() {
		return fmt.Errorf("pc %#x: taken non-branch: %w", r.PC, ErrBadRecord)
	}
	if r.Taken && r.TargetPC == 0 {
		return fmt.Errorf("pc %#x: taken branch without target: %w", r.PC, ErrBadRecord)
	}
	if (r.Flags.Has(inst.FlagLoad) || r.Flags.Has(inst.FlagStore)) && len(r.MemAddrs) == 0 {
		return fmt.Errorf("pc %#x: memory instruction without address: %w", r.PC, ErrBadRecord)
	}
	return nil
}

// Slice is a Source over records held in memory.
type Slice struct {
	recs []Record
	pos  int
}

// NewSlice returns a Source yielding recs in order.
func NewSlice(recs []Record) *Slice {
	return &Slice{recs: recs}
}

// Next returns the next record.
func (s *Slice) Next() (Record, bool, error) {
	if s.pos >= len(s.recs) {
		return Record{}, false, nil
	}
	r := s.recs[s.pos]
	s.pos++
	return r, true, nil
}

// Len returns the number of records not yet consumed.
func (s *Slice) Len() int {
	return len(s.recs) - s.pos
}

// Limit wraps a Source and stops after n records.
type Limit struct {
	src  Source
	left uint64
}

// NewLimit returns a Source that yields at most n records of src.
func NewLimit(src Source, n uint64) *Limit {
	return &Limit{src: src, left: n}
}

// Next returns the next record until the limit is reached.
func (l *Limit) Next() (Record, bool, error) {
	if l.left == 0 {
		return Record{}, false, nil
	}
	r, ok, err := l.src.Next()
	if ok {
		l.left--
	}
	return r, ok, err
}
