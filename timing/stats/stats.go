// Package stats provides the statistics database every timing component
// publishes its counters into. Counters are registered once at setup as
// pointers into the owning component, so the per-cycle path never touches
// the database.
package stats

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/rs/xid"
	"go.yaml.in/yaml/v3"
)

// NoCore is the core id used for components not associated with a core.
const NoCore = -1

// CoreName returns the name of a per-core statistic: c<core>.<stat>.
func CoreName(core int, stat string) string {
	if core == NoCore {
		return stat
	}
	return fmt.Sprintf("c%d.%s", core, stat)
}

// CompName returns the name of a statistic owned by a component of a
// core: c<core>.<comp>.<stat>, or <comp>.<stat> for uncore components.
func CompName(core int, comp, stat string) string {
	if core == NoCore {
		return fmt.Sprintf("%s.%s", comp, stat)
	}
	return fmt.Sprintf("c%d.%s.%s", core, comp, stat)
}

type entry struct {
	name    string
	desc    string
	counter *uint64
	formula func() float64
	dist    *Distribution
}

func (e *entry) value() float64 {
	switch {
	case e.counter != nil:
		return float64(*e.counter)
	case e.dist != nil:
		return e.dist.Mean()
	}
	return e.formula()
}

// Distribution counts samples into equal-width buckets starting at 0.
// Samples past the last bucket are counted in it.
type Distribution struct {
	Width   uint64
	Buckets []uint64
	Samples uint64
	Sum     uint64
}

// NewDistribution returns n buckets wide enough to cover 0..max.
func NewDistribution(max uint64, n int) *Distribution {
	if n < 1 {
		n = 1
	}
	return &Distribution{
		Width:   max/uint64(n) + 1,
		Buckets: make([]uint64, n),
	}
}

// Sample adds one observation.
func (d *Distribution) Sample(v uint64) {
	i := v / d.Width
	if i >= uint64(len(d.Buckets)) {
		i = uint64(len(d.Buckets)) - 1
	}
	d.Buckets[i]++
	d.Samples++
	d.Sum += v
}

// Mean returns the average sample, or 0 with no samples.
func (d *Distribution) Mean() float64 {
	if d.Samples == 0 {
		return 0
	}
	return float64(d.Sum) / float64(d.Samples)
}

// Reset clears every bucket.
func (d *Distribution) Reset() {
	for i := range d.Buckets {
		d.Buckets[i] = 0
	}
	d.Samples = 0
	d.Sum = 0
}

// BucketName labels bucket i of a distribution: <name>[lo:hi].
func (d *Distribution) BucketName(name string, i int) string {
	lo := uint64(i) * d.Width
	return fmt.Sprintf("%s[%d:%d]", name, lo, lo+d.Width-1)
}

// Database holds registered counters and formulas.
type Database struct {
	runID   string
	entries map[string]*entry
	order   []string
}

// NewDatabase creates an empty database stamped with a fresh run id.
func NewDatabase() *Database {
	return &Database{
		runID:   xid.New().String(),
		entries: make(map[string]*entry),
	}
}

// RunID identifies the simulation run the database belongs to.
func (db *Database) RunID() string {
	return db.runID
}

func (db *Database) add(e *entry) {
	if _, dup := db.entries[e.name]; dup {
		panic(fmt.Sprintf("stats: statistic %q registered twice", e.name))
	}
	db.entries[e.name] = e
	db.order = append(db.order, e.name)
}

// AddCounter registers a counter owned by a component.
func (db *Database) AddCounter(name, desc string, v *uint64) {
	db.add(&entry{name: name, desc: desc, counter: v})
}

// AddFormula registers a value derived from other statistics.
func (db *Database) AddFormula(name, desc string, f func() float64) {
	db.add(&entry{name: name, desc: desc, formula: f})
}

// AddDistribution registers a histogram. Its value is the sample mean;
// Print and Snapshot also list every bucket.
func (db *Database) AddDistribution(name, desc string, d *Distribution) {
	db.add(&entry{name: name, desc: desc, dist: d})
}

// Ratio is a formula helper returning num/den, or 0 when den is 0.
func Ratio(num, den *uint64) func() float64 {
	return func() float64 {
		if *den == 0 {
			return 0
		}
		return float64(*num) / float64(*den)
	}
}

// Value returns the current value of a statistic.
func (db *Database) Value(name string) (float64, bool) {
	e, ok := db.entries[name]
	if !ok {
		return 0, false
	}
	return e.value(), true
}

// Names returns every registered name in sorted order.
func (db *Database) Names() []string {
	names := make([]string, len(db.order))
	copy(names, db.order)
	sort.Strings(names)
	return names
}

// Len returns the number of registered statistics.
func (db *Database) Len() int {
	return len(db.order)
}

// Print writes a human-readable table of every statistic in
// registration order.
func (db *Database) Print(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "run\t%s\t\n", db.runID)
	for _, name := range db.order {
		e := db.entries[name]
		switch {
		case e.counter != nil:
			fmt.Fprintf(tw, "%s\t%d\t# %s\n", name, *e.counter, e.desc)
		case e.dist != nil:
			fmt.Fprintf(tw, "%s\t%.4f\t# %s (mean)\n", name, e.dist.Mean(), e.desc)
			for i, n := range e.dist.Buckets {
				fmt.Fprintf(tw, "%s\t%d\t\n", e.dist.BucketName(name, i), n)
			}
		default:
			fmt.Fprintf(tw, "%s\t%.4f\t# %s\n", name, e.formula(), e.desc)
		}
	}
	return tw.Flush()
}

// Stat is one statistic in a YAML dump.
type Stat struct {
	Name    string   `yaml:"name"`
	Value   float64  `yaml:"value"`
	Desc    string   `yaml:"desc,omitempty"`
	Buckets []uint64 `yaml:"buckets,omitempty"`
}

// Dump is the YAML document written by WriteYAML.
type Dump struct {
	RunID string `yaml:"run_id"`
	Stats []Stat `yaml:"stats"`
}

// Snapshot captures every statistic in registration order.
func (db *Database) Snapshot() Dump {
	d := Dump{RunID: db.runID, Stats: make([]Stat, 0, len(db.order))}
	for _, name := range db.order {
		e := db.entries[name]
		st := Stat{Name: name, Value: e.value(), Desc: e.desc}
		if e.dist != nil {
			st.Buckets = append([]uint64(nil), e.dist.Buckets...)
		}
		d.Stats = append(d.Stats, st)
	}
	return d
}

// WriteYAML writes a snapshot of the database as YAML.
func (db *Database) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(db.Snapshot()); err != nil {
		return fmt.Errorf("failed to encode stats: %w", err)
	}
	return enc.Close()
}
