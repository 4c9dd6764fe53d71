package uncore

import (
	"fmt"

	"github.com/sarchlab/specsim/timing/stats"
)

// Bus is a shared link that moves Width bytes per bus cycle. One bus
// cycle lasts Ratio core cycles.
type Bus struct {
	name          string
	width         int
	ratio         int
	whenAvailable uint64

	accesses   uint64
	busyCycles uint64
	frozen     bool
}

// NewBus creates a bus.
func NewBus(name string, width, ratio int) (*Bus, error) {
	if width <= 0 || ratio <= 0 {
		return nil, fmt.Errorf("bus %s: width and ratio must be > 0: %w", name, ErrBadConfig)
	}
	return &Bus{name: name, width: width, ratio: ratio}, nil
}

// Free reports whether a transfer could start at cycle now.
func (b *Bus) Free(now uint64) bool {
	return b.whenAvailable <= now
}

// Use occupies the bus for a transfer of size bytes starting at now and
// returns the cycle the transfer completes.
func (b *Bus) Use(now uint64, size int) uint64 {
	start := now
	if b.whenAvailable > start {
		start = b.whenAvailable
	}
	beats := (size + b.width - 1) / b.width
	if beats == 0 {
		beats = 1
	}
	cycles := uint64(beats * b.ratio)
	b.whenAvailable = start + cycles

	if !b.frozen {
		b.accesses++
		b.busyCycles += cycles
	}
	return b.whenAvailable
}

// WhenAvailable returns the first cycle the bus is idle.
func (b *Bus) WhenAvailable() uint64 {
	return b.whenAvailable
}

// Accesses returns the number of transfers.
func (b *Bus) Accesses() uint64 {
	return b.accesses
}

// BusyCycles returns the cumulative core cycles the bus was in use.
func (b *Bus) BusyCycles() uint64 {
	return b.busyCycles
}

// RegStats publishes the bus counters.
func (b *Bus) RegStats(db *stats.Database) {
	db.AddCounter(stats.CompName(stats.NoCore, b.name, "accesses"), "bus transfers", &b.accesses)
	db.AddCounter(stats.CompName(stats.NoCore, b.name, "busy_cycles"), "cycles in use", &b.busyCycles)
}

// ResetStats clears the counters.
func (b *Bus) ResetStats() {
	b.accesses = 0
	b.busyCycles = 0
}

// Freeze stops statistics accumulation.
func (b *Bus) Freeze() {
	b.frozen = true
}
