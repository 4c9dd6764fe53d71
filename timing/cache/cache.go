// Package cache provides callback-driven cache levels built on Akita's
// cache directory. Levels are driven through enqueue, step and
// completion callbacks, and drop the callbacks of squashed operations.
package cache

import (
	"fmt"

	"github.com/go-logr/logr"
	akitacache "github.com/sarchlab/akita/v4/mem/cache"

	"github.com/sarchlab/specsim/timing/stats"
)

// Config holds cache configuration parameters.
type Config struct {
	// Name identifies the level in statistics, e.g. "dl1".
	Name string `json:"name" yaml:"name"`
	// Size in bytes
	Size int `json:"size" yaml:"size"`
	// Associativity (number of ways)
	Associativity int `json:"associativity" yaml:"associativity"`
	// BlockSize in bytes (cache line size)
	BlockSize int `json:"block_size" yaml:"block_size"`
	// HitLatency in cycles
	HitLatency uint64 `json:"hit_latency" yaml:"hit_latency"`
	// MSHRs bounds the number of distinct lines missing at once.
	MSHRs int `json:"mshrs" yaml:"mshrs"`
	// QueueSize bounds the requests waiting for a tag access.
	QueueSize int `json:"queue_size" yaml:"queue_size"`
	// Ports is the number of tag accesses per cycle.
	Ports int `json:"ports" yaml:"ports"`
}

// DefaultL1DConfig returns default configuration for the L1 data cache:
// 32KB, 8-way, 64B lines.
func DefaultL1DConfig() Config {
	return Config{
		Name:          "dl1",
		Size:          32 * 1024, // 32KB
		Associativity: 8,         // 8-way
		BlockSize:     64,        // 64B cache line
		HitLatency:    4,
		MSHRs:         8,
		QueueSize:     16,
		Ports:         2,
	}
}

// DefaultLLCConfig returns default configuration for the shared
// last-level cache.
func DefaultLLCConfig() Config {
	return Config{
		Name:          "llc",
		Size:          2 * 1024 * 1024, // 2MB
		Associativity: 16,              // 16-way
		BlockSize:     64,
		HitLatency:    12,
		MSHRs:         32,
		QueueSize:     32,
		Ports:         1,
	}
}

// Validate checks the geometry and queue sizes.
func (c Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("cache name must be set")
	}
	if c.Size <= 0 || c.Associativity <= 0 || c.BlockSize <= 0 {
		return fmt.Errorf("%s: size, associativity and block size must be > 0", c.Name)
	}
	if c.Size%(c.Associativity*c.BlockSize) != 0 {
		return fmt.Errorf("%s: size %d is not a multiple of associativity*block size", c.Name, c.Size)
	}
	if c.HitLatency == 0 {
		return fmt.Errorf("%s: hit_latency must be > 0", c.Name)
	}
	if c.MSHRs <= 0 || c.QueueSize <= 0 || c.Ports <= 0 {
		return fmt.Errorf("%s: mshrs, queue_size and ports must be > 0", c.Name)
	}
	return nil
}

// StoreForwardLatency is the extra latency (in cycles) when a load reads
// the address most recently written. The data is forwarded from the store
// buffer, which is slower than a plain hit.
const StoreForwardLatency uint64 = 1

// Statistics holds cache performance statistics.
type Statistics struct {
	Reads      uint64
	Writes     uint64
	Hits       uint64
	Misses     uint64
	Evictions  uint64
	Writebacks uint64
	// MSHRMerges counts misses folded into an outstanding miss.
	MSHRMerges uint64
	// Squashed counts requests dropped because their owner was squashed.
	Squashed uint64
	// Rejects counts enqueue attempts refused for a full queue.
	Rejects uint64
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger.
func WithLogger(log logr.Logger) Option {
	return func(c *Cache) {
		c.log = log
	}
}

type pending struct {
	req     *Request
	readyAt uint64
}

// mshr tracks one outstanding line fill and the requests waiting on it.
type mshr struct {
	blockAddr uint64
	waiters   []*Request
	dirty     bool
}

// Cache is one level of a write-back, write-allocate cache hierarchy.
type Cache struct {
	config Config

	// Akita cache directory for tag/state management
	directory *akitacache.DirectoryImpl

	next Level

	queue []*Request
	pipe  []pending
	mshrs map[uint64]*mshr
	now   uint64

	// writebacks the next level has not accepted yet, oldest first.
	writebacks []*Request

	stats  Statistics
	frozen bool

	recentStoreAddr  uint64
	recentStoreValid bool

	log logr.Logger
}

// New creates a new cache level in front of next.
func New(config Config, next Level, opts ...Option) *Cache {
	numSets := config.Size / (config.Associativity * config.BlockSize)

	c := &Cache{
		config: config,
		directory: akitacache.NewDirectory(
			numSets,
			config.Associativity,
			config.BlockSize,
			akitacache.NewLRUVictimFinder(),
		),
		next:  next,
		mshrs: make(map[uint64]*mshr),
		log:   logr.Discard(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Name returns the level name.
func (c *Cache) Name() string {
	return c.config.Name
}

// Config returns the cache configuration.
func (c *Cache) Config() Config {
	return c.config
}

// Stats returns cache statistics.
func (c *Cache) Stats() Statistics {
	return c.stats
}

// ResetStats clears cache statistics.
func (c *Cache) ResetStats() {
	c.stats = Statistics{}
}

// Freeze stops statistics accumulation.
func (c *Cache) Freeze() {
	c.frozen = true
}

func (c *Cache) inc(v *uint64) {
	if !c.frozen {
		*v++
	}
}

// RegStats publishes the cache counters under the level name.
func (c *Cache) RegStats(db *stats.Database, core int) {
	name := c.config.Name
	db.AddCounter(stats.CompName(core, name, "reads"), "read accesses", &c.stats.Reads)
	db.AddCounter(stats.CompName(core, name, "writes"), "write accesses", &c.stats.Writes)
	db.AddCounter(stats.CompName(core, name, "hits"), "hits", &c.stats.Hits)
	db.AddCounter(stats.CompName(core, name, "misses"), "misses", &c.stats.Misses)
	db.AddCounter(stats.CompName(core, name, "evictions"), "valid lines replaced", &c.stats.Evictions)
	db.AddCounter(stats.CompName(core, name, "writebacks"), "dirty lines written back", &c.stats.Writebacks)
	db.AddCounter(stats.CompName(core, name, "mshr_merges"), "misses merged into an MSHR", &c.stats.MSHRMerges)
	db.AddCounter(stats.CompName(core, name, "squashed"), "requests of squashed operations", &c.stats.Squashed)
	db.AddCounter(stats.CompName(core, name, "rejects"), "enqueues refused", &c.stats.Rejects)
	db.AddFormula(stats.CompName(core, name, "miss_rate"), "miss rate",
		stats.Ratio(&c.stats.Misses, &c.stats.Reads))
}

// blockAddr returns the block-aligned address.
func (c *Cache) blockAddr(addr uint64) uint64 {
	return (addr / uint64(c.config.BlockSize)) * uint64(c.config.BlockSize)
}

// Enqueuable reports whether the input queue has room.
func (c *Cache) Enqueuable(_ uint64) bool {
	return len(c.queue) < c.config.QueueSize
}

// Enqueue accepts a request for a tag access on a later Step.
func (c *Cache) Enqueue(req *Request) bool {
	if !c.Enqueuable(req.Addr) {
		c.inc(&c.stats.Rejects)
		return false
	}
	req.EnqueuedAt = c.now
	c.queue = append(c.queue, req)
	return true
}

// Outstanding returns the number of requests the level still holds.
func (c *Cache) Outstanding() int {
	n := len(c.queue) + len(c.pipe) + len(c.writebacks)
	for _, m := range c.mshrs {
		n += len(m.waiters)
	}
	return n
}

// Step delivers completed requests and performs up to Ports tag
// accesses from the input queue.
func (c *Cache) Step(now uint64) {
	c.now = now
	c.drain(now)
	c.sendWritebacks()

	ports := 0
	for ports < c.config.Ports && len(c.queue) > 0 {
		req := c.queue[0]
		if req.Stale() {
			c.queue = c.queue[1:]
			c.inc(&c.stats.Squashed)
			continue
		}
		if !c.access(req, now) {
			break
		}
		c.queue = c.queue[1:]
		ports++
	}
}

func (c *Cache) drain(now uint64) {
	if len(c.pipe) == 0 {
		return
	}
	ready := c.pipe
	c.pipe = nil
	for _, p := range ready {
		if p.readyAt > now {
			c.pipe = append(c.pipe, p)
			continue
		}
		if !p.req.Complete() {
			c.inc(&c.stats.Squashed)
		}
	}
}

func (c *Cache) schedule(req *Request, readyAt uint64) {
	c.pipe = append(c.pipe, pending{req: req, readyAt: readyAt})
}

// access performs the tag lookup for one request. It returns false when
// the request must wait for a free MSHR or room in the next level.
func (c *Cache) access(req *Request, now uint64) bool {
	blockAddr := c.blockAddr(req.Addr)
	block := c.directory.Lookup(0, blockAddr) // PID=0 for now
	hit := block != nil && block.IsValid

	if req.Cmd == CmdWriteback {
		c.inc(&c.stats.Writes)
		if hit {
			block.IsDirty = true
			c.directory.Visit(block)
			return true
		}
		// No allocation on writeback miss; pass it on.
		c.writeback(blockAddr)
		return true
	}

	if hit {
		c.countAccess(req)
		c.inc(&c.stats.Hits)
		c.directory.Visit(block) // Update LRU

		latency := c.config.HitLatency
		if req.Cmd == CmdWrite {
			block.IsDirty = true
			c.recentStoreAddr = req.Addr
			c.recentStoreValid = true
		} else if c.recentStoreValid && c.recentStoreAddr == req.Addr {
			latency += StoreForwardLatency
			c.recentStoreValid = false // Consume the forwarding event
		}
		c.schedule(req, now+latency)
		return true
	}

	if m, ok := c.mshrs[blockAddr]; ok {
		c.countAccess(req)
		c.inc(&c.stats.Misses)
		c.inc(&c.stats.MSHRMerges)
		m.waiters = append(m.waiters, req)
		m.dirty = m.dirty || req.Cmd == CmdWrite
		return true
	}

	if len(c.mshrs) >= c.config.MSHRs || !c.next.Enqueuable(blockAddr) {
		return false
	}

	m := &mshr{blockAddr: blockAddr, waiters: []*Request{req}, dirty: req.Cmd == CmdWrite}
	fill := &Request{
		Prev:     c,
		Cmd:      CmdRead,
		Addr:     blockAddr,
		LineSize: c.config.BlockSize,
		Op:       m,
		Callback: c.fill,
	}
	if !c.next.Enqueue(fill) {
		return false
	}

	c.countAccess(req)
	c.inc(&c.stats.Misses)
	c.mshrs[blockAddr] = m
	c.log.V(2).Info("miss", "cache", c.config.Name, "addr", fmt.Sprintf("%#x", blockAddr))
	return true
}

func (c *Cache) countAccess(req *Request) {
	if req.Cmd == CmdWrite {
		c.inc(&c.stats.Writes)
	} else {
		c.inc(&c.stats.Reads)
	}
}

// fill installs a line returned by the next level and releases its
// waiters. Waiters are delivered on the following Step.
func (c *Cache) fill(req *Request) {
	m := req.Op.(*mshr)
	delete(c.mshrs, m.blockAddr)

	victim := c.directory.FindVictim(m.blockAddr)
	if victim != nil {
		if victim.IsValid {
			c.inc(&c.stats.Evictions)
			if victim.IsDirty {
				c.inc(&c.stats.Writebacks)
				c.writeback(victim.Tag)
			}
		}

		// Tag stores the block-aligned address directly.
		victim.Tag = m.blockAddr
		victim.IsValid = true
		victim.IsDirty = m.dirty
		c.directory.Visit(victim)
	}

	for _, w := range m.waiters {
		c.schedule(w, c.now)
	}
}

// writeback sends a dirty line to the next level. A refused writeback
// waits in order and is retried every Step.
func (c *Cache) writeback(blockAddr uint64) {
	c.writebacks = append(c.writebacks, &Request{
		Prev:     c,
		Cmd:      CmdWriteback,
		Addr:     blockAddr,
		LineSize: c.config.BlockSize,
	})
	c.sendWritebacks()
}

func (c *Cache) sendWritebacks() {
	for len(c.writebacks) > 0 && c.next.Enqueue(c.writebacks[0]) {
		c.writebacks = c.writebacks[1:]
	}
}

// Contains reports whether the line holding addr is present.
func (c *Cache) Contains(addr uint64) bool {
	block := c.directory.Lookup(0, c.blockAddr(addr))
	return block != nil && block.IsValid
}
