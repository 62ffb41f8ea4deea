// cache.go - Shared decode-cache keyed by (pc, bytes_len)

/*
Package decode holds the machinery shared by all three front-end
decoders (x86, arm64, riscv64): the LRU decode cache keyed by
(pc, bytes_len) spec §4.4 requires, and the VendorDecoder registry each
arch-specific decoder consults when an opcode family falls outside the
base ISA (matrix units, DSP, NPU extensions).

Grounded on the teacher's cpu_ie64.go per-opcode dispatch tables for the
"small data-driven table, not a framework" texture; LRU-by-doubly-linked-
list is the standard idiom the teacher itself does not need (its CPUs
never cache decoded instructions, they re-decode every fetch), so this
is new machinery sized to spec's explicit requirement.
*/
package decode

import (
	"container/list"
	"sync"

	"github.com/corevm-project/corevm/internal/ir"
)

// Key identifies a memoized decode: the guest PC and the number of bytes
// the decoder's fetch returned for it. Two decodes starting at the same
// PC but with different fetched lengths are deliberately distinct cache
// entries.
type Key struct {
	PC       ir.GuestPC
	BytesLen uint32
}

// Cache memoizes decoded blocks with LRU eviction at a fixed capacity.
type Cache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List // front = most recently used
	items    map[Key]*list.Element
}

type entry struct {
	key   Key
	block *ir.Block
}

// NewCache creates a decode cache holding at most capacity entries.
func NewCache(capacity int) *Cache {
	return &Cache{capacity: capacity, ll: list.New(), items: make(map[Key]*list.Element)}
}

// Get returns the memoized block for key, promoting it to most-recently-used.
func (c *Cache) Get(key Key) (*ir.Block, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*entry).block, true
}

// Put memoizes block under key, evicting the least-recently-used entry
// if the cache is already at capacity.
func (c *Cache) Put(key Key, block *ir.Block) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.ll.MoveToFront(el)
		el.Value.(*entry).block = block
		return
	}
	el := c.ll.PushFront(&entry{key: key, block: block})
	c.items[key] = el
	if c.capacity > 0 && c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.items, oldest.Value.(*entry).key)
		}
	}
}

// Invalidate drops every memoized decode starting at pc. Guest stores
// are not snooped, so the execution path never calls it; translated code
// is dropped wholesale by Flush after a TLB flush.
func (c *Cache) Invalidate(pc ir.GuestPC) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, el := range c.items {
		if k.PC == pc {
			c.ll.Remove(el)
			delete(c.items, k)
		}
	}
}

// Flush drops every memoized decode. Used when a TLB flush invalidates
// translated code wholesale (spec §3 lifecycle: "IR blocks live until
// their backing page range is invalidated by a TLB-flush-broader
// event") - after a flush the same PC may map to different bytes, so
// nothing keyed by PC survives.
func (c *Cache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	c.items = make(map[Key]*list.Element)
}

// VendorDecoder lifts one vendor-specific instruction into an IR op,
// given the raw bytes at pc and returning the number of bytes consumed.
type VendorDecoder interface {
	// Tag identifies the vendor family this decoder handles (e.g. "amx",
	// "sve-matrix"); used to route VendorTag on the emitted op.
	Tag() string
	// TryDecode attempts to decode one vendor instruction at the front of
	// b; ok is false if b does not start with an instruction this
	// decoder recognises.
	TryDecode(b []byte) (op ir.Op, consumed int, ok bool)
}

// VendorRegistry dispatches to the first registered VendorDecoder that
// recognises the instruction bytes, wrapping its result in a vendor-
// tagged IR op (spec §4.4 "vendor-extension sub-decoders").
type VendorRegistry struct {
	mu       sync.RWMutex
	decoders []VendorDecoder
}

// Register adds a vendor sub-decoder. Later registrations are tried
// after earlier ones.
func (r *VendorRegistry) Register(d VendorDecoder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders = append(r.decoders, d)
}

// TryDecode offers b to every registered vendor decoder in registration
// order, returning the first match.
func (r *VendorRegistry) TryDecode(b []byte) (ir.Op, int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.decoders {
		if op, n, ok := d.TryDecode(b); ok {
			op.VendorTag = d.Tag()
			return op, n, true
		}
	}
	return ir.Op{}, 0, false
}
