// multilevel.go - L1/L2/L3 hierarchy with eviction cascading downward

package tlb

import (
	"sync"
	"sync/atomic"
)

// TLB is the mutex-guarded multi-level cache described in §4.3. It
// satisfies invariant 1 ("the TLB never returns a stale translation
// after a flush that covered the entry") by removing from every level on
// a flush, not just invalidating L1.
type TLB struct {
	mu        sync.Mutex
	l1, l2, l3 *level
	stats     Stats
	epoch     uint64 // bumped on every flush; see Epoch()
}

// New creates a multi-level TLB with the given per-level configuration.
func New(cfg Config) *TLB {
	if cfg.L1Capacity == 0 {
		cfg.L1Capacity = 64
	}
	if cfg.L2Capacity == 0 {
		cfg.L2Capacity = 256
	}
	if cfg.L3Capacity == 0 {
		cfg.L3Capacity = 1024
	}
	return &TLB{
		l1: newLevel(cfg.L1Capacity, cfg.L1Policy),
		l2: newLevel(cfg.L2Capacity, cfg.L2Policy),
		l3: newLevel(cfg.L3Capacity, cfg.L3Policy),
	}
}

// Lookup returns the translation for (va,asid), or ok=false on a full
// miss across all three levels. A hit below L1 is promoted to L1 (and
// also stays resident at its original level).
func (t *TLB) Lookup(va uint64, asid uint32, access AccessClass) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.l1.lookup(va, asid); ok {
		atomicAdd(&t.stats.HitsL1, 1)
		return e, true
	}
	if e, ok := t.l2.lookup(va, asid); ok {
		atomicAdd(&t.stats.HitsL2, 1)
		t.promote(e)
		return e, true
	}
	if e, ok := t.l3.lookup(va, asid); ok {
		atomicAdd(&t.stats.HitsL3, 1)
		t.promote(e)
		return e, true
	}
	atomicAdd(&t.stats.Misses, 1)
	return Entry{}, false
}

// promote installs e into L1, cascading any L1 eviction into L2 and any
// L2 eviction into L3. Nothing is written to L2 or L3 except these
// cascaded victims.
func (t *TLB) promote(e Entry) {
	if victim, evicted := t.l1.insert(e); evicted {
		if victim2, evicted2 := t.l2.insert(victim); evicted2 {
			if _, evicted3 := t.l3.insert(victim2); evicted3 {
				atomicAdd(&t.stats.Evictions, 1)
			}
		}
	}
}

// Insert installs a freshly walked translation, always starting at L1.
func (t *TLB) Insert(e Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.promote(e)
}

// FlushAll discards every entry at every level.
func (t *TLB) FlushAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.l1.clear() + t.l2.clear() + t.l3.clear()
	_ = n
	atomicAdd(&t.stats.Flushes, 1)
	t.epoch++
}

// FlushASID discards every entry belonging to asid, at every level.
func (t *TLB) FlushASID(asid uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.l1.removeASID(asid)
	t.l2.removeASID(asid)
	t.l3.removeASID(asid)
	atomicAdd(&t.stats.Flushes, 1)
	t.epoch++
}

// FlushPage discards the entry for (va, asid) at every level. Entries
// for the same VA under other ASIDs are kept.
func (t *TLB) FlushPage(va uint64, asid uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.l1.remove(va, asid)
	t.l2.remove(va, asid)
	t.l3.remove(va, asid)
	atomicAdd(&t.stats.Flushes, 1)
	t.epoch++
}

// Prefetch hints that the given VAs will be used soon. It never blocks
// the caller: walkVA is invoked in a background goroutine per address and
// any failure is silently dropped, matching spec §4.3's "must never
// block the caller".
func (t *TLB) Prefetch(vas []uint64, asid uint32, walkVA func(va uint64) (Entry, bool)) {
	go func() {
		for _, va := range vas {
			if _, ok := t.Lookup(va, asid, AccessRead); ok {
				continue
			}
			if e, ok := walkVA(va); ok {
				t.Insert(e)
			}
		}
	}()
}

// Stats returns a point-in-time snapshot of the hit/miss/eviction/flush
// counters.
func (t *TLB) Stats() Stats {
	return t.stats.snapshot()
}

// Epoch returns the current flush epoch, used by the cross-vCPU
// ordering protocol in spec §5: "each flush bumps a global epoch; each
// vCPU rechecks epoch at its next safepoint".
func (t *TLB) Epoch() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.epoch
}

func atomicAdd(p *uint64, delta uint64) {
	// Kept as a named helper (rather than inline atomic.AddUint64 calls
	// scattered through the file) so the counter-update strategy reads
	// as one decision, per spec §9's "sharded atomics, aggregated on
	// read" design note. Must be a real atomic op: ShardedTLB calls this
	// under only a per-shard lock, so concurrent shards update the same
	// Stats fields with no shared lock between them.
	atomic.AddUint64(p, delta)
}
