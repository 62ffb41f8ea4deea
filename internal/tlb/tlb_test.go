package tlb

import (
	"sync"
	"testing"
)

func entry(va uint64, asid uint32) Entry {
	return Entry{VA: va, PA: va + 0x10000, ASID: asid, Flags: Flags{Present: true, Writable: true}}
}

func TestTLBInsertLookupFlushPage(t *testing.T) {
	tl := New(DefaultConfig())

	tl.Insert(entry(0x1000, 3))
	if _, ok := tl.Lookup(0x1000, 3, AccessRead); !ok {
		t.Fatal("expected hit after insert")
	}

	tl.FlushPage(0x1000, 3)
	if _, ok := tl.Lookup(0x1000, 3, AccessRead); ok {
		t.Fatal("expected miss after flush_page covering the entry")
	}
}

func TestTLBFlushASID(t *testing.T) {
	tl := New(DefaultConfig())
	tl.Insert(entry(0x1000, 3))

	tl.FlushASID(3)
	if _, ok := tl.Lookup(0x1000, 3, AccessRead); ok {
		t.Fatal("expected miss for flushed ASID")
	}
	if _, ok := tl.Lookup(0x1000, 4, AccessRead); ok {
		t.Fatal("expected miss for an ASID that was never present")
	}
}

func TestTLBFlushAll(t *testing.T) {
	tl := New(DefaultConfig())
	tl.Insert(entry(0x1000, 1))
	tl.Insert(entry(0x2000, 2))
	tl.FlushAll()

	if _, ok := tl.Lookup(0x1000, 1, AccessRead); ok {
		t.Fatal("expected miss after flush_all")
	}
	if _, ok := tl.Lookup(0x2000, 2, AccessRead); ok {
		t.Fatal("expected miss after flush_all")
	}
}

func TestTLBLookupBetweenInsertAndNonCoveringFlush(t *testing.T) {
	tl := New(DefaultConfig())
	tl.Insert(entry(0x1000, 1))
	tl.FlushPage(0x9000, 1) // does not cover 0x1000

	if _, ok := tl.Lookup(0x1000, 1, AccessRead); !ok {
		t.Fatal("a flush that doesn't cover the entry must not evict it")
	}
}

func TestTLBPromotionFromLowerLevels(t *testing.T) {
	cfg := Config{L1Capacity: 1, L2Capacity: 4, L3Capacity: 4}
	tl := New(cfg)

	tl.Insert(entry(0x1000, 1)) // resident in L1
	tl.Insert(entry(0x2000, 1)) // evicts 0x1000 from L1 into L2

	if _, ok := tl.l1.lookup(0x1000, 1); ok {
		t.Fatal("0x1000 should have been evicted from L1")
	}
	// A Lookup for 0x1000 should still hit (via L2) and promote it back to L1.
	if _, ok := tl.Lookup(0x1000, 1, AccessRead); !ok {
		t.Fatal("expected 0x1000 to still be served from L2")
	}
	if _, ok := tl.l1.lookup(0x1000, 1); !ok {
		t.Fatal("a lower-level hit must be promoted back into L1")
	}
}

func TestTLBEpochBumpsOnFlush(t *testing.T) {
	tl := New(DefaultConfig())
	e0 := tl.Epoch()
	tl.FlushAll()
	if tl.Epoch() == e0 {
		t.Fatal("Epoch should advance on flush")
	}
}

func TestTLBStats(t *testing.T) {
	tl := New(DefaultConfig())
	tl.Insert(entry(0x1000, 1))
	tl.Lookup(0x1000, 1, AccessRead)
	tl.Lookup(0x9000, 1, AccessRead)

	st := tl.Stats()
	if st.HitsL1 != 1 {
		t.Fatalf("HitsL1 = %d, want 1", st.HitsL1)
	}
	if st.Misses != 1 {
		t.Fatalf("Misses = %d, want 1", st.Misses)
	}
}

func TestTLBConcurrentAccess(t *testing.T) {
	tl := New(DefaultConfig())
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			va := uint64(i%8) * 0x1000
			tl.Insert(entry(va, uint32(i%4)))
			tl.Lookup(va, uint32(i%4), AccessRead)
		}(i)
	}
	wg.Wait()
}

func TestShardedTLBInsertLookupFlushPage(t *testing.T) {
	st := NewSharded(8, 16, PolicyLRU)
	st.Insert(entry(0x1000, 3))

	if _, ok := st.Lookup(0x1000, 3); !ok {
		t.Fatal("expected hit after insert")
	}
	st.FlushPage(0x1000, 3)
	if _, ok := st.Lookup(0x1000, 3); ok {
		t.Fatal("expected miss after flush_page covering the entry")
	}
}

func TestShardedTLBFlushASID(t *testing.T) {
	st := NewSharded(8, 16, PolicyLRU)
	st.Insert(entry(0x1000, 3))

	st.FlushASID(3)
	if _, ok := st.Lookup(0x1000, 3); ok {
		t.Fatal("expected miss for flushed ASID")
	}
	if _, ok := st.Lookup(0x1000, 4); ok {
		t.Fatal("expected miss for an ASID that was never present")
	}
}

func TestShardedTLBFlushAll(t *testing.T) {
	st := NewSharded(8, 16, PolicyLRU)
	st.Insert(entry(0x1000, 1))
	st.Insert(entry(0x2000, 2))
	st.FlushAll()

	if _, ok := st.Lookup(0x1000, 1); ok {
		t.Fatal("expected miss after flush_all")
	}
	if _, ok := st.Lookup(0x2000, 2); ok {
		t.Fatal("expected miss after flush_all")
	}
}

func TestShardedTLBShardCountRoundsUpToPowerOfTwo(t *testing.T) {
	st := NewSharded(5, 4, PolicyLRU)
	if len(st.shards) != 8 {
		t.Fatalf("shard count = %d, want 8 (next power of two above 5)", len(st.shards))
	}
}

func TestShardedTLBEpochBumpsOnFlush(t *testing.T) {
	st := NewSharded(8, 16, PolicyLRU)
	e0 := st.Epoch()
	st.FlushAll()
	if st.Epoch() == e0 {
		t.Fatal("Epoch should advance on flush")
	}
}

// TestShardedTLBConcurrentDifferentShards exercises concurrent
// inserts/lookups across many (va,asid) keys landing in different shards,
// verifying no data race on the shared Stats counters (run with -race).
func TestShardedTLBConcurrentDifferentShards(t *testing.T) {
	st := NewSharded(16, 64, PolicyLRU)
	const n = 500

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			va := uint64(i) * 0x1000
			asid := uint32(i % 8)
			st.Insert(entry(va, asid))
			st.Lookup(va, asid)
		}(i)
	}
	wg.Wait()

	stats := st.Stats()
	if stats.HitsL1+stats.Misses == 0 {
		t.Fatal("expected some recorded lookups")
	}
}

func TestLargePageEntryHitsAcrossItsRange(t *testing.T) {
	tl := New(DefaultConfig())
	tl.Insert(Entry{VA: 0x200000, PA: 0x800000, ASID: 1, PageShift: 21})

	// Any VA inside the 2MiB page hits the one entry.
	for _, va := range []uint64{0x200000, 0x201000, 0x3FF000, 0x212345} {
		e, ok := tl.Lookup(va, 1, AccessRead)
		if !ok {
			t.Fatalf("Lookup(0x%x) missed inside a resident 2MiB entry", va)
		}
		if e.PA != 0x800000 || e.Shift() != 21 {
			t.Fatalf("Lookup(0x%x) = %+v, want the 2MiB entry", va, e)
		}
	}
	// The next 2MiB page misses.
	if _, ok := tl.Lookup(0x400000, 1, AccessRead); ok {
		t.Fatal("a neighbouring 2MiB page must miss")
	}
}

func TestSmallEntryNotReturnedForLargeProbe(t *testing.T) {
	tl := New(DefaultConfig())
	// A 4KiB entry whose page base is 2MiB-aligned must not satisfy
	// lookups elsewhere in the surrounding 2MiB region.
	tl.Insert(Entry{VA: 0x200000, PA: 0x5000, ASID: 1})
	if _, ok := tl.Lookup(0x234567, 1, AccessRead); ok {
		t.Fatal("a 4KiB entry must only cover its own page")
	}
	if _, ok := tl.Lookup(0x200800, 1, AccessRead); !ok {
		t.Fatal("the 4KiB entry must still hit within its own page")
	}
}

func TestFlushPageRemovesLargePageEntry(t *testing.T) {
	tl := New(DefaultConfig())
	tl.Insert(Entry{VA: 0x200000, PA: 0x800000, ASID: 1, PageShift: 21})
	tl.FlushPage(0x212345, 1) // any covered VA names the page
	if _, ok := tl.Lookup(0x200000, 1, AccessRead); ok {
		t.Fatal("flush_page must remove the covering large-page entry")
	}
}

func TestShardedTLBLargePageEntry(t *testing.T) {
	st := NewSharded(8, 64, PolicyLRU)
	st.Insert(Entry{VA: 0x200000, PA: 0x800000, ASID: 1, PageShift: 21})
	if _, ok := st.Lookup(0x212345, 1); !ok {
		t.Fatal("sharded lookup missed inside a resident 2MiB entry")
	}
	st.FlushPage(0x212345, 1)
	if _, ok := st.Lookup(0x200000, 1); ok {
		t.Fatal("sharded flush_page must remove the covering entry")
	}
}
