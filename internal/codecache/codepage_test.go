package codecache

import "testing"

func TestAllocatorAllocWriteExecute(t *testing.T) {
	a, err := NewAllocator()
	if err != nil {
		t.Fatalf("NewAllocator: %v", err)
	}
	page, err := a.Alloc(64)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if page.Executable() {
		t.Fatal("a freshly allocated page must start writable-not-executable")
	}

	code := []byte{0x90, 0x90, 0xC3}
	if err := page.Write(0, code); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if err := page.MakeExecutable(); err != nil {
		t.Fatalf("MakeExecutable: %v", err)
	}
	if !page.Executable() {
		t.Fatal("expected page to report executable after MakeExecutable")
	}

	if err := page.Write(0, code); err == nil {
		t.Fatal("expected Write to an executable page to be refused (W^X)")
	}
}

func TestMakeWritableAllowsWriteAgain(t *testing.T) {
	a, _ := NewAllocator()
	page, _ := a.Alloc(64)
	_ = page.MakeExecutable()

	if err := page.MakeWritable(); err != nil {
		t.Fatalf("MakeWritable: %v", err)
	}
	if page.Executable() {
		t.Fatal("page should no longer report executable after MakeWritable")
	}
	if err := page.Write(0, []byte{0x01}); err != nil {
		t.Fatalf("Write after MakeWritable: %v", err)
	}
}

func TestWriteOutOfBounds(t *testing.T) {
	a, _ := NewAllocator()
	page, _ := a.Alloc(4)
	if err := page.Write(0, make([]byte, 8)); err == nil {
		t.Fatal("expected out-of-bounds write to fail")
	}
}

func TestAllocatorRecycleReusesPage(t *testing.T) {
	a, err := NewAllocator()
	if err != nil {
		t.Fatalf("NewAllocator: %v", err)
	}
	p1, err := a.Alloc(64)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	_ = p1.MakeExecutable()

	if err := a.Recycle(p1); err != nil {
		t.Fatalf("Recycle: %v", err)
	}
	if p1.Executable() {
		t.Fatal("Recycle must flip the page back to writable")
	}

	before := a.LiveCount()
	p2, err := a.Alloc(32)
	if err != nil {
		t.Fatalf("Alloc (should reuse): %v", err)
	}
	if p2 != p1 {
		t.Fatal("expected Alloc to reuse the recycled page rather than map a fresh one")
	}
	if a.LiveCount() != before {
		t.Fatalf("LiveCount changed on a reuse: got %d, want %d", a.LiveCount(), before)
	}
}

func TestAllocatorLiveCountGrowsOnFreshMapping(t *testing.T) {
	a, err := NewAllocator()
	if err != nil {
		t.Fatalf("NewAllocator: %v", err)
	}
	before := a.LiveCount()
	if _, err := a.Alloc(64); err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if a.LiveCount() != before+1 {
		t.Fatalf("LiveCount = %d, want %d", a.LiveCount(), before+1)
	}
}
