package memory

import (
	"testing"

	"github.com/corevm-project/corevm/internal/addr"
)

func TestReadWriteRoundTrip(t *testing.T) {
	p := NewPhysical(4096)
	sizes := []int{1, 2, 4, 8}
	for _, sz := range sizes {
		var val uint64
		switch sz {
		case 1:
			val = 0xAB
		case 2:
			val = 0xABCD
		case 4:
			val = 0xDEADBEEF
		case 8:
			val = 0x0123456789ABCDEF
		}
		if err := p.Write(addr.GuestPhysAddr(0x100), val, sz); err != nil {
			t.Fatalf("Write size=%d: %v", sz, err)
		}
		got, err := p.Read(addr.GuestPhysAddr(0x100), sz)
		if err != nil {
			t.Fatalf("Read size=%d: %v", sz, err)
		}
		if got != val {
			t.Fatalf("size=%d: got 0x%x, want 0x%x", sz, got, val)
		}
	}
}

func TestReadOutOfRangeFails(t *testing.T) {
	p := NewPhysical(16)
	if _, err := p.Read(addr.GuestPhysAddr(10), 8); err == nil {
		t.Fatal("expected AccessViolation-equivalent error reading out of range")
	}
	if err := p.Write(addr.GuestPhysAddr(10), 0, 8); err == nil {
		t.Fatal("expected error writing out of range")
	}
}

func TestInvalidSize(t *testing.T) {
	p := NewPhysical(16)
	if _, err := p.Read(addr.GuestPhysAddr(0), 3); err == nil {
		t.Fatal("expected error on invalid access size")
	}
}

type fakeDevice struct {
	reads  []uint64
	writes []uint64
	val    uint64
}

func (d *fakeDevice) Read(offset uint64, size int) uint64 {
	d.reads = append(d.reads, offset)
	return d.val
}

func (d *fakeDevice) Write(offset uint64, val uint64, size int) {
	d.writes = append(d.writes, offset)
	d.val = val
}

func TestMMIORouting(t *testing.T) {
	p := NewPhysical(0x10000)
	dev := &fakeDevice{val: 0x42}
	if err := p.MapMMIO(0x1000, 0x100, dev); err != nil {
		t.Fatalf("MapMMIO: %v", err)
	}

	got, err := p.Read(addr.GuestPhysAddr(0x1010), 4)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != 0x42 {
		t.Fatalf("Read via MMIO = 0x%x, want 0x42", got)
	}
	if len(dev.reads) != 1 || dev.reads[0] != 0x10 {
		t.Fatalf("device saw reads %v, want [0x10]", dev.reads)
	}

	if err := p.Write(addr.GuestPhysAddr(0x1020), 7, 4); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(dev.writes) != 1 || dev.writes[0] != 0x20 {
		t.Fatalf("device saw writes %v, want [0x20]", dev.writes)
	}

	// Plain memory outside the range is untouched by the device.
	if err := p.Write(addr.GuestPhysAddr(0x2000), 99, 4); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got2, _ := p.Read(addr.GuestPhysAddr(0x2000), 4)
	if got2 != 99 {
		t.Fatalf("plain memory read = %d, want 99", got2)
	}
}

func TestMMIOOverlapRejected(t *testing.T) {
	p := NewPhysical(0x10000)
	dev := &fakeDevice{}
	if err := p.MapMMIO(0x1000, 0x100, dev); err != nil {
		t.Fatalf("MapMMIO: %v", err)
	}
	if err := p.MapMMIO(0x1050, 0x100, dev); err == nil {
		t.Fatal("expected overlap rejection")
	}
	// Adjacent, non-overlapping ranges are fine.
	if err := p.MapMMIO(0x1100, 0x100, dev); err != nil {
		t.Fatalf("adjacent MapMMIO should succeed: %v", err)
	}
}

func TestBulkStraddlingMMIOBoundary(t *testing.T) {
	p := NewPhysical(0x10000)
	dev := &fakeDevice{val: 0xFF}
	if err := p.MapMMIO(0x1000, 0x10, dev); err != nil {
		t.Fatalf("MapMMIO: %v", err)
	}

	// Write a straddling buffer: bytes [0xFF8, 0x1008) crosses into the
	// MMIO range at 0x1000.
	src := make([]byte, 16)
	for i := range src {
		src[i] = byte(i + 1)
	}
	if err := p.WriteBulk(0xFF8, src); err != nil {
		t.Fatalf("WriteBulk: %v", err)
	}
	if len(dev.writes) == 0 {
		t.Fatal("expected the straddling write to be split and dispatched to the device")
	}

	dst := make([]byte, 16)
	if err := p.ReadBulk(0xFF8, dst); err != nil {
		t.Fatalf("ReadBulk: %v", err)
	}
	// Bytes before the MMIO boundary come from plain memory (now holding
	// the just-written values), bytes from the MMIO range come from the
	// device one byte at a time. The fake device returns the last value
	// written to it, which the WriteBulk above left at src[15].
	for i := 0; i < 8; i++ {
		if dst[i] != src[i] {
			t.Fatalf("plain-memory byte %d: got %d, want %d", i, dst[i], src[i])
		}
	}
	for i := 8; i < 16; i++ {
		if dst[i] != src[15] {
			t.Fatalf("mmio byte %d: got %d, want %d", i, dst[i], src[15])
		}
	}
}

func TestAtomicRMW(t *testing.T) {
	p := NewPhysical(4096)
	_ = p.Write(addr.GuestPhysAddr(0x100), 10, 8)

	old, err := p.AtomicRMW(addr.GuestPhysAddr(0x100), 8, func(old uint64) uint64 { return old + 5 })
	if err != nil {
		t.Fatalf("AtomicRMW: %v", err)
	}
	if old != 10 {
		t.Fatalf("AtomicRMW returned old=%d, want 10", old)
	}
	got, _ := p.Read(addr.GuestPhysAddr(0x100), 8)
	if got != 15 {
		t.Fatalf("after AtomicRMW: got %d, want 15", got)
	}
}

func TestAtomicRMWConcurrentAdds(t *testing.T) {
	p := NewPhysical(4096)
	_ = p.Write(addr.GuestPhysAddr(0x100), 0, 8)

	const n = 200
	done := make(chan struct{})
	for i := 0; i < n; i++ {
		go func() {
			_, _ = p.AtomicRMW(addr.GuestPhysAddr(0x100), 8, func(old uint64) uint64 { return old + 1 })
			done <- struct{}{}
		}()
	}
	for i := 0; i < n; i++ {
		<-done
	}
	got, _ := p.Read(addr.GuestPhysAddr(0x100), 8)
	if got != n {
		t.Fatalf("after %d concurrent AtomicRMW adds: got %d, want %d (no lost updates)", n, got, n)
	}
}

func TestResetZeroesMemory(t *testing.T) {
	p := NewPhysical(16)
	_ = p.Write(addr.GuestPhysAddr(0), 0xFFFFFFFFFFFFFFFF, 8)
	p.Reset()
	got, _ := p.Read(addr.GuestPhysAddr(0), 8)
	if got != 0 {
		t.Fatalf("after Reset: got 0x%x, want 0", got)
	}
}

func TestRawView(t *testing.T) {
	p := NewPhysical(16)
	_ = p.Write(addr.GuestPhysAddr(0), 0x1122334455667788, 8)
	view, err := p.RawView(0, 8)
	if err != nil {
		t.Fatalf("RawView: %v", err)
	}
	if len(view) != 8 || view[0] != 0x88 {
		t.Fatalf("RawView: unexpected bytes %v", view)
	}
	if _, err := p.RawView(10, 100); err == nil {
		t.Fatal("expected out-of-range error")
	}
}

func TestSize(t *testing.T) {
	p := NewPhysical(0x4000)
	if p.Size() != 0x4000 {
		t.Fatalf("Size() = %d, want 0x4000", p.Size())
	}
}
