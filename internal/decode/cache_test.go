package decode

import (
	"testing"

	"github.com/corevm-project/corevm/internal/ir"
)

func blockAt(pc ir.GuestPC) *ir.Block {
	b := ir.NewBuilder(pc)
	_ = b.SetTerminator(ir.Terminator{Kind: ir.TermRet})
	blk, _ := b.Build(1)
	return blk
}

func TestCacheGetPutAndEviction(t *testing.T) {
	c := NewCache(2)
	k1 := Key{PC: 0x1000, BytesLen: 2}
	k2 := Key{PC: 0x2000, BytesLen: 2}
	k3 := Key{PC: 0x3000, BytesLen: 2}

	c.Put(k1, blockAt(0x1000))
	c.Put(k2, blockAt(0x2000))
	// Touch k1 so it becomes most-recently-used, leaving k2 the LRU victim.
	if _, ok := c.Get(k1); !ok {
		t.Fatal("expected k1 to be present")
	}
	c.Put(k3, blockAt(0x3000))

	if _, ok := c.Get(k2); ok {
		t.Fatal("expected k2 to have been evicted as least-recently-used")
	}
	if _, ok := c.Get(k1); !ok {
		t.Fatal("expected k1 to survive (recently touched)")
	}
	if _, ok := c.Get(k3); !ok {
		t.Fatal("expected k3 to be present")
	}
}

func TestCachePutOverwritesExistingKey(t *testing.T) {
	c := NewCache(4)
	k := Key{PC: 0x1000, BytesLen: 2}
	c.Put(k, blockAt(0x1000))
	replacement := blockAt(0x1000)
	c.Put(k, replacement)

	got, ok := c.Get(k)
	if !ok || got != replacement {
		t.Fatal("expected Put to overwrite the existing entry for the same key")
	}
}

func TestCacheInvalidateDropsAllBytesLenVariants(t *testing.T) {
	c := NewCache(0)
	c.Put(Key{PC: 0x1000, BytesLen: 2}, blockAt(0x1000))
	c.Put(Key{PC: 0x1000, BytesLen: 4}, blockAt(0x1000))
	c.Put(Key{PC: 0x2000, BytesLen: 2}, blockAt(0x2000))

	c.Invalidate(0x1000)

	if _, ok := c.Get(Key{PC: 0x1000, BytesLen: 2}); ok {
		t.Fatal("expected the 2-byte variant at 0x1000 to be invalidated")
	}
	if _, ok := c.Get(Key{PC: 0x1000, BytesLen: 4}); ok {
		t.Fatal("expected the 4-byte variant at 0x1000 to be invalidated")
	}
	if _, ok := c.Get(Key{PC: 0x2000, BytesLen: 2}); !ok {
		t.Fatal("expected the entry at a different PC to survive")
	}
}

type fakeVendorDecoder struct {
	tag     string
	opcode  byte
	decoded bool
}

func (d *fakeVendorDecoder) Tag() string { return d.tag }

func (d *fakeVendorDecoder) TryDecode(b []byte) (ir.Op, int, bool) {
	if len(b) == 0 || b[0] != d.opcode {
		return ir.Op{}, 0, false
	}
	d.decoded = true
	return ir.Op{Kind: ir.OpVendor}, 1, true
}

func TestVendorRegistryTriesInRegistrationOrder(t *testing.T) {
	r := &VendorRegistry{}
	first := &fakeVendorDecoder{tag: "amx", opcode: 0xAA}
	second := &fakeVendorDecoder{tag: "sve-matrix", opcode: 0xBB}
	r.Register(first)
	r.Register(second)

	op, n, ok := r.TryDecode([]byte{0xBB, 0x00})
	if !ok || n != 1 {
		t.Fatalf("TryDecode = %+v,%d,%v", op, n, ok)
	}
	if op.VendorTag != "sve-matrix" {
		t.Fatalf("VendorTag = %q, want sve-matrix", op.VendorTag)
	}
	if first.decoded {
		t.Fatal("the first decoder should not have matched bytes it doesn't recognise")
	}
}

func TestVendorRegistryNoMatch(t *testing.T) {
	r := &VendorRegistry{}
	r.Register(&fakeVendorDecoder{tag: "amx", opcode: 0xAA})
	if _, _, ok := r.TryDecode([]byte{0x01}); ok {
		t.Fatal("expected no match for unrecognised bytes")
	}
}
