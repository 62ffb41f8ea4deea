package vm

import (
	"bytes"
	"testing"
)

func TestRLERoundTrip(t *testing.T) {
	data := make([]byte, 300)
	for i := 200; i < 210; i++ {
		data[i] = byte(i)
	}
	encoded := rleEncodeZeroRuns(data)
	decoded := rleDecodeZeroRuns(encoded, len(data))
	if !bytes.Equal(decoded, data) {
		t.Fatal("RLE round trip did not reproduce the original bytes")
	}
}

func TestRLEEncodesAllZerosCompactly(t *testing.T) {
	data := make([]byte, 4096)
	encoded := rleEncodeZeroRuns(data)
	if len(encoded) >= len(data) {
		t.Fatalf("expected a zero-filled buffer to compress, encoded len=%d, original=%d", len(encoded), len(data))
	}
	decoded := rleDecodeZeroRuns(encoded, len(data))
	if !bytes.Equal(decoded, data) {
		t.Fatal("decoded zero buffer does not match original")
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	v, err := CreateVM(Config{MemorySize: 0x10000, VCPUCount: 2})
	if err != nil {
		t.Fatalf("CreateVM: %v", err)
	}
	defer v.Close()

	if err := v.LoadImage(0x1000, []byte{0xDE, 0xAD, 0xBE, 0xEF}); err != nil {
		t.Fatalf("LoadImage: %v", err)
	}
	if err := v.SetRegisters(0, Registers{PC: 0x2000, GPR: [64]uint64{0: 11, 1: 22}}); err != nil {
		t.Fatalf("SetRegisters: %v", err)
	}
	if err := v.SetRegisters(1, Registers{PC: 0x3000, GPR: [64]uint64{2: 33}}); err != nil {
		t.Fatalf("SetRegisters: %v", err)
	}

	blob, err := v.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	v2, err := CreateVM(Config{MemorySize: 0x10000, VCPUCount: 2})
	if err != nil {
		t.Fatalf("CreateVM (restore target): %v", err)
	}
	defer v2.Close()

	if err := v2.Restore(blob); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	r0, err := v2.GetRegisters(0)
	if err != nil {
		t.Fatalf("GetRegisters(0): %v", err)
	}
	if r0.PC != 0x2000 || r0.GPR[0] != 11 || r0.GPR[1] != 22 {
		t.Fatalf("vcpu 0 registers after restore = %+v", r0)
	}
	r1, err := v2.GetRegisters(1)
	if err != nil {
		t.Fatalf("GetRegisters(1): %v", err)
	}
	if r1.PC != 0x3000 || r1.GPR[2] != 33 {
		t.Fatalf("vcpu 1 registers after restore = %+v", r1)
	}

	raw, err := v2.mem.RawView(0x1000, 4)
	if err != nil {
		t.Fatalf("RawView: %v", err)
	}
	if !bytes.Equal(raw, []byte{0xDE, 0xAD, 0xBE, 0xEF}) {
		t.Fatalf("restored memory = %x, want deadbeef", raw)
	}
}

func TestRestoreRejectsWrongMagic(t *testing.T) {
	v, err := CreateVM(Config{MemorySize: 0x10000, VCPUCount: 1})
	if err != nil {
		t.Fatalf("CreateVM: %v", err)
	}
	defer v.Close()
	if err := v.Restore(SnapshotBlob("not a real snapshot")); err == nil {
		t.Fatal("expected Restore to reject a blob with a bad magic prefix")
	}
}

func TestRestoreRejectsArchMismatch(t *testing.T) {
	v1, err := CreateVM(Config{Arch: ArchX86_64, MemorySize: 0x10000, VCPUCount: 1})
	if err != nil {
		t.Fatalf("CreateVM: %v", err)
	}
	defer v1.Close()
	blob, err := v1.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	v2, err := CreateVM(Config{Arch: ArchAArch64, MemorySize: 0x10000, VCPUCount: 1})
	if err != nil {
		t.Fatalf("CreateVM: %v", err)
	}
	defer v2.Close()
	if err := v2.Restore(blob); err == nil {
		t.Fatal("expected Restore to reject a snapshot from a different architecture")
	}
}

func TestRestoreRejectsMemorySizeMismatch(t *testing.T) {
	v1, err := CreateVM(Config{MemorySize: 0x10000, VCPUCount: 1})
	if err != nil {
		t.Fatalf("CreateVM: %v", err)
	}
	defer v1.Close()
	blob, err := v1.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	v2, err := CreateVM(Config{MemorySize: 0x20000, VCPUCount: 1})
	if err != nil {
		t.Fatalf("CreateVM: %v", err)
	}
	defer v2.Close()
	if err := v2.Restore(blob); err == nil {
		t.Fatal("expected Restore to reject a snapshot with a different memory size")
	}
}
