package vm

import (
	"runtime"
	"testing"
)

type fakeAccel struct {
	calls int
	exit  AccelExit
}

func (f *fakeAccel) RunUntilExit(vcpu int, regs *Registers) (AccelExit, error) {
	f.calls++
	return f.exit, nil
}

func TestAcceleratorConsultedOnlyForSameArch(t *testing.T) {
	v, err := CreateVM(Config{MemorySize: 0x10000, VCPUCount: 1})
	if err != nil {
		t.Fatalf("CreateVM: %v", err)
	}
	defer v.Close()

	fa := &fakeAccel{exit: AccelExit{Kind: AccelHalt, Code: 7}}
	v.SetAccelerator(fa)

	// A software path must exist either way, so the guest still makes
	// sense when the accelerator is not usable on this host.
	if err := v.LoadImage(0x1000, []byte{0x90, 0xC3}); err != nil {
		t.Fatalf("LoadImage: %v", err)
	}
	regs := Registers{PC: 0x1000}
	regs.GPR[4] = 0x2000
	if err := v.SetRegisters(0, regs); err != nil {
		t.Fatalf("SetRegisters: %v", err)
	}

	status, err := v.Run(0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if runtime.GOARCH == "amd64" {
		if fa.calls != 1 {
			t.Fatalf("accelerator calls = %d, want 1 on a same-arch host", fa.calls)
		}
		if status.Kind.String() != "halted" || status.Code != 7 {
			t.Fatalf("status = %+v, want the accelerator's halted(7)", status)
		}
	} else {
		if fa.calls != 0 {
			t.Fatalf("accelerator calls = %d, want 0 on a cross-arch host", fa.calls)
		}
		if status.Kind.String() != "halted" {
			t.Fatalf("status = %+v, want halted from the software path", status)
		}
	}
}

func TestAcceleratorFallbackContinuesInSoftware(t *testing.T) {
	if runtime.GOARCH != "amd64" {
		t.Skip("same-arch accelerator path requires an x86-64 host")
	}
	v, err := CreateVM(Config{MemorySize: 0x10000, VCPUCount: 1})
	if err != nil {
		t.Fatalf("CreateVM: %v", err)
	}
	defer v.Close()

	fa := &fakeAccel{exit: AccelExit{Kind: AccelFallback}}
	v.SetAccelerator(fa)

	if err := v.LoadImage(0x1000, []byte{0xB8, 0x09, 0x00, 0x00, 0x00, 0xC3}); err != nil {
		t.Fatalf("LoadImage: %v", err)
	}
	regs := Registers{PC: 0x1000}
	regs.GPR[4] = 0x2000
	if err := v.SetRegisters(0, regs); err != nil {
		t.Fatalf("SetRegisters: %v", err)
	}
	status, err := v.Run(0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if fa.calls != 1 {
		t.Fatalf("accelerator calls = %d, want 1", fa.calls)
	}
	if status.Kind.String() != "halted" {
		t.Fatalf("status = %+v, want halted from the software fallback", status)
	}
	got, _ := v.GetRegisters(0)
	if got.GPR[0] != 9 {
		t.Fatalf("GPR[0] = %d, want 9 (software path executed the mov)", got.GPR[0])
	}
}
