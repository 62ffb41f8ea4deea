package main

import (
	"testing"

	"github.com/corevm-project/corevm/vm"
)

func TestParseArch(t *testing.T) {
	cases := map[string]vm.Arch{
		"x86_64":      vm.ArchX86_64,
		"aarch64":     vm.ArchAArch64,
		"riscv64sv39": vm.ArchRISCV64Sv39,
		"riscv64sv48": vm.ArchRISCV64Sv48,
	}
	for in, want := range cases {
		got, err := parseArch(in)
		if err != nil {
			t.Fatalf("parseArch(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("parseArch(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestParseArchRejectsUnknown(t *testing.T) {
	if _, err := parseArch("sparc"); err == nil {
		t.Fatal("expected an error for an unrecognised architecture string")
	}
}
