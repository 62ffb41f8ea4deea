// main.go - Interactive single-step inspector

/*
coreinspect is a developer tool, not part of the core: it loads a flat
guest image, single-steps one vCPU under raw-mode stdin (space to step,
q to quit), and prints the vCPU's registers and the last ExecStatus after
each step. Only instantiated here - never imported by vm or internal/.

Grounded on the teacher's terminal_host.go: same golang.org/x/term
raw-mode-stdin-plus-restore-on-exit lifecycle, generalised from feeding
raw bytes to a TerminalMMIO device to reading single keystrokes that
drive a step loop.
*/
package main

import (
	"flag"
	"fmt"
	"os"

	"golang.org/x/term"

	"github.com/corevm-project/corevm/internal/coordinator"
	"github.com/corevm-project/corevm/vm"
)

func main() {
	archFlag := flag.String("arch", "x86_64", "guest architecture: x86_64, aarch64, riscv64sv39, riscv64sv48")
	memSize := flag.Uint64("mem", 16*1024*1024, "guest physical memory size in bytes")
	imagePath := flag.String("image", "", "path to a flat binary image loaded at guest PA 0")
	entry := flag.Uint64("entry", 0, "initial PC")
	flag.Parse()

	arch, err := parseArch(*archFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, "coreinspect:", err)
		os.Exit(1)
	}

	machine, err := vm.CreateVM(vm.Config{
		Arch:        arch,
		MemorySize:  *memSize,
		VCPUCount:   1,
		SyncCompile: true,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "coreinspect: create_vm:", err)
		os.Exit(1)
	}
	defer machine.Close()

	if *imagePath != "" {
		data, err := os.ReadFile(*imagePath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "coreinspect: reading image:", err)
			os.Exit(1)
		}
		if err := machine.LoadImage(0, data); err != nil {
			fmt.Fprintln(os.Stderr, "coreinspect: load_image:", err)
			os.Exit(1)
		}
	}

	if err := machine.SetRegisters(0, vm.Registers{PC: *entry}); err != nil {
		fmt.Fprintln(os.Stderr, "coreinspect: set_registers:", err)
		os.Exit(1)
	}

	runInteractive(machine)
}

func runInteractive(machine *vm.VM) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		// Non-interactive (piped stdin, CI): run to completion instead of
		// single-stepping, so the tool stays usable in scripts.
		status, err := machine.Run(0)
		printStatus(machine, status, err)
		return
	}

	oldState, err := term.MakeRaw(fd)
	if err != nil {
		fmt.Fprintln(os.Stderr, "coreinspect: raw mode:", err)
		os.Exit(1)
	}
	defer term.Restore(fd, oldState)

	fmt.Print("coreinspect: space=step  q=quit\r\n")
	buf := make([]byte, 1)
	for {
		if _, err := os.Stdin.Read(buf); err != nil {
			return
		}
		switch buf[0] {
		case 'q', 'Q', 0x03: // ctrl-c
			return
		case ' ':
			status, err := machine.Run(0)
			printStatus(machine, status, err)
		}
	}
}

func printStatus(machine *vm.VM, status coordinator.ExecStatus, err error) {
	regs, _ := machine.GetRegisters(0)
	if err != nil {
		fmt.Printf("error: %v\r\n", err)
		return
	}
	fmt.Printf("pc=0x%x status=%v\r\n", regs.PC, status)
}

func parseArch(s string) (vm.Arch, error) {
	switch s {
	case "x86_64":
		return vm.ArchX86_64, nil
	case "aarch64":
		return vm.ArchAArch64, nil
	case "riscv64sv39":
		return vm.ArchRISCV64Sv39, nil
	case "riscv64sv48":
		return vm.ArchRISCV64Sv48, nil
	default:
		return 0, fmt.Errorf("unknown architecture %q", s)
	}
}
