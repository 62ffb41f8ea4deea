// coordinator.go - Tiered execution loop

/*
Package coordinator implements spec §4.9's tiered execution loop: decode
on a block-cache miss, pick a tier for the resident entry, run it,
account the execution, and schedule a background compile once an
exec-count threshold is crossed. It is the one place in this repository
that knows about all three engines, the block cache, the decoder front
ends, and the safepoint/compile-queue machinery; every other package
stays engine- or tier-agnostic, matching spec §9's "narrow observer
interface on the coordinator only" design note.

Grounded on the teacher's coprocessor_manager.go for the overall shape (a
single mutex-guarded struct owning worker lifecycle and a ticket/queue of
background jobs) and on cpu_ie64.go's fetch-decode-execute-advance loop
for Step's body, generalised from one fixed opcode table to a block-cache
lookup plus tier dispatch.
*/
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/corevm-project/corevm/internal/addr"
	"github.com/corevm-project/corevm/internal/codecache"
	"github.com/corevm-project/corevm/internal/decode"
	"github.com/corevm-project/corevm/internal/engine/baseline"
	"github.com/corevm-project/corevm/internal/engine/interp"
	"github.com/corevm-project/corevm/internal/engine/optimizing"
	"github.com/corevm-project/corevm/internal/fault"
	"github.com/corevm-project/corevm/internal/ir"
	"github.com/corevm-project/corevm/internal/mmu"
	"github.com/corevm-project/corevm/internal/vendor"
)

// frontend is the common shape every per-architecture decoder satisfies
// (internal/decode/x86, /arm64, /riscv64); it is declared here rather
// than in internal/decode so those packages stay free of a coordinator
// dependency.
type frontend interface {
	Decode(pc ir.GuestPC, fetch func(n int) ([]byte, error)) (*ir.Block, error)
	RegisterVendor(vd decode.VendorDecoder)
	InvalidateCache()
}

// StatusKind mirrors spec §6's run() status enum, plus one internal-only
// value (StatusContinuing) Step uses to tell Run it should keep looping;
// StatusContinuing never escapes Run to an external caller.
type StatusKind int

const (
	StatusContinuing StatusKind = iota
	StatusHalted
	StatusFaulted
	StatusInterrupted
	StatusSyscallRequested
	StatusTimeout
	StatusSafepointReached
	StatusResourceExhausted
)

func (s StatusKind) String() string {
	switch s {
	case StatusContinuing:
		return "continuing"
	case StatusHalted:
		return "halted"
	case StatusFaulted:
		return "faulted"
	case StatusInterrupted:
		return "interrupted"
	case StatusSyscallRequested:
		return "syscall_requested"
	case StatusTimeout:
		return "timeout"
	case StatusSafepointReached:
		return "safepoint_reached"
	default:
		return "resource_exhausted"
	}
}

// ExecStatus is returned from Step/Run (spec §6 run()).
type ExecStatus struct {
	Kind StatusKind
	Code int64       // halted(code)
	PC   ir.GuestPC  // faulted(cause, pc)
	Cause fault.Cause // faulted(cause, pc)
	Vector uint32     // interrupted(vector)
}

// String renders a human-readable summary, used by cmd/coreinspect.
func (s ExecStatus) String() string {
	switch s.Kind {
	case StatusHalted:
		return fmt.Sprintf("halted(%d)", s.Code)
	case StatusFaulted:
		return fmt.Sprintf("faulted(%s, pc=0x%x)", s.Cause, uint64(s.PC))
	case StatusInterrupted:
		return fmt.Sprintf("interrupted(%d)", s.Vector)
	default:
		return s.Kind.String()
	}
}

// VCPU is one guest hardware thread's architectural state plus its
// cooperative-scheduling budget (spec §5 "Cancellation and timeouts").
// DeadlineNanos is an absolute clock-source reading after which Step
// reports a timeout; 0 means no deadline. Checked only at block
// boundaries (the suspension points), so cancellation stays cooperative.
type VCPU struct {
	ID            int
	Regs          interp.Regs
	TicksLeft     int64 // CPU-time budget in ticks; <0 means unlimited
	DeadlineNanos int64
	interrupts    chan uint32
}

// NewVCPU creates a vCPU with the given id and an unlimited tick budget.
func NewVCPU(id int) *VCPU {
	return &VCPU{ID: id, TicksLeft: -1, interrupts: make(chan uint32, 8)}
}

// Config selects the thresholds and background-compile behaviour (spec
// §4.9's baseline_threshold/optimized_threshold and "synchronous compile
// is also supported for test determinism").
type Config struct {
	BaselineThreshold  uint64
	OptimizedThreshold uint64
	SyncCompile        bool // compile inline instead of enqueueing a worker
	MaxConcurrentCompiles int64
	BlockCacheCapacity int
}

// DefaultConfig matches spec §8 scenario 5's literal thresholds.
func DefaultConfig() Config {
	return Config{
		BaselineThreshold:     100,
		OptimizedThreshold:    200,
		MaxConcurrentCompiles: 4,
		BlockCacheCapacity:    4096,
	}
}

// Coordinator owns the block cache, the per-architecture decoder, the
// three engines, and the background compile-worker pool.
type Coordinator struct {
	cfg Config

	mmu      *mmu.MMU
	cache    *codecache.Cache
	alloc    *codecache.Allocator
	decoder  frontend
	in       *interp.Interp
	baseC    *baseline.Compiler
	optC     *optimizing.Compiler
	safepoint *Safepoint
	clock    func() int64 // monotonic nanoseconds, external contract (spec §6)

	mu         sync.Mutex
	compiled   map[ir.GuestPC]*atomic.Pointer[baseline.Program]
	compiling  map[ir.GuestPC]bool

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	sem    *semaphore.Weighted

	tick      uint64
	lastEpoch uint64
	stats     Stats
}

// Stats are the coordinator's own counters, folded into the external
// stats() snapshot (spec §6).
type Stats struct {
	BaselineCompiles    uint64
	OptimizedCompiles   uint64
	DiamondsSynthesized uint64
}

// Stats returns a point-in-time copy of the compile counters.
func (c *Coordinator) Stats() Stats {
	return Stats{
		BaselineCompiles:    atomic.LoadUint64(&c.stats.BaselineCompiles),
		OptimizedCompiles:   atomic.LoadUint64(&c.stats.OptimizedCompiles),
		DiamondsSynthesized: atomic.LoadUint64(&c.stats.DiamondsSynthesized),
	}
}

// TierCounts reports how many resident blocks currently sit at each
// tier, the "tier distribution" half of spec §6's stats() contract.
func (c *Coordinator) TierCounts() (interpN, baselineN, optimizedN int) {
	c.cache.ForEach(func(e *codecache.Entry) {
		switch e.Tier {
		case codecache.TierBaseline:
			baselineN++
		case codecache.TierOptimized:
			optimizedN++
		default:
			interpN++
		}
	})
	return
}

// New creates a coordinator wired to m, using decoder as the front end
// for m's architecture and alloc as the shared code-page allocator for
// both JIT tiers.
func New(m *mmu.MMU, decoder frontend, alloc *codecache.Allocator, cfg Config) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	if cfg.MaxConcurrentCompiles <= 0 {
		cfg.MaxConcurrentCompiles = 1
	}
	in := interp.New(m)
	return &Coordinator{
		cfg:       cfg,
		mmu:       m,
		cache:     codecache.New(cfg.BlockCacheCapacity),
		alloc:     alloc,
		decoder:   decoder,
		in:        in,
		baseC:     baseline.New(alloc, in),
		optC:      optimizing.New(alloc, in),
		safepoint: NewSafepoint(),
		compiled:  make(map[ir.GuestPC]*atomic.Pointer[baseline.Program]),
		compiling: make(map[ir.GuestPC]bool),
		ctx:       ctx,
		cancel:    cancel,
		group:     group,
		sem:       semaphore.NewWeighted(cfg.MaxConcurrentCompiles),
	}
}

// Close cancels any in-flight background compiles and waits for the
// worker pool to drain.
func (c *Coordinator) Close() error {
	c.cancel()
	return c.group.Wait()
}

// SafepointHandle exposes the coordinator's safepoint handle so inject_interrupt
// and request_safepoint (spec §6) can reach it.
func (c *Coordinator) SafepointHandle() *Safepoint { return c.safepoint }

// SetClock installs the external monotonic clock source used for
// CPU-time deadlines (spec §6 "a clock source: monotonic nanoseconds").
func (c *Coordinator) SetClock(clock func() int64) { c.clock = clock }

// Clock returns the installed clock source, or nil.
func (c *Coordinator) Clock() func() int64 { return c.clock }

// RegisterVendorDecoder installs a decode-time vendor sub-decoder on this
// coordinator's front end, so bytes outside the base ISA lift into
// OpVendor IR ops (spec §4.4 vendor-extension sub-decoders).
func (c *Coordinator) RegisterVendorDecoder(vd decode.VendorDecoder) {
	c.decoder.RegisterVendor(vd)
}

// RegisterVendorHandler installs a run-time handler for OpVendor ops
// carrying h's tag, so the interpreter (and, through it, the JIT tiers'
// shared semantics) can execute them (spec §9 vendor escape handler
// table).
func (c *Coordinator) RegisterVendorHandler(h vendor.Handler) {
	c.in.VendorRegistry().Register(h)
}

// InjectInterrupt queues an interrupt vector for delivery the next time
// v reaches a suspension point (spec §6 inject_interrupt, asynchronous).
func (c *Coordinator) InjectInterrupt(v *VCPU, vector uint32) {
	select {
	case v.interrupts <- vector:
	default:
		// Channel full: the vCPU has a backlog of undelivered interrupts.
		// Drop the oldest to make room rather than block the caller,
		// since inject_interrupt is documented as asynchronous/fire-and-forget.
		select {
		case <-v.interrupts:
		default:
		}
		v.interrupts <- vector
	}
}

// Step runs exactly one iteration of spec §4.9's loop for v and returns
// its ExecStatus. The caller drives the pc/regs forward across calls;
// Step never loops internally.
func (c *Coordinator) Step(v *VCPU) (ExecStatus, error) {
	// A requested safepoint is a real terminal status, not something to
	// block through here: the external caller must observe it, release
	// the safepoint, and call Run/Step again (spec §6 run()). Blocking in
	// Safepoint.Poll at this point would deadlock the common case where
	// the same caller that must release the safepoint is the one driving
	// this Step call.
	if c.safepoint.Requested() {
		return ExecStatus{Kind: StatusSafepointReached}, nil
	}

	if c.clock != nil && v.DeadlineNanos > 0 && c.clock() >= v.DeadlineNanos {
		return ExecStatus{Kind: StatusTimeout}, nil
	}

	select {
	case vec := <-v.interrupts:
		return ExecStatus{Kind: StatusInterrupted, Vector: vec}, nil
	default:
	}

	entry, ok := c.cache.Lookup(v.Regs.PC)
	if !ok {
		block, err := c.decodeAt(v.Regs.PC)
		if err != nil {
			return c.handleDecodeErr(v, err)
		}
		entry = c.cache.Insert(block)
	}

	result, err := c.runTier(entry, v)
	if err != nil {
		return c.handleDecodeErr(v, err)
	}

	atomic.AddUint64(&entry.ExecCount, 1)
	// Branch-history bias, gathered while the block still runs under
	// the interpreter (a chained compiled block's NextPC reflects the
	// whole chain, not this block's branch).
	if entry.Tier == codecache.TierInterpreter &&
		entry.IR.Term.Kind == ir.TermCondJmp && result.NextPC == entry.IR.Term.Target {
		atomic.AddUint64(&entry.TakenCount, 1)
	}
	c.tick++

	// A guest-issued TLB flush (TlbFlush IR op) bumps the TLB epoch;
	// every cached translation of code is then conservatively stale too
	// (the flush is the only architectural signal a self-modifying guest
	// gives). Re-decoding the same PCs afterwards is legal and expected.
	// Checked before scheduling a compile so a just-flushed block is not
	// immediately recompiled from stale IR.
	if ep := c.mmu.Epoch(); ep != c.lastEpoch {
		c.lastEpoch = ep
		c.flushTranslations()
	} else {
		c.maybeScheduleCompile(entry)
	}

	v.Regs.PC = result.NextPC
	if v.TicksLeft > 0 {
		v.TicksLeft--
	}

	if v.TicksLeft == 0 {
		return ExecStatus{Kind: StatusTimeout}, nil
	}

	switch result.Status {
	case interp.StatusHalted:
		return ExecStatus{Kind: StatusHalted, Code: int64(v.Regs.GPR[0])}, nil
	case interp.StatusFaulted:
		return ExecStatus{Kind: StatusFaulted, Cause: result.Cause, PC: result.NextPC}, nil
	case interp.StatusInterrupted:
		return ExecStatus{Kind: StatusInterrupted, Vector: result.Vector}, nil
	case interp.StatusSyscall:
		return ExecStatus{Kind: StatusSyscallRequested}, nil
	case interp.StatusYielded:
		// The interpreter handed control back after its step budget; the
		// coordinator is the task scheduler that reentry point serves, so
		// from the external caller's view execution simply continues. A
		// cooperative single-threaded host drives Step directly and sees
		// the block boundary either way.
		return ExecStatus{Kind: StatusContinuing}, nil
	default: // interp.StatusContinue
		return ExecStatus{Kind: StatusContinuing}, nil
	}
}

// Run drives Step until a status other than the internal "keep looping"
// one is produced, or maxSteps block-cache iterations have run (0 means
// unbounded). This is the loop spec §4.9 describes; Step is one
// iteration of it.
func (c *Coordinator) Run(v *VCPU, maxSteps int) (ExecStatus, error) {
	for i := 0; maxSteps <= 0 || i < maxSteps; i++ {
		status, err := c.Step(v)
		if err != nil {
			return status, err
		}
		if status.Kind != StatusContinuing {
			return status, nil
		}
	}
	return ExecStatus{Kind: StatusTimeout}, nil
}

func (c *Coordinator) decodeAt(pc ir.GuestPC) (*ir.Block, error) {
	fetch := func(n int) ([]byte, error) {
		return c.mmu.FetchInsn(addr.GuestAddr(pc), uint64(n))
	}
	return c.decoder.Decode(pc, fetch)
}

func (c *Coordinator) handleDecodeErr(v *VCPU, err error) (ExecStatus, error) {
	if pf, ok := err.(*fault.PageFault); ok {
		return ExecStatus{Kind: StatusFaulted, Cause: pf.Cause, PC: v.Regs.PC}, nil
	}
	if ef, ok := err.(*fault.ExecFault); ok {
		return ExecStatus{Kind: StatusFaulted, Cause: ef.Cause, PC: v.Regs.PC}, nil
	}
	if _, ok := err.(*fault.ResourceError); ok {
		return ExecStatus{Kind: StatusResourceExhausted}, nil
	}
	return ExecStatus{}, fmt.Errorf("coordinator: step at pc=0x%x: %w", uint64(v.Regs.PC), err)
}

// runTier dispatches entry to the engine backing its current tier,
// falling back to the interpreter if a promotion has been scheduled but
// the background compile has not yet swapped in a compiled Program
// (spec §4.9: "the interpreter or baseline tier continues running in
// the meantime").
func (c *Coordinator) runTier(entry *codecache.Entry, v *VCPU) (interp.Result, error) {
	if entry.Tier != codecache.TierInterpreter {
		if prog := c.lookupCompiled(entry.PC); prog != nil {
			// Chained execution polls between blocks so a requested
			// safepoint or an expired deadline hands control back to the
			// dispatcher instead of staying inside the chain (spec §5
			// suspension points, §8 property 8).
			poll := func() bool {
				if c.safepoint.Requested() {
					return false
				}
				if c.clock != nil && v.DeadlineNanos > 0 && c.clock() >= v.DeadlineNanos {
					return false
				}
				return true
			}
			return prog.RunWithPoll(&v.Regs, poll), nil
		}
	}
	return c.in.Run(entry.IR, &v.Regs)
}

func (c *Coordinator) lookupCompiled(pc ir.GuestPC) *baseline.Program {
	c.mu.Lock()
	ptr, ok := c.compiled[pc]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return ptr.Load()
}

// flushTranslations drops every cached translation product: resident
// block-cache entries, compiled Programs (chain pointers die with
// them), and the decoder's memoized blocks.
func (c *Coordinator) flushTranslations() {
	c.mu.Lock()
	var progs []*baseline.Program
	for _, ptr := range c.compiled {
		if p := ptr.Load(); p != nil {
			progs = append(progs, p)
		}
	}
	c.compiled = make(map[ir.GuestPC]*atomic.Pointer[baseline.Program])
	c.mu.Unlock()

	var pcs []ir.GuestPC
	c.cache.ForEach(func(e *codecache.Entry) { pcs = append(pcs, e.PC) })
	for _, pc := range pcs {
		c.cache.Evict(pc, func(codecache.CodePtr) {})
	}
	for _, p := range progs {
		p.ExitSlot().Chained = nil
		_ = p.Recycle(c.alloc)
	}
	c.decoder.InvalidateCache()
}

// EvictBlock removes one block's translation products: its cache entry,
// its compiled Program, and - per spec §8 property 7 - every chain edge
// patched into its code, so a chained predecessor falls back to the
// dispatcher instead of stale code.
func (c *Coordinator) EvictBlock(pc ir.GuestPC) {
	c.mu.Lock()
	var victim *baseline.Program
	if ptr, ok := c.compiled[pc]; ok {
		victim = ptr.Load()
		delete(c.compiled, pc)
	}
	if victim != nil {
		for _, ptr := range c.compiled {
			if prog := ptr.Load(); prog != nil && prog.ExitSlot().Chained == victim {
				prog.ExitSlot().Chained = nil
			}
		}
	}
	c.mu.Unlock()

	c.cache.Evict(pc, func(codecache.CodePtr) {})
	if victim != nil {
		_ = victim.Recycle(c.alloc)
	}
}

// maybeScheduleCompile implements spec §4.9's two threshold checks.
func (c *Coordinator) maybeScheduleCompile(entry *codecache.Entry) {
	switch {
	case entry.Tier == codecache.TierInterpreter && entry.ExecCount >= c.cfg.BaselineThreshold:
		c.scheduleCompile(entry, codecache.TierBaseline)
	case entry.Tier == codecache.TierBaseline && entry.ExecCount >= c.cfg.OptimizedThreshold:
		c.scheduleCompile(entry, codecache.TierOptimized)
	}
}
