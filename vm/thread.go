// Package vm implements the Supernova register-machine execution
// engine: typed bounded memory, the 16-register thread state, the
// processor-call fault-escalation ladder, and the fetch-decode-execute
// dispatch loop (spec.md §3/§4).
package vm

import (
	"fmt"

	"github.com/notdroplt/snvm/isa"
	"github.com/notdroplt/snvm/model"
	"github.com/notdroplt/snvm/vm/stats"
)

// RegStackPointer is the conventional stack-pointer register. Unlike
// the pcall-ABI slots in pcall.go, this is software convention only —
// dispatch never dereferences it except through push/pull/call/retn
// and the context-save path in vector.
const RegStackPointer = 1

// Thread is one Supernova execution context: 16 general-purpose
// registers (regs[0] hardwired to zero), a program counter, an
// interrupt-vector-table base, and the memory it is bound to. A
// *model.Descriptor is shared read-only across every thread built
// against the same engine (spec.md §5).
type Thread struct {
	regs   [16]uint64
	pc     uint64
	intvec uint64

	mem   *Memory
	model *model.Descriptor

	pcallState PcallKind
	signal     Signal
	halted     bool

	counters *stats.Counters
}

// Option configures a Thread at construction time, following the
// teacher's functional-options convention (insts.WithXxx in the
// original emulator constructor).
type Option func(*Thread)

// WithEntryPoint sets the initial program counter.
func WithEntryPoint(pc uint64) Option {
	return func(t *Thread) { t.pc = pc }
}

// WithStackPointer sets the initial value of RegStackPointer.
func WithStackPointer(sp uint64) Option {
	return func(t *Thread) { t.regs[RegStackPointer] = sp }
}

// WithInterruptVector sets the base address of the interrupt vector
// table consulted by vector().
func WithInterruptVector(addr uint64) Option {
	return func(t *Thread) { t.intvec = addr }
}

// WithModel overrides the engine descriptor; defaults to model.Reference.
func WithModel(d *model.Descriptor) Option {
	return func(t *Thread) { t.model = d }
}

// WithCounters attaches an instrumentation Counters instance. Without
// this option dispatch runs uninstrumented (SPEC_FULL.md §4.8).
func WithCounters(c *stats.Counters) Option {
	return func(t *Thread) { t.counters = c }
}

// NewThread builds a Thread bound to mem, applying opts in order.
func NewThread(mem *Memory, opts ...Option) *Thread {
	t := &Thread{
		mem:        mem,
		model:      model.Reference,
		pcallState: NormalExecution,
		signal:     DoNotDestroy,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Reg reads a general-purpose register. Reg(0) always returns 0.
func (t *Thread) Reg(i uint8) uint64 {
	return t.regs[i&0xF]
}

// SetReg writes a general-purpose register. Writes to register 0 are
// silently discarded, matching the hardwired-zero invariant
// (spec.md §3, §4.4: "regs[0] reads as zero no matter what is written").
func (t *Thread) SetReg(i uint8, v uint64) {
	if i&0xF == RegZero {
		return
	}
	t.regs[i&0xF] = v
}

func (t *Thread) setZero() {
	t.regs[RegZero] = 0
}

// PC returns the current program counter.
func (t *Thread) PC() uint64 { return t.pc }

// Memory returns the thread's bound memory.
func (t *Thread) Memory() *Memory { return t.mem }

// Model returns the thread's engine descriptor.
func (t *Thread) Model() *model.Descriptor { return t.model }

// Halted reports whether the dispatch loop should stop calling Step.
func (t *Thread) Halted() bool { return t.halted }

// Signal reports the terminal run state once Halted is true.
func (t *Thread) Signal() Signal { return t.signal }

// PcallState reports the current fault-escalation state.
func (t *Thread) PcallState() PcallKind { return t.pcallState }

// Fault raises kind through the processor-call mechanism, exactly as
// if the guest had executed `pcall kind` (spec.md §4.3). Used both by
// dispatch's own CPU-raised faults (InvalidInstruction, PageFault, ...)
// and by the pcall opcode handler itself.
func (t *Thread) Fault(kind PcallKind) {
	if t.counters != nil {
		t.counters.RecordFault(int(kind))
	}
	t.dispatchPcall(kind)
}

// fetchWord reads the 64-bit instruction word at pc; ok is false if pc
// falls outside memory, which Step turns into a PageFault.
func (t *Thread) fetchWord(pc uint64) (isa.Word, bool) {
	w, ok := t.mem.Fetch64(pc)
	return isa.Word(w), ok
}

// String renders a one-line state summary (pc, sp, pcall state,
// signal), used by snvm's -step trace.
func (t *Thread) String() string {
	return fmt.Sprintf("pc=%#016x sp=%#016x pcall=%s signal=%d",
		t.pc, t.regs[RegStackPointer], t.pcallState, t.signal)
}
