package vm

import "github.com/notdroplt/snvm/isa"

// Step fetches, decodes and executes exactly one instruction. It is a
// no-op once the thread has halted. Any CPU-raised fault (invalid
// opcode, division by zero, out-of-bounds access) is routed through
// Fault exactly like the guest's own pcall opcode, per spec.md §4.3.
func (t *Thread) Step() {
	if t.halted {
		return
	}

	word, ok := t.fetchWord(t.pc)
	if !ok {
		t.Fault(PageFault)
		return
	}
	t.pc += 8

	if t.counters != nil {
		t.counters.RecordInstruction(word.Opcode())
	}

	t.execute(isa.Op(word.Opcode()), word)
	t.setZero()
}

// Run steps the thread until it halts.
func (t *Thread) Run() {
	for !t.halted {
		t.Step()
	}
}

// RunN steps the thread at most n times, stopping early if it halts.
// It returns the number of instructions actually executed.
func (t *Thread) RunN(n int) int {
	i := 0
	for ; i < n && !t.halted; i++ {
		t.Step()
	}
	return i
}

// execute dispatches a single decoded instruction. pc has already been
// advanced past the instruction word by Step, matching spec.md §4.4's
// fetch/increment/decode/execute order: every formula below that reads
// t.pc is reading the already-advanced value.
func (t *Thread) execute(op isa.Op, word isa.Word) {
	switch op {
	// --- group 0: bitwise (R-form) ---
	case isa.OpAnd, isa.OpOr, isa.OpXor, isa.OpLls, isa.OpLrs:
		r := isa.DecodeR(word)
		t.SetReg(r.Rd, bitwiseR(op, t.Reg(r.R1), t.Reg(r.R2)))
	case isa.OpNot:
		r := isa.DecodeR(word)
		t.SetReg(r.Rd, ^t.Reg(r.R1))
	case isa.OpCnt:
		r := isa.DecodeR(word)
		t.SetReg(r.Rd, uint64(popcount(t.Reg(r.R1))))

	// --- group 0: bitwise immediate (S-form) ---
	case isa.OpAndI, isa.OpOrI, isa.OpXorI, isa.OpLlsI, isa.OpLrsI:
		s := isa.DecodeS(word)
		t.SetReg(s.Rd, bitwiseS(op, t.Reg(s.R1), s))

	// --- group 1: arithmetic (R-form) ---
	case isa.OpAdd:
		r := isa.DecodeR(word)
		t.SetReg(r.Rd, t.Reg(r.R1)+t.Reg(r.R2))
	case isa.OpSub:
		r := isa.DecodeR(word)
		t.SetReg(r.Rd, t.Reg(r.R1)-t.Reg(r.R2))
	case isa.OpUmul:
		r := isa.DecodeR(word)
		t.SetReg(r.Rd, t.Reg(r.R1)*t.Reg(r.R2))
	case isa.OpSmul:
		r := isa.DecodeR(word)
		t.SetReg(r.Rd, uint64(int64(t.Reg(r.R1))*int64(t.Reg(r.R2))))
	case isa.OpUdiv:
		r := isa.DecodeR(word)
		d := t.Reg(r.R2)
		if d == 0 {
			t.Fault(DivisionByZero)
			return
		}
		t.SetReg(r.Rd, t.Reg(r.R1)/d)
	case isa.OpSdiv:
		r := isa.DecodeR(word)
		d := int64(t.Reg(r.R2))
		if d == 0 {
			t.Fault(DivisionByZero)
			return
		}
		t.SetReg(r.Rd, uint64(int64(t.Reg(r.R1))/d))

	// --- group 1: arithmetic immediate (S-form) ---
	case isa.OpAddI:
		s := isa.DecodeS(word)
		t.SetReg(s.Rd, t.Reg(s.R1)+uint64(s.SignedImm()))
	case isa.OpSubI:
		s := isa.DecodeS(word)
		t.SetReg(s.Rd, t.Reg(s.R1)-uint64(s.SignedImm()))
	case isa.OpUmulI:
		s := isa.DecodeS(word)
		t.SetReg(s.Rd, t.Reg(s.R1)*s.UnsignedImm())
	case isa.OpSmulI:
		s := isa.DecodeS(word)
		t.SetReg(s.Rd, uint64(int64(t.Reg(s.R1))*s.SignedImm()))
	case isa.OpUdivI:
		// quirk (spec.md §9): the divisor is not the immediate itself
		// but the register the immediate indexes, regs[imm].
		s := isa.DecodeS(word)
		d := t.Reg(uint8(s.Imm))
		if d == 0 {
			t.Fault(DivisionByZero)
			return
		}
		t.SetReg(s.Rd, t.Reg(s.R1)/d)
	case isa.OpSdivI:
		s := isa.DecodeS(word)
		d := int64(t.Reg(uint8(s.Imm)))
		if d == 0 {
			t.Fault(DivisionByZero)
			return
		}
		t.SetReg(s.Rd, uint64(int64(t.Reg(s.R1))/d))

	// --- group 1: calls and stack (mixed forms) ---
	case isa.OpCall:
		// call rd, r1, r2: r1 is the stack pointer, r2 the base pointer,
		// rd holds the jump target. Pushes {bp, return-pc} and opens a
		// new frame by pointing bp at the bumped sp.
		r := isa.DecodeR(word)
		sp := t.Reg(r.R1)
		bp := t.Reg(r.R2)
		target := t.Reg(r.Rd)
		if !t.mem.Place64(sp, bp) {
			t.Fault(MemoryLimit)
			return
		}
		if !t.mem.Place64(sp+8, t.pc+8) {
			t.Fault(MemoryLimit)
			return
		}
		sp += 16
		t.SetReg(r.R1, sp)
		t.SetReg(r.R2, sp)
		t.pc = target
	case isa.OpRetn:
		// retn r1, r2: pops the frame call pushed, restoring bp and pc.
		r := isa.DecodeR(word)
		sp := t.Reg(r.R1) - 16
		bp, ok := t.mem.Fetch64(sp)
		if !ok {
			t.Fault(MemoryLimit)
			return
		}
		ret, ok := t.mem.Fetch64(sp + 8)
		if !ok {
			t.Fault(MemoryLimit)
			return
		}
		t.SetReg(r.R1, sp)
		t.SetReg(r.R2, bp)
		t.pc = ret
	case isa.OpPush:
		// push rd, r1, imm: r1 is the stack pointer, imm a register index
		// (spec.md §9 quirk) whose value is added to regs[rd] before the
		// store. Post-increments r1 by 8.
		s := isa.DecodeS(word)
		addr := t.Reg(s.R1)
		v := t.Reg(s.Rd) + t.Reg(uint8(s.Imm))
		if !t.mem.Place64(addr, v) {
			t.Fault(MemoryLimit)
			return
		}
		t.SetReg(s.R1, addr+8)
	case isa.OpPull:
		// pull rd, r1: predecrements r1 by 8, then reads through it.
		r := isa.DecodeR(word)
		addr := t.Reg(r.R1) - 8
		v, ok := t.mem.Fetch64(addr)
		if !ok {
			t.Fault(MemoryLimit)
			return
		}
		t.SetReg(r.R1, addr)
		t.SetReg(r.Rd, v)

	// --- group 2: memory access (S-form) ---
	case isa.OpLdb, isa.OpLdh, isa.OpLdw, isa.OpLdd:
		t.load(op, word)
	case isa.OpStb, isa.OpSth, isa.OpStw, isa.OpStd:
		t.store(op, word)

	// --- group 2: branches (S-form, pc-relative) ---
	case isa.OpJalr:
		s := isa.DecodeS(word)
		ret := t.pc + 8
		target := t.pc + t.Reg(s.R1) + uint64(s.SignedImm())
		t.SetReg(s.Rd, ret)
		t.pc = target
	case isa.OpJe, isa.OpJne, isa.OpJgu, isa.OpJgs, isa.OpJleu, isa.OpJles:
		t.branch(op, word)

	// --- group 2: jal (L-form) ---
	case isa.OpJal:
		l := isa.DecodeL(word)
		ret := t.pc + 8
		t.SetReg(l.R1, ret)
		t.pc = uint64(int64(t.pc) + l.SignedImm())

	// --- group 3: set (R-form) ---
	case isa.OpSetgu, isa.OpSetgs, isa.OpSetleu, isa.OpSetles:
		r := isa.DecodeR(word)
		t.SetReg(r.Rd, boolToWord(setCompare(op, t.Reg(r.R1), t.Reg(r.R2))))

	// --- group 3: upper-immediate and pcall (L-form) ---
	case isa.OpLui:
		l := isa.DecodeL(word)
		t.SetReg(l.R1, t.Reg(l.R1)|(l.UnsignedImm()<<13))
	case isa.OpAuipc:
		l := isa.DecodeL(word)
		t.SetReg(l.R1, t.pc+(l.UnsignedImm()<<13))
	case isa.OpPcall:
		l := isa.DecodeL(word)
		kind := PcallKind(l.SignedImm())
		t.Fault(kind)

	default:
		t.regs[RegPcall1st] = uint64(byte(op))
		t.Fault(InvalidInstruction)
	}
}

func (t *Thread) load(op isa.Op, word isa.Word) {
	s := isa.DecodeS(word)
	addr := t.Reg(s.R1) + uint64(s.SignedImm())
	var v uint64
	var ok bool
	switch op {
	case isa.OpLdb:
		var b uint8
		b, ok = t.mem.Fetch8(addr)
		v = uint64(b)
	case isa.OpLdh:
		var h uint16
		h, ok = t.mem.Fetch16(addr)
		v = uint64(h)
	case isa.OpLdw:
		var w uint32
		w, ok = t.mem.Fetch32(addr)
		v = uint64(w)
	case isa.OpLdd:
		v, ok = t.mem.Fetch64(addr)
	}
	if !ok {
		t.Fault(MemoryLimit)
		return
	}
	t.SetReg(s.Rd, v)
}

// store writes regs[r1] to the address regs[rd]+imm: the address and
// value operands are swapped relative to load (spec.md §4.5 group-2
// preamble).
func (t *Thread) store(op isa.Op, word isa.Word) {
	s := isa.DecodeS(word)
	addr := t.Reg(s.Rd) + uint64(s.SignedImm())
	v := t.Reg(s.R1)
	var ok bool
	switch op {
	case isa.OpStb:
		ok = t.mem.Place8(addr, uint8(v))
	case isa.OpSth:
		ok = t.mem.Place16(addr, uint16(v))
	case isa.OpStw:
		ok = t.mem.Place32(addr, uint32(v))
	case isa.OpStd:
		ok = t.mem.Place64(addr, v)
	}
	if !ok {
		t.Fault(MemoryLimit)
	}
}

func (t *Thread) branch(op isa.Op, word isa.Word) {
	s := isa.DecodeS(word)
	a, b := t.Reg(s.Rd), t.Reg(s.R1)
	taken := false
	switch op {
	case isa.OpJe:
		taken = a == b
	case isa.OpJne:
		taken = a != b
	case isa.OpJgu:
		taken = a > b
	case isa.OpJgs:
		taken = int64(a) > int64(b)
	case isa.OpJleu:
		taken = a <= b
	case isa.OpJles:
		taken = int64(a) <= int64(b)
	}
	if !taken {
		return
	}
	t.pc = uint64(int64(t.pc) + s.SignedImm())
}

// bitwiseR's shift cases rely on Go's native shift semantics: a count
// of 64 or more on a uint64 already yields 0, matching spec.md §4.5's
// "if right operand >= 64, result is 0".
func bitwiseR(op isa.Op, a, b uint64) uint64 {
	switch op {
	case isa.OpAnd:
		return a & b
	case isa.OpOr:
		return a | b
	case isa.OpXor:
		return a ^ b
	case isa.OpLls:
		return a << b
	case isa.OpLrs:
		return a >> b
	}
	return 0
}

func bitwiseS(op isa.Op, a uint64, s isa.S) uint64 {
	switch op {
	case isa.OpAndI:
		return a & s.UnsignedImm()
	case isa.OpOrI:
		return a | s.UnsignedImm()
	case isa.OpXorI:
		return a ^ s.UnsignedImm()
	case isa.OpLlsI:
		return a << s.UnsignedImm()
	case isa.OpLrsI:
		return a >> s.UnsignedImm()
	}
	return 0
}

func setCompare(op isa.Op, a, b uint64) bool {
	switch op {
	case isa.OpSetgu:
		return a > b
	case isa.OpSetgs:
		return int64(a) > int64(b)
	case isa.OpSetleu:
		return a <= b
	case isa.OpSetles:
		return int64(a) <= int64(b)
	}
	return false
}

func boolToWord(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func popcount(v uint64) int {
	n := 0
	for v != 0 {
		v &= v - 1
		n++
	}
	return n
}
