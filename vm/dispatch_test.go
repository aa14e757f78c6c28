package vm_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/notdroplt/snvm/isa"
	"github.com/notdroplt/snvm/vm"
)

func place(mem *vm.Memory, addr uint64, w isa.Word) {
	mem.Place64(addr, uint64(w))
}

var _ = Describe("Thread dispatch", func() {
	var (
		mem    *vm.Memory
		thread *vm.Thread
	)

	BeforeEach(func() {
		mem = vm.NewMemory(4096)
		thread = vm.NewThread(mem, vm.WithEntryPoint(0), vm.WithStackPointer(2048))
	})

	Describe("bitwise and arithmetic", func() {
		It("executes add rd, r1, r2 and advances pc by 8", func() {
			thread.SetReg(1, 10)
			thread.SetReg(2, 5)
			place(mem, 0, isa.R{Opcode: byte(isa.OpAdd), R1: 1, R2: 2, Rd: 3}.Encode())

			thread.Step()

			Expect(thread.Reg(3)).To(Equal(uint64(15)))
			Expect(thread.PC()).To(Equal(uint64(8)))
		})

		It("never lets regs[0] hold a written value", func() {
			thread.SetReg(1, 10)
			place(mem, 0, isa.R{Opcode: byte(isa.OpAdd), R1: 1, R2: 1, Rd: 0}.Encode())

			thread.Step()

			Expect(thread.Reg(0)).To(Equal(uint64(0)))
		})

		It("raises DivisionByZero instead of panicking on udiv by zero", func() {
			// operands avoid r1, the stack pointer the fault's context save uses
			thread.SetReg(4, 10)
			thread.SetReg(5, 0)
			place(mem, 0, isa.R{Opcode: byte(isa.OpUdiv), R1: 4, R2: 5, Rd: 3}.Encode())

			thread.Step()

			Expect(thread.PcallState()).To(Equal(vm.DivisionByZero))
		})
	})

	Describe("udivi/sdivi immediate-as-register-index quirk", func() {
		It("divides by regs[imm], not by the immediate's literal value", func() {
			thread.SetReg(1, 100)
			thread.SetReg(4, 5) // the actual divisor lives in regs[4]
			place(mem, 0, isa.S{Opcode: byte(isa.OpUdivI), R1: 1, Rd: 2, Imm: 4}.Encode())

			thread.Step()

			Expect(thread.Reg(2)).To(Equal(uint64(20)))
		})
	})

	Describe("push/pull stack quirk", func() {
		It("push stores regs[rd]+regs[imm] at regs[r1], post-incrementing r1", func() {
			thread.SetReg(1, 2048) // r1 is the stack pointer
			thread.SetReg(2, 0x0A) // rd holds an addend
			thread.SetReg(9, 0xCAFE)
			place(mem, 0, isa.S{Opcode: byte(isa.OpPush), R1: 1, Rd: 2, Imm: 9}.Encode())

			thread.Step()

			Expect(thread.Reg(1)).To(Equal(uint64(2056)))
			v, ok := mem.Fetch64(2048)
			Expect(ok).To(BeTrue())
			Expect(v).To(Equal(uint64(0xCB08)))
		})

		It("pull predecrements r1 by 8, then loads through it into rd", func() {
			mem.Place64(2040, 0xBEEF)
			thread.SetReg(1, 2048)
			place(mem, 0, isa.R{Opcode: byte(isa.OpPull), R1: 1, Rd: 2}.Encode())

			thread.Step()

			Expect(thread.Reg(1)).To(Equal(uint64(2040)))
			Expect(thread.Reg(2)).To(Equal(uint64(0xBEEF)))
		})
	})

	Describe("call/retn stack frames", func() {
		It("call pushes bp and the return pc, opens a new frame, and jumps to rd", func() {
			thread.SetReg(1, 2048) // r1: stack pointer
			thread.SetReg(2, 512)  // r2: caller's base pointer
			thread.SetReg(3, 4096) // rd: call target
			place(mem, 0, isa.R{Opcode: byte(isa.OpCall), R1: 1, R2: 2, Rd: 3}.Encode())

			thread.Step()

			Expect(thread.PC()).To(Equal(uint64(4096)))
			Expect(thread.Reg(1)).To(Equal(uint64(2064)))
			Expect(thread.Reg(2)).To(Equal(uint64(2064)))
			savedBp, ok := mem.Fetch64(2048)
			Expect(ok).To(BeTrue())
			Expect(savedBp).To(Equal(uint64(512)))
			savedPc, ok := mem.Fetch64(2056)
			Expect(ok).To(BeTrue())
			Expect(savedPc).To(Equal(uint64(16)))
		})

		It("retn pops the frame call pushed, restoring bp and pc", func() {
			thread.SetReg(1, 2048)
			thread.SetReg(2, 512)
			thread.SetReg(3, 1024)
			place(mem, 0, isa.R{Opcode: byte(isa.OpCall), R1: 1, R2: 2, Rd: 3}.Encode())
			place(mem, 1024, isa.R{Opcode: byte(isa.OpRetn), R1: 1, R2: 2}.Encode())

			thread.Step()
			thread.Step()

			Expect(thread.PC()).To(Equal(uint64(16)))
			Expect(thread.Reg(1)).To(Equal(uint64(2048)))
			Expect(thread.Reg(2)).To(Equal(uint64(512)))
		})
	})

	Describe("memory access", func() {
		It("stores regs[r1] at regs[rd]+imm and loads it back", func() {
			thread.SetReg(1, 0x1122334455667788) // r1: value source
			thread.SetReg(2, 100)                // rd: address base
			place(mem, 0, isa.S{Opcode: byte(isa.OpStd), Rd: 2, R1: 1, Imm: 0}.Encode())
			place(mem, 8, isa.S{Opcode: byte(isa.OpLdd), R1: 2, Rd: 3, Imm: 0}.Encode())

			thread.Step()
			thread.Step()

			Expect(thread.Reg(3)).To(Equal(uint64(0x1122334455667788)))
		})

		It("raises MemoryLimit on an out-of-bounds store", func() {
			// address in r4, so r1 stays a valid stack pointer for the context save
			thread.SetReg(4, 1<<32)
			place(mem, 0, isa.S{Opcode: byte(isa.OpStd), R1: 4, Rd: 4, Imm: 0}.Encode())

			thread.Step()

			Expect(thread.PcallState()).To(Equal(vm.MemoryLimit))
		})
	})

	Describe("branches", func() {
		It("takes je relative to the already-advanced pc", func() {
			thread.SetReg(1, 7)
			thread.SetReg(2, 7)
			place(mem, 0, isa.S{Opcode: byte(isa.OpJe), Rd: 1, R1: 2, Imm: 16}.Encode())

			thread.Step()

			Expect(thread.PC()).To(Equal(uint64(24)))
		})

		It("falls through to pc+8 when the condition is false", func() {
			thread.SetReg(1, 7)
			thread.SetReg(2, 9)
			place(mem, 0, isa.S{Opcode: byte(isa.OpJe), Rd: 1, R1: 2, Imm: 16}.Encode())

			thread.Step()

			Expect(thread.PC()).To(Equal(uint64(8)))
		})
	})

	Describe("shift cap", func() {
		It("llsi rd=3, r1=1, imm=128 leaves regs[3] at 0", func() {
			thread.SetReg(1, 0xFFFFFFFFFFFFFFFF)
			place(mem, 0, isa.S{Opcode: byte(isa.OpLlsI), R1: 1, Rd: 3, Imm: 128}.Encode())

			thread.Step()

			Expect(thread.Reg(3)).To(Equal(uint64(0)))
		})

		It("caps lrs to 0 for any register-supplied shift amount >= 64", func() {
			thread.SetReg(1, 0xFFFFFFFFFFFFFFFF)
			thread.SetReg(2, 64)
			place(mem, 0, isa.R{Opcode: byte(isa.OpLrs), R1: 1, R2: 2, Rd: 3}.Encode())

			thread.Step()

			Expect(thread.Reg(3)).To(Equal(uint64(0)))
		})
	})

	Describe("upper immediate", func() {
		It("lui shifts the immediate left by 13 bits and ORs into the register", func() {
			place(mem, 0, isa.L{Opcode: byte(isa.OpLui), R1: 1, Imm: 1}.Encode())

			thread.Step()

			// r1 already holds the stack pointer 2048 set in BeforeEach
			Expect(thread.Reg(1)).To(Equal(uint64(2048) | uint64(1)<<13))
		})

		It("auipc adds the shifted immediate to the already-advanced pc", func() {
			place(mem, 0, isa.L{Opcode: byte(isa.OpAuipc), R1: 1, Imm: 1}.Encode())

			thread.Step()

			Expect(thread.Reg(1)).To(Equal(uint64(1<<13) + 8))
		})
	})

	Describe("unknown opcode", func() {
		It("raises InvalidInstruction and records the opcode for the handler", func() {
			place(mem, 0, isa.R{Opcode: 0x07, R1: 0, R2: 0, Rd: 0}.Encode())

			thread.Step()

			Expect(thread.PcallState()).To(Equal(vm.InvalidInstruction))
			Expect(thread.Reg(vm.RegPcall1st)).To(Equal(uint64(0x07)))
		})
	})
})
