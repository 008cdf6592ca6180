package riscv

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/tinyrange/rvboot/internal/asm"
)

const (
	X0 asm.Variable = iota
	X1
	X2
	X3
	X4
	X5
	X6
	X7
	X8
	X9
	X10
	X11
	X12
	X13
	X14
	X15
	X16
	X17
	X18
	X19
	X20
	X21
	X22
	X23
	X24
	X25
	X26
	X27
	X28
	X29
	X30
	X31
)

// ABI register names.
const (
	Zero = X0
	RA   = X1
	SP   = X2
	GP   = X3
	TP   = X4
	T0   = X5
	T1   = X6
	T2   = X7
	S0   = X8
	S1   = X9
	A0   = X10
	A1   = X11
	A2   = X12
	A3   = X13
	A4   = X14
	A5   = X15
	A6   = X16
	A7   = X17
)

// Supervisor CSR numbers.
const (
	CSRSstatus uint32 = 0x100
	CSRSie     uint32 = 0x104
	CSRStvec   uint32 = 0x105
	CSRSatp    uint32 = 0x180
)

// SstatusSIE is the supervisor interrupt enable bit in sstatus.
const SstatusSIE = 1 << 1

type addImmediate struct {
	rd  asm.Variable
	rs1 asm.Variable
	imm int32
}

type shiftImmediate struct {
	rd    asm.Variable
	shamt uint32
	f3    uint32
	op    uint32
}

// AddRegImm emits ADDI rd, rd, imm.
func AddRegImm(rd asm.Variable, imm int32) asm.Fragment {
	return addImmediate{rd: rd, rs1: rd, imm: imm}
}

// Addi emits ADDI rd, rs1, imm.
func Addi(rd, rs1 asm.Variable, imm int32) asm.Fragment {
	return addImmediate{rd: rd, rs1: rs1, imm: imm}
}

// Mv copies rs into rd.
func Mv(rd, rs asm.Variable) asm.Fragment {
	return addImmediate{rd: rd, rs1: rs, imm: 0}
}

// MovImmediate loads an immediate into rd, using ADDI when possible and LUI+ADDI
// for wider values. When emitting values with bit 31 set, the result is
// zero-extended to avoid LUI sign-extension on RV64.
func MovImmediate(rd asm.Variable, value int64) asm.Fragment {
	return &loadImmediate{rd: rd, value: value}
}

type loadImmediate struct {
	rd    asm.Variable
	value int64
}

// Slli shifts rd left by shamt bits.
func Slli(rd asm.Variable, shamt uint32) asm.Fragment {
	return shiftImmediate{rd: rd, shamt: shamt, f3: 1, op: 0x13}
}

// Srli shifts rd right logically by shamt bits.
func Srli(rd asm.Variable, shamt uint32) asm.Fragment {
	return shiftImmediate{rd: rd, shamt: shamt, f3: 5, op: 0x13}
}

type store struct {
	rs2 asm.Variable
	rs1 asm.Variable
	imm int32
	f3  uint32
}

// MovToMemory writes rs2 to [rs1+imm] using SD.
func MovToMemory(base asm.Variable, src asm.Variable, imm int32) asm.Fragment {
	return store{rs1: base, rs2: src, imm: imm, f3: 3}
}

type load struct {
	rd  asm.Variable
	rs1 asm.Variable
	imm int32
	f3  uint32
}

// MovFromMemory loads [rs1+imm] into rd using LD.
func MovFromMemory(rd asm.Variable, base asm.Variable, imm int32) asm.Fragment {
	return load{rd: rd, rs1: base, imm: imm, f3: 3}
}

// LoadByteUnsigned loads the byte at [rs1+imm] into rd using LBU.
func LoadByteUnsigned(rd asm.Variable, base asm.Variable, imm int32) asm.Fragment {
	return load{rd: rd, rs1: base, imm: imm, f3: 4}
}

type branch struct {
	rs1    asm.Variable
	rs2    asm.Variable
	f3     uint32
	target asm.Label
}

func Beq(rs1, rs2 asm.Variable, target asm.Label) asm.Fragment {
	return branch{rs1: rs1, rs2: rs2, f3: 0, target: target}
}

func Bne(rs1, rs2 asm.Variable, target asm.Label) asm.Fragment {
	return branch{rs1: rs1, rs2: rs2, f3: 1, target: target}
}

func Bltu(rs1, rs2 asm.Variable, target asm.Label) asm.Fragment {
	return branch{rs1: rs1, rs2: rs2, f3: 6, target: target}
}

func Bgeu(rs1, rs2 asm.Variable, target asm.Label) asm.Fragment {
	return branch{rs1: rs1, rs2: rs2, f3: 7, target: target}
}

func Beqz(rs asm.Variable, target asm.Label) asm.Fragment { return Beq(rs, X0, target) }

func Bnez(rs asm.Variable, target asm.Label) asm.Fragment { return Bne(rs, X0, target) }

type jump struct {
	rd     asm.Variable
	target asm.Label
}

// Jal jumps to target, writing the return address to rd.
func Jal(rd asm.Variable, target asm.Label) asm.Fragment {
	return jump{rd: rd, target: target}
}

// J jumps to target without linking.
func J(target asm.Label) asm.Fragment {
	return jump{rd: X0, target: target}
}

type jumpRegister struct {
	rd  asm.Variable
	rs1 asm.Variable
	imm int32
}

func Jalr(rd, rs1 asm.Variable, imm int32) asm.Fragment {
	return jumpRegister{rd: rd, rs1: rs1, imm: imm}
}

// Ret returns through ra.
func Ret() asm.Fragment {
	return jumpRegister{rd: X0, rs1: RA, imm: 0}
}

type call struct {
	target asm.Label
}

// Call emits AUIPC ra + JALR ra so the target may be anywhere within ±2 GiB.
func Call(target asm.Label) asm.Fragment {
	return call{target: target}
}

type loadAddress struct {
	rd     asm.Variable
	target asm.Label
	addend int64
}

// LoadAddress materializes the address of target PC-relatively (AUIPC+ADDI).
// The result is correct wherever the code runs, so it is the only form of
// address reference allowed in position-independent stages.
func LoadAddress(rd asm.Variable, target asm.Label) asm.Fragment {
	return loadAddress{rd: rd, target: target}
}

type loadSymbolValue struct {
	rd     asm.Variable
	target asm.Label
}

// LoadSymbolValue materializes the absolute value of target (LUI+ADDI). It is
// meant for linker-defined constants such as sizes.
func LoadSymbolValue(rd asm.Variable, target asm.Label) asm.Fragment {
	return loadSymbolValue{rd: rd, target: target}
}

type csrImmediate struct {
	rd   asm.Variable
	csr  uint32
	uimm uint32
	f3   uint32
}

// CsrClearBits emits CSRRCI x0, csr, uimm.
func CsrClearBits(csr uint32, uimm uint32) asm.Fragment {
	return csrImmediate{rd: X0, csr: csr, uimm: uimm, f3: 7}
}

// CsrSetBits emits CSRRSI x0, csr, uimm.
func CsrSetBits(csr uint32, uimm uint32) asm.Fragment {
	return csrImmediate{rd: X0, csr: csr, uimm: uimm, f3: 6}
}

type fixed uint32

// Ecall traps into the SBI implementation.
func Ecall() asm.Fragment { return fixed(0x00000073) }

// Wfi waits for an interrupt.
func Wfi() asm.Fragment { return fixed(0x10500073) }

// Nop emits ADDI x0, x0, 0.
func Nop() asm.Fragment { return fixed(0x00000013) }

func (l addImmediate) Emit(ctx asm.Context) error {
	insn, err := encodeI(l.imm, uint32(l.rs1), 0, uint32(l.rd), 0x13)
	if err != nil {
		return err
	}
	emitInsn(ctx, insn)
	return nil
}

func (l *loadImmediate) Emit(ctx asm.Context) error {
	// If the value fits in a 12-bit signed immediate, a single ADDI is enough.
	if l.value >= -2048 && l.value <= 2047 {
		insn, err := encodeI(int32(l.value), uint32(X0), 0, uint32(l.rd), 0x13)
		if err != nil {
			return err
		}
		emitInsn(ctx, insn)
		return nil
	}
	if l.value < math.MinInt32 || l.value > math.MaxUint32 {
		return fmt.Errorf("riscv: immediate %#x wider than 32 bits", l.value)
	}

	zeroExtend := l.value >= 0 && l.value <= math.MaxUint32 && l.value > math.MaxInt32

	hi := (l.value + (1 << 11)) >> 12
	lo := l.value - (hi << 12)

	lui, err := encodeU(int32(hi), uint32(l.rd), 0x37)
	if err != nil {
		return err
	}
	addi, err := encodeI(int32(lo), uint32(l.rd), 0, uint32(l.rd), 0x13)
	if err != nil {
		return err
	}

	emitInsn(ctx, lui)
	emitInsn(ctx, addi)
	if zeroExtend {
		emitInsn(ctx, mustEncodeShift(l.rd, 32, 1, 0x13))
		emitInsn(ctx, mustEncodeShift(l.rd, 32, 5, 0x13))
	}
	return nil
}

func (s store) Emit(ctx asm.Context) error {
	insn, err := encodeS(s.imm, uint32(s.rs1), uint32(s.rs2), s.f3, 0x23)
	if err != nil {
		return err
	}
	emitInsn(ctx, insn)
	return nil
}

func (l load) Emit(ctx asm.Context) error {
	insn, err := encodeI(l.imm, uint32(l.rs1), l.f3, uint32(l.rd), 0x03)
	if err != nil {
		return err
	}
	emitInsn(ctx, insn)
	return nil
}

func (s shiftImmediate) Emit(ctx asm.Context) error {
	if s.shamt > 63 {
		return fmt.Errorf("riscv: shift amount %d out of range", s.shamt)
	}
	insn, err := encodeI(int32(s.shamt), uint32(s.rd), s.f3, uint32(s.rd), s.op)
	if err != nil {
		return err
	}
	emitInsn(ctx, insn)
	return nil
}

// Branch and jump offsets are left zero here and filled in by the linker
// from the relocation, including for labels local to the object.
func (b branch) Emit(ctx asm.Context) error {
	ctx.AddRelocation(elf.R_RISCV_BRANCH, b.target, 0)
	emitInsn(ctx, (uint32(b.rs2)<<20)|(uint32(b.rs1)<<15)|(b.f3<<12)|0x63)
	return nil
}

func (j jump) Emit(ctx asm.Context) error {
	ctx.AddRelocation(elf.R_RISCV_JAL, j.target, 0)
	emitInsn(ctx, (uint32(j.rd)<<7)|0x6f)
	return nil
}

func (j jumpRegister) Emit(ctx asm.Context) error {
	insn, err := encodeI(j.imm, uint32(j.rs1), 0, uint32(j.rd), 0x67)
	if err != nil {
		return err
	}
	emitInsn(ctx, insn)
	return nil
}

func (c call) Emit(ctx asm.Context) error {
	ctx.AddRelocation(elf.R_RISCV_CALL, c.target, 0)
	auipc, _ := encodeU(0, uint32(RA), 0x17)
	jalr, _ := encodeI(0, uint32(RA), 0, uint32(RA), 0x67)
	emitInsn(ctx, auipc)
	emitInsn(ctx, jalr)
	return nil
}

func (l loadAddress) Emit(ctx asm.Context) error {
	hi := ctx.LocalLabel("pcrel_hi")
	ctx.SetLabel(hi)
	ctx.AddRelocation(elf.R_RISCV_PCREL_HI20, l.target, l.addend)
	auipc, _ := encodeU(0, uint32(l.rd), 0x17)
	emitInsn(ctx, auipc)

	ctx.AddRelocation(elf.R_RISCV_PCREL_LO12_I, hi, 0)
	addi, _ := encodeI(0, uint32(l.rd), 0, uint32(l.rd), 0x13)
	emitInsn(ctx, addi)
	return nil
}

func (l loadSymbolValue) Emit(ctx asm.Context) error {
	ctx.AddRelocation(elf.R_RISCV_HI20, l.target, 0)
	lui, _ := encodeU(0, uint32(l.rd), 0x37)
	emitInsn(ctx, lui)

	ctx.AddRelocation(elf.R_RISCV_LO12_I, l.target, 0)
	addi, _ := encodeI(0, uint32(l.rd), 0, uint32(l.rd), 0x13)
	emitInsn(ctx, addi)
	return nil
}

func (c csrImmediate) Emit(ctx asm.Context) error {
	if c.csr > 0xfff {
		return fmt.Errorf("riscv: csr %#x out of range", c.csr)
	}
	if c.uimm > 31 {
		return fmt.Errorf("riscv: csr immediate %d out of range", c.uimm)
	}
	emitInsn(ctx, (c.csr<<20)|(c.uimm<<15)|(c.f3<<12)|(uint32(c.rd)<<7)|0x73)
	return nil
}

func (f fixed) Emit(ctx asm.Context) error {
	emitInsn(ctx, uint32(f))
	return nil
}

func emitInsn(ctx asm.Context, insn uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], insn)
	ctx.EmitBytes(buf[:])
}

func encodeI(imm int32, rs1 uint32, funct3 uint32, rd uint32, opcode uint32) (uint32, error) {
	if imm < -2048 || imm > 2047 {
		return 0, fmt.Errorf("riscv: immediate %d out of range for I-type", imm)
	}
	uimm := uint32(imm) & 0xfff
	return (uimm << 20) | (rs1 << 15) | (funct3 << 12) | (rd << 7) | opcode, nil
}

func encodeS(imm int32, rs1 uint32, rs2 uint32, funct3 uint32, opcode uint32) (uint32, error) {
	if imm < -2048 || imm > 2047 {
		return 0, fmt.Errorf("riscv: immediate %d out of range for S-type", imm)
	}
	uimm := uint32(imm) & 0xfff
	immHi := (uimm >> 5) & 0x7f
	immLo := uimm & 0x1f

	return (immHi << 25) | (rs2 << 20) | (rs1 << 15) | (funct3 << 12) | (immLo << 7) | opcode, nil
}

func encodeU(imm int32, rd uint32, opcode uint32) (uint32, error) {
	uimm := uint32(imm) & 0xfffff
	return (uimm << 12) | (rd << 7) | opcode, nil
}

func mustEncodeShift(rd asm.Variable, shamt uint32, f3 uint32, op uint32) uint32 {
	insn, err := encodeI(int32(shamt), uint32(rd), f3, uint32(rd), op)
	if err != nil {
		panic(err)
	}
	return insn
}
