package isa

import (
	"encoding/binary"
	"fmt"
)

// ============================================================================
// AMD64 编码器
// ============================================================================
//
// 建模子集的重编码实现。操作数宽度统一为 64 位（REX.W）。
// 相对跳转的位移宽度由序列布局（Relayout）决定，编码时必须与
// Instruction.Len 一致，否则地址不变式被破坏。

// EncodeError 重编码错误
type EncodeError struct {
	Index int    // 指令下标
	Instr string // 指令文本
	Msg   string
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encode error at instruction %d (%s): %s", e.Index, e.Instr, e.Msg)
}

// REX 前缀常量
const (
	rexBase = 0x40 // REX 基础
	rexW    = 0x08 // 64位操作数
	rexR    = 0x04 // ModR/M reg 字段扩展
	rexX    = 0x02 // SIB index 字段扩展
	rexB    = 0x01 // ModR/M r/m 或 SIB base 字段扩展
)

// asmBuf 编码缓冲区
type asmBuf struct {
	code []byte
}

// emit 发射字节
func (b *asmBuf) emit(bytes ...byte) {
	b.code = append(b.code, bytes...)
}

// emit8 发射单字节
func (b *asmBuf) emit8(v byte) {
	b.code = append(b.code, v)
}

// emit32 发射32位值 (小端)
func (b *asmBuf) emit32(v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	b.code = append(b.code, buf[:]...)
}

// emit64 发射64位值 (小端)
func (b *asmBuf) emit64(v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	b.code = append(b.code, buf[:]...)
}

// emitREX64 发射 64 位 REX 前缀
func (b *asmBuf) emitREX64(r, rm Reg) {
	rex := byte(rexBase | rexW)
	if r.isExtended() {
		rex |= rexR
	}
	if rm.isExtended() {
		rex |= rexB
	}
	b.emit8(rex)
}

// emitModRMReg 发射寄存器到寄存器的 ModR/M（mod=11）
func (b *asmBuf) emitModRMReg(reg, rm Reg) {
	b.emit8(0b11<<6 | reg.low3()<<3 | rm.low3())
}

// emitModRMMem 发射内存形式的 ModR/M（不支持 index）
func (b *asmBuf) emitModRMMem(reg Reg, m Mem) error {
	if m.Index != RegNone {
		return fmt.Errorf("scaled-index addressing not supported")
	}
	base := m.Base
	needSIB := base == RSP || base == R12
	switch {
	case m.Disp == 0 && base != RBP && base != R13:
		b.emit8(0b00<<6 | reg.low3()<<3 | base.low3())
		if needSIB {
			b.emit8(0x24) // SIB: base=RSP, index=none, scale=1
		}
	case fitsInt8(int64(m.Disp)):
		b.emit8(0b01<<6 | reg.low3()<<3 | base.low3())
		if needSIB {
			b.emit8(0x24)
		}
		b.emit8(byte(int8(m.Disp)))
	default:
		b.emit8(0b10<<6 | reg.low3()<<3 | base.low3())
		if needSIB {
			b.emit8(0x24)
		}
		b.emit32(uint32(m.Disp))
	}
	return nil
}

// 算术指令的编码参数：reg-reg 形式操作码 + imm 形式的 /digit
var arithEnc = map[Op]struct {
	rr    byte // op r/m64, r64
	digit byte // 81/83 的 /digit
}{
	OpAdd: {0x01, 0},
	OpOr:  {0x09, 1},
	OpAnd: {0x21, 4},
	OpSub: {0x29, 5},
	OpXor: {0x31, 6},
	OpCmp: {0x39, 7},
}

// encodeAMD64 编码单条指令。
// wide 指定相对跳转使用 rel32 形式；disp 为已解析的相对位移。
func encodeAMD64(b *asmBuf, in *Instruction, wide bool, disp int64) error {
	switch in.Op {
	case OpNop:
		b.emit8(0x90)

	case OpMov:
		dst, src := in.Operands[0], in.Operands[1]
		switch {
		case dst.Kind == OperandReg && src.Kind == OperandReg:
			b.emitREX64(src.Reg, dst.Reg)
			b.emit8(0x89)
			b.emitModRMReg(src.Reg, dst.Reg)
		case dst.Kind == OperandReg && src.Kind == OperandImm:
			if fitsInt32(src.Imm) {
				b.emitREX64(0, dst.Reg)
				b.emit8(0xC7)
				b.emitModRMReg(0, dst.Reg)
				b.emit32(uint32(int32(src.Imm)))
			} else {
				b.emitREX64(0, dst.Reg)
				b.emit8(0xB8 + dst.Reg.low3())
				b.emit64(uint64(src.Imm))
			}
		case dst.Kind == OperandReg && src.Kind == OperandMem:
			b.emitREX64(dst.Reg, src.Mem.Base)
			b.emit8(0x8B)
			if err := b.emitModRMMem(dst.Reg, src.Mem); err != nil {
				return err
			}
		case dst.Kind == OperandMem && src.Kind == OperandReg:
			b.emitREX64(src.Reg, dst.Mem.Base)
			b.emit8(0x89)
			if err := b.emitModRMMem(src.Reg, dst.Mem); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unsupported mov form")
		}

	case OpAdd, OpSub, OpAnd, OpOr, OpXor, OpCmp:
		enc := arithEnc[in.Op]
		dst, src := in.Operands[0], in.Operands[1]
		switch {
		case dst.Kind == OperandReg && src.Kind == OperandReg:
			b.emitREX64(src.Reg, dst.Reg)
			b.emit8(enc.rr)
			b.emitModRMReg(src.Reg, dst.Reg)
		case dst.Kind == OperandReg && src.Kind == OperandImm && fitsInt8(src.Imm):
			b.emitREX64(0, dst.Reg)
			b.emit8(0x83)
			b.emitModRMReg(Reg(enc.digit), dst.Reg)
			b.emit8(byte(int8(src.Imm)))
		case dst.Kind == OperandReg && src.Kind == OperandImm && fitsInt32(src.Imm):
			b.emitREX64(0, dst.Reg)
			b.emit8(0x81)
			b.emitModRMReg(Reg(enc.digit), dst.Reg)
			b.emit32(uint32(int32(src.Imm)))
		default:
			return fmt.Errorf("unsupported %s form", in.Op)
		}

	case OpTest:
		dst, src := in.Operands[0], in.Operands[1]
		if dst.Kind != OperandReg || src.Kind != OperandReg {
			return fmt.Errorf("unsupported test form")
		}
		b.emitREX64(src.Reg, dst.Reg)
		b.emit8(0x85)
		b.emitModRMReg(src.Reg, dst.Reg)

	case OpXchg:
		dst, src := in.Operands[0], in.Operands[1]
		if dst.Kind != OperandReg || src.Kind != OperandReg {
			return fmt.Errorf("unsupported xchg form")
		}
		b.emitREX64(src.Reg, dst.Reg)
		b.emit8(0x87)
		b.emitModRMReg(src.Reg, dst.Reg)

	case OpImul:
		dst, src := in.Operands[0], in.Operands[1]
		switch {
		case dst.Kind == OperandReg && src.Kind == OperandReg:
			b.emitREX64(dst.Reg, src.Reg)
			b.emit(0x0F, 0xAF)
			b.emitModRMReg(dst.Reg, src.Reg)
		case dst.Kind == OperandReg && src.Kind == OperandImm:
			if src.Imm != int64(int32(src.Imm)) {
				return fmt.Errorf("imul immediate out of range: %d", src.Imm)
			}
			b.emitREX64(dst.Reg, dst.Reg)
			b.emit8(0x69)
			b.emitModRMReg(dst.Reg, dst.Reg)
			b.emit32(uint32(src.Imm))
		default:
			return fmt.Errorf("unsupported imul form")
		}

	case OpInc:
		if in.Operands[0].Kind != OperandReg {
			return fmt.Errorf("unsupported inc form")
		}
		b.emitREX64(0, in.Operands[0].Reg)
		b.emit8(0xFF)
		b.emitModRMReg(0, in.Operands[0].Reg)

	case OpDec:
		if in.Operands[0].Kind != OperandReg {
			return fmt.Errorf("unsupported dec form")
		}
		b.emitREX64(0, in.Operands[0].Reg)
		b.emit8(0xFF)
		b.emitModRMReg(1, in.Operands[0].Reg)

	case OpNot:
		if in.Operands[0].Kind != OperandReg {
			return fmt.Errorf("unsupported not form")
		}
		b.emitREX64(0, in.Operands[0].Reg)
		b.emit8(0xF7)
		b.emitModRMReg(2, in.Operands[0].Reg)

	case OpNeg:
		if in.Operands[0].Kind != OperandReg {
			return fmt.Errorf("unsupported neg form")
		}
		b.emitREX64(0, in.Operands[0].Reg)
		b.emit8(0xF7)
		b.emitModRMReg(3, in.Operands[0].Reg)

	case OpShl, OpShr:
		digit := Reg(4)
		if in.Op == OpShr {
			digit = 5
		}
		dst, amt := in.Operands[0], in.Operands[1]
		if dst.Kind != OperandReg || amt.Kind != OperandImm {
			return fmt.Errorf("unsupported shift form")
		}
		b.emitREX64(0, dst.Reg)
		b.emit8(0xC1)
		b.emitModRMReg(digit, dst.Reg)
		b.emit8(byte(amt.Imm & 0x3F))

	case OpLea:
		dst, src := in.Operands[0], in.Operands[1]
		if dst.Kind != OperandReg || src.Kind != OperandMem {
			return fmt.Errorf("unsupported lea form")
		}
		b.emitREX64(dst.Reg, src.Mem.Base)
		b.emit8(0x8D)
		if err := b.emitModRMMem(dst.Reg, src.Mem); err != nil {
			return err
		}

	case OpPush:
		if in.Operands[0].Kind != OperandReg {
			return fmt.Errorf("unsupported push form")
		}
		r := in.Operands[0].Reg
		if r.isExtended() {
			b.emit8(rexBase | rexB)
		}
		b.emit8(0x50 + r.low3())

	case OpPop:
		if in.Operands[0].Kind != OperandReg {
			return fmt.Errorf("unsupported pop form")
		}
		r := in.Operands[0].Reg
		if r.isExtended() {
			b.emit8(rexBase | rexB)
		}
		b.emit8(0x58 + r.low3())

	case OpJmp:
		if wide {
			b.emit8(0xE9)
			b.emit32(uint32(int32(disp)))
		} else {
			b.emit8(0xEB)
			b.emit8(byte(int8(disp)))
		}

	case OpJcc:
		if wide {
			b.emit(0x0F, 0x80+byte(in.Cond))
			b.emit32(uint32(int32(disp)))
		} else {
			b.emit8(0x70 + byte(in.Cond))
			b.emit8(byte(int8(disp)))
		}

	case OpCall:
		b.emit8(0xE8)
		b.emit32(uint32(int32(disp)))

	case OpRet:
		b.emit8(0xC3)

	case OpSyscall:
		b.emit(0x0F, 0x05)

	case OpInt:
		b.emit8(0xCD)
		b.emit8(byte(in.Operands[0].Imm))

	case OpJmpInd:
		if in.Operands[0].Kind != OperandReg {
			return fmt.Errorf("unsupported indirect jmp form")
		}
		b.emitREX64(0, in.Operands[0].Reg)
		// REX.W 对 FF /4 是冗余的，但保持与解码器一致
		b.emit8(0xFF)
		b.emitModRMReg(4, in.Operands[0].Reg)

	case OpCallInd:
		if in.Operands[0].Kind != OperandReg {
			return fmt.Errorf("unsupported indirect call form")
		}
		b.emitREX64(0, in.Operands[0].Reg)
		b.emit8(0xFF)
		b.emitModRMReg(2, in.Operands[0].Reg)

	case OpUnknown:
		// 未建模指令原样回写
		if len(in.Raw) == 0 {
			return fmt.Errorf("unknown instruction without raw bytes")
		}
		b.emit(in.Raw...)

	default:
		return fmt.Errorf("unsupported instruction")
	}
	return nil
}

// amd64InstrLen 计算指令在指定跳转宽度下的编码长度
func amd64InstrLen(in *Instruction, wide bool) (int, error) {
	var b asmBuf
	if err := encodeAMD64(&b, in, wide, 0); err != nil {
		return 0, err
	}
	return len(b.code), nil
}

// amd64EncodeSeq 编码整个序列。要求序列已完成 Relayout。
func amd64EncodeSeq(s *Sequence) ([]byte, error) {
	var out []byte
	for i := range s.Instrs {
		in := &s.Instrs[i]
		var disp int64
		wide := false
		if in.IsBranch() {
			d, err := s.branchDisp(i)
			if err != nil {
				return nil, &EncodeError{Index: i, Instr: in.String(), Msg: err.Error()}
			}
			disp = d
			// 宽度必须与布局阶段确定的长度一致
			narrowLen, err := amd64InstrLen(in, false)
			if err != nil {
				return nil, &EncodeError{Index: i, Instr: in.String(), Msg: err.Error()}
			}
			wide = in.Len != narrowLen
			if in.Op != OpCall && !wide && !fitsInt8(disp) {
				return nil, &EncodeError{Index: i, Instr: in.String(), Msg: "rel8 displacement out of range after layout"}
			}
			if !fitsInt32(disp) {
				return nil, &EncodeError{Index: i, Instr: in.String(), Msg: "rel32 displacement out of range"}
			}
		}
		var b asmBuf
		if err := encodeAMD64(&b, in, wide, disp); err != nil {
			return nil, &EncodeError{Index: i, Instr: in.String(), Msg: err.Error()}
		}
		if len(b.code) != in.Len {
			return nil, &EncodeError{Index: i, Instr: in.String(),
				Msg: fmt.Sprintf("encoded length %d != layout length %d", len(b.code), in.Len)}
		}
		in.Raw = b.code
		out = append(out, b.code...)
	}
	return out, nil
}
