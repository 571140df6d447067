package isa

import (
	"encoding/binary"
	"fmt"
)

// ============================================================================
// AMD64 解码器
// ============================================================================
//
// 建模子集的解码实现，与 amd64_encode.go 互逆。
// 能解析格式但语义未建模的指令（如缺少 REX.W 的 32 位形式）
// 解码为 OpUnknown 并保留原始字节；完全无法解析的字节产生 DecodeError。

// DecodeError 解码错误（InvalidEncoding@offset）
type DecodeError struct {
	Offset int
	Byte   byte
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("invalid encoding at offset %d (byte 0x%02x)", e.Offset, e.Byte)
}

// amd64Decoder 子集解码器状态
type amd64Decoder struct {
	code  []byte
	pos   int
	entry uint64
}

func (d *amd64Decoder) remaining() int { return len(d.code) - d.pos }

func (d *amd64Decoder) peek() byte { return d.code[d.pos] }

func (d *amd64Decoder) next() byte {
	b := d.code[d.pos]
	d.pos++
	return b
}

func (d *amd64Decoder) err() error {
	off := d.pos
	if off >= len(d.code) {
		off = len(d.code) - 1
	}
	return &DecodeError{Offset: off, Byte: d.code[off]}
}

// readDisp32 读取 32 位小端值
func (d *amd64Decoder) readDisp32() (int32, error) {
	if d.remaining() < 4 {
		return 0, d.err()
	}
	v := int32(binary.LittleEndian.Uint32(d.code[d.pos:]))
	d.pos += 4
	return v, nil
}

// modRM 解析后的 ModR/M 字段
type modRM struct {
	mod   byte
	reg   byte
	rm    byte
	disp  int32
	hasM  bool // 内存形式
	noIdx bool
}

// readModRM 解析 ModR/M（及可能的 SIB/位移）
func (d *amd64Decoder) readModRM(rex byte) (modRM, error) {
	if d.remaining() < 1 {
		return modRM{}, d.err()
	}
	b := d.next()
	m := modRM{mod: b >> 6, reg: (b >> 3) & 7, rm: b & 7, noIdx: true}
	if rex&rexR != 0 {
		m.reg |= 8
	}
	if m.mod == 0b11 {
		if rex&rexB != 0 {
			m.rm |= 8
		}
		return m, nil
	}
	m.hasM = true
	// SIB（仅支持 index=none 形式）
	if m.rm == 4 {
		if d.remaining() < 1 {
			return modRM{}, d.err()
		}
		sib := d.next()
		if (sib>>3)&7 != 4 {
			// 带 index 的 SIB 未建模；中止解码而不是解码出错位的指令
			return modRM{}, &DecodeError{Offset: d.pos - 1, Byte: sib}
		}
		m.rm = sib & 7
	}
	if rex&rexB != 0 {
		m.rm |= 8
	}
	switch m.mod {
	case 0b00:
		if m.rm&7 == 5 {
			// RIP 相对寻址未建模
			return modRM{}, &DecodeError{Offset: d.pos - 1, Byte: d.code[d.pos-1]}
		}
	case 0b01:
		if d.remaining() < 1 {
			return modRM{}, d.err()
		}
		m.disp = int32(int8(d.next()))
	case 0b10:
		v, err := d.readDisp32()
		if err != nil {
			return modRM{}, err
		}
		m.disp = v
	}
	return m, nil
}

// memOperand 由 ModR/M 构造内存操作数
func (m modRM) memOperand() Operand {
	return MemOp(Reg(m.rm), m.disp)
}

// decodeOne 解码一条指令。失败时返回 DecodeError；
// 可解析但未建模的形式返回 OpUnknown 指令。
func (d *amd64Decoder) decodeOne() (Instruction, error) {
	start := d.pos
	addr := d.entry + uint64(start)

	mk := func(op Op, operands ...Operand) Instruction {
		raw := append([]byte(nil), d.code[start:d.pos]...)
		return Instruction{
			Op:        op,
			Operands:  operands,
			Len:       d.pos - start,
			Addr:      addr,
			TargetIdx: ExternalTarget,
			Raw:       raw,
		}
	}
	// unknown 将已解析的字节标记为未建模指令
	unknown := func() (Instruction, error) {
		return mk(OpUnknown), nil
	}
	branch := func(op Op, cond Cond, disp int64) (Instruction, error) {
		in := mk(op)
		in.Cond = cond
		in.TargetAddr = d.entry + uint64(d.pos) + uint64(disp)
		return in, nil
	}

	if d.remaining() == 0 {
		return Instruction{}, d.err()
	}

	// REX 前缀
	var rex byte
	hasREX := false
	if b := d.peek(); b >= 0x40 && b <= 0x4F {
		rex = d.next()
		hasREX = true
		if d.remaining() == 0 {
			return Instruction{}, d.err()
		}
	}
	wOK := rex&rexW != 0 // 64 位操作数形式

	op := d.next()

	// 无 REX.W 的算术/传送形式：格式可解析但语义未建模
	requireW := func(in Instruction, err error) (Instruction, error) {
		if err != nil {
			return in, err
		}
		if !wOK {
			in.Op = OpUnknown
			in.Operands = nil
			in.Cond = 0
		}
		return in, nil
	}

	switch op {
	case 0x90:
		if hasREX {
			return unknown()
		}
		return mk(OpNop), nil

	case 0x89, 0x8B: // mov r/m,r | mov r,r/m
		m, err := d.readModRM(rex)
		if err != nil {
			return Instruction{}, err
		}
		regOp := RegOp(Reg(m.reg))
		var in Instruction
		if m.hasM {
			if op == 0x89 {
				in = mk(OpMov, m.memOperand(), regOp)
			} else {
				in = mk(OpMov, regOp, m.memOperand())
			}
		} else {
			if op == 0x89 {
				in = mk(OpMov, RegOp(Reg(m.rm)), regOp)
			} else {
				in = mk(OpMov, regOp, RegOp(Reg(m.rm)))
			}
		}
		return requireW(in, nil)

	case 0x01, 0x09, 0x21, 0x29, 0x31, 0x39, 0x85, 0x87: // 算术/test/xchg r/m,r
		m, err := d.readModRM(rex)
		if err != nil {
			return Instruction{}, err
		}
		if m.hasM {
			return unknown() // 内存目标算术未建模
		}
		var o Op
		switch op {
		case 0x01:
			o = OpAdd
		case 0x09:
			o = OpOr
		case 0x21:
			o = OpAnd
		case 0x29:
			o = OpSub
		case 0x31:
			o = OpXor
		case 0x39:
			o = OpCmp
		case 0x85:
			o = OpTest
		case 0x87:
			o = OpXchg
		}
		return requireW(mk(o, RegOp(Reg(m.rm)), RegOp(Reg(m.reg))), nil)

	case 0x81, 0x83: // 算术 r/m, imm32|imm8
		m, err := d.readModRM(rex)
		if err != nil {
			return Instruction{}, err
		}
		var imm int64
		if op == 0x83 {
			if d.remaining() < 1 {
				return Instruction{}, d.err()
			}
			imm = int64(int8(d.next()))
		} else {
			v, err := d.readDisp32()
			if err != nil {
				return Instruction{}, err
			}
			imm = int64(v)
		}
		if m.hasM {
			return unknown()
		}
		var o Op
		switch m.reg & 7 {
		case 0:
			o = OpAdd
		case 1:
			o = OpOr
		case 4:
			o = OpAnd
		case 5:
			o = OpSub
		case 6:
			o = OpXor
		case 7:
			o = OpCmp
		default:
			return unknown()
		}
		return requireW(mk(o, RegOp(Reg(m.rm)), ImmOp(imm)), nil)

	case 0xC7: // mov r/m, imm32
		m, err := d.readModRM(rex)
		if err != nil {
			return Instruction{}, err
		}
		v, err := d.readDisp32()
		if err != nil {
			return Instruction{}, err
		}
		if m.hasM || m.reg&7 != 0 {
			return unknown()
		}
		return requireW(mk(OpMov, RegOp(Reg(m.rm)), ImmOp(int64(v))), nil)

	case 0xC1: // shl/shr r/m, imm8
		m, err := d.readModRM(rex)
		if err != nil {
			return Instruction{}, err
		}
		if d.remaining() < 1 {
			return Instruction{}, d.err()
		}
		amt := int64(d.next())
		if m.hasM {
			return unknown()
		}
		switch m.reg & 7 {
		case 4:
			return requireW(mk(OpShl, RegOp(Reg(m.rm)), ImmOp(amt)), nil)
		case 5:
			return requireW(mk(OpShr, RegOp(Reg(m.rm)), ImmOp(amt)), nil)
		default:
			return unknown()
		}

	case 0xF7: // not/neg r/m
		m, err := d.readModRM(rex)
		if err != nil {
			return Instruction{}, err
		}
		if m.hasM {
			return unknown()
		}
		switch m.reg & 7 {
		case 2:
			return requireW(mk(OpNot, RegOp(Reg(m.rm))), nil)
		case 3:
			return requireW(mk(OpNeg, RegOp(Reg(m.rm))), nil)
		default:
			return unknown()
		}

	case 0xFF: // inc/dec/call-ind/jmp-ind r/m
		m, err := d.readModRM(rex)
		if err != nil {
			return Instruction{}, err
		}
		if m.hasM {
			return unknown()
		}
		switch m.reg & 7 {
		case 0:
			return requireW(mk(OpInc, RegOp(Reg(m.rm))), nil)
		case 1:
			return requireW(mk(OpDec, RegOp(Reg(m.rm))), nil)
		case 2:
			return mk(OpCallInd, RegOp(Reg(m.rm))), nil
		case 4:
			return mk(OpJmpInd, RegOp(Reg(m.rm))), nil
		default:
			return unknown()
		}

	case 0x8D: // lea r, m
		m, err := d.readModRM(rex)
		if err != nil {
			return Instruction{}, err
		}
		if !m.hasM {
			return Instruction{}, &DecodeError{Offset: start, Byte: op}
		}
		return requireW(mk(OpLea, RegOp(Reg(m.reg)), m.memOperand()), nil)

	case 0xEB: // jmp rel8
		if d.remaining() < 1 {
			return Instruction{}, d.err()
		}
		disp := int64(int8(d.next()))
		return branch(OpJmp, 0, disp)

	case 0xE9: // jmp rel32
		v, err := d.readDisp32()
		if err != nil {
			return Instruction{}, err
		}
		return branch(OpJmp, 0, int64(v))

	case 0xE8: // call rel32
		v, err := d.readDisp32()
		if err != nil {
			return Instruction{}, err
		}
		return branch(OpCall, 0, int64(v))

	case 0x69: // imul r, r/m, imm32（仅建模 dst==src 的二操作数形式）
		m, err := d.readModRM(rex)
		if err != nil {
			return Instruction{}, err
		}
		v, err := d.readDisp32()
		if err != nil {
			return Instruction{}, err
		}
		if m.hasM || Reg(m.reg) != Reg(m.rm) {
			return unknown()
		}
		return requireW(mk(OpImul, RegOp(Reg(m.reg)), ImmOp(int64(v))), nil)

	case 0xC3:
		return mk(OpRet), nil

	case 0xCD: // int imm8
		if d.remaining() < 1 {
			return Instruction{}, d.err()
		}
		return mk(OpInt, ImmOp(int64(d.next()))), nil

	case 0x0F:
		if d.remaining() < 1 {
			return Instruction{}, d.err()
		}
		op2 := d.next()
		switch {
		case op2 == 0x05:
			return mk(OpSyscall), nil
		case op2 == 0xAF: // imul r, r/m
			m, err := d.readModRM(rex)
			if err != nil {
				return Instruction{}, err
			}
			if m.hasM {
				return unknown()
			}
			return requireW(mk(OpImul, RegOp(Reg(m.reg)), RegOp(Reg(m.rm))), nil)
		case op2 >= 0x80 && op2 <= 0x8F: // jcc rel32
			v, err := d.readDisp32()
			if err != nil {
				return Instruction{}, err
			}
			return branch(OpJcc, Cond(op2-0x80), int64(v))
		default:
			return Instruction{}, &DecodeError{Offset: start, Byte: op2}
		}

	default:
		switch {
		case op >= 0x50 && op <= 0x57: // push r
			r := Reg(op - 0x50)
			if rex&rexB != 0 {
				r |= 8
			}
			return mk(OpPush, RegOp(r)), nil
		case op >= 0x58 && op <= 0x5F: // pop r
			r := Reg(op - 0x58)
			if rex&rexB != 0 {
				r |= 8
			}
			return mk(OpPop, RegOp(r)), nil
		case op >= 0x70 && op <= 0x7F: // jcc rel8
			if d.remaining() < 1 {
				return Instruction{}, d.err()
			}
			disp := int64(int8(d.next()))
			return branch(OpJcc, Cond(op-0x70), disp)
		case op >= 0xB8 && op <= 0xBF: // mov r, imm64 (REX.W) / imm32
			if wOK {
				if d.remaining() < 8 {
					return Instruction{}, d.err()
				}
				v := binary.LittleEndian.Uint64(d.code[d.pos:])
				d.pos += 8
				r := Reg(op - 0xB8)
				if rex&rexB != 0 {
					r |= 8
				}
				return mk(OpMov, RegOp(r), ImmOp(int64(v))), nil
			}
			if _, err := d.readDisp32(); err != nil {
				return Instruction{}, err
			}
			return unknown()
		}
		return Instruction{}, &DecodeError{Offset: start, Byte: op}
	}
}

// amd64DecodeAll 解码整段字节为指令列表（目标为绝对地址，未解析下标）
func amd64DecodeAll(code []byte, entry uint64) ([]Instruction, error) {
	d := &amd64Decoder{code: code, entry: entry}
	var out []Instruction
	for d.remaining() > 0 {
		in, err := d.decodeOne()
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, nil
}
