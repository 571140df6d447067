package isa

import (
	"fmt"
	"math/bits"
)

// ============================================================================
// 具体解释执行
// ============================================================================
//
// 建模子集的直线解释器。控制转移指令不在这里执行：
// 验证器把窗口拆为直线体与末尾跳转，分别处理。

// ExecError 解释执行错误
type ExecError struct {
	Instr string
	Msg   string
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("exec error (%s): %s", e.Instr, e.Msg)
}

// parity 低字节奇偶标志（置位表示偶数个 1）
func parity(v uint64) bool {
	return bits.OnesCount8(uint8(v))%2 == 0
}

// setResultFlags 按结果设置 ZF/SF/PF
func setResultFlags(s *State, res uint64) {
	s.Flags &^= FlagZF | FlagSF | FlagPF
	if res == 0 {
		s.Flags |= FlagZF
	}
	if res>>63 != 0 {
		s.Flags |= FlagSF
	}
	if parity(res) {
		s.Flags |= FlagPF
	}
}

// setCarryOverflow 设置 CF/OF
func setCarryOverflow(s *State, cf, of bool) {
	s.Flags &^= FlagCF | FlagOF
	if cf {
		s.Flags |= FlagCF
	}
	if of {
		s.Flags |= FlagOF
	}
}

// operandAddr 内存操作数的有效地址
func operandAddr(s *State, m Mem) uint64 {
	addr := s.Regs[m.Base] + uint64(int64(m.Disp))
	if m.Index != RegNone {
		addr += s.Regs[m.Index] * uint64(m.Scale)
	}
	return addr
}

// readOperand 读取操作数的值
func readOperand(s *State, o Operand) uint64 {
	switch o.Kind {
	case OperandReg:
		return s.Regs[o.Reg]
	case OperandImm:
		return uint64(o.Imm)
	case OperandMem:
		return s.Read64(operandAddr(s, o.Mem))
	default:
		return 0
	}
}

// writeOperand 写入操作数
func writeOperand(s *State, o Operand, v uint64) {
	switch o.Kind {
	case OperandReg:
		s.Regs[o.Reg] = v
	case OperandMem:
		s.Write64(operandAddr(s, o.Mem), v)
	}
}

// Exec 执行一条非控制转移指令，就地修改状态。
func Exec(s *State, in *Instruction) error {
	switch in.Op {
	case OpNop:

	case OpMov:
		writeOperand(s, in.Operands[0], readOperand(s, in.Operands[1]))

	case OpLea:
		s.Regs[in.Operands[0].Reg] = operandAddr(s, in.Operands[1].Mem)

	case OpAdd:
		a := readOperand(s, in.Operands[0])
		b := readOperand(s, in.Operands[1])
		res := a + b
		setResultFlags(s, res)
		setCarryOverflow(s, res < a, (a^res)&(b^res)>>63 != 0)
		writeOperand(s, in.Operands[0], res)

	case OpSub, OpCmp:
		a := readOperand(s, in.Operands[0])
		b := readOperand(s, in.Operands[1])
		res := a - b
		setResultFlags(s, res)
		setCarryOverflow(s, a < b, (a^b)&(a^res)>>63 != 0)
		if in.Op == OpSub {
			writeOperand(s, in.Operands[0], res)
		}

	case OpAnd, OpOr, OpXor, OpTest:
		a := readOperand(s, in.Operands[0])
		b := readOperand(s, in.Operands[1])
		var res uint64
		switch in.Op {
		case OpAnd, OpTest:
			res = a & b
		case OpOr:
			res = a | b
		case OpXor:
			res = a ^ b
		}
		setResultFlags(s, res)
		setCarryOverflow(s, false, false)
		if in.Op != OpTest {
			writeOperand(s, in.Operands[0], res)
		}

	case OpInc, OpDec:
		a := readOperand(s, in.Operands[0])
		var res uint64
		var of bool
		if in.Op == OpInc {
			res = a + 1
			of = (a^res)&(1^res)>>63 != 0
		} else {
			res = a - 1
			of = (a^1)&(a^res)>>63 != 0
		}
		// INC/DEC 不改 CF
		setResultFlags(s, res)
		s.Flags &^= FlagOF
		if of {
			s.Flags |= FlagOF
		}
		writeOperand(s, in.Operands[0], res)

	case OpNeg:
		a := readOperand(s, in.Operands[0])
		res := -a
		setResultFlags(s, res)
		setCarryOverflow(s, a != 0, a == 1<<63)
		writeOperand(s, in.Operands[0], res)

	case OpNot:
		writeOperand(s, in.Operands[0], ^readOperand(s, in.Operands[0]))

	case OpImul:
		a := int64(readOperand(s, in.Operands[0]))
		b := int64(readOperand(s, in.Operands[1]))
		hi, lo := bits.Mul64(uint64(a), uint64(b))
		// 符号修正得到 128 位有符号积的高 64 位
		if a < 0 {
			hi -= uint64(b)
		}
		if b < 0 {
			hi -= uint64(a)
		}
		res := lo
		overflow := int64(hi) != int64(res)>>63
		setResultFlags(s, res)
		setCarryOverflow(s, overflow, overflow)
		writeOperand(s, in.Operands[0], res)

	case OpShl, OpShr:
		a := readOperand(s, in.Operands[0])
		n := uint(in.Operands[1].Imm & 0x3F)
		if n == 0 {
			// 移位 0 不改标志
			break
		}
		var res uint64
		var cf bool
		if in.Op == OpShl {
			res = a << n
			cf = a>>(64-n)&1 != 0
		} else {
			res = a >> n
			cf = a>>(n-1)&1 != 0
		}
		setResultFlags(s, res)
		of := false
		if in.Op == OpShl {
			of = cf != (res>>63 != 0)
		} else if n == 1 {
			of = a>>63 != 0
		}
		setCarryOverflow(s, cf, of)
		writeOperand(s, in.Operands[0], res)

	case OpPush:
		v := readOperand(s, in.Operands[0])
		s.Regs[RSP] -= 8
		s.Write64(s.Regs[RSP], v)

	case OpPop:
		s.Regs[in.Operands[0].Reg] = s.Read64(s.Regs[RSP])
		s.Regs[RSP] += 8

	case OpXchg:
		a := readOperand(s, in.Operands[0])
		b := readOperand(s, in.Operands[1])
		writeOperand(s, in.Operands[0], b)
		writeOperand(s, in.Operands[1], a)

	default:
		return &ExecError{Instr: in.String(), Msg: "instruction not executable in straight-line model"}
	}
	return nil
}

// ExecSeq 顺序执行直线指令序列
func ExecSeq(s *State, instrs []Instruction) error {
	for i := range instrs {
		if err := Exec(s, &instrs[i]); err != nil {
			return err
		}
	}
	return nil
}

// EvalCond 在状态上求值条件码
func EvalCond(s *State, c Cond) bool {
	cf := s.Flags&FlagCF != 0
	zf := s.Flags&FlagZF != 0
	sf := s.Flags&FlagSF != 0
	of := s.Flags&FlagOF != 0
	pf := s.Flags&FlagPF != 0
	switch c {
	case CondO:
		return of
	case CondNO:
		return !of
	case CondB:
		return cf
	case CondAE:
		return !cf
	case CondE:
		return zf
	case CondNE:
		return !zf
	case CondBE:
		return cf || zf
	case CondA:
		return !cf && !zf
	case CondS:
		return sf
	case CondNS:
		return !sf
	case CondP:
		return pf
	case CondNP:
		return !pf
	case CondL:
		return sf != of
	case CondGE:
		return sf == of
	case CondLE:
		return zf || sf != of
	case CondG:
		return !zf && sf == of
	default:
		return false
	}
}
