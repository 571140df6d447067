package isa

// ============================================================================
// 指令语义效果表
// ============================================================================

// EffectTableVersion amd64 效果表版本号。
// 效果表是静态只读数据，改动语义建模时必须递增。
const EffectTableVersion = 2

// Effects 指令的语义效果描述：读写的寄存器、标志位与内存。
// Unknown 为真表示效果未完整建模，此类指令不参与改写（保守默认）。
type Effects struct {
	RegsRead     RegSet
	RegsWritten  RegSet
	FlagsRead    FlagSet
	FlagsWritten FlagSet
	MemRead      bool
	MemWrite     bool
	Control      ControlClass
	Unknown      bool
}

// memRegs 内存操作数引用的寄存器
func memRegs(m Mem) RegSet {
	s := RegsOf(m.Base)
	if m.Index != RegNone {
		s = s.Add(m.Index)
	}
	return s
}

// operandReads 操作数作为数据源时读取的寄存器
func operandReads(o Operand) RegSet {
	switch o.Kind {
	case OperandReg:
		return RegsOf(o.Reg)
	case OperandMem:
		return memRegs(o.Mem)
	default:
		return 0
	}
}

// annotateEffects 根据操作码与操作数推导指令效果。
// 解码器对每条指令调用一次；结果保存在 Instruction.Effects 中。
func annotateEffects(in *Instruction) Effects {
	var e Effects

	// 目标操作数：寄存器写入，或内存写入（地址寄存器为读取）
	dst := func(o Operand) {
		switch o.Kind {
		case OperandReg:
			e.RegsWritten = e.RegsWritten.Add(o.Reg)
		case OperandMem:
			e.RegsRead = e.RegsRead.Union(memRegs(o.Mem))
			e.MemWrite = true
		}
	}
	// 源操作数：寄存器或内存读取
	src := func(o Operand) {
		e.RegsRead = e.RegsRead.Union(operandReads(o))
		if o.Kind == OperandMem {
			e.MemRead = true
		}
	}

	switch in.Op {
	case OpNop:
		// 无效果

	case OpMov:
		dst(in.Operands[0])
		src(in.Operands[1])

	case OpLea:
		// 只做地址计算，不访问内存
		e.RegsWritten = e.RegsWritten.Add(in.Operands[0].Reg)
		e.RegsRead = e.RegsRead.Union(memRegs(in.Operands[1].Mem))

	case OpAdd, OpSub, OpAnd, OpOr, OpXor:
		dst(in.Operands[0])
		src(in.Operands[0]) // 读改写
		src(in.Operands[1])
		e.FlagsWritten = FlagsArith

	case OpImul:
		dst(in.Operands[0])
		src(in.Operands[0])
		src(in.Operands[1])
		e.FlagsWritten = FlagsArith

	case OpCmp, OpTest:
		src(in.Operands[0])
		src(in.Operands[1])
		e.FlagsWritten = FlagsArith

	case OpInc, OpDec:
		dst(in.Operands[0])
		src(in.Operands[0])
		e.FlagsWritten = FlagsIncDec

	case OpNeg:
		dst(in.Operands[0])
		src(in.Operands[0])
		e.FlagsWritten = FlagsArith

	case OpNot:
		// NOT 不影响标志位
		dst(in.Operands[0])
		src(in.Operands[0])

	case OpShl, OpShr:
		dst(in.Operands[0])
		src(in.Operands[0])
		e.FlagsWritten = FlagsArith

	case OpPush:
		src(in.Operands[0])
		e.RegsRead = e.RegsRead.Add(RSP)
		e.RegsWritten = e.RegsWritten.Add(RSP)
		e.MemWrite = true

	case OpPop:
		e.RegsWritten = e.RegsWritten.Add(in.Operands[0].Reg).Add(RSP)
		e.RegsRead = e.RegsRead.Add(RSP)
		e.MemRead = true

	case OpXchg:
		dst(in.Operands[0])
		src(in.Operands[0])
		dst(in.Operands[1])
		src(in.Operands[1])

	case OpJmp:
		e.Control = CtrlBranch

	case OpJcc:
		e.FlagsRead = in.Cond.FlagsRead()
		e.Control = CtrlCondBranch

	case OpCall:
		// 调用破坏挥发寄存器并写入返回地址
		e.RegsRead = e.RegsRead.Add(RSP)
		e.RegsWritten = AllRegs
		e.FlagsWritten = AllFlags
		e.MemRead = true
		e.MemWrite = true
		e.Control = CtrlCall

	case OpRet:
		e.RegsRead = e.RegsRead.Add(RSP)
		e.RegsWritten = e.RegsWritten.Add(RSP)
		e.MemRead = true
		e.Control = CtrlRet

	case OpJmpInd, OpCallInd:
		for _, o := range in.Operands {
			e.RegsRead = e.RegsRead.Union(operandReads(o))
		}
		e.RegsWritten = AllRegs
		e.FlagsWritten = AllFlags
		e.MemRead = true
		e.MemWrite = true
		e.Control = CtrlIndirect

	case OpSyscall, OpInt:
		// 系统调用：效果不可静态界定
		e.RegsRead = AllRegs
		e.RegsWritten = AllRegs
		e.FlagsRead = AllFlags
		e.FlagsWritten = AllFlags
		e.MemRead = true
		e.MemWrite = true
		e.Control = CtrlSyscall
		e.Unknown = true

	default:
		// 未建模操作码：保守标记
		e.RegsRead = AllRegs
		e.RegsWritten = AllRegs
		e.FlagsRead = AllFlags
		e.FlagsWritten = AllFlags
		e.MemRead = true
		e.MemWrite = true
		e.Unknown = true
	}

	return e
}
