package isa

// ============================================================================
// 指令构造
// ============================================================================
//
// 规则库与测试用的指令构造入口。构造时即完成效果标注；
// 长度与地址留给序列 Relayout 填充。

// New 构造带效果标注的指令
func New(op Op, operands ...Operand) Instruction {
	in := Instruction{
		Op:        op,
		Operands:  operands,
		TargetIdx: ExternalTarget,
	}
	in.Effects = annotateEffects(&in)
	return in
}

// NewJmp 构造指向序列内下标的无条件跳转
func NewJmp(targetIdx int) Instruction {
	in := Instruction{Op: OpJmp, TargetIdx: targetIdx}
	in.Effects = annotateEffects(&in)
	return in
}

// NewJcc 构造指向序列内下标的条件跳转
func NewJcc(cond Cond, targetIdx int) Instruction {
	in := Instruction{Op: OpJcc, Cond: cond, TargetIdx: targetIdx}
	in.Effects = annotateEffects(&in)
	return in
}

// NewJmpExternal 构造指向外部绝对地址的无条件跳转
func NewJmpExternal(target uint64) Instruction {
	in := Instruction{Op: OpJmp, TargetIdx: ExternalTarget, TargetAddr: target}
	in.Effects = annotateEffects(&in)
	return in
}

// EncodedLen 指令的最短编码长度（跳转按 rel8 估计）。
// 未布局的替换候选用它估算字节代价；精确长度以提交后的 Relayout 为准。
func EncodedLen(in *Instruction) int {
	if in.Len > 0 {
		return in.Len
	}
	n, err := amd64InstrLen(in, false)
	if err != nil {
		return 0
	}
	return n
}

// NewSeq 由指令构造序列并完成布局
func NewSeq(arch Arch, entry uint64, instrs ...Instruction) (*Sequence, error) {
	s := &Sequence{
		Arch:         arch,
		Entry:        entry,
		Instrs:       instrs,
		LiveIn:       AllRegs,
		LiveOut:      AllRegs,
		LiveOutFlags: AllFlags,
	}
	if err := s.Relayout(); err != nil {
		return nil, err
	}
	return s, nil
}
