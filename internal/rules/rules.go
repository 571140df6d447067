// Package rules 实现规则驱动的窗口改写库。
//
// 每条规则把指令模式映射到替换序列，应用顺序与输出都是确定的，
// 不依赖学习组件即可复现。规则只负责「提议」；
// 等价性由验证器把关，规则不必保证绝对正确，但应高命中。
package rules

import (
	"github.com/tangzhangming/asmopt/internal/isa"
)

// ============================================================================
// 窗口视图
// ============================================================================

// Window 候选生成的窗口视图：序列 [Base, Base+len(Instrs)) 的快照，
// 附带窗口出口处的活跃集合（由序列级活跃性分析给出）。
type Window struct {
	Base         int
	Instrs       []isa.Instruction
	LiveOut      isa.RegSet
	LiveOutFlags isa.FlagSet
}

// LiveAfter 窗口内位置 k 之后的活跃寄存器/标志位（不含 k 本身）
func (w *Window) LiveAfter(k int) (isa.RegSet, isa.FlagSet) {
	regs := w.LiveOut
	flags := w.LiveOutFlags
	for i := len(w.Instrs) - 1; i > k; i-- {
		e := w.Instrs[i].Effects
		if e.Unknown {
			return isa.AllRegs, isa.AllFlags
		}
		regs = regs.Minus(e.RegsWritten).Union(e.RegsRead)
		flags = (flags &^ e.FlagsWritten) | e.FlagsRead
	}
	return regs, flags
}

// ============================================================================
// 规则接口
// ============================================================================

// Match 规则命中：把窗口内 [Start, End) 替换为 Replacement。
type Match struct {
	Start       int
	End         int
	Replacement []isa.Instruction
}

// Rule 窗口改写规则
type Rule interface {
	// ID 稳定的规则标识（进入审计记录）
	ID() string
	// Apply 返回窗口内的全部命中
	Apply(w *Window) []Match
}

// All 规则库，确定性顺序。
func All() []Rule {
	return []Rule{
		nopElim{},
		selfMoveElim{},
		selfXchgElim{},
		movPairCancel{},
		deadStoreElim{},
		deadFlagWriteElim{},
		doubleNotElim{},
		doubleNegElim{},
		xorZeroIdiom{},
		arithIdentityElim{},
		addOneToInc{},
		zeroShiftElim{},
		dupCmpElim{},
		jumpToNextElim{},
	}
}

// ============================================================================
// 规则实现
// ============================================================================

// nopElim nop 消除
type nopElim struct{}

func (nopElim) ID() string { return "nop-elim" }

func (nopElim) Apply(w *Window) []Match {
	var out []Match
	for i := range w.Instrs {
		if w.Instrs[i].Op == isa.OpNop {
			out = append(out, Match{Start: i, End: i + 1})
		}
	}
	return out
}

// selfMoveElim 自传送消除：mov r, r
type selfMoveElim struct{}

func (selfMoveElim) ID() string { return "self-move-elim" }

func (selfMoveElim) Apply(w *Window) []Match {
	var out []Match
	for i := range w.Instrs {
		in := &w.Instrs[i]
		if in.Op == isa.OpMov && regReg(in) && in.Operands[0].Reg == in.Operands[1].Reg {
			out = append(out, Match{Start: i, End: i + 1})
		}
	}
	return out
}

// selfXchgElim 自交换消除：xchg r, r
type selfXchgElim struct{}

func (selfXchgElim) ID() string { return "self-xchg-elim" }

func (selfXchgElim) Apply(w *Window) []Match {
	var out []Match
	for i := range w.Instrs {
		in := &w.Instrs[i]
		if in.Op == isa.OpXchg && regReg(in) && in.Operands[0].Reg == in.Operands[1].Reg {
			out = append(out, Match{Start: i, End: i + 1})
		}
	}
	return out
}

// movPairCancel 往返传送对消：mov x,y ; mov y,x → mov x,y
// 第二条把刚拷出的值拷回来，任何情况下都是冗余的。
type movPairCancel struct{}

func (movPairCancel) ID() string { return "mov-pair-cancel" }

func (movPairCancel) Apply(w *Window) []Match {
	var out []Match
	for i := 0; i+1 < len(w.Instrs); i++ {
		a, b := &w.Instrs[i], &w.Instrs[i+1]
		if a.Op != isa.OpMov || b.Op != isa.OpMov || !regReg(a) || !regReg(b) {
			continue
		}
		if a.Operands[0].Reg == b.Operands[1].Reg && a.Operands[1].Reg == b.Operands[0].Reg &&
			a.Operands[0].Reg != a.Operands[1].Reg {
			out = append(out, Match{Start: i, End: i + 2, Replacement: []isa.Instruction{*a}})
		}
	}
	return out
}

// deadStoreElim 死寄存器写消除：纯寄存器写（无标志、无内存副作用）
// 的目标在其后不再被读取。
type deadStoreElim struct{}

func (deadStoreElim) ID() string { return "dead-store-elim" }

func (deadStoreElim) Apply(w *Window) []Match {
	var out []Match
	for i := range w.Instrs {
		in := &w.Instrs[i]
		e := in.Effects
		if e.Unknown || e.MemWrite || e.FlagsWritten != 0 || e.Control.IsTransfer() {
			continue
		}
		if e.RegsWritten == 0 {
			continue
		}
		regs, _ := w.LiveAfter(i)
		if !e.RegsWritten.Overlaps(regs) {
			out = append(out, Match{Start: i, End: i + 1})
		}
	}
	return out
}

// deadFlagWriteElim 死标志写消除：cmp/test 只写标志，
// 标志在其后（含窗口出口签名）全部死亡时可删除。
type deadFlagWriteElim struct{}

func (deadFlagWriteElim) ID() string { return "dead-flag-write-elim" }

func (deadFlagWriteElim) Apply(w *Window) []Match {
	var out []Match
	for i := range w.Instrs {
		in := &w.Instrs[i]
		if in.Op != isa.OpCmp && in.Op != isa.OpTest {
			continue
		}
		if in.Effects.MemRead {
			continue
		}
		_, flags := w.LiveAfter(i)
		if in.Effects.FlagsWritten&flags == 0 {
			out = append(out, Match{Start: i, End: i + 1})
		}
	}
	return out
}

// doubleNotElim 双重取反消除：not r ; not r
type doubleNotElim struct{}

func (doubleNotElim) ID() string { return "double-not-elim" }

func (doubleNotElim) Apply(w *Window) []Match {
	return pairElim(w, isa.OpNot, false)
}

// doubleNegElim 双重取负消除：neg r ; neg r（neg 写标志，要求标志死亡）
type doubleNegElim struct{}

func (doubleNegElim) ID() string { return "double-neg-elim" }

func (doubleNegElim) Apply(w *Window) []Match {
	return pairElim(w, isa.OpNeg, true)
}

// pairElim 相邻同目标一元指令对消
func pairElim(w *Window, op isa.Op, needDeadFlags bool) []Match {
	var out []Match
	for i := 0; i+1 < len(w.Instrs); i++ {
		a, b := &w.Instrs[i], &w.Instrs[i+1]
		if a.Op != op || b.Op != op {
			continue
		}
		if a.Operands[0].Kind != isa.OperandReg || !a.Operands[0].Equal(b.Operands[0]) {
			continue
		}
		if needDeadFlags {
			_, flags := w.LiveAfter(i + 1)
			if a.Effects.FlagsWritten&flags != 0 {
				continue
			}
		}
		out = append(out, Match{Start: i, End: i + 2})
	}
	return out
}

// xorZeroIdiom 清零惯用法：mov r, 0 → xor r, r（更短；xor 会写标志，
// 要求标志在该点死亡）。
type xorZeroIdiom struct{}

func (xorZeroIdiom) ID() string { return "xor-zero-idiom" }

func (xorZeroIdiom) Apply(w *Window) []Match {
	var out []Match
	for i := range w.Instrs {
		in := &w.Instrs[i]
		if in.Op != isa.OpMov || in.Operands[0].Kind != isa.OperandReg ||
			in.Operands[1].Kind != isa.OperandImm || in.Operands[1].Imm != 0 {
			continue
		}
		_, flags := w.LiveAfter(i)
		if flags&isa.FlagsArith != 0 {
			continue
		}
		r := in.Operands[0].Reg
		out = append(out, Match{
			Start: i, End: i + 1,
			Replacement: []isa.Instruction{isa.New(isa.OpXor, isa.RegOp(r), isa.RegOp(r))},
		})
	}
	return out
}

// arithIdentityElim 恒等算术消除：add/sub/or/xor r, 0 与 imul r, 1
// （均写标志，要求标志死亡）
type arithIdentityElim struct{}

func (arithIdentityElim) ID() string { return "arith-identity-elim" }

func (arithIdentityElim) Apply(w *Window) []Match {
	var out []Match
	for i := range w.Instrs {
		in := &w.Instrs[i]
		var identity int64
		switch in.Op {
		case isa.OpAdd, isa.OpSub, isa.OpOr, isa.OpXor:
			identity = 0
		case isa.OpImul:
			identity = 1
		default:
			continue
		}
		if in.Operands[0].Kind != isa.OperandReg ||
			in.Operands[1].Kind != isa.OperandImm || in.Operands[1].Imm != identity {
			continue
		}
		_, flags := w.LiveAfter(i)
		if in.Effects.FlagsWritten&flags != 0 {
			continue
		}
		out = append(out, Match{Start: i, End: i + 1})
	}
	return out
}

// addOneToInc 下降尺寸：add r,1 → inc r / sub r,1 → dec r。
// inc/dec 不写 CF，要求 CF 在该点死亡。
type addOneToInc struct{}

func (addOneToInc) ID() string { return "add-one-to-inc" }

func (addOneToInc) Apply(w *Window) []Match {
	var out []Match
	for i := range w.Instrs {
		in := &w.Instrs[i]
		if in.Op != isa.OpAdd && in.Op != isa.OpSub {
			continue
		}
		if in.Operands[0].Kind != isa.OperandReg ||
			in.Operands[1].Kind != isa.OperandImm || in.Operands[1].Imm != 1 {
			continue
		}
		_, flags := w.LiveAfter(i)
		if flags&isa.FlagCF != 0 {
			continue
		}
		op := isa.OpInc
		if in.Op == isa.OpSub {
			op = isa.OpDec
		}
		out = append(out, Match{
			Start: i, End: i + 1,
			Replacement: []isa.Instruction{isa.New(op, in.Operands[0])},
		})
	}
	return out
}

// zeroShiftElim 零位移消除：shl/shr r, 0 不改变值也不写标志
type zeroShiftElim struct{}

func (zeroShiftElim) ID() string { return "zero-shift-elim" }

func (zeroShiftElim) Apply(w *Window) []Match {
	var out []Match
	for i := range w.Instrs {
		in := &w.Instrs[i]
		if (in.Op == isa.OpShl || in.Op == isa.OpShr) &&
			in.Operands[1].Kind == isa.OperandImm && in.Operands[1].Imm&0x3F == 0 {
			out = append(out, Match{Start: i, End: i + 1})
		}
	}
	return out
}

// dupCmpElim 重复比较消除：相邻两条完全相同的 cmp/test，后者冗余
type dupCmpElim struct{}

func (dupCmpElim) ID() string { return "dup-cmp-elim" }

func (dupCmpElim) Apply(w *Window) []Match {
	var out []Match
	for i := 0; i+1 < len(w.Instrs); i++ {
		a, b := &w.Instrs[i], &w.Instrs[i+1]
		if a.Op != isa.OpCmp && a.Op != isa.OpTest {
			continue
		}
		if a.Effects.MemRead {
			continue
		}
		if a.SameSemantics(b) {
			out = append(out, Match{Start: i, End: i + 2, Replacement: []isa.Instruction{*a}})
		}
	}
	return out
}

// jumpToNextElim 跳转到紧邻下一条指令的 jmp 等价于顺序执行
type jumpToNextElim struct{}

func (jumpToNextElim) ID() string { return "jump-to-next-elim" }

func (jumpToNextElim) Apply(w *Window) []Match {
	var out []Match
	for i := range w.Instrs {
		in := &w.Instrs[i]
		if in.Op != isa.OpJmp || in.TargetIdx == isa.ExternalTarget {
			continue
		}
		if in.TargetIdx == w.Base+i+1 {
			out = append(out, Match{Start: i, End: i + 1})
		}
	}
	return out
}

// regReg 两个操作数都是寄存器
func regReg(in *isa.Instruction) bool {
	return len(in.Operands) == 2 &&
		in.Operands[0].Kind == isa.OperandReg &&
		in.Operands[1].Kind == isa.OperandReg
}
