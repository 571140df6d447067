package verify

import (
	"fmt"
	"math/bits"
	"sort"
	"strings"

	"github.com/tangzhangming/asmopt/internal/isa"
)

// ============================================================================
// 符号求值
// ============================================================================
//
// 在符号状态上解释直线指令体：每个寄存器/标志位的值是一棵以入口
// 符号值与常量为叶的表达式树。构造时做规范化（常量折叠、交换律
// 排序、恒等式化简），规范形相同的两棵树在任何输入下取值相同，
// 因此活跃出口上逐项相同即证明全域等价。
//
// 不相同只说明「证明失败」，调用方回落到采样检验，绝不据此拒绝。
// 含内存访问的指令体不做符号求值（别名问题留给采样，阈值可调）。

// term 规范化表达式项。key 是规范形，构造后不变。
type term struct {
	key string
}

// 常量项与符号项
func constTerm(v uint64) *term { return &term{key: fmt.Sprintf("#%x", v)} }

func symTerm(r isa.Reg) *term { return &term{key: "$" + r.String()} }

func symFlagTerm(name string) *term { return &term{key: "$f." + name} }

func (t *term) isConst() bool { return strings.HasPrefix(t.key, "#") }

func (t *term) constVal() uint64 {
	var v uint64
	fmt.Sscanf(t.key, "#%x", &v)
	return v
}

// mkTerm 构造规范化的运算项
func mkTerm(op string, args ...*term) *term {
	// 全常量折叠
	if folded, ok := foldConst(op, args); ok {
		return folded
	}
	// 交换律：参数按规范形排序
	switch op {
	case "add", "and", "or", "xor", "mul":
		if len(args) == 2 && args[1].key < args[0].key {
			args[0], args[1] = args[1], args[0]
		}
	}
	// 恒等式化简
	if simplified := simplify(op, args); simplified != nil {
		return simplified
	}
	keys := make([]string, len(args))
	for i, a := range args {
		keys[i] = a.key
	}
	return &term{key: op + "(" + strings.Join(keys, ",") + ")"}
}

// foldConst 全常量参数折叠
func foldConst(op string, args []*term) (*term, bool) {
	for _, a := range args {
		if !a.isConst() {
			return nil, false
		}
	}
	b := func(cond bool) *term {
		if cond {
			return constTerm(1)
		}
		return constTerm(0)
	}
	switch op {
	case "add":
		return constTerm(args[0].constVal() + args[1].constVal()), true
	case "sub":
		return constTerm(args[0].constVal() - args[1].constVal()), true
	case "and":
		return constTerm(args[0].constVal() & args[1].constVal()), true
	case "or":
		return constTerm(args[0].constVal() | args[1].constVal()), true
	case "xor":
		return constTerm(args[0].constVal() ^ args[1].constVal()), true
	case "mul":
		return constTerm(args[0].constVal() * args[1].constVal()), true
	case "not":
		return constTerm(^args[0].constVal()), true
	case "neg":
		return constTerm(-args[0].constVal()), true
	case "shl":
		return constTerm(args[0].constVal() << (args[1].constVal() & 0x3F)), true
	case "shr":
		return constTerm(args[0].constVal() >> (args[1].constVal() & 0x3F)), true
	case "zf":
		return b(args[0].constVal() == 0), true
	case "sf":
		return b(args[0].constVal()>>63 != 0), true
	case "pf":
		return b(bits.OnesCount8(uint8(args[0].constVal()))%2 == 0), true
	case "cf.add":
		return b(args[0].constVal()+args[1].constVal() < args[0].constVal()), true
	case "cf.sub":
		return b(args[0].constVal() < args[1].constVal()), true
	case "cf.neg":
		return b(args[0].constVal() != 0), true
	}
	return nil, false
}

// simplify 恒等式化简。返回 nil 表示无化简。
func simplify(op string, args []*term) *term {
	if len(args) != 2 {
		return nil
	}
	a, b := args[0], args[1]
	zero := a.isConst() && a.constVal() == 0
	bZero := b.isConst() && b.constVal() == 0
	one := b.isConst() && b.constVal() == 1
	switch op {
	case "add", "or", "xor":
		// 交换律排序后常量在参数次序中位置不定，两侧都查
		if zero {
			return b
		}
		if bZero {
			return a
		}
		if op == "xor" && a.key == b.key {
			return constTerm(0)
		}
		if op == "or" && a.key == b.key {
			return a
		}
	case "sub":
		if bZero {
			return a
		}
		if a.key == b.key {
			return constTerm(0)
		}
	case "and":
		if a.key == b.key {
			return a
		}
		if zero || bZero {
			return constTerm(0)
		}
	case "mul":
		if one {
			return a
		}
		if a.isConst() && a.constVal() == 1 {
			return b
		}
		if zero || bZero {
			return constTerm(0)
		}
	case "shl", "shr":
		if bZero {
			return a
		}
	}
	return nil
}

// symState 符号机器状态
type symState struct {
	regs  [isa.RegCount]*term
	flags map[isa.FlagSet]*term // 每个标志位一项
}

var flagBits = []struct {
	f    isa.FlagSet
	name string
}{
	{isa.FlagCF, "cf"}, {isa.FlagPF, "pf"}, {isa.FlagZF, "zf"},
	{isa.FlagSF, "sf"}, {isa.FlagOF, "of"},
}

// newSymState 入口符号状态：每个寄存器/标志位一个独立符号
func newSymState() *symState {
	s := &symState{flags: make(map[isa.FlagSet]*term, len(flagBits))}
	for r := isa.Reg(0); r < isa.RegCount; r++ {
		s.regs[r] = symTerm(r)
	}
	for _, fb := range flagBits {
		s.flags[fb.f] = symFlagTerm(fb.name)
	}
	return s
}

// setResultFlags 按结果项设置 ZF/SF/PF
func (s *symState) setResultFlags(res *term) {
	s.flags[isa.FlagZF] = mkTerm("zf", res)
	s.flags[isa.FlagSF] = mkTerm("sf", res)
	s.flags[isa.FlagPF] = mkTerm("pf", res)
}

// readOperand 操作数的符号值；内存操作数不支持
func (s *symState) readOperand(o isa.Operand) (*term, bool) {
	switch o.Kind {
	case isa.OperandReg:
		return s.regs[o.Reg], true
	case isa.OperandImm:
		return constTerm(uint64(o.Imm)), true
	default:
		return nil, false
	}
}

// step 符号执行一条指令。返回 false 表示该指令无法符号建模。
func (s *symState) step(in *isa.Instruction) bool {
	e := in.Effects
	if e.Unknown || e.MemRead || e.MemWrite || e.Control.IsTransfer() {
		return false
	}

	switch in.Op {
	case isa.OpNop:
		return true

	case isa.OpMov:
		v, ok := s.readOperand(in.Operands[1])
		if !ok {
			return false
		}
		s.regs[in.Operands[0].Reg] = v
		return true

	case isa.OpLea:
		m := in.Operands[1].Mem
		addr := mkTerm("add", s.regs[m.Base], constTerm(uint64(int64(m.Disp))))
		if m.Index != isa.RegNone {
			addr = mkTerm("add", addr, mkTerm("mul", s.regs[m.Index], constTerm(uint64(m.Scale))))
		}
		s.regs[in.Operands[0].Reg] = addr
		return true

	case isa.OpAdd, isa.OpSub, isa.OpAnd, isa.OpOr, isa.OpXor, isa.OpCmp, isa.OpTest, isa.OpImul:
		a, ok1 := s.readOperand(in.Operands[0])
		b, ok2 := s.readOperand(in.Operands[1])
		if !ok1 || !ok2 {
			return false
		}
		var res *term
		switch in.Op {
		case isa.OpAdd:
			res = mkTerm("add", a, b)
			s.flags[isa.FlagCF] = mkTerm("cf.add", a, b)
			s.flags[isa.FlagOF] = mkTerm("of.add", a, b)
		case isa.OpSub, isa.OpCmp:
			res = mkTerm("sub", a, b)
			s.flags[isa.FlagCF] = mkTerm("cf.sub", a, b)
			s.flags[isa.FlagOF] = mkTerm("of.sub", a, b)
		case isa.OpAnd, isa.OpTest:
			res = mkTerm("and", a, b)
			s.flags[isa.FlagCF] = constTerm(0)
			s.flags[isa.FlagOF] = constTerm(0)
		case isa.OpOr:
			res = mkTerm("or", a, b)
			s.flags[isa.FlagCF] = constTerm(0)
			s.flags[isa.FlagOF] = constTerm(0)
		case isa.OpXor:
			res = mkTerm("xor", a, b)
			s.flags[isa.FlagCF] = constTerm(0)
			s.flags[isa.FlagOF] = constTerm(0)
		case isa.OpImul:
			res = mkTerm("mul", a, b)
			s.flags[isa.FlagCF] = mkTerm("cf.mul", a, b)
			s.flags[isa.FlagOF] = mkTerm("cf.mul", a, b)
		}
		s.setResultFlags(res)
		if in.Op != isa.OpCmp && in.Op != isa.OpTest {
			s.regs[in.Operands[0].Reg] = res
		}
		return true

	case isa.OpInc, isa.OpDec:
		a := s.regs[in.Operands[0].Reg]
		op := "add"
		ofOp := "of.add"
		if in.Op == isa.OpDec {
			op = "sub"
			ofOp = "of.sub"
		}
		res := mkTerm(op, a, constTerm(1))
		s.setResultFlags(res)
		s.flags[isa.FlagOF] = mkTerm(ofOp, a, constTerm(1))
		// CF 保留
		s.regs[in.Operands[0].Reg] = res
		return true

	case isa.OpNeg:
		a := s.regs[in.Operands[0].Reg]
		res := mkTerm("neg", a)
		s.setResultFlags(res)
		s.flags[isa.FlagCF] = mkTerm("cf.neg", a)
		s.flags[isa.FlagOF] = mkTerm("of.neg", a)
		s.regs[in.Operands[0].Reg] = res
		return true

	case isa.OpNot:
		s.regs[in.Operands[0].Reg] = mkTerm("not", s.regs[in.Operands[0].Reg])
		return true

	case isa.OpShl, isa.OpShr:
		n := uint64(in.Operands[1].Imm) & 0x3F
		if n == 0 {
			return true // 零位移无效果
		}
		a := s.regs[in.Operands[0].Reg]
		op := "shl"
		if in.Op == isa.OpShr {
			op = "shr"
		}
		res := mkTerm(op, a, constTerm(n))
		s.setResultFlags(res)
		s.flags[isa.FlagCF] = mkTerm("cf."+op, a, constTerm(n))
		s.flags[isa.FlagOF] = mkTerm("of."+op, a, constTerm(n))
		s.regs[in.Operands[0].Reg] = res
		return true

	case isa.OpXchg:
		a, b := in.Operands[0].Reg, in.Operands[1].Reg
		s.regs[a], s.regs[b] = s.regs[b], s.regs[a]
		return true

	default:
		return false
	}
}

// symbolicEqual 符号证明两个指令体在活跃出口上等价。
// proven 为真表示证明成功；ok 为假表示无法符号求值（需回落采样）。
func symbolicEqual(orig, repl []isa.Instruction, liveRegs isa.RegSet, liveFlags isa.FlagSet) (proven, ok bool) {
	so := newSymState()
	for i := range orig {
		if !so.step(&orig[i]) {
			return false, false
		}
	}
	sr := newSymState()
	for i := range repl {
		if !sr.step(&repl[i]) {
			return false, false
		}
	}

	for r := isa.Reg(0); r < isa.RegCount; r++ {
		if liveRegs.Has(r) && so.regs[r].key != sr.regs[r].key {
			return false, true
		}
	}
	for _, fb := range flagBits {
		if liveFlags&fb.f != 0 && so.flags[fb.f].key != sr.flags[fb.f].key {
			return false, true
		}
	}
	return true, true
}

// symbolicSummary 审计用：活跃出口项的规范形摘要
func symbolicSummary(instrs []isa.Instruction, liveRegs isa.RegSet) string {
	s := newSymState()
	for i := range instrs {
		if !s.step(&instrs[i]) {
			return "(not symbolically evaluable)"
		}
	}
	var parts []string
	for r := isa.Reg(0); r < isa.RegCount; r++ {
		if liveRegs.Has(r) && s.regs[r].key != symTerm(r).key {
			parts = append(parts, fmt.Sprintf("%s=%s", r, s.regs[r].key))
		}
	}
	sort.Strings(parts)
	return strings.Join(parts, " ")
}
