// Package isa 实现指令语义模型：解码后的指令表示、语义效果描述与序列布局。
//
// 所有指令在解码时被标注读写效果（寄存器/标志位/内存），
// 优化器的其余部分只依赖这份效果描述，不直接接触原始编码。
package isa

import (
	"fmt"
	"strings"
)

// ============================================================================
// 架构
// ============================================================================

// Arch 目标架构
type Arch int

const (
	ArchUnknown Arch = iota
	ArchAMD64        // x86-64（建模子集）
)

func (a Arch) String() string {
	switch a {
	case ArchAMD64:
		return "amd64"
	default:
		return "unknown"
	}
}

// ParseArch 解析架构名称
func ParseArch(name string) (Arch, error) {
	switch strings.ToLower(name) {
	case "amd64", "x86-64", "x86_64":
		return ArchAMD64, nil
	default:
		return ArchUnknown, fmt.Errorf("unsupported architecture: %q", name)
	}
}

// ============================================================================
// 寄存器
// ============================================================================

// Reg 通用寄存器编号（amd64 编码顺序）
type Reg uint8

const (
	RAX Reg = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15

	// RegCount 通用寄存器数量
	RegCount = 16

	// RegNone 无寄存器
	RegNone Reg = 0xFF
)

// 寄存器名称
var regNames = [RegCount]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

func (r Reg) String() string {
	if r < RegCount {
		return regNames[r]
	}
	return "none"
}

// isExtended 检查是否是扩展寄存器 (R8-R15)
func (r Reg) isExtended() bool {
	return r >= R8 && r < RegCount
}

// low3 返回寄存器编号的低3位
func (r Reg) low3() byte {
	return byte(r) & 0x07
}

// RegSet 寄存器集合（位图）
type RegSet uint16

// AllRegs 全部通用寄存器
const AllRegs RegSet = (1 << RegCount) - 1

// RegsOf 由若干寄存器构造集合
func RegsOf(regs ...Reg) RegSet {
	var s RegSet
	for _, r := range regs {
		s = s.Add(r)
	}
	return s
}

// Has 检查寄存器是否在集合中
func (s RegSet) Has(r Reg) bool {
	if r >= RegCount {
		return false
	}
	return s&(1<<r) != 0
}

// Add 加入寄存器，返回新集合
func (s RegSet) Add(r Reg) RegSet {
	if r >= RegCount {
		return s
	}
	return s | (1 << r)
}

// Remove 移除寄存器，返回新集合
func (s RegSet) Remove(r Reg) RegSet {
	if r >= RegCount {
		return s
	}
	return s &^ (1 << r)
}

// Union 并集
func (s RegSet) Union(o RegSet) RegSet { return s | o }

// Minus 差集
func (s RegSet) Minus(o RegSet) RegSet { return s &^ o }

// Overlaps 是否与另一集合相交
func (s RegSet) Overlaps(o RegSet) bool { return s&o != 0 }

// Count 集合大小
func (s RegSet) Count() int {
	n := 0
	for v := s; v != 0; v &= v - 1 {
		n++
	}
	return n
}

func (s RegSet) String() string {
	if s == 0 {
		return "{}"
	}
	var names []string
	for r := Reg(0); r < RegCount; r++ {
		if s.Has(r) {
			names = append(names, r.String())
		}
	}
	return "{" + strings.Join(names, ",") + "}"
}

// ============================================================================
// 标志位
// ============================================================================

// FlagSet 标志位集合（RFLAGS 建模子集）
type FlagSet uint8

const (
	FlagCF FlagSet = 1 << iota // 进位
	FlagPF                     // 奇偶
	FlagZF                     // 零
	FlagSF                     // 符号
	FlagOF                     // 溢出

	// FlagsNone 空集合
	FlagsNone FlagSet = 0

	// FlagsArith 算术指令写入的全部标志位
	FlagsArith = FlagCF | FlagPF | FlagZF | FlagSF | FlagOF

	// FlagsIncDec INC/DEC 写入的标志位（不含 CF）
	FlagsIncDec = FlagsArith &^ FlagCF

	// AllFlags 全部建模标志位
	AllFlags = FlagsArith
)

var flagNames = []struct {
	f    FlagSet
	name string
}{
	{FlagCF, "CF"}, {FlagPF, "PF"}, {FlagZF, "ZF"}, {FlagSF, "SF"}, {FlagOF, "OF"},
}

// ParseFlag 解析标志位名称（大小写不敏感）
func ParseFlag(name string) (FlagSet, bool) {
	for _, fn := range flagNames {
		if strings.EqualFold(fn.name, name) {
			return fn.f, true
		}
	}
	return 0, false
}

func (s FlagSet) String() string {
	if s == 0 {
		return "{}"
	}
	var names []string
	for _, fn := range flagNames {
		if s&fn.f != 0 {
			names = append(names, fn.name)
		}
	}
	return "{" + strings.Join(names, ",") + "}"
}

// ============================================================================
// 操作数
// ============================================================================

// OperandKind 操作数类型
type OperandKind int

const (
	OperandReg OperandKind = iota // 寄存器
	OperandImm                    // 立即数
	OperandMem                    // 内存引用
)

// Mem 内存引用：base + index*scale + disp
type Mem struct {
	Base  Reg
	Index Reg // RegNone 表示无 index
	Scale uint8
	Disp  int32
}

// Operand 指令操作数
type Operand struct {
	Kind OperandKind
	Reg  Reg
	Imm  int64
	Mem  Mem
}

// RegOp 构造寄存器操作数
func RegOp(r Reg) Operand { return Operand{Kind: OperandReg, Reg: r} }

// ImmOp 构造立即数操作数
func ImmOp(v int64) Operand { return Operand{Kind: OperandImm, Imm: v} }

// MemOp 构造内存操作数
func MemOp(base Reg, disp int32) Operand {
	return Operand{Kind: OperandMem, Mem: Mem{Base: base, Index: RegNone, Disp: disp}}
}

// Equal 操作数相等比较
func (o Operand) Equal(other Operand) bool { return o == other }

func (o Operand) String() string {
	switch o.Kind {
	case OperandReg:
		return o.Reg.String()
	case OperandImm:
		return fmt.Sprintf("%d", o.Imm)
	case OperandMem:
		if o.Mem.Index != RegNone {
			return fmt.Sprintf("[%s+%s*%d%+d]", o.Mem.Base, o.Mem.Index, o.Mem.Scale, o.Mem.Disp)
		}
		if o.Mem.Disp != 0 {
			return fmt.Sprintf("[%s%+d]", o.Mem.Base, o.Mem.Disp)
		}
		return fmt.Sprintf("[%s]", o.Mem.Base)
	default:
		return "?"
	}
}

// ============================================================================
// 控制流类别
// ============================================================================

// ControlClass 指令的控制流类别
type ControlClass int

const (
	CtrlFallthrough ControlClass = iota // 顺序执行
	CtrlBranch                          // 无条件相对跳转
	CtrlCondBranch                      // 条件相对跳转
	CtrlCall                            // 相对调用
	CtrlIndirect                        // 间接跳转/调用（目标不可静态确定）
	CtrlRet                             // 返回
	CtrlSyscall                         // 系统调用 / 软中断
)

func (c ControlClass) String() string {
	switch c {
	case CtrlFallthrough:
		return "fallthrough"
	case CtrlBranch:
		return "branch"
	case CtrlCondBranch:
		return "cond-branch"
	case CtrlCall:
		return "call"
	case CtrlIndirect:
		return "indirect"
	case CtrlRet:
		return "ret"
	case CtrlSyscall:
		return "syscall"
	default:
		return "unknown"
	}
}

// IsTransfer 是否为控制转移（非顺序执行）
func (c ControlClass) IsTransfer() bool { return c != CtrlFallthrough }

// ============================================================================
// 条件码
// ============================================================================

// Cond 条件跳转的条件码（amd64 cc 编码）
type Cond uint8

const (
	CondO  Cond = 0x0 // OF=1
	CondNO Cond = 0x1
	CondB  Cond = 0x2 // CF=1
	CondAE Cond = 0x3
	CondE  Cond = 0x4 // ZF=1
	CondNE Cond = 0x5
	CondBE Cond = 0x6 // CF=1 或 ZF=1
	CondA  Cond = 0x7
	CondS  Cond = 0x8 // SF=1
	CondNS Cond = 0x9
	CondP  Cond = 0xA // PF=1
	CondNP Cond = 0xB
	CondL  Cond = 0xC // SF≠OF
	CondGE Cond = 0xD
	CondLE Cond = 0xE // ZF=1 或 SF≠OF
	CondG  Cond = 0xF
)

var condNames = [16]string{
	"o", "no", "b", "ae", "e", "ne", "be", "a",
	"s", "ns", "p", "np", "l", "ge", "le", "g",
}

func (c Cond) String() string {
	if c < 16 {
		return condNames[c]
	}
	return "?"
}

// FlagsRead 条件码读取的标志位
func (c Cond) FlagsRead() FlagSet {
	switch c {
	case CondO, CondNO:
		return FlagOF
	case CondB, CondAE:
		return FlagCF
	case CondE, CondNE:
		return FlagZF
	case CondBE, CondA:
		return FlagCF | FlagZF
	case CondS, CondNS:
		return FlagSF
	case CondP, CondNP:
		return FlagPF
	case CondL, CondGE:
		return FlagSF | FlagOF
	case CondLE, CondG:
		return FlagZF | FlagSF | FlagOF
	default:
		return AllFlags
	}
}

// ============================================================================
// 操作码
// ============================================================================

// Op 语义操作码（与具体编码解耦）
type Op int

const (
	OpInvalid Op = iota
	OpNop
	OpMov
	OpAdd
	OpSub
	OpAnd
	OpOr
	OpXor
	OpCmp
	OpTest
	OpInc
	OpDec
	OpNeg
	OpNot
	OpImul
	OpShl
	OpShr
	OpLea
	OpPush
	OpPop
	OpXchg
	OpJmp
	OpJcc
	OpCall
	OpRet
	OpSyscall
	OpInt
	OpJmpInd  // 间接跳转
	OpCallInd // 间接调用
	OpUnknown // 解码成功但语义未建模
)

var opNames = map[Op]string{
	OpNop: "nop", OpMov: "mov", OpAdd: "add", OpSub: "sub",
	OpAnd: "and", OpOr: "or", OpXor: "xor", OpCmp: "cmp",
	OpTest: "test", OpInc: "inc", OpDec: "dec", OpNeg: "neg",
	OpNot: "not", OpImul: "imul", OpShl: "shl", OpShr: "shr",
	OpLea: "lea", OpPush: "push", OpPop: "pop", OpXchg: "xchg",
	OpJmp: "jmp", OpCall: "call", OpRet: "ret",
	OpSyscall: "syscall", OpInt: "int",
	OpJmpInd: "jmp", OpCallInd: "call", OpUnknown: "(unknown)",
}

func (op Op) String() string {
	if s, ok := opNames[op]; ok {
		return s
	}
	return "invalid"
}

// ============================================================================
// 指令
// ============================================================================

// ExternalTarget 表示跳转目标在序列之外
const ExternalTarget = -1

// Instruction 解码后的指令。
// 解码完成后语义字段不可变；Addr/Len/TargetIdx 由所属序列在重排布局时维护。
type Instruction struct {
	Op       Op
	Cond     Cond      // Op 为 OpJcc 时有效
	Operands []Operand // 有序操作数列表（目标在前）
	Effects  Effects   // 语义效果描述
	Len      int       // 编码字节长度
	Addr     uint64    // 序列内地址

	// 相对控制转移的目标。
	// TargetIdx 为序列内目标指令下标，ExternalTarget 表示目标在序列外，
	// 此时 TargetAddr 保存绝对目标地址。
	TargetIdx  int
	TargetAddr uint64

	Raw []byte // 原始编码（重编码后更新）
}

// IsBranch 是否为相对跳转（含条件）
func (in *Instruction) IsBranch() bool {
	c := in.Effects.Control
	return c == CtrlBranch || c == CtrlCondBranch || c == CtrlCall
}

// SameSemantics 两条指令语义是否相同（忽略地址/编码长度）
func (in *Instruction) SameSemantics(o *Instruction) bool {
	if in.Op != o.Op || in.Cond != o.Cond || len(in.Operands) != len(o.Operands) {
		return false
	}
	for i := range in.Operands {
		if !in.Operands[i].Equal(o.Operands[i]) {
			return false
		}
	}
	if in.IsBranch() {
		if in.TargetIdx != o.TargetIdx || in.TargetAddr != o.TargetAddr {
			return false
		}
	}
	return true
}

func (in *Instruction) String() string {
	var sb strings.Builder
	if in.Op == OpJcc {
		sb.WriteString("j")
		sb.WriteString(in.Cond.String())
	} else {
		sb.WriteString(in.Op.String())
	}
	if in.IsBranch() {
		if in.TargetIdx == ExternalTarget {
			fmt.Fprintf(&sb, " 0x%x", in.TargetAddr)
		} else {
			fmt.Fprintf(&sb, " .%d", in.TargetIdx)
		}
		return sb.String()
	}
	for i, op := range in.Operands {
		if i == 0 {
			sb.WriteString(" ")
		} else {
			sb.WriteString(", ")
		}
		sb.WriteString(op.String())
	}
	return sb.String()
}
