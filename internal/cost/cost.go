// Package cost 实现指令代价模型：按架构静态延迟表估算窗口执行代价，
// 并给出候选替换的评分。静态表可被测量数据驱动的动态表替换，
// 控制器侧的契约不变。
package cost

import (
	"github.com/tangzhangming/asmopt/internal/isa"
)

// ============================================================================
// 延迟表
// ============================================================================

// Table 指令代价表。返回值为估计周期数。
type Table interface {
	// Latency 单条指令的估计延迟
	Latency(in *isa.Instruction) uint64
}

// amd64Latency amd64 建模子集的静态延迟表。
// 数值是常见微架构的粗粒度近似，只要求相对次序合理。
var amd64Latency = map[isa.Op]uint64{
	isa.OpNop:  1,
	isa.OpMov:  1,
	isa.OpLea:  1,
	isa.OpAdd:  1,
	isa.OpSub:  1,
	isa.OpAnd:  1,
	isa.OpOr:   1,
	isa.OpXor:  1,
	isa.OpCmp:  1,
	isa.OpTest: 1,
	isa.OpInc:  1,
	isa.OpDec:  1,
	isa.OpNeg:  1,
	isa.OpNot:  1,
	isa.OpShl:  1,
	isa.OpShr:  1,
	isa.OpImul: 3,
	isa.OpPush: 2,
	isa.OpPop:  2,
	isa.OpXchg: 2,
	isa.OpJmp:  1,
	isa.OpJcc:  1,
	isa.OpCall: 2,
	isa.OpRet:  2,
}

// memAccessLatency 内存操作数的附加延迟（一级缓存命中近似）
const memAccessLatency = 3

// unknownLatency 未建模指令的保守延迟
const unknownLatency = 8

// StaticTable 静态延迟表
type StaticTable struct {
	arch isa.Arch
}

// NewStaticTable 创建架构对应的静态表
func NewStaticTable(arch isa.Arch) *StaticTable {
	return &StaticTable{arch: arch}
}

// Latency 单条指令的估计延迟
func (t *StaticTable) Latency(in *isa.Instruction) uint64 {
	base, ok := amd64Latency[in.Op]
	if !ok {
		return unknownLatency
	}
	if in.Effects.MemRead || in.Effects.MemWrite {
		// push/pop 的延迟已含内存访问
		if in.Op != isa.OpPush && in.Op != isa.OpPop {
			base += memAccessLatency
		}
	}
	return base
}

// OverrideTable 动态覆盖表：测量得到的延迟覆盖静态值。
// 性能剖析钩子通过它替换静态估计而不改动控制器。
type OverrideTable struct {
	Base      Table
	Overrides map[isa.Op]uint64
}

// Latency 优先取覆盖值
func (t *OverrideTable) Latency(in *isa.Instruction) uint64 {
	if v, ok := t.Overrides[in.Op]; ok {
		return v
	}
	return t.Base.Latency(in)
}

// ============================================================================
// 评分
// ============================================================================

// Score 候选替换的评分：正的周期差表示改进。
type Score struct {
	CyclesDelta int64 `json:"cycles_delta"` // cost(原) - cost(替换)
	BytesDelta  int   `json:"bytes_delta"`  // 字节数减少量
	InstrsDelta int   `json:"instrs_delta"` // 指令条数减少量
}

// 字节差在增益中的权重：周期为主，尺寸为对齐/缓存启发式的小修正
const (
	cycleWeight = 16
	byteWeight  = 1
)

// Gain 综合增益（定点）。接受判据要求 Gain > 0。
func (s Score) Gain() int64 {
	return s.CyclesDelta*cycleWeight + int64(s.BytesDelta)*byteWeight
}

// Positive 是否为严格改进
func (s Score) Positive() bool { return s.Gain() > 0 }

// Better 决定候选间的确定性优先序：
// 增益高者优先，平局时指令更少、再平局时字节更小者优先。
func (s Score) Better(o Score) bool {
	if s.Gain() != o.Gain() {
		return s.Gain() > o.Gain()
	}
	if s.InstrsDelta != o.InstrsDelta {
		return s.InstrsDelta > o.InstrsDelta
	}
	return s.BytesDelta > o.BytesDelta
}

// ============================================================================
// 评分器
// ============================================================================

// Scorer 窗口代价计算与候选评分
type Scorer struct {
	tab Table
}

// NewScorer 创建评分器
func NewScorer(tab Table) *Scorer {
	return &Scorer{tab: tab}
}

// WindowCost 窗口估计代价：指令延迟求和，
// 相邻无依赖的指令对按可并发发射折减一个周期。
func (sc *Scorer) WindowCost(instrs []isa.Instruction) uint64 {
	var total uint64
	for i := range instrs {
		total += sc.tab.Latency(&instrs[i])
		if i > 0 && total > 0 && !dependent(&instrs[i-1], &instrs[i]) {
			total--
		}
	}
	return total
}

// dependent 相邻指令对是否存在寄存器/标志/内存依赖
func dependent(a, b *isa.Instruction) bool {
	ea, eb := a.Effects, b.Effects
	if ea.Unknown || eb.Unknown {
		return true
	}
	if eb.RegsRead.Overlaps(ea.RegsWritten) || eb.RegsWritten.Overlaps(ea.RegsWritten) ||
		ea.RegsRead.Overlaps(eb.RegsWritten) {
		return true
	}
	if eb.FlagsRead&ea.FlagsWritten != 0 || ea.FlagsRead&eb.FlagsWritten != 0 {
		return true
	}
	if ea.MemWrite && (eb.MemRead || eb.MemWrite) {
		return true
	}
	if eb.MemWrite && ea.MemRead {
		return true
	}
	return false
}

// byteLen 指令列表的估计编码字节数
func byteLen(instrs []isa.Instruction) int {
	n := 0
	for i := range instrs {
		n += isa.EncodedLen(&instrs[i])
	}
	return n
}

// Score 对候选替换评分
func (sc *Scorer) Score(orig, repl []isa.Instruction) Score {
	return Score{
		CyclesDelta: int64(sc.WindowCost(orig)) - int64(sc.WindowCost(repl)),
		BytesDelta:  byteLen(orig) - byteLen(repl),
		InstrsDelta: len(orig) - len(repl),
	}
}
