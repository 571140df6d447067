package session

import (
	"github.com/tangzhangming/asmopt/internal/cost"
	"github.com/tangzhangming/asmopt/internal/isa"
)

// ============================================================================
// 性能指标
// ============================================================================

// PerformanceMetrics 序列的静态性能指标
type PerformanceMetrics struct {
	// InstructionCount 指令条数
	InstructionCount int `json:"instruction_count"`

	// EstimatedCycles 估计周期数（静态延迟求和）
	EstimatedCycles uint64 `json:"estimated_cycles"`

	// MemoryOps 访存指令条数
	MemoryOps int `json:"memory_ops"`

	// RegisterPressure 活跃寄存器数的峰值
	RegisterPressure int `json:"register_pressure"`

	// CodeSize 编码字节数
	CodeSize int `json:"code_size"`
}

// computeMetrics 计算序列的性能指标
func computeMetrics(seq *isa.Sequence, tab cost.Table) PerformanceMetrics {
	m := PerformanceMetrics{
		InstructionCount: seq.Len(),
		CodeSize:         seq.ByteLen(),
	}
	for i := range seq.Instrs {
		in := &seq.Instrs[i]
		m.EstimatedCycles += tab.Latency(in)
		if in.Effects.MemRead || in.Effects.MemWrite {
			m.MemoryOps++
		}
	}
	lv := seq.ComputeLiveness()
	for _, regs := range lv.Regs {
		if n := regs.Count(); n > m.RegisterPressure {
			m.RegisterPressure = n
		}
	}
	return m
}
