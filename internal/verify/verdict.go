// Package verify 实现等价性验证器：判定原始指令子序列与候选替换
// 在窗口活跃域上是否行为等价。
//
// 这是安全关键核心。判定按三层进行：
//  1. 硬排除扫描：系统调用、间接控制流、效果未知指令一律不可验证；
//  2. 符号求值：效果完整建模且无内存操作的短窗口做保守的符号等价证明；
//  3. 采样检验：确定性种子生成 N 个输入状态做具体执行对比。
// 任何不确定都落向更保守的一侧；置信度不能覆盖硬排除。
package verify

import (
	"fmt"

	"github.com/tangzhangming/asmopt/internal/isa"
)

// ============================================================================
// 判定结果
// ============================================================================

// Verdict 验证判定
type Verdict int

const (
	// VerdictSymbolicProven 符号求值证明在全输入域上等价
	VerdictSymbolicProven Verdict = iota
	// VerdictTested 采样检验：全部样本一致
	VerdictTested
	// VerdictRejected 存在反例、超时或被排除
	VerdictRejected
	// VerdictUnverifiable 含硬排除指令，无条件拒绝其候选
	VerdictUnverifiable
)

func (v Verdict) String() string {
	switch v {
	case VerdictSymbolicProven:
		return "symbolic-proven"
	case VerdictTested:
		return "tested"
	case VerdictRejected:
		return "rejected"
	case VerdictUnverifiable:
		return "unverifiable"
	default:
		return "unknown"
	}
}

// Result 验证结果与审计证据
type Result struct {
	Verdict Verdict `json:"verdict"`
	Samples int     `json:"samples,omitempty"` // Tested 时的样本总数
	Passed  int     `json:"passed,omitempty"`  // 通过的样本数
	Reason  string  `json:"reason,omitempty"`  // Rejected/Unverifiable 的原因

	// Counterexample 第一个不一致的输入状态（Rejected 时可能非空）
	Counterexample *isa.State `json:"-"`
}

// Accepted 判定是否可作为接受依据。
// minSamples 为接受所需的最少采样数；符号证明不受其约束。
func (r Result) Accepted(minSamples int) bool {
	switch r.Verdict {
	case VerdictSymbolicProven:
		return true
	case VerdictTested:
		return r.Passed == r.Samples && r.Samples >= minSamples
	default:
		return false
	}
}

func (r Result) String() string {
	switch r.Verdict {
	case VerdictTested:
		return fmt.Sprintf("tested(%d/%d)", r.Passed, r.Samples)
	case VerdictRejected, VerdictUnverifiable:
		return fmt.Sprintf("%s(%s)", r.Verdict, r.Reason)
	default:
		return r.Verdict.String()
	}
}
