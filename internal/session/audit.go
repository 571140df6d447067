package session

import (
	"github.com/segmentio/encoding/json"

	"github.com/tangzhangming/asmopt/internal/cost"
	"github.com/tangzhangming/asmopt/internal/isa"
)

// ============================================================================
// 审计记录
// ============================================================================
//
// 每次接受或拒绝都留下可追溯的证据：判定来源、验证判定与样本数、
// 代价评分。审计报告随 FinalResult 返回, 可序列化为 JSON。

// Transformation 已提交的变换
type Transformation struct {
	// Round 提交发生的迭代轮次
	Round int `json:"round"`

	// CommitIndex 全局提交序号（从 1 开始）
	CommitIndex int `json:"commit_index"`

	// Start/End 被替换的序列下标区间（提交时刻的下标）
	Start int `json:"start"`
	End   int `json:"end"`

	// Origin 候选来源（规则 ID 或模型标识）
	Origin string `json:"origin"`

	// Confidence 候选置信度
	Confidence float64 `json:"confidence"`

	// Original/Replacement 指令文本
	Original    []string `json:"original"`
	Replacement []string `json:"replacement"`

	// Verdict 验证判定与样本证据
	Verdict string `json:"verdict"`
	Samples int    `json:"samples,omitempty"`
	Passed  int    `json:"passed,omitempty"`

	// Score 代价评分
	Score cost.Score `json:"score"`
}

// RejectedCandidate 被拒绝或无法验证的候选
type RejectedCandidate struct {
	Round   int    `json:"round"`
	Start   int    `json:"start"`
	End     int    `json:"end"`
	Origin  string `json:"origin"`
	Code    string `json:"code"` // 错误码（A01xx）
	Verdict string `json:"verdict"`
	Reason  string `json:"reason,omitempty"`
}

// Report 会话审计报告
type Report struct {
	Arch   string `json:"arch"`
	State  string `json:"state"`
	Rounds int    `json:"rounds"`

	Applied  []Transformation    `json:"applied"`
	Rejected []RejectedCandidate `json:"rejected"`

	// Baseline/Optimized 优化前后的性能指标
	Baseline  PerformanceMetrics `json:"baseline"`
	Optimized PerformanceMetrics `json:"optimized"`

	// AggregateScore 所有已提交变换的评分合计
	AggregateScore cost.Score `json:"aggregate_score"`

	// BudgetExceeded 是否因预算耗尽提前终止
	BudgetExceeded bool `json:"budget_exceeded,omitempty"`

	// InferenceDegraded 推理协作方至少失败过一次, 会话退化为纯规则模式
	InferenceDegraded bool `json:"inference_degraded,omitempty"`

	// Error 会话级错误（Failed/Cancelled 时）
	Error string `json:"error,omitempty"`
}

// JSON 序列化审计报告
func (r *Report) JSON() ([]byte, error) {
	return json.Marshal(r)
}

// instrText 指令列表的文本形式
func instrText(instrs []isa.Instruction) []string {
	out := make([]string, len(instrs))
	for i := range instrs {
		out[i] = instrs[i].String()
	}
	return out
}
