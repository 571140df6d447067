package verify

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/tangzhangming/asmopt/internal/isa"
)

// ============================================================================
// 验证器
// ============================================================================

// 默认配置
const (
	DefaultSamples = 1000
	DefaultTimeout = 2 * time.Second

	// DefaultMaxSymbolicLen 符号求值的最大指令体长度。
	// 含内存副作用或超长的窗口走采样；阈值可调（见会话配置）。
	DefaultMaxSymbolicLen = 16
)

// Config 验证器配置
type Config struct {
	Samples        int           // 采样检验的样本数
	Timeout        time.Duration // 单候选验证截止时间
	MaxSymbolicLen int           // 符号求值的指令体长度上限
	Seed           int64         // 确定性采样种子
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		Samples:        DefaultSamples,
		Timeout:        DefaultTimeout,
		MaxSymbolicLen: DefaultMaxSymbolicLen,
	}
}

// Verifier 等价性验证器。无共享可变状态，可被多个工作线程并发使用。
type Verifier struct {
	cfg Config
	log *zap.Logger
}

// New 创建验证器
func New(cfg Config, log *zap.Logger) *Verifier {
	if cfg.Samples <= 0 {
		cfg.Samples = DefaultSamples
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxSymbolicLen <= 0 {
		cfg.MaxSymbolicLen = DefaultMaxSymbolicLen
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Verifier{cfg: cfg, log: log}
}

// ExclusionReason 硬排除检查：返回首个不可验证指令的原因，无则空串。
// 排除不受置信度影响：输入可能是对抗性的。
func ExclusionReason(instrs []isa.Instruction) string {
	for i := range instrs {
		in := &instrs[i]
		e := in.Effects
		switch {
		case e.Control == isa.CtrlSyscall:
			return fmt.Sprintf("instruction %d (%s): syscall or software interrupt", i, in)
		case e.Control == isa.CtrlIndirect:
			return fmt.Sprintf("instruction %d (%s): statically unbounded control transfer", i, in)
		case e.Control == isa.CtrlCall || e.Control == isa.CtrlRet:
			return fmt.Sprintf("instruction %d (%s): crosses call boundary", i, in)
		case e.Unknown:
			return fmt.Sprintf("instruction %d (%s): unknown effects", i, in)
		case (e.Control == isa.CtrlBranch || e.Control == isa.CtrlCondBranch) && i != len(instrs)-1:
			return fmt.Sprintf("instruction %d (%s): branch not at window end", i, in)
		}
	}
	return ""
}

// Verify 判定 orig 与 repl 在活跃出口 (liveRegs, liveFlags) 上是否等价。
//
// liveRegs/liveFlags 是窗口出口处的活跃集合（由序列级活跃性分析给出，
// 含窗口之后的读取与序列出口签名）。
// 返回的 error 仅表示会话取消；验证本身的失败都编码在 Result 里。
func (v *Verifier) Verify(ctx context.Context, orig, repl []isa.Instruction, liveRegs isa.RegSet, liveFlags isa.FlagSet) (Result, error) {
	return v.VerifyAt(ctx, orig, repl, liveRegs, liveFlags, -1)
}

// VerifyAt 同 Verify，并额外给出窗口在原序列中的结束下标 end
// （窗口后首条指令的下标）。末尾的无条件跳转若目标恰为 end，
// 它等价于顺序执行，替换序列允许把它去掉。end < 0 表示位置未知，
// 此时任何去掉末尾跳转的替换都被拒绝。
func (v *Verifier) VerifyAt(ctx context.Context, orig, repl []isa.Instruction, liveRegs isa.RegSet, liveFlags isa.FlagSet, end int) (Result, error) {
	// 第一层：硬排除
	if reason := ExclusionReason(orig); reason != "" {
		return Result{Verdict: VerdictUnverifiable, Reason: reason}, nil
	}
	if reason := ExclusionReason(repl); reason != "" {
		// 候选引入被排除指令：同样无条件拒绝
		return Result{Verdict: VerdictUnverifiable, Reason: "replacement: " + reason}, nil
	}

	// 末尾跳转拆分：两边必须以语义相同的跳转收尾（或都没有）
	origBody, origBr := splitTrailingBranch(orig)
	replBody, replBr := splitTrailingBranch(repl)
	switch {
	case origBr == nil && replBr != nil:
		return Result{Verdict: VerdictRejected, Reason: "replacement introduces a branch"}, nil
	case origBr != nil && replBr == nil:
		if !jumpToFallthrough(origBr, end) {
			return Result{Verdict: VerdictRejected, Reason: "replacement drops the trailing branch"}, nil
		}
		origBr = nil
	case origBr != nil && !origBr.SameSemantics(replBr):
		return Result{Verdict: VerdictRejected, Reason: "trailing branches differ"}, nil
	}
	if origBr != nil {
		// 跳转读取的标志位对指令体而言是活跃的
		liveFlags |= origBr.Effects.FlagsRead
	}

	// 第二层：符号求值
	if len(origBody) <= v.cfg.MaxSymbolicLen && len(replBody) <= v.cfg.MaxSymbolicLen {
		if proven, ok := symbolicEqual(origBody, replBody, liveRegs, liveFlags); ok {
			if proven {
				return Result{Verdict: VerdictSymbolicProven}, nil
			}
			// 符号求值成功但证明不等价：规范形不同仍可能逐点相等，
			// 继续采样而不是直接拒绝
			v.log.Debug("symbolic proof inconclusive",
				zap.String("orig", symbolicSummary(origBody, liveRegs)),
				zap.String("repl", symbolicSummary(replBody, liveRegs)))
		}
	}

	// 第三层：采样检验
	return v.sampled(ctx, origBody, replBody, liveRegs, liveFlags)
}

// jumpToFallthrough 无条件跳转的目标恰为窗口的落空出口
func jumpToFallthrough(br *isa.Instruction, end int) bool {
	return end >= 0 && br.Op == isa.OpJmp && br.TargetIdx == end
}

// splitTrailingBranch 拆出末尾的相对跳转
func splitTrailingBranch(instrs []isa.Instruction) ([]isa.Instruction, *isa.Instruction) {
	if n := len(instrs); n > 0 {
		c := instrs[n-1].Effects.Control
		if c == isa.CtrlBranch || c == isa.CtrlCondBranch {
			return instrs[:n-1], &instrs[n-1]
		}
	}
	return instrs, nil
}

// sampled 采样检验：确定性种子生成输入状态，具体执行两个指令体并
// 比较活跃出口。截止时间在样本间协作检查，超时报告为拒绝。
func (v *Verifier) sampled(ctx context.Context, orig, repl []isa.Instruction, liveRegs isa.RegSet, liveFlags isa.FlagSet) (Result, error) {
	rng := rand.New(rand.NewSource(v.cfg.Seed))
	deadline := time.Now().Add(v.cfg.Timeout)

	for i := 0; i < v.cfg.Samples; i++ {
		// 协作取消点：每个样本之间
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		if time.Now().After(deadline) {
			v.log.Debug("verification timeout",
				zap.Int("samples_done", i),
				zap.Duration("timeout", v.cfg.Timeout))
			return Result{
				Verdict: VerdictRejected,
				Samples: v.cfg.Samples,
				Passed:  i,
				Reason:  fmt.Sprintf("timeout after %d/%d samples", i, v.cfg.Samples),
			}, nil
		}

		input := isa.RandomState(rng)
		so := input.Clone()
		if err := isa.ExecSeq(so, orig); err != nil {
			return Result{Verdict: VerdictUnverifiable, Reason: "original: " + err.Error()}, nil
		}
		sr := input.Clone()
		if err := isa.ExecSeq(sr, repl); err != nil {
			return Result{Verdict: VerdictUnverifiable, Reason: "replacement: " + err.Error()}, nil
		}

		if !so.EqualOn(sr, liveRegs, liveFlags) {
			return Result{
				Verdict:        VerdictRejected,
				Samples:        v.cfg.Samples,
				Passed:         i,
				Reason:         fmt.Sprintf("counterexample at sample %d", i),
				Counterexample: input,
			}, nil
		}
	}

	return Result{Verdict: VerdictTested, Samples: v.cfg.Samples, Passed: v.cfg.Samples}, nil
}
