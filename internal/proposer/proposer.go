// Package proposer 实现替换候选的生成。
//
// 候选来自两条路径：确定性规则库与外部学习推理协作方。
// 两条路径的输出在这里合并去重；推理协作方不可用时自动退化为纯规则模式。
// 所有候选都只是「提议」，接受与否由验证器与代价模型决定。
package proposer

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/tangzhangming/asmopt/internal/isa"
	"github.com/tangzhangming/asmopt/internal/rules"
)

// ============================================================================
// 候选
// ============================================================================

// Candidate 替换候选：把序列下标区间 [Start, End) 替换为 Replacement。
type Candidate struct {
	Start       int
	End         int
	Replacement []isa.Instruction
	Origin      string  // 规则 ID 或模型标识（进入审计记录）
	Confidence  float64 // 规则候选恒为 1
}

// Key 候选的去重键（区间 + 替换内容的文本形式）
func (c *Candidate) Key() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d:%d", c.Start, c.End)
	for i := range c.Replacement {
		sb.WriteByte('|')
		sb.WriteString(c.Replacement[i].String())
	}
	return sb.String()
}

// Generator 候选生成器
type Generator interface {
	// Generate 为窗口生成候选。候选下标是序列级的绝对下标。
	Generate(ctx context.Context, w *rules.Window) ([]Candidate, error)
}

// ============================================================================
// 规则生成器
// ============================================================================

// RuleGenerator 把规则库的命中转换为候选
type RuleGenerator struct {
	rules []rules.Rule
}

// NewRuleGenerator 创建规则生成器。rs 为空时使用内置规则库。
func NewRuleGenerator(rs []rules.Rule) *RuleGenerator {
	if len(rs) == 0 {
		rs = rules.All()
	}
	return &RuleGenerator{rules: rs}
}

func (g *RuleGenerator) Generate(_ context.Context, w *rules.Window) ([]Candidate, error) {
	var out []Candidate
	for _, r := range g.rules {
		for _, m := range r.Apply(w) {
			out = append(out, Candidate{
				Start:       w.Base + m.Start,
				End:         w.Base + m.End,
				Replacement: m.Replacement,
				Origin:      r.ID(),
				Confidence:  1,
			})
		}
	}
	return out, nil
}

// ============================================================================
// 合并生成器
// ============================================================================

// Merged 按固定顺序运行多个生成器并合并去重。
// 规则生成器在前：同一候选来自多个来源时保留最先出现的来源标识。
// 推理协作方失败只记日志并退化，不中断本窗口的规则候选。
type Merged struct {
	gens     []Generator
	log      *zap.Logger
	degraded atomic.Int64
}

// NewMerged 创建合并生成器
func NewMerged(log *zap.Logger, gens ...Generator) *Merged {
	if log == nil {
		log = zap.NewNop()
	}
	return &Merged{gens: gens, log: log}
}

// Degraded 会话开始以来生成器退化（失败被吸收）的次数
func (m *Merged) Degraded() int64 {
	return m.degraded.Load()
}

func (m *Merged) Generate(ctx context.Context, w *rules.Window) ([]Candidate, error) {
	seen := make(map[string]struct{})
	var out []Candidate
	for _, g := range m.gens {
		cs, err := g.Generate(ctx, w)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			m.degraded.Inc()
			m.log.Warn("candidate generator degraded",
				zap.Int("window_base", w.Base),
				zap.Error(err))
			continue
		}
		for _, c := range cs {
			k := c.Key()
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, c)
		}
	}
	// 确定性输出顺序：区间起点、区间终点、去重键
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Start != out[j].Start {
			return out[i].Start < out[j].Start
		}
		if out[i].End != out[j].End {
			return out[i].End < out[j].End
		}
		return out[i].Key() < out[j].Key()
	})
	return out, nil
}

// ============================================================================
// 窗口枚举
// ============================================================================

// excluded 不能进入窗口内部的指令
func excluded(in *isa.Instruction) bool {
	e := in.Effects
	return e.Unknown || e.Control == isa.CtrlSyscall || e.Control == isa.CtrlIndirect ||
		e.Control == isa.CtrlCall || e.Control == isa.CtrlRet
}

// Windows 枚举序列的滑动窗口。
//
// 每个起点取最大可用窗口：长度至多 maxWidth, 在被排除指令处截断,
// 相对跳转只允许作为窗口末条指令。长度不足 minWidth 的窗口被丢弃。
// 出口活跃集合来自序列级活跃性分析。
func Windows(seq *isa.Sequence, minWidth, maxWidth int) []rules.Window {
	if minWidth < 1 {
		minWidth = 1
	}
	live := seq.ComputeLiveness()
	var out []rules.Window
	for start := 0; start < seq.Len(); start++ {
		end := start
		for end < seq.Len() && end-start < maxWidth {
			in := &seq.Instrs[end]
			if excluded(in) {
				break
			}
			end++
			if in.IsBranch() {
				break
			}
		}
		if end-start < minWidth {
			continue
		}
		lvR, lvF := live.Regs[end], live.Flags[end]
		if seq.Instrs[end-1].IsBranch() {
			// 窗口以跳转收尾时, 出口活跃要并上跳转目标一侧
			lvR, lvF = seq.InstrLiveOut(live, end-1)
		}
		out = append(out, rules.Window{
			Base:         start,
			Instrs:       seq.Window(start, end),
			LiveOut:      lvR,
			LiveOutFlags: lvF,
		})
	}
	return out
}
