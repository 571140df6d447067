// Package config 实现优化会话的配置加载与校验
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
	"go.uber.org/multierr"

	"github.com/tangzhangming/asmopt/internal/isa"
	"github.com/tangzhangming/asmopt/internal/rules"
)

// 常量定义
const (
	ConfigFileName = "asmopt.toml" // 配置文件名
)

// Config 优化会话配置
type Config struct {
	// Arch 目标架构（当前仅 amd64）
	Arch string `toml:"arch"`

	Signature SignatureConfig `toml:"signature"`

	Window   WindowConfig   `toml:"window"`
	Verify   VerifyConfig   `toml:"verify"`
	Proposer ProposerConfig `toml:"proposer"`
	Session  SessionConfig  `toml:"session"`
	Rules    RulesConfig    `toml:"rules"`
	Cost     CostConfig     `toml:"cost"`
}

// SignatureConfig 序列出口的活跃签名。
// 字段缺省（nil）时保守地视为全部活跃；显式给出空列表表示全部死亡。
type SignatureConfig struct {
	// LiveOutRegs 出口处活跃的寄存器名
	LiveOutRegs []string `toml:"live_out_regs"`

	// LiveOutFlags 出口处活跃的标志位名（CF/PF/ZF/SF/OF）
	LiveOutFlags []string `toml:"live_out_flags"`
}

// WindowConfig 候选窗口配置
type WindowConfig struct {
	// MinWidth/MaxWidth 滑动窗口的指令宽度范围
	MinWidth int `toml:"min_width"`
	MaxWidth int `toml:"max_width"`
}

// VerifyConfig 等价性验证配置
type VerifyConfig struct {
	// Samples 采样检验的样本数
	Samples int `toml:"samples"`

	// MinSamples 接受 Tested 判定所需的最少通过样本数
	MinSamples int `toml:"min_samples"`

	// TimeoutMS 单候选验证截止时间（毫秒）
	TimeoutMS int64 `toml:"timeout_ms"`

	// MaxSymbolicLen 符号求值的指令体长度上限, 超出走采样
	MaxSymbolicLen int `toml:"max_symbolic_len"`

	// Seed 确定性采样种子
	Seed int64 `toml:"seed"`
}

// ProposerConfig 学习推理协作方配置
type ProposerConfig struct {
	// Enabled 是否启用推理协作方（关闭时纯规则模式）
	Enabled bool `toml:"enabled"`

	// Addr 协作方 TCP 地址
	Addr string `toml:"addr"`

	// TimeoutMS 单次请求截止时间（毫秒）
	TimeoutMS int64 `toml:"timeout_ms"`

	// MaxCandidates 每窗口请求的候选数上限
	MaxCandidates int `toml:"max_candidates"`

	// MinConfidence 低于此置信度的候选直接丢弃
	MinConfidence float64 `toml:"min_confidence"`
}

// SessionConfig 会话控制配置
type SessionConfig struct {
	// Workers 验证工作协程数
	Workers int `toml:"workers"`

	// MaxRounds 迭代轮数预算, 0 表示不限
	MaxRounds int `toml:"max_rounds"`

	// TimeBudgetMS 时间预算（毫秒）, 0 表示不限
	TimeBudgetMS int64 `toml:"time_budget_ms"`

	// ReverifyInterval 每提交多少次变换做一次全局重验证
	ReverifyInterval int `toml:"reverify_interval"`
}

// RulesConfig 规则库开关
type RulesConfig struct {
	// Disabled 关闭的规则 ID 列表
	Disabled []string `toml:"disabled"`
}

// CostConfig 代价模型配置
type CostConfig struct {
	// LatencyOverrides 助记符 → 周期数, 覆盖静态延迟表
	LatencyOverrides map[string]int `toml:"latency_overrides"`
}

// Default 默认配置
func Default() *Config {
	return &Config{
		Arch: "amd64",
		Window: WindowConfig{
			MinWidth: 2,
			MaxWidth: 8,
		},
		Verify: VerifyConfig{
			Samples:        1000,
			MinSamples:     1000,
			TimeoutMS:      2000,
			MaxSymbolicLen: 16,
		},
		Proposer: ProposerConfig{
			TimeoutMS:     500,
			MaxCandidates: 8,
			MinConfidence: 0.5,
		},
		Session: SessionConfig{
			Workers:          4,
			ReverifyInterval: 32,
		},
	}
}

// Load 从文件加载配置。path 为空时返回默认配置；
// 文件中省略的字段保持默认值。
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate 校验配置, 汇总全部问题一次性返回
func (c *Config) Validate() error {
	var errs error

	if _, err := isa.ParseArch(c.Arch); err != nil {
		errs = multierr.Append(errs, err)
	}

	for _, name := range c.Signature.LiveOutRegs {
		if _, ok := isa.ParseReg(name); !ok {
			errs = multierr.Append(errs, fmt.Errorf("signature.live_out_regs: 未知寄存器 %q", name))
		}
	}
	for _, name := range c.Signature.LiveOutFlags {
		if _, ok := isa.ParseFlag(name); !ok {
			errs = multierr.Append(errs, fmt.Errorf("signature.live_out_flags: 未知标志位 %q", name))
		}
	}

	if c.Window.MinWidth < 2 {
		errs = multierr.Append(errs, fmt.Errorf("window.min_width %d: 最小为 2", c.Window.MinWidth))
	}
	if c.Window.MaxWidth > 8 {
		errs = multierr.Append(errs, fmt.Errorf("window.max_width %d: 最大为 8", c.Window.MaxWidth))
	}
	if c.Window.MinWidth > c.Window.MaxWidth {
		errs = multierr.Append(errs, fmt.Errorf("window.min_width %d 大于 max_width %d", c.Window.MinWidth, c.Window.MaxWidth))
	}

	if c.Verify.Samples <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("verify.samples %d: 必须为正", c.Verify.Samples))
	}
	if c.Verify.MinSamples <= 0 || c.Verify.MinSamples > c.Verify.Samples {
		errs = multierr.Append(errs, fmt.Errorf("verify.min_samples %d: 必须在 (0, samples] 内", c.Verify.MinSamples))
	}
	if c.Verify.TimeoutMS <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("verify.timeout_ms %d: 必须为正", c.Verify.TimeoutMS))
	}

	if c.Proposer.Enabled && c.Proposer.Addr == "" {
		errs = multierr.Append(errs, fmt.Errorf("proposer.enabled 但未配置 proposer.addr"))
	}
	if c.Proposer.MinConfidence < 0 || c.Proposer.MinConfidence > 1 {
		errs = multierr.Append(errs, fmt.Errorf("proposer.min_confidence %v: 必须在 [0,1] 内", c.Proposer.MinConfidence))
	}

	if c.Session.Workers < 1 {
		errs = multierr.Append(errs, fmt.Errorf("session.workers %d: 至少为 1", c.Session.Workers))
	}
	if c.Session.ReverifyInterval < 1 {
		errs = multierr.Append(errs, fmt.Errorf("session.reverify_interval %d: 至少为 1", c.Session.ReverifyInterval))
	}

	known := make(map[string]bool)
	for _, r := range rules.All() {
		known[r.ID()] = true
	}
	for _, id := range c.Rules.Disabled {
		if !known[id] {
			errs = multierr.Append(errs, fmt.Errorf("rules.disabled: 未知规则 %q", id))
		}
	}

	for mn := range c.Cost.LatencyOverrides {
		if _, ok := isa.ParseOp(mn); !ok {
			errs = multierr.Append(errs, fmt.Errorf("cost.latency_overrides: 未知助记符 %q", mn))
		}
	}

	return errs
}

// VerifyTimeout 验证截止时间
func (c *Config) VerifyTimeout() time.Duration {
	return time.Duration(c.Verify.TimeoutMS) * time.Millisecond
}

// ProposerTimeout 推理请求截止时间
func (c *Config) ProposerTimeout() time.Duration {
	return time.Duration(c.Proposer.TimeoutMS) * time.Millisecond
}

// TimeBudget 会话时间预算, 0 表示不限
func (c *Config) TimeBudget() time.Duration {
	return time.Duration(c.Session.TimeBudgetMS) * time.Millisecond
}

// LiveOutSignature 解析出口活跃签名。缺省字段返回全集。
// 名称已在 Validate 中确认合法。
func (c *Config) LiveOutSignature() (isa.RegSet, isa.FlagSet) {
	regs := isa.AllRegs
	if c.Signature.LiveOutRegs != nil {
		regs = 0
		for _, name := range c.Signature.LiveOutRegs {
			if r, ok := isa.ParseReg(name); ok {
				regs = regs.Add(r)
			}
		}
	}
	flags := isa.AllFlags
	if c.Signature.LiveOutFlags != nil {
		flags = 0
		for _, name := range c.Signature.LiveOutFlags {
			if f, ok := isa.ParseFlag(name); ok {
				flags |= f
			}
		}
	}
	return regs, flags
}

// EnabledRules 过滤掉被关闭规则后的规则库
func (c *Config) EnabledRules() []rules.Rule {
	disabled := make(map[string]bool, len(c.Rules.Disabled))
	for _, id := range c.Rules.Disabled {
		disabled[id] = true
	}
	var out []rules.Rule
	for _, r := range rules.All() {
		if !disabled[r.ID()] {
			out = append(out, r)
		}
	}
	return out
}

// CostTable 由静态延迟表与覆盖项构造代价表输入。
// 覆盖表的键已在 Validate 中确认为合法助记符。
func (c *Config) CostTable() map[isa.Op]uint64 {
	if len(c.Cost.LatencyOverrides) == 0 {
		return nil
	}
	out := make(map[isa.Op]uint64, len(c.Cost.LatencyOverrides))
	for mn, lat := range c.Cost.LatencyOverrides {
		if op, ok := isa.ParseOp(mn); ok && lat >= 0 {
			out[op] = uint64(lat)
		}
	}
	return out
}
