// Package session 实现优化会话控制器
package session

import "fmt"

// ============================================================================
// 错误级别
// ============================================================================

// Severity 错误级别, 决定传播策略
type Severity int

const (
	SeverityFatal     Severity = iota // 致命：会话终止于 Failed
	SeverityCandidate                 // 候选局部：丢弃候选, 会话继续
	SeverityDegrade                   // 降级：退化为规则模式, 会话继续
	SeverityPartial                   // 部分：提前终止, 返回部分结果
)

func (s Severity) String() string {
	switch s {
	case SeverityFatal:
		return "fatal"
	case SeverityCandidate:
		return "candidate"
	case SeverityDegrade:
		return "degrade"
	case SeverityPartial:
		return "partial"
	default:
		return "unknown"
	}
}

// ============================================================================
// 会话错误码 (A 开头)
// ============================================================================

// 会话错误码常量
const (
	// A0001-A0099: 致命错误（会话终止）
	A0001 = "A0001" // 解码失败
	A0002 = "A0002" // 编码失败
	A0003 = "A0003" // 不支持的架构
	A0004 = "A0004" // 完整性破坏（地址/跳转目标不一致）
	A0005 = "A0005" // 配置非法

	// A0100-A0199: 候选局部错误（丢弃候选）
	A0100 = "A0100" // 验证超时
	A0101 = "A0101" // 不可验证
	A0102 = "A0102" // 验证拒绝

	// A0200-A0299: 降级
	A0200 = "A0200" // 推理协作方不可用

	// A0300-A0399: 部分结果
	A0300 = "A0300" // 预算耗尽
)

// codeSeverity 错误码 → 级别
var codeSeverity = map[string]Severity{
	A0001: SeverityFatal,
	A0002: SeverityFatal,
	A0003: SeverityFatal,
	A0004: SeverityFatal,
	A0005: SeverityFatal,
	A0100: SeverityCandidate,
	A0101: SeverityCandidate,
	A0102: SeverityCandidate,
	A0200: SeverityDegrade,
	A0300: SeverityPartial,
}

// SeverityOf 错误码的级别
func SeverityOf(code string) Severity {
	if s, ok := codeSeverity[code]; ok {
		return s
	}
	return SeverityFatal
}

// ============================================================================
// 会话错误
// ============================================================================

// Error 带错误码的会话错误
type Error struct {
	Code string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Severity 错误级别
func (e *Error) Severity() Severity { return SeverityOf(e.Code) }

// newError 构造会话错误
func newError(code, msg string, err error) *Error {
	return &Error{Code: code, Msg: msg, Err: err}
}
