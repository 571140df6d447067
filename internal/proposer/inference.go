package proposer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.lsp.dev/jsonrpc2"
	"go.uber.org/zap"

	"github.com/tangzhangming/asmopt/internal/isa"
	"github.com/tangzhangming/asmopt/internal/rules"
)

// ============================================================================
// 学习推理协作方
// ============================================================================
//
// 通过 JSON-RPC 2.0（LSP 风格头部分帧, TCP）连接外部推理服务。
// 协作方持有训练好的模型, 本进程只发送窗口 token 流并解析返回的候选。
// 协作方是可选组件：连接失败或超时不会中断优化, 上层退化为纯规则模式。

// ErrInferenceUnavailable 推理协作方不可用
var ErrInferenceUnavailable = errors.New("inference backend unavailable")

// proposeMethod 候选生成的 RPC 方法名
const proposeMethod = "superopt/propose"

// 默认配置
const (
	DefaultInferenceTimeout = 500 * time.Millisecond
	DefaultMaxCandidates    = 8
)

// InferenceConfig 推理协作方配置
type InferenceConfig struct {
	Addr          string        // TCP 地址, 如 "127.0.0.1:7520"
	Timeout       time.Duration // 单次请求截止时间
	MaxCandidates int           // 每窗口请求的候选数上限
	MinConfidence float64       // 低于此置信度的候选直接丢弃
}

// proposeRequest 发往协作方的窗口描述
type proposeRequest struct {
	Arch          string      `json:"arch"`
	Tokens        []isa.Token `json:"tokens"`
	LiveOutRegs   []string    `json:"live_out_regs"`
	LiveOutFlags  string      `json:"live_out_flags"`
	MaxCandidates int         `json:"max_candidates"`
}

// proposeReply 协作方返回的候选列表
type proposeReply struct {
	Model      string             `json:"model"`
	Candidates []proposeCandidate `json:"candidates"`
}

type proposeCandidate struct {
	Tokens     []isa.Token `json:"tokens"`
	Confidence float64     `json:"confidence"`
}

// InferenceClient 推理协作方客户端。连接懒建立, 断连后下次请求重连。
type InferenceClient struct {
	cfg  InferenceConfig
	arch isa.Arch
	log  *zap.Logger

	mu   sync.Mutex
	conn jsonrpc2.Conn
}

// NewInferenceClient 创建推理客户端
func NewInferenceClient(cfg InferenceConfig, arch isa.Arch, log *zap.Logger) *InferenceClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultInferenceTimeout
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = DefaultMaxCandidates
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &InferenceClient{cfg: cfg, arch: arch, log: log}
}

// ensureConn 建立或复用连接
func (c *InferenceClient) ensureConn(ctx context.Context) (jsonrpc2.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		select {
		case <-c.conn.Done():
			c.conn = nil
		default:
			return c.conn, nil
		}
	}
	d := net.Dialer{Timeout: c.cfg.Timeout}
	sock, err := d.DialContext(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrInferenceUnavailable, c.cfg.Addr, err)
	}
	conn := jsonrpc2.NewConn(jsonrpc2.NewStream(sock))
	conn.Go(ctx, jsonrpc2.MethodNotFoundHandler)
	c.conn = conn
	return conn, nil
}

// drop 丢弃失效连接
func (c *InferenceClient) drop(conn jsonrpc2.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()
}

// Close 关闭连接
func (c *InferenceClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Generate 请求协作方为窗口生成候选。
// 返回的错误都包装 ErrInferenceUnavailable（上下文取消除外）,
// 供上层识别并退化；不可解析或低置信度的候选静默丢弃。
func (c *InferenceClient) Generate(ctx context.Context, w *rules.Window) ([]Candidate, error) {
	conn, err := c.ensureConn(ctx)
	if err != nil {
		return nil, err
	}

	req := proposeRequest{
		Arch:          c.arch.String(),
		Tokens:        isa.Tokenize(w.Instrs),
		LiveOutRegs:   regNames(w.LiveOut),
		LiveOutFlags:  w.LiveOutFlags.String(),
		MaxCandidates: c.cfg.MaxCandidates,
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	var reply proposeReply
	if _, err := conn.Call(callCtx, proposeMethod, req, &reply); err != nil {
		c.drop(conn)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrInferenceUnavailable, proposeMethod, err)
	}

	origin := "model"
	if reply.Model != "" {
		origin = "model:" + reply.Model
	}
	var out []Candidate
	for i, pc := range reply.Candidates {
		if pc.Confidence < c.cfg.MinConfidence {
			continue
		}
		instrs, err := isa.ParseTokens(pc.Tokens)
		if err != nil {
			c.log.Debug("discarding unparseable model candidate",
				zap.Int("index", i), zap.Error(err))
			continue
		}
		out = append(out, Candidate{
			Start:       w.Base,
			End:         w.Base + len(w.Instrs),
			Replacement: instrs,
			Origin:      origin,
			Confidence:  pc.Confidence,
		})
	}
	return out, nil
}

// regNames 活跃寄存器集合的文本形式（协议用）
func regNames(s isa.RegSet) []string {
	out := make([]string, 0, s.Count())
	for r := isa.Reg(0); r < isa.RegCount; r++ {
		if s.Has(r) {
			out = append(out, r.String())
		}
	}
	return out
}
