package isa

import (
	"fmt"
	"strconv"
	"strings"
)

// ============================================================================
// 指令文本化 / 上下文 token
// ============================================================================
//
// 学习推理协作方的请求载荷：把窗口指令展开为带类别标注的 token 流，
// 寄存器名先做归一化（32 位别名折算到 64 位规范名）。

// TokenKind token 类别
type TokenKind string

const (
	TokenMnemonic  TokenKind = "mnemonic"
	TokenRegister  TokenKind = "register"
	TokenImmediate TokenKind = "immediate"
	TokenMemory    TokenKind = "memory"
	TokenSeparator TokenKind = "separator"
	TokenLabel     TokenKind = "label"
)

// Token 带类别的指令文本片段
type Token struct {
	Kind  TokenKind `json:"kind"`
	Value string    `json:"value"`
}

// 32 位寄存器别名 → 64 位规范名
var regAliases = map[string]string{
	"eax": "rax", "ecx": "rcx", "edx": "rdx", "ebx": "rbx",
	"esp": "rsp", "ebp": "rbp", "esi": "rsi", "edi": "rdi",
	"r8d": "r8", "r9d": "r9", "r10d": "r10", "r11d": "r11",
	"r12d": "r12", "r13d": "r13", "r14d": "r14", "r15d": "r15",
}

// NormalizeRegName 归一化寄存器名称
func NormalizeRegName(name string) string {
	n := strings.ToLower(name)
	if canon, ok := regAliases[n]; ok {
		return canon
	}
	return n
}

// ParseReg 解析（归一化后的）寄存器名
func ParseReg(name string) (Reg, bool) {
	n := NormalizeRegName(name)
	for r := Reg(0); r < RegCount; r++ {
		if regNames[r] == n {
			return r, true
		}
	}
	return RegNone, false
}

// Tokenize 把指令窗口展开为 token 流
func Tokenize(instrs []Instruction) []Token {
	var out []Token
	for i := range instrs {
		in := &instrs[i]
		mn := in.Op.String()
		if in.Op == OpJcc {
			mn = "j" + in.Cond.String()
		}
		out = append(out, Token{Kind: TokenMnemonic, Value: mn})
		if in.IsBranch() {
			out = append(out, Token{Kind: TokenLabel, Value: branchLabel(in)})
			continue
		}
		for k, o := range in.Operands {
			if k > 0 {
				out = append(out, Token{Kind: TokenSeparator, Value: ","})
			}
			switch o.Kind {
			case OperandReg:
				out = append(out, Token{Kind: TokenRegister, Value: o.Reg.String()})
			case OperandImm:
				out = append(out, Token{Kind: TokenImmediate, Value: fmt.Sprintf("%d", o.Imm)})
			case OperandMem:
				out = append(out, Token{Kind: TokenMemory, Value: o.String()})
			}
		}
	}
	return out
}

// branchLabel 跳转目标的文本形式
func branchLabel(in *Instruction) string {
	if in.TargetIdx == ExternalTarget {
		return fmt.Sprintf("0x%x", in.TargetAddr)
	}
	return fmt.Sprintf(".L%d", in.TargetIdx)
}

// 助记符 → 操作码。间接转移与 OpUnknown 无唯一文本形式，不收录。
var opsByName = map[string]Op{
	"nop": OpNop, "mov": OpMov, "add": OpAdd, "sub": OpSub,
	"and": OpAnd, "or": OpOr, "xor": OpXor, "cmp": OpCmp,
	"test": OpTest, "inc": OpInc, "dec": OpDec, "neg": OpNeg,
	"not": OpNot, "imul": OpImul, "shl": OpShl, "shr": OpShr,
	"lea": OpLea, "push": OpPush, "pop": OpPop, "xchg": OpXchg,
	"jmp": OpJmp, "call": OpCall, "ret": OpRet,
	"syscall": OpSyscall, "int": OpInt,
}

// 建模子集中带内存形式的指令。其余指令只有寄存器/立即数形式，
// 带内存操作数的候选在解析阶段即拒绝。
var memOperandOps = map[Op]bool{
	OpMov: true, OpLea: true,
}

// ParseOp 解析助记符
func ParseOp(name string) (Op, bool) {
	op, ok := opsByName[strings.ToLower(name)]
	return op, ok
}

// ParseCond 解析条件码后缀（"e"、"ne"、"b" 等）
func ParseCond(name string) (Cond, bool) {
	n := strings.ToLower(name)
	for c, cn := range condNames {
		if cn == n {
			return Cond(c), true
		}
	}
	return 0, false
}

// ParseTokens 把 token 流还原为指令列表。Tokenize 的逆操作，
// 用于解析推理协作方返回的候选序列；任何不可解析的 token 都视为错误。
func ParseTokens(tokens []Token) ([]Instruction, error) {
	var out []Instruction
	i := 0
	for i < len(tokens) {
		if tokens[i].Kind != TokenMnemonic {
			return nil, fmt.Errorf("token %d: 期望助记符, 得到 %s %q", i, tokens[i].Kind, tokens[i].Value)
		}
		mn := strings.ToLower(tokens[i].Value)
		i++

		// 条件跳转：j + 条件码后缀
		if op, ok := opsByName[mn]; !ok || op == OpJmp {
			if len(mn) > 1 && mn[0] == 'j' && mn != "jmp" {
				cond, ok := ParseCond(mn[1:])
				if !ok {
					return nil, fmt.Errorf("未知助记符 %q", mn)
				}
				in, n, err := parseBranch(tokens[i:], OpJcc, cond)
				if err != nil {
					return nil, err
				}
				out = append(out, in)
				i += n
				continue
			}
		}

		op, ok := opsByName[mn]
		if !ok {
			return nil, fmt.Errorf("未知助记符 %q", mn)
		}
		if op == OpJmp || op == OpCall {
			in, n, err := parseBranch(tokens[i:], op, 0)
			if err != nil {
				return nil, err
			}
			out = append(out, in)
			i += n
			continue
		}

		var operands []Operand
		for i < len(tokens) && tokens[i].Kind != TokenMnemonic {
			tok := tokens[i]
			i++
			switch tok.Kind {
			case TokenSeparator:
				continue
			case TokenRegister:
				r, ok := ParseReg(tok.Value)
				if !ok {
					return nil, fmt.Errorf("未知寄存器 %q", tok.Value)
				}
				operands = append(operands, RegOp(r))
			case TokenImmediate:
				v, err := strconv.ParseInt(tok.Value, 0, 64)
				if err != nil {
					return nil, fmt.Errorf("立即数 %q: %v", tok.Value, err)
				}
				operands = append(operands, ImmOp(v))
			case TokenMemory:
				if !memOperandOps[op] {
					return nil, fmt.Errorf("指令 %s 不支持内存操作数 %q", mn, tok.Value)
				}
				m, err := parseMemToken(tok.Value)
				if err != nil {
					return nil, err
				}
				operands = append(operands, Operand{Kind: OperandMem, Mem: m})
			default:
				return nil, fmt.Errorf("指令 %s 中的非法 token %s %q", mn, tok.Kind, tok.Value)
			}
		}
		out = append(out, New(op, operands...))
	}
	return out, nil
}

// parseBranch 解析跳转目标 label, 返回指令与消费的 token 数
func parseBranch(tokens []Token, op Op, cond Cond) (Instruction, int, error) {
	if len(tokens) == 0 || tokens[0].Kind != TokenLabel {
		return Instruction{}, 0, fmt.Errorf("%s: 缺少跳转目标", op)
	}
	v := tokens[0].Value
	if strings.HasPrefix(v, ".L") {
		idx, err := strconv.Atoi(v[2:])
		if err != nil {
			return Instruction{}, 0, fmt.Errorf("跳转目标 %q: %v", v, err)
		}
		if op == OpJcc {
			return NewJcc(cond, idx), 1, nil
		}
		if op == OpCall {
			return Instruction{}, 0, fmt.Errorf("call 目标必须是外部地址")
		}
		return NewJmp(idx), 1, nil
	}
	addr, err := strconv.ParseUint(v, 0, 64)
	if err != nil {
		return Instruction{}, 0, fmt.Errorf("跳转目标 %q: %v", v, err)
	}
	switch op {
	case OpJcc:
		in := Instruction{Op: OpJcc, Cond: cond, TargetIdx: ExternalTarget, TargetAddr: addr}
		in.Effects = annotateEffects(&in)
		return in, 1, nil
	case OpCall:
		in := Instruction{Op: OpCall, TargetIdx: ExternalTarget, TargetAddr: addr}
		in.Effects = annotateEffects(&in)
		return in, 1, nil
	default:
		return NewJmpExternal(addr), 1, nil
	}
}

// parseMemToken 解析 "[base]"、"[base+disp]"、"[base+index*scale+disp]" 形式
func parseMemToken(v string) (Mem, error) {
	if len(v) < 3 || v[0] != '[' || v[len(v)-1] != ']' {
		return Mem{}, fmt.Errorf("内存操作数 %q: 缺少方括号", v)
	}
	m := Mem{Base: RegNone, Index: RegNone}
	body := v[1 : len(v)-1]

	// 按符号切分, 保留减号归入位移项
	var terms []string
	start := 0
	for i := 1; i < len(body); i++ {
		if body[i] == '+' || body[i] == '-' {
			terms = append(terms, body[start:i])
			if body[i] == '+' {
				start = i + 1
			} else {
				start = i
			}
		}
	}
	terms = append(terms, body[start:])

	for _, t := range terms {
		switch {
		case strings.Contains(t, "*"):
			parts := strings.SplitN(t, "*", 2)
			r, ok := ParseReg(parts[0])
			if !ok {
				return Mem{}, fmt.Errorf("内存操作数 %q: 未知 index 寄存器 %q", v, parts[0])
			}
			scale, err := strconv.ParseUint(parts[1], 10, 8)
			if err != nil || (scale != 1 && scale != 2 && scale != 4 && scale != 8) {
				return Mem{}, fmt.Errorf("内存操作数 %q: 非法 scale %q", v, parts[1])
			}
			m.Index, m.Scale = r, uint8(scale)
		case t != "" && (t[0] == '-' || (t[0] >= '0' && t[0] <= '9')):
			d, err := strconv.ParseInt(t, 0, 32)
			if err != nil {
				return Mem{}, fmt.Errorf("内存操作数 %q: 非法位移 %q", v, t)
			}
			m.Disp = int32(d)
		default:
			r, ok := ParseReg(t)
			if !ok {
				return Mem{}, fmt.Errorf("内存操作数 %q: 未知寄存器 %q", v, t)
			}
			if m.Base == RegNone {
				m.Base = r
			} else if m.Index == RegNone {
				m.Index, m.Scale = r, 1
			} else {
				return Mem{}, fmt.Errorf("内存操作数 %q: 寄存器过多", v)
			}
		}
	}
	if m.Base == RegNone {
		return Mem{}, fmt.Errorf("内存操作数 %q: 缺少 base 寄存器", v)
	}
	return m, nil
}
