package rules

import (
	"testing"

	"github.com/tangzhangming/asmopt/internal/isa"
)

// win 构造测试窗口
func win(liveOut isa.RegSet, liveFlags isa.FlagSet, instrs ...isa.Instruction) *Window {
	return &Window{Base: 0, Instrs: instrs, LiveOut: liveOut, LiveOutFlags: liveFlags}
}

// findRule 按 ID 取规则
func findRule(t *testing.T, id string) Rule {
	t.Helper()
	for _, r := range All() {
		if r.ID() == id {
			return r
		}
	}
	t.Fatalf("rule %q not found", id)
	return nil
}

// TestSelfMoveElim 测试自传送消除
func TestSelfMoveElim(t *testing.T) {
	r := findRule(t, "self-move-elim")
	w := win(isa.AllRegs, isa.AllFlags,
		isa.New(isa.OpMov, isa.RegOp(isa.RAX), isa.RegOp(isa.RAX)),
		isa.New(isa.OpMov, isa.RegOp(isa.RAX), isa.RegOp(isa.RBX)),
	)
	ms := r.Apply(w)
	if len(ms) != 1 || ms[0].Start != 0 || ms[0].End != 1 || len(ms[0].Replacement) != 0 {
		t.Fatalf("unexpected matches: %+v", ms)
	}
}

// TestMovPairCancel 测试往返传送对消
func TestMovPairCancel(t *testing.T) {
	r := findRule(t, "mov-pair-cancel")
	w := win(isa.AllRegs, isa.AllFlags,
		isa.New(isa.OpMov, isa.RegOp(isa.RAX), isa.RegOp(isa.RBX)),
		isa.New(isa.OpMov, isa.RegOp(isa.RBX), isa.RegOp(isa.RAX)),
	)
	ms := r.Apply(w)
	if len(ms) != 1 {
		t.Fatalf("expected one match, got %d", len(ms))
	}
	if len(ms[0].Replacement) != 1 || ms[0].Replacement[0].Op != isa.OpMov {
		t.Fatalf("replacement must keep the first mov: %+v", ms[0])
	}
}

// TestDeadStoreElim 测试死寄存器写消除依赖活跃性
func TestDeadStoreElim(t *testing.T) {
	r := findRule(t, "dead-store-elim")
	mov := isa.New(isa.OpMov, isa.RegOp(isa.RAX), isa.RegOp(isa.RBX))

	// rax 在出口死亡：可删除
	dead := win(isa.RegsOf(isa.RBX), isa.FlagsNone, mov)
	if ms := r.Apply(dead); len(ms) != 1 {
		t.Errorf("dead rax store must match, got %+v", ms)
	}

	// rax 活跃：不可删除
	live := win(isa.RegsOf(isa.RAX), isa.FlagsNone, mov)
	if ms := r.Apply(live); len(ms) != 0 {
		t.Errorf("live rax store must not match, got %+v", ms)
	}

	// 窗口内后继读取 rax：不可删除
	read := win(isa.RegsOf(isa.RCX), isa.FlagsNone,
		mov,
		isa.New(isa.OpMov, isa.RegOp(isa.RCX), isa.RegOp(isa.RAX)),
	)
	for _, m := range r.Apply(read) {
		if m.Start == 0 {
			t.Errorf("store read later in window must not match")
		}
	}
}

// TestDeadFlagWriteElim 测试死标志写消除（场景：cmp 后接无条件跳转）
func TestDeadFlagWriteElim(t *testing.T) {
	r := findRule(t, "dead-flag-write-elim")

	// 标志死亡：cmp 可删
	w := win(isa.AllRegs, isa.FlagsNone,
		isa.New(isa.OpCmp, isa.RegOp(isa.RAX), isa.ImmOp(0)),
		isa.NewJmpExternal(0x9000),
	)
	if ms := r.Apply(w); len(ms) != 1 || ms[0].Start != 0 {
		t.Errorf("dead cmp before jmp must match, got %+v", ms)
	}

	// 后继条件跳转读取标志：不可删
	keep := win(isa.AllRegs, isa.FlagsNone,
		isa.New(isa.OpCmp, isa.RegOp(isa.RAX), isa.ImmOp(0)),
		isa.NewJcc(isa.CondE, 5),
	)
	if ms := r.Apply(keep); len(ms) != 0 {
		t.Errorf("cmp feeding jcc must not match, got %+v", ms)
	}
}

// TestXorZeroIdiom 测试清零惯用法替换
func TestXorZeroIdiom(t *testing.T) {
	r := findRule(t, "xor-zero-idiom")
	mov0 := isa.New(isa.OpMov, isa.RegOp(isa.RAX), isa.ImmOp(0))

	w := win(isa.AllRegs, isa.FlagsNone, mov0)
	ms := r.Apply(w)
	if len(ms) != 1 || len(ms[0].Replacement) != 1 || ms[0].Replacement[0].Op != isa.OpXor {
		t.Fatalf("expected xor replacement, got %+v", ms)
	}

	// 标志活跃时不可替换（xor 会破坏标志）
	flagsLive := win(isa.AllRegs, isa.FlagZF, mov0)
	if ms := r.Apply(flagsLive); len(ms) != 0 {
		t.Errorf("xor-zero must not fire with live flags, got %+v", ms)
	}
}

// TestArithIdentityElim 测试恒等算术消除
func TestArithIdentityElim(t *testing.T) {
	r := findRule(t, "arith-identity-elim")

	w := win(isa.AllRegs, isa.FlagsNone,
		isa.New(isa.OpAdd, isa.RegOp(isa.RAX), isa.ImmOp(0)),
		isa.New(isa.OpImul, isa.RegOp(isa.RBX), isa.ImmOp(1)),
		isa.New(isa.OpSub, isa.RegOp(isa.RCX), isa.ImmOp(7)),
	)
	ms := r.Apply(w)
	if len(ms) != 2 || ms[0].Start != 0 || ms[1].Start != 1 {
		t.Fatalf("expected add 0 and imul 1 to match, got %+v", ms)
	}

	// imul 1 写标志, 标志活跃时不可删
	flagsLive := win(isa.AllRegs, isa.FlagZF,
		isa.New(isa.OpImul, isa.RegOp(isa.RBX), isa.ImmOp(1)),
	)
	if ms := r.Apply(flagsLive); len(ms) != 0 {
		t.Errorf("identity elim must not fire with live flags, got %+v", ms)
	}
}

// TestAddOneToInc 测试 add r,1 → inc r 的 CF 约束
func TestAddOneToInc(t *testing.T) {
	r := findRule(t, "add-one-to-inc")
	add1 := isa.New(isa.OpAdd, isa.RegOp(isa.RAX), isa.ImmOp(1))

	w := win(isa.AllRegs, isa.FlagsNone, add1)
	ms := r.Apply(w)
	if len(ms) != 1 || ms[0].Replacement[0].Op != isa.OpInc {
		t.Fatalf("expected inc replacement, got %+v", ms)
	}

	// CF 活跃：inc 不写 CF，不可替换
	cfLive := win(isa.AllRegs, isa.FlagCF, add1)
	if ms := r.Apply(cfLive); len(ms) != 0 {
		t.Errorf("add→inc must not fire with live CF, got %+v", ms)
	}
	// 只有 ZF 活跃：仍可替换
	zfLive := win(isa.AllRegs, isa.FlagZF, add1)
	if ms := r.Apply(zfLive); len(ms) != 1 {
		t.Errorf("add→inc should fire with only ZF live, got %+v", ms)
	}
}

// TestJumpToNextElim 测试跳转到下一条指令的消除
func TestJumpToNextElim(t *testing.T) {
	r := findRule(t, "jump-to-next-elim")
	w := &Window{
		Base: 3,
		Instrs: []isa.Instruction{
			isa.NewJmp(4), // 序列下标 3，目标 4 即下一条
			isa.New(isa.OpRet),
		},
		LiveOut:      isa.AllRegs,
		LiveOutFlags: isa.AllFlags,
	}
	ms := r.Apply(w)
	if len(ms) != 1 || ms[0].Start != 0 {
		t.Fatalf("jmp-to-next must match, got %+v", ms)
	}

	far := &Window{
		Base:         3,
		Instrs:       []isa.Instruction{isa.NewJmp(9), isa.New(isa.OpRet)},
		LiveOut:      isa.AllRegs,
		LiveOutFlags: isa.AllFlags,
	}
	if ms := r.Apply(far); len(ms) != 0 {
		t.Errorf("far jmp must not match, got %+v", ms)
	}
}

// TestRuleIDsStable 测试规则 ID 唯一且稳定
func TestRuleIDsStable(t *testing.T) {
	seen := make(map[string]bool)
	for _, r := range All() {
		if r.ID() == "" {
			t.Error("rule with empty ID")
		}
		if seen[r.ID()] {
			t.Errorf("duplicate rule ID %q", r.ID())
		}
		seen[r.ID()] = true
	}
}
