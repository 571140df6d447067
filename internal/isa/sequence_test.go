package isa

import (
	"testing"
)

// TestReplaceRange 测试区间替换后的目标下标调整与地址重排
func TestReplaceRange(t *testing.T) {
	seq := mustSeq(t,
		New(OpMov, RegOp(RAX), RegOp(RBX)),  // 0
		New(OpMov, RegOp(RBX), RegOp(RAX)),  // 1
		New(OpAdd, RegOp(RAX), ImmOp(1)),    // 2
		New(OpTest, RegOp(RAX), RegOp(RAX)), // 3
		NewJcc(CondNE, 2),                   // 4: jne .2
		New(OpRet),                          // 5
	)

	// 把 [0,2) 两条 mov 换成一条
	repl := []Instruction{New(OpMov, RegOp(RAX), RegOp(RBX))}
	out, err := seq.ReplaceRange(0, 2, repl)
	if err != nil {
		t.Fatalf("ReplaceRange: %v", err)
	}
	if out.Len() != 5 {
		t.Fatalf("length after replace: got %d, want 5", out.Len())
	}
	// jne 目标从 2 调整到 1
	if out.Instrs[3].TargetIdx != 1 {
		t.Errorf("branch target after replace: got %d, want 1", out.Instrs[3].TargetIdx)
	}
	if err := out.CheckIntegrity(); err != nil {
		t.Errorf("integrity after replace: %v", err)
	}
	// 原序列不受影响
	if seq.Len() != 6 || seq.Instrs[4].TargetIdx != 2 {
		t.Error("original sequence mutated by ReplaceRange")
	}
}

// TestReplaceRangeInteriorTarget 测试跳入编辑区间内部时替换被拒绝
func TestReplaceRangeInteriorTarget(t *testing.T) {
	seq := mustSeq(t,
		NewJmp(2),                          // 0: jmp .2
		New(OpMov, RegOp(RAX), RegOp(RBX)), // 1
		New(OpMov, RegOp(RBX), RegOp(RCX)), // 2
		New(OpRet),                         // 3
	)
	// [1,3) 的内部（下标 2）是跳转目标
	if _, err := seq.ReplaceRange(1, 3, nil); err == nil {
		t.Fatal("expected rejection: branch targets interior of edited range")
	}
	// 区间起点作为目标是允许的
	if _, err := seq.ReplaceRange(2, 3, []Instruction{New(OpNop)}); err != nil {
		t.Fatalf("replace with range-start target should succeed: %v", err)
	}
}

// TestCheckIntegrity 测试地址不变式校验
func TestCheckIntegrity(t *testing.T) {
	seq := mustSeq(t,
		New(OpMov, RegOp(RAX), RegOp(RBX)),
		New(OpRet),
	)
	if err := seq.CheckIntegrity(); err != nil {
		t.Fatalf("valid sequence: %v", err)
	}
	// 人为制造地址空洞
	bad := seq.Clone()
	bad.Instrs[1].Addr += 2
	if err := bad.CheckIntegrity(); err == nil {
		t.Error("expected integrity violation for address gap")
	}
}

// TestComputeLiveness 测试反向活跃性分析
func TestComputeLiveness(t *testing.T) {
	seq := mustSeq(t,
		New(OpMov, RegOp(RAX), RegOp(RBX)), // 0: 读 rbx 写 rax
		New(OpAdd, RegOp(RAX), RegOp(RCX)), // 1: 读 rax,rcx 写 rax+标志
		New(OpMov, RegOp(RDX), RegOp(RAX)), // 2
		New(OpRet),                         // 3
	)
	seq.LiveOut = RegsOf(RDX)
	seq.LiveOutFlags = FlagsNone

	lv := seq.ComputeLiveness()

	// 入口处 rbx、rcx 活跃（rax 会先被覆盖）
	if !lv.Regs[0].Has(RBX) || !lv.Regs[0].Has(RCX) {
		t.Errorf("entry liveness: got %s, want rbx and rcx live", lv.Regs[0])
	}
	if lv.Regs[0].Has(RAX) {
		t.Errorf("rax must be dead at entry, got %s", lv.Regs[0])
	}
	// add 之后标志位死亡（出口不要求标志）
	if lv.Flags[2] != FlagsNone {
		t.Errorf("flags after add must be dead, got %s", lv.Flags[2])
	}
}

// TestLivenessFlagsDeadAcrossJmp 测试无条件跳转出口处标志位按签名处理
func TestLivenessFlagsDeadAcrossJmp(t *testing.T) {
	seq := mustSeq(t,
		New(OpCmp, RegOp(RAX), ImmOp(0)), // 0: 只写标志
		NewJmpExternal(0x9000),           // 1
	)
	seq.LiveOut = AllRegs
	seq.LiveOutFlags = FlagsNone

	lv := seq.ComputeLiveness()
	// cmp 写入的标志在出口死亡：cmp 之前标志也无需活跃
	if lv.Flags[0] != FlagsNone {
		t.Errorf("flags before cmp must be dead, got %s", lv.Flags[0])
	}
}

// TestLivenessCondBranchUnion 测试条件跳转按两个后继合并
func TestLivenessCondBranchUnion(t *testing.T) {
	seq := mustSeq(t,
		NewJcc(CondE, 2),                   // 0: je .2
		New(OpMov, RegOp(RAX), RegOp(RBX)), // 1: 读 rbx
		New(OpMov, RegOp(RCX), RegOp(RDX)), // 2: 读 rdx
		New(OpRet),                         // 3
	)
	seq.LiveOut = RegsOf(RAX, RCX)
	seq.LiveOutFlags = FlagsNone

	lv := seq.ComputeLiveness()
	// je 前：ZF 活跃，rbx（落空路径）与 rdx（两条路径）活跃
	if lv.Flags[0]&FlagZF == 0 {
		t.Errorf("ZF must be live before je, got %s", lv.Flags[0])
	}
	if !lv.Regs[0].Has(RBX) || !lv.Regs[0].Has(RDX) {
		t.Errorf("rbx and rdx must be live at entry, got %s", lv.Regs[0])
	}
}
