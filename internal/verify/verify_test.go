package verify

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/tangzhangming/asmopt/internal/isa"
)

func newTestVerifier() *Verifier {
	return New(DefaultConfig(), nil)
}

func mustVerify(t *testing.T, v *Verifier, orig, repl []isa.Instruction, regs isa.RegSet, flags isa.FlagSet) Result {
	t.Helper()
	r, err := v.Verify(context.Background(), orig, repl, regs, flags)
	if err != nil {
		t.Fatalf("Verify 意外返回错误: %v", err)
	}
	return r
}

// 测试冗余寄存器搬运对的等价性证明
func TestVerifyMovPair(t *testing.T) {
	orig := []isa.Instruction{
		isa.New(isa.OpMov, isa.RegOp(isa.RBX), isa.RegOp(isa.RAX)),
		isa.New(isa.OpMov, isa.RegOp(isa.RAX), isa.RegOp(isa.RBX)),
	}
	repl := []isa.Instruction{
		isa.New(isa.OpMov, isa.RegOp(isa.RBX), isa.RegOp(isa.RAX)),
	}
	r := mustVerify(t, newTestVerifier(), orig, repl, isa.AllRegs, 0)
	if r.Verdict != VerdictSymbolicProven {
		t.Fatalf("期望符号证明, 得到 %v (%s)", r.Verdict, r.Reason)
	}
	if !r.Accepted(1) {
		t.Fatal("符号证明应被接受")
	}
}

// 测试标志位死亡时删除 cmp：末尾无条件跳转不读标志位
func TestVerifyDeadCmpBeforeJmp(t *testing.T) {
	orig := []isa.Instruction{
		isa.New(isa.OpCmp, isa.RegOp(isa.RAX), isa.RegOp(isa.RBX)),
		isa.NewJmpExternal(0x4000),
	}
	repl := []isa.Instruction{
		isa.NewJmpExternal(0x4000),
	}
	r := mustVerify(t, newTestVerifier(), orig, repl, isa.AllRegs, 0)
	if r.Verdict != VerdictSymbolicProven {
		t.Fatalf("期望符号证明, 得到 %v (%s)", r.Verdict, r.Reason)
	}
}

// 测试末尾条件跳转使其读取的标志位活跃：删除 cmp 必须被拒绝
func TestVerifyCmpBeforeJccRejected(t *testing.T) {
	orig := []isa.Instruction{
		isa.New(isa.OpCmp, isa.RegOp(isa.RAX), isa.RegOp(isa.RBX)),
		isa.NewJcc(isa.CondE, 2),
	}
	repl := []isa.Instruction{
		isa.NewJcc(isa.CondE, 2),
	}
	r := mustVerify(t, newTestVerifier(), orig, repl, isa.AllRegs, 0)
	if r.Verdict != VerdictRejected {
		t.Fatalf("期望拒绝, 得到 %v", r.Verdict)
	}
	if r.Counterexample == nil {
		t.Fatal("拒绝结果应携带反例状态")
	}
}

// 测试末尾跳转语义不一致时的拒绝
func TestVerifyTrailingBranchMismatch(t *testing.T) {
	orig := []isa.Instruction{
		isa.New(isa.OpNop),
		isa.NewJmpExternal(0x4000),
	}
	repl := []isa.Instruction{
		isa.New(isa.OpNop),
		isa.NewJmpExternal(0x5000),
	}
	r := mustVerify(t, newTestVerifier(), orig, repl, isa.AllRegs, 0)
	if r.Verdict != VerdictRejected {
		t.Fatalf("期望拒绝, 得到 %v", r.Verdict)
	}

	// 候选丢弃末尾跳转同样拒绝
	r = mustVerify(t, newTestVerifier(), orig, []isa.Instruction{isa.New(isa.OpNop)}, isa.AllRegs, 0)
	if r.Verdict != VerdictRejected {
		t.Fatalf("期望拒绝, 得到 %v", r.Verdict)
	}

	// 候选引入跳转也拒绝
	r = mustVerify(t, newTestVerifier(), []isa.Instruction{isa.New(isa.OpNop)}, orig, isa.AllRegs, 0)
	if r.Verdict != VerdictRejected {
		t.Fatalf("期望拒绝, 得到 %v", r.Verdict)
	}
}

// 测试跳到落空出口的无条件 jmp 可随替换去掉, 其余跳转仍不可丢弃
func TestVerifyDropJumpToFallthrough(t *testing.T) {
	orig := []isa.Instruction{isa.NewJmp(2)}
	v := newTestVerifier()

	// 目标恰为窗口的落空出口：允许去掉
	r, err := v.VerifyAt(context.Background(), orig, nil, isa.AllRegs, isa.AllFlags, 2)
	if err != nil {
		t.Fatal(err)
	}
	if r.Verdict != VerdictSymbolicProven {
		t.Fatalf("期望符号证明, 得到 %v (%s)", r.Verdict, r.Reason)
	}

	// 目标指向别处：拒绝
	r, err = v.VerifyAt(context.Background(), orig, nil, isa.AllRegs, isa.AllFlags, 5)
	if err != nil {
		t.Fatal(err)
	}
	if r.Verdict != VerdictRejected {
		t.Fatalf("期望拒绝, 得到 %v", r.Verdict)
	}

	// 条件跳转不可丢弃, 即便目标是落空出口
	jcc := []isa.Instruction{isa.NewJcc(isa.CondE, 2)}
	r, err = v.VerifyAt(context.Background(), jcc, nil, isa.AllRegs, isa.AllFlags, 2)
	if err != nil {
		t.Fatal(err)
	}
	if r.Verdict != VerdictRejected {
		t.Fatalf("期望拒绝, 得到 %v", r.Verdict)
	}

	// 位置未知时不启用放宽
	r, err = v.VerifyAt(context.Background(), orig, nil, isa.AllRegs, isa.AllFlags, -1)
	if err != nil {
		t.Fatal(err)
	}
	if r.Verdict != VerdictRejected {
		t.Fatalf("期望拒绝, 得到 %v", r.Verdict)
	}
}

// 测试系统调用的无条件硬排除：即使替换序列逐字节相同也不可验证
func TestVerifySyscallExcluded(t *testing.T) {
	seq := []isa.Instruction{
		isa.New(isa.OpSyscall),
	}
	r := mustVerify(t, newTestVerifier(), seq, seq, isa.AllRegs, 0)
	if r.Verdict != VerdictUnverifiable {
		t.Fatalf("期望不可验证, 得到 %v", r.Verdict)
	}
	if r.Reason == "" {
		t.Fatal("不可验证结果应说明原因")
	}
	if r.Accepted(1) {
		t.Fatal("不可验证结果不应被接受")
	}
}

// 测试窗口中部的跳转被排除
func TestVerifyBranchMidWindow(t *testing.T) {
	orig := []isa.Instruction{
		isa.NewJmpExternal(0x4000),
		isa.New(isa.OpNop),
	}
	r := mustVerify(t, newTestVerifier(), orig, orig, isa.AllRegs, 0)
	if r.Verdict != VerdictUnverifiable {
		t.Fatalf("期望不可验证, 得到 %v", r.Verdict)
	}
}

// 测试 xor 清零惯用法：标志位死亡时等价, 标志位活跃时不等价
func TestVerifyXorZeroIdiom(t *testing.T) {
	orig := []isa.Instruction{
		isa.New(isa.OpMov, isa.RegOp(isa.RAX), isa.ImmOp(0)),
	}
	repl := []isa.Instruction{
		isa.New(isa.OpXor, isa.RegOp(isa.RAX), isa.RegOp(isa.RAX)),
	}

	r := mustVerify(t, newTestVerifier(), orig, repl, isa.AllRegs, 0)
	if r.Verdict != VerdictSymbolicProven {
		t.Fatalf("标志位死亡: 期望符号证明, 得到 %v (%s)", r.Verdict, r.Reason)
	}

	// mov 保留入口标志位而 xor 清除进位, 活跃时必然存在反例
	r = mustVerify(t, newTestVerifier(), orig, repl, isa.AllRegs, isa.FlagsArith)
	if r.Verdict != VerdictRejected {
		t.Fatalf("标志位活跃: 期望拒绝, 得到 %v", r.Verdict)
	}
}

// 测试含内存访问的窗口回落到采样检验
func TestVerifyMemorySampled(t *testing.T) {
	orig := []isa.Instruction{
		isa.New(isa.OpMov, isa.RegOp(isa.RBX), isa.MemOp(isa.RAX, 0)),
		isa.New(isa.OpMov, isa.RegOp(isa.RCX), isa.MemOp(isa.RAX, 0)),
	}
	repl := []isa.Instruction{
		isa.New(isa.OpMov, isa.RegOp(isa.RBX), isa.MemOp(isa.RAX, 0)),
		isa.New(isa.OpMov, isa.RegOp(isa.RCX), isa.RegOp(isa.RBX)),
	}
	v := newTestVerifier()
	r := mustVerify(t, v, orig, repl, isa.AllRegs, 0)
	if r.Verdict != VerdictTested {
		t.Fatalf("期望采样通过, 得到 %v (%s)", r.Verdict, r.Reason)
	}
	if r.Passed != v.cfg.Samples {
		t.Fatalf("期望全部样本通过, 实际 %d/%d", r.Passed, r.Samples)
	}
}

// 测试内存副作用的严格比较：push/pop 改写栈内存, 不等价于寄存器搬运
func TestVerifyPushPopStrictMemory(t *testing.T) {
	orig := []isa.Instruction{
		isa.New(isa.OpPush, isa.RegOp(isa.RAX)),
		isa.New(isa.OpPop, isa.RegOp(isa.RBX)),
	}
	repl := []isa.Instruction{
		isa.New(isa.OpMov, isa.RegOp(isa.RBX), isa.RegOp(isa.RAX)),
	}
	r := mustVerify(t, newTestVerifier(), orig, repl, isa.AllRegs, 0)
	if r.Verdict != VerdictRejected {
		t.Fatalf("期望拒绝, 得到 %v (%s)", r.Verdict, r.Reason)
	}
}

// 测试相同种子下拒绝结果的确定性
func TestVerifyDeterministicCounterexample(t *testing.T) {
	orig := []isa.Instruction{
		isa.New(isa.OpMov, isa.RegOp(isa.RBX), isa.MemOp(isa.RAX, 0)),
		isa.New(isa.OpAdd, isa.RegOp(isa.RBX), isa.ImmOp(1)),
	}
	repl := []isa.Instruction{
		isa.New(isa.OpMov, isa.RegOp(isa.RBX), isa.MemOp(isa.RAX, 0)),
		isa.New(isa.OpAdd, isa.RegOp(isa.RBX), isa.ImmOp(2)),
	}
	cfg := DefaultConfig()
	cfg.Seed = 42
	r1 := mustVerify(t, New(cfg, nil), orig, repl, isa.AllRegs, 0)
	r2 := mustVerify(t, New(cfg, nil), orig, repl, isa.AllRegs, 0)
	if r1.Verdict != VerdictRejected || r2.Verdict != VerdictRejected {
		t.Fatalf("期望两次均拒绝, 得到 %v / %v", r1.Verdict, r2.Verdict)
	}
	if r1.Passed != r2.Passed {
		t.Fatalf("反例样本序号不一致: %d vs %d", r1.Passed, r2.Passed)
	}
	if r1.Counterexample.Regs != r2.Counterexample.Regs {
		t.Fatal("反例寄存器状态不一致")
	}
}

// 测试采样超时被报告为拒绝而非接受
func TestVerifyTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timeout = time.Nanosecond
	// 含内存访问, 绕过符号求值直接进入采样
	orig := []isa.Instruction{
		isa.New(isa.OpMov, isa.RegOp(isa.RBX), isa.MemOp(isa.RAX, 0)),
	}
	r := mustVerify(t, New(cfg, nil), orig, orig, isa.AllRegs, 0)
	if r.Verdict != VerdictRejected {
		t.Fatalf("期望超时拒绝, 得到 %v", r.Verdict)
	}
	if !strings.Contains(r.Reason, "timeout") {
		t.Fatalf("拒绝原因应说明超时: %q", r.Reason)
	}
	if r.Accepted(1) {
		t.Fatal("超时结果不应被接受")
	}
}

// 测试上下文取消作为错误返回
func TestVerifyContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	orig := []isa.Instruction{
		isa.New(isa.OpMov, isa.RegOp(isa.RBX), isa.MemOp(isa.RAX, 0)),
	}
	_, err := newTestVerifier().Verify(ctx, orig, orig, isa.AllRegs, 0)
	if err == nil {
		t.Fatal("取消的上下文应返回错误")
	}
}
