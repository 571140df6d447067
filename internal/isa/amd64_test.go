package isa

import (
	"bytes"
	"testing"
)

// mustSeq 构造序列，失败即终止测试
func mustSeq(t *testing.T, instrs ...Instruction) *Sequence {
	t.Helper()
	s, err := NewSeq(ArchAMD64, 0x1000, instrs...)
	if err != nil {
		t.Fatalf("NewSeq: %v", err)
	}
	return s
}

// TestEncodeDecodeRoundTrip 测试编码-解码往返：语义必须完全保留
func TestEncodeDecodeRoundTrip(t *testing.T) {
	seq := mustSeq(t,
		New(OpMov, RegOp(RAX), RegOp(RBX)),
		New(OpMov, RegOp(RCX), ImmOp(42)),
		New(OpMov, RegOp(RDX), ImmOp(0x1_0000_0000)), // 需要 imm64 形式
		New(OpAdd, RegOp(RAX), RegOp(RCX)),
		New(OpAdd, RegOp(RAX), ImmOp(1)),
		New(OpAdd, RegOp(RAX), ImmOp(1000)), // imm32 形式
		New(OpSub, RegOp(RBX), RegOp(R8)),
		New(OpXor, RegOp(R9), RegOp(R9)),
		New(OpAnd, RegOp(RSI), RegOp(RDI)),
		New(OpOr, RegOp(R10), RegOp(R11)),
		New(OpCmp, RegOp(RAX), ImmOp(-5)),
		New(OpTest, RegOp(RAX), RegOp(RAX)),
		New(OpInc, RegOp(RBX)),
		New(OpDec, RegOp(R15)),
		New(OpNeg, RegOp(RCX)),
		New(OpNot, RegOp(RDX)),
		New(OpImul, RegOp(RAX), RegOp(RBX)),
		New(OpImul, RegOp(RCX), ImmOp(10)), // imm32 形式
		New(OpShl, RegOp(RAX), ImmOp(3)),
		New(OpShr, RegOp(RBX), ImmOp(1)),
		New(OpLea, RegOp(RAX), MemOp(RBX, 16)),
		New(OpMov, RegOp(RAX), MemOp(RBP, -8)),
		New(OpMov, MemOp(RSP, 8), RegOp(RCX)),
		New(OpPush, RegOp(RBP)),
		New(OpPush, RegOp(R12)),
		New(OpPop, RegOp(R12)),
		New(OpPop, RegOp(RBP)),
		New(OpXchg, RegOp(RAX), RegOp(RDX)),
		New(OpNop),
		New(OpRet),
	)

	code, err := Encode(seq)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(code, ArchAMD64, 0x1000)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Len() != seq.Len() {
		t.Fatalf("round trip length: got %d instrs, want %d", got.Len(), seq.Len())
	}
	for i := range seq.Instrs {
		if !got.Instrs[i].SameSemantics(&seq.Instrs[i]) {
			t.Errorf("instr %d: got %q, want %q", i, got.Instrs[i].String(), seq.Instrs[i].String())
		}
	}

	// 再编码必须产生相同字节
	code2, err := Encode(got)
	if err != nil {
		t.Fatalf("re-encode: %v", err)
	}
	if !bytes.Equal(code, code2) {
		t.Errorf("re-encode differs:\n  %x\n  %x", code, code2)
	}
}

// TestEncodeRejectsMemoryForms 测试建模子集外的内存形式被编码器拒绝。
// 这些指令只建模了寄存器形式, 带内存操作数时必须报错而不是
// 把零值 Reg 字段当寄存器编码出去。
func TestEncodeRejectsMemoryForms(t *testing.T) {
	bad := []Instruction{
		New(OpPush, MemOp(RBX, 8)),
		New(OpPop, MemOp(RBX, 8)),
		New(OpInc, MemOp(RBX, 8)),
		New(OpDec, MemOp(RAX, 0)),
		New(OpNot, MemOp(RCX, -4)),
		New(OpNeg, MemOp(RDX, 16)),
	}
	for i := range bad {
		if _, err := amd64InstrLen(&bad[i], false); err == nil {
			t.Errorf("%s: 期望编码错误", bad[i].String())
		}
	}
}

// TestBranchEncoding 测试相对跳转的编码与目标解析
func TestBranchEncoding(t *testing.T) {
	// 前向 jcc 跳过一条指令，末尾回跳
	seq := mustSeq(t,
		New(OpTest, RegOp(RAX), RegOp(RAX)), // 0
		NewJcc(CondE, 3),                    // 1: je .3
		New(OpDec, RegOp(RAX)),              // 2
		New(OpMov, RegOp(RBX), RegOp(RAX)),  // 3
		NewJmp(0),                           // 4: 回跳
	)
	code, err := Encode(seq)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(code, ArchAMD64, 0x1000)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Instrs[1].TargetIdx != 3 {
		t.Errorf("jcc target index: got %d, want 3", got.Instrs[1].TargetIdx)
	}
	if got.Instrs[4].TargetIdx != 0 {
		t.Errorf("jmp target index: got %d, want 0", got.Instrs[4].TargetIdx)
	}
}

// TestBranchRelaxation 测试位移超出 rel8 时跳转自动放宽到 rel32
func TestBranchRelaxation(t *testing.T) {
	// 200 条 3 字节指令，远超 rel8 范围
	instrs := []Instruction{NewJmp(201)}
	for i := 0; i < 200; i++ {
		instrs = append(instrs, New(OpMov, RegOp(RAX), RegOp(RBX)))
	}
	instrs = append(instrs, New(OpRet))
	seq := mustSeq(t, instrs...)

	if seq.Instrs[0].Len != 5 {
		t.Fatalf("long jmp length: got %d, want 5 (rel32)", seq.Instrs[0].Len)
	}
	code, err := Encode(seq)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(code, ArchAMD64, 0x1000)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Instrs[0].TargetIdx != 201 {
		t.Errorf("relaxed jmp target: got %d, want 201", got.Instrs[0].TargetIdx)
	}
}

// TestDecodeExternalTarget 测试跳出序列的目标标记为外部
func TestDecodeExternalTarget(t *testing.T) {
	seq := mustSeq(t,
		New(OpMov, RegOp(RAX), ImmOp(1)),
		NewJmpExternal(0x9000),
	)
	code, err := Encode(seq)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(code, ArchAMD64, 0x1000)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	in := &got.Instrs[1]
	if in.TargetIdx != ExternalTarget {
		t.Fatalf("target should be external, got index %d", in.TargetIdx)
	}
	if in.TargetAddr != 0x9000 {
		t.Errorf("external target addr: got 0x%x, want 0x9000", in.TargetAddr)
	}
}

// TestDecodeSyscallAndUnknown 测试系统调用与未建模指令的标注
func TestDecodeSyscallAndUnknown(t *testing.T) {
	// syscall; add eax, ebx (无 REX.W，语义未建模); ret
	code := []byte{0x0F, 0x05, 0x01, 0xD8, 0xC3}
	got, err := Decode(code, ArchAMD64, 0)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Len() != 3 {
		t.Fatalf("instr count: got %d, want 3", got.Len())
	}
	if got.Instrs[0].Op != OpSyscall || !got.Instrs[0].Effects.Unknown {
		t.Errorf("syscall should be decoded with unknown effects")
	}
	if got.Instrs[1].Op != OpUnknown || !got.Instrs[1].Effects.Unknown {
		t.Errorf("32-bit add should decode as unknown-effect instruction")
	}
	if got.Instrs[2].Op != OpRet {
		t.Errorf("ret not decoded")
	}

	// 未建模指令必须原样回写
	out, err := Encode(got)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !bytes.Equal(out, code) {
		t.Errorf("unknown passthrough: got %x, want %x", out, code)
	}
}

// TestDecodeInvalid 测试无法解析的字节返回 DecodeError
func TestDecodeInvalid(t *testing.T) {
	_, err := Decode([]byte{0x06}, ArchAMD64, 0) // 0x06 在 64 位模式下无效
	if err == nil {
		t.Fatal("expected decode error")
	}
	de, ok := err.(*DecodeError)
	if !ok {
		t.Fatalf("expected *DecodeError, got %T: %v", err, err)
	}
	if de.Offset != 0 {
		t.Errorf("error offset: got %d, want 0", de.Offset)
	}
}

// TestDecodeTruncated 测试截断的指令返回 DecodeError
func TestDecodeTruncated(t *testing.T) {
	seq := mustSeq(t, New(OpMov, RegOp(RAX), ImmOp(100000)))
	code, err := Encode(seq)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := Decode(code[:len(code)-2], ArchAMD64, 0); err == nil {
		t.Fatal("expected decode error on truncated input")
	}
}
