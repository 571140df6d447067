package isa

import (
	"math/rand"
	"testing"
)

// TestExecArithFlags 测试算术指令的标志位语义
func TestExecArithFlags(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*State)
		instr Instruction
		check func(*testing.T, *State)
	}{
		{
			name:  "add 进位",
			setup: func(s *State) { s.Regs[RAX] = ^uint64(0); s.Regs[RBX] = 1 },
			instr: New(OpAdd, RegOp(RAX), RegOp(RBX)),
			check: func(t *testing.T, s *State) {
				if s.Regs[RAX] != 0 {
					t.Errorf("rax: got %d, want 0", s.Regs[RAX])
				}
				if s.Flags&FlagCF == 0 || s.Flags&FlagZF == 0 {
					t.Errorf("expected CF and ZF set, flags=%s", s.Flags)
				}
				if s.Flags&FlagOF != 0 {
					t.Errorf("OF should be clear")
				}
			},
		},
		{
			name:  "sub 借位与符号",
			setup: func(s *State) { s.Regs[RAX] = 1; s.Regs[RBX] = 2 },
			instr: New(OpSub, RegOp(RAX), RegOp(RBX)),
			check: func(t *testing.T, s *State) {
				if s.Regs[RAX] != ^uint64(0) {
					t.Errorf("rax: got %d, want -1", int64(s.Regs[RAX]))
				}
				if s.Flags&FlagCF == 0 || s.Flags&FlagSF == 0 {
					t.Errorf("expected CF and SF set, flags=%s", s.Flags)
				}
			},
		},
		{
			name:  "xor 自身清零",
			setup: func(s *State) { s.Regs[RCX] = 0xDEAD; s.Flags = FlagCF },
			instr: New(OpXor, RegOp(RCX), RegOp(RCX)),
			check: func(t *testing.T, s *State) {
				if s.Regs[RCX] != 0 {
					t.Errorf("rcx: got %d, want 0", s.Regs[RCX])
				}
				if s.Flags&FlagZF == 0 || s.Flags&FlagCF != 0 {
					t.Errorf("expected ZF set CF clear, flags=%s", s.Flags)
				}
			},
		},
		{
			name:  "inc 保留 CF",
			setup: func(s *State) { s.Regs[RDX] = 5; s.Flags = FlagCF },
			instr: New(OpInc, RegOp(RDX)),
			check: func(t *testing.T, s *State) {
				if s.Regs[RDX] != 6 {
					t.Errorf("rdx: got %d, want 6", s.Regs[RDX])
				}
				if s.Flags&FlagCF == 0 {
					t.Errorf("inc must not clear CF")
				}
			},
		},
		{
			name:  "imul 溢出",
			setup: func(s *State) { s.Regs[RAX] = 1 << 62; s.Regs[RBX] = 4 },
			instr: New(OpImul, RegOp(RAX), RegOp(RBX)),
			check: func(t *testing.T, s *State) {
				if s.Flags&FlagOF == 0 || s.Flags&FlagCF == 0 {
					t.Errorf("expected CF/OF set on overflow, flags=%s", s.Flags)
				}
			},
		},
		{
			name:  "shl 进位",
			setup: func(s *State) { s.Regs[RAX] = 1 << 63 },
			instr: New(OpShl, RegOp(RAX), ImmOp(1)),
			check: func(t *testing.T, s *State) {
				if s.Regs[RAX] != 0 {
					t.Errorf("rax: got %d, want 0", s.Regs[RAX])
				}
				if s.Flags&FlagCF == 0 {
					t.Errorf("expected CF set")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewState()
			tt.setup(s)
			if err := Exec(s, &tt.instr); err != nil {
				t.Fatalf("Exec: %v", err)
			}
			tt.check(t, s)
		})
	}
}

// TestExecPushPop 测试压栈出栈往返
func TestExecPushPop(t *testing.T) {
	s := NewState()
	s.Regs[RSP] = stackBase
	s.Regs[RAX] = 0x1122334455667788

	push := New(OpPush, RegOp(RAX))
	pop := New(OpPop, RegOp(RBX))
	if err := Exec(s, &push); err != nil {
		t.Fatalf("push: %v", err)
	}
	if s.Regs[RSP] != stackBase-8 {
		t.Fatalf("rsp after push: got 0x%x", s.Regs[RSP])
	}
	if err := Exec(s, &pop); err != nil {
		t.Fatalf("pop: %v", err)
	}
	if s.Regs[RBX] != 0x1122334455667788 {
		t.Errorf("rbx: got 0x%x", s.Regs[RBX])
	}
	if s.Regs[RSP] != stackBase {
		t.Errorf("rsp after pop: got 0x%x", s.Regs[RSP])
	}
}

// TestExecMemMove 测试内存读写与确定性填充
func TestExecMemMove(t *testing.T) {
	s := NewState()
	s.MemSeed = 7
	s.Regs[RBX] = 0x2000

	// 未写入地址的读取必须确定且可重复
	v1 := s.Read64(0x2000)
	v2 := s.Read64(0x2000)
	if v1 != v2 {
		t.Fatalf("uninitialized read not deterministic: %x vs %x", v1, v2)
	}

	store := New(OpMov, MemOp(RBX, 8), RegOp(RBX))
	load := New(OpMov, RegOp(RCX), MemOp(RBX, 8))
	if err := ExecSeq(s, []Instruction{store, load}); err != nil {
		t.Fatalf("ExecSeq: %v", err)
	}
	if s.Regs[RCX] != 0x2000 {
		t.Errorf("rcx: got 0x%x, want 0x2000", s.Regs[RCX])
	}
}

// TestEvalCond 测试条件码求值与 FlagsRead 一致
func TestEvalCond(t *testing.T) {
	s := NewState()
	s.Regs[RAX] = 3
	s.Regs[RBX] = 3
	cmp := New(OpCmp, RegOp(RAX), RegOp(RBX))
	if err := Exec(s, &cmp); err != nil {
		t.Fatalf("cmp: %v", err)
	}
	if !EvalCond(s, CondE) || EvalCond(s, CondNE) {
		t.Errorf("3 == 3: je must hold, jne must not")
	}
	if !EvalCond(s, CondGE) || !EvalCond(s, CondLE) {
		t.Errorf("3 vs 3: jge and jle must hold")
	}
	if EvalCond(s, CondL) || EvalCond(s, CondG) {
		t.Errorf("3 vs 3: jl and jg must not hold")
	}
}

// TestStateEqualOn 测试活跃集合上的状态比较
func TestStateEqualOn(t *testing.T) {
	a := NewState()
	b := NewState()
	a.Regs[RAX] = 1
	b.Regs[RAX] = 2
	a.Regs[RBX] = 7
	b.Regs[RBX] = 7

	if a.EqualOn(b, RegsOf(RAX), FlagsNone) {
		t.Error("states differ on rax")
	}
	if !a.EqualOn(b, RegsOf(RBX), FlagsNone) {
		t.Error("states agree on rbx")
	}

	// 写入与填充值相同的字节不算差异
	addr := uint64(0x3000)
	b.WriteByte(addr, a.ReadByte(addr))
	if !a.EqualOn(b, FlagsNoneRegs, FlagsNone) {
		t.Error("same-value write must compare equal")
	}
}

// FlagsNoneRegs 空寄存器集合（测试用）
const FlagsNoneRegs RegSet = 0

// TestRandomStateDeterminism 测试同种子采样状态可复现
func TestRandomStateDeterminism(t *testing.T) {
	a := RandomState(rand.New(rand.NewSource(42)))
	b := RandomState(rand.New(rand.NewSource(42)))
	if !a.EqualOn(b, AllRegs, AllFlags) {
		t.Error("same seed must yield identical states")
	}
	if a.Regs[RSP]%8 != 0 {
		t.Error("sampled rsp must be 8-byte aligned")
	}
}
