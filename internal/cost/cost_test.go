package cost

import (
	"testing"

	"github.com/tangzhangming/asmopt/internal/isa"
)

// TestStaticTable 测试静态延迟表的相对次序
func TestStaticTable(t *testing.T) {
	tab := NewStaticTable(isa.ArchAMD64)

	mov := isa.New(isa.OpMov, isa.RegOp(isa.RAX), isa.RegOp(isa.RBX))
	imul := isa.New(isa.OpImul, isa.RegOp(isa.RAX), isa.RegOp(isa.RBX))
	load := isa.New(isa.OpMov, isa.RegOp(isa.RAX), isa.MemOp(isa.RBX, 0))

	if tab.Latency(&imul) <= tab.Latency(&mov) {
		t.Error("imul must cost more than reg-reg mov")
	}
	if tab.Latency(&load) <= tab.Latency(&mov) {
		t.Error("memory load must cost more than reg-reg mov")
	}

	unk := isa.Instruction{Op: isa.OpUnknown}
	if tab.Latency(&unk) < tab.Latency(&imul) {
		t.Error("unknown instruction must have conservative high latency")
	}
}

// TestScoreAcceptance 测试评分与接受判据
func TestScoreAcceptance(t *testing.T) {
	sc := NewScorer(NewStaticTable(isa.ArchAMD64))

	orig := []isa.Instruction{
		isa.New(isa.OpMov, isa.RegOp(isa.RAX), isa.RegOp(isa.RBX)),
		isa.New(isa.OpMov, isa.RegOp(isa.RBX), isa.RegOp(isa.RAX)),
	}
	// 删除两条 mov
	s := sc.Score(orig, nil)
	if !s.Positive() {
		t.Errorf("removing instructions must be a strict improvement, gain=%d", s.Gain())
	}
	if s.InstrsDelta != 2 {
		t.Errorf("instrs delta: got %d, want 2", s.InstrsDelta)
	}

	// 等价替换不是改进
	same := sc.Score(orig, orig)
	if same.Positive() {
		t.Error("identical replacement must not score positive")
	}
}

// TestScoreBetterOrdering 测试平局时的确定性优先序
func TestScoreBetterOrdering(t *testing.T) {
	a := Score{CyclesDelta: 1, BytesDelta: 0, InstrsDelta: 1}
	b := Score{CyclesDelta: 1, BytesDelta: 0, InstrsDelta: 0}
	if !a.Better(b) || b.Better(a) {
		t.Error("same gain: fewer instructions must win")
	}
	c := Score{CyclesDelta: 2}
	if !c.Better(a) {
		t.Error("higher gain must win")
	}
}

// TestOverrideTable 测试动态覆盖表
func TestOverrideTable(t *testing.T) {
	static := NewStaticTable(isa.ArchAMD64)
	dyn := &OverrideTable{
		Base:      static,
		Overrides: map[isa.Op]uint64{isa.OpImul: 1},
	}
	imul := isa.New(isa.OpImul, isa.RegOp(isa.RAX), isa.RegOp(isa.RBX))
	if dyn.Latency(&imul) != 1 {
		t.Errorf("override latency: got %d, want 1", dyn.Latency(&imul))
	}
	mov := isa.New(isa.OpMov, isa.RegOp(isa.RAX), isa.RegOp(isa.RBX))
	if dyn.Latency(&mov) != static.Latency(&mov) {
		t.Error("non-overridden op must fall through to base table")
	}
}
