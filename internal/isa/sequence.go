package isa

import (
	"fmt"
)

// ============================================================================
// 指令序列
// ============================================================================

// Sequence 一段直线指令序列（单个基本块或直线函数体）。
//
// 序列持有指令的私有副本；编辑通过 ReplaceRange 产生新序列，
// 原序列保持不变，供并发读取的工作线程使用。
// 不变式：地址严格递增、无空洞无重叠；
// 相对跳转目标要么解析为序列内下标，要么标记为外部地址。
type Sequence struct {
	Arch   Arch
	Entry  uint64 // 入口地址
	Instrs []Instruction

	// 出入口活跃签名
	LiveIn       RegSet
	LiveOut      RegSet
	LiveOutFlags FlagSet
}

// Len 指令条数
func (s *Sequence) Len() int { return len(s.Instrs) }

// ByteLen 编码总字节数
func (s *Sequence) ByteLen() int {
	n := 0
	for i := range s.Instrs {
		n += s.Instrs[i].Len
	}
	return n
}

// Clone 深拷贝序列
func (s *Sequence) Clone() *Sequence {
	c := *s
	c.Instrs = make([]Instruction, len(s.Instrs))
	copy(c.Instrs, s.Instrs)
	for i := range c.Instrs {
		if len(s.Instrs[i].Operands) > 0 {
			c.Instrs[i].Operands = append([]Operand(nil), s.Instrs[i].Operands...)
		}
		if len(s.Instrs[i].Raw) > 0 {
			c.Instrs[i].Raw = append([]byte(nil), s.Instrs[i].Raw...)
		}
	}
	return &c
}

// Window 取 [i, j) 窗口的指令副本
func (s *Sequence) Window(i, j int) []Instruction {
	w := make([]Instruction, j-i)
	copy(w, s.Instrs[i:j])
	return w
}

// ReplaceRange 用 repl 替换 [i, j) 区间，返回重排布局后的新序列。
//
// 若序列中存在跳入被编辑区间内部（非区间起点）的跳转，替换被拒绝：
// 此类区间不是安全的替换单元。
func (s *Sequence) ReplaceRange(i, j int, repl []Instruction) (*Sequence, error) {
	if i < 0 || j > len(s.Instrs) || i > j {
		return nil, fmt.Errorf("replace range [%d,%d) out of bounds (len %d)", i, j, len(s.Instrs))
	}

	delta := len(repl) - (j - i)

	// 检查是否有跳转落入区间内部
	for k := range s.Instrs {
		in := &s.Instrs[k]
		if !in.IsBranch() || in.TargetIdx == ExternalTarget {
			continue
		}
		if in.TargetIdx > i && in.TargetIdx < j {
			return nil, fmt.Errorf("branch at index %d targets interior of edited range [%d,%d)", k, i, j)
		}
	}

	out := &Sequence{
		Arch:         s.Arch,
		Entry:        s.Entry,
		LiveIn:       s.LiveIn,
		LiveOut:      s.LiveOut,
		LiveOutFlags: s.LiveOutFlags,
	}
	out.Instrs = make([]Instruction, 0, len(s.Instrs)+delta)
	out.Instrs = append(out.Instrs, s.Instrs[:i]...)
	out.Instrs = append(out.Instrs, repl...)
	out.Instrs = append(out.Instrs, s.Instrs[j:]...)

	// 调整编辑点之后的跳转目标下标
	for k := range out.Instrs {
		in := &out.Instrs[k]
		if !in.IsBranch() || in.TargetIdx == ExternalTarget {
			continue
		}
		switch {
		case k >= i && k < i+len(repl):
			// 替换指令自带的目标下标以新序列为准，不调整
		case in.TargetIdx >= j:
			in.TargetIdx += delta
		}
	}

	if err := out.Relayout(); err != nil {
		return nil, err
	}
	return out, nil
}

// Relayout 重新计算所有指令的地址与编码长度。
//
// 相对跳转的位移宽度（rel8/rel32）取决于目标距离，而目标距离又取决于
// 指令长度，因此迭代到不动点；每轮只放宽不收窄，保证收敛。
func (s *Sequence) Relayout() error {
	if s.Arch != ArchAMD64 {
		return fmt.Errorf("relayout: unsupported architecture %s", s.Arch)
	}

	for i := range s.Instrs {
		in := &s.Instrs[i]
		n, err := amd64InstrLen(in, false)
		if err != nil {
			return err
		}
		in.Len = n
	}

	// 跳转放宽迭代
	for pass := 0; pass < len(s.Instrs)+2; pass++ {
		s.assignAddrs()
		changed := false
		for i := range s.Instrs {
			in := &s.Instrs[i]
			if !in.IsBranch() {
				continue
			}
			disp, err := s.branchDisp(i)
			if err != nil {
				return err
			}
			wide := !fitsInt8(disp)
			n, err := amd64InstrLen(in, wide)
			if err != nil {
				return err
			}
			if n > in.Len {
				in.Len = n
				changed = true
			}
		}
		if !changed {
			s.assignAddrs()
			return nil
		}
	}
	return fmt.Errorf("relayout: branch relaxation did not converge")
}

// assignAddrs 按当前指令长度顺序分配地址
func (s *Sequence) assignAddrs() {
	addr := s.Entry
	for i := range s.Instrs {
		s.Instrs[i].Addr = addr
		addr += uint64(s.Instrs[i].Len)
	}
}

// branchDisp 计算下标 i 处跳转的相对位移（目标地址 - 下一条指令地址）
func (s *Sequence) branchDisp(i int) (int64, error) {
	in := &s.Instrs[i]
	next := in.Addr + uint64(in.Len)
	var target uint64
	if in.TargetIdx == ExternalTarget {
		target = in.TargetAddr
	} else {
		if in.TargetIdx < 0 || in.TargetIdx > len(s.Instrs) {
			return 0, fmt.Errorf("branch at index %d has dangling target %d", i, in.TargetIdx)
		}
		if in.TargetIdx == len(s.Instrs) {
			// 序列末尾之后（fallthrough 出口）
			last := &s.Instrs[len(s.Instrs)-1]
			target = last.Addr + uint64(last.Len)
		} else {
			target = s.Instrs[in.TargetIdx].Addr
		}
	}
	return int64(target) - int64(next), nil
}

// CheckIntegrity 校验序列不变式：地址严格递增、无空洞无重叠、跳转目标有效。
// 提交编辑后由会话控制器调用；失败视为致命的完整性破坏。
func (s *Sequence) CheckIntegrity() error {
	addr := s.Entry
	for i := range s.Instrs {
		in := &s.Instrs[i]
		if in.Len <= 0 {
			return fmt.Errorf("instruction %d has non-positive length %d", i, in.Len)
		}
		if in.Addr != addr {
			return fmt.Errorf("instruction %d address 0x%x, expected 0x%x (gap or overlap)", i, in.Addr, addr)
		}
		addr += uint64(in.Len)
		if in.IsBranch() && in.TargetIdx != ExternalTarget {
			if in.TargetIdx < 0 || in.TargetIdx > len(s.Instrs) {
				return fmt.Errorf("instruction %d branch target index %d out of range", i, in.TargetIdx)
			}
		}
	}
	return nil
}

func fitsInt8(v int64) bool { return v >= -128 && v <= 127 }

func fitsInt32(v int64) bool { return v >= -1<<31 && v <= 1<<31-1 }

// ============================================================================
// 活跃性分析
// ============================================================================

// Liveness 序列各指令入口处的活跃寄存器/标志位。
// regs[i]、flags[i] 为执行第 i 条指令之前的活跃集合；
// 下标 Len() 处为序列出口的活跃签名。
type Liveness struct {
	Regs  []RegSet
	Flags []FlagSet
}

// ComputeLiveness 反向数据流计算活跃性。
//
// 序列内的条件跳转按「落空 ∪ 目标」合并；目标在序列外按出口签名处理；
// 调用、间接转移与未知效果指令保守地视为全部活跃。
// 存在回跳时迭代到不动点。
func (s *Sequence) ComputeLiveness() *Liveness {
	n := len(s.Instrs)
	lv := &Liveness{
		Regs:  make([]RegSet, n+1),
		Flags: make([]FlagSet, n+1),
	}
	lv.Regs[n] = s.LiveOut
	lv.Flags[n] = s.LiveOutFlags

	for pass := 0; pass < n+2; pass++ {
		changed := false
		for i := n - 1; i >= 0; i-- {
			e := s.Instrs[i].Effects
			outR, outF := s.InstrLiveOut(lv, i)

			var inR RegSet
			var inF FlagSet
			if e.Unknown {
				inR, inF = AllRegs, AllFlags
			} else {
				inR = outR.Minus(e.RegsWritten).Union(e.RegsRead)
				inF = (outF &^ e.FlagsWritten) | e.FlagsRead
				// 内存写入的值可能在序列外被读取，地址寄存器已计入 RegsRead
			}

			if inR != lv.Regs[i] || inF != lv.Flags[i] {
				lv.Regs[i] = inR
				lv.Flags[i] = inF
				changed = true
			}
		}
		if !changed {
			break
		}
	}
	return lv
}

// InstrLiveOut 指令 i 出口处的活跃集合：全部后继入口集合的并集。
// 条件跳转合并落空与目标两侧，序列外的目标按出口签名处理。
func (s *Sequence) InstrLiveOut(lv *Liveness, i int) (RegSet, FlagSet) {
	in := &s.Instrs[i]
	switch in.Effects.Control {
	case CtrlFallthrough:
		return lv.Regs[i+1], lv.Flags[i+1]
	case CtrlBranch:
		return s.targetLiveness(lv, in)
	case CtrlCondBranch:
		tR, tF := s.targetLiveness(lv, in)
		return lv.Regs[i+1].Union(tR), lv.Flags[i+1] | tF
	case CtrlRet:
		return s.LiveOut, s.LiveOutFlags
	default:
		// 调用/间接/系统调用：保守
		return AllRegs, AllFlags
	}
}

// targetLiveness 跳转目标处的活跃集合
func (s *Sequence) targetLiveness(lv *Liveness, in *Instruction) (RegSet, FlagSet) {
	if in.TargetIdx == ExternalTarget || in.TargetIdx > len(s.Instrs) {
		return s.LiveOut, s.LiveOutFlags
	}
	return lv.Regs[in.TargetIdx], lv.Flags[in.TargetIdx]
}

func (s *Sequence) String() string {
	var sb []byte
	for i := range s.Instrs {
		in := &s.Instrs[i]
		sb = append(sb, fmt.Sprintf("%3d  0x%06x  %s\n", i, in.Addr, in.String())...)
	}
	return string(sb)
}
