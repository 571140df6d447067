package isa

import (
	"encoding/binary"
	"math/rand"
)

// ============================================================================
// 具体机器状态
// ============================================================================
//
// 采样验证用的机器状态模型：16 个通用寄存器、标志位子集、
// 按字节寻址的稀疏内存。未写入地址的读取返回由 (地址, 种子) 决定的
// 确定性填充值，保证原始序列与候选序列看到完全相同的初始内存。

// State 机器状态
type State struct {
	Regs    [RegCount]uint64
	Flags   FlagSet
	MemSeed uint64          // 未初始化内存的填充种子
	Mem     map[uint64]byte // 已写入的字节
}

// NewState 创建空状态
func NewState() *State {
	return &State{Mem: make(map[uint64]byte)}
}

// Clone 深拷贝状态
func (s *State) Clone() *State {
	c := *s
	c.Mem = make(map[uint64]byte, len(s.Mem))
	for k, v := range s.Mem {
		c.Mem[k] = v
	}
	return &c
}

// splitmix64 确定性伪随机混合
func splitmix64(x uint64) uint64 {
	x += 0x9E3779B97F4A7C15
	x = (x ^ (x >> 30)) * 0xBF58476D1CE4E5B9
	x = (x ^ (x >> 27)) * 0x94D049BB133111EB
	return x ^ (x >> 31)
}

// memFill 未写入地址的确定性填充字节
func (s *State) memFill(addr uint64) byte {
	return byte(splitmix64(addr ^ s.MemSeed))
}

// ReadByte 读取内存字节
func (s *State) ReadByte(addr uint64) byte {
	if v, ok := s.Mem[addr]; ok {
		return v
	}
	return s.memFill(addr)
}

// WriteByte 写入内存字节
func (s *State) WriteByte(addr uint64, v byte) {
	s.Mem[addr] = v
}

// Read64 读取 64 位小端值
func (s *State) Read64(addr uint64) uint64 {
	var buf [8]byte
	for i := range buf {
		buf[i] = s.ReadByte(addr + uint64(i))
	}
	return binary.LittleEndian.Uint64(buf[:])
}

// Write64 写入 64 位小端值
func (s *State) Write64(addr uint64, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	for i := range buf {
		s.Mem[addr+uint64(i)] = buf[i]
	}
}

// EqualOn 在给定活跃集合上比较两个状态。
// 内存按值比较：取两边写入地址的并集，逐地址比较可见值，
// 覆盖「写入了与填充值相同的字节」的情况。
func (s *State) EqualOn(o *State, regs RegSet, flags FlagSet) bool {
	for r := Reg(0); r < RegCount; r++ {
		if regs.Has(r) && s.Regs[r] != o.Regs[r] {
			return false
		}
	}
	if s.Flags&flags != o.Flags&flags {
		return false
	}
	for addr := range s.Mem {
		if s.ReadByte(addr) != o.ReadByte(addr) {
			return false
		}
	}
	for addr := range o.Mem {
		if _, seen := s.Mem[addr]; seen {
			continue
		}
		if s.ReadByte(addr) != o.ReadByte(addr) {
			return false
		}
	}
	return true
}

// stackBase 采样状态中 RSP 的基准区域。
// 让压栈/出栈落在远离其他随机寄存器值的地址段，降低偶然别名。
const stackBase = 0x7FFF_0000_0000

// RandomState 生成采样输入状态。
// rng 必须由会话的确定性种子派生，保证可复现。
func RandomState(rng *rand.Rand) *State {
	s := NewState()
	for r := Reg(0); r < RegCount; r++ {
		s.Regs[r] = rng.Uint64()
	}
	// RSP 指向对齐的栈区中部，上下都有空间
	s.Regs[RSP] = stackBase + uint64(rng.Intn(1<<16))*8
	s.Flags = FlagSet(rng.Intn(1 << 5))
	s.MemSeed = rng.Uint64()
	return s
}
