package isa

import (
	"fmt"
	"sort"
)

// ============================================================================
// 解码/编码外部协作接口
// ============================================================================

// Decoder 原始解码协作方：把字节解码为未标注效果的指令列表。
// 内置实现覆盖 amd64 建模子集；可替换为外部反汇编库的适配器。
type Decoder interface {
	DecodeAll(code []byte, entry uint64) ([]Instruction, error)
}

// Encoder 原始编码协作方：把指令序列重新编码为字节。
type Encoder interface {
	EncodeAll(seq *Sequence) ([]byte, error)
}

// amd64Codec 内置 amd64 子集编解码器
type amd64Codec struct{}

func (amd64Codec) DecodeAll(code []byte, entry uint64) ([]Instruction, error) {
	return amd64DecodeAll(code, entry)
}

func (amd64Codec) EncodeAll(seq *Sequence) ([]byte, error) {
	return amd64EncodeSeq(seq)
}

// CodecFor 返回架构对应的内置编解码器
func CodecFor(arch Arch) (Decoder, Encoder, error) {
	switch arch {
	case ArchAMD64:
		c := amd64Codec{}
		return c, c, nil
	default:
		return nil, nil, fmt.Errorf("unsupported architecture: %s", arch)
	}
}

// ============================================================================
// 语义标注解码
// ============================================================================

// Decode 解码字节并完成语义标注：
// 为每条指令填充效果描述，把相对跳转目标解析为序列内下标。
// 出入口活跃签名默认全活跃（调用方可按需收窄）。
func Decode(code []byte, arch Arch, entry uint64) (*Sequence, error) {
	dec, _, err := CodecFor(arch)
	if err != nil {
		return nil, err
	}
	return DecodeWith(dec, code, arch, entry)
}

// DecodeWith 使用指定的解码协作方解码
func DecodeWith(dec Decoder, code []byte, arch Arch, entry uint64) (*Sequence, error) {
	instrs, err := dec.DecodeAll(code, entry)
	if err != nil {
		return nil, err
	}

	seq := &Sequence{
		Arch:         arch,
		Entry:        entry,
		Instrs:       instrs,
		LiveIn:       AllRegs,
		LiveOut:      AllRegs,
		LiveOutFlags: AllFlags,
	}

	// 效果标注
	for i := range seq.Instrs {
		seq.Instrs[i].Effects = annotateEffects(&seq.Instrs[i])
	}

	// 相对跳转目标解析：落在某条指令起始地址上的为内部目标
	addrs := make([]uint64, len(seq.Instrs))
	for i := range seq.Instrs {
		addrs[i] = seq.Instrs[i].Addr
	}
	end := entry + uint64(len(code))
	for i := range seq.Instrs {
		in := &seq.Instrs[i]
		if !in.IsBranch() || in.Op == OpCall {
			continue // call 目标总是外部
		}
		t := in.TargetAddr
		if t == end {
			in.TargetIdx = len(seq.Instrs)
			continue
		}
		k := sort.Search(len(addrs), func(j int) bool { return addrs[j] >= t })
		if k < len(addrs) && addrs[k] == t {
			in.TargetIdx = k
		} else if t >= entry && t < end {
			// 跳入指令中间：编码层面合法但无法安全编辑
			return nil, &DecodeError{Offset: int(in.Addr - entry), Byte: in.Raw[0]}
		}
	}

	if err := seq.CheckIntegrity(); err != nil {
		return nil, fmt.Errorf("decoded sequence failed integrity check: %w", err)
	}
	return seq, nil
}

// Encode 重排布局并编码序列，返回字节与指令级的编码已更新的序列副本。
func Encode(seq *Sequence) ([]byte, error) {
	_, enc, err := CodecFor(seq.Arch)
	if err != nil {
		return nil, err
	}
	return EncodeWith(enc, seq)
}

// EncodeWith 使用指定的编码协作方编码
func EncodeWith(enc Encoder, seq *Sequence) ([]byte, error) {
	out := seq.Clone()
	if err := out.Relayout(); err != nil {
		return nil, err
	}
	code, err := enc.EncodeAll(out)
	if err != nil {
		return nil, err
	}
	// 把更新后的布局写回调用方的序列
	*seq = *out
	return code, nil
}
