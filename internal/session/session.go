package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/tangzhangming/asmopt/internal/config"
	"github.com/tangzhangming/asmopt/internal/cost"
	"github.com/tangzhangming/asmopt/internal/isa"
	"github.com/tangzhangming/asmopt/internal/proposer"
	"github.com/tangzhangming/asmopt/internal/rules"
	"github.com/tangzhangming/asmopt/internal/verify"
)

// ============================================================================
// 会话状态机
// ============================================================================

// State 会话状态
type State int32

const (
	StateInitialized State = iota // 已创建
	StateDecoding                 // 解码中
	StateOptimizing               // 优化迭代中
	StateReEncoding               // 重编码中
	StateFinalized                // 完成
	StateFailed                   // 致命错误终止
	StateCancelled                // 调用方取消
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "initialized"
	case StateDecoding:
		return "decoding"
	case StateOptimizing:
		return "optimizing"
	case StateReEncoding:
		return "re-encoding"
	case StateFinalized:
		return "finalized"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ============================================================================
// 会话
// ============================================================================

// Checkpoint 提交检查点：提交前的完整序列快照与产生它的变换
type Checkpoint struct {
	Snapshot   *isa.Sequence
	Applied    Transformation
	Reverified bool // 其后的全局重验证是否通过
}

// FinalResult 会话最终结果
type FinalResult struct {
	State     State
	Optimized *isa.Sequence
	Code      []byte
	Report    *Report
}

// Session 优化会话。序列的唯一写入方是会话自身的提交循环,
// 工作协程只读不可变快照。
type Session struct {
	cfg  *config.Config
	arch isa.Arch
	log  *zap.Logger

	state  *atomic.Int32
	cancel context.CancelFunc
	done   chan struct{}

	verifier *verify.Verifier
	scorer   *cost.Scorer
	table    cost.Table
	gen      *proposer.Merged
	inf      *proposer.InferenceClient

	original *isa.Sequence

	mu          sync.Mutex
	checkpoints []Checkpoint
	result      *FinalResult
	err         error
}

// Start 创建会话并启动优化。
//
// code 为机器码字节, entry 为序列入口地址。解码与配置错误同步返回,
// 优化过程异步执行, 结果经 Await 获取。
func Start(code []byte, arch isa.Arch, entry uint64, cfg *config.Config, log *zap.Logger) (*Session, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, newError(A0005, "invalid configuration", err)
	}
	if arch == isa.ArchUnknown {
		a, err := isa.ParseArch(cfg.Arch)
		if err != nil {
			return nil, newError(A0003, "unsupported architecture", err)
		}
		arch = a
	}

	s := &Session{
		cfg:   cfg,
		arch:  arch,
		log:   log,
		state: atomic.NewInt32(int32(StateInitialized)),
		done:  make(chan struct{}),
	}

	s.state.Store(int32(StateDecoding))
	seq, err := isa.Decode(code, arch, entry)
	if err != nil {
		s.state.Store(int32(StateFailed))
		var de *isa.DecodeError
		if errors.As(err, &de) {
			return nil, newError(A0001, "decode failed", err)
		}
		return nil, newError(A0003, "decode failed", err)
	}
	seq.LiveOut, seq.LiveOutFlags = cfg.LiveOutSignature()
	s.original = seq

	var tab cost.Table = cost.NewStaticTable(arch)
	if ov := cfg.CostTable(); ov != nil {
		tab = &cost.OverrideTable{Base: tab, Overrides: ov}
	}
	s.table = tab
	s.scorer = cost.NewScorer(tab)

	s.verifier = verify.New(verify.Config{
		Samples:        cfg.Verify.Samples,
		Timeout:        cfg.VerifyTimeout(),
		MaxSymbolicLen: cfg.Verify.MaxSymbolicLen,
		Seed:           cfg.Verify.Seed,
	}, log)

	gens := []proposer.Generator{proposer.NewRuleGenerator(cfg.EnabledRules())}
	if cfg.Proposer.Enabled {
		s.inf = proposer.NewInferenceClient(proposer.InferenceConfig{
			Addr:          cfg.Proposer.Addr,
			Timeout:       cfg.ProposerTimeout(),
			MaxCandidates: cfg.Proposer.MaxCandidates,
			MinConfidence: cfg.Proposer.MinConfidence,
		}, arch, log)
		gens = append(gens, s.inf)
	}
	s.gen = proposer.NewMerged(log, gens...)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.run(ctx)
	return s, nil
}

// State 当前会话状态
func (s *Session) State() State {
	return State(s.state.Load())
}

// Cancel 取消会话, 传播到进行中的验证与生成任务
func (s *Session) Cancel() {
	s.cancel()
}

// Await 等待会话结束。Failed/Cancelled 返回错误, 不返回结果。
func (s *Session) Await(ctx context.Context) (*FinalResult, error) {
	select {
	case <-s.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result, s.err
}

// Checkpoints 检查点列表的副本。完成的会话已丢弃检查点,
// 取消或失败的会话保留以供检视。
func (s *Session) Checkpoints() []Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Checkpoint(nil), s.checkpoints...)
}

// ============================================================================
// 优化主循环
// ============================================================================

// run 优化主循环。本协程是提交权威：只有它改写当前序列。
func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	defer s.cancel()
	if s.inf != nil {
		defer s.inf.Close()
	}

	s.state.Store(int32(StateOptimizing))
	start := time.Now()
	var budget time.Time
	if tb := s.cfg.TimeBudget(); tb > 0 {
		budget = start.Add(tb)
	}

	cur := s.original.Clone()
	lastGoodSeq := s.original
	lastGoodApplied := 0
	var applied []Transformation
	var rejected []RejectedCandidate
	commits := 0
	sinceReverify := 0
	rounds := 0
	budgetExceeded := false
	rolledBack := false

	for {
		if ctx.Err() != nil {
			s.finishCancelled(rounds)
			return
		}
		if s.cfg.Session.MaxRounds > 0 && rounds >= s.cfg.Session.MaxRounds {
			budgetExceeded = true
			break
		}
		if !budget.IsZero() && time.Now().After(budget) {
			budgetExceeded = true
			break
		}
		rounds++

		results, err := s.evaluateRound(ctx, cur)
		if err != nil {
			s.finishCancelled(rounds)
			return
		}

		next, committed, fatal := s.commitRound(ctx, cur, results, rounds, &applied, &rejected, &commits)
		if fatal != nil {
			s.finishFailed(fatal, rounds)
			return
		}
		cur = next
		if committed == 0 {
			// 不动点：本轮无可提交变换
			break
		}

		sinceReverify += committed
		if sinceReverify >= s.cfg.Session.ReverifyInterval {
			sinceReverify = 0
			ok, err := s.globalReverify(ctx, cur)
			if err != nil {
				s.finishCancelled(rounds)
				return
			}
			if !ok {
				cur, applied = s.rollback(lastGoodSeq, lastGoodApplied, applied, &rejected, rounds)
				rolledBack = true
				break
			}
			lastGoodSeq = cur.Clone()
			lastGoodApplied = len(applied)
			s.markReverified(lastGoodApplied)
		}
	}

	// 会话末尾的全局重验证
	if !rolledBack && len(applied) > lastGoodApplied {
		ok, err := s.globalReverify(ctx, cur)
		if err != nil {
			s.finishCancelled(rounds)
			return
		}
		if !ok {
			cur, applied = s.rollback(lastGoodSeq, lastGoodApplied, applied, &rejected, rounds)
		} else {
			s.markReverified(len(applied))
		}
	}

	s.state.Store(int32(StateReEncoding))
	code, err := isa.Encode(cur)
	if err != nil {
		s.finishFailed(newError(A0002, "re-encode failed", err), rounds)
		return
	}

	report := &Report{
		Arch:           s.arch.String(),
		State:          StateFinalized.String(),
		Rounds:         rounds,
		Applied:        applied,
		Rejected:       rejected,
		Baseline:       computeMetrics(s.original, s.table),
		Optimized:      computeMetrics(cur, s.table),
		AggregateScore: aggregateScore(applied),
		BudgetExceeded: budgetExceeded,
	}
	if budgetExceeded {
		s.log.Warn("optimization budget exhausted, result is partial",
			zap.String("code", A0300),
			zap.Int("rounds", rounds))
	}
	if n := s.gen.Degraded(); n > 0 {
		report.InferenceDegraded = true
		s.log.Warn("inference proposer degraded, candidates were rules-only",
			zap.String("code", A0200),
			zap.Int64("failures", n))
	}

	s.mu.Lock()
	s.result = &FinalResult{
		State:     StateFinalized,
		Optimized: cur,
		Code:      code,
		Report:    report,
	}
	s.checkpoints = nil // 完成后丢弃检查点
	s.mu.Unlock()
	s.state.Store(int32(StateFinalized))

	s.log.Info("session finalized",
		zap.Int("rounds", rounds),
		zap.Int("applied", len(applied)),
		zap.Int("rejected", len(rejected)),
		zap.Bool("budget_exceeded", budgetExceeded),
		zap.Int64("gain", report.AggregateScore.Gain()),
		zap.Duration("elapsed", time.Since(start)))
}

// finishCancelled 取消收尾：保留检查点供检视
func (s *Session) finishCancelled(rounds int) {
	s.mu.Lock()
	s.err = fmt.Errorf("session cancelled after %d rounds: %w", rounds, context.Canceled)
	s.mu.Unlock()
	s.state.Store(int32(StateCancelled))
	s.log.Warn("session cancelled", zap.Int("rounds", rounds))
}

// finishFailed 致命错误收尾：不产出结果
func (s *Session) finishFailed(err *Error, rounds int) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.state.Store(int32(StateFailed))
	s.log.Error("session failed",
		zap.String("code", err.Code),
		zap.Int("rounds", rounds),
		zap.Error(err))
}

// rollback 回滚到最后一个通过全局重验证的检查点,
// 其后的变换全部改判为拒绝
func (s *Session) rollback(lastGood *isa.Sequence, lastGoodApplied int, applied []Transformation, rejected *[]RejectedCandidate, rounds int) (*isa.Sequence, []Transformation) {
	for _, t := range applied[lastGoodApplied:] {
		*rejected = append(*rejected, RejectedCandidate{
			Round:   t.Round,
			Start:   t.Start,
			End:     t.End,
			Origin:  t.Origin,
			Code:    A0102,
			Verdict: t.Verdict,
			Reason:  "failed global re-verification",
		})
	}
	s.log.Warn("global re-verification failed, rolling back",
		zap.Int("rounds", rounds),
		zap.Int("discarded", len(applied)-lastGoodApplied))
	return lastGood.Clone(), applied[:lastGoodApplied]
}

// markReverified 标记前 n 个检查点已通过全局重验证
func (s *Session) markReverified(n int) {
	s.mu.Lock()
	for i := range s.checkpoints {
		if s.checkpoints[i].Applied.CommitIndex <= n {
			s.checkpoints[i].Reverified = true
		}
	}
	s.mu.Unlock()
}

// ============================================================================
// 一轮评估：并行 生成 → 验证 → 评分
// ============================================================================

// exitLiveness 候选区间出口处的活跃集合。
// 学习候选的区间可以把窗口末尾的条件跳转包含在内，此时下标 end 处的
// 入口集合只覆盖落空一侧；正确的出口活跃是跳转指令自身的出口集合，
// 即落空与目标两侧的并集。
func exitLiveness(cur *isa.Sequence, lv *isa.Liveness, end int) (isa.RegSet, isa.FlagSet) {
	if end > 0 {
		switch cur.Instrs[end-1].Effects.Control {
		case isa.CtrlBranch, isa.CtrlCondBranch:
			return cur.InstrLiveOut(lv, end-1)
		}
	}
	return lv.Regs[end], lv.Flags[end]
}

// evalResult 单个候选的评估结果
type evalResult struct {
	cand  proposer.Candidate
	res   verify.Result
	score cost.Score
}

// evaluateRound 对当前序列的全部窗口做并行评估。
// 工作协程读取的快照在整轮内不可变；结果经有界通道汇集后
// 按确定性顺序排序去重, 保证相同输入产生相同提交序列。
func (s *Session) evaluateRound(ctx context.Context, cur *isa.Sequence) ([]evalResult, error) {
	lv := cur.ComputeLiveness()
	wins := proposer.Windows(cur, s.cfg.Window.MinWidth, s.cfg.Window.MaxWidth)
	h := newWindowHeap(wins, s.scorer)

	workers := s.cfg.Session.Workers
	jobs := make(chan rules.Window)
	out := make(chan evalResult, workers*2)
	errc := make(chan error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for w := range jobs {
				w := w
				cands, err := s.gen.Generate(ctx, &w)
				if err != nil {
					errc <- err
					return
				}
				for _, c := range cands {
					origWin := cur.Window(c.Start, c.End)
					liveR, liveF := exitLiveness(cur, lv, c.End)
					res, err := s.verifier.VerifyAt(ctx, origWin, c.Replacement, liveR, liveF, c.End)
					if err != nil {
						errc <- err
						return
					}
					select {
					case out <- evalResult{cand: c, res: res, score: s.scorer.Score(origWin, c.Replacement)}:
					case <-ctx.Done():
						errc <- ctx.Err()
						return
					}
				}
			}
		}()
	}

	// 按收益潜力降序投喂窗口
	go func() {
		defer close(jobs)
		for {
			w, ok := h.pop()
			if !ok {
				return
			}
			select {
			case jobs <- w:
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		wg.Wait()
		close(out)
	}()

	var all []evalResult
	for r := range out {
		all = append(all, r)
	}
	select {
	case err := <-errc:
		return nil, err
	default:
	}

	// 确定性顺序 + 跨窗口去重（重叠窗口会重复产生同一候选）
	sort.SliceStable(all, func(i, j int) bool {
		a, b := &all[i].cand, &all[j].cand
		if a.Start != b.Start {
			return a.Start < b.Start
		}
		if a.End != b.End {
			return a.End < b.End
		}
		if ka, kb := a.Key(), b.Key(); ka != kb {
			return ka < kb
		}
		return a.Origin < b.Origin
	})
	dedup := all[:0]
	var lastKey string
	for i := range all {
		k := all[i].cand.Key()
		if i > 0 && k == lastKey {
			continue
		}
		lastKey = k
		dedup = append(dedup, all[i])
	}
	return dedup, nil
}

// ============================================================================
// 提交阶段：串行提交权威
// ============================================================================

// edit 已提交编辑（轮快照坐标）
type edit struct {
	start, end, delta int
}

// mapRange 把快照坐标区间换算到当前序列坐标。
// 与任何已提交编辑重叠的区间失效（下一轮按新序列重新生成, 绝不变基）。
func mapRange(start, end int, edits []edit) (int, int, bool) {
	shift := 0
	for _, ed := range edits {
		switch {
		case ed.end <= start:
			shift += ed.delta
		case ed.start >= end:
		default:
			return 0, 0, false
		}
	}
	return start + shift, end + shift, true
}

// mapTarget 把替换指令的跳转目标下标换算到当前序列坐标。
// ownStart/ownEnd/ownDelta 为候选自身的编辑（快照坐标）。
func mapTarget(t int, edits []edit, ownStart, ownEnd, ownDelta int) (int, bool) {
	shift := 0
	for _, ed := range edits {
		switch {
		case ed.end <= t:
			shift += ed.delta
		case t == ed.start:
		case t > ed.start && t < ed.end:
			// 目标落入他人编辑区间内部
			return 0, false
		}
	}
	switch {
	case t >= ownEnd:
		shift += ownDelta
	case t > ownStart:
		return 0, false
	}
	return t + shift, true
}

// commitRound 把本轮接受的候选按 (收益降序, 起点升序) 串行提交。
// 每次提交推入检查点并做完整性检查, 失败即为致命错误。
func (s *Session) commitRound(ctx context.Context, cur *isa.Sequence, results []evalResult, round int, applied *[]Transformation, rejected *[]RejectedCandidate, commits *int) (*isa.Sequence, int, *Error) {
	var accepted []evalResult
	for _, r := range results {
		if !r.res.Accepted(s.cfg.Verify.MinSamples) {
			*rejected = append(*rejected, rejection(round, &r, rejectCode(&r.res), r.res.Reason))
			continue
		}
		if !r.score.Positive() {
			*rejected = append(*rejected, rejection(round, &r, A0102, "non-positive score"))
			continue
		}
		accepted = append(accepted, r)
	}

	sort.SliceStable(accepted, func(i, j int) bool {
		if gi, gj := accepted[i].score.Gain(), accepted[j].score.Gain(); gi != gj {
			return gi > gj
		}
		if accepted[i].cand.Start != accepted[j].cand.Start {
			return accepted[i].cand.Start < accepted[j].cand.Start
		}
		return accepted[i].cand.Key() < accepted[j].cand.Key()
	})

	var edits []edit
	committed := 0
	for _, r := range accepted {
		if ctx.Err() != nil {
			return cur, committed, nil
		}
		c := r.cand
		start, end, ok := mapRange(c.Start, c.End, edits)
		if !ok {
			// 与已提交编辑重叠：失效, 下一轮重新生成
			continue
		}
		ownDelta := len(c.Replacement) - (c.End - c.Start)

		repl := append([]isa.Instruction(nil), c.Replacement...)
		valid := true
		for k := range repl {
			if !repl[k].IsBranch() || repl[k].TargetIdx == isa.ExternalTarget {
				continue
			}
			t, ok := mapTarget(repl[k].TargetIdx, edits, c.Start, c.End, ownDelta)
			if !ok {
				valid = false
				break
			}
			repl[k].TargetIdx = t
		}
		if !valid {
			continue
		}

		origText := instrText(cur.Window(start, end))
		next, err := cur.ReplaceRange(start, end, repl)
		if err != nil {
			// 区间不可安全替换（如外部跳入区间内部）, 候选局部拒绝
			*rejected = append(*rejected, rejection(round, &r, A0102, err.Error()))
			continue
		}
		if err := next.CheckIntegrity(); err != nil {
			return cur, committed, newError(A0004, "integrity violation after commit", err)
		}

		*commits++
		t := Transformation{
			Round:       round,
			CommitIndex: *commits,
			Start:       start,
			End:         end,
			Origin:      c.Origin,
			Confidence:  c.Confidence,
			Original:    origText,
			Replacement: instrText(repl),
			Verdict:     r.res.Verdict.String(),
			Samples:     r.res.Samples,
			Passed:      r.res.Passed,
			Score:       r.score,
		}
		s.mu.Lock()
		s.checkpoints = append(s.checkpoints, Checkpoint{Snapshot: cur, Applied: t})
		s.mu.Unlock()
		*applied = append(*applied, t)

		s.log.Info("transformation committed",
			zap.Int("commit", t.CommitIndex),
			zap.String("origin", t.Origin),
			zap.Int("start", start),
			zap.Int("end", end),
			zap.String("verdict", t.Verdict),
			zap.Int64("gain", t.Score.Gain()))

		edits = append(edits, edit{start: c.Start, end: c.End, delta: ownDelta})
		cur = next
		committed++
	}
	return cur, committed, nil
}

// rejection 构造拒绝记录
func rejection(round int, r *evalResult, code, reason string) RejectedCandidate {
	return RejectedCandidate{
		Round:   round,
		Start:   r.cand.Start,
		End:     r.cand.End,
		Origin:  r.cand.Origin,
		Code:    code,
		Verdict: r.res.Verdict.String(),
		Reason:  reason,
	}
}

// rejectCode 验证结果 → 错误码
func rejectCode(res *verify.Result) string {
	switch res.Verdict {
	case verify.VerdictUnverifiable:
		return A0101
	case verify.VerdictRejected:
		if strings.Contains(res.Reason, "timeout") {
			return A0100
		}
	}
	return A0102
}

// aggregateScore 已提交变换的评分合计
func aggregateScore(applied []Transformation) cost.Score {
	var sum cost.Score
	for _, t := range applied {
		sum.CyclesDelta += t.Score.CyclesDelta
		sum.BytesDelta += t.Score.BytesDelta
		sum.InstrsDelta += t.Score.InstrsDelta
	}
	return sum
}

// ============================================================================
// 全局重验证
// ============================================================================

// segment 可执行段：两个控制转移/不可建模指令之间的顺序执行区间。
// end 为段结束处（边界指令所在下标）, 活跃性在此取样。
type segment struct {
	instrs []isa.Instruction
	end    int
}

// splitSegments 按控制转移与不可建模指令切分序列。
// 返回可执行段列表与边界指令骨架；提交保证骨架在优化前后一致。
// 跳到紧邻下一条指令的无条件 jmp 等价于顺序执行：它不计入骨架,
// 段跨越它延续, 因此消除这种 jmp 的编辑不会改变段结构。
func splitSegments(seq *isa.Sequence) ([]segment, []isa.Instruction) {
	var segs []segment
	var skel []isa.Instruction
	var body []isa.Instruction
	for i := range seq.Instrs {
		in := &seq.Instrs[i]
		e := in.Effects
		if e.Control == isa.CtrlFallthrough && !e.Unknown {
			body = append(body, *in)
			continue
		}
		if in.Op == isa.OpJmp && in.TargetIdx == i+1 {
			continue
		}
		segs = append(segs, segment{instrs: body, end: i})
		skel = append(skel, *in)
		body = nil
	}
	segs = append(segs, segment{instrs: body, end: seq.Len()})
	return segs, skel
}

// skeletonEqual 边界指令的语义等同。
// 外部跳转比较绝对目标地址；内部目标下标随编辑移动,
// 其一致性由每次提交的完整性检查保证, 这里不比较。
func skeletonEqual(a, b *isa.Instruction) bool {
	if a.Op != b.Op || a.Cond != b.Cond || len(a.Operands) != len(b.Operands) {
		return false
	}
	for i := range a.Operands {
		if !a.Operands[i].Equal(b.Operands[i]) {
			return false
		}
	}
	if a.IsBranch() {
		aExt := a.TargetIdx == isa.ExternalTarget
		bExt := b.TargetIdx == isa.ExternalTarget
		if aExt != bExt {
			return false
		}
		if aExt && a.TargetAddr != b.TargetAddr {
			return false
		}
	}
	return true
}

// globalReverify 原始序列与当前序列的全序列差分检验：
// 边界骨架必须逐条语义等同, 每对可执行段在原始活跃出口上等价。
// 防止局部各自合法的编辑组合后破坏整体语义。
func (s *Session) globalReverify(ctx context.Context, cur *isa.Sequence) (bool, error) {
	origSegs, origSkel := splitSegments(s.original)
	curSegs, curSkel := splitSegments(cur)
	if len(origSegs) != len(curSegs) || len(origSkel) != len(curSkel) {
		s.log.Warn("global re-verification: segment structure diverged")
		return false, nil
	}
	for i := range origSkel {
		if !skeletonEqual(&origSkel[i], &curSkel[i]) {
			s.log.Warn("global re-verification: boundary instruction diverged", zap.Int("boundary", i))
			return false, nil
		}
	}

	lv := s.original.ComputeLiveness()
	for i := range origSegs {
		res, err := s.verifier.Verify(ctx, origSegs[i].instrs, curSegs[i].instrs,
			lv.Regs[origSegs[i].end], lv.Flags[origSegs[i].end])
		if err != nil {
			return false, err
		}
		if !res.Accepted(s.cfg.Verify.MinSamples) {
			s.log.Warn("global re-verification: segment not equivalent",
				zap.Int("segment", i),
				zap.String("verdict", res.Verdict.String()),
				zap.String("reason", res.Reason))
			return false, nil
		}
	}
	return true, nil
}
