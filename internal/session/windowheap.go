package session

import (
	"container/heap"

	"github.com/tangzhangming/asmopt/internal/cost"
	"github.com/tangzhangming/asmopt/internal/rules"
)

// ============================================================================
// 窗口优先队列
// ============================================================================
//
// 按估计收益潜力（窗口静态代价）降序出队, 代价高的窗口先被评估;
// 同代价按起始下标升序, 保证确定性。

// windowItem 队列元素
type windowItem struct {
	win       rules.Window
	potential uint64
}

type windowHeap []windowItem

func (h windowHeap) Len() int { return len(h) }

func (h windowHeap) Less(i, j int) bool {
	if h[i].potential != h[j].potential {
		return h[i].potential > h[j].potential
	}
	return h[i].win.Base < h[j].win.Base
}

func (h windowHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *windowHeap) Push(x any) { *h = append(*h, x.(windowItem)) }

func (h *windowHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// newWindowHeap 由窗口列表构建优先队列
func newWindowHeap(wins []rules.Window, sc *cost.Scorer) *windowHeap {
	h := make(windowHeap, 0, len(wins))
	for _, w := range wins {
		h = append(h, windowItem{win: w, potential: sc.WindowCost(w.Instrs)})
	}
	heap.Init(&h)
	return &h
}

// pop 出队收益潜力最高的窗口
func (h *windowHeap) pop() (rules.Window, bool) {
	if h.Len() == 0 {
		return rules.Window{}, false
	}
	return heap.Pop(h).(windowItem).win, true
}
