package scheduler

import (
	"container/heap"
	"time"

	"expirebot/backend/internal/domain"
)

// Entry 到期索引中的一项
type Entry struct {
	Ref domain.MessageRef `json:"ref"`
	Due time.Time         `json:"due"`
}

type item struct {
	Entry
	seq   uint64
	index int
}

// itemHeap 按 Due 升序，相同时按插入顺序
type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].Due.Equal(h[j].Due) {
		return h[i].seq < h[j].seq
	}
	return h[i].Due.Before(h[j].Due)
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Index 内存到期索引，每条消息最多出现一次
//
// 非并发安全，由 Scheduler 加锁访问。
type Index struct {
	items itemHeap
	byRef map[domain.MessageRef]*item
	seq   uint64
}

// NewIndex 创建空索引
func NewIndex() *Index {
	return &Index{byRef: make(map[domain.MessageRef]*item)}
}

// Push 加入或更新一项；已存在时只修改到期时间，保留原插入顺序
func (x *Index) Push(ref domain.MessageRef, due time.Time) {
	if it, ok := x.byRef[ref]; ok {
		it.Due = due
		heap.Fix(&x.items, it.index)
		return
	}
	x.seq++
	it := &item{Entry: Entry{Ref: ref, Due: due}, seq: x.seq}
	heap.Push(&x.items, it)
	x.byRef[ref] = it
}

// Peek 返回最早到期的一项
func (x *Index) Peek() (Entry, bool) {
	if len(x.items) == 0 {
		return Entry{}, false
	}
	return x.items[0].Entry, true
}

// PopDue 按顺序取出所有 Due <= now 的项
func (x *Index) PopDue(now time.Time) []Entry {
	var out []Entry
	for len(x.items) > 0 && !x.items[0].Due.After(now) {
		it := heap.Pop(&x.items).(*item)
		delete(x.byRef, it.Ref)
		out = append(out, it.Entry)
	}
	return out
}

// Remove 移除一项
func (x *Index) Remove(ref domain.MessageRef) bool {
	it, ok := x.byRef[ref]
	if !ok {
		return false
	}
	heap.Remove(&x.items, it.index)
	delete(x.byRef, ref)
	return true
}

// Contains 是否包含某条消息
func (x *Index) Contains(ref domain.MessageRef) bool {
	_, ok := x.byRef[ref]
	return ok
}

// Len 索引大小
func (x *Index) Len() int {
	return len(x.items)
}

// CountDue 统计 Due <= now 的项数
func (x *Index) CountDue(now time.Time) int {
	n := 0
	for _, it := range x.items {
		if !it.Due.After(now) {
			n++
		}
	}
	return n
}

// Snapshot 按到期顺序返回全部项（不修改索引）
func (x *Index) Snapshot() []Entry {
	tmp := make(itemHeap, len(x.items))
	for i, it := range x.items {
		copied := *it
		copied.index = i
		tmp[i] = &copied
	}
	out := make([]Entry, 0, len(tmp))
	for tmp.Len() > 0 {
		out = append(out, heap.Pop(&tmp).(*item).Entry)
	}
	return out
}
