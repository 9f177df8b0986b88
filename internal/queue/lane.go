package queue

import (
	"container/heap"
	"sync"

	"order-core/internal/monitor"
)

// itemHeap orders by effective score desc, then submission sequence asc.
type itemHeap []*Item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].Score != h[j].Score {
		return h[i].Score > h[j].Score
	}
	return h[i].Seq < h[j].Seq
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x any) {
	it := x.(*Item)
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

// lane is one priority class. mu guards everything below it.
type lane struct {
	name     Lane
	minScore float64
	budget   int
	wait     *monitor.LatencyHistogram

	mu     sync.Mutex
	queued itemHeap
	items  map[string]*Item // queued and active
	active int
}

func newLane(cfg LaneConfig) *lane {
	return &lane{
		name:     cfg.Name,
		minScore: cfg.MinScore,
		budget:   cfg.Budget,
		wait:     monitor.NewLatencyHistogram(500),
		items:    make(map[string]*Item),
	}
}

func (l *lane) push(it *Item) {
	heap.Push(&l.queued, it)
	l.items[it.ID] = it
}

func (l *lane) remove(it *Item) {
	if it.index >= 0 {
		heap.Remove(&l.queued, it.index)
	}
	delete(l.items, it.ID)
}
