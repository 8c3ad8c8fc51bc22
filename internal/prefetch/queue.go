package prefetch

import "container/heap"

// taskQueue is a min-heap of queued tasks: nearest feed distance first, then
// manifests before segments, then lower segment index, then arrival order.
type taskQueue []*task

var _ heap.Interface = (*taskQueue)(nil)

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	a, b := q[i], q[j]
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	if a.req.Kind != b.req.Kind {
		return a.req.Kind < b.req.Kind
	}
	if a.req.Segment.Index != b.req.Segment.Index {
		return a.req.Segment.Index < b.req.Segment.Index
	}
	return a.seq < b.seq
}

func (q taskQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *taskQueue) Push(x any) {
	t := x.(*task)
	t.index = len(*q)
	*q = append(*q, t)
}

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*q = old[:n-1]
	return t
}
