package schedule

import (
	"container/heap"
	"sort"
	"sync"

	"github.com/roach88/tempo/internal/action"
)

// Command is one time-stamped parameter change awaiting execution.
type Command struct {
	Seq         int64         `json:"seq"`
	BundleID    string        `json:"bundleId"`
	Action      action.Action `json:"action"`
	TargetBeats float64       `json:"targetBeats"`
	Bar         int           `json:"bar"`
	Beat        float64       `json:"beat"`
}

// commandHeap orders commands by (TargetBeats, Seq).
type commandHeap []Command

func (h commandHeap) Len() int { return len(h) }
func (h commandHeap) Less(i, j int) bool {
	if h[i].TargetBeats != h[j].TargetBeats {
		return h[i].TargetBeats < h[j].TargetBeats
	}
	return h[i].Seq < h[j].Seq
}
func (h commandHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *commandHeap) Push(x any)   { *h = append(*h, x.(Command)) }
func (h *commandHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	old[n-1] = Command{}
	*h = old[:n-1]
	return c
}

// commandQueue is a bounded priority queue of commands.
//
// Admission is all-or-nothing per bundle and never blocks. The execution
// loop pops due commands; the signal channel (buffered, size 1) wakes it
// when new work arrives.
//
// Thread-safety: all methods are safe for concurrent use.
type commandQueue struct {
	mu       sync.Mutex
	items    commandHeap
	capacity int
	seq      int64
	closed   bool
	signal   chan struct{}
}

func newCommandQueue(capacity int) *commandQueue {
	return &commandQueue{
		items:    make(commandHeap, 0, capacity),
		capacity: capacity,
		signal:   make(chan struct{}, 1),
	}
}

// Admit adds all commands or none. Seqs are assigned in slice order.
// Returns false when the queue lacks room or is closed.
func (q *commandQueue) Admit(cmds []Command) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || len(q.items)+len(cmds) > q.capacity {
		return false
	}
	for _, c := range cmds {
		q.seq++
		c.Seq = q.seq
		heap.Push(&q.items, c)
	}

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// PopDue removes every command with TargetBeats <= beat and returns them
// in enqueue order.
func (q *commandQueue) PopDue(beat float64) []Command {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Command
	for len(q.items) > 0 && q.items[0].TargetBeats <= beat {
		out = append(out, heap.Pop(&q.items).(Command))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Head returns the earliest command without removing it.
func (q *commandQueue) Head() (Command, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Command{}, false
	}
	return q.items[0], true
}

// RemoveBundle drops every queued command of a bundle and returns how many.
func (q *commandQueue) RemoveBundle(bundleID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.items[:0]
	removed := 0
	for _, c := range q.items {
		if c.BundleID == bundleID {
			removed++
			continue
		}
		kept = append(kept, c)
	}
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = Command{}
	}
	q.items = kept
	if removed > 0 {
		heap.Init(&q.items)
	}
	return removed
}

// Pending returns the queued commands of a bundle in enqueue order.
func (q *commandQueue) Pending(bundleID string) []Command {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Command
	for _, c := range q.items {
		if c.BundleID == bundleID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Wait returns a channel that signals when commands may have arrived.
func (q *commandQueue) Wait() <-chan struct{} {
	return q.signal
}

func (q *commandQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *commandQueue) Capacity() int {
	return q.capacity
}

// Close rejects further admissions and wakes waiters.
func (q *commandQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
