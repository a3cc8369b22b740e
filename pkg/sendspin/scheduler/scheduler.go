// ABOUTME: Bounded deadline-ordered scheduler for the C4 audio path
// ABOUTME: Enqueues out-of-order chunks and emits them at their local deadline
package scheduler

import "container/heap"

// DefaultCapacity is the maximum number of queued chunks, roughly 1.28s of
// audio at 20ms chunks.
const DefaultCapacity = 64

// DefaultLateWindowUs is how far past its deadline a chunk may sit in the
// queue before a tick drops it as missed.
const DefaultLateWindowUs int64 = 5_000

// DefaultLeadWindowUs is how close to its deadline a chunk must be before a
// tick will emit it early.
const DefaultLeadWindowUs int64 = 1_000

// Chunk is a single scheduled unit: a local-time deadline and an opaque
// payload (decoded audio, artwork, or visualizer data).
type Chunk struct {
	DeadlineUs int64
	Payload    []byte
}

type entry struct {
	chunk Chunk
	seq   uint64
}

// less defines the scheduler's total order: earliest deadline first, and
// among equal deadlines the first-enqueued entry sorts first (stable).
func less(a, b entry) bool {
	if a.chunk.DeadlineUs != b.chunk.DeadlineUs {
		return a.chunk.DeadlineUs < b.chunk.DeadlineUs
	}
	return a.seq < b.seq
}

type entryHeap []entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return less(h[i], h[j]) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x interface{}) { *h = append(*h, x.(entry)) }
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Scheduler is a bounded ordered multiset of chunks keyed on deadline. It is
// not safe for concurrent use from multiple goroutines; callers that need
// the single-producer/single-consumer discipline described for C4 must
// serialize Enqueue and Tick/Reset themselves (the Player does this by
// calling Enqueue, Tick and Reset from one scheduler goroutine, with Reset
// requests funnelled to it over a channel).
type Scheduler struct {
	capacity     int
	lateWindowUs int64
	leadWindowUs int64

	items   entryHeap
	nextSeq uint64
	misses  int64
}

// New creates a scheduler with the given capacity and windows (in
// microseconds).
func New(capacity int, lateWindowUs, leadWindowUs int64) *Scheduler {
	s := &Scheduler{capacity: capacity, lateWindowUs: lateWindowUs, leadWindowUs: leadWindowUs}
	heap.Init(&s.items)
	return s
}

// NewDefault creates a scheduler using the spec's default capacity and
// windows.
func NewDefault() *Scheduler {
	return New(DefaultCapacity, DefaultLateWindowUs, DefaultLeadWindowUs)
}

// Enqueue inserts a chunk. If the queue is at capacity, the chunk with the
// later deadline between the incoming chunk and the current maximum is
// dropped: either the new chunk is rejected (returns false), or the current
// maximum is evicted to make room.
func (s *Scheduler) Enqueue(c Chunk) bool {
	e := entry{chunk: c, seq: s.nextSeq}
	s.nextSeq++

	if len(s.items) < s.capacity {
		heap.Push(&s.items, e)
		return true
	}

	maxIdx := s.maxIndex()
	if less(e, s.items[maxIdx]) {
		heap.Remove(&s.items, maxIdx)
		heap.Push(&s.items, e)
		return true
	}
	return false
}

func (s *Scheduler) maxIndex() int {
	max := 0
	for i := 1; i < len(s.items); i++ {
		if less(s.items[max], s.items[i]) {
			max = i
		}
	}
	return max
}

// Tick advances the scheduler to nowLocalUs. It drops and counts every head
// more than late_window in the past, then dequeues and returns every head
// within lead_window of now, in non-decreasing deadline order.
func (s *Scheduler) Tick(nowLocalUs int64) (emitted []Chunk, misses int) {
	for len(s.items) > 0 && s.items[0].chunk.DeadlineUs < nowLocalUs-s.lateWindowUs {
		heap.Pop(&s.items)
		misses++
	}
	for len(s.items) > 0 && s.items[0].chunk.DeadlineUs <= nowLocalUs+s.leadWindowUs {
		e := heap.Pop(&s.items).(entry)
		emitted = append(emitted, e.chunk)
	}
	s.misses += int64(misses)
	return emitted, misses
}

// NextWakeUs returns the local time at which the caller should next call
// Tick, derived from the current head's deadline. ok is false if the queue
// is empty.
func (s *Scheduler) NextWakeUs() (wakeUs int64, ok bool) {
	if len(s.items) == 0 {
		return 0, false
	}
	return s.items[0].chunk.DeadlineUs - s.leadWindowUs, true
}

// Reset drops all queued chunks. Safe to call between ticks; not safe
// mid-emit from another goroutine since Scheduler has no internal locking.
func (s *Scheduler) Reset() {
	s.items = s.items[:0]
}

// Len returns the number of queued chunks.
func (s *Scheduler) Len() int { return len(s.items) }

// Misses returns the cumulative count of chunks dropped for exceeding
// late_window.
func (s *Scheduler) Misses() int64 { return s.misses }
