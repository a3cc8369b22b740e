// ABOUTME: Tests for the bounded deadline-ordered scheduler
// ABOUTME: Covers capacity eviction, tick windows, and emit ordering
package scheduler

import "testing"

func TestEnqueueAndTickOrdering(t *testing.T) {
	s := New(10, 5_000, 1_000)
	s.Enqueue(Chunk{DeadlineUs: 3000})
	s.Enqueue(Chunk{DeadlineUs: 1000})
	s.Enqueue(Chunk{DeadlineUs: 2000})

	emitted, misses := s.Tick(1900)
	if misses != 0 {
		t.Fatalf("expected no misses, got %d", misses)
	}
	if len(emitted) != 2 {
		t.Fatalf("expected 2 emitted (1000, 2000), got %d: %+v", len(emitted), emitted)
	}
	if emitted[0].DeadlineUs != 1000 || emitted[1].DeadlineUs != 2000 {
		t.Fatalf("expected deadline order [1000 2000], got %+v", emitted)
	}
	if s.Len() != 1 {
		t.Fatalf("expected 1 remaining, got %d", s.Len())
	}
}

func TestTickDropsLateChunksAsMisses(t *testing.T) {
	s := New(10, 5_000, 1_000)
	s.Enqueue(Chunk{DeadlineUs: 1000})

	_, misses := s.Tick(10_000) // 9000 past deadline, > late window of 5000
	if misses != 1 {
		t.Fatalf("expected 1 miss, got %d", misses)
	}
	if s.Misses() != 1 {
		t.Fatalf("expected cumulative misses 1, got %d", s.Misses())
	}
	if s.Len() != 0 {
		t.Fatalf("expected queue drained, got %d", s.Len())
	}
}

func TestTickDoesNotEmitTooEarly(t *testing.T) {
	s := New(10, 5_000, 1_000)
	s.Enqueue(Chunk{DeadlineUs: 10_000})

	emitted, misses := s.Tick(0)
	if len(emitted) != 0 || misses != 0 {
		t.Fatalf("expected nothing ready yet, got emitted=%v misses=%d", emitted, misses)
	}
	wake, ok := s.NextWakeUs()
	if !ok || wake != 9_000 {
		t.Fatalf("expected next wake at 9000, got %d (ok=%v)", wake, ok)
	}
}

func TestCapacityDropsNewestWhenLater(t *testing.T) {
	s := New(2, 5_000, 1_000)
	if !s.Enqueue(Chunk{DeadlineUs: 1000}) {
		t.Fatal("expected first enqueue to succeed")
	}
	if !s.Enqueue(Chunk{DeadlineUs: 2000}) {
		t.Fatal("expected second enqueue to succeed")
	}
	// At capacity; new chunk's deadline (3000) is later than current max (2000): dropped.
	if s.Enqueue(Chunk{DeadlineUs: 3000}) {
		t.Fatal("expected later chunk to be dropped at capacity")
	}
	if s.Len() != 2 {
		t.Fatalf("expected queue unchanged at 2, got %d", s.Len())
	}
}

func TestCapacityEvictsMaxWhenNewerIsEarlier(t *testing.T) {
	s := New(2, 5_000, 1_000)
	s.Enqueue(Chunk{DeadlineUs: 1000})
	s.Enqueue(Chunk{DeadlineUs: 3000})

	// At capacity; new chunk's deadline (2000) is earlier than current max (3000): evict max.
	if !s.Enqueue(Chunk{DeadlineUs: 2000}) {
		t.Fatal("expected earlier chunk to be accepted, evicting the max")
	}
	if s.Len() != 2 {
		t.Fatalf("expected queue size unchanged at 2, got %d", s.Len())
	}

	emitted, _ := s.Tick(2_000)
	var deadlines []int64
	for _, c := range emitted {
		deadlines = append(deadlines, c.DeadlineUs)
	}
	if len(deadlines) != 2 || deadlines[0] != 1000 || deadlines[1] != 2000 {
		t.Fatalf("expected remaining chunks [1000 2000], got %v", deadlines)
	}
}

func TestStableTieBreakOnEqualDeadlines(t *testing.T) {
	s := New(10, 5_000, 1_000)
	s.Enqueue(Chunk{DeadlineUs: 1000, Payload: []byte("first")})
	s.Enqueue(Chunk{DeadlineUs: 1000, Payload: []byte("second")})

	emitted, _ := s.Tick(1000)
	if len(emitted) != 2 {
		t.Fatalf("expected 2 emitted, got %d", len(emitted))
	}
	if string(emitted[0].Payload) != "first" || string(emitted[1].Payload) != "second" {
		t.Fatalf("expected first-enqueued to win the tie, got %s then %s", emitted[0].Payload, emitted[1].Payload)
	}
}

func TestResetClearsQueue(t *testing.T) {
	s := New(10, 5_000, 1_000)
	s.Enqueue(Chunk{DeadlineUs: 1000})
	s.Enqueue(Chunk{DeadlineUs: 2000})
	s.Reset()
	if s.Len() != 0 {
		t.Fatalf("expected empty queue after reset, got %d", s.Len())
	}
	if _, ok := s.NextWakeUs(); ok {
		t.Fatal("expected no next wake after reset")
	}
}

func TestNonDecreasingEmitOrderAcrossManyEnqueues(t *testing.T) {
	s := New(64, 5_000, 1_000)
	deadlines := []int64{5000, 1000, 4000, 2000, 3000, 1500, 2500}
	for _, d := range deadlines {
		s.Enqueue(Chunk{DeadlineUs: d})
	}
	emitted, _ := s.Tick(5_000)
	for i := 1; i < len(emitted); i++ {
		if emitted[i].DeadlineUs < emitted[i-1].DeadlineUs {
			t.Fatalf("emitted out of order: %+v", emitted)
		}
	}
	if len(emitted) != len(deadlines) {
		t.Fatalf("expected all %d chunks emitted, got %d", len(deadlines), len(emitted))
	}
}
