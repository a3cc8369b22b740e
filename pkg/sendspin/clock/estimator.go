// ABOUTME: Clock-sync estimator converting server-loop µs to local wall µs
// ABOUTME: Implements the C2 accept/update rule and atomic offset publication
package clock

import (
	"errors"
	"sync/atomic"
	"time"
)

// RTTCutoff is the maximum round-trip time a sample may have to be
// accepted, per spec.md §4.2.
const RTTCutoff = 100_000 // µs

// ringSize is the number of recent accepted samples retained for
// diagnostics and warm-start reseeding after stream/clear.
const ringSize = 16

// ErrInvalid is returned by ToLocalWall before any sample has been
// accepted.
var ErrInvalid = errors.New("clock: estimator has no accepted sample yet")

// Sample is a single clock-sync exchange: (t1, t2, t3, t4) per spec.md §3.
type Sample struct {
	ClientTransmitted int64 // t1, local Unix µs
	ServerReceived    int64 // t2, server-loop µs
	ServerTransmitted int64 // t3, server-loop µs
	ClientReceived    int64 // t4, local Unix µs
}

// RTT returns the sample's round-trip time, excluding server processing.
func (s Sample) RTT() int64 {
	return (s.ClientReceived - s.ClientTransmitted) - (s.ServerTransmitted - s.ServerReceived)
}

// Offset returns the additive constant O such that
// local_unix(ts_server) = ts_server + O.
func (s Sample) Offset() int64 {
	return ((s.ClientTransmitted + s.ClientReceived) - (s.ServerReceived + s.ServerTransmitted)) / 2
}

// snapshot is the immutable value published for lock-free reads, per the
// atomic-with-generation design note in spec.md §9.
type snapshot struct {
	offset     int64
	rtt        int64
	valid      bool
	generation uint64
}

// Estimator maintains the running server↔local clock offset from a stream
// of sync samples. Reads (ToLocalWall, Offset, IsValid) are lock-free;
// writes (Accept) update the sample ring without locking and must all come
// from a single goroutine.
type Estimator struct {
	current atomic.Pointer[snapshot]
	ring    [ringSize]Sample
	ringLen int
	ringPos int
	nextGen uint64
}

// New creates an invalid estimator with no accepted samples.
func New() *Estimator {
	e := &Estimator{}
	e.current.Store(&snapshot{})
	return e
}

// Accept validates a sample against the RTT cutoff and, if accepted,
// updates the offset per the replace-if-RTT-improves-or-matches rule in
// spec.md §4.2. It returns whether the sample was accepted.
func (e *Estimator) Accept(s Sample) bool {
	rtt := s.RTT()
	if rtt < 0 || rtt > RTTCutoff {
		return false
	}

	cur := e.current.Load()

	replace := !cur.valid
	if cur.valid {
		bound := cur.rtt * 3 / 2 // min(current_rtt * 1.5, RTT_cutoff)
		if bound > RTTCutoff {
			bound = RTTCutoff
		}
		replace = rtt <= bound
	}

	e.ring[e.ringPos] = s
	e.ringPos = (e.ringPos + 1) % ringSize
	if e.ringLen < ringSize {
		e.ringLen++
	}

	if !replace {
		return true
	}

	e.nextGen++
	e.current.Store(&snapshot{
		offset:     s.Offset(),
		rtt:        rtt,
		valid:      true,
		generation: e.nextGen,
	})
	return true
}

// IsValid reports whether at least one sample has been accepted.
func (e *Estimator) IsValid() bool {
	return e.current.Load().valid
}

// Offset returns the current best offset O, or 0 if invalid.
func (e *Estimator) Offset() int64 {
	return e.current.Load().offset
}

// RTT returns the RTT of the sample that produced the current offset.
func (e *Estimator) RTT() int64 {
	return e.current.Load().rtt
}

// Generation returns a monotonically increasing counter bumped on every
// accepted offset update, so readers can detect staleness.
func (e *Estimator) Generation() uint64 {
	return e.current.Load().generation
}

// ToLocalWall converts a server-loop-µs timestamp to local wall time.
// Fails with ErrInvalid if no sample has been accepted yet.
func (e *Estimator) ToLocalWall(serverUs int64) (time.Time, error) {
	snap := e.current.Load()
	if !snap.valid {
		return time.Time{}, ErrInvalid
	}
	localUs := serverUs + snap.offset
	return time.UnixMicro(localUs), nil
}

// Samples returns a copy of the ring of recently accepted samples, oldest
// first, for diagnostics or warm-start reseeding after stream/clear.
func (e *Estimator) Samples() []Sample {
	out := make([]Sample, e.ringLen)
	for i := 0; i < e.ringLen; i++ {
		idx := (e.ringPos - e.ringLen + i + ringSize) % ringSize
		out[i] = e.ring[idx]
	}
	return out
}

// NowLocalUs returns the current local wall clock in Unix microseconds.
func NowLocalUs() int64 {
	return time.Now().UnixMicro()
}
