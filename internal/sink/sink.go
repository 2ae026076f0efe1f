// Package sink implements the Sink and Waiter entities backing the
// blocking half of the tuner read API: a bounded FIFO with a single
// reader identity, drop-on-full backpressure, and a one-shot Waiter that a
// blocking reader attaches for the duration of one read call. Grounded on
// the internal/tuner/gateway.go blocking HTTP-read loop and its
// per-session sync.Cond usage for "wait until data or deadline".
package sink

import (
	"sync"
	"time"

	"github.com/vqe-c/vqec/internal/rtp"
	"github.com/vqe-c/vqec/internal/vqerr"
)

// IOBuf is one output slot a reader presents to Read/the Waiter, mirroring
// the iobuf record a tuner read call fills.
type IOBuf struct {
	Data    []byte
	Written int
	Flags   rtp.Flags
}

// Stats are the sink-level counters a channel tracks.
type Stats struct {
	Enqueued   uint64
	QueueDrops uint64
	Flushed    uint64
}

// Waiter is a per-reader suspended-read descriptor, bound to exactly one
// in-flight Read call. One-shot: a new Read allocates (or reuses, via a
// pool the caller manages) a fresh Waiter.
type Waiter struct {
	cond       *sync.Cond
	bufs       []IOBuf
	want       int
	filled     int
	done       bool
	err        error
	totalBytes int
}

func newWaiter(mu *sync.Mutex, bufs []IOBuf) *Waiter {
	return &Waiter{cond: sync.NewCond(mu), bufs: bufs, want: len(bufs)}
}

// reset rebinds an already-constructed Waiter to a new set of target
// buffers, clearing the fields a prior Read call left behind. The
// condition variable (and the lock it was built on) is left untouched, so
// reset is only safe when w was built by the same Sink being read from.
func (w *Waiter) reset(bufs []IOBuf) {
	w.bufs = bufs
	w.want = len(bufs)
	w.filled = 0
	w.done = false
	w.err = nil
	w.totalBytes = 0
}

// Filled returns the number of buffers filled so far.
func (w *Waiter) Filled() int { return w.filled }

// Sink is a bounded FIFO of packet references bound to exactly one reader
// identity. Enqueue is non-blocking and drops-on-full; at most one Waiter
// may be attached at a time.
type Sink struct {
	mu sync.Mutex

	maxCount int
	maxBytes int

	queue     []*rtp.Packet
	curBytes  int
	waiter    *Waiter
	poisoned  bool
	poisonErr error

	Stats Stats
}

// New constructs a Sink bounded by maxCount packets and maxBytes bytes
// (either may be 0 to mean "unbounded on that axis").
func New(maxCount, maxBytes int) *Sink {
	return &Sink{maxCount: maxCount, maxBytes: maxBytes}
}

// Enqueue appends pkt to the FIFO. If the queue is full the newest packet
// is dropped and queue_drops is incremented; enqueue never blocks the
// writer. If a Waiter is attached, Enqueue moves queued packets into the
// waiter's buffers and signals it.
func (s *Sink) Enqueue(pkt *rtp.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.poisoned {
		pkt.Release()
		return
	}

	full := (s.maxCount > 0 && len(s.queue) >= s.maxCount) ||
		(s.maxBytes > 0 && s.curBytes+pkt.Len() > s.maxBytes)
	if full {
		s.Stats.QueueDrops++
		pkt.Release()
		return
	}

	s.queue = append(s.queue, pkt)
	s.curBytes += pkt.Len()
	s.Stats.Enqueued++

	if s.waiter != nil {
		s.fillWaiterLocked()
	}
}

// fillWaiterLocked drains queued packets into the attached waiter's
// buffers, marks it done once the requested buffer count is satisfied or
// an APP packet was delivered, and signals it whenever at least one
// buffer was filled, so a deadline-bounded reader can return early.
func (s *Sink) fillWaiterLocked() {
	w := s.waiter
	before := w.filled
	for w.filled < w.want && len(s.queue) > 0 {
		pkt := s.queue[0]
		s.queue = s.queue[1:]
		s.curBytes -= pkt.Len()

		buf := &w.bufs[w.filled]
		n := copy(buf.Data, pkt.Data)
		buf.Written = n
		buf.Flags = pkt.Flags
		w.totalBytes += n
		w.filled++

		app := pkt.IsAPP()
		pkt.Release()
		if app {
			break
		}
	}
	if w.filled >= w.want || (w.filled > 0 && w.bufs[w.filled-1].Flags&rtp.FlagAPP != 0) {
		w.done = true
	}
	if w.done || w.filled > before {
		w.cond.Broadcast()
	}
}

// Read drains up to len(bufs) queued packets into bufs without blocking,
// returning the number of buffers filled. A flagged APP packet causes an
// early return even if buffers remain.
func (s *Sink) Read(bufs []IOBuf) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked(bufs)
}

func (s *Sink) readLocked(bufs []IOBuf) int {
	n := 0
	for n < len(bufs) && len(s.queue) > 0 {
		pkt := s.queue[0]
		s.queue = s.queue[1:]
		s.curBytes -= pkt.Len()

		written := copy(bufs[n].Data, pkt.Data)
		bufs[n].Written = written
		bufs[n].Flags = pkt.Flags
		app := pkt.IsAPP()
		pkt.Release()
		n++
		if app {
			break
		}
	}
	return n
}

// AddWaiter attaches w as this sink's sole waiter; immediately tries to
// fill it from whatever is already queued. Returns an error if a waiter
// is already attached.
func (s *Sink) addWaiter(w *Waiter) error {
	if s.waiter != nil {
		return vqerr.New(vqerr.KindInvalidArgs, "sink.AddWaiter", nil)
	}
	s.waiter = w
	if s.poisoned {
		w.err = s.poisonErr
		w.done = true
		w.cond.Broadcast()
		return nil
	}
	s.fillWaiterLocked()
	return nil
}

// DelWaiter detaches the sink's current waiter, if it is w.
func (s *Sink) delWaiter(w *Waiter) {
	if s.waiter == w {
		s.waiter = nil
	}
}

// StatsSnapshot returns a copy of the sink's counters taken under the
// sink lock, for callers polling stats while writers are live.
func (s *Sink) StatsSnapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Stats
}

// Flush drops all queued packets and counts them in Stats.Flushed.
func (s *Sink) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.queue {
		p.Release()
	}
	s.Stats.Flushed += uint64(len(s.queue))
	s.queue = nil
	s.curBytes = 0
}

// Poison marks the sink as destroyed: queued packets are released, any
// attached waiter is woken with err, and future Enqueue calls silently
// drop their packet.
func (s *Sink) Poison(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.poisoned = true
	s.poisonErr = err
	for _, p := range s.queue {
		p.Release()
	}
	s.queue = nil
	s.curBytes = 0
	if s.waiter != nil {
		s.waiter.err = err
		s.waiter.done = true
		s.waiter.cond.Broadcast()
		s.waiter = nil
	}
}

// ReadBlocking implements the blocking half of tuner_read:
// drains whatever is already queued, and if that doesn't satisfy count
// buffers and timeout != 0, attaches a Waiter and blocks until either at
// least one buffer is filled, the deadline passes, or the sink is poisoned
// (destroyed). A zero timeout never blocks; a negative timeout means no
// deadline at all: the read returns only when all the buffers fill, an
// APP packet lands,
// or the sink dies. The Waiter is always removed before returning.
func (s *Sink) ReadBlocking(bufs []IOBuf, timeout time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readBlockingLocked(nil, bufs, timeout)
}

// NewWaiter constructs a Waiter bound to this Sink's lock, for a caller
// that wants to cache and reuse one Waiter across repeated blocking reads
// from the same tuner (the per-thread cached-waiter-pool pattern): building
// the sync.Cond once and resetting it per call is cheaper than a fresh
// allocation on every read.
func (s *Sink) NewWaiter() *Waiter {
	return newWaiter(&s.mu, nil)
}

// ReadBlockingWith behaves like ReadBlocking but reuses w (reset in place)
// instead of allocating a fresh Waiter. w must have been returned by this
// same Sink's NewWaiter; passing a waiter cached against a different Sink
// is a caller bug, since its condition variable is bound to the wrong
// lock.
func (s *Sink) ReadBlockingWith(w *Waiter, bufs []IOBuf, timeout time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readBlockingLocked(w, bufs, timeout)
}

func (s *Sink) readBlockingLocked(w *Waiter, bufs []IOBuf, timeout time.Duration) (int, error) {
	if s.poisoned {
		return 0, s.poisonErr
	}

	n := s.readLocked(bufs)
	if timeout == 0 || n == len(bufs) || (n > 0 && bufs[n-1].Flags&rtp.FlagAPP != 0) {
		return n, nil
	}

	remaining := bufs[n:]
	if w == nil {
		w = newWaiter(&s.mu, remaining)
	} else {
		w.reset(remaining)
	}
	if err := s.addWaiter(w); err != nil {
		return n, err
	}
	defer s.delWaiter(w)

	if timeout < 0 {
		// infinite wait: only a filled waiter, an APP delivery, or a
		// poisoned sink gets us out.
		for !w.done {
			w.cond.Wait()
		}
	} else {
		// deadline-bounded wait: the first filled buffer ends it, as do an
		// APP delivery, a poisoned sink, or the deadline.
		deadline := time.Now().Add(timeout)
		for !w.done && w.filled == 0 {
			d := time.Until(deadline)
			if d <= 0 {
				break
			}
			waitWithTimeout(w.cond, d)
		}
	}

	filled := n + w.filled
	if w.err != nil {
		return filled, w.err
	}
	return filled, nil
}

// waitWithTimeout blocks on cond for at most d, using a helper goroutine
// to bound sync.Cond.Wait (which has no native deadline support) — the
// same tradeoff the session-reaper code makes with timer-backed
// condition waits.
func waitWithTimeout(cond *sync.Cond, d time.Duration) {
	timer := time.AfterFunc(d, func() {
		cond.L.Lock()
		cond.Broadcast()
		cond.L.Unlock()
	})
	defer timer.Stop()
	cond.Wait()
}
