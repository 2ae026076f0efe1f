// Package tunerio implements the pull-consumer side of a tuner: the
// tuner_read handle surface that validates and clamps a caller's request,
// drains a channel's output sink, and blocks on a cached Waiter when the
// caller asked for more than is immediately available. Grounded on
// internal/sink's ReadBlocking contract for the wait/wake mechanics and on
// internal/idmgr's generation-checked handles for detecting a tuner that
// was destroyed or rebound to a different channel while a read was
// in flight.
package tunerio

import (
	"time"

	"github.com/vqe-c/vqec/internal/graph"
	"github.com/vqe-c/vqec/internal/idmgr"
	"github.com/vqe-c/vqec/internal/sink"
	"github.com/vqe-c/vqec/internal/vqerr"
)

// Limits bounds the count and timeout_ms a caller may request, mirroring
// a daemon's max_iobuf_cnt / iobuf_recv_timeout configuration knobs.
type Limits struct {
	MaxIOBufCount    int
	IOBufRecvTimeout time.Duration
}

// tuner is one handle's private state: which channel it currently reads
// from, and the cached Waiter for that channel's sink. The original
// per-OS-thread cached-waiter pool has no direct Go analogue (goroutines
// aren't addressable the way threads are), so caching is scoped to the
// handle itself: a given tuner handle is read from by one logical
// consumer at a time in practice, which gets the same amortized benefit.
type tuner struct {
	channelID string
	ctx       *graph.Context

	waiter     *sink.Waiter
	waiterSink *sink.Sink
}

// Manager is the tuner handle table: an idmgr.Manager of tuner state
// bound to channel contexts looked up from a graph.Graph.
type Manager struct {
	ids    *idmgr.Manager
	graphs *graph.Graph
	limits Limits
}

// New constructs a Manager reading channel contexts from graphs, clamping
// every Read call to limits.
func New(graphs *graph.Graph, limits Limits) *Manager {
	return &Manager{ids: idmgr.New(), graphs: graphs, limits: limits}
}

// Create allocates a new tuner handle bound to channelID's graph context.
func (m *Manager) Create(channelID string) (idmgr.Handle, error) {
	ctx, ok := m.graphs.Get(channelID)
	if !ok {
		return idmgr.Zero, vqerr.New(vqerr.KindNoSuchStream, "tunerio.Create", nil)
	}
	h := m.ids.Alloc(&tuner{channelID: channelID, ctx: ctx})
	return h, nil
}

// Rebind moves an existing tuner handle onto a different channel,
// flushing its old binding's sink and discarding any cached Waiter (its
// condition variable is bound to the old sink's lock and cannot be
// reused against a new one). Used when a receiver's fast-channel-change
// path switches a live tuner from one channel's output shim to another's.
func (m *Manager) Rebind(h idmgr.Handle, newChannelID string) error {
	v, ok := m.ids.Get(h)
	if !ok {
		return vqerr.New(vqerr.KindNoSuchTuner, "tunerio.Rebind", nil)
	}
	t := v.(*tuner)

	newCtx, ok := m.graphs.Get(newChannelID)
	if !ok {
		return vqerr.New(vqerr.KindNoSuchStream, "tunerio.Rebind", nil)
	}

	if t.ctx != nil {
		if out := t.ctx.Output(); out != nil {
			out.Sink.Flush()
		}
	}
	t.channelID = newChannelID
	t.ctx = newCtx
	t.waiter = nil
	t.waiterSink = nil
	return nil
}

// Destroy releases h. The channel's own sink is untouched (it may still
// be read by a different tuner in a future rebind); only this handle's
// slot is freed.
func (m *Manager) Destroy(h idmgr.Handle) error {
	if !m.ids.Free(h) {
		return vqerr.New(vqerr.KindNoSuchTuner, "tunerio.Destroy", nil)
	}
	return nil
}

// Read implements tuner_read(id, iobuf[], count, timeout_ms): validates h,
// clamps len(bufs) and positive timeoutMs to the configured limits, drains
// the bound channel's sink into bufs, and blocks (attaching a cached
// Waiter) until either at least one buffer is filled, the deadline passes,
// or the stream dies. timeoutMs 0 never blocks; a negative timeoutMs
// means no deadline: the call returns only when all buffers are full or
// the tuner/stream dies. On wakeup h is re-validated; a handle destroyed
// or rebound to a different channel while the read was in flight reports
// the appropriate error even if some buffers were filled before that
// happened. Returns the number of bytes copied across all filled buffers.
func (m *Manager) Read(h idmgr.Handle, bufs []sink.IOBuf, timeoutMs int) (int, error) {
	v, ok := m.ids.Get(h)
	if !ok {
		return 0, vqerr.New(vqerr.KindNoSuchTuner, "tunerio.Read", nil)
	}
	t := v.(*tuner)

	if m.limits.MaxIOBufCount > 0 && len(bufs) > m.limits.MaxIOBufCount {
		bufs = bufs[:m.limits.MaxIOBufCount]
	}
	timeout := time.Duration(timeoutMs) * time.Millisecond
	if timeoutMs < 0 {
		timeout = -1 // infinite: no deadline attached to the waiter
	} else if m.limits.IOBufRecvTimeout > 0 && timeout > m.limits.IOBufRecvTimeout {
		timeout = m.limits.IOBufRecvTimeout
	}

	if t.ctx == nil || t.ctx.Destroyed() {
		return 0, vqerr.New(vqerr.KindNoSuchStream, "tunerio.Read", nil)
	}
	out := t.ctx.Output()
	if out == nil {
		return 0, vqerr.New(vqerr.KindNoSuchStream, "tunerio.Read", nil)
	}

	if t.waiterSink != out.Sink {
		t.waiter = out.Sink.NewWaiter()
		t.waiterSink = out.Sink
	}

	boundCtx := t.ctx
	n, err := out.Sink.ReadBlockingWith(t.waiter, bufs, timeout)
	bytesCopied := 0
	for i := 0; i < n; i++ {
		bytesCopied += bufs[i].Written
	}

	if _, stillLive := m.ids.Get(h); !stillLive {
		return bytesCopied, vqerr.New(vqerr.KindNoSuchTuner, "tunerio.Read", nil)
	}
	if t.ctx != boundCtx || t.ctx.Destroyed() {
		return bytesCopied, vqerr.New(vqerr.KindNoSuchStream, "tunerio.Read", nil)
	}
	return bytesCopied, err
}

// Len returns the number of live tuner handles.
func (m *Manager) Len() int {
	return m.ids.Len()
}
