// Package pcm implements the Packet Cache Manager: a per-source ordered
// cache of RTP packets keyed by extended sequence number, with gap
// tracking, capacity-bounded eviction, and the session-wide resequence
// rebase used when the primary source changes. Grounded on the
// map/slice-based stateful-struct style of internal/tuner/plex_session_reaper.go
// for the cache bookkeeping, and on vqec_dp_graph.c for the
// insert/evict/resequence semantics.
package pcm

import (
	"time"

	"github.com/vqe-c/vqec/internal/rtp"
	"github.com/vqe-c/vqec/internal/seqnum"
)

// GapEntry is one run of missing sequence numbers: an ordered
// {start_seq, extent} pair.
type GapEntry struct {
	Start  seqnum.Extended
	Extent uint32
}

// Stats are the PCM-level counters a cache tracks.
type Stats struct {
	Duplicates uint64
	TooLate    uint64
	Evicted    uint64
}

// Cache is a per-primary-source ordered packet cache. Not safe for
// concurrent use on its own: callers serialize access through the
// channel's coarse lock.
type Cache struct {
	capacity uint32

	initialized bool
	head        seqnum.Extended // oldest position still owed to the reader
	tail        seqnum.Extended // highest ext-seq with an entry

	entries map[seqnum.Extended]*rtp.Packet

	headMissingSince *time.Time

	extender     seqnum.Extender
	rtpSeqOffset uint16

	Stats Stats
}

// New constructs a Cache with the given capacity.
func New(capacity uint32) *Cache {
	return &Cache{
		capacity: capacity,
		entries:  make(map[seqnum.Extended]*rtp.Packet),
	}
}

// Len returns the number of packets currently cached.
func (c *Cache) Len() int {
	return len(c.entries)
}

// Head returns the current head position.
func (c *Cache) Head() seqnum.Extended { return c.head }

// Tail returns the current tail position.
func (c *Cache) Tail() seqnum.Extended { return c.tail }

// ExtendWire folds a 16-bit wire sequence number into this cache's running
// extended-sequence space.
func (c *Cache) ExtendWire(wire uint16) seqnum.Extended {
	return c.extender.Extend(wire)
}

// Insert places pkt into the cache by its ExtSeq: too-late packets
// (ext_seq < head) and duplicates are dropped and counted; otherwise the
// packet is placed, the tail is extended if needed, and entries beyond
// capacity are evicted from the head.
func (c *Cache) Insert(now time.Time, pkt *rtp.Packet) (accepted bool) {
	s := pkt.ExtSeq
	if !c.initialized {
		c.initialized = true
		c.head = s
		c.tail = s
	}

	if c.initialized && seqnum.Before(s, c.head) {
		c.Stats.TooLate++
		pkt.Release()
		return false
	}
	if _, exists := c.entries[s]; exists {
		c.Stats.Duplicates++
		pkt.Release()
		return false
	}

	c.entries[s] = pkt
	if seqnum.After(s, c.tail) {
		c.tail = s
	}
	if s == c.head {
		c.headMissingSince = nil
	}

	c.evictToCapacity(now)
	return true
}

func (c *Cache) evictToCapacity(now time.Time) {
	for c.windowSize() > c.capacity {
		if p, ok := c.entries[c.head]; ok {
			p.Release()
			delete(c.entries, c.head)
		} else {
			c.Stats.Evicted++
		}
		c.head++
		c.headMissingSince = nil
		if _, ok := c.entries[c.head]; !ok && c.windowSize() > 0 {
			t := now
			c.headMissingSince = &t
		}
	}
}

func (c *Cache) windowSize() uint32 {
	if !c.initialized {
		return 0
	}
	return uint32(seqnum.Distance(c.head, c.tail)) + 1
}

// NextReady returns the packet at head if it is present, or if it is
// missing but has aged past gapWaitDeadline (treated as permanently lost:
// head advances past it so later packets are not starved forever). Returns
// ok=false when the caller should keep waiting.
func (c *Cache) NextReady(now time.Time, gapWaitDeadline time.Duration) (*rtp.Packet, bool) {
	for c.initialized && !seqnum.After(c.head, c.tail) {
		pkt, ok := c.entries[c.head]
		if ok {
			delete(c.entries, c.head)
			c.head++
			c.headMissingSince = nil
			return pkt, true
		}
		if c.headMissingSince == nil {
			t := now
			c.headMissingSince = &t
			return nil, false
		}
		if now.Sub(*c.headMissingSince) < gapWaitDeadline {
			return nil, false
		}
		// aged out: this position is permanently lost, advance past it.
		c.head++
		c.headMissingSince = nil
	}
	return nil, false
}

// PeekWire computes what ExtendWire would return for wire without
// advancing the extender's cycle state, for probes (FEC parity runs, gap
// candidates) that must not perturb the primary stream's wraparound
// tracking.
func (c *Cache) PeekWire(wire uint16) seqnum.Extended {
	return c.extender.Peek(wire)
}

// Peek returns the cached packet at s without consuming it, for FEC
// recovery passes that XOR still-cached neighbors together.
func (c *Cache) Peek(s seqnum.Extended) (*rtp.Packet, bool) {
	p, ok := c.entries[s]
	return p, ok
}

// Contains reports whether s currently has an entry in the cache.
func (c *Cache) Contains(s seqnum.Extended) bool {
	_, ok := c.entries[s]
	return ok
}

// EnumerateGaps returns the in-order gap list, stopping once the total
// number of individual missing sequence numbers enumerated reaches limit.
func (c *Cache) EnumerateGaps(limit uint32) []GapEntry {
	var gaps []GapEntry
	if !c.initialized {
		return gaps
	}
	var counted uint32
	pos := c.head
	for !seqnum.After(pos, c.tail) && counted < limit {
		if _, ok := c.entries[pos]; ok {
			pos++
			continue
		}
		start := pos
		var extent uint32
		for !seqnum.After(pos, c.tail) && counted < limit {
			if _, ok := c.entries[pos]; ok {
				break
			}
			extent++
			counted++
			pos++
		}
		gaps = append(gaps, GapEntry{Start: start, Extent: extent})
	}
	return gaps
}

// Resequence rebases the sequence space for a new primary source. The
// local extended-sequence space continues monotonically from the current
// tail so sink ordering is undisturbed; a session-wide RTP-sequence offset
// is recorded so gap reports issued against the new source translate back
// to the source's own 16-bit sequence space.
func (c *Cache) Resequence(newSourceWireSeq uint16) {
	var nextLocal seqnum.Extended
	if c.initialized {
		nextLocal = c.tail + 1
	}
	c.rtpSeqOffset = uint16(nextLocal) - newSourceWireSeq
	c.extender.Seed(newSourceWireSeq, uint32(nextLocal)>>16)
}

// RTPSeqOffset returns the session-wide rebase offset recorded by the most
// recent Resequence call (0 if none has occurred).
func (c *Cache) RTPSeqOffset() uint16 {
	return c.rtpSeqOffset
}

// RebasedWireSeq translates an extended sequence number in this cache's
// local space back to the rebased source's own 16-bit wire sequence space.
func (c *Cache) RebasedWireSeq(ext seqnum.Extended) uint16 {
	return uint16(ext) - c.rtpSeqOffset
}
