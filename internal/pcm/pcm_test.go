package pcm

import (
	"testing"
	"time"

	"github.com/vqe-c/vqec/internal/rtp"
	"github.com/vqe-c/vqec/internal/seqnum"
)

func pkt(seq seqnum.Extended) *rtp.Packet {
	return rtp.NewPacket([]byte{1, 2, 3}, seq, 0, time.Now(), rtp.TypePrimary, 0)
}

func TestInsert_basic(t *testing.T) {
	c := New(64)
	now := time.Now()
	if !c.Insert(now, pkt(100)) {
		t.Fatal("Insert should accept first packet")
	}
	if c.Head() != 100 || c.Tail() != 100 {
		t.Fatalf("head=%d tail=%d, want 100/100", c.Head(), c.Tail())
	}
}

func TestInsert_duplicate(t *testing.T) {
	c := New(64)
	now := time.Now()
	c.Insert(now, pkt(100))
	if c.Insert(now, pkt(100)) {
		t.Fatal("duplicate insert should be rejected")
	}
	if c.Stats.Duplicates != 1 {
		t.Fatalf("Duplicates = %d, want 1", c.Stats.Duplicates)
	}
}

func TestInsert_tooLate(t *testing.T) {
	c := New(64)
	now := time.Now()
	c.Insert(now, pkt(100))
	c.Insert(now, pkt(150))
	if c.Insert(now, pkt(50)) {
		t.Fatal("too-late insert should be rejected")
	}
	if c.Stats.TooLate != 1 {
		t.Fatalf("TooLate = %d, want 1", c.Stats.TooLate)
	}
}

func TestInsert_extendsTail(t *testing.T) {
	c := New(64)
	now := time.Now()
	c.Insert(now, pkt(100))
	c.Insert(now, pkt(110))
	if c.Tail() != 110 {
		t.Fatalf("Tail() = %d, want 110", c.Tail())
	}
}

func TestEviction_atCapacity(t *testing.T) {
	// insertion of the next ext-seq evicts exactly the head; head advances
	// by one; no other entry moves.
	c := New(4)
	now := time.Now()
	for i := 0; i < 4; i++ {
		c.Insert(now, pkt(seqnum.Extended(100+i)))
	}
	if c.Head() != 100 {
		t.Fatalf("Head() = %d, want 100", c.Head())
	}
	c.Insert(now, pkt(104))
	if c.Head() != 101 {
		t.Fatalf("Head() after eviction = %d, want 101", c.Head())
	}
	if c.Len() != 4 {
		t.Fatalf("Len() = %d, want 4", c.Len())
	}
}

func TestNextReady_waitsOnGap(t *testing.T) {
	c := New(64)
	now := time.Now()
	c.Insert(now, pkt(100))
	c.Insert(now, pkt(102)) // gap at 101
	if _, ok := c.NextReady(now, 20*time.Millisecond); !ok {
		t.Fatal("NextReady should deliver 100 immediately")
	}
	if _, ok := c.NextReady(now, 20*time.Millisecond); ok {
		t.Fatal("NextReady should wait on gap at 101 before deadline")
	}
}

func TestNextReady_agesOutGap(t *testing.T) {
	c := New(64)
	now := time.Now()
	c.Insert(now, pkt(100))
	c.Insert(now, pkt(102))
	c.NextReady(now, 20*time.Millisecond) // delivers 100, starts the 101 gap clock
	c.NextReady(now, 20*time.Millisecond) // not yet aged

	later := now.Add(30 * time.Millisecond)
	p, ok := c.NextReady(later, 20*time.Millisecond)
	if !ok || p.ExtSeq != 102 {
		t.Fatalf("after aging out gap, expected 102 delivered, got %v ok=%v", p, ok)
	}
}

func TestEnumerateGaps_compacted(t *testing.T) {
	// scenario 2: received 100, 115 -> single gap {101, extent 14}.
	c := New(64)
	now := time.Now()
	c.Insert(now, pkt(100))
	c.Insert(now, pkt(115))
	gaps := c.EnumerateGaps(1000)
	if len(gaps) != 1 {
		t.Fatalf("len(gaps) = %d, want 1", len(gaps))
	}
	if gaps[0].Start != 101 || gaps[0].Extent != 14 {
		t.Fatalf("gap = %+v, want start=101 extent=14", gaps[0])
	}
}

func TestEnumerateGaps_multipleGaps(t *testing.T) {
	c := New(64)
	now := time.Now()
	c.Insert(now, pkt(100))
	c.Insert(now, pkt(103))
	c.Insert(now, pkt(107))
	gaps := c.EnumerateGaps(1000)
	if len(gaps) != 2 {
		t.Fatalf("len(gaps) = %d, want 2: %+v", len(gaps), gaps)
	}
	if gaps[0] != (GapEntry{Start: 101, Extent: 2}) {
		t.Fatalf("gaps[0] = %+v", gaps[0])
	}
	if gaps[1] != (GapEntry{Start: 104, Extent: 3}) {
		t.Fatalf("gaps[1] = %+v", gaps[1])
	}
}

func TestEnumerateGaps_respectsLimit(t *testing.T) {
	c := New(8192)
	now := time.Now()
	c.Insert(now, pkt(100))
	c.Insert(now, pkt(5100)) // 4999-entry gap
	gaps := c.EnumerateGaps(10)
	if len(gaps) != 1 || gaps[0].Extent != 10 {
		t.Fatalf("gaps = %+v, want one truncated to extent 10", gaps)
	}
}

func TestResequence_rebasesOffset(t *testing.T) {
	c := New(64)
	now := time.Now()
	c.Insert(now, pkt(100))
	c.Insert(now, pkt(110))

	c.Resequence(5000) // new source starts its own wire seq at 5000
	nextLocal := c.Tail() + 1
	if got := c.RebasedWireSeq(nextLocal); got != 5000 {
		t.Fatalf("RebasedWireSeq(nextLocal) = %d, want 5000", got)
	}
}

func TestInsert_releasesPacketOnDuplicate(t *testing.T) {
	c := New(64)
	now := time.Now()
	p1 := pkt(100)
	p2 := pkt(100)
	c.Insert(now, p1)
	c.Insert(now, p2)
	if p2.Len() != 0 {
		t.Fatal("duplicate packet should be released (data cleared)")
	}
}
