package gapreport

import (
	"testing"
	"time"

	"github.com/vqe-c/vqec/internal/pcm"
	"github.com/vqe-c/vqec/internal/rtcp"
	"github.com/vqe-c/vqec/internal/rtp"
	"github.com/vqe-c/vqec/internal/seqnum"
	"github.com/vqe-c/vqec/internal/tokenbucket"
)

func insert(cache *pcm.Cache, now time.Time, seq seqnum.Extended) {
	cache.Insert(now, rtp.NewPacket([]byte{0}, seq, 0, now, rtp.TypePrimary, 0))
}

func baseOpts() Options {
	return Options{
		ERGloballyEnabled: true,
		ChannelEREnabled:  true,
		SenderSSRC:        0xAABB,
		MediaSSRC:         0xAABB,
	}
}

func TestScenario_simpleERRequest(t *testing.T) {
	// scenario 1: base seq 100, packets 100,101,103,104 present.
	cache := pcm.New(1024)
	now := time.Now()
	for _, s := range []seqnum.Extended{100, 101, 103, 104} {
		insert(cache, now, s)
	}
	var r Reporter
	msgs, sent := r.Scan(now, baseOpts(), cache, nil)
	if !sent {
		t.Fatal("expected a report to be sent")
	}
	nack := msgs[0].(rtcp.GenericNACK)
	if nack.SenderSSRC != 0xAABB || len(nack.Pairs) != 1 {
		t.Fatalf("nack = %+v", nack)
	}
	if nack.Pairs[0].PID != 102 || nack.Pairs[0].BitmaskLost != 0 {
		t.Fatalf("pair = %+v, want {102,0x0000}", nack.Pairs[0])
	}
	if r.Stats.TotalRepairsRequested != 1 || r.Stats.GenericNACKCounter != 1 {
		t.Fatalf("stats = %+v", r.Stats)
	}
}

func TestScenario_compactedGap(t *testing.T) {
	// scenario 2: received 100, 115 -> FCI {101, 0x1FFF}, 14 requests.
	cache := pcm.New(1024)
	now := time.Now()
	insert(cache, now, 100)
	insert(cache, now, 115)
	var r Reporter
	msgs, sent := r.Scan(now, baseOpts(), cache, nil)
	if !sent {
		t.Fatal("expected a report to be sent")
	}
	nack := msgs[0].(rtcp.GenericNACK)
	if len(nack.Pairs) != 1 {
		t.Fatalf("pairs = %+v, want 1", nack.Pairs)
	}
	if nack.Pairs[0].PID != 101 || nack.Pairs[0].BitmaskLost != 0x1FFF {
		t.Fatalf("pair = %+v, want {101,0x1FFF}", nack.Pairs[0])
	}
	if r.Stats.TotalRepairsRequested != 14 {
		t.Fatalf("TotalRepairsRequested = %d, want 14", r.Stats.TotalRepairsRequested)
	}
}

func TestScenario_policerDenial(t *testing.T) {
	// scenario 3: rate=5 burst=5 quantum=1, gap of 10, no prior traffic.
	cache := pcm.New(1024)
	now := time.Now()
	insert(cache, now, 100)
	insert(cache, now, 111) // 10 missing: 101..110
	bucket, err := tokenbucket.New(5, 5, 1, now)
	if err != nil {
		t.Fatalf("tokenbucket.New: %v", err)
	}
	opts := baseOpts()
	opts.PolicerEnabled = true
	var r Reporter
	_, sent := r.Scan(now, opts, cache, bucket)
	if !sent {
		t.Fatal("expected a report to be sent")
	}
	if r.Stats.TotalRepairsRequested != 5 || r.Stats.PolicedRequests != 5 {
		t.Fatalf("stats = %+v, want requested=5 policed=5", r.Stats)
	}
	if bucket.Tokens() != 0 {
		t.Fatalf("bucket.Tokens() = %d, want 0", bucket.Tokens())
	}
}

func TestScenario_jumboSuppression(t *testing.T) {
	// scenario 4: gap of 5000 -> 0 FCI, suppressed_jumbo += 1,
	// unrequested += 5000, no RTCP feedback.
	cache := pcm.New(8192)
	now := time.Now()
	insert(cache, now, 100)
	insert(cache, now, 5101) // 5000 missing: 101..5100
	var r Reporter
	msgs, sent := r.Scan(now, baseOpts(), cache, nil)
	if sent || msgs != nil {
		t.Fatalf("expected suppression, got sent=%v msgs=%v", sent, msgs)
	}
	if r.Stats.SuppressedJumboGapCounter != 1 {
		t.Fatalf("SuppressedJumboGapCounter = %d, want 1", r.Stats.SuppressedJumboGapCounter)
	}
	if r.Stats.TotalRepairsUnrequested != 5000 {
		t.Fatalf("TotalRepairsUnrequested = %d, want 5000", r.Stats.TotalRepairsUnrequested)
	}
	if r.Stats.TotalRepairsRequested != 0 {
		t.Fatalf("TotalRepairsRequested = %d, want 0", r.Stats.TotalRepairsRequested)
	}
}

func TestScan_disabledGlobally(t *testing.T) {
	cache := pcm.New(1024)
	now := time.Now()
	insert(cache, now, 100)
	insert(cache, now, 103)
	opts := baseOpts()
	opts.ERGloballyEnabled = false
	var r Reporter
	_, sent := r.Scan(now, opts, cache, nil)
	if sent {
		t.Fatal("expected no report when ER disabled globally")
	}
}

func TestScan_unicastMismatchSuppressed(t *testing.T) {
	cache := pcm.New(1024)
	now := time.Now()
	insert(cache, now, 100)
	insert(cache, now, 103)
	opts := baseOpts()
	opts.Unicast = true
	opts.ConfiguredSource = "10.0.0.1"
	opts.ObservedSource = "10.0.0.2"
	var r Reporter
	_, sent := r.Scan(now, opts, cache, nil)
	if sent {
		t.Fatal("expected suppression on unicast source mismatch")
	}
	if r.Stats.UnicastMismatchSuppressed != 1 {
		t.Fatalf("UnicastMismatchSuppressed = %d, want 1", r.Stats.UnicastMismatchSuppressed)
	}
}

func TestScan_noGapsNoReport(t *testing.T) {
	cache := pcm.New(1024)
	now := time.Now()
	insert(cache, now, 100)
	insert(cache, now, 101)
	var r Reporter
	_, sent := r.Scan(now, baseOpts(), cache, nil)
	if sent {
		t.Fatal("expected no report when there are no gaps")
	}
}

func TestScan_erriBandwidthFallback(t *testing.T) {
	cache := pcm.New(1024)
	now := time.Now()
	insert(cache, now, 100)
	insert(cache, now, 102)
	var r Reporter
	msgs, sent := r.Scan(now, baseOpts(), cache, nil)
	if !sent || len(msgs) != 2 {
		t.Fatalf("sent=%v msgs=%v", sent, msgs)
	}
	app := msgs[1].(rtcp.AppPacket)
	bw, err := rtcp.DecodeERRI(app.Data)
	if err != nil || bw != rtcp.DefaultERRIBandwidthBPS {
		t.Fatalf("DecodeERRI = %d, %v, want default fallback", bw, err)
	}
}

func TestScan_erriBandwidthConfigured(t *testing.T) {
	cache := pcm.New(1024)
	now := time.Now()
	insert(cache, now, 100)
	insert(cache, now, 102)
	opts := baseOpts()
	opts.RecvBW = 2_000_000
	var r Reporter
	msgs, _ := r.Scan(now, opts, cache, nil)
	app := msgs[1].(rtcp.AppPacket)
	bw, _ := rtcp.DecodeERRI(app.Data)
	if bw != 2_000_000 {
		t.Fatalf("DecodeERRI = %d, want 2000000", bw)
	}
}

func TestScan_rebasesSequenceAfterResequence(t *testing.T) {
	cache := pcm.New(1024)
	now := time.Now()
	insert(cache, now, 100)
	insert(cache, now, 103)
	cache.Resequence(5000)
	var r Reporter
	msgs, sent := r.Scan(now, baseOpts(), cache, nil)
	if !sent {
		t.Fatal("expected a report")
	}
	nack := msgs[0].(rtcp.GenericNACK)
	if len(nack.Pairs) != 1 {
		t.Fatalf("pairs = %+v", nack.Pairs)
	}
	// The gap entries themselves (101,102) sit before the resequence point
	// (tail+1=104), so their rebased wire seq is unaffected by the new
	// source's starting point; this just exercises that RebasedWireSeq is
	// consulted rather than the raw extended sequence.
	if nack.Pairs[0].PID != cache.RebasedWireSeq(101) {
		t.Fatalf("PID = %d, want RebasedWireSeq(101) = %d", nack.Pairs[0].PID, cache.RebasedWireSeq(101))
	}
}
