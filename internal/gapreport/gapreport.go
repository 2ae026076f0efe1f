// Package gapreport implements the Gap Reporter and Error-Repair Policer:
// a periodic per-channel callback that walks a packet cache's gap list,
// builds RTCP Generic-NACK feedback rate-limited by a token bucket, and
// attaches the "ERRI" max-receive-bandwidth APP block. Grounded on
// vqec_gap_reporter.c's step ordering and on the bitmask-pair FCI
// convention used by pion's nack.go.
package gapreport

import (
	"time"

	"github.com/vqe-c/vqec/internal/pcm"
	"github.com/vqe-c/vqec/internal/rtcp"
	"github.com/vqe-c/vqec/internal/seqnum"
	"github.com/vqe-c/vqec/internal/tokenbucket"
)

// MaxFCIsPerPacket is the per-packet NACK FCI budget (exceeding it
// suppresses the whole batch as a "jumbo gap").
const MaxFCIsPerPacket = 256

// maxGapScan bounds how many individual missing sequences a single pass
// walks before giving up on finding a request-worthy gap; large enough
// that ordinary loss bursts never hit it, small enough that a channel
// stuck behind a dead source doesn't spin the scan unbounded.
const maxGapScan = 1 << 16

// Stats are the counters a channel tracks across repeated scans.
type Stats struct {
	TotalRepairsRequested     uint64
	TotalRepairsUnrequested   uint64
	GenericNACKCounter        uint64
	PolicedRequests           uint64
	SuppressedJumboGapCounter uint64
	UnicastMismatchSuppressed uint64
}

// Options configures one Scan call. ERGloballyEnabled and ChannelEREnabled
// gate the whole pass. Unicast/ConfiguredSource/ObservedSource implement
// the unicast-source-mismatch suppression. SenderSSRC/MediaSSRC populate
// the NACK header. RecvBW is the resolved max-receive-bandwidth value for
// the "ERRI" block; pass rtcp.DefaultERRIBandwidthBPS when admission is
// denied but the channel is still reportable. Any SR/RR/SDES wrapping
// around the raw NACK+APP pair this package returns is the caller's job.
type Options struct {
	ERGloballyEnabled bool
	ChannelEREnabled  bool

	Unicast          bool
	ConfiguredSource string
	ObservedSource   string

	PolicerEnabled bool

	SenderSSRC uint32
	MediaSSRC  uint32
	RecvBW     uint64
}

// Reporter accumulates Stats across repeated Scan calls for one channel.
type Reporter struct {
	Stats Stats
}

// Scan runs one gap-reporter pass: credits the token bucket, walks
// cache's gap list admitting sequences until the bucket (if policed) runs
// dry, encodes admitted sequences as Generic NACK FCIs, and returns the
// resulting RTCP messages to compound and send. Returns sent=false when
// there is nothing to report or the whole batch was suppressed.
func (r *Reporter) Scan(now time.Time, opts Options, cache *pcm.Cache, bucket *tokenbucket.Bucket) (msgs []rtcp.Packet, sent bool) {
	if !opts.ERGloballyEnabled || !opts.ChannelEREnabled {
		return nil, false
	}
	if opts.Unicast && opts.ConfiguredSource != opts.ObservedSource {
		r.Stats.UnicastMismatchSuppressed++
		return nil, false
	}

	gaps := cache.EnumerateGaps(maxGapScan)
	if len(gaps) == 0 {
		return nil, false
	}

	var totalMissing uint64
	for _, g := range gaps {
		totalMissing += uint64(g.Extent)
	}

	available := uint32(1 << 31) // effectively unlimited when unpoliced
	if opts.PolicerEnabled && bucket != nil {
		bucket.Credit(now)
		available = bucket.Tokens()
	}

	var fcis []rtcp.NACKPair
	var lastFCIPid seqnum.Extended
	var admitted, policed uint64

	appendMissing := func(s seqnum.Extended) {
		if opts.PolicerEnabled && available == 0 {
			policed++
			return
		}
		if opts.PolicerEnabled {
			available--
		}
		admitted++

		if n := len(fcis); n > 0 {
			delta := seqnum.Distance(lastFCIPid, s)
			if delta >= 1 && delta < 17 {
				fcis[n-1].BitmaskLost |= 1 << uint(delta-1)
				return
			}
		}
		lastFCIPid = s
		fcis = append(fcis, rtcp.NACKPair{PID: cache.RebasedWireSeq(s)})
	}

	for _, g := range gaps {
		for i := uint32(0); i < g.Extent; i++ {
			appendMissing(g.Start + seqnum.Extended(i))
		}
	}

	if len(fcis) > MaxFCIsPerPacket {
		r.Stats.SuppressedJumboGapCounter++
		r.Stats.TotalRepairsUnrequested += totalMissing
		return nil, false
	}

	if opts.PolicerEnabled && bucket != nil && admitted > 0 {
		// Construction guarantees admitted <= tokens available at credit
		// time, so this drain cannot fail.
		_ = bucket.Drain(uint32(admitted))
	}

	r.Stats.TotalRepairsRequested += admitted
	r.Stats.PolicedRequests += policed
	r.Stats.TotalRepairsUnrequested += totalMissing - admitted - policed
	r.Stats.GenericNACKCounter++

	nack := rtcp.GenericNACK{SenderSSRC: opts.SenderSSRC, MediaSSRC: opts.MediaSSRC, Pairs: fcis}
	recvBW := opts.RecvBW
	if recvBW == 0 {
		recvBW = rtcp.DefaultERRIBandwidthBPS
	}
	erri := rtcp.AppPacket{SSRC: opts.MediaSSRC, Name: rtcp.ERRIName, Data: rtcp.EncodeERRI(recvBW)}

	return []rtcp.Packet{nack, erri}, true
}
