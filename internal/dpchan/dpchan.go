// Package dpchan is the per-channel dataplane dispatch engine: it owns
// the path from a received datagram to the tuner's sink. Primary and
// repair RTP feed the packet cache, FEC parity feeds the XOR decoder,
// ordered packets drain into the output sink, a periodic pass turns the
// cache's gap list into Generic NACK feedback, and the TSRAP burst
// delivered over RTCP APP at channel change is spliced into the sink
// ahead of the repaired stream.
//
// One Channel serializes all of its state behind a single coarse lock;
// socket reads and sends happen outside it.
package dpchan

import (
	"context"
	"log"
	"net"
	"sync"
	"time"

	"github.com/vqe-c/vqec/internal/config"
	"github.com/vqe-c/vqec/internal/fec"
	"github.com/vqe-c/vqec/internal/gapreport"
	"github.com/vqe-c/vqec/internal/graph"
	"github.com/vqe-c/vqec/internal/metrics"
	"github.com/vqe-c/vqec/internal/pcm"
	"github.com/vqe-c/vqec/internal/rtcp"
	"github.com/vqe-c/vqec/internal/rtp"
	"github.com/vqe-c/vqec/internal/rtpnet"
	"github.com/vqe-c/vqec/internal/tokenbucket"
	"github.com/vqe-c/vqec/internal/tsrap"
	"github.com/vqe-c/vqec/internal/vqerr"
)

// tsrapAPPName identifies the RTCP APP packet carrying the channel-change
// TSRAP TLV burst on the repair session.
var tsrapAPPName = [4]byte{'T', 'S', 'R', 'A'}

// gapWaitDeadline is how long the delivery scan waits for a missing head
// sequence (repair or FEC still in flight) before declaring it lost and
// advancing past it.
const gapWaitDeadline = 200 * time.Millisecond

// nominalStreamPPS converts the descriptor's policer rate percentage into
// a token rate: the percentage applies to a nominal stream packet rate.
const nominalStreamPPS = 800

// socketReadTimeout bounds each blocking socket read so leg read loops
// notice a closed stop channel promptly.
const socketReadTimeout = 250 * time.Millisecond

// Options carries the daemon-wide knobs a Channel needs, resolved from
// config.Config by the caller.
type Options struct {
	ERGloballyEnabled bool
	GapReportInterval time.Duration
	RTCPMinInterval   time.Duration
	RTCPMaxInterval   time.Duration
	ReducedSizeRTCP   bool
	NumPATPMTCopies   int
	CNAME             string
	LocalSSRC         uint32
}

// Channel drives one tuned channel's dataplane. All mutable state hangs
// off the single mutex; the per-leg read loops and the tickers funnel
// into it.
type Channel struct {
	mu sync.Mutex

	opts Options
	desc config.ChannelDescriptor
	gctx *graph.Context

	cache    *pcm.Cache
	reporter gapreport.Reporter
	bucket   *tokenbucket.Bucket
	session  *rtcp.Session
	fecDec   *fec.Decoder

	mediaSSRC      uint32
	observedSource string
	highestSeq     uint32
	packetsRecv    uint64

	rccPending bool
	tsrapSeen  bool

	lastEvicted    uint64
	lastQueueDrops uint64

	rtcpOut func(pkt []byte) // repair-session RTCP send path, nil until Run binds sockets
}

// New builds a Channel around an already-created graph context. The ER
// policer bucket is shaped from the descriptor's rate percentage and
// burst milliseconds; a zero rate percentage leaves the policer disabled.
func New(opts Options, desc config.ChannelDescriptor, gctx *graph.Context) (*Channel, error) {
	ch := &Channel{
		opts:       opts,
		desc:       desc,
		gctx:       gctx,
		session:    rtcp.NewSession(opts.RTCPMinInterval, opts.RTCPMaxInterval, 5*opts.RTCPMaxInterval, opts.ReducedSizeRTCP),
		fecDec:     fec.NewDecoder(),
		rccPending: desc.RCCEnable,
	}

	primary, ok := gctx.Input(graph.LegPrimary)
	if !ok {
		return nil, vqerr.New(vqerr.KindInvalidArgs, "dpchan.New", nil)
	}
	ch.cache = primary.Cache

	// RTCP bandwidth indication: 5% of the channel's configured receive
	// bandwidth, in bytes/sec (RFC 3550 §6.2's session fraction).
	if desc.MaxRecvBandwidthER > 0 {
		ch.session.SetRTCPBandwidth(float64(desc.MaxRecvBandwidthER) / 8 * 0.05)
	}

	if p := desc.ERPolicer; p.RatePercent > 0 {
		rate := uint32(p.RatePercent) * nominalStreamPPS / 100
		burst := rate * uint32(p.BurstMs) / 1000
		if rate == 0 {
			rate = 1
		}
		if burst == 0 {
			burst = 1
		}
		if burst > tokenbucket.MaxBurst {
			burst = tokenbucket.MaxBurst
		}
		b, err := tokenbucket.New(rate, burst, 1, time.Now())
		if err != nil {
			return nil, err
		}
		ch.bucket = b
	}

	return ch, nil
}

// Cache exposes the primary packet cache, for tests and stats surfaces.
func (ch *Channel) Cache() *pcm.Cache { return ch.cache }

// ReporterStats returns a copy of the gap reporter's counters.
func (ch *Channel) ReporterStats() gapreport.Stats {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.reporter.Stats
}

// FECStats returns a copy of the FEC decoder's counters.
func (ch *Channel) FECStats() fec.Stats {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.fecDec.Stats
}

// HandlePrimary ingests one primary-leg datagram: RTP parse, member
// bookkeeping, cache insert, then ordered delivery into the sink.
func (ch *Channel) HandlePrimary(now time.Time, buf []byte, from net.Addr) {
	ch.handleMedia(now, buf, from, rtp.TypePrimary)
}

// HandleRepair ingests one repair-leg datagram. Repair packets land in
// the same cache as primary: a retransmission filling a gap collapses it
// the same way a late primary arrival would.
func (ch *Channel) HandleRepair(now time.Time, buf []byte, from net.Addr) {
	ch.handleMedia(now, buf, from, rtp.TypeRepair)
}

func (ch *Channel) handleMedia(now time.Time, buf []byte, from net.Addr, typ rtp.Type) {
	h, _, err := rtp.Unmarshal(buf)
	if err != nil {
		log.Printf("dpchan[%s]: %s: drop unparseable datagram: %v", ch.desc.ChannelID, typ, err)
		return
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	ch.session.OnPacket(h.SSRC, now)
	ch.packetsRecv++

	if typ == rtp.TypePrimary {
		if ch.mediaSSRC == 0 {
			ch.mediaSSRC = h.SSRC
		} else if h.SSRC != ch.mediaSSRC {
			// packetflow source change: rebase the sequence space so repair
			// requests toward the new source stay in its own seq numbering.
			log.Printf("dpchan[%s]: primary source changed ssrc %08x -> %08x, resequencing",
				ch.desc.ChannelID, ch.mediaSSRC, h.SSRC)
			ch.cache.Resequence(h.SequenceNumber)
			ch.mediaSSRC = h.SSRC
			typ = rtp.TypePrimaryResequenced
		}
		if from != nil {
			ch.observedSource = hostOf(from)
		}
	}

	ext := ch.cache.ExtendWire(h.SequenceNumber)
	if uint32(ext) > ch.highestSeq {
		ch.highestSeq = uint32(ext)
	}

	var flags rtp.Flags
	if ch.rccPending {
		flags |= rtp.FlagRCC
	}
	pkt := rtp.NewPacket(buf, ext, h.Timestamp, now, typ, flags)
	if !ch.cache.Insert(now, pkt) {
		metrics.PCMDuplicates.WithLabelValues(ch.desc.ChannelID).Inc()
		return
	}

	for _, rec := range ch.fecDec.Sweep(now, ch.cache) {
		ch.cache.Insert(now, rec)
	}
	ch.deliverReadyLocked(now)
}

// HandleFEC ingests one FEC-leg datagram: the RTP payload is an XOR
// parity packet; a successful recovery is inserted into the cache as if
// the lost packet had arrived.
func (ch *Channel) HandleFEC(now time.Time, buf []byte, from net.Addr) {
	_, n, err := rtp.Unmarshal(buf)
	if err != nil {
		log.Printf("dpchan[%s]: fec: drop unparseable datagram: %v", ch.desc.ChannelID, err)
		return
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	rec, err := ch.fecDec.Offer(now, buf[n:], ch.cache)
	if err != nil {
		log.Printf("dpchan[%s]: fec: %v", ch.desc.ChannelID, err)
		return
	}
	if rec != nil {
		ch.cache.Insert(now, rec)
		ch.deliverReadyLocked(now)
	}
}

// HandleRTCP ingests one repair-session RTCP compound packet. A TSRAP
// APP block triggers the channel-change splice; a BYE retires the member.
func (ch *Channel) HandleRTCP(now time.Time, buf []byte) {
	msgs, err := rtcp.Parse(buf)
	if err != nil {
		log.Printf("dpchan[%s]: rtcp: drop malformed compound packet: %v", ch.desc.ChannelID, err)
		return
	}
	ch.session.RecordPacketSize(len(buf))

	ch.mu.Lock()
	defer ch.mu.Unlock()

	for _, m := range msgs {
		switch v := m.(type) {
		case rtcp.AppPacket:
			if v.Name == tsrapAPPName {
				ch.spliceTSRAPLocked(now, v.Data)
			}
		case rtcp.Goodbye:
			for _, ssrc := range v.SSRCs {
				ch.session.OnBye(ssrc)
			}
		case rtcp.SenderReport:
			ch.session.OnPacket(v.SSRC, now)
		}
	}
}

// spliceTSRAPLocked decodes the burst and enqueues its TS run into the
// sink ahead of whatever the repaired stream delivers next, one
// APP-flagged packet per dataplane datagram. Only the first burst of a
// pending rapid channel change is admitted.
func (ch *Channel) spliceTSRAPLocked(now time.Time, blob []byte) {
	if !ch.rccPending || ch.tsrapSeen {
		return
	}

	burst, err := tsrap.Decode(blob)
	if err != nil {
		log.Printf("dpchan[%s]: tsrap: decode failed: %v", ch.desc.ChannelID, err)
		return
	}
	out, err := tsrap.Encode(burst, tsrap.Options{NumPATPMTCopies: ch.opts.NumPATPMTCopies})
	if err != nil {
		log.Printf("dpchan[%s]: tsrap: encode failed: %v", ch.desc.ChannelID, err)
		return
	}
	ch.tsrapSeen = true

	metrics.TSRAPBurstBytes.WithLabelValues(ch.desc.ChannelID).Observe(float64(len(out)))

	sinkOut := ch.gctx.Output()
	if sinkOut == nil {
		return
	}
	datagram := 7 * tsrap.TSPacketLen
	for off := 0; off < len(out); off += datagram {
		end := off + datagram
		if end > len(out) {
			end = len(out)
		}
		pkt := rtp.NewPacket(out[off:end], 0, 0, now, rtp.TypeRepair, rtp.FlagAPP|rtp.FlagRCC)
		sinkOut.Sink.Enqueue(pkt)
	}
	log.Printf("dpchan[%s]: tsrap: spliced %d-byte burst ahead of repair stream",
		ch.desc.ChannelID, len(out))
}

// deliverReadyLocked drains every in-order packet out of the cache into
// the output sink.
func (ch *Channel) deliverReadyLocked(now time.Time) {
	out := ch.gctx.Output()
	if out == nil {
		return
	}
	for {
		pkt, ok := ch.cache.NextReady(now, gapWaitDeadline)
		if !ok {
			return
		}
		if ch.rccPending && pkt.Type != rtp.TypeRepair {
			// first primary delivery ends the RCC window: the burst and
			// repair prefix are in front of us in the sink already.
			ch.rccPending = false
		}
		if ch.desc.StripRTP {
			if _, n, err := rtp.Unmarshal(pkt.Data); err == nil {
				pkt.Data = pkt.Data[n:]
			}
		}
		out.Sink.Enqueue(pkt)
	}
}

// ReportGaps runs one gap-reporter pass and, if there is anything to
// send, wraps the NACK and ERRI blocks into a compound packet per the
// session's reduced-size setting.
func (ch *Channel) ReportGaps(now time.Time) ([]byte, bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	ch.syncMetricsLocked()

	recvBW := uint64(ch.desc.MaxRecvBandwidthER)
	if ch.rccPending {
		recvBW = uint64(ch.desc.MaxRecvBandwidthRCC)
	}

	repairConfigured := ch.desc.Repair.DstAddr != "" || ch.desc.Repair.DstPort != 0
	opts := gapreport.Options{
		ERGloballyEnabled: ch.opts.ERGloballyEnabled,
		ChannelEREnabled:  repairConfigured,
		Unicast:           repairConfigured,
		ConfiguredSource:  ch.desc.Primary.SrcAddr,
		ObservedSource:    ch.observedSourceOrConfigured(),
		PolicerEnabled:    ch.bucket != nil,
		SenderSSRC:        ch.opts.LocalSSRC,
		MediaSSRC:         ch.mediaSSRC,
		RecvBW:            recvBW,
	}

	before := ch.reporter.Stats
	msgs, send := ch.reporter.Scan(now, opts, ch.cache, ch.bucket)
	after := ch.reporter.Stats
	if after.PolicedRequests > before.PolicedRequests {
		metrics.GapReporterPoliced.WithLabelValues(ch.desc.ChannelID).Add(float64(after.PolicedRequests - before.PolicedRequests))
	}
	if after.SuppressedJumboGapCounter > before.SuppressedJumboGapCounter {
		metrics.GapReporterJumboSuppressed.WithLabelValues(ch.desc.ChannelID).Inc()
	}
	if !send {
		return nil, false
	}

	metrics.GapReporterNACKs.WithLabelValues(ch.desc.ChannelID).Inc()
	metrics.GapReporterRequested.WithLabelValues(ch.desc.ChannelID).Add(float64(after.TotalRepairsRequested - before.TotalRepairsRequested))

	compound := ch.compoundLocked(now, msgs)
	ch.session.RecordPacketSize(len(compound))
	return compound, true
}

// syncMetricsLocked pushes the cache and sink counter deltas accumulated
// since the last gap-report tick into the prometheus collectors.
func (ch *Channel) syncMetricsLocked() {
	if ev := ch.cache.Stats.Evicted; ev > ch.lastEvicted {
		metrics.PCMEvicted.WithLabelValues(ch.desc.ChannelID).Add(float64(ev - ch.lastEvicted))
		ch.lastEvicted = ev
	}
	if out := ch.gctx.Output(); out != nil {
		if qd := out.Sink.StatsSnapshot().QueueDrops; qd > ch.lastQueueDrops {
			metrics.SinkQueueDrops.WithLabelValues(ch.desc.ChannelID).Add(float64(qd - ch.lastQueueDrops))
			ch.lastQueueDrops = qd
		}
	}
}

// compoundLocked prepends the mandatory RR + SDES CNAME unless the
// session negotiated reduced-size RTCP.
func (ch *Channel) compoundLocked(now time.Time, msgs []rtcp.Packet) []byte {
	if ch.session.ReducedSizeRTCP() {
		return rtcp.Compound(msgs...)
	}
	rr := rtcp.ReceiverReport{
		SSRC: ch.opts.LocalSSRC,
		ReceptionRpts: []rtcp.ReceptionReport{{
			SSRC:       ch.mediaSSRC,
			HighestSeq: ch.highestSeq,
		}},
	}
	sdes := rtcp.SourceDescription{
		Chunks: []rtcp.SDESChunk{{SSRC: ch.opts.LocalSSRC, CNAME: ch.opts.CNAME}},
	}
	all := append([]rtcp.Packet{rr, sdes}, msgs...)
	return rtcp.Compound(all...)
}

func (ch *Channel) observedSourceOrConfigured() string {
	if ch.observedSource != "" {
		return ch.observedSource
	}
	return ch.desc.Primary.SrcAddr
}

func hostOf(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// Run binds the channel's sockets, starts one read loop per configured
// leg plus the gap-report ticker and RTCP session scheduler, and blocks
// until ctx is cancelled. The graph context is left created but
// disconnected on return; Destroy is the caller's bookend.
func (ch *Channel) Run(ctx context.Context) error {
	if err := ch.gctx.Connect(); err != nil {
		return err
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	errCh := make(chan error, 4)

	legs := []struct {
		leg    graph.Leg
		handle func(now time.Time, buf []byte, from net.Addr)
	}{
		{graph.LegPrimary, ch.HandlePrimary},
		{graph.LegRepair, ch.HandleRepair},
		{graph.LegFEC0, ch.HandleFEC},
		{graph.LegFEC1, ch.HandleFEC},
	}

	for _, l := range legs {
		is, ok := ch.gctx.Input(l.leg)
		if !ok {
			continue
		}
		conn, err := rtpnet.Join(is.Addr.DstAddr, is.Addr.DstPort, nil)
		if err != nil {
			close(stop)
			wg.Wait()
			return err
		}
		is.Conn = conn
		handle := l.handle
		wg.Add(1)
		go func(c *rtpnet.Conn) {
			defer wg.Done()
			err := rtpnet.ReadLoop(c, stop, socketReadTimeout, func(buf []byte, from net.Addr) {
				handle(time.Now(), buf, from)
			})
			if err != nil {
				select {
				case errCh <- err:
				default:
				}
			}
		}(conn)
	}

	// Repair-session RTCP shares the repair leg's socket: NACK compound
	// packets go out toward the repair source, one port above the media
	// port per the usual RTP/RTCP pairing.
	if is, ok := ch.gctx.Input(graph.LegRepair); ok && is.Conn != nil {
		dst := &net.UDPAddr{IP: net.ParseIP(is.Addr.SrcAddr), Port: is.Addr.SrcPort + 1}
		if is.Addr.SrcAddr == "" {
			dst = &net.UDPAddr{IP: net.ParseIP(is.Addr.DstAddr), Port: is.Addr.DstPort + 1}
		}
		conn := is.Conn
		ch.mu.Lock()
		ch.rtcpOut = func(pkt []byte) {
			if err := conn.SendKeepalive(dst, pkt); err != nil {
				log.Printf("dpchan[%s]: rtcp send: %v", ch.desc.ChannelID, err)
			}
		}
		ch.mu.Unlock()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(ch.opts.GapReportInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case now := <-ticker.C:
				if pkt, send := ch.ReportGaps(now); send {
					ch.sendRTCP(pkt)
				}
			}
		}
	}()

	ch.session.Run(func(now time.Time) {
		ch.mu.Lock()
		pkt := ch.compoundLocked(now, nil)
		ch.mu.Unlock()
		ch.session.RecordPacketSize(len(pkt))
		ch.sendRTCP(pkt)
		metrics.RTCPReportsSent.WithLabelValues(ch.desc.ChannelID).Inc()
	})

	<-ctx.Done()
	close(stop)
	ch.session.Stop()
	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
		return ctx.Err()
	}
}

func (ch *Channel) sendRTCP(pkt []byte) {
	ch.mu.Lock()
	out := ch.rtcpOut
	ch.mu.Unlock()
	if out != nil {
		out(pkt)
	}
}
