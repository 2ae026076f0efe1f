package rtcp

import (
	"math/rand"
	"sync"
	"time"
)

// MemberState is one transport's position in the RTCP member state
// machine: a source starts Unknown, becomes Probationary on its first
// packet, Established once it survives probation, and eventually Leaving
// (explicit BYE) or Timedout (no packets within the timeout window).
type MemberState int

const (
	StateUnknown MemberState = iota
	StateProbationary
	StateEstablished
	StateLeaving
	StateTimedout
)

func (s MemberState) String() string {
	switch s {
	case StateProbationary:
		return "probationary"
	case StateEstablished:
		return "established"
	case StateLeaving:
		return "leaving"
	case StateTimedout:
		return "timedout"
	default:
		return "unknown"
	}
}

// probationPackets is the number of consecutive packets a source must
// deliver before it is promoted out of StateProbationary (RFC 3550 §8.2's
// recommended minimum).
const probationPackets = 2

// Member tracks one remote SSRC's RTCP session state.
type Member struct {
	SSRC        uint32
	State       MemberState
	LastPacket  time.Time
	packetsSeen int
}

// OnPacket advances m's state machine on receipt of an RTP packet from
// this source.
func (m *Member) OnPacket(now time.Time) {
	m.LastPacket = now
	m.packetsSeen++
	switch m.State {
	case StateUnknown, StateTimedout:
		m.State = StateProbationary
		m.packetsSeen = 1
	case StateProbationary:
		if m.packetsSeen >= probationPackets {
			m.State = StateEstablished
		}
	}
}

// OnBye transitions m to StateLeaving.
func (m *Member) OnBye() { m.State = StateLeaving }

// CheckTimeout transitions m to StateTimedout if it has been silent for
// longer than timeout (RFC 3550 §6.3.5's multi-interval timeout rule,
// applied here as a single caller-supplied bound).
func (m *Member) CheckTimeout(now time.Time, timeout time.Duration) {
	if m.State == StateEstablished || m.State == StateProbationary {
		if now.Sub(m.LastPacket) > timeout {
			m.State = StateTimedout
		}
	}
}

// defaultRTCPBandwidth is the RTCP bandwidth allocation assumed until a
// bandwidth indication arrives: 5% of a nominal 4 Mb/s stream, in
// bytes/sec (RFC 3550 §6.2's recommended session-bandwidth fraction).
const defaultRTCPBandwidth = 25000.0

// initialAvgRTCPSize seeds the average-compound-size estimator before any
// real packet has been measured (RFC 3550 §6.3.2).
const initialAvgRTCPSize = 128.0

const (
	// rtcpSendFraction/rtcpRecvFraction split the RTCP bandwidth between
	// senders and receivers while senders stay under a quarter of the
	// group (RFC 3550 §6.2).
	rtcpSendFraction = 0.25
	rtcpRecvFraction = 0.75
)

// intervalCompensation unbiases the [0.5,1.5] jitter factor so the
// aggregate report rate matches the bandwidth target (RFC 3550 §6.3.1's
// e-3/2 divisor).
const intervalCompensation = 1.21828

// Session tracks RTCP members for one transport and drives the periodic
// report schedule. Grounded on the
// internal/tuner/psi_keepalive.go ticker+stop-channel+sync.Once shutdown
// idiom for background periodic work.
type Session struct {
	mu         sync.Mutex
	members    map[uint32]*Member
	minInt     time.Duration
	maxInt     time.Duration
	timeout    time.Duration
	reducedRTCP bool

	rtcpBW     float64 // bytes/sec available to RTCP across the session
	avgPktSize float64 // EWMA of observed compound packet sizes

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewSession constructs a Session. minInt/maxInt bound the randomized
// report interval (RFC 3550 §6.3.1); timeout is the member silence bound.
func NewSession(minInt, maxInt, timeout time.Duration, reducedRTCP bool) *Session {
	return &Session{
		members:     make(map[uint32]*Member),
		minInt:      minInt,
		maxInt:      maxInt,
		timeout:     timeout,
		reducedRTCP: reducedRTCP,
		rtcpBW:      defaultRTCPBandwidth,
		avgPktSize:  initialAvgRTCPSize,
		stopCh:      make(chan struct{}),
	}
}

// SetRTCPBandwidth installs the session's RTCP bandwidth indication in
// bytes/sec, replacing the default allocation. Values <= 0 are ignored.
func (s *Session) SetRTCPBandwidth(bytesPerSec float64) {
	if bytesPerSec <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rtcpBW = bytesPerSec
}

// RecordPacketSize folds one sent or received compound packet's size into
// the average the interval computation scales by (RFC 3550 §6.3.3's
// 1/16 update weight).
func (s *Session) RecordPacketSize(n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.avgPktSize = s.avgPktSize*(15.0/16.0) + float64(n)/16.0
}

// AvgPacketSize returns the current compound-size estimate.
func (s *Session) AvgPacketSize() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.avgPktSize
}

// ReducedSizeRTCP reports whether this session emits reduced-size RTCP
// packets (RFC 5506) instead of full compound packets.
func (s *Session) ReducedSizeRTCP() bool { return s.reducedRTCP }

// OnPacket records an RTP packet arrival from ssrc.
func (s *Session) OnPacket(ssrc uint32, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.memberLocked(ssrc)
	m.OnPacket(now)
}

// OnBye records a BYE for ssrc.
func (s *Session) OnBye(ssrc uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memberLocked(ssrc).OnBye()
}

func (s *Session) memberLocked(ssrc uint32) *Member {
	m, ok := s.members[ssrc]
	if !ok {
		m = &Member{SSRC: ssrc, State: StateUnknown}
		s.members[ssrc] = m
	}
	return m
}

// Member returns a copy of ssrc's current state, or StateUnknown if never
// seen.
func (s *Session) Member(ssrc uint32) Member {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.members[ssrc]; ok {
		return *m
	}
	return Member{SSRC: ssrc, State: StateUnknown}
}

// sweep expires members that have been silent past the timeout.
func (s *Session) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.members {
		m.CheckTimeout(now, s.timeout)
	}
}

// NextInterval computes the next report interval per RFC 3550 §6.3.1:
// the deterministic interval scales the group size (established members
// plus ourselves) by the average compound-packet size over this side's
// share of the RTCP bandwidth, then a [0.5,1.5] jitter factor (divided by
// the e-3/2 compensation) desynchronizes members. The result is clamped
// to [minInt, maxInt]. Because the group size and size average are read
// live on every call, the schedule converges as members join, leave, or
// time out — each Run round reflects the membership at that instant.
func (s *Session) NextInterval() time.Duration {
	s.mu.Lock()
	n := 1       // ourselves, the receiver these reports speak for
	senders := 0 // every established remote member is a media sender toward us
	for _, m := range s.members {
		if m.State == StateEstablished {
			n++
			senders++
		}
	}
	avg := s.avgPktSize
	bw := s.rtcpBW
	s.mu.Unlock()

	// receivers draw from rtcpRecvFraction of the bandwidth while senders
	// stay under their quarter share; past that everyone splits the whole
	// allocation.
	share := rtcpRecvFraction
	if senders > 0 && float64(senders) > rtcpSendFraction*float64(n) {
		share = 1.0
	}

	td := time.Duration(float64(n) * avg / (bw * share) * float64(time.Second))
	if td < s.minInt {
		td = s.minInt
	}
	if td > s.maxInt {
		td = s.maxInt
	}

	d := time.Duration(float64(td) * (0.5 + rand.Float64()) / intervalCompensation)
	if d < s.minInt {
		d = s.minInt
	}
	if d > s.maxInt {
		d = s.maxInt
	}
	return d
}

// Run drives the periodic timeout sweep until Stop is called. report is
// invoked once per scheduled interval with the time at which that
// randomized interval elapsed; callers use it to emit their own compound RTCP packet.
func (s *Session) Run(report func(now time.Time)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			d := s.NextInterval()
			timer := time.NewTimer(d)
			select {
			case <-s.stopCh:
				timer.Stop()
				return
			case now := <-timer.C:
				s.sweep(now)
				if report != nil {
					report(now)
				}
			}
		}
	}()
}

// Stop terminates the Session's background scheduler and waits for it to
// exit. Safe to call multiple times.
func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}
