// Package tsrap decodes the TLV burst delivered out-of-band at channel
// change (an RTCP APP payload carrying PAT/PMT/sequence-header/SPS/PPS/
// SEI/PCR/PTS/pidlist/ECM content) and splices it into a run of 188-byte
// MPEG-TS packets that can be spliced ahead of the repaired stream so a
// tuner gets a decodable picture before the primary/repair packets catch
// up. Grounded on the PAT/PMT section-builder idiom of
// internal/tuner/psi_keepalive.go (mpegTSCRC32, buildPATPacket,
// buildPMTPacket) generalized from fixed program content to arbitrary
// TLV-decoded content, and on the TLV type taxonomy of mp_tlv_decode.c.
package tsrap

import (
	"github.com/vqe-c/vqec/internal/vqerr"
)

// TSPacketLen is the fixed MPEG-TS packet size.
const TSPacketLen = 188

// TLVType enumerates the burst's TLV element kinds, named after the
// mp_tsraptlv_types_t taxonomy.
type TLVType uint8

const (
	TLVUnknown TLVType = iota
	TLVPAT
	TLVPMT
	TLVSeqHeader
	TLVSPS
	TLVPPS
	TLVSEI
	TLVECM
	TLVPCR
	TLVPTS
	TLVPIDList
)

// TLV is one decoded element of the burst.
type TLV struct {
	Type    TLVType
	PID     uint16 // PID this element's TS packets carry, if applicable
	Payload []byte
}

// PIDEntry is one entry of the pidlist TLV: the live stream's continuity
// counter for a PID at the moment the burst was captured.
type PIDEntry struct {
	PID uint16
	CC  uint8
}

// Burst is the decoded form of one TSRAP TLV blob.
type Burst struct {
	PIDList []PIDEntry
	PAT     []byte // raw PAT section payload, if present
	PMT     []byte // raw PMT section payload, if present
	SeqHdr  []byte
	SPS     []byte
	PPS     []byte
	SEI     []byte
	ECM     []byte // PES-wrapped, optional
	PCR     *PCRInfo
	PTS     *uint64
}

// PCRInfo carries the burst's PCR anchor plus the bitrate needed to walk
// synthesized PCR-only packets backward in time.
type PCRInfo struct {
	PID         uint16
	Value90kHz  uint64 // PCR base, 33-bit 90kHz clock, widened to 42 bits w/ extension folded in by caller
	BitrateBps  uint32
	NumPackets  int // how many PCR-only packets to synthesize ahead of the first real payload
}

// Options configures how a Burst is spliced into a TS packet run.
type Options struct {
	// NumPATPMTCopies is the "num_patpmt" replication factor: the PAT and
	// PMT are each repeated this many times, alternating PAT,PMT,PAT,PMT...
	NumPATPMTCopies int

	// VideoPID/PCRPID are the PIDs the SPS/PPS/SEI payload and PCR-only
	// packets are written under.
	VideoPID uint16
	PCRPID   uint16

	// DatagramPackets is the dataplane packet size in TS packets; the
	// final output is padded to a whole multiple of this (7 is typical).
	DatagramPackets int
}

func (o Options) normalized() Options {
	if o.NumPATPMTCopies <= 0 {
		o.NumPATPMTCopies = 1
	}
	if o.VideoPID == 0 {
		o.VideoPID = 0x0100
	}
	if o.PCRPID == 0 {
		o.PCRPID = o.VideoPID
	}
	if o.DatagramPackets <= 0 {
		o.DatagramPackets = 7
	}
	return o
}

// Encode builds the spliced TS packet run for b per opts: PAT/PMT
// replicated NumPATPMTCopies times in declared order, then SPS+PPS (and
// SEI, if present) wrapped in a PES header with adaptation-field padding
// in the last packet of that run, then any PCR-only packets, continuity
// counters fixed up by a reverse traversal, and the whole run padded to
// a multiple of DatagramPackets TS packets. Every failure path returns an
// error and emits no partial output.
func Encode(b *Burst, opts Options) ([]byte, error) {
	if b == nil {
		return nil, vqerr.New(vqerr.KindInvalidArgs, "tsrap.Encode", nil)
	}
	o := opts.normalized()

	var out []byte

	if len(b.PAT) > 0 && len(b.PMT) > 0 {
		pmtPID := pmtPIDFromPAT(b.PAT)
		for i := 0; i < o.NumPATPMTCopies; i++ {
			pat, err := buildPATPacket(b.PAT, 0)
			if err != nil {
				return nil, err
			}
			pmt, err := buildPMTPacket(b.PMT, pmtPID, 0)
			if err != nil {
				return nil, err
			}
			out = append(out, pat[:]...)
			out = append(out, pmt[:]...)
		}
	} else if len(b.PAT) > 0 || len(b.PMT) > 0 {
		return nil, vqerr.New(vqerr.KindParseError, "tsrap.Encode", nil)
	}

	esPayload := concatElementaryStreams(b.SPS, b.PPS, b.SEI)
	if len(esPayload) > 0 {
		pkts, err := packPayloadPackets(esPayload, o.VideoPID, true)
		if err != nil {
			return nil, err
		}
		out = append(out, pkts...)
	}

	if b.PCR != nil {
		pkts, err := buildPCRBurst(*b.PCR, o.PCRPID)
		if err != nil {
			return nil, err
		}
		out = append(out, pkts...)
	}

	if len(out)%TSPacketLen != 0 {
		return nil, vqerr.New(vqerr.KindInternal, "tsrap.Encode", nil)
	}

	fixContinuityCounters(out, newCCTracker(b.PIDList))

	out = padToDatagram(out, o.DatagramPackets)
	return out, nil
}

func padToDatagram(out []byte, datagramPackets int) []byte {
	n := len(out) / TSPacketLen
	want := datagramPackets
	if n%want == 0 {
		return out
	}
	pad := want - (n % want)
	for i := 0; i < pad; i++ {
		var nullPkt [TSPacketLen]byte
		nullPkt[0] = 0x47
		nullPkt[1] = 0x1F // PID 0x1FFF, null packet
		nullPkt[2] = 0xFF
		nullPkt[3] = 0x10
		for j := 4; j < TSPacketLen; j++ {
			nullPkt[j] = 0xFF
		}
		out = append(out, nullPkt[:]...)
	}
	return out
}
