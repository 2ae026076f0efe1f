// Package fec recovers lost primary RTP packets from XOR parity packets
// (RFC 2733 / SMPTE 2022-1 style) received on a channel's FEC0/FEC1 legs.
// A parity packet protects a run of media sequence numbers selected by its
// SN base and mask; when exactly one protected packet is missing from the
// cache and every other one is present, the missing packet's header fields
// and payload are reconstructed by XOR and handed back for insertion.
package fec

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/vqe-c/vqec/internal/pcm"
	"github.com/vqe-c/vqec/internal/rtp"
	"github.com/vqe-c/vqec/internal/seqnum"
)

// headerLen is the fixed FEC header (RFC 2733 §3) carried as the RTP
// payload of a parity packet, ahead of the XOR'd media payload: SN base,
// length recovery, E/PT recovery, 24-bit mask, TS recovery.
const headerLen = 12

// maskBits is the number of sequence numbers one mask can cover beyond
// the SN base.
const maskBits = 24

// ParityPacket is a parsed FEC packet: the header's recovery fields plus
// the XOR of the protected packets' payloads.
type ParityPacket struct {
	SNBase       uint16
	LengthRecov  uint16
	PTRecov      uint8
	Mask         uint32 // 24-bit; bit i set means SNBase+i+1 is protected
	TSRecov      uint32
	PayloadRecov []byte
}

// Protected returns the wire sequence numbers this parity packet covers:
// the SN base plus every mask bit that is set.
func (p ParityPacket) Protected() []uint16 {
	seqs := []uint16{p.SNBase}
	for i := 0; i < maskBits; i++ {
		if p.Mask&(1<<uint(i)) != 0 {
			seqs = append(seqs, p.SNBase+uint16(i)+1)
		}
	}
	return seqs
}

// Parse reads a parity packet out of an FEC-leg RTP payload.
func Parse(payload []byte) (ParityPacket, error) {
	if len(payload) < headerLen {
		return ParityPacket{}, fmt.Errorf("fec: payload too short: %d bytes", len(payload))
	}
	p := ParityPacket{
		SNBase:       binary.BigEndian.Uint16(payload[0:2]),
		LengthRecov:  binary.BigEndian.Uint16(payload[2:4]),
		PTRecov:      payload[4] & 0x7F,
		Mask:         uint32(payload[5])<<16 | uint32(payload[6])<<8 | uint32(payload[7]),
		TSRecov:      binary.BigEndian.Uint32(payload[8:12]),
		PayloadRecov: payload[12:],
	}
	return p, nil
}

// Stats counts what a Decoder did across a channel's lifetime.
type Stats struct {
	ParityReceived uint64
	Recovered      uint64
	Unusable       uint64 // more than one protected packet missing
	Stale          uint64 // parity aged out behind the cache head
	ParseErrors    uint64
}

// Decoder holds parity packets whose protected runs are not yet decodable
// and retries them as media packets arrive. Not safe for concurrent use;
// the channel's dispatch loop serializes access.
type Decoder struct {
	pending []ParityPacket

	Stats Stats
}

// NewDecoder constructs an empty Decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Offer parses an FEC-leg RTP payload and immediately attempts recovery
// against cache. Parity packets that protect a run with more than one
// packet still missing are held and retried by later Sweep calls; packets
// whose run is complete (nothing to recover) are dropped.
func (d *Decoder) Offer(now time.Time, payload []byte, cache *pcm.Cache) (*rtp.Packet, error) {
	p, err := Parse(payload)
	if err != nil {
		d.Stats.ParseErrors++
		return nil, err
	}
	d.Stats.ParityReceived++

	rec, done := d.tryRecover(now, p, cache)
	if !done {
		d.pending = append(d.pending, p)
	}
	return rec, nil
}

// Sweep retries every held parity packet against cache, returning any
// packets recovered this pass. Parity packets that fall behind the cache
// head are discarded as stale.
func (d *Decoder) Sweep(now time.Time, cache *pcm.Cache) []*rtp.Packet {
	var recovered []*rtp.Packet
	kept := d.pending[:0]
	for _, p := range d.pending {
		rec, done := d.tryRecover(now, p, cache)
		if rec != nil {
			recovered = append(recovered, rec)
		}
		if !done {
			kept = append(kept, p)
		}
	}
	d.pending = kept
	return recovered
}

// Pending returns how many parity packets are held awaiting more media.
func (d *Decoder) Pending() int {
	return len(d.pending)
}

// tryRecover attempts one parity packet. done=true means the packet is
// spent (recovered, nothing missing, or stale) and must not be retried.
func (d *Decoder) tryRecover(now time.Time, p ParityPacket, cache *pcm.Cache) (*rtp.Packet, bool) {
	var missing []seqnum.Extended
	var present []*rtp.Packet
	for _, wire := range p.Protected() {
		ext := cache.PeekWire(wire)
		if seqnum.Before(ext, cache.Head()) {
			d.Stats.Stale++
			return nil, true
		}
		if pkt, ok := cache.Peek(ext); ok {
			present = append(present, pkt)
		} else {
			missing = append(missing, ext)
		}
	}

	switch len(missing) {
	case 0:
		return nil, true
	case 1:
	default:
		d.Stats.Unusable++
		return nil, false
	}

	pkt := d.reconstruct(now, p, present, missing[0])
	if pkt != nil {
		d.Stats.Recovered++
	}
	return pkt, true
}

// reconstruct XORs the parity packet's recovery fields with the present
// packets' header fields and payloads to rebuild the single missing
// packet. Present packets still carry their full RTP framing in Data; the
// XOR runs over payload bytes past each packet's own header length.
func (d *Decoder) reconstruct(now time.Time, p ParityPacket, present []*rtp.Packet, ext seqnum.Extended) *rtp.Packet {
	length := p.LengthRecov
	ts := p.TSRecov
	pt := p.PTRecov
	payload := append([]byte(nil), p.PayloadRecov...)

	for _, pkt := range present {
		h, n, err := rtp.Unmarshal(pkt.Data)
		if err != nil {
			continue
		}
		media := pkt.Data[n:]
		length ^= uint16(len(media))
		ts ^= h.Timestamp
		pt ^= h.PayloadType
		if len(media) > len(payload) {
			payload = append(payload, make([]byte, len(media)-len(payload))...)
		}
		for i := range media {
			payload[i] ^= media[i]
		}
	}

	if int(length) < len(payload) {
		payload = payload[:length]
	}

	var ssrc uint32
	if len(present) > 0 {
		if h, _, err := rtp.Unmarshal(present[0].Data); err == nil {
			ssrc = h.SSRC
		}
	}

	h := rtp.Header{
		Version:        2,
		PayloadType:    pt,
		SequenceNumber: uint16(ext),
		Timestamp:      ts,
		SSRC:           ssrc,
	}
	data, err := h.Marshal(payload)
	if err != nil {
		return nil
	}

	return rtp.NewPacket(data, ext, ts, now, rtp.TypeFEC, 0)
}
