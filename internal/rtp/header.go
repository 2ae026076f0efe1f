// Package rtp parses and emits RTP headers (RFC 3550) and carries the
// Packet entity that every downstream component (PCM, Sink,
// gap reporter, RTCP session) passes around. Header marshal/unmarshal
// follows the internal/hdhomerun/packet.go idiom: a fixed-width
// struct, encoding/binary for the wide fields, and manual bit-packing for
// the header's packed flag byte, rather than a generated codec.
package rtp

import (
	"encoding/binary"
	"fmt"
)

const (
	minHeaderLen = 12
	version      = 2
	maxCSRC      = 15
)

// Header is a parsed RTP header (RFC 3550 §5.1). Payload types and the
// marker bit are preserved unmodified; this package does not interpret
// payload type semantics.
type Header struct {
	Version        uint8
	Padding        bool
	Extension      bool
	Marker         bool
	PayloadType    uint8
	SequenceNumber uint16
	Timestamp      uint32
	SSRC           uint32
	CSRC           []uint32

	// ExtensionProfile/ExtensionPayload are set only when Extension is true.
	ExtensionProfile uint16
	ExtensionPayload []byte
}

// Unmarshal parses an RTP header from the front of buf and returns the
// header plus the number of bytes consumed (including CSRC list and any
// extension header), so callers can slice the remaining payload.
func Unmarshal(buf []byte) (Header, int, error) {
	if len(buf) < minHeaderLen {
		return Header{}, 0, fmt.Errorf("rtp: header too short: %d bytes", len(buf))
	}
	b0 := buf[0]
	ver := b0 >> 6
	if ver != version {
		return Header{}, 0, fmt.Errorf("rtp: unsupported version %d", ver)
	}
	h := Header{
		Version:     ver,
		Padding:     b0&0x20 != 0,
		Extension:   b0&0x10 != 0,
		Marker:      buf[1]&0x80 != 0,
		PayloadType: buf[1] & 0x7F,
	}
	csrcCount := int(b0 & 0x0F)
	h.SequenceNumber = binary.BigEndian.Uint16(buf[2:4])
	h.Timestamp = binary.BigEndian.Uint32(buf[4:8])
	h.SSRC = binary.BigEndian.Uint32(buf[8:12])

	off := minHeaderLen
	if csrcCount > maxCSRC {
		return Header{}, 0, fmt.Errorf("rtp: csrc count %d exceeds %d", csrcCount, maxCSRC)
	}
	if len(buf) < off+csrcCount*4 {
		return Header{}, 0, fmt.Errorf("rtp: truncated csrc list")
	}
	if csrcCount > 0 {
		h.CSRC = make([]uint32, csrcCount)
		for i := 0; i < csrcCount; i++ {
			h.CSRC[i] = binary.BigEndian.Uint32(buf[off : off+4])
			off += 4
		}
	}

	if h.Extension {
		if len(buf) < off+4 {
			return Header{}, 0, fmt.Errorf("rtp: truncated extension header")
		}
		h.ExtensionProfile = binary.BigEndian.Uint16(buf[off : off+2])
		extWords := int(binary.BigEndian.Uint16(buf[off+2 : off+4]))
		off += 4
		extLen := extWords * 4
		if len(buf) < off+extLen {
			return Header{}, 0, fmt.Errorf("rtp: truncated extension payload")
		}
		h.ExtensionPayload = buf[off : off+extLen]
		off += extLen
	}

	return h, off, nil
}

// Marshal serializes h followed by payload into a single contiguous
// buffer. Padding is not synthesized; h.Padding is carried through as-is
// from whatever the caller last parsed.
func (h Header) Marshal(payload []byte) ([]byte, error) {
	if len(h.CSRC) > maxCSRC {
		return nil, fmt.Errorf("rtp: csrc count %d exceeds %d", len(h.CSRC), maxCSRC)
	}
	size := minHeaderLen + len(h.CSRC)*4
	if h.Extension {
		size += 4 + len(h.ExtensionPayload)
	}
	buf := make([]byte, size+len(payload))

	b0 := byte(version<<6) | byte(len(h.CSRC))
	if h.Padding {
		b0 |= 0x20
	}
	if h.Extension {
		b0 |= 0x10
	}
	buf[0] = b0

	b1 := h.PayloadType & 0x7F
	if h.Marker {
		b1 |= 0x80
	}
	buf[1] = b1

	binary.BigEndian.PutUint16(buf[2:4], h.SequenceNumber)
	binary.BigEndian.PutUint32(buf[4:8], h.Timestamp)
	binary.BigEndian.PutUint32(buf[8:12], h.SSRC)

	off := minHeaderLen
	for _, c := range h.CSRC {
		binary.BigEndian.PutUint32(buf[off:off+4], c)
		off += 4
	}
	if h.Extension {
		binary.BigEndian.PutUint16(buf[off:off+2], h.ExtensionProfile)
		binary.BigEndian.PutUint16(buf[off+2:off+4], uint16(len(h.ExtensionPayload)/4))
		off += 4
		copy(buf[off:], h.ExtensionPayload)
		off += len(h.ExtensionPayload)
	}
	copy(buf[off:], payload)
	return buf, nil
}

// HeaderLen returns the number of bytes h.Marshal(nil) would occupy before
// the payload.
func (h Header) HeaderLen() int {
	n := minHeaderLen + len(h.CSRC)*4
	if h.Extension {
		n += 4 + len(h.ExtensionPayload)
	}
	return n
}
