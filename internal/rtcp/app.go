package rtcp

import (
	"encoding/binary"
	"fmt"
)

// AppPacket is RTCP PT=204, an application-defined block (RFC 3550 §6.7)
// identified by a 4-byte ASCII name. The gap reporter uses the "ERRI" name
// to carry the max-receive-bandwidth hint alongside a NACK request.
type AppPacket struct {
	Subtype uint8
	SSRC    uint32
	Name    [4]byte
	Data    []byte
}

func (a AppPacket) Marshal() []byte {
	body := make([]byte, 8)
	binary.BigEndian.PutUint32(body[0:4], a.SSRC)
	copy(body[4:8], a.Name[:])
	body = append(body, padTo4(append([]byte{}, a.Data...))...)
	return packWithHeader(a.Subtype&0x1F, PTAPP, body)
}

func unmarshalAPP(h header, body []byte) (AppPacket, error) {
	if len(body) < 8 {
		return AppPacket{}, fmt.Errorf("rtcp: APP too short")
	}
	a := AppPacket{Subtype: h.CountOrFmt, SSRC: binary.BigEndian.Uint32(body[0:4])}
	copy(a.Name[:], body[4:8])
	a.Data = append([]byte{}, body[8:]...)
	return a, nil
}

// ERRIName is the APP name the gap reporter uses for its max-receive
// bandwidth advisory.
var ERRIName = [4]byte{'E', 'R', 'R', 'I'}

// DefaultERRIBandwidthBPS is the fallback advertised when no better bound
// on receive bandwidth is known.
const DefaultERRIBandwidthBPS uint64 = 1

// EncodeERRI builds the payload of an "ERRI" APP block: a single 64-bit
// max receive bandwidth in bits per second.
func EncodeERRI(maxBandwidthBPS uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, maxBandwidthBPS)
	return b
}

// DecodeERRI is the inverse of EncodeERRI.
func DecodeERRI(data []byte) (uint64, error) {
	if len(data) < 8 {
		return 0, fmt.Errorf("rtcp: ERRI payload too short")
	}
	return binary.BigEndian.Uint64(data[:8]), nil
}

// PubPorts is RTCP PT=209, a Cisco-assigned block advertising the UDP
// ports a receiver listens on for unicast retransmission/feedback
// (original_source/ rtp_session.c's "pubports" handling).
type PubPorts struct {
	SSRC     uint32
	RTPPort  uint16
	RTCPPort uint16
}

func (p PubPorts) Marshal() []byte {
	body := make([]byte, 8)
	binary.BigEndian.PutUint32(body[0:4], p.SSRC)
	binary.BigEndian.PutUint16(body[4:6], p.RTPPort)
	binary.BigEndian.PutUint16(body[6:8], p.RTCPPort)
	return packWithHeader(0, PTPUBPORTS, body)
}

func unmarshalPubPorts(h header, body []byte) (PubPorts, error) {
	if len(body) < 8 {
		return PubPorts{}, fmt.Errorf("rtcp: PUBPORTS too short")
	}
	return PubPorts{
		SSRC:     binary.BigEndian.Uint32(body[0:4]),
		RTPPort:  binary.BigEndian.Uint16(body[4:6]),
		RTCPPort: binary.BigEndian.Uint16(body[6:8]),
	}, nil
}
