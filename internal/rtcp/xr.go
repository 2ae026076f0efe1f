package rtcp

import (
	"encoding/binary"
	"fmt"
)

// XR sub-report block types this package supports.
const (
	XRLossRLE       uint8 = 1
	XRPostERLossRLE uint8 = 10
	XRStatSummary   uint8 = 6
	XRMediaAcq      uint8 = 200
	XRDiagCounters  uint8 = 201
)

// XRBlock is one opaque XR report block: BT/type-specific/length header
// plus payload, carried uninterpreted except for the Loss RLE family which
// this package also knows how to build chunk runs for. Non-goals exclude
// acting on XR content; this module only needs to construct and round-trip
// it for wire compatibility.
type XRBlock struct {
	BT               uint8
	TypeSpecific     uint8
	Payload          []byte
}

func (b XRBlock) marshal() []byte {
	payload := padTo4(append([]byte{}, b.Payload...))
	out := make([]byte, 4+len(payload))
	out[0] = b.BT
	out[1] = b.TypeSpecific
	binary.BigEndian.PutUint16(out[2:4], uint16(len(payload)/4))
	copy(out[4:], payload)
	return out
}

func unmarshalXRBlock(b []byte) (XRBlock, int, error) {
	if len(b) < 4 {
		return XRBlock{}, 0, fmt.Errorf("rtcp: XR block header too short")
	}
	lenWords := binary.BigEndian.Uint16(b[2:4])
	total := 4 + int(lenWords)*4
	if total > len(b) {
		return XRBlock{}, 0, fmt.Errorf("rtcp: XR block length exceeds buffer")
	}
	blk := XRBlock{BT: b[0], TypeSpecific: b[1], Payload: append([]byte{}, b[4:total]...)}
	return blk, total, nil
}

// LossRLEChunk is one run-length chunk in a Loss/Post-ER Loss RLE report
// (RFC 3611 §4.1): a bit run of either "received" or "lost" symbols.
type LossRLEChunk struct {
	Lost bool
	Run  uint16 // 0..16383
}

// ExtendedReport is RTCP PT=207 (RFC 3611), carrying zero or more XR blocks.
type ExtendedReport struct {
	SSRC   uint32
	Blocks []XRBlock
}

func (x ExtendedReport) Marshal() []byte {
	body := make([]byte, 4)
	binary.BigEndian.PutUint32(body, x.SSRC)
	for _, b := range x.Blocks {
		body = append(body, b.marshal()...)
	}
	return packWithHeader(0, PTXR, padTo4(body))
}

func unmarshalXR(h header, body []byte) (ExtendedReport, error) {
	if len(body) < 4 {
		return ExtendedReport{}, fmt.Errorf("rtcp: XR too short")
	}
	xr := ExtendedReport{SSRC: binary.BigEndian.Uint32(body[0:4])}
	off := 4
	for off < len(body) {
		blk, n, err := unmarshalXRBlock(body[off:])
		if err != nil {
			return xr, err
		}
		xr.Blocks = append(xr.Blocks, blk)
		off += n
	}
	return xr, nil
}

// EncodeLossRLEChunks packs RLE chunks into a Loss RLE XR block payload per
// RFC 3611 §4.1.1: bit 15 of each 16-bit chunk selects run type (0=received
// run length, 1=lost run length), bits 14:0 carry the run length.
func EncodeLossRLEChunks(beginSeq, endSeq uint16, chunks []LossRLEChunk) []byte {
	payload := make([]byte, 4+2*len(chunks))
	binary.BigEndian.PutUint16(payload[0:2], beginSeq)
	binary.BigEndian.PutUint16(payload[2:4], endSeq)
	for i, c := range chunks {
		v := c.Run & 0x7FFF
		if c.Lost {
			v |= 0x8000
		}
		binary.BigEndian.PutUint16(payload[4+2*i:6+2*i], v)
	}
	return payload
}

// DecodeLossRLEChunks is the inverse of EncodeLossRLEChunks.
func DecodeLossRLEChunks(payload []byte) (beginSeq, endSeq uint16, chunks []LossRLEChunk, err error) {
	if len(payload) < 4 {
		return 0, 0, nil, fmt.Errorf("rtcp: loss RLE payload too short")
	}
	beginSeq = binary.BigEndian.Uint16(payload[0:2])
	endSeq = binary.BigEndian.Uint16(payload[2:4])
	for off := 4; off+2 <= len(payload); off += 2 {
		v := binary.BigEndian.Uint16(payload[off : off+2])
		chunks = append(chunks, LossRLEChunk{Lost: v&0x8000 != 0, Run: v & 0x7FFF})
	}
	return beginSeq, endSeq, chunks, nil
}

// RSI is RTCP PT=208, Receiver Summary Information: a generic summarized
// receiver report carried as opaque subreport blocks keyed by the same
// BT space as XR.
type RSI struct {
	SummarizedSSRC uint32
	Subreports     []XRBlock
}

func (r RSI) Marshal() []byte {
	body := make([]byte, 4)
	binary.BigEndian.PutUint32(body, r.SummarizedSSRC)
	for _, b := range r.Subreports {
		body = append(body, b.marshal()...)
	}
	return packWithHeader(0, PTRSI, padTo4(body))
}

func unmarshalRSI(h header, body []byte) (RSI, error) {
	if len(body) < 4 {
		return RSI{}, fmt.Errorf("rtcp: RSI too short")
	}
	r := RSI{SummarizedSSRC: binary.BigEndian.Uint32(body[0:4])}
	off := 4
	for off < len(body) {
		blk, n, err := unmarshalXRBlock(body[off:])
		if err != nil {
			return r, err
		}
		r.Subreports = append(r.Subreports, blk)
		off += n
	}
	return r, nil
}
