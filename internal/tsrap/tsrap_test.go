package tsrap

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/vqe-c/vqec/internal/vqerr"
)

func tlvEntry(typ TLVType, pid uint16, payload []byte) []byte {
	out := make([]byte, 5+len(payload))
	out[0] = byte(typ)
	out[1] = byte(pid >> 8)
	out[2] = byte(pid)
	out[3] = byte(len(payload) >> 8)
	out[4] = byte(len(payload))
	copy(out[5:], payload)
	return out
}

func minimalPATSection() []byte {
	// table_id, section_length placeholder(2), tsid(2), ver/cn, secnum, lastsecnum,
	// then one program entry: program_number=1, PMT_PID=0x1000.
	return []byte{0x00, 0xB0, 0x0D, 0x00, 0x01, 0xC1, 0x00, 0x00, 0x00, 0x01, 0xF0, 0x00}
}

func minimalPMTSection() []byte {
	return []byte{
		0x02, 0xB0, 0x17, 0x00, 0x01, 0xC1, 0x00, 0x00,
		0xE1, 0x00, 0xF0, 0x00,
		0x1B, 0xE1, 0x00, 0xF0, 0x00,
		0x0F, 0xE1, 0x01, 0xF0, 0x00,
	}
}

func pcrTLVPayload(bitrate uint32, numPackets uint16, pcr uint64) []byte {
	buf := make([]byte, 14)
	binary.BigEndian.PutUint32(buf[0:4], bitrate)
	binary.BigEndian.PutUint16(buf[4:6], numPackets)
	binary.BigEndian.PutUint64(buf[6:14], pcr)
	return buf
}

func scenario5Blob() []byte {
	var blob []byte
	blob = append(blob, tlvEntry(TLVPAT, 0, minimalPATSection())...)
	blob = append(blob, tlvEntry(TLVPMT, 0x1000, minimalPMTSection())...)
	blob = append(blob, tlvEntry(TLVSPS, 0, []byte{0x00, 0x00, 0x00, 0x01, 0x67, 0x42})...)
	blob = append(blob, tlvEntry(TLVPPS, 0, []byte{0x00, 0x00, 0x00, 0x01, 0x68, 0xCE})...)
	blob = append(blob, tlvEntry(TLVPCR, 0x0100, pcrTLVPayload(5_000_000, 0, 900000))...)
	blob = append(blob, tlvEntry(TLVPIDList, 0, []byte{0x00, 0x00, 0x05, 0x01, 0x00, 0x03})...)
	return blob
}

func TestDecode_scenario5Blob(t *testing.T) {
	b, err := Decode(scenario5Blob())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(b.PAT) == 0 || len(b.PMT) == 0 || len(b.SPS) == 0 || len(b.PPS) == 0 {
		t.Fatalf("decoded burst missing expected elements: %+v", b)
	}
	if b.PCR == nil || b.PCR.BitrateBps != 5_000_000 {
		t.Fatalf("PCR = %+v", b.PCR)
	}
	if len(b.PIDList) != 2 {
		t.Fatalf("PIDList = %+v, want 2 entries", b.PIDList)
	}
}

func TestEncode_numPATPMTReplicationOrder(t *testing.T) {
	b, err := Decode(scenario5Blob())
	if err != nil {
		t.Fatal(err)
	}
	out, err := Encode(b, Options{NumPATPMTCopies: 3, DatagramPackets: 7})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(out)%(TSPacketLen*7) != 0 {
		t.Fatalf("output length %d not a multiple of 7 TS packets", len(out))
	}

	// first 6 packets: PAT,PMT,PAT,PMT,PAT,PMT in declared order.
	for i := 0; i < 3; i++ {
		patOff := i * 2 * TSPacketLen
		pmtOff := patOff + TSPacketLen
		patPid := (uint16(out[patOff+1]) & 0x1F << 8) | uint16(out[patOff+2])
		pmtPid := (uint16(out[pmtOff+1]) & 0x1F << 8) | uint16(out[pmtOff+2])
		if patPid != 0x0000 {
			t.Fatalf("run %d: PAT packet PID = 0x%04X, want 0x0000", i, patPid)
		}
		if pmtPid != 0x1000 {
			t.Fatalf("run %d: PMT packet PID = 0x%04X, want 0x1000", i, pmtPid)
		}
	}
}

func TestEncode_ccDecrementsMonotonicallyOnPID0(t *testing.T) {
	b, err := Decode(scenario5Blob())
	if err != nil {
		t.Fatal(err)
	}
	out, err := Encode(b, Options{NumPATPMTCopies: 3, DatagramPackets: 7})
	if err != nil {
		t.Fatal(err)
	}

	// the PAT (PID 0) packets appear at offsets 0, 2*188, 4*188; collect
	// their CC nibbles in buffer order and confirm they decrement by one
	// (mod 16) walking backward from the end of the prepended section, i.e.
	// increase by one moving forward toward the live stream.
	var ccs []uint8
	for i := 0; i < 3; i++ {
		off := i * 2 * TSPacketLen
		ccs = append(ccs, out[off+3]&0x0F)
	}
	for i := 1; i < len(ccs); i++ {
		want := (ccs[i-1] + 1) & 0x0F
		if ccs[i] != want {
			t.Fatalf("PAT CC sequence = %v, not monotonically incrementing forward (mod 16)", ccs)
		}
	}
}

func TestEncode_lastESPacketPadsWithAdaptationField(t *testing.T) {
	b, err := Decode(scenario5Blob())
	if err != nil {
		t.Fatal(err)
	}
	out, err := Encode(b, Options{NumPATPMTCopies: 1, DatagramPackets: 7})
	if err != nil {
		t.Fatal(err)
	}
	// with 1 PAT/PMT copy, the ES (SPS+PPS wrapped in PES) packet is at
	// offset 2*188.
	esOff := 2 * TSPacketLen
	afc := (out[esOff+3] >> 4) & 0x3
	if afc != 0x3 {
		t.Fatalf("ES packet AFC = %#x, want 0b11 (AF+payload)", afc)
	}
	afLen := int(out[esOff+4])
	if 4+1+afLen > TSPacketLen {
		t.Fatalf("adaptation field length %d overruns the packet", afLen)
	}
}

func TestEncode_rejectsNilBurst(t *testing.T) {
	if _, err := Encode(nil, Options{}); !vqerr.Is(err, vqerr.KindInvalidArgs) {
		t.Fatalf("Encode(nil) = %v, want InvalidArgs", err)
	}
}

func TestEncode_rejectsPATWithoutPMT(t *testing.T) {
	b := &Burst{PAT: minimalPATSection()}
	if _, err := Encode(b, Options{}); !vqerr.Is(err, vqerr.KindParseError) {
		t.Fatalf("Encode(PAT-only) = %v, want ParseError", err)
	}
}

func TestEncode_emptyBurstProducesEmptyOutput(t *testing.T) {
	out, err := Encode(&Burst{}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 0 {
		t.Fatalf("len(out) = %d, want 0 for an empty burst", len(out))
	}
}

func TestDecode_rejectsTruncatedEntry(t *testing.T) {
	blob := tlvEntry(TLVPAT, 0, minimalPATSection())
	blob = blob[:len(blob)-1]
	if _, err := Decode(blob); !vqerr.Is(err, vqerr.KindParseError) {
		t.Fatalf("Decode(truncated) = %v, want ParseError", err)
	}
}

func TestDecode_rejectsUnknownType(t *testing.T) {
	blob := tlvEntry(TLVType(0xFE), 0, []byte{1, 2, 3})
	if _, err := Decode(blob); !vqerr.Is(err, vqerr.KindParseError) {
		t.Fatalf("Decode(unknown type) = %v, want ParseError", err)
	}
}

func TestBuildPCRBurst_walksTimestampBackward(t *testing.T) {
	out, err := buildPCRBurst(PCRInfo{BitrateBps: 5_000_000, NumPackets: 4, Value90kHz: 1_000_000}, 0x0100)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 4*TSPacketLen {
		t.Fatalf("len(out) = %d, want %d", len(out), 4*TSPacketLen)
	}
	var pcrs []uint64
	for i := 0; i < 4; i++ {
		off := i * TSPacketLen
		pcrs = append(pcrs, readPCR(out[off+6:off+12]))
	}
	for i := 1; i < len(pcrs); i++ {
		if pcrs[i] <= pcrs[i-1] {
			t.Fatalf("PCR burst not walking forward toward the anchor: %v", pcrs)
		}
	}
}

// roundTrip encodes b and decodes the resulting TS run back, failing the
// test on either direction's error.
func roundTrip(t *testing.T, b *Burst, opts Options) *DecodedTS {
	t.Helper()
	out, err := Encode(b, opts)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(out)%TSPacketLen != 0 {
		t.Fatalf("Encode produced %d bytes, not a whole number of TS packets", len(out))
	}
	got, err := DecodeTS(out)
	if err != nil {
		t.Fatalf("DecodeTS: %v", err)
	}
	return got
}

func TestRoundTrip_fullBurst(t *testing.T) {
	var blob []byte
	blob = append(blob, tlvEntry(TLVPAT, 0, minimalPATSection())...)
	blob = append(blob, tlvEntry(TLVPMT, 0x1000, minimalPMTSection())...)
	blob = append(blob, tlvEntry(TLVSPS, 0, []byte{0x00, 0x00, 0x00, 0x01, 0x67, 0x42})...)
	blob = append(blob, tlvEntry(TLVPPS, 0, []byte{0x00, 0x00, 0x00, 0x01, 0x68, 0xCE})...)
	blob = append(blob, tlvEntry(TLVPCR, 0x0100, pcrTLVPayload(5_000_000, 4, 1_000_000))...)
	blob = append(blob, tlvEntry(TLVPIDList, 0, []byte{0x00, 0x00, 0x05, 0x01, 0x00, 0x03})...)

	b, err := Decode(blob)
	if err != nil {
		t.Fatal(err)
	}
	got := roundTrip(t, b, Options{NumPATPMTCopies: 3, DatagramPackets: 7})

	if !bytes.Equal(got.PAT, b.PAT) {
		t.Fatalf("PAT section mismatch:\n got %x\nwant %x", got.PAT, b.PAT)
	}
	if !bytes.Equal(got.PMT, b.PMT) {
		t.Fatalf("PMT section mismatch:\n got %x\nwant %x", got.PMT, b.PMT)
	}
	if got.PATCopies != 3 || got.PMTCopies != 3 {
		t.Fatalf("PAT/PMT copies = %d/%d, want 3/3", got.PATCopies, got.PMTCopies)
	}
	if got.PMTPID != 0x1000 {
		t.Fatalf("PMT PID = 0x%04X, want 0x1000", got.PMTPID)
	}

	wantES := append(append([]byte(nil), b.SPS...), b.PPS...)
	if !bytes.Equal(got.ES, wantES) {
		t.Fatalf("ES payload mismatch:\n got %x\nwant %x", got.ES, wantES)
	}

	if len(got.PCRs) != 4 {
		t.Fatalf("PCR packet count = %d, want 4", len(got.PCRs))
	}
	ticks := uint64(TSPacketLen) * 8 * 90000 / 5_000_000
	for i, pcr := range got.PCRs {
		want := 1_000_000 - uint64(4-i)*ticks
		if pcr != want {
			t.Fatalf("PCR[%d] = %d, want %d", i, pcr, want)
		}
	}
	if got.PCRPID != 0x0100 {
		t.Fatalf("PCR PID = 0x%04X, want 0x0100", got.PCRPID)
	}
}

func TestRoundTrip_psiOnlyBurst(t *testing.T) {
	b := &Burst{PAT: minimalPATSection(), PMT: minimalPMTSection()}
	got := roundTrip(t, b, Options{NumPATPMTCopies: 2})
	if !bytes.Equal(got.PAT, b.PAT) || !bytes.Equal(got.PMT, b.PMT) {
		t.Fatalf("PSI round trip mismatch: got PAT %x PMT %x", got.PAT, got.PMT)
	}
	if got.PATCopies != 2 || got.PMTCopies != 2 {
		t.Fatalf("copies = %d/%d, want 2/2", got.PATCopies, got.PMTCopies)
	}
	if len(got.ES) != 0 || len(got.PCRs) != 0 {
		t.Fatalf("PSI-only burst decoded spurious ES (%d bytes) or PCRs (%d)", len(got.ES), len(got.PCRs))
	}
}

func TestRoundTrip_largeESSpansPackets(t *testing.T) {
	es := make([]byte, 600) // forces multiple TS packets plus AF-padded tail
	for i := range es {
		es[i] = byte(i)
	}
	b := &Burst{SPS: es}
	got := roundTrip(t, b, Options{})
	if !bytes.Equal(got.ES, es) {
		t.Fatalf("multi-packet ES round trip mismatch: got %d bytes", len(got.ES))
	}
}

func TestDecodeTS_rejectsCorruptSectionCRC(t *testing.T) {
	b := &Burst{PAT: minimalPATSection(), PMT: minimalPMTSection()}
	out, err := Encode(b, Options{NumPATPMTCopies: 1})
	if err != nil {
		t.Fatal(err)
	}
	out[10] ^= 0xFF // flip a PAT section byte under the CRC
	if _, err := DecodeTS(out); !vqerr.Is(err, vqerr.KindParseError) {
		t.Fatalf("DecodeTS(corrupt section) = %v, want ParseError", err)
	}
}

func TestDecodeTS_rejectsPartialPacket(t *testing.T) {
	if _, err := DecodeTS(make([]byte, TSPacketLen+1)); !vqerr.Is(err, vqerr.KindParseError) {
		t.Fatalf("DecodeTS(ragged length) = %v, want ParseError", err)
	}
}
