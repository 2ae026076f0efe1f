package rtp

import (
	"bytes"
	"testing"
)

func TestMarshalUnmarshal_roundTrip(t *testing.T) {
	h := Header{
		Version:        2,
		Marker:         true,
		PayloadType:    33,
		SequenceNumber: 4242,
		Timestamp:      90000,
		SSRC:           0xAABBCCDD,
		CSRC:           []uint32{1, 2, 3},
	}
	payload := []byte("hello rtp payload")
	buf, err := h.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}

	got, n, err := Unmarshal(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got.SequenceNumber != h.SequenceNumber || got.Timestamp != h.Timestamp || got.SSRC != h.SSRC {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if !got.Marker || got.PayloadType != 33 {
		t.Fatalf("marker/pt mismatch: %+v", got)
	}
	if len(got.CSRC) != 3 || got.CSRC[1] != 2 {
		t.Fatalf("csrc mismatch: %+v", got.CSRC)
	}
	if !bytes.Equal(buf[n:], payload) {
		t.Fatalf("payload mismatch after header consumed %d bytes: %q", n, buf[n:])
	}
}

func TestMarshalUnmarshal_extension(t *testing.T) {
	h := Header{
		Version:          2,
		Extension:        true,
		PayloadType:      96,
		ExtensionProfile: 0xBEDE,
		ExtensionPayload: []byte{1, 2, 3, 4, 5, 6, 7, 8},
	}
	buf, err := h.Marshal([]byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	got, n, err := Unmarshal(buf)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Extension || got.ExtensionProfile != 0xBEDE {
		t.Fatalf("extension mismatch: %+v", got)
	}
	if !bytes.Equal(got.ExtensionPayload, h.ExtensionPayload) {
		t.Fatalf("extension payload mismatch: %v", got.ExtensionPayload)
	}
	if string(buf[n:]) != "payload" {
		t.Fatalf("payload after extension: %q", buf[n:])
	}
}

func TestUnmarshal_tooShort(t *testing.T) {
	if _, _, err := Unmarshal([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for short buffer")
	}
}

func TestUnmarshal_wrongVersion(t *testing.T) {
	buf := make([]byte, 12)
	buf[0] = 1 << 6 // version 1
	if _, _, err := Unmarshal(buf); err == nil {
		t.Error("expected error for unsupported version")
	}
}

func TestMarshal_rejectsTooManyCSRC(t *testing.T) {
	h := Header{Version: 2, CSRC: make([]uint32, 16)}
	if _, err := h.Marshal(nil); err == nil {
		t.Error("expected error for csrc count > 15")
	}
}

func TestHeaderLen(t *testing.T) {
	h := Header{Version: 2, CSRC: []uint32{1, 2}}
	buf, _ := h.Marshal([]byte("xyz"))
	if h.HeaderLen() != 12+8 {
		t.Fatalf("HeaderLen() = %d, want 20", h.HeaderLen())
	}
	if len(buf) != h.HeaderLen()+3 {
		t.Fatalf("Marshal len = %d, want %d", len(buf), h.HeaderLen()+3)
	}
}
