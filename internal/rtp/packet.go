package rtp

import (
	"sync/atomic"
	"time"

	"github.com/vqe-c/vqec/internal/seqnum"
)

// Type classifies which leg of the channel a Packet arrived on.
type Type int

const (
	TypePrimary Type = iota
	TypeRepair
	TypeFEC
	TypePrimaryResequenced
)

func (t Type) String() string {
	switch t {
	case TypePrimary:
		return "primary"
	case TypeRepair:
		return "repair"
	case TypeFEC:
		return "fec"
	case TypePrimaryResequenced:
		return "primary-resequenced"
	default:
		return "unknown"
	}
}

// Flags carries the per-packet bits a Packet tracks.
type Flags uint8

const (
	// FlagAPP marks a replayed TSRAP burst.
	FlagAPP Flags = 1 << 0
	// FlagRCC marks a packet delivered as part of rapid channel change.
	FlagRCC Flags = 1 << 1
)

// Packet is the owned-buffer-plus-metadata entity passed between the PCM,
// sink, and gap reporter. Refcounted because one Packet may be enqueued
// into several sinks: the sink queue holding the last reference is the
// one that frees the backing buffer.
type Packet struct {
	ExtSeq      seqnum.Extended
	Timestamp   uint32
	ArrivalTime time.Time
	Type        Type
	Flags       Flags
	Data        []byte

	refs int32
}

// NewPacket constructs a Packet with an initial reference count of 1.
func NewPacket(data []byte, extSeq seqnum.Extended, timestamp uint32, arrival time.Time, typ Type, flags Flags) *Packet {
	return &Packet{
		ExtSeq:      extSeq,
		Timestamp:   timestamp,
		ArrivalTime: arrival,
		Type:        typ,
		Flags:       flags,
		Data:        data,
		refs:        1,
	}
}

// Retain increments the reference count and returns p for chaining.
func (p *Packet) Retain() *Packet {
	atomic.AddInt32(&p.refs, 1)
	return p
}

// Release decrements the reference count; when it reaches zero the
// backing buffer is released for GC. Returns true if this call dropped
// the last reference.
func (p *Packet) Release() bool {
	if atomic.AddInt32(&p.refs, -1) == 0 {
		p.Data = nil
		return true
	}
	return false
}

// Len returns the backing buffer length, or 0 if released.
func (p *Packet) Len() int {
	return len(p.Data)
}

// IsAPP reports whether p carries the APP flag.
func (p *Packet) IsAPP() bool {
	return p.Flags&FlagAPP != 0
}
