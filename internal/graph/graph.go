// Package graph implements the channel graph lifecycle: input shims (IS)
// for each configured stream leg, an optional dataplane channel (dpchan)
// merging primary/repair/FEC in non-fallback mode, an output shim (OS)
// bound to a tuner's sink, and capability-intersection connect/disconnect
// with clean rollback.
//
// One struct per instance holds a single sync.Mutex (Context.mu) guarding
// a small set of lifecycle counters and maps, with explicit Create/Destroy
// bookends rather than a constructor-does-everything pattern.
package graph

import (
	"fmt"
	"net"
	"sync"

	"golang.org/x/time/rate"

	"github.com/vqe-c/vqec/internal/config"
	"github.com/vqe-c/vqec/internal/pcm"
	"github.com/vqe-c/vqec/internal/rtpnet"
	"github.com/vqe-c/vqec/internal/sink"
	"github.com/vqe-c/vqec/internal/vqerr"
)

// injectRateLimit bounds how often a channel may emit out-of-band
// repair/primary keepalives toward a source, independent of the ER
// policer's own token bucket.
const injectRateLimit = 5 // per second
const injectBurst = 5

// Capability is a single wire-format/feature token an input or output
// shim supports; connect succeeds only if both sides share at least one.
type Capability string

const (
	CapRTP Capability = "rtp"
	CapUDP Capability = "udp"
	CapFEC Capability = "fec"
)

// CapabilitySet is an unordered set of Capability tokens.
type CapabilitySet map[Capability]bool

func newCapSet(caps ...Capability) CapabilitySet {
	s := make(CapabilitySet, len(caps))
	for _, c := range caps {
		s[c] = true
	}
	return s
}

// Intersect returns the capabilities present in both sets.
func (s CapabilitySet) Intersect(other CapabilitySet) CapabilitySet {
	out := make(CapabilitySet)
	for c := range s {
		if other[c] {
			out[c] = true
		}
	}
	return out
}

// Leg identifies which configured stream an InputShim carries.
type Leg int

const (
	LegPrimary Leg = iota
	LegRepair
	LegFEC0
	LegFEC1
)

func (l Leg) String() string {
	switch l {
	case LegRepair:
		return "repair"
	case LegFEC0:
		return "fec0"
	case LegFEC1:
		return "fec1"
	default:
		return "primary"
	}
}

// InputShim owns one configured stream leg's packet cache and (once
// bound) its receive socket.
type InputShim struct {
	Leg     Leg
	Addr    config.StreamAddr
	Cache   *pcm.Cache
	Conn    *rtpnet.Conn
	caps    CapabilitySet
	limiter *rate.Limiter

	connected bool
}

func newInputShim(leg Leg, addr config.StreamAddr, capacity uint32) *InputShim {
	caps := newCapSet(CapRTP)
	if leg == LegFEC0 || leg == LegFEC1 {
		caps[CapFEC] = true
	}
	return &InputShim{
		Leg:     leg,
		Addr:    addr,
		Cache:   pcm.New(capacity),
		caps:    caps,
		limiter: rate.NewLimiter(rate.Limit(injectRateLimit), injectBurst),
	}
}

// OutputMode selects which stream type feeds the output shim: postrepair
// in repair mode, primary in fallback.
type OutputMode int

const (
	OutputPostRepair OutputMode = iota
	OutputPrimary
)

func (m OutputMode) String() string {
	if m == OutputPrimary {
		return "primary"
	}
	return "postrepair"
}

// OutputShim is the tuner-facing side of a channel: a Sink plus the encap
// and capability set it was created with.
type OutputShim struct {
	TunerID string
	StripRTP bool
	Sink    *sink.Sink
	Mode    OutputMode
	caps    CapabilitySet

	connectedLegs map[Leg]bool
}

func newOutputShim(tunerID string, stripRTP bool, mode OutputMode) *OutputShim {
	caps := newCapSet(CapRTP)
	if stripRTP {
		caps[CapUDP] = true
	}
	return &OutputShim{
		TunerID:       tunerID,
		StripRTP:      stripRTP,
		Sink:          sink.New(0, 0),
		Mode:          mode,
		caps:          caps,
		connectedLegs: make(map[Leg]bool),
	}
}

// DPChan is the dataplane channel merging the four possible input legs in
// non-fallback mode; fallback channels skip the dpchan entirely.
type DPChan struct {
	Primary, Repair, FEC0, FEC1 *InputShim
}

// Context is one channel's complete graph: its input shims, optional
// dpchan, output shim, and the single coarse lock guarding all of them.
type Context struct {
	mu sync.Mutex

	ID       string
	Desc     config.ChannelDescriptor
	Fallback bool

	inputs map[Leg]*InputShim
	dpchan *DPChan
	output *OutputShim

	connected bool
	destroyed bool
}

// cacheCapacity is the default PCM window size for a newly created input
// shim; channels needing a different size can be re-created with a larger
// config.ChannelDescriptor-driven value in a future extension.
const cacheCapacity = 8192

// Create allocates an InputShim for every configured stream leg,
// optionally a DPChan, and an OutputShim bound to tunerID with encap
// chosen by stripRTP.
func Create(id string, desc config.ChannelDescriptor, tunerID string, fallback bool) (*Context, error) {
	if desc.Primary.DstAddr == "" {
		return nil, vqerr.New(vqerr.KindInvalidArgs, "graph.Create", fmt.Errorf("channel %q has no primary stream", desc.ChannelID))
	}

	ctx := &Context{
		ID:       id,
		Desc:     desc,
		Fallback: fallback,
		inputs:   make(map[Leg]*InputShim),
	}

	ctx.inputs[LegPrimary] = newInputShim(LegPrimary, desc.Primary, cacheCapacity)
	if !isEmptyAddr(desc.Repair) {
		ctx.inputs[LegRepair] = newInputShim(LegRepair, desc.Repair, cacheCapacity)
	}
	if !isEmptyAddr(desc.FEC0) {
		ctx.inputs[LegFEC0] = newInputShim(LegFEC0, desc.FEC0, cacheCapacity)
	}
	if !isEmptyAddr(desc.FEC1) {
		ctx.inputs[LegFEC1] = newInputShim(LegFEC1, desc.FEC1, cacheCapacity)
	}

	if !fallback {
		ctx.dpchan = &DPChan{
			Primary: ctx.inputs[LegPrimary],
			Repair:  ctx.inputs[LegRepair],
			FEC0:    ctx.inputs[LegFEC0],
			FEC1:    ctx.inputs[LegFEC1],
		}
	}

	mode := OutputPostRepair
	if fallback {
		mode = OutputPrimary
	}
	ctx.output = newOutputShim(tunerID, desc.StripRTP, mode)

	return ctx, nil
}

func isEmptyAddr(a config.StreamAddr) bool {
	return a.DstAddr == "" && a.DstPort == 0
}

// Connect performs an IS<-OS capability handshake per leg, with clean
// rollback of every prior successful connection if any leg's capability
// intersection with the output shim is empty.
func (ctx *Context) Connect() error {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	if ctx.destroyed {
		return vqerr.New(vqerr.KindNoSuchStream, "graph.Connect", nil)
	}

	var connectedLegs []Leg
	for leg, is := range ctx.inputs {
		shared := is.caps.Intersect(ctx.output.caps)
		if len(shared) == 0 {
			for _, done := range connectedLegs {
				ctx.inputs[done].connected = false
				delete(ctx.output.connectedLegs, done)
			}
			return vqerr.New(vqerr.KindGraphConnect, "graph.Connect",
				fmt.Errorf("leg %s: empty capability intersection", leg))
		}
		is.connected = true
		ctx.output.connectedLegs[leg] = true
		connectedLegs = append(connectedLegs, leg)
	}

	ctx.connected = true
	return nil
}

// RepairInject sends an out-of-band packet toward the repair source
// through its bound input shim's socket, for NAT keepalive/STUN.
func (ctx *Context) RepairInject(payload []byte) error {
	return ctx.injectVia(LegRepair, payload)
}

// PrimaryInject is RepairInject's primary-leg counterpart.
func (ctx *Context) PrimaryInject(payload []byte) error {
	return ctx.injectVia(LegPrimary, payload)
}

func (ctx *Context) injectVia(leg Leg, payload []byte) error {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	if ctx.destroyed {
		return vqerr.New(vqerr.KindNoSuchStream, "graph.inject", nil)
	}
	is, ok := ctx.inputs[leg]
	if !ok || is.Conn == nil {
		return vqerr.New(vqerr.KindNoSuchStream, "graph.inject", fmt.Errorf("leg %s not bound", leg))
	}
	if !is.limiter.Allow() {
		return vqerr.New(vqerr.KindInsufficientTokens, "graph.inject", fmt.Errorf("leg %s: keepalive rate exceeded", leg))
	}
	srcAddr := is.Addr.SrcAddr
	srcPort := is.Addr.SrcPort
	if srcAddr == "" {
		srcAddr = is.Addr.DstAddr
		srcPort = is.Addr.DstPort
	}
	addr := &net.UDPAddr{IP: net.ParseIP(srcAddr), Port: srcPort}
	return is.Conn.SendKeepalive(addr, payload)
}

// Output returns the channel's output shim (for tuner binding).
func (ctx *Context) Output() *OutputShim {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	return ctx.output
}

// Input returns the InputShim for leg, if configured.
func (ctx *Context) Input(leg Leg) (*InputShim, bool) {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	is, ok := ctx.inputs[leg]
	return is, ok
}

// Destroy disconnects streams, destroys the output shim, destroys the
// dpchan, and destroys each input shim, strictly in reverse order of
// creation.
func (ctx *Context) Destroy() {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	if ctx.destroyed {
		return
	}
	ctx.destroyed = true
	ctx.connected = false

	if ctx.output != nil {
		ctx.output.Sink.Poison(vqerr.New(vqerr.KindNoSuchTuner, "graph.Destroy", nil))
		ctx.output.connectedLegs = nil
	}
	ctx.dpchan = nil
	for _, is := range ctx.inputs {
		is.connected = false
		if is.Conn != nil {
			is.Conn.Close()
		}
	}
}

// Connected reports whether Connect has succeeded and Destroy has not yet
// been called.
func (ctx *Context) Connected() bool {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	return ctx.connected
}

// Destroyed reports whether this channel has been torn down.
func (ctx *Context) Destroyed() bool {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	return ctx.destroyed
}

// Graph owns the set of live channel contexts for a process, each an
// independent dataplane instance, collected here for lookup by channel id.
type Graph struct {
	mu       sync.Mutex
	channels map[string]*Context
}

// NewGraph constructs an empty channel graph registry.
func NewGraph() *Graph {
	return &Graph{channels: make(map[string]*Context)}
}

// Create allocates and registers a new channel context.
func (g *Graph) Create(id string, desc config.ChannelDescriptor, tunerID string, fallback bool) (*Context, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.channels[id]; exists {
		return nil, vqerr.New(vqerr.KindInvalidArgs, "graph.Graph.Create", fmt.Errorf("channel %q already exists", id))
	}
	ctx, err := Create(id, desc, tunerID, fallback)
	if err != nil {
		return nil, err
	}
	g.channels[id] = ctx
	return ctx, nil
}

// Get returns the channel context for id, if registered.
func (g *Graph) Get(id string) (*Context, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ctx, ok := g.channels[id]
	return ctx, ok
}

// Destroy tears down and unregisters the channel context for id.
func (g *Graph) Destroy(id string) error {
	g.mu.Lock()
	ctx, ok := g.channels[id]
	if ok {
		delete(g.channels, id)
	}
	g.mu.Unlock()
	if !ok {
		return vqerr.New(vqerr.KindNoSuchStream, "graph.Graph.Destroy", nil)
	}
	ctx.Destroy()
	return nil
}
