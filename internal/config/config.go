// Package config loads the daemon-wide knobs and per-channel descriptors
// that the VQE-C dataplane runs with. Channel descriptors are immutable for
// the channel's lifetime once handed to internal/graph.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// StreamAddr is one leg of a channel: the multicast/unicast source the
// dataplane joins plus the local receive port.
type StreamAddr struct {
	SrcAddr string `json:"src_addr,omitempty"` // empty = ASM (any source)
	SrcPort int    `json:"src_port,omitempty"`
	DstAddr string `json:"dst_addr"`
	DstPort int    `json:"dst_port"`
	SSRC    uint32 `json:"ssrc,omitempty"` // 0 = unconstrained
}

func (s StreamAddr) empty() bool {
	return s.DstAddr == "" && s.DstPort == 0
}

// ERPolicerConfig is the token-bucket shape for the ER policer, expressed
// in the units callers configure it in (requests/sec, milliseconds of burst).
type ERPolicerConfig struct {
	RatePercent int // percentage of channel bitrate budgeted to ER requests
	BurstMs     int // token bucket burst expressed as milliseconds of requests
}

// ChannelDescriptor is the declarative input for one tuned channel.
// Immutable for the channel's lifetime.
type ChannelDescriptor struct {
	ChannelID string `json:"channel_id"`

	Primary StreamAddr `json:"primary"`
	Repair  StreamAddr `json:"repair"`
	FEC0    StreamAddr `json:"fec0"`
	FEC1    StreamAddr `json:"fec1"`

	StripRTP  bool            `json:"strip_rtp"`
	RCCEnable bool            `json:"rcc_enable"`
	ERPolicer ERPolicerConfig `json:"er_policer"`

	// Maximum receive bandwidth in bits/sec the server may use for ER and RCC
	// repair traffic toward this receiver; reported in the gap reporter's
	// "ERRI" APP block.
	MaxRecvBandwidthER  uint32 `json:"max_recv_bw_er"`
	MaxRecvBandwidthRCC uint32 `json:"max_recv_bw_rcc"`
}

func (d ChannelDescriptor) validate() error {
	if strings.TrimSpace(d.ChannelID) == "" {
		return fmt.Errorf("config: channel descriptor missing channel_id")
	}
	if d.Primary.empty() {
		return fmt.Errorf("config: channel %q missing primary stream", d.ChannelID)
	}
	for _, leg := range []struct {
		name string
		addr StreamAddr
	}{{"primary", d.Primary}, {"repair", d.Repair}, {"fec0", d.FEC0}, {"fec1", d.FEC1}} {
		if leg.addr.empty() {
			continue
		}
		if net.ParseIP(leg.addr.DstAddr) == nil {
			return fmt.Errorf("config: channel %q %s dst_addr %q is not a valid IP", d.ChannelID, leg.name, leg.addr.DstAddr)
		}
	}
	return nil
}

// Config holds daemon-wide knobs plus the set of configured channels.
// Loaded once at startup and held in memory for the process lifetime.
type Config struct {
	Channels []ChannelDescriptor

	// ERGloballyEnabled gates every channel's gap reporter regardless of its
	// own ERPolicer settings.
	ERGloballyEnabled bool

	// GapReportInterval is the period between gap-reporter scans of a
	// channel's PCM gap list.
	GapReportInterval time.Duration

	// RTCPMinInterval/RTCPMaxInterval bound the RFC 3550 report schedule.
	RTCPMinInterval time.Duration
	RTCPMaxInterval time.Duration

	ReducedSizeRTCP bool

	// MaxIOBufCount / IOBufRecvTimeout clamp tuner_read's count and
	// timeout_ms parameters.
	MaxIOBufCount    int
	IOBufRecvTimeout time.Duration

	// NumPATPMTCopies is the TSRAP "num_patpmt" replication factor.
	NumPATPMTCopies int

	MetricsListenAddr string
}

// Load reads daemon-wide knobs from the environment. Call LoadEnvFile first
// to source a .env-style file.
func Load() *Config {
	return &Config{
		ERGloballyEnabled: getEnvBool("VQEC_ER_ENABLE", true),
		GapReportInterval: getEnvDuration("VQEC_GAP_REPORT_INTERVAL", 20*time.Millisecond),
		RTCPMinInterval:   getEnvDuration("VQEC_RTCP_MIN_INTERVAL", 1*time.Second),
		RTCPMaxInterval:   getEnvDuration("VQEC_RTCP_MAX_INTERVAL", 5*time.Second),
		ReducedSizeRTCP:   getEnvBool("VQEC_RTCP_REDUCED_SIZE", false),
		MaxIOBufCount:     getEnvInt("VQEC_MAX_IOBUF_COUNT", 64),
		IOBufRecvTimeout:  getEnvDuration("VQEC_IOBUF_RECV_TIMEOUT", 2*time.Second),
		NumPATPMTCopies:   getEnvInt("VQEC_TSRAP_NUM_PATPMT", 2),
		MetricsListenAddr: getEnv("VQEC_METRICS_ADDR", ":9190"),
	}
}

// LoadChannels reads a JSON array of ChannelDescriptor from path. Mirrors
// the catalog load/save-by-JSON-file convention.
func LoadChannels(path string) ([]ChannelDescriptor, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read channels file: %w", err)
	}
	var out []ChannelDescriptor
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("config: parse channels file: %w", err)
	}
	for i := range out {
		if err := out[i].validate(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "1" || strings.EqualFold(v, "true") || strings.EqualFold(v, "yes")
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
