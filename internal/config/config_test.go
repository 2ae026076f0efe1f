package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_defaults(t *testing.T) {
	os.Clearenv()
	c := Load()
	if !c.ERGloballyEnabled {
		t.Errorf("ERGloballyEnabled default = false, want true")
	}
	if c.GapReportInterval != 20*time.Millisecond {
		t.Errorf("GapReportInterval = %s, want 20ms", c.GapReportInterval)
	}
	if c.MaxIOBufCount != 64 {
		t.Errorf("MaxIOBufCount = %d, want 64", c.MaxIOBufCount)
	}
	if c.NumPATPMTCopies != 2 {
		t.Errorf("NumPATPMTCopies = %d, want 2", c.NumPATPMTCopies)
	}
}

func TestLoad_overrides(t *testing.T) {
	os.Clearenv()
	os.Setenv("VQEC_ER_ENABLE", "false")
	os.Setenv("VQEC_GAP_REPORT_INTERVAL", "50ms")
	os.Setenv("VQEC_MAX_IOBUF_COUNT", "8")
	os.Setenv("VQEC_RTCP_REDUCED_SIZE", "yes")
	defer os.Clearenv()

	c := Load()
	if c.ERGloballyEnabled {
		t.Errorf("ERGloballyEnabled = true, want false")
	}
	if c.GapReportInterval != 50*time.Millisecond {
		t.Errorf("GapReportInterval = %s, want 50ms", c.GapReportInterval)
	}
	if c.MaxIOBufCount != 8 {
		t.Errorf("MaxIOBufCount = %d, want 8", c.MaxIOBufCount)
	}
	if !c.ReducedSizeRTCP {
		t.Errorf("ReducedSizeRTCP = false, want true")
	}
}

func TestLoadChannels(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "channels.json")
	descs := []ChannelDescriptor{
		{
			ChannelID: "ch1",
			Primary:   StreamAddr{DstAddr: "239.1.1.1", DstPort: 5000, SSRC: 0xAABB},
			Repair:    StreamAddr{DstAddr: "10.0.0.1", DstPort: 6000},
			ERPolicer: ERPolicerConfig{RatePercent: 10, BurstMs: 200},
		},
	}
	b, err := json.Marshal(descs)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := LoadChannels(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ChannelID != "ch1" {
		t.Fatalf("LoadChannels() = %+v", got)
	}
}

func TestLoadChannels_missingChannelID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "channels.json")
	descs := []ChannelDescriptor{{Primary: StreamAddr{DstAddr: "239.1.1.1", DstPort: 5000}}}
	b, _ := json.Marshal(descs)
	os.WriteFile(path, b, 0o644)

	if _, err := LoadChannels(path); err == nil {
		t.Fatal("expected error for missing channel_id")
	}
}

func TestLoadChannels_invalidAddr(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "channels.json")
	descs := []ChannelDescriptor{{ChannelID: "ch1", Primary: StreamAddr{DstAddr: "not-an-ip", DstPort: 5000}}}
	b, _ := json.Marshal(descs)
	os.WriteFile(path, b, 0o644)

	if _, err := LoadChannels(path); err == nil {
		t.Fatal("expected error for invalid dst_addr")
	}
}

func TestLoadChannels_missingFile(t *testing.T) {
	if _, err := LoadChannels(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
