// Command vqec runs the VQE-C dataplane: it loads channel descriptors,
// builds a graph context per channel, and drives each channel's dispatch
// loop (primary/repair/FEC receive, gap reporting over RTCP, TSRAP
// splice-in at channel change) under the supervisor until interrupted.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/vqe-c/vqec/internal/config"
	"github.com/vqe-c/vqec/internal/dpchan"
	"github.com/vqe-c/vqec/internal/graph"
	"github.com/vqe-c/vqec/internal/metrics"
	"github.com/vqe-c/vqec/internal/supervisor"
)

func main() {
	channelsPath := flag.String("channels", "channels.json", "Path to the channel descriptor file")
	envPath := flag.String("env", "", "Optional .env-style file sourced before reading config")
	fallback := flag.Bool("fallback", false, "Wire inputs directly to output, skipping the repair dataplane")
	flag.Parse()

	if *envPath != "" {
		if err := config.LoadEnvFile(*envPath); err != nil && !os.IsNotExist(err) {
			log.Printf("load env file: %v", err)
		}
	}
	cfg := config.Load()

	channels, err := config.LoadChannels(*channelsPath)
	if err != nil {
		log.Fatalf("load channels: %v", err)
	}
	cfg.Channels = channels
	log.Printf("loaded %d channel(s) from %s", len(channels), *channelsPath)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		log.Printf("metrics listening on %s", cfg.MetricsListenAddr)
		if err := http.ListenAndServe(cfg.MetricsListenAddr, mux); err != nil {
			log.Fatalf("metrics: %v", err)
		}
	}()

	graphs := graph.NewGraph()
	localSSRC := uuid.New().ID()
	cname, _ := os.Hostname()
	if cname == "" {
		cname = "vqec"
	}
	opts := dpchan.Options{
		ERGloballyEnabled: cfg.ERGloballyEnabled,
		GapReportInterval: cfg.GapReportInterval,
		RTCPMinInterval:   cfg.RTCPMinInterval,
		RTCPMaxInterval:   cfg.RTCPMaxInterval,
		ReducedSizeRTCP:   cfg.ReducedSizeRTCP,
		NumPATPMTCopies:   cfg.NumPATPMTCopies,
		CNAME:             "vqec@" + cname,
		LocalSSRC:         localSSRC,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	run := func(ctx context.Context, desc config.ChannelDescriptor) error {
		gctx, err := graphs.Create(desc.ChannelID, desc, "tuner-"+desc.ChannelID, *fallback)
		if err != nil {
			return err
		}
		metrics.GraphChannelsActive.Inc()
		defer func() {
			graphs.Destroy(desc.ChannelID)
			metrics.GraphChannelsActive.Dec()
		}()

		ch, err := dpchan.New(opts, desc, gctx)
		if err != nil {
			return err
		}
		return ch.Run(ctx)
	}

	err = supervisor.Run(ctx, channels, supervisor.Options{Restart: true}, run)
	if err != nil && ctx.Err() == nil {
		log.Fatalf("supervisor: %v", err)
	}
	log.Printf("shutdown complete")
}
