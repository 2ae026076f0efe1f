package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vqe-c/vqec/internal/config"
)

func testChannels(ids ...string) []config.ChannelDescriptor {
	out := make([]config.ChannelDescriptor, len(ids))
	for i, id := range ids {
		out[i] = config.ChannelDescriptor{
			ChannelID: id,
			Primary:   config.StreamAddr{DstAddr: "239.1.1.1", DstPort: 5000},
		}
	}
	return out
}

func TestRun_noChannels(t *testing.T) {
	if err := Run(context.Background(), nil, Options{}, func(ctx context.Context, ch config.ChannelDescriptor) error {
		return nil
	}); err == nil {
		t.Fatal("expected error for empty channel set")
	}
}

func TestRun_failFastPropagatesError(t *testing.T) {
	boom := errors.New("dispatch boom")
	err := Run(context.Background(), testChannels("a", "b"), Options{FailFast: true}, func(ctx context.Context, ch config.ChannelDescriptor) error {
		if ch.ChannelID == "a" {
			return boom
		}
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Run() err = %v, want wrapping %v", err, boom)
	}
}

func TestRun_allExitCleanly(t *testing.T) {
	var calls int32
	err := Run(context.Background(), testChannels("a", "b"), Options{}, func(ctx context.Context, ch config.ChannelDescriptor) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Run() err = %v, want nil", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestRun_restartsOnExit(t *testing.T) {
	var mu sync.Mutex
	runs := 0
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	err := Run(ctx, testChannels("a"), Options{Restart: true, RestartDelay: 2 * time.Millisecond}, func(ctx context.Context, ch config.ChannelDescriptor) error {
		mu.Lock()
		runs++
		mu.Unlock()
		return nil // exits immediately every time, should be restarted
	})
	if err != nil {
		t.Fatalf("Run() err = %v, want nil on cancel", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if runs < 2 {
		t.Fatalf("runs = %d, want at least 2 runs", runs)
	}
}

func TestRun_ctxCancelStopsLoops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{}, 1)

	go func() {
		<-started
		cancel()
	}()

	err := Run(ctx, testChannels("a"), Options{}, func(ctx context.Context, ch config.ChannelDescriptor) error {
		started <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("Run() err = %v, want nil on clean cancel", err)
	}
}

func TestRun_panicRecovered(t *testing.T) {
	err := Run(context.Background(), testChannels("a"), Options{FailFast: true}, func(ctx context.Context, ch config.ChannelDescriptor) error {
		panic("dispatch exploded")
	})
	if err == nil {
		t.Fatal("expected panic to surface as an error")
	}
}
