// Package supervisor restarts per-channel dataplane dispatch loops, mirroring
// the child-process restart/backoff/failFast contract but applied
// to in-process goroutines instead of exec'd children: the VQE-C core runs
// one process with many channel contexts, not many processes.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/vqe-c/vqec/internal/config"
)

// RunFunc drives one channel's dataplane dispatch loop until ctx is
// cancelled or an unrecoverable error occurs. Implementations are expected
// to block for the channel's lifetime (graph.Context.Run-style).
type RunFunc func(ctx context.Context, ch config.ChannelDescriptor) error

// Options controls restart behavior, equivalent in shape to the
// Config.Restart/RestartDelay/FailFast JSON knobs but supplied programmatically
// since channels are loaded via internal/config, not a separate supervisor file.
type Options struct {
	Restart      bool
	RestartDelay time.Duration
	FailFast     bool
}

func (o Options) normalized() Options {
	if o.RestartDelay <= 0 {
		o.RestartDelay = 2 * time.Second
	}
	if !o.Restart && !o.FailFast {
		o.FailFast = true
	}
	return o
}

// Run starts one dispatch loop per enabled channel and restarts loops that
// exit when opts.Restart is set. It returns when ctx is cancelled, when all
// loops have exited, or (if FailFast) as soon as one loop returns a
// non-context error.
func Run(ctx context.Context, channels []config.ChannelDescriptor, opts Options, run RunFunc) error {
	if len(channels) == 0 {
		return fmt.Errorf("supervisor: no channels configured")
	}
	opts = opts.normalized()
	log.Printf("supervisor: starting %d channel(s) restart=%t failFast=%t restartDelay=%s",
		len(channels), opts.Restart, opts.FailFast, opts.RestartDelay)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, len(channels))
	var wg sync.WaitGroup
	for _, ch := range channels {
		wg.Add(1)
		go func(ch config.ChannelDescriptor) {
			defer wg.Done()
			rErr := runChannelLoop(ctx, ch, opts, run)
			if rErr != nil && !errors.Is(rErr, context.Canceled) {
				select {
				case errCh <- rErr:
				default:
				}
				if opts.FailFast {
					cancel()
				}
			}
		}(ch)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		<-done
		if len(errCh) > 0 {
			return <-errCh
		}
		return nil
	case err := <-errCh:
		cancel()
		<-done
		return err
	case <-done:
		if len(errCh) > 0 {
			return <-errCh
		}
		return nil
	}
}

func runChannelLoop(ctx context.Context, ch config.ChannelDescriptor, opts Options, run RunFunc) error {
	for {
		err := runChannelOnce(ctx, ch, run)
		if !opts.Restart || ctx.Err() != nil {
			return err
		}
		log.Printf("supervisor[%s]: dispatch loop exited (%v); restarting in %s", ch.ChannelID, err, opts.RestartDelay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(opts.RestartDelay):
		}
	}
}

func runChannelOnce(ctx context.Context, ch config.ChannelDescriptor, run RunFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("supervisor[%s]: dispatch loop panic: %v", ch.ChannelID, r)
		}
	}()
	log.Printf("supervisor[%s]: dispatch loop starting", ch.ChannelID)
	if rErr := run(ctx, ch); rErr != nil {
		if errors.Is(rErr, context.Canceled) {
			return rErr
		}
		return fmt.Errorf("supervisor[%s]: %w", ch.ChannelID, rErr)
	}
	return nil
}
