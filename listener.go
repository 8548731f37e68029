package slcan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roffe/slcan/pkg/transport"
	"golang.org/x/sync/errgroup"
)

// FrameSink receives every decoded inbound frame on the listener goroutine.
// It must return promptly and must not call back into the Manager.
type FrameSink func(*CANFrame)

const maxLineLength = 64

// Listener reads lines from the transport in the background and hands
// decoded frames to a sink. It owns the transport from Start until it has
// exited.
type Listener struct {
	t       transport.Transport
	guard   *ioGuard
	poll    time.Duration
	handle  lineHandler
	onError func(error)

	cancel context.CancelFunc
	g      *errgroup.Group
	done   chan struct{}
}

func startListener(t transport.Transport, guard *ioGuard, poll time.Duration, handle lineHandler, onError func(error)) (*Listener, error) {
	if !guard.tryAcquire() {
		return nil, ErrTransportBusy
	}
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	l := &Listener{
		t:       t,
		guard:   guard,
		poll:    poll,
		handle:  handle,
		onError: onError,
		cancel:  cancel,
		g:       g,
		done:    make(chan struct{}),
	}
	g.Go(func() error {
		defer close(l.done)
		defer guard.release()
		return l.run(gctx)
	})
	return l, nil
}

func (l *Listener) run(ctx context.Context) error {
	line := make([]byte, 0, maxLineLength)
	if tail := l.guard.takeTail(); len(tail) <= maxLineLength {
		line = append(line, tail...)
	}
	overflow := false
	for ctx.Err() == nil {
		chunk, err := l.t.ReadAvailable(l.poll)
		if err != nil {
			err = fmt.Errorf("failed to read com port: %w", err)
			if !errors.Is(err, transport.ErrClosed) {
				err = Unrecoverable(err)
			}
			if l.onError != nil {
				l.onError(err)
			}
			return err
		}
		for _, b := range chunk {
			if b == CR || b == LF {
				if len(line) > 0 && !overflow {
					l.handle(string(line))
				}
				line = line[:0]
				overflow = false
				continue
			}
			if len(line) == maxLineLength {
				// runaway line, drop it and resync on the next terminator
				line = line[:0]
				overflow = true
			}
			line = append(line, b)
		}
	}
	return nil
}

// Stop raises the stop signal and blocks until the goroutine has exited.
// It returns the read error that ended the listener early, if any.
func (l *Listener) Stop() error {
	l.cancel()
	return l.g.Wait()
}

// Done is closed once the listener goroutine has exited.
func (l *Listener) Done() <-chan struct{} {
	return l.done
}

func (l *Listener) Running() bool {
	select {
	case <-l.done:
		return false
	default:
		return true
	}
}
