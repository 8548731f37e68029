package slcan

import (
	"fmt"
	"sync"
	"time"

	"github.com/roffe/slcan/pkg/transport"
	"github.com/sirupsen/logrus"
)

// ioGuard hands the transport to exactly one reader at a time. The Listener
// holds it for its whole lifetime; a command exchange holds it for one
// request/reply. Acquisition never waits: a second reader gets
// ErrTransportBusy instead of interleaving reads on the stream.
type ioGuard struct {
	mu sync.Mutex
	// tail holds an unterminated line read past a reply, handed to the
	// next reader. Only touched while mu is held.
	tail []byte
}

// takeTail returns and clears the carried over partial line.
func (g *ioGuard) takeTail() []byte {
	t := g.tail
	g.tail = nil
	return t
}

func (g *ioGuard) tryAcquire() bool {
	return g.mu.TryLock()
}

func (g *ioGuard) release() {
	g.mu.Unlock()
}

// lineHandler is offered every complete line seen while waiting for a
// reply. Returning true means the line was an inbound frame and has been
// consumed, so it is not taken as the reply.
type lineHandler func(line string) bool

// CommandChannel is a half-duplex request/reply primitive on a transport.
type CommandChannel struct {
	t      transport.Transport
	guard  *ioGuard
	log    logrus.FieldLogger
	frames lineHandler
}

// NewCommandChannel creates a CommandChannel that owns t exclusively.
func NewCommandChannel(t transport.Transport, log logrus.FieldLogger) *CommandChannel {
	return newCommandChannel(t, &ioGuard{}, log)
}

func newCommandChannel(t transport.Transport, guard *ioGuard, log logrus.FieldLogger) *CommandChannel {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &CommandChannel{
		t:     t,
		guard: guard,
		log:   log,
	}
}

// Send discards stale input, writes cmd followed by CR and collects bytes
// until CR or LF arrives or deadline elapses. An empty Response with a nil
// error means the adapter did not answer in time.
func (cc *CommandChannel) Send(cmd string, deadline time.Duration) (Response, error) {
	if !cc.guard.tryAcquire() {
		return "", ErrTransportBusy
	}
	defer cc.guard.release()

	end := time.Now().Add(deadline)
	cc.guard.takeTail()
	if err := cc.t.ResetInput(); err != nil {
		return "", fmt.Errorf("failed to flush input before %q: %w", cmd, err)
	}
	if err := cc.t.Write([]byte(cmd + "\r")); err != nil {
		return "", fmt.Errorf("failed to send %q: %w", cmd, err)
	}

	resp, err := cc.collect(end)
	cc.log.WithFields(logrus.Fields{"cmd": cmd, "reply": resp.String()}).Debug("command exchange")
	return resp, err
}

// collect accumulates the reply. CRLF counts as one terminator, so the LF
// trailing a diverted frame line or a CR is skipped rather than taken as an
// empty reply.
func (cc *CommandChannel) collect(end time.Time) (Response, error) {
	buf := make([]byte, 0, 32)
	var prev byte
	for {
		remaining := time.Until(end)
		if remaining <= 0 {
			return Response(buf), nil
		}
		chunk, err := cc.t.ReadAvailable(remaining)
		if err != nil {
			return Response(buf), fmt.Errorf("failed to read reply: %w", err)
		}
		for i, b := range chunk {
			last := prev
			prev = b
			if b == LF && last == CR && len(buf) == 0 {
				continue
			}
			buf = append(buf, b)
			if b != CR && b != LF {
				continue
			}
			line := string(buf[:len(buf)-1])
			if line != "" && cc.frames != nil && cc.frames(line) {
				buf = buf[:0]
				continue
			}
			cc.spill(chunk[i+1:])
			return Response(buf), nil
		}
	}
}

// spill hands complete frame lines that trailed the reply in the same read
// to the frame handler, so loopback echoes are not lost. An unterminated
// remainder is kept for the next reader.
func (cc *CommandChannel) spill(rest []byte) {
	start := 0
	for i, b := range rest {
		if b != CR && b != LF {
			continue
		}
		if i > start && cc.frames != nil {
			cc.frames(string(rest[start:i]))
		}
		start = i + 1
	}
	if start < len(rest) {
		cc.guard.tail = append([]byte(nil), rest[start:]...)
	}
}
