package transport

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	bell = "\a"
	cr   = "\r"
)

// Reply is a scripted adapter answer. An empty Data means the adapter stays
// silent.
type Reply struct {
	Data  string
	Delay time.Duration
}

// Responder lets tests override how the virtual adapter answers a command.
// Returning false falls through to the built-in SLCAN behaviour. It is
// called without internal locks held but must not call back into the
// Virtual it is attached to.
type Responder func(cmd string) (Reply, bool)

type chunk struct {
	at   time.Time
	data []byte
}

// Virtual is an in-memory SLCAN adapter used for testing and demos. It
// answers O, C, L, S0-S8, V, N, F and t/T transmits like a Lawicel style
// adapter and echoes transmitted frames back when loopback is enabled.
type Virtual struct {
	// ReplyDelay is applied to every built-in reply.
	ReplyDelay time.Duration
	Version    string
	Serial     string

	mu        sync.Mutex
	responder Responder
	pending   []chunk
	partial   []byte
	commands  []string
	notify    chan struct{}
	closed    bool
	failErr   error

	open     bool
	loopback bool
	bitrate  string
}

func NewVirtual() *Virtual {
	return &Virtual{
		Version: "V1011",
		Serial:  "NA123",
		notify:  make(chan struct{}, 1),
		closed:  true,
	}
}

// Opener returns an Opener that (re)opens this virtual adapter.
func (v *Virtual) Opener() Opener {
	return func(cfg Config) (Transport, error) {
		v.mu.Lock()
		defer v.mu.Unlock()
		if v.failErr != nil {
			return nil, v.failErr
		}
		v.closed = false
		v.pending = nil
		v.partial = nil
		return v, nil
	}
}

// SetResponder installs r, nil restores the built-in behaviour.
func (v *Virtual) SetResponder(r Responder) {
	v.mu.Lock()
	v.responder = r
	v.mu.Unlock()
}

// Fail makes every following read, write and open return err.
func (v *Virtual) Fail(err error) {
	v.mu.Lock()
	v.failErr = err
	v.mu.Unlock()
	v.wake()
}

// Inject queues raw bytes as if the adapter had sent them.
func (v *Virtual) Inject(data string) {
	v.push(data, 0)
}

// Commands returns every CR-terminated command written so far.
func (v *Virtual) Commands() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]string, len(v.commands))
	copy(out, v.commands)
	return out
}

// IsOpen reports whether the simulated CAN channel is open.
func (v *Virtual) IsOpen() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.open
}

// Loopback reports whether loopback was enabled on the simulated channel.
func (v *Virtual) Loopback() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.loopback
}

// Bitrate returns the last accepted bitrate command, e.g. "S6".
func (v *Virtual) Bitrate() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.bitrate
}

func (v *Virtual) Write(p []byte) error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return ErrClosed
	}
	if v.failErr != nil {
		v.mu.Unlock()
		return v.failErr
	}
	var cmds []string
	for _, b := range p {
		if b == '\r' {
			cmds = append(cmds, string(v.partial))
			v.partial = v.partial[:0]
			continue
		}
		v.partial = append(v.partial, b)
	}
	v.commands = append(v.commands, cmds...)
	responder := v.responder
	v.mu.Unlock()

	for _, cmd := range cmds {
		if responder != nil {
			if r, ok := responder(cmd); ok {
				v.push(r.Data, r.Delay)
				continue
			}
		}
		v.mu.Lock()
		reply, echo := v.handle(cmd)
		delay := v.ReplyDelay
		v.mu.Unlock()
		v.push(reply, delay)
		if echo != "" {
			v.push(echo, delay)
		}
	}
	return nil
}

// handle implements the built-in command set, v.mu must be held.
func (v *Virtual) handle(cmd string) (reply, echo string) {
	if cmd == "" {
		return cr, ""
	}
	switch cmd[0] {
	case 'O':
		if v.open {
			return bell, ""
		}
		v.open = true
		return cr, ""
	case 'C':
		if !v.open {
			return bell, ""
		}
		v.open = false
		return cr, ""
	case 'L':
		if v.open {
			return bell, ""
		}
		v.loopback = true
		return cr, ""
	case 'S':
		if v.open || len(cmd) != 2 || cmd[1] < '0' || cmd[1] > '8' {
			return bell, ""
		}
		v.bitrate = cmd
		return cr, ""
	case 'V':
		return v.Version + cr, ""
	case 'N':
		return v.Serial + cr, ""
	case 'F':
		if !v.open {
			return bell, ""
		}
		return "F00" + cr, ""
	case 't', 'T':
		if !v.open || !wellFormedTransmit(cmd) {
			return bell, ""
		}
		if v.loopback {
			echo = cmd + cr
		}
		if cmd[0] == 'T' {
			return "Z" + cr, echo
		}
		return "z" + cr, echo
	}
	return bell, ""
}

// wellFormedTransmit checks the standard t/T grammar: identifier, one DLC
// digit and exactly DLC byte pairs of upper or lower case hex.
func wellFormedTransmit(cmd string) bool {
	idLen := 3
	if cmd[0] == 'T' {
		idLen = 8
	}
	if len(cmd) < 1+idLen+1 {
		return false
	}
	dlc := cmd[1+idLen]
	if dlc < '0' || dlc > '8' {
		return false
	}
	body := cmd[1:1+idLen] + cmd[2+idLen:]
	if len(cmd[2+idLen:]) != int(dlc-'0')*2 {
		return false
	}
	return strings.Trim(body, "0123456789abcdefABCDEF") == ""
}

func (v *Virtual) push(data string, delay time.Duration) {
	if data == "" {
		return
	}
	v.mu.Lock()
	v.pending = append(v.pending, chunk{at: time.Now().Add(delay), data: []byte(data)})
	sort.SliceStable(v.pending, func(i, j int) bool { return v.pending[i].at.Before(v.pending[j].at) })
	v.mu.Unlock()
	v.wake()
}

func (v *Virtual) wake() {
	select {
	case v.notify <- struct{}{}:
	default:
	}
}

func (v *Virtual) ReadAvailable(maxWait time.Duration) ([]byte, error) {
	deadline := time.Now().Add(maxWait)
	for {
		v.mu.Lock()
		if v.closed {
			v.mu.Unlock()
			return nil, ErrClosed
		}
		if v.failErr != nil {
			err := v.failErr
			v.mu.Unlock()
			return nil, err
		}
		now := time.Now()
		var out []byte
		var next time.Time
		keep := v.pending[:0]
		for _, c := range v.pending {
			if !c.at.After(now) {
				out = append(out, c.data...)
				continue
			}
			if next.IsZero() {
				next = c.at
			}
			keep = append(keep, c)
		}
		v.pending = keep
		v.mu.Unlock()

		if len(out) > 0 {
			return out, nil
		}
		if !now.Before(deadline) {
			return []byte{}, nil
		}
		wait := deadline.Sub(now)
		if !next.IsZero() && next.Sub(now) < wait {
			wait = next.Sub(now)
		}
		t := time.NewTimer(wait)
		select {
		case <-v.notify:
		case <-t.C:
		}
		t.Stop()
	}
}

// ResetInput drops everything that has already arrived. Replies still in
// flight are kept, like bytes not yet received by a real UART.
func (v *Virtual) ResetInput() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return ErrClosed
	}
	now := time.Now()
	keep := v.pending[:0]
	for _, c := range v.pending {
		if c.at.After(now) {
			keep = append(keep, c)
		}
	}
	v.pending = keep
	return nil
}

func (v *Virtual) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return errors.New("virtual adapter already closed")
	}
	v.closed = true
	v.open = false
	v.loopback = false
	v.wake()
	return nil
}
