package slcan

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Attempt records one encoding tried for a frame and what came back.
type Attempt struct {
	Encoding Encoding `json:"encoding"`
	Command  string   `json:"command"`
	Response Response `json:"response"`
	Reply    Reply    `json:"reply"`
}

func (a Attempt) String() string {
	return fmt.Sprintf("%s %q -> %s %s", a.Encoding, a.Command, a.Reply, a.Response)
}

// SendResult describes a frame the adapter accepted.
type SendResult struct {
	Frame    *CANFrame `json:"-"`
	Encoding Encoding  `json:"encoding"`
	Attempts []Attempt `json:"attempts"`
}

func (r *SendResult) String() string {
	return fmt.Sprintf("sent %s using %s encoding after %d attempt(s)", r.Frame.idString(), r.Encoding, len(r.Attempts))
}

// Negotiator transmits frames, falling back to alternate encodings when the
// adapter refuses the standard one with the error byte.
type Negotiator struct {
	cc      *CommandChannel
	timeout time.Duration
	log     logrus.FieldLogger
}

func NewNegotiator(cc *CommandChannel, timeout time.Duration, log logrus.FieldLogger) *Negotiator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Negotiator{
		cc:      cc,
		timeout: timeout,
		log:     log,
	}
}

// Send tries EncodingStandard and then each of FallbackEncodings in order.
// Invalid frames are rejected with ErrConfiguration before anything is
// written; exhausting every encoding returns a *SendError.
func (n *Negotiator) Send(f *CANFrame) (*SendResult, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	encodings := append([]Encoding{EncodingStandard}, FallbackEncodings...)
	attempts := make([]Attempt, 0, len(encodings))
	for i, enc := range encodings {
		cmd, err := EncodeWith(enc, f)
		if err != nil {
			return nil, err
		}
		resp, err := n.cc.Send(cmd, n.timeout)
		if err != nil {
			return nil, fmt.Errorf("failed to transmit %s: %w", f.idString(), err)
		}
		a := Attempt{Encoding: enc, Command: cmd, Response: resp, Reply: Classify(resp)}
		attempts = append(attempts, a)

		sent, tryNext := transmitOutcome(a.Reply, i == 0)
		n.log.WithFields(logrus.Fields{
			"encoding": enc.String(),
			"cmd":      cmd,
			"reply":    a.Reply.String(),
		}).Debug("transmit attempt")
		if sent {
			return &SendResult{Frame: f, Encoding: enc, Attempts: attempts}, nil
		}
		if !tryNext {
			break
		}
		if i == 0 {
			n.log.WithField("id", f.idString()).Info("adapter refused standard encoding, trying alternates")
		}
	}
	return nil, &SendError{Frame: f, Attempts: attempts}
}
