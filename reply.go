package slcan

import (
	"strconv"
	"strings"
)

const (
	CR   = 0x0D
	LF   = 0x0A
	BELL = 0x07
)

// Response is the raw text accumulated for one command, up to and
// including the terminator. Empty means nothing arrived before the deadline.
type Response string

// HasTerminator reports whether the reply was ended by CR or LF.
func (r Response) HasTerminator() bool {
	return strings.ContainsAny(string(r), "\r\n")
}

// Text returns the reply without terminators and surrounding blanks.
func (r Response) Text() string {
	return strings.Trim(string(r), "\r\n\t ")
}

func (r Response) String() string {
	return strconv.Quote(string(r))
}

// Reply is the interpreted outcome of a command exchange.
type Reply int

const (
	ReplyTimeout    Reply = iota // nothing before the deadline
	ReplyTerminator              // bare CR/LF, generic success on most adapters
	ReplyAck                     // z (standard) or Z (extended) transmit ack
	ReplyError                   // BELL, command refused or unsupported
	ReplyText                    // anything else, e.g. a version string
)

func (r Reply) String() string {
	switch r {
	case ReplyTimeout:
		return "timeout"
	case ReplyTerminator:
		return "terminator"
	case ReplyAck:
		return "ack"
	case ReplyError:
		return "error-byte"
	case ReplyText:
		return "text"
	default:
		return "unknown"
	}
}

func (r Reply) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// Classify interprets a raw response.
func Classify(r Response) Reply {
	switch text := r.Text(); {
	case r == "":
		return ReplyTimeout
	case strings.IndexByte(string(r), BELL) >= 0:
		return ReplyError
	case text == "":
		return ReplyTerminator
	case text == "z" || text == "Z":
		return ReplyAck
	default:
		return ReplyText
	}
}

// OpenSucceeded is the success rule for O during connect and reopen.
// Adapters disagree on the exact success text, so an empty reply, a bare
// terminator and any reply containing a terminator all count.
func OpenSucceeded(r Response) bool {
	return r == "" || r.HasTerminator()
}

// transmitOutcome decides what a reply to a transmit command means.
// primary is true for the standard encoding, where a missing ack is
// accepted; alternates must be answered.
func transmitOutcome(reply Reply, primary bool) (sent, tryNext bool) {
	switch reply {
	case ReplyAck, ReplyTerminator:
		return true, false
	case ReplyTimeout:
		return primary, !primary
	case ReplyError:
		return false, true
	default:
		return false, !primary
	}
}
