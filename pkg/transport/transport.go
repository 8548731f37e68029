// Package transport provides the raw byte streams an SLCAN adapter is
// reached through. A Transport knows nothing about the protocol: it writes
// bytes, hands back whatever arrived within a bounded wait, and closes.
package transport

import (
	"errors"
	"time"
)

// Transport is an exclusively owned byte stream to an adapter. It is not
// safe for concurrent readers; serializing access is the caller's job.
type Transport interface {
	// Write sends all of p or returns an error.
	Write(p []byte) error
	// ReadAvailable returns the bytes that arrived within maxWait. It never
	// blocks past maxWait and returns an empty slice when nothing arrived.
	ReadAvailable(maxWait time.Duration) ([]byte, error)
	// ResetInput discards anything buffered but not yet read.
	ResetInput() error
	Close() error
}

// Config describes how to open a serial port.
type Config struct {
	Port        string
	BaudRate    int
	ReadTimeout time.Duration
}

// Opener opens a Transport for the given configuration.
type Opener func(cfg Config) (Transport, error)

var (
	ErrPortUnavailable = errors.New("port unavailable")
	ErrClosed          = errors.New("transport closed")
)
