package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"
)

const readBufferSize = 256

// Serial is a Transport backed by an OS serial port.
type Serial struct {
	port    serial.Port
	name    string
	timeout time.Duration
	buf     []byte

	closeOnce sync.Once
	closeErr  error
}

// OpenSerial opens the named port 8N1 at the configured baud rate.
func OpenSerial(cfg Config) (Transport, error) {
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(cfg.Port, mode)
	if err != nil {
		var portErr *serial.PortError
		if errors.As(err, &portErr) {
			return nil, fmt.Errorf("%w: failed to open com port %q: %s", ErrPortUnavailable, cfg.Port, portErr.EncodedErrorString())
		}
		return nil, fmt.Errorf("%w: failed to open com port %q: %v", ErrPortUnavailable, cfg.Port, err)
	}
	s := &Serial{
		port: p,
		name: cfg.Port,
		buf:  make([]byte, readBufferSize),
	}
	timeout := cfg.ReadTimeout
	if timeout <= 0 {
		timeout = 5 * time.Millisecond
	}
	if err := s.setTimeout(timeout); err != nil {
		p.Close()
		return nil, err
	}
	p.ResetOutputBuffer()
	p.ResetInputBuffer()
	return s, nil
}

func (s *Serial) setTimeout(d time.Duration) error {
	if d == s.timeout {
		return nil
	}
	if err := s.port.SetReadTimeout(d); err != nil {
		return fmt.Errorf("failed to set read timeout on %q: %w", s.name, err)
	}
	s.timeout = d
	return nil
}

func (s *Serial) Write(p []byte) error {
	for len(p) > 0 {
		n, err := s.port.Write(p)
		if err != nil {
			return fmt.Errorf("failed to write to com port: %w", err)
		}
		p = p[n:]
	}
	return nil
}

func (s *Serial) ReadAvailable(maxWait time.Duration) ([]byte, error) {
	if maxWait <= 0 {
		maxWait = time.Millisecond
	}
	if err := s.setTimeout(maxWait); err != nil {
		return nil, err
	}
	n, err := s.port.Read(s.buf)
	if err != nil {
		return nil, readError(err)
	}
	out := make([]byte, n)
	copy(out, s.buf[:n])
	return out, nil
}

// readError maps a read on a closed port to ErrClosed.
func readError(err error) error {
	var portErr *serial.PortError
	if errors.As(err, &portErr) && portErr.Code() == serial.PortClosed {
		return fmt.Errorf("%w: %s", ErrClosed, portErr.EncodedErrorString())
	}
	return err
}

func (s *Serial) ResetInput() error {
	return s.port.ResetInputBuffer()
}

func (s *Serial) Close() error {
	s.closeOnce.Do(func() {
		if err := s.port.Close(); err != nil {
			s.closeErr = fmt.Errorf("failed to close com port: %w", err)
		}
	})
	return s.closeErr
}
