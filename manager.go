package slcan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roffe/slcan/pkg/transport"
	"github.com/sirupsen/logrus"
)

// Manager owns one adapter connection: the transport, the connection state
// and the background listener. Every operation that talks to the adapter
// is serialized, and the listener is stopped for the whole of any command
// exchange so it never reads a reply meant for a command.
type Manager struct {
	cfg    Config
	log    logrus.FieldLogger
	events *eventSink
	stats  counters

	state    atomic.Int32
	loopback atomic.Bool
	bitrate  atomic.Int64

	mu       sync.Mutex
	port     SerialConfig
	t        transport.Transport
	guard    *ioGuard
	cc       *CommandChannel
	neg      *Negotiator
	listener *Listener
	sink     FrameSink
}

func New(cfg Config) *Manager {
	cfg.setDefaults()
	return &Manager{
		cfg:    cfg,
		log:    cfg.Logger,
		events: newEventSink(cfg.EventBuffer, cfg.Logger),
	}
}

func (m *Manager) State() ConnectionState {
	return ConnectionState(m.state.Load())
}

// Loopback reports whether the current connection was set up in loopback
// mode.
func (m *Manager) Loopback() bool {
	return m.loopback.Load()
}

func (m *Manager) Bitrate() Bitrate {
	return Bitrate(m.bitrate.Load())
}

// Events returns the channel adapter events are published on.
func (m *Manager) Events() <-chan Event {
	return m.events.ch
}

func (m *Manager) Stats() Stats {
	return m.stats.snapshot()
}

func (m *Manager) setState(s ConnectionState) {
	old := ConnectionState(m.state.Swap(int32(s)))
	if old != s {
		m.log.WithFields(logrus.Fields{"from": old.String(), "to": s.String()}).Debug("state change")
	}
}

// Connect opens the port and brings the CAN channel up: close, optional
// loopback, bitrate, open. Only the reply to open decides success; a
// refused loopback or bitrate command is logged as a warning. On failure
// the transport is closed and the Manager is Disconnected again.
func (m *Manager) Connect(ctx context.Context, port SerialConfig, bitrate Bitrate, loopback bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.State() != Disconnected {
		return ErrAlreadyConnected
	}
	if err := port.Validate(); err != nil {
		return err
	}
	if _, err := bitrate.Command(); err != nil {
		return err
	}

	m.setState(Connecting)
	log := m.log.WithFields(logrus.Fields{"port": port.Port, "baudrate": port.BaudRate})

	t, err := m.cfg.Opener(port.transport())
	if err != nil {
		m.setState(Disconnected)
		if !errors.Is(err, ErrPortUnavailable) {
			err = fmt.Errorf("%w: %v", ErrPortUnavailable, err)
		}
		log.WithError(err).Error("failed to open port")
		return err
	}
	m.t = t
	m.guard = &ioGuard{}
	m.cc = newCommandChannel(t, m.guard, m.log)
	m.neg = NewNegotiator(m.cc, m.cfg.CommandTimeout, m.log)

	err = sleepContext(ctx, m.cfg.StartupDelay)
	if err == nil {
		err = m.configure(ctx, bitrate, loopback)
	}
	if err != nil {
		m.closeTransport()
		m.setState(Disconnected)
		log.WithError(err).Error("connect failed")
		return fmt.Errorf("connect %s: %w", port.Port, err)
	}

	m.port = port
	m.bitrate.Store(int64(bitrate))
	m.loopback.Store(loopback)
	m.setState(Connected)
	log.WithFields(logrus.Fields{"bitrate": bitrate.String(), "loopback": loopback}).Info("connected")
	m.events.Info(fmt.Sprintf("connected to %s at %s", port.Port, bitrate))
	return nil
}

// configure runs the close, loopback, bitrate, open sequence. The caller
// holds m.mu and the listener is not running.
func (m *Manager) configure(ctx context.Context, bitrate Bitrate, loopback bool) error {
	bitrateCmd, err := bitrate.Command()
	if err != nil {
		return err
	}

	// the channel may already be closed, the reply is irrelevant
	if _, err := m.command(ctx, "C"); err != nil {
		return err
	}

	if loopback {
		r, err := m.command(ctx, "L")
		if err != nil {
			return err
		}
		if Classify(r) == ReplyError {
			m.warn("adapter may not support loopback mode (replied with error byte)")
		}
	}

	r, err := m.command(ctx, bitrateCmd)
	if err != nil {
		return err
	}
	if Classify(r) == ReplyError {
		m.warn(fmt.Sprintf("adapter refused %s (%s), continuing", bitrateCmd, bitrate))
	}

	r, err = m.cc.Send("O", m.cfg.CommandTimeout)
	if err != nil {
		return err
	}
	if !OpenSucceeded(r) {
		return fmt.Errorf("%w: unexpected reply to open: %s", ErrProtocol, r)
	}
	if Classify(r) == ReplyError {
		m.warn("open answered with error byte and terminator, treating as success")
	}
	return nil
}

// command sends one setup command and then waits CommandDelay.
func (m *Manager) command(ctx context.Context, cmd string) (Response, error) {
	r, err := m.cc.Send(cmd, m.cfg.CommandTimeout)
	if err != nil {
		return r, err
	}
	return r, sleepContext(ctx, m.cfg.CommandDelay)
}

func (m *Manager) warn(msg string) {
	m.log.Warn(msg)
	m.events.Warn(msg)
}

// Disconnect stops the listener, closes the CAN channel and the port. It
// always ends Disconnected; problems on the way down are only logged.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.State() == Disconnected {
		return
	}
	m.setState(Disconnecting)

	m.stopListener()
	m.sink = nil

	if m.cc != nil {
		r, err := m.cc.Send("C", m.cfg.CommandTimeout)
		switch {
		case err != nil:
			m.log.WithError(err).Error("failed to close CAN channel")
		case Classify(r) == ReplyTimeout:
			m.log.Warn("no reply to close, tearing down anyway")
		}
	}
	m.closeTransport()

	m.loopback.Store(false)
	m.setState(Disconnected)
	m.log.WithField("port", m.port.Port).Info("disconnected")
	m.events.Info("disconnected from " + m.port.Port)
	m.port = SerialConfig{}
}

// Close implements io.Closer, it never fails.
func (m *Manager) Close() error {
	m.Disconnect()
	return nil
}

func (m *Manager) closeTransport() {
	if m.t != nil {
		if err := m.t.Close(); err != nil {
			m.log.WithError(err).Error("failed to close transport")
		}
	}
	m.t, m.guard, m.cc, m.neg = nil, nil, nil, nil
}

// SetBitrate reconfigures a connected adapter without a full reconnect:
// close, optional loopback, new bitrate, reopen. The listener is paused
// for the duration and resumed afterwards.
func (m *Manager) SetBitrate(ctx context.Context, bitrate Bitrate, loopback bool) error {
	if _, err := bitrate.Command(); err != nil {
		return err
	}
	return m.exchange(func() error {
		if err := m.configure(ctx, bitrate, loopback); err != nil {
			m.log.WithError(err).WithField("bitrate", bitrate.String()).Error("set bitrate failed")
			return fmt.Errorf("set bitrate %s: %w", bitrate, err)
		}
		m.bitrate.Store(int64(bitrate))
		m.loopback.Store(loopback)
		m.log.WithFields(logrus.Fields{"bitrate": bitrate.String(), "loopback": loopback}).Info("bitrate changed")
		return nil
	})
}

// Listen starts delivering inbound frames to sink until StopListening or
// Disconnect. Frames are timestamped on receipt.
func (m *Manager) Listen(sink FrameSink) error {
	if sink == nil {
		return fmt.Errorf("%w: nil frame sink", ErrConfiguration)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.State() != Connected {
		return ErrNotConnected
	}
	if m.listener != nil && m.listener.Running() {
		return ErrAlreadyListening
	}
	m.stopListener()
	if err := m.startListener(sink); err != nil {
		return err
	}
	m.sink = sink
	return nil
}

// StopListening stops the listener and waits for it to exit.
func (m *Manager) StopListening() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopListener()
	m.sink = nil
}

// Listening reports whether the listener goroutine is running.
func (m *Manager) Listening() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listener != nil && m.listener.Running()
}

func (m *Manager) startListener(sink FrameSink) error {
	onError := func(err error) {
		if IsRecoverable(err) {
			m.log.WithError(err).Warn("listener stopped, transport closed")
			return
		}
		m.log.WithError(err).Error("listener stopped")
		m.events.Error(err)
	}
	l, err := startListener(m.t, m.guard, m.cfg.PollInterval, m.frameHandler(sink), onError)
	if err != nil {
		return err
	}
	m.listener = l
	return nil
}

func (m *Manager) stopListener() {
	if m.listener == nil {
		return
	}
	if err := m.listener.Stop(); err != nil {
		m.log.WithError(err).Debug("listener had exited with error")
	}
	m.listener = nil
}

// frameHandler decodes listener lines for sink. Anything that is not a
// frame is counted as malformed and dropped.
func (m *Manager) frameHandler(sink FrameSink) lineHandler {
	return func(line string) bool {
		f, err := Decode(line)
		if err != nil {
			m.stats.malformed.Add(1)
			m.log.WithField("line", fmt.Sprintf("%q", line)).Debug("dropped unparseable line")
			return false
		}
		m.deliver(sink, f)
		return true
	}
}

// replyFilter passes frames that arrive during a command exchange to sink
// and leaves everything else to be taken as the reply.
func (m *Manager) replyFilter(sink FrameSink) lineHandler {
	return func(line string) bool {
		f, err := Decode(line)
		if err != nil {
			return false
		}
		m.deliver(sink, f)
		return true
	}
}

func (m *Manager) deliver(sink FrameSink, f *CANFrame) {
	f.Timestamp = time.Now()
	m.stats.received.Add(1)
	sink(f)
}

// exchange runs fn with exclusive use of the command channel. A running
// listener is stopped first and restarted with the same sink afterwards;
// frames seen in the meantime still reach the sink.
func (m *Manager) exchange(fn func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.State() != Connected {
		return ErrNotConnected
	}

	sink := m.sink
	m.stopListener()
	if sink != nil {
		m.cc.frames = m.replyFilter(sink)
	}
	defer func() {
		m.cc.frames = nil
		if sink == nil {
			return
		}
		if err := m.startListener(sink); err != nil {
			m.log.WithError(err).Error("failed to resume listener")
			m.events.Error(err)
			m.sink = nil
		}
	}()
	return fn()
}

// SendFrame transmits f, negotiating alternate encodings if the adapter
// refuses the standard one. Invalid frames fail with ErrConfiguration
// before anything is written.
func (m *Manager) SendFrame(f *CANFrame) (*SendResult, error) {
	if f == nil {
		return nil, fmt.Errorf("%w: nil frame", ErrConfiguration)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	var res *SendResult
	err := m.exchange(func() error {
		var err error
		res, err = m.neg.Send(f)
		return err
	})
	if err != nil {
		var sendErr *SendError
		if errors.As(err, &sendErr) {
			m.stats.sendFailed.Add(1)
			m.events.Warn(sendErr.Error())
		}
		return nil, err
	}
	m.stats.sent.Add(1)
	if res.Encoding != EncodingStandard {
		m.stats.fallbacks.Add(1)
	}
	return res, nil
}

// SendCommand sends a raw command, e.g. "V", and returns the reply as is.
func (m *Manager) SendCommand(cmd string) (Response, error) {
	var r Response
	err := m.exchange(func() error {
		var err error
		r, err = m.cc.Send(cmd, m.cfg.CommandTimeout)
		return err
	})
	return r, err
}

// DeviceInfo queries the firmware version and serial number.
func (m *Manager) DeviceInfo() (*DeviceInfo, error) {
	var info *DeviceInfo
	err := m.exchange(func() error {
		version, err := m.cc.Send("V", m.cfg.CommandTimeout)
		if err != nil {
			return err
		}
		serial, err := m.cc.Send("N", m.cfg.CommandTimeout)
		if err != nil {
			return err
		}
		info = parseDeviceInfo(version, serial)
		return nil
	})
	return info, err
}

// Status reads the adapter's status flags.
func (m *Manager) Status() (StatusFlags, error) {
	var flags StatusFlags
	err := m.exchange(func() error {
		r, err := m.cc.Send("F", m.cfg.CommandTimeout)
		if err != nil {
			return err
		}
		flags, err = ParseStatus(r)
		return err
	})
	return flags, err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
