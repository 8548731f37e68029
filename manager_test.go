package slcan

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/roffe/slcan/pkg/transport"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPort = SerialConfig{Port: "virtual", BaudRate: DefaultBaudRate}

func newTestManager(t *testing.T) (*transport.Virtual, *Manager, *test.Hook) {
	t.Helper()
	v := transport.NewVirtual()
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	m := New(Config{
		CommandTimeout: 200 * time.Millisecond,
		CommandDelay:   -1,
		Opener:         v.Opener(),
		Logger:         log,
	})
	t.Cleanup(m.Disconnect)
	return v, m, hook
}

type frameCollector struct {
	mu     sync.Mutex
	frames []*CANFrame
}

func (c *frameCollector) sink(f *CANFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
}

func (c *frameCollector) get() []*CANFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*CANFrame(nil), c.frames...)
}

func warnings(hook *test.Hook) []string {
	var out []string
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel {
			out = append(out, e.Message)
		}
	}
	return out
}

func TestConnect(t *testing.T) {
	v, m, hook := newTestManager(t)
	assert.Equal(t, Disconnected, m.State())

	require.NoError(t, m.Connect(context.Background(), testPort, Bitrate500k, false))
	assert.Equal(t, Connected, m.State())
	assert.Equal(t, Bitrate500k, m.Bitrate())
	assert.False(t, m.Loopback())
	assert.Equal(t, []string{"C", "S6", "O"}, v.Commands())
	assert.True(t, v.IsOpen())
	assert.Equal(t, "S6", v.Bitrate())
	assert.Empty(t, warnings(hook))

	err := m.Connect(context.Background(), testPort, Bitrate500k, false)
	assert.ErrorIs(t, err, ErrAlreadyConnected)
}

func TestConnectLoopback(t *testing.T) {
	v, m, _ := newTestManager(t)

	require.NoError(t, m.Connect(context.Background(), testPort, Bitrate125k, true))
	assert.Equal(t, []string{"C", "L", "S4", "O"}, v.Commands())
	assert.True(t, m.Loopback())
	assert.True(t, v.Loopback())
}

func TestConnectLoopbackUnsupported(t *testing.T) {
	v, m, hook := newTestManager(t)
	v.SetResponder(func(cmd string) (transport.Reply, bool) {
		return transport.Reply{Data: "\a"}, cmd == "L"
	})

	require.NoError(t, m.Connect(context.Background(), testPort, Bitrate500k, true))
	assert.Equal(t, Connected, m.State())
	require.Len(t, warnings(hook), 1)
	assert.Contains(t, warnings(hook)[0], "may not support loopback")

	select {
	case e := <-m.Events():
		assert.Equal(t, EventTypeWarning, e.Type)
	default:
		t.Fatal("expected a warning event")
	}
}

func TestConnectPortUnavailable(t *testing.T) {
	v, m, _ := newTestManager(t)
	v.Fail(errors.New("no such file or directory"))

	err := m.Connect(context.Background(), testPort, Bitrate500k, false)
	assert.ErrorIs(t, err, ErrPortUnavailable)
	assert.Equal(t, Disconnected, m.State())
}

func TestConnectOpenRefused(t *testing.T) {
	v, m, _ := newTestManager(t)
	v.SetResponder(func(cmd string) (transport.Reply, bool) {
		return transport.Reply{Data: "\a"}, cmd == "O"
	})

	err := m.Connect(context.Background(), testPort, Bitrate500k, false)
	assert.ErrorIs(t, err, ErrProtocol)
	assert.Equal(t, Disconnected, m.State())
	assert.False(t, v.IsOpen())
}

func TestConnectOpenSilenceIsSuccess(t *testing.T) {
	v, m, _ := newTestManager(t)
	v.SetResponder(func(cmd string) (transport.Reply, bool) {
		return transport.Reply{}, cmd == "O"
	})

	require.NoError(t, m.Connect(context.Background(), testPort, Bitrate500k, false))
	assert.Equal(t, Connected, m.State())
}

func TestConnectBitrateRefusedIsWarning(t *testing.T) {
	v, m, hook := newTestManager(t)
	v.SetResponder(func(cmd string) (transport.Reply, bool) {
		return transport.Reply{Data: "\a"}, cmd == "S8"
	})

	require.NoError(t, m.Connect(context.Background(), testPort, Bitrate1M, false))
	assert.Len(t, warnings(hook), 1)
}

func TestConnectInvalidConfig(t *testing.T) {
	v, m, _ := newTestManager(t)

	err := m.Connect(context.Background(), SerialConfig{Port: "virtual", BaudRate: 1234}, Bitrate500k, false)
	assert.ErrorIs(t, err, ErrConfiguration)
	err = m.Connect(context.Background(), testPort, Bitrate(33000), false)
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.Equal(t, Disconnected, m.State())
	assert.Empty(t, v.Commands())
}

func TestConnectCancelledDuringStartupDelay(t *testing.T) {
	v := transport.NewVirtual()
	log, _ := test.NewNullLogger()
	m := New(Config{StartupDelay: time.Minute, Opener: v.Opener(), Logger: log})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := m.Connect(ctx, testPort, Bitrate500k, false)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, Disconnected, m.State())
	assert.Empty(t, v.Commands())
}

func TestDisconnect(t *testing.T) {
	v, m, _ := newTestManager(t)

	// no-op when nothing is connected
	m.Disconnect()
	assert.Equal(t, Disconnected, m.State())

	require.NoError(t, m.Connect(context.Background(), testPort, Bitrate500k, true))
	c := &frameCollector{}
	require.NoError(t, m.Listen(c.sink))
	require.True(t, m.Listening())

	m.Disconnect()
	assert.Equal(t, Disconnected, m.State())
	assert.False(t, m.Listening())
	assert.False(t, m.Loopback())
	assert.False(t, v.IsOpen())
	cmds := v.Commands()
	assert.Equal(t, "C", cmds[len(cmds)-1])

	// a second connect works on the same Manager
	require.NoError(t, m.Connect(context.Background(), testPort, Bitrate250k, false))
	assert.NoError(t, m.Close())
	assert.Equal(t, Disconnected, m.State())
}

func TestDisconnectWithDeadTransport(t *testing.T) {
	v, m, hook := newTestManager(t)
	require.NoError(t, m.Connect(context.Background(), testPort, Bitrate500k, false))
	require.NoError(t, m.Listen(func(*CANFrame) {}))

	v.Fail(errors.New("device unplugged"))
	m.Disconnect()
	assert.Equal(t, Disconnected, m.State())

	var errs int
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.ErrorLevel {
			errs++
		}
	}
	assert.NotZero(t, errs)
}

func TestListen(t *testing.T) {
	v, m, _ := newTestManager(t)
	c := &frameCollector{}

	assert.ErrorIs(t, m.Listen(c.sink), ErrNotConnected)
	require.NoError(t, m.Connect(context.Background(), testPort, Bitrate500k, false))
	assert.ErrorIs(t, m.Listen(nil), ErrConfiguration)
	require.NoError(t, m.Listen(c.sink))
	assert.ErrorIs(t, m.Listen(c.sink), ErrAlreadyListening)

	before := time.Now()
	v.Inject("t1003010203\rgarbage\rT000001238AABBCCDDEEFF0011\r")
	require.Eventually(t, func() bool { return len(c.get()) == 2 }, time.Second, 5*time.Millisecond)

	frames := c.get()
	assert.True(t, NewFrame(0x100, []byte{1, 2, 3}).Equal(frames[0]))
	assert.True(t, frames[1].Extended)
	assert.False(t, frames[0].Timestamp.Before(before))

	st := m.Stats()
	assert.Equal(t, uint64(2), st.Received)
	assert.Equal(t, uint64(1), st.Malformed)

	m.StopListening()
	assert.False(t, m.Listening())
	require.NoError(t, m.Listen(c.sink))
}

func TestSendFrame(t *testing.T) {
	v, m, _ := newTestManager(t)

	_, err := m.SendFrame(NewFrame(0x100, []byte{1}))
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, m.Connect(context.Background(), testPort, Bitrate500k, false))
	res, err := m.SendFrame(NewFrame(0x100, []byte{1, 2, 3}))
	require.NoError(t, err)
	assert.Equal(t, EncodingStandard, res.Encoding)
	assert.Equal(t, "t1003010203", v.Commands()[len(v.Commands())-1])

	_, err = m.SendFrame(NewFrame(0x800, nil))
	assert.ErrorIs(t, err, ErrConfiguration)
	_, err = m.SendFrame(nil)
	assert.ErrorIs(t, err, ErrConfiguration)

	assert.Equal(t, uint64(1), m.Stats().Sent)
}

func TestSendFrameFallbackAndFailure(t *testing.T) {
	v, m, _ := newTestManager(t)
	require.NoError(t, m.Connect(context.Background(), testPort, Bitrate500k, false))

	v.SetResponder(scripted(map[string]string{
		"t1003010203": "\a",
		"t100010203":  "z\r",
	}))
	res, err := m.SendFrame(NewFrame(0x100, []byte{1, 2, 3}))
	require.NoError(t, err)
	assert.Equal(t, EncodingNoDLC, res.Encoding)

	v.SetResponder(func(cmd string) (transport.Reply, bool) {
		return transport.Reply{Data: "\a"}, cmd[0] == 't'
	})
	_, err = m.SendFrame(NewFrame(0x200, nil))
	assert.ErrorIs(t, err, ErrSendFailed)

	st := m.Stats()
	assert.Equal(t, uint64(1), st.Sent)
	assert.Equal(t, uint64(1), st.Fallbacks)
	assert.Equal(t, uint64(1), st.SendFailed)
}

func TestSendFrameWhileListeningLoopback(t *testing.T) {
	_, m, _ := newTestManager(t)
	require.NoError(t, m.Connect(context.Background(), testPort, Bitrate500k, true))
	c := &frameCollector{}
	require.NoError(t, m.Listen(c.sink))

	for i := 0; i < 5; i++ {
		_, err := m.SendFrame(NewFrame(uint32(0x100+i), []byte{byte(i)}))
		require.NoError(t, err)
	}
	assert.True(t, m.Listening())
	require.Eventually(t, func() bool { return len(c.get()) == 5 }, time.Second, 5*time.Millisecond)
	for i, f := range c.get() {
		assert.Equal(t, uint32(0x100+i), f.Identifier)
	}
}

func TestSetBitrate(t *testing.T) {
	v, m, _ := newTestManager(t)
	assert.ErrorIs(t, m.SetBitrate(context.Background(), Bitrate250k, false), ErrNotConnected)

	require.NoError(t, m.Connect(context.Background(), testPort, Bitrate500k, false))
	require.NoError(t, m.Listen(func(*CANFrame) {}))

	require.NoError(t, m.SetBitrate(context.Background(), Bitrate250k, false))
	assert.Equal(t, Bitrate250k, m.Bitrate())
	assert.Equal(t, "S5", v.Bitrate())
	assert.True(t, m.Listening())
	assert.Equal(t, Connected, m.State())

	assert.ErrorIs(t, m.SetBitrate(context.Background(), Bitrate(1), false), ErrConfiguration)
	assert.Equal(t, Bitrate250k, m.Bitrate())
}

func TestSetBitrateOpenRefused(t *testing.T) {
	v, m, _ := newTestManager(t)
	require.NoError(t, m.Connect(context.Background(), testPort, Bitrate500k, false))

	v.SetResponder(func(cmd string) (transport.Reply, bool) {
		return transport.Reply{Data: "\a"}, cmd == "O"
	})
	err := m.SetBitrate(context.Background(), Bitrate250k, false)
	assert.ErrorIs(t, err, ErrProtocol)
	assert.Equal(t, Connected, m.State())
	assert.Equal(t, Bitrate500k, m.Bitrate())
}

func TestDeviceInfoAndStatus(t *testing.T) {
	v, m, _ := newTestManager(t)
	_, err := m.DeviceInfo()
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, m.Connect(context.Background(), testPort, Bitrate500k, false))
	require.NoError(t, m.Listen(func(*CANFrame) {}))

	info, err := m.DeviceInfo()
	require.NoError(t, err)
	require.NotNil(t, info.Version)
	assert.Equal(t, "A123", info.SerialNumber)

	flags, err := m.Status()
	require.NoError(t, err)
	assert.Equal(t, StatusFlags(0), flags)

	r, err := m.SendCommand("V")
	require.NoError(t, err)
	assert.Equal(t, Response(v.Version+"\r"), r)
	assert.True(t, m.Listening())
}

func TestConcurrentOperations(t *testing.T) {
	_, m, _ := newTestManager(t)
	require.NoError(t, m.Connect(context.Background(), testPort, Bitrate500k, true))
	require.NoError(t, m.Listen(func(*CANFrame) {}))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				_, err := m.SendFrame(NewFrame(uint32(i), []byte{byte(j)}))
				assert.NoError(t, err)
				_, err = m.Status()
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, uint64(20), m.Stats().Sent)
}

func TestSendFrameFallbackPastCRLFFrames(t *testing.T) {
	v, m, _ := newTestManager(t)
	require.NoError(t, m.Connect(context.Background(), testPort, Bitrate500k, false))
	c := &frameCollector{}
	require.NoError(t, m.Listen(c.sink))

	v.SetResponder(scripted(map[string]string{
		"t1003010203": "t2001BB\r\n\a\r\n",
		"t100010203":  "z\r\n",
	}))
	res, err := m.SendFrame(NewFrame(0x100, []byte{1, 2, 3}))
	require.NoError(t, err)
	assert.Equal(t, EncodingNoDLC, res.Encoding)

	frames := c.get()
	require.Len(t, frames, 1)
	assert.True(t, NewFrame(0x200, []byte{0xBB}).Equal(frames[0]))
}

func TestDeviceInfoPastCRLFFrames(t *testing.T) {
	v, m, _ := newTestManager(t)
	require.NoError(t, m.Connect(context.Background(), testPort, Bitrate500k, false))
	c := &frameCollector{}
	require.NoError(t, m.Listen(c.sink))

	v.SetResponder(scripted(map[string]string{
		"V": "t2001AA\r\n" + v.Version + "\r\n",
		"N": "t2001BB\r\n" + v.Serial + "\r\n",
		"F": "t2001CC\r\nF00\r\n",
	}))
	info, err := m.DeviceInfo()
	require.NoError(t, err)
	require.NotNil(t, info.Version)
	assert.Equal(t, "A123", info.SerialNumber)

	flags, err := m.Status()
	require.NoError(t, err)
	assert.Equal(t, StatusFlags(0), flags)
	assert.Len(t, c.get(), 3)
}

func TestListenerResumesSplitFrame(t *testing.T) {
	v, m, _ := newTestManager(t)
	require.NoError(t, m.Connect(context.Background(), testPort, Bitrate500k, false))
	c := &frameCollector{}
	require.NoError(t, m.Listen(c.sink))

	v.SetResponder(scripted(map[string]string{
		"t1003010203": "z\r\nt300",
	}))
	_, err := m.SendFrame(NewFrame(0x100, []byte{1, 2, 3}))
	require.NoError(t, err)

	v.Inject("1EE\r")
	require.Eventually(t, func() bool { return len(c.get()) == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, NewFrame(0x300, []byte{0xEE}).Equal(c.get()[0]))
	assert.Zero(t, m.Stats().Malformed)
}

func waitEvent(t *testing.T, m *Manager, et EventType) (Event, bool) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case e := <-m.Events():
			if e.Type == et {
				return e, true
			}
		case <-deadline:
			return Event{}, false
		}
	}
}

func TestListenerFailureSeverity(t *testing.T) {
	t.Run("read error", func(t *testing.T) {
		v, m, hook := newTestManager(t)
		require.NoError(t, m.Connect(context.Background(), testPort, Bitrate500k, false))
		require.NoError(t, m.Listen(func(*CANFrame) {}))

		v.Fail(errors.New("device unplugged"))
		e, ok := waitEvent(t, m, EventTypeError)
		require.True(t, ok, "expected an error event")
		assert.Contains(t, e.Details, "device unplugged")
		require.Eventually(t, func() bool {
			last := hook.LastEntry()
			return last != nil && last.Level == logrus.ErrorLevel
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("closed transport", func(t *testing.T) {
		_, m, hook := newTestManager(t)
		require.NoError(t, m.Connect(context.Background(), testPort, Bitrate500k, false))
		require.NoError(t, m.Listen(func(*CANFrame) {}))

		require.NoError(t, m.t.Close())
		require.Eventually(t, func() bool {
			for _, w := range warnings(hook) {
				if w == "listener stopped, transport closed" {
					return true
				}
			}
			return false
		}, time.Second, 5*time.Millisecond)
		_, ok := waitEvent(t, m, EventTypeError)
		assert.False(t, ok)
	})
}
