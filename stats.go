package slcan

import (
	"fmt"
	"sync/atomic"
)

type Stats struct {
	Received   uint64 `json:"received"`
	Malformed  uint64 `json:"malformed"`
	Sent       uint64 `json:"sent"`
	SendFailed uint64 `json:"send_failed"`
	Fallbacks  uint64 `json:"fallbacks"`
}

func (st Stats) String() string {
	return fmt.Sprintf("recv: %d malformed: %d sent: %d failed: %d fallbacks: %d", st.Received, st.Malformed, st.Sent, st.SendFailed, st.Fallbacks)
}

type counters struct {
	received   atomic.Uint64
	malformed  atomic.Uint64
	sent       atomic.Uint64
	sendFailed atomic.Uint64
	fallbacks  atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Received:   c.received.Load(),
		Malformed:  c.malformed.Load(),
		Sent:       c.sent.Load(),
		SendFailed: c.sendFailed.Load(),
		Fallbacks:  c.fallbacks.Load(),
	}
}
