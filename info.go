package slcan

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/albenik/bcd"
)

// Version is the decoded reply to V. Lawicel style adapters answer
// V<hh><ss> where both pairs are BCD, e.g. V1011 is hardware 1.0 and
// software 1.1.
type Version struct {
	Hardware uint16 `json:"hardware"`
	Software uint16 `json:"software"`
}

func (v Version) String() string {
	return fmt.Sprintf("hw %d.%d sw %d.%d", v.Hardware/10, v.Hardware%10, v.Software/10, v.Software%10)
}

func ParseVersion(r Response) (Version, error) {
	text := r.Text()
	if len(text) != 5 || text[0] != 'V' || strings.Trim(text[1:], "0123456789") != "" {
		return Version{}, fmt.Errorf("unrecognized version reply %s", r)
	}
	b, err := hex.DecodeString(text[1:])
	if err != nil {
		return Version{}, fmt.Errorf("unrecognized version reply %s: %w", r, err)
	}
	return Version{
		Hardware: bcd.ToUint16(b[:1]),
		Software: bcd.ToUint16(b[1:]),
	}, nil
}

// DeviceInfo holds the replies to V and N.
type DeviceInfo struct {
	VersionReply Response `json:"version_reply"`
	SerialReply  Response `json:"serial_reply"`
	Version      *Version `json:"version,omitempty"`
	SerialNumber string   `json:"serial_number,omitempty"`
}

func (d *DeviceInfo) String() string {
	version := "unknown version " + d.VersionReply.String()
	if d.Version != nil {
		version = d.Version.String()
	}
	serial := d.SerialNumber
	if serial == "" {
		serial = "unknown serial " + d.SerialReply.String()
	}
	return version + ", serial " + serial
}

func parseDeviceInfo(version, serial Response) *DeviceInfo {
	info := &DeviceInfo{VersionReply: version, SerialReply: serial}
	if v, err := ParseVersion(version); err == nil {
		info.Version = &v
	}
	if text := serial.Text(); len(text) > 1 && text[0] == 'N' && Classify(serial) == ReplyText {
		info.SerialNumber = text[1:]
	}
	return info
}

/*
Bit 0 CAN receive FIFO queue full
Bit 1 CAN transmit FIFO queue full
Bit 2 Error warning (EI), see SJA1000 datasheet
Bit 3 Data Overrun (DOI), see SJA1000 datasheet
Bit 4 Not used.
Bit 5 Error Passive (EPI), see SJA1000 datasheet
Bit 6 Arbitration Lost (ALI), see SJA1000 datasheet
Bit 7 Bus Error (BEI), see SJA1000 datasheet
*/
type StatusFlags uint8

const (
	StatusRxFIFOFull StatusFlags = 1 << iota
	StatusTxFIFOFull
	StatusErrorWarning
	StatusDataOverrun
	_
	StatusErrorPassive
	StatusArbitrationLost
	StatusBusError
)

var statusNames = []struct {
	flag StatusFlags
	name string
}{
	{StatusRxFIFOFull, "CAN receive FIFO queue full"},
	{StatusTxFIFOFull, "CAN transmit FIFO queue full"},
	{StatusErrorWarning, "error warning (EI)"},
	{StatusDataOverrun, "data overrun (DOI)"},
	{StatusErrorPassive, "error passive (EPI)"},
	{StatusArbitrationLost, "arbitration lost (ALI)"},
	{StatusBusError, "bus error (BEI)"},
}

func (s StatusFlags) String() string {
	if s == 0 {
		return "ok"
	}
	var out []string
	for _, n := range statusNames {
		if s&n.flag != 0 {
			out = append(out, n.name)
		}
	}
	return strings.Join(out, ", ")
}

// ParseStatus decodes the F<hex byte> reply to F.
func ParseStatus(r Response) (StatusFlags, error) {
	switch Classify(r) {
	case ReplyTimeout:
		return 0, fmt.Errorf("status query: %w", ErrTimeout)
	case ReplyError:
		return 0, fmt.Errorf("status query: %w", ErrProtocol)
	}
	text := r.Text()
	if len(text) != 3 || text[0] != 'F' {
		return 0, fmt.Errorf("unrecognized status reply %s", r)
	}
	v, err := strconv.ParseUint(text[1:], 16, 8)
	if err != nil {
		return 0, fmt.Errorf("unrecognized status reply %s: %w", r, err)
	}
	return StatusFlags(v), nil
}
