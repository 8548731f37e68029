package slcan

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
)

const (
	MaxStandardID = 0x7FF
	MaxExtendedID = 0x1FFFFFFF
	MaxDataLength = 8
)

type CANFrame struct {
	Identifier uint32
	Extended   bool
	RTR        bool // representable but never put on the wire
	Data       []byte
	Timestamp  time.Time // set by the receiver, zero on outgoing frames
}

// NewFrame creates a new standard CANFrame and copies the data slice
func NewFrame(identifier uint32, data []byte) *CANFrame {
	d := make([]byte, len(data))
	copy(d, data)
	return &CANFrame{
		Identifier: identifier,
		Data:       d,
	}
}

// NewExtendedFrame creates a new 29-bit CANFrame and copies the data slice
func NewExtendedFrame(identifier uint32, data []byte) *CANFrame {
	frame := NewFrame(identifier, data)
	frame.Extended = true
	return frame
}

// Returns the length of the data (DLC)
func (f *CANFrame) DLC() int {
	return len(f.Data)
}

// Validate checks the identifier against the frame type's bit width and the
// data length against the classical CAN limit.
func (f *CANFrame) Validate() error {
	if len(f.Data) > MaxDataLength {
		return fmt.Errorf("%w: data length %d exceeds %d", ErrConfiguration, len(f.Data), MaxDataLength)
	}
	if f.Extended {
		if f.Identifier > MaxExtendedID {
			return fmt.Errorf("%w: extended identifier 0x%X exceeds 0x%X", ErrConfiguration, f.Identifier, MaxExtendedID)
		}
		return nil
	}
	if f.Identifier > MaxStandardID {
		return fmt.Errorf("%w: standard identifier 0x%X exceeds 0x%X", ErrConfiguration, f.Identifier, MaxStandardID)
	}
	return nil
}

// Equal reports whether two frames carry the same identifier, type and
// payload. Timestamps are ignored.
func (f *CANFrame) Equal(o *CANFrame) bool {
	if f == nil || o == nil {
		return f == o
	}
	return f.Identifier == o.Identifier &&
		f.Extended == o.Extended &&
		f.RTR == o.RTR &&
		bytes.Equal(f.Data, o.Data)
}

var (
	yellow = color.New(color.FgHiBlue).SprintfFunc()
	red    = color.New(color.FgRed).SprintfFunc()
	green  = color.New(color.FgGreen).SprintfFunc()
)

func (f *CANFrame) idString() string {
	if f.Extended {
		return fmt.Sprintf("0x%08X", f.Identifier)
	}
	return fmt.Sprintf("0x%03X", f.Identifier)
}

func (f *CANFrame) hexView() string {
	var hexView strings.Builder
	for i, b := range f.Data {
		hexView.WriteString(fmt.Sprintf("%02X", b))
		if i != len(f.Data)-1 {
			hexView.WriteString(" ")
		}
	}
	return hexView.String()
}

func (f *CANFrame) String() string {
	var out strings.Builder
	out.WriteString(f.idString() + " || ")
	out.WriteString(strconv.Itoa(len(f.Data)) + " || ")
	out.WriteString(fmt.Sprintf("%-23s", f.hexView()))
	out.WriteString(" || ")
	out.WriteString(onlyPrintable(f.Data))
	return out.String()
}

// ColorString is String with the identifier, payload and printable view
// highlighted, prefixed with the receive time when one is set.
func (f *CANFrame) ColorString() string {
	var out strings.Builder
	if !f.Timestamp.IsZero() {
		out.WriteString(f.Timestamp.Format("15:04:05.000") + " || ")
	}
	out.WriteString(green("%s", f.idString()) + " || ")
	out.WriteString(strconv.Itoa(len(f.Data)) + " || ")
	out.WriteString(red("%-23s", f.hexView()))
	out.WriteString(" || ")
	out.WriteString(yellow("%s", onlyPrintable(f.Data)))
	return out.String()
}

func onlyPrintable(data []byte) string {
	var out strings.Builder
	for _, b := range data {
		if b < 32 || b > 126 {
			out.WriteString("·")
		} else {
			out.WriteByte(b)
		}
	}
	return out.String()
}
