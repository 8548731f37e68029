package slcan

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Encoding is a wire rendering of a transmit command. EncodingStandard is
// the SLCAN grammar; the others exist for adapters implementing a
// non-standard subset.
type Encoding int

const (
	EncodingStandard Encoding = iota // t1003010203
	EncodingNoDLC                    // t100010203
	EncodingSpaced                   // t 100 3 01 02 03
)

func (e Encoding) String() string {
	switch e {
	case EncodingStandard:
		return "standard"
	case EncodingNoDLC:
		return "no-dlc"
	case EncodingSpaced:
		return "spaced"
	default:
		return "unknown"
	}
}

func (e Encoding) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// FallbackEncodings is the order alternates are tried after the adapter
// refused the standard encoding. The order matters for adapter
// compatibility.
var FallbackEncodings = []Encoding{EncodingNoDLC, EncodingSpaced}

// Encode renders f as a standard SLCAN transmit command without the
// trailing CR.
func Encode(f *CANFrame) (string, error) {
	return EncodeWith(EncodingStandard, f)
}

// EncodeWith renders f using enc. Invalid frames are rejected before any
// text is produced.
func EncodeWith(enc Encoding, f *CANFrame) (string, error) {
	if f == nil {
		return "", fmt.Errorf("%w: nil frame", ErrConfiguration)
	}
	if err := f.Validate(); err != nil {
		return "", err
	}
	if f.RTR {
		return "", fmt.Errorf("%w: remote frames cannot be transmitted", ErrConfiguration)
	}

	cmd, idDigits := byte('t'), 3
	if f.Extended {
		cmd, idDigits = 'T', 8
	}

	buf := make([]byte, 0, 2+idDigits+3*len(f.Data)+2)
	buf = append(buf, cmd)
	sep := func() {
		if enc == EncodingSpaced {
			buf = append(buf, ' ')
		}
	}

	sep()
	for shift := (idDigits - 1) * 4; shift >= 0; shift -= 4 {
		buf = append(buf, nybbleToHex(byte(f.Identifier>>uint(shift))&0xF))
	}

	switch enc {
	case EncodingStandard, EncodingSpaced:
		sep()
		buf = append(buf, byte('0'+len(f.Data)))
	case EncodingNoDLC:
	default:
		return "", fmt.Errorf("%w: unknown encoding %d", ErrConfiguration, int(enc))
	}

	for _, b := range f.Data {
		sep()
		buf = append(buf, nybbleToHex(b>>4), nybbleToHex(b&0xF))
	}
	return string(buf), nil
}

// helper converts a 0..15 value to its ASCII hex nibble
func nybbleToHex(n byte) byte {
	if n < 10 {
		return '0' + n
	}
	return 'A' + (n - 10)
}

// Decode parses an inbound t/T line. Anything else, truncated payloads and
// non-hex characters yield an error wrapping ErrMalformedFrame. Characters
// after the payload (adapter timestamps) are ignored.
func Decode(line string) (*CANFrame, error) {
	line = strings.TrimRight(line, "\r\n")

	var idEnd int
	var extended bool
	switch {
	case strings.HasPrefix(line, "t") && len(line) >= 5:
		idEnd = 4
	case strings.HasPrefix(line, "T") && len(line) >= 10:
		idEnd, extended = 9, true
	default:
		return nil, fmt.Errorf("%w: %q", ErrMalformedFrame, line)
	}

	id, err := strconv.ParseUint(line[1:idEnd], 16, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode identifier %q", ErrMalformedFrame, line[1:idEnd])
	}

	dlcChar := line[idEnd]
	if dlcChar < '0' || dlcChar > '8' {
		return nil, fmt.Errorf("%w: invalid data length %q", ErrMalformedFrame, dlcChar)
	}
	dlc := int(dlcChar - '0')

	dataStart := idEnd + 1
	if len(line) < dataStart+dlc*2 {
		return nil, fmt.Errorf("%w: truncated payload, want %d bytes: %q", ErrMalformedFrame, dlc, line)
	}
	data, err := hex.DecodeString(line[dataStart : dataStart+dlc*2])
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode frame body: %v", ErrMalformedFrame, err)
	}

	f := &CANFrame{
		Identifier: uint32(id),
		Extended:   extended,
		Data:       data,
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return f, nil
}
