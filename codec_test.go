package slcan

import (
	"errors"
	"math/rand"
	"reflect"
	"strings"
	"testing"
	"testing/quick"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		name  string
		frame *CANFrame
		enc   Encoding
		want  string
	}{
		{"standard", NewFrame(0x100, []byte{0x01, 0x02, 0x03}), EncodingStandard, "t1003010203"},
		{"no dlc", NewFrame(0x100, []byte{0x01, 0x02, 0x03}), EncodingNoDLC, "t100010203"},
		{"spaced", NewFrame(0x100, []byte{0x01, 0x02, 0x03}), EncodingSpaced, "t 100 3 01 02 03"},
		{"empty payload", NewFrame(0x7FF, nil), EncodingStandard, "t7FF0"},
		{"uppercase hex", NewFrame(0x0AB, []byte{0xDE, 0xAD}), EncodingStandard, "t0AB2DEAD"},
		{"extended", NewExtendedFrame(0x123, []byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF, 0x00, 0x11}), EncodingStandard, "T000001238AABBCCDDEEFF0011"},
		{"extended spaced", NewExtendedFrame(0x1FFFFFFF, []byte{0x01}), EncodingSpaced, "T 1FFFFFFF 1 01"},
		{"extended no dlc", NewExtendedFrame(0x18DAF110, []byte{0x02, 0x10}), EncodingNoDLC, "T18DAF1100210"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EncodeWith(tt.enc, tt.frame)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEncodeRejectsInvalidFrames(t *testing.T) {
	tests := []struct {
		name  string
		frame *CANFrame
	}{
		{"nil", nil},
		{"standard id too large", NewFrame(0x800, nil)},
		{"extended id too large", NewExtendedFrame(0x20000000, nil)},
		{"too much data", NewFrame(0x100, make([]byte, 9))},
		{"remote frame", &CANFrame{Identifier: 0x100, RTR: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, enc := range []Encoding{EncodingStandard, EncodingNoDLC, EncodingSpaced} {
				_, err := EncodeWith(enc, tt.frame)
				assert.ErrorIs(t, err, ErrConfiguration, enc.String())
			}
		})
	}

	_, err := EncodeWith(Encoding(42), NewFrame(1, nil))
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestDecode(t *testing.T) {
	tests := []struct {
		line string
		want *CANFrame
	}{
		{"t1003010203", NewFrame(0x100, []byte{0x01, 0x02, 0x03})},
		{"t1003010203\r", NewFrame(0x100, []byte{0x01, 0x02, 0x03})},
		{"t7e80", NewFrame(0x7E8, []byte{})},
		{"t7e82abcd", NewFrame(0x7E8, []byte{0xAB, 0xCD})},
		{"T000001238AABBCCDDEEFF0011", NewExtendedFrame(0x123, []byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF, 0x00, 0x11})},
		// adapters with timestamps enabled append four hex digits
		{"t1001FF1A2B", NewFrame(0x100, []byte{0xFF})},
	}
	for _, tt := range tests {
		t.Run(strings.TrimSpace(tt.line), func(t *testing.T) {
			got, err := Decode(tt.line)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s want %s", got, tt.want)
			assert.True(t, got.Timestamp.IsZero())
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	for _, line := range []string{
		"",
		"z",
		"\a",
		"V1011",
		"t10",
		"t100",
		"t1009",
		"t100A",
		"t10030102",
		"t1003010G03",
		"tXYZ0",
		"T0000012",
		"T2000000000",
		"T00000123801",
		"x1003010203",
	} {
		_, err := Decode(line)
		assert.ErrorIs(t, err, ErrMalformedFrame, "%q", line)
	}
}

type validFrame struct {
	*CANFrame
}

func (validFrame) Generate(r *rand.Rand, _ int) reflect.Value {
	f := &CANFrame{Extended: r.Intn(2) == 1}
	if f.Extended {
		f.Identifier = uint32(r.Int63n(MaxExtendedID + 1))
	} else {
		f.Identifier = uint32(r.Intn(MaxStandardID + 1))
	}
	f.Data = make([]byte, r.Intn(MaxDataLength+1))
	r.Read(f.Data)
	return reflect.ValueOf(validFrame{f})
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	roundTrip := func(v validFrame) bool {
		line, err := Encode(v.CANFrame)
		if err != nil {
			return false
		}
		got, err := Decode(line)
		return err == nil && got.Equal(v.CANFrame)
	}
	require.NoError(t, quick.Check(roundTrip, &quick.Config{MaxCount: 2000}))
}

func TestEncodeRejectsOutOfRange(t *testing.T) {
	rejected := func(id uint32, extended bool, n uint8) bool {
		f := &CANFrame{Identifier: id, Extended: extended, Data: make([]byte, int(n)%16)}
		err := f.Validate()
		_, encErr := Encode(f)
		if err == nil {
			return encErr == nil
		}
		return errors.Is(encErr, ErrConfiguration)
	}
	require.NoError(t, quick.Check(rejected, &quick.Config{MaxCount: 2000}))
}

func TestDecodeNeverPanics(t *testing.T) {
	alphabet := "tT0123456789abcdefABCDEFxz \a\r"
	gen := func(seed int64) bool {
		r := rand.New(rand.NewSource(seed))
		b := make([]byte, r.Intn(30))
		for i := range b {
			b[i] = alphabet[r.Intn(len(alphabet))]
		}
		f, err := Decode(string(b))
		if err != nil {
			return errors.Is(err, ErrMalformedFrame) && f == nil
		}
		return f.Validate() == nil
	}
	require.NoError(t, quick.Check(gen, &quick.Config{MaxCount: 5000}))
}

func FuzzDecode(f *testing.F) {
	for _, seed := range []string{"t1003010203", "T000001238AABBCCDDEEFF0011", "t7FF0", "z", "\a", ""} {
		f.Add(seed)
	}
	f.Fuzz(func(t *testing.T, line string) {
		frame, err := Decode(line)
		if err != nil {
			if !errors.Is(err, ErrMalformedFrame) {
				t.Fatalf("unexpected error kind: %v", err)
			}
			return
		}
		if err := frame.Validate(); err != nil {
			t.Fatalf("decoded invalid frame %s: %v", frame, err)
		}
	})
}
