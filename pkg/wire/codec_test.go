package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUvarintRoundTrip(t *testing.T) {
	values := []uint64{
		0, 1, 31, 32, 33, 127, 128, 255, 256, 8191, 8192,
		1<<16 - 1, 1 << 16, 1<<24 - 1, 1 << 24, 1<<32 - 1, 1 << 32,
		1<<40 + 12345, 1<<56 - 1, 1 << 56, 1<<61 - 1,
	}
	for _, v := range values {
		b := AppendUvarint(nil, v)
		got, rest := Uvarint(b)
		assert.Equal(t, v, got, "value %d", v)
		assert.Empty(t, rest)

		got2, n, ok := ReadUvarint(b)
		require.True(t, ok)
		assert.Equal(t, v, got2)
		assert.Equal(t, len(b), n)
	}
}

func TestUvarintSingleByteRange(t *testing.T) {
	for v := uint64(0); v <= 31; v++ {
		assert.Len(t, AppendUvarint(nil, v), 1)
	}
	assert.Len(t, AppendUvarint(nil, 32), 2)
}

func TestUvarintKnownEncoding(t *testing.T) {
	// 128 = one extra byte: 0b001_00000, 0x80
	assert.Equal(t, []byte{0x20, 0x80}, AppendUvarint(nil, 128))
}

func TestUvarintTruncated(t *testing.T) {
	v, rest := Uvarint(nil)
	assert.Zero(t, v)
	assert.Empty(t, rest)

	// declares two extra bytes but carries only one
	v, rest = Uvarint([]byte{0x40, 0x01})
	assert.Equal(t, uint64(1), v)
	assert.Empty(t, rest)

	_, _, ok := ReadUvarint([]byte{0x40, 0x01})
	assert.False(t, ok)
}

func TestStringRoundTrip(t *testing.T) {
	cases := []string{"", "a", "hello", string(make([]byte, 300)), "čau\x00světe"}
	for _, s := range cases {
		b := AppendString(nil, s)
		got, rest := String(b)
		assert.Equal(t, s, got)
		assert.Empty(t, rest)
	}
}

func TestStringTruncated(t *testing.T) {
	b := AppendString(nil, "hello")
	got, rest := String(b[:3])
	assert.Equal(t, "he", got)
	assert.Empty(t, rest)
}

func TestFrameRoundTrips(t *testing.T) {
	frames := []Frame{
		Message{Sender: "mbx_abc", Channel: "reverse", Content: "ahoj svete", Conversation: 42},
		Message{},
		ChannelUpdate{Op: OpReplace, Channels: []string{"a", "b", "c"}},
		ChannelUpdate{Op: OpAdd, Channels: []string{"x"}},
		ChannelUpdate{Op: OpErase, Channels: []string{"y", "z"}},
		NoRoute{Sender: "mbx_s", Receiver: "mbx_r"},
		AddToGroup{Group: "g", Target: "mbx_t"},
		CloseGroup{Group: "g"},
		GroupEmpty{Group: "g"},
		NewSession{Version: 1},
		UpdateSerial{Serial: "serial-123"},
	}
	var enc Encoder
	for _, f := range frames {
		b := enc.Encode(f)
		got := Decode(append([]byte(nil), b...))
		assert.Equal(t, f, got)
	}
}

func TestChannelsResetRoundTrip(t *testing.T) {
	var enc Encoder
	b := enc.Encode(ChannelsReset{})
	assert.Equal(t, []byte{TagChannelsReset}, b)
	assert.Equal(t, ChannelsReset{}, Decode(b))
}

func TestEmptyChannelUpdateDecodesEmpty(t *testing.T) {
	var enc Encoder
	b := enc.Encode(ChannelUpdate{Op: OpReplace})
	got := Decode(b).(ChannelUpdate)
	assert.Equal(t, OpReplace, got.Op)
	assert.Empty(t, got.Channels)
}

func TestUnknownTagIsUserMsg(t *testing.T) {
	got := Decode([]byte{0x07, 'p', 'a', 'y'})
	assert.Equal(t, UserMsg{Type: 0x07, Payload: []byte("pay")}, got)

	var enc Encoder
	b := enc.Encode(UserMsg{Type: 0x07, Payload: []byte("pay")})
	assert.Equal(t, []byte{0x07, 'p', 'a', 'y'}, b)
}

func TestDecodeEmptyInput(t *testing.T) {
	assert.Equal(t, UserMsg{}, Decode(nil))
}

func TestDecodeCopiesOutOfInput(t *testing.T) {
	var enc Encoder
	b := append([]byte(nil), enc.Encode(Message{Channel: "chan", Content: "data"})...)
	got := Decode(b).(Message)
	for i := range b {
		b[i] = 0
	}
	assert.Equal(t, "chan", got.Channel)
	assert.Equal(t, "data", got.Content)
}

func TestEncoderReusesBuffer(t *testing.T) {
	var enc Encoder
	first := enc.Encode(Message{Channel: "one", Content: "payload-one"})
	firstCopy := append([]byte(nil), first...)
	second := enc.Encode(Message{Channel: "two", Content: "x"})
	assert.NotEqual(t, firstCopy, second)
	// the first result is invalidated by the second call
	assert.Equal(t, Message{Channel: "two", Content: "x"}, Decode(second))
}
