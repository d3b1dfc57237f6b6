package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Header{
		{CallID: 0, ResultID: 0},
		{CallID: 2, ResultID: 1},
		{CallID: MaxCallID - 1, ResultID: 0xFFFFFFFFFFFFFFFF},
		{CallID: 0x01020304, ResultID: 0x0102030405060708},
	}

	for _, want := range cases {
		buf := Encode(want)
		require.Len(t, buf, HeaderSize)
		got, err := Decode(buf[:])
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestEncodeIsBigEndian(t *testing.T) {
	buf := Encode(Header{CallID: 0x01020304, ResultID: 0x0102030405060708})
	require.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, buf[0:4])
	require.Equal(t, []byte{0, 0, 0, 0}, buf[4:8])
	require.Equal(t, []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}, buf[8:16])
}

func TestDecodeRejectsShortBuffer(t *testing.T) {
	_, err := Decode(make([]byte, 15))
	require.Error(t, err)
}

func TestDecodeIgnoresTrailingPayload(t *testing.T) {
	buf := Encode(Header{CallID: 7, ResultID: 42})
	payload := append(buf[:], []byte("hello")...)
	got, err := Decode(payload)
	require.NoError(t, err)
	require.Equal(t, Header{CallID: 7, ResultID: 42}, got)
}

func TestCallIDRange(t *testing.T) {
	require.True(t, Header{CallID: 0}.InCallIDRange())
	require.True(t, Header{CallID: MaxCallID - 1}.InCallIDRange())
	require.False(t, Header{CallID: MaxCallID}.InCallIDRange())
}
