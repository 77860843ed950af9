package wire

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	payloads := [][]byte{
		[]byte(`{"action":"login"}`),
		{},
		bytes.Repeat([]byte{0xAB}, 65536),
	}

	for _, p := range payloads {
		require.NoError(t, WriteFrame(&buf, p))
	}
	for _, want := range payloads {
		got, err := ReadFrame(&buf)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestReadFrameClosed(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader(nil))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestReadFrameTruncatedHeader(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{0x00, 0x00}))
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestReadFrameTruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.BigEndian, uint32(100)))
	buf.WriteString("short")

	_, err := ReadFrame(&buf)
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestReadFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.BigEndian, uint32(MaxFrameSize+1)))

	_, err := ReadFrame(&buf)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestWriteFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrame(&buf, make([]byte, MaxFrameSize+1))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
	assert.Zero(t, buf.Len())
}

func TestJSONRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	req := Request{Action: ActionListGames, Data: []byte(`{}`)}
	require.NoError(t, WriteJSON(&buf, &req))

	var got Request
	require.NoError(t, ReadJSON(&buf, &got))
	assert.Equal(t, ActionListGames, got.Action)
}

func TestHeaderIsBigEndian(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("abcd")))

	raw := buf.Bytes()
	require.Len(t, raw, 8)
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x04}, raw[:4])
}
