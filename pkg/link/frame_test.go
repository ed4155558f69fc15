package link

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mppt-controller/pkg/errors"
)

func TestEncodeFrameLayout(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x03}
	frame, err := EncodeFrame(0x13, payload)
	require.NoError(t, err)

	require.Len(t, frame, len(payload)+MessageMin)
	assert.Equal(t, byte(len(frame)), frame[0])
	assert.Equal(t, byte(MessageDest|0x03), frame[1], "sequence is masked to four bits")
	assert.Equal(t, payload, frame[2:5])
	hi, lo := CRC16CCITT(frame[:5])
	assert.Equal(t, []byte{hi, lo, MessageSync}, frame[5:])
}

func TestEncodeFrameTooLarge(t *testing.T) {
	_, err := EncodeFrame(0, make([]byte, MessagePayloadMax+1))
	assert.True(t, errors.Is(err, errors.ErrLinkFrame))

	_, err = EncodeFrame(0, make([]byte, MessagePayloadMax))
	assert.NoError(t, err)
}

func TestDecoderRoundTrip(t *testing.T) {
	var d Decoder
	frame, err := EncodeFrame(5, []byte{0xAA, 0xBB})
	require.NoError(t, err)
	d.Write(frame)

	f, err := d.Next()
	require.NoError(t, err)
	assert.Equal(t, uint8(5), f.Seq)
	assert.Equal(t, []byte{0xAA, 0xBB}, f.Payload)
	assert.Zero(t, d.Buffered())

	_, err = d.Next()
	assert.Equal(t, ErrIncomplete, err)
}

func TestDecoderSplitInput(t *testing.T) {
	var d Decoder
	frame, err := EncodeFrame(1, []byte{0x10, 0x20, 0x30})
	require.NoError(t, err)

	for i := 0; i < len(frame)-1; i++ {
		d.Write(frame[i : i+1])
		_, err := d.Next()
		require.Equal(t, ErrIncomplete, err, "byte %d", i)
	}
	d.Write(frame[len(frame)-1:])
	f, err := d.Next()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x10, 0x20, 0x30}, f.Payload)
}

func TestDecoderResyncAfterGarbage(t *testing.T) {
	var d Decoder
	good, err := EncodeFrame(2, []byte{0x42})
	require.NoError(t, err)

	d.Write([]byte{MessageSync, MessageSync, 0xFF, 0x00, MessageSync})
	d.Write(good)

	var frames []Frame
	var errs int
	for {
		f, err := d.Next()
		if err == ErrIncomplete {
			break
		}
		if err != nil {
			assert.True(t, errors.IsLink(err), "unexpected error %v", err)
			errs++
			continue
		}
		frames = append(frames, f)
	}
	require.Len(t, frames, 1)
	assert.Equal(t, []byte{0x42}, frames[0].Payload)
	assert.Positive(t, errs)
}

func TestDecoderCRCError(t *testing.T) {
	var d Decoder
	bad, err := EncodeFrame(0, []byte{0x01, 0x02})
	require.NoError(t, err)
	bad[2] ^= 0xFF
	good, err := EncodeFrame(1, []byte{0x03})
	require.NoError(t, err)

	d.Write(bad)
	d.Write(good)

	_, err = d.Next()
	assert.True(t, errors.Is(err, errors.ErrLinkCRC), "got %v", err)

	f, err := d.Next()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x03}, f.Payload)
}

func TestDecoderBadDestination(t *testing.T) {
	frame := []byte{MessageMin, 0x20}
	hi, lo := CRC16CCITT(frame)
	frame = append(frame, hi, lo, MessageSync)

	var d Decoder
	d.Write(frame)
	_, err := d.Next()
	assert.True(t, errors.Is(err, errors.ErrLinkFrame), "got %v", err)
	assert.Zero(t, d.Buffered())
}
