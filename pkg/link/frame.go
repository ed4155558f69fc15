package link

import (
	stderrors "errors"

	"mppt-controller/pkg/errors"
)

// Message block layout:
//
//	[len][seq|0x10][payload ...][crc hi][crc lo][0x7e]
//
// len counts the whole block, header and trailer included.
const (
	MessageHeaderSize  = 2
	MessageTrailerSize = 3
	MessageMin         = MessageHeaderSize + MessageTrailerSize
	MessageMax         = 64
	MessagePayloadMax  = MessageMax - MessageMin
	MessageDest        = 0x10
	MessageSync        = 0x7e
	MessageSeqMask     = 0x0f
)

// ErrIncomplete is returned by Decoder.Next when the buffered bytes do
// not yet hold a whole block.
var ErrIncomplete = stderrors.New("link: incomplete frame")

// Frame is one decoded message block.
type Frame struct {
	Seq     uint8
	Payload []byte
}

// EncodeFrame wraps payload in a message block with the given sequence
// number.
func EncodeFrame(seq uint8, payload []byte) ([]byte, error) {
	if len(payload) > MessagePayloadMax {
		return nil, errors.LinkFrameError("payload too large").
			SetContext("size", len(payload))
	}
	n := len(payload) + MessageMin
	out := make([]byte, 0, n)
	out = append(out, byte(n), MessageDest|(seq&MessageSeqMask))
	out = append(out, payload...)
	hi, lo := CRC16CCITT(out)
	return append(out, hi, lo, MessageSync), nil
}

// Decoder splits a byte stream into frames. Corrupt input is dropped up
// to the next sync byte so the stream recovers on the following block.
type Decoder struct {
	buf []byte
}

// Write appends raw bytes from the wire. It never fails.
func (d *Decoder) Write(p []byte) (int, error) {
	d.buf = append(d.buf, p...)
	return len(p), nil
}

// Buffered returns the number of bytes waiting to be decoded.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Next returns the next complete frame. It returns ErrIncomplete when
// more input is needed, and a LINK_FRAME or LINK_CRC error when a bad
// block was discarded; callers keep calling Next after either error.
func (d *Decoder) Next() (Frame, error) {
	if len(d.buf) == 0 {
		return Frame{}, ErrIncomplete
	}
	n := int(d.buf[0])
	if n < MessageMin || n > MessageMax {
		d.resync()
		return Frame{}, errors.LinkFrameError("invalid length").SetContext("len", n)
	}
	if len(d.buf) < n {
		return Frame{}, ErrIncomplete
	}
	if d.buf[n-1] != MessageSync {
		d.resync()
		return Frame{}, errors.LinkFrameError("missing sync byte")
	}
	want := crcWord(d.buf[:n-MessageTrailerSize])
	got := uint16(d.buf[n-3])<<8 | uint16(d.buf[n-2])
	if got != want {
		d.consume(n)
		return Frame{}, errors.LinkCRCError(got, want)
	}
	if hdr := d.buf[1]; hdr&^MessageSeqMask != MessageDest {
		d.consume(n)
		return Frame{}, errors.LinkFrameError("bad destination").SetContext("header", hdr)
	}

	f := Frame{
		Seq:     d.buf[1] & MessageSeqMask,
		Payload: append([]byte(nil), d.buf[MessageHeaderSize:n-MessageTrailerSize]...),
	}
	d.consume(n)
	return f, nil
}

// resync drops everything through the next sync byte.
func (d *Decoder) resync() {
	for i, b := range d.buf {
		if b == MessageSync {
			d.consume(i + 1)
			return
		}
	}
	d.buf = d.buf[:0]
}

func (d *Decoder) consume(n int) {
	d.buf = append(d.buf[:0], d.buf[n:]...)
}
