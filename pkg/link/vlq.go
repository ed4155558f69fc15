package link

import "mppt-controller/pkg/errors"

// EncodeUint32 appends v as a variable length quantity. Values in
// [-32, 96) fit in one byte; larger magnitudes take up to five.
func EncodeUint32(out []byte, v int32) []byte {
	if v >= 0xc000000 || v < -0x4000000 {
		out = append(out, byte((v>>28)&0x7f)|0x80)
	}
	if v >= 0x180000 || v < -0x80000 {
		out = append(out, byte((v>>21)&0x7f)|0x80)
	}
	if v >= 0x3000 || v < -0x1000 {
		out = append(out, byte((v>>14)&0x7f)|0x80)
	}
	if v >= 0x60 || v < -0x20 {
		out = append(out, byte((v>>7)&0x7f)|0x80)
	}
	return append(out, byte(v&0x7f))
}

// DecodeUint32 reads one quantity from buf at pos and returns the value
// and the position after it.
func DecodeUint32(buf []byte, pos int) (int32, int, error) {
	if pos >= len(buf) {
		return 0, pos, errors.LinkFrameError("truncated integer")
	}
	c := uint32(buf[pos])
	pos++
	v := c & 0x7f
	if (c & 0x60) == 0x60 {
		v |= ^uint32(0x1f)
	}
	for c&0x80 != 0 {
		if pos >= len(buf) {
			return 0, pos, errors.LinkFrameError("truncated integer")
		}
		c = uint32(buf[pos])
		pos++
		v = (v << 7) | (c & 0x7f)
	}
	return int32(v), pos, nil
}
