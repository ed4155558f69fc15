package link

// CRC16CCITT computes the frame checksum (CRC-16/MCRF4XX bit order,
// initial value 0xffff) and returns it high byte first.
func CRC16CCITT(buf []byte) (byte, byte) {
	var crc uint16 = 0xffff
	for _, b := range buf {
		data := uint16(b)
		data ^= crc & 0xff
		data ^= (data & 0x0f) << 4
		crc = (crc >> 8) ^ (data << 8) ^ (data << 3) ^ (data >> 4)
	}
	return byte(crc >> 8), byte(crc & 0xff)
}

func crcWord(buf []byte) uint16 {
	hi, lo := CRC16CCITT(buf)
	return uint16(hi)<<8 | uint16(lo)
}
