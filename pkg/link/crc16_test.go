package link

import "testing"

func TestCRC16CCITT_KnownVector(t *testing.T) {
	hi, lo := CRC16CCITT([]byte("123456789"))
	got := uint16(hi)<<8 | uint16(lo)
	const want uint16 = 0x6f91
	if got != want {
		t.Fatalf("CRC16CCITT('123456789')=%04x want %04x", got, want)
	}
}

func TestCRC16CCITT_Empty(t *testing.T) {
	if got := crcWord(nil); got != 0xffff {
		t.Fatalf("CRC16CCITT(empty)=%04x want ffff", got)
	}
}
