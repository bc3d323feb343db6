package mpegts

import "errors"

// ErrCRC is returned for a PSI section whose CRC32 does not verify.
var ErrCRC = errors.New("mpegts: CRC32 mismatch")

// MPEG-2 CRC32, polynomial 0x04C11DB7, no reflection.
var crcTable = func() (t [256]uint32) {
	for i := range t {
		c := uint32(i) << 24
		for range 8 {
			if c&0x80000000 != 0 {
				c = c<<1 ^ 0x04C11DB7
			} else {
				c <<= 1
			}
		}
		t[i] = c
	}
	return t
}()

// CRC32 returns the MPEG-2 CRC of data.
func CRC32(data []byte) uint32 {
	c := uint32(0xFFFFFFFF)
	for _, b := range data {
		c = c<<8 ^ crcTable[byte(c>>24)^b]
	}
	return c
}

// A section with its trailing CRC included checksums to zero.
func verifyCRC(section []byte) error {
	if len(section) < 4 || CRC32(section) != 0 {
		return ErrCRC
	}
	return nil
}
