package ota

// CRC-16/CCITT-FALSE (polynomial 0x1021, init 0xFFFF, no reflection, no
// final xor). This is the variant the LED peripheral bootloaders check on
// each firmware packet.

const crc16Poly = 0x1021

var crc16Table [256]uint16

func init() {
	for i := 0; i < 256; i++ {
		crc := uint16(i) << 8
		for bit := 0; bit < 8; bit++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ crc16Poly
			} else {
				crc <<= 1
			}
		}
		crc16Table[i] = crc
	}
}

// Checksum16 computes the CRC-16/CCITT-FALSE checksum of data.
func Checksum16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc = crc<<8 ^ crc16Table[byte(crc>>8)^b]
	}
	return crc
}
