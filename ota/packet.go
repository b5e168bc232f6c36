package ota

import (
	"encoding/binary"
	"fmt"
)

const (
	// MaxPduLength is the protocol's hard cap on firmware payload bytes
	// per packet.
	MaxPduLength = 16
	// PadByte fills the tail of a short final payload.
	PadByte = 0xFF

	indexSize = 2
	crcSize   = 2
)

// PacketSize returns the fixed on-wire size for the session's PDU length:
// 2-byte index + payload + 2-byte CRC.
func PacketSize(pduLength int) int {
	return indexSize + pduLength + crcSize
}

// PacketCount returns how many packets a firmware image needs.
func PacketCount(firmwareSize, pduLength int) int {
	if firmwareSize <= 0 || pduLength <= 0 {
		return 0
	}
	return (firmwareSize + pduLength - 1) / pduLength
}

// BuildPacket packs one firmware chunk into its wire form, little-endian:
// [0-1] sequence index, [2..2+pdu-1] payload padded with 0xFF, then a
// CRC-16 over everything before it. Output size is fixed at 4+pduLength
// even for the short final chunk.
func BuildPacket(firmware []byte, index, pduLength int) ([]byte, error) {
	if pduLength < 1 || pduLength > MaxPduLength {
		return nil, fmt.Errorf("pdu length %d out of range [1,%d]", pduLength, MaxPduLength)
	}
	total := PacketCount(len(firmware), pduLength)
	if index < 0 || index >= total {
		return nil, fmt.Errorf("packet index %d out of range [0,%d)", index, total)
	}

	pkt := make([]byte, PacketSize(pduLength))
	binary.LittleEndian.PutUint16(pkt[0:2], uint16(index))

	start := index * pduLength
	end := start + pduLength
	if end > len(firmware) {
		end = len(firmware)
	}
	n := copy(pkt[indexSize:], firmware[start:end])
	for i := indexSize + n; i < indexSize+pduLength; i++ {
		pkt[i] = PadByte
	}

	crc := Checksum16(pkt[:indexSize+pduLength])
	binary.LittleEndian.PutUint16(pkt[indexSize+pduLength:], crc)

	return pkt, nil
}

// VerifyPacket checks a packet's length and CRC and returns its sequence
// index. The outbound path never calls this (correctness is guaranteed by
// construction); it exists for tests and receiving peers.
func VerifyPacket(pkt []byte, pduLength int) (int, error) {
	if len(pkt) != PacketSize(pduLength) {
		return 0, fmt.Errorf("packet length %d, want %d", len(pkt), PacketSize(pduLength))
	}
	want := binary.LittleEndian.Uint16(pkt[indexSize+pduLength:])
	got := Checksum16(pkt[:indexSize+pduLength])
	if got != want {
		return 0, fmt.Errorf("packet CRC mismatch: expected %04X, got %04X", want, got)
	}
	return int(binary.LittleEndian.Uint16(pkt[0:2])), nil
}

// Progress returns the percentage complete after packet index (0-based)
// has been acknowledged, out of total packets. An empty transfer reports 0
// until at least one packet exists.
func Progress(index, total int) int {
	if total <= 0 {
		return 0
	}
	p := (index + 1) * 100 / total
	if p > 100 {
		p = 100
	}
	return p
}
