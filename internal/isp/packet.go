package isp

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Packet layout constants.
const (
	// PacketSize is the size of every packet on the wire, in both directions.
	PacketSize = 64

	// FirstPayloadSize is the image data capacity of the first UPDATE_APROM
	// packet, which also carries the target address and total length.
	FirstPayloadSize = 48

	// ContinuationPayloadSize is the data capacity of every other packet.
	ContinuationPayloadSize = 56

	offsetCommand  = 0
	offsetSequence = 4
	offsetParam1   = 8
	offsetParam2   = 12
	offsetFirst    = 16
)

// ErrPayloadTooLarge is returned when a payload does not fit the packet
// variant it was encoded into.
var ErrPayloadTooLarge = errors.New("payload exceeds packet capacity")

// Packet is one fully materialized 64-byte wire packet.
type Packet [PacketSize]byte

// Command returns the opcode stored at bytes 0-3.
func (p *Packet) Command() Command {
	return Command(binary.LittleEndian.Uint32(p[offsetCommand:]))
}

// Sequence returns the host sequence number stored at bytes 4-7.
func (p *Packet) Sequence() uint32 {
	return binary.LittleEndian.Uint32(p[offsetSequence:])
}

// Bytes returns the packet as a slice backed by p.
func (p *Packet) Bytes() []byte {
	return p[:]
}

// Checksum returns the 16-bit sum of all 64 bytes.
func (p *Packet) Checksum() uint16 {
	return Checksum(p[:])
}

// Encode builds a packet for cmd with payload placed at bytes 8-63. The
// payload may be at most ContinuationPayloadSize bytes; anything longer is
// rejected rather than truncated. Unused tail bytes are zero.
func Encode(cmd Command, seq uint32, payload []byte) (Packet, error) {
	var p Packet
	if len(payload) > ContinuationPayloadSize {
		return p, errors.Wrapf(ErrPayloadTooLarge, "%s: %d bytes, maximum %d",
			cmd, len(payload), ContinuationPayloadSize)
	}
	putHeader(&p, cmd, seq)
	copy(p[offsetParam1:], payload)
	return p, nil
}

// EncodeUpdateFirst builds the first UPDATE_APROM packet of a transfer:
// target address, total image length and up to FirstPayloadSize bytes of
// image data.
func EncodeUpdateFirst(seq, addr, totalLen uint32, data []byte) (Packet, error) {
	var p Packet
	if len(data) > FirstPayloadSize {
		return p, errors.Wrapf(ErrPayloadTooLarge, "%s first packet: %d bytes, maximum %d",
			CmdUpdateAPROM, len(data), FirstPayloadSize)
	}
	putHeader(&p, CmdUpdateAPROM, seq)
	binary.LittleEndian.PutUint32(p[offsetParam1:], addr)
	binary.LittleEndian.PutUint32(p[offsetParam2:], totalLen)
	copy(p[offsetFirst:], data)
	return p, nil
}

// EncodeUpdateNext builds an UPDATE_APROM continuation packet.
func EncodeUpdateNext(seq uint32, data []byte) (Packet, error) {
	return Encode(CmdUpdateAPROM, seq, data)
}

// EncodeSyncPackNo builds a SYNC_PACKNO packet asking the device to reset its
// packet counter to packNo.
func EncodeSyncPackNo(seq, packNo uint32) Packet {
	var param [4]byte
	binary.LittleEndian.PutUint32(param[:], packNo)
	p, _ := Encode(CmdSyncPackNo, seq, param[:])
	return p
}

// EncodeSimple builds a parameterless packet (CONNECT, GET_DEVICEID,
// ERASE_ALL, RUN_APROM, ...).
func EncodeSimple(cmd Command, seq uint32) Packet {
	p, _ := Encode(cmd, seq, nil)
	return p
}

func putHeader(p *Packet, cmd Command, seq uint32) {
	binary.LittleEndian.PutUint32(p[offsetCommand:], uint32(cmd))
	binary.LittleEndian.PutUint32(p[offsetSequence:], seq)
}

// Checksum returns the sum of all bytes in b truncated to 16 bits. The
// bootloader echoes this value for the packet it received; it is useful for
// diagnostics only.
func Checksum(b []byte) uint16 {
	var sum uint16
	for _, v := range b {
		sum += uint16(v)
	}
	return sum
}
