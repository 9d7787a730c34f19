package isp

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// ResponseKind classifies a block of bytes read back from the device.
type ResponseKind int

const (
	// Malformed means fewer than PacketSize bytes arrived before the deadline.
	Malformed ResponseKind = iota
	// ApplicationReply means the bytes look like text printed by the
	// application firmware, i.e. the bootloader was not reached.
	ApplicationReply
	// BootloaderReply is a binary ISP reply.
	BootloaderReply
)

func (k ResponseKind) String() string {
	switch k {
	case Malformed:
		return "malformed"
	case ApplicationReply:
		return "application"
	case BootloaderReply:
		return "bootloader"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Response is a decoded 64-byte reply.
type Response struct {
	Kind ResponseKind

	// Raw holds the bytes as received; shorter than PacketSize for Malformed.
	Raw []byte

	// The fields below are only meaningful for BootloaderReply.

	// Opcode is bytes 0-3 read as one little-endian word. It equals
	// CmdResendPacket when the device asks for a retransmission.
	Opcode uint32
	// Checksum is the device's 16-bit sum of the packet it received.
	Checksum uint16
	// PacketNo is the low 16 bits of the device packet counter.
	PacketNo uint16
	// APROMSize is bytes 8-11. GET_DEVICEID replies carry the device ID here.
	APROMSize uint32
	// DataFlashAddr is bytes 12-15.
	DataFlashAddr uint32
}

// DecodeResponse classifies b and extracts the reply fields. A short buffer
// is a Malformed response, not an error.
func DecodeResponse(b []byte) Response {
	r := Response{Raw: append([]byte(nil), b...)}
	if len(b) < PacketSize {
		r.Kind = Malformed
		return r
	}
	if looksLikeText(b[:4]) {
		r.Kind = ApplicationReply
		return r
	}
	r.Kind = BootloaderReply
	r.Opcode = binary.LittleEndian.Uint32(b[0:4])
	r.Checksum = binary.LittleEndian.Uint16(b[0:2])
	r.PacketNo = binary.LittleEndian.Uint16(b[4:6])
	r.APROMSize = binary.LittleEndian.Uint32(b[8:12])
	r.DataFlashAddr = binary.LittleEndian.Uint32(b[12:16])
	return r
}

// IsResend reports whether the device asked for the last packet again.
//
// The protocol has no separate flag for this: bytes 0-3 of an ordinary
// reply hold the echoed 16-bit checksum followed by two zero bytes, so an
// acknowledgement of a packet whose bytes sum to 0x00FF is
// indistinguishable from RESEND_PACKET. Callers that know the checksum of
// the packet they sent can detect the ambiguous case.
func (r Response) IsResend() bool {
	return r.Kind == BootloaderReply && Command(r.Opcode) == CmdResendPacket
}

// DeviceID returns bytes 8-11 of a GET_DEVICEID reply.
func (r Response) DeviceID() uint32 {
	return r.APROMSize
}

// Text returns the printable prefix of an application reply.
func (r Response) Text() string {
	end := 0
	for end < len(r.Raw) && isPrintable(r.Raw[end]) {
		end++
	}
	return strings.TrimSpace(string(r.Raw[:end]))
}

func looksLikeText(b []byte) bool {
	for _, v := range b {
		if !isPrintable(v) {
			return false
		}
	}
	return true
}

func isPrintable(b byte) bool {
	return b >= 0x20 && b <= 0x7E
}
