// Package isp implements the wire format of the Nuvoton ISP UART bootloader.
//
// Every exchange uses a fixed 64-byte packet in both directions. Multi-byte
// integers are little-endian.
//
// Host to device:
//
//	[0:4]   command opcode
//	[4:8]   host sequence number (ignored by the bootloader)
//	[8:64]  command parameters or image data
//
// The first UPDATE_APROM packet of a transfer carries the target address at
// [8:12], the total image length at [12:16] and up to 48 bytes of image data
// at [16:64]. Continuation packets carry up to 56 bytes at [8:64].
//
// Device to host:
//
//	[0:2]   16-bit sum of the packet the device received
//	[4:8]   device packet counter (only the low 16 bits are meaningful)
//	[8:12]  APROM size (CONNECT) / device ID (GET_DEVICEID)
//	[12:16] dataflash address (CONNECT)
//
// The protocol has no field telling a bootloader reply apart from output of
// the application firmware sharing the same UART. DecodeResponse applies a
// heuristic: a reply whose first four bytes are all printable ASCII is
// classified as application output.
package isp
