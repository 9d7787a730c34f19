package isp

import "fmt"

// Command is an ISP opcode, transmitted as a little-endian uint32 at the
// start of every packet.
type Command uint32

// Command opcodes understood by the ISP bootloader.
const (
	CmdUpdateAPROM     Command = 0xA0
	CmdUpdateConfig    Command = 0xA1
	CmdReadConfig      Command = 0xA2
	CmdEraseAll        Command = 0xA3
	CmdSyncPackNo      Command = 0xA4
	CmdGetFWVer        Command = 0xA6
	CmdRunAPROM        Command = 0xAB
	CmdRunLDROM        Command = 0xAC
	CmdReset           Command = 0xAD
	CmdConnect         Command = 0xAE
	CmdDisconnect      Command = 0xAF
	CmdGetDeviceID     Command = 0xB1
	CmdUpdateDataFlash Command = 0xC3

	// CmdResendPacket is sent by the device in place of a normal reply when
	// it wants the last packet transmitted again.
	CmdResendPacket Command = 0xFF
)

var commandNames = map[Command]string{
	CmdUpdateAPROM:     "UPDATE_APROM",
	CmdUpdateConfig:    "UPDATE_CONFIG",
	CmdReadConfig:      "READ_CONFIG",
	CmdEraseAll:        "ERASE_ALL",
	CmdSyncPackNo:      "SYNC_PACKNO",
	CmdGetFWVer:        "GET_FWVER",
	CmdRunAPROM:        "RUN_APROM",
	CmdRunLDROM:        "RUN_LDROM",
	CmdReset:           "RESET",
	CmdConnect:         "CONNECT",
	CmdDisconnect:      "DISCONNECT",
	CmdGetDeviceID:     "GET_DEVICEID",
	CmdUpdateDataFlash: "UPDATE_DATAFLASH",
	CmdResendPacket:    "RESEND_PACKET",
}

// Commands returns every known opcode in ascending order.
func Commands() []Command {
	return []Command{
		CmdUpdateAPROM, CmdUpdateConfig, CmdReadConfig, CmdEraseAll,
		CmdSyncPackNo, CmdGetFWVer, CmdRunAPROM, CmdRunLDROM, CmdReset,
		CmdConnect, CmdDisconnect, CmdGetDeviceID, CmdUpdateDataFlash,
		CmdResendPacket,
	}
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("CMD(0x%08X)", uint32(c))
}

// Known reports whether c is one of the defined opcodes.
func (c Command) Known() bool {
	_, ok := commandNames[c]
	return ok
}
