package transport

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/shaunagostinho/nuvoisp/internal/isp"
)

// DemoConfig shapes the simulated device.
type DemoConfig struct {
	// ResetAfter is the number of packets the application answers before the
	// simulated operator presses reset and the bootloader window opens.
	ResetAfter int
	// Window is the number of packets the bootloader waits for CONNECT
	// before giving up and booting the application again. Zero keeps the
	// window open forever.
	Window int

	DeviceID      uint32
	APROMSize     uint32
	DataFlashAddr uint32

	// PacketStep is how far the device counter advances per reply.
	PacketStep uint32
	// SkipSyncReply makes the device swallow SYNC_PACKNO without answering,
	// as some bootloader builds do.
	SkipSyncReply bool
	// ResendEvery rejects every Nth UPDATE_APROM continuation with a
	// RESEND_PACKET reply. Zero disables it.
	ResendEvery int
	// Banner is what the application prints in answer to anything.
	Banner string
}

// DefaultDemoConfig resembles an M263 with a 256 KiB APROM.
func DefaultDemoConfig() DemoConfig {
	return DemoConfig{
		ResetAfter:    25,
		DeviceID:      0x00D26300,
		APROMSize:     256 * 1024,
		DataFlashAddr: 0x0003F000,
		PacketStep:    2,
		Banner:        "APROM application v1.0 running\r\n",
	}
}

type demoMode int

const (
	demoApplication demoMode = iota
	demoWindow
	demoISP
)

// Demo is an in-memory ISP bootloader behind the Port interface. It answers
// like the application until ResetAfter packets have been seen, then opens
// a capture window, then speaks ISP once connected.
type Demo struct {
	mu  sync.Mutex
	cfg DemoConfig

	mode     demoMode
	seen     int
	window   int
	packNo   uint32
	rx       []byte
	tx       []byte
	closed   bool
	reopened int

	flash      []byte
	addr       uint32
	total      uint32
	written    uint32
	inTransfer bool
	nexts      int
	resends    int
	erased     bool
	runs       int
}

// NewDemo creates a simulated device.
func NewDemo(cfg DemoConfig) *Demo {
	if cfg.PacketStep == 0 {
		cfg.PacketStep = 2
	}
	if cfg.APROMSize == 0 {
		cfg.APROMSize = DefaultDemoConfig().APROMSize
	}
	if cfg.Banner == "" {
		cfg.Banner = DefaultDemoConfig().Banner
	}
	return &Demo{cfg: cfg}
}

func (d *Demo) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, ErrClosed
	}

	d.rx = append(d.rx, p...)
	for len(d.rx) >= isp.PacketSize {
		var pkt isp.Packet
		copy(pkt[:], d.rx[:isp.PacketSize])
		d.rx = d.rx[isp.PacketSize:]
		d.handle(&pkt)
	}
	return len(p), nil
}

// Read returns queued reply bytes. With nothing queued it returns 0 bytes
// at once, which callers treat as an elapsed read timeout.
func (d *Demo) Read(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, ErrClosed
	}
	n := copy(p, d.tx)
	d.tx = d.tx[n:]
	return n, nil
}

func (d *Demo) SetReadTimeout(time.Duration) error { return nil }

func (d *Demo) ResetInputBuffer() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tx = nil
	return nil
}

func (d *Demo) ResetOutputBuffer() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rx = nil
	return nil
}

func (d *Demo) Drain() error { return nil }

func (d *Demo) Reopen() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = false
	d.rx, d.tx = nil, nil
	d.reopened++
	return nil
}

func (d *Demo) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *Demo) handle(pkt *isp.Packet) {
	switch d.mode {
	case demoApplication:
		d.seen++
		if d.seen > d.cfg.ResetAfter {
			d.mode = demoWindow
			d.window = 0
			d.handle(pkt)
			return
		}
		d.queueBanner()

	case demoWindow:
		if pkt.Command() == isp.CmdConnect {
			d.mode = demoISP
			d.packNo = 0
			d.reply(pkt, d.cfg.APROMSize, d.cfg.DataFlashAddr)
			return
		}
		d.window++
		if d.cfg.Window > 0 && d.window >= d.cfg.Window {
			d.mode = demoApplication
			d.seen = 0
		}

	case demoISP:
		d.handleISP(pkt)
	}
}

func (d *Demo) handleISP(pkt *isp.Packet) {
	switch pkt.Command() {
	case isp.CmdConnect:
		d.packNo = 0
		d.inTransfer = false
		d.reply(pkt, d.cfg.APROMSize, d.cfg.DataFlashAddr)

	case isp.CmdSyncPackNo:
		d.inTransfer = false
		d.packNo = binary.LittleEndian.Uint32(pkt[8:12]) - d.cfg.PacketStep
		if d.cfg.SkipSyncReply {
			d.packNo += d.cfg.PacketStep
			return
		}
		d.reply(pkt, 0, 0)

	case isp.CmdGetDeviceID:
		d.reply(pkt, d.cfg.DeviceID, 0)

	case isp.CmdEraseAll:
		d.flash = make([]byte, d.cfg.APROMSize)
		for i := range d.flash {
			d.flash[i] = 0xFF
		}
		d.erased = true
		d.reply(pkt, 0, 0)

	case isp.CmdUpdateAPROM:
		if !d.update(pkt) {
			d.resends++
			var r [isp.PacketSize]byte
			binary.LittleEndian.PutUint32(r[0:], uint32(isp.CmdResendPacket))
			binary.LittleEndian.PutUint32(r[4:], d.packNo)
			d.tx = append(d.tx, r[:]...)
			return
		}
		d.reply(pkt, 0, 0)

	case isp.CmdRunAPROM, isp.CmdReset:
		d.runs++
		d.mode = demoApplication
		d.seen = 0
		d.tx = nil
		d.queueBanner()

	default:
		d.reply(pkt, 0, 0)
	}
}

// update stores the packet's image data. It returns false when the packet
// is rejected for retransmission.
func (d *Demo) update(pkt *isp.Packet) bool {
	if d.flash == nil {
		d.flash = make([]byte, d.cfg.APROMSize)
	}

	var data []byte
	if !d.inTransfer {
		d.addr = binary.LittleEndian.Uint32(pkt[8:12])
		d.total = binary.LittleEndian.Uint32(pkt[12:16])
		d.written = 0
		d.nexts = 0
		d.inTransfer = true
		data = pkt[16:]
	} else {
		d.nexts++
		if d.cfg.ResendEvery > 0 && d.nexts%d.cfg.ResendEvery == 0 {
			return false
		}
		data = pkt[8:]
	}

	remaining := d.total - d.written
	if uint32(len(data)) > remaining {
		data = data[:remaining]
	}
	start := d.addr + d.written
	if int(start)+len(data) <= len(d.flash) {
		copy(d.flash[start:], data)
	}
	d.written += uint32(len(data))
	if d.written >= d.total {
		d.inTransfer = false
	}
	return true
}

func (d *Demo) reply(pkt *isp.Packet, word2, word3 uint32) {
	d.packNo += d.cfg.PacketStep
	var r [isp.PacketSize]byte
	binary.LittleEndian.PutUint16(r[0:], pkt.Checksum())
	if binary.LittleEndian.Uint32(r[0:]) == uint32(isp.CmdResendPacket) {
		// keep an ordinary ack distinguishable from RESEND_PACKET
		r[3] = 0x80
	}
	binary.LittleEndian.PutUint32(r[4:], d.packNo)
	binary.LittleEndian.PutUint32(r[8:], word2)
	binary.LittleEndian.PutUint32(r[12:], word3)
	d.tx = append(d.tx, r[:]...)
}

func (d *Demo) queueBanner() {
	var r [isp.PacketSize]byte
	for i := range r {
		r[i] = d.cfg.Banner[i%len(d.cfg.Banner)]
	}
	d.tx = append(d.tx, r[:]...)
}

// Image returns a copy of the first n bytes of simulated APROM.
func (d *Demo) Image(n int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n > len(d.flash) {
		n = len(d.flash)
	}
	return append([]byte(nil), d.flash[:n]...)
}

// Erased reports whether ERASE_ALL was received.
func (d *Demo) Erased() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.erased
}

// Resends counts RESEND_PACKET replies sent.
func (d *Demo) Resends() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resends
}

// Reopens counts Reopen calls.
func (d *Demo) Reopens() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reopened
}

// Runs counts RUN_APROM and RESET commands received.
func (d *Demo) Runs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.runs
}
