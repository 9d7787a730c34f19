package flasher

import (
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/shaunagostinho/nuvoisp/internal/isp"
	"github.com/shaunagostinho/nuvoisp/internal/transport"
)

// fakePort hands every written packet to respond and queues the reply.
type fakePort struct {
	mu       sync.Mutex
	respond  func(pkt isp.Packet) []byte
	writeErr func(n int) error
	resetErr error

	writes  int
	sent    []isp.Packet
	rx      []byte
	reopens int
	closed  bool
}

var _ transport.Port = (*fakePort)(nil)

func (f *fakePort) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	if f.writeErr != nil {
		if err := f.writeErr(f.writes); err != nil {
			return 0, err
		}
	}
	var pkt isp.Packet
	copy(pkt[:], p)
	f.sent = append(f.sent, pkt)
	if f.respond != nil {
		if r := f.respond(pkt); r != nil {
			f.rx = append(f.rx, r...)
		}
	}
	return len(p), nil
}

func (f *fakePort) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := copy(p, f.rx)
	f.rx = f.rx[n:]
	return n, nil
}

func (f *fakePort) SetReadTimeout(time.Duration) error { return nil }

func (f *fakePort) ResetInputBuffer() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rx = nil
	return f.resetErr
}

func (f *fakePort) ResetOutputBuffer() error { return f.resetErr }
func (f *fakePort) Drain() error             { return nil }

func (f *fakePort) Reopen() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reopens++
	f.rx = nil
	return nil
}

func (f *fakePort) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakePort) sentCommands() []isp.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]isp.Command, 0, len(f.sent))
	for i := range f.sent {
		out = append(out, f.sent[i].Command())
	}
	return out
}

// override lets a test replace the reply to one continuation packet.
// handled=false falls through to the normal acknowledgement; reply=nil
// with handled=true means no reply at all.
type override func(n int, b *bootloader, pkt *isp.Packet) (reply []byte, handled bool)

// bootloader is a scripted ISP device. Before capture it answers CONNECT
// with application text chatter times, then ignores silent probes, then
// answers.
type bootloader struct {
	chatter int
	silent  int

	step      uint16
	deviceID  uint32
	apromSize uint32
	skipSync  bool
	badSum    bool
	dropFirst int

	onContinuation override

	captured      bool
	packNo        uint16
	cmds          []isp.Command
	firsts        int
	continuations int
	lastPayload   []byte
	inTransfer    bool
	total         int
	data          []byte
	ran           bool
}

func newBootloader() *bootloader {
	return &bootloader{step: 2, deviceID: 0x00D26300, apromSize: 64 * 1024}
}

func (b *bootloader) port() *fakePort {
	return &fakePort{respond: b.respond}
}

func (b *bootloader) respond(pkt isp.Packet) []byte {
	if !b.captured {
		if b.chatter > 0 {
			b.chatter--
			return textReply("APROM app v0.9 ready\r\n")
		}
		if b.silent > 0 {
			b.silent--
			return nil
		}
		if pkt.Command() != isp.CmdConnect {
			return nil
		}
		b.captured = true
		b.packNo = 0
		return b.ack(&pkt, b.apromSize, 0x0001F000)
	}

	b.cmds = append(b.cmds, pkt.Command())
	switch pkt.Command() {
	case isp.CmdConnect:
		b.packNo = 0
		b.inTransfer = false
		return b.ack(&pkt, b.apromSize, 0x0001F000)

	case isp.CmdSyncPackNo:
		b.inTransfer = false
		b.packNo = uint16(binary.LittleEndian.Uint32(pkt[8:12])) - b.step
		if b.skipSync {
			b.packNo += b.step
			return nil
		}
		return b.ack(&pkt, 0, 0)

	case isp.CmdGetDeviceID:
		return b.ack(&pkt, b.deviceID, 0)

	case isp.CmdUpdateAPROM:
		if !b.inTransfer {
			b.firsts++
			if b.dropFirst > 0 {
				b.dropFirst--
				return nil
			}
			b.total = int(binary.LittleEndian.Uint32(pkt[12:16]))
			n := min(isp.FirstPayloadSize, b.total)
			b.data = append([]byte(nil), pkt[16:16+n]...)
			b.lastPayload = append([]byte(nil), pkt[16:]...)
			b.inTransfer = len(b.data) < b.total
			return b.ack(&pkt, 0, 0)
		}

		b.continuations++
		if b.onContinuation != nil {
			if r, handled := b.onContinuation(b.continuations, b, &pkt); handled {
				return r
			}
		}
		n := min(isp.ContinuationPayloadSize, b.total-len(b.data))
		b.data = append(b.data, pkt[8:8+n]...)
		b.lastPayload = append([]byte(nil), pkt[8:]...)
		b.inTransfer = len(b.data) < b.total
		return b.ack(&pkt, 0, 0)

	case isp.CmdRunAPROM:
		b.ran = true
		b.captured = false
		return nil

	default:
		return b.ack(&pkt, 0, 0)
	}
}

// ack acknowledges pkt. Packets summing to 0x00FF would make the reply
// read as RESEND_PACKET, so ack sets a high byte to keep scripted tests
// off that collision; rawAck leaves it in place.
func (b *bootloader) ack(pkt *isp.Packet, word2, word3 uint32) []byte {
	r := b.rawAck(pkt, word2, word3)
	if binary.LittleEndian.Uint32(r[0:]) == uint32(isp.CmdResendPacket) {
		r[3] = 0x80
	}
	return r
}

func (b *bootloader) rawAck(pkt *isp.Packet, word2, word3 uint32) []byte {
	b.packNo += b.step
	r := make([]byte, isp.PacketSize)
	sum := pkt.Checksum()
	if b.badSum {
		sum ^= 0x5A5A
	}
	binary.LittleEndian.PutUint16(r[0:], sum)
	binary.LittleEndian.PutUint32(r[4:], uint32(b.packNo))
	binary.LittleEndian.PutUint32(r[8:], word2)
	binary.LittleEndian.PutUint32(r[12:], word3)
	return r
}

func resendReply(packNo uint16) []byte {
	r := make([]byte, isp.PacketSize)
	binary.LittleEndian.PutUint32(r[0:], uint32(isp.CmdResendPacket))
	binary.LittleEndian.PutUint32(r[4:], uint32(packNo))
	return r
}

func textReply(s string) []byte {
	r := make([]byte, isp.PacketSize)
	for i := range r {
		r[i] = s[i%len(s)]
	}
	return r
}

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ProbeSettle = 0
	cfg.ProbeTimeout = 5 * time.Millisecond
	cfg.ProbeInterval = 0
	cfg.CaptureBudget = 5 * time.Second
	cfg.ResponseTimeout = 5 * time.Millisecond
	cfg.EraseTimeout = 5 * time.Millisecond
	cfg.FlashTimeout = 5 * time.Millisecond
	cfg.RetryDelay = 0
	cfg.OpenDelay = 0
	cfg.SessionDelay = 0
	cfg.PostRunWait = 0
	cfg.Logger = zaptest.NewLogger(t).Sugar()
	return cfg
}

func testImage(n int) []byte {
	img := make([]byte, n)
	for i := range img {
		img[i] = byte(i*7 + 3)
	}
	return img
}

func newTestFlasher(t *testing.T, port transport.Port, opts ...Option) *Flasher {
	t.Helper()
	all := append([]Option{WithConfig(testConfig(t))}, opts...)
	return New(func() (transport.Port, error) { return port, nil }, all...)
}
