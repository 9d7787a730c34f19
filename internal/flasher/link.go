package flasher

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/shaunagostinho/nuvoisp/internal/isp"
	"github.com/shaunagostinho/nuvoisp/internal/retry"
	"github.com/shaunagostinho/nuvoisp/internal/transport"
)

// link is the packet-level view of a Port shared by capture and session.
// It owns the host sequence number written into bytes 4-7.
type link struct {
	port transport.Port
	rec  Recorder
	log  *zap.SugaredLogger
	seq  uint32
	hex  bool

	checksumMismatches int
}

func newLink(port transport.Port, rec Recorder, log *zap.SugaredLogger) *link {
	return &link{
		port: port,
		rec:  rec,
		log:  log,
		hex:  log.Desugar().Core().Enabled(zap.DebugLevel),
	}
}

func (l *link) nextSeq() uint32 {
	l.seq++
	return l.seq
}

// send writes one packet. Buffer resets and drain are hints to the driver
// and never fail the send.
func (l *link) send(pkt isp.Packet) error {
	if err := l.port.ResetInputBuffer(); err != nil {
		l.log.Debugw("reset input buffer failed", "error", err)
	}
	if err := l.port.ResetOutputBuffer(); err != nil {
		l.log.Debugw("reset output buffer failed", "error", err)
	}

	n, err := l.port.Write(pkt.Bytes())
	if err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	if n != isp.PacketSize {
		return &TransportError{Op: "write", Err: errors.Errorf("short write %d/%d bytes", n, isp.PacketSize)}
	}
	if err := l.port.Drain(); err != nil {
		l.log.Debugw("drain failed", "error", err)
	}

	if l.rec != nil {
		l.rec.Record("tx", pkt.Bytes())
	}
	if l.hex {
		l.log.Debugw("tx", "cmd", pkt.Command(), "seq", pkt.Sequence(), "hex", fmt.Sprintf("% x", pkt.Bytes()))
	}
	return nil
}

// receive reads one reply. A short read is a Malformed response, not an
// error.
func (l *link) receive(timeout time.Duration) (isp.Response, error) {
	b, err := transport.ReadPacket(l.port, isp.PacketSize, timeout)
	if len(b) > 0 {
		if l.rec != nil {
			l.rec.Record("rx", b)
		}
		if l.hex {
			l.log.Debugw("rx", "bytes", len(b), "hex", fmt.Sprintf("% x", b))
		}
	}
	resp := isp.DecodeResponse(b)
	if err != nil {
		return resp, &TransportError{Op: "read", Err: err}
	}
	return resp, nil
}

// exchange sends pkt and reads the reply.
func (l *link) exchange(pkt isp.Packet, timeout time.Duration) (isp.Response, error) {
	if err := l.send(pkt); err != nil {
		return isp.Response{}, err
	}
	resp, err := l.receive(timeout)
	if err != nil {
		return resp, err
	}
	if resp.Kind == isp.BootloaderReply && !resp.IsResend() && resp.Checksum != pkt.Checksum() {
		l.checksumMismatches++
		l.log.Debugw("reply checksum differs", "cmd", pkt.Command(),
			"sent", pkt.Checksum(), "echoed", resp.Checksum)
	}
	return resp, nil
}

// reopen cycles the transport, retrying a few times.
func (l *link) reopen(ctx context.Context) error {
	p := retry.Exponential(3, 100*time.Millisecond, time.Second)
	p.OnRetry = func(attempt int, err error, delay time.Duration) {
		l.log.Warnw("reopen failed", "attempt", attempt, "error", err, "retry_in", delay)
	}
	_, err := retry.Do(ctx, p, func(int) (struct{}, error) {
		return struct{}{}, l.port.Reopen()
	})
	if err != nil {
		return &TransportError{Op: "reopen", Err: err}
	}
	return nil
}
