package flasher

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/shaunagostinho/nuvoisp/internal/isp"
	"github.com/shaunagostinho/nuvoisp/internal/retry"
)

// Report describes what a Session did.
type Report struct {
	APROMSize     uint32
	DataFlashAddr uint32
	DeviceID      uint32
	DeviceIDKnown bool

	Synced bool
	Erased bool
	Ran    bool

	// Packets counts acknowledged UPDATE_APROM packets.
	Packets      int
	BytesWritten int
	Resends      int
	Timeouts     int
	Resyncs      int
	// AmbiguousResends counts RESEND_PACKET replies whose checksum word
	// equals the packet's own sum, i.e. that may have been acknowledgements.
	AmbiguousResends int
	// ChecksumMismatches counts replies whose echoed checksum differed
	// from the packet sent. They are never fatal.
	ChecksumMismatches int
}

// Session drives a captured bootloader through sync, identify, optional
// erase, the APROM update and the final RUN_APROM. Commands are issued
// strictly in that order.
type Session struct {
	link    *link
	cfg     Config
	log     *zap.SugaredLogger
	tracker *packetTracker
	report  Report
	prog    *progressReporter
}

func newSession(l *link, cfg Config, connect isp.Response) *Session {
	return &Session{
		link:    l,
		cfg:     cfg,
		log:     cfg.logger("session"),
		tracker: newPacketTracker(cfg.PacketStep, cfg.ResyncTolerance, cfg.MaxResyncs),
		prog:    newProgressReporter(cfg.ProgressCallback, 0),
		report: Report{
			APROMSize:     connect.APROMSize,
			DataFlashAddr: connect.DataFlashAddr,
		},
	}
}

// Report returns the counters collected so far.
func (s *Session) Report() Report {
	r := s.report
	r.Resyncs = s.tracker.resyncs
	r.ChecksumMismatches = s.link.checksumMismatches
	return r
}

// Handshake syncs the packet counter, reads the device ID and, when
// configured, erases APROM. The three steps are best effort. The device ID
// and image size guardrails are checked before the erase; imageLen 0 skips
// the size check.
func (s *Session) Handshake(ctx context.Context, imageLen int) error {
	s.sync(ctx)
	if err := ctx.Err(); err != nil {
		return err
	}
	s.identify(ctx)

	if want := s.cfg.ExpectedDeviceID; want != 0 {
		if !s.report.DeviceIDKnown || s.report.DeviceID != want {
			return &DeviceMismatchError{Expected: want, Actual: s.report.DeviceID, Known: s.report.DeviceIDKnown}
		}
	}
	if imageLen > 0 && s.report.APROMSize > 0 && uint32(imageLen) > s.report.APROMSize {
		return &ImageTooLargeError{Size: imageLen, APROMSize: s.report.APROMSize}
	}

	if s.cfg.EraseBeforeUpdate {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.erase(ctx)
	}
	return nil
}

func (s *Session) sync(ctx context.Context) {
	pkt := isp.EncodeSyncPackNo(s.link.nextSeq(), 1)
	resp, err := s.link.exchange(pkt, s.cfg.ResponseTimeout)
	switch {
	case err != nil:
		s.log.Warnw("SYNC_PACKNO failed, continuing", "error", err)
		s.recover(ctx, err)
	case resp.Kind != isp.BootloaderReply:
		s.log.Infow("no reply to SYNC_PACKNO, continuing", "reply", resp.Kind)
	default:
		s.report.Synced = true
		s.log.Debugw("packet counter synced", "packet_no", resp.PacketNo)
	}
}

func (s *Session) identify(ctx context.Context) {
	pkt := isp.EncodeSimple(isp.CmdGetDeviceID, s.link.nextSeq())
	resp, err := s.link.exchange(pkt, s.cfg.ResponseTimeout)
	switch {
	case err != nil:
		s.log.Warnw("GET_DEVICEID failed, continuing", "error", err)
		s.recover(ctx, err)
	case resp.Kind != isp.BootloaderReply:
		s.log.Warnw("no reply to GET_DEVICEID, continuing", "reply", resp.Kind)
	default:
		s.report.DeviceID = resp.DeviceID()
		s.report.DeviceIDKnown = true
		s.log.Infow("device identified", "device_id", fmt.Sprintf("0x%08X", s.report.DeviceID))
	}
}

func (s *Session) erase(ctx context.Context) {
	s.prog.report(PhaseErasing, 0, 0)
	s.log.Infow("erasing APROM", "timeout", s.cfg.EraseTimeout)
	pkt := isp.EncodeSimple(isp.CmdEraseAll, s.link.nextSeq())
	resp, err := s.link.exchange(pkt, s.cfg.EraseTimeout)
	switch {
	case err != nil:
		s.log.Warnw("ERASE_ALL failed, continuing", "error", err)
		s.recover(ctx, err)
	case resp.Kind != isp.BootloaderReply:
		s.log.Warnw("no reply to ERASE_ALL, continuing", "reply", resp.Kind)
	default:
		s.report.Erased = true
	}
}

// Transfer writes image starting at the configured address. Every packet
// is retried on timeout or RESEND_PACKET up to MaxPacketRetries times;
// after that the transfer fails with a *TransferError carrying the number
// of acknowledged bytes.
func (s *Session) Transfer(ctx context.Context, image []byte) error {
	if len(image) == 0 {
		return &TransferError{Stage: StageFirstPacket, Err: ErrEmptyImage}
	}
	total := len(image)
	s.prog.total = total

	first := image[:min(isp.FirstPayloadSize, total)]
	resp, err := s.sendUpdate(ctx, StageFirstPacket, func(seq uint32) (isp.Packet, error) {
		return isp.EncodeUpdateFirst(seq, s.cfg.StartAddress, uint32(total), first)
	})
	if err != nil {
		return &TransferError{Stage: StageFirstPacket, Offset: 0, Err: err}
	}
	s.tracker.baseline(resp.PacketNo)
	offset := len(first)
	s.acknowledged(offset)
	s.log.Infow("transfer started", "bytes", total, "address", fmt.Sprintf("0x%08X", s.cfg.StartAddress),
		"packet_no", resp.PacketNo)

	for offset < total {
		if err := ctx.Err(); err != nil {
			return &TransferError{Stage: StageContinuation, Offset: offset, Err: err}
		}
		chunk := image[offset:min(offset+isp.ContinuationPayloadSize, total)]
		_, err := s.sendUpdate(ctx, StageContinuation, func(seq uint32) (isp.Packet, error) {
			return isp.EncodeUpdateNext(seq, chunk)
		})
		if err != nil {
			return &TransferError{Stage: StageContinuation, Offset: offset, Err: err}
		}
		offset += len(chunk)
		s.acknowledged(offset)
	}

	s.log.Infow("transfer complete", "bytes", total, "packets", s.report.Packets,
		"resends", s.report.Resends, "timeouts", s.report.Timeouts, "resyncs", s.tracker.resyncs)
	return nil
}

func (s *Session) acknowledged(offset int) {
	s.report.Packets++
	s.report.BytesWritten = offset
	s.prog.report(PhaseWriting, offset, s.report.Packets)
}

// sendUpdate sends one UPDATE_APROM packet until the device acknowledges
// it. build is called per attempt so each retransmission carries a fresh
// host sequence number with the same data.
func (s *Session) sendUpdate(ctx context.Context, stage string, build func(seq uint32) (isp.Packet, error)) (isp.Response, error) {
	timeout := s.cfg.FlashTimeout
	p := retry.Policy{
		Attempts: s.cfg.MaxPacketRetries + 1,
		Delay:    s.cfg.RetryDelay,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			s.log.Infow("resending packet", "stage", stage, "attempt", attempt, "reason", err)
		},
	}
	return retry.Do(ctx, p, func(int) (isp.Response, error) {
		pkt, err := build(s.link.nextSeq())
		if err != nil {
			return isp.Response{}, retry.Permanent(err)
		}
		resp, err := s.link.exchange(pkt, timeout)
		if err != nil {
			s.recover(ctx, err)
			return resp, err
		}

		switch {
		case resp.Kind == isp.Malformed:
			s.report.Timeouts++
			return resp, errors.Wrapf(ErrProtocolTimeout, "%s after %v, %d bytes received", stage, timeout, len(resp.Raw))
		case resp.Kind == isp.ApplicationReply:
			return resp, retry.Permanent(errors.Wrapf(ErrUnexpectedApplication, "%q", resp.Text()))
		case resp.IsResend():
			s.report.Resends++
			if resp.Checksum == pkt.Checksum() {
				// 0x00FF echoed by an ACK reads the same as RESEND_PACKET
				s.report.AmbiguousResends++
				s.log.Warnw("RESEND_PACKET reply matches the packet checksum, may be an acknowledgement",
					"stage", stage, "checksum", fmt.Sprintf("0x%04X", resp.Checksum), "packet_no", resp.PacketNo)
			}
			return resp, errors.Wrap(ErrResendRequested, stage)
		}

		if stage == StageContinuation {
			drift, err := s.tracker.observe(resp.PacketNo)
			if err != nil {
				return resp, retry.Permanent(err)
			}
			if drift != 0 {
				logw := s.log.Infow
				if drift < 0 || drift > s.cfg.ResyncTolerance {
					logw = s.log.Warnw
				}
				logw("packet number resynced", "packet_no", resp.PacketNo, "drift", drift,
					"resyncs", s.tracker.resyncs, "max", s.cfg.MaxResyncs)
			}
		}
		return resp, nil
	})
}

// Run sends RUN_APROM. Success only requires the packet to be written; the
// device resets into the application without replying.
func (s *Session) Run(ctx context.Context) error {
	s.prog.report(PhaseRunning, s.report.BytesWritten, s.report.Packets)
	p := retry.Policy{Attempts: s.cfg.MaxPacketRetries + 1, Delay: s.cfg.RetryDelay}
	_, err := retry.Do(ctx, p, func(int) (struct{}, error) {
		err := s.link.send(isp.EncodeSimple(isp.CmdRunAPROM, s.link.nextSeq()))
		if err != nil {
			s.recover(ctx, err)
		}
		return struct{}{}, err
	})
	if err != nil {
		return &TransferError{Stage: StageRun, Offset: s.report.BytesWritten, Err: err}
	}
	s.report.Ran = true
	s.log.Infow("RUN_APROM sent")
	return nil
}

// recover reopens the transport after an I/O failure. Timeouts are left to
// the caller's retry.
func (s *Session) recover(ctx context.Context, err error) {
	var te *TransportError
	if !errors.As(err, &te) {
		return
	}
	if rerr := s.link.reopen(ctx); rerr != nil {
		s.log.Warnw("reopen failed", "error", rerr)
	}
}
