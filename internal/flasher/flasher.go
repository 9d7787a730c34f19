// Package flasher implements the Nuvoton ISP update engine: capturing the
// bootloader after reset, the transfer session and the driver that owns
// the transport and reports one terminal outcome.
package flasher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/shaunagostinho/nuvoisp/internal/retry"
	"github.com/shaunagostinho/nuvoisp/internal/transport"
)

// Outcome is the terminal result of an update.
type Outcome int

const (
	Success Outcome = iota
	CaptureFailed
	TransferFailed
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case CaptureFailed:
		return "capture failed"
	case TransferFailed:
		return "transfer failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is what Flash and Identify return.
type Result struct {
	Outcome Outcome
	// Offset is the number of bytes acknowledged when a transfer failed.
	Offset int
	Err    error

	Capture CaptureStats
	Report  Report
	// Attempts is the number of capture and transfer sequences run.
	Attempts int
	// AppOutput is text the application printed after RUN_APROM.
	AppOutput string
	Duration  time.Duration
}

// Cancelled reports whether the run was stopped by its context.
func (r *Result) Cancelled() bool {
	return r.Err != nil && (errors.Is(r.Err, context.Canceled) || errors.Is(r.Err, context.DeadlineExceeded))
}

// Opener opens the transport. It is called once per Flash or Identify.
type Opener func() (transport.Port, error)

// Flasher composes capture and transfer over one transport.
type Flasher struct {
	open Opener
	cfg  Config
	log  *zap.SugaredLogger
}

// New creates a Flasher.
func New(open Opener, opts ...Option) *Flasher {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Flasher{open: open, cfg: cfg, log: cfg.logger("flasher")}
}

// Config returns the effective configuration.
func (f *Flasher) Config() Config { return f.cfg }

// Flash captures the bootloader, writes image to APROM and starts it.
func (f *Flasher) Flash(ctx context.Context, image []byte) *Result {
	if len(image) == 0 {
		return &Result{Outcome: TransferFailed, Err: ErrEmptyImage}
	}
	return f.run(ctx, func(ctx context.Context, port transport.Port) *Result {
		return f.flashOnce(ctx, port, image)
	})
}

// Identify captures the bootloader, reads the device ID and APROM layout,
// then sends RUN_APROM to release the device. Nothing is written.
func (f *Flasher) Identify(ctx context.Context) *Result {
	return f.run(ctx, f.identifyOnce)
}

type attemptFunc func(ctx context.Context, port transport.Port) *Result

// run owns the transport for the whole operation and restarts the
// sequence up to SessionAttempts times.
func (f *Flasher) run(ctx context.Context, attempt attemptFunc) *Result {
	start := time.Now()

	port, err := f.openPort(ctx)
	if err != nil {
		return &Result{Outcome: CaptureFailed, Err: err, Duration: time.Since(start)}
	}
	defer func() {
		if err := port.Close(); err != nil {
			f.log.Debugw("close failed", "error", err)
		}
	}()

	var last *Result
	p := retry.Exponential(f.cfg.SessionAttempts, f.cfg.SessionDelay, 30*time.Second)
	p.OnRetry = func(n int, err error, delay time.Duration) {
		f.log.Warnw("update attempt failed, starting over", "attempt", n, "error", err, "retry_in", delay)
	}
	n := 0
	_, _ = retry.Do(ctx, p, func(int) (struct{}, error) {
		n++
		last = attempt(ctx, port)
		if last.Outcome == Success {
			return struct{}{}, nil
		}
		if last.Cancelled() || guardrail(last.Err) {
			return struct{}{}, retry.Permanent(last.Err)
		}
		return struct{}{}, last.Err
	})
	if last == nil {
		last = &Result{Outcome: CaptureFailed, Err: errors.Wrap(ctx.Err(), "capture")}
	} else if ctx.Err() != nil && last.Outcome != Success && !last.Cancelled() {
		last.Err = errors.WithMessage(ctx.Err(), last.Err.Error())
	}
	last.Attempts = n
	last.Duration = time.Since(start)
	return last
}

// openPort opens the transport with exponential backoff.
func (f *Flasher) openPort(ctx context.Context) (transport.Port, error) {
	p := retry.Exponential(f.cfg.OpenAttempts, f.cfg.OpenDelay, 10*time.Second)
	p.OnRetry = func(attempt int, err error, delay time.Duration) {
		f.log.Warnw("open failed", "attempt", attempt, "max", f.cfg.OpenAttempts, "error", err, "retry_in", delay)
	}
	port, err := retry.Do(ctx, p, func(int) (transport.Port, error) {
		return f.open()
	})
	if err != nil {
		return nil, &TransportError{Op: "open", Err: err}
	}
	return port, nil
}

func (f *Flasher) capture(ctx context.Context, l *link, res *Result) (*Session, bool) {
	prog := newProgressReporter(f.cfg.ProgressCallback, 0)
	prog.report(PhaseCapturing, 0, 0)

	c := newCapturer(l, f.cfg)
	reply, err := c.Run(ctx)
	res.Capture = c.Stats()
	if err != nil {
		res.Outcome = CaptureFailed
		res.Err = err
		return nil, false
	}
	return newSession(l, f.cfg, reply), true
}

func (f *Flasher) flashOnce(ctx context.Context, port transport.Port, image []byte) *Result {
	res := &Result{}
	l := newLink(port, f.cfg.Recorder, f.cfg.logger("link"))
	sess, ok := f.capture(ctx, l, res)
	if !ok {
		return res
	}
	defer func() { res.Report = sess.Report() }()

	if err := sess.Handshake(ctx, len(image)); err != nil {
		res.Outcome = TransferFailed
		res.Err = &TransferError{Stage: StageHandshake, Err: err}
		return res
	}
	if err := sess.Transfer(ctx, image); err != nil {
		res.Outcome = TransferFailed
		res.Err = err
		var te *TransferError
		if errors.As(err, &te) {
			res.Offset = te.Offset
		}
		return res
	}
	if err := sess.Run(ctx); err != nil {
		res.Outcome = TransferFailed
		res.Offset = len(image)
		res.Err = err
		return res
	}

	res.AppOutput = f.observe(ctx, port)
	sess.prog.report(PhaseComplete, len(image), sess.report.Packets)
	res.Outcome = Success
	return res
}

func (f *Flasher) identifyOnce(ctx context.Context, port transport.Port) *Result {
	res := &Result{}
	l := newLink(port, f.cfg.Recorder, f.cfg.logger("link"))
	sess, ok := f.capture(ctx, l, res)
	if !ok {
		return res
	}
	defer func() { res.Report = sess.Report() }()

	cfg := sess.cfg
	cfg.EraseBeforeUpdate = false
	sess.cfg = cfg
	if err := sess.Handshake(ctx, 0); err != nil {
		res.Outcome = TransferFailed
		res.Err = &TransferError{Stage: StageHandshake, Err: err}
		return res
	}
	if err := sess.Run(ctx); err != nil {
		res.Outcome = TransferFailed
		res.Err = err
		return res
	}
	res.AppOutput = f.observe(ctx, port)
	res.Outcome = Success
	return res
}

// observe listens briefly for the application's first output after
// RUN_APROM. Silence is normal; the device may reset without printing.
func (f *Flasher) observe(ctx context.Context, port transport.Port) string {
	if f.cfg.PostRunWait <= 0 {
		return ""
	}
	if err := retry.Sleep(ctx, f.cfg.PostRunWait/2); err != nil {
		return ""
	}
	out := transport.Discard(port, f.cfg.PostRunWait/2, 4096)
	if len(out) == 0 {
		f.log.Infow("no application output after RUN_APROM")
		return ""
	}
	text := strings.TrimSpace(strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 0x20 && r < 0x7f) {
			return r
		}
		return -1
	}, string(out)))
	f.log.Infow("application output", "bytes", len(out), "text", text)
	return text
}
