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

// CaptureState is the state of a Capturer.
type CaptureState int

const (
	StateIdle CaptureState = iota
	StateProbing
	StateCaptured
	StateExhausted
)

func (s CaptureState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProbing:
		return "probing"
	case StateCaptured:
		return "captured"
	case StateExhausted:
		return "exhausted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// CaptureStats summarizes a capture run.
type CaptureStats struct {
	Probes             int
	ApplicationReplies int
	Reopens            int
	Elapsed            time.Duration
}

// Capturer races the bootloader's post-reset window by sending CONNECT
// until a binary ISP reply comes back. The operator resets the target at
// any time; the capturer only sees the result through reply classification.
type Capturer struct {
	link *link
	cfg  Config
	log  *zap.SugaredLogger

	state CaptureState
	stats CaptureStats
	reply isp.Response
}

func newCapturer(l *link, cfg Config) *Capturer {
	return &Capturer{link: l, cfg: cfg, log: cfg.logger("capture")}
}

// State returns the current state.
func (c *Capturer) State() CaptureState { return c.state }

// Stats returns the counters collected so far.
func (c *Capturer) Stats() CaptureStats { return c.stats }

// Reply returns the CONNECT reply that ended capture.
func (c *Capturer) Reply() isp.Response { return c.reply }

// Probe runs a single probe cycle and returns how the reply was classified.
// Application and Malformed replies keep the capturer in Probing. A
// transport failure is returned to the caller, which decides whether to
// reopen.
func (c *Capturer) Probe(ctx context.Context) (isp.ResponseKind, error) {
	if c.state == StateCaptured {
		return isp.BootloaderReply, nil
	}
	c.state = StateProbing
	c.stats.Probes++

	pkt := isp.EncodeSimple(isp.CmdConnect, c.link.nextSeq())
	if err := c.link.send(pkt); err != nil {
		return isp.Malformed, err
	}
	if err := retry.Sleep(ctx, c.cfg.ProbeSettle); err != nil {
		return isp.Malformed, err
	}
	resp, err := c.link.receive(c.cfg.ProbeTimeout)
	if err != nil {
		return isp.Malformed, err
	}

	switch resp.Kind {
	case isp.BootloaderReply:
		c.state = StateCaptured
		c.reply = resp
	case isp.ApplicationReply:
		c.stats.ApplicationReplies++
		if c.stats.ApplicationReplies == 1 {
			c.log.Infow("application is running, reset the target", "output", resp.Text())
		}
	}
	return resp.Kind, nil
}

// Run probes until the bootloader answers, the capture budget is spent or
// ctx is done.
func (c *Capturer) Run(ctx context.Context) (isp.Response, error) {
	start := time.Now()
	deadline := start.Add(c.cfg.CaptureBudget)
	c.state = StateProbing
	c.log.Infow("probing for bootloader", "budget", c.cfg.CaptureBudget)

	var last error
	for {
		c.stats.Elapsed = time.Since(start)
		if err := ctx.Err(); err != nil {
			return isp.Response{}, errors.Wrap(err, "capture")
		}
		if time.Now().After(deadline) || (c.cfg.MaxProbes > 0 && c.stats.Probes >= c.cfg.MaxProbes) {
			return isp.Response{}, c.exhausted(last)
		}

		kind, err := c.Probe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return isp.Response{}, errors.Wrap(ctx.Err(), "capture")
			}
			last = err
			c.stats.Reopens++
			if c.stats.Reopens > c.cfg.MaxReopens {
				return isp.Response{}, c.exhausted(last)
			}
			c.log.Warnw("probe failed, reopening port", "error", err, "reopens", c.stats.Reopens)
			if rerr := c.link.reopen(ctx); rerr != nil {
				last = rerr
			}
			continue
		}

		if kind == isp.BootloaderReply {
			c.stats.Elapsed = time.Since(start)
			c.log.Infow("bootloader captured",
				"probes", c.stats.Probes,
				"elapsed", c.stats.Elapsed.Round(time.Millisecond),
				"aprom_size", c.reply.APROMSize,
				"dataflash_addr", fmt.Sprintf("0x%08X", c.reply.DataFlashAddr))
			return c.reply, nil
		}

		if err := retry.Sleep(ctx, c.cfg.ProbeInterval); err != nil {
			return isp.Response{}, errors.Wrap(err, "capture")
		}
	}
}

func (c *Capturer) exhausted(last error) error {
	c.state = StateExhausted
	c.log.Warnw("capture budget spent", "probes", c.stats.Probes, "elapsed", c.stats.Elapsed)
	return &CaptureError{
		Probes:             c.stats.Probes,
		ApplicationReplies: c.stats.ApplicationReplies,
		Reopens:            c.stats.Reopens,
		Elapsed:            c.stats.Elapsed,
		Last:               last,
	}
}
