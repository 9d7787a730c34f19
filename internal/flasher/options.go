package flasher

import (
	"time"

	"go.uber.org/zap"
)

// Config holds the protocol timing, retry budgets and update policy.
type Config struct {
	// ProbeSettle is the pause between writing a CONNECT probe and reading
	// the reply.
	ProbeSettle time.Duration
	// ProbeTimeout bounds the read of one probe reply.
	ProbeTimeout time.Duration
	// ProbeInterval is the pause between probe cycles.
	ProbeInterval time.Duration
	// CaptureBudget is how long capture keeps probing before giving up.
	CaptureBudget time.Duration
	// MaxProbes additionally bounds the number of probe cycles. Zero means
	// only CaptureBudget applies.
	MaxProbes int
	// MaxReopens bounds transport reopen cycles during capture.
	MaxReopens int

	// ResponseTimeout bounds an ordinary command reply.
	ResponseTimeout time.Duration
	// EraseTimeout bounds the ERASE_ALL reply.
	EraseTimeout time.Duration
	// FlashTimeout bounds UPDATE_APROM replies.
	FlashTimeout time.Duration
	// MaxPacketRetries is how many times one packet is resent after a
	// timeout or RESEND_PACKET before the transfer fails.
	MaxPacketRetries int
	// RetryDelay is the pause before resending a packet.
	RetryDelay time.Duration
	// ResyncTolerance is the largest first-continuation jump the packet
	// step is learned from, and the drift logged at info rather than warn.
	ResyncTolerance int
	// MaxResyncs bounds how many drifted packet numbers one transfer
	// absorbs before failing with ErrDesync.
	MaxResyncs int
	// PacketStep fixes the device packet number increment per reply. Zero
	// learns it from the first continuation reply.
	PacketStep uint16

	// EraseBeforeUpdate sends ERASE_ALL before writing.
	EraseBeforeUpdate bool
	// StartAddress is the APROM address the image is written to.
	StartAddress uint32
	// ExpectedDeviceID aborts the update when the device reports another ID.
	// Zero disables the check.
	ExpectedDeviceID uint32

	// OpenAttempts bounds opening the transport.
	OpenAttempts int
	// OpenDelay is the first backoff delay between open attempts.
	OpenDelay time.Duration
	// SessionAttempts is how many times the whole capture and transfer
	// sequence runs before the failure is reported.
	SessionAttempts int
	// SessionDelay is the first backoff delay between session attempts.
	SessionDelay time.Duration
	// PostRunWait is how long to listen for application output after
	// RUN_APROM.
	PostRunWait time.Duration

	Logger           *zap.SugaredLogger
	ProgressCallback ProgressCallback
	Recorder         Recorder
}

// DefaultConfig returns settings that work with the stock Nuvoton LDROM
// bootloader at 115200 baud.
func DefaultConfig() Config {
	return Config{
		ProbeSettle:      20 * time.Millisecond,
		ProbeTimeout:     50 * time.Millisecond,
		ProbeInterval:    10 * time.Millisecond,
		CaptureBudget:    60 * time.Second,
		MaxReopens:       5,
		ResponseTimeout:  time.Second,
		EraseTimeout:     2 * time.Second,
		FlashTimeout:     3 * time.Second,
		MaxPacketRetries: 3,
		RetryDelay:       50 * time.Millisecond,
		ResyncTolerance:  4,
		MaxResyncs:       16,
		OpenAttempts:     5,
		OpenDelay:        500 * time.Millisecond,
		SessionAttempts:  1,
		SessionDelay:     time.Second,
		PostRunWait:      time.Second,
	}
}

// Option configures a Flasher.
type Option func(*Config)

// WithConfig replaces the whole configuration. Options after it still apply.
func WithConfig(cfg Config) Option {
	return func(c *Config) { *c = cfg }
}

// WithLogger sets the logger. Components log under named children.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(c *Config) { c.Logger = log }
}

// WithProgressCallback sets a callback invoked after every acknowledged
// UPDATE_APROM packet and at stage changes.
func WithProgressCallback(cb ProgressCallback) Option {
	return func(c *Config) { c.ProgressCallback = cb }
}

// WithRecorder traces every packet sent and received.
func WithRecorder(r Recorder) Option {
	return func(c *Config) { c.Recorder = r }
}

// WithErase turns the blanket ERASE_ALL before the update on or off.
func WithErase(erase bool) Option {
	return func(c *Config) { c.EraseBeforeUpdate = erase }
}

// WithCaptureBudget bounds how long capture probes for the bootloader.
func WithCaptureBudget(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.CaptureBudget = d
		}
	}
}

// WithExpectedDeviceID aborts before any write when the device ID differs.
func WithExpectedDeviceID(id uint32) Option {
	return func(c *Config) { c.ExpectedDeviceID = id }
}

// WithPacketRetries sets how many times one packet may be resent.
func WithPacketRetries(n int) Option {
	return func(c *Config) {
		if n >= 0 {
			c.MaxPacketRetries = n
		}
	}
}

// WithSessionAttempts sets how many times the whole update is attempted.
func WithSessionAttempts(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.SessionAttempts = n
		}
	}
}

func (c *Config) logger(name string) *zap.SugaredLogger {
	if c.Logger == nil {
		return zap.NewNop().Sugar()
	}
	return c.Logger.Named(name)
}
