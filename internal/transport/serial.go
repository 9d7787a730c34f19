package transport

import (
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"go.bug.st/serial"
	"go.uber.org/zap"
)

// SerialConfig holds connection settings for a UART port.
type SerialConfig struct {
	PortPath     string
	BaudRate     int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// ReopenDelay is the pause between closing and reopening the port, and
	// again after reopening before it is used.
	ReopenDelay time.Duration
	// LockDir holds the advisory lock file for the port. Empty means the
	// system temp directory.
	LockDir string
	// NoLock skips the lock file.
	NoLock bool
}

// Serial is a Port backed by go.bug.st/serial. The ISP bootloader uses
// 8N1 without flow control.
type Serial struct {
	cfg  SerialConfig
	log  *zap.SugaredLogger
	mu   sync.Mutex
	port serial.Port
	lock *flock.Flock
}

// NewSerial fills in defaults for cfg. Call Open before use.
func NewSerial(cfg SerialConfig, log *zap.SugaredLogger) *Serial {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 115200
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.ReopenDelay == 0 {
		cfg.ReopenDelay = 500 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Serial{cfg: cfg, log: log}
}

// OpenSerial creates and opens a serial Port.
func OpenSerial(cfg SerialConfig, log *zap.SugaredLogger) (*Serial, error) {
	s := NewSerial(cfg, log)
	if err := s.Open(); err != nil {
		return nil, err
	}
	return s, nil
}

// Open locks and opens the configured device. The lock is held until
// Close, across any Reopen.
func (s *Serial) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.cfg.NoLock && s.lock == nil {
		fl, err := lockPort(s.cfg.LockDir, s.cfg.PortPath)
		if err != nil {
			return err
		}
		s.lock = fl
	}
	if err := s.openLocked(); err != nil {
		s.unlock()
		return err
	}
	return nil
}

func (s *Serial) unlock() {
	if s.lock == nil {
		return
	}
	if err := s.lock.Unlock(); err != nil {
		s.log.Debugw("unlock failed", "path", s.lock.Path(), "error", err)
	}
	s.lock = nil
}

func (s *Serial) openLocked() error {
	mode := &serial.Mode{
		BaudRate: s.cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(s.cfg.PortPath, mode)
	if err != nil {
		return errors.Wrapf(err, "open %s", s.cfg.PortPath)
	}
	if err := port.SetReadTimeout(s.cfg.ReadTimeout); err != nil {
		port.Close()
		return errors.Wrapf(err, "set read timeout on %s", s.cfg.PortPath)
	}
	s.port = port
	s.log.Infow("port opened", "port", s.cfg.PortPath, "baud", s.cfg.BaudRate)
	return nil
}

func (s *Serial) current() (serial.Port, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil, ErrClosed
	}
	return s.port, nil
}

func (s *Serial) Read(p []byte) (int, error) {
	port, err := s.current()
	if err != nil {
		return 0, err
	}
	return port.Read(p)
}

// Write sends p, giving up after the configured write timeout. The serial
// driver has no write deadline of its own, so the write runs on a separate
// goroutine; a timed out write is unblocked by the Reopen that follows it.
func (s *Serial) Write(p []byte) (int, error) {
	port, err := s.current()
	if err != nil {
		return 0, err
	}

	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := port.Write(p)
		done <- result{n, err}
	}()

	timer := time.NewTimer(s.cfg.WriteTimeout)
	defer timer.Stop()
	select {
	case r := <-done:
		return r.n, r.err
	case <-timer.C:
		return 0, errors.Wrapf(ErrWriteTimeout, "%d bytes after %v", len(p), s.cfg.WriteTimeout)
	}
}

func (s *Serial) SetReadTimeout(d time.Duration) error {
	port, err := s.current()
	if err != nil {
		return err
	}
	return port.SetReadTimeout(d)
}

func (s *Serial) ResetInputBuffer() error {
	port, err := s.current()
	if err != nil {
		return err
	}
	return port.ResetInputBuffer()
}

func (s *Serial) ResetOutputBuffer() error {
	port, err := s.current()
	if err != nil {
		return err
	}
	return port.ResetOutputBuffer()
}

func (s *Serial) Drain() error {
	port, err := s.current()
	if err != nil {
		return err
	}
	return port.Drain()
}

// Reopen closes the port, waits, and opens it again. USB-UART adapters
// sometimes wedge under a burst of small writes; a close/open cycle clears it.
func (s *Serial) Reopen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port != nil {
		if err := s.port.Close(); err != nil {
			s.log.Debugw("close before reopen failed", "port", s.cfg.PortPath, "error", err)
		}
		s.port = nil
	}
	time.Sleep(s.cfg.ReopenDelay)

	if err := s.openLocked(); err != nil {
		return err
	}
	time.Sleep(s.cfg.ReopenDelay / 2)
	s.log.Infow("port reopened", "port", s.cfg.PortPath)
	return nil
}

func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.unlock()
	if s.port != nil {
		err := s.port.Close()
		s.port = nil
		return err
	}
	return nil
}

// Path returns the device path.
func (s *Serial) Path() string { return s.cfg.PortPath }
