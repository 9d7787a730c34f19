// Package transport provides the byte channels the flasher talks over: a
// real serial port and a simulated ISP bootloader for demo runs.
package transport

import (
	"io"
	"time"

	"github.com/pkg/errors"
)

// Port is a duplex byte channel with timeouts. A Read that returns 0 bytes
// and a nil error means the read timeout elapsed with nothing received.
type Port interface {
	io.ReadWriter

	// SetReadTimeout bounds how long a single Read may block.
	SetReadTimeout(d time.Duration) error

	// ResetInputBuffer discards received but unread bytes.
	ResetInputBuffer() error
	// ResetOutputBuffer discards bytes queued but not yet transmitted.
	ResetOutputBuffer() error
	// Drain blocks until queued output has been transmitted.
	Drain() error

	// Reopen closes the underlying channel and opens it again with the
	// same settings.
	Reopen() error
	Close() error
}

// Errors returned by Port implementations.
var (
	ErrWriteTimeout = errors.New("write timed out")
	ErrClosed       = errors.New("port closed")
)

// ReadPacket reads up to size bytes, stopping early when the port goes
// silent for a full read timeout or the overall deadline passes. The bytes
// received so far are returned; a short result is not an error.
func ReadPacket(p Port, size int, timeout time.Duration) ([]byte, error) {
	buf := make([]byte, size)
	got := 0
	deadline := time.Now().Add(timeout)

	for got < size {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		if err := p.SetReadTimeout(remaining); err != nil {
			return buf[:got], errors.Wrap(err, "set read timeout")
		}
		n, err := p.Read(buf[got:])
		got += n
		if err != nil {
			return buf[:got], errors.Wrapf(err, "read after %d/%d bytes", got, size)
		}
		if n == 0 {
			break
		}
	}
	return buf[:got], nil
}

// Discard drains whatever the device has already sent, waiting at most
// quiet for each read. It returns the bytes it threw away.
func Discard(p Port, quiet time.Duration, limit int) []byte {
	var out []byte
	buf := make([]byte, 256)
	if err := p.SetReadTimeout(quiet); err != nil {
		return nil
	}
	for len(out) < limit {
		n, err := p.Read(buf)
		if n > 0 {
			out = append(out, buf[:n]...)
		}
		if err != nil || n == 0 {
			break
		}
	}
	return out
}
