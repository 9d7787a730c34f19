package flasher

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// Recoverable protocol conditions. They are retried by the component that
// issued the request and surface only once a budget is spent.
var (
	ErrProtocolTimeout = errors.New("no reply within deadline")
	ErrResendRequested = errors.New("device requested packet resend")
	ErrDesync          = errors.New("packet number out of sync")

	// ErrUnexpectedApplication means application output arrived while the
	// bootloader session was expected to be active.
	ErrUnexpectedApplication = errors.New("application reply during ISP session")

	ErrCaptureExhausted = errors.New("bootloader not captured")
	ErrEmptyImage       = errors.New("firmware image is empty")
)

// TransportError is an open, read or write failure of the byte channel.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }
func (e *TransportError) Cause() error  { return e.Err }

// CaptureError reports an exhausted capture budget. It matches
// ErrCaptureExhausted with errors.Is.
type CaptureError struct {
	Probes             int
	ApplicationReplies int
	Reopens            int
	Elapsed            time.Duration
	// Last is the most recent transport failure, if any.
	Last error
}

func (e *CaptureError) Error() string {
	msg := fmt.Sprintf("%v after %d probes in %v (%d application replies, %d reopens)",
		ErrCaptureExhausted, e.Probes, e.Elapsed.Round(time.Millisecond), e.ApplicationReplies, e.Reopens)
	if e.Last != nil {
		msg += ": " + e.Last.Error()
	}
	return msg
}

func (e *CaptureError) Unwrap() error { return ErrCaptureExhausted }

// Transfer stages.
const (
	StageHandshake    = "handshake"
	StageFirstPacket  = "first-packet"
	StageContinuation = "continuation"
	StageRun          = "run"
)

// TransferError aborts an update. Offset is the number of image bytes the
// device acknowledged before the failure.
type TransferError struct {
	Stage  string
	Offset int
	Err    error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer aborted at %s, offset %d: %v", e.Stage, e.Offset, e.Err)
}
func (e *TransferError) Unwrap() error { return e.Err }
func (e *TransferError) Cause() error  { return e.Err }

// DeviceMismatchError means the device ID differs from the expected one.
type DeviceMismatchError struct {
	Expected uint32
	Actual   uint32
	// Known is false when the device never answered GET_DEVICEID.
	Known bool
}

func (e *DeviceMismatchError) Error() string {
	if !e.Known {
		return fmt.Sprintf("device mismatch: expected ID 0x%08X, device did not report one", e.Expected)
	}
	return fmt.Sprintf("device mismatch: expected ID 0x%08X, device has 0x%08X", e.Expected, e.Actual)
}

// ImageTooLargeError means the image does not fit the APROM size the
// bootloader reported.
type ImageTooLargeError struct {
	Size      int
	APROMSize uint32
}

func (e *ImageTooLargeError) Error() string {
	return fmt.Sprintf("image is %d bytes, APROM holds %d", e.Size, e.APROMSize)
}

// guardrail reports whether err is a refusal that retrying cannot change.
func guardrail(err error) bool {
	var dm *DeviceMismatchError
	var tl *ImageTooLargeError
	return errors.As(err, &dm) || errors.As(err, &tl) || errors.Is(err, ErrEmptyImage)
}
