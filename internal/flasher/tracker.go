package flasher

import "github.com/pkg/errors"

// defaultPacketStep is the counter increment of the stock LDROM
// bootloader. It is assumed when the first continuation reply jumps too
// far to learn the step from.
const defaultPacketStep = 2

// packetTracker follows the device packet counter echoed in UPDATE_APROM
// replies. Bootloader builds differ in how far the counter moves per
// reply, so the step is learned from the first continuation unless fixed.
// Drift is resynchronized to the device's value; only running out of the
// resync budget is fatal. The expected value never moves backwards.
type packetTracker struct {
	expected   uint16
	step       uint16
	learned    bool
	tolerance  int
	maxResyncs int
	resyncs    int
}

func newPacketTracker(step uint16, tolerance, maxResyncs int) *packetTracker {
	return &packetTracker{step: step, learned: step != 0, tolerance: tolerance, maxResyncs: maxResyncs}
}

// baseline sets the counter from the first packet's reply.
func (t *packetTracker) baseline(n uint16) {
	t.expected = n
}

// observe checks a continuation reply's packet number and returns how far
// it was from the expected value. Forward drift is adopted. Backward
// drift is tolerated without moving expected. Either counts against the
// resync budget, and exceeding it is ErrDesync.
func (t *packetTracker) observe(got uint16) (drift int, err error) {
	if !t.learned {
		d := int(int16(got - t.expected))
		switch {
		case d >= 1 && d <= t.tolerance:
			t.step = uint16(d)
			t.learned = true
			t.expected = got
			return 0, nil
		case d > t.tolerance:
			t.step = defaultPacketStep
			t.learned = true
			t.expected = got
			return d - defaultPacketStep, t.resync(got)
		default:
			return d, t.resync(got)
		}
	}

	want := t.expected + t.step
	if got == want {
		t.expected = got
		return 0, nil
	}
	drift = int(int16(got - want))
	if drift > 0 {
		t.expected = got
	}
	return drift, t.resync(got)
}

func (t *packetTracker) resync(got uint16) error {
	t.resyncs++
	if t.resyncs > t.maxResyncs {
		return errors.Wrapf(ErrDesync, "packet number %d, expected %d, %d resyncs", got, t.next(), t.resyncs)
	}
	return nil
}

// next returns the packet number the next continuation reply should carry.
// Before the step is learned it returns the baseline.
func (t *packetTracker) next() uint16 {
	if !t.learned {
		return t.expected
	}
	return t.expected + t.step
}
