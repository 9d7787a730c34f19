package flasher

import (
	"testing"

	"github.com/pkg/errors"
)

func TestTrackerConstantStepNeverResyncs(t *testing.T) {
	for _, step := range []uint16{1, 2, 3, 4} {
		for _, base := range []uint16{0, 7, 0xFFF0} {
			tr := newPacketTracker(0, 4, 0)
			tr.baseline(base)
			n := base
			for i := 0; i < 500; i++ {
				n += step
				drift, err := tr.observe(n)
				if err != nil {
					t.Fatalf("step %d base %d reply %d: %v", step, base, i, err)
				}
				if drift != 0 {
					t.Fatalf("step %d base %d reply %d: unexpected drift %d", step, base, i, drift)
				}
				if tr.expected != n {
					t.Fatalf("step %d base %d: expected = %d, want %d", step, base, tr.expected, n)
				}
			}
			if tr.resyncs != 0 {
				t.Errorf("step %d base %d: resyncs = %d", step, base, tr.resyncs)
			}
		}
	}
}

func TestTrackerDrift(t *testing.T) {
	tests := []struct {
		name     string
		fixed    uint16
		replies  []uint16
		resyncs  int
		step     uint16
		expected uint16
	}{
		{name: "forward drift of three adopted", replies: []uint16{12, 14, 19, 21}, resyncs: 1, step: 2, expected: 21},
		{name: "drift at tolerance", replies: []uint16{12, 14, 20}, resyncs: 1, step: 2, expected: 20},
		{name: "drift beyond tolerance adopted", replies: []uint16{12, 14, 26, 28}, resyncs: 1, step: 2, expected: 28},
		{name: "backward keeps expected", replies: []uint16{12, 14, 13, 16}, resyncs: 1, step: 2, expected: 16},
		{name: "repeated reply", replies: []uint16{12, 14, 14, 16}, resyncs: 1, step: 2, expected: 16},
		{name: "drift on the first continuation", replies: []uint16{15, 17, 19}, resyncs: 1, step: 2, expected: 19},
		{name: "large jump on the first continuation", replies: []uint16{30, 32}, resyncs: 1, step: 2, expected: 32},
		{name: "no movement on the first continuation", replies: []uint16{10, 12, 14}, resyncs: 1, step: 2, expected: 14},
		{name: "fixed step", fixed: 1, replies: []uint16{11, 12, 13}, step: 1, expected: 13},
		{name: "fixed step drift", fixed: 1, replies: []uint16{11, 14, 15}, resyncs: 1, step: 1, expected: 15},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newPacketTracker(tt.fixed, 4, 8)
			tr.baseline(10)
			for _, r := range tt.replies {
				prev := tr.expected
				if _, err := tr.observe(r); err != nil {
					t.Fatalf("reply %d: %v", r, err)
				}
				if int16(tr.expected-prev) < 0 {
					t.Fatalf("expected moved back from %d to %d", prev, tr.expected)
				}
			}
			if tr.resyncs != tt.resyncs {
				t.Errorf("resyncs = %d, want %d", tr.resyncs, tt.resyncs)
			}
			if tr.step != tt.step || tr.expected != tt.expected {
				t.Errorf("step %d expected %d, want %d %d", tr.step, tr.expected, tt.step, tt.expected)
			}
		})
	}
}

func TestTrackerResyncBudget(t *testing.T) {
	tr := newPacketTracker(2, 4, 3)
	tr.baseline(0)

	n := uint16(0)
	for i := 1; i <= 3; i++ {
		n += 5
		drift, err := tr.observe(n)
		if err != nil {
			t.Fatalf("resync %d: %v", i, err)
		}
		if drift != 3 {
			t.Errorf("resync %d: drift = %d, want 3", i, drift)
		}
	}
	if _, err := tr.observe(n + 2); err != nil {
		t.Fatalf("in-step reply after resyncs: %v", err)
	}
	if _, err := tr.observe(n + 1); !errors.Is(err, ErrDesync) {
		t.Fatalf("err = %v, want ErrDesync once the budget is spent", err)
	}
}
