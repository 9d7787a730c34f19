package transport

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
)

func TestLockFilePath(t *testing.T) {
	tests := map[string]string{
		"/dev/ttyACM0": "nuvoisp-dev_ttyACM0.lock",
		"COM3":         "nuvoisp-COM3.lock",
		`\\.\COM12`:    "nuvoisp-._COM12.lock",
	}
	for port, want := range tests {
		got := LockFilePath("/run/lock", port)
		if filepath.Dir(got) != "/run/lock" || filepath.Base(got) != want {
			t.Errorf("LockFilePath(%q) = %q, want %s", port, got, want)
		}
	}
	if got := LockFilePath("", "/dev/ttyUSB0"); !strings.HasSuffix(got, "nuvoisp-dev_ttyUSB0.lock") {
		t.Errorf("default dir path = %q", got)
	}
}

func TestLockPortExclusive(t *testing.T) {
	dir := t.TempDir()

	first, err := lockPort(dir, "/dev/ttyACM0")
	if err != nil {
		t.Fatalf("first lock: %v", err)
	}
	if _, err := lockPort(dir, "/dev/ttyACM0"); !errors.Is(err, ErrPortBusy) {
		t.Fatalf("second lock err = %v, want ErrPortBusy", err)
	}

	other, err := lockPort(dir, "/dev/ttyACM1")
	if err != nil {
		t.Fatalf("lock on another port: %v", err)
	}
	other.Unlock()

	if err := first.Unlock(); err != nil {
		t.Fatal(err)
	}
	again, err := lockPort(dir, "/dev/ttyACM0")
	if err != nil {
		t.Fatalf("lock after release: %v", err)
	}
	again.Unlock()
}

func TestSerialOpenFailureReleasesLock(t *testing.T) {
	dir := t.TempDir()
	cfg := SerialConfig{PortPath: filepath.Join(dir, "no-such-tty"), LockDir: dir}

	if _, err := OpenSerial(cfg, nil); err == nil {
		t.Fatal("opened a port that does not exist")
	}
	fl, err := lockPort(dir, cfg.PortPath)
	if err != nil {
		t.Fatalf("lock still held after failed open: %v", err)
	}
	fl.Unlock()
}
