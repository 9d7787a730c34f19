package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"testing"
)

func TestJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWithWriter(&buf, "info", "json")
	if err != nil {
		t.Fatal(err)
	}
	log.Named("capture").Infow("bootloader captured", "probes", 51)
	log.Debugw("hidden")
	_ = log.Sync()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("not JSON: %v", err)
	}
	if entry["component"] != "capture" || entry["message"] != "bootloader captured" || entry["probes"] != float64(51) {
		t.Errorf("entry = %v", entry)
	}
}

func TestConsoleOutput(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWithWriter(&buf, "debug", "console")
	if err != nil {
		t.Fatal(err)
	}
	log.Named("session").Debugw("tx", "cmd", "CONNECT")
	_ = log.Sync()
	out := buf.String()
	for _, want := range []string{"DEBUG", "session", "tx", "CONNECT"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %q", out, want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	for _, lvl := range []string{"", "debug", "INFO", "warn", "error"} {
		if _, err := ParseLevel(lvl); err != nil {
			t.Errorf("ParseLevel(%q): %v", lvl, err)
		}
	}
	if _, err := ParseLevel("chatty"); err == nil {
		t.Error("accepted unknown level")
	}
	if _, err := NewWithWriter(&bytes.Buffer{}, "info", "xml"); err == nil {
		t.Error("accepted unknown format")
	}
}

func TestDevNullIsNotTerminal(t *testing.T) {
	f, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if isTerminal(f) {
		t.Errorf("%s reported as a terminal", os.DevNull)
	}
}
