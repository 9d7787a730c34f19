package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"), zaptest.NewLogger(t).Sugar())
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	def := DefaultConfig()
	if cfg.Port != def.Port || cfg.Transfer != def.Transfer || cfg.Capture != def.Capture {
		t.Errorf("config = %+v, want defaults", cfg)
	}
	if cfg.Transfer.Erase {
		t.Error("erase enabled by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestLoadConfigYAML(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "nuvoisp.yaml", `
port:
  path: /dev/ttyUSB3
  baud_rate: 57600
capture:
  budget: 90s
  probe_interval: 5ms
transfer:
  erase: true
  expected_device_id: 0x00D26300
  flash_timeout: 4s
  packet_step: 1
  max_resyncs: 4
session:
  attempts: 2
trace:
  enabled: true
  path: /tmp/isp
log:
  level: debug
`)
	cfg, err := LoadConfig(path, zaptest.NewLogger(t).Sugar())
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Port.Path != "/dev/ttyUSB3" || cfg.Port.BaudRate != 57600 {
		t.Errorf("port = %+v", cfg.Port)
	}
	if cfg.Port.WriteTimeout.Duration != 5*time.Second {
		t.Errorf("unset write_timeout = %v, want default", cfg.Port.WriteTimeout)
	}
	fc := cfg.FlasherConfig()
	if fc.CaptureBudget != 90*time.Second || fc.ProbeInterval != 5*time.Millisecond {
		t.Errorf("capture = %v / %v", fc.CaptureBudget, fc.ProbeInterval)
	}
	if !fc.EraseBeforeUpdate || fc.ExpectedDeviceID != 0x00D26300 || fc.PacketStep != 1 || fc.MaxResyncs != 4 {
		t.Errorf("transfer = %+v", cfg.Transfer)
	}
	if fc.FlashTimeout != 4*time.Second || fc.SessionAttempts != 2 {
		t.Errorf("flash timeout %v attempts %d", fc.FlashTimeout, fc.SessionAttempts)
	}
	if !cfg.Trace.Enabled || cfg.Trace.Path != "/tmp/isp" || cfg.Log.Level != "debug" {
		t.Errorf("trace %+v log %+v", cfg.Trace, cfg.Log)
	}
	sc := cfg.SerialConfig()
	if sc.PortPath != "/dev/ttyUSB3" || sc.BaudRate != 57600 || sc.ReadTimeout != time.Second {
		t.Errorf("serial = %+v", sc)
	}
}

func TestLoadConfigInvalid(t *testing.T) {
	dir := t.TempDir()
	tests := map[string]string{
		"bad yaml":     "port: [",
		"bad duration": "capture:\n  budget: soon\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			path := writeFile(t, dir, name+".yaml", body)
			if _, err := LoadConfig(path, nil); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ISP_PORT", "/dev/ttyS9")
	t.Setenv("ISP_BAUD", "9600")
	t.Setenv("ISP_ERASE", "yes")
	t.Setenv("ISP_CAPTURE_BUDGET", "15s")
	t.Setenv("ISP_EXPECT_DEVICE_ID", "0x1234")
	t.Setenv("ISP_TRACE", "1")
	t.Setenv("ISP_LOG_LEVEL", "warn")

	dir := t.TempDir()
	path := writeFile(t, dir, "c.yaml", "port:\n  path: /dev/ttyACM1\n  baud_rate: 115200\n")
	cfg, err := LoadConfig(path, zaptest.NewLogger(t).Sugar())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port.Path != "/dev/ttyS9" || cfg.Port.BaudRate != 9600 {
		t.Errorf("port = %+v", cfg.Port)
	}
	if !cfg.Transfer.Erase || cfg.Capture.Budget.Duration != 15*time.Second || cfg.Transfer.ExpectedDeviceID != 0x1234 {
		t.Errorf("transfer %+v capture %+v", cfg.Transfer, cfg.Capture)
	}
	if !cfg.Trace.Enabled || cfg.Log.Level != "warn" {
		t.Errorf("trace %+v log %+v", cfg.Trace, cfg.Log)
	}
}

func TestInvalidEnvIgnored(t *testing.T) {
	t.Setenv("ISP_BAUD", "fast")
	t.Setenv("ISP_CAPTURE_BUDGET", "forever")
	cfg, err := LoadConfig("", zaptest.NewLogger(t).Sugar())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port.BaudRate != 115200 || cfg.Capture.Budget != DefaultConfig().Capture.Budget {
		t.Errorf("invalid env applied: %+v %+v", cfg.Port, cfg.Capture)
	}
}

func TestDotEnvFile(t *testing.T) {
	// register cleanup, then make sure the variables start unset
	t.Setenv("ISP_TRACE_PATH", "")
	t.Setenv("ISP_PORT", "/dev/from-env")
	os.Unsetenv("ISP_TRACE_PATH")

	dir := t.TempDir()
	writeFile(t, dir, ".env", "# local overrides\nISP_TRACE_PATH=\"/var/tmp/trace\"\nISP_PORT=/dev/from-dotenv\nnot a pair\n")
	path := writeFile(t, dir, "c.yaml", "")

	cfg, err := LoadConfig(path, zaptest.NewLogger(t).Sugar())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Trace.Path != "/var/tmp/trace" {
		t.Errorf("trace path = %q, want value from .env", cfg.Trace.Path)
	}
	if cfg.Port.Path != "/dev/from-env" {
		t.Errorf("port = %q, real environment should win over .env", cfg.Port.Path)
	}
}

func TestDotEnvFileBadKey(t *testing.T) {
	t.Setenv("ISP_TRACE_PATH", "")
	os.Unsetenv("ISP_TRACE_PATH")

	dir := t.TempDir()
	env := writeFile(t, dir, ".env", "=orphan\nISP_TRACE_PATH=/var/tmp/after\n")
	core, logs := observer.New(zapcore.DebugLevel)

	loadEnvFile(env, zap.New(core).Sugar())

	if got := os.Getenv("ISP_TRACE_PATH"); got != "/var/tmp/after" {
		t.Errorf("ISP_TRACE_PATH = %q, lines after a bad key should still load", got)
	}
	if n := logs.FilterMessage("setenv failed").Len(); n != 1 {
		t.Errorf("setenv failures logged = %d, want 1", n)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty port", func(c *Config) { c.Port.Path = "" }},
		{"zero baud", func(c *Config) { c.Port.BaudRate = 0 }},
		{"no capture budget", func(c *Config) { c.Capture.Budget = Duration{} }},
		{"negative retries", func(c *Config) { c.Transfer.PacketRetries = -1 }},
		{"zero attempts", func(c *Config) { c.Session.Attempts = 0 }},
		{"trace without path", func(c *Config) { c.Trace.Enabled = true; c.Trace.Path = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected a validation error")
			}
		})
	}
}

func TestSaveAndReload(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Port.Path = "/dev/ttyACM7"
	cfg.Capture.Budget = Duration{42 * time.Second}
	cfg.Transfer.Erase = true

	path := filepath.Join(t.TempDir(), "sub", "nuvoisp.yaml")
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := LoadConfig(path, nil)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if got.Port != cfg.Port || got.Capture != cfg.Capture || got.Transfer != cfg.Transfer {
		t.Errorf("reloaded config differs:\n got %+v\nwant %+v", got, cfg)
	}
}

func TestParseDeviceID(t *testing.T) {
	tests := map[string]uint32{
		"0x00D26300": 0x00D26300,
		"1234":       1234,
		" 0xff ":     0xFF,
	}
	for in, want := range tests {
		got, err := ParseDeviceID(in)
		if err != nil || got != want {
			t.Errorf("ParseDeviceID(%q) = %#x, %v; want %#x", in, got, err, want)
		}
	}
	if _, err := ParseDeviceID("0x1FFFFFFFF"); err == nil {
		t.Error("accepted a value wider than 32 bits")
	}
}
