// Package config loads nuvoisp settings from YAML, .env files and the
// environment.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/nuvoisp/internal/flasher"
	"github.com/shaunagostinho/nuvoisp/internal/transport"
)

// Config holds all nuvoisp configuration.
type Config struct {
	Port     PortConfig     `yaml:"port"`
	Capture  CaptureConfig  `yaml:"capture"`
	Transfer TransferConfig `yaml:"transfer"`
	Session  SessionConfig  `yaml:"session"`
	Trace    TraceConfig    `yaml:"trace"`
	Log      LogConfig      `yaml:"log"`

	path string
}

type PortConfig struct {
	Path         string   `yaml:"path"` // e.g. /dev/ttyACM0
	BaudRate     int      `yaml:"baud_rate"`
	ReadTimeout  Duration `yaml:"read_timeout"`
	WriteTimeout Duration `yaml:"write_timeout"`
	ReopenDelay  Duration `yaml:"reopen_delay"`
	LockDir      string   `yaml:"lock_dir"` // empty = system temp dir
	NoLock       bool     `yaml:"no_lock"`
}

type CaptureConfig struct {
	Budget        Duration `yaml:"budget"` // how long to wait for the operator to reset the target
	ProbeSettle   Duration `yaml:"probe_settle"`
	ProbeTimeout  Duration `yaml:"probe_timeout"`
	ProbeInterval Duration `yaml:"probe_interval"`
	MaxProbes     int      `yaml:"max_probes"` // 0 = time budget only
	MaxReopens    int      `yaml:"max_reopens"`
}

type TransferConfig struct {
	Erase            bool     `yaml:"erase"` // ERASE_ALL before writing
	StartAddress     uint32   `yaml:"start_address"`
	ExpectedDeviceID uint32   `yaml:"expected_device_id"` // 0 = any
	ResponseTimeout  Duration `yaml:"response_timeout"`
	EraseTimeout     Duration `yaml:"erase_timeout"`
	FlashTimeout     Duration `yaml:"flash_timeout"`
	PacketRetries    int      `yaml:"packet_retries"`
	RetryDelay       Duration `yaml:"retry_delay"`
	ResyncTolerance  int      `yaml:"resync_tolerance"`
	MaxResyncs       int      `yaml:"max_resyncs"`
	PacketStep       uint16   `yaml:"packet_step"` // 0 = learn from the device
}

type SessionConfig struct {
	Attempts     int      `yaml:"attempts"`
	Delay        Duration `yaml:"delay"`
	OpenAttempts int      `yaml:"open_attempts"`
	OpenDelay    Duration `yaml:"open_delay"`
	PostRunWait  Duration `yaml:"post_run_wait"`
}

type TraceConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`     // directory for trace CSV files
	MaxRows int    `yaml:"max_rows"` // rotate after this many packets
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // console or json
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	fc := flasher.DefaultConfig()
	return &Config{
		Port: PortConfig{
			Path:         "/dev/ttyACM0",
			BaudRate:     115200,
			ReadTimeout:  Duration{time.Second},
			WriteTimeout: Duration{5 * time.Second},
			ReopenDelay:  Duration{500 * time.Millisecond},
		},
		Capture: CaptureConfig{
			Budget:        Duration{fc.CaptureBudget},
			ProbeSettle:   Duration{fc.ProbeSettle},
			ProbeTimeout:  Duration{fc.ProbeTimeout},
			ProbeInterval: Duration{fc.ProbeInterval},
			MaxReopens:    fc.MaxReopens,
		},
		Transfer: TransferConfig{
			ResponseTimeout: Duration{fc.ResponseTimeout},
			EraseTimeout:    Duration{fc.EraseTimeout},
			FlashTimeout:    Duration{fc.FlashTimeout},
			PacketRetries:   fc.MaxPacketRetries,
			RetryDelay:      Duration{fc.RetryDelay},
			ResyncTolerance: fc.ResyncTolerance,
			MaxResyncs:      fc.MaxResyncs,
		},
		Session: SessionConfig{
			Attempts:     fc.SessionAttempts,
			Delay:        Duration{fc.SessionDelay},
			OpenAttempts: fc.OpenAttempts,
			OpenDelay:    Duration{fc.OpenDelay},
			PostRunWait:  Duration{fc.PostRunWait},
		},
		Trace: TraceConfig{
			Path:    "traces",
			MaxRows: 100000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and
// environment variable overrides. A missing file yields the defaults; a
// file that does not parse is an error.
func LoadConfig(path string, log *zap.SugaredLogger) (*Config, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	cfg := DefaultConfig()
	cfg.path = path

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			log.Debugw("no config file, using defaults", "path", path)
		case err != nil:
			return nil, errors.Wrapf(err, "read config %s", path)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, errors.Wrapf(err, "parse config %s", path)
			}
			log.Infow("config loaded", "path", path)
		}
	}

	// .env next to the config file, then in the working directory
	envPaths := []string{".env"}
	if path != "" {
		envPaths = append([]string{filepath.Join(filepath.Dir(path), ".env")}, envPaths...)
	}
	for _, ep := range envPaths {
		loadEnvFile(ep, log)
	}

	cfg.applyEnvOverrides(log)
	return cfg, nil
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
// Variables already present in the real environment win.
func loadEnvFile(path string, log *zap.SugaredLogger) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Debugw("loading .env", "path", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if _, set := os.LookupEnv(key); set {
			continue
		}
		if err := os.Setenv(key, val); err != nil {
			log.Debugw("setenv failed", "key", key, "error", err)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: ISP_PORT, ISP_BAUD, ISP_ERASE, ISP_CAPTURE_BUDGET,
// ISP_EXPECT_DEVICE_ID, ISP_TRACE, ISP_TRACE_PATH, ISP_LOG_LEVEL,
// ISP_LOG_FORMAT. Unparseable values are logged and ignored.
func (c *Config) applyEnvOverrides(log *zap.SugaredLogger) {
	bad := func(key, val string, err error) {
		log.Warnw("ignoring invalid environment value", "key", key, "value", val, "error", err)
	}

	if v := os.Getenv("ISP_PORT"); v != "" {
		c.Port.Path = v
	}
	if v := os.Getenv("ISP_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port.BaudRate = n
		} else {
			bad("ISP_BAUD", v, err)
		}
	}
	if v := os.Getenv("ISP_ERASE"); v != "" {
		c.Transfer.Erase = truthy(v)
	}
	if v := os.Getenv("ISP_CAPTURE_BUDGET"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Capture.Budget = Duration{d}
		} else {
			bad("ISP_CAPTURE_BUDGET", v, err)
		}
	}
	if v := os.Getenv("ISP_EXPECT_DEVICE_ID"); v != "" {
		if id, err := ParseDeviceID(v); err == nil {
			c.Transfer.ExpectedDeviceID = id
		} else {
			bad("ISP_EXPECT_DEVICE_ID", v, err)
		}
	}
	if v := os.Getenv("ISP_TRACE"); v != "" {
		c.Trace.Enabled = truthy(v)
	}
	if v := os.Getenv("ISP_TRACE_PATH"); v != "" {
		c.Trace.Path = v
	}
	if v := os.Getenv("ISP_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("ISP_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
}

func truthy(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// ParseDeviceID accepts decimal or 0x-prefixed hexadecimal.
func ParseDeviceID(s string) (uint32, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 0, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "device id %q", s)
	}
	return uint32(n), nil
}

// Validate reports settings the flasher cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Port.Path == "":
		return errors.New("port.path is empty")
	case c.Port.BaudRate <= 0:
		return errors.Errorf("port.baud_rate %d must be positive", c.Port.BaudRate)
	case c.Capture.Budget.Duration <= 0:
		return errors.Errorf("capture.budget %v must be positive", c.Capture.Budget)
	case c.Transfer.PacketRetries < 0:
		return errors.Errorf("transfer.packet_retries %d must not be negative", c.Transfer.PacketRetries)
	case c.Transfer.ResyncTolerance < 0:
		return errors.Errorf("transfer.resync_tolerance %d must not be negative", c.Transfer.ResyncTolerance)
	case c.Transfer.MaxResyncs < 0:
		return errors.Errorf("transfer.max_resyncs %d must not be negative", c.Transfer.MaxResyncs)
	case c.Session.Attempts < 1:
		return errors.Errorf("session.attempts %d must be at least 1", c.Session.Attempts)
	case c.Session.OpenAttempts < 1:
		return errors.Errorf("session.open_attempts %d must be at least 1", c.Session.OpenAttempts)
	case c.Trace.Enabled && c.Trace.Path == "":
		return errors.New("trace.path is empty")
	}
	return nil
}

// SerialConfig returns the transport settings.
func (c *Config) SerialConfig() transport.SerialConfig {
	return transport.SerialConfig{
		PortPath:     c.Port.Path,
		BaudRate:     c.Port.BaudRate,
		ReadTimeout:  c.Port.ReadTimeout.Duration,
		WriteTimeout: c.Port.WriteTimeout.Duration,
		ReopenDelay:  c.Port.ReopenDelay.Duration,
		LockDir:      c.Port.LockDir,
		NoLock:       c.Port.NoLock,
	}
}

// FlasherConfig returns the engine settings. Logger, progress callback
// and recorder are left for the caller.
func (c *Config) FlasherConfig() flasher.Config {
	fc := flasher.DefaultConfig()
	fc.ProbeSettle = c.Capture.ProbeSettle.Duration
	fc.ProbeTimeout = c.Capture.ProbeTimeout.Duration
	fc.ProbeInterval = c.Capture.ProbeInterval.Duration
	fc.CaptureBudget = c.Capture.Budget.Duration
	fc.MaxProbes = c.Capture.MaxProbes
	fc.MaxReopens = c.Capture.MaxReopens

	fc.ResponseTimeout = c.Transfer.ResponseTimeout.Duration
	fc.EraseTimeout = c.Transfer.EraseTimeout.Duration
	fc.FlashTimeout = c.Transfer.FlashTimeout.Duration
	fc.MaxPacketRetries = c.Transfer.PacketRetries
	fc.RetryDelay = c.Transfer.RetryDelay.Duration
	fc.ResyncTolerance = c.Transfer.ResyncTolerance
	fc.MaxResyncs = c.Transfer.MaxResyncs
	fc.PacketStep = c.Transfer.PacketStep
	fc.EraseBeforeUpdate = c.Transfer.Erase
	fc.StartAddress = c.Transfer.StartAddress
	fc.ExpectedDeviceID = c.Transfer.ExpectedDeviceID

	fc.SessionAttempts = c.Session.Attempts
	fc.SessionDelay = c.Session.Delay.Duration
	fc.OpenAttempts = c.Session.OpenAttempts
	fc.OpenDelay = c.Session.OpenDelay.Duration
	fc.PostRunWait = c.Session.PostRunWait.Duration
	return fc
}

// Path returns the file the config was loaded from.
func (c *Config) Path() string { return c.path }

// Marshal renders the config as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Save writes the config to path, or to the file it was loaded from when
// path is empty.
func (c *Config) Save(path string) error {
	if path == "" {
		path = c.path
	}
	if path == "" {
		return errors.New("no config path")
	}
	data, err := c.Marshal()
	if err != nil {
		return errors.Wrap(err, "marshal config")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "create %s", dir)
		}
	}
	return errors.Wrapf(os.WriteFile(path, data, 0o644), "write %s", path)
}

// Duration wraps time.Duration for YAML string parsing (e.g. "300ms", "1m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", s)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML renders the duration in Go syntax.
func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}
