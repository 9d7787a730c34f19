// Package trace records every ISP packet exchanged to CSV files with
// automatic rotation.
package trace

import (
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/shaunagostinho/nuvoisp/internal/isp"
)

// Recorder writes one CSV row per packet. It satisfies flasher.Recorder.
type Recorder struct {
	mu      sync.Mutex
	dir     string
	maxRows int
	log     *zap.SugaredLogger
	now     func() time.Time

	file   *os.File
	writer *csv.Writer
	rows   int
	files  int
	paths  []string
	failed bool
}

// Config holds recorder configuration.
type Config struct {
	Dir     string
	MaxRows int
}

const defaultMaxRows = 100_000

var csvHeader = []string{
	"timestamp", "direction", "command", "kind", "sequence", "packet_no",
	"checksum", "length", "hex",
}

// New creates a Recorder. Files are created lazily on the first packet.
func New(cfg Config, log *zap.SugaredLogger) *Recorder {
	if cfg.Dir == "" {
		cfg.Dir = "traces"
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = defaultMaxRows
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Recorder{dir: cfg.Dir, maxRows: cfg.MaxRows, log: log, now: time.Now}
}

// Record writes a packet. direction is "tx" or "rx". Write failures are
// logged once and then ignored; tracing never fails an update.
func (r *Recorder) Record(direction string, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failed {
		return
	}
	now := r.now()
	if r.writer == nil || r.rows >= r.maxRows {
		if err := r.rotateFile(now); err != nil {
			r.log.Warnw("packet trace disabled", "error", err)
			r.failed = true
			return
		}
	}

	if err := r.writer.Write(buildRow(now, direction, data)); err != nil {
		r.log.Warnw("packet trace write failed", "error", err)
		r.failed = true
		return
	}
	r.writer.Flush()
	r.rows++
}

// Paths returns the files written so far.
func (r *Recorder) Paths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.paths...)
}

// Close flushes and closes the current file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeFile()
}

func (r *Recorder) rotateFile(now time.Time) error {
	if err := r.closeFile(); err != nil {
		r.log.Debugw("close trace file failed", "error", err)
	}

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return errors.Wrapf(err, "mkdir %s", r.dir)
	}

	r.files++
	filename := fmt.Sprintf("isp_%s_%03d.csv", now.Format("2006-01-02_150405"), r.files)
	path := filepath.Join(r.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}

	r.file = f
	r.writer = csv.NewWriter(f)
	r.rows = 0
	r.paths = append(r.paths, path)

	if err := r.writer.Write(csvHeader); err != nil {
		return err
	}
	r.writer.Flush()

	r.log.Infow("packet trace opened", "path", path)
	return nil
}

func (r *Recorder) closeFile() error {
	if r.writer != nil {
		r.writer.Flush()
		r.writer = nil
	}
	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		return err
	}
	return nil
}

func buildRow(ts time.Time, direction string, data []byte) []string {
	row := make([]string, len(csvHeader))
	row[0] = ts.Format(time.RFC3339Nano)
	row[1] = direction
	row[7] = strconv.Itoa(len(data))
	row[8] = hex.EncodeToString(data)

	switch direction {
	case "tx":
		if len(data) == isp.PacketSize {
			var p isp.Packet
			copy(p[:], data)
			row[2] = p.Command().String()
			row[4] = strconv.FormatUint(uint64(p.Sequence()), 10)
			row[6] = fmt.Sprintf("0x%04X", p.Checksum())
		}
	default:
		resp := isp.DecodeResponse(data)
		row[3] = resp.Kind.String()
		if resp.Kind == isp.BootloaderReply {
			if resp.IsResend() {
				row[2] = isp.CmdResendPacket.String()
			}
			row[5] = strconv.Itoa(int(resp.PacketNo))
			row[6] = fmt.Sprintf("0x%04X", resp.Checksum)
		}
	}
	return row
}
