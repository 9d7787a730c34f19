package flasher

import "time"

// Progress phases.
const (
	PhaseCapturing = "capturing"
	PhaseErasing   = "erasing"
	PhaseWriting   = "writing"
	PhaseRunning   = "running"
	PhaseComplete  = "complete"
)

// Progress is passed to ProgressCallback.
type Progress struct {
	Phase        string
	BytesWritten int
	TotalBytes   int
	// Packets counts acknowledged UPDATE_APROM packets.
	Packets     int
	Percentage  float64
	ElapsedTime time.Duration
}

// ProgressCallback receives progress updates. It runs on the flashing
// goroutine and should return quickly.
type ProgressCallback func(Progress)

// Recorder receives a copy of every packet exchanged. Direction is "tx"
// or "rx".
type Recorder interface {
	Record(direction string, data []byte)
}

type progressReporter struct {
	cb    ProgressCallback
	start time.Time
	total int
}

func newProgressReporter(cb ProgressCallback, total int) *progressReporter {
	return &progressReporter{cb: cb, start: time.Now(), total: total}
}

func (p *progressReporter) report(phase string, written, packets int) {
	if p == nil || p.cb == nil {
		return
	}
	pct := 0.0
	if p.total > 0 {
		pct = float64(written) * 100 / float64(p.total)
	}
	p.cb(Progress{
		Phase:        phase,
		BytesWritten: written,
		TotalBytes:   p.total,
		Packets:      packets,
		Percentage:   pct,
		ElapsedTime:  time.Since(p.start),
	})
}
