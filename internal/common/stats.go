package common

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Stats holds atomic ingest counters and an optional periodic reporter.
type Stats struct {
	rows  atomic.Uint64
	bytes atomic.Uint64
	files atomic.Uint64
	flush atomic.Int64 // last flush latency, ns

	log      *zap.Logger
	interval time.Duration
	running  atomic.Bool
	stopCh   chan struct{}
	doneCh   chan struct{}

	// reporter state, touched only by the reporter goroutine
	lastRows uint64
	lastTime time.Time
	window   []float64
	windowAt int
	start    time.Time
}

// NewStats returns Stats that report through log every interval.
func NewStats(log *zap.Logger, interval time.Duration) *Stats {
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Stats{
		log:      log,
		interval: interval,
		window:   make([]float64, 10),
		start:    time.Now(),
	}
}

func (s *Stats) AddRows(n uint64)  { s.rows.Add(n) }
func (s *Stats) AddBytes(n uint64) { s.bytes.Add(n) }
func (s *Stats) AddFile()          { s.files.Add(1) }

// SetFlushLatency records how long the last insert took.
func (s *Stats) SetFlushLatency(d time.Duration) { s.flush.Store(int64(d)) }

func (s *Stats) Rows() uint64  { return s.rows.Load() }
func (s *Stats) Bytes() uint64 { return s.bytes.Load() }
func (s *Stats) Files() uint64 { return s.files.Load() }

// StartReporter starts the background reporter. It is a no-op if already
// running.
func (s *Stats) StartReporter() {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.lastTime = time.Now()
	s.lastRows = s.Rows()
	go s.reporterLoop()
}

// StopReporter stops the reporter and waits for it to exit.
func (s *Stats) StopReporter() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	close(s.stopCh)
	<-s.doneCh
}

func (s *Stats) reporterLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			s.report(now)
		}
	}
}

func (s *Stats) report(now time.Time) {
	elapsed := now.Sub(s.lastTime).Seconds()
	if elapsed < 0.001 {
		return
	}
	rows := s.Rows()
	rate := float64(rows-s.lastRows) / elapsed

	s.window[s.windowAt] = rate
	s.windowAt = (s.windowAt + 1) % len(s.window)

	s.log.Info("progress",
		zap.Uint64("rows", rows),
		zap.Uint64("files", s.Files()),
		zap.Float64("rows_per_sec", rate),
		zap.Float64("rows_per_sec_avg", s.smoothedRate()),
		zap.Duration("flush_latency", time.Duration(s.flush.Load())))

	s.lastRows = rows
	s.lastTime = now
}

// smoothedRate averages the non-zero entries of the rate window.
func (s *Stats) smoothedRate() float64 {
	var sum float64
	var n int
	for _, r := range s.window {
		if r > 0 {
			sum += r
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// Summary logs final totals.
func (s *Stats) Summary() {
	elapsed := time.Since(s.start)
	rate := 0.0
	if secs := elapsed.Seconds(); secs > 0 {
		rate = float64(s.Rows()) / secs
	}
	s.log.Info("final statistics",
		zap.Uint64("rows", s.Rows()),
		zap.Uint64("bytes", s.Bytes()),
		zap.Uint64("files", s.Files()),
		zap.Duration("elapsed", elapsed.Round(time.Millisecond)),
		zap.Float64("rows_per_sec", rate))
}
