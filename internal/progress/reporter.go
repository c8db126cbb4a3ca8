package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
)

// Options configures the progress reporter.
type Options struct {
	// TotalSize is the total size in bytes to download.
	TotalSize int64

	// ChunkSize is the size of each chunk (for display).
	ChunkSize int64

	// Output is where to write progress output.
	// Default: os.Stderr
	Output io.Writer

	// UpdateInterval is the minimum time between redraws.
	// Default: 100ms
	UpdateInterval time.Duration

	// SourceURL is the URL being downloaded (for display).
	SourceURL string
}

// Reporter renders the progress of a single download.
type Reporter struct {
	opts Options
	bar  *progressbar.ProgressBar

	completedBytes atomic.Int64
	chunks         atomic.Int32

	mu        sync.Mutex
	startTime time.Time
	started   bool
	stopped   bool
}

// NewReporter creates a new progress reporter.
func NewReporter(opts Options) *Reporter {
	if opts.Output == nil {
		opts.Output = os.Stderr
	}
	if opts.UpdateInterval == 0 {
		opts.UpdateInterval = 100 * time.Millisecond
	}

	return &Reporter{opts: opts}
}

// Start prints the header and shows the bar.
func (r *Reporter) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true
	r.startTime = time.Now()

	fmt.Fprintf(r.opts.Output, "[siphon] Downloading: %s\n", r.opts.SourceURL)
	fmt.Fprintf(r.opts.Output, "[siphon] Total size: %s | Chunk size: %s\n",
		FormatBytes(r.opts.TotalSize),
		FormatBytes(r.opts.ChunkSize),
	)

	r.bar = progressbar.NewOptions64(r.opts.TotalSize,
		progressbar.OptionSetWriter(r.opts.Output),
		progressbar.OptionSetDescription("[siphon]"),
		progressbar.OptionThrottle(r.opts.UpdateInterval),
		progressbar.OptionShowBytes(true),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionSetElapsedTime(false),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionSetWidth(30),
	)
}

// ChunkReceived records a chunk with the given cumulative offset.
func (r *Reporter) ChunkReceived(offset int64) {
	r.completedBytes.Store(offset)
	r.chunks.Add(1)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bar != nil && !r.stopped {
		r.bar.Set64(offset)
	}
}

// Stop removes the bar and prints the final status. err is the outcome of
// the download.
func (r *Reporter) Stop(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.stopped = true

	completed := r.completedBytes.Load()
	duration := time.Since(r.startTime)
	if r.bar != nil {
		if err == nil {
			r.bar.Finish()
		} else {
			r.bar.Exit()
		}
	}
	if !r.started {
		return
	}

	if err != nil {
		fmt.Fprintf(r.opts.Output, "\n[siphon] Failed after %s / %s: %v\n",
			FormatBytes(completed),
			FormatBytes(r.opts.TotalSize),
			err,
		)
		return
	}

	avgSpeed := float64(completed) / max(duration.Seconds(), 0.001)
	fmt.Fprintf(r.opts.Output, "[siphon] Complete: %s in %d chunks\n",
		FormatBytes(completed),
		r.chunks.Load(),
	)
	fmt.Fprintf(r.opts.Output, "[siphon] Total time: %s | Average speed: %s/s\n",
		formatDuration(duration),
		FormatBytes(int64(avgSpeed)),
	)
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dh %dm %ds", h, m, s)
}

// FormatBytes formats b with IEC units (KiB, MiB, ...).
func FormatBytes(b int64) string {
	if b < 0 {
		return "unknown"
	}
	return humanize.IBytes(uint64(b))
}

// ParseBytes parses a human-readable byte string. IEC suffixes ("256MiB")
// are powers of 1024, SI suffixes ("1MB") powers of 1000.
func ParseBytes(s string) (int64, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid byte string %q: %w", s, err)
	}
	if n > 1<<63-1 {
		return 0, fmt.Errorf("invalid byte string %q: too large", s)
	}
	return int64(n), nil
}
