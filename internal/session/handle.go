package session

import (
	"context"
	"sync"

	"github.com/ligustah/siphon/internal/source"
	"github.com/ligustah/siphon/pkg/artifact"
)

// Handle tracks one started download.
type Handle struct {
	URL      string
	Total    int64
	Filename string

	done chan struct{}
	once sync.Once

	mu       sync.Mutex
	err      error
	artifact artifact.URL
}

func newHandle(d *source.Download, filename string) *Handle {
	return &Handle{
		URL:      d.URL,
		Total:    d.Total,
		Filename: filename,
		done:     make(chan struct{}),
	}
}

// Done is closed when the download has finished, failed or been
// cancelled.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns nil after success and the failure otherwise. Cancelled
// downloads report stream.ErrCanceled.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Artifact returns the URL published by this download, if it completed.
// The URL may since have been revoked by a newer download.
func (h *Handle) Artifact() (artifact.URL, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.artifact, h.artifact != ""
}

// Wait blocks until the download is over or ctx is done.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) setArtifact(u artifact.URL) {
	h.mu.Lock()
	h.artifact = u
	h.mu.Unlock()
}

func (h *Handle) resolve(err error) {
	h.once.Do(func() {
		h.mu.Lock()
		h.err = err
		h.mu.Unlock()
		close(h.done)
	})
}
