package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ligustah/siphon/internal/assembler"
	"github.com/ligustah/siphon/internal/source"
	"github.com/ligustah/siphon/pkg/artifact"
	"github.com/ligustah/siphon/pkg/stream"
)

var (
	// ErrDownloadInProgress is returned by Start while another download is
	// still running.
	ErrDownloadInProgress = errors.New("session: download in progress")

	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("session: closed")

	// ErrIncomplete is the failure of a stream that closed cleanly before
	// delivering its final chunk.
	ErrIncomplete = errors.New("session: stream ended before completion")
)

// Opener obtains the chunk stream for a URL.
type Opener interface {
	Open(ctx context.Context, url string) (*source.Download, error)
}

// ProgressFunc is called after every accepted chunk.
type ProgressFunc func(c stream.Chunk)

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithProgress registers a callback for accepted chunks.
func WithProgress(fn ProgressFunc) Option {
	return func(s *Session) {
		s.progress = fn
	}
}

// StartOption configures a single download.
type StartOption func(*startOptions)

type startOptions struct {
	filename string
}

// WithFilename overrides the filename stored with the artifact.
func WithFilename(name string) StartOption {
	return func(o *startOptions) {
		o.filename = name
	}
}

// Session runs one download at a time and keeps the artifact of the last
// successful one.
type Session struct {
	opener   Opener
	asm      *assembler.Assembler
	consumer *stream.Consumer
	logger   *zap.Logger
	progress ProgressFunc

	// ctx scopes artifact operations issued from stream callbacks.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	current  *Handle
	starting bool
	closed   bool
}

// New creates a session.
func New(opener Opener, asm *assembler.Assembler, opts ...Option) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		opener: opener,
		asm:    asm,
		logger: zap.NewNop(),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.consumer = stream.NewConsumer(stream.WithLogger(s.logger))
	return s
}

// Start opens url and begins consuming it. It fails with
// ErrDownloadInProgress while a previous download is still running. A
// failure to open the stream is returned and also reported to the
// assembler's notifier.
func (s *Session) Start(ctx context.Context, url string, opts ...StartOption) (*Handle, error) {
	var o startOptions
	for _, opt := range opts {
		opt(&o)
	}

	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return nil, ErrClosed
	case s.starting || s.asm.InProgress():
		s.mu.Unlock()
		return nil, ErrDownloadInProgress
	}
	s.starting = true
	s.mu.Unlock()

	d, err := s.opener.Open(ctx, url)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.starting = false

	if err != nil {
		err = fmt.Errorf("start download: %w", err)
		s.asm.OnError(err)
		return nil, err
	}
	if s.closed {
		d.Stream.Cancel()
		return nil, ErrClosed
	}

	filename := d.Filename
	if o.filename != "" {
		filename = o.filename
	}
	artifactOpts := []artifact.Option{
		artifact.WithFilename(filename),
		artifact.WithMetadata(d.Metadata()),
	}
	if d.ContentType != "" {
		artifactOpts = append(artifactOpts, artifact.WithContentType(d.ContentType))
	}
	if err := s.asm.Reset(ctx, artifactOpts...); err != nil {
		s.logger.Warn("revoke previous artifact", zap.Error(err))
	}

	h := newHandle(d, filename)
	prev := s.current
	s.current = h
	s.consumer.SetObservers(s.observers(h))
	s.consumer.Attach(d.Stream)
	if prev != nil {
		prev.resolve(stream.ErrCanceled)
	}

	s.logger.Info("download started",
		zap.String("url", url),
		zap.Int64("total", d.Total),
		zap.String("filename", filename),
	)
	return h, nil
}

// Cancel abandons the running download, if any. Cancellation is not
// reported as a failure.
func (s *Session) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.current
	if h == nil || !s.asm.InProgress() {
		return false
	}
	s.consumer.Detach()
	s.asm.Cancel()
	h.resolve(stream.ErrCanceled)
	s.logger.Info("download cancelled", zap.String("url", h.URL))
	return true
}

// State returns the derived state of the session.
func (s *Session) State() assembler.State {
	return s.asm.Snapshot()
}

// Current returns the handle of the most recent download.
func (s *Session) Current() (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.current != nil
}

// Close stops the running download and revokes the held artifact.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	h := s.current
	s.mu.Unlock()

	s.consumer.Close()
	if h != nil {
		h.resolve(stream.ErrCanceled)
	}
	s.cancel()
	return s.asm.Close(ctx)
}

// observers binds stream callbacks to h. Callbacks for a handle that is no
// longer current are dropped.
func (s *Session) observers(h *Handle) stream.Observers {
	return stream.Observers{
		OnRead: func(res stream.PullResult) {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.current != h {
				return
			}

			// Done follows every value chunk of the stream.
			if res.Done {
				s.finishLocked(h)
				return
			}

			if err := s.asm.OnChunk(s.ctx, res.Value); err != nil {
				s.logger.Warn("chunk rejected",
					zap.String("url", h.URL),
					zap.Int64("offset", res.Value.Offset),
					zap.Int64("total", res.Value.Total),
					zap.Error(err),
				)
				s.consumer.Detach()
				s.asm.OnError(err)
				h.resolve(err)
				return
			}
			if s.progress != nil {
				s.progress(res.Value)
			}
			if url, ok := s.asm.Artifact(); ok && res.Value.Complete() {
				h.setArtifact(url)
			}
		},
		// The close signal may overtake the last chunk; the final Done read
		// decides the outcome.
		OnSuccess: func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.current != h || s.asm.InProgress() {
				return
			}
			h.resolve(nil)
		},
		OnError: func(err error) {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.current != h {
				return
			}
			s.asm.OnError(err)
			h.resolve(err)
		},
	}
}

// finishLocked resolves h once its stream has no more chunks. A stream that
// ends before its final chunk fails the download.
func (s *Session) finishLocked(h *Handle) {
	if s.asm.InProgress() {
		err := stream.Classify("read", ErrIncomplete)
		s.asm.OnError(err)
		h.resolve(err)
		return
	}
	s.logger.Info("download finished", zap.String("url", h.URL))
	h.resolve(nil)
}
