package assembler

import (
	"context"
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/ligustah/siphon/pkg/artifact"
	"github.com/ligustah/siphon/pkg/stream"
)

// Notifier receives user-visible failure notifications.
type Notifier func(err error)

// State is the derived view of an assembler for presentation.
type State struct {
	Progress    float64      `json:"progress"`
	HasProgress bool         `json:"has_progress"`
	ArtifactURL artifact.URL `json:"artifact_url,omitempty"`
	InProgress  bool         `json:"in_progress"`
	LastError   string       `json:"last_error,omitempty"`
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(a *Assembler) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithNotifier sets the failure notifier.
func WithNotifier(n Notifier) Option {
	return func(a *Assembler) {
		a.notify = n
	}
}

// WithArtifactOptions sets the options used when staging each artifact.
func WithArtifactOptions(opts ...artifact.Option) Option {
	return func(a *Assembler) {
		a.stageOpts = opts
	}
}

// Assembler accumulates chunks into an artifact and tracks progress.
// It is safe for concurrent use.
type Assembler struct {
	store     *artifact.Store
	logger    *zap.Logger
	notify    Notifier
	stageOpts []artifact.Option

	mu          sync.Mutex
	progress    float64
	hasProgress bool
	url         artifact.URL
	inProgress  bool
	lastErr     error
	staged      *artifact.Staged
	completed   bool
	notified    bool
}

// New creates an assembler that publishes into store.
func New(store *artifact.Store, opts ...Option) *Assembler {
	a := &Assembler{
		store:  store,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Reset prepares for a new download. The held artifact is revoked, staged
// bytes are discarded and progress becomes undefined. Options replace the
// staging options for this download when given.
func (a *Assembler) Reset(ctx context.Context, opts ...artifact.Option) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.discardLocked()
	a.hasProgress = false
	a.progress = 0
	a.inProgress = true
	a.completed = false
	a.notified = false
	a.lastErr = nil
	if len(opts) > 0 {
		a.stageOpts = opts
	}

	return a.revokeLocked(ctx)
}

// OnChunk applies one chunk. Chunks with unusable progress data are rejected
// with an error wrapping stream.ErrInvalidProgress and leave the state
// untouched.
func (a *Assembler) OnChunk(ctx context.Context, c stream.Chunk) error {
	fraction, err := Fraction(c)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.completed {
		// The first completing chunk wins; anything after it is ignored.
		a.logger.Debug("chunk after completion ignored",
			zap.Int64("offset", c.Offset),
			zap.Int64("total", c.Total),
		)
		return nil
	}

	if len(c.Result) > 0 || c.Complete() {
		if err := a.ensureStagedLocked(ctx); err != nil {
			return err
		}
	}
	if len(c.Result) > 0 {
		if _, err := a.staged.Write(c.Result); err != nil {
			a.discardLocked()
			return stream.Classify("stage", err)
		}
	}

	if !c.Complete() {
		a.progress = fraction
		a.hasProgress = true
		a.inProgress = true
		return nil
	}

	pub, err := a.staged.Publish(ctx)
	a.staged = nil
	if err != nil {
		return stream.Classify("publish", err)
	}

	prev := a.url
	a.url = pub.URL
	a.progress = 1
	a.hasProgress = true
	a.inProgress = false
	a.completed = true

	a.logger.Info("artifact ready",
		zap.String("url", pub.URL.String()),
		zap.Int64("size", pub.Size),
		zap.String("sha256", pub.Checksum),
	)

	if prev != "" && prev != pub.URL {
		if err := a.store.Revoke(ctx, prev); err != nil {
			a.logger.Warn("revoke superseded artifact", zap.String("url", prev.String()), zap.Error(err))
		}
	}
	return nil
}

// OnError records a failed download. Staged bytes are discarded and the
// notifier is called once per download. A completed artifact is kept.
func (a *Assembler) OnError(cause error) {
	a.mu.Lock()
	a.discardLocked()
	a.hasProgress = false
	a.progress = 0
	a.inProgress = false
	a.lastErr = cause
	notify := a.notify != nil && !a.notified
	a.notified = true
	fn := a.notify
	a.mu.Unlock()

	a.logger.Warn("download failed", zap.Error(cause))
	if notify {
		fn(cause)
	}
}

// Cancel abandons the current download without notifying. Staged bytes are
// discarded and progress becomes undefined; a completed artifact is kept.
func (a *Assembler) Cancel() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.discardLocked()
	a.hasProgress = false
	a.progress = 0
	a.inProgress = false
}

// Close discards staged bytes and revokes the held artifact.
func (a *Assembler) Close(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.discardLocked()
	a.inProgress = false
	return a.revokeLocked(ctx)
}

// Progress returns the current fraction. ok is false when no download is
// active.
func (a *Assembler) Progress() (fraction float64, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.progress, a.hasProgress
}

// Artifact returns the URL of the held artifact, if any.
func (a *Assembler) Artifact() (artifact.URL, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.url, a.url != ""
}

// InProgress reports whether a download has started and neither completed
// nor failed.
func (a *Assembler) InProgress() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inProgress
}

// Snapshot returns the derived state.
func (a *Assembler) Snapshot() State {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := State{
		Progress:    a.progress,
		HasProgress: a.hasProgress,
		ArtifactURL: a.url,
		InProgress:  a.inProgress,
	}
	if a.lastErr != nil {
		s.LastError = a.lastErr.Error()
	}
	return s
}

// Fraction returns Offset/Total for c, or an error wrapping
// stream.ErrInvalidProgress when that is not a finite value in [0, 1].
func Fraction(c stream.Chunk) (float64, error) {
	if c.Total <= 0 || c.Offset < 0 || c.Offset > c.Total {
		return 0, invalidProgress(c)
	}
	f := float64(c.Offset) / float64(c.Total)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, invalidProgress(c)
	}
	return f, nil
}

func invalidProgress(c stream.Chunk) error {
	return &stream.Error{
		Kind: stream.KindInvalidProgress,
		Op:   "progress",
		Err:  fmt.Errorf("%w: offset %d, total %d", stream.ErrInvalidProgress, c.Offset, c.Total),
	}
}

func (a *Assembler) ensureStagedLocked(ctx context.Context) error {
	if a.staged != nil {
		return nil
	}
	st, err := a.store.Stage(ctx, a.stageOpts...)
	if err != nil {
		return stream.Classify("stage", err)
	}
	a.staged = st
	return nil
}

func (a *Assembler) discardLocked() {
	if a.staged != nil {
		a.logger.Debug("discarding staged artifact",
			zap.String("id", a.staged.ID()),
			zap.Int64("bytes", a.staged.Size()))
		a.staged.Abort()
		a.staged = nil
	}
}

func (a *Assembler) revokeLocked(ctx context.Context) error {
	if a.url == "" {
		return nil
	}
	prev := a.url
	a.url = ""
	if err := a.store.Revoke(ctx, prev); err != nil {
		return fmt.Errorf("revoke %s: %w", prev, err)
	}
	return nil
}
