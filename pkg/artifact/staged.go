package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"mime"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gocloud.dev/blob"
)

// ErrStagedClosed is returned when writing to a Staged artifact that has
// already been published or aborted.
var ErrStagedClosed = errors.New("artifact: staged artifact is closed")

// Options configures a staged artifact.
type Options struct {
	ContentType string
	Filename    string
	Metadata    map[string]string
}

// Option is a functional option for Stage.
type Option func(*Options)

// WithContentType sets the content type stored with the artifact.
func WithContentType(contentType string) Option {
	return func(o *Options) {
		o.ContentType = contentType
	}
}

// WithFilename sets the download filename stored with the artifact.
func WithFilename(name string) Option {
	return func(o *Options) {
		o.Filename = name
	}
}

// WithMetadata sets caller-defined metadata stored with the artifact.
func WithMetadata(metadata map[string]string) Option {
	return func(o *Options) {
		o.Metadata = metadata
	}
}

// Published describes an artifact that has just been committed.
type Published struct {
	ID       string
	URL      URL
	Size     int64
	Checksum string // hex SHA-256 of the content
}

// Staged accumulates artifact bytes. Nothing is visible in the store until
// Publish succeeds.
type Staged struct {
	store *Store
	id    string
	opts  Options

	mu           sync.Mutex
	writer       *blob.Writer
	writerCancel context.CancelFunc // Cancel to abort the write
	hash         hash.Hash
	size         int64
	closed       bool
}

// Stage starts a new artifact.
func (s *Store) Stage(ctx context.Context, options ...Option) (*Staged, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	opts := Options{
		ContentType: "application/octet-stream",
	}
	for _, opt := range options {
		opt(&opts)
	}
	return &Staged{
		store: s,
		id:    uuid.NewString(),
		opts:  opts,
		hash:  sha256.New(),
	}, nil
}

// ID returns the id the artifact will be published under.
func (st *Staged) ID() string {
	return st.id
}

// Size returns the number of bytes written so far.
func (st *Staged) Size() int64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.size
}

// Write appends p to the artifact.
func (st *Staged) Write(p []byte) (n int, err error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.closed {
		return 0, ErrStagedClosed
	}

	if err := st.open(); err != nil {
		return 0, err
	}

	n, err = st.writer.Write(p)
	if err != nil {
		return n, err
	}
	st.hash.Write(p[:n])
	st.size += int64(n)

	return n, nil
}

// open lazily creates the blob writer. Must be called with st.mu held.
func (st *Staged) open() error {
	if st.writer != nil {
		return nil
	}

	// The write outlives any single request context; Abort cancels it.
	ctx, cancel := context.WithCancel(context.Background())

	wopts := &blob.WriterOptions{
		ContentType: st.opts.ContentType,
		Metadata:    st.opts.Metadata,
	}
	if st.opts.Filename != "" {
		wopts.ContentDisposition = mime.FormatMediaType("attachment", map[string]string{
			"filename": st.opts.Filename,
		})
	}

	w, err := st.store.bucket.NewWriter(ctx, st.store.key(st.id), wopts)
	if err != nil {
		cancel()
		return fmt.Errorf("artifact: create writer: %w", err)
	}
	st.writer = w
	st.writerCancel = cancel
	return nil
}

// Publish commits the staged bytes and returns the artifact's URL.
func (st *Staged) Publish(ctx context.Context) (*Published, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.closed {
		return nil, ErrStagedClosed
	}
	if err := ctx.Err(); err != nil {
		st.abortLocked()
		return nil, err
	}

	// An empty artifact still gets an object.
	if err := st.open(); err != nil {
		st.closed = true
		return nil, err
	}
	st.closed = true

	// Close the writer - this commits the blob to storage
	if err := st.writer.Close(); err != nil {
		st.writerCancel()
		st.store.bucket.Delete(context.Background(), st.store.key(st.id)) // Best effort, ignore errors
		st.store.logger.Debug("artifact commit failed", zap.String("id", st.id), zap.Error(err))
		return nil, fmt.Errorf("artifact: commit %s: %w", st.id, err)
	}
	st.writerCancel()

	pub := &Published{
		ID:       st.id,
		URL:      st.store.URLFor(st.id),
		Size:     st.size,
		Checksum: hex.EncodeToString(st.hash.Sum(nil)),
	}
	st.store.logger.Debug("artifact published",
		zap.String("id", pub.ID),
		zap.Int64("size", pub.Size),
	)
	return pub, nil
}

// Abort discards the staged bytes. Safe to call multiple times or after
// Publish, in which case it does nothing.
func (st *Staged) Abort() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.abortLocked()
}

func (st *Staged) abortLocked() {
	if st.closed {
		return
	}
	st.closed = true

	if st.writer == nil {
		return
	}

	// Cancel the context first to abort the upload
	st.writerCancel()
	// Must still close writer to release resources
	st.writer.Close()

	// Some drivers may have committed partial data before cancellation.
	st.store.bucket.Delete(context.Background(), st.store.key(st.id)) // Best effort, ignore errors
	st.store.logger.Debug("artifact aborted", zap.String("id", st.id))
}

func filenameFromDisposition(disposition string) string {
	if disposition == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(disposition)
	if err != nil {
		return ""
	}
	return params["filename"]
}
