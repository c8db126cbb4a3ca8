package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"time"

	"go.uber.org/zap"

	siphonhttp "github.com/ligustah/siphon/internal/http"
	"github.com/ligustah/siphon/pkg/stream"
)

const (
	// DefaultChunkSize is the payload size of each emitted chunk.
	DefaultChunkSize = 256 * 1024

	// MaxChunkSize caps the payload of a single chunk.
	MaxChunkSize = 64 * 1024 * 1024
)

var (
	// ErrUnknownLength is returned when neither the GET nor a follow-up HEAD
	// announces the content length, so progress cannot be computed.
	ErrUnknownLength = errors.New("source: content length unknown")

	// ErrShortBody is the stream failure when the body ends before the
	// announced length.
	ErrShortBody = errors.New("source: body shorter than content length")
)

// Options configures the HTTP source.
type Options struct {
	// ChunkSize is the maximum payload of each chunk. Larger values are
	// capped at MaxChunkSize.
	// Default: 256KiB
	ChunkSize int64

	// Buffer is the number of chunks buffered between the body reader and
	// the consumer.
	// Default: 4
	Buffer int

	// HTTPOptions configures the HTTP client.
	HTTPOptions siphonhttp.Options

	// Logger receives lifecycle events. Default: no-op.
	Logger *zap.Logger
}

// Download is an opened remote asset.
type Download struct {
	URL          string
	Total        int64
	Filename     string
	ContentType  string
	ETag         string
	LastModified time.Time

	// Stream yields {Offset: 0} first, then one chunk per ChunkSize bytes of
	// body with a cumulative offset.
	Stream stream.Stream
}

// Metadata returns the metadata stored with the published artifact.
func (d *Download) Metadata() map[string]string {
	m := map[string]string{"source_url": d.URL}
	if d.ETag != "" {
		m["source_etag"] = d.ETag
	}
	if !d.LastModified.IsZero() {
		m["source_last_modified"] = d.LastModified.UTC().Format(time.RFC3339)
	}
	return m
}

// HTTP opens downloads over HTTP.
type HTTP struct {
	client *siphonhttp.Client
	opts   Options
	logger *zap.Logger
}

// NewHTTP creates an HTTP source.
func NewHTTP(opts Options) *HTTP {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	opts.ChunkSize = min(opts.ChunkSize, MaxChunkSize)
	if opts.Buffer <= 0 {
		opts.Buffer = 4
	}
	if opts.HTTPOptions.MaxIdleConnsPerHost == 0 {
		opts.HTTPOptions = siphonhttp.DefaultOptions()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.HTTPOptions.Logger == nil {
		opts.HTTPOptions.Logger = logger
	}

	return &HTTP{
		client: siphonhttp.NewClient(opts.HTTPOptions),
		opts:   opts,
		logger: logger,
	}
}

// Open requests rawURL and returns a stream over its body. ctx bounds only the
// request; the stream lives until it completes, fails or is cancelled.
func (h *HTTP) Open(ctx context.Context, rawURL string) (*Download, error) {
	streamCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)

	resp, err := h.client.Get(streamCtx, rawURL)
	if err == nil && resp.ContentLength < 0 {
		h.recoverLength(streamCtx, rawURL, resp)
	}
	stop()
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("open %s: %w", rawURL, err)
	}

	if resp.ContentLength < 0 {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("open %s: %w", rawURL, ErrUnknownLength)
	}

	p := stream.NewPipe(h.opts.Buffer)
	d := &Download{
		URL:          rawURL,
		Total:        resp.ContentLength,
		Filename:     resp.Filename,
		ContentType:  resp.ContentType,
		ETag:         resp.ETag,
		LastModified: resp.LastModified,
		Stream:       p,
	}
	if d.Filename == "" {
		d.Filename = FilenameFromURL(rawURL)
	}

	h.logger.Info("download opened",
		zap.String("url", rawURL),
		zap.Int64("total", d.Total),
		zap.String("filename", d.Filename),
	)

	// Cancelling the stream aborts the body read.
	go func() {
		select {
		case <-p.Closed():
			cancel()
		case <-streamCtx.Done():
		}
	}()
	go func() {
		defer cancel()
		defer resp.Body.Close()
		pump(streamCtx, resp.Body, d.Total, h.opts.ChunkSize, p)
	}()

	return d, nil
}

// recoverLength asks for the headers of rawURL when the GET response did not
// announce a length, and fills in what the HEAD response knows.
func (h *HTTP) recoverLength(ctx context.Context, rawURL string, resp *siphonhttp.Response) {
	info, err := h.client.Head(ctx, rawURL)
	if err != nil {
		h.logger.Debug("head request failed", zap.String("url", rawURL), zap.Error(err))
		return
	}
	if info.Size < 0 {
		return
	}
	resp.ContentLength = info.Size
	if resp.ETag == "" {
		resp.ETag = info.ETag
	}
	if resp.ContentType == "" {
		resp.ContentType = info.ContentType
	}
	if resp.Filename == "" {
		resp.Filename = info.Filename
	}
	if resp.LastModified.IsZero() {
		resp.LastModified = info.LastModified
	}
}

// pump reads body into chunks of up to chunkSize bytes and sends them to p,
// closing p with the outcome.
func pump(ctx context.Context, body io.Reader, total, chunkSize int64, p *stream.Pipe) {
	if err := p.Send(ctx, stream.Chunk{Offset: 0, Total: total}); err != nil {
		return
	}

	var offset int64
	for {
		// Never buffer more than is left; one spare byte detects an
		// oversized body.
		buf := make([]byte, min(chunkSize, max(total-offset, 1)))
		n, err := io.ReadFull(body, buf)
		if n > 0 {
			offset += int64(n)
			if offset > total {
				p.CloseWithError(fmt.Errorf("source: body exceeds content length %d", total))
				return
			}
			if sendErr := p.Send(ctx, stream.Chunk{Result: buf[:n], Offset: offset, Total: total}); sendErr != nil {
				return
			}
		}

		switch {
		case err == nil:
			continue
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			if offset != total {
				p.CloseWithError(fmt.Errorf("%w: got %d of %d bytes", ErrShortBody, offset, total))
				return
			}
			p.Close()
			return
		default:
			p.CloseWithError(fmt.Errorf("read body: %w", err))
			return
		}
	}
}

// FilenameFromURL derives a download filename from the last path element of
// rawURL. It returns "download" when nothing usable is found.
func FilenameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "download"
	}
	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" {
		return "download"
	}
	return name
}
