package artifact

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
)

// DefaultPrefix is the key prefix used for artifacts in the bucket.
const DefaultPrefix = "artifacts/"

var (
	// ErrNotFound is returned when an artifact does not exist or has been
	// revoked.
	ErrNotFound = errors.New("artifact: not found")

	// ErrInvalidURL is returned for URLs that were not issued by the store.
	ErrInvalidURL = errors.New("artifact: invalid url")
)

// URL is a revocable reference to a published artifact.
type URL string

func (u URL) String() string {
	return string(u)
}

// Info describes a published artifact.
type Info struct {
	ID          string
	URL         URL
	Size        int64
	ContentType string
	Filename    string
	Metadata    map[string]string
	ModTime     time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithPrefix sets the bucket key prefix for artifacts.
func WithPrefix(prefix string) StoreOption {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// WithLogger sets the logger for store operations.
func WithLogger(logger *zap.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Store publishes and revokes artifacts in a bucket.
type Store struct {
	bucket  *blob.Bucket
	baseURL string
	prefix  string
	logger  *zap.Logger
	owned   bool
}

// NewStore creates a store on an existing bucket handle. The caller keeps
// ownership of the bucket.
func NewStore(bucket *blob.Bucket, baseURL string, opts ...StoreOption) *Store {
	s := &Store{
		bucket:  bucket,
		baseURL: strings.TrimRight(baseURL, "/"),
		prefix:  DefaultPrefix,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OpenStore opens bucketURL and creates a store that owns the bucket.
func OpenStore(ctx context.Context, bucketURL, baseURL string, opts ...StoreOption) (*Store, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("artifact: open bucket: %w", err)
	}
	s := NewStore(bucket, baseURL, opts...)
	s.owned = true
	return s, nil
}

// Close releases the bucket if the store opened it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.bucket.Close()
}

// URLFor returns the URL of the artifact with the given id.
func (s *Store) URLFor(id string) URL {
	return URL(s.baseURL + "/" + id)
}

// ParseURL returns the artifact id referenced by u.
func (s *Store) ParseURL(u URL) (string, error) {
	id, ok := strings.CutPrefix(string(u), s.baseURL+"/")
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrInvalidURL, u)
	}
	if _, err := uuid.Parse(id); err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidURL, u)
	}
	return id, nil
}

// Revoke deletes the artifact behind u. Revoking an artifact that is already
// gone is not an error.
func (s *Store) Revoke(ctx context.Context, u URL) error {
	id, err := s.ParseURL(u)
	if err != nil {
		return err
	}
	if err := s.bucket.Delete(ctx, s.key(id)); err != nil && !isNotExist(err) {
		return fmt.Errorf("artifact: revoke %s: %w", id, err)
	}
	s.logger.Debug("artifact revoked", zap.String("id", id))
	return nil
}

// Open returns a reader for the artifact behind u.
func (s *Store) Open(ctx context.Context, u URL) (*blob.Reader, error) {
	id, err := s.ParseURL(u)
	if err != nil {
		return nil, err
	}
	return s.OpenID(ctx, id)
}

// OpenID returns a reader for the artifact with the given id.
func (s *Store) OpenID(ctx context.Context, id string) (*blob.Reader, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	r, err := s.bucket.NewReader(ctx, s.key(id), nil)
	if err != nil {
		if isNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("artifact: open %s: %w", id, err)
	}
	return r, nil
}

// Stat returns information about the artifact with the given id.
func (s *Store) Stat(ctx context.Context, id string) (*Info, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	attrs, err := s.bucket.Attributes(ctx, s.key(id))
	if err != nil {
		if isNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("artifact: stat %s: %w", id, err)
	}
	return &Info{
		ID:          id,
		URL:         s.URLFor(id),
		Size:        attrs.Size,
		ContentType: attrs.ContentType,
		Filename:    filenameFromDisposition(attrs.ContentDisposition),
		Metadata:    attrs.Metadata,
		ModTime:     attrs.ModTime,
	}, nil
}

func (s *Store) key(id string) string {
	return s.prefix + id
}

// isNotExist returns true if the error indicates the object doesn't exist.
func isNotExist(err error) bool {
	return gcerrors.Code(err) == gcerrors.NotFound
}
