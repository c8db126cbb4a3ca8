//go:build integration

// Package testutils provides shared test infrastructure for integration tests.
package testutils

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"gocloud.dev/blob"
)

// MediaFile is a file served by the test media server.
type MediaFile struct {
	Name        string
	ContentType string
	Data        []byte

	// Truncate, if positive, advertises the full length but closes the
	// connection after this many bytes.
	Truncate int
}

// GenerateTestData generates deterministic test data of the given size.
func GenerateTestData(t *testing.T, size int64) []byte {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

// StartMediaServer starts an HTTP server that serves files the way a media
// origin does: a fixed Content-Length, a content type, an ETag and an
// attachment filename.
func StartMediaServer(t *testing.T, files []MediaFile) *httptest.Server {
	t.Helper()

	fileMap := make(map[string]MediaFile)
	for _, f := range files {
		fileMap["/"+f.Name] = f
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f, ok := fileMap[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}

		contentType := f.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Length", strconv.Itoa(len(f.Data)))
		w.Header().Set("ETag", fmt.Sprintf(`"%x"`, len(f.Data)))
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{
			"filename": f.Name,
		}))

		if r.Method == http.MethodHead {
			return
		}
		if f.Truncate <= 0 {
			w.Write(f.Data)
			return
		}

		w.Write(f.Data[:f.Truncate])
		hj, ok := w.(http.Hijacker)
		if !ok {
			return
		}
		if flusher, ok := w.(http.Flusher); ok {
			flusher.Flush()
		}
		conn, _, err := hj.Hijack()
		if err == nil {
			conn.Close()
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

// MinioEnv contains connection information for a Minio test environment.
type MinioEnv struct {
	Container testcontainers.Container
	BucketURL string
	Endpoint  string
}

// Close terminates the Minio container.
func (e *MinioEnv) Close(ctx context.Context) error {
	if e.Container != nil {
		return e.Container.Terminate(ctx)
	}
	return nil
}

// OpenBucket opens a gocloud bucket connection to the Minio environment.
// The caller must import the s3blob driver.
func (e *MinioEnv) OpenBucket(ctx context.Context) (*blob.Bucket, error) {
	return blob.OpenBucket(ctx, e.BucketURL)
}

// StartMinioContainer starts a Minio container serving bucketName and
// points the AWS credential variables at it for the rest of the test.
func StartMinioContainer(t *testing.T, ctx context.Context, bucketName string) *MinioEnv {
	t.Helper()

	const (
		accessKey = "minioadmin"
		secretKey = "minioadmin"
	)

	// A directory under the data root is served as a bucket.
	req := testcontainers.ContainerRequest{
		Image:        "minio/minio:latest",
		ExposedPorts: []string{"9000/tcp"},
		Env: map[string]string{
			"MINIO_ROOT_USER":     accessKey,
			"MINIO_ROOT_PASSWORD": secretKey,
		},
		Entrypoint: []string{"/bin/sh", "-c"},
		Cmd:        []string{fmt.Sprintf("mkdir -p /data/%s && exec minio server /data", bucketName)},
		WaitingFor: wait.ForHTTP("/minio/health/ready").WithPort("9000"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("start minio container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "9000")
	if err != nil {
		t.Fatalf("get container port: %v", err)
	}
	endpoint := fmt.Sprintf("%s:%s", host, port.Port())

	t.Setenv("AWS_ACCESS_KEY_ID", accessKey)
	t.Setenv("AWS_SECRET_ACCESS_KEY", secretKey)

	return &MinioEnv{
		Container: container,
		BucketURL: fmt.Sprintf("s3://%s?endpoint=http://%s&use_path_style=true&disable_https=true&region=us-east-1",
			bucketName, endpoint),
		Endpoint: endpoint,
	}
}

// CompareReaderToData reads r to the end and fails the test if its content
// differs from expected.
func CompareReaderToData(t *testing.T, r io.Reader, expected []byte) {
	t.Helper()

	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != len(expected) {
		t.Fatalf("size mismatch: got %d bytes, want %d", len(got), len(expected))
	}
	if i := mismatch(got, expected); i >= 0 {
		t.Fatalf("data mismatch at offset %d", i)
	}
}

func mismatch(a, b []byte) int {
	if bytes.Equal(a, b) {
		return -1
	}
	for i := range a {
		if a[i] != b[i] {
			return i
		}
	}
	return len(a)
}
