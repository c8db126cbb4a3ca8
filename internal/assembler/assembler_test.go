package assembler

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"testing"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/memblob"

	"github.com/ligustah/siphon/pkg/artifact"
	"github.com/ligustah/siphon/pkg/stream"
)

func newTestStore(t *testing.T) *artifact.Store {
	t.Helper()
	bucket, err := blob.OpenBucket(context.Background(), "mem://")
	if err != nil {
		t.Fatalf("open bucket: %v", err)
	}
	t.Cleanup(func() { bucket.Close() })
	return artifact.NewStore(bucket, "http://test/artifacts")
}

func readArtifact(t *testing.T, store *artifact.Store, u artifact.URL) []byte {
	t.Helper()
	r, err := store.Open(context.Background(), u)
	if err != nil {
		t.Fatalf("Open(%s): %v", u, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	return data
}

func TestFraction(t *testing.T) {
	tests := []struct {
		name    string
		chunk   stream.Chunk
		want    float64
		wantErr bool
	}{
		{"start", stream.Chunk{Offset: 0, Total: 100}, 0, false},
		{"half", stream.Chunk{Offset: 50, Total: 100}, 0.5, false},
		{"complete", stream.Chunk{Offset: 100, Total: 100}, 1, false},
		{"zero total", stream.Chunk{Offset: 0, Total: 0}, 0, true},
		{"negative total", stream.Chunk{Offset: 0, Total: -1}, 0, true},
		{"negative offset", stream.Chunk{Offset: -1, Total: 10}, 0, true},
		{"offset past total", stream.Chunk{Offset: 11, Total: 10}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Fraction(tt.chunk)
			if tt.wantErr {
				if !errors.Is(err, stream.ErrInvalidProgress) {
					t.Fatalf("expected ErrInvalidProgress, got %v", err)
				}
				if !stream.IsKind(err, stream.KindInvalidProgress) {
					t.Fatalf("expected invalid progress kind, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Fraction: %v", err)
			}
			if got != tt.want {
				t.Fatalf("Fraction = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestProgressSequence(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	a := New(store)

	if _, ok := a.Progress(); ok {
		t.Fatal("progress should be undefined before the first download")
	}
	if err := a.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if !a.InProgress() {
		t.Fatal("Reset should mark a download in progress")
	}

	chunks := []stream.Chunk{
		{Offset: 0, Total: 100},
		{Result: bytes.Repeat([]byte("a"), 50), Offset: 50, Total: 100},
		{Result: bytes.Repeat([]byte("b"), 50), Offset: 100, Total: 100},
	}
	want := []float64{0, 0.5, 1}

	for i, c := range chunks {
		if _, ok := a.Artifact(); ok {
			t.Fatalf("artifact exists before the final chunk (chunk %d)", i)
		}
		if err := a.OnChunk(ctx, c); err != nil {
			t.Fatalf("OnChunk %d: %v", i, err)
		}
		got, ok := a.Progress()
		if !ok || got != want[i] {
			t.Fatalf("chunk %d: progress (%v, %v), want %v", i, got, ok, want[i])
		}
	}

	u, ok := a.Artifact()
	if !ok {
		t.Fatal("no artifact after the final chunk")
	}
	if a.InProgress() {
		t.Fatal("download still in progress after completion")
	}

	data := readArtifact(t, store, u)
	wantData := append(bytes.Repeat([]byte("a"), 50), bytes.Repeat([]byte("b"), 50)...)
	if !bytes.Equal(data, wantData) {
		t.Fatalf("artifact content mismatch: got %d bytes", len(data))
	}
}

func TestZeroTotalIsRejected(t *testing.T) {
	ctx := context.Background()
	a := New(newTestStore(t))
	a.Reset(ctx)
	a.OnChunk(ctx, stream.Chunk{Offset: 10, Total: 40})

	err := a.OnChunk(ctx, stream.Chunk{Offset: 0, Total: 0})
	if !errors.Is(err, stream.ErrInvalidProgress) {
		t.Fatalf("expected ErrInvalidProgress, got %v", err)
	}

	got, ok := a.Progress()
	if !ok || got != 0.25 {
		t.Fatalf("state changed by invalid chunk: (%v, %v)", got, ok)
	}
	if math.IsNaN(got) || math.IsInf(got, 0) {
		t.Fatal("progress is not finite")
	}
}

func TestSingleArtifactOnFinalChunk(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	a := New(store)
	a.Reset(ctx)

	a.OnChunk(ctx, stream.Chunk{Result: []byte("abc"), Offset: 3, Total: 6})
	if _, ok := a.Artifact(); ok {
		t.Fatal("artifact created before completion")
	}

	a.OnChunk(ctx, stream.Chunk{Result: []byte("def"), Offset: 6, Total: 6})
	first, ok := a.Artifact()
	if !ok {
		t.Fatal("artifact missing after completion")
	}

	// A second completing chunk does not publish again.
	if err := a.OnChunk(ctx, stream.Chunk{Result: []byte("zzz"), Offset: 6, Total: 6}); err != nil {
		t.Fatalf("OnChunk: %v", err)
	}
	second, _ := a.Artifact()
	if first != second {
		t.Fatalf("artifact replaced by duplicate completion: %s -> %s", first, second)
	}
	if got := readArtifact(t, store, first); string(got) != "abcdef" {
		t.Fatalf("artifact content %q, want abcdef", got)
	}
}

func TestResetRevokesPreviousArtifact(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	a := New(store)

	a.Reset(ctx)
	a.OnChunk(ctx, stream.Chunk{Result: []byte("one"), Offset: 3, Total: 3})
	first, _ := a.Artifact()

	if err := a.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if _, ok := a.Artifact(); ok {
		t.Fatal("artifact still held after Reset")
	}
	if published(t, store, first) {
		t.Fatal("previous artifact not revoked")
	}
	if _, ok := a.Progress(); ok {
		t.Fatal("progress should be undefined after Reset")
	}

	a.OnChunk(ctx, stream.Chunk{Result: []byte("two"), Offset: 3, Total: 3})
	second, ok := a.Artifact()
	if !ok || second == first {
		t.Fatalf("expected a new artifact, got %s", second)
	}
	if got := readArtifact(t, store, second); string(got) != "two" {
		t.Fatalf("artifact content %q, want two", got)
	}
}

func TestOnErrorNotifiesOnceAndKeepsCompletedArtifact(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	var notified []error
	a := New(store, WithNotifier(func(err error) {
		notified = append(notified, err)
	}))

	a.Reset(ctx)
	a.OnChunk(ctx, stream.Chunk{Result: []byte("done"), Offset: 4, Total: 4})
	u, _ := a.Artifact()

	errBoom := errors.New("boom")
	a.OnError(errBoom)
	a.OnError(errBoom)

	if len(notified) != 1 || !errors.Is(notified[0], errBoom) {
		t.Fatalf("expected a single notification, got %v", notified)
	}
	if !published(t, store, u) {
		t.Fatal("completed artifact revoked by a failure")
	}
	if _, ok := a.Progress(); ok {
		t.Fatal("progress should be undefined after a failure")
	}
	if a.InProgress() {
		t.Fatal("failed download still in progress")
	}
	if s := a.Snapshot(); s.LastError != "boom" {
		t.Fatalf("LastError = %q, want boom", s.LastError)
	}

	// The next download may notify again.
	a.Reset(ctx)
	a.OnError(errBoom)
	if len(notified) != 2 {
		t.Fatalf("expected a second notification after Reset, got %d", len(notified))
	}
}

func TestOnErrorDiscardsStagedBytes(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	a := New(store)

	a.Reset(ctx)
	a.OnChunk(ctx, stream.Chunk{Result: []byte("part"), Offset: 4, Total: 10})
	a.OnError(errors.New("connection reset"))

	// A late completing chunk of the failed stream starts from scratch.
	a.OnChunk(ctx, stream.Chunk{Result: []byte("x"), Offset: 10, Total: 10})
	u, ok := a.Artifact()
	if !ok {
		t.Fatal("expected an artifact")
	}
	if got := readArtifact(t, store, u); string(got) != "x" {
		t.Fatalf("stale staged bytes leaked into artifact: %q", got)
	}
}

func TestCloseRevokes(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	a := New(store)

	a.Reset(ctx)
	a.OnChunk(ctx, stream.Chunk{Result: []byte("bye"), Offset: 3, Total: 3})
	u, _ := a.Artifact()

	if err := a.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if published(t, store, u) {
		t.Fatal("artifact not revoked on Close")
	}
	if _, ok := a.Artifact(); ok {
		t.Fatal("artifact still held after Close")
	}
	if err := a.Close(ctx); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestArtifactOptionsPerDownload(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	a := New(store, WithArtifactOptions(artifact.WithFilename("default.bin")))

	a.Reset(ctx, artifact.WithFilename("song.opus"))
	a.OnChunk(ctx, stream.Chunk{Result: []byte("la"), Offset: 2, Total: 2})
	u, _ := a.Artifact()

	id, err := store.ParseURL(u)
	if err != nil {
		t.Fatalf("ParseURL: %v", err)
	}
	info, err := store.Stat(ctx, id)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Filename != "song.opus" {
		t.Fatalf("filename %q, want song.opus", info.Filename)
	}
}

func TestCancelIsSilent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	notified := 0
	a := New(store, WithNotifier(func(error) { notified++ }))

	a.Reset(ctx)
	a.OnChunk(ctx, stream.Chunk{Result: []byte("half"), Offset: 4, Total: 8})
	a.Cancel()

	if notified != 0 {
		t.Fatal("Cancel must not notify")
	}
	if a.InProgress() {
		t.Fatal("cancelled download still in progress")
	}
	if _, ok := a.Progress(); ok {
		t.Fatal("progress should be undefined after Cancel")
	}
	if s := a.Snapshot(); s.LastError != "" {
		t.Fatalf("Cancel recorded an error: %q", s.LastError)
	}
}

func published(t *testing.T, store *artifact.Store, u artifact.URL) bool {
	t.Helper()
	id, err := store.ParseURL(u)
	if err != nil {
		t.Fatalf("parse artifact url: %v", err)
	}
	_, err = store.Stat(context.Background(), id)
	return err == nil
}
