package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// recorder collects observer callbacks.
type recorder struct {
	mu        sync.Mutex
	reads     []PullResult
	successes int
	failures  []error

	done chan struct{} // closed on the first OnSuccess or OnError
	once sync.Once
}

func newRecorder() *recorder {
	return &recorder{done: make(chan struct{})}
}

func (r *recorder) observers() Observers {
	return Observers{
		OnRead: func(res PullResult) {
			r.mu.Lock()
			r.reads = append(r.reads, res)
			r.mu.Unlock()
		},
		OnSuccess: func() {
			r.mu.Lock()
			r.successes++
			r.mu.Unlock()
			r.once.Do(func() { close(r.done) })
		},
		OnError: func(err error) {
			r.mu.Lock()
			r.failures = append(r.failures, err)
			r.mu.Unlock()
			r.once.Do(func() { close(r.done) })
		},
	}
}

func (r *recorder) snapshot() ([]PullResult, int, []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reads := append([]PullResult(nil), r.reads...)
	failures := append([]error(nil), r.failures...)
	return reads, r.successes, failures
}

func (r *recorder) waitReads(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		got := len(r.reads)
		r.mu.Unlock()
		if got >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d reads", n)
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
	}
}

func TestConsumerDeliversChunksInOrder(t *testing.T) {
	ctx := context.Background()
	p := NewPipe(0)
	rec := newRecorder()

	c := NewConsumer()
	c.SetObservers(rec.observers())
	c.Attach(p)

	go func() {
		for i := int64(1); i <= 5; i++ {
			if err := p.Send(ctx, Chunk{Result: []byte{byte(i)}, Offset: i, Total: 5}); err != nil {
				return
			}
		}
		p.Close()
	}()

	waitClosed(t, rec.done)
	rec.waitReads(t, 6)
	c.Close()

	reads, successes, failures := rec.snapshot()
	if successes != 1 || len(failures) != 0 {
		t.Fatalf("expected 1 success and no failures, got %d and %v", successes, failures)
	}
	if len(reads) != 6 {
		t.Fatalf("expected 6 reads, got %d", len(reads))
	}
	for i := 0; i < 5; i++ {
		if reads[i].Done {
			t.Fatalf("read %d unexpectedly done", i)
		}
		if reads[i].Value.Offset != int64(i+1) {
			t.Fatalf("read %d: offset %d, want %d", i, reads[i].Value.Offset, i+1)
		}
	}
	if !reads[5].Done {
		t.Fatal("last read should be done")
	}
}

func TestConsumerReportsFailureOnce(t *testing.T) {
	ctx := context.Background()
	p := NewPipe(1)
	rec := newRecorder()
	errBoom := errors.New("connection reset")

	c := NewConsumer()
	c.SetObservers(rec.observers())
	c.Attach(p)

	p.Send(ctx, Chunk{Offset: 10, Total: 100})
	rec.waitReads(t, 1)
	p.CloseWithError(errBoom)

	waitClosed(t, rec.done)
	c.Close()

	reads, successes, failures := rec.snapshot()
	if successes != 0 {
		t.Fatalf("expected no success, got %d", successes)
	}
	if len(failures) != 1 {
		t.Fatalf("expected exactly one failure, got %d", len(failures))
	}
	if !errors.Is(failures[0], errBoom) {
		t.Fatalf("failure does not wrap cause: %v", failures[0])
	}
	if !IsKind(failures[0], KindStreamFailure) {
		t.Fatalf("expected stream failure kind, got %v", failures[0])
	}
	// The pull loop never reports a done result for a failed stream.
	for _, r := range reads {
		if r.Done {
			t.Fatal("unexpected done read on failed stream")
		}
	}
}

// gatedStream hands out chunks only when the test releases them, and keeps
// doing so after Cancel, like a pending read that resolves late.
type gatedStream struct {
	release  chan Chunk
	closed   chan struct{}
	canceled chan struct{}
	once     sync.Once
}

func newGatedStream() *gatedStream {
	return &gatedStream{
		release:  make(chan Chunk),
		closed:   make(chan struct{}),
		canceled: make(chan struct{}),
	}
}

func (g *gatedStream) Next(ctx context.Context) (Chunk, error) {
	return <-g.release, nil
}

func (g *gatedStream) Closed() <-chan struct{} { return g.closed }
func (g *gatedStream) Err() error              { return nil }
func (g *gatedStream) Cancel()                 { g.once.Do(func() { close(g.canceled) }) }

func TestConsumerDetachSuppressesPendingChunks(t *testing.T) {
	g := newGatedStream()
	rec := newRecorder()

	c := NewConsumer()
	c.SetObservers(rec.observers())
	c.Attach(g)

	g.release <- Chunk{Offset: 1, Total: 3}
	rec.waitReads(t, 1)

	c.Detach()

	select {
	case <-g.canceled:
	default:
		t.Fatal("Detach did not cancel the stream")
	}

	// The pending pull resolves after the detach, then the stream closes.
	g.release <- Chunk{Offset: 2, Total: 3}
	close(g.closed)

	c.Close()

	reads, successes, failures := rec.snapshot()
	if len(reads) != 1 || reads[0].Value.Offset != 1 {
		t.Fatalf("expected only the first chunk, got %+v", reads)
	}
	if successes != 0 || len(failures) != 0 {
		t.Fatalf("expected no completion callbacks, got %d successes and %v", successes, failures)
	}
}

func TestConsumerReattachRetiresPrevious(t *testing.T) {
	ctx := context.Background()
	first := NewPipe(0)
	second := NewPipe(0)
	rec := newRecorder()

	c := NewConsumer()
	c.SetObservers(rec.observers())
	c.Attach(first)

	first.Send(ctx, Chunk{Offset: 1, Total: 10})
	rec.waitReads(t, 1)

	c.Attach(second)

	if !errors.Is(first.Err(), ErrCanceled) {
		t.Fatalf("previous stream not cancelled: %v", first.Err())
	}
	if err := first.Send(ctx, Chunk{Offset: 2, Total: 10}); !errors.Is(err, ErrCanceled) {
		t.Fatalf("send on retired stream: %v", err)
	}

	second.Send(ctx, Chunk{Offset: 50, Total: 50})
	second.Close()

	waitClosed(t, rec.done)
	rec.waitReads(t, 3)
	c.Close()

	reads, successes, failures := rec.snapshot()
	if len(failures) != 0 {
		t.Fatalf("cancellation of the replaced stream must not be reported: %v", failures)
	}
	if successes != 1 {
		t.Fatalf("expected one success, got %d", successes)
	}
	want := []int64{1, 50}
	for i, off := range want {
		if reads[i].Value.Offset != off {
			t.Fatalf("read %d: offset %d, want %d", i, reads[i].Value.Offset, off)
		}
	}
	if !reads[2].Done {
		t.Fatal("expected done read from second stream")
	}
}

func TestConsumerAttachSameStreamIsNoop(t *testing.T) {
	p := NewPipe(0)
	c := NewConsumer()
	c.Attach(p)
	c.Attach(p)

	if p.Err() != nil {
		t.Fatalf("re-attaching the same stream cancelled it: %v", p.Err())
	}
	c.Close()
}

func TestConsumerAttachNilDetaches(t *testing.T) {
	p := NewPipe(0)
	c := NewConsumer()
	c.Attach(p)
	c.Attach(nil)

	if !errors.Is(p.Err(), ErrCanceled) {
		t.Fatalf("expected ErrCanceled, got %v", p.Err())
	}
	c.Close()
}

func TestConsumerUsesCurrentObservers(t *testing.T) {
	ctx := context.Background()
	p := NewPipe(0)
	first := newRecorder()
	second := newRecorder()

	c := NewConsumer()
	c.SetObservers(first.observers())
	c.Attach(p)

	p.Send(ctx, Chunk{Offset: 1, Total: 2})
	first.waitReads(t, 1)

	c.SetObservers(second.observers())
	p.Send(ctx, Chunk{Offset: 2, Total: 2})
	p.Close()

	waitClosed(t, second.done)
	second.waitReads(t, 2)
	c.Close()

	firstReads, firstSuccesses, _ := first.snapshot()
	if len(firstReads) != 1 || firstSuccesses != 0 {
		t.Fatalf("old observers got %d reads and %d successes", len(firstReads), firstSuccesses)
	}
	secondReads, _, _ := second.snapshot()
	if secondReads[0].Value.Offset != 2 {
		t.Fatalf("new observers got offset %d, want 2", secondReads[0].Value.Offset)
	}
}

func TestConsumerDetachFromCallback(t *testing.T) {
	ctx := context.Background()
	p := NewPipe(3)
	for i := int64(1); i <= 3; i++ {
		p.Send(ctx, Chunk{Offset: i, Total: 3})
	}

	var (
		mu    sync.Mutex
		reads int
	)
	c := NewConsumer()
	c.SetObservers(Observers{
		OnRead: func(PullResult) {
			mu.Lock()
			reads++
			mu.Unlock()
			c.Detach()
		},
		OnSuccess: func() { t.Error("unexpected success") },
		OnError:   func(err error) { t.Errorf("unexpected error: %v", err) },
	})
	c.Attach(p)

	done := make(chan struct{})
	go func() {
		// Give the pull loop time to deliver the first chunk.
		time.Sleep(20 * time.Millisecond)
		c.Close()
		close(done)
	}()
	waitClosed(t, done)

	mu.Lock()
	defer mu.Unlock()
	if reads != 1 {
		t.Fatalf("expected 1 read, got %d", reads)
	}
}

func TestConsumerAttachAfterClose(t *testing.T) {
	c := NewConsumer()
	c.Close()

	p := NewPipe(0)
	c.Attach(p)
	if p.Err() != nil {
		t.Fatal("closed consumer should not touch the stream")
	}
	if c.current != nil {
		t.Fatal("closed consumer accepted an attachment")
	}
}
