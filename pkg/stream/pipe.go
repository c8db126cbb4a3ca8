package stream

import (
	"context"
	"io"
	"sync"
)

// Pipe is an in-process Stream fed by a single producer.
//
// Chunks sent before Close are still delivered; the stream reports a clean
// close only once a Next call has returned io.EOF, so Closed never fires
// while a pulled chunk is still in the consumer's hands. CloseWithError and
// Cancel terminate immediately and discard anything still buffered.
type Pipe struct {
	ch   chan Chunk
	eof  chan struct{} // closed by Close
	done chan struct{} // closed on termination

	mu       sync.Mutex
	err      error
	closing  bool
	finished bool
}

// NewPipe creates a pipe that buffers up to size chunks. A size of zero
// makes every Send wait for a matching Next.
func NewPipe(size int) *Pipe {
	if size < 0 {
		size = 0
	}
	return &Pipe{
		ch:   make(chan Chunk, size),
		eof:  make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Send delivers c to the consumer, waiting for buffer space.
// It returns io.ErrClosedPipe after Close, or the termination cause once the
// pipe has failed or been cancelled.
func (p *Pipe) Send(ctx context.Context, c Chunk) error {
	p.mu.Lock()
	if p.finished {
		err := p.err
		p.mu.Unlock()
		if err == nil {
			err = io.ErrClosedPipe
		}
		return err
	}
	if p.closing {
		p.mu.Unlock()
		return io.ErrClosedPipe
	}
	p.mu.Unlock()

	select {
	case p.ch <- c:
		return nil
	case <-p.done:
		return p.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close marks the end of the stream. Chunks already sent are still
// delivered, and the pipe terminates when the next pull finds it drained.
func (p *Pipe) Close() error {
	p.mu.Lock()
	if p.closing || p.finished {
		p.mu.Unlock()
		return nil
	}
	p.closing = true
	close(p.eof)
	p.mu.Unlock()
	return nil
}

// CloseWithError fails the stream with err. Buffered chunks are dropped.
func (p *Pipe) CloseWithError(err error) error {
	if err == nil {
		return p.Close()
	}
	p.finish(err)
	return nil
}

// Cancel terminates the stream with ErrCanceled.
func (p *Pipe) Cancel() {
	p.finish(ErrCanceled)
}

// Next returns the next chunk, io.EOF after a clean close, or the failure
// cause.
func (p *Pipe) Next(ctx context.Context) (Chunk, error) {
	// Failure wins over buffered data.
	select {
	case <-p.done:
		return Chunk{}, p.terminalErr()
	default:
	}

	select {
	case c := <-p.ch:
		return c, nil
	default:
	}

	select {
	case c := <-p.ch:
		return c, nil
	case <-p.done:
		return Chunk{}, p.terminalErr()
	case <-p.eof:
		select {
		case c := <-p.ch:
			return c, nil
		default:
		}
		p.finish(nil)
		return Chunk{}, io.EOF
	case <-ctx.Done():
		return Chunk{}, ctx.Err()
	}
}

// Closed is closed once the pipe has terminated.
func (p *Pipe) Closed() <-chan struct{} {
	return p.done
}

// Err returns the termination cause, or nil while open or after a clean
// close.
func (p *Pipe) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Pipe) terminalErr() error {
	if err := p.Err(); err != nil {
		return err
	}
	return io.EOF
}

func (p *Pipe) finish(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return
	}
	p.finished = true
	p.err = err
	close(p.done)
}
