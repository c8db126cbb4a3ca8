package stream

import (
	"context"
)

// Chunk is one unit of streamed data.
type Chunk struct {
	// Result is the payload carried by this chunk.
	Result []byte

	// Offset is the cumulative number of bytes produced so far,
	// including this chunk.
	Offset int64

	// Total is the expected final byte count. It is constant for the
	// lifetime of a stream.
	Total int64
}

// Complete reports whether this chunk closes out the expected total.
func (c Chunk) Complete() bool {
	return c.Offset == c.Total
}

// PullResult is the outcome of a single pull. When Done is true, Value is
// the zero Chunk and no further pulls are issued.
type PullResult struct {
	Done  bool
	Value Chunk
}

// Stream is an ordered, pull-based sequence of chunks.
//
// Next returns io.EOF once the stream has been closed cleanly and every
// chunk has been pulled. Any other error means the stream failed; the same
// failure is reported by Err once Closed is closed.
//
// Closed is closed when the stream terminates. Err returns nil for a clean
// close and the cause otherwise.
//
// Cancel requests early termination. It is safe to call more than once and
// after the stream has already terminated.
type Stream interface {
	Next(ctx context.Context) (Chunk, error)
	Closed() <-chan struct{}
	Err() error
	Cancel()
}
