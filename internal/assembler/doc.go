// Package assembler turns a stream of progress-bearing chunks into a
// progress fraction and, once the final chunk arrives, a published artifact.
//
// # Lifecycle
//
// A download starts with Reset, which revokes the artifact of the previous
// download and marks a new one as in progress. Each chunk is passed to
// OnChunk:
//
//	if err := asm.OnChunk(ctx, chunk); err != nil {
//	    // invalid progress data or a failed publish; stop the stream
//	}
//
// The chunk whose offset equals its total publishes the staged bytes. The
// assembler holds at most one artifact URL; installing a new one revokes the
// old. Close revokes whatever is still held.
//
// # Failures
//
// OnError discards staged bytes and notifies the configured Notifier once
// per download. A completed artifact survives a later failure until the
// next Reset or Close.
package assembler
