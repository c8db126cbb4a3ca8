// Package source opens remote assets as chunk streams.
//
// HTTP issues one GET per download and converts the body into a
// [stream.Pipe]. The first chunk carries offset 0 so progress is defined as
// soon as the stream is obtained; each following chunk carries up to
// ChunkSize bytes of payload and the cumulative offset. The total is the
// response's Content-Length. When a chunked GET carries no length, a HEAD
// request is tried; if that does not announce one either the download is
// rejected with ErrUnknownLength because no progress fraction could be
// computed.
//
// Cancelling the returned stream aborts the underlying request.
package source
