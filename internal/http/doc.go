// Package http provides the HTTP client used to open download streams.
//
// This package handles:
//   - Connection pooling
//   - HEAD requests to get file metadata
//   - Streaming GET requests
//   - Retry with exponential backoff while establishing a request
//
// A body that has started streaming is never retried; the caller sees the
// read error.
//
// # Usage
//
//	client := http.NewClient(http.DefaultOptions())
//
//	resp, err := client.Get(ctx, url)
//	if err != nil {
//	    return err
//	}
//	defer resp.Body.Close()
//	// resp.ContentLength, resp.Filename
package http
