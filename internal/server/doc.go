// Package server exposes a download session over HTTP.
//
// # Routes
//
//	GET    /health             liveness probe
//	POST   /downloads          start a download: {"url": "...", "name": "..."}
//	GET    /downloads/current  progress, artifact URL and last error
//	DELETE /downloads/current  cancel the running download
//	GET    /artifacts/{id}     stream a published artifact
//
// Artifact URLs issued by the session point at /artifacts/{id} when the
// store's base URL is the server's address followed by /artifacts. A
// revoked artifact answers 404.
package server
