// Package session ties a stream opener, a stream.Consumer and an
// assembler.Assembler together.
//
// A session runs at most one download at a time. Start refuses a new
// download while the previous one is in progress; once it has completed or
// failed, starting another revokes the previous artifact and replaces the
// stream. A chunk the assembler rejects cancels the stream and is reported
// like any other stream failure. Cancel and Close are never reported as
// failures.
package session
