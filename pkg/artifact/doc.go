// Package artifact stores assembled downloads as revocable blobs.
//
// Artifacts live in any gocloud.dev/blob bucket. Bytes are staged through a
// [Staged] writer and only become visible when [Staged.Publish] commits
// them, at which point the caller receives a [URL]. A URL stays valid until
// [Store.Revoke] deletes the artifact behind it.
//
// # Writing
//
//	st, err := store.Stage(ctx, artifact.WithFilename("track.opus"))
//	io.Copy(st, body)
//	pub, err := st.Publish(ctx) // or st.Abort() on failure
//
// # Reading
//
//	r, err := store.Open(ctx, pub.URL)
//	defer r.Close()
//
// # Storage Layout
//
//	{bucket}/{prefix}{id}
//
// where id is a random UUID and prefix defaults to "artifacts/". The URL
// handed out is {base}/{id}.
package artifact
