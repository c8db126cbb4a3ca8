// Package stream consumes pull-based chunk streams with safe cancellation.
//
// A [Stream] is an ordered sequence of [Chunk] values terminated either by a
// clean close or by a failure. Each chunk carries cumulative progress
// metadata (Offset, Total) alongside its payload.
//
// # Consuming
//
// [Consumer] attaches to one stream at a time and runs two goroutines
// against it:
//
//   - the pull loop calls [Stream.Next] and hands every [PullResult] to
//     Observers.OnRead, stopping after the Done result
//   - the completion watch waits on [Stream.Closed] and reports
//     Observers.OnSuccess or Observers.OnError exactly once
//
// Attaching a new stream, attaching nil, or calling [Consumer.Detach]
// retires the current attachment: no callback starts for it afterwards, and
// the underlying stream is cancelled.
//
//	c := stream.NewConsumer(stream.WithLogger(logger))
//	c.SetObservers(stream.Observers{
//	    OnRead:    func(r stream.PullResult) { ... },
//	    OnSuccess: func() { ... },
//	    OnError:   func(err error) { ... },
//	})
//	c.Attach(s)
//	defer c.Close()
//
// # Producing
//
// [Pipe] is an in-process [Stream]. Producers call [Pipe.Send] for each
// chunk and finish with [Pipe.Close] or [Pipe.CloseWithError].
//
// # Errors
//
// Failures delivered to OnError are [*Error] values classified by [Kind].
// Cancellation of a superseded stream is never reported.
package stream
