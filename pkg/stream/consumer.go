package stream

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Observers receives the results of a consumed stream. All fields are
// optional.
type Observers struct {
	// OnRead is called for every pull, in pull order. The final call has
	// Done set.
	OnRead func(PullResult)

	// OnSuccess is called once when the stream closes cleanly.
	OnSuccess func()

	// OnError is called once when the stream fails. The error is an
	// *Error wrapping the stream's cause.
	OnError func(error)
}

// Option configures a Consumer.
type Option func(*Consumer)

// WithLogger sets the logger used for attachment lifecycle events.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Consumer drives one stream at a time and forwards its results to the
// current Observers.
//
// Callbacks of a Consumer never run concurrently with each other. Observers
// may call Attach or Detach from inside a callback; they must not call
// Close.
type Consumer struct {
	logger    *zap.Logger
	observers atomic.Pointer[Observers]

	// dispatch serializes callbacks and orders them against cancellation.
	dispatch sync.Mutex

	mu      sync.Mutex
	current *attachment
	nextID  uint64
	closed  bool

	wg sync.WaitGroup
}

// NewConsumer creates a consumer with no observers and no stream.
func NewConsumer(opts ...Option) *Consumer {
	c := &Consumer{
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetObservers replaces the observer set. Results that have not been
// delivered yet go to the new set, including results of pulls issued
// before the change.
func (c *Consumer) SetObservers(o Observers) {
	c.observers.Store(&o)
}

// Attach starts consuming s. Any previous stream is detached first. A nil
// stream only detaches. Attaching the stream that is already attached is a
// no-op.
func (c *Consumer) Attach(s Stream) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.logger.Warn("attach on closed consumer ignored")
		return
	}
	prev := c.current
	if prev != nil && s != nil && prev.stream == s {
		c.mu.Unlock()
		return
	}

	var att *attachment
	if s != nil {
		c.nextID++
		ctx, cancel := context.WithCancel(context.Background())
		att = &attachment{
			id:     c.nextID,
			stream: s,
			ctx:    ctx,
			cancel: cancel,
		}
		c.wg.Add(2)
	}
	c.current = att
	c.mu.Unlock()

	if prev != nil {
		c.retire(prev)
	}
	if att == nil {
		return
	}

	c.logger.Debug("stream attached", zap.Uint64("attachment", att.id))
	go c.pull(att)
	go c.watch(att)
}

// Detach stops consuming the current stream and cancels it. Once Detach
// returns, no callback starts for that stream.
func (c *Consumer) Detach() {
	c.mu.Lock()
	prev := c.current
	c.current = nil
	c.mu.Unlock()

	if prev != nil {
		c.retire(prev)
	}
}

// Close detaches the current stream and waits for its goroutines to exit.
// Later calls to Attach are ignored.
func (c *Consumer) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.Detach()
	c.wg.Wait()
}

func (c *Consumer) retire(att *attachment) {
	if !att.canceled.CompareAndSwap(false, true) {
		return
	}
	att.cancel()
	att.stream.Cancel()
	c.logger.Debug("stream detached", zap.Uint64("attachment", att.id))
}

// pull drains the stream, delivering each result before looking at Done.
// Pull errors end the loop silently; the completion watch reports them.
func (c *Consumer) pull(att *attachment) {
	defer c.wg.Done()

	for !att.canceled.Load() {
		chunk, err := att.stream.Next(att.ctx)

		var res PullResult
		switch {
		case errors.Is(err, io.EOF):
			res = PullResult{Done: true}
		case err != nil:
			c.logger.Debug("pull stopped",
				zap.Uint64("attachment", att.id),
				zap.Error(err),
			)
			return
		default:
			res = PullResult{Value: chunk}
		}

		delivered := c.deliver(att, func(o *Observers) {
			if o.OnRead != nil {
				o.OnRead(res)
			}
		})
		if !delivered || res.Done {
			return
		}
	}
}

// watch waits for the stream to terminate and reports the outcome.
func (c *Consumer) watch(att *attachment) {
	defer c.wg.Done()

	select {
	case <-att.stream.Closed():
	case <-att.ctx.Done():
		return
	}

	cause := att.stream.Err()
	c.deliver(att, func(o *Observers) {
		if cause == nil {
			if o.OnSuccess != nil {
				o.OnSuccess()
			}
			return
		}
		if o.OnError != nil {
			o.OnError(Classify("read", cause))
		}
	})
}

// deliver runs fn with the current observers unless att has been retired.
// It reports whether att was still live.
func (c *Consumer) deliver(att *attachment, fn func(*Observers)) bool {
	c.dispatch.Lock()
	defer c.dispatch.Unlock()

	if att.canceled.Load() {
		return false
	}
	if o := c.observers.Load(); o != nil {
		fn(o)
	}
	return true
}

type attachment struct {
	id       uint64
	stream   Stream
	ctx      context.Context
	cancel   context.CancelFunc
	canceled atomic.Bool
}
