package events

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Publisher delivers decisions to a backend and may block.
type Publisher interface {
	PublishDecision(ctx context.Context, d Decision) error
}

// Async adapts a blocking Publisher into a Sink. Decisions go through a
// buffered channel; when the buffer is full they are dropped and counted.
type Async struct {
	pub     Publisher
	ch      chan Decision
	logger  *zap.Logger
	dropped atomic.Uint64
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewAsync creates an async sink with the given buffer size.
func NewAsync(pub Publisher, buffer int, logger *zap.Logger) *Async {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Async{
		pub:    pub,
		ch:     make(chan Decision, buffer),
		logger: logger.With(zap.String("component", "event-sink")),
	}
}

// Publish enqueues a decision without blocking.
func (a *Async) Publish(d Decision) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.ch <- d:
	default:
		if a.dropped.Add(1)%1000 == 1 {
			a.logger.Warn("Event sink full, dropping decisions", zap.Uint64("dropped", a.dropped.Load()))
		}
	}
}

// Dropped returns the number of decisions dropped so far.
func (a *Async) Dropped() uint64 {
	return a.dropped.Load()
}

// Start delivers queued decisions until ctx is done or Close is called.
func (a *Async) Start(ctx context.Context) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-a.ch:
				if !ok {
					return
				}
				if err := a.pub.PublishDecision(ctx, d); err != nil {
					a.logger.Debug("Failed to publish decision", zap.Uint64("seq", d.Seq), zap.Error(err))
				}
			}
		}
	}()
}

// Close stops accepting decisions and waits for the queue to drain.
func (a *Async) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.ch)
	}
	a.mu.Unlock()
	a.wg.Wait()
}
