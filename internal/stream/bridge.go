// Package stream bridges a blocking pull source onto a channel so the
// ingestion loop can wait on it alongside its context.
package stream

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/you/chatrelay/internal/core"
)

// Source is a blocking, pull-style event source. Next returns io.EOF once the
// source is exhausted.
type Source interface {
	Next(ctx context.Context) (core.ChatEvent, error)
}

// Bridge runs one worker goroutine pulling from a Source and hands events to
// the consumer in source order.
type Bridge struct {
	items  chan core.ChatEvent
	done   chan struct{}
	cancel context.CancelFunc

	mu       sync.Mutex
	err      error
	errTaken bool
}

// Start launches the worker. buffer is the hand-off queue capacity; zero
// makes every hand-off synchronous.
func Start(ctx context.Context, src Source, buffer int) *Bridge {
	if buffer < 0 {
		buffer = 0
	}
	ctx, cancel := context.WithCancel(ctx)
	b := &Bridge{
		items:  make(chan core.ChatEvent, buffer),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go b.run(ctx, src)
	return b
}

func (b *Bridge) run(ctx context.Context, src Source) {
	defer close(b.done)
	defer close(b.items)

	for {
		ev, err := src.Next(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				b.setErr(err)
			}
			return
		}
		select {
		case b.items <- ev:
		case <-ctx.Done():
			b.setErr(ctx.Err())
			return
		}
	}
}

func (b *Bridge) setErr(err error) {
	b.mu.Lock()
	b.err = err
	b.mu.Unlock()
}

// Next blocks until an event is available, the stream ends or ctx is done.
// After the last event the source error, if any, is returned exactly once;
// every later call returns io.EOF.
func (b *Bridge) Next(ctx context.Context) (core.ChatEvent, error) {
	select {
	case ev, ok := <-b.items:
		if ok {
			return ev, nil
		}
	case <-ctx.Done():
		return core.ChatEvent{}, ctx.Err()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil && !b.errTaken {
		b.errTaken = true
		return core.ChatEvent{}, b.err
	}
	return core.ChatEvent{}, io.EOF
}

// Close cancels the worker's context and returns without waiting for it; a
// source stuck in a call that ignores its context must not hold up shutdown.
func (b *Bridge) Close() {
	b.cancel()
}

// Done is closed once the worker goroutine has exited.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}
