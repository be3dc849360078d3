// Package tube provides the pipe a worker uses to receive commands and
// results from other goroutines (other workers, the control channel bridge).
// Messages are delivered to a stored listen handler; the handler is verified
// against the function whitelist on every delivery, since it sits in
// long-lived heap state between deliveries.
package tube

import (
	"context"
	"errors"
	"sync"

	"github.com/vk/warden/internal/ctxlog"
	"github.com/vk/warden/internal/fnwlist"
)

// ListenFunc handles one message from the tube. Implementations are
// registered under fnwlist.TubeListen.
type ListenFunc func(msg []byte, arg any)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("tube: closed")

// Tube is a buffered one-way pipe with a single background listener.
// The message channel itself is never closed; Close signals through quit so
// a Send racing Close returns ErrClosed instead of panicking.
type Tube struct {
	mu     sync.Mutex
	ch     chan []byte
	quit   chan struct{}
	closed bool
	done   chan struct{}
}

// New creates a tube buffering up to buf pending messages.
func New(buf int) *Tube {
	return &Tube{ch: make(chan []byte, buf), quit: make(chan struct{})}
}

// Listen starts the background listener delivering messages to fn with arg.
// It may be called once. The listener stops when the tube is closed or the
// context is canceled.
func (t *Tube) Listen(ctx context.Context, fn ListenFunc, arg any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done != nil {
		panic("tube: Listen called twice")
	}
	t.done = make(chan struct{})
	go t.run(ctx, fn, arg)
}

func (t *Tube) run(ctx context.Context, fn ListenFunc, arg any) {
	logger := ctxlog.FromContext(ctx)
	defer close(t.done)
	for {
		select {
		case <-ctx.Done():
			logger.Debug("Tube listener stopping.", "reason", ctx.Err())
			return
		case <-t.quit:
			t.drain(fn, arg)
			logger.Debug("Tube listener stopping.", "reason", "closed")
			return
		case msg := <-t.ch:
			fnwlist.Check(fnwlist.TubeListen, fn)
			fn(msg, arg)
		}
	}
}

// drain delivers messages that were already queued when Close ran.
func (t *Tube) drain(fn ListenFunc, arg any) {
	for {
		select {
		case msg := <-t.ch:
			fnwlist.Check(fnwlist.TubeListen, fn)
			fn(msg, arg)
		default:
			return
		}
	}
}

// Send queues msg for the listener. It blocks while the buffer is full and
// returns ErrClosed once the tube is closed, including for senders already
// blocked when Close runs.
func (t *Tube) Send(msg []byte) error {
	select {
	case <-t.quit:
		return ErrClosed
	default:
	}
	select {
	case t.ch <- msg:
		return nil
	case <-t.quit:
		return ErrClosed
	}
}

// Close stops accepting messages. Queued messages are still delivered; Wait
// returns once the listener has drained them.
func (t *Tube) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	close(t.quit)
}

// Wait blocks until the listener goroutine has stopped. It is a no-op if
// Listen was never called.
func (t *Tube) Wait() {
	t.mu.Lock()
	done := t.done
	t.mu.Unlock()
	if done != nil {
		<-done
	}
}
