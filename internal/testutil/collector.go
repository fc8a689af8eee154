package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hupe1980/agentforge/core"
)

// EventCollector records events for later assertions. It is safe for
// concurrent use and can act as an emission channel consumer.
type EventCollector struct {
	mu     sync.Mutex
	events []core.Event

	// set when the collector owns a consumer goroutine
	flush chan chan struct{}
	done  <-chan struct{}
}

// Add records ev.
func (c *EventCollector) Add(ev core.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.events = append(c.events, ev)
}

// Events returns a copy of the recorded events. When the collector consumes
// an emission channel, every event whose send has completed is included.
func (c *EventCollector) Events() []core.Event {
	c.sync()

	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]core.Event(nil), c.events...)
}

// Kinds returns the kinds of the recorded events in order.
func (c *EventCollector) Kinds() []core.EventKind {
	evs := c.Events()
	kinds := make([]core.EventKind, len(evs))

	for i, ev := range evs {
		kinds[i] = ev.Kind
	}

	return kinds
}

// OfKind returns the recorded events of kind.
func (c *EventCollector) OfKind(kind core.EventKind) []core.Event {
	var out []core.Event

	for _, ev := range c.Events() {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}

	return out
}

// IndexOf returns the index of the first event matching kind and node path,
// or -1.
func (c *EventCollector) IndexOf(kind core.EventKind, path string) int {
	for i, ev := range c.Events() {
		if ev.Kind == kind && ev.NodePath == path {
			return i
		}
	}

	return -1
}

// Terminal returns the run-terminal events.
func (c *EventCollector) Terminal() []core.Event {
	var out []core.Event

	for _, ev := range c.Events() {
		if ev.IsTerminal() {
			out = append(out, ev)
		}
	}

	return out
}

// Drain starts consuming ch into the collector until it is closed or ctx is
// done. The returned function blocks until consumption stops.
func (c *EventCollector) Drain(ctx context.Context, ch <-chan core.Event) (wait func()) {
	done := make(chan struct{})

	go func() {
		defer close(done)

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}

				c.Add(ev)
			}
		}
	}()

	return func() { <-done }
}

// Collect reads ch until it is closed, failing the test after timeout.
func Collect(t testing.TB, ch <-chan core.Event, timeout time.Duration) []core.Event {
	t.Helper()

	var out []core.Event

	deadline := time.After(timeout)

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}

			out = append(out, ev)
		case <-deadline:
			t.Fatalf("timed out after %s waiting for event stream to close (%d events so far)", timeout, len(out))
			return out
		}
	}
}

func (c *EventCollector) sync() {
	if c.flush == nil {
		return
	}

	ack := make(chan struct{})

	select {
	case c.flush <- ack:
		<-ack
	case <-c.done:
	}
}

// NewRunContext returns a RunContext whose emissions are recorded by the
// returned collector. Cancel the context to stop the consumer.
func NewRunContext(ctx context.Context) (*core.RunContext, *EventCollector) {
	ch := make(chan core.Event)
	c := &EventCollector{flush: make(chan chan struct{}), done: ctx.Done()}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-ch:
				c.Add(ev)
			case ack := <-c.flush:
				close(ack)
			}
		}
	}()

	return core.NewRunContext(ctx, "run-test", "tenant-test", 0, ch, nil), c
}
