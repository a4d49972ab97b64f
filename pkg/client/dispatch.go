package client

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/igorsilveira/kefu/pkg/telemetry"
)

// Subscription identifies a registered handler for Off.
type Subscription struct {
	kind Kind
	id   uint64
}

func (s Subscription) Kind() Kind { return s.kind }

type handlerEntry struct {
	id uint64
	fn func(Event)
}

// dispatcher delivers events on its own goroutine, in emission order, to
// handlers in registration order. The mailbox is unbounded so emitting never
// blocks the client loop.
type dispatcher struct {
	logger *slog.Logger

	mu       sync.Mutex
	handlers map[Kind][]handlerEntry
	nextID   uint64
	pending  []Event
	closed   bool

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
}

func newDispatcher(logger *slog.Logger) *dispatcher {
	d := &dispatcher{
		logger:   logger,
		handlers: make(map[Kind][]handlerEntry),
		wake:     make(chan struct{}, 1),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) subscribe(kind Kind, fn func(Event)) Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	d.handlers[kind] = append(d.handlers[kind], handlerEntry{id: d.nextID, fn: fn})
	return Subscription{kind: kind, id: d.nextID}
}

func (d *dispatcher) unsubscribe(sub Subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()
	hs := d.handlers[sub.kind]
	for i, h := range hs {
		if h.id == sub.id {
			d.handlers[sub.kind] = append(hs[:i:i], hs[i+1:]...)
			return
		}
	}
}

func (d *dispatcher) emit(ev Event) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.pending = append(d.pending, ev)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// close stops accepting events. Events already emitted are still delivered.
func (d *dispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()
	close(d.quit)
}

func (d *dispatcher) run() {
	defer close(d.done)
	for {
		select {
		case <-d.wake:
			d.flush()
		case <-d.quit:
			d.flush()
			return
		}
	}
}

func (d *dispatcher) flush() {
	for {
		d.mu.Lock()
		batch := d.pending
		d.pending = nil
		d.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, ev := range batch {
			d.deliver(ev)
		}
	}
}

func (d *dispatcher) deliver(ev Event) {
	d.mu.Lock()
	hs := append([]handlerEntry(nil), d.handlers[ev.Kind()]...)
	d.mu.Unlock()

	for _, h := range hs {
		d.invoke(h, ev)
	}
}

func (d *dispatcher) invoke(h handlerEntry, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			telemetry.Metrics.HandlerPanics.Inc()
			d.logger.Error("event handler panicked",
				slog.String("kind", string(ev.Kind())),
				slog.String("err", fmt.Sprint(r)),
			)
		}
	}()
	h.fn(ev)
}

func subscribe[E Event](d *dispatcher, kind Kind, fn func(E)) Subscription {
	return d.subscribe(kind, func(ev Event) {
		if e, ok := ev.(E); ok {
			fn(e)
		}
	})
}
