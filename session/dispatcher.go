package session

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/kleeedolinux/livesession/socket"
)

// Handlers maps wire events to raw payload handlers.
type Handlers map[socket.Event]socket.Handler

// Dispatcher fans inbound events out to registrations and normalizes domain events.
type Dispatcher struct {
	mu       sync.RWMutex
	regs     []*registration
	nextID   uint64
	notifier Notifier
	log      zerolog.Logger
}

type registration struct {
	id       uint64
	handlers Handlers
	onEvent  func(Event)
}

func newDispatcher(notifier Notifier, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{notifier: notifier, log: log}
}

// defaultHandlers log status and error events for every registration.
func (d *Dispatcher) defaultHandlers() Handlers {
	return Handlers{
		socket.EventConnect: func(json.RawMessage) {
			d.log.Debug().Msg("subscriber: connected")
		},
		socket.EventDisconnect: func(data json.RawMessage) {
			var reason string
			_ = json.Unmarshal(data, &reason)
			d.log.Debug().Str("reason", reason).Msg("subscriber: disconnected")
		},
		socket.EventConnectError: func(data json.RawMessage) {
			d.log.Debug().Str("error", decodeServerError(data).Message).Msg("subscriber: connect error")
		},
		EventBookingError: func(data json.RawMessage) {
			d.log.Debug().Str("error", decodeServerError(data).Message).Msg("subscriber: booking error")
		},
		EventAuthError: func(data json.RawMessage) {
			d.log.Debug().Str("error", decodeServerError(data).Message).Msg("subscriber: auth error")
		},
	}
}

// Subscribe installs handlers merged over the default status handlers, plus onEvent for every
// normalized domain event. Either may be nil. The returned func removes exactly this
// registration and is safe to call more than once. Callbacks run synchronously on the
// delivering goroutine and must not block.
func (d *Dispatcher) Subscribe(handlers Handlers, onEvent func(Event)) (unsubscribe func()) {
	merged := d.defaultHandlers()
	for event, h := range handlers {
		if h != nil {
			merged[event] = h
		}
	}

	d.mu.Lock()
	d.nextID++
	reg := &registration{id: d.nextID, handlers: merged, onEvent: onEvent}
	regs := make([]*registration, len(d.regs), len(d.regs)+1)
	copy(regs, d.regs)
	d.regs = append(regs, reg)
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { d.remove(reg.id) })
	}
}

func (d *Dispatcher) remove(id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	regs := make([]*registration, 0, len(d.regs))
	for _, r := range d.regs {
		if r.id != id {
			regs = append(regs, r)
		}
	}
	d.regs = regs
}

// Deliver runs every registration for one inbound event, in registration order.
func (d *Dispatcher) Deliver(event socket.Event, data json.RawMessage) {
	d.notify(event, data)

	d.mu.RLock()
	regs := d.regs
	d.mu.RUnlock()

	kind, domain := Normalize(event)
	for _, r := range regs {
		if h, ok := r.handlers[event]; ok {
			h(data)
		}
		if domain && r.onEvent != nil {
			r.onEvent(Event{Kind: kind, Wire: event, Payload: data})
		}
	}
}

func (d *Dispatcher) notify(event socket.Event, data json.RawMessage) {
	if d.notifier == nil {
		return
	}
	switch event {
	case EventBookingError, EventAuthError:
		msg := decodeServerError(data).Message
		if msg == "" {
			msg = string(event)
		}
		d.notifier.AddToast(msg, ToastError)
	case socket.EventConnectError:
		msg := decodeServerError(data).Message
		if msg == "" {
			msg = "unable to reach the event service"
		}
		d.notifier.AddToast("Connection error: "+msg, ToastWarning)
	}
}

// Listeners counts the registrations that receive event.
func (d *Dispatcher) Listeners(event socket.Event) int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	_, domain := Normalize(event)
	n := 0
	for _, r := range d.regs {
		if _, ok := r.handlers[event]; ok || (domain && r.onEvent != nil) {
			n++
		}
	}
	return n
}
