package signal

import "sync"

// listenerBuf is the per-listener buffer. A listener that falls this far
// behind starts losing envelopes, which the contract allows (at-least-once
// does not survive a consumer that never drains).
const listenerBuf = 64

type listener struct {
	ch    chan *Envelope
	kinds map[Kind]struct{} // nil = all kinds
}

// fanout is the listener registry shared by every Channel implementation.
// Sends never block: a full listener drops, matching the policy that slow
// consumers lose messages rather than stalling the transport read loop.
type fanout struct {
	mu        sync.Mutex
	listeners map[*listener]struct{}
	closed    bool
}

func newFanout() *fanout {
	return &fanout{listeners: make(map[*listener]struct{})}
}

func (f *fanout) subscribe(kinds ...Kind) (<-chan *Envelope, func()) {
	l := &listener{ch: make(chan *Envelope, listenerBuf)}
	if len(kinds) > 0 {
		l.kinds = make(map[Kind]struct{}, len(kinds))
		for _, k := range kinds {
			l.kinds[k] = struct{}{}
		}
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		close(l.ch)
		return l.ch, func() {}
	}
	f.listeners[l] = struct{}{}
	f.mu.Unlock()

	cancel := func() {
		f.mu.Lock()
		if _, ok := f.listeners[l]; ok {
			delete(f.listeners, l)
			close(l.ch)
		}
		f.mu.Unlock()
	}
	return l.ch, cancel
}

func (f *fanout) deliver(env *Envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for l := range f.listeners {
		if l.kinds != nil {
			if _, ok := l.kinds[env.Kind]; !ok {
				continue
			}
		}
		select {
		case l.ch <- env:
		default:
		}
	}
}

// Dispatcher is the inbound side of a Channel: transports push decoded
// envelopes in with Deliver and consumers attach with Subscribe. Every
// Channel implementation embeds one so listener semantics are identical
// across transports.
type Dispatcher struct {
	f *fanout
}

// NewDispatcher creates an empty listener registry.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{f: newFanout()}
}

// Subscribe registers a listener; see Channel.Subscribe.
func (d *Dispatcher) Subscribe(kinds ...Kind) (<-chan *Envelope, func()) {
	return d.f.subscribe(kinds...)
}

// Deliver fans env out to every matching listener without blocking.
func (d *Dispatcher) Deliver(env *Envelope) {
	d.f.deliver(env)
}

// Close detaches and closes all listeners.
func (d *Dispatcher) Close() {
	d.f.close()
}

func (f *fanout) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for l := range f.listeners {
		close(l.ch)
	}
	f.listeners = make(map[*listener]struct{})
}
