package signal

import (
	"context"
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("signal")

// Loopback is an in-process signaling hub. It routes envelopes between
// endpoints registered on the same hub, including pool fan-out, and is the
// transport used by tests and single-machine runs. Unlike the real relay it
// delivers exactly once and in order per pair — consumers must not rely on
// either property.
type Loopback struct {
	mu        sync.Mutex
	endpoints []*LoopbackEndpoint
}

// NewLoopback creates an empty hub.
func NewLoopback() *Loopback {
	return &Loopback{}
}

// Endpoint registers a Channel on the hub owning the given endpoint ids.
func (l *Loopback) Endpoint(ids ...string) *LoopbackEndpoint {
	ep := &LoopbackEndpoint{
		hub:  l,
		ids:  make(map[string]struct{}, len(ids)),
		out:  NewDispatcher(),
		done: make(chan struct{}),
	}
	for _, id := range ids {
		ep.ids[id] = struct{}{}
	}
	l.mu.Lock()
	l.endpoints = append(l.endpoints, ep)
	l.mu.Unlock()
	return ep
}

// LoopbackEndpoint is one endpoint's view of the hub. Implements Channel.
type LoopbackEndpoint struct {
	hub  *Loopback
	out  *Dispatcher
	done chan struct{}

	mu    sync.Mutex
	ids   map[string]struct{}
	pools map[string]struct{}
}

// JoinPool subscribes this endpoint to a dispatch pool recipient id.
func (e *LoopbackEndpoint) JoinPool(pool string) {
	e.mu.Lock()
	if e.pools == nil {
		e.pools = make(map[string]struct{})
	}
	e.pools[pool] = struct{}{}
	e.mu.Unlock()
}

// accepts reports whether an envelope addressed to `to` belongs here.
// Envelopes for other recipients are ignored, per the contract.
func (e *LoopbackEndpoint) accepts(to string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.ids[to]; ok {
		return true
	}
	_, ok := e.pools[to]
	return ok
}

// Publish routes env to every endpoint on the hub that accepts its
// recipient, skipping the sender's own channel for pool traffic.
func (e *LoopbackEndpoint) Publish(_ context.Context, env *Envelope) error {
	select {
	case <-e.done:
		return fmt.Errorf("loopback endpoint closed")
	default:
	}

	e.hub.mu.Lock()
	targets := make([]*LoopbackEndpoint, 0, len(e.hub.endpoints))
	for _, other := range e.hub.endpoints {
		if other == e && IsPool(env.To) {
			continue
		}
		if other.accepts(env.To) {
			targets = append(targets, other)
		}
	}
	e.hub.mu.Unlock()

	if len(targets) == 0 {
		log.Debugf("loopback: no recipient for %s → %s", env.Kind, env.To)
	}
	for _, t := range targets {
		t.out.Deliver(env)
	}
	return nil
}

// Subscribe implements Channel.
func (e *LoopbackEndpoint) Subscribe(kinds ...Kind) (<-chan *Envelope, func()) {
	return e.out.Subscribe(kinds...)
}

// Close implements Channel.
func (e *LoopbackEndpoint) Close() error {
	select {
	case <-e.done:
		return nil
	default:
		close(e.done)
	}
	e.out.Close()

	e.hub.mu.Lock()
	for i, other := range e.hub.endpoints {
		if other == e {
			e.hub.endpoints = append(e.hub.endpoints[:i], e.hub.endpoints[i+1:]...)
			break
		}
	}
	e.hub.mu.Unlock()
	return nil
}
