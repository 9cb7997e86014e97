package call

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/fieldside/fieldside/internal/identity"
	"github.com/fieldside/fieldside/internal/signal"
)

// Invitation is a pending incoming call as presented by the arbitrator.
type Invitation struct {
	CallerID   string
	CallerRole string
	CalleeID   string
	Offer      webrtc.SessionDescription
	ReceivedAt time.Time
}

// Ringer plays the looped incoming-call cue. Start is called when an
// invitation becomes pending, Stop when none is. Both must tolerate
// repeated calls.
type Ringer interface {
	Start()
	Stop()
}

// NopRinger is a Ringer that stays silent.
type NopRinger struct{}

func (NopRinger) Start() {}
func (NopRinger) Stop()  {}

// Arbitrator tracks the single pending incoming invitation. A newer invite
// replaces the older one without notice to the first caller; the cue rings
// for as long as anything is pending. Accept and Reject consume the
// pending slot.
type Arbitrator struct {
	ch     signal.Channel
	ids    identity.Context
	mgr    *Manager
	ringer Ringer

	mu       sync.Mutex
	pending  *Invitation
	onInvite func(Invitation)

	cancelSub func()
	done      chan struct{}
}

func NewArbitrator(ch signal.Channel, ids identity.Context, mgr *Manager, ringer Ringer) *Arbitrator {
	if ringer == nil {
		ringer = NopRinger{}
	}
	a := &Arbitrator{
		ch:     ch,
		ids:    ids,
		mgr:    mgr,
		ringer: ringer,
		done:   make(chan struct{}),
	}
	in, cancel := ch.Subscribe(signal.KindCallInvite, signal.KindCallEnd)
	a.cancelSub = cancel
	go a.route(in)
	return a
}

// OnInvite registers the presentation hook, called for every invitation
// that becomes the pending one.
func (a *Arbitrator) OnInvite(fn func(Invitation)) {
	a.mu.Lock()
	a.onInvite = fn
	a.mu.Unlock()
}

// Pending returns the current pending invitation, if any.
func (a *Arbitrator) Pending() (Invitation, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pending == nil {
		return Invitation{}, false
	}
	return *a.pending, true
}

// Accept answers the pending invitation. The answering identity is the
// local id that is not the caller's. The pending slot is cleared only when
// the session comes up; on failure the invitation stays available.
func (a *Arbitrator) Accept(ctx context.Context) (*Session, error) {
	a.mu.Lock()
	if a.pending == nil {
		a.mu.Unlock()
		return nil, ErrNoInvite
	}
	inv := *a.pending
	a.mu.Unlock()

	localID, err := a.ids.LocalFor(inv.CallerID)
	if err != nil {
		return nil, err
	}
	s, err := a.mgr.Accept(ctx, localID, inv)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	cleared := a.pending != nil && a.pending.CallerID == inv.CallerID
	if cleared {
		a.pending = nil
	}
	a.mu.Unlock()
	// A newer invitation may have replaced the slot while the answer was in
	// flight; the cue keeps ringing for it.
	if cleared {
		a.ringer.Stop()
	}
	return s, nil
}

// Reject declines the pending invitation and silences the cue.
func (a *Arbitrator) Reject(ctx context.Context) error {
	a.mu.Lock()
	if a.pending == nil {
		a.mu.Unlock()
		return ErrNoInvite
	}
	inv := *a.pending
	a.pending = nil
	a.mu.Unlock()
	a.ringer.Stop()

	localID, err := a.ids.LocalFor(inv.CallerID)
	if err != nil {
		return err
	}
	return a.mgr.Reject(ctx, localID, inv.CallerID)
}

// Close detaches from the channel and silences the cue.
func (a *Arbitrator) Close() {
	select {
	case <-a.done:
		return
	default:
		close(a.done)
	}
	a.cancelSub()
	a.mu.Lock()
	a.pending = nil
	a.mu.Unlock()
	a.ringer.Stop()
}

func (a *Arbitrator) route(in <-chan *signal.Envelope) {
	for {
		select {
		case <-a.done:
			return
		case env, ok := <-in:
			if !ok {
				return
			}
			a.handle(env)
		}
	}
}

func (a *Arbitrator) handle(env *signal.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("arbitrator handler panic on %s: %v", env.Kind, r)
		}
	}()

	switch env.Kind {
	case signal.KindCallInvite:
		var p signal.CallInvite
		if err := env.Decode(&p); err != nil {
			log.Warnf("malformed call-invite from %s: %v", env.From, err)
			return
		}
		if !a.ids.Owns(p.CalleeID) {
			log.Debugf("call-invite for %s is not ours, dropped", p.CalleeID)
			return
		}
		inv := Invitation{
			CallerID:   p.CallerID,
			CallerRole: p.CallerRole,
			CalleeID:   p.CalleeID,
			Offer:      p.Offer,
			ReceivedAt: time.Now(),
		}
		a.mu.Lock()
		if a.pending != nil {
			log.Infof("call-invite from %s replaces pending invite from %s",
				inv.CallerID, a.pending.CallerID)
		}
		a.pending = &inv
		fn := a.onInvite
		a.mu.Unlock()
		a.ringer.Start()
		if fn != nil {
			fn(inv)
		}

	case signal.KindCallEnd:
		// The caller hung up while we were still ringing.
		a.mu.Lock()
		cleared := a.pending != nil && a.pending.CallerID == env.From
		if cleared {
			a.pending = nil
		}
		a.mu.Unlock()
		if cleared {
			a.ringer.Stop()
			log.Infof("pending invite from %s withdrawn", env.From)
		}
	}
}
