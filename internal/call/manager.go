package call

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fieldside/fieldside/internal/identity"
	"github.com/fieldside/fieldside/internal/signal"
)

var (
	// ErrCallActive rejects a second session while one exists. At most one
	// call session per local endpoint, ever.
	ErrCallActive = errors.New("call: a session is already active")
	// ErrNotLocal rejects operations speaking as an id we do not own.
	ErrNotLocal = errors.New("call: not a local endpoint id")
	// ErrNoInvite means accept or reject was asked with nothing pending.
	ErrNoInvite = errors.New("call: no pending invitation")
)

// Manager drives call negotiation for this endpoint. It owns the single
// active session, routes inbound signaling to it with state checks, and
// exposes the start/accept/reject/end operations. All faults in inbound
// handling are contained here; nothing propagates to the channel read loop.
type Manager struct {
	ch  signal.Channel
	ids identity.Context

	media MediaProvider

	mu        sync.Mutex
	sess      *Session
	onSession func(*Session) // fires on create and on end (with nil)

	cancelSub func()
	done      chan struct{}
}

// NewManager attaches to the channel and starts routing call signaling
// immediately. Close detaches.
func NewManager(ch signal.Channel, ids identity.Context, media MediaProvider) *Manager {
	m := &Manager{
		ch:    ch,
		ids:   ids,
		media: media,
		done:  make(chan struct{}),
	}
	in, cancel := ch.Subscribe(
		signal.KindCallAccept,
		signal.KindCallReject,
		signal.KindCallEnd,
		signal.KindICECandidate,
	)
	m.cancelSub = cancel
	go m.route(in)
	return m
}

// OnSession registers the presentation hook: called with the new session
// when a call starts and with nil when it ends.
func (m *Manager) OnSession(fn func(*Session)) {
	m.mu.Lock()
	m.onSession = fn
	m.mu.Unlock()
}

// Active returns the active session, if any.
func (m *Manager) Active() (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess, m.sess != nil
}

// Start originates a call from localID to remoteID. Fails without side
// effects when a session is already active; media denial aborts before any
// invite is sent.
func (m *Manager) Start(ctx context.Context, localID, remoteID, remoteRole string) (*Session, error) {
	if !m.ids.Owns(localID) {
		return nil, fmt.Errorf("%w: %s", ErrNotLocal, localID)
	}
	m.mu.Lock()
	if m.sess != nil {
		m.mu.Unlock()
		return nil, ErrCallActive
	}
	m.mu.Unlock()

	pc, local, err := m.media.NewPeerConnection()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMediaAccess, err)
	}

	s := newSession(m.ch, localID, remoteID, remoteRole, pc, local)
	if err := m.install(s); err != nil {
		s.local.Stop()
		_ = pc.Close()
		return nil, err
	}
	s.setState(StateOriginating)

	offer, err := pc.CreateOffer(nil)
	if err == nil {
		err = pc.SetLocalDescription(offer)
	}
	if err != nil {
		m.discard(s)
		return nil, fmt.Errorf("create offer: %w", err)
	}

	env, err := signal.NewEnvelope(signal.KindCallInvite, localID, remoteID, signal.CallInvite{
		CalleeID:   remoteID,
		CallerID:   localID,
		CallerRole: m.ids.RoleOf(localID),
		Offer:      *pc.LocalDescription(),
	})
	if err == nil {
		err = m.ch.Publish(ctx, env)
	}
	if err != nil {
		m.discard(s)
		return nil, fmt.Errorf("send invite: %w", err)
	}

	s.setState(StateAwaitingAnswer)
	log.Infof("call %s → %s (%s): invited", localID, remoteID, remoteRole)
	return s, nil
}

// Accept answers a pending invitation. The invitation's offer becomes the
// remote description; a malformed offer or media denial fails without
// sending an answer.
func (m *Manager) Accept(ctx context.Context, localID string, inv Invitation) (*Session, error) {
	if !m.ids.Owns(localID) {
		return nil, fmt.Errorf("%w: %s", ErrNotLocal, localID)
	}
	m.mu.Lock()
	if m.sess != nil {
		m.mu.Unlock()
		return nil, ErrCallActive
	}
	m.mu.Unlock()

	pc, local, err := m.media.NewPeerConnection()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMediaAccess, err)
	}

	s := newSession(m.ch, localID, inv.CallerID, inv.CallerRole, pc, local)
	if err := m.install(s); err != nil {
		s.local.Stop()
		_ = pc.Close()
		return nil, err
	}
	s.setState(StateRinging)

	if err := pc.SetRemoteDescription(inv.Offer); err != nil {
		m.discard(s)
		return nil, fmt.Errorf("apply offer: %w", err)
	}
	s.setState(StateAnswering)

	answer, err := pc.CreateAnswer(nil)
	if err == nil {
		err = pc.SetLocalDescription(answer)
	}
	if err != nil {
		m.discard(s)
		return nil, fmt.Errorf("create answer: %w", err)
	}

	env, err := signal.NewEnvelope(signal.KindCallAccept, localID, inv.CallerID, signal.CallAccept{
		CallerID: inv.CallerID,
		Answer:   *pc.LocalDescription(),
	})
	if err == nil {
		err = m.ch.Publish(ctx, env)
	}
	if err != nil {
		m.discard(s)
		return nil, fmt.Errorf("send answer: %w", err)
	}

	s.setState(StateConnected)
	log.Infof("call %s ← %s: accepted", localID, inv.CallerID)
	return s, nil
}

// Reject declines an invitation no session was built for. Publishes
// call-reject; no session state changes because none exists.
func (m *Manager) Reject(ctx context.Context, localID, callerID string) error {
	if !m.ids.Owns(localID) {
		return fmt.Errorf("%w: %s", ErrNotLocal, localID)
	}
	env, err := signal.NewEnvelope(signal.KindCallReject, localID, callerID, signal.CallReject{
		CallerID: callerID,
	})
	if err != nil {
		return err
	}
	if err := m.ch.Publish(ctx, env); err != nil {
		return fmt.Errorf("send reject: %w", err)
	}
	log.Infof("call %s ← %s: rejected", localID, callerID)
	return nil
}

// End tears down the active session. No-op without one.
func (m *Manager) End(ctx context.Context) {
	m.mu.Lock()
	s := m.sess
	m.mu.Unlock()
	if s != nil {
		s.End(ctx)
	}
}

// Close detaches from the channel and ends any active session.
func (m *Manager) Close() {
	select {
	case <-m.done:
		return
	default:
		close(m.done)
	}
	m.cancelSub()
	m.End(context.Background())
}

// install claims the single session slot for s and wires its end-of-life
// back into the manager.
func (m *Manager) install(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess != nil {
		return ErrCallActive
	}
	s.onEnded = func(ended *Session) {
		m.mu.Lock()
		var fn func(*Session)
		if m.sess == ended {
			m.sess = nil
			fn = m.onSession
		}
		m.mu.Unlock()
		if fn != nil {
			fn(nil)
		}
	}
	m.sess = s
	if m.onSession != nil {
		go m.onSession(s)
	}
	return nil
}

// discard ends a half-built session. End already publishes call-end, which
// the other side tolerates at any time, so the remote party sees a normal
// hangup even on an error path.
func (m *Manager) discard(s *Session) {
	s.End(context.Background())
}

// route feeds inbound envelopes to the session, checking state and sender
// before acting. Stale, duplicate and unknown-sender messages are dropped
// with a log line, never an error.
func (m *Manager) route(in <-chan *signal.Envelope) {
	for {
		select {
		case <-m.done:
			return
		case env, ok := <-in:
			if !ok {
				return
			}
			m.handle(env)
		}
	}
}

func (m *Manager) handle(env *signal.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("call handler panic on %s: %v", env.Kind, r)
		}
	}()

	m.mu.Lock()
	s := m.sess
	m.mu.Unlock()

	switch env.Kind {
	case signal.KindICECandidate:
		var p signal.ICECandidate
		if err := env.Decode(&p); err != nil {
			log.Warnf("malformed ice-candidate from %s: %v", env.From, err)
			return
		}
		if s == nil {
			// Candidates may arrive before the connection exists. Tolerated.
			log.Warnf("ice-candidate from %s with no active session, dropped", env.From)
			return
		}
		if env.From != s.remoteID {
			log.Debugf("ice-candidate from unknown sender %s, dropped", env.From)
			return
		}
		s.addCandidate(p.Candidate)

	case signal.KindCallAccept:
		if s == nil || env.From != s.remoteID {
			log.Debugf("stale call-accept from %s, dropped", env.From)
			return
		}
		var p signal.CallAccept
		if err := env.Decode(&p); err != nil {
			log.Warnf("malformed call-accept from %s: %v", env.From, err)
			return
		}
		s.handleAccept(p.Answer)

	case signal.KindCallReject:
		if s == nil || env.From != s.remoteID {
			log.Debugf("stale call-reject from %s, dropped", env.From)
			return
		}
		st := s.State()
		if st != StateOriginating && st != StateAwaitingAnswer {
			log.Debugf("call-reject in state %s, dropped", st)
			return
		}
		log.Infof("call %s → %s: rejected by callee", s.localID, s.remoteID)
		s.End(context.Background())

	case signal.KindCallEnd:
		// Idempotent teardown regardless of state. A call-end for a session
		// we no longer have is the normal echo of our own hangup.
		if s == nil || env.From != s.remoteID {
			log.Debugf("call-end from %s with no matching session, dropped", env.From)
			return
		}
		s.End(context.Background())
	}
}
