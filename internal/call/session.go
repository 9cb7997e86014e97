package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/fieldside/fieldside/internal/signal"
)

// State is the lifecycle state of a call session.
type State int

const (
	StateIdle State = iota
	StateOriginating
	StateAwaitingAnswer
	StateRinging
	StateAnswering
	StateConnected
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOriginating:
		return "originating"
	case StateAwaitingAnswer:
		return "awaiting-answer"
	case StateRinging:
		return "ringing"
	case StateAnswering:
		return "answering"
	case StateConnected:
		return "connected"
	case StateEnded:
		return "ended"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// pliInterval is how often a PLI is sent on a remote video track until
// packets flow, and the floor between on-demand requests afterwards.
const pliInterval = 3 * time.Second

// Session is one active or pending call. It exclusively owns its peer
// connection and both media handles; nothing else touches them. Ended is
// terminal — build a new session to call again.
type Session struct {
	localID    string
	remoteID   string
	remoteRole string
	ch         signal.Channel

	pc     *webrtc.PeerConnection
	local  *LocalMedia
	remote *RemoteMedia

	mu      sync.Mutex
	state   State
	onState func(State)
	onEnded func(*Session)

	done chan struct{}
}

func newSession(ch signal.Channel, localID, remoteID, remoteRole string, pc *webrtc.PeerConnection, local *LocalMedia) *Session {
	s := &Session{
		localID:    localID,
		remoteID:   remoteID,
		remoteRole: remoteRole,
		ch:         ch,
		pc:         pc,
		local:      local,
		remote:     &RemoteMedia{},
		state:      StateIdle,
		done:       make(chan struct{}),
	}
	s.bindPC()
	return s
}

// RemoteID returns the remote endpoint id ("guest").
func (s *Session) RemoteID() string { return s.remoteID }

// LocalID returns the local endpoint id this session speaks as.
func (s *Session) LocalID() string { return s.localID }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnState registers a state-change callback for the presentation layer.
func (s *Session) OnState(fn func(State)) {
	s.mu.Lock()
	s.onState = fn
	s.mu.Unlock()
}

// Local returns the local media handle (read-only use outside this package).
func (s *Session) Local() *LocalMedia { return s.local }

// Remote returns the remote media handle.
func (s *Session) Remote() *RemoteMedia { return s.remote }

// ToggleAudio mutes or unmutes the local microphone. Returns the new muted
// state.
func (s *Session) ToggleAudio() bool {
	muted := s.local.toggle(webrtc.RTPCodecTypeAudio)
	log.Infof("call %s↔%s: audio muted=%v", s.localID, s.remoteID, muted)
	return muted
}

// ToggleVideo disables or re-enables the local camera. Returns the new
// disabled state.
func (s *Session) ToggleVideo() bool {
	disabled := s.local.toggle(webrtc.RTPCodecTypeVideo)
	log.Infof("call %s↔%s: video disabled=%v", s.localID, s.remoteID, disabled)
	return disabled
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return
	}
	s.state = st
	fn := s.onState
	s.mu.Unlock()
	log.Debugf("call %s↔%s: → %s", s.localID, s.remoteID, st)
	if fn != nil {
		fn(st)
	}
}

// bindPC registers the peer-connection handlers: remote tracks into the
// remote handle, local candidates out over the channel, connection failures
// into teardown.
func (s *Session) bindPC() {
	s.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		env, err := signal.NewEnvelope(signal.KindICECandidate, s.localID, s.remoteID, signal.ICECandidate{
			RecipientID: s.remoteID,
			Candidate:   c.ToJSON(),
		})
		if err != nil {
			log.Warnf("encode ice candidate: %v", err)
			return
		}
		// Best effort: a lost candidate only narrows the path choices.
		if err := s.ch.Publish(context.Background(), env); err != nil {
			log.Debugf("publish ice candidate: %v", err)
		}
	})

	s.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Infof("call %s↔%s: remote %s track %s", s.localID, s.remoteID, track.Kind(), track.ID())
		if fn := s.remote.add(track); fn != nil {
			fn(track)
		}
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			go s.keyframeLoop(track)
		}
		go s.pumpRemote(track)
	})

	s.pc.OnConnectionStateChange(func(cs webrtc.PeerConnectionState) {
		log.Debugf("call %s↔%s: peer connection %s", s.localID, s.remoteID, cs)
		switch cs {
		case webrtc.PeerConnectionStateFailed:
			// Negotiation/ICE failure: tear down and tell the remote side.
			log.Warnf("call %s↔%s: connection failed", s.localID, s.remoteID)
			s.End(context.Background())
		case webrtc.PeerConnectionStateDisconnected:
			// Often transient; ICE restarts internally. Log only.
			log.Warnf("call %s↔%s: connection degraded", s.localID, s.remoteID)
		}
	})
}

// keyframeLoop nudges the remote encoder with PLIs so video starts (and
// recovers) promptly. Runs until the session ends.
func (s *Session) keyframeLoop(track *webrtc.TrackRemote) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			err := s.pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
			})
			if err != nil {
				return
			}
		}
	}
}

// pumpRemote drains one remote track, feeding the presentation tap when one
// is registered. Draining keeps the interceptor feedback (NACK/REMB) alive
// even with no consumer attached yet.
func (s *Session) pumpRemote(track *webrtc.TrackRemote) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return // track closed with the peer connection
		}
		if fn := s.remote.packetFn(); fn != nil {
			fn(track, pkt)
		}
	}
}

// handleAccept applies the callee's answer. Valid only while awaiting one;
// anything else is a stale duplicate and is ignored.
func (s *Session) handleAccept(answer webrtc.SessionDescription) {
	s.mu.Lock()
	if s.state != StateAwaitingAnswer {
		st := s.state
		s.mu.Unlock()
		log.Debugf("call %s↔%s: ignoring call-accept in state %s", s.localID, s.remoteID, st)
		return
	}
	s.mu.Unlock()

	if err := s.pc.SetRemoteDescription(answer); err != nil {
		log.Errorf("call %s↔%s: apply answer: %v", s.localID, s.remoteID, err)
		s.End(context.Background())
		return
	}
	s.setState(StateConnected)
}

// addCandidate applies one remote ICE candidate.
func (s *Session) addCandidate(c webrtc.ICECandidateInit) {
	if s.State() == StateEnded {
		log.Debugf("call %s↔%s: dropping candidate after end", s.localID, s.remoteID)
		return
	}
	if err := s.pc.AddICECandidate(c); err != nil {
		// Candidates racing teardown or arriving malformed are logged, never
		// fatal.
		log.Warnf("call %s↔%s: add candidate: %v", s.localID, s.remoteID, err)
	}
}

// End tears the session down: closes the peer connection, stops and
// releases every local and remote track, and notifies the remote party.
// Idempotent — the second and later calls do nothing and send nothing.
func (s *Session) End(ctx context.Context) {
	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return
	}
	s.state = StateEnded
	fn := s.onState
	onEnded := s.onEnded
	s.mu.Unlock()

	close(s.done)
	if err := s.pc.Close(); err != nil {
		log.Warnf("call %s↔%s: close peer connection: %v", s.localID, s.remoteID, err)
	}
	// Remote tracks die with the peer connection; local capture is released
	// here no matter which side triggered the teardown.
	s.local.Stop()

	env, err := signal.NewEnvelope(signal.KindCallEnd, s.localID, s.remoteID, signal.CallEnd{
		PeerID: s.remoteID,
	})
	if err == nil {
		if err := s.ch.Publish(ctx, env); err != nil {
			log.Warnf("call %s↔%s: publish call-end: %v", s.localID, s.remoteID, err)
		}
	}
	log.Infof("call %s↔%s: ended", s.localID, s.remoteID)
	if fn != nil {
		fn(StateEnded)
	}
	if onEnded != nil {
		onEnded(s)
	}
}
