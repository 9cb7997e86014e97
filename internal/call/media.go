// Package call implements call negotiation between a customer and an
// expert: one peer connection per session, offer/answer/ICE exchange over
// the signaling channel, and arbitration of incoming invitations.
package call

import (
	"errors"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

var log = logging.Logger("call")

// ErrMediaAccess is returned when local camera/microphone capture is denied
// or unavailable. Fatal to the call attempt only; the channel and any other
// state are untouched.
var ErrMediaAccess = errors.New("call: local media unavailable")

// MediaConfig selects what to capture and how to connect.
type MediaConfig struct {
	Audio        bool
	Video        bool
	VideoBitRate int
	STUNServers  []string
}

// MediaProvider builds the peer connection for one session with local
// capture attached. Exactly one call per session; the session owns the
// returned handles exclusively.
type MediaProvider interface {
	NewPeerConnection() (*webrtc.PeerConnection, *LocalMedia, error)
}

// LocalMedia is the session's exclusively owned local capture handle.
type LocalMedia struct {
	mu      sync.Mutex
	tracks  []webrtc.TrackLocal
	senders map[webrtc.RTPCodecType]*webrtc.RTPSender
	release func()
	audioOn bool
	videoOn bool
	stopped bool
}

func newLocalMedia(tracks []webrtc.TrackLocal, release func()) *LocalMedia {
	return &LocalMedia{
		tracks:  tracks,
		senders: make(map[webrtc.RTPCodecType]*webrtc.RTPSender),
		release: release,
		audioOn: true,
		videoOn: true,
	}
}

// Tracks returns the local tracks. Read-only for the presentation layer.
func (l *LocalMedia) Tracks() []webrtc.TrackLocal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]webrtc.TrackLocal(nil), l.tracks...)
}

func (l *LocalMedia) bindSender(kind webrtc.RTPCodecType, s *webrtc.RTPSender) {
	l.mu.Lock()
	l.senders[kind] = s
	l.mu.Unlock()
}

// toggle detaches or reattaches the track of one kind via ReplaceTrack, so
// muting actually stops packets instead of just flipping a flag.
func (l *LocalMedia) toggle(kind webrtc.RTPCodecType) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	var on *bool
	if kind == webrtc.RTPCodecTypeAudio {
		on = &l.audioOn
	} else {
		on = &l.videoOn
	}
	*on = !*on

	sender, ok := l.senders[kind]
	if ok {
		if *on {
			for _, t := range l.tracks {
				if t.Kind() == kind {
					_ = sender.ReplaceTrack(t)
					break
				}
			}
		} else {
			_ = sender.ReplaceTrack(nil)
		}
	}
	return !*on // muted/disabled
}

// Stop releases the capture devices. Idempotent; guaranteed to run on every
// session teardown path.
func (l *LocalMedia) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	release := l.release
	l.mu.Unlock()
	if release != nil {
		release()
	}
}

// RemoteMedia collects the remote party's tracks as they arrive. Populated
// asynchronously by the session; read-only for the presentation layer.
type RemoteMedia struct {
	mu       sync.Mutex
	tracks   []*webrtc.TrackRemote
	onTrack  func(*webrtc.TrackRemote)
	onPacket func(*webrtc.TrackRemote, *rtp.Packet)
}

// Tracks returns the remote tracks received so far.
func (r *RemoteMedia) Tracks() []*webrtc.TrackRemote {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*webrtc.TrackRemote(nil), r.tracks...)
}

// OnTrack registers a callback fired once per arriving remote track.
func (r *RemoteMedia) OnTrack(fn func(*webrtc.TrackRemote)) {
	r.mu.Lock()
	r.onTrack = fn
	r.mu.Unlock()
}

// OnPacket registers the presentation layer's packet tap. Without one the
// session still drains tracks to keep RTCP feedback flowing.
func (r *RemoteMedia) OnPacket(fn func(*webrtc.TrackRemote, *rtp.Packet)) {
	r.mu.Lock()
	r.onPacket = fn
	r.mu.Unlock()
}

func (r *RemoteMedia) add(t *webrtc.TrackRemote) func(*webrtc.TrackRemote) {
	r.mu.Lock()
	r.tracks = append(r.tracks, t)
	fn := r.onTrack
	r.mu.Unlock()
	return fn
}

func (r *RemoteMedia) packetFn() func(*webrtc.TrackRemote, *rtp.Packet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.onPacket
}

// iceConfig builds the webrtc.Configuration from STUN URLs.
func iceConfig(stun []string) webrtc.Configuration {
	if len(stun) == 0 {
		stun = []string{"stun:stun.l.google.com:19302"}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: stun}},
	}
}

// addRecvOnlyTransceivers adds recvonly transceivers for video and audio so
// CreateOffer/CreateAnswer always produce valid m-lines with ICE credentials.
func addRecvOnlyTransceivers(pc *webrtc.PeerConnection) {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Warnf("AddTransceiver(%s): %v", kind, err)
		}
	}
}

// RecvOnlyProvider builds receive-only peer connections with default codecs
// and no capture. Used headless and in tests; DeviceProvider is the real
// thing.
type RecvOnlyProvider struct {
	Config MediaConfig
}

// NewPeerConnection implements MediaProvider.
func (p *RecvOnlyProvider) NewPeerConnection() (*webrtc.PeerConnection, *LocalMedia, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, err
	}
	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, nil, err
	}
	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	)
	pc, err := api.NewPeerConnection(iceConfig(p.Config.STUNServers))
	if err != nil {
		return nil, nil, err
	}
	addRecvOnlyTransceivers(pc)
	return pc, newLocalMedia(nil, nil), nil
}
