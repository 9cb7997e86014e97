//go:build linux && cgo

package call

import (
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// DeviceProvider captures local camera/microphone via pion/mediadevices
// (V4L2 + malgo on Linux) and attaches the tracks to a fresh peer
// connection. Capture failure is fatal to the call attempt: the caller gets
// ErrMediaAccess and no invite or answer is ever sent.
type DeviceProvider struct {
	Config MediaConfig
}

// NewPeerConnection implements MediaProvider.
func (p *DeviceProvider) NewPeerConnection() (*webrtc.PeerConnection, *LocalMedia, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, nil, err
	}
	vpxParams.BitRate = p.Config.VideoBitRate
	if vpxParams.BitRate == 0 {
		vpxParams.BitRate = 1_500_000
	}

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, nil, err
	}

	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	codecSelector.Populate(mediaEngine)

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, nil, err
	}

	// Generous ICE timeouts so a brief relay/NAT hiccup does not terminate
	// the call. The default disconnectedTimeout of 5 s is far too short for
	// relay paths with short outages during re-keying or failover.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(iceConfig(p.Config.STUNServers))
	if err != nil {
		return nil, nil, err
	}

	local, err := p.capture(pc, codecSelector)
	if err != nil {
		_ = pc.Close()
		return nil, nil, err
	}
	return pc, local, nil
}

// capture tries video+audio, then video-only, then audio-only, honoring the
// configured toggles. GetUserMedia fails as a unit if either requested track
// cannot be opened, so a busy microphone must not block the camera and vice
// versa. All attempts failing means the user has no usable capture device:
// ErrMediaAccess.
func (p *DeviceProvider) capture(pc *webrtc.PeerConnection, codecSelector *mediadevices.CodecSelector) (*LocalMedia, error) {
	type attempt struct {
		video bool
		audio bool
		label string
	}
	attempts := []attempt{
		{p.Config.Video, p.Config.Audio, "video+audio"},
		{p.Config.Video, false, "video-only"},
		{false, p.Config.Audio, "audio-only"},
	}

	for _, a := range attempts {
		if !a.video && !a.audio {
			continue
		}
		constraints := mediadevices.MediaStreamConstraints{Codec: codecSelector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Exclude MJPEG — some cameras expose an MJPEG V4L2 node
				// whose malformed frames poison the VP8 encoder and break
				// SDP negotiation. Raw formats only.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Warnf("GetUserMedia (%s): %v", a.label, err)
			continue
		}

		mediaTracks := stream.GetTracks()
		local := newLocalMedia(nil, func() {
			for _, t := range mediaTracks {
				t.Close()
			}
		})
		for _, track := range mediaTracks {
			track.OnEnded(func(err error) {
				if err != nil {
					log.Warnf("local track ended: %v", err)
				}
			})
			sender, err := pc.AddTrack(track)
			if err != nil {
				log.Warnf("AddTrack: %v", err)
				continue
			}
			local.tracks = append(local.tracks, track)
			local.bindSender(track.Kind(), sender)
		}
		log.Infof("local media captured (%s), %d tracks", a.label, len(local.tracks))
		return local, nil
	}

	return nil, ErrMediaAccess
}
