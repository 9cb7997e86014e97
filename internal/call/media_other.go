//go:build !linux || !cgo

package call

import "github.com/pion/webrtc/v4"

// Camera/mic capture via pion/mediadevices needs platform drivers that are
// only wired up for Linux here. Elsewhere the provider degrades to
// receive-only: calls still connect and play remote media.
type DeviceProvider struct {
	Config MediaConfig
}

// NewPeerConnection implements MediaProvider.
func (p *DeviceProvider) NewPeerConnection() (*webrtc.PeerConnection, *LocalMedia, error) {
	recv := &RecvOnlyProvider{Config: p.Config}
	pc, local, err := recv.NewPeerConnection()
	if err == nil {
		log.Infof("no local capture on this platform, receive-only call")
	}
	return pc, local, err
}
