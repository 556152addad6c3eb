package rtc

import (
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"meshvoice/internal/voice"
	"meshvoice/pkg/config"
)

const opusPayloadType = 111

var opusFmtp = "minptime=10;useinbandfec=1;maxaveragebitrate=64000;stereo=0;sprop-stereo=0;cbr=0"

// Factory builds pion peer connections sharing one API instance and one
// ICE server configuration. It satisfies voice.LinkFactory.
type Factory struct {
	api *webrtc.API
	cfg webrtc.Configuration
}

func NewFactory() (*Factory, error) {
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetICETimeouts(
		time.Second*10, // Disconnected timeout
		time.Second*30, // Failed timeout
		time.Second*5,  // Keepalive interval
	)
	settingEngine.SetReceiveMTU(1500)
	settingEngine.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
		webrtc.NetworkTypeUDP6,
	})

	mediaEngine := &webrtc.MediaEngine{}
	err := mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    1,
			SDPFmtpLine: opusFmtp,
		},
		PayloadType: opusPayloadType,
	}, webrtc.RTPCodecTypeAudio)
	if err != nil {
		return nil, fmt.Errorf("registering opus codec: %w", err)
	}

	return &Factory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithSettingEngine(settingEngine),
		),
		cfg: webrtc.Configuration{
			ICEServers:           config.GetICEServers(),
			BundlePolicy:         webrtc.BundlePolicyMaxBundle,
			RTCPMuxPolicy:        webrtc.RTCPMuxPolicyRequire,
			ICECandidatePoolSize: 5,
		},
	}, nil
}

// NewLocalTrack creates the shared outbound opus track. Every peer
// connection sends this same track.
func (f *Factory) NewLocalTrack() (voice.LocalTrack, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			Channels:  1,
			ClockRate: 48000,
		},
		"audio",
		"microphone",
	)
	if err != nil {
		return nil, fmt.Errorf("creating local audio track: %w", err)
	}
	return &LocalTrack{track: track}, nil
}

// NewLink opens a peer connection toward one remote peer, attaches the
// local track and wires the transport callbacks.
func (f *Factory) NewLink(peerID string, track voice.LocalTrack, cb voice.LinkCallbacks) (voice.PeerLink, error) {
	local, ok := track.(*LocalTrack)
	if !ok || local == nil {
		return nil, fmt.Errorf("local track missing for peer %s", peerID)
	}

	pc, err := f.api.NewPeerConnection(f.cfg)
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}
	if _, err := pc.AddTrack(local.track); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("adding local track: %w", err)
	}

	p := newPeer(peerID, pc, cb)
	log.Debug().Str("peer", peerID).Msg("peer connection created")
	return p, nil
}
