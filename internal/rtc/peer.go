package rtc

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"meshvoice/internal/voice"
)

const remotePacketChanSize = 64

// Peer is one pion connection to a remote participant, satisfying
// voice.PeerLink. SDP and candidates cross its API as JSON strings so the
// signaling layer never depends on pion types.
type Peer struct {
	peerID string
	pc     *webrtc.PeerConnection
	cb     voice.LinkCallbacks

	closeOnce sync.Once
	done      chan struct{}
}

func newPeer(peerID string, pc *webrtc.PeerConnection, cb voice.LinkCallbacks) *Peer {
	p := &Peer{
		peerID: peerID,
		pc:     pc,
		cb:     cb,
		done:   make(chan struct{}),
	}

	pc.OnICECandidate(p.handleICECandidate)
	pc.OnConnectionStateChange(p.handleConnectionStateChange)
	pc.OnTrack(p.handleTrack)
	return p
}

func (p *Peer) CreateOffer() (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("creating offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("setting local description: %w", err)
	}
	return marshalDescription(offer)
}

func (p *Peer) ApplyRemoteOffer(sdp string) error {
	desc, err := unmarshalDescription(sdp)
	if err != nil {
		return err
	}
	if desc.Type != webrtc.SDPTypeOffer {
		return fmt.Errorf("expected offer, got %s", desc.Type)
	}
	return p.pc.SetRemoteDescription(desc)
}

func (p *Peer) CreateAnswer() (string, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("creating answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("setting local description: %w", err)
	}
	return marshalDescription(answer)
}

func (p *Peer) ApplyRemoteAnswer(sdp string) error {
	desc, err := unmarshalDescription(sdp)
	if err != nil {
		return err
	}
	if desc.Type != webrtc.SDPTypeAnswer {
		return fmt.Errorf("expected answer, got %s", desc.Type)
	}
	return p.pc.SetRemoteDescription(desc)
}

func (p *Peer) AddCandidate(data string) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(data), &init); err != nil {
		return fmt.Errorf("decoding ICE candidate: %w", err)
	}
	return p.pc.AddICECandidate(init)
}

func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		err = p.pc.Close()
	})
	return err
}

// handleICECandidate signals each gathered candidate out immediately;
// nobody waits for gathering to complete.
func (p *Peer) handleICECandidate(candidate *webrtc.ICECandidate) {
	if candidate == nil {
		return
	}

	var connType string
	switch candidate.Typ.String() {
	case "host":
		connType = "Direct" // local network or public ip
	case "srflx":
		connType = "STUN" // via stun server
	case "relay":
		connType = "TURN" // via turn server (relay)
	case "prflx":
		connType = "Peer" // addition peer reflexive candidate
	default:
		connType = "Undefined"
	}
	log.Debug().
		Str("peer", p.peerID).
		Str("type", connType).
		Str("protocol", candidate.Protocol.String()).
		Str("address", candidate.Address).
		Uint16("port", candidate.Port).
		Msg("New ICE candidate gathered")

	raw, err := json.Marshal(candidate.ToJSON())
	if err != nil {
		log.Error().Err(err).Msg("encoding ICE candidate")
		return
	}
	p.cb.OnCandidate(string(raw))
}

func (p *Peer) handleConnectionStateChange(state webrtc.PeerConnectionState) {
	log.Info().Str("peer", p.peerID).Str("state", state.String()).Msg("Peer connection state changed")

	switch state {
	case webrtc.PeerConnectionStateConnecting:
		p.cb.OnStateChange(voice.LinkConnecting)
	case webrtc.PeerConnectionStateConnected:
		p.cb.OnStateChange(voice.LinkConnected)
	case webrtc.PeerConnectionStateDisconnected:
		p.cb.OnStateChange(voice.LinkDisconnected)
	case webrtc.PeerConnectionStateFailed:
		p.cb.OnStateChange(voice.LinkFailed)
	case webrtc.PeerConnectionStateClosed:
		p.cb.OnStateChange(voice.LinkClosed)
	}
}

func (p *Peer) handleTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	log.Info().
		Str("peer", p.peerID).
		Str("track_id", track.ID()).
		Str("type", track.Kind().String()).
		Msg("Received track")

	if track.Kind() != webrtc.RTPCodecTypeAudio {
		return
	}

	packets := make(chan []byte, remotePacketChanSize)
	go p.readRemote(track, packets)
	p.cb.OnRemoteAudio(packets)
}

// readRemote pulls RTP off the remote track and feeds opus payloads to the
// playback side. A slow consumer loses packets rather than stalling RTP.
func (p *Peer) readRemote(track *webrtc.TrackRemote, packets chan<- []byte) {
	defer close(packets)
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			select {
			case <-p.done:
			default:
				log.Debug().Str("peer", p.peerID).Err(err).Msg("remote track ended")
			}
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		select {
		case packets <- pkt.Payload:
		default:
		}
	}
}

func marshalDescription(desc webrtc.SessionDescription) (string, error) {
	raw, err := json.Marshal(desc)
	if err != nil {
		return "", fmt.Errorf("encoding session description: %w", err)
	}
	return string(raw), nil
}

func unmarshalDescription(data string) (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal([]byte(data), &desc); err != nil {
		return desc, fmt.Errorf("decoding session description: %w", err)
	}
	return desc, nil
}
