package voice

// Device is what the manager needs from the audio layer. Implemented by
// the malgo-backed engine; tests substitute a fake.
type Device interface {
	StartCapture(sink chan<- []byte) error
	StartPlayback(peerID string, src <-chan []byte) error
	RemovePeerStream(peerID string)
	Reset()
}

// LocalTrack is the single outbound media track, shared read-only by every
// peer link and written only by the capture pump.
type LocalTrack interface {
	WriteOpus(packet []byte) error
}

// LinkState mirrors the lifecycle of the underlying realtime connection.
type LinkState int

const (
	LinkConnecting LinkState = iota
	LinkConnected
	LinkDisconnected
	LinkFailed
	LinkClosed
)

// LinkCallbacks run on arbitrary transport goroutines. Their only job is
// to hand data back to the manager; they must never touch its registries.
type LinkCallbacks struct {
	// OnCandidate receives a local ICE candidate as JSON to signal out.
	OnCandidate func(data string)
	// OnStateChange receives connection state transitions.
	OnStateChange func(state LinkState)
	// OnRemoteAudio receives the decoded-packet source for the peer's
	// inbound media track, once it arrives.
	OnRemoteAudio func(packets <-chan []byte)
}

// PeerLink is one negotiated realtime connection to a remote peer. SDP and
// ICE candidates cross this boundary as opaque JSON strings, exactly as
// they travel through the signaling relay.
type PeerLink interface {
	CreateOffer() (string, error)
	ApplyRemoteOffer(sdp string) error
	CreateAnswer() (string, error)
	ApplyRemoteAnswer(sdp string) error
	AddCandidate(data string) error
	Close() error
}

// LinkFactory creates peer links and the shared local track.
type LinkFactory interface {
	NewLocalTrack() (LocalTrack, error)
	NewLink(peerID string, track LocalTrack, cb LinkCallbacks) (PeerLink, error)
}
