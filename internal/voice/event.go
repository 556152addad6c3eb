package voice

// Event is everything the host can observe about the voice session; the
// manager's internal state is never polled directly.
type Event interface{ isEvent() }

// ConnectingEvent fires when a join attempt starts.
type ConnectingEvent struct {
	RoomID string
}

// ConnectedEvent fires once local capture is confirmed running and presence
// has been announced to the room.
type ConnectedEvent struct {
	RoomID string
}

// DisconnectedEvent fires after a leave has released every resource.
type DisconnectedEvent struct{}

// ConnectionFailedEvent fires when a join attempt is aborted.
type ConnectionFailedEvent struct {
	Reason string
}

// PeerConnectedEvent fires when a peer's media connection is established.
type PeerConnectedEvent struct {
	PeerID string
}

// PeerDisconnectedEvent fires when a peer's connection is cleaned up.
type PeerDisconnectedEvent struct {
	PeerID string
}

// PeerConnectionFailedEvent fires when a peer's connection fails; the rest
// of the session continues unaffected.
type PeerConnectionFailedEvent struct {
	PeerID string
}

// MuteStateChangedEvent reports the new mute state.
type MuteStateChangedEvent struct {
	Muted bool
}

// TxActivityEvent reports whether captured audio is actually being
// transmitted to peers.
type TxActivityEvent struct {
	Transmitting bool
}

// AudioErrorEvent reports a non-fatal audio problem, such as a peer with
// no playback device.
type AudioErrorEvent struct {
	Message string
}

// SignalEvent carries an outbound signaling payload for the host to
// forward verbatim over the chat transport.
type SignalEvent struct {
	Message SignalMessage
}

func (ConnectingEvent) isEvent()           {}
func (ConnectedEvent) isEvent()            {}
func (DisconnectedEvent) isEvent()         {}
func (ConnectionFailedEvent) isEvent()     {}
func (PeerConnectedEvent) isEvent()        {}
func (PeerDisconnectedEvent) isEvent()     {}
func (PeerConnectionFailedEvent) isEvent() {}
func (MuteStateChangedEvent) isEvent()     {}
func (TxActivityEvent) isEvent()           {}
func (AudioErrorEvent) isEvent()           {}
func (SignalEvent) isEvent()               {}
