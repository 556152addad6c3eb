package voice

// SignalType discriminates the voice signaling messages exchanged through
// the room relay.
type SignalType string

const (
	SignalJoinVoice  SignalType = "join_voice"
	SignalOffer      SignalType = "offer"
	SignalAnswer     SignalType = "answer"
	SignalCandidate  SignalType = "candidate"
	SignalLeaveVoice SignalType = "leave_voice"
)

// SignalMessage is the opaque payload carried over the external chat
// transport. A nil TargetUserID means broadcast to the whole room.
// SenderUserID is filled in by the relay, never by the sender. Data is
// empty for join/leave and JSON-encoded SDP or ICE candidate otherwise.
type SignalMessage struct {
	Type         SignalType `json:"type"`
	TargetUserID *string    `json:"targetUserId"`
	SenderUserID *string    `json:"senderUserId"`
	Data         string     `json:"data"`
}
