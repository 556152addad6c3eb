package voice

// Command is a host instruction for the manager loop.
type Command interface{ isCommand() }

// JoinCommand joins the voice session of a room.
type JoinCommand struct {
	RoomID string
}

// LeaveCommand leaves the current voice session.
type LeaveCommand struct{}

// MuteCommand suppresses (or resumes) transmission of captured audio.
// Capture itself keeps running so unmuting is instantaneous.
type MuteCommand struct {
	Muted bool
}

// SignalCommand delivers one inbound signaling message received from the
// room relay.
type SignalCommand struct {
	SenderID string
	Type     SignalType
	Data     string
}

func (JoinCommand) isCommand()   {}
func (LeaveCommand) isCommand()  {}
func (MuteCommand) isCommand()   {}
func (SignalCommand) isCommand() {}
