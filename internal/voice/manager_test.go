package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDevice struct {
	mu           sync.Mutex
	captureErr   error
	playbackErr  error
	captureCalls int
	sink         chan<- []byte
	playing      map[string]bool
	removed      []string
	resets       int
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{playing: make(map[string]bool)}
}

func (d *fakeDevice) StartCapture(sink chan<- []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.captureCalls++
	if d.captureErr != nil {
		return d.captureErr
	}
	d.sink = sink
	return nil
}

func (d *fakeDevice) StartPlayback(peerID string, src <-chan []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.playbackErr != nil {
		return d.playbackErr
	}
	d.playing[peerID] = true
	return nil
}

func (d *fakeDevice) RemovePeerStream(peerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removed = append(d.removed, peerID)
	delete(d.playing, peerID)
}

func (d *fakeDevice) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resets++
	d.sink = nil
	d.playing = make(map[string]bool)
}

func (d *fakeDevice) setCaptureErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.captureErr = err
}

func (d *fakeDevice) captureSink() chan<- []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sink
}

func (d *fakeDevice) isPlaying(peerID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.playing[peerID]
}

func (d *fakeDevice) captureCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.captureCalls
}

type fakeTrack struct {
	mu      sync.Mutex
	packets [][]byte
}

func (t *fakeTrack) WriteOpus(packet []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.packets = append(t.packets, packet)
	return nil
}

func (t *fakeTrack) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.packets)
}

type fakeLink struct {
	peerID string
	cb     LinkCallbacks
	mu     sync.Mutex
	ops    []string
	closed bool
}

func (l *fakeLink) record(op string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ops = append(l.ops, op)
}

func (l *fakeLink) CreateOffer() (string, error) {
	l.record("offer")
	return "sdp-offer-" + l.peerID, nil
}

func (l *fakeLink) ApplyRemoteOffer(sdp string) error {
	l.record("remoteOffer:" + sdp)
	return nil
}

func (l *fakeLink) CreateAnswer() (string, error) {
	l.record("answer")
	return "sdp-answer-" + l.peerID, nil
}

func (l *fakeLink) ApplyRemoteAnswer(sdp string) error {
	l.record("remoteAnswer:" + sdp)
	return nil
}

func (l *fakeLink) AddCandidate(data string) error {
	l.record("candidate:" + data)
	return nil
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.ops = append(l.ops, "close")
	return nil
}

func (l *fakeLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *fakeLink) recorded() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.ops))
	copy(out, l.ops)
	return out
}

type fakeFactory struct {
	mu       sync.Mutex
	trackErr error
	linkErr  error
	links    []*fakeLink
}

func (f *fakeFactory) NewLocalTrack() (LocalTrack, error) {
	if f.trackErr != nil {
		return nil, f.trackErr
	}
	return &fakeTrack{}, nil
}

func (f *fakeFactory) NewLink(peerID string, track LocalTrack, cb LinkCallbacks) (PeerLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.linkErr != nil {
		return nil, f.linkErr
	}
	l := &fakeLink{peerID: peerID, cb: cb}
	f.links = append(f.links, l)
	return l, nil
}

func (f *fakeFactory) link(i int) *fakeLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.links[i]
}

func (f *fakeFactory) linkCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.links)
}

func startManager(t *testing.T, dev *fakeDevice, factory *fakeFactory) *Manager {
	t.Helper()
	m := NewManager(dev, factory)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go m.Run(ctx)
	return m
}

func nextEvent(t *testing.T, m *Manager) Event {
	t.Helper()
	select {
	case e := <-m.Events():
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func assertNoEvent(t *testing.T, m *Manager, d time.Duration) {
	t.Helper()
	select {
	case e := <-m.Events():
		t.Fatalf("unexpected event %T: %+v", e, e)
	case <-time.After(d):
	}
}

func joinRoom(t *testing.T, m *Manager, room string) {
	t.Helper()
	m.Commands() <- JoinCommand{RoomID: room}
	require.Equal(t, ConnectingEvent{RoomID: room}, nextEvent(t, m))
	sig, ok := nextEvent(t, m).(SignalEvent)
	require.True(t, ok, "expected presence announcement")
	require.Equal(t, SignalJoinVoice, sig.Message.Type)
	require.Nil(t, sig.Message.TargetUserID, "presence must broadcast")
	require.Empty(t, sig.Message.Data)
	require.Equal(t, ConnectedEvent{RoomID: room}, nextEvent(t, m))
}

func TestJoinAnnouncesPresence(t *testing.T) {
	dev := newFakeDevice()
	m := startManager(t, dev, &fakeFactory{})

	joinRoom(t, m, "room-1")
	assert.Equal(t, 1, dev.captureCount())
}

func TestJoinFailsWithoutMicrophone(t *testing.T) {
	dev := newFakeDevice()
	dev.captureErr = errors.New("no capture device")
	m := startManager(t, dev, &fakeFactory{})

	m.Commands() <- JoinCommand{RoomID: "room-1"}
	require.Equal(t, ConnectingEvent{RoomID: "room-1"}, nextEvent(t, m))
	failed, ok := nextEvent(t, m).(ConnectionFailedEvent)
	require.True(t, ok)
	assert.Contains(t, failed.Reason, "no capture device")

	// no presence announcement, no track, nothing half-started
	assertNoEvent(t, m, 100*time.Millisecond)
}

func TestRemoteJoinTriggersTargetedOffer(t *testing.T) {
	factory := &fakeFactory{}
	m := startManager(t, newFakeDevice(), factory)
	joinRoom(t, m, "room-1")

	m.Commands() <- SignalCommand{SenderID: "bob", Type: SignalJoinVoice}

	sig, ok := nextEvent(t, m).(SignalEvent)
	require.True(t, ok)
	assert.Equal(t, SignalOffer, sig.Message.Type)
	require.NotNil(t, sig.Message.TargetUserID)
	assert.Equal(t, "bob", *sig.Message.TargetUserID)
	assert.Equal(t, "sdp-offer-bob", sig.Message.Data)
	assert.Equal(t, 1, factory.linkCount())
}

func TestRemoteJoinIgnoredWhenNotInSession(t *testing.T) {
	factory := &fakeFactory{}
	m := startManager(t, newFakeDevice(), factory)

	m.Commands() <- SignalCommand{SenderID: "bob", Type: SignalJoinVoice}

	assertNoEvent(t, m, 100*time.Millisecond)
	assert.Zero(t, factory.linkCount())
}

func TestOfferProducesAnswer(t *testing.T) {
	factory := &fakeFactory{}
	m := startManager(t, newFakeDevice(), factory)
	joinRoom(t, m, "room-1")

	m.Commands() <- SignalCommand{SenderID: "carol", Type: SignalOffer, Data: "remote-sdp"}

	sig, ok := nextEvent(t, m).(SignalEvent)
	require.True(t, ok)
	assert.Equal(t, SignalAnswer, sig.Message.Type)
	require.NotNil(t, sig.Message.TargetUserID)
	assert.Equal(t, "carol", *sig.Message.TargetUserID)
	assert.Equal(t, "sdp-answer-carol", sig.Message.Data)
}

func TestEarlyCandidatesDrainBeforeAnswer(t *testing.T) {
	factory := &fakeFactory{}
	m := startManager(t, newFakeDevice(), factory)
	joinRoom(t, m, "room-1")

	// candidates outrun the offer through the relay
	m.Commands() <- SignalCommand{SenderID: "carol", Type: SignalCandidate, Data: "cand-1"}
	m.Commands() <- SignalCommand{SenderID: "carol", Type: SignalCandidate, Data: "cand-2"}
	m.Commands() <- SignalCommand{SenderID: "carol", Type: SignalOffer, Data: "remote-sdp"}

	sig, ok := nextEvent(t, m).(SignalEvent)
	require.True(t, ok)
	require.Equal(t, SignalAnswer, sig.Message.Type)

	link := factory.link(0)
	assert.Equal(t, []string{
		"remoteOffer:remote-sdp",
		"candidate:cand-1",
		"candidate:cand-2",
		"answer",
	}, link.recorded())
}

func TestLeaveAfterFailedJoinIsSilent(t *testing.T) {
	dev := newFakeDevice()
	m := startManager(t, dev, &fakeFactory{})
	joinRoom(t, m, "room-1")

	dev.setCaptureErr(errors.New("device unplugged"))
	m.Commands() <- JoinCommand{RoomID: "room-2"}
	require.Equal(t, ConnectingEvent{RoomID: "room-2"}, nextEvent(t, m))
	_, ok := nextEvent(t, m).(ConnectionFailedEvent)
	require.True(t, ok)

	// the old session was torn down by the rejoin attempt; leave must not
	// announce leave_voice or emit Disconnected for it
	m.Commands() <- LeaveCommand{}
	assertNoEvent(t, m, 100*time.Millisecond)
}

func TestCandidatesBeforeAnswerAreBuffered(t *testing.T) {
	factory := &fakeFactory{}
	m := startManager(t, newFakeDevice(), factory)
	joinRoom(t, m, "room-1")

	m.Commands() <- SignalCommand{SenderID: "bob", Type: SignalJoinVoice}
	nextEvent(t, m) // offer

	// candidates racing ahead of bob's answer must wait for it
	m.Commands() <- SignalCommand{SenderID: "bob", Type: SignalCandidate, Data: "cand-1"}
	m.Commands() <- SignalCommand{SenderID: "bob", Type: SignalCandidate, Data: "cand-2"}
	m.Commands() <- SignalCommand{SenderID: "bob", Type: SignalAnswer, Data: "answer-sdp"}
	m.Commands() <- SignalCommand{SenderID: "bob", Type: SignalCandidate, Data: "cand-3"}

	// fence so every command above has been processed
	m.Commands() <- MuteCommand{Muted: true}
	nextEvent(t, m)

	assert.Equal(t, []string{
		"offer",
		"remoteAnswer:answer-sdp",
		"candidate:cand-1",
		"candidate:cand-2",
		"candidate:cand-3",
	}, factory.link(0).recorded())
	assert.Zero(t, m.reg.pendingSize())
}

func TestRepeatedJoinVoiceReplacesLink(t *testing.T) {
	factory := &fakeFactory{}
	m := startManager(t, newFakeDevice(), factory)
	joinRoom(t, m, "room-1")

	m.Commands() <- SignalCommand{SenderID: "bob", Type: SignalJoinVoice}
	nextEvent(t, m) // offer
	m.Commands() <- SignalCommand{SenderID: "bob", Type: SignalJoinVoice}
	nextEvent(t, m) // second offer

	require.Equal(t, 2, factory.linkCount())
	assert.True(t, factory.link(0).isClosed(), "replaced link must be closed")
	assert.False(t, factory.link(1).isClosed())
	assert.Equal(t, 1, m.reg.size(), "one live connection per peer")
}

func TestStaleStateChangeCannotRemoveReplacement(t *testing.T) {
	factory := &fakeFactory{}
	m := startManager(t, newFakeDevice(), factory)
	joinRoom(t, m, "room-1")

	m.Commands() <- SignalCommand{SenderID: "bob", Type: SignalOffer, Data: "sdp-1"}
	nextEvent(t, m) // answer
	m.Commands() <- SignalCommand{SenderID: "bob", Type: SignalOffer, Data: "sdp-2"}
	nextEvent(t, m) // answer for the replacement

	old := factory.link(0)
	require.True(t, old.isClosed())

	// closing the old transport fires its state callback late
	old.cb.OnStateChange(LinkFailed)

	assertNoEvent(t, m, 100*time.Millisecond)
	assert.False(t, factory.link(1).isClosed())
	assert.Equal(t, 1, m.reg.size())
}

func TestAnswerForUnknownPeerIsDropped(t *testing.T) {
	factory := &fakeFactory{}
	m := startManager(t, newFakeDevice(), factory)
	joinRoom(t, m, "room-1")

	m.Commands() <- SignalCommand{SenderID: "ghost", Type: SignalAnswer, Data: "sdp"}

	assertNoEvent(t, m, 100*time.Millisecond)
	assert.Zero(t, factory.linkCount())
}

func TestPeerStateTransitions(t *testing.T) {
	dev := newFakeDevice()
	factory := &fakeFactory{}
	m := startManager(t, dev, factory)
	joinRoom(t, m, "room-1")

	m.Commands() <- SignalCommand{SenderID: "bob", Type: SignalOffer, Data: "sdp"}
	nextEvent(t, m) // answer
	link := factory.link(0)

	link.cb.OnStateChange(LinkConnected)
	assert.Equal(t, PeerConnectedEvent{PeerID: "bob"}, nextEvent(t, m))

	link.cb.OnStateChange(LinkDisconnected)
	assert.Equal(t, PeerDisconnectedEvent{PeerID: "bob"}, nextEvent(t, m))
	assert.True(t, link.isClosed())
	assert.Contains(t, dev.removed, "bob")
}

func TestPeerLeaveSignal(t *testing.T) {
	dev := newFakeDevice()
	factory := &fakeFactory{}
	m := startManager(t, dev, factory)
	joinRoom(t, m, "room-1")

	m.Commands() <- SignalCommand{SenderID: "bob", Type: SignalOffer, Data: "sdp"}
	nextEvent(t, m) // answer

	m.Commands() <- SignalCommand{SenderID: "bob", Type: SignalLeaveVoice}
	assert.Equal(t, PeerDisconnectedEvent{PeerID: "bob"}, nextEvent(t, m))
	assert.True(t, factory.link(0).isClosed())
}

func TestRemoteAudioStartsPlayback(t *testing.T) {
	dev := newFakeDevice()
	factory := &fakeFactory{}
	m := startManager(t, dev, factory)
	joinRoom(t, m, "room-1")

	m.Commands() <- SignalCommand{SenderID: "bob", Type: SignalOffer, Data: "sdp"}
	nextEvent(t, m) // answer

	packets := make(chan []byte)
	factory.link(0).cb.OnRemoteAudio(packets)
	assert.True(t, dev.isPlaying("bob"))
}

func TestPlaybackFailureIsNonFatal(t *testing.T) {
	dev := newFakeDevice()
	dev.playbackErr = errors.New("no output device")
	factory := &fakeFactory{}
	m := startManager(t, dev, factory)
	joinRoom(t, m, "room-1")

	m.Commands() <- SignalCommand{SenderID: "bob", Type: SignalOffer, Data: "sdp"}
	nextEvent(t, m) // answer

	factory.link(0).cb.OnRemoteAudio(make(chan []byte))
	audioErr, ok := nextEvent(t, m).(AudioErrorEvent)
	require.True(t, ok)
	assert.Contains(t, audioErr.Message, "bob")

	// the session itself stays up
	assert.Equal(t, 1, m.reg.size())
}

func TestLeaveReleasesEverything(t *testing.T) {
	dev := newFakeDevice()
	factory := &fakeFactory{}
	m := startManager(t, dev, factory)
	joinRoom(t, m, "room-1")

	m.Commands() <- SignalCommand{SenderID: "bob", Type: SignalOffer, Data: "sdp"}
	nextEvent(t, m) // answer
	m.Commands() <- SignalCommand{SenderID: "carol", Type: SignalOffer, Data: "sdp"}
	nextEvent(t, m) // answer

	resetsBefore := dev.resets
	m.Commands() <- LeaveCommand{}

	sig, ok := nextEvent(t, m).(SignalEvent)
	require.True(t, ok)
	assert.Equal(t, SignalLeaveVoice, sig.Message.Type)
	assert.Nil(t, sig.Message.TargetUserID)

	// one PeerDisconnected per peer, order not specified
	gone := make([]string, 0, 2)
	for i := 0; i < 2; i++ {
		pd, ok := nextEvent(t, m).(PeerDisconnectedEvent)
		require.True(t, ok)
		gone = append(gone, pd.PeerID)
	}
	assert.ElementsMatch(t, []string{"bob", "carol"}, gone)

	assert.Equal(t, MuteStateChangedEvent{Muted: false}, nextEvent(t, m))
	assert.Equal(t, TxActivityEvent{Transmitting: false}, nextEvent(t, m))
	assert.Equal(t, DisconnectedEvent{}, nextEvent(t, m))
	// exactly one Disconnected, nothing trailing
	assertNoEvent(t, m, 100*time.Millisecond)

	assert.True(t, factory.link(0).isClosed())
	assert.True(t, factory.link(1).isClosed())
	assert.Greater(t, dev.resets, resetsBefore)
	assert.Zero(t, m.reg.size())
	assert.Zero(t, m.reg.pendingSize())
}

func TestLeaveWhenNotJoinedIsSilent(t *testing.T) {
	m := startManager(t, newFakeDevice(), &fakeFactory{})

	m.Commands() <- LeaveCommand{}
	assertNoEvent(t, m, 100*time.Millisecond)
}

func TestRejoinStartsClean(t *testing.T) {
	dev := newFakeDevice()
	factory := &fakeFactory{}
	m := startManager(t, dev, factory)
	joinRoom(t, m, "room-1")

	m.Commands() <- SignalCommand{SenderID: "bob", Type: SignalOffer, Data: "sdp"}
	nextEvent(t, m) // answer

	m.Commands() <- JoinCommand{RoomID: "room-2"}
	require.Equal(t, ConnectingEvent{RoomID: "room-2"}, nextEvent(t, m))
	nextEvent(t, m) // presence
	require.Equal(t, ConnectedEvent{RoomID: "room-2"}, nextEvent(t, m))

	assert.True(t, factory.link(0).isClosed(), "rejoin must drop old peer links")
	assert.Zero(t, m.reg.size())
	assert.Equal(t, 2, dev.captureCount())
}

func TestMuteNeverRestartsCapture(t *testing.T) {
	dev := newFakeDevice()
	m := startManager(t, dev, &fakeFactory{})
	joinRoom(t, m, "room-1")

	for i := 0; i < 3; i++ {
		muted := i%2 == 0
		m.Commands() <- MuteCommand{Muted: muted}
		assert.Equal(t, MuteStateChangedEvent{Muted: muted}, nextEvent(t, m))
	}
	assert.Equal(t, 1, dev.captureCount())
}

func TestMuteSuppressesTransmission(t *testing.T) {
	dev := newFakeDevice()
	m := startManager(t, dev, &fakeFactory{})
	joinRoom(t, m, "room-1")

	sink := dev.captureSink()
	require.NotNil(t, sink)

	sink <- []byte{0x01}
	assert.Equal(t, TxActivityEvent{Transmitting: true}, nextEvent(t, m))

	m.Commands() <- MuteCommand{Muted: true}
	assert.Equal(t, MuteStateChangedEvent{Muted: true}, nextEvent(t, m))

	// capture still feeds packets, transmission stops
	sink <- []byte{0x02}
	assert.Equal(t, TxActivityEvent{Transmitting: false}, nextEvent(t, m))

	m.Commands() <- MuteCommand{Muted: false}
	assert.Equal(t, MuteStateChangedEvent{Muted: false}, nextEvent(t, m))

	sink <- []byte{0x03}
	assert.Equal(t, TxActivityEvent{Transmitting: true}, nextEvent(t, m))
}

func TestManyPeersIndependentFailure(t *testing.T) {
	dev := newFakeDevice()
	factory := &fakeFactory{}
	m := startManager(t, dev, factory)
	joinRoom(t, m, "room-1")

	for i := 0; i < 4; i++ {
		m.Commands() <- SignalCommand{
			SenderID: fmt.Sprintf("peer-%d", i),
			Type:     SignalOffer,
			Data:     "sdp",
		}
		nextEvent(t, m) // answer
	}
	require.Equal(t, 4, m.reg.size())

	factory.link(2).cb.OnStateChange(LinkFailed)
	assert.Equal(t, PeerConnectionFailedEvent{PeerID: "peer-2"}, nextEvent(t, m))

	// the other three connections are untouched
	assert.Equal(t, 3, m.reg.size())
	for _, i := range []int{0, 1, 3} {
		assert.False(t, factory.link(i).isClosed())
	}
}
