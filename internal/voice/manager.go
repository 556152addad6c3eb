package voice

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

const (
	cmdChanSize     = 64
	eventChanSize   = 256
	cleanupChanSize = 64
	sinkChanSize    = 128
)

// cleanupRequest is posted by transport callbacks when a connection dies;
// the actual teardown always happens on the manager loop. The generation
// lets the loop discard requests for a link that was already replaced.
type cleanupRequest struct {
	peerID string
	gen    uint64
	failed bool
}

// Manager is the voice signaling state machine. One goroutine (Run) owns
// all session state and serializes commands and internal cleanup through a
// single select; audio and transport goroutines talk back only through
// channels or the atomics below.
type Manager struct {
	device Device
	links  LinkFactory

	cmds    chan Command
	events  chan Event
	cleanup chan cleanupRequest

	reg    *registry
	linkID atomic.Uint64

	roomID string
	track  LocalTrack
	joined atomic.Bool
	muted  atomic.Bool
	tx     atomic.Bool

	pumpQuit chan struct{}
}

func NewManager(device Device, links LinkFactory) *Manager {
	return &Manager{
		device:  device,
		links:   links,
		cmds:    make(chan Command, cmdChanSize),
		events:  make(chan Event, eventChanSize),
		cleanup: make(chan cleanupRequest, cleanupChanSize),
		reg:     newRegistry(),
	}
}

// Commands is the host-facing command queue.
func (m *Manager) Commands() chan<- Command { return m.cmds }

// Events is the host-facing event queue. The host must keep draining it.
func (m *Manager) Events() <-chan Event { return m.events }

// Run drives the manager until ctx is cancelled. All state mutation
// happens here.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-m.cleanup:
			m.handleCleanup(req)
		case cmd := <-m.cmds:
			switch c := cmd.(type) {
			case JoinCommand:
				m.handleJoin(c.RoomID)
			case LeaveCommand:
				m.handleLeave()
			case MuteCommand:
				m.handleMute(c.Muted)
			case SignalCommand:
				m.handleSignal(c.SenderID, c.Type, c.Data)
			}
		}
	}
}

func (m *Manager) emit(e Event) {
	m.events <- e
}

func (m *Manager) sendSignal(target *string, typ SignalType, data string) {
	m.emit(SignalEvent{Message: SignalMessage{
		Type:         typ,
		TargetUserID: target,
		Data:         data,
	}})
}

// handleJoin starts a session. A join while already joined resets first:
// capture, playback and every peer link are torn down before anything new
// is created, so repeated joins can never leak streams.
func (m *Manager) handleJoin(roomID string) {
	m.joined.Store(false)
	m.stopPump()
	m.device.Reset()
	for _, link := range m.reg.drain() {
		_ = link.Close()
	}
	// the old session is gone either way; a failed join must not leave a
	// stale room behind for leave to announce
	m.roomID = ""
	m.track = nil

	m.emit(ConnectingEvent{RoomID: roomID})

	sink := make(chan []byte, sinkChanSize)
	if err := m.device.StartCapture(sink); err != nil {
		// no microphone means no presence announcement at all
		m.device.Reset()
		m.emit(ConnectionFailedEvent{Reason: err.Error()})
		return
	}
	track, err := m.links.NewLocalTrack()
	if err != nil {
		m.device.Reset()
		m.emit(ConnectionFailedEvent{Reason: err.Error()})
		return
	}

	m.roomID = roomID
	m.track = track
	m.joined.Store(true)
	m.pumpQuit = make(chan struct{})
	go m.pump(track, sink, m.pumpQuit)

	m.sendSignal(nil, SignalJoinVoice, "")
	m.emit(ConnectedEvent{RoomID: roomID})
	log.Info().Str("room", roomID).Msg("joined voice")
}

// pump moves encoded packets from the capture sink onto the local track.
// Muting only suppresses transmission; capture keeps running so unmute is
// instantaneous.
func (m *Manager) pump(track LocalTrack, sink <-chan []byte, quit <-chan struct{}) {
	for {
		select {
		case <-quit:
			return
		case pkt, ok := <-sink:
			if !ok {
				return
			}
			if m.muted.Load() || !m.joined.Load() {
				if m.tx.CompareAndSwap(true, false) {
					m.emit(TxActivityEvent{Transmitting: false})
				}
				continue
			}
			if err := track.WriteOpus(pkt); err != nil {
				log.Debug().Err(err).Msg("writing to local track failed")
				continue
			}
			if m.tx.CompareAndSwap(false, true) {
				m.emit(TxActivityEvent{Transmitting: true})
			}
		}
	}
}

func (m *Manager) stopPump() {
	if m.pumpQuit != nil {
		close(m.pumpQuit)
		m.pumpQuit = nil
	}
}

// handleLeave tears the session down completely. By the time Disconnected
// is emitted every hardware stream and peer connection has been released,
// so a subsequent join can assume a clean slate.
func (m *Manager) handleLeave() {
	wasJoined := m.roomID != ""

	// unset first so in-flight track callbacks stop starting playback
	m.joined.Store(false)
	if wasJoined {
		m.sendSignal(nil, SignalLeaveVoice, "")
	}

	m.stopPump()
	m.device.Reset()
	for id, link := range m.reg.drain() {
		_ = link.Close()
		m.emit(PeerDisconnectedEvent{PeerID: id})
	}

	m.roomID = ""
	m.track = nil

	if wasJoined {
		m.muted.Store(false)
		m.emit(MuteStateChangedEvent{Muted: false})
		m.tx.Store(false)
		m.emit(TxActivityEvent{Transmitting: false})
		m.emit(DisconnectedEvent{})
		log.Info().Msg("left voice")
	}
}

func (m *Manager) handleMute(muted bool) {
	m.muted.Store(muted)
	m.emit(MuteStateChangedEvent{Muted: muted})
}

func (m *Manager) handleSignal(senderID string, typ SignalType, data string) {
	if senderID == "" {
		return
	}
	switch typ {
	case SignalJoinVoice:
		// a newcomer announced itself; existing members initiate, the
		// newcomer just waits for offers — no offer/offer glare
		if !m.joined.Load() {
			return
		}
		m.offerToPeer(senderID)
	case SignalOffer:
		if !m.joined.Load() {
			return
		}
		m.answerPeer(senderID, data)
	case SignalAnswer:
		link, ok := m.reg.get(senderID)
		if !ok {
			// answer for a connection we never created: stale or noise
			log.Debug().Str("peer", senderID).Msg("dropping answer for unknown peer")
			return
		}
		if err := link.ApplyRemoteAnswer(data); err != nil {
			m.failPeer(senderID, err)
			return
		}
		m.reg.setReady(senderID)
		m.drainCandidates(senderID, link)
	case SignalCandidate:
		// candidates are only safe to apply once the link has a remote
		// description; until then they wait in the pending buffer
		link, ok := m.reg.get(senderID)
		if !ok || !m.reg.isReady(senderID) {
			m.reg.bufferCandidate(senderID, data)
			return
		}
		if err := link.AddCandidate(data); err != nil {
			log.Warn().Str("peer", senderID).Err(err).Msg("applying ICE candidate failed")
		}
	case SignalLeaveVoice:
		m.removePeer(senderID, false)
	default:
		log.Debug().Str("type", string(typ)).Msg("ignoring unknown signal type")
	}
}

// offerToPeer creates a connection toward a newly joined peer and signals
// the offer.
func (m *Manager) offerToPeer(peerID string) {
	link, err := m.createLink(peerID)
	if err != nil {
		m.emit(PeerConnectionFailedEvent{PeerID: peerID})
		return
	}
	sdp, err := link.CreateOffer()
	if err != nil {
		m.failPeer(peerID, err)
		return
	}
	m.sendSignal(&peerID, SignalOffer, sdp)
}

// answerPeer accepts a remote offer: apply it, drain any candidates that
// arrived early (in arrival order, before anything newer), then answer.
func (m *Manager) answerPeer(peerID, sdp string) {
	link, err := m.createLink(peerID)
	if err != nil {
		m.emit(PeerConnectionFailedEvent{PeerID: peerID})
		return
	}
	if err := link.ApplyRemoteOffer(sdp); err != nil {
		m.failPeer(peerID, err)
		return
	}
	m.reg.setReady(peerID)
	m.drainCandidates(peerID, link)
	answer, err := link.CreateAnswer()
	if err != nil {
		m.failPeer(peerID, err)
		return
	}
	m.sendSignal(&peerID, SignalAnswer, answer)
}

// drainCandidates applies the peer's buffered candidates in arrival order,
// once the link has a remote description.
func (m *Manager) drainCandidates(peerID string, link PeerLink) {
	for _, cand := range m.reg.takeCandidates(peerID) {
		if err := link.AddCandidate(cand); err != nil {
			log.Warn().Str("peer", peerID).Err(err).Msg("applying buffered candidate failed")
		}
	}
}

func (m *Manager) createLink(peerID string) (PeerLink, error) {
	gen := m.linkID.Add(1)
	cb := LinkCallbacks{
		OnCandidate: func(data string) {
			m.sendSignal(&peerID, SignalCandidate, data)
		},
		OnStateChange: func(state LinkState) {
			switch state {
			case LinkConnected:
				m.emit(PeerConnectedEvent{PeerID: peerID})
			case LinkFailed:
				m.postCleanup(peerID, gen, true)
			case LinkDisconnected, LinkClosed:
				m.postCleanup(peerID, gen, false)
			}
		},
		OnRemoteAudio: func(packets <-chan []byte) {
			if !m.joined.Load() {
				return
			}
			if err := m.device.StartPlayback(peerID, packets); err != nil {
				m.emit(AudioErrorEvent{
					Message: fmt.Sprintf("no playback for %s: %v", peerID, err),
				})
			}
		},
	}

	link, err := m.links.NewLink(peerID, m.track, cb)
	if err != nil {
		return nil, err
	}
	if old := m.reg.put(peerID, link, gen); old != nil {
		// peer rejoined without a leave_voice, drop the stale connection
		log.Debug().Str("peer", peerID).Msg("replacing existing peer connection")
		_ = old.Close()
	}
	return link, nil
}

// postCleanup hands a dead connection to the manager loop. Callbacks run
// on transport goroutines and must never do the teardown themselves.
func (m *Manager) postCleanup(peerID string, gen uint64, failed bool) {
	select {
	case m.cleanup <- cleanupRequest{peerID: peerID, gen: gen, failed: failed}:
	default:
		log.Warn().Str("peer", peerID).Msg("cleanup queue full, dropping request")
	}
}

func (m *Manager) handleCleanup(req cleanupRequest) {
	gen, ok := m.reg.gen(req.peerID)
	if !ok || gen != req.gen {
		return // the link was already replaced or removed
	}
	m.removePeer(req.peerID, req.failed)
}

func (m *Manager) removePeer(peerID string, failed bool) {
	link := m.reg.remove(peerID)
	m.device.RemovePeerStream(peerID)
	if link == nil {
		return
	}
	_ = link.Close()
	if failed {
		m.emit(PeerConnectionFailedEvent{PeerID: peerID})
	} else {
		m.emit(PeerDisconnectedEvent{PeerID: peerID})
	}
	log.Debug().Str("peer", peerID).Bool("failed", failed).Msg("peer connection removed")
}

func (m *Manager) failPeer(peerID string, err error) {
	log.Warn().Str("peer", peerID).Err(err).Msg("peer negotiation failed")
	m.removePeer(peerID, true)
}
