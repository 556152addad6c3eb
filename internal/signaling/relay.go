package signaling

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog/log"

	"meshvoice/internal/voice"
)

const (
	// ProtocolID is the libp2p stream protocol carrying signaling JSON.
	ProtocolID = "/meshvoice/signal/1.0.0"

	inboundChanSize = 64
	maxLineBytes    = 1 << 20
)

// Relay carries voice signaling messages between mesh members over
// libp2p streams, one newline-delimited JSON message per line. The
// libp2p peer ID doubles as the user ID in signaling messages.
type Relay struct {
	host host.Host

	mu      sync.Mutex
	streams map[peer.ID]network.Stream

	inbound chan voice.SignalMessage
}

func NewRelay(listenHost string, listenPort int) (*Relay, error) {
	prvKey, _, err := crypto.GenerateKeyPairWithReader(crypto.RSA, 2048, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating host key: %w", err)
	}

	sourceMultiAddr, err := multiaddr.NewMultiaddr(fmt.Sprintf("/ip4/%s/tcp/%d", listenHost, listenPort))
	if err != nil {
		return nil, fmt.Errorf("building listen address: %w", err)
	}

	h, err := libp2p.New(
		libp2p.ListenAddrs(sourceMultiAddr),
		libp2p.Identity(prvKey),
	)
	if err != nil {
		return nil, fmt.Errorf("creating libp2p host: %w", err)
	}

	r := &Relay{
		host:    h,
		streams: make(map[peer.ID]network.Stream),
		inbound: make(chan voice.SignalMessage, inboundChanSize),
	}
	h.SetStreamHandler(protocol.ID(ProtocolID), r.handleStream)

	log.Info().Str("host", h.ID().String()).Msg("signaling relay up")
	return r, nil
}

// UserID is this client's identity in signaling messages.
func (r *Relay) UserID() string { return r.host.ID().String() }

// Inbound delivers signaling messages from other mesh members, with
// SenderUserID filled from the transport identity of the stream they
// arrived on. Senders cannot spoof it.
func (r *Relay) Inbound() <-chan voice.SignalMessage { return r.inbound }

// Send routes one signaling message: targeted messages go only to the
// target's stream, broadcasts fan out to every connected member.
func (r *Relay) Send(msg voice.SignalMessage) error {
	msg.SenderUserID = nil // the receiving side trusts the stream, not the payload
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding signal: %w", err)
	}
	data = append(data, '\n')

	if msg.TargetUserID != nil {
		id, err := peer.Decode(*msg.TargetUserID)
		if err != nil {
			return fmt.Errorf("bad target user id %q: %w", *msg.TargetUserID, err)
		}
		stream, ok := r.stream(id)
		if !ok {
			return fmt.Errorf("no signaling stream for %s", *msg.TargetUserID)
		}
		if _, err := stream.Write(data); err != nil {
			r.dropStream(id)
			return fmt.Errorf("writing to %s: %w", *msg.TargetUserID, err)
		}
		return nil
	}

	for id, stream := range r.snapshot() {
		if _, err := stream.Write(data); err != nil {
			log.Warn().Str("peer", id.String()).Err(err).Msg("broadcast write failed")
			r.dropStream(id)
		}
	}
	return nil
}

func (r *Relay) Close() error {
	return r.host.Close()
}

// handleStream accepts a signaling stream opened by a remote member.
func (r *Relay) handleStream(stream network.Stream) {
	id := stream.Conn().RemotePeer()
	log.Info().Str("peer", id.String()).Msg("inbound signaling stream")
	r.addStream(id, stream)
	go r.readLoop(stream)
}

// dialPeer opens the signaling stream toward a discovered peer. Only the
// side with the higher peer ID dials, so each pair shares one stream.
func (r *Relay) dialPeer(ctx context.Context, pi peer.AddrInfo) {
	if pi.ID == r.host.ID() || r.host.ID() < pi.ID {
		return
	}
	if _, ok := r.stream(pi.ID); ok {
		return
	}

	if err := r.host.Connect(ctx, pi); err != nil {
		log.Warn().Str("peer", pi.String()).Err(err).Msg("Connection failed")
		return
	}
	stream, err := r.host.NewStream(ctx, pi.ID, protocol.ID(ProtocolID))
	if err != nil {
		log.Warn().Str("peer", pi.String()).Err(err).Msg("Connection failed")
		return
	}

	log.Info().Str("peer", pi.String()).Msg("Connected to peer")
	r.addStream(pi.ID, stream)
	go r.readLoop(stream)
}

func (r *Relay) readLoop(stream network.Stream) {
	id := stream.Conn().RemotePeer()
	sender := id.String()
	defer r.dropStream(id)

	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 4096), maxLineBytes)
	for scanner.Scan() {
		var msg voice.SignalMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			log.Warn().Str("peer", sender).Err(err).Msg("bad signaling message")
			continue
		}
		msg.SenderUserID = &sender

		select {
		case r.inbound <- msg:
		default:
			log.Warn().Str("peer", sender).Msg("inbound signaling queue full, dropping")
		}
	}
	if err := scanner.Err(); err != nil {
		log.Debug().Str("peer", sender).Err(err).Msg("signaling stream closed")
	}
}

func (r *Relay) addStream(id peer.ID, stream network.Stream) {
	r.mu.Lock()
	old, ok := r.streams[id]
	r.streams[id] = stream
	r.mu.Unlock()
	if ok {
		_ = old.Reset()
	}
}

func (r *Relay) stream(id peer.ID) (network.Stream, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[id]
	return s, ok
}

func (r *Relay) dropStream(id peer.ID) {
	r.mu.Lock()
	stream, ok := r.streams[id]
	delete(r.streams, id)
	r.mu.Unlock()
	if ok {
		_ = stream.Reset()
	}
}

func (r *Relay) snapshot() map[peer.ID]network.Stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[peer.ID]network.Stream, len(r.streams))
	for id, s := range r.streams {
		out[id] = s
	}
	return out
}
