package signaling

import (
	"context"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/rs/zerolog/log"
)

type discoveryNotifee struct {
	PeerChan chan peer.AddrInfo
}

func (n *discoveryNotifee) HandlePeerFound(pi peer.AddrInfo) {
	n.PeerChan <- pi
}

// startMDNS registers with the local mDNS service and returns the channel
// of discovered peers.
func (r *Relay) startMDNS(rendezvous string) chan peer.AddrInfo {
	n := &discoveryNotifee{PeerChan: make(chan peer.AddrInfo)}

	ser := mdns.NewMdnsService(r.host, rendezvous, n)
	if err := ser.Start(); err != nil {
		log.Error().Err(err).Msg("Failed to start mDNS service")
	}
	return n.PeerChan
}

// runMDNS dials every peer mDNS finds, for as long as the context lives.
// Unlike a two-party call, a mesh keeps discovering after the first hit.
func (r *Relay) runMDNS(ctx context.Context, rendezvous string) {
	log.Info().Msg("Start mdns discovery")
	peerChan := r.startMDNS(rendezvous)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("mDNS discovery stopped")
			return
		case pi := <-peerChan:
			log.Debug().Str("peer", pi.String()).Msg("found peer via mDNS")
			r.dialPeer(ctx, pi)
		}
	}
}
