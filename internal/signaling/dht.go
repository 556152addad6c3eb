package signaling

import (
	"context"
	"time"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/peer"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"
	"github.com/rs/zerolog/log"
)

// runDHT advertises the rendezvous string on the public Kademlia DHT and
// keeps dialing every peer that advertises the same one. Used for members
// outside the local network, where mDNS cannot see them.
func (r *Relay) runDHT(ctx context.Context, rendezvous string) error {
	bootstrapPeers := make([]peer.AddrInfo, 0, len(dht.DefaultBootstrapPeers))
	for _, addr := range dht.DefaultBootstrapPeers {
		peerinfo, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			continue
		}
		bootstrapPeers = append(bootstrapPeers, *peerinfo)
	}

	kademliaDHT, err := dht.New(ctx, r.host, dht.BootstrapPeers(bootstrapPeers...))
	if err != nil {
		return err
	}

	log.Debug().Msg("Bootstrapping the DHT...")
	if err = kademliaDHT.Bootstrap(ctx); err != nil {
		return err
	}

	// Wait a bit to let bootstrapping finish (really bootstrap should block
	// until it's ready, but that isn't the case yet.)
	time.Sleep(1 * time.Second)

	log.Debug().Msg("Announcing presence...")
	routingDiscovery := drouting.NewRoutingDiscovery(kademliaDHT)
	dutil.Advertise(ctx, routingDiscovery, rendezvous)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			log.Debug().Int("rt_size", kademliaDHT.RoutingTable().Size()).Msg("Searching for mesh peers...")

			peerChan, err := routingDiscovery.FindPeers(ctx, rendezvous)
			if err != nil {
				return err
			}
			for pi := range peerChan {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
					r.dialPeer(ctx, pi)
				}
			}
			time.Sleep(5 * time.Second)
		}
	}
}
